package module

import "encoding/binary"

// hostUint32 and hostPutUint32 use the host's native byte order, matching
// spec §6.2 ("byte order is the host's"). Vendor devices that byte-swap
// explicitly (spec §6.2) do so themselves before calling WriteWord/after
// ReadWord, they don't change this default.
func hostUint32(b []byte) uint32 {
	return binary.NativeEndian.Uint32(b)
}

func hostPutUint32(b []byte, v uint32) {
	binary.NativeEndian.PutUint32(b, v)
}
