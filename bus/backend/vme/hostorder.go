package vme

import "encoding/binary"

func nativeUint16(b []byte) uint16 {
	return binary.NativeEndian.Uint16(b)
}

func nativePutUint16(b []byte, v uint16) {
	binary.NativeEndian.PutUint16(b, v)
}

func nativeUint32(b []byte) uint32 {
	return binary.NativeEndian.Uint32(b)
}

func nativePutUint32(b []byte, v uint32) {
	binary.NativeEndian.PutUint32(b, v)
}
