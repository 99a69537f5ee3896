// Package user implements the bus.Backend used for in-process memory
// regions: tests and shared-memory modules map a caller-owned []byte
// instead of real hardware (spec §4.1).
package user

import (
	"fmt"

	"crateread.dev/bus"
)

// Region is a single registered memory window.
type Region struct {
	Address uint32
	Bytes   []byte
}

// Backend is a bus.Overridable backed by registered Regions. It has no
// process-wide state of its own: every Crate owns one.
type Backend struct {
	regions []Region
}

// New returns an empty user-memory backend.
func New() *Backend {
	return &Backend{}
}

// Register adds a region, making every bus.Map request fully contained in
// it bind to this backend (spec §4.1's user override).
func (b *Backend) Register(address uint32, data []byte) {
	b.regions = append(b.regions, Region{Address: address, Bytes: data})
}

func (b *Backend) find(address, bytes uint32) (Region, bool) {
	for _, r := range b.regions {
		if address >= r.Address && uint64(address)+uint64(bytes) <= uint64(r.Address)+uint64(len(r.Bytes)) {
			return r, true
		}
	}
	return Region{}, false
}

// Lookup implements bus.Overridable.
func (b *Backend) Lookup(address, bytes uint32) bool {
	_, ok := b.find(address, bytes)
	return ok
}

type mapping struct {
	region Region
	offset uint32 // address - region.Address
	bytes  uint32
}

// Map implements bus.Backend.
func (b *Backend) Map(address, bytes uint32, blt bus.BLTMode) (any, error) {
	r, ok := b.find(address, bytes)
	if !ok {
		return nil, fmt.Errorf("user: no registered region covers %#x+%#x", address, bytes)
	}
	return &mapping{region: r, offset: address - r.Address, bytes: bytes}, nil
}

// Unmap implements bus.Backend; user memory needs no teardown.
func (b *Backend) Unmap(priv any) error { return nil }

func (b *Backend) window(priv any, offset uint32, n int) ([]byte, error) {
	m := priv.(*mapping)
	start := int(m.offset) + int(offset)
	if start < 0 || start+n > len(m.region.Bytes) {
		return nil, fmt.Errorf("user: access at +%#x/%d bytes out of region bounds", offset, n)
	}
	return m.region.Bytes[start : start+n], nil
}

// SicyRead implements bus.Backend.
func (b *Backend) SicyRead(priv any, bits int, offset uint32) (uint32, error) {
	w, err := b.window(priv, offset, bits/8)
	if err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < len(w); i++ {
		v |= uint32(w[i]) << (8 * i)
	}
	return v, nil
}

// SicyWrite implements bus.Backend.
func (b *Backend) SicyWrite(priv any, bits int, offset uint32, value uint32) error {
	w, err := b.window(priv, offset, bits/8)
	if err != nil {
		return err
	}
	for i := range w {
		w[i] = byte(value >> (8 * i))
	}
	return nil
}

// BltRead implements bus.Backend.
func (b *Backend) BltRead(priv any, offset uint32, dst []byte) (int, error) {
	w, err := b.window(priv, offset, len(dst))
	if err != nil {
		return -1, err
	}
	return copy(dst, w), nil
}

// BltReadBERR implements bus.Backend; user memory never raises a bus error,
// so it behaves exactly like BltRead, clamped to whatever remains in the
// region instead of failing past the end.
func (b *Backend) BltReadBERR(priv any, offset uint32, dst []byte) (int, error) {
	m := priv.(*mapping)
	start := int(m.offset) + int(offset)
	if start >= len(m.region.Bytes) {
		return 0, nil
	}
	end := start + len(dst)
	if end > len(m.region.Bytes) {
		end = len(m.region.Bytes)
	}
	return copy(dst, m.region.Bytes[start:end]), nil
}
