// Package bus implements the uniform single-cycle/block-transfer mapping
// layer of spec §4.1: a Map handle abstracts heterogeneous backends (direct
// VME mmap, a network-attached controller proxy, in-process user memory)
// behind one interface, with a liveness poke performed before any
// module-specific access.
package bus

import "fmt"

// BLTMode selects the block-transfer width used by BltRead, and the
// alignment that Align/PadLen enforce on block-transfer payloads.
type BLTMode int

const (
	NoBLT BLTMode = iota
	BLT           // 32-bit block transfer
	FF            // FIFO block transfer, same alignment as BLT
	MBLT          // 64-bit block transfer
	TwoeSST       // 2eSST burst mode
	TwoeVME       // dual-edge VME
)

func (m BLTMode) String() string {
	switch m {
	case NoBLT:
		return "NOBLT"
	case BLT:
		return "BLT"
	case FF:
		return "FF"
	case MBLT:
		return "MBLT"
	case TwoeSST:
		return "2eSST"
	case TwoeVME:
		return "2eVME"
	default:
		return "unknown"
	}
}

// Alignment returns the byte alignment a block-transfer mode requires, per
// spec §4.1: "BLT/FF: 4B, MBLT: 8B, 2eSST/2eVME: 16B".
func Alignment(mode BLTMode) int {
	switch mode {
	case BLT, FF:
		return 4
	case MBLT:
		return 8
	case TwoeSST, TwoeVME:
		return 16
	default:
		return 1
	}
}

// PadLen returns the number of filler bytes needed to round filled up to
// the alignment mode requires — testable property 4: the result is always
// in [0, Alignment(mode)-1].
func PadLen(filled int, mode BLTMode) int {
	align := Alignment(mode)
	rem := filled % align
	if rem == 0 {
		return 0
	}
	return align - rem
}

// Poke describes a known-safe register the mapping layer touches once,
// before any module-specific access, to verify the region is alive (spec
// §4.1). Bits == 0 disables the corresponding poke.
type Poke struct {
	Bits   int
	Offset uint32
	Value  uint32 // only meaningful for a write poke
}

// Backend is implemented by each pluggable transport: direct-mapped VME
// windows, a network-controller proxy, or in-process user memory (spec
// §4.1's "backends selected at build time").
type Backend interface {
	Map(address, bytes uint32, blt BLTMode) (priv any, err error)
	Unmap(priv any) error
	SicyRead(priv any, bits int, offset uint32) (uint32, error)
	SicyWrite(priv any, bits int, offset uint32, value uint32) error
	// BltRead reads a block transfer; a negative n signals a backend
	// failure (spec §4.1's "*_read* return negative on error"), which the
	// engine maps to ErrorDriver. A non-nil err always implies n < 0.
	BltRead(priv any, offset uint32, dst []byte) (n int, err error)
	// BltReadBERR is like BltRead but a normal VME bus-error ending the
	// block (the usual way a FIFO signals "no more data") is not an
	// error: it returns the bytes transferred before the bus-error with a
	// nil error.
	BltReadBERR(priv any, offset uint32, dst []byte) (n int, err error)
}

// Overridable is implemented by backends that can additionally answer
// whether a requested window falls inside a user-registered memory region
// (spec §4.1's user override). Only the "user" backend implements it.
type Overridable interface {
	Backend
	Lookup(address, bytes uint32) bool
}

// Map is a single mapped bus window, opaque to the module that owns it.
type Map struct {
	Address uint32
	Bytes   uint32
	BLTMode BLTMode

	backend Backend
	priv    any
}

// Open maps address for bytes, performing the configured liveness pokes
// before returning. Poke failure is fatal for this mapping (spec §4.1,
// §7 category 2).
func Open(backend Backend, address, bytes uint32, blt BLTMode, rPoke, wPoke Poke) (*Map, error) {
	priv, err := backend.Map(address, bytes, blt)
	if err != nil {
		return nil, fmt.Errorf("bus: map %#x+%#x: %w", address, bytes, err)
	}
	m := &Map{Address: address, Bytes: bytes, BLTMode: blt, backend: backend, priv: priv}
	if rPoke.Bits != 0 {
		if _, err := backend.SicyRead(priv, rPoke.Bits, rPoke.Offset); err != nil {
			backend.Unmap(priv)
			return nil, fmt.Errorf("bus: liveness read poke at %#x: %w", rPoke.Offset, err)
		}
	}
	if wPoke.Bits != 0 {
		if err := backend.SicyWrite(priv, wPoke.Bits, wPoke.Offset, wPoke.Value); err != nil {
			backend.Unmap(priv)
			return nil, fmt.Errorf("bus: liveness write poke at %#x: %w", wPoke.Offset, err)
		}
	}
	return m, nil
}

// Unmap releases the mapping.
func (m *Map) Unmap() error {
	return m.backend.Unmap(m.priv)
}

// SicyRead performs a single-cycle read of the given width (16 or 32 bits).
func (m *Map) SicyRead(bits int, offset uint32) (uint32, error) {
	return m.backend.SicyRead(m.priv, bits, offset)
}

// SicyWrite performs a single-cycle write.
func (m *Map) SicyWrite(bits int, offset uint32, value uint32) error {
	return m.backend.SicyWrite(m.priv, bits, offset, value)
}

// BltRead performs a block transfer.
func (m *Map) BltRead(offset uint32, dst []byte) (int, error) {
	return m.backend.BltRead(m.priv, offset, dst)
}

// BltReadBERR performs a block transfer that may end normally on a bus
// error.
func (m *Map) BltReadBERR(offset uint32, dst []byte) (int, error) {
	return m.backend.BltReadBERR(m.priv, offset, dst)
}

// Router selects the "user" backend for any request fully contained in a
// user-registered region, falling back to the configured primary backend
// otherwise (spec §4.1: "any map request fully contained in a registered
// region binds to the user backend regardless of blt_mode").
type Router struct {
	Primary Backend
	User    Overridable // nil if no user backend is configured
}

// Map opens a window, routing to the user backend when applicable.
func (r *Router) Map(address, bytes uint32, blt BLTMode, rPoke, wPoke Poke) (*Map, error) {
	if r.User != nil && r.User.Lookup(address, bytes) {
		return Open(r.User, address, bytes, NoBLT, rPoke, wPoke)
	}
	return Open(r.Primary, address, bytes, blt, rPoke, wPoke)
}
