package bus

import (
	"errors"
	"testing"
)

var errTest = errors.New("test error")

func TestAlignment(t *testing.T) {
	cases := []struct {
		mode BLTMode
		want int
	}{
		{BLT, 4}, {FF, 4}, {MBLT, 8}, {TwoeSST, 16}, {TwoeVME, 16}, {NoBLT, 1},
	}
	for _, c := range cases {
		if got := Alignment(c.mode); got != c.want {
			t.Errorf("Alignment(%v) = %d, want %d", c.mode, got, c.want)
		}
	}
}

// TestPadLen exercises testable property 4: padding never exceeds
// alignment-1 and rounds up to a multiple of the alignment.
func TestPadLen(t *testing.T) {
	for _, mode := range []BLTMode{BLT, FF, MBLT, TwoeSST, TwoeVME} {
		align := Alignment(mode)
		for filled := 0; filled < 64; filled++ {
			pad := PadLen(filled, mode)
			if pad < 0 || pad > align-1 {
				t.Fatalf("mode %v filled %d: pad %d out of [0, %d]", mode, filled, pad, align-1)
			}
			if (filled+pad)%align != 0 {
				t.Fatalf("mode %v filled %d: filled+pad=%d not aligned to %d", mode, filled, filled+pad, align)
			}
		}
	}
}

type fakeBackend struct {
	mapErr   error
	readErr  error
	writeErr error
	reads    []uint32
	writes   []uint32
}

func (f *fakeBackend) Map(address, bytes uint32, blt BLTMode) (any, error) {
	if f.mapErr != nil {
		return nil, f.mapErr
	}
	return struct{}{}, nil
}
func (f *fakeBackend) Unmap(priv any) error { return nil }
func (f *fakeBackend) SicyRead(priv any, bits int, offset uint32) (uint32, error) {
	f.reads = append(f.reads, offset)
	if f.readErr != nil {
		return 0, f.readErr
	}
	return 0x1234, nil
}
func (f *fakeBackend) SicyWrite(priv any, bits int, offset, value uint32) error {
	f.writes = append(f.writes, offset)
	return f.writeErr
}
func (f *fakeBackend) BltRead(priv any, offset uint32, dst []byte) (int, error) { return len(dst), nil }
func (f *fakeBackend) BltReadBERR(priv any, offset uint32, dst []byte) (int, error) {
	return len(dst), nil
}

func TestOpenPerformsLivenessPokes(t *testing.T) {
	be := &fakeBackend{}
	_, err := Open(be, 0x1000, 0x100, BLT, Poke{Bits: 16, Offset: 0x4}, Poke{Bits: 16, Offset: 0x8, Value: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(be.reads) != 1 || be.reads[0] != 0x4 {
		t.Errorf("expected one read poke at 0x4, got %v", be.reads)
	}
	if len(be.writes) != 1 || be.writes[0] != 0x8 {
		t.Errorf("expected one write poke at 0x8, got %v", be.writes)
	}
}

func TestOpenPokeFailureIsFatal(t *testing.T) {
	be := &fakeBackend{readErr: errTest}
	_, err := Open(be, 0x1000, 0x100, BLT, Poke{Bits: 16, Offset: 0x4}, Poke{})
	if err == nil {
		t.Fatal("expected error from failed liveness poke")
	}
}

func TestOpenSkipsDisabledPokes(t *testing.T) {
	be := &fakeBackend{}
	_, err := Open(be, 0x1000, 0x100, BLT, Poke{}, Poke{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(be.reads) != 0 || len(be.writes) != 0 {
		t.Error("expected no pokes when Bits == 0")
	}
}

type fakeUser struct {
	fakeBackend
	regionAddr, regionBytes uint32
}

func (f *fakeUser) Lookup(address, bytes uint32) bool {
	return address >= f.regionAddr && address+bytes <= f.regionAddr+f.regionBytes
}

func TestRouterPrefersUserRegion(t *testing.T) {
	primary := &fakeBackend{}
	user := &fakeUser{regionAddr: 0x2000, regionBytes: 0x1000}
	r := &Router{Primary: primary, User: user}
	m, err := r.Map(0x2100, 0x10, BLT, Poke{}, Poke{})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.BLTMode != NoBLT {
		t.Errorf("user-routed map should force NOBLT, got %v", m.BLTMode)
	}

	m2, err := r.Map(0x5000, 0x10, BLT, Poke{}, Poke{})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m2.BLTMode != BLT {
		t.Errorf("non-overlapping map should use primary backend's mode, got %v", m2.BLTMode)
	}
}
