package crate

import (
	"testing"

	"crateread.dev/bus"
	"crateread.dev/counter"
	"crateread.dev/module"
)

type fakeDevice struct {
	id        int
	typ       string
	sig       module.Signature
	eventMax  uint32
	counter   counter.Counter
	readoutN  int // bytes to write per Readout call
	earlyDT   bool
	skipDT    bool
	destroyed bool

	shadowData []byte
	shadowFail module.FailBits

	parseDataCalls int
	mp             *bus.Map
	filler         uint32
}

func (d *fakeDevice) Type() string                   { return d.typ }
func (d *fakeDevice) ID() int                         { return d.id }
func (d *fakeDevice) EventMax() uint32                { return d.eventMax }
func (d *fakeDevice) EventCounter() counter.Counter   { return d.counter }
func (d *fakeDevice) GetMap() *bus.Map                { return d.mp }
func (d *fakeDevice) DMAFiller() uint32               { return d.filler }
func (d *fakeDevice) GetSignature() module.Signature  { return d.sig }
func (d *fakeDevice) InitSlow(ctx *module.InitContext) (bool, error) { return true, nil }
func (d *fakeDevice) InitFast(ctx *module.InitContext) error         { return nil }
func (d *fakeDevice) CheckEmpty() module.FailBits                    { return 0 }
func (d *fakeDevice) ReadoutDT() module.FailBits                     { return 0 }
func (d *fakeDevice) Readout(buf *module.EventBuffer) module.FailBits {
	if !buf.Fits(d.readoutN) {
		return module.DataTooMuch
	}
	for i := 0; i < d.readoutN/4; i++ {
		buf.WriteWord(0x11111111)
	}
	return 0
}
func (d *fakeDevice) ReadoutFinalize() {}
func (d *fakeDevice) ParseData(r *module.ReadBuffer, crateCounter counter.Counter) module.FailBits {
	d.parseDataCalls++
	return 0
}
func (d *fakeDevice) Destroy() error { d.destroyed = true; return nil }
func (d *fakeDevice) Deinit() error  { return nil }
func (d *fakeDevice) EarlyDT() bool  { return d.earlyDT }
func (d *fakeDevice) SkipDT() bool   { return d.skipDT }

func newTestCrate(t *testing.T, slots []slot) *Crate {
	t.Helper()
	c := &Crate{
		Name:     "test",
		Counters: &counter.Registry{},
		Tags:     map[string]*Tag{},
		acvt:     newACVT(),
		slots:    slots,
	}
	var idx []int
	for i := range slots {
		if slots[i].device != nil {
			idx = append(idx, i)
		}
	}
	c.Tags["default"] = &Tag{Name: "default", EventMax: 1000, slots: idx}
	c.state = Ready
	return c
}

// TestEventDiffClampedToTagMax exercises property 6: event_diff is the
// minimum of per-module diffs, clamped to the tag's event_max.
func TestEventDiffClampedToTagMax(t *testing.T) {
	// crate reference counter is 20; a trails by 10, b trails by 3 (mask
	// 0xff, zero this_minus_crate offset since Init() was never run here).
	a := &fakeDevice{id: 0, typ: "A", counter: counter.Counter{Value: 10, Mask: 0xff}, readoutN: 4, eventMax: 1}
	b := &fakeDevice{id: 1, typ: "B", counter: counter.Counter{Value: 17, Mask: 0xff}, readoutN: 4, eventMax: 1}
	c := newTestCrate(t, []slot{{device: a}, {device: b}})
	c.Counters.Crate = counter.Counter{Value: 20, Mask: 0xff}
	c.Tags["default"].EventMax = 2

	diff, fail, err := c.Readout("default", module.NewEventBuffer(make([]byte, 256)))
	if err != nil {
		t.Fatalf("Readout: %v", err)
	}
	if fail != 0 {
		t.Fatalf("fail = %v, want 0", fail)
	}
	if diff != 2 {
		t.Errorf("eventDiff = %d, want 2 (min(10,3) clamped to tag event_max 2)", diff)
	}
}

// TestOverflowDetected exercises property 7: a module producing more bytes
// than its event_max*4 is flagged DATA_TOO_MUCH.
func TestOverflowDetected(t *testing.T) {
	a := &fakeDevice{id: 0, typ: "A", counter: counter.Counter{}, readoutN: 8, eventMax: 1}
	c := newTestCrate(t, []slot{{device: a}})

	_, fail, err := c.Readout("default", module.NewEventBuffer(make([]byte, 256)))
	if err != nil {
		t.Fatalf("Readout: %v", err)
	}
	if fail&module.DataTooMuch == 0 {
		t.Error("expected DATA_TOO_MUCH when a module exceeds its declared event_max")
	}
}

// TestBarrierInsertedBetweenCollidingNeighbours exercises invariant 6.
func TestBarrierInsertedBetweenCollidingNeighbours(t *testing.T) {
	sig := module.Signature{FixedMask: 0xff000000, FixedValue: 0x90000000}
	a := &fakeDevice{id: 0, typ: "A", sig: sig, readoutN: 4, eventMax: 1}
	b := &fakeDevice{id: 1, typ: "B", sig: sig, readoutN: 4, eventMax: 1}
	c := newTestCrate(t, []slot{{device: a}, {device: b}})

	buf := module.NewEventBuffer(make([]byte, 256))
	_, _, err := c.Readout("default", buf)
	if err != nil {
		t.Fatalf("Readout: %v", err)
	}
	words := buf.Filled()
	if len(words) != 12 {
		t.Fatalf("expected 3 words (A, BARRIER, B) = 12 bytes, got %d", len(words))
	}
	r := module.NewReadBuffer(words)
	r.ReadWord()
	mid, _ := r.ReadWord()
	if mid != module.Barrier {
		t.Errorf("middle word = %#x, want BARRIER sentinel %#x", mid, module.Barrier)
	}
}

// TestExplicitBarrierSlotSeparatesNonCollidingNeighbours exercises the
// config-declared BARRIER{} path, independent of signature collision.
func TestExplicitBarrierSlotSeparatesNonCollidingNeighbours(t *testing.T) {
	a := &fakeDevice{id: 0, typ: "A", sig: module.Signature{FixedMask: 0xff000000, FixedValue: 0x10000000}, readoutN: 4, eventMax: 1}
	b := &fakeDevice{id: 1, typ: "B", sig: module.Signature{FixedMask: 0xff000000, FixedValue: 0x20000000}, readoutN: 4, eventMax: 1}
	c := newTestCrate(t, []slot{{device: a}, {barrier: true}, {device: b}})

	buf := module.NewEventBuffer(make([]byte, 256))
	_, _, err := c.Readout("default", buf)
	if err != nil {
		t.Fatalf("Readout: %v", err)
	}
	if len(buf.Filled()) != 12 {
		t.Fatalf("expected A, BARRIER, B (12 bytes), got %d", len(buf.Filled()))
	}
}

// TestDTReleaseFiresAfterReadoutDTWithNonEarlyModule exercises spec §5
// ordering guarantee 2: DTRelease must fire once readout_dt has completed
// for every module in the tag, even when (as with nearly every real
// device) some members are not EARLY_DT.
func TestDTReleaseFiresAfterReadoutDTWithNonEarlyModule(t *testing.T) {
	early := &fakeDevice{id: 0, typ: "A", earlyDT: true}
	notEarly := &fakeDevice{id: 1, typ: "B", earlyDT: false}
	c := newTestCrate(t, []slot{{device: early}, {device: notEarly}})

	released := 0
	c.DTRelease = func() { released++ }

	if _, err := c.ReadoutDT("default"); err != nil {
		t.Fatalf("ReadoutDT: %v", err)
	}
	if released != 1 {
		t.Errorf("DTRelease fired %d times, want 1", released)
	}
}

// TestDTReleaseSkippedWhenFreeRunning exercises the FreeRunning exemption:
// a free-running crate drives its own dead time and must not call an
// external DTRelease.
func TestDTReleaseSkippedWhenFreeRunning(t *testing.T) {
	notEarly := &fakeDevice{id: 0, typ: "A", earlyDT: false}
	c := newTestCrate(t, []slot{{device: notEarly}})
	c.FreeRunning = true

	released := 0
	c.DTRelease = func() { released++ }

	if _, err := c.ReadoutDT("default"); err != nil {
		t.Fatalf("ReadoutDT: %v", err)
	}
	if released != 0 {
		t.Errorf("DTRelease fired %d times while FreeRunning, want 0", released)
	}
}

// TestReadoutCallsParseDataOnWrittenBytes exercises spec §4.2's
// payload-validation step: crate.Readout must run each module's ParseData
// over exactly the bytes that module just contributed.
func TestReadoutCallsParseDataOnWrittenBytes(t *testing.T) {
	a := &fakeDevice{id: 0, typ: "A", readoutN: 4, eventMax: 1}
	c := newTestCrate(t, []slot{{device: a}})

	if _, _, err := c.Readout("default", module.NewEventBuffer(make([]byte, 256))); err != nil {
		t.Fatalf("Readout: %v", err)
	}
	if a.parseDataCalls != 1 {
		t.Errorf("ParseData called %d times, want 1", a.parseDataCalls)
	}
}

// fakeBLTBackend is a minimal bus.Backend whose Map accepts any request
// and keeps no state, so tests can hand a device a real *bus.Map without a
// hardware or user-memory backend.
type fakeBLTBackend struct{}

func (fakeBLTBackend) Map(address, bytes uint32, blt bus.BLTMode) (any, error) { return nil, nil }
func (fakeBLTBackend) Unmap(priv any) error                                    { return nil }
func (fakeBLTBackend) SicyRead(priv any, bits int, offset uint32) (uint32, error) {
	return 0, nil
}
func (fakeBLTBackend) SicyWrite(priv any, bits int, offset, value uint32) error { return nil }
func (fakeBLTBackend) BltRead(priv any, offset uint32, dst []byte) (int, error) {
	return len(dst), nil
}
func (fakeBLTBackend) BltReadBERR(priv any, offset uint32, dst []byte) (int, error) {
	return len(dst), nil
}

// TestAlignDevicePadsMBLTModule exercises comment #4's fix end to end:
// crate.Readout must pad a block-mode module's contribution up to its
// mapping's alignment using the module's own filler word.
func TestAlignDevicePadsMBLTModule(t *testing.T) {
	m, err := bus.Open(fakeBLTBackend{}, 0x1000, 0x100, bus.MBLT, bus.Poke{}, bus.Poke{})
	if err != nil {
		t.Fatalf("bus.Open: %v", err)
	}
	a := &fakeDevice{id: 0, typ: "A", readoutN: 4, eventMax: 1, mp: m, filler: 0xa5a5a5a5}
	c := newTestCrate(t, []slot{{device: a}})

	buf := module.NewEventBuffer(make([]byte, 256))
	if _, _, err := c.Readout("default", buf); err != nil {
		t.Fatalf("Readout: %v", err)
	}
	filled := buf.Filled()
	if len(filled) != 8 {
		t.Fatalf("Filled() length = %d, want 8 (4 data bytes padded to MBLT's 8-byte alignment)", len(filled))
	}
	r := module.NewReadBuffer(filled[4:])
	if w, ok := r.ReadWord(); !ok || w != 0xa5a5a5a5 {
		t.Errorf("pad word = %#x, ok=%v, want the module's own filler 0xa5a5a5a5", w, ok)
	}
}

// TestShadowBackpressureBlocksSwapUntilConsumed exercises scenario S6's
// backpressure: while the foreground has not consumed the ready shadow
// half, trySwap refuses to overwrite it, and consume still returns that
// half with no fail bits set.
func TestShadowBackpressureBlocksSwapUntilConsumed(t *testing.T) {
	buf := newShadowBuf()
	buf.consumed = false // foreground never drained the prior half
	swapped := buf.trySwap()
	if swapped {
		t.Fatal("trySwap should fail while the previous half is unconsumed")
	}

	data, fail, ok := buf.consume()
	if !ok {
		t.Fatal("consume should still return the unconsumed half")
	}
	_ = data
	if fail != 0 {
		t.Errorf("fail = %v, want 0 before the worker marks backpressure", fail)
	}
}
