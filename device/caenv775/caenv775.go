// Package caenv775 implements a CAEN V775-style 32-channel multi-hit TDC:
// a classic VME register layout with an output buffer FIFO, per-channel
// thresholds, and zero suppression, grounded on spec §4.2's module contract.
package caenv775

import (
	"fmt"
	"time"

	"crateread.dev/bus"
	"crateread.dev/config"
	"crateread.dev/counter"
	"crateread.dev/module"
	"crateread.dev/pedestal"
)

// noDataTimeout bounds the data-ready spin in Readout per spec §5: a trigger
// has already fired by the time Readout is called, so the FIFO is expected
// to fill very shortly; a board that never asserts data-ready within this
// window is reported as DataMissing rather than spun on forever.
const noDataTimeout = 1 * time.Second

const numChannels = 32

// Register offsets, relative to the module's base address.
const (
	regOutputBuffer  = 0x0000
	regFirmware      = 0x1000
	regStatus1       = 0x100e
	regEventCounter  = 0x1020
	regThresholdBase = 0x1080 // one 16-bit word per channel
	regBitSet2       = 0x1032
	regBitClear2     = 0x1034
)

const (
	status1DataReady = 1 << 0
)

const bit2ZeroSuppress = 1 << 0

var signature = module.Signature{
	IDMask:     0x00003e00,
	FixedMask:  0xff000000,
	FixedValue: 0x40000000,
}

// Device implements module.Device for one V775 board.
type Device struct {
	id       int
	baseAddr uint32
	m        *bus.Map

	thresholds [numChannels]int32
	zeroSupp   bool
	pedUsed    bool
	pedestals  [numChannels]*pedestal.Ring

	counter counter.Counter
}

// New builds a V775 from its crate-file block: Args[0] is the base VME
// address, and threshold_<n> keys set the per-channel comparator threshold.
func New(id int, block *config.Block) (module.Device, error) {
	if len(block.Args) != 1 {
		return nil, fmt.Errorf("caenv775[%d]: expected a single base-address argument", id)
	}
	d := &Device{id: id, baseAddr: uint32(block.Args[0].Int)}
	for ch := 0; ch < numChannels; ch++ {
		th, err := block.GetInt32Default(fmt.Sprintf("threshold_%d", ch), config.UnitNone, 0, 255, 0)
		if err != nil {
			return nil, fmt.Errorf("caenv775[%d]: %w", id, err)
		}
		d.thresholds[ch] = th
	}
	return d, nil
}

func (d *Device) Type() string { return "CAEN_V775" }
func (d *Device) ID() int      { return d.id }

// EventMax reports the output buffer depth: 32 multi-hit words.
func (d *Device) EventMax() uint32 { return 32 }

func (d *Device) EventCounter() counter.Counter { return d.counter }

func (d *Device) GetMap() *bus.Map { return d.m }

func (d *Device) GetSignature() module.Signature { return signature }

func (d *Device) InitSlow(ctx *module.InitContext) (bool, error) {
	m, err := ctx.Bus.Map(d.baseAddr, 0x2000, bus.MBLT, bus.Poke{Bits: 16, Offset: regFirmware}, bus.Poke{})
	if err != nil {
		return false, fmt.Errorf("caenv775[%d]: %w", d.id, err)
	}
	d.m = m
	return true, nil
}

func (d *Device) InitFast(ctx *module.InitContext) error {
	if err := d.applyThresholds(); err != nil {
		return err
	}
	if d.zeroSupp {
		if err := d.m.SicyWrite(16, regBitSet2, bit2ZeroSuppress); err != nil {
			return fmt.Errorf("caenv775[%d]: enable zero suppression: %w", d.id, err)
		}
	} else {
		if err := d.m.SicyWrite(16, regBitClear2, bit2ZeroSuppress); err != nil {
			return fmt.Errorf("caenv775[%d]: disable zero suppression: %w", d.id, err)
		}
	}
	cnt, err := d.m.SicyRead(32, regEventCounter)
	if err != nil {
		return fmt.Errorf("caenv775[%d]: read event counter: %w", d.id, err)
	}
	d.counter = counter.Counter{Value: cnt, Mask: 0x00ffffff}
	return nil
}

func (d *Device) applyThresholds() error {
	for ch, th := range d.thresholds {
		if err := d.m.SicyWrite(16, regThresholdBase+uint32(ch*2), uint32(th)); err != nil {
			return fmt.Errorf("caenv775[%d]: threshold ch%d: %w", d.id, ch, err)
		}
	}
	return nil
}

// Reconfigure implements module.Reconfigurable: applies a live config
// snippet's threshold_<n> keys without re-running InitSlow.
func (d *Device) Reconfigure(block *config.Block) error {
	for ch := 0; ch < numChannels; ch++ {
		th, err := block.GetInt32Default(fmt.Sprintf("threshold_%d", ch), config.UnitNone, 0, 255, d.thresholds[ch])
		if err != nil {
			return fmt.Errorf("caenv775[%d]: %w", d.id, err)
		}
		d.thresholds[ch] = th
	}
	return d.applyThresholds()
}

func (d *Device) CheckEmpty() module.FailBits {
	status, err := d.m.SicyRead(16, regStatus1)
	if err != nil {
		return module.ErrorDriver
	}
	if status&status1DataReady != 0 {
		return module.DataTooMuch
	}
	return 0
}

func (d *Device) ReadoutDT() module.FailBits {
	cnt, err := d.m.SicyRead(32, regEventCounter)
	if err != nil {
		return module.ErrorDriver
	}
	d.counter = counter.Counter{Value: cnt, Mask: 0x00ffffff}
	return 0
}

// Readout waits for the output buffer's data-ready flag, then drains it
// with a single MBLT block transfer (spec §4.1): BltReadBERR returns fewer
// bytes than requested when a bus error ends the block early, the normal
// way the FIFO signals it ran out of data mid-burst.
func (d *Device) Readout(buf *module.EventBuffer) module.FailBits {
	start := time.Now()
	for {
		status, err := d.m.SicyRead(16, regStatus1)
		if err != nil {
			return module.ErrorDriver
		}
		if status&status1DataReady != 0 {
			break
		}
		if time.Since(start) > noDataTimeout {
			return module.DataMissing
		}
	}
	want := int(d.EventMax()) * 4
	if !buf.Fits(want) {
		return module.DataTooMuch
	}
	n, err := d.m.BltReadBERR(regOutputBuffer, buf.Remaining()[:want])
	if err != nil {
		return module.ErrorDriver
	}
	buf.Advance(n)
	return 0
}

func (d *Device) ReadoutFinalize() {}

// ParseData walks the output-buffer words this module contributed, checking
// that the header's embedded channel count matches what follows and that a
// trailing end-of-block word terminates the group, feeding each channel's
// sample into its pedestal ring when pedestals are in use, and flagging
// EventCounterMismatch when this module's own event counter has drifted out
// of lockstep with the crate's reference counter (spec §4.2).
func (d *Device) ParseData(r *module.ReadBuffer, crateCounter counter.Counter) module.FailBits {
	header, ok := r.Peek()
	if !ok {
		return 0
	}
	if header>>24 != 0x40 {
		return module.DataCorrupt
	}
	r.Skip(4)
	count := int((header >> 8) & 0x3f)
	for i := 0; i < count; i++ {
		word, ok := r.ReadWord()
		if !ok {
			return module.DataCorrupt
		}
		if d.pedUsed {
			ch := int((word >> 16) & 0x1f)
			if ch < numChannels && d.pedestals[ch] != nil {
				d.pedestals[ch].Add(uint16(word & 0xfff))
			}
		}
	}
	trailer, ok := r.ReadWord()
	if !ok || trailer>>24 != 0xc0 {
		return module.DataCorrupt
	}

	var fail module.FailBits
	if !crateCounter.None() && !d.counter.None() {
		diff := counter.Diff(crateCounter, d.counter, 0)
		if !counter.InHemisphere(diff, d.counter.Mask) {
			fail |= module.EventCounterMismatch
		}
	}
	return fail
}

func (d *Device) Destroy() error {
	if d.m == nil {
		return nil
	}
	return d.m.Unmap()
}

func (d *Device) Deinit() error { return nil }

func (d *Device) EarlyDT() bool { return false }
func (d *Device) SkipDT() bool  { return false }

// UsePedestals implements module.PedestalUser.
func (d *Device) UsePedestals(enabled bool) {
	d.pedUsed = enabled
	for ch := range d.pedestals {
		if enabled {
			d.pedestals[ch] = pedestal.NewRing(256)
		} else {
			d.pedestals[ch] = nil
		}
	}
}

// ZeroSuppress implements module.ZeroSuppressor.
func (d *Device) ZeroSuppress(enabled bool) { d.zeroSupp = enabled }

// RegisterList implements module.RegisterLister.
func (d *Device) RegisterList() []module.RegisterEntry {
	return []module.RegisterEntry{
		{Name: "firmware", Address: regFirmware, Bits: 16},
		{Name: "status1", Address: regStatus1, Bits: 16},
		{Name: "threshold", Address: regThresholdBase, Bits: 16, ArrayLength: numChannels, ByteStep: 2},
	}
}

// ReadRegister implements module.RegisterLister.
func (d *Device) ReadRegister(entry module.RegisterEntry, index int) (uint32, error) {
	return d.m.SicyRead(entry.Bits, entry.Address+uint32(index*entry.ByteStep))
}

func init() {
	module.Register("CAEN_V775", New, "threshold_0 = 16")
}
