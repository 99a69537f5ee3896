// Package mesytecmadc32 implements a Mesytec MADC-32-style 32-channel
// sampling ADC: adaptive conversion time (ACVT) support, configurable
// resolution, and per-channel pedestal-driven zero suppression.
package mesytecmadc32

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

const (
	regOutputBuffer = 0x0000
	regFirmware     = 0x1000
	regResolution   = 0x6044
	regCVT          = 0x6096 // conversion time, 12.5 ns units
	regStatus1      = 0x0e00 // data-ready / buffer-full flags
	regThresholds   = 0x4000 // one 16-bit word per channel
	regEventCounterL = 0x0204
	regEventCounterH = 0x0206
)

const status1DataReady = 1 << 0

var signature = module.Signature{
	IDMask:     0x00003e00,
	FixedMask:  0xff000000,
	FixedValue: 0x20000000,
}

// Device implements module.Device for one MADC-32 board.
type Device struct {
	id       int
	baseAddr uint32
	m        *bus.Map

	resolution int32 // bits: 8, 9, ..., 13
	cvtNS      uint32
	hadToWait  bool

	thresholds [numChannels]int32
	zeroSupp   bool
	pedestals  [numChannels]*pedestal.Ring

	counter counter.Counter
}

// New builds a MADC-32 from its crate-file block.
func New(id int, block *config.Block) (module.Device, error) {
	if len(block.Args) != 1 {
		return nil, fmt.Errorf("mesytecmadc32[%d]: expected a single base-address argument", id)
	}
	d := &Device{id: id, baseAddr: uint32(block.Args[0].Int)}

	res, err := block.GetInt32Default("resolution", config.UnitNone, 8, 13, 12)
	if err != nil {
		return nil, fmt.Errorf("mesytecmadc32[%d]: %w", id, err)
	}
	d.resolution = res

	cvt, err := block.GetDoubleDefault("conversion_time", config.UnitNS, 0, 100000, 6400)
	if err != nil {
		return nil, fmt.Errorf("mesytecmadc32[%d]: %w", id, err)
	}
	d.cvtNS = uint32(cvt)

	for ch := 0; ch < numChannels; ch++ {
		th, err := block.GetInt32Default(fmt.Sprintf("threshold_%d", ch), config.UnitNone, 0, 8191, 0)
		if err != nil {
			return nil, fmt.Errorf("mesytecmadc32[%d]: %w", id, err)
		}
		d.thresholds[ch] = th
	}
	return d, nil
}

func (d *Device) Type() string { return "MESYTEC_MADC32" }
func (d *Device) ID() int      { return d.id }

func (d *Device) EventMax() uint32 { return 34 } // header + 32 channels + EOB

func (d *Device) EventCounter() counter.Counter { return d.counter }

func (d *Device) GetMap() *bus.Map { return d.m }

func (d *Device) GetSignature() module.Signature { return signature }

func (d *Device) InitSlow(ctx *module.InitContext) (bool, error) {
	m, err := ctx.Bus.Map(d.baseAddr, 0x1000, bus.MBLT, bus.Poke{Bits: 16, Offset: regFirmware}, bus.Poke{})
	if err != nil {
		return false, fmt.Errorf("mesytecmadc32[%d]: %w", d.id, err)
	}
	d.m = m
	return true, nil
}

func (d *Device) InitFast(ctx *module.InitContext) error {
	resBits := map[int32]uint32{8: 0, 9: 1, 10: 2, 11: 3, 12: 4, 13: 5}[d.resolution]
	if err := d.m.SicyWrite(16, regResolution, resBits); err != nil {
		return fmt.Errorf("mesytecmadc32[%d]: resolution: %w", d.id, err)
	}
	if err := d.m.SicyWrite(16, regCVT, d.cvtNS*10/125); err != nil {
		return fmt.Errorf("mesytecmadc32[%d]: conversion time: %w", d.id, err)
	}
	if err := d.applyThresholds(); err != nil {
		return err
	}
	lo, err := d.m.SicyRead(16, regEventCounterL)
	if err != nil {
		return fmt.Errorf("mesytecmadc32[%d]: event counter: %w", d.id, err)
	}
	hi, err := d.m.SicyRead(16, regEventCounterH)
	if err != nil {
		return fmt.Errorf("mesytecmadc32[%d]: event counter: %w", d.id, err)
	}
	d.counter = counter.Counter{Value: lo | hi<<16, Mask: 0x3fffffff}
	return nil
}

func (d *Device) applyThresholds() error {
	for ch, th := range d.thresholds {
		v := uint32(th)
		if d.zeroSupp {
			v |= 1 << 15
		}
		if err := d.m.SicyWrite(16, regThresholds+uint32(ch*2), v); err != nil {
			return fmt.Errorf("mesytecmadc32[%d]: threshold ch%d: %w", d.id, ch, err)
		}
	}
	return nil
}

// Reconfigure implements module.Reconfigurable: applies live resolution and
// threshold_<n> updates without re-running InitSlow.
func (d *Device) Reconfigure(block *config.Block) error {
	res, err := block.GetInt32Default("resolution", config.UnitNone, 8, 13, d.resolution)
	if err != nil {
		return fmt.Errorf("mesytecmadc32[%d]: %w", d.id, err)
	}
	d.resolution = res
	resBits := map[int32]uint32{8: 0, 9: 1, 10: 2, 11: 3, 12: 4, 13: 5}[d.resolution]
	if err := d.m.SicyWrite(16, regResolution, resBits); err != nil {
		return fmt.Errorf("mesytecmadc32[%d]: resolution: %w", d.id, err)
	}
	for ch := 0; ch < numChannels; ch++ {
		th, err := block.GetInt32Default(fmt.Sprintf("threshold_%d", ch), config.UnitNone, 0, 8191, d.thresholds[ch])
		if err != nil {
			return fmt.Errorf("mesytecmadc32[%d]: %w", d.id, err)
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
	lo, err := d.m.SicyRead(16, regEventCounterL)
	if err != nil {
		return module.ErrorDriver
	}
	hi, err := d.m.SicyRead(16, regEventCounterH)
	if err != nil {
		return module.ErrorDriver
	}
	d.counter = counter.Counter{Value: lo | hi<<16, Mask: 0x3fffffff}
	return 0
}

// Readout waits for the FIFO's data-ready flag, then drains it with a
// single MBLT block transfer (spec §4.1): BltReadBERR returns fewer bytes
// than requested when a bus error ends the block early, the normal way a
// FIFO signals it ran out of data mid-burst.
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
			d.hadToWait = true
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

func (d *Device) ReadoutFinalize() { d.hadToWait = false }

// ParseData feeds each channel's sample into its pedestal ring when
// pedestals are in use, and flags EventCounterMismatch when this module's
// own event counter has drifted out of lockstep with the crate's reference
// counter (spec §4.2).
func (d *Device) ParseData(r *module.ReadBuffer, crateCounter counter.Counter) module.FailBits {
	header, ok := r.Peek()
	if !ok {
		return 0
	}
	if header>>24 != 0x20 {
		return module.DataCorrupt
	}
	r.Skip(4)
	count := int((header >> 8) & 0x3f)
	for i := 0; i < count; i++ {
		word, ok := r.ReadWord()
		if !ok {
			return module.DataCorrupt
		}
		ch := int((word >> 16) & 0x1f)
		if d.pedestals[ch] != nil {
			d.pedestals[ch].Add(uint16(word & 0xfff))
		}
	}
	trailer, ok := r.ReadWord()
	if !ok || trailer>>24 != 0xa0 {
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

func (d *Device) EarlyDT() bool { return true } // MODULE_FLAG_EARLY_DT
func (d *Device) SkipDT() bool  { return false }

// UsePedestals implements module.PedestalUser.
func (d *Device) UsePedestals(enabled bool) {
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

// CVTSet implements module.CVTSettable: the engine grows the conversion
// time window when ACVT detects the crate is waiting on this module.
func (d *Device) CVTSet(ns uint32) {
	d.cvtNS = ns
	if d.m != nil {
		d.m.SicyWrite(16, regCVT, ns*10/125)
	}
}

// HadToWait implements module.CVTSettable.
func (d *Device) HadToWait() bool { return d.hadToWait }

func init() {
	module.Register("MESYTEC_MADC32", New, "resolution = 12; conversion_time = 6400ns")
}
