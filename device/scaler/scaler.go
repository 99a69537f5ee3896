// Package scaler implements a multi-channel VME scaler: pure counting,
// gated by the run's live-time window, with a register-level latch
// snapshot and no event-counter of its own (spec §3.2 invariant 1).
package scaler

import (
	"fmt"

	"crateread.dev/bus"
	"crateread.dev/config"
	"crateread.dev/counter"
	"crateread.dev/module"
)

const numChannels = 16

const (
	regFirmware    = 0x1000
	regLatch       = 0x1010 // write any value to latch all counters
	regClear       = 0x1014
	regCounterBase = 0x0000 // 32-bit words, one per channel
)

var signature = module.Signature{
	IDMask:     0x00000000,
	FixedMask:  0xf0000000,
	FixedValue: 0x90000000,
}

// Device implements module.Device for a scaler board.
type Device struct {
	id       int
	baseAddr uint32
	m        *bus.Map

	latched [numChannels]uint32
}

// New builds a scaler from its crate-file block.
func New(id int, block *config.Block) (module.Device, error) {
	if len(block.Args) != 1 {
		return nil, fmt.Errorf("scaler[%d]: expected a single base-address argument", id)
	}
	return &Device{id: id, baseAddr: uint32(block.Args[0].Int)}, nil
}

func (d *Device) Type() string { return "SCALER" }
func (d *Device) ID() int      { return d.id }

// EventMax is numChannels: each readout contributes the latched snapshot,
// one 32-bit word per channel.
func (d *Device) EventMax() uint32 { return numChannels }

// EventCounter returns a zero-mask Counter: scalers carry no trigger
// counter (invariant 1).
func (d *Device) EventCounter() counter.Counter { return counter.Counter{} }

func (d *Device) GetMap() *bus.Map { return d.m }

func (d *Device) GetSignature() module.Signature { return signature }

func (d *Device) InitSlow(ctx *module.InitContext) (bool, error) {
	m, err := ctx.Bus.Map(d.baseAddr, 0x1020, bus.NoBLT, bus.Poke{Bits: 16, Offset: regFirmware}, bus.Poke{})
	if err != nil {
		return false, fmt.Errorf("scaler[%d]: %w", d.id, err)
	}
	d.m = m
	return true, nil
}

func (d *Device) InitFast(ctx *module.InitContext) error {
	return d.m.SicyWrite(16, regClear, 1)
}

func (d *Device) CheckEmpty() module.FailBits { return 0 }

func (d *Device) ReadoutDT() module.FailBits {
	if err := d.m.SicyWrite(16, regLatch, 1); err != nil {
		return module.ErrorDriver
	}
	for ch := 0; ch < numChannels; ch++ {
		v, err := d.m.SicyRead(32, regCounterBase+uint32(ch*4))
		if err != nil {
			return module.ErrorDriver
		}
		d.latched[ch] = v
	}
	return 0
}

func (d *Device) Readout(buf *module.EventBuffer) module.FailBits {
	if !buf.Fits(4 * numChannels) {
		return module.DataTooMuch
	}
	for _, v := range d.latched {
		buf.WriteWord(v)
	}
	return 0
}

func (d *Device) ReadoutFinalize() {}

func (d *Device) ParseData(r *module.ReadBuffer, crateCounter counter.Counter) module.FailBits {
	for i := 0; i < numChannels; i++ {
		if _, ok := r.ReadWord(); !ok {
			return module.DataCorrupt
		}
	}
	return 0
}

func (d *Device) Destroy() error {
	if d.m == nil {
		return nil
	}
	return d.m.Unmap()
}

func (d *Device) Deinit() error { return nil }

func (d *Device) EarlyDT() bool { return false } // MODULE_SETUP flags are 0, not EARLY_DT
func (d *Device) SkipDT() bool  { return false }

func init() {
	module.Register("SCALER", New, "skip_dt = 0")
}
