// Package slave implements a generic GOC chained-slave board: a minimal
// module.Device whose single bus.Map is opened against the sfp backend at
// its chain index rather than a VME base address (spec §4.7's
// sub_module_pack describes these; spec §4.1 routes their accesses over
// the serial fibre instead of mmap).
package slave

import (
	"fmt"

	"crateread.dev/bus"
	"crateread.dev/config"
	"crateread.dev/counter"
	"crateread.dev/module"
)

const (
	regFirmware = 0x00
	regStatus   = 0x04
	regData     = 0x08
)

var signature = module.Signature{
	IDMask:     0x00000000,
	FixedMask:  0xf0000000,
	FixedValue: 0x50000000,
}

// Device implements module.Device for one chained slave board.
type Device struct {
	id         int
	chainIndex uint8
	m          *bus.Map
}

// New builds a slave device from its SLAVE{} sub-block; chain_index
// selects its position on the GOC daisy chain.
func New(id int, block *config.Block) (module.Device, error) {
	idx, err := block.GetInt32("chain_index", config.UnitNone, 0, 255)
	if err != nil {
		return nil, fmt.Errorf("slave[%d]: %w", id, err)
	}
	return &Device{id: id, chainIndex: uint8(idx)}, nil
}

func (d *Device) Type() string { return "SLAVE" }
func (d *Device) ID() int      { return d.id }

func (d *Device) EventMax() uint32 { return 1 }

func (d *Device) EventCounter() counter.Counter { return counter.Counter{} }

func (d *Device) GetMap() *bus.Map { return d.m }

func (d *Device) GetSignature() module.Signature { return signature }

func (d *Device) InitSlow(ctx *module.InitContext) (bool, error) {
	address := uint32(d.chainIndex) << 24
	m, err := ctx.Bus.Map(address, 0x10, bus.NoBLT, bus.Poke{Bits: 16, Offset: regFirmware}, bus.Poke{})
	if err != nil {
		return false, fmt.Errorf("slave[%d]: %w", d.id, err)
	}
	d.m = m
	return true, nil
}

func (d *Device) InitFast(ctx *module.InitContext) error { return nil }

func (d *Device) CheckEmpty() module.FailBits { return 0 }

func (d *Device) ReadoutDT() module.FailBits { return 0 }

func (d *Device) Readout(buf *module.EventBuffer) module.FailBits {
	v, err := d.m.SicyRead(32, regData)
	if err != nil {
		return module.ErrorDriver
	}
	if !buf.Fits(4) {
		return module.DataTooMuch
	}
	buf.WriteWord(v)
	return 0
}

func (d *Device) ReadoutFinalize() {}

func (d *Device) ParseData(r *module.ReadBuffer, crateCounter counter.Counter) module.FailBits {
	if _, ok := r.ReadWord(); !ok {
		return module.DataCorrupt
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

func (d *Device) EarlyDT() bool { return false }
func (d *Device) SkipDT() bool  { return false }

func init() {
	module.Register("SLAVE", New, "skip_dt = 0")
}
