// Package trigio implements a trigger-IO board: gate/busy generation,
// a live event counter, and an SFP port chaining generic slave boards
// (spec §4.7's sub_module_pack). Its output word shares the scaler
// family's vendor code, so a crate listing both without a BARRIER between
// them is the collision case invariant 6 exists to catch.
package trigio

import (
	"fmt"

	"crateread.dev/bus"
	"crateread.dev/config"
	"crateread.dev/counter"
	"crateread.dev/module"
)

const (
	regFirmware     = 0x1000
	regGateWidth    = 0x1020 // ns, written in 12.5ns ticks
	regEventCounter = 0x1030
	regDMAFiller    = 0x1040
)

// signature deliberately collides with scaler's under the shared
// 0xf0000000 mask: both boards come from the same trigger-module family
// and share an output-word vendor code.
var signature = module.Signature{
	IDMask:     0x00000000,
	FixedMask:  0xf0000000,
	FixedValue: 0x90000000,
}

const dmaFiller = 0xa5a5a5a5

// Device implements module.Device for a trigger-IO board.
type Device struct {
	id       int
	baseAddr uint32
	m        *bus.Map

	gateWidthNS int32
	counter     counter.Counter
	subModules  []module.SubModule
}

// New builds a trigio board from its crate-file block.
func New(id int, block *config.Block) (module.Device, error) {
	if len(block.Args) != 1 {
		return nil, fmt.Errorf("trigio[%d]: expected a single base-address argument", id)
	}
	d := &Device{id: id, baseAddr: uint32(block.Args[0].Int)}

	gate, err := block.GetInt32Default("gate_width", config.UnitNS, 0, 100000, 100)
	if err != nil {
		return nil, fmt.Errorf("trigio[%d]: %w", id, err)
	}
	d.gateWidthNS = gate

	for _, sub := range block.Children("SLAVE") {
		kind, err := sub.GetIdent("kind", "GENERIC")
		if err != nil {
			return nil, fmt.Errorf("trigio[%d]: %w", id, err)
		}
		d.subModules = append(d.subModules, module.SubModule{Type: kind})
	}
	return d, nil
}

func (d *Device) Type() string { return "TRIGIO" }
func (d *Device) ID() int      { return d.id }

func (d *Device) EventMax() uint32 { return 1 }

func (d *Device) EventCounter() counter.Counter { return d.counter }

func (d *Device) GetMap() *bus.Map { return d.m }

func (d *Device) GetSignature() module.Signature { return signature }

func (d *Device) InitSlow(ctx *module.InitContext) (bool, error) {
	m, err := ctx.Bus.Map(d.baseAddr, 0x2000, bus.NoBLT, bus.Poke{Bits: 16, Offset: regFirmware}, bus.Poke{})
	if err != nil {
		return false, fmt.Errorf("trigio[%d]: %w", d.id, err)
	}
	d.m = m
	return true, nil
}

func (d *Device) InitFast(ctx *module.InitContext) error {
	if err := d.m.SicyWrite(16, regGateWidth, uint32(d.gateWidthNS)*10/125); err != nil {
		return fmt.Errorf("trigio[%d]: gate width: %w", d.id, err)
	}
	cnt, err := d.m.SicyRead(32, regEventCounter)
	if err != nil {
		return fmt.Errorf("trigio[%d]: event counter: %w", d.id, err)
	}
	d.counter = counter.Counter{Value: cnt, Mask: 0x0000ffff}
	return nil
}

func (d *Device) CheckEmpty() module.FailBits { return 0 }

func (d *Device) ReadoutDT() module.FailBits {
	cnt, err := d.m.SicyRead(32, regEventCounter)
	if err != nil {
		return module.ErrorDriver
	}
	d.counter = counter.Counter{Value: cnt, Mask: 0x0000ffff}
	return 0
}

func (d *Device) Readout(buf *module.EventBuffer) module.FailBits {
	if !buf.Fits(4) {
		return module.DataTooMuch
	}
	buf.WriteWord(0x90000000 | d.counter.Value&0xffff)
	return 0
}

func (d *Device) ReadoutFinalize() {}

func (d *Device) ParseData(r *module.ReadBuffer, crateCounter counter.Counter) module.FailBits {
	_, ok := r.ReadWord()
	if !ok {
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

// DMAFiller implements module.DMAFillerProvider.
func (d *Device) DMAFiller() uint32 { return dmaFiller }

// SubModules implements module.SubModuleLister.
func (d *Device) SubModules() []module.SubModule { return d.subModules }

func init() {
	module.Register("TRIGIO", New, "gate_width = 100ns")
}
