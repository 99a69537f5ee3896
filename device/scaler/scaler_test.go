package scaler

import (
	"testing"

	"crateread.dev/bus"
	"crateread.dev/bus/backend/user"
	"crateread.dev/config"
	"crateread.dev/counter"
	"crateread.dev/module"
)

func TestEventCounterIsNone(t *testing.T) {
	blk, err := config.ParseSnippet([]byte(`SCALER(0x40000000) {}`))
	if err != nil {
		t.Fatal(err)
	}
	dev, err := New(0, blk.Children("SCALER")[0])
	if err != nil {
		t.Fatal(err)
	}
	if !dev.EventCounter().None() {
		t.Error("scaler should report no usable event counter (invariant 1)")
	}
}

func TestEarlyDTMatchesModuleSetupFlag(t *testing.T) {
	dev := &Device{}
	if dev.EarlyDT() {
		t.Error("EarlyDT should be false: MODULE_SETUP(sis_3820_scaler, 0) sets no flags")
	}
}

func TestLatchAndReadout(t *testing.T) {
	blk, err := config.ParseSnippet([]byte(`SCALER(0x40000000) {}`))
	if err != nil {
		t.Fatal(err)
	}
	devIface, err := New(0, blk.Children("SCALER")[0])
	if err != nil {
		t.Fatal(err)
	}
	dev := devIface.(*Device)

	ub := user.New()
	backing := make([]byte, 0x1020)
	ub.Register(0x40000000, backing)
	router := &bus.Router{Primary: ub}
	ctx := &module.InitContext{Counters: &counter.Registry{}, Bus: router}

	if _, err := dev.InitSlow(ctx); err != nil {
		t.Fatalf("InitSlow: %v", err)
	}
	if err := dev.InitFast(ctx); err != nil {
		t.Fatalf("InitFast: %v", err)
	}
	if fail := dev.ReadoutDT(); fail != 0 {
		t.Fatalf("ReadoutDT: %v", fail)
	}

	buf := module.NewEventBuffer(make([]byte, 256))
	if fail := dev.Readout(buf); fail != 0 {
		t.Fatalf("Readout: %v", fail)
	}
	if buf.Filled() == nil || len(buf.Filled()) != 4*numChannels {
		t.Errorf("Readout wrote %d bytes, want %d", len(buf.Filled()), 4*numChannels)
	}
}
