package mesytecmadc32

import (
	"testing"

	"crateread.dev/bus"
	"crateread.dev/bus/backend/user"
	"crateread.dev/config"
	"crateread.dev/counter"
	"crateread.dev/module"
)

func TestCVTSettable(t *testing.T) {
	blk, err := config.ParseSnippet([]byte(`MESYTEC_MADC32(0x20000000) { resolution = 12 }`))
	if err != nil {
		t.Fatal(err)
	}
	devIface, err := New(0, blk.Children("MESYTEC_MADC32")[0])
	if err != nil {
		t.Fatal(err)
	}
	dev := devIface.(*Device)

	ub := user.New()
	ub.Register(0x20000000, make([]byte, 0x1000))
	router := &bus.Router{Primary: ub}
	ctx := &module.InitContext{Counters: &counter.Registry{}, Bus: router}

	if _, err := dev.InitSlow(ctx); err != nil {
		t.Fatalf("InitSlow: %v", err)
	}
	if err := dev.InitFast(ctx); err != nil {
		t.Fatalf("InitFast: %v", err)
	}

	if dev.HadToWait() {
		t.Error("HadToWait should start false")
	}
	dev.CVTSet(12800)
	if dev.cvtNS != 12800 {
		t.Errorf("cvtNS = %d, want 12800", dev.cvtNS)
	}
}

func TestEarlyDTMatchesModuleSetupFlag(t *testing.T) {
	dev := &Device{}
	if !dev.EarlyDT() {
		t.Error("EarlyDT should be true: MODULE_SETUP(mesytec_madc32, MODULE_FLAG_EARLY_DT)")
	}
}

func TestRejectsOutOfRangeResolution(t *testing.T) {
	blk, err := config.ParseSnippet([]byte(`MESYTEC_MADC32(0x20000000) { resolution = 99 }`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(0, blk.Children("MESYTEC_MADC32")[0]); err == nil {
		t.Error("expected error for out-of-range resolution")
	}
}
