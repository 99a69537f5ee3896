package caenv775

import (
	"testing"

	"crateread.dev/bus"
	"crateread.dev/bus/backend/user"
	"crateread.dev/config"
	"crateread.dev/counter"
	"crateread.dev/module"
)

func newTestDevice(t *testing.T) (*Device, *module.InitContext) {
	t.Helper()
	blk, err := config.ParseSnippet([]byte(`CAEN_V775(0x10000000) { threshold_0 = 5 }`))
	if err != nil {
		t.Fatal(err)
	}
	devBlock := blk.Children("CAEN_V775")[0]
	dev, err := New(0, devBlock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ub := user.New()
	ub.Register(0x10000000, make([]byte, 0x2000))
	router := &bus.Router{Primary: ub}
	ctx := &module.InitContext{Counters: &counter.Registry{}, Bus: router, CrateName: "test"}
	return dev.(*Device), ctx
}

func TestInitSlowAndFast(t *testing.T) {
	dev, ctx := newTestDevice(t)
	ok, err := dev.InitSlow(ctx)
	if err != nil || !ok {
		t.Fatalf("InitSlow: ok=%v err=%v", ok, err)
	}
	if err := dev.InitFast(ctx); err != nil {
		t.Fatalf("InitFast: %v", err)
	}
	if dev.thresholds[0] != 5 {
		t.Errorf("threshold_0 = %d, want 5", dev.thresholds[0])
	}
}

func TestSignatureDoesNotCollideWithMadc32Family(t *testing.T) {
	other := module.Signature{FixedMask: 0xff000000, FixedValue: 0x20000000}
	if signature.Collides(other) {
		t.Error("CAEN_V775 should not collide with the Mesytec family code")
	}
}

func TestZeroSuppressAndPedestals(t *testing.T) {
	dev, ctx := newTestDevice(t)
	if _, err := dev.InitSlow(ctx); err != nil {
		t.Fatal(err)
	}
	dev.ZeroSuppress(true)
	dev.UsePedestals(true)
	for ch, r := range dev.pedestals {
		if r == nil {
			t.Fatalf("pedestal ring for channel %d should be allocated", ch)
		}
	}
	if err := dev.InitFast(ctx); err != nil {
		t.Fatalf("InitFast: %v", err)
	}
	dev.UsePedestals(false)
	for ch, r := range dev.pedestals {
		if r != nil {
			t.Fatalf("pedestal ring for channel %d should be released", ch)
		}
	}
}
