package user

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	b := New()
	b.Register(0x1000, make([]byte, 0x100))

	if !b.Lookup(0x1000, 0x10) {
		t.Error("expected region to be found")
	}
	if b.Lookup(0x1000, 0x200) {
		t.Error("request exceeding region bounds should not be found")
	}
	if b.Lookup(0x5000, 0x10) {
		t.Error("unrelated address should not be found")
	}
}

func TestSicyReadWriteRoundTrip(t *testing.T) {
	b := New()
	b.Register(0x2000, make([]byte, 0x100))
	priv, err := b.Map(0x2000, 0x100, 0)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := b.SicyWrite(priv, 32, 0x10, 0xdeadbeef); err != nil {
		t.Fatalf("SicyWrite: %v", err)
	}
	got, err := b.SicyRead(priv, 32, 0x10)
	if err != nil {
		t.Fatalf("SicyRead: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("SicyRead = %#x, want 0xdeadbeef", got)
	}

	if err := b.SicyWrite(priv, 16, 0x20, 0xbeef); err != nil {
		t.Fatalf("SicyWrite 16-bit: %v", err)
	}
	got16, err := b.SicyRead(priv, 16, 0x20)
	if err != nil || got16 != 0xbeef {
		t.Errorf("SicyRead 16-bit = %#x, %v, want 0xbeef, nil", got16, err)
	}
}

func TestMapOutOfRegionFails(t *testing.T) {
	b := New()
	b.Register(0x3000, make([]byte, 0x10))
	if _, err := b.Map(0x3000, 0x100, 0); err == nil {
		t.Error("expected error mapping beyond region size")
	}
}

func TestBltReadClampsAtRegionEnd(t *testing.T) {
	b := New()
	data := make([]byte, 8)
	for i := range data {
		data[i] = byte(i)
	}
	b.Register(0x4000, data)
	priv, err := b.Map(0x4000, 8, 0)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	dst := make([]byte, 16)
	n, err := b.BltReadBERR(priv, 4, dst)
	if err != nil {
		t.Fatalf("BltReadBERR: %v", err)
	}
	if n != 4 {
		t.Errorf("n = %d, want 4 (clamped at region end)", n)
	}

	n2, err := b.BltReadBERR(priv, 8, dst)
	if err != nil || n2 != 0 {
		t.Errorf("BltReadBERR past end = %d, %v, want 0, nil", n2, err)
	}
}

func TestBltReadOutOfBoundsFails(t *testing.T) {
	b := New()
	b.Register(0x5000, make([]byte, 4))
	priv, err := b.Map(0x5000, 4, 0)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if n, err := b.BltRead(priv, 0, make([]byte, 16)); err == nil {
		t.Errorf("expected error, got n=%d", n)
	}
}
