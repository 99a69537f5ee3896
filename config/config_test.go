package config

import (
	"errors"
	"strings"
	"testing"
)

func parseString(t *testing.T, src string) *Block {
	t.Helper()
	files := map[string]string{"main.cfg": src}
	l := &Loader{ReadFile: func(path string) ([]byte, error) {
		data, ok := files[path]
		if !ok {
			return nil, errors.New("not found")
		}
		return []byte(data), nil
	}}
	root, err := l.Load("main.cfg")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return root
}

// TestUnitTypedConfig exercises scenario S3 of the spec.
func TestUnitTypedConfig(t *testing.T) {
	root := parseString(t, `GATE { width = 2 us; offset = -25 ns }`)
	gate := root.Children("GATE")
	if len(gate) != 1 {
		t.Fatalf("expected 1 GATE block, got %d", len(gate))
	}
	g := gate[0]

	width, err := g.GetDouble("width", UnitNS, 0, 10000)
	if err != nil {
		t.Fatalf("GetDouble(width): %v", err)
	}
	if width != 2000.0 {
		t.Errorf("width = %v, want 2000.0", width)
	}

	offset, err := g.GetInt32("offset", UnitNS, -100, 100)
	if err != nil {
		t.Fatalf("GetInt32(offset): %v", err)
	}
	if offset != -25 {
		t.Errorf("offset = %v, want -25", offset)
	}

	if _, err := g.GetDouble("width", UnitMV, 0, 10000); err == nil {
		t.Error("GetDouble(width, UnitMV) should fail on dimension mismatch")
	}
}

// TestIncludeCycle exercises scenario S4.
func TestIncludeCycle(t *testing.T) {
	files := map[string]string{
		"a.cfg": `include "b.cfg"`,
		"b.cfg": `include "a.cfg"`,
	}
	l := &Loader{ReadFile: func(path string) ([]byte, error) {
		data, ok := files[path]
		if !ok {
			return nil, errors.New("not found")
		}
		return []byte(data), nil
	}}
	_, err := l.Load("a.cfg")
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "a.cfg") {
		t.Errorf("cycle error %q should name a.cfg", msg)
	}
	if !strings.Contains(msg, "b.cfg") {
		t.Errorf("cycle error %q should name b.cfg", msg)
	}
}

// TestRoundTrip exercises testable property 5: parse -> dump -> parse
// produces structurally identical trees.
func TestRoundTrip(t *testing.T) {
	src := `CRATE("Simple") {
  CAEN_V775(0x10000000) {
    threshold = 100, 200, 300
  }
  BARRIER() {}
  MESYTEC_MADC32(0x20000000) {
    resolution = 12
  }
}
`
	root1 := parseString(t, src)
	dumped := root1.Dump()

	files2 := map[string]string{"dump.cfg": dumped}
	l2 := &Loader{ReadFile: func(path string) ([]byte, error) {
		data, ok := files2[path]
		if !ok {
			return nil, errors.New("not found")
		}
		return []byte(data), nil
	}}
	root2, err := l2.Load("dump.cfg")
	if err != nil {
		t.Fatalf("re-parse of dump failed: %v\ndump was:\n%s", err, dumped)
	}

	c1 := root1.AllChildren()
	c2 := root2.AllChildren()
	if len(c1) != len(c2) {
		t.Fatalf("child count mismatch: %d vs %d", len(c1), len(c2))
	}
	for i := range c1 {
		if c1[i].Name != c2[i].Name {
			t.Errorf("child %d name mismatch: %q vs %q", i, c1[i].Name, c2[i].Name)
		}
	}
}

// TestMissingKey checks the "missing required key" path of category 1
// errors (spec §7).
func TestMissingKey(t *testing.T) {
	root := parseString(t, `GATE { width = 2 us }`)
	g := root.Children("GATE")[0]
	if _, err := g.GetInt32("nope", UnitNone, 0, 100); err == nil {
		t.Error("expected error for missing key")
	}
}

// TestTouchedAssertion verifies the typo-catching touched tracker.
func TestTouchedAssertion(t *testing.T) {
	root := parseString(t, `GATE { width = 2 us; typo_key = 1 }`)
	g := root.Children("GATE")[0]
	if _, err := g.GetDouble("width", UnitNS, 0, 10000); err != nil {
		t.Fatal(err)
	}
	missed := g.CheckTouched()
	if len(missed) != 1 || missed[0] != "typo_key" {
		t.Errorf("CheckTouched = %v, want [typo_key]", missed)
	}
}

func TestParseSnippetRejectsOversizeAndIncludes(t *testing.T) {
	big := strings.Repeat("a", 300)
	if _, err := ParseSnippet([]byte("x = " + big)); err == nil {
		t.Error("expected error for oversize snippet")
	}
	if _, err := ParseSnippet([]byte(`include "x.cfg"`)); err == nil {
		t.Error("expected error for include in snippet")
	}
	blk, err := ParseSnippet([]byte(`THRESHOLD(0) { value = 42 }`))
	if err != nil {
		t.Fatalf("ParseSnippet: %v", err)
	}
	if len(blk.Children("THRESHOLD")) != 1 {
		t.Error("expected one THRESHOLD child")
	}
}

func TestEmptyCrateEnumerate(t *testing.T) {
	root := parseString(t, `CRATE("AyeBeEmpty") { }`)
	crates := root.Children("CRATE")
	if len(crates) != 1 {
		t.Fatalf("expected 1 CRATE, got %d", len(crates))
	}
	if len(crates[0].Args) != 1 || crates[0].Args[0].Str != "AyeBeEmpty" {
		t.Errorf("unexpected crate name arg: %+v", crates[0].Args)
	}
	if len(crates[0].AllChildren()) != 0 {
		t.Errorf("expected zero modules, got %d", len(crates[0].AllChildren()))
	}
}

func TestSimpleTwoModuleCrateWithBarrier(t *testing.T) {
	root := parseString(t, `CRATE("Simple") { CAEN_V775(0x10000000){} BARRIER{} MESYTEC_MADC32(0x20000000){} }`)
	crate := root.Children("CRATE")[0]
	mods := crate.AllChildren()
	if len(mods) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(mods))
	}
	wantNames := []string{"CAEN_V775", "BARRIER", "MESYTEC_MADC32"}
	for i, want := range wantNames {
		if mods[i].Name != want {
			t.Errorf("module %d = %q, want %q", i, mods[i].Name, want)
		}
	}
}
