package slave

import (
	"testing"

	"crateread.dev/config"
)

func TestNewRequiresChainIndex(t *testing.T) {
	blk, err := config.ParseSnippet([]byte(`SLAVE(0) {}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(0, blk.Children("SLAVE")[0]); err == nil {
		t.Error("expected error when chain_index is missing")
	}
}

func TestNewParsesChainIndex(t *testing.T) {
	blk, err := config.ParseSnippet([]byte(`SLAVE(0) { chain_index = 3 }`))
	if err != nil {
		t.Fatal(err)
	}
	devIface, err := New(0, blk.Children("SLAVE")[0])
	if err != nil {
		t.Fatal(err)
	}
	dev := devIface.(*Device)
	if dev.chainIndex != 3 {
		t.Errorf("chainIndex = %d, want 3", dev.chainIndex)
	}
}
