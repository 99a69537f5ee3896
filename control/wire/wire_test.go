package wire

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := CrateInfoGetRequest{CrateIndex: 3}
	if err := WriteFrame(&buf, OpCrateInfoGet, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	op, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if op != OpCrateInfoGet {
		t.Fatalf("op = %v, want %v", op, OpCrateInfoGet)
	}

	var got CrateInfoGetRequest
	if err := cbor.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != req {
		t.Errorf("got %+v, want %+v", got, req)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff, byte(OpGOC)})
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected an error for a frame exceeding the size limit")
	}
}

func TestOpcodeString(t *testing.T) {
	if OpConfig.String() != "config" {
		t.Errorf("OpConfig.String() = %q, want %q", OpConfig.String(), "config")
	}
	if Opcode(99).String() != "unknown" {
		t.Errorf("unknown opcode should stringify to %q", "unknown")
	}
}
