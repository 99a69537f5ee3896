// Package wire implements the length-delimited control-plane frame format
// of spec §6.3: a u32 big-endian length, a u8 opcode, and a cbor-encoded
// payload. Field types are modeled as cbor-tagged Go structs (grounded on
// bc/urtypes' keyasint tagging style) rather than a hand-rolled TLV walker:
// the cbor item stream already is type-length-value at the wire level.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// DefaultPort is the control server's default TCP port (spec §6.3: "a
// configurable TCP port, default fixed value").
const DefaultPort = 5999

// Opcode selects one of the six operations of spec §4.7. The same opcode
// labels both a request and its response frame.
type Opcode uint8

const (
	OpCrateArrayGet Opcode = iota + 1
	OpCrateInfoGet
	OpConfigDump
	OpRegisterArrayGet
	OpConfig
	OpGOC
)

func (o Opcode) String() string {
	switch o {
	case OpCrateArrayGet:
		return "crate_array_get"
	case OpCrateInfoGet:
		return "crate_info_get"
	case OpConfigDump:
		return "config_dump"
	case OpRegisterArrayGet:
		return "register_array_get"
	case OpConfig:
		return "config"
	case OpGOC:
		return "goc"
	default:
		return "unknown"
	}
}

const maxFrameBytes = 1 << 20

// headerBytes is the u32 length prefix plus the u8 opcode byte.
const headerBytes = 5

// WriteFrame cbor-encodes payload and writes it as one length-prefixed
// frame.
func WriteFrame(w io.Writer, op Opcode, payload any) error {
	body, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wire: marshal %s payload: %w", op, err)
	}
	header := make([]byte, headerBytes)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	header[4] = byte(op)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its opcode and raw
// cbor payload for the caller to Unmarshal into the type the opcode
// implies.
func ReadFrame(r io.Reader) (Opcode, []byte, error) {
	header := make([]byte, headerBytes)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length > maxFrameBytes {
		return 0, nil, fmt.Errorf("wire: frame of %d bytes exceeds %d byte limit", length, maxFrameBytes)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("wire: read body: %w", err)
	}
	return Opcode(header[4]), body, nil
}

// ModuleInfo is one entry of a crate_array_get response's module list.
type ModuleInfo struct {
	Type       string       `cbor:"1,keyasint"`
	SubModules []ModuleInfo `cbor:"2,keyasint,omitempty"`
}

// CrateInfo is one entry of a crate_array_get response.
type CrateInfo struct {
	Name    string       `cbor:"1,keyasint"`
	Modules []ModuleInfo `cbor:"2,keyasint"`
}

// CrateArrayResponse answers OpCrateArrayGet (no request payload).
type CrateArrayResponse struct {
	Crates []CrateInfo `cbor:"1,keyasint"`
}

// CrateInfoGetRequest selects a crate by its index in the server's list.
type CrateInfoGetRequest struct {
	CrateIndex int `cbor:"1,keyasint"`
}

// CrateInfoGetResponse answers OpCrateInfoGet.
type CrateInfoGetResponse struct {
	EventMaxOverride uint32 `cbor:"1,keyasint"`
	DTRelease        bool   `cbor:"2,keyasint"`
	ACVTNs           uint32 `cbor:"3,keyasint"`
	ShadowBufBytes   uint32 `cbor:"4,keyasint"`
	ShadowMaxBytes   uint32 `cbor:"5,keyasint"`
}

// ConfigDumpRequest selects a crate by index; an empty request selects
// crate 0. Only the selected crate's tree is dumped.
type ConfigDumpRequest struct {
	CrateIndex int `cbor:"1,keyasint,omitempty"`
}

// ConfigDumpResponse carries the parsed config tree rendered the same way
// config.Block.Dump round-trips (spec property 5).
type ConfigDumpResponse struct {
	Tree string `cbor:"1,keyasint"`
}

// RegisterArrayGetRequest addresses a module, optionally a sub-module, in a
// crate (spec §4.7: ci, mi, smi).
type RegisterArrayGetRequest struct {
	CrateIndex     int `cbor:"1,keyasint"`
	ModuleIndex    int `cbor:"2,keyasint"`
	SubModuleIndex int `cbor:"3,keyasint,omitempty"`
}

// RegisterValue is one row of a register_array_get response: a register's
// name, address, and every array element's current value. A bits=16
// register is reported in full 32-bit words (see DESIGN.md's resolution of
// the register-dump-width Open Question); ReadRegister truncation, if any,
// happens on the device side before this struct is filled in.
type RegisterValue struct {
	Name    string   `cbor:"1,keyasint"`
	Address uint32   `cbor:"2,keyasint"`
	Bits    int      `cbor:"3,keyasint"`
	Values  []uint32 `cbor:"4,keyasint"`
}

// RegisterArrayGetResponse answers OpRegisterArrayGet.
type RegisterArrayGetResponse struct {
	Registers []RegisterValue `cbor:"1,keyasint"`
}

// ConfigRequest merges Snippet into the addressed module's live config
// (spec §4.7's config operation).
type ConfigRequest struct {
	CrateIndex     int    `cbor:"1,keyasint"`
	ModuleIndex    int    `cbor:"2,keyasint"`
	SubModuleIndex int    `cbor:"3,keyasint,omitempty"`
	Snippet        string `cbor:"4,keyasint"`
}

// ConfigResponse answers OpConfig. Error is empty on success.
type ConfigResponse struct {
	Error string `cbor:"1,keyasint,omitempty"`
}

// GOCRequest is a pass-through serial-fibre register access (spec §4.7's
// goc_read/write).
type GOCRequest struct {
	CrateIndex int    `cbor:"1,keyasint"`
	SFP        int    `cbor:"2,keyasint"`
	Card       int    `cbor:"3,keyasint"`
	Offset     uint32 `cbor:"4,keyasint"`
	Num        int    `cbor:"5,keyasint,omitempty"`
	Write      bool   `cbor:"6,keyasint,omitempty"`
	Value      uint32 `cbor:"7,keyasint,omitempty"`
}

// GOCResponse answers OpGOC. Values is populated on read; empty on write.
type GOCResponse struct {
	Values []uint32 `cbor:"1,keyasint,omitempty"`
	Error  string   `cbor:"2,keyasint,omitempty"`
}
