// Package sfp implements the bus.Backend talking to a chain of slave
// crates over a serial fibre (GOC) link, the way mjolnir.Open dials a
// USB-serial engraver in the teacher repo: a small, retry-free framed
// protocol over a github.com/tarm/serial port.
package sfp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/tarm/serial"

	"crateread.dev/bus"
)

// Open dials the GOC serial port. An empty dev tries the platform's usual
// default device names, mirroring mjolnir.Open's fallback list.
func Open(dev string) (io.ReadWriteCloser, error) {
	const baudRate = 3000000 // GOC fibre runs well above USB-serial toy speeds

	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else {
		switch runtime.GOOS {
		case "linux":
			devices = append(devices, "/dev/ttyGOC0", "/dev/ttyUSB0")
		case "windows":
			devices = append(devices, "COM4")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("sfp: no device specified")
	}
	var firstErr error
	for _, d := range devices {
		c := &serial.Config{Name: d, Baud: baudRate}
		p, err := serial.OpenPort(c)
		if err == nil {
			return p, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// Frame opcodes for the GOC chained-slave wire protocol.
const (
	opSicyRead  = 0x01
	opSicyWrite = 0x02
	opBlt       = 0x03
	opBltBERR   = 0x04

	statusOK   = 0x00
	statusBERR = 0x01
	statusFail = 0xff
)

// Backend addresses one slave position on a GOC daisy chain reachable
// through a single serial link.
type Backend struct {
	port io.ReadWriteCloser
	r    *bufio.Reader
}

// New wraps an already-open serial port (typically from Open).
func New(port io.ReadWriteCloser) *Backend {
	return &Backend{port: port, r: bufio.NewReader(port)}
}

// slave identifies a single chained crate by its position on the fibre.
type slave struct {
	index uint8
}

// Map implements bus.Backend. The GOC protocol has no concept of mapping
// ahead of time: address encodes the slave index in its top byte and the
// intra-slave offset in the low 24 bits, resolved per access.
func (b *Backend) Map(address, bytes uint32, blt bus.BLTMode) (any, error) {
	return &slave{index: uint8(address >> 24)}, nil
}

// Unmap implements bus.Backend; chained slaves need no teardown.
func (b *Backend) Unmap(priv any) error { return nil }

func (b *Backend) send(frame []byte) error {
	_, err := b.port.Write(frame)
	return err
}

func (b *Backend) recvStatus() (byte, error) {
	return b.r.ReadByte()
}

// SicyRead implements bus.Backend.
func (b *Backend) SicyRead(priv any, bits int, offset uint32) (uint32, error) {
	s := priv.(*slave)
	frame := make([]byte, 7)
	frame[0] = s.index
	frame[1] = opSicyRead
	binary.LittleEndian.PutUint32(frame[2:6], offset)
	frame[6] = byte(bits)
	if err := b.send(frame); err != nil {
		return 0, fmt.Errorf("sfp: send read %#x: %w", offset, err)
	}
	status, err := b.recvStatus()
	if err != nil {
		return 0, fmt.Errorf("sfp: read %#x: no response: %w", offset, err)
	}
	if status != statusOK {
		return 0, fmt.Errorf("sfp: read %#x: slave reported status %#x", offset, status)
	}
	var buf [4]byte
	if _, err := io.ReadFull(b.r, buf[:4]); err != nil {
		return 0, fmt.Errorf("sfp: read %#x: truncated response: %w", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// SicyWrite implements bus.Backend.
func (b *Backend) SicyWrite(priv any, bits int, offset uint32, value uint32) error {
	s := priv.(*slave)
	frame := make([]byte, 11)
	frame[0] = s.index
	frame[1] = opSicyWrite
	binary.LittleEndian.PutUint32(frame[2:6], offset)
	frame[6] = byte(bits)
	binary.LittleEndian.PutUint32(frame[7:11], value)
	if err := b.send(frame); err != nil {
		return fmt.Errorf("sfp: send write %#x: %w", offset, err)
	}
	status, err := b.recvStatus()
	if err != nil {
		return fmt.Errorf("sfp: write %#x: no response: %w", offset, err)
	}
	if status != statusOK {
		return fmt.Errorf("sfp: write %#x: slave reported status %#x", offset, status)
	}
	return nil
}

func (b *Backend) blt(priv any, op byte, offset uint32, dst []byte) (int, error) {
	s := priv.(*slave)
	frame := make([]byte, 10)
	frame[0] = s.index
	frame[1] = op
	binary.LittleEndian.PutUint32(frame[2:6], offset)
	binary.LittleEndian.PutUint32(frame[6:10], uint32(len(dst)))
	if err := b.send(frame); err != nil {
		return -1, fmt.Errorf("sfp: send blt %#x: %w", offset, err)
	}
	status, err := b.recvStatus()
	if err != nil {
		return -1, fmt.Errorf("sfp: blt %#x: no response: %w", offset, err)
	}
	if status == statusFail {
		return -1, fmt.Errorf("sfp: blt %#x: slave reported failure", offset)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(b.r, lenBuf[:]); err != nil {
		return -1, fmt.Errorf("sfp: blt %#x: truncated length: %w", offset, err)
	}
	n := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if n > len(dst) {
		n = len(dst)
	}
	if _, err := io.ReadFull(b.r, dst[:n]); err != nil {
		return -1, fmt.Errorf("sfp: blt %#x: truncated payload: %w", offset, err)
	}
	return n, nil
}

// BltRead implements bus.Backend.
func (b *Backend) BltRead(priv any, offset uint32, dst []byte) (int, error) {
	return b.blt(priv, opBlt, offset, dst)
}

// BltReadBERR implements bus.Backend; a statusBERR response ends the block
// normally rather than as an error (spec §4.1).
func (b *Backend) BltReadBERR(priv any, offset uint32, dst []byte) (int, error) {
	return b.blt(priv, opBltBERR, offset, dst)
}
