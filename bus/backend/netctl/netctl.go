// Package netctl implements the bus.Backend that proxies single-cycle and
// block-transfer accesses to a network-attached VME controller (an
// MVLC-style unit) over a plain TCP connection. No example repo in the
// corpus dials a comparable controller link, so this backend follows
// stdlib net.Dial/net.Conn idiom directly rather than a borrowed pattern;
// its frame layout matches the length-prefixed style control/wire uses for
// the client-facing protocol.
package netctl

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"crateread.dev/bus"
)

const defaultDialTimeout = 2 * time.Second

// Dial connects to a network controller at addr (host:port).
func Dial(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, defaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("netctl: dial %s: %w", addr, err)
	}
	return conn, nil
}

const (
	opMap       = 0x10
	opUnmap     = 0x11
	opSicyRead  = 0x12
	opSicyWrite = 0x13
	opBlt       = 0x14
	opBltBERR   = 0x15

	statusOK   = 0
	statusBERR = 1
	statusFail = 2
)

// Backend proxies every bus.Backend method across a single TCP connection
// to the network controller.
type Backend struct {
	conn net.Conn
}

// New wraps an already-dialed connection.
func New(conn net.Conn) *Backend {
	return &Backend{conn: conn}
}

type handle struct {
	id uint32
}

func (b *Backend) writeFrame(op byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = op
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := b.conn.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

func (b *Backend) readReply() (status byte, payload []byte, err error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(b.conn, hdr); err != nil {
		return 0, nil, err
	}
	status = hdr[0]
	n := binary.BigEndian.Uint32(hdr[1:])
	if n == 0 {
		return status, nil, nil
	}
	payload = make([]byte, n)
	if _, err := io.ReadFull(b.conn, payload); err != nil {
		return 0, nil, err
	}
	return status, payload, nil
}

// Map implements bus.Backend by asking the controller to open a window and
// returning the remote handle ID it assigns.
func (b *Backend) Map(address, bytes uint32, blt bus.BLTMode) (any, error) {
	payload := make([]byte, 9)
	binary.BigEndian.PutUint32(payload[0:4], address)
	binary.BigEndian.PutUint32(payload[4:8], bytes)
	payload[8] = byte(blt)
	if err := b.writeFrame(opMap, payload); err != nil {
		return nil, fmt.Errorf("netctl: map %#x+%#x: %w", address, bytes, err)
	}
	status, reply, err := b.readReply()
	if err != nil {
		return nil, fmt.Errorf("netctl: map %#x+%#x: %w", address, bytes, err)
	}
	if status != statusOK || len(reply) < 4 {
		return nil, fmt.Errorf("netctl: map %#x+%#x: controller status %d", address, bytes, status)
	}
	return &handle{id: binary.BigEndian.Uint32(reply)}, nil
}

// Unmap implements bus.Backend.
func (b *Backend) Unmap(priv any) error {
	h := priv.(*handle)
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, h.id)
	if err := b.writeFrame(opUnmap, payload); err != nil {
		return fmt.Errorf("netctl: unmap: %w", err)
	}
	status, _, err := b.readReply()
	if err != nil {
		return fmt.Errorf("netctl: unmap: %w", err)
	}
	if status != statusOK {
		return fmt.Errorf("netctl: unmap: controller status %d", status)
	}
	return nil
}

// SicyRead implements bus.Backend.
func (b *Backend) SicyRead(priv any, bits int, offset uint32) (uint32, error) {
	h := priv.(*handle)
	payload := make([]byte, 9)
	binary.BigEndian.PutUint32(payload[0:4], h.id)
	binary.BigEndian.PutUint32(payload[4:8], offset)
	payload[8] = byte(bits)
	if err := b.writeFrame(opSicyRead, payload); err != nil {
		return 0, fmt.Errorf("netctl: read %#x: %w", offset, err)
	}
	status, reply, err := b.readReply()
	if err != nil {
		return 0, fmt.Errorf("netctl: read %#x: %w", offset, err)
	}
	if status != statusOK || len(reply) < 4 {
		return 0, fmt.Errorf("netctl: read %#x: controller status %d", offset, status)
	}
	return binary.BigEndian.Uint32(reply), nil
}

// SicyWrite implements bus.Backend.
func (b *Backend) SicyWrite(priv any, bits int, offset uint32, value uint32) error {
	h := priv.(*handle)
	payload := make([]byte, 13)
	binary.BigEndian.PutUint32(payload[0:4], h.id)
	binary.BigEndian.PutUint32(payload[4:8], offset)
	payload[8] = byte(bits)
	binary.BigEndian.PutUint32(payload[9:13], value)
	if err := b.writeFrame(opSicyWrite, payload); err != nil {
		return fmt.Errorf("netctl: write %#x: %w", offset, err)
	}
	status, _, err := b.readReply()
	if err != nil {
		return fmt.Errorf("netctl: write %#x: %w", offset, err)
	}
	if status != statusOK {
		return fmt.Errorf("netctl: write %#x: controller status %d", offset, status)
	}
	return nil
}

func (b *Backend) blt(priv any, op byte, offset uint32, dst []byte) (int, error) {
	h := priv.(*handle)
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], h.id)
	binary.BigEndian.PutUint32(payload[4:8], offset)
	binary.BigEndian.PutUint32(payload[8:12], uint32(len(dst)))
	if err := b.writeFrame(op, payload); err != nil {
		return -1, fmt.Errorf("netctl: blt %#x: %w", offset, err)
	}
	status, reply, err := b.readReply()
	if err != nil {
		return -1, fmt.Errorf("netctl: blt %#x: %w", offset, err)
	}
	if status == statusFail {
		return -1, fmt.Errorf("netctl: blt %#x: controller reported failure", offset)
	}
	n := copy(dst, reply)
	return n, nil
}

// BltRead implements bus.Backend.
func (b *Backend) BltRead(priv any, offset uint32, dst []byte) (int, error) {
	return b.blt(priv, opBlt, offset, dst)
}

// BltReadBERR implements bus.Backend; statusBERR is folded into a normal
// return the same way a local bus error ends a block read.
func (b *Backend) BltReadBERR(priv any, offset uint32, dst []byte) (int, error) {
	return b.blt(priv, opBltBERR, offset, dst)
}
