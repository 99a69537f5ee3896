package module

import (
	"fmt"

	"crateread.dev/bus"
)

// EventBuffer is the writable window a module's Readout appends its payload
// into. It replaces the source's raw (ptr, bytes) pair with a Go-native
// (backing slice, filled count) per design note 3: filled only ever grows,
// and the remaining capacity is always backing[filled:].
type EventBuffer struct {
	backing []byte
	filled  int
}

// NewEventBuffer wraps a caller-owned backing store. The caller retains
// ownership; EventBuffer never reallocates it.
func NewEventBuffer(backing []byte) *EventBuffer {
	return &EventBuffer{backing: backing}
}

// Remaining returns the writable window: everything not yet filled.
func (b *EventBuffer) Remaining() []byte {
	return b.backing[b.filled:]
}

// Filled returns the bytes written so far.
func (b *EventBuffer) Filled() []byte {
	return b.backing[:b.filled]
}

// Len reports the number of bytes still available.
func (b *EventBuffer) Len() int {
	return len(b.backing) - b.filled
}

// Fits reports whether n more bytes fit without overflowing, the
// MEMORY_CHECK of spec §4.2 that a module must perform before each write.
func (b *EventBuffer) Fits(n int) bool {
	return n <= b.Len()
}

// Advance records that n bytes of Remaining were just written, growing
// filled by n. It is the Go-native EVENT_BUFFER_ADVANCE of spec §3.1/§3.2
// invariant 4: monotonic, and in debug builds it panics rather than silently
// running past the end or backwards.
func (b *EventBuffer) Advance(n int) {
	if debugChecks {
		if n < 0 {
			panic(fmt.Sprintf("module: EventBuffer.Advance(%d): negative advance", n))
		}
		if b.filled+n > len(b.backing) {
			panic(fmt.Sprintf("module: EventBuffer.Advance(%d): would overflow backing store (filled=%d, cap=%d)", n, b.filled, len(b.backing)))
		}
	}
	b.filled += n
}

// Reset rewinds filled to 0 so the backing store can be reused for the next
// event; it does not zero the bytes.
func (b *EventBuffer) Reset() {
	b.filled = 0
}

// WriteWord appends a little-endian-agnostic 32-bit word using the host's
// native byte order (spec §6.2: "byte order is the host's").
func (b *EventBuffer) WriteWord(w uint32) {
	if !b.Fits(4) {
		panic("module: WriteWord: buffer full")
	}
	dst := b.Remaining()[:4]
	hostPutUint32(dst, w)
	b.Advance(4)
}

// Align pads the buffer up to the byte alignment mode requires for a
// block-transfer read (spec §4.1/§8 property 4), writing filler one word at
// a time until bus.PadLen reports nothing left to pad. Every write in this
// package goes through WriteWord, so filled is always a multiple of 4 and
// PadLen's result always is too.
func (b *EventBuffer) Align(mode bus.BLTMode, filler uint32) {
	for bus.PadLen(b.filled, mode) > 0 {
		b.WriteWord(filler)
	}
}

// ReadBuffer is the read-only counterpart used by ParseData to walk a
// just-read region.
type ReadBuffer struct {
	data []byte
	pos  int
}

// NewReadBuffer wraps data for sequential parsing.
func NewReadBuffer(data []byte) *ReadBuffer {
	return &ReadBuffer{data: data}
}

// Len reports the number of unread bytes.
func (r *ReadBuffer) Len() int {
	return len(r.data) - r.pos
}

// ReadWord consumes and returns the next 32-bit word in host byte order. ok
// is false if fewer than 4 bytes remain.
func (r *ReadBuffer) ReadWord() (word uint32, ok bool) {
	if r.Len() < 4 {
		return 0, false
	}
	word = hostUint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return word, true
}

// Peek returns the next 32-bit word without consuming it.
func (r *ReadBuffer) Peek() (word uint32, ok bool) {
	if r.Len() < 4 {
		return 0, false
	}
	return hostUint32(r.data[r.pos : r.pos+4]), true
}

// Skip discards n bytes.
func (r *ReadBuffer) Skip(n int) {
	r.pos += n
}
