package protocol

import "fmt"

// Buffer is an append-only byte queue used both for encoding outgoing
// frames and for staging received bytes until a whole frame has arrived.
//
// Writes append at the back; Next consumes from the front. Slices returned
// by Next remain valid for the life of the program: when the buffer runs
// out of room it copies the unread tail into fresh backing storage rather
// than sliding bytes down in place, so a consumed region is never
// overwritten.
type Buffer struct {
	data []byte // data[off:] is the unread region
	off  int
}

// NewBuffer returns an empty buffer with room for n bytes before the first
// reallocation. The zero value is also ready to use.
func NewBuffer(n int) *Buffer {
	return &Buffer{data: make([]byte, 0, n)}
}

// Len reports the number of unread bytes.
func (b *Buffer) Len() int { return len(b.data) - b.off }

// Bytes returns the unread region without consuming it. The slice aliases
// the buffer and is valid only until the next Write or Reset; callers that
// need the bytes to survive must copy them or take them via Next.
func (b *Buffer) Bytes() []byte { return b.data[b.off:] }

// Write appends p to the buffer. It never fails; the error return exists to
// satisfy io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.grow(len(p))
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteByte appends a single byte. It never fails; the error return exists
// to satisfy io.ByteWriter.
func (b *Buffer) WriteByte(c byte) error {
	b.grow(1)
	b.data = append(b.data, c)
	return nil
}

// Next consumes the next n unread bytes and returns them. The buffer never
// touches the returned slice again, and its capacity is clipped so appends
// by the caller cannot reach into bytes still owned by the buffer. Next
// panics if fewer than n bytes are unread.
func (b *Buffer) Next(n int) []byte {
	if n < 0 || n > b.Len() {
		panic(fmt.Sprintf("protocol: Next(%d) with %d bytes unread", n, b.Len()))
	}
	p := b.data[b.off : b.off+n : b.off+n]
	b.off += n
	return p
}

// Reset drops all unread bytes. The backing array is abandoned rather than
// reused, so slices previously returned by Next keep their contents.
func (b *Buffer) Reset() {
	b.data = nil
	b.off = 0
}

// grow makes room for n more bytes. Appending within capacity only writes
// past len, which no returned slice can reach; otherwise the unread tail
// moves to a fresh allocation and the old array is left to the slices that
// still point into it.
func (b *Buffer) grow(n int) {
	if len(b.data)+n <= cap(b.data) {
		return
	}
	unread := b.Len()
	next := make([]byte, unread, growCap(unread+n))
	copy(next, b.data[b.off:])
	b.data = next
	b.off = 0
}

func growCap(need int) int {
	c := 64
	for c < need {
		c *= 2
	}
	return c
}
