/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package buffer implements the contiguous read/write byte buffer with
// compaction described in spec section 4.2, grounded on the original
// src/net/buffer.c: one backing array, a read cursor and a write
// cursor, memmove-style compaction before each read.
package buffer

import (
	"syscall"
)

// IOResult classifies the outcome of a read-from-fd or write-to-fd
// call. Partial transfers are normal and reported via n; WouldBlock,
// PeerClosed and Err are sentinel codes, never wrapped errors, because
// would-block is not a failure per spec section 7.
type IOResult int

const (
	IOOk IOResult = iota
	IOWouldBlock
	IOPeerClosed
	IOErr
)

const defaultCap = 16 * 1024

// Buffer is a contiguous byte region with independent read and write
// cursors. Not safe for concurrent use; every Buffer is owned by
// exactly one Connection per spec section 3's ownership summary.
type Buffer struct {
	buf   []byte
	rpos  int
	wpos  int
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCap
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Reset rewinds both cursors to zero without releasing the backing
// array, used when a Connection returns to the freelist.
func (b *Buffer) Reset() {
	b.rpos = 0
	b.wpos = 0
}

func (b *Buffer) ReadableLen() int  { return b.wpos - b.rpos }
func (b *Buffer) WritableLen() int  { return len(b.buf) - b.wpos }
func (b *Buffer) Cap() int          { return len(b.buf) }
func (b *Buffer) ReadBytes() []byte { return b.buf[b.rpos:b.wpos] }

// WritePointer returns the slice of currently writable space, valid
// until the next Produce, Compact or Grow call.
func (b *Buffer) WritePointer() []byte { return b.buf[b.wpos:] }

// Consume advances the read cursor by n bytes already handed to a
// caller (parsed or forwarded), never past the write cursor.
func (b *Buffer) Consume(n int) {
	b.rpos += n
	if b.rpos > b.wpos {
		b.rpos = b.wpos
	}
	if b.rpos == b.wpos {
		b.rpos, b.wpos = 0, 0
	}
}

// Produce advances the write cursor by n bytes already written into
// WritePointer's backing slice (e.g. by a socket read).
func (b *Buffer) Produce(n int) {
	b.wpos += n
}

// Compact memmoves the unread bytes to offset 0, called before every
// read per spec section 4.2 to guarantee maximal writable space.
func (b *Buffer) Compact() {
	if b.rpos == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.rpos:b.wpos])
	b.rpos = 0
	b.wpos = n
}

// Grow doubles the backing array when a single header/line exceeds the
// current capacity; bounded by the caller (max header/line length is
// enforced at the parser, not here).
func (b *Buffer) Grow(minExtra int) {
	need := b.wpos + minExtra
	if need <= len(b.buf) {
		return
	}
	newCap := len(b.buf) * 2
	for newCap < need {
		newCap *= 2
	}
	nb := make([]byte, newCap)
	copy(nb, b.buf[:b.wpos])
	b.buf = nb
}

// ReadFromFD compacts, ensures writable space, and issues exactly one
// non-blocking read(2), reporting the sentinel codes spec section 4.2
// mandates. Edge-triggered callers must loop until IOWouldBlock.
func (b *Buffer) ReadFromFD(fd int) (int, IOResult) {
	b.Compact()
	if b.WritableLen() == 0 {
		b.Grow(defaultCap)
	}

	n, err := syscall.Read(fd, b.WritePointer())
	switch {
	case err == syscall.EAGAIN || err == syscall.EWOULDBLOCK:
		return 0, IOWouldBlock
	case err != nil:
		return 0, IOErr
	case n == 0:
		return 0, IOPeerClosed
	default:
		b.Produce(n)
		return n, IOOk
	}
}

// WriteToFD issues exactly one non-blocking write(2) of the readable
// prefix and consumes what was actually written.
func (b *Buffer) WriteToFD(fd int) (int, IOResult) {
	if b.ReadableLen() == 0 {
		return 0, IOOk
	}

	n, err := syscall.Write(fd, b.ReadBytes())
	switch {
	case err == syscall.EAGAIN || err == syscall.EWOULDBLOCK:
		return 0, IOWouldBlock
	case err != nil:
		return 0, IOErr
	default:
		b.Consume(n)
		return n, IOOk
	}
}
