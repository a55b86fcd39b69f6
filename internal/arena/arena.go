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

// Package arena implements the per-request bump allocator of spec
// section 4.3, grounded on src/core/memory.c: a chain of fixed-size
// blocks, allocation never fails except by growing a new block, and
// Reset rewinds to a single block in O(blocks allocated beyond first).
package arena

type block struct {
	data []byte
	used int
	next *block
}

// Arena is a scoped bump allocator. Every byte slice returned by Alloc
// is only valid until the next Reset — spec section 3's invariant that
// arena-borrowed pointers (the parsed request, response headers) are
// invalidated the instant Reset runs.
type Arena struct {
	blockSize int
	head      *block // most recently allocated block
	first     *block // retained across Reset
}

func New(blockSize int) *Arena {
	if blockSize <= 0 {
		blockSize = 8 * 1024
	}
	b := &block{data: make([]byte, blockSize)}
	return &Arena{blockSize: blockSize, head: b, first: b}
}

// Alloc returns a zero-length-extendable slice of size bytes aligned
// to align (a power of two). New blocks are chained at the head when
// the current block is exhausted, per spec section 4.3.
func (a *Arena) Alloc(size, align int) []byte {
	if align <= 0 {
		align = 1
	}

	cur := a.head
	off := alignUp(cur.used, align)
	if off+size > len(cur.data) {
		sz := a.blockSize
		if size > sz {
			sz = size
		}
		nb := &block{data: make([]byte, sz), next: cur}
		a.head = nb
		cur = nb
		off = 0
	}

	cur.used = off + size
	return cur.data[off : off+size : off+size]
}

// AllocString copies s into the arena and returns the arena-owned copy.
func (a *Arena) AllocString(s string) string {
	b := a.Alloc(len(s), 1)
	copy(b, s)
	return string(b)
}

// Reset rewinds to the first block, dropping every block allocated
// since, returning the arena to single-block state. O(blocks
// allocated beyond the first) as spec section 4.3 requires.
func (a *Arena) Reset() {
	a.first.used = 0
	a.head = a.first
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
