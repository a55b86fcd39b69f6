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

package buffer

import (
	"syscall"
	"testing"
)

func TestProduceConsumeRoundTrip(t *testing.T) {
	b := New(16)
	copy(b.WritePointer(), "hello")
	b.Produce(5)
	if b.ReadableLen() != 5 {
		t.Fatalf("ReadableLen = %d, want 5", b.ReadableLen())
	}
	if string(b.ReadBytes()) != "hello" {
		t.Fatalf("ReadBytes = %q, want hello", b.ReadBytes())
	}
	b.Consume(5)
	if b.ReadableLen() != 0 {
		t.Fatalf("ReadableLen after full consume = %d, want 0", b.ReadableLen())
	}
	// a full consume resets both cursors to zero, freeing max writable space
	if b.WritableLen() != b.Cap() {
		t.Fatalf("WritableLen = %d after full consume, want Cap() = %d", b.WritableLen(), b.Cap())
	}
}

func TestConsumeClampsToWritePos(t *testing.T) {
	b := New(16)
	copy(b.WritePointer(), "ab")
	b.Produce(2)
	b.Consume(100)
	if b.ReadableLen() != 0 {
		t.Fatalf("ReadableLen = %d, want 0 after over-consume", b.ReadableLen())
	}
}

func TestCompactMovesUnreadToFront(t *testing.T) {
	b := New(16)
	copy(b.WritePointer(), "0123456789")
	b.Produce(10)
	b.Consume(4) // leaves "456789" unread, rpos=4
	b.Compact()
	if b.rpos != 0 {
		t.Fatalf("rpos after Compact = %d, want 0", b.rpos)
	}
	if string(b.ReadBytes()) != "456789" {
		t.Fatalf("ReadBytes after Compact = %q, want 456789", b.ReadBytes())
	}
}

func TestCompactNoopWhenAlreadyAtFront(t *testing.T) {
	b := New(16)
	copy(b.WritePointer(), "xy")
	b.Produce(2)
	before := b.wpos
	b.Compact()
	if b.wpos != before || b.rpos != 0 {
		t.Fatal("Compact should be a no-op when rpos is already 0")
	}
}

func TestGrowDoublesUntilItFits(t *testing.T) {
	b := New(4)
	b.Grow(10)
	if b.Cap() < 14 {
		t.Fatalf("Cap() = %d after Grow(10) on a 4-byte buffer, want >= 14", b.Cap())
	}
	if b.Cap()&(b.Cap()-1) != 0 {
		t.Fatalf("Cap() = %d, expected a power of two from repeated doubling", b.Cap())
	}
}

func TestGrowPreservesWrittenBytes(t *testing.T) {
	b := New(4)
	copy(b.WritePointer(), "ab")
	b.Produce(2)
	b.Grow(100)
	if string(b.ReadBytes()) != "ab" {
		t.Fatalf("ReadBytes after Grow = %q, want ab", b.ReadBytes())
	}
}

func TestResetRewindsCursors(t *testing.T) {
	b := New(16)
	copy(b.WritePointer(), "data")
	b.Produce(4)
	b.Consume(2)
	b.Reset()
	if b.ReadableLen() != 0 || b.WritableLen() != b.Cap() {
		t.Fatal("Reset did not rewind both cursors")
	}
}

func TestReadFromFDAndWriteToFD(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	wb := New(64)
	copy(wb.WritePointer(), "ping")
	wb.Produce(4)

	n, res := wb.WriteToFD(fds[0])
	if res != IOOk || n != 4 {
		t.Fatalf("WriteToFD = (%d, %v), want (4, IOOk)", n, res)
	}
	if wb.ReadableLen() != 0 {
		t.Fatalf("ReadableLen after full write = %d, want 0", wb.ReadableLen())
	}

	rb := New(64)
	n, res = rb.ReadFromFD(fds[1])
	if res != IOOk || n != 4 {
		t.Fatalf("ReadFromFD = (%d, %v), want (4, IOOk)", n, res)
	}
	if string(rb.ReadBytes()) != "ping" {
		t.Fatalf("ReadBytes = %q, want ping", rb.ReadBytes())
	}
}

func TestReadFromFDPeerClosed(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer syscall.Close(fds[1])
	syscall.Close(fds[0])

	rb := New(64)
	_, res := rb.ReadFromFD(fds[1])
	if res != IOPeerClosed {
		t.Fatalf("ReadFromFD after peer close = %v, want IOPeerClosed", res)
	}
}

func TestWriteToFDEmptyIsNoop(t *testing.T) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	b := New(16)
	n, res := b.WriteToFD(fds[0])
	if n != 0 || res != IOOk {
		t.Fatalf("WriteToFD on empty buffer = (%d, %v), want (0, IOOk)", n, res)
	}
}
