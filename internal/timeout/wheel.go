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

// Package timeout implements the hashed timing wheel of spec section
// 4.9, grounded on src/net/timeout.c: nbuckets slots at one-second
// resolution, O(1) add/remove, tick() detaches one slot per tick.
package timeout

// Callback fires when an entry's deadline is reached. Returning true
// defers the entry: it is reinserted at the next slot instead of
// being freed, matching "deferred" handling in spec section 4.9.
type Callback func(ctx interface{}) (defer_ bool)

type entry struct {
	seconds int
	cb      Callback
	ctx     interface{}
	slot    int
	prev    *entry
	next    *entry
}

// Handle identifies one installed entry for O(1) removal.
type Handle struct {
	e *entry
}

// Wheel is a hashed timing wheel with nbuckets slots at one-second
// resolution, driven by the reactor once per outer iteration (~1Hz).
// Owned exclusively by one worker (spec section 3).
type Wheel struct {
	buckets    []*entry // doubly linked list head per slot
	nbuckets   int
	cursor     int
}

func New(nbuckets int) *Wheel {
	if nbuckets <= 0 {
		nbuckets = 3600
	}
	return &Wheel{buckets: make([]*entry, nbuckets), nbuckets: nbuckets}
}

// Add installs an entry at slot (cursor + seconds) mod nbuckets.
func (w *Wheel) Add(seconds int, cb Callback, ctx interface{}) Handle {
	if seconds < 1 {
		seconds = 1
	}
	slot := (w.cursor + seconds) % w.nbuckets

	e := &entry{seconds: seconds, cb: cb, ctx: ctx, slot: slot}
	w.link(slot, e)
	return Handle{e: e}
}

// Remove unlinks the entry referenced by h, a no-op if already fired.
func (w *Wheel) Remove(h Handle) {
	if h.e == nil {
		return
	}
	w.unlink(h.e)
}

func (w *Wheel) link(slot int, e *entry) {
	e.slot = slot
	e.next = w.buckets[slot]
	e.prev = nil
	if e.next != nil {
		e.next.prev = e
	}
	w.buckets[slot] = e
}

func (w *Wheel) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if w.buckets[e.slot] == e {
		w.buckets[e.slot] = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.prev, e.next = nil, nil
}

// Tick advances the cursor by one slot, detaches that slot's list and
// fires or reinserts each entry per spec section 4.9.
func (w *Wheel) Tick() {
	w.cursor = (w.cursor + 1) % w.nbuckets
	head := w.buckets[w.cursor]
	w.buckets[w.cursor] = nil

	for e := head; e != nil; {
		next := e.next
		e.prev, e.next = nil, nil

		if e.cb(e.ctx) {
			w.link((w.cursor+1)%w.nbuckets, e)
		}

		e = next
	}
}
