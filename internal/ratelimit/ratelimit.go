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

// Package ratelimit implements the per-IP token bucket table of spec
// section 4.10, grounded on src/features/rate_limit.c: a fixed-size
// direct-mapped table keyed by FNV1a(ip) mod 4096, collisions silently
// overwrite the slot.
package ratelimit

import (
	"hash/fnv"
	"time"
)

const tableSize = 4096

type bucket struct {
	ip        string
	tokens    float64
	lastRefill time.Time
}

// Limiter is a fixed-size direct-mapped token bucket table. Owned
// exclusively by one worker; no locking, per spec section 5.
type Limiter struct {
	rate    float64
	burst   float64
	buckets [tableSize]bucket
	now     func() time.Time
}

func New(requestsPerSecond, burst float64) *Limiter {
	return &Limiter{rate: requestsPerSecond, burst: burst, now: time.Now}
}

func slot(ip string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return int(h.Sum32() % tableSize)
}

// Allow checks and deducts one token for ip, returning false if the
// bucket is empty. Matches spec section 4.10 exactly: mismatch or
// empty slot reinitializes to burst tokens before refilling.
func (l *Limiter) Allow(ip string) bool {
	i := slot(ip)
	b := &l.buckets[i]
	now := l.now()

	if b.ip != ip {
		b.ip = ip
		b.tokens = l.burst
		b.lastRefill = now
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * l.rate
			if b.tokens > l.burst {
				b.tokens = l.burst
			}
			b.lastRefill = now
		}
	}

	if b.tokens >= 1 {
		b.tokens -= 1
		return true
	}
	return false
}
