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

// Package conn holds the per-connection state machine of spec section
// 4.6, grounded on src/net/connection.c: one struct per accepted
// socket carrying its read/write buffers, its request-scoped arena,
// its current state, and everything a proxied or tunneled connection
// needs to resume after a partial write. A Freelist recycles Conn
// values across accepts the way the original's connection pool
// recycles connection_t slots instead of malloc/free per accept.
package conn

import (
	"time"

	"github.com/sabouaram/nproxy/internal/arena"
	"github.com/sabouaram/nproxy/internal/buffer"
	"github.com/sabouaram/nproxy/internal/config"
	"github.com/sabouaram/nproxy/internal/fileserver"
	"github.com/sabouaram/nproxy/internal/timeout"
	"github.com/sabouaram/nproxy/internal/upstream"
)

type State int

const (
	ReadingRequest State = iota
	WritingResponse
	Proxying
	Tunnel
	SendFile
	Closing
)

func (s State) String() string {
	switch s {
	case ReadingRequest:
		return "reading_request"
	case WritingResponse:
		return "writing_response"
	case Proxying:
		return "proxying"
	case Tunnel:
		return "tunnel"
	case SendFile:
		return "send_file"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Conn is one accepted client connection and everything needed to
// drive it through the state machine. Owned exclusively by the worker
// that accepted it, per spec section 3 — never touched from another
// goroutine or process.
type Conn struct {
	FD         int
	RemoteIP   string
	Server     *config.Server
	Candidates []*config.Server // virtual servers sharing this listener, matched by Host

	RBuf   *buffer.Buffer // downstream read
	WBuf   *buffer.Buffer // downstream write
	UpRBuf *buffer.Buffer // upstream read (forwarded to WBuf)
	UpWBuf *buffer.Buffer // upstream write (filled from RBuf)
	Arena  *arena.Arena

	State     State
	KeepAlive bool
	Status    int // status of the response currently being written, for the access log

	TimeoutHandle   timeout.Handle
	HasTimeout      bool
	CreatedAt       time.Time
	ReqReceivedAt   time.Time

	// Proxying/Tunnel fields, set by the dispatcher when a request is
	// routed upstream.
	UpstreamFD int
	Backend    *upstream.Backend
	Pool       *upstream.Pool
	BytesUp    int64
	BytesDown  int64
	AnyForwarded bool
	ConnectChecked bool // SO_ERROR has been consulted for this upstream fd

	// SendFile state, set by the file server for a static 200 response.
	File *fileserver.SendFile

	// request summary retained after the arena backing Method/Path/etc
	// would otherwise be reset, used for the access log line written
	// once the response finishes.
	Method, Path, Version string
}

func newConn(bufCap, arenaBlock int) *Conn {
	return &Conn{
		RBuf:   buffer.New(bufCap),
		WBuf:   buffer.New(bufCap),
		UpRBuf: buffer.New(bufCap),
		UpWBuf: buffer.New(bufCap),
		Arena:  arena.New(arenaBlock),
	}
}

// reset clears every per-accept field so a recycled Conn cannot leak
// state from its previous occupant into the next one.
func (c *Conn) reset() {
	c.FD = -1
	c.RemoteIP = ""
	c.Server = nil
	c.Candidates = nil
	c.RBuf.Reset()
	c.WBuf.Reset()
	c.UpRBuf.Reset()
	c.UpWBuf.Reset()
	c.Arena.Reset()
	c.State = ReadingRequest
	c.KeepAlive = false
	c.Status = 0
	c.HasTimeout = false
	c.UpstreamFD = -1
	c.Backend = nil
	c.Pool = nil
	c.BytesUp = 0
	c.BytesDown = 0
	c.AnyForwarded = false
	c.ConnectChecked = false
	c.File = nil
	c.Method, c.Path, c.Version = "", "", ""
}

// BeginNextRequest returns the connection to ReadingRequest for a new
// request on the same keep-alive socket, resetting the arena (per
// spec section 3's pointer-lifetime invariant) but preserving any
// bytes already buffered past the previous request (pipelining).
func (c *Conn) BeginNextRequest() {
	c.Arena.Reset()
	c.State = ReadingRequest
	c.UpstreamFD = -1
	c.Backend = nil
	c.File = nil
	c.Method, c.Path, c.Version = "", "", ""
}

// Freelist recycles Conn values, bounded by capacity, matching spec
// section 4.6's "connection objects are recycled, not freed" note.
type Freelist struct {
	free       []*Conn
	capacity   int
	bufCap     int
	arenaBlock int
}

func NewFreelist(capacity, bufCap, arenaBlock int) *Freelist {
	return &Freelist{capacity: capacity, bufCap: bufCap, arenaBlock: arenaBlock}
}

// Acquire returns a Conn ready for a freshly accepted fd, reusing a
// recycled instance when one is available.
func (f *Freelist) Acquire(fd int, remoteIP string, candidates []*config.Server, now time.Time) *Conn {
	var c *Conn
	if n := len(f.free); n > 0 {
		c = f.free[n-1]
		f.free = f.free[:n-1]
		c.reset()
	} else {
		c = newConn(f.bufCap, f.arenaBlock)
		c.reset()
	}
	c.FD = fd
	c.RemoteIP = remoteIP
	c.Candidates = candidates
	if len(candidates) > 0 {
		c.Server = candidates[0]
	}
	c.CreatedAt = now
	return c
}

// Release returns c to the freelist once its fd has been closed,
// unless the freelist is already at capacity.
func (f *Freelist) Release(c *Conn) {
	if len(f.free) >= f.capacity {
		return
	}
	f.free = append(f.free, c)
}
