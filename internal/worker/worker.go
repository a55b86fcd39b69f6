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

// Package worker wires one process's reactor, timeout wheel,
// connection freelist, upstream pools, rate limiter, metrics and
// dispatcher into the event-driven loop of spec section 4.6, grounded
// on src/core/worker.c and src/net/event_loop.c. Exactly one Worker
// runs per OS process; nothing here is safe to share across processes
// or goroutines.
package worker

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/nproxy/internal/buffer"
	"github.com/sabouaram/nproxy/internal/config"
	"github.com/sabouaram/nproxy/internal/conn"
	"github.com/sabouaram/nproxy/internal/dispatch"
	"github.com/sabouaram/nproxy/internal/httpparse"
	"github.com/sabouaram/nproxy/internal/metrics"
	"github.com/sabouaram/nproxy/internal/ratelimit"
	"github.com/sabouaram/nproxy/internal/reactor"
	"github.com/sabouaram/nproxy/internal/respwriter"
	"github.com/sabouaram/nproxy/internal/timeout"
	"github.com/sabouaram/nproxy/internal/upstream"
	nperr "github.com/sabouaram/nproxy/pkg/errors"
	"github.com/sabouaram/nproxy/pkg/logger"
)

const (
	freelistCapacity = 4096
	connBufCap       = 16 * 1024
	arenaBlockSize   = 8 * 1024
	acceptBatchLimit = 256
)

// Listener is one bound, listening socket the master hands to every
// worker, paired with the set of virtual servers it serves (several
// `[server]` blocks may share a listen_port and differ by server_name).
type Listener struct {
	FD         int
	Candidates []*config.Server
}

// Worker is one process's entire event-driven engine.
type Worker struct {
	id     int
	cfg    *config.Config
	log    logger.Logger
	access *logger.AccessLog

	reactor  *reactor.Reactor
	wheel    *timeout.Wheel
	freelist *conn.Freelist
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	dispatcher *dispatch.Dispatcher

	listeners map[int][]*config.Server
	conns     map[int]*conn.Conn // keyed by the connection's downstream fd
	upstreams map[int]*conn.Conn // keyed by the connection's upstream fd
}

// New builds a Worker bound to listeners, ready to Run.
func New(id int, cfg *config.Config, log logger.Logger, access *logger.AccessLog, listeners []Listener) (*Worker, nperr.Error) {
	rx, err := reactor.New()
	if err != nil {
		return nil, err
	}

	pools := dispatch.Pools{}
	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		if srv.Proxy.Enabled {
			pools[srv] = upstream.New(srv.Proxy)
		}
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	m := metrics.New()

	w := &Worker{
		id:       id,
		cfg:      cfg,
		log:      log,
		access:   access,
		reactor:  rx,
		wheel:    timeout.New(3600),
		freelist: conn.NewFreelist(freelistCapacity, connBufCap, arenaBlockSize),
		limiter:  limiter,
		metrics:  m,
		dispatcher: &dispatch.Dispatcher{
			Global:  cfg,
			Pools:   pools,
			Limiter: limiter,
			Metrics: m,
			Log:     log,
		},
		listeners: make(map[int][]*config.Server, len(listeners)),
		conns:     make(map[int]*conn.Conn, 4096),
		upstreams: make(map[int]*conn.Conn, 1024),
	}

	w.reactor.OnTick(func() { w.wheel.Tick() })

	for _, l := range listeners {
		w.listeners[l.FD] = l.Candidates
		fd := l.FD
		if err := w.reactor.Add(fd, reactor.Readable, func(_ int, ev reactor.Events) { w.onAcceptable(fd) }); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// Run drives the reactor loop until Stop is called; this is the
// process's main loop and does not return until shutdown.
func (w *Worker) Run() { w.reactor.Run() }

// Stop requests the reactor loop to exit at its next wait timeout.
func (w *Worker) Stop() { w.reactor.Stop() }

func (w *Worker) Metrics() *metrics.Metrics { return w.metrics }

// onAcceptable drains accept(2) on a listening fd until EAGAIN, per
// the edge-triggered contract of spec section 4.1.
func (w *Worker) onAcceptable(listenFD int) {
	candidates := w.listeners[listenFD]
	for i := 0; i < acceptBatchLimit; i++ {
		fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		w.acceptConn(fd, remoteIPOf(sa), candidates)
	}
}

func remoteIPOf(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return ipString(a.Addr[:])
	case *unix.SockaddrInet6:
		return ipString(a.Addr[:])
	default:
		return ""
	}
}

func ipString(b []byte) string {
	if len(b) == 4 {
		return joinDots(b)
	}
	// IPv6 textual form is not produced: the 16 raw address bytes are
	// returned as a string, which the rate limiter hashes and the
	// access log writes unformatted; nothing parses it.
	return string(b)
}

func joinDots(b []byte) string {
	const digits = "0123456789"
	var out [15]byte
	n := 0
	for i, octet := range b {
		if i > 0 {
			out[n] = '.'
			n++
		}
		if octet >= 100 {
			out[n] = digits[octet/100]
			n++
		}
		if octet >= 10 {
			out[n] = digits[(octet/10)%10]
			n++
		}
		out[n] = digits[octet%10]
		n++
	}
	return string(out[:n])
}

func (w *Worker) acceptConn(fd int, remoteIP string, candidates []*config.Server) {
	now := time.Now()
	c := w.freelist.Acquire(fd, remoteIP, candidates, now)
	c.State = conn.ReadingRequest
	w.conns[fd] = c
	w.metrics.IncActive()
	w.armReadTimeout(c)

	theFD := fd
	if err := w.reactor.Add(fd, reactor.Readable, func(_ int, ev reactor.Events) { w.onClientEvent(theFD, ev) }); err != nil {
		w.destroy(c)
	}
}

func (w *Worker) readTimeoutSeconds(c *conn.Conn) int {
	if c.Server != nil && c.Server.ReadTimeout > 0 {
		return int(c.Server.ReadTimeout / time.Second)
	}
	return 60
}

// armReadTimeout installs (or renews) the idle-timeout wheel entry for
// c. Per the design note in spec section 9, this must be called on
// every ReadingRequest re-entry, not only on accept, or a busy
// keep-alive connection would never have its timeout refreshed and
// would either expire mid-stream or never expire at all depending on
// the bug's direction.
func (w *Worker) armReadTimeout(c *conn.Conn) {
	if c.HasTimeout {
		w.wheel.Remove(c.TimeoutHandle)
	}
	fd := c.FD
	c.TimeoutHandle = w.wheel.Add(w.readTimeoutSeconds(c), func(ctx interface{}) bool {
		w.onIdleTimeout(fd)
		return false
	}, nil)
	c.HasTimeout = true
}

func (w *Worker) onIdleTimeout(fd int) {
	c, ok := w.conns[fd]
	if !ok {
		return
	}
	c.HasTimeout = false
	w.closeConn(c, nperr.New(nperr.CodeTimeout, nil))
}

func (w *Worker) onClientEvent(fd int, ev reactor.Events) {
	c, ok := w.conns[fd]
	if !ok {
		return
	}

	if ev&reactor.Hangup != 0 && ev&reactor.Readable == 0 {
		w.closeConn(c, nperr.New(nperr.CodePeerClosed, nil))
		return
	}

	switch c.State {
	case conn.ReadingRequest:
		w.pumpReadingRequest(c)
	case conn.WritingResponse:
		if ev&reactor.Writable != 0 {
			w.pumpWritingResponse(c)
		}
	case conn.SendFile:
		if ev&reactor.Writable != 0 {
			w.pumpSendFile(c)
		}
	case conn.Proxying, conn.Tunnel:
		if ev&reactor.Readable != 0 {
			w.pumpClientToUpstream(c)
		}
		if ev&reactor.Writable != 0 {
			w.pumpClientWrite(c)
		}
	}
}

func (w *Worker) onUpstreamEvent(fd int, ev reactor.Events) {
	c, ok := w.upstreams[fd]
	if !ok {
		return
	}

	if ev&reactor.Writable != 0 {
		w.pumpUpstreamWrite(c)
	}
	if c.UpstreamFD < 0 {
		return // torn down synchronously by the write pump above
	}
	if ev&reactor.Readable != 0 {
		w.pumpUpstreamRead(c)
	}
	if c.UpstreamFD < 0 {
		return // torn down synchronously by the read pump above
	}
	if ev&reactor.Hangup != 0 {
		w.finishUpstream(c, nil)
	}
}

// pumpReadingRequest drains the client socket and attempts to parse
// exactly one request per spec section 4.6's ReadingRequest state.
func (w *Worker) pumpReadingRequest(c *conn.Conn) {
readLoop:
	for {
		_, res := c.RBuf.ReadFromFD(c.FD)
		switch res {
		case buffer.IOWouldBlock:
			break readLoop
		case buffer.IOPeerClosed:
			w.closeConn(c, nperr.New(nperr.CodePeerClosed, nil))
			return
		case buffer.IOErr:
			w.closeConn(c, nperr.New(nperr.CodeUnknown, nil))
			return
		}
		// IOOk: keep draining until would-block, edge-triggered.
	}

	w.tryParse(c)
}

func (w *Worker) tryParse(c *conn.Conn) {
	data := c.RBuf.ReadBytes()
	if len(data) == 0 {
		return
	}

	req, status := httpparse.Parse(data, c.Arena)
	switch status {
	case httpparse.Incomplete:
		return
	case httpparse.Error:
		perr := nperr.New(nperr.CodeParse, nil)
		w.log.Warn("%s: %s", c.RemoteIP, perr.Error())
		respwriter.Simple(c.WBuf, 400, "Bad Request", "text/plain; charset=utf-8", "bad request\n", false)
		c.Status = 400
		c.KeepAlive = false
		c.State = conn.WritingResponse
		w.armWritable(c)
		return
	}

	raw := append([]byte(nil), data[:req.ParsedBytes]...)
	c.RBuf.Consume(req.ParsedBytes)
	c.ReqReceivedAt = time.Now()
	w.armReadTimeout(c)

	w.dispatcher.Route(c, req, raw)
	w.afterRoute(c)
}

// afterRoute reacts to whatever state dispatch.Route left c in,
// arming the reactor for the next I/O direction that state needs.
func (w *Worker) afterRoute(c *conn.Conn) {
	switch c.State {
	case conn.WritingResponse:
		w.pumpWritingResponse(c)
	case conn.SendFile:
		w.pumpSendFile(c)
	case conn.Proxying, conn.Tunnel:
		w.beginUpstream(c)
	}
}

func (w *Worker) armWritable(c *conn.Conn) {
	_ = w.reactor.Modify(c.FD, reactor.Readable|reactor.Writable)
}

func (w *Worker) armReadable(c *conn.Conn) {
	_ = w.reactor.Modify(c.FD, reactor.Readable)
}

// pumpWritingResponse drains c.WBuf to the client, per spec section
// 4.6's WritingResponse state.
func (w *Worker) pumpWritingResponse(c *conn.Conn) {
	for c.WBuf.ReadableLen() > 0 {
		_, res := c.WBuf.WriteToFD(c.FD)
		if res == buffer.IOWouldBlock {
			w.armWritable(c)
			return
		}
		if res == buffer.IOErr {
			w.closeConn(c, nperr.New(nperr.CodeUnknown, nil))
			return
		}
	}
	w.finishResponse(c, 0)
}

// finishResponse implements the keep-alive decision shared by
// WritingResponse and SendFile completion.
func (w *Worker) finishResponse(c *conn.Conn, bodyBytes int64) {
	w.logAccess(c, bodyBytes)
	if c.KeepAlive {
		c.BeginNextRequest()
		w.armReadable(c)
		w.armReadTimeout(c)
		if c.RBuf.ReadableLen() > 0 {
			w.tryParse(c) // pipelined bytes already buffered
		}
		return
	}
	w.closeConn(c, nil)
}

func (w *Worker) logAccess(c *conn.Conn, bodyBytes int64) {
	status := c.Status
	if status == 0 {
		status = 200
	}
	if w.access != nil {
		w.access.Write(c.RemoteIP, c.Method, c.Path, c.Version, status, bodyBytes, time.Now(), time.Since(c.ReqReceivedAt))
	}
	w.metrics.ObserveRequest(status, uint64(time.Since(c.ReqReceivedAt).Microseconds()))
}

// pumpSendFile drains pending headers first, then splices the file
// to the client via sendfile(2) until done or would-block, per spec
// section 4.6's SendFile state.
func (w *Worker) pumpSendFile(c *conn.Conn) {
	for c.WBuf.ReadableLen() > 0 {
		_, res := c.WBuf.WriteToFD(c.FD)
		if res == buffer.IOWouldBlock {
			w.armWritable(c)
			return
		}
		if res == buffer.IOErr {
			w.closeFile(c)
			w.closeConn(c, nperr.New(nperr.CodeUnknown, nil))
			return
		}
	}

	if c.File == nil {
		w.finishResponse(c, 0)
		return
	}

	for c.File.Remaining > 0 {
		n, err := unix.Sendfile(c.FD, c.File.FD, &c.File.Offset, int(c.File.Remaining))
		if err != nil {
			if err == unix.EAGAIN {
				w.armWritable(c)
				return
			}
			w.closeFile(c)
			w.closeConn(c, nperr.New(nperr.CodeUnknown, nil))
			return
		}
		if n == 0 {
			break
		}
		c.File.Remaining -= int64(n)
	}

	total := int64(0)
	if c.File != nil {
		total = c.File.Offset
	}
	w.closeFile(c)
	w.finishResponse(c, total)
}

func (w *Worker) closeFile(c *conn.Conn) {
	if c.File != nil {
		_ = unix.Close(c.File.FD)
		c.File = nil
	}
}

// beginUpstream acquires a backend descriptor and registers it with
// the reactor, transitioning c into the Proxying/Tunnel I/O pump.
func (w *Worker) beginUpstream(c *conn.Conn) {
	fd, err := c.Pool.AcquireFD(c.Backend)
	if err != nil {
		c.Pool.Release(c.Backend, true)
		c.Backend = nil
		c.Pool = nil
		respwriter.Simple(c.WBuf, 502, "Bad Gateway", "text/plain; charset=utf-8", "upstream connect failed\n", c.KeepAlive)
		c.Status = 502
		c.State = conn.WritingResponse
		w.pumpWritingResponse(c)
		return
	}
	c.UpstreamFD = fd
	w.upstreams[fd] = c

	theFD := fd
	if err := w.reactor.Add(fd, reactor.Readable|reactor.Writable, func(_ int, ev reactor.Events) { w.onUpstreamEvent(theFD, ev) }); err != nil {
		w.releaseUpstream(c, true)
		respwriter.Simple(c.WBuf, 502, "Bad Gateway", "text/plain; charset=utf-8", "upstream connect failed\n", c.KeepAlive)
		c.Status = 502
		c.State = conn.WritingResponse
		w.pumpWritingResponse(c)
		return
	}
}

// pumpUpstreamWrite drains c.UpWBuf (the staged request, or pipelined
// client bytes for a long body) to the upstream fd. The first
// writable event after a non-blocking connect is also connect
// completion: consult SO_ERROR before trusting the fd for writes.
func (w *Worker) pumpUpstreamWrite(c *conn.Conn) {
	if !c.ConnectChecked {
		c.ConnectChecked = true
		if errno, gerr := unix.GetsockoptInt(c.UpstreamFD, unix.SOL_SOCKET, unix.SO_ERROR); gerr != nil || errno != 0 {
			w.finishUpstream(c, nperr.New(nperr.CodeUpstreamConnect, nil))
			return
		}
	}

	for c.UpWBuf.ReadableLen() > 0 {
		_, res := c.UpWBuf.WriteToFD(c.UpstreamFD)
		if res == buffer.IOWouldBlock {
			return
		}
		if res == buffer.IOErr {
			w.finishUpstream(c, nperr.New(nperr.CodeUpstreamConnect, nil))
			return
		}
	}
}

// pumpClientToUpstream forwards additional client bytes (pipelined
// body data for a large request) into the upstream write buffer.
func (w *Worker) pumpClientToUpstream(c *conn.Conn) {
	for {
		_, res := c.RBuf.ReadFromFD(c.FD)
		if res == buffer.IOWouldBlock {
			break
		}
		if res == buffer.IOPeerClosed || res == buffer.IOErr {
			w.finishUpstream(c, nil)
			return
		}
	}
	if n := c.RBuf.ReadableLen(); n > 0 {
		c.UpWBuf.Grow(n)
		copy(c.UpWBuf.WritePointer(), c.RBuf.ReadBytes())
		c.UpWBuf.Produce(n)
		c.RBuf.Consume(n)
		w.pumpUpstreamWrite(c)
	}
}

// pumpUpstreamRead drains the upstream socket into c.UpRBuf and
// forwards everything read to the client's write buffer, per spec
// section 4.6's Proxying bidirectional splice.
func (w *Worker) pumpUpstreamRead(c *conn.Conn) {
	for {
		n, res := c.UpRBuf.ReadFromFD(c.UpstreamFD)
		if n > 0 {
			c.WBuf.Grow(n)
			copy(c.WBuf.WritePointer(), c.UpRBuf.ReadBytes())
			c.WBuf.Produce(c.UpRBuf.ReadableLen())
			c.UpRBuf.Consume(c.UpRBuf.ReadableLen())
			c.BytesDown += int64(n)
			c.AnyForwarded = true
		}
		if res == buffer.IOWouldBlock {
			break
		}
		if res == buffer.IOPeerClosed {
			w.finishUpstream(c, nil)
			return
		}
		if res == buffer.IOErr {
			w.finishUpstream(c, nperr.New(nperr.CodeUpstreamRead, nil))
			return
		}
	}
	w.pumpClientWrite(c)
}

// pumpClientWrite drains whatever has accumulated in c.WBuf (proxied
// response bytes) to the client socket.
func (w *Worker) pumpClientWrite(c *conn.Conn) {
	for c.WBuf.ReadableLen() > 0 {
		_, res := c.WBuf.WriteToFD(c.FD)
		if res == buffer.IOWouldBlock {
			w.armWritable(c)
			return
		}
		if res == buffer.IOErr {
			w.closeConn(c, nperr.New(nperr.CodeUnknown, nil))
			return
		}
	}
}

// finishUpstream tears down the upstream side of a Proxying/Tunnel
// connection. A nil failure with bytes already forwarded is a normal
// upstream close; a nil failure with nothing forwarded is answered
// 502; a non-nil failure always counts as a backend error for passive
// health tracking.
func (w *Worker) finishUpstream(c *conn.Conn, err nperr.Error) {
	failed := err != nil
	if !failed && !c.AnyForwarded {
		failed = true
	}
	if failed {
		w.metrics.IncUpstreamError()
	}

	w.releaseUpstream(c, failed)

	// Nothing forwarded yet: answer 502 per spec section 7's
	// upstream-read-error disposition. Otherwise the client already has
	// a partial response; the only safe move is a truncated close.
	if !c.AnyForwarded {
		respwriter.Simple(c.WBuf, 502, "Bad Gateway", "text/plain; charset=utf-8", "upstream error\n", false)
		c.Status = 502
	} else if c.Status == 0 {
		c.Status = 200
	}
	c.KeepAlive = false
	c.State = conn.WritingResponse
	w.pumpWritingResponse(c)
}

// releaseUpstream is the single point where an upstream fd leaves this
// worker's bookkeeping, per the design note in spec section 9: it
// either returns the fd to the pool's idle stack or closes it, never
// both, and always unregisters it from the reactor and the upstream
// fd map exactly once.
func (w *Worker) releaseUpstream(c *conn.Conn, failed bool) {
	if c.UpstreamFD < 0 {
		return
	}
	fd := c.UpstreamFD
	w.reactor.Delete(fd)
	delete(w.upstreams, fd)

	if c.Pool != nil {
		c.Pool.Release(c.Backend, failed)
		if failed {
			_ = unix.Close(fd)
		} else {
			c.Pool.PutFD(c.Backend, fd)
		}
	} else {
		_ = unix.Close(fd)
	}

	c.UpstreamFD = -1
	c.Backend = nil
	c.Pool = nil
}

// closeConn tears down c entirely: releases any borrowed upstream,
// removes the timeout entry, unregisters the fd, closes it and
// recycles c to the freelist, per spec section 3's Closing semantics.
func (w *Worker) closeConn(c *conn.Conn, _ nperr.Error) {
	if c.State == conn.Closing {
		return
	}
	c.State = conn.Closing
	if c.UpstreamFD >= 0 {
		w.releaseUpstream(c, true)
	}
	w.destroy(c)
}

func (w *Worker) destroy(c *conn.Conn) {
	if c.HasTimeout {
		w.wheel.Remove(c.TimeoutHandle)
		c.HasTimeout = false
	}
	if c.File != nil {
		w.closeFile(c)
	}
	fd := c.FD
	w.reactor.Delete(fd)
	delete(w.conns, fd)
	_ = unix.Close(fd)
	w.metrics.DecActive()
	w.freelist.Release(c)
}
