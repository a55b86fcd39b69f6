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

// Package upstream implements the backend pool of spec section 4.8,
// grounded on src/proxy/upstream.c and src/proxy/balancer.c:
// round-robin and least-connections selection, a per-backend idle fd
// stack capped at min(keepalive_conns, 64), and passive health
// demotion/recovery. Owned exclusively by one worker (spec section 3),
// never shared across workers.
package upstream

import (
	"net"
	"strconv"
	"syscall"

	"github.com/sabouaram/nproxy/internal/config"
	nperr "github.com/sabouaram/nproxy/pkg/errors"
)

const errorThreshold = 5
const maxIdleHardCap = 64

type Backend struct {
	Host string
	Port uint16

	active      int
	totalReqs   uint64
	errorCount  int
	healthy     bool
	idle        []int // fds, LIFO
	idleCap     int
}

func (b *Backend) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

func (b *Backend) ActiveConns() int { return b.active }
func (b *Backend) Healthy() bool    { return b.healthy }
func (b *Backend) IdleLen() int     { return len(b.idle) }

// Pool is a bounded array of backends with a load-balancing mode, owned
// by exactly one worker.
type Pool struct {
	backends []*Backend
	mode     config.BalanceMode
	rrCursor int
	connectTimeoutSec int
}

func New(cfg config.Proxy) *Pool {
	keepaliveCap := cfg.KeepaliveConns
	if keepaliveCap <= 0 || keepaliveCap > maxIdleHardCap {
		keepaliveCap = maxIdleHardCap
	}

	p := &Pool{mode: cfg.Mode}
	for _, be := range cfg.Backends {
		p.backends = append(p.backends, &Backend{
			Host: be.Host, Port: be.Port, healthy: true, idleCap: keepaliveCap,
		})
	}
	return p
}

func (p *Pool) Backends() []*Backend { return p.backends }

// Select picks a backend per the pool's load-balancing mode, skipping
// unhealthy backends, and increments its active-connection count.
// Returns nil if no backend is available.
func (p *Pool) Select() *Backend {
	if len(p.backends) == 0 {
		return nil
	}

	var be *Backend
	if p.mode == config.BalanceLeastConn {
		be = p.selectLeastConn()
	} else {
		be = p.selectRoundRobin()
	}

	if be != nil {
		be.active++
	}
	return be
}

func (p *Pool) selectRoundRobin() *Backend {
	n := len(p.backends)
	for i := 0; i < n; i++ {
		idx := (p.rrCursor + i) % n
		if p.backends[idx].healthy {
			p.rrCursor = (idx + 1) % n
			return p.backends[idx]
		}
	}
	return nil
}

func (p *Pool) selectLeastConn() *Backend {
	var best *Backend
	minConns := -1
	for _, be := range p.backends {
		if !be.healthy {
			continue
		}
		if best == nil || be.active < minConns {
			best = be
			minConns = be.active
		}
	}
	return best
}

// Release decrements the active count and applies passive health
// demotion/recovery per spec section 4.8.
func (p *Pool) Release(be *Backend, failed bool) {
	if be == nil {
		return
	}
	if be.active > 0 {
		be.active--
	}

	if failed {
		be.errorCount++
		if be.errorCount > errorThreshold {
			be.healthy = false
		}
	} else {
		be.totalReqs++
		if !be.healthy && be.errorCount == 0 {
			be.healthy = true
		}
	}
}

// AcquireFD pops a reusable descriptor from the backend's idle stack,
// or dials a fresh non-blocking connection. Reused descriptors are
// assumed healthy per spec section 4.8 and are not probed; the worker
// treats a write failure on a reused descriptor like any other
// upstream failure and does not retry with a fresh connect.
func (p *Pool) AcquireFD(be *Backend) (int, nperr.Error) {
	if n := len(be.idle); n > 0 {
		fd := be.idle[n-1]
		be.idle = be.idle[:n-1]
		return fd, nil
	}

	fd, err := dialNonblocking(be.Host, be.Port)
	if err != nil {
		return -1, nperr.New(nperr.CodeUpstreamConnect, err)
	}
	return fd, nil
}

// PutFD pushes fd back to the backend's idle stack if under the
// per-pool cap, otherwise closes it; it never both stacks and closes
// the same fd. The worker's releaseUpstream is the single release point
// for an upstream fd, choosing between PutFD and a direct close, per
// the design note in spec section 9.
func (p *Pool) PutFD(be *Backend, fd int) {
	if be == nil || len(be.idle) >= be.idleCap {
		_ = syscall.Close(fd)
		return
	}
	be.idle = append(be.idle, fd)
}

