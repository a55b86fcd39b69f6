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

package upstream

import (
	"syscall"
	"testing"

	"github.com/sabouaram/nproxy/internal/config"
)

func twoBackendPool(mode config.BalanceMode) *Pool {
	return New(config.Proxy{
		Mode: mode,
		Backends: []config.Backend{
			{Host: "10.0.0.1", Port: 9000},
			{Host: "10.0.0.2", Port: 9000},
		},
		KeepaliveConns: 4,
	})
}

func TestSelectRoundRobinCyclesBackends(t *testing.T) {
	p := twoBackendPool(config.BalanceRoundRobin)
	first := p.Select()
	second := p.Select()
	if first == second {
		t.Fatal("round robin should alternate backends across selects")
	}
	third := p.Select()
	if third != first {
		t.Fatalf("expected round robin to cycle back to the first backend on the third select")
	}
}

func TestSelectRoundRobinSkipsUnhealthy(t *testing.T) {
	p := twoBackendPool(config.BalanceRoundRobin)
	p.backends[0].healthy = false
	for i := 0; i < 4; i++ {
		be := p.Select()
		if be != p.backends[1] {
			t.Fatalf("expected only the healthy backend to be selected, got %+v", be)
		}
	}
}

func TestSelectReturnsNilWhenAllUnhealthy(t *testing.T) {
	p := twoBackendPool(config.BalanceRoundRobin)
	p.backends[0].healthy = false
	p.backends[1].healthy = false
	if be := p.Select(); be != nil {
		t.Fatalf("Select() = %+v, want nil when no backend is healthy", be)
	}
}

func TestSelectEmptyPoolReturnsNil(t *testing.T) {
	p := New(config.Proxy{})
	if be := p.Select(); be != nil {
		t.Fatal("Select() on an empty pool should return nil")
	}
}

func TestSelectLeastConnPicksSmallestActive(t *testing.T) {
	p := twoBackendPool(config.BalanceLeastConn)
	p.backends[0].active = 5
	p.backends[1].active = 1
	be := p.Select()
	if be != p.backends[1] {
		t.Fatalf("expected the backend with fewer active conns to be selected")
	}
}

func TestSelectIncrementsActiveCount(t *testing.T) {
	p := twoBackendPool(config.BalanceRoundRobin)
	be := p.Select()
	if be.ActiveConns() != 1 {
		t.Fatalf("ActiveConns() = %d, want 1 after Select", be.ActiveConns())
	}
}

func TestReleaseDecrementsActiveAndNeverGoesNegative(t *testing.T) {
	p := twoBackendPool(config.BalanceRoundRobin)
	be := p.backends[0]
	p.Release(be, false)
	if be.ActiveConns() != 0 {
		t.Fatalf("ActiveConns() = %d, want 0 (should not go negative)", be.ActiveConns())
	}
}

func TestReleaseMarksUnhealthyPastErrorThreshold(t *testing.T) {
	p := twoBackendPool(config.BalanceRoundRobin)
	be := p.backends[0]
	for i := 0; i < errorThreshold+1; i++ {
		p.Release(be, true)
	}
	if be.Healthy() {
		t.Fatal("expected backend to be marked unhealthy after exceeding the error threshold")
	}
}

func TestReleaseNilBackendIsNoop(t *testing.T) {
	p := twoBackendPool(config.BalanceRoundRobin)
	p.Release(nil, true) // must not panic
}

func TestAcquireFDReusesIdleDescriptorLIFO(t *testing.T) {
	p := twoBackendPool(config.BalanceRoundRobin)
	be := p.backends[0]

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer syscall.Close(fds[1])
	be.idle = append(be.idle, fds[0])

	got, gerr := p.AcquireFD(be)
	if gerr != nil {
		t.Fatalf("AcquireFD: %v", gerr)
	}
	if got != fds[0] {
		t.Fatalf("AcquireFD = %d, want reused idle fd %d", got, fds[0])
	}
	if len(be.idle) != 0 {
		t.Fatalf("idle stack not drained: %v", be.idle)
	}
	syscall.Close(got)
}

func TestPutFDPushesUnderCap(t *testing.T) {
	p := twoBackendPool(config.BalanceRoundRobin)
	be := p.backends[0]
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer syscall.Close(fds[1])

	p.PutFD(be, fds[0])
	if len(be.idle) != 1 || be.idle[0] != fds[0] {
		t.Fatalf("expected fd pushed to idle stack, got %v", be.idle)
	}
	syscall.Close(fds[0])
}

func TestPutFDClosesOverCap(t *testing.T) {
	p := New(config.Proxy{
		Backends:       []config.Backend{{Host: "10.0.0.1", Port: 9000}},
		KeepaliveConns: 1,
	})
	be := p.backends[0]

	fds1, _ := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	fds2, _ := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	defer syscall.Close(fds1[1])
	defer syscall.Close(fds2[1])

	p.PutFD(be, fds1[0])
	p.PutFD(be, fds2[0]) // over the idleCap of 1, must be closed not stacked

	if len(be.idle) != 1 {
		t.Fatalf("idle stack len = %d, want 1 (cap enforced)", len(be.idle))
	}
	// fds2[0] should now be closed; writing to its peer should fail/EOF eventually.
	// A direct re-close must fail with EBADF since PutFD already closed it.
	if err := syscall.Close(fds2[0]); err == nil {
		t.Fatal("expected fds2[0] to already be closed by PutFD")
	}
}

func TestNewCapsIdleAtHardMax(t *testing.T) {
	p := New(config.Proxy{
		Backends:       []config.Backend{{Host: "10.0.0.1", Port: 9000}},
		KeepaliveConns: 10000,
	})
	if p.backends[0].idleCap != maxIdleHardCap {
		t.Fatalf("idleCap = %d, want hard cap %d", p.backends[0].idleCap, maxIdleHardCap)
	}
}

func TestAddrFormatsHostPort(t *testing.T) {
	be := &Backend{Host: "example.com", Port: 8080}
	if got := be.Addr(); got != "example.com:8080" {
		t.Fatalf("Addr() = %q, want example.com:8080", got)
	}
}
