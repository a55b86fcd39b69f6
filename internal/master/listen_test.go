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

package master

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/nproxy/internal/config"
)

func threeServerConfig() *config.Config {
	return &config.Config{
		Servers: []config.Server{
			{ListenPort: 80, ServerName: "a.example.com", Backlog: 128},
			{ListenPort: 80, ServerName: "b.example.com"},
			{ListenPort: 443, ServerName: "c.example.com", TLS: config.TLS{Enabled: true, ListenPort: 8443}},
		},
	}
}

func TestPortGroupsDeduplicatesAndSortsAscending(t *testing.T) {
	ports := portGroups(threeServerConfig())
	want := []uint16{80, 443, 8443}
	if len(ports) != len(want) {
		t.Fatalf("portGroups = %v, want %v", ports, want)
	}
	for i, p := range want {
		if ports[i] != p {
			t.Fatalf("portGroups = %v, want %v", ports, want)
		}
	}
}

func TestPortGroupsIncludesTLSPortOnlyWhenEnabled(t *testing.T) {
	cfg := &config.Config{
		Servers: []config.Server{
			{ListenPort: 80, TLS: config.TLS{Enabled: false, ListenPort: 8443}},
		},
	}
	ports := portGroups(cfg)
	for _, p := range ports {
		if p == 8443 {
			t.Fatal("portGroups must not include a TLS listen_port when TLS is disabled")
		}
	}
}

func TestCandidatesForReturnsAllServersSharingAPort(t *testing.T) {
	cfg := threeServerConfig()
	got := candidatesFor(cfg, 80)
	if len(got) != 2 {
		t.Fatalf("candidatesFor(80) = %d servers, want 2", len(got))
	}
	if got[0].ServerName != "a.example.com" || got[1].ServerName != "b.example.com" {
		t.Fatalf("candidatesFor(80) = %+v, want a.example.com then b.example.com in block order", got)
	}
}

func TestCandidatesForMatchesTLSPortToo(t *testing.T) {
	cfg := threeServerConfig()
	got := candidatesFor(cfg, 8443)
	if len(got) != 1 || got[0].ServerName != "c.example.com" {
		t.Fatalf("candidatesFor(8443) = %+v, want only c.example.com", got)
	}
}

func TestCandidatesForUnknownPortIsEmpty(t *testing.T) {
	cfg := threeServerConfig()
	if got := candidatesFor(cfg, 9999); len(got) != 0 {
		t.Fatalf("candidatesFor(9999) = %+v, want empty", got)
	}
}

func TestBacklogForUsesServerValueWhenSet(t *testing.T) {
	cfg := threeServerConfig()
	if got := backlogFor(cfg, 80); got != 128 {
		t.Fatalf("backlogFor(80) = %d, want 128 (first server on that port sets it)", got)
	}
}

func TestBacklogForDefaultsWhenUnset(t *testing.T) {
	cfg := threeServerConfig()
	if got := backlogFor(cfg, 443); got != 4096 {
		t.Fatalf("backlogFor(443) = %d, want default 4096", got)
	}
}

func TestBindOneEphemeralPortSucceedsAndListens(t *testing.T) {
	fd, err := bindOne(0, 16)
	if err != nil {
		t.Fatalf("bindOne: %v", err)
	}
	defer unix.Close(fd)

	sa, gerr := unix.Getsockname(fd)
	if gerr != nil {
		t.Fatalf("Getsockname: %v", gerr)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok || in4.Port == 0 {
		t.Fatalf("bound socket has no ephemeral port assigned: %#v", sa)
	}
}

func TestBindOneSetsNonBlockingAndCloExec(t *testing.T) {
	fd, err := bindOne(0, 16)
	if err != nil {
		t.Fatalf("bindOne: %v", err)
	}
	defer unix.Close(fd)

	flags, ferr := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if ferr != nil {
		t.Fatalf("FcntlInt F_GETFL: %v", ferr)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Fatal("expected listening socket to be non-blocking")
	}

	fdFlags, ferr := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if ferr != nil {
		t.Fatalf("FcntlInt F_GETFD: %v", ferr)
	}
	if fdFlags&unix.FD_CLOEXEC == 0 {
		t.Fatal("expected listening socket to be close-on-exec")
	}
}

func TestCloseListenersClosesEveryFD(t *testing.T) {
	fd1, err := bindOne(0, 16)
	if err != nil {
		t.Fatalf("bindOne: %v", err)
	}
	fd2, err := bindOne(0, 16)
	if err != nil {
		unix.Close(fd1)
		t.Fatalf("bindOne: %v", err)
	}

	closeListeners([]boundListener{{fd: fd1}, {fd: fd2}})

	if err := unix.Close(fd1); err == nil {
		t.Fatal("expected fd1 to already be closed by closeListeners")
	}
	if err := unix.Close(fd2); err == nil {
		t.Fatal("expected fd2 to already be closed by closeListeners")
	}
}

func TestBindListenersBindsOnePortPerGroupAndAttachesCandidates(t *testing.T) {
	cfg := &config.Config{
		Servers: []config.Server{
			{ListenPort: 0, ServerName: "a.example.com"},
			{ListenPort: 0, ServerName: "b.example.com"},
		},
	}
	listeners, err := bindListeners(cfg)
	if err != nil {
		t.Fatalf("bindListeners: %v", err)
	}
	defer closeListeners(listeners)

	if len(listeners) != 1 {
		t.Fatalf("len(listeners) = %d, want 1 (both servers share listen_port 0)", len(listeners))
	}
	if len(listeners[0].candidates) != 2 {
		t.Fatalf("candidates = %+v, want both servers attached to the shared listener", listeners[0].candidates)
	}
}
