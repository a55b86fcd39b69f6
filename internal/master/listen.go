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
	"sort"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/nproxy/internal/config"
	nperr "github.com/sabouaram/nproxy/pkg/errors"
)

const socketBufferBytes = 256 * 1024

// boundListener is one listening socket the master owns, together with
// the ordered set of virtual servers it serves. FDs are handed to
// workers in port order so a respawned worker can always reconstruct
// the same listener/candidate mapping from its environment alone.
type boundListener struct {
	port       uint16
	fd         int
	candidates []*config.Server
}

// portGroups collects, in deterministic ascending-port order, every
// unique listen_port across the configuration's [server] blocks (TLS
// ports included); candidatesFor pairs each port with the servers that
// share it. Several
// `[server]` blocks sharing a port are disambiguated by Host at
// request time by dispatch.SelectServer, never at accept time.
func portGroups(cfg *config.Config) []uint16 {
	seen := map[uint16]bool{}
	var ports []uint16
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if !seen[s.ListenPort] {
			seen[s.ListenPort] = true
			ports = append(ports, s.ListenPort)
		}
		if s.TLS.Enabled && !seen[s.TLS.ListenPort] {
			seen[s.TLS.ListenPort] = true
			ports = append(ports, s.TLS.ListenPort)
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

func candidatesFor(cfg *config.Config, port uint16) []*config.Server {
	var out []*config.Server
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.ListenPort == port || (s.TLS.Enabled && s.TLS.ListenPort == port) {
			out = append(out, s)
		}
	}
	return out
}

// bindListeners opens one SO_REUSEADDR+SO_REUSEPORT listening socket
// per unique port in cfg, per spec section 5's startup sequence. The
// master binds each port exactly once; every worker inherits the same
// fd and calls accept(2) on it directly, the classic nginx master/
// worker model. SO_REUSEPORT is set anyway so a HUP reload can rebind
// a port still held by workers finishing their drain.
func bindListeners(cfg *config.Config) ([]boundListener, nperr.Error) {
	ports := portGroups(cfg)
	listeners := make([]boundListener, 0, len(ports))

	for _, port := range ports {
		fd, err := bindOne(port, backlogFor(cfg, port))
		if err != nil {
			for _, l := range listeners {
				_ = unix.Close(l.fd)
			}
			return nil, err
		}
		listeners = append(listeners, boundListener{
			port:       port,
			fd:         fd,
			candidates: candidatesFor(cfg, port),
		})
	}
	return listeners, nil
}

func backlogFor(cfg *config.Config, port uint16) int {
	for i := range cfg.Servers {
		if cfg.Servers[i].ListenPort == port {
			if cfg.Servers[i].Backlog > 0 {
				return cfg.Servers[i].Backlog
			}
		}
	}
	return 4096
}

func bindOne(port uint16, backlog int) (int, nperr.Error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nperr.Newf(nperr.CodeBind, err, "socket: %v", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, nperr.Newf(nperr.CodeBind, err, "SO_REUSEADDR: %v", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		_ = unix.Close(fd)
		return -1, nperr.Newf(nperr.CodeBind, err, "SO_REUSEPORT: %v", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferBytes); err != nil {
		_ = unix.Close(fd)
		return -1, nperr.Newf(nperr.CodeBind, err, "SO_RCVBUF: %v", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferBytes); err != nil {
		_ = unix.Close(fd)
		return -1, nperr.Newf(nperr.CodeBind, err, "SO_SNDBUF: %v", err)
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, nperr.Newf(nperr.CodeBind, err, "bind :%d: %v", port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, nperr.Newf(nperr.CodeBind, err, "listen :%d: %v", port, err)
	}

	return fd, nil
}

func closeListeners(listeners []boundListener) {
	for _, l := range listeners {
		_ = unix.Close(l.fd)
	}
}
