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

// Package reactor implements the readiness-triggered multiplexer of
// spec section 4.1 on top of Linux epoll (golang.org/x/sys/unix),
// grounded on src/net/event_loop.c: add/modify/delete a handler record
// per fd, run() waits up to one second per iteration and dispatches
// each ready fd to its handler. Edge-triggered semantics are required
// on client and upstream sockets; handlers must drain until EAGAIN.
package reactor

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	nperr "github.com/sabouaram/nproxy/pkg/errors"
)

// Events is the readiness set a handler is invoked for.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Hangup
)

// Handler is invoked once per ready fd with the events that fired.
type Handler func(fd int, ev Events)

const waitMillis = 1000 // one reactor tick ~= 1Hz, drives the timeout wheel

// Reactor owns one epoll instance and the handler table for every fd
// registered with it. Never shared across workers (spec section 5).
type Reactor struct {
	epfd     int
	handlers map[int]Handler
	running  atomic.Bool
	onTick   func()
}

func New() (*Reactor, nperr.Error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, nperr.New(nperr.CodeBind, err)
	}
	return &Reactor{epfd: fd, handlers: make(map[int]Handler, 1024)}, nil
}

// OnTick registers a callback invoked once per outer wait iteration,
// used by the worker to drive the timeout wheel at ~1Hz.
func (r *Reactor) OnTick(f func()) { r.onTick = f }

func toEpollEvents(ev Events) uint32 {
	var e uint32 = unix.EPOLLET // edge-triggered per spec section 4.1
	if ev&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (r *Reactor) Add(fd int, ev Events, h Handler) nperr.Error {
	r.handlers[fd] = h
	e := unix.EpollEvent{Events: toEpollEvents(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &e); err != nil {
		delete(r.handlers, fd)
		return nperr.New(nperr.CodeBind, err)
	}
	return nil
}

func (r *Reactor) Modify(fd int, ev Events) nperr.Error {
	e := unix.EpollEvent{Events: toEpollEvents(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &e); err != nil {
		return nperr.New(nperr.CodeBind, err)
	}
	return nil
}

func (r *Reactor) Delete(fd int) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.handlers, fd)
}

// Stop flips the running flag so Run returns at the next wait timeout.
func (r *Reactor) Stop() { r.running.Store(false) }

// Run loops while the reactor is marked running, waiting up to one
// second per iteration for events and dispatching each to its
// registered handler. Interrupted waits retry per spec section 4.1.
func (r *Reactor) Run() {
	r.running.Store(true)
	events := make([]unix.EpollEvent, 256)

	for r.running.Load() {
		n, err := unix.EpollWait(r.epfd, events, waitMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			h, ok := r.handlers[fd]
			if !ok {
				continue
			}

			var ev Events
			if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				ev |= Readable
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				ev |= Writable
			}
			if events[i].Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
				ev |= Hangup
			}

			h(fd, ev)
		}

		if r.onTick != nil {
			r.onTick()
		}
	}
}

func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}
