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

// Package master implements the supervisor of spec section 5, grounded
// on src/core/master.c and src/proc/daemon.c: it binds listening
// sockets, daemonizes, spawns and reaps worker processes, and carries
// out HUP reload and TERM/INT shutdown. The Go runtime makes a raw
// fork(2)-then-continue unsafe once goroutines and the GC are live, so
// where the original forks, this package re-execs the current binary
// with the listening fds passed as inherited ExtraFiles, identified by
// environment variables the child reads back out in WorkerMain.
package master

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/nproxy/internal/config"
	"github.com/sabouaram/nproxy/internal/worker"
	nperr "github.com/sabouaram/nproxy/pkg/errors"
	"github.com/sabouaram/nproxy/pkg/logger"
)

const (
	envWorkerID    = "NPROXY_WORKER_ID"
	envWorkerPorts = "NPROXY_WORKER_PORTS"
	envConfigPath  = "NPROXY_CONFIG"

	defaultWorkerProcesses = 4
)

// WorkerSlot returns this process's worker index and true if it was
// spawned by a master as a worker (NPROXY_WORKER_ID is set), or
// (-1, false) for the master/foreground process itself.
func WorkerSlot() (int, bool) {
	v := os.Getenv(envWorkerID)
	if v == "" {
		return -1, false
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return -1, false
	}
	return id, true
}

// Supervisor owns the listening sockets and the worker process table.
// Exactly one Supervisor runs per master process, per spec section
// 3's ownership summary.
type Supervisor struct {
	cfgPath string
	cfg     *config.Config
	log     logger.Logger

	listeners []boundListener

	mu      sync.Mutex
	procs   []*workerProc
	epoch   atomic.Int64
	exited  chan exitNotice
	closing atomic.Bool
}

// workerProc pairs a spawned child with the channel its reap
// goroutine closes once cmd.Wait() returns, so terminateWorkers can
// wait for exit without ever calling Wait twice on the same Cmd, and
// the generation it was spawned in so a reload's deliberate SIGTERM to
// an old-generation worker is never mistaken for the unexpected exit
// of whatever now occupies its slot.
type workerProc struct {
	cmd   *exec.Cmd
	done  chan struct{}
	epoch int64
}

type exitNotice struct {
	idx   int
	epoch int64
}

// Run is the master entrypoint: load config, optionally daemonize,
// bind listeners, fork workers, then block handling signals until
// shutdown. It returns nil once shut down cleanly and an error when
// configuration or binding fails; only the daemonizing parent calls
// os.Exit(0) itself.
func Run(cfgPath string, daemonFlag bool, singleWorker bool) nperr.Error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if verr := config.Validate(cfg); verr != nil {
		return verr
	}

	if (daemonFlag || cfg.Process.Daemon) && !IsDaemonizedChild() {
		if derr := daemonize(cfg.Process.PIDFile); derr != nil {
			return derr
		}
		os.Exit(0)
	}

	log := newMasterLogger(cfg)

	listeners, berr := bindListeners(cfg)
	if berr != nil {
		return berr
	}

	s := &Supervisor{
		cfgPath:   cfgPath,
		cfg:       cfg,
		log:       log,
		listeners: listeners,
		exited:    make(chan exitNotice, 64),
	}

	if IsDaemonizedChild() && cfg.Process.PIDFile != "" {
		defer removePIDFile(cfg.Process.PIDFile)
	}

	if singleWorker {
		s.runForeground()
		return nil
	}

	n := workerCount(cfg)
	s.procs = make([]*workerProc, n)
	for i := 0; i < n; i++ {
		if serr := s.spawnWorker(i); serr != nil {
			log.Error("spawn worker %d: %v", i, serr)
		}
	}

	s.loop()
	return nil
}

func newMasterLogger(cfg *config.Config) logger.Logger {
	return logger.New(logger.ParseLevel(cfg.Log.Level), os.Stderr).WithField("role", "master")
}

// workerCount takes the largest worker_processes value configured
// across [server] blocks: the original's single-server model ties the
// knob directly to the one server, this distillation's multi-server
// config shares one process pool across all virtual servers so the
// most demanding block wins.
func workerCount(cfg *config.Config) int {
	n := 0
	for i := range cfg.Servers {
		if cfg.Servers[i].WorkerProcesses > n {
			n = cfg.Servers[i].WorkerProcesses
		}
	}
	if n <= 0 {
		n = defaultWorkerProcesses
	}
	return n
}

// runForeground services every listener in this single process, with
// no child workers at all, for the -w single-worker foreground mode.
func (s *Supervisor) runForeground() {
	wl := make([]worker.Listener, len(s.listeners))
	for i, l := range s.listeners {
		wl[i] = worker.Listener{FD: l.fd, Candidates: l.candidates}
	}
	access := openAccessLog(s.cfg)
	w, err := worker.New(0, s.cfg, s.log, access, wl)
	if err != nil {
		s.log.Error("worker init: %v", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		w.Stop()
	}()
	w.Run()
}

func openAccessLog(cfg *config.Config) *logger.AccessLog {
	if cfg.Log.AccessLog == "" {
		return nil
	}
	f, err := os.OpenFile(cfg.Log.AccessLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil
	}
	return logger.NewAccessLog(f)
}

// spawnWorker re-execs this binary as worker slot idx, passing every
// listening socket as an inherited ExtraFile in port order and the
// port list via environment so WorkerMain can rebuild the
// fd-to-candidates mapping without the master needing a control
// channel.
func (s *Supervisor) spawnWorker(idx int) nperr.Error {
	self, err := os.Executable()
	if err != nil {
		return nperr.Newf(nperr.CodeWorkerDeath, err, "resolve executable: %v", err)
	}

	files := make([]*os.File, len(s.listeners))
	ports := make([]string, len(s.listeners))
	for i, l := range s.listeners {
		dupFD, derr := unix.Dup(l.fd)
		if derr != nil {
			return nperr.Newf(nperr.CodeWorkerDeath, derr, "dup listener fd: %v", derr)
		}
		files[i] = os.NewFile(uintptr(dupFD), fmt.Sprintf("listener-%d", l.port))
		ports[i] = strconv.Itoa(int(l.port))
	}

	cmd := exec.Command(self, "-c", s.cfgPath)
	cmd.Env = append(os.Environ(),
		envWorkerID+"="+strconv.Itoa(idx),
		envWorkerPorts+"="+strings.Join(ports, ","),
		envConfigPath+"="+s.cfgPath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files

	if err := cmd.Start(); err != nil {
		for _, f := range files {
			_ = f.Close()
		}
		return nperr.Newf(nperr.CodeWorkerDeath, err, "start worker %d: %v", idx, err)
	}
	// The child has its own inherited copies; the master's dup is no
	// longer needed once exec has happened.
	for _, f := range files {
		_ = f.Close()
	}

	epoch := s.epoch.Load()
	proc := &workerProc{cmd: cmd, done: make(chan struct{}), epoch: epoch}
	s.mu.Lock()
	s.procs[idx] = proc
	s.mu.Unlock()

	go s.reap(idx, proc)
	return nil
}

func (s *Supervisor) reap(idx int, proc *workerProc) {
	_ = proc.cmd.Wait()
	close(proc.done)
	if !s.closing.Load() && s.epoch.Load() == proc.epoch {
		s.exited <- exitNotice{idx: idx, epoch: proc.epoch}
	}
}

// loop is the master's own event loop: it has no sockets of its own to
// poll, so unlike a worker it simply multiplexes over signals and
// worker exit notifications until told to shut down.
func (s *Supervisor) loop() {
	sig := make(chan os.Signal, 4)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	for {
		select {
		case n := <-s.exited:
			if n.epoch != s.epoch.Load() {
				continue // deliberate termination from a reload already in flight
			}
			s.log.Warn("worker %d exited unexpectedly, respawning", n.idx)
			if err := s.spawnWorker(n.idx); err != nil {
				s.log.Error("respawn worker %d: %v", n.idx, err)
			}
		case sg := <-sig:
			switch sg {
			case syscall.SIGHUP:
				s.reload()
			case syscall.SIGTERM, syscall.SIGINT:
				s.shutdown()
				return
			}
		}
	}
}

// reload re-parses the configuration file; on success it terminates
// the current worker generation, rebinds listeners, and forks a fresh
// one, per spec section 5's reload sequence. On parse failure it logs
// and keeps the running configuration and workers untouched.
func (s *Supervisor) reload() {
	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		s.log.Error("reload: config error, keeping current configuration: %v", err)
		return
	}
	if verr := config.Validate(cfg); verr != nil {
		s.log.Error("reload: config invalid, keeping current configuration: %v", verr)
		return
	}

	s.log.Info("reload: stopping current workers")
	s.epoch.Add(1) // old workers' reap() must not be read as unexpected exits below
	s.terminateWorkers(s.cfg.Global.ShutdownTimeout)

	newListeners, berr := bindListeners(cfg)
	if berr != nil {
		s.log.Error("reload: rebind failed, staying down on old listeners: %v", berr)
		return
	}
	closeListeners(s.listeners)
	s.listeners = newListeners
	s.cfg = cfg

	n := workerCount(cfg)
	s.mu.Lock()
	s.procs = make([]*workerProc, n)
	s.mu.Unlock()
	for i := 0; i < n; i++ {
		if serr := s.spawnWorker(i); serr != nil {
			s.log.Error("reload: spawn worker %d: %v", i, serr)
		}
	}
	s.log.Info("reload: complete, %d workers running", n)
}

// shutdown forwards TERM to every worker, waits up to
// global.shutdown_timeout for them to exit, then closes listeners.
func (s *Supervisor) shutdown() {
	s.log.Info("shutting down")
	s.closing.Store(true)
	s.terminateWorkers(s.cfg.Global.ShutdownTimeout)
	closeListeners(s.listeners)
}

func (s *Supervisor) terminateWorkers(timeout time.Duration) {
	s.mu.Lock()
	procs := append([]*workerProc(nil), s.procs...)
	s.mu.Unlock()

	for _, p := range procs {
		if p != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	done := make(chan struct{})
	go func() {
		for _, p := range procs {
			if p != nil {
				<-p.done
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		for _, p := range procs {
			if p != nil && p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		}
	}
}
