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
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/nproxy/internal/config"
	"github.com/sabouaram/nproxy/internal/worker"
	nperr "github.com/sabouaram/nproxy/pkg/errors"
	"github.com/sabouaram/nproxy/pkg/logger"
)

// WorkerMain runs this process as a worker spawned by a Supervisor: it
// rebuilds the listener set from the fds inherited at spawnWorker's
// ExtraFiles offset (3, in the order NPROXY_WORKER_PORTS lists them),
// then hands off to the worker package's own event loop. HUP is a
// no-op here per spec section 5: reload is master-only.
func WorkerMain(cfgPath string) nperr.Error {
	id, ok := WorkerSlot()
	if !ok {
		id = 0
	}

	if v := os.Getenv(envConfigPath); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if verr := config.Validate(cfg); verr != nil {
		return verr
	}

	listeners, lerr := inheritedListeners(cfg)
	if lerr != nil {
		return lerr
	}

	log := logger.New(logger.ParseLevel(cfg.Log.Level), os.Stderr).WithField("role", "worker").WithField("id", id)
	access := openAccessLog(cfg)

	w, werr := worker.New(id, cfg, log, access, listeners)
	if werr != nil {
		return werr
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for s := range sig {
			if s == syscall.SIGHUP {
				continue
			}
			w.Stop()
			return
		}
	}()

	w.Run()
	return nil
}

// inheritedListeners reconstructs worker.Listener values from the fds
// passed as ExtraFiles, in the same port order the master encoded into
// NPROXY_WORKER_PORTS; fd 0-2 are stdio, so ExtraFiles start at 3.
func inheritedListeners(cfg *config.Config) ([]worker.Listener, nperr.Error) {
	raw := os.Getenv(envWorkerPorts)
	if raw == "" {
		return nil, nperr.Newf(nperr.CodeConfig, nil, "%s not set: not spawned by master", envWorkerPorts)
	}
	parts := strings.Split(raw, ",")
	listeners := make([]worker.Listener, 0, len(parts))
	for i, p := range parts {
		port, perr := strconv.Atoi(strings.TrimSpace(p))
		if perr != nil {
			return nil, nperr.Newf(nperr.CodeConfig, perr, "bad port in %s: %v", envWorkerPorts, perr)
		}
		fd := 3 + i
		if !fdIsValid(fd) {
			return nil, nperr.Newf(nperr.CodeConfig, nil, "missing inherited fd %d for port %d", fd, port)
		}
		listeners = append(listeners, worker.Listener{
			FD:         fd,
			Candidates: candidatesFor(cfg, uint16(port)),
		})
	}
	return listeners, nil
}

// fdIsValid probes the raw descriptor with fstat(2) directly rather
// than wrapping it in an *os.File: a throwaway os.File's finalizer
// would close the real inherited listener fd out from under the
// worker the moment it gets garbage collected.
func fdIsValid(fd int) bool {
	var st unix.Stat_t
	return unix.Fstat(fd, &st) == nil
}
