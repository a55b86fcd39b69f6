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
	"fmt"
	"os"
	"os/exec"
	"syscall"

	nperr "github.com/sabouaram/nproxy/pkg/errors"
)

// envDaemonized marks a re-exec'd process as the detached master, so
// it does not daemonize a second time.
const envDaemonized = "NPROXY_DAEMONIZED"

// daemonize re-execs the current binary detached from the controlling
// terminal, the Go-idiomatic equivalent of the original's double-fork
// plus setsid: the Go runtime's threads make a raw fork(2) that keeps
// running unsafe, so detachment goes through exec.Command with
// Setsid instead of syscall.Fork. Stdio is reopened to /dev/null and
// the caller should exit 0 immediately after this returns nil.
func daemonize(pidFile string) nperr.Error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nperr.Newf(nperr.CodeConfig, err, "open /dev/null: %v", err)
	}
	defer devnull.Close()

	self, err := os.Executable()
	if err != nil {
		return nperr.Newf(nperr.CodeConfig, err, "resolve executable: %v", err)
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDaemonized+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nperr.Newf(nperr.CodeConfig, err, "start daemon: %v", err)
	}

	if pidFile != "" {
		if werr := writePIDFile(pidFile, cmd.Process.Pid); werr != nil {
			return werr
		}
	}
	return nil
}

// IsDaemonizedChild reports whether this process is the re-exec'd,
// already-detached instance started by daemonize.
func IsDaemonizedChild() bool {
	return os.Getenv(envDaemonized) == "1"
}

func writePIDFile(path string, pid int) nperr.Error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nperr.Newf(nperr.CodeConfig, err, "write pid file %s: %v", path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		return nperr.Newf(nperr.CodeConfig, err, "write pid file %s: %v", path, err)
	}
	return nil
}

func removePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

