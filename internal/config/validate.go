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

package config

import (
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	nperr "github.com/sabouaram/nproxy/pkg/errors"
)

// validatable mirrors the handful of fields the original config.c's
// implicit validation (non-zero checks scattered through main.c)
// actually cared about; go-playground/validator keeps the rules
// declarative instead of a chain of hand-written if-statements.
type validatable struct {
	ListenPort      uint16 `validate:"required"`
	WorkerProcesses int    `validate:"gte=1,lte=256"`
	Backlog         int    `validate:"gte=0"`
	MaxConnections  int    `validate:"gte=1"`
}

var v = validator.New()

// Validate checks structural invariants config_load left to the
// caller: every server needs a listen port and a sane worker count,
// and a proxy-enabled server needs at least one backend. Several
// [server] blocks are allowed to share a listen_port — that is how
// virtual hosting by server_name works per spec section 4.7 — so the
// only port collision that is actually an error is two blocks on the
// same port with the same (or both empty) server_name, which
// dispatch.SelectServer could never tell apart.
func Validate(cfg *Config) nperr.Error {
	if len(cfg.Servers) == 0 {
		return nperr.New(nperr.CodeConfig, errNoServer)
	}

	seen := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		s := &cfg.Servers[i]

		if err := v.Struct(validatable{
			ListenPort:      s.ListenPort,
			WorkerProcesses: s.WorkerProcesses,
			Backlog:         s.Backlog,
			MaxConnections:  s.MaxConnections,
		}); err != nil {
			return nperr.Newf(nperr.CodeConfig, err, "server %d: %s", i, err.Error())
		}

		key := vhostKey(s.ListenPort, s.ServerName)
		if seen[key] {
			return nperr.Newf(nperr.CodeConfig, errDupPort, "server %d: duplicate listen_port %d + server_name %q", i, s.ListenPort, s.ServerName)
		}
		seen[key] = true

		if s.Proxy.Enabled && len(s.Proxy.Backends) == 0 {
			return nperr.Newf(nperr.CodeConfig, errNoBackend, "server %d: proxy enabled with no backends", i)
		}

		if s.TLS.Enabled && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
			return nperr.Newf(nperr.CodeConfig, errNoCert, "server %d: tls enabled with missing cert/key", i)
		}
	}

	return nil
}

func vhostKey(port uint16, serverName string) string {
	return strconv.Itoa(int(port)) + "|" + strings.ToLower(serverName)
}

type configErr string

func (e configErr) Error() string { return string(e) }

const (
	errNoServer  = configErr("no [server] block defined")
	errDupPort   = configErr("duplicate listen_port and server_name across server blocks")
	errNoBackend = configErr("proxy enabled but no upstream backends configured")
	errNoCert    = configErr("tls enabled but cert_file/key_file missing")
)
