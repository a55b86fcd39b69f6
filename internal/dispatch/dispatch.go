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

// Package dispatch implements the pure routing decision of spec
// section 4.7, grounded on src/proxy/router.c and src/core/config.c's
// rewrite handling: resolve virtual server by Host, apply at most one
// rewrite rule, rate limit, answer internal routes, then hand off to
// either the upstream pool or the file server. It never performs I/O
// itself beyond writing a fully-formed response into the connection's
// write buffer or flagging Proxying for the worker to drive.
package dispatch

import (
	"os"
	"regexp"
	"strings"

	"github.com/sabouaram/nproxy/internal/config"
	"github.com/sabouaram/nproxy/internal/conn"
	"github.com/sabouaram/nproxy/internal/fileserver"
	"github.com/sabouaram/nproxy/internal/httpparse"
	"github.com/sabouaram/nproxy/internal/metrics"
	"github.com/sabouaram/nproxy/internal/ratelimit"
	"github.com/sabouaram/nproxy/internal/respwriter"
	"github.com/sabouaram/nproxy/internal/upstream"
	nperr "github.com/sabouaram/nproxy/pkg/errors"
	"github.com/sabouaram/nproxy/pkg/logger"
)

// Pools maps each virtual server (keyed by its *config.Server pointer)
// to its upstream pool, built once at worker start from the parsed
// configuration.
type Pools map[*config.Server]*upstream.Pool

// Dispatcher holds everything routing needs beyond the connection and
// request: global config, the upstream pools, the rate limiter and the
// metrics sink. One Dispatcher per worker.
type Dispatcher struct {
	Global  *config.Config
	Pools   Pools
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Log     logger.Logger
}

// SelectServer matches the Host header (without port) against each
// candidate's server_name, defaulting to the first per spec section
// 4.7 step 1.
func SelectServer(candidates []*config.Server, host string) *config.Server {
	if len(candidates) == 0 {
		return nil
	}
	for _, s := range candidates {
		if s.ServerName != "" && strings.EqualFold(s.ServerName, host) {
			return s
		}
	}
	return candidates[0]
}

// Route performs the full ordered routing decision for one parsed
// request against c. On return, c.State is one of WritingResponse (a
// complete response already sits in c.WBuf), SendFile (c.File is set
// and headers are in c.WBuf), or Proxying/Tunnel (c.Backend/c.Pool are
// set and the raw request bytes have been copied into c.UpWBuf for the
// worker to drain upstream; Tunnel when the request carries Upgrade).
func (d *Dispatcher) Route(c *conn.Conn, req *httpparse.Request, rawRequest []byte) {
	c.Method, c.Path, c.Version = req.Method, req.Path, req.Version
	c.KeepAlive = req.KeepAlive

	srv := SelectServer(c.Candidates, req.Host())
	c.Server = srv
	if srv == nil {
		d.respondError(c, 404, "Not Found", "not found\n")
		return
	}

	path := applyRewrite(srv, req.Path)

	if d.Limiter != nil && d.Global.RateLimit.Enabled {
		if !d.Limiter.Allow(c.RemoteIP) {
			rerr := nperr.New(nperr.CodeRateLimit, nil)
			if d.Log != nil {
				d.Log.Warn("%s: %s", c.RemoteIP, rerr.Error())
			}
			respwriter.Simple(c.WBuf, 429, "Too Many Requests", "text/plain; charset=utf-8", "rate limit exceeded\n", c.KeepAlive)
			c.Status = 429
			c.State = conn.WritingResponse
			return
		}
	}

	if d.Global.Metrics.Enabled && path == d.Global.Metrics.Path {
		respwriter.Simple(c.WBuf, 200, "OK", "text/plain; version=0.0.4", d.Metrics.Expose(), c.KeepAlive)
		c.Status = 200
		c.State = conn.WritingResponse
		return
	}
	if path == "/healthz" {
		respwriter.Simple(c.WBuf, 200, "OK", "application/json", `{"status":"ok"}`, c.KeepAlive)
		c.Status = 200
		c.State = conn.WritingResponse
		return
	}

	if srv.Proxy.Enabled {
		d.routeProxy(c, srv, req, rawRequest)
		return
	}

	if srv.StaticRoot != "" {
		resolved := resolveTryFiles(srv, srv.StaticRoot, path)
		if resolved == "" {
			d.respondError(c, 403, "Forbidden", "forbidden\n")
			return
		}
		ifNoneMatch, _ := req.Header("If-None-Match")
		sf, status, err := fileserver.Serve(c.WBuf, srv.StaticRoot, resolved, ifNoneMatch, c.KeepAlive)
		if err != nil {
			d.respondError(c, 500, "Internal Server Error", "internal error\n")
			return
		}
		c.Status = status
		if status == 200 {
			c.File = sf
			c.State = conn.SendFile
		} else {
			c.State = conn.WritingResponse
		}
		return
	}

	d.respondError(c, 404, "Not Found", "not found\n")
}

func (d *Dispatcher) respondError(c *conn.Conn, status int, reason, body string) {
	respwriter.Simple(c.WBuf, status, reason, "text/plain; charset=utf-8", body, c.KeepAlive)
	c.Status = status
	c.State = conn.WritingResponse
}

// routeProxy selects a backend, sets up the connection for Proxying (or
// Tunnel if the request carries Upgrade), and stages the raw request
// bytes for the worker to forward. If no healthy backend is available
// it responds 502 directly, per spec section 4.8/4.9's upstream-connect
// error disposition.
func (d *Dispatcher) routeProxy(c *conn.Conn, srv *config.Server, req *httpparse.Request, rawRequest []byte) {
	pool := d.Pools[srv]
	if pool == nil {
		d.respondError(c, 502, "Bad Gateway", "no upstream configured\n")
		return
	}
	be := pool.Select()
	if be == nil {
		d.respondError(c, 502, "Bad Gateway", "no healthy upstream\n")
		return
	}

	c.Pool = pool
	c.Backend = be
	c.AnyForwarded = false

	c.UpWBuf.Grow(len(rawRequest))
	n := copy(c.UpWBuf.WritePointer(), rawRequest)
	c.UpWBuf.Produce(n)

	if req.Upgrade {
		c.State = conn.Tunnel
	} else {
		c.State = conn.Proxying
	}
}

// applyRewrite applies the server's first rewrite rule whose pattern
// matches path, per spec section 4.7 step 3: at most one rule fires.
// Rules whose pattern does not compile are skipped.
func applyRewrite(srv *config.Server, path string) string {
	for _, rule := range srv.Rewrites {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		loc := re.FindStringSubmatchIndex(path)
		if loc == nil {
			continue
		}
		return string(re.ExpandString(nil, rule.Replacement, path, loc))
	}
	return path
}

// resolveTryFiles substitutes $uri into each try_files candidate in
// order, returning the first that resolves to an existing file under
// root; the last candidate is returned unconditionally (nginx's "final
// fallback" convention) once it alone remains. If any candidate reached
// contains ".." after substitution, the whole request is rejected ("" is
// returned) rather than falling through to a later candidate. Safety is
// checked AFTER substitution, never before: a candidate template
// itself may be innocuous while the substituted $uri introduces "..",
// so checking the template alone would miss a path-traversal payload
// carried in the request path.
func resolveTryFiles(srv *config.Server, root, path string) string {
	if len(srv.TryFiles) == 0 {
		if !fileserver.PathIsSafe(path) {
			return ""
		}
		return path
	}
	for i, tmpl := range srv.TryFiles {
		candidate := strings.ReplaceAll(tmpl, "$uri", path)
		if !fileserver.PathIsSafe(candidate) {
			return ""
		}
		last := i == len(srv.TryFiles)-1
		if last {
			return candidate
		}
		full, ok := fileserver.Resolve(root, candidate)
		if !ok {
			continue
		}
		if st, err := os.Stat(full); err == nil && st.Mode().IsRegular() {
			return candidate
		}
	}
	return ""
}
