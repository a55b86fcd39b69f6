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
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	nperr "github.com/sabouaram/nproxy/pkg/errors"
)

// Load reads and parses the config file at path. A new [server] section
// starts a fresh Server block; every other section key applies to the
// most recently opened server, except rate_limit/log/metrics/cache/
// process/global/gzip which are file-global per spec section 6.
func Load(path string) (*Config, nperr.Error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nperr.New(nperr.CodeConfig, err)
	}
	defer f.Close()

	return Parse(f)
}

func Parse(r io.Reader) (*Config, nperr.Error) {
	cfg := Default()
	// Default() seeds one server block; the first [server] section in
	// the file overwrites it in place instead of appending a second.
	cfg.Servers = cfg.Servers[:1]
	firstServerSeen := false
	section := ""

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			end := strings.IndexByte(line, ']')
			if end < 0 {
				continue
			}
			section = strings.TrimSpace(line[1:end])
			if section == "server" {
				if firstServerSeen {
					cfg.Servers = append(cfg.Servers, newServerLike(cfg.Servers[0]))
				}
				firstServerSeen = true
			}
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])

		if err := applyKey(cfg, section, key, val); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nperr.New(nperr.CodeConfig, err)
	}

	if e := Validate(cfg); e != nil {
		return nil, e
	}

	return cfg, nil
}

// newServerLike seeds a new [server] block with the same process-wide
// defaults as the first, per-server fields reset to zero values.
func newServerLike(first Server) Server {
	return Server{
		WorkerProcesses:  first.WorkerProcesses,
		Backlog:          first.Backlog,
		MaxConnections:   first.MaxConnections,
		KeepaliveTimeout: first.KeepaliveTimeout,
		ReadTimeout:      first.ReadTimeout,
		WriteTimeout:     first.WriteTimeout,
		TLS:              TLS{ListenPort: first.TLS.ListenPort},
		Proxy: Proxy{
			Mode:            first.Proxy.Mode,
			ConnectTimeout:  first.Proxy.ConnectTimeout,
			UpstreamTimeout: first.Proxy.UpstreamTimeout,
			KeepaliveConns:  first.Proxy.KeepaliveConns,
		},
	}
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func applyKey(cfg *Config, section, key, val string) nperr.Error {
	cur := &cfg.Servers[len(cfg.Servers)-1]

	switch section {
	case "server":
		return applyServerKey(cur, key, val)
	case "tls":
		return applyTLSKey(&cur.TLS, key, val)
	case "proxy":
		return applyProxyKey(&cur.Proxy, key, val)
	case "upstream":
		if key == "backend" {
			be, err := parseBackend(val)
			if err != nil {
				return err
			}
			cur.Proxy.Backends = append(cur.Proxy.Backends, be)
		}
	case "rate_limit":
		return applyRateLimitKey(&cfg.RateLimit, key, val)
	case "log":
		return applyLogKey(&cfg.Log, key, val)
	case "metrics":
		return applyMetricsKey(&cfg.Metrics, key, val)
	case "cache":
		return applyCacheKey(&cfg.Cache, key, val)
	case "process":
		return applyProcessKey(&cfg.Process, key, val)
	case "global":
		return applyGlobalKey(&cfg.Global, key, val)
	case "gzip":
		return applyGzipKey(&cfg.Gzip, key, val)
	}
	return nil
}

func applyServerKey(s *Server, key, val string) nperr.Error {
	switch key {
	case "listen_port":
		s.ListenPort = atou16(val)
	case "server_name":
		s.ServerName = val
	case "static_root":
		s.StaticRoot = val
	case "worker_processes":
		s.WorkerProcesses = atoi(val)
	case "backlog":
		s.Backlog = atoi(val)
	case "max_connections":
		s.MaxConnections = atoi(val)
	case "keepalive_timeout":
		s.KeepaliveTimeout = atosec(val)
	case "read_timeout":
		s.ReadTimeout = atosec(val)
	case "write_timeout":
		s.WriteTimeout = atosec(val)
	case "rewrite":
		parts := strings.SplitN(val, " ", 2)
		if len(parts) == 2 {
			s.Rewrites = append(s.Rewrites, RewriteRule{Pattern: parts[0], Replacement: strings.TrimSpace(parts[1])})
		}
	case "try_files":
		s.TryFiles = strings.Fields(val)
	case "load_module":
		s.LoadModule = val
	}
	return nil
}

func applyTLSKey(t *TLS, key, val string) nperr.Error {
	switch key {
	case "enabled":
		t.Enabled = parseBool(val)
	case "listen_port":
		t.ListenPort = atou16(val)
	case "cert_file":
		t.CertFile = val
	case "key_file":
		t.KeyFile = val
	}
	return nil
}

func applyProxyKey(p *Proxy, key, val string) nperr.Error {
	switch key {
	case "enabled":
		p.Enabled = parseBool(val)
	case "mode":
		if val == "least_conn" {
			p.Mode = BalanceLeastConn
		} else {
			p.Mode = BalanceRoundRobin
		}
	case "connect_timeout":
		p.ConnectTimeout = atosec(val)
	case "upstream_timeout":
		p.UpstreamTimeout = atosec(val)
	case "keepalive_conns":
		p.KeepaliveConns = atoi(val)
	}
	return nil
}

func applyRateLimitKey(r *RateLimit, key, val string) nperr.Error {
	switch key {
	case "enabled":
		r.Enabled = parseBool(val)
	case "requests_per_second":
		r.RequestsPerSecond = atof(val)
	case "burst":
		r.Burst = atof(val)
	}
	return nil
}

func applyLogKey(l *Log, key, val string) nperr.Error {
	switch key {
	case "level":
		l.Level = val
	case "access_log":
		l.AccessLog = val
	case "error_log":
		l.ErrorLog = val
	}
	return nil
}

func applyMetricsKey(m *Metrics, key, val string) nperr.Error {
	switch key {
	case "enabled":
		m.Enabled = parseBool(val)
	case "path":
		m.Path = val
	}
	return nil
}

func applyCacheKey(c *Cache, key, val string) nperr.Error {
	switch key {
	case "enabled":
		c.Enabled = parseBool(val)
	case "root":
		c.Root = val
	case "default_ttl":
		c.DefaultTTL = atosec(val)
	case "max_entries":
		c.MaxEntries = atoi(val)
	}
	return nil
}

func applyProcessKey(p *Process, key, val string) nperr.Error {
	switch key {
	case "daemon":
		p.Daemon = parseBool(val)
	case "pid_file":
		p.PIDFile = val
	}
	return nil
}

func applyGlobalKey(g *Global, key, val string) nperr.Error {
	if key == "shutdown_timeout" {
		g.ShutdownTimeout = atosec(val)
	}
	return nil
}

func applyGzipKey(g *Gzip, key, val string) nperr.Error {
	switch key {
	case "enabled":
		g.Enabled = parseBool(val)
	case "min_length":
		g.MinLength = atoi(val)
	}
	return nil
}

func parseBackend(val string) (Backend, nperr.Error) {
	idx := strings.LastIndexByte(val, ':')
	if idx < 0 {
		return Backend{Host: val, Port: 80}, nil
	}
	return Backend{Host: val[:idx], Port: atou16(val[idx+1:])}, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atou16(s string) uint16 {
	n, _ := strconv.ParseUint(s, 10, 16)
	return uint16(n)
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func atosec(s string) time.Duration {
	return time.Duration(atoi(s)) * time.Second
}
