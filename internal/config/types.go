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

// Package config loads the INI-like configuration file described in
// spec section 6, grounded on the original C implementation's
// src/core/config.c line-oriented parser and extended to support
// multiple repeated [server] blocks (one per virtual server) the way
// the distilled spec requires but the single-server original did not.
package config

import "time"

type BalanceMode int

const (
	BalanceRoundRobin BalanceMode = iota
	BalanceLeastConn
)

type Backend struct {
	Host string
	Port uint16
}

type TLS struct {
	Enabled    bool
	ListenPort uint16
	CertFile   string
	KeyFile    string
}

type Proxy struct {
	Enabled          bool
	Mode             BalanceMode
	ConnectTimeout   time.Duration
	UpstreamTimeout  time.Duration
	KeepaliveConns   int
	Backends         []Backend
}

type RateLimit struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             float64
}

type Log struct {
	Level     string
	AccessLog string
	ErrorLog  string
}

type Metrics struct {
	Enabled bool
	Path    string
}

type Cache struct {
	Enabled    bool
	Root       string
	DefaultTTL time.Duration
	MaxEntries int
}

type Process struct {
	Daemon bool
	PIDFile string
}

type Global struct {
	ShutdownTimeout time.Duration
}

type Gzip struct {
	Enabled   bool
	MinLength int
}

// RewriteRule is one `rewrite` directive: regular expression matched
// against the request path, replacement template with $N captures.
type RewriteRule struct {
	Pattern     string
	Replacement string
}

// Server is one `[server]` block: a virtual server selected by Host
// header per spec section 4.7.
type Server struct {
	ListenPort      uint16
	ServerName      string
	StaticRoot      string
	WorkerProcesses int
	Backlog         int
	MaxConnections  int
	KeepaliveTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Rewrites        []RewriteRule
	TryFiles        []string
	LoadModule      string

	TLS   TLS
	Proxy Proxy
}

// Config is the fully parsed and validated configuration file.
type Config struct {
	Servers   []Server
	RateLimit RateLimit
	Log       Log
	Metrics   Metrics
	Cache     Cache
	Process   Process
	Global    Global
	Gzip      Gzip
}

// Default mirrors config_load's hardcoded defaults in the original C
// source before the file is read.
func Default() *Config {
	return &Config{
		Servers: []Server{
			{
				ListenPort:       8080,
				StaticRoot:       "./www",
				WorkerProcesses:  4,
				Backlog:          4096,
				MaxConnections:   100000,
				KeepaliveTimeout: 75 * time.Second,
				ReadTimeout:      60 * time.Second,
				WriteTimeout:     60 * time.Second,
				TLS:              TLS{ListenPort: 8443},
				Proxy: Proxy{
					Mode:            BalanceRoundRobin,
					ConnectTimeout:  5 * time.Second,
					UpstreamTimeout: 30 * time.Second,
					KeepaliveConns:  16,
				},
			},
		},
		RateLimit: RateLimit{RequestsPerSecond: 1000, Burst: 200},
		Log:       Log{Level: "info", AccessLog: "./logs/access.log", ErrorLog: "./logs/error.log"},
		Metrics:   Metrics{Path: "/metrics"},
		Global:    Global{ShutdownTimeout: 10 * time.Second},
	}
}
