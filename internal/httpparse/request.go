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

// Package httpparse is a pure bytes-to-structure HTTP/1.x request
// parser, grounded on src/http/parser.c: request line, headers, a
// bounded header count, implicit content-length-0 default on 1.1, and
// the parsed_bytes accounting spec section 4.4 mandates. It never
// touches a socket — the connection state machine feeds it bytes.
package httpparse

import (
	"strconv"
	"strings"
	"time"

	"github.com/sabouaram/nproxy/internal/arena"
)

type Status int

const (
	Incomplete Status = iota
	Done
	Error
)

const (
	MaxHeaders       = 64
	MaxHeaderLineLen = 8192
)

type Header struct {
	Name  string
	Value string
}

// Request is the structured result of a parse. Its string and Header
// fields borrow from the arena supplied to Parse; their lifetime ends
// the instant that arena is reset, per spec section 3.
type Request struct {
	Method      string
	Path        string
	Query       string
	Version     string // "1.0" or "1.1"
	Headers     []Header
	ContentLength int64
	Chunked     bool
	KeepAlive   bool
	Upgrade     bool
	Body        []byte
	RemoteIP    string
	ReceivedAt  time.Time

	ParsedBytes int
}

// Header looks up a header by case-insensitive name.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func (r *Request) Host() string {
	h, _ := r.Header("Host")
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}

func findCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// Parse attempts to parse one HTTP request out of data, allocating all
// borrowed strings/slices from a. Returns Incomplete when more bytes
// are needed, Error on malformed input, Done with ParsedBytes set to
// header length + consumed body length per spec section 4.4.
func Parse(data []byte, a *arena.Arena) (*Request, Status) {
	lineEnd := findCRLF(data)
	if lineEnd < 0 {
		return nil, Incomplete
	}

	line := data[:lineEnd]
	sp1 := indexByte(line, ' ')
	if sp1 < 0 {
		return nil, Error
	}
	method := string(line[:sp1])

	rest := line[sp1+1:]
	sp2 := indexByte(rest, ' ')
	if sp2 < 0 {
		return nil, Error
	}
	uri := rest[:sp2]
	verBytes := rest[sp2+1:]

	var version string
	switch string(verBytes) {
	case "HTTP/1.1":
		version = "1.1"
	case "HTTP/1.0":
		version = "1.0"
	default:
		return nil, Error
	}

	path, query := splitURI(uri)

	req := &Request{
		Method:  a.AllocString(method),
		Path:    a.AllocString(path),
		Query:   a.AllocString(query),
		Version: version,
	}

	cur := lineEnd + 2
	contentLength := int64(-1)
	hasConnectionHeader := false

	for {
		if cur > len(data) {
			return nil, Incomplete
		}
		rem := data[cur:]
		he := findCRLF(rem)
		if he < 0 {
			return nil, Incomplete
		}
		if he > MaxHeaderLineLen {
			return nil, Error
		}
		if he == 0 {
			cur += 2
			break
		}

		hline := rem[:he]
		colon := indexByte(hline, ':')
		if colon < 0 {
			return nil, Error
		}
		if len(req.Headers) >= MaxHeaders {
			return nil, Error
		}

		name := strings.TrimSpace(string(hline[:colon]))
		value := strings.TrimSpace(string(hline[colon+1:]))
		req.Headers = append(req.Headers, Header{Name: a.AllocString(name), Value: a.AllocString(value)})

		switch {
		case strings.EqualFold(name, "Content-Length"):
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				contentLength = n
			}
		case strings.EqualFold(name, "Transfer-Encoding"):
			if strings.EqualFold(value, "chunked") {
				req.Chunked = true
			}
		case strings.EqualFold(name, "Connection"):
			hasConnectionHeader = true
			req.KeepAlive = !strings.EqualFold(value, "close")
		case strings.EqualFold(name, "Upgrade"):
			req.Upgrade = true
		}

		cur += he + 2
	}

	if !hasConnectionHeader {
		req.KeepAlive = version == "1.1"
	}

	if version == "1.1" && !req.Chunked && contentLength < 0 {
		contentLength = 0
	}
	req.ContentLength = contentLength

	bodyOffset := cur
	req.ParsedBytes = bodyOffset

	if contentLength > 0 {
		avail := int64(len(data) - bodyOffset)
		if avail < contentLength {
			return nil, Incomplete
		}
		req.Body = data[bodyOffset : bodyOffset+int(contentLength)]
		req.ParsedBytes += int(contentLength)
	}

	return req, Done
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func splitURI(uri []byte) (path, query string) {
	if i := indexByte(uri, '?'); i >= 0 {
		return string(uri[:i]), string(uri[i+1:])
	}
	return string(uri), ""
}
