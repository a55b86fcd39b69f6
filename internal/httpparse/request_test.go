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

package httpparse

import (
	"strings"
	"testing"

	"github.com/sabouaram/nproxy/internal/arena"
)

func TestParseSimpleGet(t *testing.T) {
	a := arena.New(4096)
	data := []byte("GET /foo?a=1 HTTP/1.1\r\nHost: example.com\r\n\r\n")
	req, status := Parse(data, a)
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if req.Method != "GET" || req.Path != "/foo" || req.Query != "a=1" || req.Version != "1.1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.ParsedBytes != len(data) {
		t.Fatalf("ParsedBytes = %d, want %d", req.ParsedBytes, len(data))
	}
}

func TestParseHeaderLookupCaseInsensitive(t *testing.T) {
	a := arena.New(4096)
	data := []byte("GET / HTTP/1.1\r\nhost: example.com\r\n\r\n")
	req, status := Parse(data, a)
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	v, ok := req.Header("Host")
	if !ok || v != "example.com" {
		t.Fatalf("Header(Host) = (%q, %v), want (example.com, true)", v, ok)
	}
}

func TestHostStripsPort(t *testing.T) {
	a := arena.New(4096)
	data := []byte("GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")
	req, status := Parse(data, a)
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if req.Host() != "example.com" {
		t.Fatalf("Host() = %q, want example.com", req.Host())
	}
}

func TestParseIncompleteRequestLine(t *testing.T) {
	a := arena.New(4096)
	_, status := Parse([]byte("GET / HTTP/1.1"), a)
	if status != Incomplete {
		t.Fatalf("status = %v, want Incomplete", status)
	}
}

func TestParseIncompleteHeaders(t *testing.T) {
	a := arena.New(4096)
	_, status := Parse([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n"), a)
	if status != Incomplete {
		t.Fatalf("status = %v, want Incomplete", status)
	}
}

func TestParseIncompleteBody(t *testing.T) {
	a := arena.New(4096)
	data := []byte("POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc")
	_, status := Parse(data, a)
	if status != Incomplete {
		t.Fatalf("status = %v, want Incomplete (body shorter than Content-Length)", status)
	}
}

func TestParseCompleteBody(t *testing.T) {
	a := arena.New(4096)
	body := "0123456789"
	data := []byte("POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\n" + body)
	req, status := Parse(data, a)
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if string(req.Body) != body {
		t.Fatalf("Body = %q, want %q", req.Body, body)
	}
	if req.ParsedBytes != len(data) {
		t.Fatalf("ParsedBytes = %d, want %d", req.ParsedBytes, len(data))
	}
}

func TestParseHTTP11DefaultsContentLengthZero(t *testing.T) {
	a := arena.New(4096)
	data := []byte("GET / HTTP/1.1\r\n\r\n")
	req, status := Parse(data, a)
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if req.ContentLength != 0 {
		t.Fatalf("ContentLength = %d, want 0 (HTTP/1.1 implicit default)", req.ContentLength)
	}
}

func TestParseHTTP10NoImplicitContentLength(t *testing.T) {
	a := arena.New(4096)
	data := []byte("GET / HTTP/1.0\r\n\r\n")
	req, status := Parse(data, a)
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if req.ContentLength != -1 {
		t.Fatalf("ContentLength = %d, want -1 (no implicit default pre-1.1)", req.ContentLength)
	}
}

func TestParseChunkedTransferEncoding(t *testing.T) {
	a := arena.New(4096)
	data := []byte("POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n")
	req, status := Parse(data, a)
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if !req.Chunked {
		t.Fatal("expected Chunked = true")
	}
}

func TestParseKeepAliveDefaults(t *testing.T) {
	a := arena.New(4096)
	req11, _ := Parse([]byte("GET / HTTP/1.1\r\n\r\n"), a)
	if !req11.KeepAlive {
		t.Fatal("HTTP/1.1 without a Connection header should default keep-alive")
	}

	req10, _ := Parse([]byte("GET / HTTP/1.0\r\n\r\n"), arena.New(4096))
	if req10.KeepAlive {
		t.Fatal("HTTP/1.0 without a Connection header should default to close")
	}
}

func TestParseConnectionCloseOverridesDefault(t *testing.T) {
	a := arena.New(4096)
	data := []byte("GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	req, _ := Parse(data, a)
	if req.KeepAlive {
		t.Fatal("explicit Connection: close should override the HTTP/1.1 keep-alive default")
	}
}

func TestParseUnrecognizedMethodPassesThrough(t *testing.T) {
	// The original parser never rejects an unrecognized method token; it
	// only classifies it (HTTP_METHOD_UNKNOWN) and lets routing decide.
	// CONNECT, PROPFIND, or an outright typo are all syntactically valid
	// request lines and must parse successfully.
	a := arena.New(4096)
	req, status := Parse([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n"), a)
	if status != Done {
		t.Fatalf("status = %v, want Done for an unrecognized-but-well-formed method", status)
	}
	if req.Method != "CONNECT" {
		t.Fatalf("Method = %q, want CONNECT", req.Method)
	}
}

func TestParseMalformedRequestLineRejected(t *testing.T) {
	a := arena.New(4096)
	_, status := Parse([]byte("GET/HTTP/1.1\r\n\r\n"), a)
	if status != Error {
		t.Fatalf("status = %v, want Error for a request line missing spaces", status)
	}
}

func TestParseUnsupportedVersionRejected(t *testing.T) {
	a := arena.New(4096)
	_, status := Parse([]byte("GET / HTTP/2.0\r\n\r\n"), a)
	if status != Error {
		t.Fatalf("status = %v, want Error for an unsupported HTTP version", status)
	}
}

func TestParseHeaderMissingColonRejected(t *testing.T) {
	a := arena.New(4096)
	_, status := Parse([]byte("GET / HTTP/1.1\r\nBadHeader\r\n\r\n"), a)
	if status != Error {
		t.Fatalf("status = %v, want Error for a header line without a colon", status)
	}
}

func TestParseTooManyHeadersRejected(t *testing.T) {
	a := arena.New(8192)
	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < MaxHeaders+1; i++ {
		b.WriteString("X-H: v\r\n")
	}
	b.WriteString("\r\n")
	_, status := Parse([]byte(b.String()), a)
	if status != Error {
		t.Fatalf("status = %v, want Error once header count exceeds MaxHeaders", status)
	}
}

func TestParseUpgradeHeader(t *testing.T) {
	a := arena.New(4096)
	data := []byte("GET / HTTP/1.1\r\nUpgrade: websocket\r\n\r\n")
	req, status := Parse(data, a)
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if !req.Upgrade {
		t.Fatal("expected Upgrade = true")
	}
}
