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

// Package respwriter serializes a status line, headers and a body into
// a write buffer, grounded on src/http/response.c. Also offers the
// "simple" one-shot writer and the HTML error page writer of spec
// section 4.5.
package respwriter

import (
	"fmt"
	"strconv"

	"github.com/sabouaram/nproxy/internal/buffer"
)

type Header struct {
	Name  string
	Value string
}

// Write serializes status/reason/headers/body into buf, deriving the
// Connection header from keepAlive. No reordering is permitted between
// headers and body (spec section 5), so this writes directly in order.
func Write(buf *buffer.Buffer, status int, reason string, headers []Header, body []byte, keepAlive bool) {
	buf.Grow(256 + len(body))

	fmt.Fprintf(lineWriter{buf}, "HTTP/1.1 %d %s\r\n", status, reason)
	for _, h := range headers {
		fmt.Fprintf(lineWriter{buf}, "%s: %s\r\n", h.Name, h.Value)
	}
	if keepAlive {
		fmt.Fprintf(lineWriter{buf}, "Connection: keep-alive\r\n")
	} else {
		fmt.Fprintf(lineWriter{buf}, "Connection: close\r\n")
	}
	fmt.Fprintf(lineWriter{buf}, "\r\n")

	if len(body) > 0 {
		buf.Grow(len(body))
		n := copy(buf.WritePointer(), body)
		buf.Produce(n)
	}
}

// Simple writes a one-shot response with Content-Type and Content-Length
// derived from body, per spec section 4.5.
func Simple(buf *buffer.Buffer, status int, reason, contentType, body string, keepAlive bool) {
	Write(buf, status, reason, []Header{
		{"Content-Type", contentType},
		{"Content-Length", strconv.Itoa(len(body))},
	}, []byte(body), keepAlive)
}

// ErrorPage writes an HTML body naming status and reason.
func ErrorPage(buf *buffer.Buffer, status int, reason string, keepAlive bool) {
	body := fmt.Sprintf("<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>", status, reason, status, reason)
	Simple(buf, status, reason, "text/html; charset=utf-8", body, keepAlive)
}

// lineWriter adapts buffer.Buffer to io.Writer for fmt.Fprintf, growing
// writable space as needed since header count is bounded but total
// length is not known up front.
type lineWriter struct {
	b *buffer.Buffer
}

func (w lineWriter) Write(p []byte) (int, error) {
	w.b.Grow(len(p))
	n := copy(w.b.WritePointer(), p)
	w.b.Produce(n)
	return n, nil
}

// ReasonPhrase returns the standard reason phrase for common statuses
// used by this proxy (health, metrics, rate-limit, errors, proxying).
func ReasonPhrase(status int) string {
	switch status {
	case 200:
		return "OK"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 429:
		return "Too Many Requests"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
