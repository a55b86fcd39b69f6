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

package logger

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"
)

// AccessLog writes one NCSA-like line per response, with a trailing
// microsecond-latency suffix, matching spec section 6's "Persisted
// state" requirement. It is intentionally not routed through logrus:
// the wire format is fixed and line-buffered writes are cheap, so a
// dedicated writer avoids paying logrus's formatter/hook machinery on
// the hot response path.
type AccessLog struct {
	mu sync.Mutex
	w  *bufio.Writer
	f  io.Closer
}

func NewAccessLog(w io.Writer) *AccessLog {
	c, _ := w.(io.Closer)
	return &AccessLog{w: bufio.NewWriterSize(w, 4096), f: c}
}

// Write appends one access log entry:
//
//	remoteIP - - [time] "METHOD path HTTP/ver" status bytes latency_us
func (a *AccessLog) Write(remoteIP, method, path, version string, status int, bytes int64, at time.Time, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fmt.Fprintf(a.w, "%s - - [%s] \"%s %s HTTP/%s\" %d %d %d\n",
		remoteIP, at.Format("02/Jan/2006:15:04:05 -0700"), method, path, version, status, bytes, latency.Microseconds())
	_ = a.w.Flush()
}

func (a *AccessLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.w.Flush()
	if a.f != nil {
		return a.f.Close()
	}
	return nil
}
