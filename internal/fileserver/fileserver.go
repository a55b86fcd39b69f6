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

// Package fileserver resolves a request path under a document root and
// writes the response headers for it, grounded on
// src/static/file_server.c: trailing-slash index.html, ETag as
// "mtime-size" in hex, If-None-Match -> 304, MIME by extension, and a
// sendfile(2) hand-off for the body. It never blocks on disk I/O inside
// the reactor loop beyond the single open/fstat pair the original does.
package fileserver

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/sabouaram/nproxy/internal/buffer"
	"github.com/sabouaram/nproxy/internal/respwriter"
	nperr "github.com/sabouaram/nproxy/pkg/errors"
)

// SendFile describes a regular file accepted for transmission. The
// caller (the connection state machine) owns fd from here on: it must
// drive sendfile(2)-style transmission until Remaining reaches zero,
// then close fd exactly once.
type SendFile struct {
	FD        int
	Offset    int64
	Remaining int64
}

// PathIsSafe rejects any path containing "..". Per the design note in
// spec section 9, callers performing try_files substitution MUST call
// this AFTER substituting $uri into the rewritten target, never before
// — checking the pre-substitution path does not protect the
// post-substitution one.
func PathIsSafe(path string) bool {
	return !strings.Contains(path, "..")
}

// Resolve maps a request path under root to a regular file. Trailing
// "/" appends index.html. Returns ok=false only when the path is unsafe
// (contains ".."); it does not check that the file exists and writes no
// response.
func Resolve(root, reqPath string) (fullPath string, ok bool) {
	if !PathIsSafe(reqPath) {
		return "", false
	}
	if strings.HasSuffix(reqPath, "/") {
		return root + reqPath + "index.html", true
	}
	return root + reqPath, true
}

// Serve resolves reqPath under root, writes the response headers (and,
// for 403/404/304, the full body) into buf, and for a 200 returns a
// SendFile describing the body transmission the caller must drive.
// status is always one of 200, 304, 403, 404.
func Serve(buf *buffer.Buffer, root, reqPath, ifNoneMatch string, keepAlive bool) (*SendFile, int, nperr.Error) {
	full, ok := Resolve(root, reqPath)
	if !ok {
		respwriter.Simple(buf, 403, "Forbidden", "text/plain; charset=utf-8", "forbidden\n", keepAlive)
		return nil, 403, nil
	}

	f, err := os.OpenFile(full, os.O_RDONLY, 0)
	if err != nil {
		respwriter.Simple(buf, 404, "Not Found", "text/plain; charset=utf-8", "not found\n", keepAlive)
		return nil, 404, nil
	}

	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		f.Close()
		respwriter.Simple(buf, 404, "Not Found", "text/plain; charset=utf-8", "not found\n", keepAlive)
		return nil, 404, nil
	}

	etag := ETag(st.ModTime().Unix(), st.Size())

	if ifNoneMatch != "" && ifNoneMatch == etag {
		f.Close()
		respwriter.Write(buf, 304, "Not Modified", nil, nil, keepAlive)
		return nil, 304, nil
	}

	mime := mimeByExtension(full)
	respwriter.Write(buf, 200, "OK", []respwriter.Header{
		{Name: "Content-Type", Value: mime},
		{Name: "Content-Length", Value: strconv.FormatInt(st.Size(), 10)},
		{Name: "ETag", Value: etag},
	}, nil, keepAlive)

	fd := int(f.Fd())
	// Duplicate the fd: os.File's finalizer would otherwise close it
	// out from under the connection state machine once f goes out of
	// scope here.
	dupFD, derr := syscall.Dup(fd)
	f.Close()
	if derr != nil {
		buf.Reset()
		respwriter.Simple(buf, 404, "Not Found", "text/plain; charset=utf-8", "not found\n", keepAlive)
		return nil, 404, nil
	}

	return &SendFile{FD: dupFD, Offset: 0, Remaining: st.Size()}, 200, nil
}

// ETag renders the "mtime-size" hex tag matching src/static/file_server.c's
// etag_from_stat exactly (e.g. mtime=1700000000, size=120 -> "6553f100-78").
func ETag(mtimeUnix int64, size int64) string {
	return `"` + strconv.FormatInt(mtimeUnix, 16) + "-" + strconv.FormatInt(size, 16) + `"`
}
