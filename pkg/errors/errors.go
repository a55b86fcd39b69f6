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

// Package errors classifies the error taxonomy of the proxy core (see
// spec section 7) as numeric codes with optional parent chaining, in the
// style of nabbar/golib's liberr package: fallible calls in the internal
// packages return an Error rather than a bare error (reactor.Close and
// the unexported upstream dialer are the exceptions), so callers can
// switch on Code() instead of string-matching messages.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies an Error against the taxonomy in spec.md section 7.
type Code uint16

const (
	CodeUnknown Code = iota
	CodePeerClosed
	CodeParse
	CodeConfig
	CodeBind
	CodeUpstreamConnect
	CodeUpstreamRead
	CodeTimeout
	CodeTLS
	CodeRateLimit
	CodeOOM
	CodeWorkerDeath
)

var codeMessage = map[Code]string{
	CodeUnknown:         "unknown error",
	CodePeerClosed:      "peer closed connection",
	CodeParse:           "malformed request",
	CodeConfig:          "configuration error",
	CodeBind:            "listener bind failure",
	CodeUpstreamConnect: "upstream connect failure",
	CodeUpstreamRead:    "upstream read failure",
	CodeTimeout:         "idle timeout",
	CodeTLS:             "tls handshake or record error",
	CodeRateLimit:       "rate limit exceeded",
	CodeOOM:             "allocation failure",
	CodeWorkerDeath:     "worker process died",
}

// Message returns the default human-readable message for the code.
func (c Code) Message() string {
	if m, ok := codeMessage[c]; ok {
		return m
	}
	return codeMessage[CodeUnknown]
}

// Error is the error type threaded through every internal package.
// It carries a Code, a message and an optional parent error so a
// recovery handler can distinguish "would-block" (not represented here,
// it is a buffer sentinel, not an Error) from a genuine failure without
// parsing strings.
type Error interface {
	error
	Code() Code
	Is(code Code) bool
	Parent() error
	Unwrap() error
}

type wrappedError struct {
	code Code
	msg  string
	par  error
}

func New(code Code, parent error) Error {
	return &wrappedError{code: code, msg: code.Message(), par: parent}
}

func Newf(code Code, parent error, format string, args ...interface{}) Error {
	return &wrappedError{code: code, msg: fmt.Sprintf(format, args...), par: parent}
}

func (e *wrappedError) Error() string {
	if e.par != nil {
		return fmt.Sprintf("%s: %s", e.msg, e.par.Error())
	}
	return e.msg
}

func (e *wrappedError) Code() Code {
	return e.code
}

func (e *wrappedError) Is(code Code) bool {
	return e.code == code
}

func (e *wrappedError) Parent() error {
	return e.par
}

func (e *wrappedError) Unwrap() error {
	return e.par
}

// CodeOf extracts the Code from any error produced by this package,
// returning CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	var e Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return CodeUnknown
}
