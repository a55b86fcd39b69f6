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

package errors

import (
	"errors"
	"testing"
)

func TestNewCarriesCodeAndDefaultMessage(t *testing.T) {
	e := New(CodeTimeout, nil)
	if e.Code() != CodeTimeout {
		t.Fatalf("Code() = %v, want CodeTimeout", e.Code())
	}
	if e.Error() != "idle timeout" {
		t.Fatalf("Error() = %q, want %q", e.Error(), "idle timeout")
	}
}

func TestNewWrapsParentMessage(t *testing.T) {
	parent := errors.New("connection refused")
	e := New(CodeUpstreamConnect, parent)
	want := "upstream connect failure: connection refused"
	if e.Error() != want {
		t.Fatalf("Error() = %q, want %q", e.Error(), want)
	}
	if e.Parent() != parent {
		t.Fatal("Parent() did not return the original parent error")
	}
}

func TestNewfFormatsCustomMessage(t *testing.T) {
	e := Newf(CodeConfig, nil, "bad port %d", 70000)
	if e.Error() != "bad port 70000" {
		t.Fatalf("Error() = %q, want %q", e.Error(), "bad port 70000")
	}
}

func TestIsMatchesOwnCodeOnly(t *testing.T) {
	e := New(CodeRateLimit, nil)
	if !e.Is(CodeRateLimit) {
		t.Fatal("Is(CodeRateLimit) = false, want true")
	}
	if e.Is(CodeTimeout) {
		t.Fatal("Is(CodeTimeout) = true, want false")
	}
}

func TestUnwrapReturnsParent(t *testing.T) {
	parent := errors.New("eof")
	e := New(CodeUpstreamRead, parent)
	if errors.Unwrap(e) != parent {
		t.Fatal("errors.Unwrap did not reach the parent")
	}
}

func TestCodeOfExtractsFromWrappedError(t *testing.T) {
	e := New(CodeBind, nil)
	if got := CodeOf(e); got != CodeBind {
		t.Fatalf("CodeOf = %v, want CodeBind", got)
	}
}

func TestCodeOfForeignErrorIsUnknown(t *testing.T) {
	if got := CodeOf(errors.New("plain error")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain error) = %v, want CodeUnknown", got)
	}
}

func TestMessageFallsBackForUnknownCode(t *testing.T) {
	var c Code = 9999
	if c.Message() != CodeUnknown.Message() {
		t.Fatalf("Message() for an unregistered code = %q, want the CodeUnknown fallback", c.Message())
	}
}

func TestErrorsAsWorksThroughTheInterface(t *testing.T) {
	wrapped := New(CodeTLS, errors.New("handshake failed"))
	var target Error
	if !errors.As(error(wrapped), &target) {
		t.Fatal("errors.As should find the Error interface")
	}
	if target.Code() != CodeTLS {
		t.Fatalf("target.Code() = %v, want CodeTLS", target.Code())
	}
}
