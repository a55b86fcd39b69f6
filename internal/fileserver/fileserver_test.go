package fileserver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sabouaram/nproxy/internal/buffer"
)

func TestPathIsSafeRejectsTraversal(t *testing.T) {
	cases := map[string]bool{
		"/index.html":       true,
		"/a/b/c.css":        true,
		"/../etc/passwd":    false,
		"/a/../../etc/shadow": false,
		"/..":               false,
	}
	for path, want := range cases {
		if got := PathIsSafe(path); got != want {
			t.Errorf("PathIsSafe(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestResolveAppendsIndexOnTrailingSlash(t *testing.T) {
	full, ok := Resolve("/srv/www", "/docs/")
	if !ok || full != "/srv/www/docs/index.html" {
		t.Fatalf("got (%q, %v)", full, ok)
	}
}

func TestResolveRejectsUnsafePath(t *testing.T) {
	if _, ok := Resolve("/srv/www", "/../secret"); ok {
		t.Fatal("expected unsafe path to be rejected")
	}
}

func TestETagMatchesMtimeSizeHex(t *testing.T) {
	got := ETag(1700000000, 120)
	want := `"6553f100-78"`
	if got != want {
		t.Fatalf("ETag = %s, want %s", got, want)
	}
}

func TestServeReturns200AndSendFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	buf := buffer.New(4096)
	sf, status, err := Serve(buf, dir, "/hello.txt", "", true)
	if err != nil {
		t.Fatalf("Serve error: %v", err)
	}
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if sf == nil || sf.Remaining != 11 {
		t.Fatalf("sendfile = %+v, want Remaining=11", sf)
	}
	out := string(buf.ReadBytes())
	if !strings.Contains(out, "200 OK") || !strings.Contains(out, "Content-Length: 11") {
		t.Fatalf("headers missing expected fields: %s", out)
	}
}

func TestServeReturns404ForMissingFile(t *testing.T) {
	dir := t.TempDir()
	buf := buffer.New(4096)
	sf, status, err := Serve(buf, dir, "/missing.txt", "", true)
	if err != nil {
		t.Fatalf("Serve error: %v", err)
	}
	if status != 404 || sf != nil {
		t.Fatalf("status=%d sf=%v, want 404/nil", status, sf)
	}
}

func TestServeReturns304OnMatchingETag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cached.txt")
	if err := os.WriteFile(path, []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	etag := ETag(info.ModTime().Unix(), info.Size())

	buf := buffer.New(4096)
	sf, status, serr := Serve(buf, dir, "/cached.txt", etag, true)
	if serr != nil {
		t.Fatalf("Serve error: %v", serr)
	}
	if status != 304 || sf != nil {
		t.Fatalf("status=%d sf=%v, want 304/nil", status, sf)
	}
	if !strings.Contains(string(buf.ReadBytes()), "304 Not Modified") {
		t.Fatal("expected 304 status line")
	}
}

func TestServeReturns403OnTraversal(t *testing.T) {
	dir := t.TempDir()
	buf := buffer.New(4096)
	sf, status, err := Serve(buf, dir, "/../etc/passwd", "", true)
	if err != nil {
		t.Fatalf("Serve error: %v", err)
	}
	if status != 403 || sf != nil {
		t.Fatalf("status=%d sf=%v, want 403/nil", status, sf)
	}
}

func TestMimeByExtensionFallsBackToOctetStream(t *testing.T) {
	if got := mimeByExtension("/a/b.css"); got != "text/css; charset=utf-8" {
		t.Fatalf("got %q", got)
	}
	if got := mimeByExtension("/a/b.unknownext"); got != "application/octet-stream" {
		t.Fatalf("got %q", got)
	}
}
