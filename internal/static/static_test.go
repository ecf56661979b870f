package static

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/protocol"
)

func get(t *testing.T, h *Handler, url string) *protocol.Message {
	t.Helper()
	req, err := protocol.Parse([]byte("GET " + url + " HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	return h.Serve(req)
}

func TestServeAndCache(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "index.html"), []byte("<p>hi</p>"), 0o644)
	os.WriteFile(filepath.Join(root, "big.txt"), []byte(strings.Repeat("x", 64)), 0o644)

	h, err := New(Config{Root: root, CacheEntries: 8, MaxCachedSize: 32}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	resp := get(t, h, "/")
	if resp.Code != 200 || string(resp.Body) != "<p>hi</p>" {
		t.Fatalf("index: %d %q", resp.Code, resp.Body)
	}
	if ct, _ := resp.Header("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type %q", ct)
	}
	if h.Cached() != 1 {
		t.Errorf("cached = %d", h.Cached())
	}

	// Over the size cap: served, not cached.
	if resp := get(t, h, "/big.txt"); resp.Code != 200 || len(resp.Body) != 64 {
		t.Errorf("big: %d %d", resp.Code, len(resp.Body))
	}
	if h.Cached() != 1 {
		t.Errorf("oversized file cached")
	}

	// A changed file invalidates its cache entry.
	later := time.Now().Add(time.Minute)
	os.WriteFile(filepath.Join(root, "index.html"), []byte("<p>new</p>"), 0o644)
	os.Chtimes(filepath.Join(root, "index.html"), later, later)
	if resp := get(t, h, "/index.html"); string(resp.Body) != "<p>new</p>" {
		t.Errorf("stale body %q", resp.Body)
	}
}

func TestServeNotFound(t *testing.T) {
	h, err := New(Config{Root: t.TempDir(), CacheEntries: 4}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for _, url := range []string{"/missing.js", "/../etc/passwd"} {
		resp := get(t, h, url)
		if resp.Code != 404 || string(resp.Body) != "<h1>Not Found</h1>" {
			t.Errorf("%s: %d %q", url, resp.Code, resp.Body)
		}
	}
}
