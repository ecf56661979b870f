// File: internal/static/static.go
// Package static answers GET requests from the document root.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Small files are kept in an LRU keyed by path and revalidated against the
// file's size and modification time on every hit.

package static

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/protocol"
)

// Config controls the handler.
type Config struct {
	Root          string
	CacheEntries  int
	MaxCachedSize int64
}

type entry struct {
	body  []byte
	ctype string
	size  int64
	mod   time.Time
}

// Handler serves files below Root.
type Handler struct {
	root    string
	maxSize int64
	cache   *lru.Cache[string, *entry]
	log     zerolog.Logger
}

// New builds a handler. A non-positive CacheEntries disables caching.
func New(cfg Config, log zerolog.Logger) (*Handler, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	h := &Handler{root: root, maxSize: cfg.MaxCachedSize, log: log.With().Str("component", "static").Logger()}
	if cfg.CacheEntries > 0 {
		if h.cache, err = lru.New[string, *entry](cfg.CacheEntries); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Cached returns the number of cached files.
func (h *Handler) Cached() int {
	if h.cache == nil {
		return 0
	}
	return h.cache.Len()
}

// Serve resolves req to a response. Misses and rejected paths get a 404.
func (h *Handler) Serve(req *protocol.Message) *protocol.Message {
	if err := protocol.CheckURL(req.URL); err != nil {
		h.log.Warn().Str("url", req.URL).Msg("rejected url")
		return protocol.NotFound()
	}
	p := path.Clean(req.URL)
	if p == "/" {
		p = "/index.html"
	}
	e, err := h.load(p)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			h.log.Error().Err(err).Str("path", p).Msg("static read")
		}
		return protocol.NotFound()
	}
	resp := protocol.NewResponse(200, "OK", e.body)
	resp.SetHeader("Content-Type", e.ctype)
	return resp
}

func (h *Handler) load(p string) (*entry, error) {
	full := filepath.Join(h.root, filepath.FromSlash(p))
	st, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		full = filepath.Join(full, "index.html")
		if st, err = os.Stat(full); err != nil {
			return nil, err
		}
	}
	if h.cache != nil {
		if e, ok := h.cache.Get(full); ok && e.size == st.Size() && e.mod.Equal(st.ModTime()) {
			return e, nil
		}
	}
	body, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	e := &entry{body: body, ctype: contentType(full, body), size: st.Size(), mod: st.ModTime()}
	if h.cache != nil && (h.maxSize <= 0 || st.Size() <= h.maxSize) {
		h.cache.Add(full, e)
	}
	return e, nil
}

func contentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}
