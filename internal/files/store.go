// File: internal/files/store.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Content-addressed user files. Bytes are stored once per sha256 digest and
// reference counted in the database: Acquire writes the bytes only when the
// new reference is the first, Release unlinks them once the count reaches
// zero. The count change and the disk work happen under one per-hash lock,
// so workers on separate connections never see a count that disagrees with
// the disk. Both return pipeline chains the caller may extend.

package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-chat/core/concurrency"
	"github.com/momentics/hioload-chat/db"
)

// lockStripes bounds the per-hash locks; hashes sharing a stripe serialize.
const lockStripes = 64

// Dirs are the destination directories per media family.
type Dirs struct {
	Img  string
	Vid  string
	File string
}

// Store places content-addressed files under Dirs.
type Store struct {
	dirs  Dirs
	log   zerolog.Logger
	locks [lockStripes]sync.Mutex
}

// New creates the directories if needed.
func New(dirs Dirs, log zerolog.Logger) (*Store, error) {
	for _, d := range []string{dirs.Img, dirs.Vid, dirs.File} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("files: %w", err)
		}
	}
	return &Store{dirs: dirs, log: log.With().Str("component", "files").Logger()}, nil
}

// Hash returns the hex sha256 digest that names data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Classify sniffs the MIME type of data, without parameters.
func Classify(data []byte) string {
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}

// IsImage reports whether mime names an image type.
func IsImage(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// DirFor routes a MIME type to its directory.
func (s *Store) DirFor(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return s.dirs.Img
	case strings.HasPrefix(mime, "video/"):
		return s.dirs.Vid
	default:
		return s.dirs.File
	}
}

// Path returns where f lives on disk.
func (s *Store) Path(f *db.UserFile) string {
	return filepath.Join(s.DirFor(f.MimeType), f.Hash)
}

// Describe builds the row for data.
func Describe(data []byte) *db.UserFile {
	return &db.UserFile{Hash: Hash(data), Size: int64(len(data)), MimeType: Classify(data)}
}

// Acquire adds a reference to data. The data slice is moved into the chain;
// the caller must not touch it afterwards. The bytes are written by the
// reference that takes the count to one; when the write fails that
// reference is dropped again and the link fails, so links appended later
// are skipped.
func (s *Store) Acquire(data []byte) (*db.UserFile, *db.Chain) {
	f := Describe(data)
	ref := db.InsertUserFile(f).WithPayload(data)
	s.guard(f.Hash, ref, func(ctx context.Context, c *db.Conn, res any) (any, error) {
		body, _ := ref.TakePayload().([]byte)
		if n, _ := res.(int64); n != 1 {
			s.log.Debug().Str("hash", f.Hash).Int64("refs", n).Msg("file already stored")
			return res, nil
		}
		if err := s.write(f, body); err != nil {
			s.log.Error().Err(err).Str("hash", f.Hash).Msg("write file")
			s.forget(ctx, c, f.Hash)
			return nil, fmt.Errorf("store %s: %w", f.Hash, err)
		}
		return res, nil
	})
	// A skipped link still holds the body.
	ref.WithExec(func(cmd *db.Command) { cmd.TakePayload() })
	return f, db.NewChain(ref)
}

// Release drops a reference to hash. The reference that takes the count to
// zero unlinks the bytes and removes the row. Data of the link is the
// *db.UserFile with the remaining count.
func (s *Store) Release(hash string) *db.Chain {
	drop := db.DeleteUserFile(hash)
	s.guard(hash, drop, func(ctx context.Context, c *db.Conn, res any) (any, error) {
		f := res.(*db.UserFile)
		if f.RefCount > 0 {
			return f, nil
		}
		path := s.Path(f)
		s.log.Debug().Str("path", path).Msg("unlinking file")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Error().Err(err).Str("path", path).Msg("unlink")
		}
		if _, err := db.PurgeUserFile(hash).Query(ctx, c, nil); err != nil {
			s.log.Warn().Err(err).Str("hash", hash).Msg("purge userfile")
		}
		return f, nil
	})
	return db.NewChain(drop)
}

// guard makes the count change of cmd and the disk work in then one step
// with respect to every other Acquire or Release of hash, on any worker.
func (s *Store) guard(hash string, cmd *db.Command, then func(ctx context.Context, c *db.Conn, res any) (any, error)) {
	count := cmd.Query
	cmd.Query = func(ctx context.Context, c *db.Conn, prev *db.Command) (any, error) {
		mu := &s.locks[concurrency.HashString(hash)%lockStripes]
		mu.Lock()
		defer mu.Unlock()
		res, err := count(ctx, c, prev)
		if err != nil {
			return nil, err
		}
		return then(ctx, c, res)
	}
}

// forget undoes a reference whose bytes never reached the disk.
func (s *Store) forget(ctx context.Context, c *db.Conn, hash string) {
	if _, err := db.DeleteUserFile(hash).Query(ctx, c, nil); err != nil {
		s.log.Warn().Err(err).Str("hash", hash).Msg("drop unwritten reference")
		return
	}
	if _, err := db.PurgeUserFile(hash).Query(ctx, c, nil); err != nil {
		s.log.Warn().Err(err).Str("hash", hash).Msg("purge unwritten reference")
	}
}

func (s *Store) write(f *db.UserFile, data []byte) error {
	dir := s.DirFor(f.MimeType)
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, f.Hash))
}
