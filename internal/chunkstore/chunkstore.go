// Package chunkstore is the filesystem-backed temporary store for
// per-upload chunk files. All paths are canonicalized and verified to
// remain under the configured root before any I/O touches disk.
package chunkstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
)

// uploadIDPattern constrains upload_id to the hex alphabet before it is
// ever joined into a filesystem path.
var uploadIDPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// Store is a rooted filesystem area holding one directory per in-progress
// upload, each containing its received chunk files.
type Store struct {
	root string

	// locks (guarded by locksMu) serializes concurrent writers to the same
	// (upload_id, chunk_number) tuple so idempotent re-uploads are
	// coherent at the file level; held only across a single write, never
	// across a database call.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Store rooted at root, creating the directory if absent.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("chunkstore: create root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: resolve root: %w", err)
	}
	return &Store{root: filepath.Clean(abs), locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// sessionDir returns the canonicalized, root-verified directory for an
// upload, or PATH_ESCAPE if canonicalization would leave the root.
func (s *Store) sessionDir(uploadID string) (string, error) {
	if !uploadIDPattern.MatchString(uploadID) {
		return "", qopyerr.New(qopyerr.KindInternal, "PATH_ESCAPE").WithHint("invalid upload identifier")
	}
	dir := filepath.Join(s.root, uploadID)
	clean := filepath.Clean(dir)
	if clean != s.root && !strings.HasPrefix(clean, s.root+string(os.PathSeparator)) {
		log.Error().Str("path", redact(clean, s.root)).Msg("chunkstore: path escape detected")
		return "", qopyerr.New(qopyerr.KindInternal, "PATH_ESCAPE")
	}
	return clean, nil
}

func chunkFileName(n int) string {
	return "chunk_" + strconv.Itoa(n)
}

// WriteChunk persists bytes as chunk n of uploadID, fsyncing the file and
// its parent directory before returning so the write survives a crash.
// Writes are serialized per (uploadID, n); the last writer for a given
// tuple wins, which is what makes idempotent chunk retries coherent.
func (s *Store) WriteChunk(ctx context.Context, uploadID string, n int, r io.Reader) (path string, written int64, err error) {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return "", 0, err
	}

	lock := s.lockFor(uploadID + "/" + strconv.Itoa(n))
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	target := filepath.Join(dir, chunkFileName(n))
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	written, err = io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if dirF, err := os.Open(dir); err == nil {
		_ = dirF.Sync()
		_ = dirF.Close()
	}

	return target, written, nil
}

// ReadChunk opens chunk n of uploadID for reading. Callers must close it.
func (s *Store) ReadChunk(uploadID string, n int) (io.ReadCloser, error) {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, chunkFileName(n)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
		}
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return f, nil
}

// Exists reports whether chunk n of uploadID is present on disk.
func (s *Store) Exists(uploadID string, n int) bool {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, chunkFileName(n)))
	return err == nil
}

// Size returns the on-disk size of chunk n of uploadID.
func (s *Store) Size(uploadID string, n int) (int64, error) {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(filepath.Join(dir, chunkFileName(n)))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
		}
		return 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return info.Size(), nil
}

// Concatenate streams chunks 0..totalChunks-1 of uploadID into w in
// ascending order, returning the total bytes written.
func (s *Store) Concatenate(ctx context.Context, uploadID string, totalChunks int, w io.Writer) (int64, error) {
	var total int64
	for n := 0; n < totalChunks; n++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rc, err := s.ReadChunk(uploadID, n)
		if err != nil {
			return total, err
		}
		written, err := io.Copy(w, rc)
		rc.Close()
		total += written
		if err != nil {
			return total, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
		}
	}
	return total, nil
}

// DeleteSession removes the entire chunk directory for uploadID,
// succeeding even if it is only partially populated or already gone.
func (s *Store) DeleteSession(uploadID string) error {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	s.locksMu.Lock()
	for k := range s.locks {
		if strings.HasPrefix(k, uploadID+"/") {
			delete(s.locks, k)
		}
	}
	s.locksMu.Unlock()
	return nil
}

// ListSessionDirs returns the upload_id of every directory currently
// present under the store root, sorted, for the Sweeper's orphan walk.
func (s *Store) ListSessionDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && uploadIDPattern.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ModTime returns the last-modified time of a session directory, used by
// the Sweeper to judge orphan age.
func (s *Store) ModTime(uploadID string) (mtime int64, err error) {
	dir, err := s.sessionDir(uploadID)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return info.ModTime().Unix(), nil
}

// redact returns path with the store root replaced by a marker, so logs
// never reveal the absolute on-disk layout.
func redact(path, root string) string {
	if strings.HasPrefix(path, root) {
		return "<chunkstore>" + strings.TrimPrefix(path, root)
	}
	return "<chunkstore>/***"
}
