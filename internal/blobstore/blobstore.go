// Package blobstore is the filesystem-backed permanent store for
// assembled ciphertext blobs, sharded two levels deep by clip_id prefix.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/qopyerr"
)

var clipIDPattern = regexp.MustCompile(`^[A-Z0-9]{4,10}$`)

// Store is a rooted, sharded filesystem area holding one file per clip.
type Store struct {
	root string
}

// New creates a Store rooted at root, creating the directory if absent.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: resolve root: %w", err)
	}
	return &Store{root: filepath.Clean(abs)}, nil
}

// pathFor returns the canonicalized, root-verified path for clipID under
// its two-character shard prefix.
func (s *Store) pathFor(clipID string) (string, error) {
	if !clipIDPattern.MatchString(clipID) {
		return "", qopyerr.New(qopyerr.KindInternal, "PATH_ESCAPE").WithHint("invalid clip identifier")
	}
	shard := clipID[:2]
	full := filepath.Join(s.root, shard, clipID)
	clean := filepath.Clean(full)
	if !strings.HasPrefix(clean, s.root+string(os.PathSeparator)) {
		log.Error().Str("path", redact(clean, s.root)).Msg("blobstore: path escape detected")
		return "", qopyerr.New(qopyerr.KindInternal, "PATH_ESCAPE")
	}
	return clean, nil
}

// Put streams r into the blob for clipID atomically: write to a temp
// file, fsync, then rename into place.
func (s *Store) Put(clipID string, r io.Reader) (path string, size int64, err error) {
	full, err := s.pathFor(clipID)
	if err != nil {
		return "", 0, err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	tmp := full + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}

	size, err = io.Copy(f, r)
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
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", 0, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	if dirF, err := os.Open(dir); err == nil {
		_ = dirF.Sync()
		_ = dirF.Close()
	}

	return full, size, nil
}

// Open opens the blob for clipID for streaming read. Callers must close it.
func (s *Store) Open(clipID string) (io.ReadCloser, error) {
	full, err := s.pathFor(clipID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, qopyerr.New(qopyerr.KindNotFound, "NOT_FOUND")
		}
		return nil, qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return f, nil
}

// Delete unlinks the blob for clipID, ignoring a not-exists error.
func (s *Store) Delete(clipID string) error {
	full, err := s.pathFor(clipID)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return nil
}

// Exists reports whether a blob is present for clipID.
func (s *Store) Exists(clipID string) bool {
	full, err := s.pathFor(clipID)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// WalkOrphanCandidates invokes fn for every blob file under the store
// root along with its clip_id, so the Sweeper can reconcile orphans
// against MetadataStore.
func (s *Store) WalkOrphanCandidates(fn func(clipID string, modUnix int64) error) error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.root, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || strings.HasSuffix(f.Name(), ".tmp") {
				continue
			}
			if !clipIDPattern.MatchString(f.Name()) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if err := fn(f.Name(), info.ModTime().Unix()); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckWritable verifies the store root accepts a write, for use by the
// health endpoint.
func (s *Store) CheckWritable() error {
	probe := filepath.Join(s.root, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return qopyerr.Wrap(qopyerr.KindInternal, "INTERNAL", err)
	}
	return os.Remove(probe)
}

func redact(path, root string) string {
	if strings.HasPrefix(path, root) {
		return "<blobstore>" + strings.TrimPrefix(path, root)
	}
	return "<blobstore>/***"
}
