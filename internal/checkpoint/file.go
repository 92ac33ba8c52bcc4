package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrLocked is returned when another process owns the checkpoint.
var ErrLocked = eris.New("checkpoint: locked by another run")

// Store reads and writes one checkpoint file. A sibling .lock file gives a
// run exclusive ownership for its lifetime.
type Store struct {
	path string
	lock *flock.Flock
}

// NewStore returns a store for path.
func NewStore(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Lock takes exclusive ownership of the checkpoint.
func (s *Store) Lock() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return eris.Wrap(err, "checkpoint: create dir")
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return eris.Wrap(err, "checkpoint: acquire lock")
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases ownership.
func (s *Store) Unlock() error {
	return eris.Wrap(s.lock.Unlock(), "checkpoint: release lock")
}

// Load returns the saved checkpoint, or nil when the file is missing or
// unreadable. Corrupt files are logged and treated as absent.
func (s *Store) Load() *Checkpoint {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			zap.L().Warn("checkpoint: unreadable, starting fresh", zap.String("path", s.path), zap.Error(err))
		}
		return nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		zap.L().Warn("checkpoint: corrupt, starting fresh", zap.String("path", s.path), zap.Error(err))
		return nil
	}
	cp.index()
	return &cp
}

// Save writes cp atomically: a crash mid-write leaves the previous file.
func (s *Store) Save(cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	if cp.Version == 0 {
		cp.Version = Version
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: encode")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "checkpoint: create dir")
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrap(err, "checkpoint: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: close temp file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return eris.Wrap(err, "checkpoint: rename temp file")
	}
	return nil
}

// Delete removes the checkpoint. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return eris.Wrap(err, "checkpoint: delete")
	}
	return nil
}
