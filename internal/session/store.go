package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ralphtui/ralph/internal/logger"
)

const (
	// DataDirName is the per-working-directory state directory.
	DataDirName = ".ralph-tui"

	sessionFileName = "session.json"
	tempFileName    = "session.json.tmp"
)

// Store persists session snapshots to a single JSON file under the working
// directory. Writes are atomic: a concurrent reader sees either the previous
// snapshot or the new one, never a partial file, and a crash mid-save leaves
// the previous snapshot intact.
type Store struct {
	dir string
}

// NewStore creates a store rooted at <cwd>/.ralph-tui.
func NewStore(cwd string) *Store {
	return &Store{dir: filepath.Join(cwd, DataDirName)}
}

// Path returns the canonical session file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, sessionFileName)
}

// TempPath returns the transient write-buffer path. A leftover temp file is
// safe to ignore; CleanTemp removes it on startup.
func (s *Store) TempPath() string {
	return filepath.Join(s.dir, tempFileName)
}

// HasPersisted reports whether a session snapshot exists on disk.
func (s *Store) HasPersisted() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Load reads and parses the persisted session snapshot.
func (s *Store) Load() (*Session, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &sess, nil
}

// Save atomically writes the session snapshot: write a sibling temp file,
// fsync it, then rename over the target.
func (s *Store) Save(sess *Session) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tmp := s.TempPath()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp, s.Path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename session file: %w", err)
	}

	// Sync the directory so the rename itself survives a crash. Some
	// filesystems refuse to fsync directories; treat that as best-effort.
	if d, err := os.Open(s.dir); err == nil {
		if err := d.Sync(); err != nil {
			logger.Debug("Directory sync failed (ignored): %v", err)
		}
		d.Close()
	}

	logger.Debug("Session %s persisted (iteration %d)", sess.SessionID, sess.CurrentIteration)
	return nil
}

// Delete removes the persisted snapshot. Missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// CleanTemp removes a leftover temp file from a crashed save.
func (s *Store) CleanTemp() {
	if err := os.Remove(s.TempPath()); err == nil {
		logger.Debug("Removed stale session temp file")
	}
}
