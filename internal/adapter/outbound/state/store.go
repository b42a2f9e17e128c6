package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/paygate-mcp/paygate/internal/domain/group"
	"github.com/paygate-mcp/paygate/internal/domain/key"
)

// Store reads and writes the state.json file. It provides atomic writes
// (write-tmp-then-rename), automatic backups, and file locking (flock for
// cross-process, mutex for in-process).
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewStore creates a Store for the given file path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses the state file. It never fails: a missing file
// yields the default empty state, and a corrupted file is moved aside to
// path+".corrupt" before the default state is returned, so a bad document
// is kept for inspection instead of being overwritten by the next save.
func (s *Store) Load() *AppState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("state file not found, starting empty", "path", s.path)
		} else {
			s.logger.Error("state file unreadable, starting empty", "path", s.path, "error", err)
		}
		return s.DefaultState()
	}

	// Warn when the file is readable by group or other. Skipped on Windows
	// where Unix permission bits are not meaningful.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			mode := info.Mode().Perm()
			if mode&0077 != 0 {
				s.logger.Warn("state file permissions looser than 0600",
					"path", s.path, "mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var state AppState
	if err := json.Unmarshal(data, &state); err != nil {
		s.preserveCorrupt(data)
		s.logger.Error("state file corrupted, starting empty", "path", s.path, "error", err)
		return s.DefaultState()
	}
	if state.Version == "" {
		state.Version = SchemaVersion
	}
	return &state
}

// preserveCorrupt copies an unparseable document to path+".corrupt".
func (s *Store) preserveCorrupt(data []byte) {
	corruptPath := s.path + ".corrupt"
	if err := os.WriteFile(corruptPath, data, 0600); err != nil {
		s.logger.Warn("failed to preserve corrupted state file", "path", corruptPath, "error", err)
		return
	}
	s.logger.Warn("corrupted state file preserved", "path", corruptPath)
}

// Save writes the AppState to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Copy current file to path+".bak" (skipped when no current file)
//  4. Marshal state as indented JSON
//  5. Write to path+".tmp" with 0600 permissions
//  6. Fsync the temp file
//  7. Rename path+".tmp" -> path
//  8. Release flock
//  9. Release mutex
func (s *Store) Save(state *AppState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()

	// Cross-process file lock.
	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	// Backup of the current file (ignored when the file doesn't exist yet).
	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		bakPath := s.path + ".bak"
		if writeErr := os.WriteFile(bakPath, currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	// Re-assert 0600 after the rename as a safety net.
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on state file", "error", err)
	}

	s.logger.Debug("state saved", "path", s.path)
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it over
// the target path. On any error the temp file is cleaned up.
func (s *Store) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}

// DefaultState returns an empty schema-v1 document.
func (s *Store) DefaultState() *AppState {
	now := time.Now().UTC()
	return &AppState{
		Version:   SchemaVersion,
		Keys:      []key.Record{},
		Groups:    []group.Group{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Exists reports whether the state file exists on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *Store) Path() string {
	return s.path
}
