// Package offsets persists the per-feed resume offset so an agent
// restart re-enters the file exactly after the last fully parsed line.
// Losing an offset is safe (the feed is re-read from zero and consumers
// dedupe on record UUIDs); corrupting one is not, so every write is
// atomic.
package offsets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Store loads and saves resume offsets keyed by feed base name.
type Store interface {
	// Load returns the saved offset for name, or zero when none is
	// recorded or the record cannot be read.
	Load(name string) int64

	// Save durably records the offset for name.
	Save(name string, offset int64) error

	// List returns every recorded offset by name.
	List() (map[string]int64, error)

	Close() error
}

// PersistenceError reports a failed offset save. The tail loop treats
// it as non-fatal: the pass result stands and the save is retried at
// the next cadence point.
type PersistenceError struct {
	Name string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cannot persist offset for %s: %v", e.Name, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

type offsetState struct {
	Offset int64 `json:"offset"`
}

// FileStore keeps one small JSON state file per feed in a single
// directory. Writes go through a temp file and rename so a crash can
// never leave a half-written state behind.
type FileStore struct {
	dir    string
	logger zerolog.Logger
}

// NewFileStore creates a file-backed offset store rooted at dir.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve offsets dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create offsets dir: %w", err)
	}
	return &FileStore{
		dir:    absDir,
		logger: logger.With().Str("component", "offset-store").Logger(),
	}, nil
}

// offsetPath returns the state file for a feed name. Only the base name
// is used, so a feed path can never escape the state directory.
func (s *FileStore) offsetPath(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\x00", ""))
	return filepath.Join(s.dir, base+".offset")
}

// Load returns the saved offset for name. A missing, unreadable, or
// corrupt state file loads as zero: re-reading a feed is recoverable,
// refusing to start is not.
func (s *FileStore) Load(name string) int64 {
	path := s.offsetPath(name)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", name).Msg("Cannot read offset state, starting from zero")
		}
		return 0
	}

	var state offsetState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn().Err(err).Str("file", name).Msg("Corrupt offset state, starting from zero")
		return 0
	}
	if state.Offset < 0 {
		s.logger.Warn().Int64("offset", state.Offset).Str("file", name).Msg("Negative offset in state, starting from zero")
		return 0
	}
	return state.Offset
}

// Save records the offset for name with an atomic write (write to temp,
// then rename).
func (s *FileStore) Save(name string, offset int64) error {
	data, err := json.Marshal(offsetState{Offset: offset})
	if err != nil {
		return &PersistenceError{Name: name, Err: err}
	}

	tmpFile, err := os.CreateTemp(s.dir, ".tapetail-*.tmp")
	if err != nil {
		return &PersistenceError{Name: name, Err: fmt.Errorf("failed to create temp file: %w", err)}
	}
	tmpPath := tmpFile.Name()

	_, writeErr := tmpFile.Write(data)
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Name: name, Err: fmt.Errorf("failed to write temp file: %w", writeErr)}
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Name: name, Err: fmt.Errorf("failed to close temp file: %w", closeErr)}
	}

	if err := os.Rename(tmpPath, s.offsetPath(name)); err != nil {
		os.Remove(tmpPath)
		return &PersistenceError{Name: name, Err: fmt.Errorf("failed to rename temp file: %w", err)}
	}

	s.logger.Debug().
		Str("file", name).
		Int64("offset", offset).
		Msg("Saved offset")

	return nil
}

// List returns every saved offset in the store directory.
func (s *FileStore) List() (map[string]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list offsets dir: %w", err)
	}

	result := make(map[string]int64)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".offset") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".offset")
		result[name] = s.Load(name)
	}
	return result, nil
}

// Close closes the store (no-op for the file backend).
func (s *FileStore) Close() error {
	return nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string {
	return s.dir
}
