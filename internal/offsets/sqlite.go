package offsets

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// SQLiteStore keeps offsets in a single SQLite database. Agents that
// tail many feeds on one host share the database; WAL mode keeps
// concurrent saves from blocking loads.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the offset database at path.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create offset database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", path, 5000)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open offset database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping offset database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "offset-store").Logger(),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS offsets (
			name       TEXT PRIMARY KEY,
			offset     INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create offsets table: %w", err)
	}
	return nil
}

// Load returns the saved offset for name, or zero when the row is
// missing or the database cannot be read.
func (s *SQLiteStore) Load(name string) int64 {
	var offset int64
	err := s.withRetry(func() error {
		return s.db.QueryRow(`SELECT offset FROM offsets WHERE name = ?`, name).Scan(&offset)
	})
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn().Err(err).Str("file", name).Msg("Cannot read offset row, starting from zero")
		}
		return 0
	}
	if offset < 0 {
		s.logger.Warn().Int64("offset", offset).Str("file", name).Msg("Negative offset in database, starting from zero")
		return 0
	}
	return offset
}

// Save upserts the offset for name.
func (s *SQLiteStore) Save(name string, offset int64) error {
	err := s.withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO offsets (name, offset, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				offset = excluded.offset,
				updated_at = excluded.updated_at;
		`,
			name,
			offset,
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return &PersistenceError{Name: name, Err: err}
	}

	s.logger.Debug().
		Str("file", name).
		Int64("offset", offset).
		Msg("Saved offset")

	return nil
}

// List returns every recorded offset.
func (s *SQLiteStore) List() (map[string]int64, error) {
	result := make(map[string]int64)
	err := s.withRetry(func() error {
		rows, err := s.db.Query(`SELECT name, offset FROM offsets`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			var offset int64
			if err := rows.Scan(&name, &offset); err != nil {
				return err
			}
			result[name] = offset
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list offsets: %w", err)
	}
	return result, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withRetry retries fn while the database reports busy or locked.
// Anything else fails immediately.
func (s *SQLiteStore) withRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 15 * time.Second

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isDatabaseLocked(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, nextWait time.Duration) {
		s.logger.Warn().
			Err(err).
			Dur("backoff", nextWait).
			Msg("Offset database busy, will retry")
	})
}
