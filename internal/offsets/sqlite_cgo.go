//go:build cgo

package offsets

import (
	"errors"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

func isDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	// Fallback: check for error message in case error type is not sqlite3.Error.
	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "database table is locked") {
		return true
	}
	return false
}
