//go:build !cgo

package offsets

import (
	"strings"

	// Register the sqlite3 driver stub so NewSQLiteStore fails at Ping
	// with the driver's own diagnostic rather than "unknown driver".
	_ "github.com/mattn/go-sqlite3"
)

// go-sqlite3 exposes its typed Error API only in cgo builds; without cgo
// the driver is a stub that never returns sqlite3.Error, so only the
// message fallback applies.
func isDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "database table is locked") {
		return true
	}
	return false
}
