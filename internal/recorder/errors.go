package recorder

import (
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors for the recorder engine.
var (
	// ErrAlreadyStarted is returned when Start is called on a running
	// engine.
	ErrAlreadyStarted = errors.New("recorder: engine already started")

	// ErrNotRunning is returned when a task is submitted while the
	// engine is not accepting work.
	ErrNotRunning = errors.New("recorder: engine not running")

	// ErrConnectionFailed is returned when the storage connection could
	// not be established within the bounded retry budget. The engine is
	// left in the failed state; the host keeps running without
	// recording.
	ErrConnectionFailed = errors.New("recorder: storage connection failed")

	// ErrShuttingDown is returned for work submitted after shutdown
	// began.
	ErrShuttingDown = errors.New("recorder: engine shutting down")

	// ErrLockTimeout is returned when the backup lock could not be
	// acquired before the caller's deadline. The writer resumes
	// normally; the lock is not held.
	ErrLockTimeout = errors.New("recorder: database lock timed out")

	// ErrNotLocked is returned by Unlock without a preceding successful
	// Lock. This is a caller error, not silently ignored.
	ErrNotLocked = errors.New("recorder: database is not locked")
)

// isStorageError reports whether err originated in the storage layer
// itself, as opposed to a task rejecting its input. Storage errors
// poison the open batch and count against the failure budget;
// validation errors do neither.
func isStorageError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return true
	}
	return errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn)
}
