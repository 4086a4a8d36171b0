package recorder

import (
	"fmt"
	"time"
)

// DefaultLockTimeout bounds how long Lock waits for the writer to
// quiesce before failing closed.
const DefaultLockTimeout = 30 * time.Second

// LockDatabase quiesces the writer so an external file-level snapshot
// of the database is safe: pending writes are flushed, the WAL is
// checkpointed, and the writer blocks until UnlockDatabase.
//
// The acquisition fails closed: if the writer does not quiesce within
// the timeout the lock is NOT held and the writer resumes normally.
// A second concurrent lock request queues behind the held lock and
// times out rather than deadlocking.
//
// Parameters:
//   - timeout: How long to wait for the writer; <= 0 means fail
//     immediately unless the writer is already idle
//
// Returns:
//   - error: ErrNotRunning, ErrShuttingDown, ErrLockTimeout, or a
//     queue failure
func (e *Engine) LockDatabase(timeout time.Duration) error {
	held := make(chan error, 1)
	release := make(chan struct{})

	if err := e.submit(databaseLockTask{held: held, release: release}); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-held:
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.status != StatusRunning {
			// Stop won the race between quiesce and registration; the
			// writer unparks through its canceled context.
			e.mu.Unlock()
			close(release)
			return ErrShuttingDown
		}
		e.lockRelease = release
		e.mu.Unlock()
		e.log.Info("database locked for backup")
		return nil
	case <-timer.C:
		// The queued task sees the closed release channel and resumes
		// the writer whenever it surfaces; nothing stays half-locked.
		close(release)
		return fmt.Errorf("%w: after %s", ErrLockTimeout, timeout)
	}
}

// UnlockDatabase releases a lock acquired by LockDatabase and resumes
// the writer. Calling it without a held lock is a caller error.
//
// Returns:
//   - error: ErrNotLocked when no lock is held
func (e *Engine) UnlockDatabase() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lockRelease == nil {
		return ErrNotLocked
	}
	close(e.lockRelease)
	e.lockRelease = nil
	e.log.Info("database unlocked")
	return nil
}
