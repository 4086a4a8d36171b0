// Package recorder is the write engine: a single writer goroutine
// drains an unbounded FIFO of tasks and persists them in batched
// transactions on a dedicated storage connection.
//
// # Task queue
//
// Every mutation flows through the queue: state-change events,
// statistic imports and adjustments, purges, schema repairs and the
// backup lock. The single consumer gives a global ordering guarantee:
// rows land in enqueue order, across entities, with no reordering.
// Errors are isolated per task; one bad task never stops the drain. A
// storage error additionally discards the open batch, so a
// half-applied operation is never committed.
//
// # Lifecycle
//
// Stopped -> Connecting -> Running -> ShuttingDown -> Stopped, with
// Failed reachable from startup (connection retries exhausted) and
// from steady state (the consecutive storage-failure budget spent).
// A failed engine stops accepting work and reports the cause through
// Info until restarted; the host keeps running without recording.
// Migration runs to completion before the writer drains anything; a
// migration failure aborts startup.
//
// # Backup lock
//
// LockDatabase flushes pending writes, checkpoints the WAL and parks
// the writer so an external process can copy the database file. The
// acquisition is timeout-bounded and fails closed. UnlockDatabase
// resumes the writer; unlocking without a held lock is a caller error.
//
// # Reads
//
// The engine owns no read path. Queries go straight to storage through
// the reader pool (see the history and statistics packages) and
// tolerate trailing the write stream by at most one commit interval.
package recorder
