// Package purge enforces the retention window on raw state history.
//
// Old state rows, the attribute rows they orphan, and long-closed
// recorder runs are deleted once they fall outside the configured
// window. Statistics tables are deliberately exempt: rollups are the
// compact durable record that outlives the raw stream.
//
// Deletes run in bounded batches so the recorder's writer, which hosts
// the purge between its own transactions, is never stalled for an
// unbounded stretch. Cancellation is honoured between batches.
package purge
