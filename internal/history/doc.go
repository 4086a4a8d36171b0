// Package history serves read-only queries over recorded states.
//
// Queries read storage directly through the shared reader pool and
// never pass through the write queue, so a slow reader cannot stall
// ingest. Two payload reductions are offered: minimal responses strip
// attribute payloads from runs of unchanged state values, and
// significant-changes-only drops rows where nothing changed at all.
package history
