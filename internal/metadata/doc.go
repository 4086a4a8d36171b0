// Package metadata interns long string identifiers to small integer keys.
//
// Both the states and statistics tables reference their subject through
// an interned metadata id rather than repeating the identifier on every
// row. This package owns that mapping for entities (states_meta) and
// statistic series (statistics_meta).
//
// # Concurrency
//
// Creation is append-only and happens exclusively on the recorder's
// writer goroutine, inside the writer's open transaction. Lookups read
// an immutable snapshot map that the writer republishes after each
// change, so the read path is lock-free. A stale snapshot costs one
// extra database round trip on a miss and nothing else.
//
// # Conflicts
//
// Statistic metadata is validated on re-registration: a changed unit or
// changed mean/sum capability is rejected with ErrMetadataMismatch so
// that an importer cannot silently corrupt an existing series.
package metadata
