// Package statistics compiles raw state history into rollup series and
// serves statistics queries.
//
// # Granularities
//
// Raw states are compiled into 5-minute short-term points (mean, min,
// max, closing state, running sum). Completed hours are then reduced
// into long-term hourly points, which are the durable record: raw
// states are purged after the retention window, hourly statistics are
// kept indefinitely. Coarser buckets (day, week, month, year) are
// computed at query time from hourly rows using calendar boundaries;
// weeks start on Monday.
//
// # Running sums
//
// Series whose state class is total or total_increasing accumulate a
// running sum of deltas between consecutive readings. A reading lower
// than its predecessor is treated as a meter reset: it starts a new
// cycle, contributes its own value, and stamps last_reset. AdjustSum
// shifts the sum of one period and all later periods to correct a
// series after the fact without rewriting raw history.
//
// # External series
//
// Pre-aggregated feeds import hourly points directly under a
// colon-namespaced id ("tariff:energy_import"). Imports are upserts
// keyed by (series, period start): re-importing a period overwrites it.
// Metadata is validated on every import; a changed unit or capability
// is a hard error.
//
// # Concurrency
//
// Write methods take the recorder writer's open transaction and run on
// the writer goroutine only. Read methods use the store's reader handle
// and are safe from any goroutine.
package statistics
