// Package database provides SQLite database connectivity for Chronicle.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations recorded as integer versions in schema_changes
//   - Schema drift detection and best-effort repair
//   - A dedicated writer connection alongside a small reader pool
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Performance Characteristics:
//   - WAL mode allows concurrent reads during writes
//   - Busy timeout prevents lock contention errors
//   - Timestamps are stored as REAL epoch seconds to keep rows narrow
//
// Usage:
//
//	db, err := database.Open(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Run migrations before anything else touches the store
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migrations are additive-only to support safe rollbacks:
//   - New columns must be NULLABLE or have DEFAULT values
//   - Each migration file has both .up.sql and .down.sql
//   - A failed migration aborts startup; no partial schema is run against
package database
