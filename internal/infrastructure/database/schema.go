package database

import (
	"context"
	"fmt"
	"strings"
)

// Dialect identifies the storage engine flavour.
type Dialect string

// Supported dialects. Only SQLite is implemented natively; the validation
// entry points are dialect-aware so other engines can be added without
// touching callers.
const (
	DialectSQLite     Dialect = "sqlite"
	DialectMySQL      Dialect = "mysql"
	DialectPostgreSQL Dialect = "postgresql"
)

// SchemaError describes a single schema defect found by ValidateSchema.
type SchemaError struct {
	// Table is the affected table name.
	Table string

	// Column is the affected column, or empty for table-level defects.
	Column string

	// Issue is a short description, e.g. "insufficient timestamp precision".
	Issue string
}

// String returns a human-readable form of the defect.
func (e SchemaError) String() string {
	if e.Column == "" {
		return fmt.Sprintf("%s: %s", e.Table, e.Issue)
	}
	return fmt.Sprintf("%s.%s: %s", e.Table, e.Column, e.Issue)
}

// columnSpec is the expected declaration of one column.
type columnSpec struct {
	name     string
	declType string
	notNull  bool
}

// expectedSchema is the canonical column layout per table, matching the
// latest migration. ValidateSchema compares the live database against it.
var expectedSchema = map[string][]columnSpec{
	"states_meta": {
		{name: "metadata_id", declType: "INTEGER"},
		{name: "entity_id", declType: "TEXT", notNull: true},
	},
	"state_attributes": {
		{name: "attributes_id", declType: "INTEGER"},
		{name: "hash", declType: "INTEGER", notNull: true},
		{name: "shared_attrs", declType: "TEXT", notNull: true},
	},
	"states": {
		{name: "state_id", declType: "INTEGER"},
		{name: "metadata_id", declType: "INTEGER", notNull: true},
		{name: "state", declType: "TEXT"},
		{name: "attributes_id", declType: "INTEGER"},
		{name: "last_changed_ts", declType: "REAL"},
		{name: "last_updated_ts", declType: "REAL", notNull: true},
		{name: "event_id", declType: "INTEGER"},
	},
	"recorder_runs": {
		{name: "run_id", declType: "INTEGER"},
		{name: "run_uuid", declType: "TEXT", notNull: true},
		{name: "start_ts", declType: "REAL", notNull: true},
		{name: "end_ts", declType: "REAL"},
		{name: "created_ts", declType: "REAL", notNull: true},
		{name: "closed_incorrect", declType: "INTEGER", notNull: true},
	},
	"statistics_meta": {
		{name: "id", declType: "INTEGER"},
		{name: "statistic_id", declType: "TEXT", notNull: true},
		{name: "source", declType: "TEXT", notNull: true},
		{name: "unit_of_measurement", declType: "TEXT"},
		{name: "has_mean", declType: "INTEGER", notNull: true},
		{name: "has_sum", declType: "INTEGER", notNull: true},
		{name: "name", declType: "TEXT"},
	},
	"statistics": {
		{name: "id", declType: "INTEGER"},
		{name: "metadata_id", declType: "INTEGER", notNull: true},
		{name: "start_ts", declType: "REAL", notNull: true},
		{name: "created_ts", declType: "REAL", notNull: true},
		{name: "mean", declType: "REAL"},
		{name: "min", declType: "REAL"},
		{name: "max", declType: "REAL"},
		{name: "state", declType: "REAL"},
		{name: "sum", declType: "REAL"},
		{name: "last_reset_ts", declType: "REAL"},
	},
	"statistics_short_term": {
		{name: "id", declType: "INTEGER"},
		{name: "metadata_id", declType: "INTEGER", notNull: true},
		{name: "start_ts", declType: "REAL", notNull: true},
		{name: "created_ts", declType: "REAL", notNull: true},
		{name: "mean", declType: "REAL"},
		{name: "min", declType: "REAL"},
		{name: "max", declType: "REAL"},
		{name: "state", declType: "REAL"},
		{name: "sum", declType: "REAL"},
		{name: "last_reset_ts", declType: "REAL"},
	},
}

// rebuildDDL holds the canonical CREATE TABLE statement per table, used by
// CorrectSchema when a column must be rewritten. SQLite cannot alter a
// column type in place, so repairs rebuild the table and copy rows across.
var rebuildDDL = map[string]string{
	"states_meta": `CREATE TABLE states_meta (
		metadata_id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL UNIQUE
	)`,
	"state_attributes": `CREATE TABLE state_attributes (
		attributes_id INTEGER PRIMARY KEY AUTOINCREMENT,
		hash INTEGER NOT NULL,
		shared_attrs TEXT NOT NULL
	)`,
	"states": `CREATE TABLE states (
		state_id INTEGER PRIMARY KEY AUTOINCREMENT,
		metadata_id INTEGER NOT NULL REFERENCES states_meta (metadata_id),
		state TEXT,
		attributes_id INTEGER REFERENCES state_attributes (attributes_id),
		last_changed_ts REAL,
		last_updated_ts REAL NOT NULL,
		event_id INTEGER
	)`,
	"recorder_runs": `CREATE TABLE recorder_runs (
		run_id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_uuid TEXT NOT NULL,
		start_ts REAL NOT NULL,
		end_ts REAL,
		created_ts REAL NOT NULL,
		closed_incorrect INTEGER NOT NULL DEFAULT 0
	)`,
	"statistics_meta": `CREATE TABLE statistics_meta (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		statistic_id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		unit_of_measurement TEXT,
		has_mean INTEGER NOT NULL DEFAULT 0,
		has_sum INTEGER NOT NULL DEFAULT 0,
		name TEXT
	)`,
	"statistics": `CREATE TABLE statistics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metadata_id INTEGER NOT NULL REFERENCES statistics_meta (id),
		start_ts REAL NOT NULL,
		created_ts REAL NOT NULL,
		mean REAL,
		min REAL,
		max REAL,
		state REAL,
		sum REAL,
		last_reset_ts REAL
	)`,
	"statistics_short_term": `CREATE TABLE statistics_short_term (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metadata_id INTEGER NOT NULL REFERENCES statistics_meta (id),
		start_ts REAL NOT NULL,
		created_ts REAL NOT NULL,
		mean REAL,
		min REAL,
		max REAL,
		state REAL,
		sum REAL,
		last_reset_ts REAL
	)`,
}

// rebuildIndexes are re-created after a table rebuild.
var rebuildIndexes = map[string][]string{
	"state_attributes": {
		"CREATE INDEX IF NOT EXISTS idx_state_attributes_hash ON state_attributes (hash)",
	},
	"states": {
		"CREATE INDEX IF NOT EXISTS idx_states_metadata_updated ON states (metadata_id, last_updated_ts)",
		"CREATE INDEX IF NOT EXISTS idx_states_last_updated ON states (last_updated_ts)",
	},
	"statistics": {
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_statistics_statistic_start ON statistics (metadata_id, start_ts)",
	},
	"statistics_short_term": {
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_statistics_short_term_statistic_start ON statistics_short_term (metadata_id, start_ts)",
	},
}

// ValidateSchema inspects live column declarations against the expected
// schema and returns the set of named defects. An empty result means the
// schema matches.
//
// Timestamp columns must be REAL: an INTEGER or TEXT declaration loses
// sub-second precision and is reported as "insufficient timestamp
// precision". Other mismatches are reported as "wrong type".
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - []SchemaError: Detected defects (empty when schema is correct)
//   - error: If inspection itself fails
func (db *DB) ValidateSchema(ctx context.Context) ([]SchemaError, error) {
	if db.Dialect() != DialectSQLite {
		return nil, fmt.Errorf("schema validation: unsupported dialect %q", db.Dialect())
	}

	var defects []SchemaError
	for table, columns := range expectedSchema {
		live, err := db.tableInfo(ctx, table)
		if err != nil {
			return nil, err
		}
		if live == nil {
			defects = append(defects, SchemaError{Table: table, Issue: "table missing"})
			continue
		}
		for _, want := range columns {
			got, ok := live[want.name]
			if !ok {
				defects = append(defects, SchemaError{Table: table, Column: want.name, Issue: "column missing"})
				continue
			}
			if !strings.EqualFold(got.declType, want.declType) {
				issue := "wrong type"
				if want.declType == "REAL" && strings.HasSuffix(want.name, "_ts") {
					issue = "insufficient timestamp precision"
				}
				defects = append(defects, SchemaError{Table: table, Column: want.name, Issue: issue})
			}
		}
	}
	return defects, nil
}

// CorrectSchema rewrites the offending tables to match the expected schema.
//
// Repairs are best-effort: a failed rebuild is logged via the returned
// error list but never aborts the caller, matching the policy that the
// engine continues with degraded precision rather than refusing to start.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - defects: Defects returned by ValidateSchema
//
// Returns:
//   - []error: One entry per table whose repair failed (empty on full success)
func (db *DB) CorrectSchema(ctx context.Context, defects []SchemaError) []error {
	// Group defects by table; SQLite repairs rebuild whole tables.
	tables := make(map[string]bool)
	for _, d := range defects {
		tables[d.Table] = true
	}

	var failures []error
	for table := range tables {
		if err := db.rebuildTable(ctx, table); err != nil {
			failures = append(failures, fmt.Errorf("repairing %s: %w", table, err))
		}
	}
	return failures
}

// Dialect returns the storage engine dialect of this connection.
func (db *DB) Dialect() Dialect {
	return DialectSQLite
}

// liveColumn is one column as reported by PRAGMA table_info.
type liveColumn struct {
	declType string
	notNull  bool
}

// tableInfo returns the live column declarations for a table, or nil if
// the table does not exist.
func (db *DB) tableInfo(ctx context.Context, table string) (map[string]liveColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("reading table info for %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]liveColumn)
	for rows.Next() {
		var (
			cid      int
			name     string
			declType string
			notNull  int
			dflt     any
			pk       int
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning table info for %s: %w", table, err)
		}
		columns[name] = liveColumn{declType: declType, notNull: notNull == 1}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating table info for %s: %w", table, err)
	}

	if len(columns) == 0 {
		return nil, nil // Table does not exist
	}
	return columns, nil
}

// rebuildTable recreates a table with the canonical DDL and copies all
// rows across, converting column values through SQLite's type affinity.
func (db *DB) rebuildTable(ctx context.Context, table string) error {
	ddl, ok := rebuildDDL[table]
	if !ok {
		return fmt.Errorf("no canonical DDL for table %s", table)
	}

	live, err := db.tableInfo(ctx, table)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if live == nil {
		// Table missing entirely: just create it.
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("creating table: %w", err)
		}
	} else {
		// Copy only the columns both versions share.
		var shared []string
		for _, want := range expectedSchema[table] {
			if _, ok := live[want.name]; ok {
				shared = append(shared, want.name)
			}
		}
		cols := strings.Join(shared, ", ")

		tmpDDL := strings.Replace(ddl, "CREATE TABLE "+table, "CREATE TABLE "+table+"_new", 1)
		if _, err := tx.ExecContext(ctx, tmpDDL); err != nil {
			return fmt.Errorf("creating replacement table: %w", err)
		}
		copyStmt := fmt.Sprintf("INSERT INTO %s_new (%s) SELECT %s FROM %s", table, cols, cols, table)
		if _, err := tx.ExecContext(ctx, copyStmt); err != nil {
			return fmt.Errorf("copying rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+table); err != nil {
			return fmt.Errorf("dropping old table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s_new RENAME TO %s", table, table)); err != nil {
			return fmt.Errorf("renaming replacement table: %w", err)
		}
	}

	for _, idx := range rebuildIndexes[table] {
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("recreating index: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing repair: %w", err)
	}
	return nil
}
