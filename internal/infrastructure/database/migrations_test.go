package database_test

import (
	"context"
	"testing"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	_ "github.com/nerrad567/chronicle/migrations"
)

const latestSchemaVersion = 3

func newMemoryDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() {
		//nolint:errcheck
		db.Close()
	})
	return db
}

func TestMigrate_FreshDatabase(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != latestSchemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", version, latestSchemaVersion)
	}

	// All core tables exist.
	for _, table := range []string{
		"states", "states_meta", "state_attributes", "recorder_runs",
		"statistics", "statistics_short_term", "statistics_meta",
	} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("first Migrate() error = %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	// Each version is recorded exactly once.
	var count int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_changes",
	).Scan(&count); err != nil {
		t.Fatalf("counting schema changes: %v", err)
	}
	if count != latestSchemaVersion {
		t.Errorf("schema_changes rows = %d, want %d", count, latestSchemaVersion)
	}
}

func TestMigrate_PreservesDataAcrossVersions(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	// Start at an old schema version, as an upgraded deployment would.
	if err := db.MigrateTo(ctx, 1); err != nil {
		t.Fatalf("MigrateTo(1) error = %v", err)
	}

	if _, err := db.ExecContext(ctx,
		"INSERT INTO states_meta (entity_id) VALUES ('sensor.temp')",
	); err != nil {
		t.Fatalf("seeding states_meta: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO states (metadata_id, state, last_updated_ts) VALUES (1, '21.5', 1700000000.0)",
	); err != nil {
		t.Fatalf("seeding states: %v", err)
	}

	// Upgrade to latest.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != latestSchemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", version, latestSchemaVersion)
	}

	// Seeded data survives the upgrade.
	var state string
	err = db.QueryRowContext(ctx, `
		SELECT s.state FROM states s
		JOIN states_meta m ON m.metadata_id = s.metadata_id
		WHERE m.entity_id = 'sensor.temp'
	`).Scan(&state)
	if err != nil {
		t.Fatalf("reading seeded state: %v", err)
	}
	if state != "21.5" {
		t.Errorf("state = %q, want 21.5", state)
	}

	// Structures added by later migrations exist.
	var hasName bool
	rows, err := db.QueryContext(ctx, "PRAGMA table_info(statistics_meta)")
	if err != nil {
		t.Fatalf("reading statistics_meta columns: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk  int
			colName, declType string
			dflt              any
		)
		if err := rows.Scan(&cid, &colName, &declType, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scanning column info: %v", err)
		}
		if colName == "name" {
			hasName = true
		}
	}
	if !hasName {
		t.Error("statistics_meta.name missing after upgrade")
	}
}

func TestMigrateDown_RollsBackLatest(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != latestSchemaVersion-1 {
		t.Errorf("SchemaVersion() = %d, want %d", version, latestSchemaVersion-1)
	}

	// Re-applying brings it back.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("re-running Migrate() error = %v", err)
	}
	version, _ = db.SchemaVersion(ctx)
	if version != latestSchemaVersion {
		t.Errorf("SchemaVersion() after re-migrate = %d, want %d", version, latestSchemaVersion)
	}
}

func TestValidateSchema_CleanAfterMigrate(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	defects, err := db.ValidateSchema(ctx)
	if err != nil {
		t.Fatalf("ValidateSchema() error = %v", err)
	}
	if len(defects) != 0 {
		t.Errorf("ValidateSchema() found defects on a fresh schema: %v", defects)
	}
}

func TestCorrectSchema_RepairsTimestampDrift(t *testing.T) {
	db := newMemoryDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Simulate drift: a states table whose timestamp columns degraded to
	// INTEGER, as an older or foreign writer would have left them.
	stmts := []string{
		"DROP TABLE states",
		`CREATE TABLE states (
			state_id INTEGER PRIMARY KEY AUTOINCREMENT,
			metadata_id INTEGER NOT NULL REFERENCES states_meta (metadata_id),
			state TEXT,
			attributes_id INTEGER REFERENCES state_attributes (attributes_id),
			last_changed_ts INTEGER,
			last_updated_ts INTEGER NOT NULL,
			event_id INTEGER
		)`,
		"INSERT INTO states_meta (entity_id) VALUES ('sensor.drift')",
		"INSERT INTO states (metadata_id, state, last_updated_ts) VALUES (1, 'on', 1700000000)",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("preparing drifted schema: %v", err)
		}
	}

	defects, err := db.ValidateSchema(ctx)
	if err != nil {
		t.Fatalf("ValidateSchema() error = %v", err)
	}
	if len(defects) == 0 {
		t.Fatal("ValidateSchema() found no defects in drifted schema")
	}

	foundPrecision := false
	for _, d := range defects {
		if d.Table == "states" && d.Issue == "insufficient timestamp precision" {
			foundPrecision = true
		}
	}
	if !foundPrecision {
		t.Errorf("expected timestamp precision defect, got %v", defects)
	}

	if failures := db.CorrectSchema(ctx, defects); len(failures) != 0 {
		t.Fatalf("CorrectSchema() failures = %v", failures)
	}

	// Schema is clean after repair and existing rows survived.
	defects, err = db.ValidateSchema(ctx)
	if err != nil {
		t.Fatalf("ValidateSchema() after repair error = %v", err)
	}
	if len(defects) != 0 {
		t.Errorf("defects remain after repair: %v", defects)
	}

	var ts float64
	if err := db.QueryRowContext(ctx,
		"SELECT last_updated_ts FROM states WHERE state_id = 1",
	).Scan(&ts); err != nil {
		t.Fatalf("reading repaired row: %v", err)
	}
	if ts != 1700000000.0 {
		t.Errorf("last_updated_ts = %v, want 1700000000", ts)
	}
}
