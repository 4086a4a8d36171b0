package history

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/metadata"
	_ "github.com/nerrad567/chronicle/migrations"
)

func newTestReader(t *testing.T) (*Reader, *database.DB) {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() {
		//nolint:errcheck
		db.Close()
	})

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	return NewReader(db, metadata.NewRegistry(db)), db
}

// insertState writes one raw state row, reusing the attribute row for
// identical payloads so attribute identity mirrors the real writer.
func insertState(t *testing.T, db *database.DB, entityID, state, attrs string, at time.Time) {
	t.Helper()
	ctx := context.Background()

	var metadataID int64
	err := db.QueryRowContext(ctx,
		"SELECT metadata_id FROM states_meta WHERE entity_id = ?", entityID).Scan(&metadataID)
	if err != nil {
		res, err := db.ExecContext(ctx,
			"INSERT INTO states_meta (entity_id) VALUES (?)", entityID)
		if err != nil {
			t.Fatalf("inserting states_meta: %v", err)
		}
		metadataID, _ = res.LastInsertId()
	}

	var attrsID int64
	err = db.QueryRowContext(ctx,
		"SELECT attributes_id FROM state_attributes WHERE shared_attrs = ?", attrs).Scan(&attrsID)
	if err != nil {
		res, err := db.ExecContext(ctx,
			"INSERT INTO state_attributes (hash, shared_attrs) VALUES (0, ?)", attrs)
		if err != nil {
			t.Fatalf("inserting attributes: %v", err)
		}
		attrsID, _ = res.LastInsertId()
	}

	ts := database.ToTS(at)
	if _, err := db.ExecContext(ctx,
		"INSERT INTO states (metadata_id, state, attributes_id, last_changed_ts, last_updated_ts) VALUES (?, ?, ?, ?, ?)",
		metadataID, state, attrsID, ts, ts); err != nil {
		t.Fatalf("inserting state: %v", err)
	}
}

var base = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func TestSignificantStatesOrdering(t *testing.T) {
	reader, db := newTestReader(t)

	insertState(t, db, "light.porch", "off", `{}`, base.Add(time.Minute))
	insertState(t, db, "light.porch", "on", `{}`, base.Add(2*time.Minute))
	insertState(t, db, "light.porch", "off", `{}`, base.Add(3*time.Minute))

	result, err := reader.SignificantStates(context.Background(),
		[]string{"light.porch"}, base, base.Add(time.Hour), Options{})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}

	states := result["light.porch"]
	if len(states) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(states))
	}
	want := []string{"off", "on", "off"}
	for i, w := range want {
		if states[i].State != w {
			t.Errorf("state[%d] = %q, want %q", i, states[i].State, w)
		}
	}
	if !states[0].LastUpdated.Before(states[1].LastUpdated) {
		t.Error("snapshots not in ascending time order")
	}
}

func TestSignificantStatesWindowBounds(t *testing.T) {
	reader, db := newTestReader(t)

	insertState(t, db, "light.porch", "before", `{}`, base.Add(-time.Minute))
	insertState(t, db, "light.porch", "inside", `{}`, base.Add(time.Minute))
	insertState(t, db, "light.porch", "after", `{}`, base.Add(2*time.Hour))

	result, err := reader.SignificantStates(context.Background(),
		[]string{"light.porch"}, base, base.Add(time.Hour), Options{})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}

	states := result["light.porch"]
	if len(states) != 1 || states[0].State != "inside" {
		t.Fatalf("window bounds ignored: %+v", states)
	}
}

func TestSignificantStatesIncludeStartTimeState(t *testing.T) {
	reader, db := newTestReader(t)

	insertState(t, db, "climate.hall", "heat", `{}`, base.Add(-time.Hour))

	result, err := reader.SignificantStates(context.Background(),
		[]string{"climate.hall"}, base, base.Add(time.Hour),
		Options{IncludeStartTimeState: true})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}

	states := result["climate.hall"]
	if len(states) != 1 {
		t.Fatalf("expected the opening state, got %d snapshots", len(states))
	}
	if states[0].State != "heat" || !states[0].LastChanged.Equal(base) {
		t.Errorf("opening state = %q at %v, want heat at %v",
			states[0].State, states[0].LastChanged, base)
	}
}

func TestSignificantChangesOnly(t *testing.T) {
	reader, db := newTestReader(t)

	insertState(t, db, "sensor.door", "closed", `{"battery":90}`, base.Add(time.Minute))
	// Identical state and attributes: insignificant.
	insertState(t, db, "sensor.door", "closed", `{"battery":90}`, base.Add(2*time.Minute))
	// Attribute-only change: significant.
	insertState(t, db, "sensor.door", "closed", `{"battery":89}`, base.Add(3*time.Minute))
	insertState(t, db, "sensor.door", "open", `{"battery":89}`, base.Add(4*time.Minute))

	result, err := reader.SignificantStates(context.Background(),
		[]string{"sensor.door"}, base, base.Add(time.Hour),
		Options{SignificantChangesOnly: true})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}

	states := result["sensor.door"]
	if len(states) != 3 {
		t.Fatalf("expected 3 snapshots after reduction, got %d", len(states))
	}
}

func TestMinimalResponse(t *testing.T) {
	reader, db := newTestReader(t)

	insertState(t, db, "sensor.door", "closed", `{"battery":90}`, base.Add(time.Minute))
	insertState(t, db, "sensor.door", "closed", `{"battery":89}`, base.Add(2*time.Minute))
	insertState(t, db, "sensor.door", "open", `{"battery":89}`, base.Add(3*time.Minute))

	result, err := reader.SignificantStates(context.Background(),
		[]string{"sensor.door"}, base, base.Add(time.Hour),
		Options{MinimalResponse: true})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}

	states := result["sensor.door"]
	if len(states) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(states))
	}
	if states[0].Attributes == nil {
		t.Error("first snapshot must keep attributes")
	}
	// Second row repeats the state: reduced to minimal form.
	if states[1].Attributes != nil || !states[1].LastUpdated.IsZero() {
		t.Error("repeated-state snapshot was not minimised")
	}
	// Third row changes state: full form again.
	if states[2].Attributes == nil {
		t.Error("state-change snapshot must keep attributes")
	}
}

func TestUnknownEntityOmitted(t *testing.T) {
	reader, _ := newTestReader(t)

	result, err := reader.SignificantStates(context.Background(),
		[]string{"sensor.ghost"}, base, base.Add(time.Hour), Options{})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if _, present := result["sensor.ghost"]; present {
		t.Error("unknown entity should be omitted")
	}
}
