package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/metadata"
)

// DBTX is the minimal query interface the reader needs.
type DBTX interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Snapshot is one recorded state, as returned by queries. Minimal
// snapshots carry only the state value and its change time; their
// Attributes field is nil and LastUpdated is zero.
type Snapshot struct {
	EntityID    string
	State       string
	Attributes  json.RawMessage
	LastChanged time.Time
	LastUpdated time.Time
}

// Options tune a significant-states query.
type Options struct {
	// MinimalResponse reduces every snapshot after the first whose
	// state equals its predecessor's to just {state, last_changed},
	// dropping the attribute payload.
	MinimalResponse bool

	// SignificantChangesOnly drops rows where neither the state nor
	// the attributes changed from the previous row.
	SignificantChangesOnly bool

	// IncludeStartTimeState prepends the state in force at the window
	// start, so a chart has a left edge even when nothing changed
	// inside the window.
	IncludeStartTimeState bool
}

// Reader serves read-only history queries straight from storage,
// bypassing the write queue.
type Reader struct {
	db       DBTX
	registry *metadata.Registry
}

// NewReader creates a history reader.
//
// Parameters:
//   - db: Reader handle
//   - registry: Metadata registry for entity id resolution
//
// Returns:
//   - *Reader: Ready-to-use reader
func NewReader(db DBTX, registry *metadata.Registry) *Reader {
	return &Reader{db: db, registry: registry}
}

// stateRow is one raw row plus the attribute identity used for change
// detection.
type stateRow struct {
	snapshot Snapshot
	attrsID  sql.NullInt64
}

// SignificantStates returns each entity's recorded states inside
// [start, end), oldest first, after applying the option policies.
// Unknown entities are omitted from the result.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - entityIDs: Entities to query
//   - start: Window start, inclusive
//   - end: Window end, exclusive
//   - opts: Reduction policies
//
// Returns:
//   - map[string][]Snapshot: Snapshots per entity id
//   - error: If a query fails
func (r *Reader) SignificantStates(ctx context.Context, entityIDs []string, start, end time.Time, opts Options) (map[string][]Snapshot, error) {
	result := make(map[string][]Snapshot, len(entityIDs))

	for _, entityID := range entityIDs {
		metadataID, ok, err := r.registry.EntityID(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		var rows []stateRow
		if opts.IncludeStartTimeState {
			first, found, err := r.stateAt(ctx, metadataID, entityID, start)
			if err != nil {
				return nil, err
			}
			if found {
				rows = append(rows, first)
			}
		}

		inWindow, err := r.statesInRange(ctx, metadataID, entityID, start, end)
		if err != nil {
			return nil, err
		}
		rows = append(rows, inWindow...)

		if opts.SignificantChangesOnly {
			rows = dropInsignificant(rows)
		}

		snapshots := make([]Snapshot, 0, len(rows))
		for i, row := range rows {
			snap := row.snapshot
			if opts.MinimalResponse && i > 0 && snap.State == rows[i-1].snapshot.State {
				snap = Snapshot{
					EntityID:    snap.EntityID,
					State:       snap.State,
					LastChanged: snap.LastChanged,
				}
			}
			snapshots = append(snapshots, snap)
		}
		result[entityID] = snapshots
	}

	return result, nil
}

// stateAt returns the state in force at the given instant: the newest
// row updated before it, re-timestamped to the instant.
func (r *Reader) stateAt(ctx context.Context, metadataID int64, entityID string, at time.Time) (stateRow, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT s.state, sa.shared_attrs, s.attributes_id, s.last_changed_ts, s.last_updated_ts
		FROM states s
		LEFT JOIN state_attributes sa ON sa.attributes_id = s.attributes_id
		WHERE s.metadata_id = ? AND s.last_updated_ts < ?
		ORDER BY s.last_updated_ts DESC LIMIT 1`,
		metadataID, database.ToTS(at))

	sr, err := scanStateRow(row.Scan, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return stateRow{}, false, nil
	}
	if err != nil {
		return stateRow{}, false, fmt.Errorf("reading state at window start: %w", err)
	}

	// Clamp to the window edge so callers see it as the opening point.
	sr.snapshot.LastChanged = at
	sr.snapshot.LastUpdated = at
	return sr, true, nil
}

func (r *Reader) statesInRange(ctx context.Context, metadataID int64, entityID string, start, end time.Time) ([]stateRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.state, sa.shared_attrs, s.attributes_id, s.last_changed_ts, s.last_updated_ts
		FROM states s
		LEFT JOIN state_attributes sa ON sa.attributes_id = s.attributes_id
		WHERE s.metadata_id = ? AND s.last_updated_ts >= ? AND s.last_updated_ts < ?
		ORDER BY s.last_updated_ts`,
		metadataID, database.ToTS(start), database.ToTS(end))
	if err != nil {
		return nil, fmt.Errorf("reading state range: %w", err)
	}
	defer rows.Close()

	var out []stateRow
	for rows.Next() {
		sr, err := scanStateRow(rows.Scan, entityID)
		if err != nil {
			return nil, fmt.Errorf("scanning state row: %w", err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state rows: %w", err)
	}
	return out, nil
}

func scanStateRow(scan func(dest ...any) error, entityID string) (stateRow, error) {
	var state, attrs sql.NullString
	var attrsID sql.NullInt64
	var changedTS sql.NullFloat64
	var updatedTS float64

	if err := scan(&state, &attrs, &attrsID, &changedTS, &updatedTS); err != nil {
		return stateRow{}, err
	}

	snap := Snapshot{
		EntityID:    entityID,
		State:       state.String,
		LastUpdated: database.FromTS(updatedTS),
	}
	if attrs.Valid {
		snap.Attributes = json.RawMessage(attrs.String)
	}
	if changedTS.Valid {
		snap.LastChanged = database.FromTS(changedTS.Float64)
	} else {
		snap.LastChanged = snap.LastUpdated
	}
	return stateRow{snapshot: snap, attrsID: attrsID}, nil
}

// dropInsignificant removes rows identical to their predecessor in both
// state and attribute identity. The first row always survives.
func dropInsignificant(rows []stateRow) []stateRow {
	if len(rows) < 2 {
		return rows
	}
	out := rows[:1]
	for _, row := range rows[1:] {
		prev := out[len(out)-1]
		if row.snapshot.State == prev.snapshot.State && row.attrsID == prev.attrsID {
			continue
		}
		out = append(out, row)
	}
	return out
}
