package statistics

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/metadata"
)

// Table names for the two granularities.
const (
	tableLongTerm  = "statistics"
	tableShortTerm = "statistics_short_term"
)

// Store owns all statistics reads and writes.
//
// Read methods run on the store's reader handle and are safe to call
// from any goroutine. Write methods take the recorder writer's open
// transaction and must only be called from the writer goroutine, which
// is how upserts and sum adjustments stay ordered with the state
// stream.
type Store struct {
	db       DBTX
	registry *metadata.Registry
	log      Logger
}

// NewStore creates a statistics store.
//
// Parameters:
//   - db: Reader handle for queries
//   - registry: Metadata registry for id resolution
//   - log: Logger, or nil to discard
//
// Returns:
//   - *Store: Ready-to-use store
func NewStore(db DBTX, registry *metadata.Registry, log Logger) *Store {
	if log == nil {
		log = noopLogger{}
	}
	return &Store{db: db, registry: registry, log: log}
}

// upsertPoint inserts or fully overwrites the row keyed by
// (metadata_id, start_ts). Re-imports replace, never merge.
func upsertPoint(ctx context.Context, tx DBTX, table string, metadataID int64, p Point) error {
	query := fmt.Sprintf(`INSERT INTO %s
		(metadata_id, start_ts, created_ts, mean, min, max, state, sum, last_reset_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metadata_id, start_ts) DO UPDATE SET
			created_ts = excluded.created_ts,
			mean = excluded.mean,
			min = excluded.min,
			max = excluded.max,
			state = excluded.state,
			sum = excluded.sum,
			last_reset_ts = excluded.last_reset_ts`, table)

	var lastReset any
	if p.LastReset != nil {
		lastReset = database.ToTS(*p.LastReset)
	}

	_, err := tx.ExecContext(ctx, query,
		metadataID,
		database.ToTS(p.Start),
		database.ToTS(nowFunc()),
		nullFloat(p.Mean), nullFloat(p.Min), nullFloat(p.Max),
		nullFloat(p.State), nullFloat(p.Sum), lastReset)
	if err != nil {
		return fmt.Errorf("upserting %s row: %w", table, err)
	}
	return nil
}

// scanPoints reads (start_ts, mean, min, max, state, sum, last_reset_ts)
// rows into Points.
func scanPoints(rows *sql.Rows) ([]Point, error) {
	var points []Point
	for rows.Next() {
		var startTS float64
		var mean, min, max, state, sum, lastReset sql.NullFloat64
		if err := rows.Scan(&startTS, &mean, &min, &max, &state, &sum, &lastReset); err != nil {
			return nil, fmt.Errorf("scanning statistics row: %w", err)
		}

		p := Point{
			Start: database.FromTS(startTS),
			Mean:  floatPtr(mean),
			Min:   floatPtr(min),
			Max:   floatPtr(max),
			State: floatPtr(state),
			Sum:   floatPtr(sum),
		}
		if lastReset.Valid {
			t := database.FromTS(lastReset.Float64)
			p.LastReset = &t
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating statistics rows: %w", err)
	}
	return points, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func float(v float64) *float64 {
	return &v
}
