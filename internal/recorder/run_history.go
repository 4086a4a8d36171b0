package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/metadata"
)

// Run is one recording session, bounded by process start and stop.
type Run struct {
	ID              int64
	UUID            string
	Start           time.Time
	End             *time.Time
	ClosedIncorrect bool
}

// runHistory tracks session boundaries in recorder_runs. Owned by the
// writer goroutine; all mutations happen inside its transactions.
type runHistory struct {
	current Run
}

// start closes any dangling run from an unclean shutdown, then opens a
// fresh run. Called once after migration, before the writer drains.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tx: The writer's open transaction
//   - now: Session start time
//
// Returns:
//   - error: If bookkeeping fails
func (rh *runHistory) start(ctx context.Context, tx metadata.DBTX, now time.Time) error {
	nowTS := database.ToTS(now)

	// A run without an end never shut down cleanly. Close it at the
	// current instant and flag it so queries know the boundary is
	// approximate.
	if _, err := tx.ExecContext(ctx, `
		UPDATE recorder_runs SET end_ts = ?, closed_incorrect = 1
		WHERE end_ts IS NULL`, nowTS); err != nil {
		return fmt.Errorf("closing dangling runs: %w", err)
	}

	runUUID := uuid.NewString()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO recorder_runs (run_uuid, start_ts, created_ts)
		VALUES (?, ?, ?)`, runUUID, nowTS, nowTS)
	if err != nil {
		return fmt.Errorf("opening run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading run id: %w", err)
	}

	rh.current = Run{ID: id, UUID: runUUID, Start: now}
	return nil
}

// close ends the current run cleanly.
func (rh *runHistory) close(ctx context.Context, tx metadata.DBTX, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE recorder_runs SET end_ts = ? WHERE run_id = ?",
		database.ToTS(now), rh.current.ID); err != nil {
		return fmt.Errorf("closing run: %w", err)
	}
	end := now
	rh.current.End = &end
	return nil
}

// runAt returns the run whose [start, end) interval contains the given
// instant. An instant beyond every stored run maps to the current run.
func runAt(ctx context.Context, db metadata.DBTX, at time.Time, current Run) (Run, bool, error) {
	atTS := database.ToTS(at)
	row := db.QueryRowContext(ctx, `
		SELECT run_id, run_uuid, start_ts, end_ts, closed_incorrect
		FROM recorder_runs
		WHERE start_ts <= ? AND (end_ts IS NULL OR end_ts > ?)
		ORDER BY start_ts DESC LIMIT 1`, atTS, atTS)

	var run Run
	var startTS float64
	var endTS sql.NullFloat64
	err := row.Scan(&run.ID, &run.UUID, &startTS, &endTS, &run.ClosedIncorrect)
	if errors.Is(err, sql.ErrNoRows) {
		// No stored run covers the instant; hand back the live run if
		// the instant is not before it started.
		if current.ID != 0 && !at.Before(current.Start) {
			return current, true, nil
		}
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("resolving run: %w", err)
	}

	run.Start = database.FromTS(startTS)
	if endTS.Valid {
		end := database.FromTS(endTS.Float64)
		run.End = &end
	}
	return run, true, nil
}
