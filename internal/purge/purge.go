package purge

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
)

// defaultBatchSize bounds how many state rows one delete statement may
// remove, so a large purge yields between batches instead of stalling
// the writer for its whole duration.
const defaultBatchSize = 4000

// DBTX is the minimal statement interface the purger needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Logger is the minimal logging interface this package needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Result summarises one purge pass.
type Result struct {
	// States is the number of raw state rows deleted.
	States int64

	// Attributes is the number of orphaned attribute rows deleted.
	Attributes int64

	// Runs is the number of closed recorder runs deleted.
	Runs int64
}

// Purger deletes raw state history older than a retention window.
//
// Statistics tables are never touched: rollups are the durable record
// and have no retention here. Deletes run in bounded batches with a
// cancellation check between batches, so a shutdown signal interrupts a
// large purge promptly.
type Purger struct {
	log       Logger
	batchSize int
}

// New creates a purger.
//
// Parameters:
//   - log: Logger, or nil to discard
//
// Returns:
//   - *Purger: Purger with the default batch size
func New(log Logger) *Purger {
	if log == nil {
		log = noopLogger{}
	}
	return &Purger{log: log, batchSize: defaultBatchSize}
}

// Purge deletes state rows whose last_updated is older than keepDays,
// then removes attribute rows no remaining state references and closed
// runs that ended before the cutoff. The current run is never deleted.
//
// Runs on the writer goroutine between its transactions: each batch is
// its own implicit transaction so a cancelled purge leaves a smaller,
// still-consistent dataset.
//
// Parameters:
//   - ctx: Context; checked between batches
//   - db: Writer connection, outside any open transaction
//   - keepDays: Retention window in days
//   - keepRunID: Run id that must survive (the current run)
//   - now: Current time
//
// Returns:
//   - Result: Row counts per table
//   - error: Context cancellation or a failed statement
func (p *Purger) Purge(ctx context.Context, db DBTX, keepDays int, keepRunID int64, now time.Time) (Result, error) {
	cutoff := database.ToTS(now.AddDate(0, 0, -keepDays))
	var res Result

	states, err := p.batchedDelete(ctx, db, `
		DELETE FROM states WHERE state_id IN (
			SELECT state_id FROM states WHERE last_updated_ts < ? LIMIT ?
		)`, cutoff, p.batchSize)
	if err != nil {
		return res, fmt.Errorf("purging states: %w", err)
	}
	res.States = states

	attrs, err := p.batchedDelete(ctx, db, `
		DELETE FROM state_attributes WHERE attributes_id IN (
			SELECT sa.attributes_id FROM state_attributes sa
			LEFT JOIN states s ON s.attributes_id = sa.attributes_id
			WHERE s.state_id IS NULL LIMIT ?
		)`, p.batchSize)
	if err != nil {
		return res, fmt.Errorf("purging orphaned attributes: %w", err)
	}
	res.Attributes = attrs

	runsRes, err := db.ExecContext(ctx, `
		DELETE FROM recorder_runs
		WHERE end_ts IS NOT NULL AND end_ts < ? AND run_id != ?`,
		cutoff, keepRunID)
	if err != nil {
		return res, fmt.Errorf("purging old runs: %w", err)
	}
	if n, err := runsRes.RowsAffected(); err == nil {
		res.Runs = n
	}

	p.log.Info("purge finished",
		"keep_days", keepDays,
		"states", res.States,
		"attributes", res.Attributes,
		"runs", res.Runs)
	return res, nil
}

// batchedDelete repeats a LIMIT-bounded delete until no rows remain.
func (p *Purger) batchedDelete(ctx context.Context, db DBTX, query string, args ...any) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(p.batchSize) {
			return total, nil
		}
		p.log.Debug("purge batch complete", "deleted", n)
	}
}
