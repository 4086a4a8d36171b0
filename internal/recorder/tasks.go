package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/statistics"
)

// task is one unit of work for the writer goroutine. Tasks run
// strictly in enqueue order; errors are isolated per task so one bad
// task never stops the queue from draining.
type task interface {
	name() string
	execute(ctx context.Context, e *Engine) error
}

// stateTask persists one state-change event.
type stateTask struct {
	event Event
}

func (stateTask) name() string { return "state" }

func (t stateTask) execute(ctx context.Context, e *Engine) error {
	ev := t.event
	if !e.filter.Allows(ev.EntityID) {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = nowFunc()
	}

	attrsJSON, attrsHash, err := serializeAttributes(ev.Attributes)
	if err != nil {
		// Data-level failure: log and drop this event, keep draining.
		e.log.Warn("dropping unserializable event",
			"entity_id", ev.EntityID, "error", err)
		return nil
	}

	// Unchanged value with unchanged attributes is noise, not history.
	if recent, ok := e.recent[ev.EntityID]; ok &&
		recent.state == ev.NewState && recent.attrsJSON == attrsJSON {
		return nil
	}

	tx, err := e.ensureTx(ctx)
	if err != nil {
		return err
	}

	metadataID, err := e.registry.GetOrCreateEntityID(ctx, tx, ev.EntityID)
	if err != nil {
		return err
	}

	attrsID, err := getOrCreateAttributes(ctx, tx, attrsHash, attrsJSON)
	if err != nil {
		return err
	}

	lastChanged, err := e.resolveLastChanged(ctx, tx, metadataID, ev)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO states (metadata_id, state, attributes_id, last_changed_ts, last_updated_ts)
		VALUES (?, ?, ?, ?, ?)`,
		metadataID, ev.NewState, attrsID,
		database.ToTS(lastChanged), database.ToTS(ev.Timestamp)); err != nil {
		return fmt.Errorf("inserting state: %w", err)
	}

	e.recent[ev.EntityID] = recentState{
		state:       ev.NewState,
		attrsJSON:   attrsJSON,
		lastChanged: lastChanged,
	}
	e.pending++
	return nil
}

// getOrCreateAttributes deduplicates an attribute payload by content
// hash. The hash index narrows the search; the payload comparison
// resolves collisions.
func getOrCreateAttributes(ctx context.Context, tx *sql.Tx, hash uint32, attrsJSON string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		"SELECT attributes_id FROM state_attributes WHERE hash = ? AND shared_attrs = ?",
		hash, attrsJSON).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("resolving attributes: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO state_attributes (hash, shared_attrs) VALUES (?, ?)",
		hash, attrsJSON)
	if err != nil {
		return 0, fmt.Errorf("inserting attributes: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading attributes id: %w", err)
	}
	return id, nil
}

// commitTask flushes the batch accumulated since the last commit.
type commitTask struct{}

func (commitTask) name() string { return "commit" }

func (commitTask) execute(ctx context.Context, e *Engine) error {
	return e.commit(ctx)
}

// purgeTask runs retention deletion inside the writer's turn so it
// never races a concurrent insert.
type purgeTask struct {
	keepDays int
	repack   bool
	done     chan error
}

func (purgeTask) name() string { return "purge" }

func (t purgeTask) execute(ctx context.Context, e *Engine) error {
	err := e.runPurge(ctx, t.keepDays, t.repack)
	if t.done != nil {
		t.done <- err
	}
	return err
}

// importStatisticsTask upserts statistic points through the writer.
type importStatisticsTask struct {
	meta     statistics.ImportMetadata
	points   []statistics.Point
	external bool
	done     chan error
}

func (importStatisticsTask) name() string { return "import_statistics" }

func (t importStatisticsTask) execute(ctx context.Context, e *Engine) error {
	err := func() error {
		tx, err := e.ensureTx(ctx)
		if err != nil {
			return err
		}
		if t.external {
			return e.stats.AddExternal(ctx, tx, t.meta, t.points)
		}
		return e.stats.Import(ctx, tx, t.meta, t.points)
	}()
	if t.done != nil {
		t.done <- err
	}
	return err
}

// adjustSumTask shifts a running total from a period onward.
type adjustSumTask struct {
	statisticID string
	start       time.Time
	delta       float64
	unit        string
	done        chan error
}

func (adjustSumTask) name() string { return "adjust_sum" }

func (t adjustSumTask) execute(ctx context.Context, e *Engine) error {
	err := func() error {
		tx, err := e.ensureTx(ctx)
		if err != nil {
			return err
		}
		return e.stats.AdjustSum(ctx, tx, t.statisticID, t.start, t.delta, t.unit)
	}()
	if t.done != nil {
		t.done <- err
	}
	return err
}

// changeUnitTask converts a series to a new unit in place.
type changeUnitTask struct {
	statisticID string
	oldUnit     string
	newUnit     string
	done        chan error
}

func (changeUnitTask) name() string { return "change_unit" }

func (t changeUnitTask) execute(ctx context.Context, e *Engine) error {
	err := func() error {
		tx, err := e.ensureTx(ctx)
		if err != nil {
			return err
		}
		return e.stats.ChangeUnit(ctx, tx, t.statisticID, t.oldUnit, t.newUnit)
	}()
	if t.done != nil {
		t.done <- err
	}
	return err
}

// updateUnitLabelTask rewrites a unit label without converting values.
type updateUnitLabelTask struct {
	statisticID string
	unit        string
	done        chan error
}

func (updateUnitLabelTask) name() string { return "update_unit_label" }

func (t updateUnitLabelTask) execute(ctx context.Context, e *Engine) error {
	err := func() error {
		tx, err := e.ensureTx(ctx)
		if err != nil {
			return err
		}
		return e.stats.UpdateUnitLabel(ctx, tx, t.statisticID, t.unit)
	}()
	if t.done != nil {
		t.done <- err
	}
	return err
}

// clearStatisticsTask deletes whole series.
type clearStatisticsTask struct {
	statisticIDs []string
	done         chan error
}

func (clearStatisticsTask) name() string { return "clear_statistics" }

func (t clearStatisticsTask) execute(ctx context.Context, e *Engine) error {
	err := func() error {
		tx, err := e.ensureTx(ctx)
		if err != nil {
			return err
		}
		if err := e.stats.Clear(ctx, tx, t.statisticIDs); err != nil {
			return err
		}
		// The registry snapshot still holds the deleted series until
		// the change commits; rebuild it now so lookups agree.
		if err := e.commit(ctx); err != nil {
			return err
		}
		return e.registry.Refresh(ctx)
	}()
	if t.done != nil {
		t.done <- err
	}
	return err
}

// compileStatisticsTask rolls completed 5-minute windows and, on hour
// boundaries, the completed hour.
type compileStatisticsTask struct {
	now time.Time
}

func (compileStatisticsTask) name() string { return "compile_statistics" }

func (t compileStatisticsTask) execute(ctx context.Context, e *Engine) error {
	tx, err := e.ensureTx(ctx)
	if err != nil {
		return err
	}

	boundary := t.now.UTC().Truncate(statistics.ShortTermPeriod)
	if err := e.stats.CompileShortTerm(ctx, tx, boundary.Add(-statistics.ShortTermPeriod)); err != nil {
		return err
	}

	if boundary.Equal(boundary.Truncate(statistics.LongTermPeriod)) {
		if err := e.stats.RollupHourly(ctx, tx, boundary.Add(-statistics.LongTermPeriod)); err != nil {
			return err
		}
	}
	return e.commit(ctx)
}

// schemaRepairTask applies best-effort drift repair. Individual column
// failures are logged, never fatal.
type schemaRepairTask struct {
	defects []database.SchemaError
	done    chan error
}

func (schemaRepairTask) name() string { return "schema_repair" }

func (t schemaRepairTask) execute(ctx context.Context, e *Engine) error {
	err := func() error {
		// Rebuilding tables must not happen mid-transaction.
		if err := e.commit(ctx); err != nil {
			return err
		}
		for _, repairErr := range e.db.CorrectSchema(ctx, t.defects) {
			e.log.Error("schema repair failed", "error", repairErr)
		}
		return nil
	}()
	if t.done != nil {
		t.done <- err
	}
	return err
}

// databaseLockTask quiesces the writer for an external backup. The
// writer flushes everything, checkpoints the WAL, signals held, then
// blocks until release closes. A caller that timed out closes release
// itself, so the writer resumes immediately and the lock is never
// half-held. Shutdown unparks the writer through e.writerCtx; a lock
// request the writer reaches only after shutdown began is refused
// before parking.
type databaseLockTask struct {
	held    chan error
	release chan struct{}
}

func (databaseLockTask) name() string { return "database_lock" }

func (t databaseLockTask) execute(ctx context.Context, e *Engine) error {
	if err := e.writerCtx.Err(); err != nil {
		t.held <- fmt.Errorf("%w: %w", ErrShuttingDown, err)
		return nil
	}
	if err := e.commit(ctx); err != nil {
		t.held <- err
		return err
	}
	if _, err := e.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		e.log.Warn("checkpoint before backup failed", "error", err)
	}

	t.held <- nil
	select {
	case <-t.release:
	case <-e.writerCtx.Done():
		// The snapshot window ends when shutdown begins.
	}
	return nil
}

// stopTask terminates the writer loop after a final flush.
type stopTask struct{}

func (stopTask) name() string { return "stop" }

func (stopTask) execute(ctx context.Context, e *Engine) error {
	return e.shutdownWriter(ctx)
}
