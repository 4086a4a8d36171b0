package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/metadata"
	"github.com/nerrad567/chronicle/internal/purge"
	"github.com/nerrad567/chronicle/internal/statistics"
)

// nowFunc is swapped out in tests.
var nowFunc = time.Now

// Status represents the engine lifecycle state.
type Status string

const (
	StatusStopped      Status = "stopped"
	StatusConnecting   Status = "connecting"
	StatusRunning      Status = "running"
	StatusShuttingDown Status = "shutting_down"
	StatusFailed       Status = "failed"
)

// Connection retry budget during startup. Exhausting it leaves the
// engine failed without crashing the host.
const (
	connectRetryAttempts = 10
	connectRetryDelay    = 3 * time.Second
)

// defaultCommitInterval batches writes between flushes.
const defaultCommitInterval = time.Second

// defaultMaxBacklog is the advisory queue depth above which the engine
// warns about potential data-loss risk. Writes are never dropped.
const defaultMaxBacklog = 30000

// maxStorageFailures is the consecutive storage-error budget. Spending
// it means the disk is not coming back on its own; the engine halts and
// reports failed instead of silently dropping every task.
const maxStorageFailures = 5

// Config holds the engine's tunables.
type Config struct {
	// CommitInterval is how often pending writes are flushed.
	CommitInterval time.Duration

	// MaxBacklog is the advisory backlog warning threshold.
	MaxBacklog int

	// IncludeDomains, IncludeEntities, ExcludeDomains and
	// ExcludeEntities drive the entity filter.
	IncludeDomains  []string
	IncludeEntities []string
	ExcludeDomains  []string
	ExcludeEntities []string

	// OnCommit, when set, is invoked after every flush so dependent
	// components know new data landed. Called from the writer
	// goroutine; must not block.
	OnCommit func()
}

// Logger is the minimal logging interface the engine needs.
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

// recentState is the writer's memory of an entity's newest row, used
// for the unchanged-event skip and last_changed computation without a
// read per event.
type recentState struct {
	state       string
	attrsJSON   string
	lastChanged time.Time
}

// Info is the engine status snapshot.
type Info struct {
	Recording           bool   `json:"recording"`
	MigrationInProgress bool   `json:"migration_in_progress"`
	Backlog             int    `json:"backlog"`
	WriterRunning       bool   `json:"writer_running"`
	Status              Status `json:"status"`
	LastError           string `json:"last_error,omitempty"`
}

// Engine is the recording engine: a single writer goroutine draining an
// unbounded FIFO of tasks, batching commits on a dedicated storage
// connection. All writes flow through the queue; reads go straight to
// storage through the reader pool.
type Engine struct {
	cfg      Config
	db       *database.DB
	registry *metadata.Registry
	stats    *statistics.Store
	purger   *purge.Purger
	filter   *Filter
	log      Logger

	queue *queue

	// writerCtx is canceled by Stop so long-running writer work (purge
	// batches, the backup park) yields promptly. Queued events are not
	// bound by it; they drain during shutdown.
	writerCtx    context.Context
	writerCancel context.CancelFunc

	mu          sync.RWMutex
	status      Status
	lastError   error
	migrating   bool
	lockRelease chan struct{}
	currentRun  Run

	// Writer-goroutine state. Never touched from other goroutines.
	conn            *sql.Conn
	tx              *sql.Tx
	pending         int
	recent          map[string]recentState
	runs            runHistory
	storageFailures int

	backlogWarned atomic.Bool
	commitStop    chan struct{}
	wg            sync.WaitGroup
}

// New creates an engine. Call Start before submitting work.
//
// Parameters:
//   - cfg: Engine tunables; zero values get defaults
//   - db: Opened database handle
//   - registry: Metadata registry shared with the read path
//   - stats: Statistics store
//   - log: Logger, or nil to discard
//
// Returns:
//   - *Engine: Engine in the stopped state
func New(cfg Config, db *database.DB, registry *metadata.Registry, stats *statistics.Store, log Logger) *Engine {
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = defaultCommitInterval
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = defaultMaxBacklog
	}
	if log == nil {
		log = noopLogger{}
	}

	return &Engine{
		cfg:      cfg,
		db:       db,
		registry: registry,
		stats:    stats,
		purger:   purge.New(log),
		filter: NewFilter(cfg.IncludeDomains, cfg.IncludeEntities,
			cfg.ExcludeDomains, cfg.ExcludeEntities),
		log:    log,
		queue:  newQueue(),
		status: StatusStopped,
		recent: make(map[string]recentState),
	}
}

// Start connects to storage, migrates the schema, repairs drift,
// opens a new recording run and launches the writer goroutine.
//
// A migration failure is fatal: nothing will be recorded against a
// partial schema. A connection failure after the retry budget leaves
// the engine failed and returns ErrConnectionFailed; the host should
// keep running without recording.
//
// Parameters:
//   - ctx: Context bounding startup only; the writer outlives it
//
// Returns:
//   - error: ErrAlreadyStarted, ErrConnectionFailed, or a migration
//     failure
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status != StatusStopped && e.status != StatusFailed {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.status = StatusConnecting
	e.lastError = nil
	// A restart after a failure starts from a clean slate: the old
	// queue is closed and its backlog is gone.
	e.queue = newQueue()
	e.mu.Unlock()

	e.storageFailures = 0
	if e.writerCancel != nil {
		e.writerCancel()
	}
	e.writerCtx, e.writerCancel = context.WithCancel(context.Background())

	conn, err := e.connectWithRetry(ctx)
	if err != nil {
		e.fail(err)
		return err
	}
	e.conn = conn

	if err := e.prepareStorage(ctx); err != nil {
		e.rollback()
		//nolint:errcheck
		conn.Close()
		e.conn = nil
		e.fail(err)
		return err
	}

	e.mu.Lock()
	e.status = StatusRunning
	e.commitStop = make(chan struct{})
	e.currentRun = e.runs.current
	commitStop, q := e.commitStop, e.queue
	e.mu.Unlock()

	e.wg.Add(2)
	go e.writerLoop(q)
	go e.commitLoop(commitStop, q)

	e.log.Info("recorder started",
		"run_uuid", e.runs.current.UUID,
		"commit_interval", e.cfg.CommitInterval)
	return nil
}

// connectWithRetry claims the dedicated writer connection, retrying
// transient failures on a fixed delay.
func (e *Engine) connectWithRetry(ctx context.Context) (*sql.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetryAttempts; attempt++ {
		conn, err := e.db.WriterConn(ctx)
		if err == nil {
			if err = conn.PingContext(ctx); err == nil {
				return conn, nil
			}
			//nolint:errcheck
			conn.Close()
		}
		lastErr = err
		e.log.Warn("storage connection failed",
			"attempt", attempt, "max_attempts", connectRetryAttempts, "error", err)

		if attempt < connectRetryAttempts {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
			case <-time.After(connectRetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, lastErr)
}

// prepareStorage migrates, repairs drift, warms the metadata cache,
// opens the recording run and backfills missed rollup windows.
func (e *Engine) prepareStorage(ctx context.Context) error {
	e.mu.Lock()
	e.migrating = true
	e.mu.Unlock()
	err := e.db.Migrate(ctx)
	e.mu.Lock()
	e.migrating = false
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}

	defects, err := e.db.ValidateSchema(ctx)
	if err != nil {
		return err
	}
	if len(defects) > 0 {
		e.log.Warn("schema drift detected", "defects", len(defects))
		for _, repairErr := range e.db.CorrectSchema(ctx, defects) {
			// Best effort: degraded precision beats refusing to start.
			e.log.Error("schema repair failed", "error", repairErr)
		}
	}

	if err := e.registry.Refresh(ctx); err != nil {
		return err
	}

	now := nowFunc()
	tx, err := e.ensureTx(ctx)
	if err != nil {
		return err
	}
	if err := e.runs.start(ctx, tx, now); err != nil {
		return err
	}
	if err := e.stats.CompileMissing(ctx, tx, now); err != nil {
		return err
	}
	return e.commit(ctx)
}

// writerLoop drains the queue until a stop task arrives or persistent
// storage failure halts the engine.
func (e *Engine) writerLoop(q *queue) {
	defer e.wg.Done()

	// Tasks run with an uncancelable context: Stop's contract is to
	// flush everything already accepted. Work that must yield to
	// shutdown watches e.writerCtx instead.
	ctx := context.Background()

	for {
		t, ok := q.pop()
		if !ok {
			return
		}

		if halted := e.runTask(ctx, t); halted {
			return
		}

		if _, isStop := t.(stopTask); isStop {
			return
		}
	}
}

// runTask executes one task with panic and error isolation. A storage
// error discards the open batch so the next commit cannot persist a
// half-applied operation; validation errors leave the batch alone.
// Returns true once the consecutive storage-failure budget is spent
// and the writer must halt.
func (e *Engine) runTask(ctx context.Context, t task) (halted bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("task panicked", "task", t.name(), "panic", r)
			// The transaction may be poisoned; throw it away.
			e.rollback()
		}
	}()

	err := t.execute(ctx, e)
	if err == nil {
		return false
	}
	e.log.Error("task failed", "task", t.name(), "error", err)

	if !isStorageError(err) {
		return false
	}
	e.rollback()

	e.storageFailures++
	if e.storageFailures < maxStorageFailures {
		return false
	}
	e.failStorage(err)
	return true
}

// failStorage halts the writer: the connection is released, the queue
// stops accepting work, and Info reports the failure until a restart.
func (e *Engine) failStorage(err error) {
	if e.conn != nil {
		//nolint:errcheck
		e.conn.Close()
		e.conn = nil
	}
	e.queue.close()

	e.mu.Lock()
	e.status = StatusFailed
	e.lastError = err
	if e.commitStop != nil {
		close(e.commitStop)
		e.commitStop = nil
	}
	e.mu.Unlock()

	e.log.Error("storage persistently failing, recorder halted",
		"consecutive_failures", e.storageFailures, "error", err)
}

// commitLoop pushes a commit task on the configured interval.
func (e *Engine) commitLoop(stop <-chan struct{}, q *queue) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.CommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			//nolint:errcheck
			q.push(commitTask{})
		}
	}
}

// ensureTx returns the writer's open transaction, starting one if none
// is active. Writer goroutine only.
func (e *Engine) ensureTx(ctx context.Context) (*sql.Tx, error) {
	if e.tx != nil {
		return e.tx, nil
	}
	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	e.tx = tx
	return tx, nil
}

// commit flushes the open transaction and emits the commit signal.
func (e *Engine) commit(ctx context.Context) error {
	if e.tx == nil {
		return nil
	}
	if err := e.tx.Commit(); err != nil {
		e.tx = nil
		return fmt.Errorf("committing batch: %w", err)
	}
	e.tx = nil
	e.storageFailures = 0

	if e.pending > 0 {
		e.log.Debug("batch committed", "rows", e.pending)
	}
	e.pending = 0

	if e.cfg.OnCommit != nil {
		e.cfg.OnCommit()
	}
	return nil
}

// rollback discards the open transaction after a poisoned task.
func (e *Engine) rollback() {
	if e.tx == nil {
		return
	}
	//nolint:errcheck
	e.tx.Rollback()
	e.tx = nil
	e.pending = 0
	// The cache may describe rows that were just discarded.
	e.recent = make(map[string]recentState)
}

// resolveLastChanged computes last_changed for a new row: carried
// forward when only attributes changed, advanced when the value did.
func (e *Engine) resolveLastChanged(ctx context.Context, tx *sql.Tx, metadataID int64, ev Event) (time.Time, error) {
	if recent, ok := e.recent[ev.EntityID]; ok {
		if recent.state == ev.NewState {
			return recent.lastChanged, nil
		}
		return ev.Timestamp, nil
	}

	// Cold cache (fresh start): consult the newest stored row.
	var prevState sql.NullString
	var changedTS sql.NullFloat64
	err := tx.QueryRowContext(ctx, `
		SELECT state, last_changed_ts FROM states
		WHERE metadata_id = ? ORDER BY last_updated_ts DESC LIMIT 1`,
		metadataID).Scan(&prevState, &changedTS)
	if err == nil && prevState.Valid && prevState.String == ev.NewState && changedTS.Valid {
		return database.FromTS(changedTS.Float64), nil
	}
	return ev.Timestamp, nil
}

// runPurge flushes the batch, then deletes outside any transaction so
// each purge batch commits on its own.
func (e *Engine) runPurge(ctx context.Context, keepDays int, repack bool) error {
	if err := e.commit(ctx); err != nil {
		return err
	}

	// Long deletes yield to shutdown between batches; queued events
	// keep draining regardless.
	pctx := e.writerCtx
	if _, err := e.purger.Purge(pctx, e.conn, keepDays, e.runs.current.ID, nowFunc()); err != nil {
		return err
	}

	if repack {
		// VACUUM rewrites the whole file; explicitly opt-in.
		if err := e.db.Vacuum(pctx); err != nil {
			return fmt.Errorf("repacking after purge: %w", err)
		}
	}
	return nil
}

// shutdownWriter flushes, closes the run and releases the connection.
func (e *Engine) shutdownWriter(ctx context.Context) error {
	tx, err := e.ensureTx(ctx)
	if err == nil {
		if closeErr := e.runs.close(ctx, tx, nowFunc()); closeErr != nil {
			e.log.Error("closing run failed", "error", closeErr)
		}
		err = e.commit(ctx)
	}

	if e.conn != nil {
		//nolint:errcheck
		e.conn.Close()
		e.conn = nil
	}

	e.mu.Lock()
	e.status = StatusStopped
	e.currentRun = e.runs.current
	e.mu.Unlock()

	e.log.Info("recorder stopped")
	return err
}

// fail records a startup failure.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.status = StatusFailed
	e.lastError = err
	e.mu.Unlock()
	e.log.Error("recorder failed to start", "error", err)
}

// submit enqueues a task if the engine accepts work, warning when the
// backlog crosses the advisory threshold.
func (e *Engine) submit(t task) error {
	e.mu.RLock()
	status, q := e.status, e.queue
	e.mu.RUnlock()
	if status != StatusRunning {
		return fmt.Errorf("%w: status %s", ErrNotRunning, status)
	}

	if err := q.push(t); err != nil {
		return err
	}

	if backlog := q.len(); backlog > e.cfg.MaxBacklog {
		if e.backlogWarned.CompareAndSwap(false, true) {
			e.log.Warn("write backlog above threshold, data loss possible on crash",
				"backlog", backlog, "threshold", e.cfg.MaxBacklog)
		}
	} else {
		e.backlogWarned.Store(false)
	}
	return nil
}

// submitAndWait enqueues a task carrying a result channel and waits.
func (e *Engine) submitAndWait(ctx context.Context, t task, done chan error) error {
	if err := e.submit(t); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record enqueues a state-change event. Fire-and-forget: ordering is
// guaranteed by the single-consumer queue, durability by the next
// commit interval.
//
// Parameters:
//   - ev: The state-change event
//
// Returns:
//   - error: ErrNotRunning or ErrShuttingDown when not accepting work
func (e *Engine) Record(ev Event) error {
	return e.submit(stateTask{event: ev})
}

// ImportStatistics upserts recorder-sourced statistic points and waits
// for the result.
func (e *Engine) ImportStatistics(ctx context.Context, meta statistics.ImportMetadata, points []statistics.Point) error {
	done := make(chan error, 1)
	return e.submitAndWait(ctx, importStatisticsTask{meta: meta, points: points, done: done}, done)
}

// AddExternalStatistics upserts points for an externally sourced series
// and waits for the result.
func (e *Engine) AddExternalStatistics(ctx context.Context, meta statistics.ImportMetadata, points []statistics.Point) error {
	done := make(chan error, 1)
	return e.submitAndWait(ctx, importStatisticsTask{meta: meta, points: points, external: true, done: done}, done)
}

// AdjustSumStatistics shifts a series' running total from start onward
// by a unit-converted delta.
func (e *Engine) AdjustSumStatistics(ctx context.Context, statisticID string, start time.Time, delta float64, unit string) error {
	done := make(chan error, 1)
	return e.submitAndWait(ctx, adjustSumTask{
		statisticID: statisticID, start: start, delta: delta, unit: unit, done: done,
	}, done)
}

// ChangeStatisticsUnit converts a whole series to a new unit.
func (e *Engine) ChangeStatisticsUnit(ctx context.Context, statisticID, oldUnit, newUnit string) error {
	done := make(chan error, 1)
	return e.submitAndWait(ctx, changeUnitTask{
		statisticID: statisticID, oldUnit: oldUnit, newUnit: newUnit, done: done,
	}, done)
}

// UpdateStatisticsUnitLabel rewrites a series' unit label without
// converting stored values.
func (e *Engine) UpdateStatisticsUnitLabel(ctx context.Context, statisticID, unit string) error {
	done := make(chan error, 1)
	return e.submitAndWait(ctx, updateUnitLabelTask{statisticID: statisticID, unit: unit, done: done}, done)
}

// ClearStatistics deletes every stored point and the metadata for the
// given series.
func (e *Engine) ClearStatistics(ctx context.Context, statisticIDs []string) error {
	done := make(chan error, 1)
	return e.submitAndWait(ctx, clearStatisticsTask{statisticIDs: statisticIDs, done: done}, done)
}

// Purge deletes raw history older than keepDays and waits for the
// result. Repack additionally compacts the file afterwards.
func (e *Engine) Purge(ctx context.Context, keepDays int, repack bool) error {
	done := make(chan error, 1)
	return e.submitAndWait(ctx, purgeTask{keepDays: keepDays, repack: repack, done: done}, done)
}

// CompileStatistics enqueues a rollup pass for the window that just
// completed. Fire-and-forget; driven by the host's 5-minute ticker.
func (e *Engine) CompileStatistics(now time.Time) error {
	return e.submit(compileStatisticsTask{now: now})
}

// ValidateSchema inspects the live schema for drift.
func (e *Engine) ValidateSchema(ctx context.Context) ([]database.SchemaError, error) {
	return e.db.ValidateSchema(ctx)
}

// CorrectSchema schedules best-effort drift repair through the writer
// and waits for completion. Individual failures are logged, not fatal.
func (e *Engine) CorrectSchema(ctx context.Context, defects []database.SchemaError) error {
	done := make(chan error, 1)
	return e.submitAndWait(ctx, schemaRepairTask{defects: defects, done: done}, done)
}

// CurrentRun returns the active recording session, as published at the
// last start or stop. The writer's own bookkeeping stays private to it.
func (e *Engine) CurrentRun() Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentRun
}

// RunAt returns the recording session covering the given instant.
func (e *Engine) RunAt(ctx context.Context, at time.Time) (Run, bool, error) {
	return runAt(ctx, e.db, at, e.CurrentRun())
}

// Info returns a status snapshot.
func (e *Engine) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info := Info{
		Recording:           e.status == StatusRunning,
		MigrationInProgress: e.migrating,
		Backlog:             e.queue.len(),
		WriterRunning:       e.status == StatusRunning || e.status == StatusShuttingDown,
		Status:              e.status,
	}
	if e.lastError != nil {
		info.LastError = e.lastError.Error()
	}
	return info
}

// Stop drains the queue, flushes, closes the run and stops the writer.
// Safe to call once after a successful Start.
//
// Parameters:
//   - ctx: Bounds how long to wait for the drain
//
// Returns:
//   - error: Context expiry if the drain did not finish in time
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return nil
	}
	e.status = StatusShuttingDown
	// A held backup lock would block the stop task forever.
	if e.lockRelease != nil {
		close(e.lockRelease)
		e.lockRelease = nil
	}
	if e.commitStop != nil {
		close(e.commitStop)
		e.commitStop = nil
	}
	q := e.queue
	e.mu.Unlock()

	// Interrupt long-running writer work; queued events still drain
	// before the stop task runs.
	e.writerCancel()

	//nolint:errcheck
	q.push(stopTask{})
	q.close()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for writer shutdown: %w", ctx.Err())
	}
}
