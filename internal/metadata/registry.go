package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// Sentinel errors for metadata operations.
var (
	// ErrMetadataMismatch is returned when imported statistics metadata
	// conflicts with the metadata already stored for the same identifier.
	ErrMetadataMismatch = errors.New("metadata: conflicting metadata for statistic id")

	// ErrInvalidFilter is returned when mutually exclusive filter options
	// are combined. This is a caller contract violation, not a query miss.
	ErrInvalidFilter = errors.New("metadata: ids and type filters are mutually exclusive")
)

// DBTX is the minimal query interface the registry needs. It is satisfied
// by *sql.DB, *sql.Tx and *sql.Conn, letting the writer pass its open
// transaction while the read path uses the shared pool.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// StatisticsMeta describes one statistic series.
type StatisticsMeta struct {
	// ID is the interned integer key used by the statistics tables.
	ID int64

	// StatisticID is the long identifier, e.g. "sensor.energy" for
	// recorder-sourced series or "tariff:energy_import" for external ones.
	StatisticID string

	// Source is the producer: "recorder" or an external integration name.
	Source string

	// Unit is the unit of measurement for every point in the series.
	Unit string

	// HasMean marks series with mean/min/max semantics.
	HasMean bool

	// HasSum marks series with running-total semantics.
	HasSum bool

	// Name is an optional display name.
	Name string
}

// ListFilter narrows ListStatisticsMeta results.
//
// IDs and Type are mutually exclusive: an identifier lookup is exact and
// a type filter over unknown identifiers cannot be answered from cache,
// so combining them is rejected with ErrInvalidFilter.
type ListFilter struct {
	// IDs restricts to the listed statistic ids.
	IDs []string

	// Source restricts to series from one producer.
	Source string

	// Type restricts to "mean" or "sum" series.
	Type string
}

// Registry interns entity and statistic identifiers to small integer ids.
//
// All creation is serialised through the recorder's writer goroutine,
// which passes its open transaction. Lookups read an immutable snapshot
// map published by the writer after each change; readers therefore never
// take a lock and tolerate a stale snapshot (the fallback is one extra
// database round trip, not a correctness issue).
type Registry struct {
	db DBTX

	entities atomic.Pointer[map[string]int64]
	stats    atomic.Pointer[map[string]StatisticsMeta]
}

// NewRegistry creates a registry backed by the given reader handle.
//
// Parameters:
//   - db: Shared read pool used for cache-miss lookups
//
// Returns:
//   - *Registry: Registry with empty caches; call Refresh at startup
func NewRegistry(db DBTX) *Registry {
	r := &Registry{db: db}
	empty := make(map[string]int64)
	emptyStats := make(map[string]StatisticsMeta)
	r.entities.Store(&empty)
	r.stats.Store(&emptyStats)
	return r
}

// Refresh reloads both caches from storage.
// This should be called once at startup, after migrations.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: If either table cannot be read
func (r *Registry) Refresh(ctx context.Context) error {
	entities := make(map[string]int64)
	rows, err := r.db.QueryContext(ctx, "SELECT metadata_id, entity_id FROM states_meta")
	if err != nil {
		return fmt.Errorf("loading states_meta: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var entityID string
		if err := rows.Scan(&id, &entityID); err != nil {
			return fmt.Errorf("scanning states_meta: %w", err)
		}
		entities[entityID] = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating states_meta: %w", err)
	}
	r.entities.Store(&entities)

	stats := make(map[string]StatisticsMeta)
	statRows, err := r.db.QueryContext(ctx,
		"SELECT id, statistic_id, source, COALESCE(unit_of_measurement, ''), has_mean, has_sum, COALESCE(name, '') FROM statistics_meta")
	if err != nil {
		return fmt.Errorf("loading statistics_meta: %w", err)
	}
	defer statRows.Close()
	for statRows.Next() {
		var m StatisticsMeta
		if err := statRows.Scan(&m.ID, &m.StatisticID, &m.Source, &m.Unit, &m.HasMean, &m.HasSum, &m.Name); err != nil {
			return fmt.Errorf("scanning statistics_meta: %w", err)
		}
		stats[m.StatisticID] = m
	}
	if err := statRows.Err(); err != nil {
		return fmt.Errorf("iterating statistics_meta: %w", err)
	}
	r.stats.Store(&stats)

	return nil
}

// EntityID resolves an entity identifier to its metadata id without
// creating it. The snapshot cache is consulted first; a miss falls back
// to storage.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - entityID: Entity identifier, e.g. "sensor.kitchen_power"
//
// Returns:
//   - int64: Metadata id (valid only when found)
//   - bool: Whether the identifier is known
//   - error: If the fallback query fails
func (r *Registry) EntityID(ctx context.Context, entityID string) (int64, bool, error) {
	if id, ok := (*r.entities.Load())[entityID]; ok {
		return id, true, nil
	}

	var id int64
	err := r.db.QueryRowContext(ctx,
		"SELECT metadata_id FROM states_meta WHERE entity_id = ?", entityID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolving entity id: %w", err)
	}
	return id, true, nil
}

// GetManyEntityIDs batches EntityID lookups.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - entityIDs: Entity identifiers to resolve
//
// Returns:
//   - map[string]int64: Resolved identifiers (unknown ones are absent)
//   - error: If a fallback query fails
func (r *Registry) GetManyEntityIDs(ctx context.Context, entityIDs []string) (map[string]int64, error) {
	result := make(map[string]int64, len(entityIDs))
	for _, entityID := range entityIDs {
		id, ok, err := r.EntityID(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if ok {
			result[entityID] = id
		}
	}
	return result, nil
}

// GetOrCreateEntityID resolves an entity identifier, interning it on
// first sight. Must only be called from the writer goroutine, passing
// its open transaction; ids are append-only and never reassigned.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tx: The writer's open transaction
//   - entityID: Entity identifier to intern
//
// Returns:
//   - int64: Metadata id
//   - error: If the insert or lookup fails
func (r *Registry) GetOrCreateEntityID(ctx context.Context, tx DBTX, entityID string) (int64, error) {
	if id, ok := (*r.entities.Load())[entityID]; ok {
		return id, nil
	}

	// May exist but not be cached yet (e.g. created before a restart).
	var id int64
	err := tx.QueryRowContext(ctx,
		"SELECT metadata_id FROM states_meta WHERE entity_id = ?", entityID,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			"INSERT INTO states_meta (entity_id) VALUES (?)", entityID)
		if err != nil {
			return 0, fmt.Errorf("interning entity id: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("reading interned entity id: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("resolving entity id: %w", err)
	}

	r.publishEntity(entityID, id)
	return id, nil
}

// StatisticsMeta resolves a statistic identifier to its full metadata.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - statisticID: Statistic identifier
//
// Returns:
//   - StatisticsMeta: Stored metadata (valid only when found)
//   - bool: Whether the identifier is known
//   - error: If the fallback query fails
func (r *Registry) StatisticsMeta(ctx context.Context, statisticID string) (StatisticsMeta, bool, error) {
	if m, ok := (*r.stats.Load())[statisticID]; ok {
		return m, true, nil
	}

	var m StatisticsMeta
	err := r.db.QueryRowContext(ctx,
		`SELECT id, statistic_id, source, COALESCE(unit_of_measurement, ''), has_mean, has_sum, COALESCE(name, '')
		 FROM statistics_meta WHERE statistic_id = ?`, statisticID,
	).Scan(&m.ID, &m.StatisticID, &m.Source, &m.Unit, &m.HasMean, &m.HasSum, &m.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return StatisticsMeta{}, false, nil
	}
	if err != nil {
		return StatisticsMeta{}, false, fmt.Errorf("resolving statistic metadata: %w", err)
	}
	return m, true, nil
}

// GetOrCreateStatisticsMeta resolves statistic metadata, interning it on
// first sight. When a row already exists, the unit and mean/sum flags
// must match: a mismatch is a hard ErrMetadataMismatch surfaced to the
// operator, never silently coerced.
//
// Must only be called from the writer goroutine.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tx: The writer's open transaction
//   - meta: Desired metadata (ID is ignored)
//
// Returns:
//   - int64: Metadata id
//   - error: ErrMetadataMismatch on conflict, or the underlying failure
func (r *Registry) GetOrCreateStatisticsMeta(ctx context.Context, tx DBTX, meta StatisticsMeta) (int64, error) {
	existing, ok, err := r.statisticsMetaTx(ctx, tx, meta.StatisticID)
	if err != nil {
		return 0, err
	}
	if ok {
		if existing.Unit != meta.Unit || existing.HasMean != meta.HasMean || existing.HasSum != meta.HasSum {
			return 0, fmt.Errorf("%w: %s has unit=%q mean=%t sum=%t, import wants unit=%q mean=%t sum=%t",
				ErrMetadataMismatch, meta.StatisticID,
				existing.Unit, existing.HasMean, existing.HasSum,
				meta.Unit, meta.HasMean, meta.HasSum)
		}
		return existing.ID, nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO statistics_meta (statistic_id, source, unit_of_measurement, has_mean, has_sum, name)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		meta.StatisticID, meta.Source, nullable(meta.Unit), meta.HasMean, meta.HasSum, nullable(meta.Name))
	if err != nil {
		return 0, fmt.Errorf("interning statistic metadata: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading interned statistic id: %w", err)
	}

	meta.ID = id
	r.publishStatistics(meta)
	return id, nil
}

// UpdateStatisticsUnit rewrites the stored unit label for a statistic.
// Used by the unit-conversion path after values have been converted.
//
// Must only be called from the writer goroutine.
func (r *Registry) UpdateStatisticsUnit(ctx context.Context, tx DBTX, statisticID, unit string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE statistics_meta SET unit_of_measurement = ? WHERE statistic_id = ?",
		nullable(unit), statisticID,
	); err != nil {
		return fmt.Errorf("updating statistic unit: %w", err)
	}

	if m, ok := (*r.stats.Load())[statisticID]; ok {
		m.Unit = unit
		r.publishStatistics(m)
	}
	return nil
}

// ListStatisticsMeta returns metadata rows matching the filter.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - filter: Optional narrowing; combining IDs and Type fails fast
//
// Returns:
//   - []StatisticsMeta: Matching rows (empty slice when nothing matches)
//   - error: ErrInvalidFilter on contract violation, or query failure
func (r *Registry) ListStatisticsMeta(ctx context.Context, filter ListFilter) ([]StatisticsMeta, error) {
	if len(filter.IDs) > 0 && filter.Type != "" {
		return nil, ErrInvalidFilter
	}

	query := `SELECT id, statistic_id, source, COALESCE(unit_of_measurement, ''), has_mean, has_sum, COALESCE(name, '')
		FROM statistics_meta`
	var clauses []string
	var args []any

	if len(filter.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.IDs)), ",")
		clauses = append(clauses, "statistic_id IN ("+placeholders+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, filter.Source)
	}
	switch filter.Type {
	case "":
	case "mean":
		clauses = append(clauses, "has_mean = 1")
	case "sum":
		clauses = append(clauses, "has_sum = 1")
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFilter, filter.Type)
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY statistic_id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing statistic metadata: %w", err)
	}
	defer rows.Close()

	result := make([]StatisticsMeta, 0)
	for rows.Next() {
		var m StatisticsMeta
		if err := rows.Scan(&m.ID, &m.StatisticID, &m.Source, &m.Unit, &m.HasMean, &m.HasSum, &m.Name); err != nil {
			return nil, fmt.Errorf("scanning statistic metadata: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating statistic metadata: %w", err)
	}
	return result, nil
}

// GetManyStatisticsMeta batches StatisticsMeta lookups by id.
func (r *Registry) GetManyStatisticsMeta(ctx context.Context, statisticIDs []string) (map[string]StatisticsMeta, error) {
	result := make(map[string]StatisticsMeta, len(statisticIDs))
	for _, id := range statisticIDs {
		m, ok, err := r.StatisticsMeta(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			result[id] = m
		}
	}
	return result, nil
}

// statisticsMetaTx resolves metadata through the writer's transaction so
// uncommitted rows created earlier in the same batch are visible.
func (r *Registry) statisticsMetaTx(ctx context.Context, tx DBTX, statisticID string) (StatisticsMeta, bool, error) {
	if m, ok := (*r.stats.Load())[statisticID]; ok {
		return m, true, nil
	}

	var m StatisticsMeta
	err := tx.QueryRowContext(ctx,
		`SELECT id, statistic_id, source, COALESCE(unit_of_measurement, ''), has_mean, has_sum, COALESCE(name, '')
		 FROM statistics_meta WHERE statistic_id = ?`, statisticID,
	).Scan(&m.ID, &m.StatisticID, &m.Source, &m.Unit, &m.HasMean, &m.HasSum, &m.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return StatisticsMeta{}, false, nil
	}
	if err != nil {
		return StatisticsMeta{}, false, fmt.Errorf("resolving statistic metadata: %w", err)
	}
	return m, true, nil
}

// publishEntity publishes a new entity snapshot including the given mapping.
// Only the writer goroutine calls this, so no lock is needed: the copy is
// built from the current snapshot and atomically swapped in.
func (r *Registry) publishEntity(entityID string, id int64) {
	current := *r.entities.Load()
	next := make(map[string]int64, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[entityID] = id
	r.entities.Store(&next)
}

// publishStatistics publishes a new statistics snapshot including the row.
func (r *Registry) publishStatistics(meta StatisticsMeta) {
	current := *r.stats.Load()
	next := make(map[string]StatisticsMeta, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[meta.StatisticID] = meta
	r.stats.Store(&next)
}

// nullable converts an empty string to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
