package statistics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/metadata"
)

// ImportMetadata describes the series an importer is writing to.
type ImportMetadata struct {
	StatisticID string
	Source      string
	Unit        string
	HasMean     bool
	HasSum      bool
	Name        string
}

// AddExternal upserts pre-aggregated hourly points for an externally
// sourced series. The statistic id must be namespaced with a colon and
// the namespace must match the source ("tariff:energy_import" from
// source "tariff"). Points at an existing (series, start) key are fully
// overwritten.
//
// Must be called from the writer goroutine with its open transaction.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tx: The writer's open transaction
//   - meta: Series metadata; validated against any stored metadata
//   - points: Hour-aligned points to upsert
//
// Returns:
//   - error: Validation failure or storage failure
func (s *Store) AddExternal(ctx context.Context, tx DBTX, meta ImportMetadata, points []Point) error {
	domain, _, found := strings.Cut(meta.StatisticID, ":")
	if !found || domain == "" {
		return fmt.Errorf("%w: external id %q must be namespaced with a colon", ErrInvalidStatisticID, meta.StatisticID)
	}
	if meta.Source == "recorder" || meta.Source != domain {
		return fmt.Errorf("%w: external id %q does not match source %q", ErrInvalidStatisticID, meta.StatisticID, meta.Source)
	}
	return s.importPoints(ctx, tx, meta, points)
}

// Import upserts recorder-sourced points, used to backfill or correct a
// series whose id is an entity id.
//
// Must be called from the writer goroutine with its open transaction.
func (s *Store) Import(ctx context.Context, tx DBTX, meta ImportMetadata, points []Point) error {
	if !strings.Contains(meta.StatisticID, ".") || strings.Contains(meta.StatisticID, ":") {
		return fmt.Errorf("%w: recorder id %q must be an entity id", ErrInvalidStatisticID, meta.StatisticID)
	}
	if meta.Source != "recorder" {
		return fmt.Errorf("%w: id %q requires source \"recorder\", got %q", ErrInvalidStatisticID, meta.StatisticID, meta.Source)
	}
	return s.importPoints(ctx, tx, meta, points)
}

func (s *Store) importPoints(ctx context.Context, tx DBTX, meta ImportMetadata, points []Point) error {
	for _, p := range points {
		if !p.Start.Equal(p.Start.UTC().Truncate(LongTermPeriod)) {
			return fmt.Errorf("%w: start %s is not an hour boundary", ErrInvalidPoint, p.Start)
		}
	}

	metadataID, err := s.registry.GetOrCreateStatisticsMeta(ctx, tx, metadata.StatisticsMeta{
		StatisticID: meta.StatisticID,
		Source:      meta.Source,
		Unit:        meta.Unit,
		HasMean:     meta.HasMean,
		HasSum:      meta.HasSum,
		Name:        meta.Name,
	})
	if err != nil {
		return err
	}

	for _, p := range points {
		if err := upsertPoint(ctx, tx, tableLongTerm, metadataID, p); err != nil {
			return err
		}
	}

	s.log.Debug("imported statistics",
		"statistic_id", meta.StatisticID, "points", len(points))
	return nil
}

// AdjustSum shifts the running total of a series at the given period and
// every later period by a unit-converted delta, in both granularities.
// Raw history is untouched; this is the correction path for a
// miscalibrated or reset meter.
//
// Must be called from the writer goroutine with its open transaction.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tx: The writer's open transaction
//   - statisticID: Series to adjust
//   - start: First period start the delta applies to
//   - delta: Adjustment in deltaUnit
//   - deltaUnit: Unit the delta is expressed in
//
// Returns:
//   - error: ErrUnknownStatistic, a unit error, or storage failure
func (s *Store) AdjustSum(ctx context.Context, tx DBTX, statisticID string, start time.Time, delta float64, deltaUnit string) error {
	meta, ok, err := s.registry.StatisticsMeta(ctx, statisticID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStatistic, statisticID)
	}

	converted, err := ConvertDelta(delta, deltaUnit, meta.Unit)
	if err != nil {
		return fmt.Errorf("adjusting %q: %w", statisticID, err)
	}

	startTS := database.ToTS(start)
	for _, table := range []string{tableLongTerm, tableShortTerm} {
		query := fmt.Sprintf(
			"UPDATE %s SET sum = sum + ? WHERE metadata_id = ? AND start_ts >= ? AND sum IS NOT NULL", table)
		if _, err := tx.ExecContext(ctx, query, converted, meta.ID, startTS); err != nil {
			return fmt.Errorf("adjusting sums in %s: %w", table, err)
		}
	}

	s.log.Info("adjusted sum statistics",
		"statistic_id", statisticID, "from", start, "delta", converted, "unit", meta.Unit)
	return nil
}

// ChangeUnit converts every stored point of a series from its current
// unit to a new unit of the same class, then rewrites the metadata
// label. Refused when the caller's stated old unit does not match
// storage, or when no pure factor exists between the units.
//
// Must be called from the writer goroutine with its open transaction.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tx: The writer's open transaction
//   - statisticID: Series to convert
//   - oldUnit: Unit the caller believes is stored
//   - newUnit: Target unit
//
// Returns:
//   - error: ErrUnknownStatistic, ErrUnitMismatch, a unit error, or
//     storage failure; storage is unchanged on any error
func (s *Store) ChangeUnit(ctx context.Context, tx DBTX, statisticID, oldUnit, newUnit string) error {
	meta, ok, err := s.registry.StatisticsMeta(ctx, statisticID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStatistic, statisticID)
	}
	if meta.Unit != oldUnit {
		return fmt.Errorf("%w: %q stores %q, caller expected %q",
			ErrUnitMismatch, statisticID, meta.Unit, oldUnit)
	}

	factor, err := FactorBetween(oldUnit, newUnit)
	if err != nil {
		return fmt.Errorf("changing unit of %q: %w", statisticID, err)
	}

	for _, table := range []string{tableLongTerm, tableShortTerm} {
		query := fmt.Sprintf(`UPDATE %s SET
			mean = mean * ?, min = min * ?, max = max * ?,
			state = state * ?, sum = sum * ?
			WHERE metadata_id = ?`, table)
		if _, err := tx.ExecContext(ctx, query,
			factor, factor, factor, factor, factor, meta.ID); err != nil {
			return fmt.Errorf("converting values in %s: %w", table, err)
		}
	}

	if err := s.registry.UpdateStatisticsUnit(ctx, tx, statisticID, newUnit); err != nil {
		return err
	}

	s.log.Info("changed statistics unit",
		"statistic_id", statisticID, "from", oldUnit, "to", newUnit, "factor", factor)
	return nil
}

// UpdateUnitLabel rewrites the stored unit string without converting any
// values. Used when a series was registered with a wrong label.
//
// Must be called from the writer goroutine with its open transaction.
func (s *Store) UpdateUnitLabel(ctx context.Context, tx DBTX, statisticID, unit string) error {
	_, ok, err := s.registry.StatisticsMeta(ctx, statisticID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStatistic, statisticID)
	}
	return s.registry.UpdateStatisticsUnit(ctx, tx, statisticID, unit)
}

// Clear deletes every stored point and the metadata row for the given
// series. Unknown ids are skipped silently so a retried clear is
// idempotent. The caller must refresh the metadata registry after the
// transaction commits.
//
// Must be called from the writer goroutine with its open transaction.
func (s *Store) Clear(ctx context.Context, tx DBTX, statisticIDs []string) error {
	for _, id := range statisticIDs {
		meta, ok, err := s.registry.StatisticsMeta(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		for _, table := range []string{tableLongTerm, tableShortTerm} {
			query := fmt.Sprintf("DELETE FROM %s WHERE metadata_id = ?", table)
			if _, err := tx.ExecContext(ctx, query, meta.ID); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM statistics_meta WHERE id = ?", meta.ID); err != nil {
			return fmt.Errorf("clearing statistics_meta: %w", err)
		}

		s.log.Info("cleared statistics", "statistic_id", id)
	}
	return nil
}
