package statistics

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/metadata"
)

// Aggregate is the single-value answer of DuringPeriodAggregate.
type Aggregate struct {
	// Mean and Min/Max cover every short-term point inside the window.
	Mean *float64
	Min  *float64
	Max  *float64

	// Change is the growth of the running total across the window:
	// the window's final sum minus the sum in force just before it.
	Change *float64
}

// GetLast returns the n newest long-term points for a series, newest
// first. An unknown id yields an empty result, not an error.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - statisticID: Series identifier
//   - n: Maximum number of points
//
// Returns:
//   - []Point: Up to n points, newest first
//   - error: If the query fails
func (s *Store) GetLast(ctx context.Context, statisticID string, n int) ([]Point, error) {
	return s.getLast(ctx, tableLongTerm, statisticID, n)
}

// GetLastShortTerm is GetLast against the 5-minute series.
func (s *Store) GetLastShortTerm(ctx context.Context, statisticID string, n int) ([]Point, error) {
	return s.getLast(ctx, tableShortTerm, statisticID, n)
}

func (s *Store) getLast(ctx context.Context, table, statisticID string, n int) ([]Point, error) {
	meta, ok, err := s.registry.StatisticsMeta(ctx, statisticID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT start_ts, mean, min, max, state, sum, last_reset_ts
		FROM %s WHERE metadata_id = ?
		ORDER BY start_ts DESC LIMIT ?`, table)
	rows, err := s.db.QueryContext(ctx, query, meta.ID, n)
	if err != nil {
		return nil, fmt.Errorf("reading last %s rows: %w", table, err)
	}
	defer rows.Close()

	return scanPoints(rows)
}

// DuringPeriod returns each requested series bucketed by the given
// period across [start, end). The 5-minute and hour periods read stored
// rows directly; day, week, month and year reduce hourly rows into
// calendar buckets (weeks start Monday). Unknown ids are omitted from
// the result. The zero Types value selects every field.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - statisticIDs: Series to query
//   - start: Window start, inclusive
//   - end: Window end, exclusive
//   - period: Bucket width
//   - types: Field selection
//
// Returns:
//   - map[string][]Point: Points per series id, ascending by start
//   - error: ErrInvalidPeriod or a query failure
func (s *Store) DuringPeriod(ctx context.Context, statisticIDs []string, start, end time.Time, period Period, types Types) (map[string][]Point, error) {
	if !period.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	if types == (Types{}) {
		types = AllTypes()
	}

	table := tableLongTerm
	if period == Period5Minute {
		table = tableShortTerm
	}

	result := make(map[string][]Point, len(statisticIDs))
	for _, id := range statisticIDs {
		meta, ok, err := s.registry.StatisticsMeta(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		points, err := s.pointsInRange(ctx, table, meta.ID, start, end)
		if err != nil {
			return nil, err
		}

		if period != Period5Minute && period != PeriodHour {
			points, err = reduceToCalendar(points, period)
			if err != nil {
				return nil, err
			}
		}

		applyTypes(points, types)
		result[id] = points
	}
	return result, nil
}

// DuringPeriodAggregate collapses a whole window into one aggregate:
// mean, min and max across the contained short-term points, and the
// running total's change across the window.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - statisticID: Series to query
//   - start: Window start, inclusive
//   - end: Window end, exclusive
//
// Returns:
//   - Aggregate: Whole-window aggregate; all nil for an unknown id
//   - error: If a query fails
func (s *Store) DuringPeriodAggregate(ctx context.Context, statisticID string, start, end time.Time) (Aggregate, error) {
	meta, ok, err := s.registry.StatisticsMeta(ctx, statisticID)
	if err != nil {
		return Aggregate{}, err
	}
	if !ok {
		return Aggregate{}, nil
	}

	var agg Aggregate

	if meta.HasMean {
		row := s.db.QueryRowContext(ctx, `
			SELECT AVG(mean), MIN(min), MAX(max)
			FROM statistics_short_term
			WHERE metadata_id = ? AND start_ts >= ? AND start_ts < ?`,
			meta.ID, database.ToTS(start), database.ToTS(end))
		var mean, min, max nullableFloat
		if err := row.Scan(&mean, &min, &max); err != nil {
			return Aggregate{}, fmt.Errorf("aggregating window: %w", err)
		}
		agg.Mean, agg.Min, agg.Max = mean.ptr(), min.ptr(), max.ptr()
	}

	if meta.HasSum {
		change, err := s.sumChange(ctx, meta.ID, start, end)
		if err != nil {
			return Aggregate{}, err
		}
		agg.Change = change
	}

	return agg, nil
}

// sumChange computes last-sum-in-window minus the sum in force before
// the window. When no earlier row exists the window's first sum is the
// baseline, so a series born inside the window reports its own growth.
func (s *Store) sumChange(ctx context.Context, metadataID int64, start, end time.Time) (*float64, error) {
	inWindow, err := s.pointsInRange(ctx, tableShortTerm, metadataID, start, end)
	if err != nil {
		return nil, err
	}
	var last *float64
	var first *float64
	for _, p := range inWindow {
		if p.Sum == nil {
			continue
		}
		if first == nil {
			first = p.Sum
		}
		last = p.Sum
	}
	if last == nil {
		return nil, nil
	}

	before, ok, err := latestPointBefore(ctx, s.db, tableShortTerm, metadataID, start)
	if err != nil {
		return nil, err
	}

	baseline := *first
	if ok && before.Sum != nil {
		baseline = *before.Sum
	}
	change := *last - baseline
	return &change, nil
}

// ListIDs returns metadata for every series matching the filter.
// Combining the ids and type filters fails fast.
func (s *Store) ListIDs(ctx context.Context, filter metadata.ListFilter) ([]metadata.StatisticsMeta, error) {
	return s.registry.ListStatisticsMeta(ctx, filter)
}

// GetMetadata batches metadata lookups by series id.
func (s *Store) GetMetadata(ctx context.Context, statisticIDs []string) (map[string]metadata.StatisticsMeta, error) {
	return s.registry.GetManyStatisticsMeta(ctx, statisticIDs)
}

func (s *Store) pointsInRange(ctx context.Context, table string, metadataID int64, start, end time.Time) ([]Point, error) {
	query := fmt.Sprintf(`
		SELECT start_ts, mean, min, max, state, sum, last_reset_ts
		FROM %s WHERE metadata_id = ? AND start_ts >= ? AND start_ts < ?
		ORDER BY start_ts`, table)
	rows, err := s.db.QueryContext(ctx, query, metadataID, database.ToTS(start), database.ToTS(end))
	if err != nil {
		return nil, fmt.Errorf("reading %s range: %w", table, err)
	}
	defer rows.Close()

	return scanPoints(rows)
}

// reduceToCalendar folds hourly points into calendar buckets: mean of
// means, min of mins, max of maxes, closing state/sum/last_reset.
func reduceToCalendar(hourly []Point, period Period) ([]Point, error) {
	var out []Point
	var bucket *Point
	var bucketEnd time.Time
	var meanTotal float64
	var meanCount int

	flush := func() {
		if bucket == nil {
			return
		}
		if meanCount > 0 {
			m := meanTotal / float64(meanCount)
			bucket.Mean = &m
		}
		out = append(out, *bucket)
		bucket = nil
	}

	for _, p := range hourly {
		bStart, err := BucketStart(p.Start, period)
		if err != nil {
			return nil, err
		}
		if bucket == nil || !p.Start.Before(bucketEnd) {
			flush()
			next, err := NextBucketStart(bStart, period)
			if err != nil {
				return nil, err
			}
			bucket = &Point{Start: bStart}
			bucketEnd = next
			meanTotal, meanCount = 0, 0
		}

		if p.Mean != nil {
			meanTotal += *p.Mean
			meanCount++
		}
		if p.Min != nil && (bucket.Min == nil || *p.Min < *bucket.Min) {
			bucket.Min = p.Min
		}
		if p.Max != nil && (bucket.Max == nil || *p.Max > *bucket.Max) {
			bucket.Max = p.Max
		}
		// Later rows in the bucket carry the closing values forward.
		if p.State != nil {
			bucket.State = p.State
		}
		if p.Sum != nil {
			bucket.Sum = p.Sum
		}
		if p.LastReset != nil {
			bucket.LastReset = p.LastReset
		}
	}
	flush()
	return out, nil
}

// applyTypes nils out the fields the caller did not request.
func applyTypes(points []Point, t Types) {
	for i := range points {
		if !t.Mean {
			points[i].Mean = nil
		}
		if !t.Min {
			points[i].Min = nil
		}
		if !t.Max {
			points[i].Max = nil
		}
		if !t.State {
			points[i].State = nil
		}
		if !t.Sum {
			points[i].Sum = nil
		}
		if !t.LastReset {
			points[i].LastReset = nil
		}
	}
}

// nullableFloat scans a possibly-NULL float column into a pointer.
type nullableFloat struct {
	value float64
	valid bool
}

func (n *nullableFloat) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	switch v := src.(type) {
	case float64:
		n.value, n.valid = v, true
	case int64:
		n.value, n.valid = float64(v), true
	default:
		return fmt.Errorf("statistics: cannot scan %T into float", src)
	}
	return nil
}

func (n nullableFloat) ptr() *float64 {
	if !n.valid {
		return nil
	}
	v := n.value
	return &v
}
