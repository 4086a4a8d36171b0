package statistics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nerrad567/chronicle/internal/infrastructure/database"
	"github.com/nerrad567/chronicle/internal/metadata"
)

// nowFunc is swapped out in tests.
var nowFunc = time.Now

// State attribute keys that drive statistics eligibility.
const (
	attrStateClass = "state_class"
	attrUnit       = "unit_of_measurement"
)

// State classes. Measurement series get mean/min/max; total series get
// a running sum.
const (
	stateClassMeasurement     = "measurement"
	stateClassTotal           = "total"
	stateClassTotalIncreasing = "total_increasing"
)

// sample is one numeric reading inside a compile window.
type sample struct {
	value float64
	at    time.Time
}

// seriesWindow collects the qualifying readings for one entity inside
// one 5-minute window, plus the capability derived from its attributes.
type seriesWindow struct {
	entityID string
	unit     string
	hasMean  bool
	hasSum   bool
	samples  []sample
}

// CompileShortTerm rolls the raw states inside [start, start+5m) into
// one short-term row per eligible entity. Eligibility is read from the
// state attributes: a "state_class" of measurement yields mean/min/max,
// total or total_increasing yields a running sum. Non-numeric readings
// are skipped.
//
// Must be called from the writer goroutine with its open transaction so
// the compile is ordered against the state stream.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tx: The writer's open transaction
//   - start: Window start, aligned to a 5-minute boundary
//
// Returns:
//   - error: If reading states or writing rollups fails
func (s *Store) CompileShortTerm(ctx context.Context, tx DBTX, start time.Time) error {
	end := start.Add(ShortTermPeriod)

	windows, err := s.collectWindows(ctx, tx, start, end)
	if err != nil {
		return err
	}

	for _, w := range windows {
		if err := s.compileSeries(ctx, tx, start, w); err != nil {
			return err
		}
	}
	return nil
}

// collectWindows reads the raw states in [start, end) and groups the
// numeric ones per entity, ordered by time.
func (s *Store) collectWindows(ctx context.Context, tx DBTX, start, end time.Time) ([]seriesWindow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT sm.entity_id, s.state, s.last_updated_ts, COALESCE(sa.shared_attrs, '{}')
		FROM states s
		JOIN states_meta sm ON sm.metadata_id = s.metadata_id
		LEFT JOIN state_attributes sa ON sa.attributes_id = s.attributes_id
		WHERE s.last_updated_ts >= ? AND s.last_updated_ts < ?
		ORDER BY sm.entity_id, s.last_updated_ts`,
		database.ToTS(start), database.ToTS(end))
	if err != nil {
		return nil, fmt.Errorf("reading states for rollup: %w", err)
	}
	defer rows.Close()

	byEntity := make(map[string]*seriesWindow)
	var order []string

	for rows.Next() {
		var entityID, attrsJSON string
		var state sql.NullString
		var updatedTS float64
		if err := rows.Scan(&entityID, &state, &updatedTS, &attrsJSON); err != nil {
			return nil, fmt.Errorf("scanning state for rollup: %w", err)
		}
		if !state.Valid {
			continue
		}
		value, err := strconv.ParseFloat(state.String, 64)
		if err != nil {
			continue
		}

		var attrs map[string]any
		if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
			continue
		}
		class, _ := attrs[attrStateClass].(string)
		hasMean := class == stateClassMeasurement
		hasSum := class == stateClassTotal || class == stateClassTotalIncreasing
		if !hasMean && !hasSum {
			continue
		}

		w, ok := byEntity[entityID]
		if !ok {
			unit, _ := attrs[attrUnit].(string)
			w = &seriesWindow{entityID: entityID, unit: unit, hasMean: hasMean, hasSum: hasSum}
			byEntity[entityID] = w
			order = append(order, entityID)
		}
		w.samples = append(w.samples, sample{value: value, at: database.FromTS(updatedTS)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating states for rollup: %w", err)
	}

	sort.Strings(order)
	windows := make([]seriesWindow, 0, len(order))
	for _, id := range order {
		windows = append(windows, *byEntity[id])
	}
	return windows, nil
}

// compileSeries computes and upserts the short-term point for one entity.
func (s *Store) compileSeries(ctx context.Context, tx DBTX, start time.Time, w seriesWindow) error {
	metadataID, err := s.registry.GetOrCreateStatisticsMeta(ctx, tx, metadata.StatisticsMeta{
		StatisticID: w.entityID,
		Source:      "recorder",
		Unit:        w.unit,
		HasMean:     w.hasMean,
		HasSum:      w.hasSum,
	})
	if err != nil {
		// A changed state_class must not halt the whole compile run.
		s.log.Error("skipping statistics for entity", "entity_id", w.entityID, "error", err)
		return nil
	}

	p := Point{Start: start}

	if w.hasMean {
		var total, min, max float64
		for i, smp := range w.samples {
			total += smp.value
			if i == 0 || smp.value < min {
				min = smp.value
			}
			if i == 0 || smp.value > max {
				max = smp.value
			}
		}
		mean := total / float64(len(w.samples))
		p.Mean, p.Min, p.Max = &mean, &min, &max
	}

	if w.hasSum {
		if err := s.accumulateSum(ctx, tx, metadataID, w.samples, &p); err != nil {
			return err
		}
	}

	last := w.samples[len(w.samples)-1].value
	p.State = &last

	return upsertPoint(ctx, tx, tableShortTerm, metadataID, p)
}

// accumulateSum continues the running total from the previous short-term
// row. A value lower than its predecessor is treated as a meter reset:
// the new reading starts a fresh cycle, contributes its own value as the
// delta, and stamps last_reset.
func (s *Store) accumulateSum(ctx context.Context, tx DBTX, metadataID int64, samples []sample, p *Point) error {
	prev, ok, err := latestPointBefore(ctx, tx, tableShortTerm, metadataID, p.Start)
	if err != nil {
		return err
	}

	var sum float64
	var prevRaw *float64
	if ok {
		if prev.Sum != nil {
			sum = *prev.Sum
		}
		prevRaw = prev.State
		p.LastReset = prev.LastReset
	}

	for _, smp := range samples {
		v := smp.value
		switch {
		case prevRaw == nil:
			// First reading ever starts the cycle at zero contribution.
			reset := smp.at
			p.LastReset = &reset
		case v < *prevRaw:
			sum += v
			reset := smp.at
			p.LastReset = &reset
		default:
			sum += v - *prevRaw
		}
		value := v
		prevRaw = &value
	}

	p.Sum = &sum
	return nil
}

// RollupHourly reduces the short-term rows inside [hourStart, +1h) into
// one long-term row per series: mean of means, min of mins, max of
// maxes, and the final state/sum/last_reset of the hour.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tx: The writer's open transaction
//   - hourStart: Hour boundary the rollup covers
//
// Returns:
//   - error: If reading short-term rows or writing the rollup fails
func (s *Store) RollupHourly(ctx context.Context, tx DBTX, hourStart time.Time) error {
	hourEnd := hourStart.Add(LongTermPeriod)

	rows, err := tx.QueryContext(ctx, `
		SELECT metadata_id, AVG(mean), MIN(min), MAX(max)
		FROM statistics_short_term
		WHERE start_ts >= ? AND start_ts < ?
		GROUP BY metadata_id`,
		database.ToTS(hourStart), database.ToTS(hourEnd))
	if err != nil {
		return fmt.Errorf("aggregating short-term rows: %w", err)
	}
	defer rows.Close()

	type aggregate struct {
		metadataID     int64
		mean, min, max sql.NullFloat64
	}
	var aggregates []aggregate
	for rows.Next() {
		var a aggregate
		if err := rows.Scan(&a.metadataID, &a.mean, &a.min, &a.max); err != nil {
			return fmt.Errorf("scanning hourly aggregate: %w", err)
		}
		aggregates = append(aggregates, a)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating hourly aggregates: %w", err)
	}

	for _, a := range aggregates {
		// The last short-term row of the hour carries the closing
		// state, sum and reset marker forward.
		last, ok, err := latestPointBefore(ctx, tx, tableShortTerm, a.metadataID, hourEnd)
		if err != nil {
			return err
		}

		p := Point{
			Start: hourStart,
			Mean:  floatPtr(a.mean),
			Min:   floatPtr(a.min),
			Max:   floatPtr(a.max),
		}
		if ok {
			p.State = last.State
			p.Sum = last.Sum
			p.LastReset = last.LastReset
		}
		if err := upsertPoint(ctx, tx, tableLongTerm, a.metadataID, p); err != nil {
			return err
		}
	}
	return nil
}

// CompileMissing fills any 5-minute windows between the newest stored
// short-term row and the last completed boundary, then re-rolls the
// affected hours. Called once at startup so an outage does not leave a
// gap in the series.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - tx: The writer's open transaction
//   - now: Current time
//
// Returns:
//   - error: If any window fails to compile
func (s *Store) CompileMissing(ctx context.Context, tx DBTX, now time.Time) error {
	lastCompleted, err := BucketStart(now, Period5Minute)
	if err != nil {
		return err
	}

	var newestTS sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(start_ts) FROM statistics_short_term").Scan(&newestTS); err != nil {
		return fmt.Errorf("finding newest short-term row: %w", err)
	}

	var from time.Time
	if newestTS.Valid {
		from = database.FromTS(newestTS.Float64).Add(ShortTermPeriod)
	} else {
		// Nothing compiled yet: only the most recent completed window.
		from = lastCompleted.Add(-ShortTermPeriod)
	}

	hours := make(map[time.Time]struct{})
	for start := from; start.Before(lastCompleted); start = start.Add(ShortTermPeriod) {
		if err := s.CompileShortTerm(ctx, tx, start); err != nil {
			return err
		}
		hours[start.Truncate(LongTermPeriod)] = struct{}{}
	}

	var hourStarts []time.Time
	for h := range hours {
		hourStarts = append(hourStarts, h)
	}
	sort.Slice(hourStarts, func(i, j int) bool { return hourStarts[i].Before(hourStarts[j]) })
	for _, h := range hourStarts {
		// Only completed hours get a durable rollup; the current hour
		// is re-rolled when it closes.
		if !h.Add(LongTermPeriod).After(now) {
			if err := s.RollupHourly(ctx, tx, h); err != nil {
				return err
			}
		}
	}
	return nil
}

// latestPointBefore returns the newest row for a series strictly before
// the given boundary.
func latestPointBefore(ctx context.Context, tx DBTX, table string, metadataID int64, before time.Time) (Point, bool, error) {
	query := fmt.Sprintf(`
		SELECT start_ts, mean, min, max, state, sum, last_reset_ts
		FROM %s WHERE metadata_id = ? AND start_ts < ?
		ORDER BY start_ts DESC LIMIT 1`, table)

	rows, err := tx.QueryContext(ctx, query, metadataID, database.ToTS(before))
	if err != nil {
		return Point{}, false, fmt.Errorf("reading previous %s row: %w", table, err)
	}
	defer rows.Close()

	points, err := scanPoints(rows)
	if err != nil {
		return Point{}, false, err
	}
	if len(points) == 0 {
		return Point{}, false, nil
	}
	return points[0], true, nil
}
