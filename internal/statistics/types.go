package statistics

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Granularity constants for compiled statistics.
const (
	// ShortTermPeriod is the compile interval for raw-state rollups.
	ShortTermPeriod = 5 * time.Minute

	// LongTermPeriod is the rollup interval for the durable series.
	LongTermPeriod = time.Hour
)

// Period selects the bucket width for range queries. The 5-minute and
// hour periods map directly onto stored rows; day, week, month and year
// are calendar buckets reduced from hourly rows at query time.
type Period string

// Supported query periods.
const (
	Period5Minute Period = "5minute"
	PeriodHour    Period = "hour"
	PeriodDay     Period = "day"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodYear    Period = "year"
)

// Valid reports whether p names a supported period.
func (p Period) Valid() bool {
	switch p {
	case Period5Minute, PeriodHour, PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return true
	}
	return false
}

// Point is one statistics row at either granularity. Nil fields were not
// recorded for the series (a sum-only series has no mean/min/max).
type Point struct {
	Start     time.Time
	Mean      *float64
	Min       *float64
	Max       *float64
	State     *float64
	Sum       *float64
	LastReset *time.Time
}

// Types selects which fields of each point a query returns. The zero
// value selects nothing; callers set the fields they need.
type Types struct {
	Mean      bool
	Min       bool
	Max       bool
	State     bool
	Sum       bool
	Change    bool
	LastReset bool
}

// AllTypes selects every field.
func AllTypes() Types {
	return Types{Mean: true, Min: true, Max: true, State: true, Sum: true, Change: true, LastReset: true}
}

// DBTX is the minimal query interface shared by *sql.DB, *sql.Tx and
// *sql.Conn. Write-path methods take the writer's open transaction;
// read-path methods use the store's own reader handle.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Logger is the minimal logging interface this package needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output. Used when no logger is configured.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// BucketStart returns the start of the bucket containing t for the given
// period. Five-minute and hour buckets are fixed-width in UTC. Day and
// coarser buckets are calendar buckets in t's location; weeks start on
// Monday.
//
// Parameters:
//   - t: Any instant
//   - period: Bucket width
//
// Returns:
//   - time.Time: Start of the containing bucket
//   - error: If the period is unknown
func BucketStart(t time.Time, period Period) (time.Time, error) {
	switch period {
	case Period5Minute:
		return t.UTC().Truncate(ShortTermPeriod), nil
	case PeriodHour:
		return t.UTC().Truncate(LongTermPeriod), nil
	case PeriodDay:
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location()), nil
	case PeriodWeek:
		y, m, d := t.Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
		// Weekday() has Sunday as 0; shift so Monday is the bucket start.
		offset := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset), nil
	case PeriodMonth:
		y, m, _ := t.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, t.Location()), nil
	case PeriodYear:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location()), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
}

// NextBucketStart returns the start of the bucket following the one that
// begins at start. start must already be a bucket boundary.
func NextBucketStart(start time.Time, period Period) (time.Time, error) {
	switch period {
	case Period5Minute:
		return start.Add(ShortTermPeriod), nil
	case PeriodHour:
		return start.Add(LongTermPeriod), nil
	case PeriodDay:
		return start.AddDate(0, 0, 1), nil
	case PeriodWeek:
		return start.AddDate(0, 0, 7), nil
	case PeriodMonth:
		return start.AddDate(0, 1, 0), nil
	case PeriodYear:
		return start.AddDate(1, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
}
