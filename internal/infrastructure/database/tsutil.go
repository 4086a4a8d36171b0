package database

import "time"

// nanosPerSecond converts between nanoseconds and the REAL epoch columns.
const nanosPerSecond = 1e9

// ToTS converts a time.Time to the REAL epoch-seconds representation used
// by every *_ts column. Sub-second precision is preserved.
func ToTS(t time.Time) float64 {
	return float64(t.UnixNano()) / nanosPerSecond
}

// FromTS converts a REAL epoch-seconds value back to a UTC time.Time.
func FromTS(ts float64) time.Time {
	return time.Unix(0, int64(ts*nanosPerSecond)).UTC()
}
