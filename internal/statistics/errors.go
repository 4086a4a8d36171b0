package statistics

import "errors"

// Sentinel errors for statistics operations. Unit conversion errors
// live in units.go next to the factor tables.
var (
	// ErrInvalidPeriod is returned for an unrecognized bucket period.
	ErrInvalidPeriod = errors.New("statistics: invalid period")

	// ErrInvalidStatisticID is returned when a statistic identifier does
	// not match the format required by its source. Recorder-sourced ids
	// look like entity ids ("sensor.energy"); external ids are namespaced
	// with a colon ("tariff:energy_import").
	ErrInvalidStatisticID = errors.New("statistics: invalid statistic id")

	// ErrInvalidPoint is returned when an imported point is malformed,
	// for example a start timestamp not aligned to an hour boundary.
	ErrInvalidPoint = errors.New("statistics: invalid statistic point")

	// ErrUnitMismatch is returned by unit changes when the caller's idea
	// of the stored unit does not match what is actually stored.
	ErrUnitMismatch = errors.New("statistics: stored unit does not match")

	// ErrUnknownStatistic is returned when an operation targets a
	// statistic id that has no metadata row. Queries treat an unknown id
	// as an empty result; mutations treat it as an error.
	ErrUnknownStatistic = errors.New("statistics: unknown statistic id")
)
