package statistics

import (
	"errors"
	"fmt"
)

// Unit conversion errors.
var (
	// ErrUnknownUnit is returned when a unit string belongs to no
	// supported unit class.
	ErrUnknownUnit = errors.New("statistics: unknown unit")

	// ErrIncompatibleUnits is returned when source and target units
	// belong to different unit classes.
	ErrIncompatibleUnits = errors.New("statistics: units are not convertible")

	// ErrAffineConversion is returned when a pure scale factor is
	// requested for a conversion that also needs an offset, such as
	// Celsius to Fahrenheit. Stored-series rewrites only support
	// linear conversions.
	ErrAffineConversion = errors.New("statistics: conversion requires an offset, not a pure factor")
)

// UnitClass groups units that convert between each other.
type UnitClass string

// Supported unit classes.
const (
	ClassEnergy      UnitClass = "energy"
	ClassPower       UnitClass = "power"
	ClassVolume      UnitClass = "volume"
	ClassDistance    UnitClass = "distance"
	ClassTemperature UnitClass = "temperature"
)

// linearFactors maps each linear unit to its factor relative to the
// class base unit (Wh, W, m³, m). value_in_base = value * factor.
var linearFactors = map[UnitClass]map[string]float64{
	ClassEnergy: {
		"Wh":  1,
		"kWh": 1e3,
		"MWh": 1e6,
		"GWh": 1e9,
		"MJ":  1e6 / 3600,
		"GJ":  1e9 / 3600,
	},
	ClassPower: {
		"W":  1,
		"kW": 1e3,
		"MW": 1e6,
	},
	ClassVolume: {
		"m³":  1,
		"L":   1e-3,
		"mL":  1e-6,
		"ft³": 0.028316846592,
		"CCF": 2.8316846592,
		"gal": 0.003785411784,
	},
	ClassDistance: {
		"m":  1,
		"km": 1e3,
		"cm": 1e-2,
		"mm": 1e-3,
		"mi": 1609.344,
		"yd": 0.9144,
		"ft": 0.3048,
		"in": 0.0254,
	},
}

// affineUnit converts to and from the temperature base unit (°C).
// base = (value - offset) / scale, value = base*scale + offset.
type affineUnit struct {
	scale  float64
	offset float64
}

var temperatureUnits = map[string]affineUnit{
	"°C": {scale: 1, offset: 0},
	"°F": {scale: 1.8, offset: 32},
	"K":  {scale: 1, offset: 273.15},
}

// UnitClassOf reports which class a unit belongs to.
//
// Parameters:
//   - unit: Unit string, e.g. "kWh"
//
// Returns:
//   - UnitClass: The class (valid only when known)
//   - bool: Whether the unit is supported
func UnitClassOf(unit string) (UnitClass, bool) {
	for class, units := range linearFactors {
		if _, ok := units[unit]; ok {
			return class, true
		}
	}
	if _, ok := temperatureUnits[unit]; ok {
		return ClassTemperature, true
	}
	return "", false
}

// Convertible reports whether two units belong to the same class.
// Identical unit strings are always convertible, even when unknown.
func Convertible(from, to string) bool {
	if from == to {
		return true
	}
	fromClass, ok := UnitClassOf(from)
	if !ok {
		return false
	}
	toClass, ok := UnitClassOf(to)
	return ok && fromClass == toClass
}

// ConvertValue converts a point value between units of the same class.
// Temperature conversions apply the affine offset.
//
// Parameters:
//   - value: Value in the source unit
//   - from: Source unit
//   - to: Target unit
//
// Returns:
//   - float64: Value in the target unit
//   - error: ErrUnknownUnit or ErrIncompatibleUnits
func ConvertValue(value float64, from, to string) (float64, error) {
	if from == to {
		return value, nil
	}

	fromClass, ok := UnitClassOf(from)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, from)
	}
	toClass, ok := UnitClassOf(to)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, to)
	}
	if fromClass != toClass {
		return 0, fmt.Errorf("%w: %q -> %q", ErrIncompatibleUnits, from, to)
	}

	if fromClass == ClassTemperature {
		src := temperatureUnits[from]
		dst := temperatureUnits[to]
		base := (value - src.offset) / src.scale
		return base*dst.scale + dst.offset, nil
	}

	factors := linearFactors[fromClass]
	return value * factors[from] / factors[to], nil
}

// ConvertDelta converts a difference between two readings. For linear
// classes this matches ConvertValue; for temperature the offset cancels
// and only the scale applies.
func ConvertDelta(delta float64, from, to string) (float64, error) {
	if from == to {
		return delta, nil
	}

	fromClass, ok := UnitClassOf(from)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, from)
	}
	toClass, ok := UnitClassOf(to)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, to)
	}
	if fromClass != toClass {
		return 0, fmt.Errorf("%w: %q -> %q", ErrIncompatibleUnits, from, to)
	}

	if fromClass == ClassTemperature {
		return delta * temperatureUnits[to].scale / temperatureUnits[from].scale, nil
	}

	factors := linearFactors[fromClass]
	return delta * factors[from] / factors[to], nil
}

// FactorBetween returns the pure multiplicative factor converting the
// source unit to the target unit. Temperature pairs other than
// identical units are rejected with ErrAffineConversion because a
// single factor cannot represent the offset.
//
// Parameters:
//   - from: Source unit
//   - to: Target unit
//
// Returns:
//   - float64: Factor such that target = source * factor
//   - error: ErrUnknownUnit, ErrIncompatibleUnits or ErrAffineConversion
func FactorBetween(from, to string) (float64, error) {
	if from == to {
		return 1, nil
	}

	fromClass, ok := UnitClassOf(from)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, from)
	}
	toClass, ok := UnitClassOf(to)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, to)
	}
	if fromClass != toClass {
		return 0, fmt.Errorf("%w: %q -> %q", ErrIncompatibleUnits, from, to)
	}
	if fromClass == ClassTemperature {
		return 0, fmt.Errorf("%w: %q -> %q", ErrAffineConversion, from, to)
	}

	factors := linearFactors[fromClass]
	return factors[from] / factors[to], nil
}
