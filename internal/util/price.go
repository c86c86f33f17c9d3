// Package util provides helpers for gateway price and greek values.
package util

import "math"

// UnsetPrice is the gateway's sentinel for an unavailable price.
const UnsetPrice = -1.0

// IsValidPrice reports whether v is a usable price: not the -1 sentinel and
// not NaN.
func IsValidPrice(v float64) bool {
	return v != UnsetPrice && !math.IsNaN(v)
}

// IsValidGreek reports whether v is a usable greek: finite.
func IsValidGreek(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// PriceOrNil returns &v for a valid price, nil otherwise.
func PriceOrNil(v float64) *float64 {
	if !IsValidPrice(v) {
		return nil
	}
	return &v
}

// GreekOrNil returns &v for a valid greek, nil otherwise.
func GreekOrNil(v float64) *float64 {
	if !IsValidGreek(v) {
		return nil
	}
	return &v
}

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}
