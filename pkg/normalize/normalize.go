// Package normalize maps engineering units onto the 0..100 percent domain the
// PID engine works in.
package normalize

import "math"

// Range is the configured [Min, Max] span of one channel (process value,
// setpoint, grid power or controller output).
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Valid reports whether the range can be used for conversions.
func (r Range) Valid() bool {
	return r.Max > r.Min && !math.IsInf(r.Max-r.Min, 0) && !math.IsNaN(r.Max-r.Min)
}

// Span returns Max-Min.
func (r Range) Span() float64 {
	return r.Max - r.Min
}

// ToPercent converts value to percent of the range, clamped to [0,100].
// ok is false for an invalid range or a non-finite value.
func (r Range) ToPercent(value float64) (percent float64, ok bool) {
	if !r.Valid() || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	percent = (value - r.Min) * 100 / r.Span()
	return math.Max(0, math.Min(100, percent)), true
}

// FromPercent is the inverse of ToPercent. The result is not clamped.
func (r Range) FromPercent(percent float64) (value float64, ok bool) {
	if !r.Valid() || math.IsNaN(percent) || math.IsInf(percent, 0) {
		return 0, false
	}
	return r.Min + percent*r.Span()/100, true
}

// WidthToPercent converts a width (deadband, step) into percent of the span.
// Unlike ToPercent no offset is applied.
func (r Range) WidthToPercent(width float64) (float64, bool) {
	if !r.Valid() {
		return 0, false
	}
	return width * 100 / r.Span(), true
}

// WidthFromPercent converts a percent width back to engineering units.
func (r Range) WidthFromPercent(percent float64) (float64, bool) {
	if !r.Valid() {
		return 0, false
	}
	return percent * r.Span() / 100, true
}

// ToPercent is a shorthand for Range{min, max}.ToPercent(value).
func ToPercent(value, min, max float64) (float64, bool) {
	return Range{Min: min, Max: max}.ToPercent(value)
}

// FromPercent is a shorthand for Range{min, max}.FromPercent(percent).
func FromPercent(percent, min, max float64) (float64, bool) {
	return Range{Min: min, Max: max}.FromPercent(percent)
}
