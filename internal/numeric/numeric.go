// Package numeric provides decimal helpers shared across services.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string into a decimal value.
// On failure, it returns (zero, false).
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// RoundToTick quantises price to an exact multiple of tick, rounding toward
// zero. A non-positive tick leaves the price unchanged.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	steps := price.Div(tick).Truncate(0)
	return steps.Mul(tick)
}

// RoundToStep quantises quantity to an exact multiple of step, rounding
// toward zero. A non-positive step leaves the quantity unchanged.
func RoundToStep(quantity, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return quantity
	}
	steps := quantity.Div(step).Truncate(0)
	return steps.Mul(step)
}

// ScaleFromStep derives the effective fractional precision from a decimal
// "step" string such as "0.001".
func ScaleFromStep(step string) int {
	step = strings.TrimSpace(step)
	if step == "" {
		return 0
	}
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return len(frac)
}

// WithinTolerance reports whether a and b differ by at most tolerance.
// A zero tolerance demands exact equality.
func WithinTolerance(a, b, tolerance decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	return diff.LessThanOrEqual(tolerance)
}
