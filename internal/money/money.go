package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Epsilon is the tolerance used when comparing settlement amounts.
var Epsilon = decimal.New(1, -2)

// Hundred is a convenience constant for minor-unit conversions.
var Hundred = decimal.NewFromInt(100)

// Round2 rounds the amount to the currency minor unit using round-half-away-from-zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Sum adds every value exactly and rounds once at the end.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return Round2(total)
}

// ApproxEqual reports whether a and b differ by less than Epsilon.
func ApproxEqual(a, b decimal.Decimal) bool {
	return ApproxEqualEps(a, b, Epsilon)
}

// ApproxEqualEps reports whether a and b differ by less than eps.
func ApproxEqualEps(a, b, eps decimal.Decimal) bool {
	if eps.IsNegative() {
		eps = eps.Neg()
	}
	return a.Sub(b).Abs().LessThan(eps)
}

// ClampNonNegative returns zero for negative counts.
func ClampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// ClampAmount returns zero for negative amounts.
func ClampAmount(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// FloorUnits truncates the amount to whole currency units.
func FloorUnits(d decimal.Decimal) decimal.Decimal {
	return d.Floor()
}

// Parse converts a textual amount ("12.5", "12,50", " 1800 ") into a rounded decimal.
func Parse(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	trimmed = strings.ReplaceAll(trimmed, " ", "")
	if !strings.Contains(trimmed, ".") {
		trimmed = strings.Replace(trimmed, ",", ".", 1)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return Round2(d), nil
}

// FromMinor converts an amount expressed in minor units (cents) into a decimal.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// ToMinor converts an amount into minor units after rounding.
func ToMinor(d decimal.Decimal) int64 {
	return Round2(d).Mul(Hundred).IntPart()
}
