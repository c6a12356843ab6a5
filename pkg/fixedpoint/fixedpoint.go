// Package fixedpoint implements the exact decimal arithmetic used across the
// engine. Unit quantities and unit prices are Amounts at 4 decimal places;
// cash-equivalent values are Considerations at 8 decimal places. All values
// are scaled int64 and every operation is overflow-checked. No floating
// point is used anywhere in the settlement path.
package fixedpoint

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// AmountScale is the number of decimal places carried by an Amount.
	AmountScale = 4
	// ConsiderationScale is the number of decimal places carried by a Consideration.
	ConsiderationScale = 8

	amountUnit        = int64(10_000)      // 10^AmountScale
	considerationUnit = int64(100_000_000) // 10^ConsiderationScale

	maxInt64 = int64(1<<63 - 1)
)

// Amount is a unit quantity or unit price at 4-decimal scale.
// Example: Amount(36000) == 3.6
type Amount int64

// Consideration is a cash-equivalent value at 8-decimal scale.
// Example: Consideration(28800000000) == 288.0
type Consideration int64

// ErrOverflow is returned when a checked operation would exceed int64 range.
var ErrOverflow = fmt.Errorf("fixedpoint: overflow")

// AmountFromUnits builds an Amount from a whole number of units.
func AmountFromUnits(n int64) (Amount, error) {
	if n < 0 || n > maxInt64/amountUnit {
		return 0, ErrOverflow
	}
	return Amount(n * amountUnit), nil
}

// Add returns a+b, failing on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}

// Sub returns a-b, failing if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, fmt.Errorf("fixedpoint: %s - %s is negative", a, b)
	}
	return a - b, nil
}

// Mul multiplies a 4-decimal quantity by a 4-decimal price, producing an
// 8-decimal consideration. The raw product of the two scaled int64 values is
// already at 8-decimal scale, so the only concern is overflow.
func (a Amount) Mul(price Amount) (Consideration, error) {
	if a < 0 || price < 0 {
		return 0, fmt.Errorf("fixedpoint: negative operand in mul")
	}
	if a == 0 || price == 0 {
		return 0, nil
	}
	if int64(a) > maxInt64/int64(price) {
		return 0, ErrOverflow
	}
	return Consideration(int64(a) * int64(price)), nil
}

// MultipleOf reports whether a is a whole multiple of step.
func (a Amount) MultipleOf(step Amount) bool {
	return step > 0 && a%step == 0
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// String formats the amount as a trimmed decimal.
func (a Amount) String() string { return formatScaled(int64(a), AmountScale) }

// Add returns c+d, failing on overflow.
func (c Consideration) Add(d Consideration) (Consideration, error) {
	s := c + d
	if (d > 0 && s < c) || (d < 0 && s > c) {
		return 0, ErrOverflow
	}
	return s, nil
}

// Sub returns c-d, failing if the result would be negative.
func (c Consideration) Sub(d Consideration) (Consideration, error) {
	if d > c {
		return 0, fmt.Errorf("fixedpoint: %s - %s is negative", c, d)
	}
	return c - d, nil
}

// ScaleBy applies a 4-decimal exchange rate to a consideration, rounding
// toward zero. Used only for read-side FX quoting, never for settlement.
func (c Consideration) ScaleBy(rate Amount) (Consideration, error) {
	if c < 0 || rate < 0 {
		return 0, fmt.Errorf("fixedpoint: negative operand in scale")
	}
	hi := int64(c) / amountUnit
	lo := int64(c) % amountUnit
	if hi != 0 && hi > maxInt64/int64(rate) {
		return 0, ErrOverflow
	}
	scaled := hi*int64(rate) + (lo*int64(rate))/amountUnit
	if scaled < 0 {
		return 0, ErrOverflow
	}
	return Consideration(scaled), nil
}

// IsZero reports whether the consideration is zero.
func (c Consideration) IsZero() bool { return c == 0 }

// String formats the consideration as a trimmed decimal.
func (c Consideration) String() string { return formatScaled(int64(c), ConsiderationScale) }

// ParseAmount parses a positive decimal string into an Amount.
// Example: "3.6" -> Amount(36000).
func ParseAmount(s string) (Amount, error) {
	v, err := parseScaled(s, AmountScale)
	if err != nil {
		return 0, err
	}
	return Amount(v), nil
}

// ParseConsideration parses a positive decimal string into a Consideration.
func ParseConsideration(s string) (Consideration, error) {
	v, err := parseScaled(s, ConsiderationScale)
	if err != nil {
		return 0, err
	}
	return Consideration(v), nil
}

// parseScaled parses a non-negative decimal string into a fixed-scale int64.
// Example: value=12.34, scale=4 => 123400.
func parseScaled(value string, scale int) (int64, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, fmt.Errorf("fixedpoint: empty value")
	}
	s = strings.TrimPrefix(s, "+")
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("fixedpoint: value must not be negative")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("fixedpoint: invalid decimal format")
	}
	intPart := parts[0]
	if intPart == "" {
		intPart = "0"
	}
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
		if fracPart == "" {
			return 0, fmt.Errorf("fixedpoint: invalid decimal format")
		}
	}
	if len(fracPart) > scale {
		return 0, fmt.Errorf("fixedpoint: too many decimal places: max %d", scale)
	}
	for _, ch := range intPart + fracPart {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("fixedpoint: invalid decimal digits")
		}
	}

	scalePow := pow10(scale)
	intVal, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fixedpoint: %w", err)
	}
	if intVal > maxInt64/scalePow {
		return 0, ErrOverflow
	}
	scaled := intVal * scalePow

	if len(fracPart) > 0 {
		padded := fracPart + strings.Repeat("0", scale-len(fracPart))
		fracVal, err := strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("fixedpoint: %w", err)
		}
		if scaled > maxInt64-fracVal {
			return 0, ErrOverflow
		}
		scaled += fracVal
	}
	return scaled, nil
}

// formatScaled formats a scaled int64 as a decimal string, trimming
// trailing fractional zeros.
func formatScaled(v int64, scale int) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	scalePow := pow10(scale)
	intPart := v / scalePow
	fracPart := v % scalePow
	if fracPart == 0 {
		return sign + strconv.FormatInt(intPart, 10)
	}
	frac := fmt.Sprintf("%0*d", scale, fracPart)
	frac = strings.TrimRight(frac, "0")
	return sign + strconv.FormatInt(intPart, 10) + "." + frac
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
