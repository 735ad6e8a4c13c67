// Package money provides the exact fixed-point amount type used for every
// monetary field: balances, prices, fees and notionals.
//
// Money wraps shopspring/decimal. Binary floats never touch a Money value;
// rounding only happens through the explicit Round* methods.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scales for the two kinds of amounts the platform stores.
const (
	CashScale  int32 = 2
	PriceScale int32 = 4
)

var (
	// ErrDivisionByZero is the arithmetic error returned by Div and Ratio.
	ErrDivisionByZero = errors.New("money: division by zero")

	// ErrInvalidAmount is returned when a string is not a decimal number.
	ErrInvalidAmount = errors.New("money: invalid amount")

	// ErrExcessPrecision is returned when an input carries more fractional
	// digits than its scale allows.
	ErrExcessPrecision = errors.New("money: excess precision")
)

// Money is an exact decimal amount in the account currency.
// The zero value is a valid zero amount.
type Money struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{}

// New wraps a decimal.
func New(d decimal.Decimal) Money { return Money{d: d} }

// FromInt returns a whole-unit amount.
func FromInt(v int64) Money { return Money{d: decimal.NewFromInt(v)} }

// FromCents returns an amount from an integer count of cents.
func FromCents(cents int64) Money { return Money{d: decimal.New(cents, -CashScale)} }

// Parse reads a decimal string such as "1500.25".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Money{d: d}, nil
}

// ParseCash parses s and rejects more than two fractional digits.
func ParseCash(s string) (Money, error) { return parseScaled(s, CashScale) }

// ParsePrice parses s and rejects more than four fractional digits.
func ParsePrice(s string) (Money, error) { return parseScaled(s, PriceScale) }

func parseScaled(s string, scale int32) (Money, error) {
	m, err := Parse(s)
	if err != nil {
		return Zero, err
	}
	if !m.d.Equal(m.d.Truncate(scale)) {
		return Zero, fmt.Errorf("%w: %q allows %d decimal places", ErrExcessPrecision, s, scale)
	}
	return m, nil
}

// MustParse is Parse for constants and tests. It panics on bad input.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the underlying decimal.
func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money { return Money{d: m.d.Neg()} }
func (m Money) Abs() Money { return Money{d: m.d.Abs()} }

// Mul scales the amount by a quantity or a rate.
func (m Money) Mul(factor decimal.Decimal) Money { return Money{d: m.d.Mul(factor)} }

// Div divides the amount by a scalar. The quotient carries
// decimal.DivisionPrecision fractional digits; callers round explicitly.
func (m Money) Div(divisor decimal.Decimal) (Money, error) {
	if divisor.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return Money{d: m.d.Div(divisor)}, nil
}

// Ratio returns m / o as a plain decimal.
func (m Money) Ratio(o Money) (decimal.Decimal, error) {
	if o.d.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return m.d.Div(o.d), nil
}

func (m Money) Cmp(o Money) int { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }
func (m Money) LessThanOrEqual(o Money) bool { return m.d.LessThanOrEqual(o.d) }
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) IsZero() bool { return m.d.IsZero() }
func (m Money) IsPositive() bool { return m.d.IsPositive() }
func (m Money) IsNegative() bool { return m.d.IsNegative() }

// Round rounds half away from zero to the given number of places.
func (m Money) Round(places int32) Money { return Money{d: m.d.Round(places)} }

// RoundCash rounds to cents.
func (m Money) RoundCash() Money { return m.Round(CashScale) }

// RoundPrice rounds to the four-place price scale.
func (m Money) RoundPrice() Money { return m.Round(PriceScale) }

func (m Money) String() string { return m.d.String() }

// StringFixed formats with exactly places fractional digits.
func (m Money) StringFixed(places int32) string { return m.d.StringFixed(places) }

// InexactFloat64 is for metrics only.
func (m Money) InexactFloat64() float64 { return m.d.InexactFloat64() }

// Sum adds all amounts.
func Sum(amounts ...Money) Money {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Min returns the smaller amount.
func Min(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MarshalJSON encodes the amount as a JSON string to keep every digit.
func (m Money) MarshalJSON() ([]byte, error) { return m.d.MarshalJSON() }

// UnmarshalJSON accepts both quoted strings and bare numbers.
func (m *Money) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		m.d = decimal.Zero
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, data)
	}
	m.d = d
	return nil
}

// Scan implements sql.Scanner.
func (m *Money) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("money: scan: %w", err)
	}
	m.d = d
	return nil
}

// Value implements driver.Valuer. Amounts are stored as decimal text.
func (m Money) Value() (driver.Value, error) { return m.d.String(), nil }
