package events

import (
	"github.com/shopspring/decimal"
)

// Money is a decimal amount that is encoded as a plain JSON number.
type Money struct {
	decimal.Decimal
}

// Zero returns a zero amount.
func Zero() Money {
	return Money{decimal.Zero}
}

// NewMoney wraps d.
func NewMoney(d decimal.Decimal) Money {
	return Money{d}
}

// MoneyFromFloat converts a float price, as found in list fixtures and tests.
func MoneyFromFloat(f float64) Money {
	return Money{decimal.NewFromFloat(f)}
}

// MustParseMoney parses s and panics on malformed input.
func MustParseMoney(s string) Money {
	return Money{decimal.RequireFromString(s)}
}

// Add returns m + o.
func (m Money) Add(o Money) Money {
	return Money{m.Decimal.Add(o.Decimal)}
}

// MulInt returns m multiplied by a whole quantity.
func (m Money) MulInt(n int) Money {
	return Money{m.Decimal.Mul(decimal.NewFromInt(int64(n)))}
}

// Round2 rounds half away from zero to cents.
func (m Money) Round2() Money {
	return Money{m.Decimal.Round(2)}
}

// Equal compares values, so 10.5 equals 10.50.
func (m Money) Equal(o Money) bool {
	return m.Decimal.Equal(o.Decimal)
}

// MarshalJSON writes the amount unquoted.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal.String()), nil
}

// UnmarshalJSON accepts both numbers and quoted numbers.
func (m *Money) UnmarshalJSON(data []byte) error {
	return m.Decimal.UnmarshalJSON(data)
}
