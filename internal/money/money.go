// Package money provides the currency-tagged decimal amount used across
// the banking domain.
//
// A Money value pairs an arbitrary-precision decimal with a currency code.
// Arithmetic never mixes currencies and never rounds implicitly: sums and
// differences are exact at the finer operand scale. Rendering follows the
// decimal library, which drops trailing fractional zeros, so "250.00" is
// written back as "250".
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned when an operation combines or compares
// amounts in different currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is an immutable amount in a single currency. The currency code is
// opaque to this package; two codes match only on exact string equality.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// New returns an amount in the given currency.
func New(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// FromString parses a decimal string such as "250.00" into a Money value.
// The amount keeps the scale it was written with.
func FromString(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// Add returns m + other. It fails when the currencies differ.
func (m Money) Add(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, fmt.Errorf("%w: cannot add %s to %s", ErrCurrencyMismatch, other.Currency, m.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Subtract returns m - other. It fails when the currencies differ.
func (m Money) Subtract(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, fmt.Errorf("%w: cannot subtract %s from %s", ErrCurrencyMismatch, other.Currency, m.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Negate returns the amount with its sign flipped.
func (m Money) Negate() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Equal reports numeric equality in the same currency, so "250.00" equals
// "250" when the currencies match.
func (m Money) Equal(other Money) bool {
	return m.SameCurrency(other) && m.Amount.Equal(other.Amount)
}

// SameCurrency reports whether both amounts share a currency.
func (m Money) SameCurrency(other Money) bool {
	return m.Currency == other.Currency
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// IsNegative reports whether the amount is strictly less than zero.
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Amount.IsZero() }

// String renders the amount and currency, e.g. "250.75 USD".
func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}
