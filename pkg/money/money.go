// Package money provides currency-safe arithmetic for statement amounts
// using integer minor units (go-money) and decimal parsing (shopspring).
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Common currency codes (ISO-4217)
const (
	USD = "USD"
	EUR = "EUR"
	GBP = "GBP"
	JPY = "JPY"
)

// ErrCurrencyMismatch is returned when combining amounts in different currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

var currencySymbols = []string{"R$", "$", "€", "£", "¥", "₹"}

// Money is an amount in minor units with its currency.
type Money struct {
	m *money.Money
}

// New creates Money from minor units.
func New(amountMinor int64, currencyCode string) *Money {
	return &Money{m: money.New(amountMinor, strings.ToUpper(currencyCode))}
}

// Zero returns a zero amount in currencyCode.
func Zero(currencyCode string) *Money {
	return New(0, currencyCode)
}

// NewFromDecimal rounds amount to the currency's minor unit.
func NewFromDecimal(amount decimal.Decimal, currencyCode string) *Money {
	return New(amount.Shift(fraction(currencyCode)).Round(0).IntPart(), currencyCode)
}

// NewFromString parses statement amounts such as "1,234.56", "-4.50 €" or,
// with europeanFormat, "1.234,56". Parentheses mark a negative amount.
func NewFromString(amount string, currencyCode string, europeanFormat bool) (*Money, error) {
	s := strings.TrimSpace(amount)
	negative := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	s = strings.Trim(s, "()")
	for _, sym := range currencySymbols {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")

	if europeanFormat {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if negative {
		d = d.Neg()
	}

	return NewFromDecimal(d, currencyCode), nil
}

// Amount returns the value in minor units.
func (m *Money) Amount() int64 {
	if m == nil || m.m == nil {
		return 0
	}
	return m.m.Amount()
}

// Currency returns the ISO-4217 code.
func (m *Money) Currency() string {
	if m == nil || m.m == nil {
		return ""
	}
	return m.m.Currency().Code
}

func (m *Money) IsZero() bool {
	return m == nil || m.m == nil || m.m.IsZero()
}

func (m *Money) IsPositive() bool {
	return m != nil && m.m != nil && m.m.IsPositive()
}

func (m *Money) IsNegative() bool {
	return m != nil && m.m != nil && m.m.IsNegative()
}

// Abs returns the absolute value.
func (m *Money) Abs() *Money {
	if m == nil || m.m == nil {
		return nil
	}
	return &Money{m: m.m.Absolute()}
}

// Add sums two amounts of the same currency. A nil operand counts as zero.
func (m *Money) Add(other *Money) (*Money, error) {
	if m == nil || m.m == nil {
		return other, nil
	}
	if other == nil || other.m == nil {
		return m, nil
	}
	if m.Currency() != other.Currency() {
		return nil, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, m.Currency(), other.Currency())
	}

	result, err := m.m.Add(other.m)
	if err != nil {
		return nil, err
	}
	return &Money{m: result}, nil
}

// Display formats with the currency grapheme, e.g. "$1,234.56".
func (m *Money) Display() string {
	if m == nil || m.m == nil {
		return ""
	}
	return m.m.Display()
}

// String returns the plain decimal amount, e.g. "1234.56".
func (m *Money) String() string {
	return m.ToDecimal().StringFixed(fraction(m.Currency()))
}

// ToDecimal converts minor units back to a decimal amount.
func (m *Money) ToDecimal() decimal.Decimal {
	if m == nil || m.m == nil {
		return decimal.Zero
	}
	return decimal.New(m.m.Amount(), -fraction(m.Currency()))
}

func fraction(currencyCode string) int32 {
	if c := money.GetCurrency(strings.ToUpper(currencyCode)); c != nil {
		return int32(c.Fraction)
	}
	return 2
}
