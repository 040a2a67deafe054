// Package money provides currency-safe price arithmetic. Amounts are exact decimals in
// major units: totals are rounded to the currency's minor unit, unit prices keep up to
// PricePlaces decimals. go-money supplies the currency tables and display formatting;
// shopspring/decimal does the math (quantities, percent change, tolerances).
package money

import (
	"encoding/json"
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
	CAD = "CAD"
)

// PricePlaces is the precision kept for unit prices; supply prices are often quoted per
// foot or per each below one cent.
const PricePlaces = 4

var (
	// ErrCurrencyMismatch is returned when combining amounts in different currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrInvalidAmount is returned when an amount string holds no digits.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Money represents a monetary value with currency.
type Money struct {
	amount   decimal.Decimal
	currency *money.Currency
}

func currencyOf(code string) *money.Currency {
	return money.New(0, code).Currency()
}

func knownCurrency(code string) *money.Currency {
	if c := money.GetCurrency(code); c != nil {
		return c
	}
	return money.GetCurrency(USD)
}

// New creates a Money value from minor units (cents).
func New(amountCents int64, currencyCode string) *Money {
	c := currencyOf(currencyCode)
	return &Money{amount: decimal.New(amountCents, -int32(c.Fraction)), currency: c}
}

// NewFromDecimal creates Money from a decimal amount, rounding half away from zero
// to the currency's minor unit.
func NewFromDecimal(amount decimal.Decimal, currencyCode string) *Money {
	c := knownCurrency(currencyCode)
	return &Money{amount: amount.Round(int32(c.Fraction)), currency: c}
}

// NewPrice creates a unit price, keeping up to PricePlaces decimals (never fewer than the
// currency's minor unit).
func NewPrice(amount decimal.Decimal, currencyCode string) *Money {
	c := knownCurrency(currencyCode)
	return &Money{amount: amount.Round(int32(max(PricePlaces, c.Fraction))), currency: c}
}

// ParsePrice parses a printed unit price the way NewFromString parses amounts, without
// rounding to the minor unit.
func ParsePrice(amount string, currencyCode string, europeanFormat bool) (*Money, error) {
	d, err := ParseDecimal(amount, europeanFormat)
	if err != nil {
		return nil, err
	}
	return NewPrice(d, currencyCode), nil
}

// NewFromString parses amounts as printed on invoices: "$1,234.56", "1 234.56",
// "12.50-", "(12.50)" and, with europeanFormat, "1.234,56".
func NewFromString(amount string, currencyCode string, europeanFormat bool) (*Money, error) {
	d, err := ParseDecimal(amount, europeanFormat)
	if err != nil {
		return nil, err
	}
	return NewFromDecimal(d, currencyCode), nil
}

// ParseDecimal parses a printed number, dropping currency symbols and grouping.
func ParseDecimal(amount string, europeanFormat bool) (decimal.Decimal, error) {
	s := strings.TrimSpace(amount)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}

	if europeanFormat {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	// Keep digits, the decimal point and a leading minus.
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0 && i < len(s)-1:
			negative = true
		}
	}
	cleaned := b.String()
	if cleaned == "" || cleaned == "." {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// Zero returns a zero Money value for the given currency
func Zero(currencyCode string) *Money {
	return New(0, currencyCode)
}

func (m *Money) fraction() int32 {
	if m == nil || m.currency == nil {
		return 2
	}
	return int32(m.currency.Fraction)
}

// Amount returns the amount in minor units (cents), rounded half away from zero.
func (m *Money) Amount() int64 {
	if m == nil {
		return 0
	}
	return m.amount.Shift(m.fraction()).Round(0).IntPart()
}

// Currency returns the ISO-4217 currency code
func (m *Money) Currency() string {
	if m == nil || m.currency == nil {
		return ""
	}
	return m.currency.Code
}

// IsZero returns true if the amount is zero
func (m *Money) IsZero() bool {
	return m == nil || m.amount.IsZero()
}

// IsPositive returns true if the amount is greater than zero
func (m *Money) IsPositive() bool {
	return m != nil && m.amount.IsPositive()
}

// Abs returns the absolute value
func (m *Money) Abs() *Money {
	if m == nil {
		return nil
	}
	return &Money{amount: m.amount.Abs(), currency: m.currency}
}

// Add returns m + other.
func (m *Money) Add(other *Money) (*Money, error) {
	if m == nil || other == nil {
		return nil, errors.New("cannot add nil money")
	}
	if !m.SameCurrency(other) {
		return nil, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, m.Currency(), other.Currency())
	}
	return &Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// Subtract returns m - other.
func (m *Money) Subtract(other *Money) (*Money, error) {
	if m == nil || other == nil {
		return nil, errors.New("cannot subtract nil money")
	}
	if !m.SameCurrency(other) {
		return nil, fmt.Errorf("%w: %s and %s", ErrCurrencyMismatch, m.Currency(), other.Currency())
	}
	return &Money{amount: m.amount.Sub(other.amount), currency: m.currency}, nil
}

// MultiplyDecimal multiplies by a decimal factor (a quantity), rounding to cents.
func (m *Money) MultiplyDecimal(factor decimal.Decimal) *Money {
	if m == nil {
		return nil
	}
	return &Money{amount: m.amount.Mul(factor).Round(m.fraction()), currency: m.currency}
}

// Equals checks amount and currency.
func (m *Money) Equals(other *Money) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.SameCurrency(other) && m.amount.Equal(other.amount)
}

// Compare returns -1, 0 or 1. Amounts in different currencies compare by value.
func (m *Money) Compare(other *Money) int {
	return m.ToDecimal().Cmp(other.ToDecimal())
}

// SameCurrency reports whether both values share a currency.
func (m *Money) SameCurrency(other *Money) bool {
	return m.Currency() == other.Currency()
}

// ToDecimal returns the exact amount in major units.
func (m *Money) ToDecimal() decimal.Decimal {
	if m == nil {
		return decimal.Zero
	}
	return m.amount
}

// places is the number of decimals needed to show the amount: the currency's minor unit,
// or more for sub-cent prices.
func (m *Money) places() int32 {
	places := m.fraction()
	for places < PricePlaces && !m.amount.Equal(m.amount.Round(places)) {
		places++
	}
	return places
}

// String formats with the currency symbol, e.g. "$1,234.56" or "$0.349".
func (m *Money) String() string {
	if m == nil || m.currency == nil {
		return ""
	}
	f := m.currency.Formatter()
	places := m.places()
	f.Fraction = int(places)
	return f.Format(m.amount.Shift(places).Round(0).IntPart())
}

// StringFixed formats the bare amount with at least the currency's minor unit, e.g.
// "4.25" or "0.349".
func (m *Money) StringFixed() string {
	if m == nil {
		return ""
	}
	return m.amount.StringFixed(m.places())
}

// PercentChange returns (to - from) / from * 100, rounded to two places.
// A zero base yields zero; there is no meaningful percentage from nothing.
func PercentChange(from, to *Money) decimal.Decimal {
	base := from.ToDecimal()
	if base.IsZero() {
		return decimal.Zero
	}
	return to.ToDecimal().Sub(base).Div(base).Mul(decimal.NewFromInt(100)).Round(2)
}

// WithinTolerance reports whether |a - b| is at most toleranceCents minor units, or at
// most tolerancePercent of b. Either bound passing is enough.
func WithinTolerance(a, b *Money, toleranceCents int64, tolerancePercent decimal.Decimal) bool {
	diff := a.ToDecimal().Sub(b.ToDecimal()).Abs()
	if diff.LessThanOrEqual(decimal.New(toleranceCents, -b.fraction())) {
		return true
	}
	base := b.ToDecimal().Abs()
	if tolerancePercent.IsPositive() && !base.IsZero() {
		limit := base.Mul(tolerancePercent).Div(decimal.NewFromInt(100))
		return diff.LessThanOrEqual(limit)
	}
	return false
}

type moneyJSON struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// MarshalJSON encodes as {"amount": "42.50", "currency": code}.
func (m *Money) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{Amount: m.StringFixed(), Currency: m.Currency()})
}

// UnmarshalJSON decodes the MarshalJSON form.
func (m *Money) UnmarshalJSON(data []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.amount = v.Amount
	m.currency = currencyOf(v.Currency)
	return nil
}
