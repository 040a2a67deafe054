package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Parsing
// ============================================================================

func TestNewFromString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		european bool
		want     int64
		wantErr  bool
	}{
		{"plain", "12.50", false, 1250, false},
		{"dollar sign", "$1,234.56", false, 123456, false},
		{"spaces", " 42.00 ", false, 4200, false},
		{"trailing minus", "12.50-", false, -1250, false},
		{"parentheses", "(7.25)", false, -725, false},
		{"leading minus", "-3.10", false, -310, false},
		{"european", "1.234,56", true, 123456, false},
		{"rounds to cents", "0.125", false, 13, false},
		{"whole number", "15", false, 1500, false},
		{"no digits", "N/A", false, 0, true},
		{"empty", "", false, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewFromString(tt.input, USD, tt.european)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Amount())
			assert.Equal(t, USD, m.Currency())
		})
	}
}

func TestParsePrice_KeepsSubCentPrecision(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		cents  int64
		render string
	}{
		{"three places", "0.349", "0.349", 35, "$0.349"},
		{"half cent", "0.125", "0.125", 13, "$0.125"},
		{"four places", "$1,002.0625", "1002.0625", 100206, "$1,002.0625"},
		{"beyond four places", "0.12345", "0.1235", 12, "$0.1235"},
		{"whole cents", "12.50", "12.5", 1250, "$12.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParsePrice(tt.input, USD, false)
			require.NoError(t, err)
			assert.True(t, m.ToDecimal().Equal(decimal.RequireFromString(tt.want)), "got %s", m.ToDecimal())
			assert.Equal(t, tt.cents, m.Amount())
			assert.Equal(t, tt.render, m.String())
		})
	}

	_, err := ParsePrice("n/a", USD, false)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNewPrice_DistinctSubCentPricesStayDistinct(t *testing.T) {
	a := NewPrice(decimal.RequireFromString("0.125"), USD)
	b := NewPrice(decimal.RequireFromString("0.134"), USD)
	// Both round to 13 cents, yet they are different prices.
	assert.Equal(t, a.Amount(), b.Amount())
	assert.False(t, a.Equals(b))
	assert.Equal(t, -1, a.Compare(b))
	assert.True(t, PercentChange(a, b).Equal(decimal.RequireFromString("7.2")))
	assert.Equal(t, "0.134", b.StringFixed())
}

func TestNewFromDecimal_UnknownCurrencyFallsBackToUSD(t *testing.T) {
	m := NewFromDecimal(decimal.RequireFromString("1.99"), "???")
	assert.Equal(t, int64(199), m.Amount())
	assert.Equal(t, USD, m.Currency())
}

// ============================================================================
// Arithmetic
// ============================================================================

func TestAddSubtract(t *testing.T) {
	a := New(1000, USD)
	b := New(250, USD)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1250), sum.Amount())

	diff, err := a.Subtract(b)
	require.NoError(t, err)
	assert.Equal(t, int64(750), diff.Amount())

	_, err = a.Add(New(100, EUR))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMultiplyDecimal(t *testing.T) {
	unit := New(1999, USD)
	total := unit.MultiplyDecimal(decimal.NewFromInt(3))
	assert.Equal(t, int64(5997), total.Amount())

	half := unit.MultiplyDecimal(decimal.RequireFromString("0.5"))
	assert.Equal(t, int64(1000), half.Amount())

	perFoot := NewPrice(decimal.RequireFromString("0.349"), USD)
	assert.Equal(t, int64(8725), perFoot.MultiplyDecimal(decimal.NewFromInt(250)).Amount())
}

func TestToDecimal(t *testing.T) {
	assert.True(t, New(12345, USD).ToDecimal().Equal(decimal.RequireFromString("123.45")))
	var nilMoney *Money
	assert.True(t, nilMoney.ToDecimal().IsZero())
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, New(100, USD).Compare(New(200, USD)))
	assert.Equal(t, 0, New(200, USD).Compare(New(200, USD)))
	assert.Equal(t, 1, New(300, USD).Compare(New(200, USD)))
	assert.True(t, New(200, USD).Equals(New(200, USD)))
	assert.False(t, New(200, USD).Equals(New(200, EUR)))
}

// ============================================================================
// Price analysis helpers
// ============================================================================

func TestPercentChange(t *testing.T) {
	tests := []struct {
		name string
		from int64
		to   int64
		want string
	}{
		{"increase", 1000, 1100, "10"},
		{"decrease", 1000, 950, "-5"},
		{"unchanged", 1000, 1000, "0"},
		{"from zero", 0, 500, "0"},
		{"fractional", 300, 400, "33.33"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PercentChange(New(tt.from, USD), New(tt.to, USD))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestWithinTolerance(t *testing.T) {
	tests := []struct {
		name    string
		a, b    int64
		cents   int64
		percent string
		want    bool
	}{
		{"exact", 1000, 1000, 0, "0", true},
		{"within cents", 1001, 1000, 2, "0", true},
		{"outside cents", 1010, 1000, 2, "0", false},
		{"within percent", 1010, 1000, 0, "1", true},
		{"outside both", 1200, 1000, 5, "1", false},
		{"negative diff", 995, 1000, 5, "0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WithinTolerance(New(tt.a, USD), New(tt.b, USD), tt.cents, decimal.RequireFromString(tt.percent))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithinTolerance_SubCentPrice(t *testing.T) {
	// 250 ft at $0.349 is $87.25; a cent-rounded $0.35 would give $87.50.
	expected := NewPrice(decimal.RequireFromString("0.349"), USD).MultiplyDecimal(decimal.NewFromInt(250))
	assert.True(t, WithinTolerance(expected, New(8725, USD), 0, decimal.Zero))
	assert.False(t, WithinTolerance(New(8750, USD), New(8725, USD), 1, decimal.Zero))
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(New(4250, EUR))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"42.50","currency":"EUR"}`, string(data))

	var m Money
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, int64(4250), m.Amount())
	assert.Equal(t, EUR, m.Currency())

	data, err = json.Marshal(NewPrice(decimal.RequireFromString("0.349"), USD))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"0.349","currency":"USD"}`, string(data))
}
