package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPolicy_Compute(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		lines     []Line
		discounts []decimal.Decimal
		want      Breakdown
	}{
		{
			name:      "fixed coupon above free shipping threshold",
			lines:     []Line{{UnitPrice: dec("600"), Quantity: 2}},
			discounts: []decimal.Decimal{dec("100")},
			want: Breakdown{
				Subtotal:      dec("1200"),
				Shipping:      decimal.Zero,
				Tax:           dec("216"),
				TotalDiscount: dec("100"),
				Total:         dec("1316"),
			},
		},
		{
			name:  "flat shipping at exactly the threshold",
			lines: []Line{{UnitPrice: dec("500"), Quantity: 2}},
			want: Breakdown{
				Subtotal:      dec("1000"),
				Shipping:      dec("50"),
				Tax:           dec("180"),
				TotalDiscount: decimal.Zero,
				Total:         dec("1230"),
			},
		},
		{
			name:      "discount larger than subtotal is clamped",
			lines:     []Line{{UnitPrice: dec("10"), Quantity: 1}},
			discounts: []decimal.Decimal{dec("8"), dec("8")},
			want: Breakdown{
				Subtotal:      dec("10"),
				Shipping:      dec("50"),
				Tax:           dec("1.8"),
				TotalDiscount: dec("10"),
				Total:         dec("51.8"),
			},
		},
		{
			name:      "tax computed on pre-discount subtotal",
			lines:     []Line{{UnitPrice: dec("99.99"), Quantity: 3}},
			discounts: []decimal.Decimal{dec("29.99")},
			want: Breakdown{
				Subtotal:      dec("299.97"),
				Shipping:      dec("50"),
				Tax:           dec("53.99"),
				TotalDiscount: dec("29.99"),
				Total:         dec("373.97"),
			},
		},
		{
			name: "empty cart",
			want: Breakdown{
				Subtotal:      decimal.Zero,
				Shipping:      decimal.Zero,
				Tax:           decimal.Zero,
				TotalDiscount: decimal.Zero,
				Total:         decimal.Zero,
			},
		},
		{
			name:      "negative discounts are ignored",
			lines:     []Line{{UnitPrice: dec("2000"), Quantity: 1}},
			discounts: []decimal.Decimal{dec("-50")},
			want: Breakdown{
				Subtotal:      dec("2000"),
				Shipping:      decimal.Zero,
				Tax:           dec("360"),
				TotalDiscount: decimal.Zero,
				Total:         dec("2360"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Compute(tt.lines, tt.discounts)

			assert.True(t, tt.want.Subtotal.Equal(got.Subtotal), "subtotal: want %s, got %s", tt.want.Subtotal, got.Subtotal)
			assert.True(t, tt.want.Shipping.Equal(got.Shipping), "shipping: want %s, got %s", tt.want.Shipping, got.Shipping)
			assert.True(t, tt.want.Tax.Equal(got.Tax), "tax: want %s, got %s", tt.want.Tax, got.Tax)
			assert.True(t, tt.want.TotalDiscount.Equal(got.TotalDiscount), "discount: want %s, got %s", tt.want.TotalDiscount, got.TotalDiscount)
			assert.True(t, tt.want.Total.Equal(got.Total), "total: want %s, got %s", tt.want.Total, got.Total)
		})
	}
}

func TestPolicy_Compute_Deterministic(t *testing.T) {
	p := DefaultPolicy()
	lines := []Line{
		{UnitPrice: dec("13.37"), Quantity: 3},
		{UnitPrice: dec("0.99"), Quantity: 7},
		{UnitPrice: dec("450"), Quantity: 1},
	}
	discounts := []decimal.Decimal{dec("12.5"), dec("3.33")}

	first := p.Compute(lines, discounts)
	for range 100 {
		got := p.Compute(lines, discounts)
		require.True(t, first.Total.Equal(got.Total))
		require.True(t, first.Tax.Equal(got.Tax))
		require.True(t, first.TotalDiscount.Equal(got.TotalDiscount))
	}
}

func TestPolicy_Compute_NeverNegative(t *testing.T) {
	p := Policy{
		FreeShippingThreshold: dec("0"),
		FlatShippingFee:       dec("0"),
		TaxRate:               dec("0"),
	}

	for _, discount := range []string{"0", "1", "9.99", "10", "10.01", "1000000"} {
		t.Run(discount, func(t *testing.T) {
			got := p.Compute([]Line{{UnitPrice: dec("10"), Quantity: 1}}, []decimal.Decimal{dec(discount)})
			assert.False(t, got.Total.IsNegative(), "total %s is negative", got.Total)
			assert.True(t, got.TotalDiscount.LessThanOrEqual(got.Subtotal))
		})
	}
}

func TestPercentageOff(t *testing.T) {
	tests := []struct {
		name string
		base string
		pct  string
		max  string
		want string
	}{
		{name: "plain", base: "200", pct: "10", max: "0", want: "20"},
		{name: "capped", base: "200", pct: "50", max: "30", want: "30"},
		{name: "rounds to cents", base: "33.33", pct: "15", max: "0", want: "5"},
		{name: "over 100 percent is capped at base", base: "40", pct: "150", max: "0", want: "40"},
		{name: "zero base", base: "0", pct: "10", max: "0", want: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PercentageOff(dec(tt.base), dec(tt.pct), dec(tt.max))
			assert.True(t, dec(tt.want).Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestFixedOff(t *testing.T) {
	assert.True(t, dec("100").Equal(FixedOff(dec("1200"), dec("100"))))
	assert.True(t, dec("15").Equal(FixedOff(dec("15"), dec("100"))))
	assert.True(t, decimal.Zero.Equal(FixedOff(dec("15"), dec("-1"))))
}
