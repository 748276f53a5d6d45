// Package pricing computes order totals from a cart snapshot and a set of
// already-derived coupon discounts. Everything here is pure: no I/O, no
// clocks, no randomness, so identical inputs always produce identical output.
package pricing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Policy holds the store-wide pricing constants.
type Policy struct {
	// FreeShippingThreshold is the subtotal that must be strictly exceeded
	// for shipping to be free.
	FreeShippingThreshold decimal.Decimal
	// FlatShippingFee is charged when the threshold is not exceeded.
	FlatShippingFee decimal.Decimal
	// TaxRate is a fraction (0.18 for 18%) applied to the pre-discount subtotal.
	TaxRate decimal.Decimal
}

// DefaultPolicy returns the documented store defaults: free shipping above
// 1000, a flat fee of 50 otherwise, and an 18% flat tax.
func DefaultPolicy() Policy {
	return Policy{
		FreeShippingThreshold: decimal.NewFromInt(1000),
		FlatShippingFee:       decimal.NewFromInt(50),
		TaxRate:               decimal.RequireFromString("0.18"),
	}
}

// Line is a priced cart line.
type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

// Breakdown is the result of a pricing computation.
type Breakdown struct {
	Subtotal      decimal.Decimal
	Shipping      decimal.Decimal
	Tax           decimal.Decimal
	TotalDiscount decimal.Decimal
	Total         decimal.Decimal
}

// Compute prices lines and applies discounts.
//
// Tax is computed on the subtotal before discounts. The combined discount is
// clamped to the subtotal and the total never drops below zero.
func (p Policy) Compute(lines []Line, discounts []decimal.Decimal) Breakdown {
	subtotal := Subtotal(lines)

	shipping := decimal.Zero
	if !subtotal.IsZero() && !subtotal.GreaterThan(p.FreeShippingThreshold) {
		shipping = p.FlatShippingFee
	}

	tax := subtotal.Mul(p.TaxRate).Round(2)

	totalDiscount := decimal.Zero
	for _, d := range discounts {
		if d.IsPositive() {
			totalDiscount = totalDiscount.Add(d)
		}
	}
	totalDiscount = decimal.Min(totalDiscount, subtotal).Round(2)

	total := subtotal.Add(shipping).Add(tax).Sub(totalDiscount)
	return Breakdown{
		Subtotal:      subtotal.Round(2),
		Shipping:      shipping.Round(2),
		Tax:           tax,
		TotalDiscount: totalDiscount,
		Total:         floorAtZero(total).Round(2),
	}
}

// Subtotal returns Σ unitPrice × quantity. Lines with a non-positive quantity
// contribute nothing.
func Subtotal(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		sum = sum.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum
}

// PercentageOff returns pct percent of base, capped at maxDiscount when it is
// positive and never more than base.
func PercentageOff(base, pct, maxDiscount decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() || !pct.IsPositive() {
		return decimal.Zero
	}
	d := base.Mul(pct).Div(hundred)
	if maxDiscount.IsPositive() {
		d = decimal.Min(d, maxDiscount)
	}
	return decimal.Min(d, base).Round(2)
}

// FixedOff returns value capped at base.
func FixedOff(base, value decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() || !value.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(value, base).Round(2)
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
