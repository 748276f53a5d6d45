package coupon

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// Filter is a probabilistic membership test used to skip catalog lookups for
// codes that certainly do not exist.
type Filter interface {
	MayContain(code string) bool
}

// Applicator validates and stacks coupon codes against a cart.
type Applicator struct {
	catalog Catalog
	usage   UsageCounter
	filter  Filter
	now     func() time.Time
}

// ApplicatorOption configures an Applicator.
type ApplicatorOption func(*Applicator)

// WithFilter installs a prefilter consulted before every catalog lookup.
func WithFilter(f Filter) ApplicatorOption {
	return func(a *Applicator) { a.filter = f }
}

// NewApplicator creates an Applicator backed by the given catalog and usage counter.
func NewApplicator(catalog Catalog, usage UsageCounter, opts ...ApplicatorOption) *Applicator {
	a := &Applicator{
		catalog: catalog,
		usage:   usage,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply processes codes in submitted order. Every discount is computed against
// the original (or scoped) subtotal, and the combined discount never exceeds
// the subtotal. Ineligible codes are returned as rejections with a reason;
// only infrastructure failures produce an error.
func (a *Applicator) Apply(ctx context.Context, userID string, items []Item, codes []string) (*Result, error) {
	res := &Result{TotalDiscount: decimal.Zero}
	subtotal := subtotalOf(items)
	now := a.now()

	seen := make(map[string]struct{}, len(codes))
	// Set once a non-stackable coupon is accepted; later non-stackable codes
	// are rejected, stackable ones still apply.
	nonStackableSeen := false

	for _, raw := range codes {
		code := Normalize(raw)
		if code == "" {
			continue
		}

		reject := func(reason Reason, format string, args ...any) {
			res.Rejected = append(res.Rejected, Rejection{
				Code:    code,
				Reason:  reason,
				Message: fmt.Sprintf(format, args...),
			})
		}

		if _, dup := seen[code]; dup {
			reject(ReasonAlreadyUsed, "coupon %s was submitted more than once", code)
			continue
		}
		seen[code] = struct{}{}

		def, err := a.lookup(ctx, code)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				reject(ReasonNotFound, "coupon %s does not exist", code)
				continue
			}
			return nil, errors.Wrapf(err, "lookup coupon %s", code)
		}

		if !def.ActiveAt(now) {
			reject(ReasonExpired, "coupon %s is not valid at this time", code)
			continue
		}
		if def.MaxUses > 0 && def.Uses >= def.MaxUses {
			reject(ReasonAlreadyUsed, "coupon %s has reached its usage limit", code)
			continue
		}
		if def.PerUserLimit > 0 && userID != "" {
			used, err := a.usage.CountByUser(ctx, def.Code, userID)
			if err != nil {
				return nil, errors.Wrapf(err, "count redemptions of %s", code)
			}
			if used >= def.PerUserLimit {
				reject(ReasonAlreadyUsed, "coupon %s was already used", code)
				continue
			}
		}
		if subtotal.LessThan(def.MinOrderValue) {
			reject(ReasonMinOrderNotMet, "coupon %s requires a minimum order of %s", code, def.MinOrderValue.StringFixed(2))
			continue
		}

		base, scope := discountBase(def, items, subtotal)
		if !base.IsPositive() {
			reject(ReasonNotApplicable, "coupon %s does not apply to any item in the cart", code)
			continue
		}
		if def.NonStackable && nonStackableSeen {
			reject(ReasonNonStackable, "coupon %s cannot be combined with another non-stackable coupon", code)
			continue
		}

		amount := discountFor(def, base)
		remaining := subtotal.Sub(res.TotalDiscount)
		amount = decimal.Min(amount, remaining)
		if !amount.IsPositive() {
			reject(ReasonNotApplicable, "coupon %s adds no further discount", code)
			continue
		}

		res.Accepted = append(res.Accepted, Application{
			Code:           def.Code,
			Type:           def.Type,
			Value:          def.Value,
			DiscountAmount: amount,
			ScopeItems:     scope,
			Description:    def.Description,
		})
		res.TotalDiscount = res.TotalDiscount.Add(amount)
		if def.NonStackable {
			nonStackableSeen = true
		}
	}

	return res, nil
}

func (a *Applicator) lookup(ctx context.Context, code string) (*Definition, error) {
	if a.filter != nil && !a.filter.MayContain(code) {
		return nil, ErrNotFound
	}
	return a.catalog.Lookup(ctx, code)
}

// discountBase returns the subtotal the coupon applies to and, for scoped
// coupons, the product ids actually present in the cart.
func discountBase(def *Definition, items []Item, subtotal decimal.Decimal) (decimal.Decimal, []string) {
	if !def.Scoped() {
		return subtotal, nil
	}
	base := decimal.Zero
	var scope []string
	for _, it := range items {
		if !slices.Contains(def.ApplicableProductIDs, it.ProductID) || it.Quantity <= 0 {
			continue
		}
		base = base.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		if !slices.Contains(scope, it.ProductID) {
			scope = append(scope, it.ProductID)
		}
	}
	return base, scope
}

func discountFor(def *Definition, base decimal.Decimal) decimal.Decimal {
	switch def.Type {
	case DiscountPercentage:
		return pricing.PercentageOff(base, def.Value, def.MaxDiscount)
	case DiscountFixed:
		d := pricing.FixedOff(base, def.Value)
		if def.MaxDiscount.IsPositive() {
			d = decimal.Min(d, def.MaxDiscount)
		}
		return d
	default:
		return decimal.Zero
	}
}

func subtotalOf(items []Item) decimal.Decimal {
	lines := make([]pricing.Line, len(items))
	for i, it := range items {
		lines[i] = pricing.Line{UnitPrice: it.Price, Quantity: it.Quantity}
	}
	return pricing.Subtotal(lines)
}
