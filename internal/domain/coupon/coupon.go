package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage off the eligible subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount off, capped at the eligible subtotal.
	DiscountFixed DiscountType = "fixed"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

// Reason explains why a submitted code was not applied.
type Reason string

const (
	ReasonNotFound       Reason = "NOT_FOUND"
	ReasonExpired        Reason = "EXPIRED"
	ReasonMinOrderNotMet Reason = "MIN_ORDER_NOT_MET"
	ReasonAlreadyUsed    Reason = "ALREADY_USED"
	ReasonNotApplicable  Reason = "NOT_APPLICABLE"
	ReasonNonStackable   Reason = "NON_STACKABLE"
)

// ErrNotFound is returned by a Catalog when no active coupon has the code.
var ErrNotFound = errors.New("coupon not found")

// Definition is a coupon as stored in the catalog.
type Definition struct {
	Code          string
	Type          DiscountType
	Value         decimal.Decimal
	MinOrderValue decimal.Decimal
	// MaxDiscount caps the computed discount when positive.
	MaxDiscount decimal.Decimal
	// ApplicableProductIDs restricts the discount base to these products.
	// Empty means the whole order.
	ApplicableProductIDs []string
	ValidFrom            *time.Time
	ValidUntil           *time.Time
	// MaxUses is the global redemption cap; zero means unlimited.
	MaxUses int
	Uses    int
	// PerUserLimit caps redemptions per user; zero means unlimited.
	PerUserLimit int
	NonStackable bool
	Description  string
}

// ActiveAt reports whether now falls inside the validity window.
func (d *Definition) ActiveAt(now time.Time) bool {
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return false
	}
	if d.ValidUntil != nil && now.After(*d.ValidUntil) {
		return false
	}
	return true
}

// Scoped reports whether the coupon only applies to specific products.
func (d *Definition) Scoped() bool {
	return len(d.ApplicableProductIDs) > 0
}

// Item is a cart line as seen by the applicator.
type Item struct {
	ProductID string
	Price     decimal.Decimal
	Quantity  int
}

// Application is an accepted coupon with its server-derived discount.
type Application struct {
	Code           string          `json:"code"`
	Type           DiscountType    `json:"type"`
	Value          decimal.Decimal `json:"value"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	ScopeItems     []string        `json:"scopeItems,omitempty"`
	Description    string          `json:"description,omitempty"`
}

// Rejection is a submitted code that was not applied.
type Rejection struct {
	Code    string
	Reason  Reason
	Message string
}

// Result is the outcome of applying a list of codes to a cart.
type Result struct {
	Accepted      []Application
	Rejected      []Rejection
	TotalDiscount decimal.Decimal
}

// Discounts returns the accepted discount amounts in application order.
func (r *Result) Discounts() []decimal.Decimal {
	out := make([]decimal.Decimal, len(r.Accepted))
	for i, a := range r.Accepted {
		out[i] = a.DiscountAmount
	}
	return out
}

// Codes returns the accepted codes in application order.
func (r *Result) Codes() []string {
	out := make([]string, len(r.Accepted))
	for i, a := range r.Accepted {
		out[i] = a.Code
	}
	return out
}

// Catalog looks up coupon definitions by code.
type Catalog interface {
	Lookup(ctx context.Context, code string) (*Definition, error)
}

// UsageCounter reports how many times a user already redeemed a code.
type UsageCounter interface {
	CountByUser(ctx context.Context, code, userID string) (int, error)
}

// Normalize canonicalizes a user-entered code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
