// Package checkout turns a cart into an order, coordinating coupon
// application, pricing, the payment gateway, the order store and the cart.
package checkout

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/address"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// State is the externally visible stage a checkout ended in.
type State string

const (
	StateValidating      State = "validating"
	StatePricingComputed State = "pricing_computed"
	StateAwaitingPayment State = "awaiting_payment"
	StateVerifying       State = "verifying"
	StateDirectCOD       State = "direct_cod"
	// StatePersisting is reported when the order is stored but the cart
	// could not be cleared synchronously; the outbox finishes the job.
	StatePersisting State = "persisting"
	StateCleared    State = "cleared"

	StateRejected       State = "rejected"
	StatePaymentFailed  State = "payment_failed"
	StatePaymentUnknown State = "payment_unknown"
)

// Class groups checkout failures by how a client should react.
type Class string

const (
	ClassValidation         Class = "validation"
	ClassConflict           Class = "conflict"
	ClassPaymentCancelled   Class = "payment_cancelled"
	ClassPaymentFailed      Class = "payment_failed"
	ClassVerificationFailed Class = "verification_failed"
	ClassPaymentUnknown     Class = "payment_unknown"
	ClassNotFound           Class = "not_found"
	ClassInternal           Class = "internal"
)

// Error is a classified checkout failure. Message is safe to show to the
// customer; Cause is for logs only.
type Error struct {
	Class   Class
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Class) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Class) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func fail(class Class, msg string, cause error) *Error {
	return &Error{Class: class, Message: msg, Cause: cause}
}

// ClassOf returns the class of err, or ClassInternal for unclassified errors.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassInternal
}

const (
	msgVerificationFailed = "Payment verification failed. If any amount was deducted, it will be refunded within 5-7 business days."
	msgPaymentUnknown     = "We could not confirm your payment yet. Your order will be created automatically once the payment is confirmed."
	msgPaymentCancelled   = "Payment was cancelled."
	msgLocked             = "Another checkout is already in progress for this account."
)

// CouponHint is a code the client wants applied, with the discount it
// displayed. The amount is only compared, never trusted.
type CouponHint struct {
	Code           string
	DiscountAmount *decimal.Decimal
}

// Request starts a checkout.
type Request struct {
	UserID string
	// Items is the client's view of the cart. When present it must match the
	// server cart.
	Items           []cart.Item
	ShippingAddress address.Address
	// BillingAddress defaults to the shipping address.
	BillingAddress *address.Address
	Customer       address.Customer
	Coupons        []CouponHint
	PaymentMethod  payment.Method
	IdempotencyKey string
}

// CompleteRequest finishes an online checkout with client payment proof.
type CompleteRequest struct {
	UserID   string
	IntentID string
	Proof    payment.Proof
}

// PricingConflict reports a client discount hint that disagreed with the
// server. The server value is used.
type PricingConflict struct {
	Code   string
	Client decimal.Decimal
	Server decimal.Decimal
}

// Result is a successful checkout step.
type Result struct {
	State State
	// Order is set once the order exists.
	Order *order.Order
	// Intent is set while awaiting an online payment.
	Intent    *payment.Intent
	Pricing   pricing.Breakdown
	Coupons   *coupon.Result
	Conflicts []PricingConflict
	// Duplicate reports that an earlier identical checkout already produced
	// this result.
	Duplicate      bool
	IdempotencyKey string
}

// CartClear is the outbox payload asking for a cart to be cleared.
type CartClear struct {
	UserID  string `json:"userId"`
	Version int64  `json:"version"`
	OrderID string `json:"orderId"`
}

// KindCartClear is the outbox kind of CartClear.
const KindCartClear = "cart.clear"

func cartClearKey(orderID string) string {
	return KindCartClear + ":" + orderID
}
