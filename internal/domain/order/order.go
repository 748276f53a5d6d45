package order

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/address"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/outbox"
)

// Outbox message kinds emitted by the order store.
const (
	KindCreated       = "order.created"
	KindStatusChanged = "order.status_changed"
	KindRefund        = "payment.refund"
)

var (
	// ErrNotFound is returned when an order does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicate is returned by Create when an order with the same
	// idempotency key already exists.
	ErrDuplicate = errors.New("order already exists for idempotency key")
	// ErrConflict is returned when a compare-and-set update lost a race.
	ErrConflict = errors.New("order was modified concurrently")
	// ErrCouponUnavailable is returned by Create when an applied coupon ran
	// out of uses between pricing and storing.
	ErrCouponUnavailable = errors.New("coupon is no longer available")
	// ErrRefundUnavailable is returned when a paid order must be refunded but
	// no payment gateway is configured.
	ErrRefundUnavailable = errors.New("no payment gateway configured for refunds")
)

// Order is a durable receipt. Items and pricing never change after creation;
// only statuses, tracking and payment details do.
type Order struct {
	ID             string
	OrderNumber    string
	UserID         string
	IdempotencyKey string

	Items          []Item
	Subtotal       decimal.Decimal
	ShippingCost   decimal.Decimal
	Tax            decimal.Decimal
	TaxRate        decimal.Decimal
	TotalDiscount  decimal.Decimal
	AppliedCoupons []coupon.Application
	Total          decimal.Decimal
	Currency       string

	ShippingAddress address.Address
	BillingAddress  address.Address
	Customer        address.Customer

	PaymentMethod  payment.Method
	PaymentStatus  PaymentStatus
	Status         Status
	TrackingNumber string
	PaymentDetails PaymentDetails

	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeliveredAt  *time.Time
	CancelledAt  *time.Time
	CancelReason string
}

// Item is a frozen copy of a cart line at purchase time.
type Item struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Image     string          `json:"image,omitempty"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

// PaymentDetails references the gateway records behind an order.
type PaymentDetails struct {
	Provider  string `json:"provider,omitempty"`
	IntentID  string `json:"intentId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	RefundID  string `json:"refundId,omitempty"`
}

// NumberFor derives the human-facing order number from an order id.
func NumberFor(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return "ORD-" + strings.ToUpper(compact)
}

// Filter narrows ListByUser results. Zero fields match everything.
type Filter struct {
	Status        Status
	PaymentStatus PaymentStatus
	From          time.Time
	To            time.Time
}

// Page selects a window of results ordered newest first.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Expect is the state a compare-and-set update requires.
type Expect struct {
	Status        Status
	PaymentStatus PaymentStatus
}

// Repository is the durable order store. It is the only writer of orders.
type Repository interface {
	// Create inserts o together with msgs in one transaction. It returns
	// ErrDuplicate when the idempotency key is taken.
	Create(ctx context.Context, o *Order, msgs ...outbox.Message) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	ListByUser(ctx context.Context, userID string, f Filter, p Page) ([]Order, error)
	// Update writes the mutable fields of o if the stored order still matches
	// expect, enqueueing msgs in the same transaction. It returns ErrConflict
	// otherwise.
	Update(ctx context.Context, o *Order, expect Expect, msgs ...outbox.Message) error
}

// CreatedEvent is the payload of KindCreated.
type CreatedEvent struct {
	OrderID       string          `json:"orderId"`
	OrderNumber   string          `json:"orderNumber"`
	UserID        string          `json:"userId"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	PaymentMethod payment.Method  `json:"paymentMethod"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// StatusChangedEvent is the payload of KindStatusChanged.
type StatusChangedEvent struct {
	OrderID           string        `json:"orderId"`
	UserID            string        `json:"userId"`
	FromStatus        Status        `json:"fromStatus"`
	Status            Status        `json:"status"`
	FromPaymentStatus PaymentStatus `json:"fromPaymentStatus"`
	PaymentStatus     PaymentStatus `json:"paymentStatus"`
	TrackingNumber    string        `json:"trackingNumber,omitempty"`
	At                time.Time     `json:"at"`
}

// RefundRequested is the payload of KindRefund.
type RefundRequested struct {
	OrderID string `json:"orderId"`
}

// CreatedMessage builds the KindCreated outbox message for o.
func CreatedMessage(o *Order) (outbox.Message, error) {
	return outbox.NewMessage(KindCreated, KindCreated+":"+o.ID, CreatedEvent{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Total:         o.Total,
		Currency:      o.Currency,
		PaymentMethod: o.PaymentMethod,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		CreatedAt:     o.CreatedAt,
	})
}

func statusChangedMessage(o *Order, prev Expect, at time.Time) (outbox.Message, error) {
	key := KindStatusChanged + ":" + o.ID + ":" + string(o.Status) + ":" + string(o.PaymentStatus)
	return outbox.NewMessage(KindStatusChanged, key, StatusChangedEvent{
		OrderID:           o.ID,
		UserID:            o.UserID,
		FromStatus:        prev.Status,
		Status:            o.Status,
		FromPaymentStatus: prev.PaymentStatus,
		PaymentStatus:     o.PaymentStatus,
		TrackingNumber:    o.TrackingNumber,
		At:                at,
	})
}

func refundDedupeKey(orderID string) string {
	return KindRefund + ":" + orderID
}
