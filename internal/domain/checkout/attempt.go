package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// AttemptState tracks an online checkout between intent and order.
type AttemptState string

const (
	AttemptAwaitingPayment AttemptState = "awaiting_payment"
	AttemptUnknown         AttemptState = "unknown"
	AttemptFailed          AttemptState = "failed"
	AttemptCompleted       AttemptState = "completed"
)

var (
	ErrAttemptNotFound = errors.New("checkout attempt not found")
	ErrAttemptExists   = errors.New("checkout attempt already exists")
	ErrAttemptConflict = errors.New("checkout attempt was modified concurrently")
)

// Attempt is the durable record of an online checkout. Draft is the order
// that will be stored once payment is confirmed; its pricing is frozen.
type Attempt struct {
	IdempotencyKey string
	UserID         string
	Method         payment.Method
	IntentID       string
	Amount         decimal.Decimal
	Currency       string
	State          AttemptState
	Draft          order.Order
	CartVersion    int64
	OrderID        string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AttemptRepository stores attempts.
type AttemptRepository interface {
	// Create returns ErrAttemptExists when the key is taken.
	Create(ctx context.Context, a *Attempt) error
	GetByKey(ctx context.Context, key string) (*Attempt, error)
	GetByIntent(ctx context.Context, intentID string) (*Attempt, error)
	// Update writes a if the stored state still equals expect, else
	// returns ErrAttemptConflict.
	Update(ctx context.Context, a *Attempt, expect AttemptState) error
	// ListStale returns attempts in one of states last updated before cutoff,
	// oldest first.
	ListStale(ctx context.Context, states []AttemptState, cutoff time.Time, limit int) ([]Attempt, error)
}
