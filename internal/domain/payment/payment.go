// Package payment defines the contract between checkout and an external
// payment processor, plus an idempotency layer usable with any processor.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Method is how the customer settles an order.
type Method string

const (
	MethodRazorpay Method = "razorpay"
	MethodCOD      Method = "cod"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	return m == MethodRazorpay || m == MethodCOD
}

// Online reports whether m settles through a gateway before the order exists.
func (m Method) Online() bool {
	return m == MethodRazorpay
}

// ErrIntentNotFound is returned when the gateway does not know an intent.
var ErrIntentNotFound = errors.New("payment intent not found")

// IntentRequest asks the gateway to open a payment intent.
type IntentRequest struct {
	Amount   decimal.Decimal
	Currency string
	// IdempotencyKey makes repeated requests return the same intent.
	IdempotencyKey string
	// Receipt is a merchant reference shown in the gateway dashboard.
	Receipt string
	Notes   map[string]string
}

// Intent is an authorized-but-unconfirmed payment attempt.
type Intent struct {
	ID        string
	Provider  string
	Amount    decimal.Decimal
	Currency  string
	CreatedAt time.Time
}

// Proof is what the client-side payment widget hands back.
type Proof struct {
	PaymentID string
	Signature string
	// Cancelled is set when the user closed the widget without paying.
	Cancelled bool
}

// Outcome classifies a verification.
type Outcome string

const (
	OutcomeVerified  Outcome = "verified"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeUnknown means the gateway could not be asked in time. Money may
	// or may not have moved; only reconciliation can tell.
	OutcomeUnknown Outcome = "unknown"
)

// FailureReason qualifies OutcomeFailed.
type FailureReason string

const (
	ReasonSignatureMismatch FailureReason = "signature_mismatch"
	ReasonDeclined          FailureReason = "declined"
	ReasonAmountMismatch    FailureReason = "amount_mismatch"
	ReasonIntentMismatch    FailureReason = "intent_mismatch"
)

// Verification is the result of Gateway.Verify.
type Verification struct {
	Outcome   Outcome
	PaymentID string
	Reason    FailureReason
	// Detail is a gateway-provided description for logs, never for clients.
	Detail string
}

// State is the gateway-side state of an intent.
type State string

const (
	StatePending State = "pending"
	StatePaid    State = "paid"
	StateFailed  State = "failed"
)

// IntentStatus is the result of Gateway.QueryStatus.
type IntentStatus struct {
	State     State
	PaymentID string
	Detail    string
}

// RefundRequest returns money for a captured payment.
type RefundRequest struct {
	PaymentID string
	Amount    decimal.Decimal
	Receipt   string
}

// Refund is a processed refund.
type Refund struct {
	ID     string
	Amount decimal.Decimal
}

// Gateway is an external payment processor.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// Verify checks client proof against the intent. It is the only trusted
	// source of "payment succeeded".
	Verify(ctx context.Context, intentID string, proof Proof) (Verification, error)
	QueryStatus(ctx context.Context, intentID string) (IntentStatus, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}
