package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// CompletePayment verifies the client's payment proof for an open intent. A
// verified payment becomes a paid, confirmed order; every other outcome
// leaves no order behind.
func (s *Service) CompletePayment(ctx context.Context, req CompleteRequest) (res *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "checkout.CompletePayment",
		trace.WithAttributes(attribute.String("payment.intent_id", req.IntentID)),
	)
	defer func() { s.finish(ctx, span, "complete", payment.MethodRazorpay, res, err) }()
	ctx = zctx.With(ctx, zap.String("intent_id", req.IntentID))

	if err := s.requireGateway(); err != nil {
		return nil, err
	}
	if req.IntentID == "" {
		return nil, fail(ClassValidation, "payment intent is required", nil)
	}
	if !req.Proof.Cancelled && (req.Proof.PaymentID == "" || req.Proof.Signature == "") {
		return nil, fail(ClassValidation, "paymentId and signature are required", nil)
	}

	if _, err := s.attemptFor(ctx, req.UserID, req.IntentID); err != nil {
		return nil, err
	}

	release, err := s.lock(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock: a concurrent completion may have won.
	a, err := s.attemptFor(ctx, req.UserID, req.IntentID)
	if err != nil {
		return nil, err
	}
	if a.State == AttemptCompleted {
		return s.completedResult(ctx, a)
	}

	gwCtx, cancel := s.gatewayContext(ctx)
	defer cancel()

	v, err := s.deps.Gateway.Verify(gwCtx, a.IntentID, req.Proof)
	if err != nil {
		zctx.From(ctx).Warn("Verify payment", zap.Error(err))
		v = payment.Verification{Outcome: payment.OutcomeUnknown, Detail: err.Error()}
	}

	switch v.Outcome {
	case payment.OutcomeVerified:
		return s.finalize(ctx, a, v.PaymentID)
	case payment.OutcomeCancelled:
		zctx.From(ctx).Info("Payment cancelled by customer")
		return nil, fail(ClassPaymentCancelled, msgPaymentCancelled, nil)
	case payment.OutcomeFailed:
		if err := s.markAttempt(ctx, a, AttemptFailed, string(v.Reason)); err != nil {
			return nil, err
		}
		cause := errors.Errorf("%s: %s", v.Reason, v.Detail)
		if v.Reason == payment.ReasonSignatureMismatch {
			return nil, fail(ClassVerificationFailed, msgVerificationFailed, cause)
		}
		return nil, fail(ClassPaymentFailed, "Payment failed. Please try again or use another payment method.", cause)
	default:
		if err := s.markAttempt(ctx, a, AttemptUnknown, v.Detail); err != nil {
			return nil, err
		}
		return nil, fail(ClassPaymentUnknown, msgPaymentUnknown, errors.New(v.Detail))
	}
}

// Reconcile asks the gateway about an open intent and settles the attempt:
// a captured payment becomes an order, a failed or expired one is closed.
func (s *Service) Reconcile(ctx context.Context, intentID string) (res *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Reconcile",
		trace.WithAttributes(attribute.String("payment.intent_id", intentID)),
	)
	defer func() { s.finish(ctx, span, "reconcile", payment.MethodRazorpay, res, err) }()
	ctx = zctx.With(ctx, zap.String("intent_id", intentID))

	if err := s.requireGateway(); err != nil {
		return nil, err
	}
	a, err := s.deps.Attempts.GetByIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			return nil, fail(ClassNotFound, "payment intent not found", err)
		}
		return nil, fail(ClassInternal, "could not read checkout attempt", err)
	}

	release, err := s.lock(ctx, a.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	a, err = s.deps.Attempts.GetByIntent(ctx, intentID)
	if err != nil {
		return nil, fail(ClassInternal, "could not read checkout attempt", err)
	}
	if a.State == AttemptCompleted {
		return s.completedResult(ctx, a)
	}

	gwCtx, cancel := s.gatewayContext(ctx)
	defer cancel()

	st, err := s.deps.Gateway.QueryStatus(gwCtx, intentID)
	if err != nil {
		return nil, fail(ClassPaymentUnknown, msgPaymentUnknown, err)
	}

	switch st.State {
	case payment.StatePaid:
		zctx.From(ctx).Info("Reconciled captured payment", zap.String("payment_id", st.PaymentID))
		return s.finalize(ctx, a, st.PaymentID)
	case payment.StateFailed:
		if a.State != AttemptFailed {
			if err := s.markAttempt(ctx, a, AttemptFailed, "declined"); err != nil {
				return nil, err
			}
		}
		return nil, fail(ClassPaymentFailed, "Payment failed.", errors.New(st.Detail))
	default:
		if s.now().Sub(a.CreatedAt) > s.cfg.AttemptTTL && a.State != AttemptFailed {
			if err := s.markAttempt(ctx, a, AttemptFailed, "expired"); err != nil {
				return nil, err
			}
			return nil, fail(ClassPaymentFailed, "Payment window expired.", nil)
		}
		return nil, fail(ClassPaymentUnknown, msgPaymentUnknown, nil)
	}
}

func (s *Service) attemptFor(ctx context.Context, userID, intentID string) (*Attempt, error) {
	a, err := s.deps.Attempts.GetByIntent(ctx, intentID)
	switch {
	case errors.Is(err, ErrAttemptNotFound):
		return nil, fail(ClassNotFound, "payment intent not found", err)
	case err != nil:
		return nil, fail(ClassInternal, "could not read checkout attempt", err)
	case a.UserID != userID:
		return nil, fail(ClassNotFound, "payment intent not found", nil)
	}
	return a, nil
}

func (s *Service) completedResult(ctx context.Context, a *Attempt) (*Result, error) {
	o, err := s.deps.Orders.GetByID(ctx, a.OrderID)
	if err != nil {
		return nil, fail(ClassInternal, "could not read order", err)
	}
	return duplicate(o), nil
}

// finalize turns a paid attempt into an order. It is safe to repeat: the
// order store rejects a second order for the same key and the existing one
// is returned.
func (s *Service) finalize(ctx context.Context, a *Attempt, paymentID string) (*Result, error) {
	now := s.now()
	o := a.Draft
	o.Status = order.StatusConfirmed
	o.PaymentStatus = order.PaymentPaid
	o.PaymentDetails.IntentID = a.IntentID
	o.PaymentDetails.PaymentID = paymentID
	o.CreatedAt = now
	o.UpdatedAt = now

	stored, dup, err := s.persist(ctx, &o, a.CartVersion)
	if err != nil {
		// Money moved but no order exists yet; reconciliation retries.
		if markErr := s.markAttempt(ctx, a, AttemptUnknown, "order not stored"); markErr != nil {
			zctx.From(ctx).Error("Mark attempt unknown", zap.Error(markErr))
		}
		return nil, err
	}

	prev := a.State
	a.State = AttemptCompleted
	a.OrderID = stored.ID
	a.FailureReason = ""
	a.UpdatedAt = now
	if err := s.deps.Attempts.Update(ctx, a, prev); err != nil {
		// The order is the source of truth; a stale attempt resolves to it
		// through the idempotency key.
		zctx.From(ctx).Warn("Mark attempt completed", zap.Error(err))
	}

	return &Result{
		State:          s.clearCart(ctx, stored, a.CartVersion),
		Order:          stored,
		Pricing:        draftPricing(stored),
		Coupons:        duplicate(stored).Coupons,
		Duplicate:      dup,
		IdempotencyKey: stored.IdempotencyKey,
	}, nil
}

func (s *Service) markAttempt(ctx context.Context, a *Attempt, state AttemptState, reason string) error {
	prev := a.State
	a.State = state
	a.FailureReason = reason
	a.UpdatedAt = s.now()
	if err := s.deps.Attempts.Update(ctx, a, prev); err != nil {
		return fail(ClassInternal, "could not update checkout attempt", err)
	}
	zctx.From(ctx).Info("Checkout attempt updated",
		zap.String("from", string(prev)),
		zap.String("to", string(state)),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Service) requireGateway() error {
	if s.deps.Gateway == nil {
		return fail(ClassNotFound, "online payments are not enabled", nil)
	}
	return nil
}
