package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/outbox"
)

// Refunder returns money for a captured payment.
type Refunder interface {
	Refund(ctx context.Context, req payment.RefundRequest) (*payment.Refund, error)
}

// Acknowledger marks an outbox effect as already delivered.
type Acknowledger interface {
	Complete(ctx context.Context, dedupeKey string) error
}

// Service implements the post-creation order lifecycle and order queries.
type Service struct {
	orders  Repository
	refunds Refunder
	acks    Acknowledger
	now     func() time.Time
}

// NewService creates an order Service. refunds may be nil when no online
// gateway is configured; refunds then fail permanently.
func NewService(orders Repository, refunds Refunder, acks Acknowledger) *Service {
	return &Service{
		orders:  orders,
		refunds: refunds,
		acks:    acks,
		now:     time.Now,
	}
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

// GetForUser returns an order only if it belongs to userID.
func (s *Service) GetForUser(ctx context.Context, id, userID string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListByUser returns the user's orders, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, f Filter, p Page) ([]Order, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, errors.Errorf("unknown status filter %q", f.Status)
	}
	if f.PaymentStatus != "" && !f.PaymentStatus.Valid() {
		return nil, errors.Errorf("unknown payment status filter %q", f.PaymentStatus)
	}
	return s.orders.ListByUser(ctx, userID, f, p.Normalize())
}

// Advance moves an order one step forward in fulfillment. Reaching shipped
// records the tracking number; reaching delivered settles cash-on-delivery.
func (s *Service) Advance(ctx context.Context, id string, to Status, tracking string) (*Order, error) {
	if to == StatusCancelled {
		return nil, &TransitionError{From: "any", To: string(to)}
	}

	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, to) {
		return nil, &TransitionError{From: string(o.Status), To: string(to)}
	}

	prev := Expect{Status: o.Status, PaymentStatus: o.PaymentStatus}
	now := s.now()
	o.Status = to
	o.UpdatedAt = now
	if tracking != "" {
		o.TrackingNumber = tracking
	}
	if to == StatusDelivered {
		o.DeliveredAt = &now
		if o.PaymentMethod == payment.MethodCOD && o.PaymentStatus == PaymentPending {
			o.PaymentStatus = PaymentPaid
		}
	}

	msg, err := statusChangedMessage(o, prev, now)
	if err != nil {
		return nil, err
	}
	if err := s.orders.Update(ctx, o, prev, msg); err != nil {
		return nil, errors.Wrapf(err, "advance order %s", id)
	}

	zctx.From(ctx).Info("Order advanced",
		zap.String("order_id", o.ID),
		zap.String("from", string(prev.Status)),
		zap.String("to", string(o.Status)),
	)
	return o, nil
}

// Cancel cancels a pending or confirmed order. A paid order is refunded: the
// refund is queued with the cancellation and attempted right away.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, o, reason)
}

// CancelForUser cancels an order owned by userID.
func (s *Service) CancelForUser(ctx context.Context, id, userID, reason string) (*Order, error) {
	o, err := s.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, o, reason)
}

func (s *Service) cancel(ctx context.Context, o *Order, reason string) (*Order, error) {
	if !CanTransition(o.Status, StatusCancelled) {
		return nil, &TransitionError{From: string(o.Status), To: string(StatusCancelled)}
	}

	prev := Expect{Status: o.Status, PaymentStatus: o.PaymentStatus}
	now := s.now()
	o.Status = StatusCancelled
	o.CancelledAt = &now
	o.CancelReason = reason
	o.UpdatedAt = now

	changed, err := statusChangedMessage(o, prev, now)
	if err != nil {
		return nil, err
	}
	msgs := []outbox.Message{changed}

	needsRefund := o.PaymentStatus == PaymentPaid
	if needsRefund {
		refund, err := outbox.NewMessage(KindRefund, refundDedupeKey(o.ID), RefundRequested{OrderID: o.ID})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, refund)
	}

	if err := s.orders.Update(ctx, o, prev, msgs...); err != nil {
		return nil, errors.Wrapf(err, "cancel order %s", o.ID)
	}

	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	lg.Info("Order cancelled", zap.String("reason", reason))

	if needsRefund {
		refunded, err := s.CompleteRefund(ctx, o.ID)
		if err != nil {
			lg.Warn("Refund failed, left for retry", zap.Error(err))
			return o, nil
		}
		return refunded, nil
	}
	return o, nil
}

// CompleteRefund refunds a cancelled, paid order through the gateway and
// marks it refunded. It is idempotent and safe to call from the outbox relay.
func (s *Service) CompleteRefund(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != PaymentPaid {
		return o, s.ack(ctx, o.ID)
	}
	if o.Status != StatusCancelled {
		return nil, outbox.Permanent(&TransitionError{From: string(o.PaymentStatus), To: string(PaymentRefunded)})
	}
	if o.PaymentDetails.PaymentID == "" {
		return nil, outbox.Permanent(errors.Errorf("order %s has no payment reference", o.ID))
	}
	if s.refunds == nil {
		return nil, outbox.Permanent(errors.Wrapf(ErrRefundUnavailable, "refund order %s", o.ID))
	}

	r, err := s.refunds.Refund(ctx, payment.RefundRequest{
		PaymentID: o.PaymentDetails.PaymentID,
		Amount:    o.Total,
		Receipt:   o.ID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "refund payment")
	}

	prev := Expect{Status: o.Status, PaymentStatus: o.PaymentStatus}
	now := s.now()
	o.PaymentStatus = PaymentRefunded
	o.PaymentDetails.RefundID = r.ID
	o.UpdatedAt = now

	msg, err := statusChangedMessage(o, prev, now)
	if err != nil {
		return nil, err
	}
	if err := s.orders.Update(ctx, o, prev, msg); err != nil {
		return nil, errors.Wrapf(err, "mark order %s refunded", o.ID)
	}

	zctx.From(ctx).Info("Order refunded",
		zap.String("order_id", o.ID),
		zap.String("refund_id", r.ID),
	)
	return o, s.ack(ctx, o.ID)
}

func (s *Service) ack(ctx context.Context, orderID string) error {
	if err := s.acks.Complete(ctx, refundDedupeKey(orderID)); err != nil {
		return errors.Wrap(err, "acknowledge refund")
	}
	return nil
}

// HandleRefund adapts CompleteRefund to the outbox relay.
func (s *Service) HandleRefund(ctx context.Context, p RefundRequested) error {
	_, err := s.CompleteRefund(ctx, p.OrderID)
	return err
}
