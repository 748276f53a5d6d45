package order

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/address"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/outbox"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	orders    map[string]*Order
	messages  []outbox.Message
	updateErr error
	updates   int
}

func newOrderRepo(orders ...*Order) *mockOrderRepo {
	m := &mockOrderRepo{orders: make(map[string]*Order)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order, msgs ...outbox.Message) error {
	m.orders[o.ID] = o
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id string) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) GetByIdempotencyKey(context.Context, string) (*Order, error) {
	return nil, ErrNotFound
}

func (m *mockOrderRepo) ListByUser(_ context.Context, userID string, _ Filter, _ Page) ([]Order, error) {
	var out []Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *mockOrderRepo) Update(_ context.Context, o *Order, expect Expect, msgs ...outbox.Message) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect.Status || cur.PaymentStatus != expect.PaymentStatus {
		return ErrConflict
	}
	cp := *o
	m.orders[o.ID] = &cp
	m.messages = append(m.messages, msgs...)
	m.updates++
	return nil
}

func (m *mockOrderRepo) kinds() []string {
	var out []string
	for _, msg := range m.messages {
		out = append(out, msg.Kind)
	}
	return out
}

type mockRefunder struct {
	calls []payment.RefundRequest
	err   error
}

func (m *mockRefunder) Refund(_ context.Context, req payment.RefundRequest) (*payment.Refund, error) {
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	return &payment.Refund{ID: "rfnd_" + req.Receipt, Amount: req.Amount}, nil
}

type mockAcks struct {
	keys []string
}

func (m *mockAcks) Complete(_ context.Context, key string) error {
	m.keys = append(m.keys, key)
	return nil
}

// --- Helpers ---

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo *mockOrderRepo, refunds *mockRefunder, acks *mockAcks) *Service {
	s := NewService(repo, refunds, acks)
	s.now = func() time.Time { return fixedNow }
	return s
}

func testOrder(id string, status Status, pay PaymentStatus, method payment.Method) *Order {
	return &Order{
		ID:            id,
		OrderNumber:   NumberFor(id),
		UserID:        "user-1",
		Status:        status,
		PaymentStatus: pay,
		PaymentMethod: method,
		Total:         decimal.RequireFromString("1316"),
		Currency:      "INR",
		Items: []Item{{
			ProductID: "p1",
			Name:      "Waffle",
			UnitPrice: decimal.RequireFromString("600"),
			Quantity:  2,
			Size:      "L",
			LineTotal: decimal.RequireFromString("1200"),
		}},
		ShippingAddress: address.Address{FullName: "Asha", Line1: "1 Main St", City: "Pune", PostalCode: "411001"},
		PaymentDetails:  PaymentDetails{Provider: "razorpay", IntentID: "order_1", PaymentID: "pay_1"},
	}
}

// --- Tests ---

func TestService_Advance(t *testing.T) {
	t.Run("one step forward", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusConfirmed, PaymentPaid, payment.MethodRazorpay))
		s := newTestService(repo, &mockRefunder{}, &mockAcks{})

		o, err := s.Advance(context.Background(), "o1", StatusProcessing, "")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, o.Status)
		assert.Equal(t, []string{KindStatusChanged}, repo.kinds())

		var ev StatusChangedEvent
		require.NoError(t, json.Unmarshal(repo.messages[0].Payload, &ev))
		assert.Equal(t, StatusConfirmed, ev.FromStatus)
		assert.Equal(t, StatusProcessing, ev.Status)
	})

	t.Run("shipped records tracking", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusProcessing, PaymentPaid, payment.MethodRazorpay))
		s := newTestService(repo, &mockRefunder{}, &mockAcks{})

		o, err := s.Advance(context.Background(), "o1", StatusShipped, "TRK-42")
		require.NoError(t, err)
		assert.Equal(t, "TRK-42", o.TrackingNumber)
		assert.Equal(t, "TRK-42", repo.orders["o1"].TrackingNumber)
	})

	t.Run("delivered settles cod", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusShipped, PaymentPending, payment.MethodCOD))
		s := newTestService(repo, &mockRefunder{}, &mockAcks{})

		o, err := s.Advance(context.Background(), "o1", StatusDelivered, "")
		require.NoError(t, err)
		assert.Equal(t, PaymentPaid, o.PaymentStatus)
		require.NotNil(t, o.DeliveredAt)
		assert.Equal(t, fixedNow, *o.DeliveredAt)
	})

	t.Run("skip rejected", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusPending, PaymentPending, payment.MethodCOD))
		s := newTestService(repo, &mockRefunder{}, &mockAcks{})

		_, err := s.Advance(context.Background(), "o1", StatusShipped, "")
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "pending", te.From)
		assert.Zero(t, repo.updates)
	})

	t.Run("cancel not allowed through advance", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusPending, PaymentPending, payment.MethodCOD))
		s := newTestService(repo, &mockRefunder{}, &mockAcks{})

		_, err := s.Advance(context.Background(), "o1", StatusCancelled, "")
		var te *TransitionError
		require.ErrorAs(t, err, &te)
	})

	t.Run("lost race", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusPending, PaymentPending, payment.MethodCOD))
		repo.updateErr = ErrConflict
		s := newTestService(repo, &mockRefunder{}, &mockAcks{})

		_, err := s.Advance(context.Background(), "o1", StatusConfirmed, "")
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("not found", func(t *testing.T) {
		s := newTestService(newOrderRepo(), &mockRefunder{}, &mockAcks{})
		_, err := s.Advance(context.Background(), "missing", StatusConfirmed, "")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestService_Cancel(t *testing.T) {
	t.Run("unpaid order", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusPending, PaymentPending, payment.MethodCOD))
		refunds := &mockRefunder{}
		s := newTestService(repo, refunds, &mockAcks{})

		o, err := s.Cancel(context.Background(), "o1", "changed my mind")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, o.Status)
		assert.Equal(t, "changed my mind", o.CancelReason)
		require.NotNil(t, o.CancelledAt)
		assert.Empty(t, refunds.calls)
		assert.Equal(t, []string{KindStatusChanged}, repo.kinds())
	})

	t.Run("paid order is refunded", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusConfirmed, PaymentPaid, payment.MethodRazorpay))
		refunds := &mockRefunder{}
		acks := &mockAcks{}
		s := newTestService(repo, refunds, acks)

		o, err := s.Cancel(context.Background(), "o1", "out of stock")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, o.Status)
		assert.Equal(t, PaymentRefunded, o.PaymentStatus)
		assert.Equal(t, "rfnd_o1", o.PaymentDetails.RefundID)

		require.Len(t, refunds.calls, 1)
		assert.Equal(t, "pay_1", refunds.calls[0].PaymentID)
		assert.True(t, refunds.calls[0].Amount.Equal(decimal.RequireFromString("1316")))

		assert.Equal(t, []string{KindStatusChanged, KindRefund, KindStatusChanged}, repo.kinds())
		assert.Equal(t, []string{"payment.refund:o1"}, acks.keys)
	})

	t.Run("refund failure leaves order cancelled and paid", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusConfirmed, PaymentPaid, payment.MethodRazorpay))
		refunds := &mockRefunder{err: errors.New("gateway down")}
		acks := &mockAcks{}
		s := newTestService(repo, refunds, acks)

		o, err := s.Cancel(context.Background(), "o1", "")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, o.Status)
		assert.Equal(t, PaymentPaid, o.PaymentStatus)
		assert.Contains(t, repo.kinds(), KindRefund)
		assert.Empty(t, acks.keys)
	})

	t.Run("paid order without gateway stays paid", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusConfirmed, PaymentPaid, payment.MethodRazorpay))
		s := NewService(repo, nil, &mockAcks{})

		o, err := s.Cancel(context.Background(), "o1", "out of stock")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, o.Status)
		assert.Equal(t, PaymentPaid, o.PaymentStatus)
		assert.Equal(t, []string{KindStatusChanged, KindRefund}, repo.kinds())
	})

	for _, st := range []Status{StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled} {
		t.Run("rejected from "+string(st), func(t *testing.T) {
			repo := newOrderRepo(testOrder("o1", st, PaymentPaid, payment.MethodRazorpay))
			s := newTestService(repo, &mockRefunder{}, &mockAcks{})

			_, err := s.Cancel(context.Background(), "o1", "")
			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Zero(t, repo.updates)
		})
	}

	t.Run("other user's order", func(t *testing.T) {
		repo := newOrderRepo(testOrder("o1", StatusPending, PaymentPending, payment.MethodCOD))
		s := newTestService(repo, &mockRefunder{}, &mockAcks{})

		_, err := s.CancelForUser(context.Background(), "o1", "user-2", "")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestService_CompleteRefund(t *testing.T) {
	t.Run("idempotent once refunded", func(t *testing.T) {
		o := testOrder("o1", StatusCancelled, PaymentRefunded, payment.MethodRazorpay)
		refunds := &mockRefunder{}
		acks := &mockAcks{}
		s := newTestService(newOrderRepo(o), refunds, acks)

		got, err := s.CompleteRefund(context.Background(), "o1")
		require.NoError(t, err)
		assert.Equal(t, PaymentRefunded, got.PaymentStatus)
		assert.Empty(t, refunds.calls)
		assert.Equal(t, []string{"payment.refund:o1"}, acks.keys)
	})

	t.Run("order not cancelled", func(t *testing.T) {
		o := testOrder("o1", StatusConfirmed, PaymentPaid, payment.MethodRazorpay)
		s := newTestService(newOrderRepo(o), &mockRefunder{}, &mockAcks{})

		_, err := s.CompleteRefund(context.Background(), "o1")
		require.Error(t, err)
		assert.True(t, outbox.IsPermanent(err))
	})

	t.Run("no gateway configured", func(t *testing.T) {
		o := testOrder("o1", StatusCancelled, PaymentPaid, payment.MethodRazorpay)
		acks := &mockAcks{}
		s := NewService(newOrderRepo(o), nil, acks)

		_, err := s.CompleteRefund(context.Background(), "o1")
		require.ErrorIs(t, err, ErrRefundUnavailable)
		assert.True(t, outbox.IsPermanent(err))
		assert.Empty(t, acks.keys)
	})

	t.Run("handler retries on gateway error", func(t *testing.T) {
		o := testOrder("o1", StatusCancelled, PaymentPaid, payment.MethodRazorpay)
		s := newTestService(newOrderRepo(o), &mockRefunder{err: errors.New("timeout")}, &mockAcks{})

		err := s.HandleRefund(context.Background(), RefundRequested{OrderID: "o1"})
		require.Error(t, err)
		assert.False(t, outbox.IsPermanent(err))
	})
}

func TestService_Queries(t *testing.T) {
	repo := newOrderRepo(
		testOrder("o1", StatusPending, PaymentPending, payment.MethodCOD),
		testOrder("o2", StatusConfirmed, PaymentPaid, payment.MethodRazorpay),
	)
	s := newTestService(repo, &mockRefunder{}, &mockAcks{})
	ctx := context.Background()

	o, err := s.GetForUser(ctx, "o1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "o1", o.ID)

	_, err = s.GetForUser(ctx, "o1", "intruder")
	require.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListByUser(ctx, "user-1", Filter{}, Page{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.ListByUser(ctx, "user-1", Filter{Status: "lost"}, Page{})
	require.Error(t, err)
}

func TestService_Invoice(t *testing.T) {
	o := testOrder("3f2a9c1b-0000", StatusConfirmed, PaymentPaid, payment.MethodRazorpay)
	o.Subtotal = decimal.RequireFromString("1200")
	o.Tax = decimal.RequireFromString("216")
	o.TaxRate = decimal.RequireFromString("0.18")
	o.TotalDiscount = decimal.RequireFromString("100")
	s := newTestService(newOrderRepo(o), &mockRefunder{}, &mockAcks{})

	inv, err := s.Invoice(context.Background(), o.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "INV-3F2A9C1B", inv.InvoiceNumber)
	assert.Equal(t, "ORD-3F2A9C1B", inv.OrderNumber)
	assert.Equal(t, o.ShippingAddress, inv.BillTo, "billing falls back to shipping")
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "Waffle (L)", inv.Lines[0].Description)
	assert.Equal(t, "pay_1", inv.PaymentReference)
	assert.True(t, inv.Total.Equal(decimal.RequireFromString("1316")))

	_, err = s.Invoice(context.Background(), o.ID, "someone-else")
	require.ErrorIs(t, err, ErrNotFound)
}
