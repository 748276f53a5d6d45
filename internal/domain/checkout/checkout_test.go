package checkout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/kart-checkout/internal/domain/address"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/outbox"
)

// --- Mock implementations ---

type mockCarts struct {
	mu       sync.Mutex
	snap     cart.Snapshot
	clearErr error
	cleared  []int64
}

func (m *mockCarts) Snapshot(_ context.Context, userID string) (cart.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snap
	s.UserID = userID
	return s, nil
}

func (m *mockCarts) Clear(_ context.Context, _ string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clearErr != nil {
		return m.clearErr
	}
	m.cleared = append(m.cleared, version)
	return nil
}

type mockProducts struct {
	products []product.Product
}

func (m *mockProducts) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []product.Product
	for _, p := range m.products {
		if want[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

type memCatalog map[string]*coupon.Definition

func (c memCatalog) Lookup(_ context.Context, code string) (*coupon.Definition, error) {
	d, ok := c[code]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return d, nil
}

type noUsage struct{}

func (noUsage) CountByUser(context.Context, string, string) (int, error) { return 0, nil }

type memOrders struct {
	mu        sync.Mutex
	byID      map[string]*order.Order
	byKey     map[string]string
	messages  []outbox.Message
	createErr error
}

func newMemOrders() *memOrders {
	return &memOrders{byID: make(map[string]*order.Order), byKey: make(map[string]string)}
}

func (m *memOrders) Create(_ context.Context, o *order.Order, msgs ...outbox.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.byKey[o.IdempotencyKey]; ok {
		return order.ErrDuplicate
	}
	cp := *o
	m.byID[o.ID] = &cp
	m.byKey[o.IdempotencyKey] = o.ID
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *memOrders) GetByID(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) GetByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, order.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *memOrders) ListByUser(context.Context, string, order.Filter, order.Page) ([]order.Order, error) {
	return nil, nil
}

func (m *memOrders) Update(context.Context, *order.Order, order.Expect, ...outbox.Message) error {
	return nil
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *memOrders) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.messages {
		out = append(out, msg.Kind)
	}
	sort.Strings(out)
	return out
}

type memAttempts struct {
	mu    sync.Mutex
	byKey map[string]*Attempt
}

func newMemAttempts() *memAttempts {
	return &memAttempts{byKey: make(map[string]*Attempt)}
}

func (m *memAttempts) Create(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[a.IdempotencyKey]; ok {
		return ErrAttemptExists
	}
	cp := *a
	m.byKey[a.IdempotencyKey] = &cp
	return nil
}

func (m *memAttempts) GetByKey(_ context.Context, key string) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byKey[key]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAttempts) GetByIntent(_ context.Context, intentID string) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byKey {
		if a.IntentID == intentID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAttemptNotFound
}

func (m *memAttempts) Update(_ context.Context, a *Attempt, expect AttemptState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byKey[a.IdempotencyKey]
	if !ok {
		return ErrAttemptNotFound
	}
	if cur.State != expect {
		return ErrAttemptConflict
	}
	cp := *a
	m.byKey[a.IdempotencyKey] = &cp
	return nil
}

func (m *memAttempts) ListStale(_ context.Context, states []AttemptState, cutoff time.Time, limit int) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.byKey {
		for _, st := range states {
			if a.State == st && a.UpdatedAt.Before(cutoff) {
				out = append(out, *a)
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAttempts) only(t *testing.T) *Attempt {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.byKey, 1)
	for _, a := range m.byKey {
		cp := *a
		return &cp
	}
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	created   int
	verify    payment.Verification
	verifyErr error
	status    payment.IntentStatus
	statusErr error
}

func (g *fakeGateway) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	return &payment.Intent{
		ID:       fmt.Sprintf("order_%d", g.created),
		Provider: "razorpay",
		Amount:   req.Amount,
		Currency: req.Currency,
	}, nil
}

func (g *fakeGateway) Verify(context.Context, string, payment.Proof) (payment.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verify, g.verifyErr
}

func (g *fakeGateway) QueryStatus(context.Context, string) (payment.IntentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, g.statusErr
}

func (g *fakeGateway) Refund(context.Context, payment.RefundRequest) (*payment.Refund, error) {
	return &payment.Refund{ID: "rfnd_1"}, nil
}

type recordingAcks struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingAcks) Complete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return nil
}

// --- Fixture ---

type fixture struct {
	svc      *Service
	carts    *mockCarts
	products *mockProducts
	orders   *memOrders
	attempts *memAttempts
	gateway  *fakeGateway
	acks     *recordingAcks
	clock    time.Time
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		carts: &mockCarts{snap: cart.Snapshot{
			Items: []cart.Item{
				{ProductID: "p1", Quantity: 2, UnitPrice: dec("500")},
				{ProductID: "p2", Quantity: 1, UnitPrice: dec("200")},
			},
			Version: 7,
		}},
		products: &mockProducts{products: []product.Product{
			{ID: "p1", Name: "Waffle", Price: dec("500"), Active: true},
			{ID: "p2", Name: "Brownie", Price: dec("200"), Active: true},
		}},
		orders:   newMemOrders(),
		attempts: newMemAttempts(),
		gateway:  &fakeGateway{},
		acks:     &recordingAcks{},
		clock:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	catalog := memCatalog{
		"SAVE100": {Code: "SAVE100", Type: coupon.DiscountFixed, Value: dec("100")},
	}

	svc, err := NewService(Deps{
		Carts:          f.carts,
		Products:       f.products,
		Coupons:        coupon.NewApplicator(catalog, noUsage{}),
		Orders:         f.orders,
		Attempts:       f.attempts,
		Gateway:        f.gateway,
		Acks:           f.acks,
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  metricnoop.NewMeterProvider(),
	}, Config{LockWait: 200 * time.Millisecond})
	require.NoError(t, err)
	svc.now = func() time.Time { return f.clock }
	f.svc = svc
	return f
}

func validRequest(method payment.Method) Request {
	return Request{
		UserID: "user-1",
		ShippingAddress: address.Address{
			FullName:   "Asha Rao",
			Line1:      "12 MG Road",
			City:       "Bengaluru",
			State:      "KA",
			PostalCode: "560001",
			Country:    "IN",
			Phone:      "+91 98450 00000",
		},
		Customer:      address.Customer{Name: "Asha Rao", Email: "asha@example.com"},
		Coupons:       []CouponHint{{Code: "save100"}},
		PaymentMethod: method,
	}
}

func requireClass(t *testing.T, err error, class Class) {
	t.Helper()
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, class, ce.Class, "error: %v", err)
}

// --- Tests ---

func TestCheckout_COD(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodCOD))
	require.NoError(t, err)

	assert.Equal(t, StateCleared, res.State)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Order)

	o := res.Order
	assert.True(t, o.Subtotal.Equal(dec("1200")), o.Subtotal.String())
	assert.True(t, o.ShippingCost.IsZero())
	assert.True(t, o.Tax.Equal(dec("216")))
	assert.True(t, o.TotalDiscount.Equal(dec("100")))
	assert.True(t, o.Total.Equal(dec("1316")), o.Total.String())
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, order.PaymentPending, o.PaymentStatus)
	assert.Equal(t, order.NumberFor(o.ID), o.OrderNumber)
	assert.Equal(t, "INR", o.Currency)
	assert.Equal(t, o.ShippingAddress, o.BillingAddress)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "Waffle", o.Items[0].Name)
	assert.True(t, o.Items[0].LineTotal.Equal(dec("1000")))
	require.Len(t, o.AppliedCoupons, 1)
	assert.Equal(t, "SAVE100", o.AppliedCoupons[0].Code)

	assert.Equal(t, []int64{7}, f.carts.cleared)
	assert.Equal(t, []string{KindCartClear, order.KindCreated}, f.orders.kinds())
	assert.Equal(t, []string{"cart.clear:" + o.ID}, f.acks.keys)
	assert.Zero(t, f.gateway.created)
}

func TestCheckout_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		field  string
	}{
		{"short postal code", func(r *Request) { r.ShippingAddress.PostalCode = "12" }, "postalCode"},
		{"missing city", func(r *Request) { r.ShippingAddress.City = "" }, "city"},
		{"bad email", func(r *Request) { r.Customer.Email = "nope" }, "email"},
		{"bad billing", func(r *Request) {
			b := r.ShippingAddress
			b.Phone = "abc"
			r.BillingAddress = &b
		}, "phone"},
		{"unknown method", func(r *Request) { r.PaymentMethod = "paypal" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest(payment.MethodCOD)
			tt.mutate(&req)

			_, err := f.svc.Checkout(context.Background(), req)
			requireClass(t, err, ClassValidation)
			if tt.field != "" {
				var ae *address.InvalidAddressError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, tt.field, ae.Field)
			}

			assert.Zero(t, f.orders.count())
			assert.Empty(t, f.carts.cleared)
			assert.Zero(t, f.gateway.created)
		})
	}
}

func TestCheckout_OnlineWithoutGateway(t *testing.T) {
	f := newFixture(t)
	f.svc.deps.Gateway = nil

	_, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodRazorpay))
	requireClass(t, err, ClassValidation)
	assert.Zero(t, f.orders.count())

	_, err = f.svc.CompletePayment(context.Background(), CompleteRequest{UserID: "user-1", IntentID: "order_1", Proof: payment.Proof{Cancelled: true}})
	requireClass(t, err, ClassNotFound)
	_, err = f.svc.Reconcile(context.Background(), "order_1")
	requireClass(t, err, ClassNotFound)

	res, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodCOD))
	require.NoError(t, err)
	assert.Equal(t, StateCleared, res.State)
}

func TestCheckout_PostalCodeTooShort(t *testing.T) {
	f := newFixture(t)
	req := validRequest(payment.MethodCOD)
	req.ShippingAddress.PostalCode = "12"

	_, err := f.svc.Checkout(context.Background(), req)
	var ae *address.InvalidAddressError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "postalCode", ae.Field)
	assert.Equal(t, address.ReasonTooShort, ae.Reason)
}

func TestCheckout_CartProblems(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		f := newFixture(t)
		f.carts.snap.Items = nil
		_, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodCOD))
		requireClass(t, err, ClassValidation)
		require.ErrorIs(t, err, cart.ErrEmpty)
	})

	t.Run("client view differs", func(t *testing.T) {
		f := newFixture(t)
		req := validRequest(payment.MethodCOD)
		req.Items = []cart.Item{{ProductID: "p1", Quantity: 3}}
		_, err := f.svc.Checkout(context.Background(), req)
		requireClass(t, err, ClassConflict)
	})

	t.Run("client view matches in any order", func(t *testing.T) {
		f := newFixture(t)
		req := validRequest(payment.MethodCOD)
		req.Items = []cart.Item{{ProductID: "p2", Quantity: 1}, {ProductID: "p1", Quantity: 2}}
		_, err := f.svc.Checkout(context.Background(), req)
		require.NoError(t, err)
	})

	t.Run("stale price", func(t *testing.T) {
		f := newFixture(t)
		f.products.products[0].Price = dec("550")
		_, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodCOD))
		requireClass(t, err, ClassConflict)
		assert.Zero(t, f.orders.count())
	})

	t.Run("product gone", func(t *testing.T) {
		f := newFixture(t)
		f.products.products[1].Active = false
		_, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodCOD))
		requireClass(t, err, ClassConflict)
	})
}

func TestCheckout_PricingConflictIsReported(t *testing.T) {
	f := newFixture(t)
	req := validRequest(payment.MethodCOD)
	hint := dec("150")
	near := dec("0.005")
	req.Coupons = []CouponHint{{Code: "SAVE100", DiscountAmount: &hint}, {Code: "GHOST", DiscountAmount: &near}}

	res, err := f.svc.Checkout(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "SAVE100", res.Conflicts[0].Code)
	assert.True(t, res.Conflicts[0].Server.Equal(dec("100")))
	assert.True(t, res.Order.Total.Equal(dec("1316")))

	require.Len(t, res.Coupons.Rejected, 1)
	assert.Equal(t, coupon.ReasonNotFound, res.Coupons.Rejected[0].Reason)
}

func TestCheckout_DuplicateCOD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Checkout(ctx, validRequest(payment.MethodCOD))
	require.NoError(t, err)
	second, err := f.svc.Checkout(ctx, validRequest(payment.MethodCOD))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 1, f.orders.count())
}

func TestCheckout_ReplayAfterCartCleared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := validRequest(payment.MethodCOD)
	req.IdempotencyKey = "retry-me"

	first, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)
	f.carts.snap.Items = nil

	second, err := f.svc.Checkout(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	req.IdempotencyKey = "fresh"
	_, err = f.svc.Checkout(ctx, req)
	requireClass(t, err, ClassValidation)
}

func TestCheckout_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.LockWait = 5 * time.Second

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodCOD))
			errs[i] = err
			if err == nil {
				ids[i] = res.Order.ID
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.orders.count())
}

func TestOnline_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.LockWait = 5 * time.Second

	const workers = 8
	intents := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodRazorpay))
			errs[i] = err
			if err == nil {
				assert.Equal(t, StateAwaitingPayment, res.State)
				intents[i] = res.Intent.ID
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, id := range intents {
		assert.Equal(t, intents[0], id)
	}
	f.gateway.mu.Lock()
	assert.Equal(t, 1, f.gateway.created)
	f.gateway.mu.Unlock()
	assert.Equal(t, AttemptAwaitingPayment, f.attempts.only(t).State)
	assert.Zero(t, f.orders.count())
}

func TestCheckout_ClientKeyScopedByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := validRequest(payment.MethodCOD)
	a.IdempotencyKey = "client-key"
	b := a
	b.UserID = "user-2"

	ra, err := f.svc.Checkout(ctx, a)
	require.NoError(t, err)
	rb, err := f.svc.Checkout(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, ra.IdempotencyKey, rb.IdempotencyKey)
	assert.False(t, rb.Duplicate)
	assert.Equal(t, 2, f.orders.count())
}

func TestCheckout_CartClearFailure(t *testing.T) {
	f := newFixture(t)
	f.carts.clearErr = errors.New("cart service down")

	res, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodCOD))
	require.NoError(t, err)
	assert.Equal(t, StatePersisting, res.State)
	assert.Equal(t, 1, f.orders.count())
	assert.Contains(t, f.orders.kinds(), KindCartClear)
	assert.Empty(t, f.acks.keys)

	f.carts.clearErr = nil
	require.NoError(t, f.svc.HandleCartClear(context.Background(), CartClear{UserID: "user-1", Version: 7}))
	assert.Equal(t, []int64{7}, f.carts.cleared)
}

func TestCheckout_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.orders.createErr = errors.New("db down")

	_, err := f.svc.Checkout(context.Background(), validRequest(payment.MethodCOD))
	requireClass(t, err, ClassInternal)
	assert.Empty(t, f.carts.cleared)
}

func TestCheckout_LockHeld(t *testing.T) {
	f := newFixture(t)
	release, err := f.svc.deps.Locker.Acquire(context.Background(), "checkout:user-1", time.Minute)
	require.NoError(t, err)
	defer func() { _ = release(context.Background()) }()

	_, err = f.svc.Checkout(context.Background(), validRequest(payment.MethodCOD))
	requireClass(t, err, ClassConflict)
	assert.Zero(t, f.orders.count())
}

func TestOnline_VerifiedPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, res.State)
	require.NotNil(t, res.Intent)
	assert.True(t, res.Intent.Amount.Equal(dec("1316")))
	assert.Nil(t, res.Order)
	assert.Zero(t, f.orders.count(), "no order before payment")
	assert.Empty(t, f.carts.cleared)

	a := f.attempts.only(t)
	assert.Equal(t, AttemptAwaitingPayment, a.State)
	assert.Equal(t, int64(7), a.CartVersion)

	f.gateway.verify = payment.Verification{Outcome: payment.OutcomeVerified, PaymentID: "pay_1"}
	done, err := f.svc.CompletePayment(ctx, CompleteRequest{
		UserID:   "user-1",
		IntentID: res.Intent.ID,
		Proof:    payment.Proof{PaymentID: "pay_1", Signature: "sig"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCleared, done.State)
	require.NotNil(t, done.Order)
	assert.Equal(t, a.Draft.ID, done.Order.ID)
	assert.Equal(t, order.StatusConfirmed, done.Order.Status)
	assert.Equal(t, order.PaymentPaid, done.Order.PaymentStatus)
	assert.Equal(t, "pay_1", done.Order.PaymentDetails.PaymentID)
	assert.Equal(t, res.Intent.ID, done.Order.PaymentDetails.IntentID)
	assert.True(t, done.Order.Total.Equal(dec("1316")))
	assert.Equal(t, []int64{7}, f.carts.cleared)
	assert.Equal(t, AttemptCompleted, f.attempts.only(t).State)

	again, err := f.svc.CompletePayment(ctx, CompleteRequest{
		UserID:   "user-1",
		IntentID: res.Intent.ID,
		Proof:    payment.Proof{PaymentID: "pay_1", Signature: "sig"},
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, done.Order.ID, again.Order.ID)
	assert.Equal(t, 1, f.orders.count())

	retry, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, done.Order.ID, retry.Order.ID)
	assert.Equal(t, 1, f.gateway.created)
}

func TestOnline_Failures(t *testing.T) {
	tests := []struct {
		name         string
		verification payment.Verification
		verifyErr    error
		proof        payment.Proof
		class        Class
		attempt      AttemptState
	}{
		{
			name:         "signature mismatch",
			verification: payment.Verification{Outcome: payment.OutcomeFailed, Reason: payment.ReasonSignatureMismatch},
			class:        ClassVerificationFailed,
			attempt:      AttemptFailed,
		},
		{
			name:         "declined",
			verification: payment.Verification{Outcome: payment.OutcomeFailed, Reason: payment.ReasonDeclined},
			class:        ClassPaymentFailed,
			attempt:      AttemptFailed,
		},
		{
			name:         "cancelled",
			verification: payment.Verification{Outcome: payment.OutcomeCancelled},
			proof:        payment.Proof{Cancelled: true},
			class:        ClassPaymentCancelled,
			attempt:      AttemptAwaitingPayment,
		},
		{
			name:         "gateway unknown",
			verification: payment.Verification{Outcome: payment.OutcomeUnknown, Detail: "timeout"},
			class:        ClassPaymentUnknown,
			attempt:      AttemptUnknown,
		},
		{
			name:      "transport error",
			verifyErr: errors.New("connection reset"),
			class:     ClassPaymentUnknown,
			attempt:   AttemptUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
			require.NoError(t, err)

			f.gateway.verify = tt.verification
			f.gateway.verifyErr = tt.verifyErr
			proof := tt.proof
			if !proof.Cancelled {
				proof = payment.Proof{PaymentID: "pay_1", Signature: "bad"}
			}
			_, err = f.svc.CompletePayment(ctx, CompleteRequest{UserID: "user-1", IntentID: res.Intent.ID, Proof: proof})
			requireClass(t, err, tt.class)

			assert.Zero(t, f.orders.count(), "no orphan order")
			assert.Empty(t, f.carts.cleared)
			assert.Equal(t, tt.attempt, f.attempts.only(t).State)
		})
	}
}

func TestOnline_VerificationFailedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
	require.NoError(t, err)

	f.gateway.verify = payment.Verification{Outcome: payment.OutcomeFailed, Reason: payment.ReasonSignatureMismatch}
	_, err = f.svc.CompletePayment(ctx, CompleteRequest{
		UserID:   "user-1",
		IntentID: res.Intent.ID,
		Proof:    payment.Proof{PaymentID: "pay_1", Signature: "forged"},
	})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "5-7 business days")
}

func TestOnline_FailedAttemptReusesIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
	require.NoError(t, err)

	f.gateway.verify = payment.Verification{Outcome: payment.OutcomeFailed, Reason: payment.ReasonDeclined}
	_, err = f.svc.CompletePayment(ctx, CompleteRequest{
		UserID:   "user-1",
		IntentID: first.Intent.ID,
		Proof:    payment.Proof{PaymentID: "pay_1", Signature: "sig"},
	})
	requireClass(t, err, ClassPaymentFailed)

	second, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPayment, second.State)
	assert.Equal(t, first.Intent.ID, second.Intent.ID)
	assert.True(t, second.Pricing.Total.Equal(dec("1316")))
	assert.Equal(t, 1, f.gateway.created)
	assert.Equal(t, AttemptAwaitingPayment, f.attempts.only(t).State)
}

func TestOnline_UnknownAttemptBlocksNewCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
	require.NoError(t, err)
	f.gateway.verifyErr = context.DeadlineExceeded
	_, err = f.svc.CompletePayment(ctx, CompleteRequest{
		UserID:   "user-1",
		IntentID: res.Intent.ID,
		Proof:    payment.Proof{PaymentID: "pay_1", Signature: "sig"},
	})
	requireClass(t, err, ClassPaymentUnknown)

	_, err = f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
	requireClass(t, err, ClassPaymentUnknown)
	assert.Equal(t, 1, f.gateway.created)
}

func TestOnline_CompleteOtherUsersIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
	require.NoError(t, err)

	_, err = f.svc.CompletePayment(ctx, CompleteRequest{
		UserID:   "intruder",
		IntentID: res.Intent.ID,
		Proof:    payment.Proof{PaymentID: "pay_1", Signature: "sig"},
	})
	requireClass(t, err, ClassNotFound)

	_, err = f.svc.CompletePayment(ctx, CompleteRequest{
		UserID:   "user-1",
		IntentID: "order_missing",
		Proof:    payment.Proof{PaymentID: "pay_1", Signature: "sig"},
	})
	requireClass(t, err, ClassNotFound)

	_, err = f.svc.CompletePayment(ctx, CompleteRequest{UserID: "user-1", IntentID: res.Intent.ID})
	requireClass(t, err, ClassValidation)
}

func TestReconcile(t *testing.T) {
	t.Run("captured payment becomes order", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
		require.NoError(t, err)

		f.gateway.status = payment.IntentStatus{State: payment.StatePaid, PaymentID: "pay_9"}
		done, err := f.svc.Reconcile(ctx, res.Intent.ID)
		require.NoError(t, err)
		assert.Equal(t, order.PaymentPaid, done.Order.PaymentStatus)
		assert.Equal(t, "pay_9", done.Order.PaymentDetails.PaymentID)
		assert.Equal(t, []int64{7}, f.carts.cleared)

		again, err := f.svc.Reconcile(ctx, res.Intent.ID)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, 1, f.orders.count())
	})

	t.Run("still pending", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
		require.NoError(t, err)

		f.gateway.status = payment.IntentStatus{State: payment.StatePending}
		_, err = f.svc.Reconcile(ctx, res.Intent.ID)
		requireClass(t, err, ClassPaymentUnknown)
		assert.Equal(t, AttemptAwaitingPayment, f.attempts.only(t).State)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
		require.NoError(t, err)

		f.clock = f.clock.Add(25 * time.Hour)
		f.gateway.status = payment.IntentStatus{State: payment.StatePending}
		_, err = f.svc.Reconcile(ctx, res.Intent.ID)
		requireClass(t, err, ClassPaymentFailed)
		a := f.attempts.only(t)
		assert.Equal(t, AttemptFailed, a.State)
		assert.Equal(t, "expired", a.FailureReason)
	})

	t.Run("gateway failed", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
		require.NoError(t, err)

		f.gateway.status = payment.IntentStatus{State: payment.StateFailed}
		_, err = f.svc.Reconcile(ctx, res.Intent.ID)
		requireClass(t, err, ClassPaymentFailed)
		assert.Zero(t, f.orders.count())
	})

	t.Run("unknown intent", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Reconcile(context.Background(), "order_nope")
		requireClass(t, err, ClassNotFound)
	})
}

func TestReconciler_RunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, validRequest(payment.MethodRazorpay))
	require.NoError(t, err)

	r := NewReconciler(f.svc, ReconcilerConfig{StaleAfter: 15 * time.Minute, RPS: 100})

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh attempts are left to the customer")

	f.clock = f.clock.Add(time.Hour)
	f.gateway.status = payment.IntentStatus{State: payment.StatePaid, PaymentID: "pay_5"}
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a := f.attempts.only(t)
	assert.Equal(t, AttemptCompleted, a.State)
	o, err := f.orders.GetByID(ctx, a.OrderID)
	require.NoError(t, err)
	assert.Equal(t, res.Intent.ID, o.PaymentDetails.IntentID)
}

func TestDeriveKey(t *testing.T) {
	k1 := deriveKey("u1", "", "hash", payment.MethodCOD)
	assert.Equal(t, k1, deriveKey("u1", "", "hash", payment.MethodCOD))
	assert.NotEqual(t, k1, deriveKey("u2", "", "hash", payment.MethodCOD))
	assert.NotEqual(t, k1, deriveKey("u1", "", "hash", payment.MethodRazorpay))
	assert.NotEqual(t, k1, deriveKey("u1", "", "other", payment.MethodCOD))
	assert.Equal(t, deriveKey("u1", "k", "a", payment.MethodCOD), deriveKey("u1", "k", "b", payment.MethodRazorpay))
	assert.Len(t, k1, 64)
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassInternal, ClassOf(errors.New("boom")))
	wrapped := errors.Wrap(fail(ClassConflict, "x", nil), "outer")
	assert.Equal(t, ClassConflict, ClassOf(wrapped))
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, ErrLocked)

	other, err := l.Acquire(context.Background(), "other", time.Second)
	require.NoError(t, err)
	require.NoError(t, other(context.Background()))

	require.NoError(t, release(context.Background()))
	require.NoError(t, release(context.Background()), "double release is harmless")

	again, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, again(context.Background()))
}
