package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/address"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/outbox"
)

const instrumentationName = "github.com/xenking/kart-checkout/internal/domain/checkout"

// discountTolerance is the largest client/server discount difference that is
// not reported as a conflict.
var discountTolerance = decimal.RequireFromString("0.01")

// CouponApplicator applies coupon codes to cart lines.
type CouponApplicator interface {
	Apply(ctx context.Context, userID string, items []coupon.Item, codes []string) (*coupon.Result, error)
}

// Deps are the collaborators of Service. Recall and Acks are optional.
type Deps struct {
	Carts     cart.Service
	Products  product.Repository
	Coupons   CouponApplicator
	Addresses *address.Validator
	Orders    order.Repository
	Attempts  AttemptRepository
	Gateway   payment.Gateway
	Locker    Locker
	Recall    Recaller
	Acks      order.Acknowledger

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Config tunes Service.
type Config struct {
	Policy   pricing.Policy
	Currency string
	// LockTTL bounds how long a crashed process can hold a user's lock.
	LockTTL time.Duration
	// LockWait is how long a request waits for a concurrent checkout.
	LockWait time.Duration
	// GatewayTimeout bounds every gateway call.
	GatewayTimeout time.Duration
	// AttemptTTL is how long an unpaid intent stays open before it is
	// expired by reconciliation.
	AttemptTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.Policy.FreeShippingThreshold.IsZero() && c.Policy.FlatShippingFee.IsZero() && c.Policy.TaxRate.IsZero() {
		c.Policy = pricing.DefaultPolicy()
	}
	if c.Currency == "" {
		c.Currency = "INR"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 10 * time.Second
	}
	if c.AttemptTTL <= 0 {
		c.AttemptTTL = 24 * time.Hour
	}
}

// Service orchestrates checkouts.
type Service struct {
	deps     Deps
	cfg      Config
	tracer   trace.Tracer
	outcomes metric.Int64Counter
	now      func() time.Time
}

// NewService creates a checkout Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	cfg.setDefaults()
	if deps.Addresses == nil {
		deps.Addresses = address.NewValidator()
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Recall == nil {
		deps.Recall = noRecall{}
	}

	if deps.TracerProvider == nil {
		deps.TracerProvider = otel.GetTracerProvider()
	}
	if deps.MeterProvider == nil {
		deps.MeterProvider = otel.GetMeterProvider()
	}

	meter := deps.MeterProvider.Meter(instrumentationName)
	outcomes, err := meter.Int64Counter("checkout.outcomes",
		metric.WithDescription("Checkout steps by method and resulting state or failure class"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create outcomes counter")
	}

	return &Service{
		deps:     deps,
		cfg:      cfg,
		tracer:   deps.TracerProvider.Tracer(instrumentationName),
		outcomes: outcomes,
		now:      time.Now,
	}, nil
}

// Checkout validates the request, prices the cart and either stores a COD
// order or opens a payment intent for an online payment.
func (s *Service) Checkout(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout",
		trace.WithAttributes(attribute.String("payment.method", string(req.PaymentMethod))),
	)
	defer func() { s.finish(ctx, span, "checkout", req.PaymentMethod, res, err) }()

	// Validating.
	shipping, billing, customer, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	release, err := s.lock(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := s.deps.Carts.Snapshot(ctx, req.UserID)
	if err != nil {
		return nil, fail(ClassInternal, "could not read cart", err)
	}

	key := deriveKey(req.UserID, req.IdempotencyKey, snap.Hash(), req.PaymentMethod)
	ctx = zctx.With(ctx, zap.String("idempotency_key", key))
	span.SetAttributes(attribute.String("checkout.idempotency_key", key))

	// A replayed client key finds its order even though the cart was cleared.
	if prior, err := s.lookupPrior(ctx, req.UserID, key); err != nil || prior != nil {
		return prior, err
	}

	if snap.Empty() {
		return nil, fail(ClassValidation, "cart is empty", cart.ErrEmpty)
	}
	if len(req.Items) > 0 && !snap.SameLines(req.Items) {
		return nil, fail(ClassConflict, "cart changed, please review your items", nil)
	}
	items, err := s.freezeItems(ctx, snap)
	if err != nil {
		return nil, err
	}

	// Pricing.
	applied, err := s.deps.Coupons.Apply(ctx, req.UserID, couponItems(snap), hintCodes(req.Coupons))
	if err != nil {
		return nil, fail(ClassInternal, "could not apply coupons", err)
	}
	breakdown := s.cfg.Policy.Compute(pricingLines(snap), applied.Discounts())

	now := s.now()
	id := uuid.NewString()
	o := &order.Order{
		ID:              id,
		OrderNumber:     order.NumberFor(id),
		UserID:          req.UserID,
		IdempotencyKey:  key,
		Items:           items,
		Subtotal:        breakdown.Subtotal,
		ShippingCost:    breakdown.Shipping,
		Tax:             breakdown.Tax,
		TaxRate:         s.cfg.Policy.TaxRate,
		TotalDiscount:   breakdown.TotalDiscount,
		AppliedCoupons:  applied.Accepted,
		Total:           breakdown.Total,
		Currency:        s.cfg.Currency,
		ShippingAddress: shipping,
		BillingAddress:  billing,
		Customer:        customer,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   order.PaymentPending,
		Status:          order.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	res = &Result{
		State:          StatePricingComputed,
		Pricing:        breakdown,
		Coupons:        applied,
		Conflicts:      compareHints(req.Coupons, applied),
		IdempotencyKey: key,
	}

	if req.PaymentMethod.Online() {
		return s.openIntent(ctx, res, o, snap.Version)
	}
	return s.placeCOD(ctx, res, o, snap.Version)
}

func (s *Service) validate(req Request) (address.Address, address.Address, address.Customer, error) {
	var (
		zeroAddr address.Address
		zeroCust address.Customer
	)
	if req.UserID == "" {
		return zeroAddr, zeroAddr, zeroCust, fail(ClassValidation, "user is required", nil)
	}
	if !req.PaymentMethod.Valid() {
		return zeroAddr, zeroAddr, zeroCust, fail(ClassValidation, "unsupported payment method", nil)
	}
	if req.PaymentMethod.Online() && s.deps.Gateway == nil {
		return zeroAddr, zeroAddr, zeroCust, fail(ClassValidation, "payment method "+string(req.PaymentMethod)+" is not available", nil)
	}

	shipping, err := s.deps.Addresses.Validate(req.ShippingAddress)
	if err != nil {
		return zeroAddr, zeroAddr, zeroCust, invalid("shippingAddress", err)
	}
	billing := shipping
	if req.BillingAddress != nil && !req.BillingAddress.IsZero() {
		billing, err = s.deps.Addresses.Validate(*req.BillingAddress)
		if err != nil {
			return zeroAddr, zeroAddr, zeroCust, invalid("billingAddress", err)
		}
	}
	customer, err := s.deps.Addresses.ValidateCustomer(req.Customer)
	if err != nil {
		return zeroAddr, zeroAddr, zeroCust, invalid("customerInfo", err)
	}
	return shipping, billing, customer, nil
}

func invalid(prefix string, err error) *Error {
	var ae *address.InvalidAddressError
	if errors.As(err, &ae) {
		return fail(ClassValidation, "invalid "+prefix+"."+ae.Field+": "+ae.Reason, err)
	}
	return fail(ClassValidation, "invalid "+prefix, err)
}

// freezeItems re-checks snapshot prices against the catalog and copies the
// display fields orders keep forever.
func (s *Service) freezeItems(ctx context.Context, snap cart.Snapshot) ([]order.Item, error) {
	ids := make([]string, 0, len(snap.Items))
	for _, it := range snap.Items {
		ids = append(ids, it.ProductID)
	}
	products, err := s.deps.Products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fail(ClassInternal, "could not read catalog", err)
	}
	byID := product.Index(products)

	items := make([]order.Item, 0, len(snap.Items))
	for _, it := range snap.Items {
		if it.Quantity < 1 {
			return nil, fail(ClassValidation, "quantity must be at least 1 for product "+it.ProductID, nil)
		}
		p, ok := byID[it.ProductID]
		if !ok || !p.Active {
			return nil, fail(ClassConflict, "product "+it.ProductID+" is no longer available", nil)
		}
		if !p.Price.Equal(it.UnitPrice) {
			return nil, fail(ClassConflict, "price of "+p.Name+" changed to "+p.Price.StringFixed(2), nil)
		}
		items = append(items, order.Item{
			ProductID: it.ProductID,
			Name:      p.Name,
			Image:     p.Image,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			Size:      it.Size,
			Color:     it.Color,
			LineTotal: it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2),
		})
	}
	return items, nil
}

// deriveKey scopes the idempotency key by user. Without a client key, the
// same cart checked out the same way yields the same key.
func deriveKey(userID, clientKey, cartHash string, method payment.Method) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{'|'})
	if clientKey != "" {
		h.Write([]byte("client:" + clientKey))
	} else {
		h.Write([]byte(cartHash))
		h.Write([]byte{'|'})
		h.Write([]byte(method))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) lock(ctx context.Context, userID string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	defer cancel()

	release, err := s.deps.Locker.Acquire(waitCtx, "checkout:"+userID, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return nil, fail(ClassConflict, msgLocked, err)
		}
		return nil, fail(ClassInternal, "could not acquire checkout lock", err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			zctx.From(ctx).Warn("Release checkout lock", zap.Error(err))
		}
	}, nil
}

// lookupPrior returns the outcome of an earlier checkout with the same key,
// or nil when there is none.
func (s *Service) lookupPrior(ctx context.Context, userID, key string) (*Result, error) {
	lg := zctx.From(ctx)

	orderID, err := s.deps.Recall.Recall(ctx, key)
	if err != nil {
		lg.Warn("Recall idempotency key", zap.Error(err))
	}
	if orderID != "" {
		o, err := s.deps.Orders.GetByID(ctx, orderID)
		if err == nil {
			return duplicate(o), nil
		}
		if !errors.Is(err, order.ErrNotFound) {
			return nil, fail(ClassInternal, "could not read order", err)
		}
	}

	o, err := s.deps.Orders.GetByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		s.remember(ctx, key, o.ID)
		return duplicate(o), nil
	case !errors.Is(err, order.ErrNotFound):
		return nil, fail(ClassInternal, "could not read order", err)
	}

	a, err := s.deps.Attempts.GetByKey(ctx, key)
	switch {
	case errors.Is(err, ErrAttemptNotFound):
		return nil, nil
	case err != nil:
		return nil, fail(ClassInternal, "could not read checkout attempt", err)
	case a.UserID != userID:
		return nil, fail(ClassConflict, "idempotency key belongs to another checkout", nil)
	}

	switch a.State {
	case AttemptUnknown:
		return nil, fail(ClassPaymentUnknown, msgPaymentUnknown, nil)
	case AttemptCompleted:
		o, err := s.deps.Orders.GetByID(ctx, a.OrderID)
		if err != nil {
			return nil, fail(ClassInternal, "could not read order", err)
		}
		return duplicate(o), nil
	case AttemptFailed:
		// The intent is still open at the gateway; let the customer retry it.
		prev := a.State
		a.State = AttemptAwaitingPayment
		a.FailureReason = ""
		a.UpdatedAt = s.now()
		if err := s.deps.Attempts.Update(ctx, a, prev); err != nil {
			return nil, fail(ClassInternal, "could not reopen checkout attempt", err)
		}
	}

	lg.Info("Reusing payment intent", zap.String("intent_id", a.IntentID))
	draft := a.Draft
	return &Result{
		State:          StateAwaitingPayment,
		Intent:         attemptIntent(a),
		Pricing:        draftPricing(&draft),
		Coupons:        &coupon.Result{Accepted: draft.AppliedCoupons, TotalDiscount: draft.TotalDiscount},
		Duplicate:      true,
		IdempotencyKey: key,
	}, nil
}

func duplicate(o *order.Order) *Result {
	return &Result{
		State:          StateCleared,
		Order:          o,
		Pricing:        draftPricing(o),
		Coupons:        &coupon.Result{Accepted: o.AppliedCoupons, TotalDiscount: o.TotalDiscount},
		Duplicate:      true,
		IdempotencyKey: o.IdempotencyKey,
	}
}

func attemptIntent(a *Attempt) *payment.Intent {
	return &payment.Intent{
		ID:        a.IntentID,
		Provider:  a.Draft.PaymentDetails.Provider,
		Amount:    a.Amount,
		Currency:  a.Currency,
		CreatedAt: a.CreatedAt,
	}
}

func draftPricing(o *order.Order) pricing.Breakdown {
	return pricing.Breakdown{
		Subtotal:      o.Subtotal,
		Shipping:      o.ShippingCost,
		Tax:           o.Tax,
		TotalDiscount: o.TotalDiscount,
		Total:         o.Total,
	}
}

func couponItems(snap cart.Snapshot) []coupon.Item {
	out := make([]coupon.Item, len(snap.Items))
	for i, it := range snap.Items {
		out[i] = coupon.Item{ProductID: it.ProductID, Price: it.UnitPrice, Quantity: it.Quantity}
	}
	return out
}

func pricingLines(snap cart.Snapshot) []pricing.Line {
	out := make([]pricing.Line, len(snap.Items))
	for i, it := range snap.Items {
		out[i] = pricing.Line{UnitPrice: it.UnitPrice, Quantity: it.Quantity}
	}
	return out
}

func hintCodes(hints []CouponHint) []string {
	out := make([]string, len(hints))
	for i, h := range hints {
		out[i] = h.Code
	}
	return out
}

// compareHints reports client discount amounts that differ from the server's
// by more than the tolerance. Rejected codes count as a zero discount.
func compareHints(hints []CouponHint, applied *coupon.Result) []PricingConflict {
	server := make(map[string]decimal.Decimal, len(applied.Accepted))
	for _, a := range applied.Accepted {
		server[a.Code] = a.DiscountAmount
	}

	var out []PricingConflict
	seen := make(map[string]struct{}, len(hints))
	for _, h := range hints {
		if h.DiscountAmount == nil {
			continue
		}
		code := coupon.Normalize(h.Code)
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		got := server[code]
		if h.DiscountAmount.Sub(got).Abs().GreaterThan(discountTolerance) {
			out = append(out, PricingConflict{Code: code, Client: *h.DiscountAmount, Server: got})
		}
	}
	return out
}

func (s *Service) placeCOD(ctx context.Context, res *Result, o *order.Order, cartVersion int64) (*Result, error) {
	res.State = StateDirectCOD
	stored, dup, err := s.persist(ctx, o, cartVersion)
	if err != nil {
		return nil, err
	}
	res.Order = stored
	res.Duplicate = dup
	res.State = s.clearCart(ctx, stored, cartVersion)
	return res, nil
}

func (s *Service) openIntent(ctx context.Context, res *Result, o *order.Order, cartVersion int64) (*Result, error) {
	gwCtx, cancel := s.gatewayContext(ctx)
	defer cancel()

	intent, err := s.deps.Gateway.CreateIntent(gwCtx, payment.IntentRequest{
		Amount:         o.Total,
		Currency:       o.Currency,
		IdempotencyKey: o.IdempotencyKey,
		Notes: map[string]string{
			"order_number": o.OrderNumber,
			"user_id":      o.UserID,
		},
	})
	if err != nil {
		return nil, fail(ClassInternal, "payment gateway is unavailable, please try again", err)
	}

	o.PaymentDetails = order.PaymentDetails{Provider: intent.Provider, IntentID: intent.ID}
	now := s.now()
	a := &Attempt{
		IdempotencyKey: o.IdempotencyKey,
		UserID:         o.UserID,
		Method:         o.PaymentMethod,
		IntentID:       intent.ID,
		Amount:         intent.Amount,
		Currency:       intent.Currency,
		State:          AttemptAwaitingPayment,
		Draft:          *o,
		CartVersion:    cartVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deps.Attempts.Create(ctx, a); err != nil {
		if !errors.Is(err, ErrAttemptExists) {
			return nil, fail(ClassInternal, "could not record checkout attempt", err)
		}
		// Lost a race with a replica holding an expired lock.
		existing, err := s.deps.Attempts.GetByKey(ctx, o.IdempotencyKey)
		if err != nil {
			return nil, fail(ClassInternal, "could not read checkout attempt", err)
		}
		return s.lookupPrior(ctx, existing.UserID, existing.IdempotencyKey)
	}

	zctx.From(ctx).Info("Awaiting payment",
		zap.String("intent_id", intent.ID),
		zap.String("amount", intent.Amount.StringFixed(2)),
	)
	res.State = StateAwaitingPayment
	res.Intent = intent
	return res, nil
}

// persist stores o with its creation events. A concurrent identical checkout
// that won the race is returned as a duplicate.
func (s *Service) persist(ctx context.Context, o *order.Order, cartVersion int64) (*order.Order, bool, error) {
	created, err := order.CreatedMessage(o)
	if err != nil {
		return nil, false, fail(ClassInternal, "could not encode order event", err)
	}
	clearMsg, err := outbox.NewMessage(KindCartClear, cartClearKey(o.ID), CartClear{
		UserID:  o.UserID,
		Version: cartVersion,
		OrderID: o.ID,
	})
	if err != nil {
		return nil, false, fail(ClassInternal, "could not encode cart event", err)
	}

	if err := s.deps.Orders.Create(ctx, o, created, clearMsg); err != nil {
		if errors.Is(err, order.ErrCouponUnavailable) {
			return nil, false, fail(ClassConflict, "a coupon is no longer available, please review your order", err)
		}
		if !errors.Is(err, order.ErrDuplicate) {
			return nil, false, fail(ClassInternal, "could not store order", err)
		}
		existing, err := s.deps.Orders.GetByIdempotencyKey(ctx, o.IdempotencyKey)
		if err != nil {
			return nil, false, fail(ClassInternal, "could not read order", err)
		}
		return existing, true, nil
	}

	zctx.From(ctx).Info("Order placed",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.String("payment_method", string(o.PaymentMethod)),
		zap.String("total", o.Total.StringFixed(2)),
	)
	s.remember(ctx, o.IdempotencyKey, o.ID)
	return o, false, nil
}

// clearCart empties the purchased lines. Failure is logged and left to the
// outbox relay, which retries the cart.clear message stored with the order.
func (s *Service) clearCart(ctx context.Context, o *order.Order, version int64) State {
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	if err := s.deps.Carts.Clear(ctx, o.UserID, version); err != nil {
		lg.Warn("Clear cart failed, left for retry", zap.Error(err))
		return StatePersisting
	}
	if s.deps.Acks != nil {
		if err := s.deps.Acks.Complete(ctx, cartClearKey(o.ID)); err != nil {
			lg.Warn("Acknowledge cart clear", zap.Error(err))
		}
	}
	return StateCleared
}

// HandleCartClear delivers a cart.clear outbox message.
func (s *Service) HandleCartClear(ctx context.Context, m CartClear) error {
	if err := s.deps.Carts.Clear(ctx, m.UserID, m.Version); err != nil {
		return errors.Wrapf(err, "clear cart of %s", m.UserID)
	}
	return nil
}

func (s *Service) remember(ctx context.Context, key, orderID string) {
	if err := s.deps.Recall.Remember(ctx, key, orderID); err != nil {
		zctx.From(ctx).Warn("Remember idempotency key", zap.Error(err))
	}
}

// gatewayContext detaches gateway calls from request cancellation so a
// client disconnect cannot abandon a call that may already have moved money.
func (s *Service) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GatewayTimeout)
}

func (s *Service) finish(ctx context.Context, span trace.Span, op string, method payment.Method, res *Result, err error) {
	defer span.End()

	outcome := ""
	switch {
	case err != nil:
		class := ClassOf(err)
		outcome = string(class)
		span.SetAttributes(attribute.String("checkout.class", outcome))
		if class == ClassInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			zctx.From(ctx).Error("Checkout failed", zap.String("op", op), zap.Error(err))
		}
	case res != nil:
		outcome = string(res.State)
		span.SetAttributes(
			attribute.String("checkout.state", outcome),
			attribute.Bool("checkout.duplicate", res.Duplicate),
		)
	}

	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("method", string(method)),
		attribute.String("outcome", outcome),
	))
}
