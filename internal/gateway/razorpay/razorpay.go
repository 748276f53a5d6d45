// Package razorpay implements payment.Gateway over the Razorpay REST API.
package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Provider is the name recorded on intents.
const Provider = "razorpay"

// Config configures Client.
type Config struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	Timeout   time.Duration

	// Transport overrides the instrumented default transport.
	Transport      http.RoundTripper
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Client talks to Razorpay.
type Client struct {
	http   *resty.Client
	keyID  string
	secret []byte
}

var (
	_ payment.Gateway      = (*Client)(nil)
	_ payment.IntentFinder = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, errors.New("razorpay key id and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.razorpay.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		var opts []otelhttp.Option
		if cfg.TracerProvider != nil {
			opts = append(opts, otelhttp.WithTracerProvider(cfg.TracerProvider))
		}
		if cfg.MeterProvider != nil {
			opts = append(opts, otelhttp.WithMeterProvider(cfg.MeterProvider))
		}
		transport = otelhttp.NewTransport(http.DefaultTransport, opts...)
	}

	hc := resty.New().
		SetTransport(transport).
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.KeyID, cfg.KeySecret).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{http: hc, keyID: cfg.KeyID, secret: []byte(cfg.KeySecret)}, nil
}

// KeyID is the public key the client-side checkout widget needs.
func (c *Client) KeyID() string { return c.keyID }

// CreateIntent creates a Razorpay order.
func (c *Client) CreateIntent(ctx context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	notes := make(map[string]string, len(req.Notes)+1)
	for k, v := range req.Notes {
		notes[k] = v
	}
	if req.IdempotencyKey != "" {
		notes["idempotency_key"] = req.IdempotencyKey
	}

	var out orderEntity
	if err := c.do(ctx, http.MethodPost, "/v1/orders", createOrderRequest{
		Amount:   toPaise(req.Amount),
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    notes,
	}, &out); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	return &payment.Intent{
		ID:        out.ID,
		Provider:  Provider,
		Amount:    fromPaise(out.Amount),
		Currency:  out.Currency,
		CreatedAt: time.Unix(out.CreatedAt, 0).UTC(),
	}, nil
}

// FindIntent returns the newest Razorpay order created with receipt.
func (c *Client) FindIntent(ctx context.Context, receipt string) (*payment.Intent, error) {
	var list collection[orderEntity]
	if err := c.do(ctx, http.MethodGet, "/v1/orders?receipt="+url.QueryEscape(receipt), nil, &list); err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	if len(list.Items) == 0 {
		return nil, payment.ErrIntentNotFound
	}
	o := list.Items[0]
	return &payment.Intent{
		ID:        o.ID,
		Provider:  Provider,
		Amount:    fromPaise(o.Amount),
		Currency:  o.Currency,
		CreatedAt: time.Unix(o.CreatedAt, 0).UTC(),
	}, nil
}

// Verify checks the checkout signature and then confirms with Razorpay that
// the payment belongs to the order, covers its amount and was not declined.
// Transport failures are reported as OutcomeUnknown, never as failures.
func (c *Client) Verify(ctx context.Context, intentID string, proof payment.Proof) (payment.Verification, error) {
	if proof.Cancelled {
		return payment.Verification{Outcome: payment.OutcomeCancelled}, nil
	}
	if !c.validSignature(intentID, proof.PaymentID, proof.Signature) {
		return payment.Verification{
			Outcome:   payment.OutcomeFailed,
			PaymentID: proof.PaymentID,
			Reason:    payment.ReasonSignatureMismatch,
		}, nil
	}

	var p paymentEntity
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+proof.PaymentID, nil, &p); err != nil {
		return unknownOrFailed(err, proof.PaymentID), nil
	}
	if p.OrderID != intentID {
		return payment.Verification{
			Outcome:   payment.OutcomeFailed,
			PaymentID: p.ID,
			Reason:    payment.ReasonIntentMismatch,
			Detail:    "payment belongs to " + p.OrderID,
		}, nil
	}

	switch p.Status {
	case statusCaptured, statusAuthorized:
	case statusFailed:
		return payment.Verification{
			Outcome:   payment.OutcomeFailed,
			PaymentID: p.ID,
			Reason:    payment.ReasonDeclined,
			Detail:    p.ErrorCode + ": " + p.ErrorDescription,
		}, nil
	default:
		return payment.Verification{
			Outcome:   payment.OutcomeUnknown,
			PaymentID: p.ID,
			Detail:    "payment status " + p.Status,
		}, nil
	}

	var o orderEntity
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+intentID, nil, &o); err != nil {
		return unknownOrFailed(err, p.ID), nil
	}
	if p.Amount < o.Amount {
		return payment.Verification{
			Outcome:   payment.OutcomeFailed,
			PaymentID: p.ID,
			Reason:    payment.ReasonAmountMismatch,
			Detail:    fmt.Sprintf("paid %d of %d", p.Amount, o.Amount),
		}, nil
	}

	return payment.Verification{Outcome: payment.OutcomeVerified, PaymentID: p.ID}, nil
}

// QueryStatus reports whether any payment against the order was captured.
func (c *Client) QueryStatus(ctx context.Context, intentID string) (payment.IntentStatus, error) {
	var o orderEntity
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+intentID, nil, &o); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return payment.IntentStatus{}, payment.ErrIntentNotFound
		}
		return payment.IntentStatus{}, errors.Wrap(err, "get order")
	}

	var list collection[paymentEntity]
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+intentID+"/payments", nil, &list); err != nil {
		return payment.IntentStatus{}, errors.Wrap(err, "list payments")
	}

	failed := 0
	for _, p := range list.Items {
		switch p.Status {
		case statusCaptured, statusAuthorized:
			if p.Amount >= o.Amount {
				return payment.IntentStatus{State: payment.StatePaid, PaymentID: p.ID}, nil
			}
		case statusFailed:
			failed++
		}
	}
	if failed > 0 && failed == len(list.Items) {
		last := list.Items[0]
		return payment.IntentStatus{
			State:     payment.StateFailed,
			PaymentID: last.ID,
			Detail:    last.ErrorCode + ": " + last.ErrorDescription,
		}, nil
	}
	return payment.IntentStatus{State: payment.StatePending, Detail: "order " + o.Status}, nil
}

// Refund refunds req.Amount of a payment. A payment already refunded by at
// least that amount is not refunded again; its latest refund is returned.
func (c *Client) Refund(ctx context.Context, req payment.RefundRequest) (*payment.Refund, error) {
	amount := toPaise(req.Amount)

	var p paymentEntity
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+req.PaymentID, nil, &p); err != nil {
		return nil, errors.Wrap(err, "get payment")
	}
	if p.AmountRefunded >= amount {
		var refunds collection[refundEntity]
		if err := c.do(ctx, http.MethodGet, "/v1/payments/"+req.PaymentID+"/refunds", nil, &refunds); err != nil {
			return nil, errors.Wrap(err, "list refunds")
		}
		if len(refunds.Items) > 0 {
			r := refunds.Items[0]
			return &payment.Refund{ID: r.ID, Amount: fromPaise(r.Amount)}, nil
		}
	}

	var r refundEntity
	if err := c.do(ctx, http.MethodPost, "/v1/payments/"+req.PaymentID+"/refund", refundRequest{
		Amount:  amount,
		Receipt: req.Receipt,
	}, &r); err != nil {
		return nil, errors.Wrap(err, "create refund")
	}
	return &payment.Refund{ID: r.ID, Amount: fromPaise(r.Amount)}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var apiErr errorResponse
	r := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&apiErr)
	if body != nil {
		r.SetBody(body)
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		return &TransportError{Err: err}
	}
	if resp.IsError() {
		return &APIError{
			Status:      resp.StatusCode(),
			Code:        apiErr.Error.Code,
			Description: apiErr.Error.Description,
		}
	}
	return nil
}

func (c *Client) validSignature(orderID, paymentID, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, sign(c.secret, orderID, paymentID))
}

func sign(secret []byte, orderID, paymentID string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return mac.Sum(nil)
}

// Signature computes the checkout signature Razorpay hands to the client.
func Signature(secret, orderID, paymentID string) string {
	return hex.EncodeToString(sign([]byte(secret), orderID, paymentID))
}

// unknownOrFailed classifies a lookup error during verification. Only a
// definitive "no such payment" is a failure.
func unknownOrFailed(err error, paymentID string) payment.Verification {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return payment.Verification{
			Outcome:   payment.OutcomeFailed,
			PaymentID: paymentID,
			Reason:    payment.ReasonIntentMismatch,
			Detail:    apiErr.Error(),
		}
	}
	return payment.Verification{
		Outcome:   payment.OutcomeUnknown,
		PaymentID: paymentID,
		Detail:    err.Error(),
	}
}

var hundred = decimal.NewFromInt(100)

func toPaise(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

func fromPaise(p int64) decimal.Decimal {
	return decimal.New(p, -2)
}
