// Package handler exposes checkout and orders over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// CheckoutService runs checkouts.
type CheckoutService interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
	CompletePayment(ctx context.Context, req checkout.CompleteRequest) (*checkout.Result, error)
	Reconcile(ctx context.Context, intentID string) (*checkout.Result, error)
}

// OrderService reads and mutates stored orders.
type OrderService interface {
	GetForUser(ctx context.Context, id, userID string) (*order.Order, error)
	ListByUser(ctx context.Context, userID string, f order.Filter, p order.Page) ([]order.Order, error)
	Invoice(ctx context.Context, id, userID string) (*order.InvoiceData, error)
	CancelForUser(ctx context.Context, id, userID, reason string) (*order.Order, error)
	Advance(ctx context.Context, id string, to order.Status, tracking string) (*order.Order, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// PaymentKeyID is the public gateway key returned with online intents so
	// the client can open the payment widget.
	PaymentKeyID string
	// MaxBodyBytes limits request bodies. Defaults to 64 KiB.
	MaxBodyBytes int64
}

// Handler serves the /api routes.
type Handler struct {
	checkout CheckoutService
	orders   OrderService
	tokens   *auth.Tokens
	keyID    string
	maxBody  int64
}

// New creates a Handler.
func New(cfg Config, checkouts CheckoutService, orders OrderService, tokens *auth.Tokens) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	return &Handler{
		checkout: checkouts,
		orders:   orders,
		tokens:   tokens,
		keyID:    cfg.PaymentKeyID,
		maxBody:  cfg.MaxBodyBytes,
	}
}

// Register adds the API routes to mux. Every route requires a bearer token.
func (h *Handler) Register(mux *http.ServeMux) {
	user := h.authenticate
	scoped := func(scope string, next http.HandlerFunc) http.Handler {
		return h.authenticate(requireScope(scope, next))
	}

	mux.Handle("POST /api/checkout", user(http.HandlerFunc(h.startCheckout)))
	mux.Handle("POST /api/checkout/{intentId}/complete", user(http.HandlerFunc(h.completeCheckout)))

	mux.Handle("GET /api/orders", user(http.HandlerFunc(h.listOrders)))
	mux.Handle("GET /api/orders/{id}", user(http.HandlerFunc(h.getOrder)))
	mux.Handle("GET /api/orders/{id}/invoice", user(http.HandlerFunc(h.getInvoice)))
	mux.Handle("POST /api/orders/{id}/cancel", user(http.HandlerFunc(h.cancelOrder)))

	mux.Handle("POST /api/admin/orders/{id}/status", scoped(auth.ScopeFulfillment, h.advanceOrder))
	mux.Handle("POST /api/admin/reconcile/{intentId}", scoped(auth.ScopeAdmin, h.reconcile))
}
