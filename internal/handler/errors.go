package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/address"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	classBadRequest   = "bad_request"
	classUnauthorized = "unauthorized"
	classForbidden    = "forbidden"
)

// badRequestError is a request the server could not decode.
type badRequestError struct {
	msg string
	err error
}

func (e *badRequestError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(msg string, err error) error {
	return &badRequestError{msg: msg, err: err}
}

var classStatus = map[checkout.Class]int{
	checkout.ClassValidation:         http.StatusUnprocessableEntity,
	checkout.ClassConflict:           http.StatusConflict,
	checkout.ClassPaymentCancelled:   http.StatusOK,
	checkout.ClassPaymentFailed:      http.StatusPaymentRequired,
	checkout.ClassVerificationFailed: http.StatusPaymentRequired,
	checkout.ClassPaymentUnknown:     http.StatusAccepted,
	checkout.ClassNotFound:           http.StatusNotFound,
	checkout.ClassInternal:           http.StatusInternalServerError,
}

// classify maps err to an HTTP status, an error class and a message that is
// safe to show to the caller.
func classify(err error) (status int, class, msg string) {
	var (
		ce   *checkout.Error
		addr *address.InvalidAddressError
		tr   *order.TransitionError
		br   *badRequestError
	)
	switch {
	case errors.As(err, &ce):
		return classStatus[ce.Class], string(ce.Class), ce.Message
	case errors.As(err, &br):
		return http.StatusBadRequest, classBadRequest, br.msg
	case errors.As(err, &addr):
		return http.StatusUnprocessableEntity, string(checkout.ClassValidation), addr.Error()
	case errors.As(err, &tr):
		return http.StatusConflict, string(checkout.ClassConflict), tr.Error()
	case errors.Is(err, order.ErrConflict):
		return http.StatusConflict, string(checkout.ClassConflict), "order was modified concurrently, retry"
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, string(checkout.ClassNotFound), "order not found"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, classUnauthorized, "missing or invalid bearer token"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, classForbidden, "insufficient scope"
	default:
		return http.StatusInternalServerError, string(checkout.ClassInternal), "internal server error"
	}
}

// writeError writes {"success":false,"error":...,"errorClass":...}. Causes
// are logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, class, msg := classify(err)

	lg := zctx.From(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		lg.Error("Request failed", zap.String("error_class", class), zap.Error(err))
	case status != http.StatusUnauthorized && status != http.StatusForbidden:
		lg.Info("Request rejected", zap.String("error_class", class), zap.Error(err))
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.Field("success", func(e *jx.Encoder) { e.Bool(false) })
	e.Field("error", func(e *jx.Encoder) { e.Str(msg) })
	e.Field("errorClass", func(e *jx.Encoder) { e.Str(class) })
	e.ObjEnd()
	writeJSON(w, status, e)
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
