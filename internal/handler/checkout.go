package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
)

// resultStatus is 201 when the call created an order, 200 otherwise.
func resultStatus(res *checkout.Result) int {
	if res.Order != nil && !res.Duplicate {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (h *Handler) writeResult(w http.ResponseWriter, res *checkout.Result) {
	currency := ""
	if res.Intent != nil {
		currency = res.Intent.Currency
	}
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeResult(e, res, currency, h.keyID)
	writeJSON(w, resultStatus(res), e)
}

func (h *Handler) startCheckout(w http.ResponseWriter, r *http.Request) {
	d, err := h.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeCheckout(d)
	if err != nil {
		writeError(w, r, decodeErr(err))
		return
	}
	req.UserID = principal(r).UserID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := h.checkout.Checkout(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeResult(w, res)
}

func (h *Handler) completeCheckout(w http.ResponseWriter, r *http.Request) {
	d, err := h.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	proof, err := decodeProof(d)
	if err != nil {
		writeError(w, r, decodeErr(err))
		return
	}

	res, err := h.checkout.CompletePayment(r.Context(), checkout.CompleteRequest{
		UserID:   principal(r).UserID,
		IntentID: r.PathValue("intentId"),
		Proof:    proof,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeResult(w, res)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.checkout.Reconcile(r.Context(), r.PathValue("intentId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeResult(w, res)
}
