package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

func (h *Handler) writeOrder(w http.ResponseWriter, o *order.Order) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeOrder(e, o)
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetForUser(r.Context(), r.PathValue("id"), principal(r).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeOrder(w, o)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	f, p, err := parseListQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	orders, err := h.orders.ListByUser(r.Context(), principal(r).UserID, f, p)
	if err != nil {
		writeError(w, r, err)
		return
	}

	p = p.Normalize()
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.Field("orders", func(e *jx.Encoder) {
		e.ArrStart()
		for i := range orders {
			encodeOrder(e, &orders[i])
		}
		e.ArrEnd()
	})
	e.Field("limit", func(e *jx.Encoder) { e.Int(p.Limit) })
	e.Field("offset", func(e *jx.Encoder) { e.Int(p.Offset) })
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e)
}

func parseListQuery(r *http.Request) (order.Filter, order.Page, error) {
	q := r.URL.Query()
	f := order.Filter{
		Status:        order.Status(q.Get("status")),
		PaymentStatus: order.PaymentStatus(q.Get("paymentStatus")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, order.Page{}, badRequest("unknown status "+strconv.Quote(string(f.Status)), nil)
	}
	if f.PaymentStatus != "" && !f.PaymentStatus.Valid() {
		return f, order.Page{}, badRequest("unknown paymentStatus "+strconv.Quote(string(f.PaymentStatus)), nil)
	}

	var err error
	parseTime := func(name string, dst *time.Time) {
		if v := q.Get(name); v != "" && err == nil {
			if *dst, err = time.Parse(time.RFC3339, v); err != nil {
				err = badRequest(name+" must be an RFC 3339 timestamp", err)
			}
		}
	}
	parseTime("from", &f.From)
	parseTime("to", &f.To)

	var p order.Page
	parseInt := func(name string, dst *int) {
		if v := q.Get(name); v != "" && err == nil {
			if *dst, err = strconv.Atoi(v); err != nil {
				err = badRequest(name+" must be an integer", err)
			}
		}
	}
	parseInt("limit", &p.Limit)
	parseInt("offset", &p.Offset)
	return f, p, err
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.orders.Invoice(r.Context(), r.PathValue("id"), principal(r).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeInvoice(e, inv)
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	d, err := h.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var reason string
	if err := decodeFields(d, map[string]*string{"reason": &reason}); err != nil {
		writeError(w, r, decodeErr(err))
		return
	}

	o, err := h.orders.CancelForUser(r.Context(), r.PathValue("id"), principal(r).UserID, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeOrder(w, o)
}

func (h *Handler) advanceOrder(w http.ResponseWriter, r *http.Request) {
	d, err := h.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var status, tracking string
	if err := decodeFields(d, map[string]*string{
		"status":         &status,
		"trackingNumber": &tracking,
	}); err != nil {
		writeError(w, r, decodeErr(err))
		return
	}
	to := order.Status(status)
	if !to.Valid() {
		writeError(w, r, badRequest("unknown status "+strconv.Quote(status), nil))
		return
	}

	o, err := h.orders.Advance(r.Context(), r.PathValue("id"), to, tracking)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeOrder(w, o)
}
