package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/address"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (*jx.Decoder, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return nil, badRequest("request body is too large or unreadable", err)
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	return jx.DecodeBytes(data), nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	}
}

func decodeStr(d *jx.Decoder, dst *string) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return err
	}
	*dst = s
	return nil
}

func decodeCheckout(d *jx.Decoder) (checkout.Request, error) {
	var req checkout.Request
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				it, err := decodeItem(d)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, it)
				return nil
			})
		case "shippingAddress":
			return decodeAddress(d, &req.ShippingAddress)
		case "billingAddress":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var a address.Address
			if err := decodeAddress(d, &a); err != nil {
				return err
			}
			req.BillingAddress = &a
			return nil
		case "customerInfo":
			return decodeCustomer(d, &req.Customer)
		case "appliedCoupons":
			return d.Arr(func(d *jx.Decoder) error {
				hint, err := decodeHint(d)
				if err != nil {
					return err
				}
				req.Coupons = append(req.Coupons, hint)
				return nil
			})
		case "paymentMethod":
			var m string
			if err := decodeStr(d, &m); err != nil {
				return err
			}
			req.PaymentMethod = payment.Method(m)
			return nil
		case "idempotencyKey":
			return decodeStr(d, &req.IdempotencyKey)
		default:
			return d.Skip()
		}
	})
	return req, err
}

func decodeItem(d *jx.Decoder) (cart.Item, error) {
	var it cart.Item
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "productId":
			return decodeStr(d, &it.ProductID)
		case "quantity":
			n, err := d.Int()
			it.Quantity = n
			return err
		case "unitPrice", "price":
			v, err := decodeDecimal(d)
			it.UnitPrice = v
			return err
		case "size":
			return decodeStr(d, &it.Size)
		case "color":
			return decodeStr(d, &it.Color)
		default:
			return d.Skip()
		}
	})
	return it, err
}

func decodeAddress(d *jx.Decoder, a *address.Address) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "fullName":
			return decodeStr(d, &a.FullName)
		case "line1", "addressLine1":
			return decodeStr(d, &a.Line1)
		case "street":
			return decodeStr(d, &a.Street)
		case "line2", "addressLine2":
			return decodeStr(d, &a.Line2)
		case "city":
			return decodeStr(d, &a.City)
		case "state":
			return decodeStr(d, &a.State)
		case "postalCode", "zipCode":
			return decodeStr(d, &a.PostalCode)
		case "country":
			return decodeStr(d, &a.Country)
		case "phone":
			return decodeStr(d, &a.Phone)
		default:
			return d.Skip()
		}
	})
}

func decodeCustomer(d *jx.Decoder, c *address.Customer) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "name":
			return decodeStr(d, &c.Name)
		case "email":
			return decodeStr(d, &c.Email)
		case "phone":
			return decodeStr(d, &c.Phone)
		default:
			return d.Skip()
		}
	})
}

func decodeHint(d *jx.Decoder) (checkout.CouponHint, error) {
	var hint checkout.CouponHint
	if d.Next() == jx.String {
		s, err := d.Str()
		hint.Code = s
		return hint, err
	}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "code":
			return decodeStr(d, &hint.Code)
		case "discountAmount":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := decodeDecimal(d)
			if err != nil {
				return err
			}
			hint.DiscountAmount = &v
			return nil
		default:
			return d.Skip()
		}
	})
	return hint, err
}

func decodeProof(d *jx.Decoder) (payment.Proof, error) {
	var p payment.Proof
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "paymentId", "razorpay_payment_id":
			return decodeStr(d, &p.PaymentID)
		case "signature", "razorpay_signature":
			return decodeStr(d, &p.Signature)
		case "cancelled":
			v, err := d.Bool()
			p.Cancelled = v
			return err
		default:
			return d.Skip()
		}
	})
	return p, err
}

// decodeFields reads a flat object of string fields.
func decodeFields(d *jx.Decoder, fields map[string]*string) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		dst, ok := fields[string(key)]
		if !ok {
			return d.Skip()
		}
		return decodeStr(d, dst)
	})
}

func money(e *jx.Encoder, name string, v decimal.Decimal) {
	e.Field(name, func(e *jx.Encoder) { e.Num(jx.Num(v.StringFixed(2))) })
}

func str(e *jx.Encoder, name, v string) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v) })
}

func optStr(e *jx.Encoder, name, v string) {
	if v != "" {
		str(e, name, v)
	}
}

func timestamp(e *jx.Encoder, name string, t time.Time) {
	str(e, name, t.UTC().Format(time.RFC3339))
}

func optTimestamp(e *jx.Encoder, name string, t *time.Time) {
	if t != nil {
		timestamp(e, name, *t)
	}
}

func encodeResult(e *jx.Encoder, res *checkout.Result, currency, keyID string) {
	e.ObjStart()
	e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
	str(e, "state", string(res.State))
	e.Field("duplicate", func(e *jx.Encoder) { e.Bool(res.Duplicate) })
	optStr(e, "idempotencyKey", res.IdempotencyKey)
	if o := res.Order; o != nil {
		str(e, "orderId", o.ID)
		str(e, "orderNumber", o.OrderNumber)
		str(e, "status", string(o.Status))
		str(e, "paymentStatus", string(o.PaymentStatus))
		currency = o.Currency
	}
	e.Field("pricing", func(e *jx.Encoder) { encodePricing(e, res.Pricing, currency) })
	if res.Coupons != nil {
		e.Field("coupons", func(e *jx.Encoder) { encodeCoupons(e, res.Coupons) })
	}
	if len(res.Conflicts) > 0 {
		e.Field("conflicts", func(e *jx.Encoder) {
			e.ArrStart()
			for _, c := range res.Conflicts {
				e.ObjStart()
				str(e, "code", c.Code)
				money(e, "client", c.Client)
				money(e, "server", c.Server)
				e.ObjEnd()
			}
			e.ArrEnd()
		})
	}
	if in := res.Intent; in != nil {
		e.Field("payment", func(e *jx.Encoder) {
			e.ObjStart()
			str(e, "provider", in.Provider)
			str(e, "intentId", in.ID)
			money(e, "amount", in.Amount)
			str(e, "currency", in.Currency)
			optStr(e, "keyId", keyID)
			e.ObjEnd()
		})
	}
	e.ObjEnd()
}

func encodePricing(e *jx.Encoder, b pricing.Breakdown, currency string) {
	e.ObjStart()
	money(e, "subtotal", b.Subtotal)
	money(e, "shipping", b.Shipping)
	money(e, "tax", b.Tax)
	money(e, "totalDiscount", b.TotalDiscount)
	money(e, "total", b.Total)
	optStr(e, "currency", currency)
	e.ObjEnd()
}

func encodeCoupons(e *jx.Encoder, r *coupon.Result) {
	e.ObjStart()
	e.Field("accepted", func(e *jx.Encoder) { encodeApplications(e, r.Accepted) })
	e.Field("rejected", func(e *jx.Encoder) {
		e.ArrStart()
		for _, rej := range r.Rejected {
			e.ObjStart()
			str(e, "code", rej.Code)
			str(e, "reason", string(rej.Reason))
			optStr(e, "message", rej.Message)
			e.ObjEnd()
		}
		e.ArrEnd()
	})
	money(e, "totalDiscount", r.TotalDiscount)
	e.ObjEnd()
}

func encodeApplications(e *jx.Encoder, apps []coupon.Application) {
	e.ArrStart()
	for _, a := range apps {
		e.ObjStart()
		str(e, "code", a.Code)
		str(e, "type", string(a.Type))
		e.Field("value", func(e *jx.Encoder) { e.Num(jx.Num(a.Value.String())) })
		money(e, "discountAmount", a.DiscountAmount)
		optStr(e, "description", a.Description)
		e.ObjEnd()
	}
	e.ArrEnd()
}

func encodeAddress(e *jx.Encoder, a address.Address) {
	e.ObjStart()
	str(e, "fullName", a.FullName)
	str(e, "line1", a.Street1())
	optStr(e, "line2", a.Line2)
	str(e, "city", a.City)
	str(e, "state", a.State)
	str(e, "postalCode", a.PostalCode)
	str(e, "country", a.Country)
	str(e, "phone", a.Phone)
	e.ObjEnd()
}

func encodeCustomer(e *jx.Encoder, c address.Customer) {
	e.ObjStart()
	str(e, "name", c.Name)
	str(e, "email", c.Email)
	optStr(e, "phone", c.Phone)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	str(e, "id", o.ID)
	str(e, "orderNumber", o.OrderNumber)
	str(e, "status", string(o.Status))
	str(e, "paymentStatus", string(o.PaymentStatus))
	str(e, "paymentMethod", string(o.PaymentMethod))
	e.Field("items", func(e *jx.Encoder) {
		e.ArrStart()
		for _, it := range o.Items {
			e.ObjStart()
			str(e, "productId", it.ProductID)
			str(e, "name", it.Name)
			optStr(e, "image", it.Image)
			money(e, "unitPrice", it.UnitPrice)
			e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
			optStr(e, "size", it.Size)
			optStr(e, "color", it.Color)
			money(e, "lineTotal", it.LineTotal)
			e.ObjEnd()
		}
		e.ArrEnd()
	})
	money(e, "subtotal", o.Subtotal)
	money(e, "shippingCost", o.ShippingCost)
	money(e, "tax", o.Tax)
	e.Field("taxRate", func(e *jx.Encoder) { e.Num(jx.Num(o.TaxRate.String())) })
	money(e, "totalDiscount", o.TotalDiscount)
	e.Field("appliedCoupons", func(e *jx.Encoder) { encodeApplications(e, o.AppliedCoupons) })
	money(e, "total", o.Total)
	str(e, "currency", o.Currency)
	e.Field("shippingAddress", func(e *jx.Encoder) { encodeAddress(e, o.ShippingAddress) })
	e.Field("billingAddress", func(e *jx.Encoder) { encodeAddress(e, o.BillingAddress) })
	e.Field("customerInfo", func(e *jx.Encoder) { encodeCustomer(e, o.Customer) })
	optStr(e, "trackingNumber", o.TrackingNumber)
	if pd := o.PaymentDetails; pd != (order.PaymentDetails{}) {
		e.Field("paymentDetails", func(e *jx.Encoder) {
			e.ObjStart()
			optStr(e, "provider", pd.Provider)
			optStr(e, "intentId", pd.IntentID)
			optStr(e, "paymentId", pd.PaymentID)
			optStr(e, "refundId", pd.RefundID)
			e.ObjEnd()
		})
	}
	timestamp(e, "createdAt", o.CreatedAt)
	timestamp(e, "updatedAt", o.UpdatedAt)
	optTimestamp(e, "deliveredAt", o.DeliveredAt)
	optTimestamp(e, "cancelledAt", o.CancelledAt)
	optStr(e, "cancelReason", o.CancelReason)
	e.ObjEnd()
}

func encodeInvoice(e *jx.Encoder, inv *order.InvoiceData) {
	e.ObjStart()
	str(e, "invoiceNumber", inv.InvoiceNumber)
	str(e, "orderNumber", inv.OrderNumber)
	timestamp(e, "issuedAt", inv.IssuedAt)
	e.Field("customer", func(e *jx.Encoder) { encodeCustomer(e, inv.Customer) })
	e.Field("billTo", func(e *jx.Encoder) { encodeAddress(e, inv.BillTo) })
	e.Field("shipTo", func(e *jx.Encoder) { encodeAddress(e, inv.ShipTo) })
	e.Field("lines", func(e *jx.Encoder) {
		e.ArrStart()
		for _, l := range inv.Lines {
			e.ObjStart()
			str(e, "description", l.Description)
			str(e, "productId", l.ProductID)
			e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
			money(e, "unitPrice", l.UnitPrice)
			money(e, "amount", l.Amount)
			e.ObjEnd()
		}
		e.ArrEnd()
	})
	money(e, "subtotal", inv.Subtotal)
	money(e, "shipping", inv.Shipping)
	money(e, "tax", inv.Tax)
	e.Field("taxRate", func(e *jx.Encoder) { e.Num(jx.Num(inv.TaxRate.String())) })
	e.Field("discounts", func(e *jx.Encoder) { encodeApplications(e, inv.Discounts) })
	money(e, "totalDiscount", inv.TotalDiscount)
	money(e, "total", inv.Total)
	str(e, "currency", inv.Currency)
	str(e, "paymentMethod", string(inv.PaymentMethod))
	str(e, "paymentStatus", string(inv.PaymentStatus))
	optStr(e, "paymentReference", inv.PaymentReference)
	e.ObjEnd()
}

func decodeErr(err error) error {
	return badRequest("malformed JSON body", errors.Wrap(err, "decode"))
}
