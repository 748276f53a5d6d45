package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/outbox"
)

const (
	orderColumns = `id::text, order_number, user_id, idempotency_key,
		items, subtotal, shipping_cost, tax, tax_rate, total_discount, applied_coupons,
		total, currency, shipping_address, billing_address, customer,
		payment_method, payment_status, status, tracking_number, payment_details,
		created_at, updated_at, delivered_at, cancelled_at, cancel_reason`

	insertOrderSQL = `INSERT INTO orders (id, order_number, user_id, idempotency_key,
		items, subtotal, shipping_cost, tax, tax_rate, total_discount, applied_coupons,
		total, currency, shipping_address, billing_address, customer,
		payment_method, payment_status, status, tracking_number, payment_details,
		created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23)
	ON CONFLICT (idempotency_key) DO NOTHING`

	insertRedemptionSQL = `INSERT INTO coupon_redemptions (order_id, code, user_id, amount)
		VALUES ($1, $2, $3, $4)`

	consumeCouponSQL = `UPDATE coupons SET uses = uses + 1
		WHERE code = $1 AND (max_uses = 0 OR uses < max_uses)`

	getOrderByIDSQL  = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderByKeySQL = `SELECT ` + orderColumns + ` FROM orders WHERE idempotency_key = $1`

	updateOrderSQL = `UPDATE orders SET
		status = $2, payment_status = $3, tracking_number = $4, payment_details = $5,
		updated_at = $6, delivered_at = $7, cancelled_at = $8, cancel_reason = $9
	WHERE id = $1 AND status = $10 AND payment_status = $11`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists o, its coupon redemptions and msgs in one transaction.
// Redeeming a coupon whose global cap is reached aborts the whole insert.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, msgs ...outbox.Message) error {
	docs, err := encodeOrder(o)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, o.OrderNumber, o.UserID, o.IdempotencyKey,
			docs.items, o.Subtotal, o.ShippingCost, o.Tax, o.TaxRate, o.TotalDiscount, docs.coupons,
			o.Total, o.Currency, docs.shipping, docs.billing, docs.customer,
			string(o.PaymentMethod), string(o.PaymentStatus), string(o.Status), o.TrackingNumber, docs.payment,
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return errors.Wrapf(err, "insert order %s", o.ID)
		}
		if tag.RowsAffected() == 0 {
			return order.ErrDuplicate
		}

		for _, c := range o.AppliedCoupons {
			if _, err := tx.Exec(ctx, insertRedemptionSQL, o.ID, c.Code, o.UserID, c.DiscountAmount); err != nil {
				return errors.Wrapf(err, "record redemption of %s", c.Code)
			}
			tag, err := tx.Exec(ctx, consumeCouponSQL, c.Code)
			if err != nil {
				return errors.Wrapf(err, "consume coupon %s", c.Code)
			}
			if tag.RowsAffected() == 0 {
				return errors.Wrap(order.ErrCouponUnavailable, c.Code)
			}
		}

		return enqueue(ctx, tx, msgs)
	})
}

// GetByID returns the order with id.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, getOrderByIDSQL, id)
}

// GetByIdempotencyKey returns the order created under key.
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	return r.getOne(ctx, getOrderByKeySQL, key)
}

func (r *OrderRepository) getOne(ctx context.Context, query, arg string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}
	return &o, nil
}

// ListByUser returns the user's orders newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, f order.Filter, p order.Page) ([]order.Order, error) {
	var (
		sb   strings.Builder
		args = []any{userID}
	)
	sb.WriteString(`SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`)
	arg := func(cond string, v any) {
		args = append(args, v)
		sb.WriteString(" AND " + cond + " $" + strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		arg("status =", string(f.Status))
	}
	if f.PaymentStatus != "" {
		arg("payment_status =", string(f.PaymentStatus))
	}
	if !f.From.IsZero() {
		arg("created_at >=", f.From)
	}
	if !f.To.IsZero() {
		arg("created_at <", f.To)
	}
	p = p.Normalize()
	args = append(args, p.Limit, p.Offset)
	sb.WriteString(" ORDER BY created_at DESC, id LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args)))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// Update writes the mutable fields of o when the stored statuses still match
// expect.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order, expect order.Expect, msgs ...outbox.Message) error {
	details, err := json.Marshal(o.PaymentDetails)
	if err != nil {
		return errors.Wrap(err, "marshal payment details")
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateOrderSQL,
			o.ID, string(o.Status), string(o.PaymentStatus), o.TrackingNumber, details,
			o.UpdatedAt, o.DeliveredAt, o.CancelledAt, o.CancelReason,
			string(expect.Status), string(expect.PaymentStatus),
		)
		if err != nil {
			return errors.Wrapf(err, "update order %s", o.ID)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, orderExistsSQL, o.ID).Scan(&exists); err != nil {
				return errors.Wrapf(err, "check order %s", o.ID)
			}
			if !exists {
				return order.ErrNotFound
			}
			return order.ErrConflict
		}
		return enqueue(ctx, tx, msgs)
	})
}

type orderDocs struct {
	items, coupons, shipping, billing, customer, payment []byte
}

func encodeOrder(o *order.Order) (orderDocs, error) {
	var (
		d   orderDocs
		err error
	)
	marshal := func(dst *[]byte, name string, v any) {
		if err != nil {
			return
		}
		if *dst, err = json.Marshal(v); err != nil {
			err = errors.Wrapf(err, "marshal order %s", name)
		}
	}
	coupons := o.AppliedCoupons
	if coupons == nil {
		coupons = []coupon.Application{}
	}
	marshal(&d.items, "items", o.Items)
	marshal(&d.coupons, "coupons", coupons)
	marshal(&d.shipping, "shipping address", o.ShippingAddress)
	marshal(&d.billing, "billing address", o.BillingAddress)
	marshal(&d.customer, "customer", o.Customer)
	marshal(&d.payment, "payment details", o.PaymentDetails)
	return d, err
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                             order.Order
		d                             orderDocs
		method, paymentStatus, status string
		deliveredAt, cancelledAt      *time.Time
	)
	if err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.IdempotencyKey,
		&d.items, &o.Subtotal, &o.ShippingCost, &o.Tax, &o.TaxRate, &o.TotalDiscount, &d.coupons,
		&o.Total, &o.Currency, &d.shipping, &d.billing, &d.customer,
		&method, &paymentStatus, &status, &o.TrackingNumber, &d.payment,
		&o.CreatedAt, &o.UpdatedAt, &deliveredAt, &cancelledAt, &o.CancelReason,
	); err != nil {
		return o, err
	}
	o.PaymentMethod = payment.Method(method)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.Status = order.Status(status)
	o.DeliveredAt = deliveredAt
	o.CancelledAt = cancelledAt

	for _, doc := range []struct {
		src []byte
		dst any
	}{
		{d.items, &o.Items},
		{d.coupons, &o.AppliedCoupons},
		{d.shipping, &o.ShippingAddress},
		{d.billing, &o.BillingAddress},
		{d.customer, &o.Customer},
		{d.payment, &o.PaymentDetails},
	} {
		if err := json.Unmarshal(doc.src, doc.dst); err != nil {
			return o, errors.Wrapf(err, "decode order %s", o.ID)
		}
	}
	return o, nil
}
