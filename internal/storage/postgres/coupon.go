package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	couponColumns = `code, discount_type, value, min_order_value, max_discount,
		applicable_product_ids, valid_from, valid_until, max_uses, uses,
		per_user_limit, non_stackable, description`

	getCouponByCodeSQL = `SELECT ` + couponColumns + `
		FROM coupons WHERE code = $1 AND active = TRUE`

	countRedemptionsSQL = `SELECT count(*) FROM coupon_redemptions
		WHERE code = $1 AND user_id = $2`

	activeCouponCodesSQL = `SELECT code FROM coupons
		WHERE active = TRUE AND (valid_until IS NULL OR valid_until > now())`

	upsertCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type, value = EXCLUDED.value,
			min_order_value = EXCLUDED.min_order_value, max_discount = EXCLUDED.max_discount,
			applicable_product_ids = EXCLUDED.applicable_product_ids,
			valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until,
			max_uses = EXCLUDED.max_uses, per_user_limit = EXCLUDED.per_user_limit,
			non_stackable = EXCLUDED.non_stackable, description = EXCLUDED.description,
			active = TRUE, updated_at = now()`
)

var (
	_ coupon.Catalog      = (*CouponRepository)(nil)
	_ coupon.UsageCounter = (*CouponRepository)(nil)
	_ coupon.CodeSource   = (*CouponRepository)(nil)
)

// CouponRepository is the coupon catalog backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// Lookup returns the active coupon with the normalized code.
func (r *CouponRepository) Lookup(ctx context.Context, code string) (*coupon.Definition, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup coupon %q", code)
	}
	def, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, errors.Wrapf(err, "lookup coupon %q", code)
	}
	return &def, nil
}

// CountByUser counts the user's redemptions of code.
func (r *CouponRepository) CountByUser(ctx context.Context, code, userID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countRedemptionsSQL, code, userID).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count redemptions of %q", code)
	}
	return n, nil
}

// ActiveCodes lists codes that may still be redeemed.
func (r *CouponRepository) ActiveCodes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, activeCouponCodesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list active coupon codes")
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "list active coupon codes")
	}
	return codes, nil
}

// Upsert inserts or replaces definitions, keeping existing use counters.
func (r *CouponRepository) Upsert(ctx context.Context, defs []coupon.Definition) error {
	batch := &pgx.Batch{}
	for _, d := range defs {
		ids := d.ApplicableProductIDs
		if ids == nil {
			ids = []string{}
		}
		batch.Queue(upsertCouponSQL,
			coupon.Normalize(d.Code), string(d.Type), d.Value, d.MinOrderValue, d.MaxDiscount,
			ids, d.ValidFrom, d.ValidUntil, d.MaxUses,
			d.PerUserLimit, d.NonStackable, d.Description,
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrap(err, "upsert coupons")
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Definition, error) {
	var (
		d     coupon.Definition
		dtype string
	)
	err := row.Scan(
		&d.Code, &dtype, &d.Value, &d.MinOrderValue, &d.MaxDiscount,
		&d.ApplicableProductIDs, &d.ValidFrom, &d.ValidUntil, &d.MaxUses, &d.Uses,
		&d.PerUserLimit, &d.NonStackable, &d.Description,
	)
	d.Type = coupon.DiscountType(dtype)
	return d, err
}
