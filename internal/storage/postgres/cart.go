package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

const (
	cartSnapshotSQL = `SELECT id, product_id, quantity, unit_price, size, color
		FROM cart_items WHERE user_id = $1 ORDER BY id`

	cartClearSQL = `DELETE FROM cart_items WHERE user_id = $1 AND ($2::bigint = 0 OR id <= $2::bigint)`

	cartAddSQL = `INSERT INTO cart_items (user_id, product_id, quantity, unit_price, size, color)
		SELECT $1, id, $3, price, $4, $5 FROM products WHERE id = $2 AND active = TRUE`
)

var _ cart.Service = (*CartRepository)(nil)

// CartRepository implements cart.Service backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Snapshot reads all of the user's lines in one statement.
func (r *CartRepository) Snapshot(ctx context.Context, userID string) (cart.Snapshot, error) {
	rows, err := r.pool.Query(ctx, cartSnapshotSQL, userID)
	if err != nil {
		return cart.Snapshot{}, errors.Wrap(err, "read cart")
	}

	snap := cart.Snapshot{UserID: userID}
	var (
		id int64
		it cart.Item
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.Size, &it.Color}, func() error {
		snap.Items = append(snap.Items, it)
		snap.Version = max(snap.Version, id)
		return nil
	})
	if err != nil {
		return cart.Snapshot{}, errors.Wrap(err, "read cart")
	}
	return snap, nil
}

// Clear removes the user's lines up to version.
func (r *CartRepository) Clear(ctx context.Context, userID string, version int64) error {
	if _, err := r.pool.Exec(ctx, cartClearSQL, userID, version); err != nil {
		return errors.Wrap(err, "clear cart")
	}
	return nil
}

// Add puts a product in the user's cart at its current catalog price.
func (r *CartRepository) Add(ctx context.Context, userID string, it cart.Item) error {
	tag, err := r.pool.Exec(ctx, cartAddSQL, userID, it.ProductID, it.Quantity, it.Size, it.Color)
	if err != nil {
		return errors.Wrap(err, "add cart item")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("product %s is not available", it.ProductID)
	}
	return nil
}
