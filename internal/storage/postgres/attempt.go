package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const (
	attemptColumns = `idempotency_key, user_id, method, intent_id, amount, currency,
		state, draft, cart_version, coalesce(order_id::text, ''), failure_reason,
		created_at, updated_at`

	insertAttemptSQL = `INSERT INTO checkout_attempts (idempotency_key, user_id, method,
		intent_id, amount, currency, state, draft, cart_version, order_id, failure_reason,
		created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::uuid, $11, $12, $13)
	ON CONFLICT DO NOTHING`

	getAttemptByKeySQL    = `SELECT ` + attemptColumns + ` FROM checkout_attempts WHERE idempotency_key = $1`
	getAttemptByIntentSQL = `SELECT ` + attemptColumns + ` FROM checkout_attempts WHERE intent_id = $1`

	updateAttemptSQL = `UPDATE checkout_attempts SET
		state = $2, order_id = NULLIF($3, '')::uuid, failure_reason = $4, updated_at = $5
	WHERE idempotency_key = $1 AND state = $6`

	listStaleAttemptsSQL = `SELECT ` + attemptColumns + ` FROM checkout_attempts
		WHERE state = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`
)

var _ checkout.AttemptRepository = (*AttemptRepository)(nil)

// AttemptRepository stores online checkout attempts.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository returns an AttemptRepository that uses the given pool.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func (r *AttemptRepository) Create(ctx context.Context, a *checkout.Attempt) error {
	draft, err := json.Marshal(a.Draft)
	if err != nil {
		return errors.Wrap(err, "marshal draft order")
	}
	tag, err := r.pool.Exec(ctx, insertAttemptSQL,
		a.IdempotencyKey, a.UserID, string(a.Method), a.IntentID, a.Amount, a.Currency,
		string(a.State), draft, a.CartVersion, a.OrderID, a.FailureReason,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert checkout attempt")
	}
	if tag.RowsAffected() == 0 {
		return checkout.ErrAttemptExists
	}
	return nil
}

func (r *AttemptRepository) GetByKey(ctx context.Context, key string) (*checkout.Attempt, error) {
	return r.getOne(ctx, getAttemptByKeySQL, key)
}

func (r *AttemptRepository) GetByIntent(ctx context.Context, intentID string) (*checkout.Attempt, error) {
	return r.getOne(ctx, getAttemptByIntentSQL, intentID)
}

func (r *AttemptRepository) getOne(ctx context.Context, query, arg string) (*checkout.Attempt, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "get checkout attempt")
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAttempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, checkout.ErrAttemptNotFound
		}
		return nil, errors.Wrap(err, "get checkout attempt")
	}
	return &a, nil
}

func (r *AttemptRepository) Update(ctx context.Context, a *checkout.Attempt, expect checkout.AttemptState) error {
	tag, err := r.pool.Exec(ctx, updateAttemptSQL,
		a.IdempotencyKey, string(a.State), a.OrderID, a.FailureReason, a.UpdatedAt, string(expect),
	)
	if err != nil {
		return errors.Wrap(err, "update checkout attempt")
	}
	if tag.RowsAffected() == 0 {
		return checkout.ErrAttemptConflict
	}
	return nil
}

func (r *AttemptRepository) ListStale(ctx context.Context, states []checkout.AttemptState, cutoff time.Time, limit int) ([]checkout.Attempt, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, listStaleAttemptsSQL, names, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stale attempts")
	}
	attempts, err := pgx.CollectRows(rows, scanAttempt)
	if err != nil {
		return nil, errors.Wrap(err, "list stale attempts")
	}
	return attempts, nil
}

func scanAttempt(row pgx.CollectableRow) (checkout.Attempt, error) {
	var (
		a             checkout.Attempt
		method, state string
		draft         []byte
	)
	if err := row.Scan(
		&a.IdempotencyKey, &a.UserID, &method, &a.IntentID, &a.Amount, &a.Currency,
		&state, &draft, &a.CartVersion, &a.OrderID, &a.FailureReason,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return a, err
	}
	a.Method = payment.Method(method)
	a.State = checkout.AttemptState(state)
	if err := json.Unmarshal(draft, &a.Draft); err != nil {
		return a, errors.Wrapf(err, "decode draft of %s", a.IdempotencyKey)
	}
	return a, nil
}
