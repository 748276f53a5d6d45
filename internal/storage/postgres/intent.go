package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const (
	findIntentSQL = `SELECT intent_id, provider, amount, currency, created_at
		FROM payment_intents WHERE idempotency_key = $1`

	// The no-op update makes RETURNING yield the stored row on conflict.
	saveIntentSQL = `INSERT INTO payment_intents (idempotency_key, intent_id, provider, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
		RETURNING intent_id, provider, amount, currency, created_at`
)

var _ payment.IntentLedger = (*IntentLedger)(nil)

// IntentLedger maps checkout idempotency keys to gateway intents.
type IntentLedger struct {
	pool *pgxpool.Pool
}

// NewIntentLedger returns an IntentLedger that uses the given pool.
func NewIntentLedger(pool *pgxpool.Pool) *IntentLedger {
	return &IntentLedger{pool: pool}
}

func (l *IntentLedger) Find(ctx context.Context, key string) (*payment.Intent, error) {
	rows, err := l.pool.Query(ctx, findIntentSQL, key)
	if err != nil {
		return nil, errors.Wrap(err, "find intent")
	}
	in, err := pgx.CollectExactlyOneRow(rows, scanIntent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrIntentNotFound
		}
		return nil, errors.Wrap(err, "find intent")
	}
	return &in, nil
}

func (l *IntentLedger) Save(ctx context.Context, key string, in *payment.Intent) (*payment.Intent, error) {
	rows, err := l.pool.Query(ctx, saveIntentSQL, key, in.ID, in.Provider, in.Amount, in.Currency, in.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "save intent")
	}
	stored, err := pgx.CollectExactlyOneRow(rows, scanIntent)
	if err != nil {
		return nil, errors.Wrap(err, "save intent")
	}
	return &stored, nil
}

func scanIntent(row pgx.CollectableRow) (payment.Intent, error) {
	var in payment.Intent
	err := row.Scan(&in.ID, &in.Provider, &in.Amount, &in.Currency, &in.CreatedAt)
	return in, err
}
