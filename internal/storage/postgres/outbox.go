package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/outbox"
)

const (
	claimOutboxSQL = `UPDATE outbox SET next_attempt_at = now() + $2 * interval '1 millisecond'
	WHERE id IN (
		SELECT id FROM outbox
		WHERE status = 'pending' AND next_attempt_at <= now()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, kind, dedupe_key, payload, attempts, created_at`

	markOutboxDoneSQL = `UPDATE outbox SET status = 'done' WHERE id = $1`

	retryOutboxSQL = `UPDATE outbox SET
		attempts = attempts + 1, last_error = $2, next_attempt_at = $3,
		status = CASE WHEN $4 THEN 'dead' ELSE 'pending' END
	WHERE id = $1`

	completeOutboxSQL = `UPDATE outbox SET status = 'done'
		WHERE dedupe_key = $1 AND status = 'pending'`

	outboxBacklogSQL = `SELECT
		count(*) FILTER (WHERE status = 'pending' AND created_at < now() - $1 * interval '1 millisecond'),
		count(*) FILTER (WHERE status = 'dead')
	FROM outbox WHERE status <> 'done'`
)

var _ outbox.Store = (*OutboxStore)(nil)

// OutboxStore leases outbox rows. Several relays may share the table.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore returns an OutboxStore that uses the given pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

func (s *OutboxStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]outbox.Message, error) {
	rows, err := s.pool.Query(ctx, claimOutboxSQL, limit, lease.Milliseconds())
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Message, error) {
		var m outbox.Message
		err := row.Scan(&m.ID, &m.Kind, &m.DedupeKey, &m.Payload, &m.Attempts, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim outbox")
	}
	return msgs, nil
}

func (s *OutboxStore) MarkDone(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, markOutboxDoneSQL, id); err != nil {
		return errors.Wrapf(err, "mark outbox %d done", id)
	}
	return nil
}

func (s *OutboxStore) Retry(ctx context.Context, id int64, reason string, next time.Time, dead bool) error {
	if _, err := s.pool.Exec(ctx, retryOutboxSQL, id, reason, next, dead); err != nil {
		return errors.Wrapf(err, "retry outbox %d", id)
	}
	return nil
}

func (s *OutboxStore) Complete(ctx context.Context, dedupeKey string) error {
	if _, err := s.pool.Exec(ctx, completeOutboxSQL, dedupeKey); err != nil {
		return errors.Wrapf(err, "complete outbox %s", dedupeKey)
	}
	return nil
}

// Backlog counts pending messages older than olderThan and dead-lettered
// messages.
func (s *OutboxStore) Backlog(ctx context.Context, olderThan time.Duration) (stale, dead int64, err error) {
	if err := s.pool.QueryRow(ctx, outboxBacklogSQL, olderThan.Milliseconds()).Scan(&stale, &dead); err != nil {
		return 0, 0, errors.Wrap(err, "count outbox backlog")
	}
	return stale, dead, nil
}
