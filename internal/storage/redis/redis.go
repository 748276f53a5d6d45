// Package redis implements the checkout lock and idempotency recall cache on
// Redis.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
)

// NewClient parses url and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

const lockPrefix = "lock:"

// Deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a checkout.Locker backed by SET NX PX. Waiters poll.
type Locker struct {
	rdb  redis.Cmdable
	poll time.Duration
}

var _ checkout.Locker = (*Locker)(nil)

// NewLocker creates a Locker that polls every poll interval while waiting.
func NewLocker(rdb redis.Cmdable, poll time.Duration) *Locker {
	if poll <= 0 {
		poll = 25 * time.Millisecond
	}
	return &Locker{rdb: rdb, poll: poll}
}

// Acquire implements checkout.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	key = lockPrefix + key

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		switch {
		case ok:
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
					return errors.Wrap(err, "release lock")
				}
				return nil
			}, nil
		case err != nil && ctx.Err() == nil:
			return nil, errors.Wrap(err, "acquire lock")
		}

		select {
		case <-ctx.Done():
			return nil, checkout.ErrLocked
		case <-ticker.C:
		}
	}
}

const recallPrefix = "checkout:order:"

// Recaller remembers which order an idempotency key produced.
type Recaller struct {
	rdb redis.Cmdable
	ttl time.Duration
}

var _ checkout.Recaller = (*Recaller)(nil)

// NewRecaller creates a Recaller whose entries expire after ttl.
func NewRecaller(rdb redis.Cmdable, ttl time.Duration) *Recaller {
	return &Recaller{rdb: rdb, ttl: ttl}
}

func (r *Recaller) Recall(ctx context.Context, key string) (string, error) {
	id, err := r.rdb.Get(ctx, recallPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "recall order")
	}
	return id, nil
}

func (r *Recaller) Remember(ctx context.Context, key, orderID string) error {
	if err := r.rdb.Set(ctx, recallPrefix+key, orderID, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "remember order")
	}
	return nil
}
