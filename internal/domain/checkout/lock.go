package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// ErrLocked is returned when a lock could not be acquired before the
// context expired.
var ErrLocked = errors.New("lock is held")

// Locker serializes checkouts per key across processes.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done. The lock expires
	// after ttl if never released.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// Recaller caches idempotency key to order id mappings.
type Recaller interface {
	// Recall returns "" when nothing is remembered for key.
	Recall(ctx context.Context, key string) (string, error)
	Remember(ctx context.Context, key, orderID string) error
}

// LocalLocker is an in-process Locker for single-replica deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire implements Locker. ttl is ignored; the lock lives until released.
func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrLocked
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

type noRecall struct{}

func (noRecall) Recall(context.Context, string) (string, error) { return "", nil }
func (noRecall) Remember(context.Context, string, string) error { return nil }
