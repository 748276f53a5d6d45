package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck returns a CheckFunc that reports unhealthy when the
// number of goroutines exceeds the given threshold. This is useful as a
// liveness check to detect goroutine leaks.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		count := runtime.NumGoroutine()
		if count > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", count, threshold)
		}
		return nil
	}
}

// GCMaxPauseCheck returns a CheckFunc that reports unhealthy when the maximum
// GC pause (stop-the-world) duration exceeds the given threshold. This is
// useful as a liveness check to detect memory pressure or excessively large
// heaps causing long GC pauses.
func GCMaxPauseCheck(threshold time.Duration) CheckFunc {
	return func(_ context.Context) error {
		var stats debug.GCStats
		debug.ReadGCStats(&stats)

		for _, pause := range stats.Pause {
			if pause > threshold {
				return errors.Errorf("GC pause %s exceeds threshold %s", pause, threshold)
			}
		}
		return nil
	}
}

// Pinger is a dependency that can be pinged, such as *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck returns a CheckFunc that pings p.
func PingCheck(name string, p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrapf(err, "ping %s", name)
		}
		return nil
	}
}

// PingFunc adapts a ping method whose result is not a plain error, such as
// a Redis client's Ping(ctx).Err.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// BacklogCounter reports undelivered outbox messages.
type BacklogCounter interface {
	Backlog(ctx context.Context, olderThan time.Duration) (stale, dead int64, err error)
}

// OutboxBacklogCheck fails when more than maxStale messages have waited
// longer than olderThan, or when any message was dead-lettered.
func OutboxBacklogCheck(c BacklogCounter, olderThan time.Duration, maxStale int64) CheckFunc {
	return func(ctx context.Context) error {
		stale, dead, err := c.Backlog(ctx, olderThan)
		switch {
		case err != nil:
			return err
		case dead > 0:
			return errors.Errorf("%d outbox messages dead-lettered", dead)
		case stale > maxStale:
			return errors.Errorf("%d outbox messages older than %s", stale, olderThan)
		}
		return nil
	}
}
