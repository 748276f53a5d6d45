package outbox

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// RelayConfig controls delivery cadence and retry policy.
type RelayConfig struct {
	Interval       time.Duration
	BatchSize      int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	HandlerTimeout time.Duration
	// Persistent lists kinds that are never dead-lettered for running out of
	// attempts; they keep retrying every MaxBackoff. Permanent errors still
	// dead-letter them.
	Persistent []string
}

func (c *RelayConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 12
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 10 * time.Second
	}
}

// Relay polls the Store and delivers due messages through a Handler.
type Relay struct {
	store     Store
	handler   Handler
	cfg       RelayConfig
	now       func() time.Time
	delivered metric.Int64Counter
}

// NewRelay creates a Relay. The meter records delivery outcomes per kind.
func NewRelay(store Store, handler Handler, cfg RelayConfig, meter metric.Meter) (*Relay, error) {
	cfg.setDefaults()
	delivered, err := meter.Int64Counter("outbox.deliveries",
		metric.WithDescription("Outbox delivery attempts by kind and result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create deliveries counter")
	}
	return &Relay{
		store:     store,
		handler:   handler,
		cfg:       cfg,
		now:       time.Now,
		delivered: delivered,
	}, nil
}

// Run delivers messages until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("outbox")
	lg.Info("Relay started", zap.Duration("interval", r.cfg.Interval))

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("Relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				lg.Warn("Relay pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce claims one batch and delivers it. It returns the number of
// messages delivered successfully.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	// The lease must outlive every handler call in the batch.
	lease := r.cfg.HandlerTimeout*time.Duration(r.cfg.BatchSize) + r.cfg.Interval
	msgs, err := r.store.Claim(ctx, r.cfg.BatchSize, lease)
	if err != nil {
		return 0, errors.Wrap(err, "claim")
	}

	ok := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		if r.deliver(ctx, m) {
			ok++
		}
	}
	return ok, nil
}

func (r *Relay) deliver(ctx context.Context, m Message) bool {
	lg := zctx.From(ctx).With(
		zap.Int64("outbox_id", m.ID),
		zap.String("kind", m.Kind),
		zap.Int("attempt", m.Attempts),
	)

	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	err := r.handler.Handle(zctx.Base(hctx, lg), m)
	cancel()

	if err == nil {
		r.record(ctx, m.Kind, "done")
		if err := r.store.MarkDone(ctx, m.ID); err != nil {
			lg.Error("Mark done failed", zap.Error(err))
		}
		return true
	}

	exhausted := m.Attempts >= r.cfg.MaxAttempts && !slices.Contains(r.cfg.Persistent, m.Kind)
	dead := IsPermanent(err) || exhausted
	next := r.now().Add(r.backoff(m.Attempts))
	if dead {
		r.record(ctx, m.Kind, "dead")
		lg.Error("Delivery abandoned", zap.Error(err))
	} else {
		r.record(ctx, m.Kind, "retry")
		lg.Warn("Delivery failed, will retry", zap.Error(err), zap.Time("next_attempt_at", next))
	}
	if err := r.store.Retry(ctx, m.ID, err.Error(), next, dead); err != nil {
		lg.Error("Reschedule failed", zap.Error(err))
	}
	return false
}

// backoff doubles per attempt starting at BaseBackoff, capped at MaxBackoff.
func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

func (r *Relay) record(ctx context.Context, kind, result string) {
	r.delivered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}
