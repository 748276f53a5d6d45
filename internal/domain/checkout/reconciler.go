package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ReconcilerConfig tunes the Reconciler.
type ReconcilerConfig struct {
	Interval time.Duration
	// StaleAfter is how long an awaiting_payment attempt is left to the
	// customer before the gateway is asked about it.
	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
	// RPS limits gateway status queries per second.
	RPS float64
}

func (c *ReconcilerConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RPS <= 0 {
		c.RPS = 5
	}
}

// Reconciler periodically settles attempts whose outcome the customer never
// reported or the gateway could not confirm.
type Reconciler struct {
	svc     *Service
	cfg     ReconcilerConfig
	limiter *rate.Limiter
}

// NewReconciler creates a Reconciler over svc.
func NewReconciler(svc *Service, cfg ReconcilerConfig) *Reconciler {
	cfg.setDefaults()
	return &Reconciler{
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
	}
}

// Run reconciles on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("reconciler")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				lg.Error("Reconcile batch", zap.Error(err))
				continue
			}
			if n > 0 {
				lg.Info("Reconciled attempts", zap.Int("count", n))
			}
		}
	}
}

// RunOnce reconciles one batch and returns how many attempts were settled
// into an order or a failure.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.svc.now().Add(-r.cfg.StaleAfter)
	stale, err := r.svc.deps.Attempts.ListStale(ctx,
		[]AttemptState{AttemptAwaitingPayment, AttemptUnknown}, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list stale attempts")
	}

	settled := make([]bool, len(stale))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range stale {
		a := stale[i]
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			_, err := r.svc.Reconcile(gctx, a.IntentID)
			switch class := ClassOf(err); {
			case err == nil, class == ClassPaymentFailed:
				settled[i] = true
			case class == ClassPaymentUnknown:
			default:
				zctx.From(gctx).Warn("Reconcile attempt",
					zap.String("intent_id", a.IntentID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, ok := range settled {
		if ok {
			n++
		}
	}
	return n, nil
}
