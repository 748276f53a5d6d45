package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/broker/kafka"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/gateway/razorpay"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/outbox"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	checkoutredis "github.com/xenking/kart-checkout/internal/storage/redis"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.Add(health.Readiness, "postgres", health.PingCheck("postgres", pool), health.Timeout(5*time.Second))
	healthSvc.Add(health.Liveness, "goroutines", health.GoroutineCountCheck(10000), health.Timeout(time.Second))
	healthSvc.Add(health.Liveness, "gc", health.GCMaxPauseCheck(time.Second), health.Timeout(time.Second))

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	couponRepo := postgres.NewCouponRepository(pool)
	cartRepo := postgres.NewCartRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	attemptRepo := postgres.NewAttemptRepository(pool)
	outboxStore := postgres.NewOutboxStore(pool)
	healthSvc.Add(health.Readiness, "outbox", health.OutboxBacklogCheck(outboxStore, 5*time.Minute, 100), health.Optional())

	// Cross-process locking is only available with Redis.
	var (
		locker checkout.Locker
		recall checkout.Recaller
	)
	if cfg.Redis.URL != "" {
		rdb, err := checkoutredis.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()
		healthSvc.Add(health.Readiness, "redis", health.PingCheck("redis", health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})))
		locker = checkoutredis.NewLocker(rdb, 0)
		recall = checkoutredis.NewRecaller(rdb, cfg.Redis.RecallTTL)
	} else {
		lg.Warn("Redis is not configured, checkout locks are process-local")
	}

	// Coupon filter.
	codes, err := couponRepo.ActiveCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "load coupon codes")
	}
	couponFilter := coupon.NewBloomFilter(codes, cfg.Coupons.FilterFPR)
	applicator := coupon.NewApplicator(couponRepo, couponRepo, coupon.WithFilter(couponFilter))

	// Payment gateway. Online methods stay disabled without credentials.
	var (
		gateway  payment.Gateway
		refunder order.Refunder
		keyID    string
	)
	if cfg.Razorpay.Enabled() {
		rp, err := razorpay.New(razorpay.Config{
			KeyID:          cfg.Razorpay.KeyID,
			KeySecret:      cfg.Razorpay.KeySecret,
			BaseURL:        cfg.Razorpay.BaseURL,
			Timeout:        cfg.Razorpay.Timeout,
			TracerProvider: m.TracerProvider(),
			MeterProvider:  m.MeterProvider(),
		})
		if err != nil {
			return errors.Wrap(err, "create razorpay client")
		}
		idempotent := payment.NewIdempotentGateway(rp, postgres.NewIntentLedger(pool))
		gateway, refunder, keyID = idempotent, idempotent, rp.KeyID()
	} else {
		lg.Warn("Razorpay is not configured, only cash on delivery is available")
	}

	policy, err := cfg.Pricing.Policy()
	if err != nil {
		return errors.Wrap(err, "pricing policy")
	}

	// Domain services.
	checkoutSvc, err := checkout.NewService(checkout.Deps{
		Carts:          cartRepo,
		Products:       productRepo,
		Coupons:        applicator,
		Orders:         orderRepo,
		Attempts:       attemptRepo,
		Gateway:        gateway,
		Locker:         locker,
		Recall:         recall,
		Acks:           outboxStore,
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	}, checkout.Config{
		Policy:         policy,
		Currency:       cfg.Pricing.Currency,
		LockTTL:        cfg.Checkout.LockTTL,
		LockWait:       cfg.Checkout.LockWait,
		GatewayTimeout: cfg.Checkout.GatewayTimeout,
		AttemptTTL:     cfg.Checkout.AttemptTTL,
	})
	if err != nil {
		return errors.Wrap(err, "create checkout service")
	}
	orderSvc := order.NewService(orderRepo, refunder, outboxStore)

	tokens, err := auth.NewTokens([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
	if err != nil {
		return errors.Wrap(err, "create token verifier")
	}

	// Outbox routing: local effects are handled in process, order events are
	// published.
	var publisher outbox.Publisher = kafka.LogPublisher{}
	if brokers := nonEmpty(cfg.Kafka.Brokers); len(brokers) > 0 {
		kp := kafka.NewPublisher(kafka.NewWriter(brokers), cfg.Kafka.TopicPrefix)
		defer func() {
			if err := kp.Close(); err != nil {
				lg.Error("Close kafka writer", zap.Error(err))
			}
		}()
		publisher = kp
		healthSvc.Add(health.Readiness, "kafka", health.PingCheck("kafka", health.PingFunc(func(ctx context.Context) error {
			return kafka.Ping(ctx, brokers)
		})), health.Optional())
	} else {
		lg.Warn("Kafka is not configured, order events are logged only")
	}

	router := outbox.NewRouter()
	router.Register(checkout.KindCartClear, outbox.JSONHandler[checkout.CartClear]{HandleFunc: checkoutSvc.HandleCartClear})
	router.Register(order.KindCreated, outbox.Publish(publisher))
	router.Register(order.KindStatusChanged, outbox.Publish(publisher))
	router.Register(order.KindRefund, outbox.JSONHandler[order.RefundRequested]{HandleFunc: orderSvc.HandleRefund})

	relay, err := outbox.NewRelay(outboxStore, router, outbox.RelayConfig{
		Interval:    cfg.Outbox.Interval,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseBackoff: cfg.Outbox.BaseBackoff,
		MaxBackoff:  cfg.Outbox.MaxBackoff,
		// A paid order must eventually empty its cart.
		Persistent: []string{checkout.KindCartClear},
	}, m.MeterProvider().Meter("github.com/xenking/kart-checkout/internal/outbox"))
	if err != nil {
		return errors.Wrap(err, "create outbox relay")
	}

	// HTTP handlers.
	h := handler.New(handler.Config{
		PaymentKeyID: keyID,
		MaxBodyBytes: cfg.Checkout.MaxBodyBytes,
	}, checkoutSvc, orderSvc, tokens)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Checkout.GatewayTimeout*3 + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: rateLimitKey(h),
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("kart-checkout", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Background workers stop with workerCtx, after the server has drained.
	workerCtx, stopWorkers := context.WithCancel(zctx.Base(context.WithoutCancel(ctx), lg))
	defer stopWorkers()

	workers, workerCtx := errgroup.WithContext(workerCtx)
	workers.Go(func() error {
		return relay.Run(workerCtx)
	})
	workers.Go(func() error {
		couponFilter.RunRefresh(workerCtx, couponRepo, cfg.Coupons.RefreshInterval)
		return nil
	})
	if gateway != nil {
		reconciler := checkout.NewReconciler(checkoutSvc, checkout.ReconcilerConfig{
			Interval:    cfg.Reconciler.Interval,
			StaleAfter:  cfg.Reconciler.StaleAfter,
			BatchSize:   cfg.Reconciler.BatchSize,
			Concurrency: cfg.Reconciler.Concurrency,
			RPS:         cfg.Reconciler.RPS,
		})
		workers.Go(func() error {
			return reconciler.Run(workerCtx)
		})
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-workerCtx.Done():
			lg.Error("Background worker stopped, shutting down")
		}
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		stopWorkers()
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stopWorkers()
		return errors.Wrap(err, "server")
	}
	<-shutdownDone

	if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "background worker")
	}
	return nil
}

// rateLimitKey limits authenticated callers per user and everyone else per
// client IP.
func rateLimitKey(h *handler.Handler) func(*http.Request) string {
	return func(r *http.Request) string {
		if key := h.UserKey(r); key != "" {
			return key
		}
		return "ip:" + httpmiddleware.ClientIP(r)
	}
}

func nonEmpty(ss []string) []string {
	out := ss[:0:0]
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
