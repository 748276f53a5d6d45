package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Redis       RedisConfig
	Kafka       KafkaConfig
	Razorpay    RazorpayConfig
	Auth        AuthConfig
	Pricing     PricingConfig
	Checkout    CheckoutConfig
	Reconciler  ReconcilerConfig
	Outbox      OutboxConfig
	Coupons     CouponsConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// RedisConfig enables the cross-process checkout lock. Without a URL locks
// are held in process memory, which is only correct for a single replica.
type RedisConfig struct {
	URL       string        `default:"" usage:"Redis URL (CHECKOUT_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	RecallTTL time.Duration `default:"24h" usage:"How long an idempotency key is remembered in Redis"`
}

// KafkaConfig controls where order events are published. Without brokers
// events are logged.
type KafkaConfig struct {
	Brokers     []string `default:"" usage:"Kafka broker addresses"`
	TopicPrefix string   `default:"kart." usage:"Prefix prepended to event kinds to form topic names"`
}

// RazorpayConfig enables online payments.
type RazorpayConfig struct {
	KeyID     string        `default:"" usage:"Razorpay key id" flag:"razorpay-key-id"`
	KeySecret string        `default:"" usage:"Razorpay key secret" flag:"razorpay-key-secret"`
	BaseURL   string        `default:"https://api.razorpay.com" usage:"Razorpay API base URL"`
	Timeout   time.Duration `default:"10s" usage:"Razorpay HTTP timeout"`
}

// Enabled reports whether credentials were provided.
func (c RazorpayConfig) Enabled() bool { return c.KeyID != "" && c.KeySecret != "" }

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	Secret string `usage:"HMAC secret for bearer tokens (CHECKOUT_AUTH_SECRET)" flag:"auth-secret"`
	Issuer string `default:"kart" usage:"Expected token issuer"`
}

// PricingConfig holds the store pricing constants.
type PricingConfig struct {
	FreeShippingThreshold string `default:"1000" usage:"Subtotal that must be exceeded for free shipping"`
	FlatShippingFee       string `default:"50" usage:"Shipping fee below the threshold"`
	TaxRate               string `default:"0.18" usage:"Flat tax rate applied to the pre-discount subtotal"`
	Currency              string `default:"INR" usage:"ISO 4217 currency code"`
}

// Policy parses the configured amounts.
func (c PricingConfig) Policy() (pricing.Policy, error) {
	var (
		p   pricing.Policy
		err error
	)
	if p.FreeShippingThreshold, err = decimal.NewFromString(c.FreeShippingThreshold); err != nil {
		return p, errors.Wrap(err, "free shipping threshold")
	}
	if p.FlatShippingFee, err = decimal.NewFromString(c.FlatShippingFee); err != nil {
		return p, errors.Wrap(err, "flat shipping fee")
	}
	if p.TaxRate, err = decimal.NewFromString(c.TaxRate); err != nil {
		return p, errors.Wrap(err, "tax rate")
	}
	if p.FreeShippingThreshold.IsNegative() || p.FlatShippingFee.IsNegative() || p.TaxRate.IsNegative() {
		return p, errors.New("pricing amounts must not be negative")
	}
	return p, nil
}

// CheckoutConfig tunes the checkout orchestrator.
type CheckoutConfig struct {
	LockTTL        time.Duration `default:"30s" usage:"Upper bound on how long a per-user checkout lock is held"`
	LockWait       time.Duration `default:"5s" usage:"How long a request waits for a concurrent checkout of the same user"`
	GatewayTimeout time.Duration `default:"10s" usage:"Timeout of every payment gateway call"`
	AttemptTTL     time.Duration `default:"24h" usage:"How long an unpaid payment intent stays open"`
	MaxBodyBytes   int64         `default:"65536" usage:"Maximum request body size"`
}

// ReconcilerConfig tunes background settlement of unfinished online payments.
type ReconcilerConfig struct {
	Interval    time.Duration `default:"1m" usage:"How often stale attempts are reconciled"`
	StaleAfter  time.Duration `default:"15m" usage:"Age after which an awaiting attempt is reconciled"`
	BatchSize   int           `default:"100" usage:"Attempts reconciled per run"`
	Concurrency int           `default:"4" usage:"Parallel gateway queries"`
	RPS         float64       `default:"5" usage:"Gateway status queries per second"`
}

// OutboxConfig tunes the outbox relay.
type OutboxConfig struct {
	Interval    time.Duration `default:"1s" usage:"Outbox poll interval"`
	BatchSize   int           `default:"50" usage:"Messages claimed per poll"`
	MaxAttempts int           `default:"12" usage:"Deliveries before a message is dead-lettered"`
	BaseBackoff time.Duration `default:"1s" usage:"Backoff after the first failed delivery"`
	MaxBackoff  time.Duration `default:"10m" usage:"Upper bound on retry backoff"`
}

// CouponsConfig controls the in-memory coupon code filter.
type CouponsConfig struct {
	FilterFPR       float64       `default:"0.001" usage:"Bloom filter false positive rate"`
	RefreshInterval time.Duration `default:"5m" usage:"How often the coupon filter is rebuilt from the database"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	}
	if len(c.Auth.Secret) < 16 {
		return errors.New("auth secret of at least 16 bytes is required: set CHECKOUT_AUTH_SECRET")
	}
	if (c.Razorpay.KeyID == "") != (c.Razorpay.KeySecret == "") {
		return errors.New("razorpay key id and secret must be set together")
	}
	if _, err := c.Pricing.Policy(); err != nil {
		return errors.Wrap(err, "pricing")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CHECKOUT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Redis.URL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.Redis.URL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
