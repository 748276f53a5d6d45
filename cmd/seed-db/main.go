package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
	Image    string          `json:"image"`
}

var defaultProducts = []product.Product{
	{ID: "1", Name: "Waffle with Berries", Price: decimal.NewFromInt(450), Category: "Waffle"},
	{ID: "2", Name: "Vanilla Bean Crème Brûlée", Price: decimal.NewFromInt(350), Category: "Crème Brûlée"},
	{ID: "3", Name: "Macaron Mix of Five", Price: decimal.NewFromInt(600), Category: "Macaron"},
	{ID: "4", Name: "Classic Tiramisu", Price: decimal.RequireFromString("399.50"), Category: "Tiramisu"},
	{ID: "5", Name: "Pistachio Baklava", Price: decimal.NewFromInt(275), Category: "Baklava"},
	{ID: "6", Name: "Lemon Meringue Pie", Price: decimal.NewFromInt(320), Category: "Pie"},
	{ID: "7", Name: "Red Velvet Cake", Price: decimal.NewFromInt(425), Category: "Cake"},
	{ID: "8", Name: "Salted Caramel Brownie", Price: decimal.NewFromInt(199), Category: "Brownie"},
	{ID: "9", Name: "Vanilla Panna Cotta", Price: decimal.NewFromInt(310), Category: "Panna Cotta"},
}

var defaultCoupons = []coupon.Definition{
	{
		Code:          "SAVE100",
		Type:          coupon.DiscountFixed,
		Value:         decimal.NewFromInt(100),
		MinOrderValue: decimal.NewFromInt(500),
		Description:   "100 off orders above 500",
	},
	{
		Code:         "WELCOME10",
		Type:         coupon.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		MaxDiscount:  decimal.NewFromInt(200),
		PerUserLimit: 1,
		Description:  "10% off your first order, up to 200",
	},
	{
		Code:                 "WAFFLE20",
		Type:                 coupon.DiscountPercentage,
		Value:                decimal.NewFromInt(20),
		ApplicableProductIDs: []string{"1"},
		Description:          "20% off waffles",
	},
	{
		Code:         "FLASH50",
		Type:         coupon.DiscountFixed,
		Value:        decimal.NewFromInt(50),
		MaxUses:      100,
		NonStackable: true,
		Description:  "50 off, first 100 orders, one non-stackable coupon per order",
	},
}

func main() {
	var (
		databaseURL  string
		productsFile string
		userID       string
		authSecret   string
		authIssuer   string
		tokenTTL     time.Duration
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "", "optional products JSON file replacing the built-in catalog")
	flag.StringVar(&userID, "user", "demo-user", "user whose cart is seeded and who receives a token")
	flag.StringVar(&authSecret, "auth-secret", "", "token signing secret (or CHECKOUT_AUTH_SECRET env)")
	flag.StringVar(&authIssuer, "auth-issuer", "kart", "token issuer")
	flag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of issued tokens")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}
	if authSecret == "" {
		authSecret = os.Getenv("CHECKOUT_AUTH_SECRET")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s := seeder{lg: lg, user: userID}
	if err := s.run(ctx, databaseURL, productsFile); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	if authSecret != "" {
		if err := s.issueTokens([]byte(authSecret), authIssuer, tokenTTL); err != nil {
			lg.Fatal("Issue tokens", zap.Error(err))
		}
	} else {
		lg.Warn("No auth secret given, skipping token issuing")
	}
	lg.Info("Seed completed")
}

type seeder struct {
	lg   *zap.Logger
	user string
}

func (s seeder) run(ctx context.Context, databaseURL, productsFile string) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	s.lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	products := defaultProducts
	if productsFile != "" {
		if products, err = readProducts(productsFile); err != nil {
			return err
		}
	}
	for i := range products {
		products[i].Active = true
	}
	if err := postgres.NewProductRepository(pool).Upsert(ctx, products); err != nil {
		return errors.Wrap(err, "seed products")
	}
	s.lg.Info("Upserted products", zap.Int("count", len(products)))

	if err := postgres.NewCouponRepository(pool).Upsert(ctx, defaultCoupons); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	for _, c := range defaultCoupons {
		s.lg.Info("Upserted coupon", zap.String("code", c.Code), zap.String("description", c.Description))
	}

	carts := postgres.NewCartRepository(pool)
	if err := carts.Clear(ctx, s.user, 0); err != nil {
		return errors.Wrap(err, "reset demo cart")
	}
	for _, it := range []cart.Item{
		{ProductID: products[0].ID, Quantity: 2},
		{ProductID: products[len(products)-1].ID, Quantity: 1},
	} {
		if err := carts.Add(ctx, s.user, it); err != nil {
			return errors.Wrap(err, "seed demo cart")
		}
	}
	s.lg.Info("Seeded demo cart", zap.String("user_id", s.user))
	return nil
}

func (s seeder) issueTokens(secret []byte, issuer string, ttl time.Duration) error {
	tokens, err := auth.NewTokens(secret, issuer)
	if err != nil {
		return err
	}
	for _, grant := range []struct {
		user   string
		scopes []string
	}{
		{s.user, nil},
		{"ops", []string{auth.ScopeAdmin}},
	} {
		tok, err := tokens.Issue(grant.user, grant.scopes, ttl)
		if err != nil {
			return errors.Wrapf(err, "issue token for %s", grant.user)
		}
		fmt.Printf("%s\t%s\n", grant.user, tok)
	}
	return nil
}

func readProducts(path string) ([]product.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read products file")
	}
	var raw []productJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}
	if len(raw) == 0 {
		return nil, errors.New("products file is empty")
	}
	out := make([]product.Product, 0, len(raw))
	for _, p := range raw {
		out = append(out, product.Product{ID: p.ID, Name: p.Name, Price: p.Price, Category: p.Category, Image: p.Image})
	}
	return out, nil
}
