package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-faster/errors"
	"golang.org/x/sync/singleflight"
)

// ErrMissingIdempotencyKey is returned when CreateIntent is called without a key.
var ErrMissingIdempotencyKey = errors.New("idempotency key required")

// IntentLedger durably maps idempotency keys to intents.
type IntentLedger interface {
	// Find returns ErrIntentNotFound when key has no intent.
	Find(ctx context.Context, key string) (*Intent, error)
	// Save stores in under key unless one is already stored, and returns the
	// stored intent either way.
	Save(ctx context.Context, key string, in *Intent) (*Intent, error)
}

// IntentFinder is implemented by gateways that can look an intent up by the
// receipt it was created with.
type IntentFinder interface {
	// FindIntent returns ErrIntentNotFound when no intent has the receipt.
	FindIntent(ctx context.Context, receipt string) (*Intent, error)
}

// ReceiptFor is the gateway receipt used for an idempotency key. It fits the
// 40 character receipt limit common to gateways.
func ReceiptFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "ck_" + hex.EncodeToString(sum[:16])
}

// IdempotentGateway guarantees one intent per idempotency key. Concurrent
// calls in this process share one gateway call; calls across processes are
// resolved by the ledger.
type IdempotentGateway struct {
	Gateway
	ledger IntentLedger
	group  singleflight.Group
}

var _ Gateway = (*IdempotentGateway)(nil)

// NewIdempotentGateway wraps g.
func NewIdempotentGateway(g Gateway, ledger IntentLedger) *IdempotentGateway {
	return &IdempotentGateway{Gateway: g, ledger: ledger}
}

// CreateIntent returns the intent recorded for req.IdempotencyKey, creating
// it on the first call. Intents are created with ReceiptFor(key) as receipt,
// so when the gateway implements IntentFinder an intent whose ledger write
// failed is found again instead of being created twice.
func (g *IdempotentGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	key := req.IdempotencyKey
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		existing, err := g.ledger.Find(ctx, key)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, ErrIntentNotFound):
			return nil, errors.Wrap(err, "find intent")
		}

		req.Receipt = ReceiptFor(key)
		created, err := g.recover(ctx, req.Receipt)
		if err != nil {
			return nil, err
		}
		if created == nil {
			if created, err = g.Gateway.CreateIntent(ctx, req); err != nil {
				return nil, err
			}
		}
		stored, err := g.ledger.Save(ctx, key, created)
		if err != nil {
			return nil, errors.Wrap(err, "save intent")
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}

	in := *v.(*Intent)
	return &in, nil
}

// recover returns an intent the gateway already holds for receipt, or nil.
func (g *IdempotentGateway) recover(ctx context.Context, receipt string) (*Intent, error) {
	finder, ok := g.Gateway.(IntentFinder)
	if !ok {
		return nil, nil
	}
	in, err := finder.FindIntent(ctx, receipt)
	switch {
	case err == nil:
		return in, nil
	case errors.Is(err, ErrIntentNotFound):
		return nil, nil
	default:
		return nil, errors.Wrap(err, "find intent by receipt")
	}
}
