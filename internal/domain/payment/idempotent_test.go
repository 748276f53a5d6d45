package payment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingGateway struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (g *countingGateway) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	n := g.calls.Add(1)
	time.Sleep(g.delay)
	if g.err != nil {
		return nil, g.err
	}
	return &Intent{
		ID:       fmt.Sprintf("intent_%d", n),
		Provider: "test",
		Amount:   req.Amount,
		Currency: req.Currency,
	}, nil
}

func (g *countingGateway) Verify(context.Context, string, Proof) (Verification, error) {
	return Verification{Outcome: OutcomeVerified}, nil
}

func (g *countingGateway) QueryStatus(context.Context, string) (IntentStatus, error) {
	return IntentStatus{State: StatePending}, nil
}

func (g *countingGateway) Refund(context.Context, RefundRequest) (*Refund, error) {
	return &Refund{ID: "rfnd_1"}, nil
}

// findingGateway also answers receipt lookups for the intents it created.
type findingGateway struct {
	countingGateway
	mu        sync.Mutex
	byReceipt map[string]*Intent
	findErr   error
}

func newFindingGateway() *findingGateway {
	return &findingGateway{byReceipt: make(map[string]*Intent)}
}

func (g *findingGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	in, err := g.countingGateway.CreateIntent(ctx, req)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byReceipt[req.Receipt] = in
	return in, nil
}

func (g *findingGateway) FindIntent(_ context.Context, receipt string) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.findErr != nil {
		return nil, g.findErr
	}
	in, ok := g.byReceipt[receipt]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return in, nil
}

type memLedger struct {
	mu      sync.Mutex
	intents map[string]*Intent
	findErr error
	saveErr error
}

func newMemLedger() *memLedger {
	return &memLedger{intents: make(map[string]*Intent)}
}

func (l *memLedger) Find(_ context.Context, key string) (*Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.findErr != nil {
		return nil, l.findErr
	}
	in, ok := l.intents[key]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return in, nil
}

func (l *memLedger) Save(_ context.Context, key string, in *Intent) (*Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.saveErr != nil {
		return nil, l.saveErr
	}
	if existing, ok := l.intents[key]; ok {
		return existing, nil
	}
	l.intents[key] = in
	return in, nil
}

func intentReq(key string) IntentRequest {
	return IntentRequest{
		Amount:         decimal.RequireFromString("1316"),
		Currency:       "INR",
		IdempotencyKey: key,
	}
}

func TestIdempotentGateway_SameKeySameIntent(t *testing.T) {
	inner := &countingGateway{}
	g := NewIdempotentGateway(inner, newMemLedger())
	ctx := context.Background()

	first, err := g.CreateIntent(ctx, intentReq("k1"))
	require.NoError(t, err)
	second, err := g.CreateIntent(ctx, intentReq("k1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), inner.calls.Load())

	third, err := g.CreateIntent(ctx, intentReq("k2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestIdempotentGateway_ConcurrentCalls(t *testing.T) {
	inner := &countingGateway{delay: 20 * time.Millisecond}
	g := NewIdempotentGateway(inner, newMemLedger())

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in, err := g.CreateIntent(context.Background(), intentReq("same"))
			if err == nil {
				ids[i] = in.ID
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inner.calls.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestIdempotentGateway_Errors(t *testing.T) {
	ctx := context.Background()

	g := NewIdempotentGateway(&countingGateway{}, newMemLedger())
	_, err := g.CreateIntent(ctx, intentReq(""))
	require.ErrorIs(t, err, ErrMissingIdempotencyKey)

	failing := &countingGateway{err: errors.New("gateway down")}
	ledger := newMemLedger()
	g = NewIdempotentGateway(failing, ledger)
	_, err = g.CreateIntent(ctx, intentReq("k"))
	require.Error(t, err)
	assert.Empty(t, ledger.intents, "failed creation must not be recorded")

	broken := newMemLedger()
	broken.findErr = errors.New("db down")
	inner := &countingGateway{}
	g = NewIdempotentGateway(inner, broken)
	_, err = g.CreateIntent(ctx, intentReq("k"))
	require.Error(t, err)
	assert.Zero(t, inner.calls.Load(), "gateway must not be called when the ledger is unavailable")
}

func TestIdempotentGateway_RecoversUnsavedIntent(t *testing.T) {
	ctx := context.Background()
	inner := newFindingGateway()
	ledger := newMemLedger()
	ledger.saveErr = errors.New("db down")
	g := NewIdempotentGateway(inner, ledger)

	_, err := g.CreateIntent(ctx, intentReq("k1"))
	require.Error(t, err)
	require.Equal(t, int32(1), inner.calls.Load())
	require.Contains(t, inner.byReceipt, ReceiptFor("k1"))

	ledger.saveErr = nil
	in, err := g.CreateIntent(ctx, intentReq("k1"))
	require.NoError(t, err)
	assert.Equal(t, "intent_1", in.ID)
	assert.Equal(t, int32(1), inner.calls.Load(), "the intent left at the gateway is reused")
	assert.Equal(t, "intent_1", ledger.intents["k1"].ID)

	other, err := g.CreateIntent(ctx, intentReq("k2"))
	require.NoError(t, err)
	assert.Equal(t, "intent_2", other.ID)
}

func TestIdempotentGateway_ReceiptLookupError(t *testing.T) {
	inner := newFindingGateway()
	inner.findErr = errors.New("gateway down")
	g := NewIdempotentGateway(inner, newMemLedger())

	_, err := g.CreateIntent(context.Background(), intentReq("k1"))
	require.Error(t, err)
	assert.Zero(t, inner.calls.Load(), "no intent is created while the lookup fails")
}

func TestReceiptFor(t *testing.T) {
	r := ReceiptFor("a-very-long-idempotency-key-supplied-by-the-client-0123456789")
	assert.LessOrEqual(t, len(r), 40)
	assert.Equal(t, r, ReceiptFor("a-very-long-idempotency-key-supplied-by-the-client-0123456789"))
	assert.NotEqual(t, r, ReceiptFor("other"))
}

func TestMethod(t *testing.T) {
	assert.True(t, MethodRazorpay.Valid())
	assert.True(t, MethodCOD.Valid())
	assert.False(t, Method("paypal").Valid())
	assert.True(t, MethodRazorpay.Online())
	assert.False(t, MethodCOD.Online())
}
