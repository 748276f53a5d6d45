package coupon

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// minFilterCapacity keeps the false-positive rate sane for tiny catalogs.
const minFilterCapacity = 1024

// CodeSource lists every active coupon code.
type CodeSource interface {
	ActiveCodes(ctx context.Context) ([]string, error)
}

// BloomFilter is a concurrency-safe Filter over normalized coupon codes.
type BloomFilter struct {
	mu  sync.RWMutex
	f   *bloom.BloomFilter
	fpr float64
}

var _ Filter = (*BloomFilter)(nil)

// NewBloomFilter builds a filter sized for codes at the given false-positive rate.
func NewBloomFilter(codes []string, fpr float64) *BloomFilter {
	b := &BloomFilter{fpr: fpr}
	b.f = b.build(codes)
	return b
}

func (b *BloomFilter) build(codes []string) *bloom.BloomFilter {
	capacity := uint(max(len(codes)*2, minFilterCapacity))
	f := bloom.NewWithEstimates(capacity, b.fpr)
	for _, c := range codes {
		f.AddString(Normalize(c))
	}
	return f
}

// MayContain reports false only if code is definitely absent.
func (b *BloomFilter) MayContain(code string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.f.TestString(Normalize(code))
}

// Add inserts a single code.
func (b *BloomFilter) Add(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.f.AddString(Normalize(code))
}

// Reset replaces the filter contents with codes.
func (b *BloomFilter) Reset(codes []string) {
	f := b.build(codes)
	b.mu.Lock()
	b.f = f
	b.mu.Unlock()
}

// Refresh rebuilds the filter from src once.
func (b *BloomFilter) Refresh(ctx context.Context, src CodeSource) error {
	codes, err := src.ActiveCodes(ctx)
	if err != nil {
		return err
	}
	b.Reset(codes)
	return nil
}

// RunRefresh rebuilds the filter every interval until ctx is done. Failed
// refreshes keep the previous filter.
func (b *BloomFilter) RunRefresh(ctx context.Context, src CodeSource, interval time.Duration) {
	lg := zctx.From(ctx).Named("coupon_filter")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Refresh(ctx, src); err != nil {
				lg.Warn("Refresh failed", zap.Error(err))
			}
		}
	}
}
