package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const progressEvery = 1_000_000

// Config tunes Ingest.
type Config struct {
	ExpectedCodes     uint
	FalsePositiveRate float64
	BatchSize         int
}

// Sink stores coupon definitions.
type Sink interface {
	Upsert(ctx context.Context, defs []coupon.Definition) error
}

// Stats summarizes an ingest run.
type Stats struct {
	Written    int
	Duplicates int
	Invalid    int
}

// record is one JSONL line.
type record struct {
	Code                 string          `json:"code"`
	Type                 string          `json:"type"`
	Value                decimal.Decimal `json:"value"`
	MinOrderValue        decimal.Decimal `json:"minOrderValue"`
	MaxDiscount          decimal.Decimal `json:"maxDiscount"`
	ApplicableProductIDs []string        `json:"applicableProductIds"`
	ValidFrom            *time.Time      `json:"validFrom"`
	ValidUntil           *time.Time      `json:"validUntil"`
	MaxUses              int             `json:"maxUses"`
	PerUserLimit         int             `json:"perUserLimit"`
	NonStackable         bool            `json:"nonStackable"`
	Description          string          `json:"description"`
}

func (r record) definition() (coupon.Definition, error) {
	d := coupon.Definition{
		Code:                 coupon.Normalize(r.Code),
		Type:                 coupon.DiscountType(r.Type),
		Value:                r.Value,
		MinOrderValue:        r.MinOrderValue,
		MaxDiscount:          r.MaxDiscount,
		ApplicableProductIDs: r.ApplicableProductIDs,
		ValidFrom:            r.ValidFrom,
		ValidUntil:           r.ValidUntil,
		MaxUses:              r.MaxUses,
		PerUserLimit:         r.PerUserLimit,
		NonStackable:         r.NonStackable,
		Description:          r.Description,
	}
	switch {
	case d.Code == "":
		return d, errors.New("empty code")
	case !d.Type.Valid():
		return d, errors.Errorf("unknown type %q", r.Type)
	case !d.Value.IsPositive():
		return d, errors.New("value must be positive")
	case d.Type == coupon.DiscountPercentage && d.Value.GreaterThan(decimal.NewFromInt(100)):
		return d, errors.New("percentage above 100")
	case d.MinOrderValue.IsNegative(), d.MaxDiscount.IsNegative(), d.MaxUses < 0, d.PerUserLimit < 0:
		return d, errors.New("limits must not be negative")
	case d.ValidFrom != nil && d.ValidUntil != nil && d.ValidUntil.Before(*d.ValidFrom):
		return d, errors.New("validUntil precedes validFrom")
	}
	return d, nil
}

// Ingest loads coupon definitions from gzipped JSONL files into sink. When a
// code occurs more than once across all files the first occurrence wins.
//
// Pass 1 streams every file concurrently into a shared bloom filter and
// collects the codes the filter has already seen. Pass 2 streams the files
// again in order and only needs exact bookkeeping for those suspects, so
// memory stays bounded by the filter rather than the number of codes.
func Ingest(ctx context.Context, lg *zap.Logger, files []string, sink Sink, cfg Config) (Stats, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	suspects, err := findSuspects(ctx, lg, files, cfg)
	if err != nil {
		return Stats{}, errors.Wrap(err, "pass 1")
	}
	lg.Info("Pass 1 complete", zap.Int("suspects", len(suspects)))

	var (
		stats Stats
		batch = make([]coupon.Definition, 0, cfg.BatchSize)
		kept  = make(map[string]bool, len(suspects))
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.Upsert(ctx, batch); err != nil {
			return errors.Wrap(err, "upsert batch")
		}
		stats.Written += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, path := range files {
		err := streamFile(ctx, path, func(line int, r record) error {
			d, err := r.definition()
			if err != nil {
				stats.Invalid++
				lg.Debug("Skipping invalid coupon", zap.String("file", path), zap.Int("line", line), zap.Error(err))
				return nil
			}
			if suspects[d.Code] {
				if kept[d.Code] {
					stats.Duplicates++
					return nil
				}
				kept[d.Code] = true
			}
			batch = append(batch, d)
			if len(batch) == cfg.BatchSize {
				return flush()
			}
			return nil
		}, func(line int, err error) {
			stats.Invalid++
			lg.Debug("Skipping malformed line", zap.String("file", path), zap.Int("line", line), zap.Error(err))
		})
		if err != nil {
			return stats, errors.Wrapf(err, "pass 2: %s", path)
		}
		lg.Info("File ingested", zap.String("file", path), zap.Int("written", stats.Written))
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

func findSuspects(ctx context.Context, lg *zap.Logger, files []string, cfg Config) (map[string]bool, error) {
	var (
		mu       sync.Mutex
		filter   = bloom.NewWithEstimates(max(cfg.ExpectedCodes, 1), cfg.FalsePositiveRate)
		suspects = make(map[string]bool)
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, path := range files {
		g.Go(func() error {
			var count int
			return streamFile(ctx, path, func(_ int, r record) error {
				code := coupon.Normalize(r.Code)
				if code == "" {
					return nil
				}
				mu.Lock()
				if filter.TestAndAddString(code) {
					suspects[code] = true
				}
				mu.Unlock()

				if count++; count%progressEvery == 0 {
					lg.Info("Pass 1 progress", zap.String("file", path), zap.Int("codes", count))
				}
				return nil
			}, func(int, error) {})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return suspects, nil
}

// streamFile calls fn for each decodable line of a gzipped JSONL file and bad
// for each line that does not decode.
func streamFile(ctx context.Context, path string, fn func(line int, r record) error, bad func(line int, err error)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			bad(line, err)
			continue
		}
		if err := fn(line, r); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
