package querycache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/aggregate"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
)

const maxEntries = 4096

// Source is the in-memory aggregate state
type Source interface {
	Snapshot(scope domain.Scope, dimension string, from, to time.Time) []domain.Bucket
	TopCampaigns(from, to time.Time, limit int) []aggregate.CampaignTotals
	Watermark() time.Time
}

// RollupReader serves retired buckets from the durable store
type RollupReader interface {
	Rollups(ctx context.Context, scope domain.Scope, dimension string, from, to time.Time) ([]domain.Bucket, error)
}

// BucketView is one bucket with its derived ratios
type BucketView struct {
	domain.Bucket
	CTR            float64 `json:"ctr"`
	ConversionRate float64 `json:"conversion_rate"`
}

// AggregateView is a point-in-time copy of the requested buckets. It is
// shared between callers and must be treated as read-only.
type AggregateView struct {
	Scope          domain.Scope  `json:"scope"`
	Dimension      string        `json:"dimension,omitempty"`
	From           time.Time     `json:"from"`
	To             time.Time     `json:"to"`
	Buckets        []BucketView  `json:"buckets"`
	Totals         domain.Counts `json:"totals"`
	CTR            float64       `json:"ctr"`
	ConversionRate float64       `json:"conversion_rate"`
	FromStore      bool          `json:"from_store"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a pull-based TTL cache over the aggregation engine. An entry
// is recomputed at most once per TTL; concurrent misses for the same key
// share one computation.
type Cache struct {
	source  Source
	rollups RollupReader
	ttl     time.Duration
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group
}

// New creates a cache. rollups may be nil when no durable store is configured.
func New(source Source, rollups RollupReader, ttl time.Duration, log *zap.Logger) *Cache {
	return &Cache{
		source:  source,
		rollups: rollups,
		ttl:     ttl,
		log:     log,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Snapshot returns the buckets of one scope and dimension in [from, to)
func (c *Cache) Snapshot(ctx context.Context, scope domain.Scope, dimension string, from, to time.Time) (AggregateView, error) {
	if !to.After(from) {
		return AggregateView{}, fmt.Errorf("invalid range: from %s is not before to %s", from, to)
	}
	key := fmt.Sprintf("snapshot|%s|%s|%d|%d", scope, dimension, from.Unix(), to.Unix())

	v, err := c.get(ctx, key, func(ctx context.Context) (interface{}, error) {
		return c.build(ctx, scope, dimension, from, to)
	})
	if err != nil {
		return AggregateView{}, err
	}
	view := v.(AggregateView)
	view.Buckets = slices.Clone(view.Buckets)
	return view, nil
}

// TopCampaigns returns the cached campaign ranking over [from, to)
func (c *Cache) TopCampaigns(ctx context.Context, from, to time.Time, limit int) ([]aggregate.CampaignTotals, error) {
	key := fmt.Sprintf("top|%d|%d|%d", from.Unix(), to.Unix(), limit)

	v, err := c.get(ctx, key, func(context.Context) (interface{}, error) {
		return c.source.TopCampaigns(from, to, limit), nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]aggregate.CampaignTotals)), nil
}

// Invalidate drops every cached entry
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *Cache) get(ctx context.Context, key string, compute func(context.Context) (interface{}, error)) (interface{}, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
			c.mu.Unlock()
			return e.value, nil
		}
		c.mu.Unlock()

		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, value)
		return value, nil
	})
	return v, err
}

func (c *Cache) store(key string, value interface{}) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= maxEntries {
		for k, e := range c.entries {
			if !now.Before(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	if len(c.entries) >= maxEntries {
		return
	}
	c.entries[key] = entry{value: value, expiresAt: now.Add(c.ttl)}
}

func (c *Cache) build(ctx context.Context, scope domain.Scope, dimension string, from, to time.Time) (AggregateView, error) {
	view := AggregateView{
		Scope:       scope,
		Dimension:   dimension,
		From:        from,
		To:          to,
		Totals:      domain.Counts{Revenue: decimal.Zero},
		GeneratedAt: c.now(),
	}

	// The in-memory half is read first. A bucket retired after this read
	// is already in it, and one retired before it is either still in it
	// or written, so it lies below the watermark read next.
	buckets := c.source.Snapshot(scope, dimension, from, to)
	watermark := c.source.Watermark()
	if c.rollups != nil && from.Before(watermark) {
		durable, err := c.rollups.Rollups(ctx, scope, dimension, from, minTime(to, watermark))
		if err != nil {
			return AggregateView{}, fmt.Errorf("failed to read rollups: %w", err)
		}
		live := make(map[int64]struct{}, len(buckets))
		for _, b := range buckets {
			live[b.Start.Unix()] = struct{}{}
		}
		for _, b := range durable {
			if _, ok := live[b.Start.Unix()]; ok || !b.Start.Before(watermark) {
				continue
			}
			buckets = append(buckets, b)
			view.FromStore = true
		}
		slices.SortFunc(buckets, func(a, b domain.Bucket) int { return a.Start.Compare(b.Start) })
	}

	view.Buckets = make([]BucketView, 0, len(buckets))
	for _, b := range buckets {
		view.Totals.Merge(b.Counts)
		view.Buckets = append(view.Buckets, BucketView{
			Bucket:         b,
			CTR:            b.CTR(),
			ConversionRate: b.ConversionRate(),
		})
	}
	view.CTR = view.Totals.CTR()
	view.ConversionRate = view.Totals.ConversionRate()
	return view, nil
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
