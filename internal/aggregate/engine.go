package aggregate

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
)

// Config configures the engine
type Config struct {
	BucketWidth time.Duration
	Retention   time.Duration
	Skew        time.Duration
	Shards      int
}

type key struct {
	scope     domain.Scope
	dimension string
	start     int64
}

// bucket holds one key's totals under its own lock. A retired bucket is
// no longer reachable from its shard and must not be written.
type bucket struct {
	mu      sync.Mutex
	counts  domain.Counts
	retired bool
}

type shard struct {
	mu      sync.RWMutex
	buckets map[key]*bucket
}

// Engine maintains time-bucketed totals for the global, campaign and
// device scopes. Buckets are spread over independently locked shards and
// each bucket has its own lock, so writers to different keys never
// contend beyond a shard read lock.
type Engine struct {
	shards    []*shard
	width     int64
	retention int64
	skew      time.Duration
	watermark atomic.Int64
	now       func() time.Time
}

// CampaignTotals ranks a campaign over a time range
type CampaignTotals struct {
	CampaignID string `json:"campaign_id"`
	domain.Counts
}

// NewEngine creates an engine whose watermark starts one retention
// horizon before now
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.BucketWidth < time.Second {
		return nil, fmt.Errorf("bucket width must be at least 1s, got %s", cfg.BucketWidth)
	}
	if cfg.Retention < cfg.BucketWidth {
		return nil, fmt.Errorf("retention %s is shorter than bucket width %s", cfg.Retention, cfg.BucketWidth)
	}
	n := cfg.Shards
	if n < 1 {
		n = 16
	}

	e := &Engine{
		shards:    make([]*shard, n),
		width:     int64(cfg.BucketWidth / time.Second),
		retention: int64(cfg.Retention / time.Second),
		skew:      cfg.Skew,
		now:       time.Now,
	}
	for i := range e.shards {
		e.shards[i] = &shard{buckets: make(map[key]*bucket)}
	}
	e.watermark.Store(e.floor(e.now().Unix() - e.retention))
	return e, nil
}

// Apply adds one accepted event to its global, campaign and device buckets
func (e *Engine) Apply(ev *domain.Event) {
	device := ev.DeviceClass
	if device == "" {
		device = domain.DeviceClassUnknown
	}
	start := e.floor(ev.EventTime(e.skew).Unix())

	e.add(domain.ScopeGlobal, "", start, ev)
	e.add(domain.ScopeCampaign, ev.CampaignID, start, ev)
	e.add(domain.ScopeDevice, device, start, ev)
}

func (e *Engine) add(scope domain.Scope, dimension string, start int64, ev *domain.Event) {
	for {
		// events older than the live window land in the oldest live bucket
		k := key{scope: scope, dimension: dimension, start: max(start, e.watermark.Load())}
		b := e.getOrCreate(k)
		if b == nil {
			continue
		}

		b.mu.Lock()
		if b.retired {
			b.mu.Unlock()
			continue
		}
		b.counts.Record(ev)
		b.mu.Unlock()
		return
	}
}

func (e *Engine) getOrCreate(k key) *bucket {
	s := e.shardFor(k)

	s.mu.RLock()
	b, ok := s.buckets[k]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[k]; ok {
		return b
	}
	// a sweep moved the watermark past k after it was resolved
	if k.start < e.watermark.Load() {
		return nil
	}
	b = &bucket{counts: domain.Counts{Revenue: decimal.Zero}}
	s.buckets[k] = b
	return b
}

func (e *Engine) lookup(k key) (domain.Counts, bool) {
	s := e.shardFor(k)

	s.mu.RLock()
	b, ok := s.buckets[k]
	s.mu.RUnlock()
	if !ok {
		return domain.Counts{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return domain.Counts{}, false
	}
	return b.counts, true
}

// Snapshot copies the live buckets of one scope and dimension whose
// start lies in [from, to). Each bucket is read under its lock, so its
// four fields are always mutually consistent.
func (e *Engine) Snapshot(scope domain.Scope, dimension string, from, to time.Time) []domain.Bucket {
	lo := max(e.floor(from.Unix()), e.watermark.Load())
	hi := min(to.Unix(), e.now().Add(e.skew).Unix()+e.width)

	var out []domain.Bucket
	for start := lo; start < hi; start += e.width {
		counts, ok := e.lookup(key{scope: scope, dimension: dimension, start: start})
		if !ok {
			continue
		}
		out = append(out, e.view(scope, dimension, start, counts))
	}
	return out
}

// Totals sums Snapshot over the range
func (e *Engine) Totals(scope domain.Scope, dimension string, from, to time.Time) domain.Counts {
	total := domain.Counts{Revenue: decimal.Zero}
	for _, b := range e.Snapshot(scope, dimension, from, to) {
		total.Merge(b.Counts)
	}
	return total
}

// TopCampaigns ranks campaigns in [from, to) by revenue, then impressions
func (e *Engine) TopCampaigns(from, to time.Time, limit int) []CampaignTotals {
	lo := max(e.floor(from.Unix()), e.watermark.Load())
	hi := to.Unix()

	totals := make(map[string]*domain.Counts)
	for _, s := range e.shards {
		s.mu.RLock()
		for k, b := range s.buckets {
			if k.scope != domain.ScopeCampaign || k.start < lo || k.start >= hi {
				continue
			}
			b.mu.Lock()
			if !b.retired {
				c, ok := totals[k.dimension]
				if !ok {
					c = &domain.Counts{Revenue: decimal.Zero}
					totals[k.dimension] = c
				}
				c.Merge(b.counts)
			}
			b.mu.Unlock()
		}
		s.mu.RUnlock()
	}

	ranked := make([]CampaignTotals, 0, len(totals))
	for id, c := range totals {
		ranked = append(ranked, CampaignTotals{CampaignID: id, Counts: *c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if cmp := ranked[i].Revenue.Cmp(ranked[j].Revenue); cmp != 0 {
			return cmp > 0
		}
		if ranked[i].Impressions != ranked[j].Impressions {
			return ranked[i].Impressions > ranked[j].Impressions
		}
		return ranked[i].CampaignID < ranked[j].CampaignID
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// Sweep retires every bucket that ended before now minus the retention
// horizon and returns their final totals. The watermark moves first so
// concurrent Apply calls re-resolve into live buckets.
func (e *Engine) Sweep(now time.Time) []domain.Bucket {
	wm := e.floor(now.Unix() - e.retention)
	for {
		cur := e.watermark.Load()
		if wm <= cur || e.watermark.CompareAndSwap(cur, wm) {
			break
		}
	}
	wm = e.watermark.Load()

	var retired []domain.Bucket
	for _, s := range e.shards {
		s.mu.Lock()
		for k, b := range s.buckets {
			if k.start >= wm {
				continue
			}
			b.mu.Lock()
			b.retired = true
			counts := b.counts
			b.mu.Unlock()

			delete(s.buckets, k)
			retired = append(retired, e.view(k.scope, k.dimension, k.start, counts))
		}
		s.mu.Unlock()
	}
	return retired
}

// Watermark returns the start of the oldest bucket still held in memory
func (e *Engine) Watermark() time.Time {
	return time.Unix(e.watermark.Load(), 0).UTC()
}

// Width returns the bucket width
func (e *Engine) Width() time.Duration {
	return time.Duration(e.width) * time.Second
}

// Len returns the number of live buckets
func (e *Engine) Len() int {
	n := 0
	for _, s := range e.shards {
		s.mu.RLock()
		n += len(s.buckets)
		s.mu.RUnlock()
	}
	return n
}

func (e *Engine) view(scope domain.Scope, dimension string, start int64, counts domain.Counts) domain.Bucket {
	return domain.Bucket{
		Scope:     scope,
		Dimension: dimension,
		Start:     time.Unix(start, 0).UTC(),
		End:       time.Unix(start+e.width, 0).UTC(),
		Counts:    counts,
	}
}

func (e *Engine) floor(sec int64) int64 {
	r := sec % e.width
	if r < 0 {
		r += e.width
	}
	return sec - r
}

func (e *Engine) shardFor(k key) *shard {
	h := xxhash.Sum64String(k.dimension) ^ uint64(k.start)*0x9E3779B97F4A7C15 ^ uint64(len(k.scope))
	return e.shards[h%uint64(len(e.shards))]
}
