package dedup

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
)

// Result is the outcome of a dedup check
type Result int

const (
	Unique Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "unique"
}

// Policy selects what happens when a shard reaches its capacity share
type Policy string

const (
	// PolicyEvict drops the oldest key to make room
	PolicyEvict Policy = "evict"
	// PolicyReject refuses new keys with ErrCapacityExceeded
	PolicyReject Policy = "reject"
)

var (
	// ErrCapacityExceeded is returned under PolicyReject when no live key can be evicted
	ErrCapacityExceeded = errors.New("dedup capacity exceeded")
	// ErrEmptyKey is returned for an empty dedup key
	ErrEmptyKey = errors.New("dedup key is empty")
)

// Config configures the filter
type Config struct {
	Retention         time.Duration
	Capacity          int
	Shards            int
	FalsePositiveRate float64
	Policy            Policy
}

// Stats is a point-in-time view of filter activity
type Stats struct {
	BloomNegatives int64 `json:"bloom_negatives"`
	Lookups        int64 `json:"authoritative_lookups"`
	Duplicates     int64 `json:"duplicates"`
	Evictions      int64 `json:"evictions"`
	Expired        int64 `json:"expired"`
	Live           int   `json:"live"`
}

// Filter is a sharded, bounded dedup filter. Each shard keeps an exact
// map of key to first-seen second, the insertion order for eviction,
// and two Bloom generations that only short-circuit clear misses.
// A key is reported Duplicate only after the exact map confirms it.
type Filter struct {
	shards    []*shard
	shift     uint
	retention int64
	policy    Policy
	now       func() time.Time

	bloomNegatives atomic.Int64
	lookups        atomic.Int64
	duplicates     atomic.Int64
	evictions      atomic.Int64
	expired        atomic.Int64
}

type entry struct {
	key  string
	seen int64
}

type shard struct {
	mu        sync.Mutex
	entries   map[string]int64
	order     []entry
	head      int
	capacity  int
	current   *bloom.BloomFilter
	previous  *bloom.BloomFilter
	rotatedAt int64
}

// New creates a filter. Shards are rounded up to a power of two and the
// capacity is split evenly between them.
func New(cfg Config) (*Filter, error) {
	if cfg.Retention < time.Second {
		return nil, fmt.Errorf("dedup retention must be at least 1s, got %s", cfg.Retention)
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("dedup capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyEvict
	}
	if cfg.Policy != PolicyEvict && cfg.Policy != PolicyReject {
		return nil, fmt.Errorf("unknown dedup policy %q", cfg.Policy)
	}

	n := cfg.Shards
	if n < 1 {
		n = 1
	}
	if n > cfg.Capacity {
		n = cfg.Capacity
	}
	n = 1 << bits.Len(uint(n-1))
	perShard := (cfg.Capacity + n - 1) / n
	fp := cfg.FalsePositiveRate
	if fp <= 0 || fp >= 1 {
		fp = 0.01
	}

	f := &Filter{
		shards:    make([]*shard, n),
		shift:     uint(64 - bits.Len(uint(n-1))),
		retention: int64(cfg.Retention / time.Second),
		policy:    cfg.Policy,
		now:       time.Now,
	}
	for i := range f.shards {
		f.shards[i] = &shard{
			entries:  make(map[string]int64, perShard),
			capacity: perShard,
			current:  bloom.NewWithEstimates(uint(perShard), fp),
			previous: bloom.NewWithEstimates(uint(perShard), fp),
		}
	}
	return f, nil
}

// CheckAndMark reports whether the key was seen within the retention
// horizon and marks it as seen. For any key at most one caller observes
// Unique until the key expires.
func (f *Filter) CheckAndMark(key string) (Result, error) {
	if key == "" {
		return Unique, ErrEmptyKey
	}

	h := xxhash.Sum64String(key)
	s := f.shardFor(h)
	now := f.now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	f.maintain(s, now)

	if !s.current.TestString(key) && !s.previous.TestString(key) {
		f.bloomNegatives.Add(1)
		return Unique, f.insert(s, key, now)
	}

	f.lookups.Add(1)
	if seen, ok := s.entries[key]; ok && now-seen < f.retention {
		f.duplicates.Add(1)
		return Duplicate, nil
	}

	return Unique, f.insert(s, key, now)
}

// Contains reports whether the key is live without marking it
func (f *Filter) Contains(key string) bool {
	h := xxhash.Sum64String(key)
	s := f.shardFor(h)
	now := f.now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.entries[key]
	return ok && now-seen < f.retention
}

// Forget removes a live key. Its stale insertion-order entry is skipped
// when it reaches the head.
func (f *Filter) Forget(key string) {
	s := f.shardFor(xxhash.Sum64String(key))
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Sweep expires keys older than the retention horizon in every shard
// and returns how many were removed
func (f *Filter) Sweep(now time.Time) int {
	sec := now.Unix()
	removed := 0
	for _, s := range f.shards {
		s.mu.Lock()
		before := len(s.entries)
		f.maintain(s, sec)
		removed += before - len(s.entries)
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of keys currently held
func (f *Filter) Len() int {
	total := 0
	for _, s := range f.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Stats returns the filter counters
func (f *Filter) Stats() Stats {
	return Stats{
		BloomNegatives: f.bloomNegatives.Load(),
		Lookups:        f.lookups.Load(),
		Duplicates:     f.duplicates.Load(),
		Evictions:      f.evictions.Load(),
		Expired:        f.expired.Load(),
		Live:           f.Len(),
	}
}

func (f *Filter) shardFor(h uint64) *shard {
	if len(f.shards) == 1 {
		return f.shards[0]
	}
	return f.shards[h>>f.shift]
}

// maintain rotates the Bloom generations once per horizon and drops
// expired keys from the head of the insertion order. A key stays in the
// exact map for at most one horizon, so it is always covered by the
// current or the previous generation.
func (f *Filter) maintain(s *shard, now int64) {
	if s.rotatedAt == 0 {
		s.rotatedAt = now
	} else if now-s.rotatedAt >= f.retention {
		s.previous, s.current = s.current, s.previous
		s.current.ClearAll()
		s.rotatedAt = now
	}

	for s.head < len(s.order) {
		e := s.order[s.head]
		if now-e.seen < f.retention {
			break
		}
		if f.drop(s, e) {
			f.expired.Add(1)
		}
	}
	s.compact()
}

func (f *Filter) insert(s *shard, key string, now int64) error {
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.capacity {
		if f.policy == PolicyReject {
			return ErrCapacityExceeded
		}
		for s.head < len(s.order) {
			if f.drop(s, s.order[s.head]) {
				f.evictions.Add(1)
				break
			}
		}
	}

	s.entries[key] = now
	s.order = append(s.order, entry{key: key, seen: now})
	s.current.AddString(key)
	return nil
}

// drop pops the head of the order and deletes its key when the order
// entry is still the one the map points at
func (f *Filter) drop(s *shard, e entry) bool {
	s.order[s.head] = entry{}
	s.head++
	if seen, ok := s.entries[e.key]; ok && seen == e.seen {
		delete(s.entries, e.key)
		return true
	}
	return false
}

func (s *shard) compact() {
	if s.head == 0 || s.head < len(s.order)/2 {
		return
	}
	n := copy(s.order, s.order[s.head:])
	clear(s.order[n:])
	s.order = s.order[:n]
	s.head = 0
}
