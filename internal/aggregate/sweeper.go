package aggregate

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
)

// RollupWriter persists retired bucket totals
type RollupWriter interface {
	WriteRollups(ctx context.Context, buckets []domain.Bucket) error
}

type rollupBatch struct {
	id      uint64
	buckets []domain.Bucket
}

// Sweeper periodically retires old buckets and hands their totals to
// the rollup writer. The flush happens on its own goroutine behind a
// bounded queue so a slow store never delays a sweep. Retired buckets
// stay readable through Snapshot until their write has finished.
type Sweeper struct {
	engine       *Engine
	writer       RollupWriter
	interval     time.Duration
	writeTimeout time.Duration
	queue        chan rollupBatch
	metrics      *metrics.Pipeline
	log          *zap.Logger

	mu      sync.RWMutex
	pending map[uint64][]domain.Bucket
	seq     uint64
}

// NewSweeper creates a sweeper. A nil writer discards retired totals.
func NewSweeper(engine *Engine, writer RollupWriter, interval time.Duration, m *metrics.Pipeline, log *zap.Logger) *Sweeper {
	return &Sweeper{
		engine:       engine,
		writer:       writer,
		interval:     interval,
		writeTimeout: 30 * time.Second,
		queue:        make(chan rollupBatch, 16),
		metrics:      m,
		log:          log,
		pending:      make(map[uint64][]domain.Bucket),
	}
}

// Serve runs the sweep loop until ctx is cancelled
func (s *Sweeper) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		s.flushLoop(stop)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Bucket sweeper shutting down")
			close(stop)
			<-flushDone
			return ctx.Err()
		case now := <-ticker.C:
			s.SweepOnce(now)
		}
	}
}

// SweepOnce retires expired buckets and queues them for the rollup writer
func (s *Sweeper) SweepOnce(now time.Time) int {
	s.mu.Lock()
	retired := s.engine.Sweep(now)
	var id uint64
	if len(retired) > 0 && s.writer != nil {
		s.seq++
		id = s.seq
		s.pending[id] = retired
	}
	s.mu.Unlock()

	if len(retired) == 0 {
		return 0
	}

	s.log.Debug("Retired aggregate buckets",
		zap.Int("bucket_count", len(retired)),
		zap.Time("watermark", s.engine.Watermark()))

	if s.writer == nil {
		return len(retired)
	}

	select {
	case s.queue <- rollupBatch{id: id, buckets: retired}:
	default:
		s.release(id)
		s.metrics.Add(metrics.RollupsDropped, int64(len(retired)))
		s.log.Warn("Rollup queue full, dropping retired buckets", zap.Int("bucket_count", len(retired)))
	}
	return len(retired)
}

// Snapshot returns the live buckets of one scope and dimension in
// [from, to) plus the retired ones whose rollup write has not finished
func (s *Sweeper) Snapshot(scope domain.Scope, dimension string, from, to time.Time) []domain.Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Bucket
	for _, batch := range s.pending {
		for _, b := range batch {
			if b.Scope == scope && b.Dimension == dimension && !b.Start.Before(from) && b.Start.Before(to) {
				out = append(out, b)
			}
		}
	}
	if len(out) == 0 {
		return s.engine.Snapshot(scope, dimension, from, to)
	}

	out = append(out, s.engine.Snapshot(scope, dimension, from, to)...)
	slices.SortFunc(out, func(a, b domain.Bucket) int { return a.Start.Compare(b.Start) })
	return out
}

// TopCampaigns ranks the live campaign buckets
func (s *Sweeper) TopCampaigns(from, to time.Time, limit int) []CampaignTotals {
	return s.engine.TopCampaigns(from, to, limit)
}

// Watermark returns the engine watermark
func (s *Sweeper) Watermark() time.Time {
	return s.engine.Watermark()
}

// Pending returns the number of retired buckets awaiting their write
func (s *Sweeper) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, batch := range s.pending {
		n += len(batch)
	}
	return n
}

func (s *Sweeper) release(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// flushLoop writes queued rollups until stop, then drains what is left
func (s *Sweeper) flushLoop(stop <-chan struct{}) {
	for {
		select {
		case batch := <-s.queue:
			s.flush(batch)
		case <-stop:
			for {
				select {
				case batch := <-s.queue:
					s.flush(batch)
				default:
					return
				}
			}
		}
	}
}

func (s *Sweeper) flush(batch rollupBatch) {
	defer s.release(batch.id)

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := s.writer.WriteRollups(ctx, batch.buckets); err != nil {
		s.metrics.Add(metrics.RollupsDropped, int64(len(batch.buckets)))
		s.log.Warn("Failed to write rollups", zap.Int("bucket_count", len(batch.buckets)), zap.Error(err))
	}
}

func (s *Sweeper) String() string {
	return "aggregate-sweeper"
}
