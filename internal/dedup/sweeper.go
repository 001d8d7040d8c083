package dedup

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper expires dedup keys in the background so idle shards release
// memory without waiting for their next lookup
type Sweeper struct {
	filter   *Filter
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper creates a sweeper for f
func NewSweeper(f *Filter, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{filter: f, interval: interval, log: log}
}

// Serve sweeps on every tick until ctx is cancelled
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := s.filter.Sweep(s.filter.now()); removed > 0 {
				s.log.Debug("Expired dedup keys",
					zap.Int("removed", removed),
					zap.Int("live", s.filter.Len()))
			}
		}
	}
}

func (s *Sweeper) String() string {
	return "dedup-sweeper"
}
