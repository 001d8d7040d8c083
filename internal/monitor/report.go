// Package monitor gathers a point-in-time view of the pipeline for the
// stats endpoint and the periodic log reporter.
package monitor

import (
	"time"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/dedup"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
)

type dedupStats interface {
	Stats() dedup.Stats
}

type spillCounter interface {
	Counts() (spilled, quarantined int, err error)
}

type breakerState interface {
	BreakerState() string
}

type bucketCounter interface {
	Len() int
	Watermark() time.Time
}

type inFlightCounter interface {
	InFlight() int
}

// Sources are the components a report reads. Any of them may be nil.
type Sources struct {
	Metrics *metrics.Pipeline
	Dedup   dedupStats
	Spill   spillCounter
	Breaker breakerState
	Buckets bucketCounter
	Batches inFlightCounter
}

// Report is a snapshot of pipeline health
type Report struct {
	Counters           map[string]int64 `json:"counters"`
	Dedup              *dedup.Stats     `json:"dedup,omitempty"`
	SpilledBatches     int              `json:"spilled_batches"`
	QuarantinedPending int              `json:"quarantined_pending"`
	SpillError         string           `json:"spill_error,omitempty"`
	BreakerState       string           `json:"breaker_state,omitempty"`
	LiveBuckets        int              `json:"live_buckets"`
	Watermark          *time.Time       `json:"watermark,omitempty"`
	InFlightBatches    int              `json:"in_flight_batches"`
	TakenAt            time.Time        `json:"taken_at"`
}

// Collect builds a report from the configured sources
func (s Sources) Collect() Report {
	r := Report{
		Counters: s.Metrics.Snapshot(),
		TakenAt:  time.Now().UTC(),
	}

	if s.Dedup != nil {
		stats := s.Dedup.Stats()
		r.Dedup = &stats
	}
	if s.Spill != nil {
		spilled, quarantined, err := s.Spill.Counts()
		if err != nil {
			r.SpillError = err.Error()
		}
		r.SpilledBatches = spilled
		r.QuarantinedPending = quarantined
	}
	if s.Breaker != nil {
		r.BreakerState = s.Breaker.BreakerState()
	}
	if s.Buckets != nil {
		r.LiveBuckets = s.Buckets.Len()
		wm := s.Buckets.Watermark().UTC()
		r.Watermark = &wm
	}
	if s.Batches != nil {
		r.InFlightBatches = s.Batches.InFlight()
	}
	return r
}
