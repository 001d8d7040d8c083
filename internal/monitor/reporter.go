package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
)

// Reporter logs a pipeline report on a fixed interval
type Reporter struct {
	sources  Sources
	interval time.Duration
	log      *zap.Logger
	last     map[string]int64
}

// NewReporter creates a reporter
func NewReporter(sources Sources, interval time.Duration, log *zap.Logger) *Reporter {
	return &Reporter{
		sources:  sources,
		interval: interval,
		log:      log,
	}
}

// Serve reports on every tick until ctx is cancelled
func (r *Reporter) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ReportOnce()
		}
	}
}

// ReportOnce logs one report. Counters are logged as totals and as the
// change since the previous report.
func (r *Reporter) ReportOnce() Report {
	rep := r.sources.Collect()

	fields := []zap.Field{
		zap.Int64("events_received", rep.Counters[metrics.EventsReceived]),
		zap.Int64("events_accepted", rep.Counters[metrics.EventsAccepted]),
		zap.Int64("accepted_delta", rep.Counters[metrics.EventsAccepted]-r.last[metrics.EventsAccepted]),
		zap.Int64("duplicates_dropped", rep.Counters[metrics.DuplicatesDropped]),
		zap.Int64("validation_errors", rep.Counters[metrics.ValidationErrors]),
		zap.Int64("events_shed", rep.Counters[metrics.EventsShed]),
		zap.Int64("batches_written", rep.Counters[metrics.BatchesWritten]),
		zap.Int64("batches_spilled", rep.Counters[metrics.BatchesSpilled]),
		zap.Int64("quarantined_batches", rep.Counters[metrics.QuarantinedBatches]),
		zap.Int("spill_pending", rep.SpilledBatches),
		zap.Int("in_flight_batches", rep.InFlightBatches),
		zap.Int("live_buckets", rep.LiveBuckets),
	}
	if rep.Dedup != nil {
		fields = append(fields,
			zap.Int("dedup_live_keys", rep.Dedup.Live),
			zap.Int64("dedup_evictions", rep.Dedup.Evictions))
	}
	if rep.BreakerState != "" {
		fields = append(fields, zap.String("breaker_state", rep.BreakerState))
	}
	if rep.SpillError != "" {
		fields = append(fields, zap.String("spill_error", rep.SpillError))
	}

	r.log.Info("Pipeline report", fields...)
	r.last = rep.Counters
	return rep
}

func (r *Reporter) String() string {
	return "pipeline-reporter"
}
