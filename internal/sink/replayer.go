package sink

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/batch"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
)

const replayPageSize = 64

// SpillReplayer re-drives spilled batches through the writer. One write
// attempt is made per entry per pass; the pass interval is the backoff.
type SpillReplayer struct {
	writer   *Writer
	interval time.Duration
}

// NewSpillReplayer creates a replayer for the writer's spill log
func NewSpillReplayer(w *Writer, interval time.Duration) *SpillReplayer {
	return &SpillReplayer{writer: w, interval: interval}
}

// Serve replays on every tick until ctx is cancelled
func (r *SpillReplayer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReplayOnce(ctx); err != nil && ctx.Err() == nil {
				r.writer.log.Warn("Spill replay pass failed", zap.Error(err))
			}
		}
	}
}

// ReplayOnce makes one pass over the spill log and returns the number of
// batches written. The pass stops at the first transient failure.
func (r *SpillReplayer) ReplayOnce(ctx context.Context) (int, error) {
	w := r.writer
	entries, err := w.spill.Pending(ctx, replayPageSize)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, e := range entries {
		b := batch.New(e.BatchID, e.Events, batch.ReasonReplay)

		var out Outcome
		if err := validateBatch(b); err != nil {
			out = Fatal(err.Error())
		} else {
			out = w.Write(ctx, b)
		}

		switch out.Kind {
		case KindAck:
			if err := w.spill.Remove(ctx, e.BatchID); err != nil {
				return replayed, err
			}
			replayed++
			w.metrics.Inc(metrics.BatchesReplayed)
			w.metrics.Inc(metrics.BatchesWritten)
			if w.archiver != nil {
				w.archiver.Enqueue(b.Events)
			}
		case KindFatal:
			w.metrics.Inc(metrics.QuarantinedBatches)
			w.log.Error("Quarantining spilled batch",
				zap.String("batch_id", e.BatchID.String()),
				zap.Int("attempts", e.Attempts),
				zap.String("reason", out.Reason))
			if err := w.spill.MoveToQuarantine(ctx, e.BatchID, out.Reason); err != nil {
				return replayed, err
			}
		default:
			if err := w.spill.RecordAttempt(ctx, e.BatchID, out.Reason); err != nil {
				return replayed, err
			}
			w.log.Debug("Spilled batch still failing",
				zap.String("batch_id", e.BatchID.String()),
				zap.Int("attempts", e.Attempts+1),
				zap.String("reason", out.Reason))
			return replayed, nil
		}
	}

	if replayed > 0 {
		w.log.Info("Replayed spilled batches", zap.Int("batch_count", replayed))
	}
	return replayed, nil
}

func (r *SpillReplayer) String() string {
	return "spill-replayer"
}
