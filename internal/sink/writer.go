package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/batch"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository"
)

const settleTimeout = 10 * time.Second

// Archiver receives the events of every durably written batch. Enqueue must not block.
type Archiver interface {
	Enqueue(events []*domain.Event)
}

// Config holds the writer settings
type Config struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	Concurrency     int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Writer drains sealed batches into the durable store
type Writer struct {
	store       repository.EventStore
	breaker     *gobreaker.CircuitBreaker[int]
	backoff     Backoff
	maxAttempts int
	concurrency int
	spill       *Spill
	archiver    Archiver
	metrics     *metrics.Pipeline
	log         *zap.Logger
}

// NewWriter creates a sink writer. archiver may be nil.
func NewWriter(cfg Config, store repository.EventStore, spill *Spill, archiver Archiver, m *metrics.Pipeline, log *zap.Logger) (*Writer, error) {
	if store == nil || spill == nil {
		return nil, errors.New("sink writer needs a store and a spill log")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	w := &Writer{
		store:       store,
		backoff:     NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		maxAttempts: cfg.MaxAttempts,
		concurrency: cfg.Concurrency,
		spill:       spill,
		archiver:    archiver,
		metrics:     m,
		log:         log,
	}

	w.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "durable-store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return w, nil
}

// BreakerState reports the circuit breaker state
func (w *Writer) BreakerState() string {
	return w.breaker.State().String()
}

// Write makes a single attempt to store the batch
func (w *Writer) Write(ctx context.Context, b *batch.Batch) Outcome {
	if err := ctx.Err(); err != nil {
		return Retry("write interrupted: " + err.Error())
	}

	start := time.Now()
	n, err := w.breaker.Execute(func() (int, error) {
		return w.store.UpsertBatch(ctx, b.Events)
	})
	w.metrics.ObserveWrite(time.Since(start))

	if err == nil && n < b.Len() {
		return Retry(fmt.Sprintf("partial write: %d of %d events stored", n, b.Len()))
	}
	return Classify(err)
}

// Deliver writes the batch with retries and settles it. Batches that
// exhaust their attempts are spilled; fatal batches are quarantined.
// The in-flight slot is released on every path.
func (w *Writer) Deliver(ctx context.Context, b *batch.Batch) Outcome {
	if b == nil {
		return Fatal("nil batch")
	}
	defer b.Release()

	out := w.attempt(ctx, b)
	switch out.Kind {
	case KindAck:
		w.metrics.Inc(metrics.BatchesWritten)
		if w.archiver != nil {
			w.archiver.Enqueue(b.Events)
		}
		w.settle(ctx, b, true)
	case KindFatal:
		w.quarantine(ctx, b, out.Reason)
	default:
		w.spillBatch(ctx, b, out.Reason)
	}
	return out
}

func (w *Writer) attempt(ctx context.Context, b *batch.Batch) Outcome {
	if err := validateBatch(b); err != nil {
		return Fatal(err.Error())
	}

	policy := w.backoff.Policy(ctx)
	var out Outcome
	for attempt := 1; ; attempt++ {
		out = w.Write(ctx, b)
		if out.Kind != KindRetry || attempt >= w.maxAttempts {
			return out
		}

		w.metrics.Inc(metrics.BatchRetries)
		w.log.Debug("Retrying batch write",
			zap.String("batch_id", b.ID.String()),
			zap.Int("attempt", attempt),
			zap.String("reason", out.Reason))

		if err := wait(ctx, policy); err != nil {
			return Retry("write interrupted: " + err.Error())
		}
	}
}

func (w *Writer) quarantine(ctx context.Context, b *batch.Batch, reason string) {
	w.metrics.Inc(metrics.QuarantinedBatches)
	w.log.Error("Quarantining batch",
		zap.String("batch_id", b.ID.String()),
		zap.Int("events", b.Len()),
		zap.String("reason", reason))

	if err := w.spill.Quarantine(context.WithoutCancel(ctx), b, reason); err != nil {
		w.log.Error("Failed to quarantine batch, leaving source messages unacknowledged",
			zap.String("batch_id", b.ID.String()),
			zap.Error(err))
		w.settle(ctx, b, false)
		return
	}
	w.settle(ctx, b, true)
}

func (w *Writer) spillBatch(ctx context.Context, b *batch.Batch, reason string) {
	if err := w.spill.Put(context.WithoutCancel(ctx), b, reason); err != nil {
		w.log.Error("Failed to spill batch, leaving source messages unacknowledged",
			zap.String("batch_id", b.ID.String()),
			zap.Int("events", b.Len()),
			zap.Error(err))
		w.settle(ctx, b, false)
		return
	}

	w.metrics.Inc(metrics.BatchesSpilled)
	w.log.Warn("Spilled batch to local log",
		zap.String("batch_id", b.ID.String()),
		zap.Int("events", b.Len()),
		zap.String("reason", reason))
	w.settle(ctx, b, true)
}

// settle outlives ctx so shutdown can still acknowledge what it spilled
func (w *Writer) settle(ctx context.Context, b *batch.Batch, success bool) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := b.Settle(sctx, success); err != nil {
		w.log.Warn("Failed to settle source messages",
			zap.String("batch_id", b.ID.String()),
			zap.Bool("ack", success),
			zap.Error(err))
	}
}

// Run delivers batches from in with the configured concurrency until in
// is closed. Cancelling ctx does not stop the loop; it makes the remaining
// deliveries fail fast so their batches are spilled.
func (w *Writer) Run(ctx context.Context, in <-chan *batch.Batch) error {
	var g errgroup.Group
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for b := range in {
				w.Deliver(ctx, b)
			}
			return nil
		})
	}
	return g.Wait()
}

// SpillAll spills batches that were sealed but never dispatched
func (w *Writer) SpillAll(ctx context.Context, batches []*batch.Batch) {
	for _, b := range batches {
		w.spillBatch(ctx, b, "shutdown before dispatch")
		b.Release()
	}
}

func validateBatch(b *batch.Batch) error {
	if b.Len() == 0 {
		return errors.New("empty batch")
	}
	for i, ev := range b.Events {
		switch {
		case ev == nil:
			return fmt.Errorf("event %d is nil", i)
		case ev.EventID == "":
			return fmt.Errorf("event %d has no event_id", i)
		case !ev.EventType.IsValid():
			return fmt.Errorf("event %s has invalid event_type %q", ev.EventID, ev.EventType)
		}
	}
	return nil
}
