package consumer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/batch"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/dedup"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/logger"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue"
)

// worker runs parse, dedup, offer and aggregate for one message at a time.
// Workers share the filter, accumulator and engine.
type worker struct {
	parser     MessageParser
	dedup      Deduplicator
	batcher    Batcher
	aggregator Aggregator
	metrics    *metrics.Pipeline
	warn       *logger.Throttled
	log        *zap.Logger
}

// handle processes one message. Dropped messages (invalid, duplicate,
// shed) are acknowledged; accepted ones are acknowledged by the sink once
// their batch settles. Only errors that must stop the pipeline are returned.
func (w *worker) handle(ctx context.Context, msg *queue.Message) error {
	w.metrics.Inc(metrics.EventsReceived)

	event, err := w.parser.Parse(msg.Body, msg.ReceivedAt)
	if err != nil {
		w.metrics.Inc(metrics.ValidationErrors)
		w.warn.Warn("Dropping invalid event",
			zap.String("message_id", msg.ID),
			zap.String("partition", msg.Partition),
			zap.Error(err))
		w.ack(ctx, msg)
		return nil
	}

	res, err := w.dedup.CheckAndMark(ctx, event.EventID)
	if err != nil {
		if errors.Is(err, dedup.ErrCapacityExceeded) {
			w.nack(ctx, msg)
			return fmt.Errorf("dedup filter full: %w", err)
		}
		w.log.Warn("Dedup check failed, returning message to source",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		w.nack(ctx, msg)
		return nil
	}
	if res == dedup.Duplicate {
		w.metrics.Inc(metrics.DuplicatesDropped)
		w.ack(ctx, msg)
		return nil
	}

	if err := w.batcher.Offer(ctx, event, msg); err != nil {
		if errors.Is(err, batch.ErrCapacityExceeded) {
			w.metrics.Inc(metrics.EventsShed)
			w.warn.Warn("Shedding event, all batches in flight", zap.String("event_id", event.EventID))
			w.ack(ctx, msg)
			return nil
		}
		if ferr := w.dedup.Forget(context.WithoutCancel(ctx), event.EventID); ferr != nil {
			w.log.Warn("Failed to release dedup mark", zap.String("event_id", event.EventID), zap.Error(ferr))
		}
		w.nack(ctx, msg)
		return nil
	}

	w.aggregator.Apply(event)
	w.metrics.Inc(metrics.EventsAccepted)
	if !event.Timestamp.IsZero() {
		w.metrics.ObserveLag(msg.ReceivedAt.Sub(event.Timestamp))
	}
	return nil
}

func (w *worker) ack(ctx context.Context, msg *queue.Message) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := msg.Ack(sctx); err != nil {
		w.log.Warn("Failed to acknowledge message", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (w *worker) nack(ctx context.Context, msg *queue.Message) {
	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := msg.Nack(sctx); err != nil {
		w.log.Warn("Failed to return message to source", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// settleContext outlives a cancelled ctx so shutdown can still settle messages
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
