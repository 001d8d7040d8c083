package consumer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/batch"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/logger"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue"
)

const settleTimeout = 5 * time.Second

// Config holds the ingestion settings
type Config struct {
	Workers       int
	BufferSize    int
	ShutdownGrace time.Duration
}

// BatchSink drains sealed batches. Run returns once the channel is closed.
type BatchSink interface {
	Run(ctx context.Context, in <-chan *batch.Batch) error
	SpillAll(ctx context.Context, batches []*batch.Batch)
}

// Consumer orchestrates the ingestion pipeline: a source feeding a pool of
// workers, an accumulator sealing batches, and the sink draining them
type Consumer struct {
	cfg    Config
	source queue.Source
	acc    *batch.Accumulator
	sink   BatchSink
	worker *worker
	log    *zap.Logger
}

// NewConsumer creates a new consumer
func NewConsumer(
	cfg Config,
	source queue.Source,
	parser MessageParser,
	dedup Deduplicator,
	acc *batch.Accumulator,
	aggregator Aggregator,
	sink BatchSink,
	m *metrics.Pipeline,
	log *zap.Logger,
) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}

	return &Consumer{
		cfg:    cfg,
		source: source,
		acc:    acc,
		sink:   sink,
		worker: &worker{
			parser:     parser,
			dedup:      dedup,
			batcher:    acc,
			aggregator: aggregator,
			metrics:    m,
			warn:       logger.NewThrottled(log, time.Second, 10),
			log:        log,
		},
		log: log,
	}
}

// Serve runs the pipeline until ctx is cancelled or a stage fails, then
// shuts down in order: stop intake, seal the open batch, let the sink
// drain for the grace period, and spill whatever is left. A consumer
// serves once.
func (c *Consumer) Serve(ctx context.Context) error {
	sinkCtx, cancelSink := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSink()
	sinkDone := make(chan error, 1)
	go func() {
		sinkDone <- c.sink.Run(sinkCtx, c.acc.Batches())
	}()

	c.log.Info("Consumer started", zap.Int("workers", c.cfg.Workers))
	messages := make(chan *queue.Message, c.cfg.BufferSize)
	runErr := c.intake(ctx, messages)

	c.log.Info("Consumer shutting down", zap.Duration("grace", c.cfg.ShutdownGrace))

	returned := 0
	for msg := range messages {
		c.worker.nack(ctx, msg)
		returned++
	}
	if returned > 0 {
		c.log.Info("Returned unprocessed messages to source", zap.Int("message_count", returned))
	}

	graceCtx, cancelGrace := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownGrace)
	defer cancelGrace()

	leftover := c.acc.Close(graceCtx)

	select {
	case err := <-sinkDone:
		if err != nil {
			runErr = multierr.Append(runErr, err)
		}
	case <-graceCtx.Done():
		c.log.Warn("Shutdown grace period elapsed, spilling remaining batches")
		cancelSink()
		if err := <-sinkDone; err != nil {
			runErr = multierr.Append(runErr, err)
		}
	}

	if len(leftover) > 0 {
		c.sink.SpillAll(ctx, leftover)
	}

	c.log.Info("Consumer stopped")
	return runErr
}

// intake runs the source and the workers until ctx ends or one of them
// fails. messages is closed on return.
func (c *Consumer) intake(ctx context.Context, messages chan *queue.Message) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(messages)
		return c.source.Start(gctx, messages)
	})

	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case msg, ok := <-messages:
					if !ok {
						return nil
					}
					if err := c.worker.handle(gctx, msg); err != nil {
						return err
					}
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}
