package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/aggregate"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/api"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/archive"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/batch"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/config"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/consumer"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/dedup"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/logger"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/monitor"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue/kinesis"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue/sqs"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/querycache"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository/clickhouse"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository/memory"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/sink"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/supervisor"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log, err := logger.New(cfg.Service.Environment, cfg.Service.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		err := log.Sync()
		if err != nil {
			log.Error("Failed to sync logger", zap.Error(err))
		}
	}(log)

	log.Info("Starting consumer service",
		zap.String("environment", cfg.Service.Environment),
		zap.String("source", cfg.Consumer.Source),
		zap.String("store", cfg.Store.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Consumer stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPipeline(reg)

	// Initialize durable store
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close store", zap.Error(err))
		}
	}()

	if err := store.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Info("Database schema initialized")

	// Open the local spill log; it also holds stream checkpoints
	spill, err := sink.OpenSpill(cfg.Spill.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := spill.Close(); err != nil {
			log.Error("Failed to close spill log", zap.Error(err))
		}
	}()

	source, err := openSource(ctx, cfg, spill, log)
	if err != nil {
		return err
	}

	// Deduplication
	filter, err := dedup.New(dedup.Config{
		Retention:         cfg.Dedup.Retention,
		Capacity:          cfg.Dedup.Capacity,
		Shards:            cfg.Dedup.Shards,
		FalsePositiveRate: cfg.Dedup.FalsePositiveRate,
		Policy:            dedup.Policy(cfg.Dedup.Policy),
	})
	if err != nil {
		return fmt.Errorf("failed to create dedup filter: %w", err)
	}

	var guard *dedup.RedisGuard
	if cfg.Redis.DedupEnabled {
		redisClient, err := dedup.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Error("Failed to close Redis client", zap.Error(err))
			}
		}()
		guard = dedup.NewRedisGuard(redisClient, cfg.Dedup.Retention, cfg.Redis.DedupFailOpen, log)
		log.Info("Shared dedup guard enabled", zap.Bool("fail_open", cfg.Redis.DedupFailOpen))
	}
	deduplicator := dedup.NewTiered(filter, guard)

	// Aggregation
	engine, err := aggregate.NewEngine(aggregate.Config{
		BucketWidth: cfg.Aggregate.BucketWidth,
		Retention:   cfg.Aggregate.Retention,
		Skew:        cfg.Aggregate.Skew,
		Shards:      cfg.Aggregate.Shards,
	})
	if err != nil {
		return fmt.Errorf("failed to create aggregation engine: %w", err)
	}
	sweeper := aggregate.NewSweeper(engine, store, cfg.Aggregate.SweepInterval, m, log)

	// Batching
	acc, err := batch.NewAccumulator(batch.Config{
		MaxSize:     cfg.Batch.MaxSize,
		MaxInterval: cfg.Batch.MaxInterval,
		MaxInFlight: cfg.Batch.MaxInFlight,
		Policy:      batch.Policy(cfg.Batch.Policy),
	}, m, log)
	if err != nil {
		return fmt.Errorf("failed to create batch accumulator: %w", err)
	}

	// Archive
	archiveQueue, archiveSink, err := openArchive(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	var archiver sink.Archiver
	if archiveQueue != nil {
		archiver = archiveQueue
		defer func() {
			if err := archiveSink.Close(); err != nil {
				log.Error("Failed to close event archive", zap.Error(err))
			}
		}()
	}

	// Sink writer
	writer, err := sink.NewWriter(sink.Config{
		MaxAttempts:     cfg.Sink.MaxAttempts,
		BackoffBase:     cfg.Sink.BackoffBase,
		BackoffCap:      cfg.Sink.BackoffCap,
		Concurrency:     cfg.Sink.Concurrency,
		BreakerFailures: cfg.Sink.BreakerFailures,
		BreakerTimeout:  cfg.Sink.BreakerTimeout,
	}, store, spill, archiver, m, log)
	if err != nil {
		return err
	}

	// Initialize consumer
	c := consumer.NewConsumer(consumer.Config{
		Workers:       cfg.Consumer.Workers,
		BufferSize:    cfg.Consumer.BufferSize,
		ShutdownGrace: cfg.Consumer.ShutdownGrace,
	}, source, consumer.NewJSONEventParser(cfg.Consumer.DeriveMissingEventID), deduplicator, acc, engine, writer, m, log)

	sources := monitor.Sources{
		Metrics: m,
		Dedup:   filter,
		Spill:   spill,
		Breaker: writer,
		Buckets: engine,
		Batches: acc,
	}

	// Query API
	cache := querycache.New(sweeper, store, cfg.Query.CacheTTL, log)
	queryServer := &http.Server{
		Addr:              ":" + cfg.Service.QueryPort,
		Handler:           api.NewHandler(cache, sources, store, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Health check endpoint
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			log.Warn("Health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	healthServer := &http.Server{
		Addr:              ":" + cfg.Consumer.HealthCheckPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The pipeline needs its whole grace period, then the archive drains
	stopTimeout := cfg.Consumer.ShutdownGrace + 45*time.Second
	root := supervisor.New("consumer-service", log, supervisor.TreeConfig{ShutdownTimeout: stopTimeout})

	// The archive keeps running until the pipeline wrote its last batch
	var dependents *suture.Supervisor
	if archiveQueue != nil {
		dependents = supervisor.New("pipeline-dependents", log, supervisor.TreeConfig{ShutdownTimeout: stopTimeout})
		dependents.Add(archiveQueue)
	}
	pipeline := supervisor.NewTerminal("pipeline", c, dependents)
	root.Add(pipeline)
	root.Add(sink.NewSpillReplayer(writer, cfg.Spill.ReplayInterval))
	root.Add(dedup.NewSweeper(filter, cfg.Dedup.SweepInterval, log))
	root.Add(sweeper)
	root.Add(monitor.NewReporter(sources, cfg.Monitor.Interval, log))
	root.Add(supervisor.NewHTTPService("query-api", queryServer, 10*time.Second))
	root.Add(supervisor.NewHTTPService("health-check", healthServer, 5*time.Second))

	log.Info("Consumer starting",
		zap.String("query_address", queryServer.Addr),
		zap.String("health_address", healthServer.Addr))

	err = root.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		log.Error("Supervisor stopped unexpectedly", zap.Error(err))
	}

	if report, reportErr := root.UnstoppedServiceReport(); reportErr == nil {
		for _, u := range report {
			log.Warn("Service did not stop in time", zap.String("service", u.Name))
		}
	}

	log.Info("Consumer stopped",
		zap.Int64("events_accepted", m.Get(metrics.EventsAccepted)),
		zap.Int64("batches_written", m.Get(metrics.BatchesWritten)),
		zap.Int64("batches_spilled", m.Get(metrics.BatchesSpilled)))

	return pipeline.Err()
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Store, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("Using in-memory store, events will not survive a restart")
		return memory.NewStore(), nil
	}

	// Initialize ClickHouse client
	chClient, err := clickhouse.NewClient(ctx, &cfg.ClickHouse, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	return clickhouse.NewRepository(chClient, log), nil
}

func openSource(ctx context.Context, cfg *config.Config, spill *sink.Spill, log *zap.Logger) (queue.Source, error) {
	switch strings.ToLower(cfg.Consumer.Source) {
	case "kinesis":
		client, err := kinesis.NewClient(ctx, cfg.Kinesis, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kinesis client: %w", err)
		}
		return kinesis.NewSource(client, kinesis.NewCheckpointer(spill.DB(), cfg.Kinesis.Stream), kinesis.SourceConfig{
			Stream:       cfg.Kinesis.Stream,
			Shards:       cfg.Kinesis.Shards,
			PollInterval: cfg.Kinesis.PollInterval,
			BatchLimit:   cfg.Kinesis.BatchLimit,
			MaxPending:   cfg.Kinesis.MaxPending,
		}, log), nil
	default:
		client, err := sqs.NewClient(ctx, cfg.SQS, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS client: %w", err)
		}
		return sqs.NewSource(client, sqs.SourceConfig{
			MaxMessages:     cfg.SQS.MaxMessages,
			WaitTimeSeconds: cfg.SQS.WaitTimeSeconds,
			ErrorBackoff:    time.Second,
		}, log), nil
	}
}

// openArchive returns a nil queue when archiving is disabled
func openArchive(ctx context.Context, cfg *config.Config, m *metrics.Pipeline, log *zap.Logger) (*archive.Queue, archive.Sink, error) {
	var target archive.Sink
	switch cfg.Archive.Driver {
	case "file":
		f, err := archive.NewFile(cfg.Archive.Path, cfg.Archive.MaxBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file archive: %w", err)
		}
		target = f
	case "bigquery":
		bq, err := archive.NewBigQuery(ctx, cfg.BigQuery, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create BigQuery archive: %w", err)
		}
		target = bq
	default:
		return nil, nil, nil
	}

	q, err := archive.NewQueue(target, cfg.Archive.QueueSize, m, log)
	if err != nil {
		_ = target.Close()
		return nil, nil, err
	}
	log.Info("Event archive enabled", zap.String("driver", cfg.Archive.Driver))
	return q, target, nil
}
