package kinesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	envConfig "github.com/Sammy-Dabbas/ad-processing-pipeline/internal/config"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue"
)

// StreamAPI is the subset of the Kinesis client the source needs
type StreamAPI interface {
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// SourceConfig configures the shard readers
type SourceConfig struct {
	Stream       string
	Shards       []string
	PollInterval time.Duration
	BatchLimit   int32

	// MaxPending bounds the unacknowledged records per shard; the reader
	// stops fetching until acknowledgements bring it back under the limit
	MaxPending int
}

// Source reads every assigned shard of a stream on its own goroutine.
// Acknowledging a message advances its shard checkpoint once every
// earlier record of the shard has been acknowledged too.
type Source struct {
	api    StreamAPI
	cp     *Checkpointer
	config SourceConfig
	log    *zap.Logger
}

// NewClient creates a Kinesis client
func NewClient(ctx context.Context, kinesisConfig envConfig.Kinesis, log *zap.Logger) (*kinesis.Client, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(kinesisConfig.Region),
	}

	var clientOpts []func(*kinesis.Options)

	// Configure for local development with LocalStack
	if kinesisConfig.Endpoint != "" {
		log.Info("Configuring Kinesis for local development",
			zap.String("endpoint", kinesisConfig.Endpoint))
		configOpts = append(configOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))

		clientOpts = append(clientOpts, func(o *kinesis.Options) {
			o.BaseEndpoint = aws.String(kinesisConfig.Endpoint)
		})
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	log.Info("Kinesis client created",
		zap.String("region", kinesisConfig.Region),
		zap.String("stream", kinesisConfig.Stream))

	return kinesis.NewFromConfig(cfg, clientOpts...), nil
}

// NewSource creates a new Kinesis source
func NewSource(api StreamAPI, cp *Checkpointer, config SourceConfig, log *zap.Logger) *Source {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 1000
	}
	if config.MaxPending <= 0 {
		config.MaxPending = 10000
	}
	return &Source{api: api, cp: cp, config: config, log: log}
}

// Start reads the assigned shards until ctx is cancelled or a shard reader fails
func (s *Source) Start(ctx context.Context, out chan<- *queue.Message) error {
	shards := s.config.Shards
	if len(shards) == 0 {
		listed, err := s.listShards(ctx)
		if err != nil {
			return err
		}
		shards = listed
	}

	s.log.Info("Kinesis source starting",
		zap.String("stream", s.config.Stream),
		zap.Strings("shards", shards))

	g, gctx := errgroup.WithContext(ctx)
	for _, shardID := range shards {
		shardID := shardID
		g.Go(func() error {
			return s.readShard(gctx, shardID, out)
		})
	}
	return g.Wait()
}

func (s *Source) listShards(ctx context.Context) ([]string, error) {
	var shards []string
	input := &kinesis.ListShardsInput{StreamName: aws.String(s.config.Stream)}
	for {
		result, err := s.api.ListShards(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list shards of %s: %w", s.config.Stream, err)
		}
		for _, shard := range result.Shards {
			shards = append(shards, aws.ToString(shard.ShardId))
		}
		if result.NextToken == nil {
			return shards, nil
		}
		input = &kinesis.ListShardsInput{NextToken: result.NextToken}
	}
}

func (s *Source) readShard(ctx context.Context, shardID string, out chan<- *queue.Message) error {
	tracker := newShardTracker(shardID, s.cp)
	log := s.log.With(zap.String("shard_id", shardID))

	last, err := s.cp.Get(shardID)
	if err != nil {
		return err
	}

	iterator, err := s.iterator(ctx, shardID, last)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for iterator != nil {
		if !s.redeliver(ctx, tracker, out) || !s.waitForCapacity(ctx, tracker, out) {
			log.Info("Shard reader shutting down", zap.Int("in_flight", tracker.inFlight()))
			return nil
		}

		result, err := s.api.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: iterator,
			Limit:         aws.Int32(s.config.BatchLimit),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var expired *types.ExpiredIteratorException
			if !errors.As(err, &expired) {
				log.Warn("Error reading shard", zap.Error(err))
				if !sleep(ctx, s.config.PollInterval) {
					return nil
				}
			}
			if iterator, err = s.iterator(ctx, shardID, last); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		receivedAt := time.Now().UTC()
		for _, record := range result.Records {
			if !s.waitForCapacity(ctx, tracker, out) {
				return nil
			}

			seq := aws.ToString(record.SequenceNumber)
			tracker.deliver(seq)

			var msg *queue.Message
			msg = queue.NewMessage(shardID, seq, record.Data, receivedAt,
				func(context.Context) error { return tracker.ack(seq) },
				func(context.Context) error {
					tracker.nack(msg)
					return nil
				},
			)
			select {
			case <-ctx.Done():
				return nil
			case out <- msg:
			}
			last = seq
		}

		iterator = result.NextShardIterator
		if len(result.Records) == 0 && !sleep(ctx, s.config.PollInterval) {
			return nil
		}
	}

	log.Info("Shard closed", zap.Int("in_flight", tracker.inFlight()))
	return nil
}

// redeliver sends nacked records again; it reports false once ctx is done
func (s *Source) redeliver(ctx context.Context, tracker *shardTracker, out chan<- *queue.Message) bool {
	for _, msg := range tracker.takeRetries() {
		select {
		case <-ctx.Done():
			return false
		case out <- msg:
		}
	}
	return ctx.Err() == nil
}

// waitForCapacity blocks while the shard has MaxPending unacknowledged
// records, redelivering nacked ones as they arrive
func (s *Source) waitForCapacity(ctx context.Context, tracker *shardTracker, out chan<- *queue.Message) bool {
	for tracker.inFlight() >= s.config.MaxPending {
		if !s.redeliver(ctx, tracker, out) {
			return false
		}
		if tracker.inFlight() < s.config.MaxPending {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-tracker.wake:
		}
	}
	return true
}

func (s *Source) iterator(ctx context.Context, shardID, after string) (*string, error) {
	input := &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(s.config.Stream),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorTypeTrimHorizon,
	}
	if after != "" {
		input.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = aws.String(after)
	}

	result, err := s.api.GetShardIterator(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get iterator for shard %s: %w", shardID, err)
	}
	return result.ShardIterator, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
