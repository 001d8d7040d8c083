package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

type Config struct {
	Service    Service    `envconfig:"SERVICE"`
	Consumer   Consumer   `envconfig:"CONSUMER"`
	SQS        SQS        `envconfig:"SQS"`
	Kinesis    Kinesis    `envconfig:"KINESIS"`
	ClickHouse ClickHouse `envconfig:"CLICKHOUSE"`
	Redis      Redis      `envconfig:"REDIS"`
	BigQuery   BigQuery   `envconfig:"BIGQUERY"`
	Dedup      Dedup      `envconfig:"DEDUP"`
	Batch      Batch      `envconfig:"BATCH"`
	Aggregate  Aggregate  `envconfig:"AGGREGATE"`
	Sink       Sink       `envconfig:"SINK"`
	Spill      Spill      `envconfig:"SPILL"`
	Store      Store      `envconfig:"STORE"`
	Archive    Archive    `envconfig:"ARCHIVE"`
	Query      Query      `envconfig:"QUERY"`
	Monitor    Monitor    `envconfig:"MONITOR"`
}

type Service struct {
	Environment string `envconfig:"ENVIRONMENT" required:"true"`
	APIPort     string `envconfig:"API_PORT" default:"8080"`
	QueryPort   string `envconfig:"QUERY_PORT" default:"8082"`
	Host        string `envconfig:"HOST" default:"localhost:8080"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
}

type Consumer struct {
	Source               string        `envconfig:"SOURCE" default:"sqs"`
	Workers              int           `envconfig:"WORKERS" default:"8"`
	HealthCheckPort      string        `envconfig:"HEALTH_CHECK_PORT" default:"8081"`
	BufferSize           int           `envconfig:"BUFFER_SIZE" default:"1024"`
	ShutdownGrace        time.Duration `envconfig:"SHUTDOWN_GRACE" default:"15s"`
	DeriveMissingEventID bool          `envconfig:"DERIVE_MISSING_EVENT_ID" default:"false"`
}

type SQS struct {
	Endpoint        string `envconfig:"ENDPOINT"`
	QueueURL        string `envconfig:"QUEUE_URL"`
	Region          string `envconfig:"REGION" default:"us-east-1"`
	MaxMessages     int32  `envconfig:"MAX_MESSAGES" default:"10"`
	WaitTimeSeconds int32  `envconfig:"WAIT_TIME_SECONDS" default:"20"`
}

type Kinesis struct {
	Stream       string        `envconfig:"STREAM"`
	Region       string        `envconfig:"REGION" default:"us-east-1"`
	Endpoint     string        `envconfig:"ENDPOINT"`
	Shards       []string      `envconfig:"SHARDS"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	BatchLimit   int32         `envconfig:"BATCH_LIMIT" default:"1000"`
	MaxPending   int           `envconfig:"MAX_PENDING" default:"10000"`
}

type ClickHouse struct {
	Host            string `envconfig:"HOST" default:"localhost"`
	Port            string `envconfig:"PORT" default:"9000"`
	Database        string `envconfig:"DB" default:"default"`
	User            string `envconfig:"USER" default:""`
	Password        string `envconfig:"PASSWORD" default:""`
	UseTLS          bool   `envconfig:"USE_TLS" default:"false"`
	MaxOpenConns    int    `envconfig:"MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int    `envconfig:"MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime int    `envconfig:"CONN_MAX_LIFETIME_SEC" default:"3600"`
}

type Redis struct {
	DedupEnabled  bool          `envconfig:"DEDUP_ENABLED" default:"false"`
	DedupFailOpen bool          `envconfig:"DEDUP_FAIL_OPEN" default:"true"`
	URL           string        `envconfig:"URL"`
	Address       string        `envconfig:"ADDRESS"`
	Password      string        `envconfig:"PASSWORD"`
	DB            int           `envconfig:"DB" default:"0"`
	PoolSize      int           `envconfig:"POOL_SIZE" default:"32"`
	DialTimeout   time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout   time.Duration `envconfig:"READ_TIMEOUT" default:"500ms"`
	WriteTimeout  time.Duration `envconfig:"WRITE_TIMEOUT" default:"500ms"`
}

type BigQuery struct {
	ProjectID       string `envconfig:"PROJECT_ID"`
	Dataset         string `envconfig:"DATASET"`
	Table           string `envconfig:"TABLE" default:"ad_events_archive"`
	CredentialsFile string `envconfig:"CREDENTIALS_FILE"`
}

type Dedup struct {
	Retention         time.Duration `envconfig:"RETENTION" default:"1h"`
	Capacity          int           `envconfig:"CAPACITY" default:"2000000"`
	Shards            int           `envconfig:"SHARDS" default:"64"`
	FalsePositiveRate float64       `envconfig:"FALSE_POSITIVE_RATE" default:"0.01"`
	Policy            string        `envconfig:"POLICY" default:"evict"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
}

type Batch struct {
	MaxSize     int           `envconfig:"MAX_SIZE" default:"2000"`
	MaxInterval time.Duration `envconfig:"MAX_INTERVAL" default:"5s"`
	MaxInFlight int           `envconfig:"MAX_IN_FLIGHT" default:"8"`
	Policy      string        `envconfig:"POLICY" default:"block"`
}

type Aggregate struct {
	BucketWidth   time.Duration `envconfig:"BUCKET_WIDTH" default:"1h"`
	Retention     time.Duration `envconfig:"RETENTION" default:"24h"`
	Skew          time.Duration `envconfig:"SKEW" default:"10m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	Shards        int           `envconfig:"SHARDS" default:"32"`
}

type Sink struct {
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	BackoffBase     time.Duration `envconfig:"BACKOFF_BASE" default:"100ms"`
	BackoffCap      time.Duration `envconfig:"BACKOFF_CAP" default:"5s"`
	Concurrency     int           `envconfig:"CONCURRENCY" default:"4"`
	BreakerFailures uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerTimeout  time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`
}

type Spill struct {
	Path           string        `envconfig:"PATH" default:"./data/spill"`
	ReplayInterval time.Duration `envconfig:"REPLAY_INTERVAL" default:"30s"`
}

type Store struct {
	Driver string `envconfig:"DRIVER" default:"clickhouse"`
}

type Archive struct {
	Driver    string `envconfig:"DRIVER" default:"none"`
	Path      string `envconfig:"PATH" default:"./data/archive"`
	MaxBytes  int64  `envconfig:"MAX_BYTES" default:"536870912"`
	QueueSize int    `envconfig:"QUEUE_SIZE" default:"64"`
}

type Query struct {
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"2s"`
}

type Monitor struct {
	Interval time.Duration `envconfig:"INTERVAL" default:"30s"`
}

// Load reads an optional .env file and then the process environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Service.Environment) == "" {
		errs = append(errs, errors.New("SERVICE_ENVIRONMENT is required"))
	}

	switch strings.ToLower(c.Consumer.Source) {
	case "sqs":
		if c.SQS.QueueURL == "" {
			errs = append(errs, errors.New("SQS_QUEUE_URL is required for the sqs source"))
		}
	case "kinesis":
		if c.Kinesis.Stream == "" {
			errs = append(errs, errors.New("KINESIS_STREAM is required for the kinesis source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported CONSUMER_SOURCE %q", c.Consumer.Source))
	}

	if c.Consumer.Workers <= 0 {
		errs = append(errs, errors.New("CONSUMER_WORKERS must be positive"))
	}
	if c.Dedup.Retention <= 0 || c.Dedup.Capacity <= 0 {
		errs = append(errs, errors.New("DEDUP_RETENTION and DEDUP_CAPACITY must be positive"))
	}
	if c.Dedup.Policy != "evict" && c.Dedup.Policy != "reject" {
		errs = append(errs, fmt.Errorf("unsupported DEDUP_POLICY %q", c.Dedup.Policy))
	}
	if c.Batch.MaxSize <= 0 || c.Batch.MaxInterval <= 0 || c.Batch.MaxInFlight <= 0 {
		errs = append(errs, errors.New("BATCH_MAX_SIZE, BATCH_MAX_INTERVAL and BATCH_MAX_IN_FLIGHT must be positive"))
	}
	if c.Batch.Policy != "block" && c.Batch.Policy != "shed" {
		errs = append(errs, fmt.Errorf("unsupported BATCH_POLICY %q", c.Batch.Policy))
	}
	if c.Aggregate.BucketWidth <= 0 || c.Aggregate.Retention < c.Aggregate.BucketWidth {
		errs = append(errs, errors.New("AGGREGATE_RETENTION must be at least one AGGREGATE_BUCKET_WIDTH"))
	}
	if c.Sink.MaxAttempts <= 0 {
		errs = append(errs, errors.New("SINK_MAX_ATTEMPTS must be positive"))
	}
	if c.Sink.BackoffCap != 0 && c.Sink.BackoffCap < c.Sink.BackoffBase {
		errs = append(errs, errors.New("SINK_BACKOFF_CAP must be 0 (uncapped) or at least SINK_BACKOFF_BASE"))
	}
	if c.Store.Driver != "clickhouse" && c.Store.Driver != "memory" {
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver))
	}
	switch c.Archive.Driver {
	case "none", "file":
	case "bigquery":
		if c.BigQuery.ProjectID == "" || c.BigQuery.Dataset == "" {
			errs = append(errs, errors.New("BIGQUERY_PROJECT_ID and BIGQUERY_DATASET are required for the bigquery archive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported ARCHIVE_DRIVER %q", c.Archive.Driver))
	}
	if c.Redis.DedupEnabled && c.Redis.URL == "" && c.Redis.Address == "" {
		errs = append(errs, errors.New("REDIS_URL or REDIS_ADDRESS is required when REDIS_DEDUP_ENABLED"))
	}

	return multierr.Combine(errs...)
}
