package logger

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// New creates a new logger instance. An empty level keeps the
// environment default (info in production, debug otherwise).
func New(environment, level string) (*zap.Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	config.InitialFields = map[string]interface{}{"service": "ad-processing-pipeline"}

	return config.Build(zap.AddCaller())
}

// Throttled logs at most a fixed number of entries per interval and
// counts the ones it suppressed. Used on per-event paths such as
// validation failures where one bad producer can flood the log.
type Throttled struct {
	log        *zap.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottled creates a throttled logger allowing burst entries per interval
func NewThrottled(log *zap.Logger, interval time.Duration, burst int) *Throttled {
	return &Throttled{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(interval/time.Duration(max(burst, 1))), max(burst, 1)),
	}
}

// Warn writes a warning unless the limiter is exhausted
func (t *Throttled) Warn(msg string, fields ...zap.Field) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		fields = append(fields, zap.Int64("suppressed", n))
	}
	t.log.Warn(msg, fields...)
}

// Suppressed returns how many entries were dropped since the last emitted one
func (t *Throttled) Suppressed() int64 {
	return t.suppressed.Load()
}
