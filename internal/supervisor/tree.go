// Package supervisor runs the long-lived pipeline components under a
// suture supervisor so a failing background loop is restarted without
// taking the process down.
package supervisor

import (
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// TreeConfig holds supervisor restart settings
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds
	FailureDecay float64

	// FailureBackoff is how long to wait once the threshold is exceeded
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long each service may take to stop
	ShutdownTimeout time.Duration
}

// New creates a root supervisor that logs its events through log
func New(name string, log *zap.Logger, cfg TreeConfig) *suture.Supervisor {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	return suture.New(name, suture.Spec{
		EventHook:        EventHook(log),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
}

// EventHook reports supervisor events as structured log entries
func EventHook(log *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch ev := e.(type) {
		case suture.EventServiceTerminate:
			log.Warn("Supervised service terminated",
				zap.String("supervisor", ev.SupervisorName),
				zap.String("service", ev.ServiceName),
				zap.Float64("failures", ev.CurrentFailures),
				zap.Bool("restarting", ev.Restarting),
				zap.Any("error", ev.Err))
		case suture.EventServicePanic:
			log.Error("Supervised service panicked",
				zap.String("supervisor", ev.SupervisorName),
				zap.String("service", ev.ServiceName),
				zap.Float64("failures", ev.CurrentFailures),
				zap.Bool("restarting", ev.Restarting),
				zap.String("panic", ev.PanicMsg),
				zap.String("stacktrace", ev.Stacktrace))
		case suture.EventBackoff:
			log.Warn("Supervisor entering backoff", zap.String("supervisor", ev.SupervisorName))
		case suture.EventResume:
			log.Info("Supervisor resuming", zap.String("supervisor", ev.SupervisorName))
		case suture.EventStopTimeout:
			log.Error("Supervised service did not stop in time",
				zap.String("supervisor", ev.SupervisorName),
				zap.String("service", ev.ServiceName))
		default:
			log.Info("Supervisor event", zap.String("event", e.String()))
		}
	}
}
