package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository"
)

// Kind is the result class of one write attempt
type Kind int

const (
	KindAck Kind = iota
	KindRetry
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindRetry:
		return "retry"
	default:
		return "fatal"
	}
}

// Outcome is what a single write attempt resolved to
type Outcome struct {
	Kind   Kind
	Reason string
}

// Ack reports a durable write
func Ack() Outcome { return Outcome{Kind: KindAck} }

// Retry reports a transient failure worth another attempt
func Retry(reason string) Outcome { return Outcome{Kind: KindRetry, Reason: reason} }

// Fatal reports a batch that can never be written
func Fatal(reason string) Outcome { return Outcome{Kind: KindFatal, Reason: reason} }

// TransientError wraps a store error that should be retried
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient sink failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps a store error that must not be retried
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal sink failure: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Classify maps a store error onto an outcome. Anything not known to
// be caused by the data is treated as transient.
func Classify(err error) Outcome {
	if err == nil {
		return Ack()
	}

	var fatal *FatalError
	var transient *TransientError
	switch {
	case errors.As(err, &fatal), errors.Is(err, repository.ErrInvalidData):
		return Fatal(err.Error())
	case errors.As(err, &transient):
		return Retry(err.Error())
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Retry("circuit breaker open")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Retry("write interrupted: " + err.Error())
	default:
		return Retry(err.Error())
	}
}

// isPermanent tells the circuit breaker which errors say nothing about store health
func isPermanent(err error) bool {
	return Classify(err).Kind == KindFatal
}
