package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
)

// Reason records why a batch was sealed
type Reason string

const (
	ReasonSize     Reason = "size"
	ReasonInterval Reason = "interval"
	ReasonFlush    Reason = "flush"
	ReasonReplay   Reason = "replay"
)

// Acker settles the source message an event came from
type Acker interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// Batch is a sealed, immutable group of accepted events. The receiver
// owns it until Release is called.
type Batch struct {
	ID       uuid.UUID
	Events   []*domain.Event
	SealedAt time.Time
	Reason   Reason

	acks    []Acker
	release func()
	once    sync.Once
}

// New builds a batch outside the accumulator, for spill replay and tests
func New(id uuid.UUID, events []*domain.Event, reason Reason, acks ...Acker) *Batch {
	return &Batch{
		ID:       id,
		Events:   events,
		SealedAt: time.Now(),
		Reason:   reason,
		acks:     acks,
	}
}

// Len returns the number of events in the batch
func (b *Batch) Len() int {
	return len(b.Events)
}

// Settle acknowledges (or negatively acknowledges) every source message
// carried by the batch
func (b *Batch) Settle(ctx context.Context, success bool) error {
	var errs error
	for _, a := range b.acks {
		if a == nil {
			continue
		}
		if success {
			errs = multierr.Append(errs, a.Ack(ctx))
		} else {
			errs = multierr.Append(errs, a.Nack(ctx))
		}
	}
	return errs
}

// Release returns the in-flight slot held by the batch. Safe to call more than once.
func (b *Batch) Release() {
	b.once.Do(func() {
		if b.release != nil {
			b.release()
		}
	})
}
