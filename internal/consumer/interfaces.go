package consumer

import (
	"context"
	"time"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/batch"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/dedup"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
)

// MessageParser defines the interface for parsing raw message bytes into events
type MessageParser interface {
	Parse(body []byte, receivedAt time.Time) (*domain.Event, error)
}

// Deduplicator decides whether an event id has been accepted before.
// Forget undoes a mark for an event that was handed back to the source.
type Deduplicator interface {
	CheckAndMark(ctx context.Context, key string) (dedup.Result, error)
	Forget(ctx context.Context, key string) error
}

// Batcher accepts events for durable writing
type Batcher interface {
	Offer(ctx context.Context, event *domain.Event, ack batch.Acker) error
}

// Aggregator folds accepted events into rolling aggregates
type Aggregator interface {
	Apply(event *domain.Event)
}
