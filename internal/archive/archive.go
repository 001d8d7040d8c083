// Package archive keeps an append-only copy of every event the durable
// store accepted, for replay and offline analysis.
package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
)

// Sink is an append-only event archive
type Sink interface {
	Append(ctx context.Context, events []*domain.Event) error
	Close() error
}

// Queue forwards events to a Sink on its own goroutine. Enqueue never
// blocks; when the queue is full the events are dropped and counted.
type Queue struct {
	sink         Sink
	ch           chan []*domain.Event
	writeTimeout time.Duration
	metrics      *metrics.Pipeline
	log          *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a forwarding queue holding up to size pending batches
func NewQueue(sink Sink, size int, m *metrics.Pipeline, log *zap.Logger) (*Queue, error) {
	if sink == nil {
		return nil, errors.New("archive queue needs a sink")
	}
	if size <= 0 {
		size = 1
	}
	return &Queue{
		sink:         sink,
		ch:           make(chan []*domain.Event, size),
		writeTimeout: 30 * time.Second,
		metrics:      m,
		log:          log,
	}, nil
}

// Enqueue hands events to the archive without waiting
func (q *Queue) Enqueue(events []*domain.Event) {
	if len(events) == 0 {
		return
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.metrics.Add(metrics.ArchiveDropped, int64(len(events)))
		return
	}

	select {
	case q.ch <- events:
	default:
		q.metrics.Add(metrics.ArchiveDropped, int64(len(events)))
		q.log.Warn("Archive queue full, dropping events", zap.Int("event_count", len(events)))
	}
}

// Pending returns the number of queued batches
func (q *Queue) Pending() int {
	return len(q.ch)
}

// Serve forwards queued events until ctx is cancelled, then writes what
// is still queued and stops accepting more
func (q *Queue) Serve(ctx context.Context) error {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()

	for {
		select {
		case events := <-q.ch:
			q.append(events)
		case <-ctx.Done():
			q.drain()
			return ctx.Err()
		}
	}
}

func (q *Queue) drain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	for {
		select {
		case events := <-q.ch:
			q.append(events)
		default:
			return
		}
	}
}

func (q *Queue) append(events []*domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), q.writeTimeout)
	defer cancel()

	if err := q.sink.Append(ctx, events); err != nil {
		q.metrics.Add(metrics.ArchiveFailures, int64(len(events)))
		q.log.Warn("Failed to archive events", zap.Int("event_count", len(events)), zap.Error(err))
	}
}

func (q *Queue) String() string {
	return "archive-queue"
}
