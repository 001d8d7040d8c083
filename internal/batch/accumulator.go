package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
)

// Policy selects the behavior when every in-flight slot is taken
type Policy string

const (
	PolicyBlock Policy = "block"
	PolicyShed  Policy = "shed"
)

var (
	// ErrCapacityExceeded is returned by Offer under PolicyShed when the in-flight limit is reached
	ErrCapacityExceeded = errors.New("batch in-flight limit reached")
	// ErrClosed is returned by Offer after Close
	ErrClosed = errors.New("accumulator closed")
)

// Config configures the accumulator
type Config struct {
	MaxSize     int
	MaxInterval time.Duration
	MaxInFlight int
	Policy      Policy
}

// Accumulator groups accepted events into batches sealed by size or by
// interval, whichever comes first. Sealed batches are dispatched on
// Batches after taking one of MaxInFlight slots; the slot is held until
// the receiver calls Batch.Release.
type Accumulator struct {
	cfg     Config
	metrics *metrics.Pipeline
	log     *zap.Logger

	mu         sync.Mutex
	events     []*domain.Event
	acks       []Acker
	generation uint64
	timer      *time.Timer
	closed     bool
	abandoned  []*Batch

	slots    chan struct{}
	out      chan *Batch
	pending  sync.WaitGroup
	life     context.Context
	stopLife context.CancelFunc
}

// NewAccumulator creates an accumulator
func NewAccumulator(cfg Config, m *metrics.Pipeline, log *zap.Logger) (*Accumulator, error) {
	if cfg.MaxSize <= 0 || cfg.MaxInterval <= 0 || cfg.MaxInFlight <= 0 {
		return nil, fmt.Errorf("invalid batch config: size=%d interval=%s in_flight=%d",
			cfg.MaxSize, cfg.MaxInterval, cfg.MaxInFlight)
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyBlock
	}
	if cfg.Policy != PolicyBlock && cfg.Policy != PolicyShed {
		return nil, fmt.Errorf("unknown batch policy %q", cfg.Policy)
	}

	life, stop := context.WithCancel(context.Background())
	return &Accumulator{
		cfg:      cfg,
		metrics:  m,
		log:      log,
		events:   make([]*domain.Event, 0, cfg.MaxSize),
		acks:     make([]Acker, 0, cfg.MaxSize),
		slots:    make(chan struct{}, cfg.MaxInFlight),
		out:      make(chan *Batch, cfg.MaxInFlight),
		life:     life,
		stopLife: stop,
	}, nil
}

// Batches returns the channel of sealed batches. It is closed by Close.
func (a *Accumulator) Batches() <-chan *Batch {
	return a.out
}

// InFlight returns the number of dispatched batches not yet released
func (a *Accumulator) InFlight() int {
	return len(a.slots)
}

// Offer appends an event to the open batch. Once the event is appended
// it belongs to exactly one batch and Offer returns nil; the only
// errors are ErrClosed and, under PolicyShed, ErrCapacityExceeded.
func (a *Accumulator) Offer(ctx context.Context, event *domain.Event, ack Acker) error {
	if a.cfg.Policy == PolicyShed && len(a.slots) == cap(a.slots) {
		return ErrCapacityExceeded
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}

	a.events = append(a.events, event)
	a.acks = append(a.acks, ack)

	var sealed *Batch
	switch {
	case len(a.events) >= a.cfg.MaxSize:
		sealed = a.sealLocked(ReasonSize)
	case len(a.events) == 1:
		gen := a.generation
		a.timer = time.AfterFunc(a.cfg.MaxInterval, func() {
			a.onInterval(gen)
		})
	}
	if sealed != nil {
		a.pending.Add(1)
	}
	a.mu.Unlock()

	if sealed != nil {
		defer a.pending.Done()
		a.dispatch(ctx, sealed)
	}
	return nil
}

// Close seals whatever is open, waits for pending dispatches and closes
// the batch channel. Batches that could not be dispatched before ctx
// ended are returned to the caller.
func (a *Accumulator) Close(ctx context.Context) []*Batch {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	var sealed *Batch
	if len(a.events) > 0 {
		sealed = a.sealLocked(ReasonFlush)
		a.pending.Add(1)
	}
	a.mu.Unlock()

	if sealed != nil {
		go func() {
			defer a.pending.Done()
			a.dispatch(a.life, sealed)
		}()
	}

	done := make(chan struct{})
	go func() {
		a.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.stopLife()
		<-done
	}
	a.stopLife()
	close(a.out)

	a.mu.Lock()
	defer a.mu.Unlock()
	leftover := a.abandoned
	a.abandoned = nil
	return leftover
}

func (a *Accumulator) onInterval(gen uint64) {
	a.mu.Lock()
	if a.closed || gen != a.generation || len(a.events) == 0 {
		a.mu.Unlock()
		return
	}
	sealed := a.sealLocked(ReasonInterval)
	a.pending.Add(1)
	a.mu.Unlock()

	defer a.pending.Done()
	a.dispatch(a.life, sealed)
}

// sealLocked swaps the open batch for a fresh one. Callers hold a.mu.
func (a *Accumulator) sealLocked(reason Reason) *Batch {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.generation++

	b := &Batch{
		ID:       uuid.New(),
		Events:   a.events,
		SealedAt: time.Now(),
		Reason:   reason,
		acks:     a.acks,
	}
	a.events = make([]*domain.Event, 0, a.cfg.MaxSize)
	a.acks = make([]Acker, 0, a.cfg.MaxSize)
	return b
}

// dispatch takes an in-flight slot and hands the batch over. When ctx
// ends first the batch is kept for Close to return.
func (a *Accumulator) dispatch(ctx context.Context, b *Batch) {
	select {
	case a.slots <- struct{}{}:
	case <-ctx.Done():
		a.abandon(b)
		return
	case <-a.life.Done():
		a.abandon(b)
		return
	}

	b.release = func() {
		<-a.slots
		a.metrics.SetInFlight(len(a.slots))
	}
	a.metrics.Inc(metrics.BatchesSealed)
	a.metrics.SetInFlight(len(a.slots))
	a.log.Debug("Batch sealed",
		zap.String("batch_id", b.ID.String()),
		zap.String("reason", string(b.Reason)),
		zap.Int("event_count", b.Len()))

	a.out <- b
}

func (a *Accumulator) abandon(b *Batch) {
	a.log.Warn("Batch could not be dispatched before shutdown",
		zap.String("batch_id", b.ID.String()),
		zap.Int("event_count", b.Len()))
	a.mu.Lock()
	a.abandoned = append(a.abandoned, b)
	a.mu.Unlock()
}
