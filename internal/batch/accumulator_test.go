package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
)

type MockAcker struct {
	mock.Mock
}

func (m *MockAcker) Ack(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockAcker) Nack(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func testEvent(id string) *domain.Event {
	return &domain.Event{
		EventID:    id,
		EventType:  domain.EventTypeImpression,
		CampaignID: "C1",
		UserID:     "user123",
		ReceivedAt: time.Now(),
	}
}

func newTestAccumulator(t *testing.T, cfg Config) *Accumulator {
	t.Helper()
	acc, err := NewAccumulator(cfg, metrics.NewPipeline(nil), zap.NewNop())
	require.NoError(t, err)
	return acc
}

func receive(t *testing.T, acc *Accumulator, within time.Duration) *Batch {
	t.Helper()
	select {
	case b := <-acc.Batches():
		return b
	case <-time.After(within):
		t.Fatalf("no batch within %s", within)
		return nil
	}
}

func TestNewAccumulator_InvalidConfig(t *testing.T) {
	_, err := NewAccumulator(Config{MaxSize: 0, MaxInterval: time.Second, MaxInFlight: 1}, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = NewAccumulator(Config{MaxSize: 1, MaxInterval: time.Second, MaxInFlight: 1, Policy: "drop"}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestAccumulator_SealsExactlyAtMaxSize(t *testing.T) {
	acc := newTestAccumulator(t, Config{MaxSize: 3, MaxInterval: time.Hour, MaxInFlight: 2})
	ctx := context.Background()

	require.NoError(t, acc.Offer(ctx, testEvent("1"), nil))
	require.NoError(t, acc.Offer(ctx, testEvent("2"), nil))

	select {
	case <-acc.Batches():
		t.Fatal("batch sealed below threshold")
	default:
	}

	require.NoError(t, acc.Offer(ctx, testEvent("3"), nil))

	// the third offer dispatches synchronously
	select {
	case b := <-acc.Batches():
		assert.Equal(t, 3, b.Len())
		assert.Equal(t, ReasonSize, b.Reason)
		b.Release()
	default:
		t.Fatal("batch at threshold was not sealed immediately")
	}
}

func TestAccumulator_SealsAtInterval(t *testing.T) {
	interval := 80 * time.Millisecond
	acc := newTestAccumulator(t, Config{MaxSize: 10, MaxInterval: interval, MaxInFlight: 2})

	start := time.Now()
	require.NoError(t, acc.Offer(context.Background(), testEvent("1"), nil))
	require.NoError(t, acc.Offer(context.Background(), testEvent("2"), nil))

	b := receive(t, acc, time.Second)
	assert.GreaterOrEqual(t, time.Since(start), interval)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, ReasonInterval, b.Reason)
	b.Release()
}

func TestAccumulator_NoEventLostOrDuplicatedAcrossSeals(t *testing.T) {
	acc := newTestAccumulator(t, Config{MaxSize: 7, MaxInterval: 5 * time.Millisecond, MaxInFlight: 4})

	seen := make(map[string]int)
	var mu sync.Mutex
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for b := range acc.Batches() {
			mu.Lock()
			for _, e := range b.Events {
				seen[e.EventID]++
			}
			mu.Unlock()
			b.Release()
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				assert.NoError(t, acc.Offer(context.Background(), testEvent(fmt.Sprintf("%d-%d", w, i)), nil))
			}
		}(w)
	}
	wg.Wait()

	leftover := acc.Close(context.Background())
	assert.Empty(t, leftover)
	<-collected

	assert.Len(t, seen, 2000)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s", id)
	}
}

func TestAccumulator_ShedWhenSaturated(t *testing.T) {
	m := metrics.NewPipeline(nil)
	acc, err := NewAccumulator(Config{MaxSize: 1, MaxInterval: time.Hour, MaxInFlight: 1, Policy: PolicyShed}, m, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, acc.Offer(context.Background(), testEvent("1"), nil))
	assert.Equal(t, 1, acc.InFlight())

	err = acc.Offer(context.Background(), testEvent("2"), nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	b := receive(t, acc, time.Second)
	b.Release()
	b.Release()
	assert.Equal(t, 0, acc.InFlight())

	assert.NoError(t, acc.Offer(context.Background(), testEvent("3"), nil))
	assert.Equal(t, int64(2), m.Get(metrics.BatchesSealed))
}

func TestAccumulator_BlockWaitsForSlot(t *testing.T) {
	acc := newTestAccumulator(t, Config{MaxSize: 1, MaxInterval: time.Hour, MaxInFlight: 1, Policy: PolicyBlock})

	require.NoError(t, acc.Offer(context.Background(), testEvent("1"), nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, acc.Offer(context.Background(), testEvent("2"), nil))
	}()

	select {
	case <-done:
		t.Fatal("offer did not block while the in-flight limit was reached")
	case <-time.After(50 * time.Millisecond):
	}

	first := receive(t, acc, time.Second)
	first.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("offer did not resume after a slot was released")
	}

	second := receive(t, acc, time.Second)
	assert.Equal(t, "2", second.Events[0].EventID)
	second.Release()
}

func TestAccumulator_CloseFlushesRemainder(t *testing.T) {
	acc := newTestAccumulator(t, Config{MaxSize: 10, MaxInterval: time.Hour, MaxInFlight: 1})

	require.NoError(t, acc.Offer(context.Background(), testEvent("1"), nil))
	require.NoError(t, acc.Offer(context.Background(), testEvent("2"), nil))

	leftover := acc.Close(context.Background())
	assert.Empty(t, leftover)

	b, ok := <-acc.Batches()
	require.True(t, ok)
	assert.Equal(t, ReasonFlush, b.Reason)
	assert.Equal(t, 2, b.Len())

	_, ok = <-acc.Batches()
	assert.False(t, ok)

	assert.ErrorIs(t, acc.Offer(context.Background(), testEvent("3"), nil), ErrClosed)
}

func TestAccumulator_CloseReturnsUndispatched(t *testing.T) {
	acc := newTestAccumulator(t, Config{MaxSize: 1, MaxInterval: time.Hour, MaxInFlight: 1})

	// fills the only slot and is never released
	require.NoError(t, acc.Offer(context.Background(), testEvent("1"), nil))

	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		_ = acc.Offer(ctx, testEvent("2"), nil)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-blocked

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer closeCancel()
	leftover := acc.Close(closeCtx)

	require.Len(t, leftover, 1)
	assert.Equal(t, "2", leftover[0].Events[0].EventID)
}

func TestBatch_Settle(t *testing.T) {
	ok := new(MockAcker)
	ok.On("Ack", mock.Anything).Return(nil)
	failing := new(MockAcker)
	failing.On("Ack", mock.Anything).Return(errors.New("receipt expired"))

	b := &Batch{acks: []Acker{ok, nil, failing}}
	err := b.Settle(context.Background(), true)
	assert.Error(t, err)
	ok.AssertNumberOfCalls(t, "Ack", 1)
	failing.AssertNumberOfCalls(t, "Ack", 1)

	nacker := new(MockAcker)
	nacker.On("Nack", mock.Anything).Return(nil)
	b = &Batch{acks: []Acker{nacker}}
	assert.NoError(t, b.Settle(context.Background(), false))
	nacker.AssertExpectations(t)
}
