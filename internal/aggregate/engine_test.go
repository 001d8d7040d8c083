package aggregate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/metrics"
)

var testNow = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		BucketWidth: time.Hour,
		Retention:   24 * time.Hour,
		Skew:        10 * time.Minute,
		Shards:      8,
	})
	require.NoError(t, err)
	e.now = func() time.Time { return testNow }
	e.watermark.Store(e.floor(testNow.Unix() - e.retention))
	return e
}

func adEvent(id string, typ domain.EventType, campaign string, at time.Time) *domain.Event {
	return &domain.Event{
		EventID:     id,
		EventType:   typ,
		CampaignID:  campaign,
		UserID:      "user-" + id,
		DeviceClass: "mobile",
		Timestamp:   at,
		ReceivedAt:  at,
	}
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	_, err := NewEngine(Config{BucketWidth: 0, Retention: time.Hour})
	assert.Error(t, err)

	_, err = NewEngine(Config{BucketWidth: time.Hour, Retention: time.Minute})
	assert.Error(t, err)
}

func TestEngine_CTRScenario(t *testing.T) {
	e := newTestEngine(t)
	at := testNow.Add(-10 * time.Minute)

	for i := 0; i < 100; i++ {
		e.Apply(adEvent(fmt.Sprintf("imp-%d", i), domain.EventTypeImpression, "C1", at))
	}
	for i := 0; i < 10; i++ {
		e.Apply(adEvent(fmt.Sprintf("clk-%d", i), domain.EventTypeClick, "C1", at))
	}

	buckets := e.Snapshot(domain.ScopeCampaign, "C1", testNow.Add(-time.Hour), testNow.Add(time.Hour))
	require.Len(t, buckets, 1)

	b := buckets[0]
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), b.Start)
	assert.Equal(t, int64(100), b.Impressions)
	assert.Equal(t, int64(10), b.Clicks)
	assert.InDelta(t, 0.10, b.CTR(), 1e-9)
	assert.InDelta(t, 0.0, b.ConversionRate(), 1e-9)
}

func TestEngine_CountsAndRevenuePerScope(t *testing.T) {
	e := newTestEngine(t)
	at := testNow.Add(-5 * time.Minute)

	conv := adEvent("conv-1", domain.EventTypeConversion, "C2", at)
	conv.RevenueUSD = decimal.RequireFromString("12.50")
	conv.DeviceClass = ""
	e.Apply(conv)

	conv2 := adEvent("conv-2", domain.EventTypeConversion, "C2", at)
	conv2.RevenueUSD = decimal.RequireFromString("7.25")
	e.Apply(conv2)

	e.Apply(adEvent("imp-1", domain.EventTypeImpression, "C3", at))

	from, to := testNow.Add(-time.Hour), testNow.Add(time.Hour)

	global := e.Totals(domain.ScopeGlobal, "", from, to)
	assert.Equal(t, int64(3), global.Total())
	assert.True(t, decimal.RequireFromString("19.75").Equal(global.Revenue), global.Revenue.String())

	c2 := e.Totals(domain.ScopeCampaign, "C2", from, to)
	assert.Equal(t, int64(2), c2.Conversions)
	assert.True(t, decimal.RequireFromString("19.75").Equal(c2.Revenue))

	unknown := e.Totals(domain.ScopeDevice, domain.DeviceClassUnknown, from, to)
	assert.Equal(t, int64(1), unknown.Conversions)
	mobile := e.Totals(domain.ScopeDevice, "mobile", from, to)
	assert.Equal(t, int64(2), mobile.Total())
}

func TestEngine_ConcurrentApply(t *testing.T) {
	e := newTestEngine(t)
	at := testNow.Add(-time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				e.Apply(adEvent(fmt.Sprintf("%d-%d", w, i), domain.EventTypeImpression, fmt.Sprintf("C%d", i%4), at))
			}
		}(w)
	}
	wg.Wait()

	from, to := testNow.Add(-time.Hour), testNow.Add(time.Hour)
	assert.Equal(t, int64(4000), e.Totals(domain.ScopeGlobal, "", from, to).Impressions)
	for c := 0; c < 4; c++ {
		assert.Equal(t, int64(1000), e.Totals(domain.ScopeCampaign, fmt.Sprintf("C%d", c), from, to).Impressions)
	}
}

func TestEngine_SkewFallsBackToReceivedAt(t *testing.T) {
	e := newTestEngine(t)

	ev := adEvent("late", domain.EventTypeClick, "C1", testNow)
	ev.Timestamp = testNow.Add(-3 * time.Hour)
	e.Apply(ev)

	buckets := e.Snapshot(domain.ScopeGlobal, "", testNow.Add(-6*time.Hour), testNow.Add(time.Hour))
	require.Len(t, buckets, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), buckets[0].Start)
}

func TestEngine_SweepRetiresAndNeverResurrects(t *testing.T) {
	e := newTestEngine(t)

	old := testNow.Add(-20 * time.Hour)
	e.Apply(adEvent("old", domain.EventTypeImpression, "C1", old))
	e.Apply(adEvent("new", domain.EventTypeImpression, "C1", testNow))

	later := testNow.Add(6 * time.Hour)
	retired := e.Sweep(later)

	// one bucket per scope for the old hour
	require.Len(t, retired, 3)
	for _, b := range retired {
		assert.Equal(t, time.Date(2026, 2, 28, 16, 0, 0, 0, time.UTC), b.Start)
		assert.Equal(t, int64(1), b.Impressions)
	}

	// a late event for the retired hour lands in the oldest live bucket
	e.Apply(adEvent("late", domain.EventTypeImpression, "C1", old))
	assert.True(t, e.Watermark().After(old))

	buckets := e.Snapshot(domain.ScopeCampaign, "C1", time.Time{}, later.Add(time.Hour))
	var total int64
	for _, b := range buckets {
		assert.False(t, b.Start.Before(e.Watermark()))
		total += b.Impressions
	}
	assert.Equal(t, int64(2), total)

	assert.Empty(t, e.Sweep(later))
}

func TestEngine_TopCampaigns(t *testing.T) {
	e := newTestEngine(t)
	at := testNow.Add(-time.Minute)

	for i, c := range []struct {
		id      string
		revenue string
	}{{"C1", "5"}, {"C2", "50"}, {"C3", "20"}} {
		ev := adEvent(fmt.Sprintf("conv-%d", i), domain.EventTypeConversion, c.id, at)
		ev.RevenueUSD = decimal.RequireFromString(c.revenue)
		e.Apply(ev)
	}

	top := e.TopCampaigns(testNow.Add(-time.Hour), testNow.Add(time.Hour), 2)
	require.Len(t, top, 2)
	assert.Equal(t, "C2", top[0].CampaignID)
	assert.Equal(t, "C3", top[1].CampaignID)
}

type MockRollupWriter struct {
	mock.Mock
}

func (m *MockRollupWriter) WriteRollups(ctx context.Context, buckets []domain.Bucket) error {
	args := m.Called(ctx, buckets)
	return args.Error(0)
}

func TestSweeper_FlushesRetiredBuckets(t *testing.T) {
	e := newTestEngine(t)
	e.Apply(adEvent("old", domain.EventTypeImpression, "C1", testNow.Add(-20*time.Hour)))

	writer := new(MockRollupWriter)
	written := make(chan struct{})
	writer.On("WriteRollups", mock.Anything, mock.MatchedBy(func(b []domain.Bucket) bool {
		return len(b) == 3
	})).Return(nil).Run(func(mock.Arguments) { close(written) })

	s := NewSweeper(e, writer, time.Hour, metrics.NewPipeline(nil), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	assert.Equal(t, 3, s.SweepOnce(testNow.Add(6*time.Hour)))

	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("rollups were not written")
	}

	cancel()
	assert.ErrorIs(t, <-served, context.Canceled)
	writer.AssertExpectations(t)
}

func TestSweeper_DropsWhenQueueFull(t *testing.T) {
	e := newTestEngine(t)
	m := metrics.NewPipeline(nil)
	s := NewSweeper(e, new(MockRollupWriter), time.Hour, m, zap.NewNop())
	s.queue = make(chan rollupBatch)

	e.Apply(adEvent("old", domain.EventTypeImpression, "C1", testNow.Add(-20*time.Hour)))
	assert.Equal(t, 3, s.SweepOnce(testNow.Add(6*time.Hour)))
	assert.Equal(t, int64(3), m.Get(metrics.RollupsDropped))
	assert.Zero(t, s.Pending())
}

func TestSweeper_SnapshotServesBucketsUntilWritten(t *testing.T) {
	e := newTestEngine(t)
	e.Apply(adEvent("old", domain.EventTypeImpression, "C1", testNow.Add(-20*time.Hour)))

	release := make(chan struct{})
	writer := new(MockRollupWriter)
	writer.On("WriteRollups", mock.Anything, mock.Anything).
		Return(nil).
		Run(func(mock.Arguments) { <-release })

	s := NewSweeper(e, writer, time.Hour, metrics.NewPipeline(nil), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	from, to := testNow.Add(-24*time.Hour), testNow
	require.Equal(t, 3, s.SweepOnce(testNow.Add(6*time.Hour)))
	assert.Empty(t, e.Snapshot(domain.ScopeCampaign, "C1", from, to))

	buckets := s.Snapshot(domain.ScopeCampaign, "C1", from, to)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].Impressions)
	assert.Equal(t, 3, s.Pending())

	close(release)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Snapshot(domain.ScopeCampaign, "C1", from, to))

	cancel()
	assert.ErrorIs(t, <-served, context.Canceled)
}
