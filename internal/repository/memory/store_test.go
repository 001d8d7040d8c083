package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func storeEvent(id string, typ domain.EventType, campaign, user string, offset time.Duration) *domain.Event {
	return &domain.Event{
		EventID:     id,
		EventType:   typ,
		CampaignID:  campaign,
		UserID:      user,
		DeviceClass: "desktop",
		Timestamp:   base.Add(offset),
		ReceivedAt:  base.Add(offset),
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	conv := storeEvent("e3", domain.EventTypeConversion, "C1", "u2", 2*time.Minute)
	conv.RevenueUSD = decimal.RequireFromString("4.20")
	batch := []*domain.Event{
		storeEvent("e1", domain.EventTypeImpression, "C1", "u1", 0),
		storeEvent("e2", domain.EventTypeClick, "C1", "u1", time.Minute),
		conv,
	}

	n, err := s.UpsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	before, err := s.CampaignStats(ctx, "C1", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)

	_, err = s.UpsertBatch(ctx, batch)
	require.NoError(t, err)

	after, err := s.CampaignStats(ctx, "C1", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, before.Total(), after.Total())
	assert.True(t, after.Revenue.Equal(decimal.RequireFromString("4.20")))
}

func TestStore_RejectsEventWithoutID(t *testing.T) {
	s := NewStore()

	_, err := s.UpsertBatch(context.Background(), []*domain.Event{{EventType: domain.EventTypeClick}})
	assert.ErrorIs(t, err, repository.ErrInvalidData)
	assert.Zero(t, s.Len())
}

func TestStore_RangeQueries(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.UpsertBatch(ctx, []*domain.Event{
		storeEvent("e1", domain.EventTypeImpression, "C1", "u1", 0),
		storeEvent("e2", domain.EventTypeImpression, "C1", "u2", 2*time.Hour),
		storeEvent("e3", domain.EventTypeClick, "C2", "u1", time.Minute),
	})
	require.NoError(t, err)

	campaign, err := s.EventsByCampaign(ctx, "C1", base, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, campaign, 1)
	assert.Equal(t, "e1", campaign[0].EventID)

	user, err := s.EventsByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, user, 2)
	assert.Equal(t, "e3", user[0].EventID)

	limited, err := s.EventsByUser(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_GetMetrics(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.UpsertBatch(ctx, []*domain.Event{
		storeEvent("e1", domain.EventTypeImpression, "C1", "u1", 0),
		storeEvent("e2", domain.EventTypeImpression, "C2", "u1", time.Minute),
		storeEvent("e3", domain.EventTypeImpression, "C1", "u2", time.Hour),
	})
	require.NoError(t, err)

	result, err := s.GetMetrics(ctx, repository.MetricsQuery{
		EventType: domain.EventTypeImpression,
		From:      base,
		To:        base.Add(2 * time.Hour),
		GroupBy:   "hour",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.TotalCount)
	assert.Equal(t, uint64(2), result.UniqueUsers)
	require.Len(t, result.Groups, 2)
	assert.Equal(t, "2026-03-01 12:00:00", result.Groups[0].GroupValue)
	assert.Equal(t, uint64(2), result.Groups[0].TotalCount)

	_, err = s.GetMetrics(ctx, repository.MetricsQuery{GroupBy: "channel"})
	assert.Error(t, err)
}

func TestStore_Rollups(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	bucket := domain.Bucket{
		Scope:     domain.ScopeCampaign,
		Dimension: "C1",
		Start:     base,
		End:       base.Add(time.Hour),
		Counts:    domain.Counts{Impressions: 10},
	}
	require.NoError(t, s.WriteRollups(ctx, []domain.Bucket{bucket}))
	bucket.Impressions = 12
	require.NoError(t, s.WriteRollups(ctx, []domain.Bucket{bucket}))

	out, err := s.Rollups(ctx, domain.ScopeCampaign, "C1", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(12), out[0].Impressions)

	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(ctx))
}
