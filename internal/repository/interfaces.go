package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
)

// ErrInvalidData marks a write the store rejected because of the data
// itself. Retrying such a write cannot succeed.
var ErrInvalidData = errors.New("store rejected invalid data")

// MetricsQuery represents a metrics query parameters
type MetricsQuery struct {
	EventType  domain.EventType
	CampaignID string
	From       time.Time
	To         time.Time
	GroupBy    string
}

// MetricsGroupResult represents aggregated metrics for a specific group
type MetricsGroupResult struct {
	GroupValue string
	TotalCount uint64
}

// MetricsResult represents the result of a metrics query
type MetricsResult struct {
	TotalCount  uint64
	UniqueUsers uint64
	Groups      []MetricsGroupResult
}

// SupportedGroupBy lists the accepted MetricsQuery.GroupBy values
var SupportedGroupBy = map[string]bool{"device": true, "campaign": true, "hour": true, "day": true}

// EventStore is the durable, idempotent event table
type EventStore interface {
	// UpsertBatch writes events keyed by event_id; rewriting an event
	// already stored leaves the stored state unchanged
	UpsertBatch(ctx context.Context, events []*domain.Event) (int, error)

	// EventsByCampaign returns a campaign's events in [from, to), newest first
	EventsByCampaign(ctx context.Context, campaignID string, from, to time.Time, limit int) ([]*domain.Event, error)

	// EventsByUser returns a user's events, newest first
	EventsByUser(ctx context.Context, userID string, limit int) ([]*domain.Event, error)

	// CampaignStats counts a campaign's stored events in [from, to)
	CampaignStats(ctx context.Context, campaignID string, from, to time.Time) (domain.Counts, error)

	// GetMetrics retrieves aggregated metrics based on the query
	GetMetrics(ctx context.Context, query MetricsQuery) (*MetricsResult, error)

	// InitSchema initializes the database schema (creates tables if they don't exist)
	InitSchema(ctx context.Context) error

	// Ping checks if the database connection is alive
	Ping(ctx context.Context) error

	// Close closes the repository and releases resources
	Close() error
}

// RollupStore keeps the totals of aggregate buckets retired from memory
type RollupStore interface {
	WriteRollups(ctx context.Context, buckets []domain.Bucket) error
	Rollups(ctx context.Context, scope domain.Scope, dimension string, from, to time.Time) ([]domain.Bucket, error)
}

// Store is a durable store serving both events and rollups
type Store interface {
	EventStore
	RollupStore
}
