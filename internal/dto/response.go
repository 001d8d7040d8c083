package dto

import (
	"time"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"validation_error"`
	Message string `json:"message,omitempty" example:"campaign_id is required"`
}

// PublishEventResponse represents a successful event ingestion response
type PublishEventResponse struct {
	EventID string `json:"event_id" example:"imp_1a2b3c4d5e6f7a8b"`
	Status  string `json:"status" example:"accepted"`
}

// PublishBulkEventsResponse represents a successful bulk event ingestion response
type PublishBulkEventsResponse struct {
	Accepted int      `json:"accepted" example:"5"`
	Rejected int      `json:"rejected" example:"0"`
	EventIDs []string `json:"event_ids,omitempty"`
	Errors   []string `json:"errors,omitempty" example:"event 3: revenue_usd is only allowed on conversion events"`
}

// MetricsGroupData represents aggregated metrics for a specific group
type MetricsGroupData struct {
	GroupValue string `json:"group_value" example:"mobile"`
	TotalCount uint64 `json:"total_count" example:"1500"`
}

// GetMetricsResponse represents the metrics query response
type GetMetricsResponse struct {
	EventType   string             `json:"event_type,omitempty" example:"click"`
	CampaignID  string             `json:"campaign_id,omitempty"`
	From        int64              `json:"from" example:"1772366400"`
	To          int64              `json:"to" example:"1772452800"`
	TotalCount  uint64             `json:"total_count" example:"5000"`
	UniqueUsers uint64             `json:"unique_users" example:"2500"`
	GroupBy     string             `json:"group_by,omitempty" example:"device"`
	Groups      []MetricsGroupData `json:"groups,omitempty"`
}

// EventsResponse lists stored events
type EventsResponse struct {
	Count  int             `json:"count"`
	Events []*domain.Event `json:"events"`
}

// CampaignStatsResponse carries stored counts for one campaign
type CampaignStatsResponse struct {
	CampaignID     string        `json:"campaign_id"`
	From           time.Time     `json:"from"`
	To             time.Time     `json:"to"`
	Counts         domain.Counts `json:"counts"`
	CTR            float64       `json:"ctr"`
	ConversionRate float64       `json:"conversion_rate"`
}
