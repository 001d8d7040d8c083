package service

import (
	"context"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/dto"
)

// EventServicer defines the interface for event service operations
type EventServicer interface {
	ProcessEvent(ctx context.Context, event *dto.PublishEventRequest) (string, error)
	ProcessBulkEvents(ctx context.Context, events []dto.PublishEventRequest) ([]string, []string, error)
	GetMetrics(ctx context.Context, req *dto.GetMetricsRequest) (*dto.GetMetricsResponse, error)
	CampaignEvents(ctx context.Context, campaignID string, req *dto.ListEventsRequest) (*dto.EventsResponse, error)
	UserEvents(ctx context.Context, userID string, req *dto.ListEventsRequest) (*dto.EventsResponse, error)
	CampaignStats(ctx context.Context, campaignID string, req *dto.ListEventsRequest) (*dto.CampaignStatsResponse, error)
	Ready(ctx context.Context) error
}
