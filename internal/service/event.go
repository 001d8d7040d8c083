package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/dto"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository"
)

const (
	defaultListLimit = 100
	maxHourlyRange   = 90 * 24 * time.Hour
	futureTolerance  = time.Second
)

// EventService represents event service
type EventService struct {
	publisher  queue.QueuePublisher
	repository repository.EventStore
	log        *zap.Logger
	now        func() time.Time
}

// NewEventService creates a new event service
func NewEventService(publisher queue.QueuePublisher, repo repository.EventStore, log *zap.Logger) *EventService {
	return &EventService{
		publisher:  publisher,
		repository: repo,
		log:        log,
		now:        time.Now,
	}
}

// ProcessEvent validates an event and publishes it to the queue. Events
// without an id get a deterministic one so client retries deduplicate.
func (s *EventService) ProcessEvent(ctx context.Context, event *dto.PublishEventRequest) (string, error) {
	eventType := domain.EventType(event.EventType)

	nowMillis := s.now().UnixMilli()
	if event.Timestamp > nowMillis+futureTolerance.Milliseconds() {
		s.log.Warn("Timestamp validation failed: future timestamp",
			zap.Int64("event_timestamp", event.Timestamp),
			zap.Int64("current_time", nowMillis),
			zap.String("event_type", event.EventType))
		return "", domain.NewValidationError("timestamp", fmt.Sprintf("cannot be in the future: %d > %d", event.Timestamp, nowMillis))
	}
	if event.RevenueUSD != nil {
		if event.RevenueUSD.IsNegative() {
			return "", domain.NewValidationError("revenue_usd", "must not be negative")
		}
		if !event.RevenueUSD.IsZero() && eventType != domain.EventTypeConversion {
			return "", domain.NewValidationError("revenue_usd", "is only allowed on conversion events")
		}
	}
	if event.BidPriceUSD != nil && event.BidPriceUSD.IsNegative() {
		return "", domain.NewValidationError("bid_price_usd", "must not be negative")
	}

	eventID := event.EventID
	if eventID == "" {
		eventID = domain.DeriveEventID(event.UserID, eventType, event.Timestamp, event.CampaignID)
	}

	msg := &dto.EventMessage{
		EventID:      eventID,
		EventType:    event.EventType,
		CampaignID:   event.CampaignID,
		UserID:       event.UserID,
		DeviceClass:  event.DeviceClass,
		Timestamp:    event.Timestamp,
		RevenueUSD:   event.RevenueUSD,
		AdID:         event.AdID,
		AdvertiserID: event.AdvertiserID,
		Country:      strings.ToUpper(event.Country),
		BidPriceUSD:  event.BidPriceUSD,
	}

	if err := s.publisher.PublishEvent(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to publish event to queue: %w", err)
	}

	return eventID, nil
}

// ProcessBulkEvents validates and processes multiple events
func (s *EventService) ProcessBulkEvents(ctx context.Context, events []dto.PublishEventRequest) ([]string, []string, error) {
	var eventIDs []string
	var errors []string

	for i := range events {
		eventID, err := s.ProcessEvent(ctx, &events[i])
		if err != nil {
			if ctx.Err() != nil {
				return eventIDs, errors, ctx.Err()
			}
			errors = append(errors, fmt.Sprintf("event %d: %s", i, err.Error()))
			s.log.Warn("Failed to process event in bulk",
				zap.Int("index", i),
				zap.Error(err),
				zap.String("event_type", events[i].EventType))
			continue
		}
		eventIDs = append(eventIDs, eventID)
	}

	return eventIDs, errors, nil
}

// GetMetrics retrieves aggregated metrics from the repository
func (s *EventService) GetMetrics(ctx context.Context, req *dto.GetMetricsRequest) (*dto.GetMetricsResponse, error) {
	if req.From > req.To {
		s.log.Warn("Invalid time range for metrics",
			zap.Int64("from", req.From),
			zap.Int64("to", req.To))
		return nil, domain.NewValidationError("from", "must be less than or equal to to")
	}

	if req.GroupBy != "" {
		if !repository.SupportedGroupBy[req.GroupBy] {
			return nil, domain.NewValidationError("group_by", fmt.Sprintf("unsupported value %q (supported: device, campaign, hour, day)", req.GroupBy))
		}

		rangeDuration := time.Duration(req.To-req.From) * time.Second
		if req.GroupBy == "hour" && rangeDuration > maxHourlyRange {
			days := int64(rangeDuration / (24 * time.Hour))
			return nil, domain.NewValidationError("group_by", fmt.Sprintf("time range too large for hourly grouping (max 90 days, got %d days)", days))
		}
	}

	query := repository.MetricsQuery{
		EventType:  domain.EventType(req.EventType),
		CampaignID: req.CampaignID,
		From:       time.Unix(req.From, 0).UTC(),
		To:         time.Unix(req.To, 0).UTC(),
		GroupBy:    req.GroupBy,
	}

	s.log.Debug("Querying metrics",
		zap.String("event_type", req.EventType),
		zap.String("campaign_id", req.CampaignID),
		zap.Int64("from", req.From),
		zap.Int64("to", req.To),
		zap.String("group_by", req.GroupBy))

	result, err := s.repository.GetMetrics(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics from repository: %w", err)
	}

	response := &dto.GetMetricsResponse{
		EventType:   req.EventType,
		CampaignID:  req.CampaignID,
		From:        req.From,
		To:          req.To,
		TotalCount:  result.TotalCount,
		UniqueUsers: result.UniqueUsers,
		GroupBy:     req.GroupBy,
		Groups:      make([]dto.MetricsGroupData, 0, len(result.Groups)),
	}

	for _, group := range result.Groups {
		response.Groups = append(response.Groups, dto.MetricsGroupData{
			GroupValue: group.GroupValue,
			TotalCount: group.TotalCount,
		})
	}

	return response, nil
}

// CampaignEvents lists a campaign's stored events, newest first
func (s *EventService) CampaignEvents(ctx context.Context, campaignID string, req *dto.ListEventsRequest) (*dto.EventsResponse, error) {
	from, to, err := s.window(req)
	if err != nil {
		return nil, err
	}

	events, err := s.repository.EventsByCampaign(ctx, campaignID, from, to, limitOrDefault(req.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign events: %w", err)
	}
	return &dto.EventsResponse{Count: len(events), Events: events}, nil
}

// UserEvents lists a user's stored events, newest first
func (s *EventService) UserEvents(ctx context.Context, userID string, req *dto.ListEventsRequest) (*dto.EventsResponse, error) {
	events, err := s.repository.EventsByUser(ctx, userID, limitOrDefault(req.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list user events: %w", err)
	}
	return &dto.EventsResponse{Count: len(events), Events: events}, nil
}

// CampaignStats returns the stored, deduplicated counts of a campaign
func (s *EventService) CampaignStats(ctx context.Context, campaignID string, req *dto.ListEventsRequest) (*dto.CampaignStatsResponse, error) {
	from, to, err := s.window(req)
	if err != nil {
		return nil, err
	}

	counts, err := s.repository.CampaignStats(ctx, campaignID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign stats: %w", err)
	}

	return &dto.CampaignStatsResponse{
		CampaignID:     campaignID,
		From:           from,
		To:             to,
		Counts:         counts,
		CTR:            counts.CTR(),
		ConversionRate: counts.ConversionRate(),
	}, nil
}

// Ready checks the durable store
func (s *EventService) Ready(ctx context.Context) error {
	return s.repository.Ping(ctx)
}

// window resolves a listing range, defaulting to the last 24 hours
func (s *EventService) window(req *dto.ListEventsRequest) (time.Time, time.Time, error) {
	to := s.now().UTC()
	if req.To > 0 {
		to = time.Unix(req.To, 0).UTC()
	}
	from := to.Add(-24 * time.Hour)
	if req.From > 0 {
		from = time.Unix(req.From, 0).UTC()
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, domain.NewValidationError("from", "must be less than or equal to to")
	}
	return from, to, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
