package dto

import (
	"github.com/shopspring/decimal"
)

// PublishEventRequest represents a single ad event submitted to the gateway
type PublishEventRequest struct {
	EventID      string           `json:"event_id" binding:"omitempty,max=256" example:"imp_1a2b3c4d5e6f7a8b"`
	EventType    string           `json:"event_type" binding:"required,oneof=impression click conversion" example:"impression"`
	CampaignID   string           `json:"campaign_id" binding:"required,max=256" example:"cmp_spring_sale"`
	UserID       string           `json:"user_id" binding:"required,max=256" example:"user_123"`
	DeviceClass  string           `json:"device_class" binding:"omitempty,max=64" example:"mobile"`
	Timestamp    int64            `json:"timestamp" binding:"omitempty,gte=0" example:"1772366400000"`
	RevenueUSD   *decimal.Decimal `json:"revenue_usd,omitempty" example:"12.5"`
	AdID         string           `json:"ad_id,omitempty" binding:"omitempty,max=256"`
	AdvertiserID string           `json:"advertiser_id,omitempty" binding:"omitempty,max=256"`
	Country      string           `json:"country,omitempty" binding:"omitempty,len=2"`
	BidPriceUSD  *decimal.Decimal `json:"bid_price_usd,omitempty"`
}

// PublishEventsBulkRequest represents a batch of events submitted at once
type PublishEventsBulkRequest struct {
	Events []PublishEventRequest `json:"events" binding:"required,min=1,max=500,dive"`
}

// GetMetricsRequest represents the stored-event metrics query. From and To are Unix seconds.
type GetMetricsRequest struct {
	EventType  string `form:"event_type" binding:"omitempty,oneof=impression click conversion"`
	CampaignID string `form:"campaign_id"`
	From       int64  `form:"from" binding:"required"`
	To         int64  `form:"to" binding:"required"`
	GroupBy    string `form:"group_by" binding:"omitempty,oneof=device campaign hour day"`
}

// ListEventsRequest bounds an event listing. From and To are Unix seconds.
type ListEventsRequest struct {
	From  int64 `form:"from"`
	To    int64 `form:"to"`
	Limit int   `form:"limit" binding:"omitempty,min=1,max=1000"`
}

// SnapshotRequest selects aggregate buckets. From and To are Unix seconds;
// both default to a window ending now.
type SnapshotRequest struct {
	Scope     string `form:"scope" binding:"omitempty,oneof=global campaign device"`
	Dimension string `form:"dimension" binding:"omitempty,max=256"`
	From      int64  `form:"from" binding:"omitempty,gte=0"`
	To        int64  `form:"to" binding:"omitempty,gte=0"`
}

// TopCampaignsRequest ranks campaigns over a window
type TopCampaignsRequest struct {
	From  int64 `form:"from" binding:"omitempty,gte=0"`
	To    int64 `form:"to" binding:"omitempty,gte=0"`
	Limit int   `form:"limit" binding:"omitempty,min=1,max=100"`
}
