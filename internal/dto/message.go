package dto

import (
	"github.com/shopspring/decimal"
)

// EventMessage is the queue message body written by producers and read by the consumer.
// Timestamp is producer time in epoch milliseconds.
type EventMessage struct {
	EventID      string           `json:"event_id,omitempty"`
	EventType    string           `json:"event_type"`
	CampaignID   string           `json:"campaign_id"`
	UserID       string           `json:"user_id"`
	DeviceClass  string           `json:"device_class,omitempty"`
	DeviceType   string           `json:"device_type,omitempty"`
	Timestamp    int64            `json:"timestamp,omitempty"`
	RevenueUSD   *decimal.Decimal `json:"revenue_usd,omitempty"`
	AdID         string           `json:"ad_id,omitempty"`
	AdvertiserID string           `json:"advertiser_id,omitempty"`
	Country      string           `json:"country,omitempty"`
	BidPriceUSD  *decimal.Decimal `json:"bid_price_usd,omitempty"`
}
