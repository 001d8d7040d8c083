package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the closed set of ad event kinds driving funnel aggregation
type EventType string

const (
	EventTypeImpression EventType = "impression"
	EventTypeClick      EventType = "click"
	EventTypeConversion EventType = "conversion"
)

// DeviceClassUnknown is used when the producer omits the device class
const DeviceClassUnknown = "unknown"

var validEventTypes = []EventType{
	EventTypeImpression,
	EventTypeClick,
	EventTypeConversion,
}

// IsValid reports whether the value is one of the known event types
func (t EventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseEventType converts a raw string into an EventType
func ParseEventType(value string) (EventType, error) {
	for _, candidate := range validEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}

// Event represents a parsed and validated ad event
type Event struct {
	EventID     string          `json:"event_id" ch:"event_id" validate:"required,max=256"`
	EventType   EventType       `json:"event_type" ch:"event_type" validate:"required"`
	CampaignID  string          `json:"campaign_id" ch:"campaign_id" validate:"required,max=256"`
	UserID      string          `json:"user_id" ch:"user_id" validate:"required,max=256"`
	DeviceClass string          `json:"device_class" ch:"device_class" validate:"max=64"`
	Timestamp   time.Time       `json:"timestamp" ch:"timestamp"`
	RevenueUSD  decimal.Decimal `json:"revenue_usd" ch:"revenue_usd"`
	ReceivedAt  time.Time       `json:"received_at" ch:"received_at"`

	AdID         string          `json:"ad_id,omitempty" ch:"ad_id"`
	AdvertiserID string          `json:"advertiser_id,omitempty" ch:"advertiser_id"`
	Country      string          `json:"country,omitempty" ch:"country"`
	BidPriceUSD  decimal.Decimal `json:"bid_price_usd" ch:"bid_price_usd"`
}

// EventTime returns the time used for bucketing, falling back to the
// ingestion time when the producer time is missing or outside skew of it.
func (e *Event) EventTime(skew time.Duration) time.Time {
	if e.Timestamp.IsZero() {
		return e.ReceivedAt
	}
	diff := e.Timestamp.Sub(e.ReceivedAt)
	if diff < 0 {
		diff = -diff
	}
	if skew > 0 && diff > skew {
		return e.ReceivedAt
	}
	return e.Timestamp
}

// DeriveEventID builds a deterministic id for producers that do not assign one.
// Resending the same logical event yields the same id.
func DeriveEventID(userID string, eventType EventType, timestampMillis int64, campaignID string) string {
	data := fmt.Sprintf("%s|%s|%d|%s", userID, eventType, timestampMillis, campaignID)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
