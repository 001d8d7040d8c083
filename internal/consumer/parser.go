package consumer

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/dto"
)

// JSONEventParser implements MessageParser for JSON-formatted event messages
type JSONEventParser struct {
	validate       *validator.Validate
	deriveEventIDs bool
}

// NewJSONEventParser creates a new JSON event parser. With deriveEventIDs
// set, an event without event_id receives a deterministic one instead of
// being rejected.
func NewJSONEventParser(deriveEventIDs bool) *JSONEventParser {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return &JSONEventParser{validate: v, deriveEventIDs: deriveEventIDs}
}

// Parse parses a JSON message body into a validated Event. Every
// rejection is a *domain.ValidationError.
func (p *JSONEventParser) Parse(body []byte, receivedAt time.Time) (*domain.Event, error) {
	var msg dto.EventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, domain.NewValidationError("", "malformed JSON: "+err.Error())
	}

	eventType, err := domain.ParseEventType(strings.ToLower(strings.TrimSpace(msg.EventType)))
	if err != nil {
		if msg.EventType == "" {
			return nil, domain.NewValidationError("event_type", "is required")
		}
		return nil, domain.NewValidationError("event_type", err.Error())
	}

	if msg.Timestamp < 0 {
		return nil, domain.NewValidationError("timestamp", "must not be negative")
	}

	revenue, err := nonNegative("revenue_usd", msg.RevenueUSD)
	if err != nil {
		return nil, err
	}
	if !revenue.IsZero() && eventType != domain.EventTypeConversion {
		return nil, domain.NewValidationError("revenue_usd", "is only allowed on conversion events")
	}

	bidPrice, err := nonNegative("bid_price_usd", msg.BidPriceUSD)
	if err != nil {
		return nil, err
	}

	event := &domain.Event{
		EventID:      strings.TrimSpace(msg.EventID),
		EventType:    eventType,
		CampaignID:   strings.TrimSpace(msg.CampaignID),
		UserID:       strings.TrimSpace(msg.UserID),
		DeviceClass:  deviceClass(msg),
		RevenueUSD:   revenue,
		ReceivedAt:   receivedAt.UTC(),
		AdID:         msg.AdID,
		AdvertiserID: msg.AdvertiserID,
		Country:      strings.ToUpper(msg.Country),
		BidPriceUSD:  bidPrice,
	}
	if msg.Timestamp > 0 {
		event.Timestamp = time.UnixMilli(msg.Timestamp).UTC()
	}

	if event.EventID == "" && p.deriveEventIDs && event.UserID != "" && event.CampaignID != "" {
		event.EventID = domain.DeriveEventID(event.UserID, event.EventType, msg.Timestamp, event.CampaignID)
	}

	if err := p.validate.Struct(event); err != nil {
		return nil, validationError(err)
	}

	return event, nil
}

func deviceClass(msg dto.EventMessage) string {
	device := msg.DeviceClass
	if device == "" {
		device = msg.DeviceType
	}
	device = strings.ToLower(strings.TrimSpace(device))
	if device == "" {
		return domain.DeviceClassUnknown
	}
	return device
}

func nonNegative(field string, value *decimal.Decimal) (decimal.Decimal, error) {
	if value == nil {
		return decimal.Zero, nil
	}
	if value.IsNegative() {
		return decimal.Zero, domain.NewValidationError(field, "must not be negative")
	}
	return *value, nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.NewValidationError("", err.Error())
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return domain.NewValidationError(fe.Field(), "is required")
	case "max":
		return domain.NewValidationError(fe.Field(), fmt.Sprintf("must be at most %s characters", fe.Param()))
	default:
		return domain.NewValidationError(fe.Field(), "is invalid")
	}
}
