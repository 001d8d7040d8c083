package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseEventType(t *testing.T) {
	for _, raw := range []string{"impression", "click", "conversion"} {
		et, err := ParseEventType(raw)
		assert.NoError(t, err)
		assert.True(t, et.IsValid())
		assert.Equal(t, raw, string(et))
	}

	_, err := ParseEventType("view")
	assert.Error(t, err)
	assert.False(t, EventType("Impression").IsValid())
}

func TestEvent_EventTime(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		timestamp time.Time
		want      time.Time
	}{
		{"missing timestamp", time.Time{}, received},
		{"within skew", received.Add(-5 * time.Minute), received.Add(-5 * time.Minute)},
		{"too far in past", received.Add(-2 * time.Hour), received},
		{"too far in future", received.Add(time.Hour), received},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Event{Timestamp: tt.timestamp, ReceivedAt: received}
			assert.Equal(t, tt.want, e.EventTime(10*time.Minute))
		})
	}
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("parse: %w", NewValidationError("event_id", "is required"))

	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "event_id")
	assert.False(t, IsValidationError(fmt.Errorf("boom")))
}

func TestDeriveEventID(t *testing.T) {
	a := DeriveEventID("u1", EventTypeClick, 1772366400000, "C1")
	b := DeriveEventID("u1", EventTypeClick, 1772366400000, "C1")
	c := DeriveEventID("u1", EventTypeClick, 1772366400001, "C1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
