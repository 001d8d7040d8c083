package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scope names an aggregation dimension
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeCampaign Scope = "campaign"
	ScopeDevice   Scope = "device"
)

// ParseScope converts a raw string into a Scope
func ParseScope(value string) (Scope, bool) {
	switch Scope(value) {
	case ScopeGlobal, ScopeCampaign, ScopeDevice:
		return Scope(value), true
	}
	return "", false
}

// Counts are the additive totals of one bucket
type Counts struct {
	Impressions int64           `json:"impressions" ch:"impressions"`
	Clicks      int64           `json:"clicks" ch:"clicks"`
	Conversions int64           `json:"conversions" ch:"conversions"`
	Revenue     decimal.Decimal `json:"revenue_usd" ch:"revenue_usd"`
}

// Record adds one event to the totals
func (c *Counts) Record(e *Event) {
	switch e.EventType {
	case EventTypeImpression:
		c.Impressions++
	case EventTypeClick:
		c.Clicks++
	case EventTypeConversion:
		c.Conversions++
		c.Revenue = c.Revenue.Add(e.RevenueUSD)
	}
}

// Merge adds other into c
func (c *Counts) Merge(other Counts) {
	c.Impressions += other.Impressions
	c.Clicks += other.Clicks
	c.Conversions += other.Conversions
	c.Revenue = c.Revenue.Add(other.Revenue)
}

// Total returns the number of events counted
func (c Counts) Total() int64 {
	return c.Impressions + c.Clicks + c.Conversions
}

// CTR is clicks over impressions; zero impressions yields zero clicks/1
func (c Counts) CTR() float64 {
	return float64(c.Clicks) / float64(max(c.Impressions, 1))
}

// ConversionRate is conversions over clicks, with the same guard as CTR
func (c Counts) ConversionRate() float64 {
	return float64(c.Conversions) / float64(max(c.Clicks, 1))
}

// Bucket is a copy of one time bucket's totals. It is used for
// snapshots, for retired buckets flushed to the durable store, and for
// rollups read back from it.
type Bucket struct {
	Scope     Scope     `json:"scope" ch:"scope"`
	Dimension string    `json:"dimension" ch:"dimension"`
	Start     time.Time `json:"bucket_start" ch:"bucket_start"`
	End       time.Time `json:"bucket_end" ch:"bucket_end"`
	Counts
}
