package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository"
)

// Exception codes caused by the rows themselves rather than the server
var invalidDataCodes = map[int32]bool{
	6:   true, // CANNOT_PARSE_TEXT
	27:  true, // CANNOT_PARSE_INPUT_ASSERTION_FAILED
	41:  true, // CANNOT_PARSE_DATETIME
	53:  true, // TYPE_MISMATCH
	69:  true, // ARGUMENT_OUT_OF_BOUND
	70:  true, // CANNOT_CONVERT_TYPE
	72:  true, // CANNOT_PARSE_NUMBER
	117: true, // INCORRECT_DATA
}

const eventColumns = `event_id, event_type, campaign_id, user_id, device_class,
	ad_id, advertiser_id, country, event_time, timestamp, received_at,
	revenue_usd, bid_price_usd`

// Repository implements repository.Store for ClickHouse
type Repository struct {
	client *Client
	log    *zap.Logger
}

// NewRepository creates a new ClickHouse repository
func NewRepository(client *Client, log *zap.Logger) *Repository {
	return &Repository{
		client: client,
		log:    log,
	}
}

// InitSchema creates the events and rollup tables. Both use
// ReplacingMergeTree keyed by their identity so rewrites collapse, and
// reads use FINAL.
func (r *Repository) InitSchema(ctx context.Context) error {
	events := `
	CREATE TABLE IF NOT EXISTS events (
		event_id String,
		event_type LowCardinality(String),
		campaign_id String,
		user_id String,
		device_class LowCardinality(String),
		ad_id String,
		advertiser_id String,
		country LowCardinality(String),
		event_time DateTime64(3, 'UTC'),
		timestamp DateTime64(3, 'UTC'),
		received_at DateTime64(3, 'UTC'),
		revenue_usd Decimal(18, 6),
		bid_price_usd Decimal(18, 6),
		version UInt64,
		INDEX idx_campaign campaign_id TYPE bloom_filter GRANULARITY 4,
		INDEX idx_user user_id TYPE bloom_filter GRANULARITY 4
	) ENGINE = ReplacingMergeTree(version)
	PARTITION BY toYYYYMMDD(event_time)
	ORDER BY (event_id)
	SETTINGS index_granularity = 8192
	`
	if err := r.client.Conn().Exec(ctx, events); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	rollups := `
	CREATE TABLE IF NOT EXISTS bucket_rollups (
		scope LowCardinality(String),
		dimension String,
		bucket_start DateTime('UTC'),
		bucket_end DateTime('UTC'),
		impressions Int64,
		clicks Int64,
		conversions Int64,
		revenue_usd Decimal(18, 6),
		written_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(written_at)
	ORDER BY (scope, dimension, bucket_start)
	`
	if err := r.client.Conn().Exec(ctx, rollups); err != nil {
		return fmt.Errorf("failed to create bucket_rollups table: %w", err)
	}

	r.log.Info("ClickHouse schema initialized")
	return nil
}

// UpsertBatch inserts a batch of events. The events table collapses rows
// sharing an event_id, so a retried batch does not double count.
func (r *Repository) UpsertBatch(ctx context.Context, events []*domain.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch, err := r.client.Conn().PrepareBatch(ctx, "INSERT INTO events ("+eventColumns+", version)")
	if err != nil {
		return 0, classify(fmt.Errorf("failed to prepare batch: %w", err))
	}

	for _, event := range events {
		err := batch.Append(
			event.EventID,
			string(event.EventType),
			event.CampaignID,
			event.UserID,
			event.DeviceClass,
			event.AdID,
			event.AdvertiserID,
			event.Country,
			event.EventTime(0),
			event.Timestamp,
			event.ReceivedAt,
			event.RevenueUSD,
			event.BidPriceUSD,
			uint64(event.ReceivedAt.UnixNano()),
		)
		if err != nil {
			_ = batch.Abort()
			return 0, fmt.Errorf("%w: failed to append event %s: %v", repository.ErrInvalidData, event.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, classify(fmt.Errorf("failed to send batch: %w", err))
	}

	return len(events), nil
}

// EventsByCampaign returns a campaign's events in [from, to)
func (r *Repository) EventsByCampaign(ctx context.Context, campaignID string, from, to time.Time, limit int) ([]*domain.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM events FINAL
		WHERE campaign_id = ? AND event_time >= ? AND event_time < ?
		ORDER BY event_time DESC
		LIMIT ?`
	return r.queryEvents(ctx, query, campaignID, from, to, limit)
}

// EventsByUser returns a user's most recent events
func (r *Repository) EventsByUser(ctx context.Context, userID string, limit int) ([]*domain.Event, error) {
	query := `SELECT ` + eventColumns + `
		FROM events FINAL
		WHERE user_id = ?
		ORDER BY event_time DESC
		LIMIT ?`
	return r.queryEvents(ctx, query, userID, limit)
}

func (r *Repository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*domain.Event, error) {
	rows, err := r.client.Conn().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func(rows driver.Rows) {
		if err := rows.Close(); err != nil {
			r.log.Error("Failed to close event rows", zap.Error(err))
		}
	}(rows)

	var events []*domain.Event
	for rows.Next() {
		var (
			ev        domain.Event
			eventType string
			eventTime time.Time
		)
		if err := rows.Scan(
			&ev.EventID, &eventType, &ev.CampaignID, &ev.UserID, &ev.DeviceClass,
			&ev.AdID, &ev.AdvertiserID, &ev.Country, &eventTime, &ev.Timestamp, &ev.ReceivedAt,
			&ev.RevenueUSD, &ev.BidPriceUSD,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.EventType = domain.EventType(eventType)
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// CampaignStats counts a campaign's deduplicated events in [from, to)
func (r *Repository) CampaignStats(ctx context.Context, campaignID string, from, to time.Time) (domain.Counts, error) {
	query := `
		SELECT
			toInt64(countIf(event_type = 'impression')),
			toInt64(countIf(event_type = 'click')),
			toInt64(countIf(event_type = 'conversion')),
			sumIf(revenue_usd, event_type = 'conversion')
		FROM events FINAL
		WHERE campaign_id = ? AND event_time >= ? AND event_time < ?`

	var counts domain.Counts
	row := r.client.Conn().QueryRow(ctx, query, campaignID, from, to)
	if err := row.Scan(&counts.Impressions, &counts.Clicks, &counts.Conversions, &counts.Revenue); err != nil {
		return domain.Counts{}, fmt.Errorf("failed to query campaign stats: %w", err)
	}
	return counts, nil
}

// GetMetrics retrieves aggregated metrics from ClickHouse
func (r *Repository) GetMetrics(ctx context.Context, query repository.MetricsQuery) (*repository.MetricsResult, error) {
	result := &repository.MetricsResult{
		Groups: []repository.MetricsGroupResult{},
	}

	conditions := []string{"event_time >= ?", "event_time < ?"}
	args := []interface{}{query.From, query.To}
	if query.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, string(query.EventType))
	}
	if query.CampaignID != "" {
		conditions = append(conditions, "campaign_id = ?")
		args = append(args, query.CampaignID)
	}
	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	overallQuery := fmt.Sprintf(`
		SELECT
			count() as total_count,
			uniq(user_id) as unique_users
		FROM events FINAL
		%s
	`, whereClause)

	row := r.client.Conn().QueryRow(ctx, overallQuery, args...)
	if err := row.Scan(&result.TotalCount, &result.UniqueUsers); err != nil {
		return nil, fmt.Errorf("failed to query overall metrics: %w", err)
	}

	if query.GroupBy == "" {
		return result, nil
	}
	if !repository.SupportedGroupBy[query.GroupBy] {
		return nil, fmt.Errorf("unsupported group_by value: %s (supported: device, campaign, hour, day)", query.GroupBy)
	}

	var selectField, groupByClause, orderBy string
	switch query.GroupBy {
	case "device":
		selectField = "device_class"
		groupByClause = "GROUP BY device_class"
		orderBy = "ORDER BY total_count DESC"
	case "campaign":
		selectField = "campaign_id"
		groupByClause = "GROUP BY campaign_id"
		orderBy = "ORDER BY total_count DESC"
	case "hour":
		selectField = "formatDateTime(toStartOfHour(event_time), '%Y-%m-%d %H:00:00')"
		groupByClause = "GROUP BY toStartOfHour(event_time)"
		orderBy = "ORDER BY group_value ASC"
	case "day":
		selectField = "formatDateTime(toStartOfDay(event_time), '%Y-%m-%d')"
		groupByClause = "GROUP BY toStartOfDay(event_time)"
		orderBy = "ORDER BY group_value ASC"
	}

	groupedQuery := fmt.Sprintf(`
		SELECT
			%s as group_value,
			count() as total_count
		FROM events FINAL
		%s
		%s
		%s
	`, selectField, whereClause, groupByClause, orderBy)

	rows, err := r.client.Conn().Query(ctx, groupedQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grouped metrics: %w", err)
	}
	defer func(rows driver.Rows) {
		if err := rows.Close(); err != nil {
			r.log.Error("Failed to close grouped metrics rows", zap.Error(err))
		}
	}(rows)

	for rows.Next() {
		var group repository.MetricsGroupResult
		if err := rows.Scan(&group.GroupValue, &group.TotalCount); err != nil {
			return nil, fmt.Errorf("failed to scan grouped metrics row: %w", err)
		}
		result.Groups = append(result.Groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grouped metrics rows: %w", err)
	}

	return result, nil
}

// WriteRollups stores retired bucket totals
func (r *Repository) WriteRollups(ctx context.Context, buckets []domain.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}

	batch, err := r.client.Conn().PrepareBatch(ctx, `INSERT INTO bucket_rollups
		(scope, dimension, bucket_start, bucket_end, impressions, clicks, conversions, revenue_usd, written_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare rollup batch: %w", err)
	}

	now := time.Now().UTC()
	for _, b := range buckets {
		if err := batch.Append(
			string(b.Scope), b.Dimension, b.Start, b.End,
			b.Impressions, b.Clicks, b.Conversions, b.Revenue, now,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append rollup: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send rollup batch: %w", err)
	}
	return nil
}

// Rollups reads retired bucket totals with bucket_start in [from, to)
func (r *Repository) Rollups(ctx context.Context, scope domain.Scope, dimension string, from, to time.Time) ([]domain.Bucket, error) {
	query := `
		SELECT scope, dimension, bucket_start, bucket_end, impressions, clicks, conversions, revenue_usd
		FROM bucket_rollups FINAL
		WHERE scope = ? AND dimension = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start`

	rows, err := r.client.Conn().Query(ctx, query, string(scope), dimension, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups: %w", err)
	}
	defer func(rows driver.Rows) {
		if err := rows.Close(); err != nil {
			r.log.Error("Failed to close rollup rows", zap.Error(err))
		}
	}(rows)

	var buckets []domain.Bucket
	for rows.Next() {
		var (
			b        domain.Bucket
			rawScope string
			revenue  decimal.Decimal
		)
		if err := rows.Scan(&rawScope, &b.Dimension, &b.Start, &b.End,
			&b.Impressions, &b.Clicks, &b.Conversions, &revenue); err != nil {
			return nil, fmt.Errorf("failed to scan rollup row: %w", err)
		}
		b.Scope = domain.Scope(rawScope)
		b.Revenue = revenue
		buckets = append(buckets, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollup rows: %w", err)
	}
	return buckets, nil
}

// Ping checks if the ClickHouse connection is alive
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Conn().Ping(ctx)
}

// Close closes the ClickHouse connection
func (r *Repository) Close() error {
	return r.client.Close()
}

// classify marks server exceptions caused by the rows as invalid data
func classify(err error) error {
	var exception *clickhouse.Exception
	if errors.As(err, &exception) && invalidDataCodes[exception.Code] {
		return fmt.Errorf("%w: %v", repository.ErrInvalidData, err)
	}
	return err
}
