package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/config"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
)

type rowPutter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQuery archives events with streaming inserts. The insert id of every
// row is its event_id, so BigQuery drops retried rows on a best-effort basis.
type BigQuery struct {
	client   *bigquery.Client
	inserter rowPutter
}

// eventRow adapts an event to bigquery.ValueSaver
type eventRow struct {
	ev *domain.Event
}

func (r eventRow) Save() (map[string]bigquery.Value, string, error) {
	ev := r.ev
	row := map[string]bigquery.Value{
		"event_id":     ev.EventID,
		"event_type":   string(ev.EventType),
		"campaign_id":  ev.CampaignID,
		"user_id":      ev.UserID,
		"device_class": ev.DeviceClass,
		"revenue_usd":  ev.RevenueUSD.String(),
		"received_at":  ev.ReceivedAt,
	}
	if !ev.Timestamp.IsZero() {
		row["timestamp"] = ev.Timestamp
	}
	if ev.AdID != "" {
		row["ad_id"] = ev.AdID
	}
	if ev.AdvertiserID != "" {
		row["advertiser_id"] = ev.AdvertiserID
	}
	if ev.Country != "" {
		row["country"] = ev.Country
	}
	if !ev.BidPriceUSD.IsZero() {
		row["bid_price_usd"] = ev.BidPriceUSD.String()
	}
	return row, ev.EventID, nil
}

// NewBigQuery connects to the configured dataset and verifies the archive table exists
func NewBigQuery(ctx context.Context, cfg config.BigQuery, log *zap.Logger) (*BigQuery, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("bigquery project id is required")
	}
	dataset := strings.TrimSpace(cfg.Dataset)
	if dataset == "" {
		return nil, errors.New("bigquery dataset is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	table := client.Dataset(dataset).Table(cfg.Table)
	if _, err := table.Metadata(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to check archive table %s.%s: %w", dataset, cfg.Table, err)
	}

	log.Info("BigQuery archive initialized",
		zap.String("project", projectID),
		zap.String("dataset", dataset),
		zap.String("table", cfg.Table))

	return &BigQuery{client: client, inserter: table.Inserter()}, nil
}

// Append streams the events into the archive table
func (b *BigQuery) Append(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([]eventRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, eventRow{ev: ev})
	}

	if err := b.inserter.Put(ctx, rows); err != nil {
		var multi bigquery.PutMultiError
		if errors.As(err, &multi) {
			return fmt.Errorf("bigquery rejected %d of %d rows: %w", len(multi), len(events), err)
		}
		return fmt.Errorf("failed to insert archive rows: %w", err)
	}
	return nil
}

// Close releases the client
func (b *BigQuery) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
