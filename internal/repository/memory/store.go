package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository"
)

var errClosed = errors.New("memory store closed")

type rollupKey struct {
	scope     domain.Scope
	dimension string
	start     int64
}

// Store is an in-process repository.Store for local runs and tests.
// Events are keyed by event_id, so rewrites replace rather than add.
type Store struct {
	mu      sync.RWMutex
	events  map[string]*domain.Event
	rollups map[rollupKey]domain.Bucket
	closed  bool
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		events:  make(map[string]*domain.Event),
		rollups: make(map[rollupKey]domain.Bucket),
	}
}

// InitSchema is a no-op
func (s *Store) InitSchema(context.Context) error {
	return nil
}

// UpsertBatch stores copies of the events keyed by event_id
func (s *Store) UpsertBatch(ctx context.Context, events []*domain.Event) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}

	for _, ev := range events {
		if ev == nil || ev.EventID == "" {
			return 0, fmt.Errorf("%w: event without id", repository.ErrInvalidData)
		}
	}
	for _, ev := range events {
		cp := *ev
		s.events[ev.EventID] = &cp
	}
	return len(events), nil
}

// EventsByCampaign returns a campaign's events in [from, to), newest first
func (s *Store) EventsByCampaign(_ context.Context, campaignID string, from, to time.Time, limit int) ([]*domain.Event, error) {
	return s.filter(limit, func(ev *domain.Event) bool {
		t := ev.EventTime(0)
		return ev.CampaignID == campaignID && !t.Before(from) && t.Before(to)
	}), nil
}

// EventsByUser returns a user's events, newest first
func (s *Store) EventsByUser(_ context.Context, userID string, limit int) ([]*domain.Event, error) {
	return s.filter(limit, func(ev *domain.Event) bool {
		return ev.UserID == userID
	}), nil
}

func (s *Store) filter(limit int, match func(*domain.Event) bool) []*domain.Event {
	s.mu.RLock()
	var out []*domain.Event
	for _, ev := range s.events {
		if match(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].EventTime(0), out[j].EventTime(0)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CampaignStats counts a campaign's stored events in [from, to)
func (s *Store) CampaignStats(_ context.Context, campaignID string, from, to time.Time) (domain.Counts, error) {
	counts := domain.Counts{Revenue: decimal.Zero}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		t := ev.EventTime(0)
		if ev.CampaignID == campaignID && !t.Before(from) && t.Before(to) {
			counts.Record(ev)
		}
	}
	return counts, nil
}

// GetMetrics computes the grouped event counts in memory
func (s *Store) GetMetrics(_ context.Context, query repository.MetricsQuery) (*repository.MetricsResult, error) {
	if query.GroupBy != "" && !repository.SupportedGroupBy[query.GroupBy] {
		return nil, fmt.Errorf("unsupported group_by value: %s (supported: device, campaign, hour, day)", query.GroupBy)
	}

	result := &repository.MetricsResult{Groups: []repository.MetricsGroupResult{}}
	users := make(map[string]struct{})
	groups := make(map[string]uint64)

	s.mu.RLock()
	for _, ev := range s.events {
		t := ev.EventTime(0)
		if t.Before(query.From) || !t.Before(query.To) {
			continue
		}
		if query.EventType != "" && ev.EventType != query.EventType {
			continue
		}
		if query.CampaignID != "" && ev.CampaignID != query.CampaignID {
			continue
		}
		result.TotalCount++
		users[ev.UserID] = struct{}{}

		switch query.GroupBy {
		case "device":
			groups[ev.DeviceClass]++
		case "campaign":
			groups[ev.CampaignID]++
		case "hour":
			groups[t.UTC().Truncate(time.Hour).Format("2006-01-02 15:00:00")]++
		case "day":
			groups[t.UTC().Format("2006-01-02")]++
		}
	}
	s.mu.RUnlock()

	result.UniqueUsers = uint64(len(users))
	for value, count := range groups {
		result.Groups = append(result.Groups, repository.MetricsGroupResult{GroupValue: value, TotalCount: count})
	}
	sort.Slice(result.Groups, func(i, j int) bool {
		if query.GroupBy == "hour" || query.GroupBy == "day" {
			return result.Groups[i].GroupValue < result.Groups[j].GroupValue
		}
		return result.Groups[i].TotalCount > result.Groups[j].TotalCount
	})
	return result, nil
}

// WriteRollups stores retired bucket totals, replacing any earlier copy
func (s *Store) WriteRollups(_ context.Context, buckets []domain.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	for _, b := range buckets {
		s.rollups[rollupKey{scope: b.Scope, dimension: b.Dimension, start: b.Start.Unix()}] = b
	}
	return nil
}

// Rollups returns stored rollups with a start in [from, to), oldest first
func (s *Store) Rollups(_ context.Context, scope domain.Scope, dimension string, from, to time.Time) ([]domain.Bucket, error) {
	s.mu.RLock()
	var out []domain.Bucket
	for k, b := range s.rollups {
		if k.scope == scope && k.dimension == dimension && !b.Start.Before(from) && b.Start.Before(to) {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Len returns the number of stored events
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Ping reports whether the store is open
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close marks the store closed
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
