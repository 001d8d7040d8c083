package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/batch"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/domain"
)

const (
	prefixSpill      = "spill:"
	prefixQuarantine = "quarantine:"
)

// ErrEntryNotFound is returned when a spill entry does not exist
var ErrEntryNotFound = errors.New("spill entry not found")

// Entry is a batch persisted to the local fallback log
type Entry struct {
	BatchID   uuid.UUID       `json:"batch_id"`
	Events    []*domain.Event `json:"events"`
	Reason    string          `json:"reason"`
	SpilledAt time.Time       `json:"spilled_at"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Spill is the local durable fallback for batches the store could not
// take. Spilled batches wait for replay; quarantined batches wait for
// an operator.
type Spill struct {
	db *badger.DB
}

// OpenSpill opens the spill log at path. An empty path keeps it in memory.
func OpenSpill(path string) (*Spill, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill log: %w", err)
	}
	return &Spill{db: db}, nil
}

// DB exposes the underlying database for other local state such as
// stream checkpoints
func (s *Spill) DB() *badger.DB {
	return s.db
}

// Put persists a batch for later replay
func (s *Spill) Put(ctx context.Context, b *batch.Batch, reason string) error {
	return s.put(ctx, prefixSpill, b, reason)
}

// Quarantine persists a batch that must not be retried
func (s *Spill) Quarantine(ctx context.Context, b *batch.Batch, reason string) error {
	return s.put(ctx, prefixQuarantine, b, reason)
}

func (s *Spill) put(_ context.Context, prefix string, b *batch.Batch, reason string) error {
	data, err := json.Marshal(&Entry{
		BatchID:   b.ID,
		Events:    b.Events,
		Reason:    reason,
		SpilledAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", b.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefix+b.ID.String()), data)
	})
}

// Pending returns up to limit spilled entries, oldest key first
func (s *Spill) Pending(ctx context.Context, limit int) ([]*Entry, error) {
	return s.list(ctx, prefixSpill, limit)
}

// Quarantined returns up to limit quarantined entries
func (s *Spill) Quarantined(ctx context.Context, limit int) ([]*Entry, error) {
	return s.list(ctx, prefixQuarantine, limit)
}

func (s *Spill) list(ctx context.Context, prefix string, limit int) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(entries) >= limit {
				return nil
			}
			err := it.Item().Value(func(val []byte) error {
				var e Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return fmt.Errorf("failed to decode spill entry %s: %w", it.Item().Key(), err)
				}
				entries = append(entries, &e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return entries, err
}

// Remove deletes a replayed entry
func (s *Spill) Remove(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixSpill + id.String()))
	})
}

// RecordAttempt bumps the attempt counter of a spilled entry
func (s *Spill) RecordAttempt(_ context.Context, id uuid.UUID, lastError string) error {
	key := []byte(prefixSpill + id.String())
	return s.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, key)
		if err != nil {
			return err
		}
		e.Attempts++
		e.LastError = lastError
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// MoveToQuarantine moves a spilled entry to quarantine in one transaction
func (s *Spill) MoveToQuarantine(_ context.Context, id uuid.UUID, reason string) error {
	from := []byte(prefixSpill + id.String())
	to := []byte(prefixQuarantine + id.String())
	return s.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, from)
		if err != nil {
			return err
		}
		e.Reason = reason
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := txn.Set(to, data); err != nil {
			return err
		}
		return txn.Delete(from)
	})
}

// Counts returns the number of spilled and quarantined entries
func (s *Spill) Counts() (spilled, quarantined int, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixSpill)); it.ValidForPrefix([]byte(prefixSpill)); it.Next() {
			spilled++
		}
		for it.Seek([]byte(prefixQuarantine)); it.ValidForPrefix([]byte(prefixQuarantine)); it.Next() {
			quarantined++
		}
		return nil
	})
	return spilled, quarantined, err
}

// Close closes the spill log
func (s *Spill) Close() error {
	return s.db.Close()
}

func getEntry(txn *badger.Txn, key []byte) (*Entry, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	var e Entry
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode spill entry: %w", err)
	}
	return &e, nil
}
