package kinesis

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue"
)

const checkpointPrefix = "checkpoint:"

// Checkpointer stores the last committed sequence number per shard. A
// checkpoint only ever moves forward.
type Checkpointer struct {
	db     *badger.DB
	stream string
}

// NewCheckpointer creates a checkpointer for stream backed by db
func NewCheckpointer(db *badger.DB, stream string) *Checkpointer {
	return &Checkpointer{db: db, stream: stream}
}

func (c *Checkpointer) key(shardID string) []byte {
	return []byte(checkpointPrefix + c.stream + ":" + shardID)
}

// Get returns the committed sequence number of a shard, or "" if none
func (c *Checkpointer) Get(shardID string) (string, error) {
	var seq string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(shardID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			seq = string(val)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint for shard %s: %w", shardID, err)
	}
	return seq, nil
}

// Advance commits seq for the shard if it is past the stored checkpoint
// and reports whether it moved
func (c *Checkpointer) Advance(shardID, seq string) (bool, error) {
	moved := false
	err := c.db.Update(func(txn *badger.Txn) error {
		key := c.key(shardID)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var current string
			if err := item.Value(func(val []byte) error {
				current = string(val)
				return nil
			}); err != nil {
				return err
			}
			if compareSequence(seq, current) <= 0 {
				return nil
			}
		}
		moved = true
		return txn.Set(key, []byte(seq))
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance checkpoint for shard %s: %w", shardID, err)
	}
	return moved, nil
}

// compareSequence orders Kinesis sequence numbers, which are decimal
// strings of varying length
func compareSequence(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// shardTracker commits the highest sequence below which every delivered
// record has been acknowledged. Nacked records wait in retry until the
// reader delivers them again; their sequence stays pending meanwhile.
type shardTracker struct {
	shardID string
	cp      *Checkpointer

	mu      sync.Mutex
	pending []string
	acked   map[string]bool
	retry   []*queue.Message
	wake    chan struct{}
}

func newShardTracker(shardID string, cp *Checkpointer) *shardTracker {
	return &shardTracker{
		shardID: shardID,
		cp:      cp,
		acked:   make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

func (t *shardTracker) deliver(seq string) {
	t.mu.Lock()
	t.pending = append(t.pending, seq)
	t.mu.Unlock()
}

func (t *shardTracker) ack(seq string) error {
	t.mu.Lock()
	t.acked[seq] = true

	commit := ""
	n := 0
	for n < len(t.pending) && t.acked[t.pending[n]] {
		commit = t.pending[n]
		delete(t.acked, commit)
		n++
	}
	t.pending = t.pending[n:]
	t.mu.Unlock()
	t.signal()

	if commit == "" {
		return nil
	}
	_, err := t.cp.Advance(t.shardID, commit)
	return err
}

func (t *shardTracker) nack(msg *queue.Message) {
	t.mu.Lock()
	t.retry = append(t.retry, msg)
	t.mu.Unlock()
	t.signal()
}

// takeRetries returns the nacked messages awaiting redelivery
func (t *shardTracker) takeRetries() []*queue.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	retry := t.retry
	t.retry = nil
	return retry
}

func (t *shardTracker) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *shardTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
