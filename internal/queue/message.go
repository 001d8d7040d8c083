package queue

import (
	"context"
	"time"
)

// Message is one raw record pulled from an event source, carrying the
// callbacks that settle it upstream
type Message struct {
	Partition  string
	ID         string
	Body       []byte
	ReceivedAt time.Time

	ack  func(context.Context) error
	nack func(context.Context) error
}

// NewMessage creates a message. ack and nack may be nil.
func NewMessage(partition, id string, body []byte, receivedAt time.Time, ack, nack func(context.Context) error) *Message {
	return &Message{
		Partition:  partition,
		ID:         id,
		Body:       body,
		ReceivedAt: receivedAt,
		ack:        ack,
		nack:       nack,
	}
}

// Ack acknowledges successful processing
func (m *Message) Ack(ctx context.Context) error {
	if m.ack != nil {
		return m.ack(ctx)
	}
	return nil
}

// Nack negatively acknowledges processing so the source may redeliver
func (m *Message) Nack(ctx context.Context) error {
	if m.nack != nil {
		return m.nack(ctx)
	}
	return nil
}
