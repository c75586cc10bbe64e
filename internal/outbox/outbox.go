// Package outbox delivers messages written inside order transactions to the
// message broker.
package outbox

import (
	"context"
	"time"
)

// TopicKitchenTicket is the routing key for kitchen tickets.
const TopicKitchenTicket = "kitchen.ticket"

// Message is a pending outbox entry.
type Message struct {
	ID          int64
	Topic       string
	Payload     []byte
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	NextRetryAt time.Time
}

// Backlog summarizes messages still waiting for delivery.
type Backlog struct {
	Pending int
	// Oldest is the creation time of the oldest pending message, zero when
	// nothing is pending.
	Oldest time.Time
}

// Store reads and settles pending outbox entries.
type Store interface {
	Pending(ctx context.Context, now time.Time, limit int) ([]Message, error)
	Delete(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, retryCount int, lastErr string, next time.Time) error
}

// Publisher hands a message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}
