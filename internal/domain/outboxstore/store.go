// Package outboxstore defines persistence contracts for durable lifecycle-event publishing.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Event encapsulates a single outbox entry ready to be enqueued. Key is the
// business trade identifier; Channel is the logical stream the event targets.
type Event struct {
	Key         string
	Channel     string
	Payload     json.RawMessage
	Headers     map[string]any
	AvailableAt time.Time
}

// EventRecord captures the persisted state of an outbox entry.
type EventRecord struct {
	ID          int64
	Key         string
	Channel     string
	Payload     json.RawMessage
	Headers     map[string]any
	AvailableAt time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
	Delivered   bool
	CreatedAt   time.Time
}

// Store abstracts persistence operations for the outbox. MarkFailed schedules
// the entry for replay; DeleteDelivered prunes rows published before the cutoff.
type Store interface {
	Enqueue(ctx context.Context, evt Event) (EventRecord, error)
	ListPending(ctx context.Context, limit int) ([]EventRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	DeleteDelivered(ctx context.Context, before time.Time) (int64, error)
}
