package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradestore/internal/domain/outboxstore"
)

// OutboxStore persists lifecycle events destined for the event bus outbox.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit  = 128
	maxOutboxLimit      = 1024
	outboxRetryInterval = 30 * time.Second
)

const (
	outboxInsertSQL = `
INSERT INTO events_outbox (
    event_key,
    channel,
    payload,
    headers,
    available_at
)
VALUES ($1, $2, COALESCE($3::jsonb, '{}'::jsonb), COALESCE($4::jsonb, '{}'::jsonb), $5)
RETURNING
    id,
    event_key,
    channel,
    payload,
    headers,
    available_at,
    published_at,
    attempts,
    last_error,
    delivered,
    created_at;
`

	outboxListPendingSQL = `
SELECT
    id,
    event_key,
    channel,
    payload,
    headers,
    available_at,
    published_at,
    attempts,
    last_error,
    delivered,
    created_at
FROM events_outbox
WHERE delivered = FALSE
  AND available_at <= NOW()
ORDER BY available_at ASC
LIMIT $1;
`

	outboxMarkDeliveredSQL = `
UPDATE events_outbox
SET delivered = TRUE,
    published_at = NOW(),
    attempts = attempts + 1
WHERE id = $1;
`

	outboxMarkFailedSQL = `
UPDATE events_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE id = $1;
`

	outboxDeleteDeliveredSQL = `
DELETE FROM events_outbox
WHERE delivered = TRUE
  AND published_at < $1;
`
)

// Enqueue inserts a new event into the outbox.
func (s *OutboxStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	if s.pool == nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: nil pool")
	}
	key := strings.TrimSpace(evt.Key)
	if key == "" {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: event key required")
	}
	channel := strings.TrimSpace(evt.Channel)
	if channel == "" {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: channel required")
	}
	payload, err := encodeJSON(evt.Payload)
	if err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: encode payload: %w", err)
	}
	headers, err := encodeJSON(evt.Headers)
	if err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: encode headers: %w", err)
	}
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, outboxInsertSQL, key, channel, payload, headers, availableAt)
	return scanOutboxRecord(row)
}

// ListPending returns undelivered events that are ready for replay.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	rows, err := s.pool.Query(ctx, outboxListPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.EventRecord
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	return records, nil
}

// MarkDelivered flags a stored event as successfully published.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkDeliveredSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark delivered: no rows updated")
	}
	return nil
}

// MarkFailed records a failed publish attempt and schedules a retry.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	nextAttempt := time.Now().Add(outboxRetryInterval)
	tag, err := s.pool.Exec(ctx, outboxMarkFailedSQL, id, strings.TrimSpace(lastError), nextAttempt)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no rows updated")
	}
	return nil
}

// DeleteDelivered prunes delivered entries published before the cutoff and
// reports how many rows were removed.
func (s *OutboxStore) DeleteDelivered(ctx context.Context, before time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxDeleteDeliveredSQL, before)
	if err != nil {
		return 0, fmt.Errorf("outbox store: delete delivered: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxRecord(row rowScanner) (outboxstore.EventRecord, error) {
	var (
		record      outboxstore.EventRecord
		payloadJSON []byte
		headerJSON  []byte
		publishedAt pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.Key,
		&record.Channel,
		&payloadJSON,
		&headerJSON,
		&record.AvailableAt,
		&publishedAt,
		&record.Attempts,
		&lastError,
		&record.Delivered,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: scan: %w", err)
	}
	record.Payload = json.RawMessage(payloadJSON)
	if len(headerJSON) > 0 {
		if err := json.Unmarshal(headerJSON, &record.Headers); err != nil {
			return outboxstore.EventRecord{}, fmt.Errorf("outbox store: decode headers: %w", err)
		}
	}
	if publishedAt.Valid {
		when := publishedAt.Time
		record.PublishedAt = &when
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	return record, nil
}

func encodeJSON(value any) ([]byte, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(typed) == 0 {
			return nil, nil
		}
		return typed, nil
	default:
		return json.Marshal(typed)
	}
}

var _ outboxstore.Store = (*OutboxStore)(nil)
