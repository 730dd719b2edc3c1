package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/outboxstore"
)

const outboxRetryInterval = 30 * time.Second

// OutboxStore keeps outbox records in memory. It mirrors the Postgres store's
// visibility rules: a failed record only becomes pending again after its retry
// interval elapses.
type OutboxStore struct {
	mu      sync.Mutex
	records map[int64]outboxstore.EventRecord
	nextID  int64
	now     func() time.Time
}

// NewOutboxStore constructs an empty in-memory outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{
		records: make(map[int64]outboxstore.EventRecord),
		nextID:  1,
		now:     time.Now,
	}
}

// Enqueue persists an event for durable replay.
func (s *OutboxStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return outboxstore.EventRecord{}, err
	}
	key := strings.TrimSpace(evt.Key)
	channel := strings.TrimSpace(evt.Channel)
	if key == "" || channel == "" {
		return outboxstore.EventRecord{}, errs.New("outbox_store.enqueue", errs.CodeInvalid, errs.WithMessage("event key and channel required"))
	}
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record := outboxstore.EventRecord{
		ID:          s.nextID,
		Key:         key,
		Channel:     channel,
		Payload:     append([]byte(nil), evt.Payload...),
		Headers:     evt.Headers,
		AvailableAt: availableAt,
		CreatedAt:   s.now(),
	}
	s.nextID++
	s.records[record.ID] = record
	return record, nil
}

// ListPending returns undelivered records that are due, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 128
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []outboxstore.EventRecord
	for _, record := range s.records {
		if record.Delivered {
			continue
		}
		if record.AvailableAt.After(now) {
			continue
		}
		pending = append(pending, record)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// MarkDelivered flags a record as published. Delivery counts as an attempt,
// matching the Postgres store.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return errs.New("outbox_store.mark_delivered", errs.CodeNotFound)
	}
	now := s.now()
	record.Delivered = true
	record.Attempts++
	record.PublishedAt = &now
	s.records[id] = record
	return nil
}

// MarkFailed records a delivery failure and defers the next replay attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return errs.New("outbox_store.mark_failed", errs.CodeNotFound)
	}
	record.Attempts++
	record.LastError = lastError
	record.AvailableAt = s.now().Add(outboxRetryInterval)
	s.records[id] = record
	return nil
}

// DeleteDelivered prunes delivered records published before the cutoff.
func (s *OutboxStore) DeleteDelivered(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	for id, record := range s.records {
		if record.Delivered && record.PublishedAt != nil && record.PublishedAt.Before(before) {
			delete(s.records, id)
			pruned++
		}
	}
	return pruned, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
