package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tradestore/internal/domain/auditstore"
	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

// AuditStore keeps audit entries in append order. Entries are never mutated.
type AuditStore struct {
	mu      sync.RWMutex
	entries []auditstore.Entry
	nextID  int64
	now     func() time.Time
}

// NewAuditStore constructs an empty in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{nextID: 1, now: time.Now}
}

// Append records one audit entry with the next sequential id.
func (s *AuditStore) Append(ctx context.Context, entry auditstore.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tradeID := strings.TrimSpace(entry.TradeID)
	if tradeID == "" {
		return errs.New("audit_store.append", errs.CodeInvalid, errs.WithMessage("trade id required"))
	}
	if entry.Action == "" {
		return errs.New("audit_store.append", errs.CodeInvalid, errs.WithMessage("action required"), errs.WithTradeID(tradeID))
	}
	entry.TradeID = tradeID
	entry.MaturityDate = tradestore.Date(entry.MaturityDate)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, entry)
	return nil
}

// ListByTradeID returns the audit history for a trade in write order.
func (s *AuditStore) ListByTradeID(ctx context.Context, tradeID string) ([]auditstore.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(tradeID)
	if trimmed == "" {
		return nil, errs.New("audit_store.list", errs.CodeInvalid, errs.WithMessage("trade id required"))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []auditstore.Entry
	for _, entry := range s.entries {
		if entry.TradeID == trimmed {
			matched = append(matched, entry)
		}
	}
	return matched, nil
}

var _ auditstore.Store = (*AuditStore)(nil)
