package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradestore/internal/domain/auditstore"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

// AuditStore persists the append-only audit trail. Rows are inserted once and
// never updated or deleted.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore constructs an AuditStore backed by the provided pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

const (
	auditInsertSQL = `
INSERT INTO trade_audit (
    trade_id,
    version,
    counter_party_id,
    book_id,
    maturity_date,
    action,
    reason,
    status,
    recorded_at
)
VALUES (
    @trade_id,
    @version,
    @counter_party_id,
    @book_id,
    @maturity_date,
    @action,
    @reason,
    @status,
    @recorded_at
);
`

	auditListSQL = `
SELECT
    id,
    trade_id,
    version,
    counter_party_id,
    book_id,
    maturity_date,
    action,
    reason,
    status,
    recorded_at
FROM trade_audit
WHERE trade_id = $1
ORDER BY id ASC;
`
)

// Append inserts one audit entry.
func (s *AuditStore) Append(ctx context.Context, entry auditstore.Entry) error {
	if s.pool == nil {
		return fmt.Errorf("audit store: nil pool")
	}
	tradeID := strings.TrimSpace(entry.TradeID)
	if tradeID == "" {
		return fmt.Errorf("audit store: trade id required")
	}
	if entry.Action == "" {
		return fmt.Errorf("audit store: action required")
	}
	recordedAt := entry.Timestamp
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, auditInsertSQL, pgx.NamedArgs{
		"trade_id":         tradeID,
		"version":          entry.Version,
		"counter_party_id": entry.CounterPartyID,
		"book_id":          entry.BookID,
		"maturity_date":    tradestore.Date(entry.MaturityDate),
		"action":           string(entry.Action),
		"reason":           entry.Reason,
		"status":           string(entry.Status),
		"recorded_at":      recordedAt,
	})
	if err != nil {
		return fmt.Errorf("audit store: append %s: %w", tradeID, err)
	}
	return nil
}

// ListByTradeID returns the audit history for a trade in write order.
func (s *AuditStore) ListByTradeID(ctx context.Context, tradeID string) ([]auditstore.Entry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("audit store: nil pool")
	}
	trimmed := strings.TrimSpace(tradeID)
	if trimmed == "" {
		return nil, fmt.Errorf("audit store: trade id required")
	}
	rows, err := s.pool.Query(ctx, auditListSQL, trimmed)
	if err != nil {
		return nil, fmt.Errorf("audit store: list %s: %w", trimmed, err)
	}
	defer rows.Close()

	var entries []auditstore.Entry
	for rows.Next() {
		var (
			entry  auditstore.Entry
			action string
			status string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.TradeID,
			&entry.Version,
			&entry.CounterPartyID,
			&entry.BookID,
			&entry.MaturityDate,
			&action,
			&entry.Reason,
			&status,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("audit store: scan: %w", err)
		}
		entry.Action = tradestore.Action(action)
		entry.Status = tradestore.Status(status)
		entry.MaturityDate = tradestore.Date(entry.MaturityDate)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit store: iterate: %w", err)
	}
	return entries, nil
}

var _ auditstore.Store = (*AuditStore)(nil)
