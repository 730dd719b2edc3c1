// Package auditstore defines the append-only audit trail contract.
package auditstore

import (
	"context"
	"time"

	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

// Entry is one immutable historical record of an action taken on a trade.
// Fields snapshot the trade at the moment the action was applied.
type Entry struct {
	ID             int64             `json:"id"`
	TradeID        string            `json:"tradeId"`
	Version        int               `json:"version"`
	CounterPartyID string            `json:"counterPartyId"`
	BookID         string            `json:"bookId"`
	MaturityDate   time.Time         `json:"maturityDate"`
	Action         tradestore.Action `json:"action"`
	Reason         string            `json:"reason"`
	Status         tradestore.Status `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Store abstracts the append-only audit log. Entries are never mutated or
// deleted; ListByTradeID returns entries in write order.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListByTradeID(ctx context.Context, tradeID string) ([]Entry, error)
}

// Snapshot builds an audit entry from the post-write trade state.
func Snapshot(trade tradestore.Trade, action tradestore.Action, reason string, at time.Time) Entry {
	return Entry{
		ID:             0,
		TradeID:        trade.TradeID,
		Version:        trade.Version,
		CounterPartyID: trade.CounterPartyID,
		BookID:         trade.BookID,
		MaturityDate:   trade.MaturityDate,
		Action:         action,
		Reason:         reason,
		Status:         trade.Status,
		Timestamp:      at,
	}
}
