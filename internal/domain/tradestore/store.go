// Package tradestore defines the authoritative trade record and its persistence contract.
package tradestore

import (
	"context"
	"time"
)

// Status describes the lifecycle state of a trade record.
type Status string

const (
	// StatusActive marks a trade that has been accepted and not yet expired.
	StatusActive Status = "ACTIVE"
	// StatusExpired marks a trade whose maturity date has passed or that was expired by an operator.
	StatusExpired Status = "EXPIRED"
	// StatusRejected marks a rejected submission; rejections are terminal and never persisted as trades.
	StatusRejected Status = "REJECTED"
)

// Action labels the lifecycle transition applied to a trade.
type Action string

const (
	// ActionCreate labels the first accepted submission for a trade id.
	ActionCreate Action = "CREATE"
	// ActionUpdate labels an accepted replace of an existing trade.
	ActionUpdate Action = "UPDATE"
	// ActionExpire labels a transition to the expired state.
	ActionExpire Action = "EXPIRE"
	// ActionReject labels a refused submission.
	ActionReject Action = "REJECT"
)

// Trade is the authoritative current-state record for one business trade identifier.
type Trade struct {
	ID             string     `json:"id"`
	TradeID        string     `json:"tradeId"`
	Version        int        `json:"version"`
	CounterPartyID string     `json:"counterPartyId"`
	BookID         string     `json:"bookId"`
	MaturityDate   time.Time  `json:"maturityDate"`
	Status         Status     `json:"status"`
	Expired        bool       `json:"expired"`
	ExpiryDate     *time.Time `json:"expiryDate,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Store defines the contract for authoritative trade persistence. Get reports
// errs.CodeNotFound for unknown trade ids. Put assigns the surrogate id and
// CreatedAt on first insert and refreshes UpdatedAt on every write.
type Store interface {
	Get(ctx context.Context, tradeID string) (Trade, error)
	Put(ctx context.Context, trade Trade) (Trade, error)
	ListActive(ctx context.Context) ([]Trade, error)
	ListAll(ctx context.Context) ([]Trade, error)
}

// Date truncates t to calendar-date precision in UTC. Maturity and expiry
// comparisons are date comparisons; wall-clock time never participates.
func Date(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
