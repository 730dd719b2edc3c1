// Package postgres implements the trade, audit, and outbox stores on PostgreSQL.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradestore/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories sharing one pgx pool.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Trades returns the authoritative trade repository.
func (s *Store) Trades() *TradeStore {
	return NewTradeStore(s.Pool())
}

// Audit returns the append-only audit repository.
func (s *Store) Audit() *AuditStore {
	return NewAuditStore(s.Pool())
}

// Outbox returns the durable event outbox repository.
func (s *Store) Outbox() *OutboxStore {
	return NewOutboxStore(s.Pool())
}

type rowScanner interface {
	Scan(dest ...any) error
}
