// Package memory provides in-process store implementations used by the memory
// storage driver and by tests that do not need Postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

// TradeStore keeps the authoritative trade set in a mutex-guarded map.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string]tradestore.Trade
	now    func() time.Time
}

// NewTradeStore constructs an empty in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades: make(map[string]tradestore.Trade),
		now:    time.Now,
	}
}

// Get returns the trade for the business id or a not-found envelope.
func (s *TradeStore) Get(ctx context.Context, tradeID string) (tradestore.Trade, error) {
	if err := ctx.Err(); err != nil {
		return tradestore.Trade{}, err
	}
	trimmed := strings.TrimSpace(tradeID)
	if trimmed == "" {
		return tradestore.Trade{}, errs.New("trade_store.get", errs.CodeInvalid, errs.WithMessage("trade id required"))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	trade, ok := s.trades[trimmed]
	if !ok {
		return tradestore.Trade{}, errs.New("trade_store.get", errs.CodeNotFound, errs.WithTradeID(trimmed))
	}
	return trade, nil
}

// Put inserts or replaces the trade keyed by its business id. The surrogate id
// and CreatedAt survive replacement; UpdatedAt refreshes on every write.
func (s *TradeStore) Put(ctx context.Context, trade tradestore.Trade) (tradestore.Trade, error) {
	if err := ctx.Err(); err != nil {
		return tradestore.Trade{}, err
	}
	trimmed := strings.TrimSpace(trade.TradeID)
	if trimmed == "" {
		return tradestore.Trade{}, errs.New("trade_store.put", errs.CodeInvalid, errs.WithMessage("trade id required"))
	}
	trade.TradeID = trimmed
	trade.MaturityDate = tradestore.Date(trade.MaturityDate)
	if trade.ExpiryDate != nil {
		expiry := tradestore.Date(*trade.ExpiryDate)
		trade.ExpiryDate = &expiry
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.trades[trimmed]; ok {
		trade.ID = existing.ID
		trade.CreatedAt = existing.CreatedAt
	} else {
		trade.ID = uuid.NewString()
		trade.CreatedAt = now
	}
	trade.UpdatedAt = now
	s.trades[trimmed] = trade
	return trade, nil
}

// ListActive returns all trades still in the live set, ordered by trade id.
func (s *TradeStore) ListActive(ctx context.Context) ([]tradestore.Trade, error) {
	return s.list(ctx, func(trade tradestore.Trade) bool { return !trade.Expired })
}

// ListAll returns every stored trade, ordered by trade id.
func (s *TradeStore) ListAll(ctx context.Context) ([]tradestore.Trade, error) {
	return s.list(ctx, func(tradestore.Trade) bool { return true })
}

func (s *TradeStore) list(ctx context.Context, keep func(tradestore.Trade) bool) ([]tradestore.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	trades := make([]tradestore.Trade, 0, len(s.trades))
	for _, trade := range s.trades {
		if keep(trade) {
			trades = append(trades, trade)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].TradeID < trades[j].TradeID })
	return trades, nil
}

var _ tradestore.Store = (*TradeStore)(nil)
