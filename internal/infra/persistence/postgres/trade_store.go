package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

// TradeStore persists the authoritative current-state trade records.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore constructs a TradeStore backed by the provided pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const (
	tradeUpsertSQL = `
INSERT INTO trades (
    trade_id,
    version,
    counter_party_id,
    book_id,
    maturity_date,
    status,
    expired,
    expiry_date,
    created_at,
    updated_at
)
VALUES (
    @trade_id,
    @version,
    @counter_party_id,
    @book_id,
    @maturity_date,
    @status,
    @expired,
    @expiry_date,
    NOW(),
    NOW()
)
ON CONFLICT (trade_id) DO UPDATE SET
    version = EXCLUDED.version,
    counter_party_id = EXCLUDED.counter_party_id,
    book_id = EXCLUDED.book_id,
    maturity_date = EXCLUDED.maturity_date,
    status = EXCLUDED.status,
    expired = EXCLUDED.expired,
    expiry_date = EXCLUDED.expiry_date,
    updated_at = NOW()
RETURNING
    id::text,
    trade_id,
    version,
    counter_party_id,
    book_id,
    maturity_date,
    status,
    expired,
    expiry_date,
    created_at,
    updated_at;
`

	tradeSelectBase = `
SELECT
    id::text,
    trade_id,
    version,
    counter_party_id,
    book_id,
    maturity_date,
    status,
    expired,
    expiry_date,
    created_at,
    updated_at
FROM trades
`

	tradeSelectByIDSQL   = tradeSelectBase + `WHERE trade_id = $1;`
	tradeSelectActiveSQL = tradeSelectBase + `WHERE expired = FALSE ORDER BY created_at ASC;`
	tradeSelectAllSQL    = tradeSelectBase + `ORDER BY created_at ASC;`
)

// Get loads the current trade record for a business trade id.
func (s *TradeStore) Get(ctx context.Context, tradeID string) (tradestore.Trade, error) {
	if s.pool == nil {
		return tradestore.Trade{}, fmt.Errorf("trade store: nil pool")
	}
	trimmed := strings.TrimSpace(tradeID)
	if trimmed == "" {
		return tradestore.Trade{}, fmt.Errorf("trade store: trade id required")
	}
	row := s.pool.QueryRow(ctx, tradeSelectByIDSQL, trimmed)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tradestore.Trade{}, errs.New("store/get", errs.CodeNotFound,
				errs.WithTradeID(trimmed),
				errs.WithMessage("trade not found"))
		}
		return tradestore.Trade{}, fmt.Errorf("trade store: get %s: %w", trimmed, err)
	}
	return trade, nil
}

// Put upserts the trade keyed by trade_id and returns the persisted projection.
// The surrogate id and created_at survive replaces; updated_at always refreshes.
func (s *TradeStore) Put(ctx context.Context, trade tradestore.Trade) (tradestore.Trade, error) {
	if s.pool == nil {
		return tradestore.Trade{}, fmt.Errorf("trade store: nil pool")
	}
	tradeID := strings.TrimSpace(trade.TradeID)
	if tradeID == "" {
		return tradestore.Trade{}, fmt.Errorf("trade store: trade id required")
	}
	var expiryDate pgtype.Date
	if trade.ExpiryDate != nil {
		expiryDate = pgtype.Date{Time: tradestore.Date(*trade.ExpiryDate), Valid: true, InfinityModifier: pgtype.Finite}
	}
	row := s.pool.QueryRow(ctx, tradeUpsertSQL, pgx.NamedArgs{
		"trade_id":         tradeID,
		"version":          trade.Version,
		"counter_party_id": trade.CounterPartyID,
		"book_id":          trade.BookID,
		"maturity_date":    tradestore.Date(trade.MaturityDate),
		"status":           string(trade.Status),
		"expired":          trade.Expired,
		"expiry_date":      expiryDate,
	})
	persisted, err := scanTrade(row)
	if err != nil {
		return tradestore.Trade{}, fmt.Errorf("trade store: put %s: %w", tradeID, err)
	}
	return persisted, nil
}

// ListActive returns every trade with expired=false, oldest first.
func (s *TradeStore) ListActive(ctx context.Context) ([]tradestore.Trade, error) {
	return s.list(ctx, tradeSelectActiveSQL)
}

// ListAll returns every trade, oldest first.
func (s *TradeStore) ListAll(ctx context.Context) ([]tradestore.Trade, error) {
	return s.list(ctx, tradeSelectAllSQL)
}

func (s *TradeStore) list(ctx context.Context, query string) ([]tradestore.Trade, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("trade store: nil pool")
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("trade store: list: %w", err)
	}
	defer rows.Close()

	var trades []tradestore.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("trade store: scan: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate: %w", err)
	}
	return trades, nil
}

func scanTrade(row rowScanner) (tradestore.Trade, error) {
	var (
		trade      tradestore.Trade
		status     string
		expiryDate pgtype.Date
	)
	if err := row.Scan(
		&trade.ID,
		&trade.TradeID,
		&trade.Version,
		&trade.CounterPartyID,
		&trade.BookID,
		&trade.MaturityDate,
		&status,
		&trade.Expired,
		&expiryDate,
		&trade.CreatedAt,
		&trade.UpdatedAt,
	); err != nil {
		return tradestore.Trade{}, err
	}
	trade.Status = tradestore.Status(status)
	trade.MaturityDate = tradestore.Date(trade.MaturityDate)
	if expiryDate.Valid {
		expiry := tradestore.Date(expiryDate.Time)
		trade.ExpiryDate = &expiry
	}
	return trade, nil
}

var _ tradestore.Store = (*TradeStore)(nil)
