package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradestore/internal/domain/auditstore"
	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/outboxstore"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
)

func TestTradeStorePutAssignsIdentityOnce(t *testing.T) {
	ctx := context.Background()
	store := NewTradeStore()
	maturity := tradestore.Date(time.Now().AddDate(0, 1, 0))

	created, err := store.Put(ctx, tradestore.Trade{
		TradeID:        "T1",
		Version:        1,
		CounterPartyID: "CP-1",
		BookID:         "B1",
		MaturityDate:   maturity,
		Status:         tradestore.StatusActive,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.CreatedAt.IsZero())

	replaced, err := store.Put(ctx, tradestore.Trade{
		TradeID:        "T1",
		Version:        2,
		CounterPartyID: "CP-2",
		BookID:         "B1",
		MaturityDate:   maturity,
		Status:         tradestore.StatusActive,
	})
	require.NoError(t, err)
	require.Equal(t, created.ID, replaced.ID)
	require.Equal(t, created.CreatedAt, replaced.CreatedAt)
	require.Equal(t, 2, replaced.Version)
}

func TestTradeStoreGetUnknownReportsNotFound(t *testing.T) {
	store := NewTradeStore()
	_, err := store.Get(context.Background(), "T-missing")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestTradeStoreListActiveExcludesExpired(t *testing.T) {
	ctx := context.Background()
	store := NewTradeStore()
	maturity := tradestore.Date(time.Now().AddDate(0, 1, 0))

	_, err := store.Put(ctx, tradestore.Trade{TradeID: "T1", Version: 1, MaturityDate: maturity, Status: tradestore.StatusActive})
	require.NoError(t, err)
	expiry := tradestore.Date(time.Now())
	_, err = store.Put(ctx, tradestore.Trade{
		TradeID:      "T2",
		Version:      1,
		MaturityDate: maturity,
		Status:       tradestore.StatusExpired,
		Expired:      true,
		ExpiryDate:   &expiry,
	})
	require.NoError(t, err)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "T1", active[0].TradeID)

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestAuditStorePreservesWriteOrder(t *testing.T) {
	ctx := context.Background()
	store := NewAuditStore()
	maturity := tradestore.Date(time.Now().AddDate(0, 1, 0))
	trade := tradestore.Trade{TradeID: "T1", Version: 1, MaturityDate: maturity, Status: tradestore.StatusActive}

	actions := []tradestore.Action{tradestore.ActionCreate, tradestore.ActionUpdate, tradestore.ActionExpire}
	for _, action := range actions {
		require.NoError(t, store.Append(ctx, auditstore.Snapshot(trade, action, "", time.Now())))
	}
	require.NoError(t, store.Append(ctx, auditstore.Snapshot(
		tradestore.Trade{TradeID: "T2", Version: 1, MaturityDate: maturity, Status: tradestore.StatusActive},
		tradestore.ActionCreate, "", time.Now())))

	entries, err := store.ListByTradeID(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, entries, len(actions))
	for i, entry := range entries {
		require.Equal(t, actions[i], entry.Action)
		if i > 0 {
			require.Greater(t, entry.ID, entries[i-1].ID)
		}
	}
}

func TestAuditStoreRejectsBlankTradeID(t *testing.T) {
	store := NewAuditStore()
	err := store.Append(context.Background(), auditstore.Entry{Action: tradestore.ActionCreate})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestOutboxStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()

	record, err := store.Enqueue(ctx, outboxstore.Event{
		Key:     "T1",
		Channel: "trade.created",
		Payload: []byte(`{"tradeId":"T1"}`),
	})
	require.NoError(t, err)
	require.NotZero(t, record.ID)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.MarkFailed(ctx, record.ID, "broker unavailable"))
	pending, err = store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending, "failed record must wait out its retry interval")

	require.Equal(t, 1, store.records[record.ID].Attempts)

	require.NoError(t, store.MarkDelivered(ctx, record.ID))
	require.Equal(t, 2, store.records[record.ID].Attempts, "delivery counts as an attempt, like the Postgres store")

	pruned, err := store.DeleteDelivered(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)
}

func TestOutboxStoreRejectsBlankIdentity(t *testing.T) {
	store := NewOutboxStore()
	_, err := store.Enqueue(context.Background(), outboxstore.Event{Payload: []byte(`{}`)})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}
