package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradestore/internal/domain/auditstore"
	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/schema"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
	"github.com/coachpo/tradestore/internal/infra/bus/eventbus"
	"github.com/coachpo/tradestore/internal/infra/persistence/memory"
)

type recordingBus struct {
	mu     sync.Mutex
	events []*schema.Event
	fail   bool
}

func (b *recordingBus) Publish(_ context.Context, evt *schema.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return fmt.Errorf("broker unavailable")
	}
	b.events = append(b.events, evt)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, schema.EventType) (eventbus.SubscriptionID, <-chan *schema.Event, error) {
	return "", nil, nil
}

func (b *recordingBus) Unsubscribe(eventbus.SubscriptionID) {}
func (b *recordingBus) Close()                              {}

func (b *recordingBus) published() []*schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*schema.Event(nil), b.events...)
}

// faultyTradeStore fails Put for one trade id while passing everything else
// through to the wrapped store.
type faultyTradeStore struct {
	tradestore.Store
	failID string
}

func (s *faultyTradeStore) Put(ctx context.Context, trade tradestore.Trade) (tradestore.Trade, error) {
	if s.failID != "" && trade.TradeID == s.failID {
		return tradestore.Trade{}, fmt.Errorf("storage offline")
	}
	return s.Store.Put(ctx, trade)
}

// faultyAuditStore rejects every append once armed.
type faultyAuditStore struct {
	auditstore.Store
	fail bool
}

func (s *faultyAuditStore) Append(ctx context.Context, entry auditstore.Entry) error {
	if s.fail {
		return fmt.Errorf("audit log offline")
	}
	return s.Store.Append(ctx, entry)
}

type fixture struct {
	engine *Engine
	trades *memory.TradeStore
	audit  *memory.AuditStore
	bus    *recordingBus
	today  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	today := tradestore.Date(time.Date(2026, time.March, 10, 15, 30, 0, 0, time.UTC))
	trades := memory.NewTradeStore()
	audit := memory.NewAuditStore()
	bus := &recordingBus{}
	eng := New(trades, audit, bus, Config{
		Now: func() time.Time { return today },
	})
	return &fixture{engine: eng, trades: trades, audit: audit, bus: bus, today: today}
}

func (f *fixture) submit(t *testing.T, tradeID string, version int, maturityOffsetDays int) (tradestore.Trade, error) {
	t.Helper()
	trade, _, err := f.engine.Submit(context.Background(), SubmitRequest{
		TradeID:        tradeID,
		Version:        version,
		CounterPartyID: "CP-1",
		BookID:         "B1",
		MaturityDate:   f.today.AddDate(0, 0, maturityOffsetDays),
	})
	return trade, err
}

func TestSubmitNewTradeYieldsActive(t *testing.T) {
	f := newFixture(t)

	trade, err := f.submit(t, "T1", 1, 10)
	require.NoError(t, err)
	require.Equal(t, tradestore.StatusActive, trade.Status)
	require.False(t, trade.Expired)
	require.Nil(t, trade.ExpiryDate)
	require.NotEmpty(t, trade.ID)

	events := f.bus.published()
	require.Len(t, events, 1)
	require.Equal(t, schema.EventTypeTradeCreated, events[0].Type)
	require.Equal(t, string(tradestore.ActionCreate), events[0].Payload.Action)
}

func TestSubmitLowerVersionRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(t, "T1", 2, 10)
	require.NoError(t, err)

	_, err = f.submit(t, "T1", 1, 10)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeVersionConflict))

	stored, err := f.engine.GetByTradeID(context.Background(), "T1")
	require.NoError(t, err)
	require.Equal(t, 2, stored.Version)

	entries, err := f.engine.AuditTrail(context.Background(), "T1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "rejection must not append an audit entry")
	require.Len(t, f.bus.published(), 1, "rejection must not publish an event")
}

func TestSubmitSameVersionReplacesAndReactivates(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(t, "T1", 1, 10)
	require.NoError(t, err)
	_, err = f.engine.ManualExpire(context.Background(), "T1")
	require.NoError(t, err)

	replaced, action, err := f.engine.Submit(context.Background(), SubmitRequest{
		TradeID:        "T1",
		Version:        1,
		CounterPartyID: "CP-2",
		BookID:         "B2",
		MaturityDate:   f.today.AddDate(0, 0, 20),
	})
	require.NoError(t, err)
	require.Equal(t, tradestore.ActionUpdate, action)
	require.Equal(t, tradestore.StatusActive, replaced.Status)
	require.False(t, replaced.Expired)
	require.Nil(t, replaced.ExpiryDate)
	require.Equal(t, "CP-2", replaced.CounterPartyID)
	require.Equal(t, "B2", replaced.BookID)
}

func TestSubmitPastMaturityLeavesNoState(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(t, "T2", 1, -1)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeMaturityRejected))

	_, err = f.engine.GetByTradeID(context.Background(), "T2")
	require.True(t, errs.Is(err, errs.CodeNotFound))

	entries, err := f.engine.AuditTrail(context.Background(), "T2")
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Empty(t, f.bus.published())
}

func TestSubmitMaturingTodayAccepted(t *testing.T) {
	f := newFixture(t)
	trade, err := f.submit(t, "T1", 1, 0)
	require.NoError(t, err)
	require.Equal(t, tradestore.StatusActive, trade.Status)
}

func TestSubmitValidatesInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(t, "  ", 1, 10)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = f.submit(t, "T1", 0, 10)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestSubmitPublishFailureKeepsDurableWrites(t *testing.T) {
	f := newFixture(t)
	f.bus.fail = true

	_, err := f.submit(t, "T1", 1, 10)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeDependency))

	stored, err := f.engine.GetByTradeID(context.Background(), "T1")
	require.NoError(t, err)
	require.Equal(t, 1, stored.Version)

	entries, err := f.engine.AuditTrail(context.Background(), "T1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestManualExpireUnknownTradeReportsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ManualExpire(context.Background(), "T-missing")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestManualExpireForcesExpiredState(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(t, "T1", 1, 30)
	require.NoError(t, err)

	expired, err := f.engine.ManualExpire(context.Background(), "T1")
	require.NoError(t, err)
	require.Equal(t, tradestore.StatusExpired, expired.Status)
	require.True(t, expired.Expired)
	require.NotNil(t, expired.ExpiryDate)
	require.Equal(t, f.today, *expired.ExpiryDate)

	events := f.bus.published()
	require.Len(t, events, 2)
	require.Equal(t, schema.EventTypeTradeLifecycle, events[1].Type)
	require.Equal(t, string(tradestore.ActionExpire), events[1].Payload.Action)
}

func TestVersionMonotonicAcrossAcceptedSubmissions(t *testing.T) {
	f := newFixture(t)

	versions := []int{1, 1, 3, 2, 3, 5}
	lastAccepted := 0
	for _, version := range versions {
		_, err := f.submit(t, "T1", version, 10)
		if version >= lastAccepted {
			require.NoError(t, err)
			lastAccepted = version
		} else {
			require.True(t, errs.Is(err, errs.CodeVersionConflict))
		}
		stored, getErr := f.engine.GetByTradeID(context.Background(), "T1")
		require.NoError(t, getErr)
		require.Equal(t, lastAccepted, stored.Version)
	}
}

func TestSweepExpiresOnlyDueTrades(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(t, "T-due", 1, 5)
	require.NoError(t, err)
	_, err = f.submit(t, "T-today", 1, 10)
	require.NoError(t, err)
	_, err = f.submit(t, "T-future", 1, 30)
	require.NoError(t, err)

	sweepDay := f.today.AddDate(0, 0, 10)
	count, err := f.engine.Sweep(context.Background(), sweepDay)
	require.NoError(t, err)
	require.Equal(t, 1, count, "only the trade maturing strictly before the sweep day is due")

	due, err := f.engine.GetByTradeID(context.Background(), "T-due")
	require.NoError(t, err)
	require.True(t, due.Expired)
	require.Equal(t, tradestore.StatusExpired, due.Status)
	require.NotNil(t, due.ExpiryDate)
	require.Equal(t, tradestore.Date(sweepDay), *due.ExpiryDate)

	for _, tradeID := range []string{"T-today", "T-future"} {
		stored, err := f.engine.GetByTradeID(context.Background(), tradeID)
		require.NoError(t, err)
		require.False(t, stored.Expired, "%s must stay live", tradeID)
	}
}

func TestSweepSecondRunIsIdempotent(t *testing.T) {
	f := newFixture(t)

	_, err := f.submit(t, "T1", 1, 1)
	require.NoError(t, err)

	sweepDay := f.today.AddDate(0, 0, 2)
	count, err := f.engine.Sweep(context.Background(), sweepDay)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = f.engine.Sweep(context.Background(), sweepDay)
	require.NoError(t, err)
	require.Zero(t, count)

	entries, err := f.engine.AuditTrail(context.Background(), "T1")
	require.NoError(t, err)
	require.Len(t, entries, 2, "exactly one EXPIRE entry despite two sweeps")
}

func TestSubmitReportsAppliedAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := SubmitRequest{
		TradeID:        "T1",
		Version:        1,
		CounterPartyID: "CP-1",
		BookID:         "B1",
		MaturityDate:   f.today.AddDate(0, 0, 10),
	}

	_, action, err := f.engine.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, tradestore.ActionCreate, action)

	req.Version = 2
	_, action, err = f.engine.Submit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, tradestore.ActionUpdate, action)
}

func TestSubmitAuditFailureKeepsStoreWrite(t *testing.T) {
	today := tradestore.Date(time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	trades := memory.NewTradeStore()
	audit := &faultyAuditStore{Store: memory.NewAuditStore(), fail: true}
	bus := &recordingBus{}
	eng := New(trades, audit, bus, Config{Now: func() time.Time { return today }})

	_, _, err := eng.Submit(context.Background(), SubmitRequest{
		TradeID:        "T1",
		Version:        1,
		CounterPartyID: "CP-1",
		BookID:         "B1",
		MaturityDate:   today.AddDate(0, 0, 10),
	})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeDependency))

	stored, err := eng.GetByTradeID(context.Background(), "T1")
	require.NoError(t, err, "store write must survive the audit failure")
	require.Equal(t, 1, stored.Version)
	require.Empty(t, bus.published(), "no event before the audit entry lands")
}

func TestSweepIsolatesPerRecordFailures(t *testing.T) {
	today := tradestore.Date(time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	trades := &faultyTradeStore{Store: memory.NewTradeStore()}
	audit := memory.NewAuditStore()
	bus := &recordingBus{}
	eng := New(trades, audit, bus, Config{Now: func() time.Time { return today }})

	ctx := context.Background()
	for _, tradeID := range []string{"T-a", "T-b", "T-c"} {
		_, _, err := eng.Submit(ctx, SubmitRequest{
			TradeID:        tradeID,
			Version:        1,
			CounterPartyID: "CP-1",
			BookID:         "B1",
			MaturityDate:   today.AddDate(0, 0, 1),
		})
		require.NoError(t, err)
	}

	trades.failID = "T-b"
	sweepDay := today.AddDate(0, 0, 5)
	count, err := eng.Sweep(ctx, sweepDay)
	require.NoError(t, err, "one record's failure must not abort the scan")
	require.Equal(t, 2, count)

	for _, tradeID := range []string{"T-a", "T-c"} {
		stored, getErr := eng.GetByTradeID(ctx, tradeID)
		require.NoError(t, getErr)
		require.True(t, stored.Expired, "%s transitions despite the failing sibling", tradeID)
	}
	stuck, err := eng.GetByTradeID(ctx, "T-b")
	require.NoError(t, err)
	require.False(t, stuck.Expired, "failed record stays live for the next run")

	trades.failID = ""
	count, err = eng.Sweep(ctx, sweepDay)
	require.NoError(t, err)
	require.Equal(t, 1, count, "next run retries only the previously failed record")

	entries, err := eng.AuditTrail(ctx, "T-b")
	require.NoError(t, err)
	require.Len(t, entries, 2, "exactly one EXPIRE entry after the retry")
	require.Equal(t, tradestore.ActionExpire, entries[1].Action)
}

func TestLifecycleScenarioAuditOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.submit(t, "T1", 1, 10)
	require.NoError(t, err)

	_, _, err = f.engine.Submit(ctx, SubmitRequest{
		TradeID:        "T1",
		Version:        2,
		CounterPartyID: "CP-changed",
		BookID:         "B1",
		MaturityDate:   f.today.AddDate(0, 0, 10),
	})
	require.NoError(t, err)

	_, err = f.submit(t, "T1", 1, 10)
	require.True(t, errs.Is(err, errs.CodeVersionConflict))

	_, err = f.engine.ManualExpire(ctx, "T1")
	require.NoError(t, err)

	entries, err := f.engine.AuditTrail(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, tradestore.ActionCreate, entries[0].Action)
	require.Equal(t, tradestore.ActionUpdate, entries[1].Action)
	require.Equal(t, tradestore.ActionExpire, entries[2].Action)
	for _, entry := range entries {
		require.Equal(t, "T1", entry.TradeID)
	}
}

func TestConcurrentSubmissionsSameTradeStaySerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for version := 1; version <= 20; version++ {
		wg.Add(1)
		v := version
		go func() {
			defer wg.Done()
			_, _, _ = f.engine.Submit(ctx, SubmitRequest{
				TradeID:        "T1",
				Version:        v,
				CounterPartyID: "CP-1",
				BookID:         "B1",
				MaturityDate:   f.today.AddDate(0, 0, 5),
			})
		}()
	}
	wg.Wait()

	stored, err := f.engine.GetByTradeID(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, 20, stored.Version, "highest version always wins regardless of interleaving")

	entries, err := f.engine.AuditTrail(ctx, "T1")
	require.NoError(t, err)
	for i := 1; i < len(entries); i++ {
		require.GreaterOrEqual(t, entries[i].Version, entries[i-1].Version,
			"audited versions must be non-decreasing")
	}
}
