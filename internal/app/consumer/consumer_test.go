package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradestore/internal/domain/schema"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
	"github.com/coachpo/tradestore/internal/infra/bus/eventbus"
	"github.com/coachpo/tradestore/internal/observability"
)

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) Debug(string, ...observability.Field) {}
func (l *captureLogger) Error(string, ...observability.Field) {}

func (l *captureLogger) Info(msg string, _ ...observability.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *captureLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func TestConsumerLogsEventsFromBothChannels(t *testing.T) {
	logger := &captureLogger{}
	observability.SetLogger(logger)
	defer observability.SetLogger(nil)

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(bus)
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	trade := tradestore.Trade{
		TradeID:      "T1",
		Version:      1,
		MaturityDate: tradestore.Date(time.Now().AddDate(0, 1, 0)),
		Status:       tradestore.StatusActive,
	}
	require.NoError(t, bus.Publish(ctx, schema.NewTradeEvent(trade, tradestore.ActionCreate, time.Now())))
	require.NoError(t, bus.Publish(ctx, schema.NewTradeEvent(trade, tradestore.ActionExpire, time.Now())))

	require.Eventually(t, func() bool {
		return logger.count() == 2
	}, time.Second, 5*time.Millisecond)
}
