// Package consumer drains the lifecycle event stream and logs consumed events.
package consumer

import (
	"context"
	"sync"

	"github.com/coachpo/tradestore/internal/domain/schema"
	"github.com/coachpo/tradestore/internal/infra/bus/eventbus"
	"github.com/coachpo/tradestore/internal/observability"
)

// Consumer subscribes to both lifecycle channels and logs every event it
// receives. It is the in-process analogue of a downstream stream consumer.
type Consumer struct {
	bus eventbus.Bus

	mu    sync.Mutex
	subs  []eventbus.SubscriptionID
	wg    sync.WaitGroup
	start sync.Once
	stop  sync.Once
}

// New constructs a consumer over the event bus.
func New(bus eventbus.Bus) *Consumer {
	return &Consumer{bus: bus}
}

// Start subscribes to the created and lifecycle channels and begins draining
// them. It is safe to call once; subsequent calls are no-ops.
func (c *Consumer) Start(ctx context.Context) error {
	var startErr error
	c.start.Do(func() {
		for _, typ := range []schema.EventType{schema.EventTypeTradeCreated, schema.EventTypeTradeLifecycle} {
			id, ch, err := c.bus.Subscribe(ctx, typ)
			if err != nil {
				startErr = err
				return
			}
			c.mu.Lock()
			c.subs = append(c.subs, id)
			c.mu.Unlock()

			c.wg.Add(1)
			go c.drain(ctx, ch)
		}
	})
	return startErr
}

// Stop unsubscribes and waits for the drain goroutines to finish.
func (c *Consumer) Stop() {
	c.stop.Do(func() {
		c.mu.Lock()
		subs := append([]eventbus.SubscriptionID(nil), c.subs...)
		c.mu.Unlock()
		for _, id := range subs {
			c.bus.Unsubscribe(id)
		}
	})
	c.wg.Wait()
}

func (c *Consumer) drain(ctx context.Context, ch <-chan *schema.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt == nil {
				continue
			}
			observability.Log().Info("consumed lifecycle event",
				observability.String("event_id", evt.EventID),
				observability.String("channel", string(evt.Type)),
				observability.String("trade_id", evt.Key),
				observability.String("action", evt.Payload.Action),
				observability.String("status", evt.Payload.Status),
				observability.Int("version", evt.Payload.Version))
		}
	}
}
