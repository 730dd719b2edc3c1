package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/schema"
	"github.com/coachpo/tradestore/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of the lifecycle event bus.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64
	workers      int

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryErrorCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryBlockedCounter metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// mu serializes sends against close so a concurrent Unsubscribe can never
	// close the channel mid-send.
	mu     sync.Mutex
	ch     chan *schema.Event
	closed bool
}

// NewMemoryBus constructs a memory-backed lifecycle event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[schema.EventType]map[SubscriptionID]*subscriber)
	bus.workers = cfg.FanoutWorkers

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of lifecycle events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryErrorCounter, _ = meter.Int64Counter("eventbus.delivery.errors",
		metric.WithDescription("Number of event delivery errors"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish fan-outs the event to all subscribers of its channel. Subscriber
// count is snapshotted first so an empty fanout does no delivery work.
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("eventbus.publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}

	eventType := string(evt.Type)
	start := time.Now()
	result := "success"

	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventType.String(eventType))
			b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	n := len(subMap)
	subscribers := make([]*subscriber, 0, n)
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(n), metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", eventType)))
	}

	if n == 0 {
		result = "no_subscribers"
		return nil
	}

	if err := b.dispatch(ctx, evt, subscribers); err != nil {
		if b.deliveryErrorCounter != nil {
			b.deliveryErrorCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("environment", telemetry.Environment()),
				attribute.String("error", "dispatch_failed"),
				attribute.String("event_type", eventType)))
		}
		result = "dispatch_failed"
		return err
	}

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", eventType)))
	}
	return nil
}

// Subscribe registers for events on the given channel and returns a subscription ID and channel.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan *schema.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus.subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan *schema.Event, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("event_type", string(typ))))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
					attribute.String("environment", telemetry.Environment()),
					attribute.String("event_type", string(typ))))
			}
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				if sub != nil {
					sub.close()
				}
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(typ schema.EventType, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	subs := b.subscribers[typ]
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
}

// deliver hands the event to one subscriber. A full buffer drops the oldest
// queued event so slow consumers never stall lifecycle processing.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt *schema.Event) error {
	select {
	case <-b.ctx.Done():
		return errs.New("eventbus.publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	default:
	}

	delivered, dropped := sub.send(evt)
	if dropped {
		log.Printf("eventbus: subscriber buffer full; dropped oldest event type=%s key=%s", evt.Type, evt.Key)
		if b.deliveryBlockedCounter != nil {
			b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("environment", telemetry.Environment()),
				attribute.String("event_type", string(evt.Type))))
		}
	}
	if !delivered {
		if sub.ctx.Err() != nil {
			return nil
		}
		return errs.New("eventbus.publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
	return nil
}

func (b *MemoryBus) dispatch(ctx context.Context, evt *schema.Event, subs []*subscriber) error {
	workerLimit := b.workers
	if workerLimit <= 0 {
		workerLimit = 1
	}

	p := concpool.New().WithMaxGoroutines(workerLimit)
	errCh := make(chan error, len(subs))

	for _, subscriber := range subs {
		if subscriber == nil {
			continue
		}
		sub := subscriber
		p.Go(func() {
			if err := b.deliver(ctx, sub, evt); err != nil {
				errCh <- err
			}
		})
	}

	p.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// send enqueues the event without blocking. When the buffer is full the oldest
// queued event is evicted first; dropped reports that eviction. A closed
// subscriber accepts nothing.
func (s *subscriber) send(evt *schema.Event) (delivered, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- evt:
		return true, false
	default:
	}
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- evt:
		return true, dropped
	default:
		return false, dropped
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

var _ Bus = (*MemoryBus)(nil)
