// Package sweeper schedules the periodic expiry sweep.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradestore/internal/infra/telemetry"
	"github.com/coachpo/tradestore/internal/observability"
)

const defaultInterval = 24 * time.Hour

// Sweep is the engine capability the scheduler drives.
type Sweep interface {
	Sweep(ctx context.Context, today time.Time) (int, error)
}

// Config tunes the sweep schedule.
type Config struct {
	// Interval between sweep runs.
	Interval time.Duration
	// RunOnStart triggers an immediate sweep when the scheduler starts.
	RunOnStart bool
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Sweeper triggers the expiry sweep on a fixed interval. Runs never overlap:
// a trigger that fires while a sweep is still executing is skipped.
type Sweeper struct {
	engine Sweep
	cfg    Config

	runMu    sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	runDuration  metric.Float64Histogram
	expiredCount metric.Int64Counter
	skippedRuns  metric.Int64Counter
}

// New constructs a sweeper over the engine's sweep capability.
func New(engine Sweep, cfg Config) *Sweeper {
	cfg = cfg.normalize()
	s := &Sweeper{
		engine: engine,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	meter := otel.Meter("sweeper")
	s.runDuration, _ = meter.Float64Histogram("sweeper.run.duration",
		metric.WithDescription("Latency of expiry sweep runs"),
		metric.WithUnit("ms"))
	s.expiredCount, _ = meter.Int64Counter("sweeper.trades.expired",
		metric.WithDescription("Trades transitioned to expired by the sweep"),
		metric.WithUnit("{trade}"))
	s.skippedRuns, _ = meter.Int64Counter("sweeper.runs.skipped",
		metric.WithDescription("Sweep triggers skipped because a run was still executing"),
		metric.WithUnit("{run}"))
	return s
}

// Start launches the schedule loop. It returns once the loop goroutine is
// running; Stop shuts it down.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		if s.cfg.RunOnStart {
			s.RunOnce(ctx)
		}
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the schedule loop and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// RunOnce executes a single sweep unless one is already running, in which
// case it reports -1 without sweeping.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	if !s.runMu.TryLock() {
		observability.Log().Info("sweep skipped: previous run still executing")
		if s.skippedRuns != nil {
			s.skippedRuns.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment())))
		}
		return -1
	}
	defer s.runMu.Unlock()

	today := s.cfg.Now()
	start := time.Now()
	result := "success"

	expired, err := s.engine.Sweep(ctx, today)
	if err != nil {
		result = "error"
		observability.Log().Error("sweep failed", observability.Err(err))
	} else {
		observability.Log().Info("sweep completed",
			observability.String("date", today.UTC().Format(time.DateOnly)),
			observability.Int("expired", expired))
	}

	if s.runDuration != nil {
		attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "sweep", result)
		s.runDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	}
	if s.expiredCount != nil && expired > 0 {
		s.expiredCount.Add(ctx, int64(expired), metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	return expired
}
