// Package engine implements the trade lifecycle engine: submission acceptance,
// manual expiry, audit trail reads, and the periodic expiry sweep.
package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradestore/internal/domain/auditstore"
	"github.com/coachpo/tradestore/internal/domain/errs"
	"github.com/coachpo/tradestore/internal/domain/policy"
	"github.com/coachpo/tradestore/internal/domain/schema"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
	"github.com/coachpo/tradestore/internal/infra/bus/eventbus"
	"github.com/coachpo/tradestore/internal/infra/telemetry"
	"github.com/coachpo/tradestore/internal/observability"
)

const (
	defaultQueryTimeout = 5 * time.Second
	defaultSweepWorkers = 4

	reasonSubmitAccepted = "submission accepted"
	reasonManualExpiry   = "manual expiry requested"
	reasonSweepExpiry    = "maturity date passed"
)

// SubmitRequest carries one trade submission into the engine. MaturityDate is
// truncated to calendar-date precision on entry.
type SubmitRequest struct {
	TradeID        string
	Version        int
	CounterPartyID string
	BookID         string
	MaturityDate   time.Time
}

// Config tunes engine behaviour.
type Config struct {
	// QueryTimeout bounds every store, audit, and publish call.
	QueryTimeout time.Duration
	// SweepWorkers caps concurrent per-record transitions during a sweep.
	SweepWorkers int
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (c Config) normalize() Config {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.SweepWorkers <= 0 {
		c.SweepWorkers = defaultSweepWorkers
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Engine coordinates the trade store, audit log, and event bus. For any single
// submission the ordering is store write, then audit append, then publish;
// mutating operations on one trade id never interleave.
type Engine struct {
	trades tradestore.Store
	audit  auditstore.Store
	bus    eventbus.Bus
	cfg    Config
	locks  *keyedLock

	submitDuration     metric.Float64Histogram
	transitionsCounter metric.Int64Counter
	errorsCounter      metric.Int64Counter
}

// New constructs the lifecycle engine over its three collaborators.
func New(trades tradestore.Store, audit auditstore.Store, bus eventbus.Bus, cfg Config) *Engine {
	cfg = cfg.normalize()
	e := &Engine{
		trades: trades,
		audit:  audit,
		bus:    bus,
		cfg:    cfg,
		locks:  newKeyedLock(),
	}
	meter := otel.Meter("engine")
	e.submitDuration, _ = meter.Float64Histogram("engine.submit.duration",
		metric.WithDescription("Latency of trade submissions"),
		metric.WithUnit("ms"))
	e.transitionsCounter, _ = meter.Int64Counter("engine.transitions",
		metric.WithDescription("Accepted lifecycle transitions by action"),
		metric.WithUnit("{transition}"))
	e.errorsCounter, _ = meter.Int64Counter("engine.errors",
		metric.WithDescription("Engine operations that surfaced an error"),
		metric.WithUnit("{error}"))
	return e
}

// Submit runs the acceptance pipeline for one trade submission: maturity
// check, version check, persist, audit, publish. Rejections leave no trace in
// any collaborator. The returned action reports whether the write was a
// first-seen create or a replace, decided under the per-trade lock.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (tradestore.Trade, tradestore.Action, error) {
	start := time.Now()
	result := "success"
	defer func() {
		if e.submitDuration != nil {
			attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "submit", result)
			e.submitDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		}
	}()

	tradeID := strings.TrimSpace(req.TradeID)
	if tradeID == "" {
		result = "invalid_request"
		return tradestore.Trade{}, tradestore.ActionReject, errs.New("engine.submit", errs.CodeInvalid, errs.WithMessage("trade id required"))
	}
	if req.Version < 1 {
		result = "invalid_request"
		return tradestore.Trade{}, tradestore.ActionReject, errs.New("engine.submit", errs.CodeInvalid,
			errs.WithTradeID(tradeID), errs.WithMessage("version must be >= 1"))
	}

	now := e.cfg.Now()
	if err := policy.ValidateMaturity(tradeID, req.MaturityDate, now); err != nil {
		result = "maturity_rejected"
		e.countError(ctx, err, "submit")
		return tradestore.Trade{}, tradestore.ActionReject, err
	}

	e.locks.lock(tradeID)
	defer e.locks.unlock(tradeID)

	existing, err := e.getForUpdate(ctx, tradeID)
	if err != nil {
		result = "dependency_failure"
		e.countError(ctx, err, "submit")
		return tradestore.Trade{}, tradestore.ActionReject, err
	}

	action := tradestore.ActionCreate
	decision := policy.DecideVersion(existing, req.Version)
	switch decision {
	case policy.Reject:
		result = "version_conflict"
		conflict := policy.VersionConflict(tradeID, req.Version, existing.Version)
		e.countError(ctx, conflict, "submit")
		return tradestore.Trade{}, tradestore.ActionReject, conflict
	case policy.AcceptReplace:
		action = tradestore.ActionUpdate
	case policy.AcceptNew:
	}

	trade := tradestore.Trade{
		TradeID:        tradeID,
		Version:        req.Version,
		CounterPartyID: strings.TrimSpace(req.CounterPartyID),
		BookID:         strings.TrimSpace(req.BookID),
		MaturityDate:   tradestore.Date(req.MaturityDate),
		Status:         tradestore.StatusActive,
		Expired:        false,
		ExpiryDate:     nil,
	}
	if existing != nil {
		trade.ID = existing.ID
		trade.CreatedAt = existing.CreatedAt
	}

	persisted, err := e.applyTransition(ctx, trade, action, reasonSubmitAccepted, now)
	if err != nil {
		result = "dependency_failure"
		return tradestore.Trade{}, action, err
	}
	return persisted, action, nil
}

// GetByTradeID returns the current trade record for the business id.
func (e *Engine) GetByTradeID(ctx context.Context, tradeID string) (tradestore.Trade, error) {
	trimmed := strings.TrimSpace(tradeID)
	if trimmed == "" {
		return tradestore.Trade{}, errs.New("engine.get", errs.CodeInvalid, errs.WithMessage("trade id required"))
	}
	callCtx, cancel := e.boundedContext(ctx)
	defer cancel()
	return e.trades.Get(callCtx, trimmed)
}

// ListAll returns every stored trade.
func (e *Engine) ListAll(ctx context.Context) ([]tradestore.Trade, error) {
	callCtx, cancel := e.boundedContext(ctx)
	defer cancel()
	return e.trades.ListAll(callCtx)
}

// AuditTrail returns the full audit history for a trade in write order. An
// unknown trade id yields an empty sequence, not an error.
func (e *Engine) AuditTrail(ctx context.Context, tradeID string) ([]auditstore.Entry, error) {
	trimmed := strings.TrimSpace(tradeID)
	if trimmed == "" {
		return nil, errs.New("engine.audit_trail", errs.CodeInvalid, errs.WithMessage("trade id required"))
	}
	callCtx, cancel := e.boundedContext(ctx)
	defer cancel()
	return e.audit.ListByTradeID(callCtx, trimmed)
}

// ManualExpire forces a trade into the expired state regardless of its
// maturity date. Operator override; the sweep applies the same transition
// automatically once maturity has passed.
func (e *Engine) ManualExpire(ctx context.Context, tradeID string) (tradestore.Trade, error) {
	trimmed := strings.TrimSpace(tradeID)
	if trimmed == "" {
		return tradestore.Trade{}, errs.New("engine.manual_expire", errs.CodeInvalid, errs.WithMessage("trade id required"))
	}

	e.locks.lock(trimmed)
	defer e.locks.unlock(trimmed)

	callCtx, cancel := e.boundedContext(ctx)
	trade, err := e.trades.Get(callCtx, trimmed)
	cancel()
	if err != nil {
		e.countError(ctx, err, "manual_expire")
		return tradestore.Trade{}, err
	}

	now := e.cfg.Now()
	persisted, err := e.applyTransition(ctx, expire(trade, now), tradestore.ActionExpire, reasonManualExpiry, now)
	if err != nil {
		return tradestore.Trade{}, err
	}
	return persisted, nil
}

// Sweep expires every live trade whose maturity date lies strictly before
// today. Per-record failures are logged and skipped; the record stays live and
// is retried on the next run. Returns the number of transitioned trades.
func (e *Engine) Sweep(ctx context.Context, today time.Time) (int, error) {
	callCtx, cancel := e.boundedContext(ctx)
	trades, err := e.trades.ListActive(callCtx)
	cancel()
	if err != nil {
		e.countError(ctx, err, "sweep")
		return 0, errs.New("engine.sweep", errs.CodeDependency, errs.WithCause(err))
	}

	var due []tradestore.Trade
	for _, trade := range trades {
		if policy.DueForExpiry(trade.MaturityDate, today) {
			due = append(due, trade)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	var expired atomic.Int64
	p := concpool.New().WithMaxGoroutines(e.cfg.SweepWorkers)
	for _, candidate := range due {
		trade := candidate
		p.Go(func() {
			if e.sweepOne(ctx, trade.TradeID, today) {
				expired.Add(1)
			}
		})
	}
	p.Wait()
	return int(expired.Load()), nil
}

// sweepOne re-reads the record under its lock so a concurrent replace or
// manual expiry between scan and transition is respected.
func (e *Engine) sweepOne(ctx context.Context, tradeID string, today time.Time) bool {
	e.locks.lock(tradeID)
	defer e.locks.unlock(tradeID)

	callCtx, cancel := e.boundedContext(ctx)
	trade, err := e.trades.Get(callCtx, tradeID)
	cancel()
	if err != nil {
		observability.Log().Error("sweep: reload failed", observability.String("trade_id", tradeID), observability.Err(err))
		e.countError(ctx, err, "sweep")
		return false
	}
	if trade.Expired || !policy.DueForExpiry(trade.MaturityDate, today) {
		return false
	}

	if _, err := e.applyTransition(ctx, expire(trade, today), tradestore.ActionExpire, reasonSweepExpiry, e.cfg.Now()); err != nil {
		observability.Log().Error("sweep: transition failed", observability.String("trade_id", tradeID), observability.Err(err))
		return false
	}
	return true
}

// applyTransition persists the trade, appends the audit entry, and publishes
// the lifecycle event, in that order. An audit or publish failure is surfaced
// to the caller but never undoes the committed store write.
func (e *Engine) applyTransition(ctx context.Context, trade tradestore.Trade, action tradestore.Action, reason string, at time.Time) (tradestore.Trade, error) {
	callCtx, cancel := e.boundedContext(ctx)
	persisted, err := e.trades.Put(callCtx, trade)
	cancel()
	if err != nil {
		e.countError(ctx, err, "store_put")
		return tradestore.Trade{}, errs.New("engine.store", errs.CodeDependency,
			errs.WithTradeID(trade.TradeID), errs.WithCause(err))
	}

	callCtx, cancel = e.boundedContext(ctx)
	err = e.audit.Append(callCtx, auditstore.Snapshot(persisted, action, reason, at))
	cancel()
	if err != nil {
		e.countError(ctx, err, "audit_append")
		return tradestore.Trade{}, errs.New("engine.audit", errs.CodeDependency,
			errs.WithTradeID(trade.TradeID), errs.WithCause(err))
	}

	if e.transitionsCounter != nil {
		attrs := telemetry.ActionAttributes(telemetry.Environment(), string(action), string(persisted.Status))
		e.transitionsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	callCtx, cancel = e.boundedContext(ctx)
	err = e.bus.Publish(callCtx, schema.NewTradeEvent(persisted, action, at))
	cancel()
	if err != nil {
		e.countError(ctx, err, "publish")
		observability.Log().Error("lifecycle publish failed",
			observability.String("trade_id", persisted.TradeID),
			observability.String("action", string(action)),
			observability.Err(err))
		return tradestore.Trade{}, errs.New("engine.publish", errs.CodeDependency,
			errs.WithTradeID(persisted.TradeID), errs.WithCause(err))
	}
	return persisted, nil
}

// getForUpdate loads the existing record for the submission pipeline. Absent
// records return nil; every other failure is a dependency failure.
func (e *Engine) getForUpdate(ctx context.Context, tradeID string) (*tradestore.Trade, error) {
	callCtx, cancel := e.boundedContext(ctx)
	defer cancel()
	trade, err := e.trades.Get(callCtx, tradeID)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			return nil, nil
		}
		return nil, errs.New("engine.store", errs.CodeDependency,
			errs.WithTradeID(tradeID), errs.WithCause(err))
	}
	return &trade, nil
}

func (e *Engine) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.cfg.QueryTimeout)
}

func (e *Engine) countError(ctx context.Context, err error, operation string) {
	if e.errorsCounter == nil || err == nil {
		return
	}
	attrs := telemetry.ErrorAttributes(telemetry.Environment(), string(errs.CodeOf(err)), operation)
	e.errorsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func expire(trade tradestore.Trade, today time.Time) tradestore.Trade {
	expiryDate := tradestore.Date(today)
	trade.Status = tradestore.StatusExpired
	trade.Expired = true
	trade.ExpiryDate = &expiryDate
	return trade
}
