// Package orchestrator composes the risk gate, exchange client, ledger and audit log
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"execution_core/internal/audit"
	"execution_core/internal/core"
	"execution_core/internal/risk"
	"execution_core/internal/trading/position"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const actor = "orchestrator"

// Reasons an order is tracked as pending
const (
	PendingInFlight     = "in_flight"
	PendingOpen         = "open"
	PendingTimeout      = "timeout"
	PendingConnectivity = "connectivity_lost"
	PendingUnknown      = "unknown"
	PendingRecovered    = "recovered"
)

// AuditLog is the audit surface the orchestrator writes to and rebuilds from
type AuditLog interface {
	core.IAuditRecorder
	Replay(ctx context.Context, fromSeq uint64) iter.Seq2[core.AuditRecord, error]
	LastSequence() uint64
}

type pendingOrder struct {
	req      core.OrderRequest
	filled   decimal.Decimal
	reason   string
	since    time.Time
	inFlight bool
}

func (p *pendingOrder) remaining() decimal.Decimal {
	return p.req.Quantity.Sub(p.filled)
}

// PendingOrder describes an order whose final outcome is not yet known
type PendingOrder struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          core.OrderSide  `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Filled        decimal.Decimal `json:"filled"`
	Reason        string          `json:"reason"`
	Since         time.Time       `json:"since"`
}

// Resolution is what a status query or cancel established about a pending order
type Resolution struct {
	ClientOrderID string
	Symbol        string
	Found         bool
	Status        core.OrderStatus
	Applied       []core.Fill
	Final         bool
}

// RebuildStats summarizes a ledger rebuild from the audit log
type RebuildStats struct {
	FromSequence uint64
	LastSequence uint64
	Fills        int
	Corrections  int
	Pending      int
	State        core.TradingState
}

// Orchestrator is the single entry point for order intents.
//
// Lock order is risk Manager, then Tracker, then audit. mu only guards the
// pending table and is never held across calls into the other components.
type Orchestrator struct {
	exchange  core.IExchangeClient
	risk      *risk.Manager
	tracker   *position.Tracker
	precision *position.Precision
	audit     AuditLog
	logger    core.ILogger

	mu      sync.Mutex
	pending map[string]*pendingOrder

	now      func() time.Time
	tracer   trace.Tracer
	outcomes metric.Int64Counter
	metrics  *telemetry.MetricsHolder
}

func NewOrchestrator(
	exchange core.IExchangeClient,
	riskManager *risk.Manager,
	tracker *position.Tracker,
	precision *position.Precision,
	auditLog AuditLog,
	logger core.ILogger,
) *Orchestrator {
	if precision == nil {
		precision = position.NewPrecision(nil)
	}
	outcomes, _ := telemetry.GetMeter("orchestrator").Int64Counter(telemetry.MetricOrderOutcomes,
		metric.WithDescription("Order intent outcomes by status and error kind"))

	return &Orchestrator{
		exchange:  exchange,
		risk:      riskManager,
		tracker:   tracker,
		precision: precision,
		audit:     auditLog,
		logger:    logger.WithField("component", "orchestrator"),
		pending:   make(map[string]*pendingOrder),
		now:       time.Now,
		tracer:    telemetry.GetTracer("orchestrator"),
		outcomes:  outcomes,
		metrics:   telemetry.GetGlobalMetrics(),
	}
}

// WithClock swaps the time source
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// EvaluateAndMaybeSubmit runs an intent through the risk gate and, when approved,
// submits it and applies the resulting fills. Failures are returned as outcomes.
func (o *Orchestrator) EvaluateAndMaybeSubmit(ctx context.Context, req core.OrderRequest, equity decimal.Decimal) core.OrderOutcome {
	if req.ClientOrderID == "" {
		req.ClientOrderID = core.NewClientOrderID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = o.now()
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.EvaluateAndMaybeSubmit", trace.WithAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("client_order_id", req.ClientOrderID),
	))
	defer span.End()

	out := o.evaluateAndMaybeSubmit(ctx, req, equity)

	span.SetAttributes(attribute.String("outcome", string(out.Status)))
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	o.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(out.Status)),
		attribute.String("error_kind", out.ErrorKind),
	))
	return out
}

func (o *Orchestrator) evaluateAndMaybeSubmit(ctx context.Context, req core.OrderRequest, equity decimal.Decimal) core.OrderOutcome {
	out := core.OrderOutcome{Request: req}

	if o.risk.State() == core.StateHalted {
		out.Status = core.OutcomeRejected
		out.Reasons = []string{core.RuleTradingState}
		out.Err = &apperrors.RiskRejected{Violations: out.Reasons}
		return o.refuse(ctx, out, "trading_state", "trading is halted")
	}

	normalized, err := o.precision.Normalize(req)
	if err != nil {
		out.Status = core.OutcomeError
		out.ErrorKind = core.ErrorKindValidation
		out.Err = err
		return o.refuse(ctx, out, "validation", err.Error())
	}
	out.Request = normalized

	if err := ctx.Err(); err != nil {
		out = o.errorOutcome(out, fmt.Errorf("%w: %v", apperrors.ErrCancelled, err))
		return o.refuse(context.WithoutCancel(ctx), out, "cancelled", err.Error())
	}

	decision, err := o.risk.Evaluate(ctx, normalized, equity)
	out.Decision = decision
	if err != nil {
		return o.errorOutcome(out, err)
	}
	if !decision.Approved {
		out.Status = core.OutcomeRejected
		out.Reasons = decision.Violations
		out.Err = &apperrors.RiskRejected{Violations: decision.Violations}
		out.Position = o.tracker.Get(normalized.Symbol)
		return out
	}

	submitReq := normalized.WithQuantity(decision.AdjustedQuantity)
	out.Request = submitReq
	o.track(submitReq, PendingInFlight, true)

	fills, err := o.exchange.Submit(ctx, submitReq)
	if err != nil {
		o.onSubmitError(ctx, submitReq, err)
		out.Position = o.tracker.Get(submitReq.Symbol)
		return o.errorOutcome(out, err)
	}

	applied, err := o.applyFills(ctx, fills)
	out.Fills = fills
	out.Position = o.tracker.Get(submitReq.Symbol)
	if err != nil {
		// The unapplied fills stay reserved; ResolveOrder retries them.
		appliedQty := sumQuantity(applied)
		o.risk.Settle(submitReq.ClientOrderID, submitReq.Quantity.Sub(appliedQty))
		o.markPending(submitReq.ClientOrderID, appliedQty, PendingUnknown)
		return o.errorOutcome(out, err)
	}

	filled := sumQuantity(fills)
	if filled.GreaterThanOrEqual(submitReq.Quantity) {
		o.risk.Settle(submitReq.ClientOrderID, decimal.Zero)
		o.forget(submitReq.ClientOrderID)
	} else {
		o.risk.Settle(submitReq.ClientOrderID, submitReq.Quantity.Sub(filled))
		o.markPending(submitReq.ClientOrderID, filled, PendingOpen)
	}

	out.Status = core.OutcomeApproved
	if decision.Capped {
		out.Status = core.OutcomeCapped
		out.Reasons = decision.Violations
	}

	if len(applied) > 0 {
		if _, err := o.risk.CheckDailyLoss(ctx); err != nil {
			o.logger.Error("Daily loss check could not be audited", "error", err)
		}
	}
	return out
}

// refuse audits an intent turned away before the risk gate. The caller has
// already set Status and the error on out.
func (o *Orchestrator) refuse(ctx context.Context, out core.OrderOutcome, stage, detail string) core.OrderOutcome {
	reasons := out.Reasons
	if len(reasons) == 0 {
		reasons = []string{out.ErrorKind}
	}
	_, err := o.audit.Record(ctx, core.AuditOrderRejected, core.OrderRejectedEvent{
		ClientOrderID: out.Request.ClientOrderID,
		Symbol:        out.Request.Symbol,
		Stage:         stage,
		Reasons:       reasons,
		Detail:        detail,
	})
	if err != nil {
		return o.errorOutcome(out, errors.Join(out.Err, err))
	}
	o.logger.Warn("Order intent refused", "client_order_id", out.Request.ClientOrderID, "stage", stage, "detail", detail)
	return out
}

func (o *Orchestrator) errorOutcome(out core.OrderOutcome, err error) core.OrderOutcome {
	out.Status = core.OutcomeError
	out.ErrorKind = errorKind(err)
	out.Err = err
	return out
}

// onSubmitError settles the reservation for a failed submission. Definite
// failures release it; ambiguous ones keep it pending until resolved.
func (o *Orchestrator) onSubmitError(ctx context.Context, req core.OrderRequest, err error) {
	id := req.ClientOrderID
	kind, isExchange := apperrors.ExchangeKind(err)
	switch {
	case isExchange && kind == apperrors.KindTimeout:
		o.markPending(id, decimal.Zero, PendingTimeout)
	case isExchange && kind == apperrors.KindConnectivityLost:
		o.markPending(id, decimal.Zero, PendingConnectivity)
		o.halt(ctx, err)
	case isExchange:
		o.release(id)
	case errors.Is(err, apperrors.ErrCancelled),
		errors.Is(err, apperrors.ErrValidation),
		errors.Is(err, apperrors.ErrAuditWriteFailure):
		o.release(id)
	default:
		o.markPending(id, decimal.Zero, PendingUnknown)
	}
}

// applyFills folds fills into the ledger, auditing each before it becomes visible.
// Each fill replaces its share of the order's reservation atomically.
// It stops at the first failure and returns the fills applied before it.
func (o *Orchestrator) applyFills(ctx context.Context, fills []core.Fill) ([]core.Fill, error) {
	// A fill is a fact; the caller giving up must not drop its record.
	auditCtx := context.WithoutCancel(ctx)
	var applied []core.Fill
	for _, fill := range fills {
		res, err := o.risk.ApplyFill(fill, func(ev core.FilledEvent) error {
			_, err := o.audit.Record(auditCtx, core.AuditOrderFilled, ev)
			return err
		})
		if err != nil {
			o.logger.Error("Fill could not be applied",
				"client_order_id", fill.ClientOrderID,
				"order_id", fill.OrderID,
				"fill_seq", fill.Sequence,
				"error", err)
			if errors.Is(err, apperrors.ErrInvariantViolation) {
				o.halt(ctx, err)
			}
			return applied, err
		}
		if !res.Duplicate {
			applied = append(applied, fill)
		}
	}
	return applied, nil
}

// halt moves to HALTED when err demands it
func (o *Orchestrator) halt(ctx context.Context, err error) {
	kind, _ := apperrors.ExchangeKind(err)
	if kind != apperrors.KindConnectivityLost && !errors.Is(err, apperrors.ErrInvariantViolation) {
		return
	}
	if _, auditErr := o.risk.Halt(context.WithoutCancel(ctx), err.Error(), actor); auditErr != nil {
		o.logger.Error("Halt could not be audited", "error", auditErr)
	}
}

// CancelOrder cancels an order on the exchange and applies any fills it reports
func (o *Orchestrator) CancelOrder(ctx context.Context, symbol, clientOrderID string) (Resolution, error) {
	res, err := o.exchange.Cancel(ctx, symbol, clientOrderID)
	if err != nil && res == nil {
		o.halt(ctx, err)
		return Resolution{ClientOrderID: clientOrderID, Symbol: symbol}, err
	}
	resolution, settleErr := o.settle(ctx, clientOrderID, res)
	return resolution, errors.Join(err, settleErr)
}

// ResolveOrder queries a pending order and settles its reservation
func (o *Orchestrator) ResolveOrder(ctx context.Context, clientOrderID string) (Resolution, error) {
	o.mu.Lock()
	p, ok := o.pending[clientOrderID]
	var symbol string
	if ok {
		symbol = p.req.Symbol
	}
	o.mu.Unlock()
	if !ok {
		return Resolution{ClientOrderID: clientOrderID}, fmt.Errorf("%w: %s is not pending", apperrors.ErrOrderNotFound, clientOrderID)
	}

	res, err := o.exchange.QueryOrder(ctx, symbol, clientOrderID)
	if err != nil {
		if apperrors.IsExchangeKind(err, apperrors.KindRejected) && errors.Is(err, apperrors.ErrOrderNotFound) {
			return o.resolveMissing(ctx, clientOrderID, symbol)
		}
		o.halt(ctx, err)
		return Resolution{ClientOrderID: clientOrderID, Symbol: symbol}, err
	}
	return o.settle(ctx, clientOrderID, res)
}

// resolveMissing releases an order the exchange has no record of
func (o *Orchestrator) resolveMissing(ctx context.Context, clientOrderID, symbol string) (Resolution, error) {
	resolution := Resolution{ClientOrderID: clientOrderID, Symbol: symbol, Final: true}
	if _, err := o.audit.Record(ctx, core.AuditOrderResolved, core.OrderResolvedEvent{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		ExecutedQty:   "0",
	}); err != nil {
		return Resolution{ClientOrderID: clientOrderID, Symbol: symbol}, err
	}
	o.release(clientOrderID)
	o.logger.Info("Pending order never reached the exchange", "client_order_id", clientOrderID)
	return resolution, nil
}

// settle applies the fills in res and shrinks or drops the reservation
func (o *Orchestrator) settle(ctx context.Context, clientOrderID string, res *core.OrderResult) (Resolution, error) {
	resolution := Resolution{
		ClientOrderID: clientOrderID,
		Symbol:        res.Symbol,
		Found:         true,
		Status:        res.Status,
	}

	applied, err := o.applyFills(ctx, res.Fills)
	resolution.Applied = applied
	if err != nil {
		return resolution, err
	}

	o.mu.Lock()
	p, tracked := o.pending[clientOrderID]
	var quantity decimal.Decimal
	if tracked {
		quantity = p.req.Quantity
	}
	o.mu.Unlock()
	if !tracked {
		return resolution, nil
	}

	filled := sumQuantity(res.Fills)
	complete := res.Status.IsFinal() && filled.GreaterThanOrEqual(res.ExecutedQty)
	if !complete {
		o.risk.Settle(clientOrderID, quantity.Sub(filled))
		o.markPending(clientOrderID, filled, PendingOpen)
		if res.Status.IsFinal() {
			return resolution, fmt.Errorf("order %s is %s but only %s of %s executed quantity has fills",
				clientOrderID, res.Status, filled, res.ExecutedQty)
		}
		return resolution, nil
	}

	if _, err := o.audit.Record(ctx, core.AuditOrderResolved, core.OrderResolvedEvent{
		ClientOrderID: clientOrderID,
		Symbol:        res.Symbol,
		Found:         true,
		Status:        res.Status,
		ExecutedQty:   res.ExecutedQty.String(),
	}); err != nil {
		return resolution, err
	}
	o.release(clientOrderID)
	resolution.Final = true
	o.logger.Info("Pending order resolved",
		"client_order_id", clientOrderID,
		"status", res.Status,
		"executed_qty", res.ExecutedQty.String(),
		"fills_applied", len(applied))
	return resolution, nil
}

// ResolvePending resolves every pending order not currently being submitted
func (o *Orchestrator) ResolvePending(ctx context.Context) (int, error) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.pending))
	for id, p := range o.pending {
		if !p.inFlight {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()
	sort.Strings(ids)

	resolved := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := o.ResolveOrder(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if res.Final {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

// PendingOrders lists unresolved orders, oldest first
func (o *Orchestrator) PendingOrders() []PendingOrder {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingOrder, 0, len(o.pending))
	for id, p := range o.pending {
		out = append(out, PendingOrder{
			ClientOrderID: id,
			Symbol:        p.req.Symbol,
			Side:          p.req.Side,
			Quantity:      p.req.Quantity,
			Filled:        p.filled,
			Reason:        p.reason,
			Since:         p.since,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

func (o *Orchestrator) track(req core.OrderRequest, reason string, inFlight bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[req.ClientOrderID] = &pendingOrder{
		req:      req,
		filled:   decimal.Zero,
		reason:   reason,
		since:    o.now(),
		inFlight: inFlight,
	}
	o.metrics.SetPendingOrders(len(o.pending))
}

func (o *Orchestrator) markPending(id string, filled decimal.Decimal, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pending[id]; ok {
		p.filled = filled
		p.reason = reason
		p.inFlight = false
	}
	if reason != PendingOpen {
		o.logger.Warn("Order outcome unknown, holding reservation", "client_order_id", id, "reason", reason)
	}
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, id)
	o.metrics.SetPendingOrders(len(o.pending))
}

func (o *Orchestrator) release(id string) {
	o.risk.Release(id)
	o.forget(id)
}

// GetPosition returns the ledger position for symbol
func (o *Orchestrator) GetPosition(symbol string) core.Position {
	return o.tracker.Get(symbol)
}

// GetTradingState returns the current trading state without blocking
func (o *Orchestrator) GetTradingState() core.TradingState {
	return o.risk.State()
}

// ResetTradingState relaxes to ACTIVE on behalf of an authorized operator
func (o *Orchestrator) ResetTradingState(ctx context.Context, operator string) error {
	return o.risk.Reset(ctx, operator)
}

// UpdateMarkPrice records a mark price and re-checks the daily loss limits
func (o *Orchestrator) UpdateMarkPrice(ctx context.Context, symbol string, price decimal.Decimal) (core.TradingState, error) {
	if err := o.tracker.UpdateMark(symbol, price); err != nil {
		return o.risk.State(), err
	}
	return o.risk.CheckDailyLoss(ctx)
}

// ReloadRiskConfig installs new limits
func (o *Orchestrator) ReloadRiskConfig(ctx context.Context, cfg core.RiskConfig) error {
	return o.risk.ReloadConfig(ctx, cfg)
}

// Replay streams audit records from fromSeq
func (o *Orchestrator) Replay(ctx context.Context, fromSeq uint64) iter.Seq2[core.AuditRecord, error] {
	return o.audit.Replay(ctx, fromSeq)
}

// Checkpoint captures the ledger, pending orders and state at one audit sequence
func (o *Orchestrator) Checkpoint() core.Checkpoint {
	var cp core.Checkpoint
	cp.Positions = o.tracker.SnapshotWith(func() {
		cp.AuditSequence = o.audit.LastSequence()
		cp.State = o.risk.State()
		o.mu.Lock()
		for _, p := range o.pending {
			if rem := p.remaining(); rem.IsPositive() {
				cp.Pending = append(cp.Pending, p.req.WithQuantity(rem))
			}
		}
		o.mu.Unlock()
	})
	sort.Slice(cp.Pending, func(i, j int) bool { return cp.Pending[i].ClientOrderID < cp.Pending[j].ClientOrderID })
	return cp
}

// Rebuild restores the ledger from an optional checkpoint and replays the audit
// records after it. Fills, corrections and state transitions are reapplied;
// orders without a recorded resolution are held as pending again.
func (o *Orchestrator) Rebuild(ctx context.Context, cp *core.Checkpoint) (RebuildStats, error) {
	stats := RebuildStats{FromSequence: 1, State: core.StateActive}
	positions := map[string]core.Position{}
	inflight := make(map[string]*pendingOrder)
	if cp != nil {
		stats.FromSequence = cp.AuditSequence + 1
		stats.State = cp.State
		positions = cp.Positions
		for _, req := range cp.Pending {
			inflight[req.ClientOrderID] = &pendingOrder{req: req, filled: decimal.Zero, reason: PendingRecovered}
		}
	}
	if err := o.tracker.Restore(positions); err != nil {
		return stats, fmt.Errorf("restore checkpoint: %w", err)
	}

	for rec, err := range o.audit.Replay(ctx, stats.FromSequence) {
		if err != nil {
			return stats, err
		}
		stats.LastSequence = rec.Sequence
		if err := o.replayRecord(rec, inflight, &stats); err != nil {
			return stats, fmt.Errorf("replay sequence %d (%s): %w", rec.Sequence, rec.Kind, err)
		}
	}

	o.mu.Lock()
	o.pending = make(map[string]*pendingOrder)
	o.mu.Unlock()
	for id, p := range inflight {
		rem := p.remaining()
		if !rem.IsPositive() {
			continue
		}
		o.risk.Hold(p.req.WithQuantity(rem))
		o.mu.Lock()
		o.pending[id] = p
		o.mu.Unlock()
		stats.Pending++
	}
	o.metrics.SetPendingOrders(stats.Pending)

	o.risk.Restore(stats.State)
	o.risk.RebaseDailyLoss()

	o.logger.Info("Ledger rebuilt from audit log",
		"from_sequence", stats.FromSequence,
		"last_sequence", stats.LastSequence,
		"fills", stats.Fills,
		"pending", stats.Pending,
		"state", stats.State.String())
	return stats, nil
}

func (o *Orchestrator) replayRecord(rec core.AuditRecord, inflight map[string]*pendingOrder, stats *RebuildStats) error {
	switch rec.Kind {
	case core.AuditOrderSubmitted:
		var req core.OrderRequest
		if err := audit.Decode(rec, &req); err != nil {
			return err
		}
		inflight[req.ClientOrderID] = &pendingOrder{req: req, filled: decimal.Zero, reason: PendingRecovered, since: rec.Timestamp}

	case core.AuditOrderFilled:
		var ev core.FilledEvent
		if err := audit.Decode(rec, &ev); err != nil {
			return err
		}
		res, err := o.tracker.Apply(ev.Fill)
		if err != nil {
			return err
		}
		if !res.Duplicate {
			stats.Fills++
			if p, ok := inflight[ev.Fill.ClientOrderID]; ok {
				p.filled = p.filled.Add(ev.Fill.Quantity.Abs())
			}
		}

	case core.AuditPositionCorrected:
		var pc core.PositionCorrection
		if err := audit.Decode(rec, &pc); err != nil {
			return err
		}
		if _, err := o.tracker.Correct(pc.Symbol, pc.After.Quantity, pc.After.AvgEntryPrice, nil); err != nil {
			return err
		}
		stats.Corrections++

	case core.AuditStateTransition:
		var t core.StateTransition
		if err := audit.Decode(rec, &t); err != nil {
			return err
		}
		stats.State = t.To

	case core.AuditOrderError:
		var ev core.OrderErrorEvent
		if err := audit.Decode(rec, &ev); err != nil {
			return err
		}
		if ev.Op == "submit" && definiteFailure(ev.Kind) {
			delete(inflight, ev.ClientOrderID)
		}

	case core.AuditOrderResolved:
		var ev core.OrderResolvedEvent
		if err := audit.Decode(rec, &ev); err != nil {
			return err
		}
		delete(inflight, ev.ClientOrderID)
	}
	return nil
}

// definiteFailure reports whether a submit error kind proves no order exists.
// The client reports Timeout instead of Throttled once an attempt may have been accepted.
func definiteFailure(kind string) bool {
	switch kind {
	case string(apperrors.KindRejected), string(apperrors.KindThrottled), core.ErrorKindCancelled:
		return true
	}
	return false
}

func errorKind(err error) string {
	var exErr *apperrors.ExchangeError
	switch {
	case errors.As(err, &exErr):
		return string(exErr.Kind)
	case errors.Is(err, apperrors.ErrCancelled):
		return core.ErrorKindCancelled
	case errors.Is(err, apperrors.ErrAuditWriteFailure):
		return core.ErrorKindAuditFailure
	case errors.Is(err, apperrors.ErrInvariantViolation):
		return core.ErrorKindInvariant
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrDuplicateOrder):
		return core.ErrorKindValidation
	default:
		return core.ErrorKindInternal
	}
}

func sumQuantity(fills []core.Fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Quantity.Abs())
	}
	return total
}
