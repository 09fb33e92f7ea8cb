// Package risk implements the pre-trade gate, the trading-state machine and reconciliation
package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/trading/position"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const systemActor = "risk_manager"

type reservation struct {
	symbol   string
	quantity decimal.Decimal
	price    decimal.Decimal
}

// ConfigChange is the payload of a config-reloaded audit record
type ConfigChange struct {
	Old core.RiskConfig `json:"old"`
	New core.RiskConfig `json:"new"`
}

// Ledger is the position store the manager reads exposure from and settles fills into
type Ledger interface {
	core.IPositionReader
	ApplyWith(fill core.Fill, commit position.CommitFunc) (position.ApplyResult, error)
}

// Manager gates order intents and owns the TradingState.
//
// Evaluate, reservation bookkeeping and state writes happen under mu. State() is
// an atomic read and never blocks. Lock order is Manager, then Tracker, then audit.
type Manager struct {
	mu    sync.Mutex
	cfg   atomic.Pointer[core.RiskConfig]
	state atomic.Int32

	positions Ledger
	precision *position.Precision
	audit     core.IAuditRecorder

	reservations map[string]reservation
	approvals    map[string][]time.Time

	dayStart       time.Time
	realizedBase   decimal.Decimal
	feesBase       decimal.Decimal
	unrealizedBase decimal.Decimal

	listenerMu sync.RWMutex
	listeners  []func(core.StateTransition)

	now       func() time.Time
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	decisions metric.Int64Counter
	tracer    trace.Tracer
}

// NewManager builds a manager in ACTIVE, or HALTED when the kill switch is set
func NewManager(ctx context.Context, cfg core.RiskConfig, positions Ledger, precision *position.Precision, audit core.IAuditRecorder, logger core.ILogger) (*Manager, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if precision == nil {
		precision = position.NewPrecision(nil)
	}

	decisions, _ := telemetry.GetMeter("risk").Int64Counter(telemetry.MetricRiskDecisions,
		metric.WithDescription("Risk decisions by outcome and rule"))

	m := &Manager{
		positions:    positions,
		precision:    precision,
		audit:        audit,
		reservations: make(map[string]reservation),
		approvals:    make(map[string][]time.Time),
		now:          time.Now,
		logger:       logger.WithField("component", "risk_manager"),
		metrics:      telemetry.GetGlobalMetrics(),
		decisions:    decisions,
		tracer:       telemetry.GetTracer("risk"),
	}
	m.cfg.Store(cloneConfig(cfg))
	m.setStateLocked(core.StateActive)

	if cfg.KillSwitch {
		if _, err := m.Halt(ctx, "kill switch engaged at startup", "config"); err != nil {
			return m, err
		}
	}
	return m, nil
}

// WithClock swaps the time source
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// State is a lock-free snapshot of the trading state
func (m *Manager) State() core.TradingState {
	return core.TradingState(m.state.Load())
}

// Config returns the installed configuration
func (m *Manager) Config() core.RiskConfig {
	return *cloneConfig(*m.cfg.Load())
}

// OnTransition registers fn to run after every state change, outside the manager lock
func (m *Manager) OnTransition(fn func(core.StateTransition)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Evaluate checks req against the limits and, on approval, reserves its exposure.
// Checks run in order and the first failing rule rejects. A max-position breach
// caps the quantity to the remaining headroom instead of rejecting.
// equity is taken as given; keeping it fresh is the caller's job.
func (m *Manager) Evaluate(ctx context.Context, req core.OrderRequest, equity decimal.Decimal) (core.RiskCheckResult, error) {
	ctx, span := m.tracer.Start(ctx, "risk.Evaluate", trace.WithAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("client_order_id", req.ClientOrderID),
	))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg.Load()
	state := m.State()
	result := core.RiskCheckResult{
		ClientOrderID:     req.ClientOrderID,
		Symbol:            req.Symbol,
		RequestedQuantity: req.Quantity,
		AdjustedQuantity:  decimal.Zero,
		State:             state,
	}

	if _, dup := m.reservations[req.ClientOrderID]; dup {
		err := fmt.Errorf("%w: client order id %s is already reserved", apperrors.ErrDuplicateOrder, req.ClientOrderID)
		result.Violations = []string{core.RuleDuplicate}
		result.Detail = err.Error()
		if _, auditErr := m.audit.Record(ctx, core.AuditRiskDecision, result); auditErr != nil {
			err = errors.Join(err, auditErr)
		}
		span.RecordError(err)
		m.recordDecision(ctx, result)
		return result, err
	}

	now := m.now()
	eff := m.effectiveLocked(req.Symbol)
	delta := req.SignedQuantity()
	qty := req.Quantity

	rule, detail := m.check(cfg, state, req, eff, delta, equity, now, &qty)
	if rule != "" {
		result.Violations = []string{rule}
		result.Detail = detail
	} else {
		result.Approved = true
		result.AdjustedQuantity = qty
		if qty.LessThan(req.Quantity) {
			result.Capped = true
			result.Violations = []string{core.RuleMaxPosition}
			result.Detail = fmt.Sprintf("capped from %s to %s", req.Quantity, qty)
		}
		m.approvals[req.Symbol] = append(m.approvals[req.Symbol], now)
		m.reservations[req.ClientOrderID] = reservation{
			symbol:   req.Symbol,
			quantity: qty.Mul(req.Side.Sign()),
			price:    req.Price,
		}
	}

	if _, err := m.audit.Record(ctx, core.AuditRiskDecision, result); err != nil {
		if result.Approved {
			delete(m.reservations, req.ClientOrderID)
			times := m.approvals[req.Symbol]
			m.approvals[req.Symbol] = times[:len(times)-1]
		}
		result.Approved = false
		result.Capped = false
		result.AdjustedQuantity = decimal.Zero
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit write failed")
		m.logger.Error("Risk decision could not be audited, refusing", "client_order_id", req.ClientOrderID, "error", err)
		return result, err
	}

	m.recordDecision(ctx, result)
	return result, nil
}

// check returns the first violated rule, adjusting qty when capping applies
func (m *Manager) check(cfg *core.RiskConfig, state core.TradingState, req core.OrderRequest, eff, delta, equity decimal.Decimal, now time.Time, qty *decimal.Decimal) (string, string) {
	if cfg.KillSwitch {
		return core.RuleKillSwitch, "kill switch engaged"
	}
	if !permits(state, eff, delta) {
		if state == core.StateReducedRisk {
			return core.RuleTradingState, "REDUCED_RISK admits only position reductions"
		}
		return core.RuleTradingState, fmt.Sprintf("trading state is %s", state)
	}

	limit := cfg.PositionLimit(req.Symbol)
	var headroom decimal.Decimal
	if eff.IsZero() || eff.Sign() == delta.Sign() {
		headroom = limit.Sub(eff.Abs())
	} else {
		headroom = eff.Abs().Add(limit)
	}
	if truncated, err := m.precision.TruncateQuantity(req.Symbol, headroom); err == nil {
		headroom = truncated
	}
	if !headroom.IsPositive() {
		return core.RuleMaxPosition, fmt.Sprintf("no headroom: effective position %s, limit %s", eff, limit)
	}
	if qty.GreaterThan(headroom) {
		*qty = headroom
	}

	adjusted := qty.Mul(req.Side.Sign())
	before := m.aggregateNotionalLocked(req.Symbol, eff, req.Price)
	after := before.Sub(eff.Abs().Mul(req.Price)).Add(eff.Add(adjusted).Abs().Mul(req.Price))
	increasing := after.GreaterThan(before)

	if increasing && cfg.MaxNotional.IsPositive() && after.GreaterThan(cfg.MaxNotional) {
		return core.RuleMaxNotional, fmt.Sprintf("aggregate notional %s exceeds %s", after.StringFixed(2), cfg.MaxNotional)
	}
	if increasing && cfg.MaxLeverage.IsPositive() {
		if !equity.IsPositive() {
			return core.RuleMaxLeverage, "equity must be positive to add exposure"
		}
		if leverage := after.Div(equity); leverage.GreaterThan(cfg.MaxLeverage) {
			return core.RuleMaxLeverage, fmt.Sprintf("leverage %s exceeds %s", leverage.StringFixed(2), cfg.MaxLeverage)
		}
	}

	if cfg.MaxOrdersPerWindow > 0 {
		cutoff := now.Add(-cfg.OrderRateWindow)
		times := m.approvals[req.Symbol]
		kept := times[:0]
		for _, at := range times {
			if at.After(cutoff) {
				kept = append(kept, at)
			}
		}
		m.approvals[req.Symbol] = kept
		if len(kept) >= cfg.MaxOrdersPerWindow {
			return core.RuleMaxOrderRate, fmt.Sprintf("%d approved orders within %s", len(kept), cfg.OrderRateWindow)
		}
	}
	return "", ""
}

// effectiveLocked is the tracked position plus outstanding reservations
func (m *Manager) effectiveLocked(symbol string) decimal.Decimal {
	eff := m.positions.Get(symbol).Quantity
	for _, r := range m.reservations {
		if r.symbol == symbol {
			eff = eff.Add(r.quantity)
		}
	}
	return eff
}

// aggregateNotionalLocked values every symbol's effective exposure. symbol is valued
// at price; others at their mark, else entry price, else the reservation price.
func (m *Manager) aggregateNotionalLocked(symbol string, eff, price decimal.Decimal) decimal.Decimal {
	exposure := map[string]decimal.Decimal{symbol: eff}
	prices := map[string]decimal.Decimal{symbol: price}

	for sym, p := range m.positions.Snapshot() {
		if sym == symbol {
			continue
		}
		exposure[sym] = exposure[sym].Add(p.Quantity)
		if mark, ok := m.positions.Mark(sym); ok {
			prices[sym] = mark
		} else if !p.IsFlat() {
			prices[sym] = p.AvgEntryPrice
		}
	}
	for _, r := range m.reservations {
		if r.symbol == symbol {
			continue
		}
		exposure[r.symbol] = exposure[r.symbol].Add(r.quantity)
		if _, ok := prices[r.symbol]; !ok {
			prices[r.symbol] = r.price
		}
	}

	total := decimal.Zero
	for sym, qty := range exposure {
		total = total.Add(qty.Abs().Mul(prices[sym]))
	}
	return total
}

func (m *Manager) recordDecision(ctx context.Context, result core.RiskCheckResult) {
	outcome := "approved"
	switch {
	case result.Capped:
		outcome = "capped"
	case !result.Approved:
		outcome = "rejected"
	}
	rule := ""
	if len(result.Violations) > 0 {
		rule = result.Violations[0]
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("rule", rule),
	))

	if result.Approved {
		m.logger.Info("Order intent approved",
			"client_order_id", result.ClientOrderID,
			"symbol", result.Symbol,
			"qty", result.AdjustedQuantity.String(),
			"capped", result.Capped)
		return
	}
	m.logger.Warn("Order intent rejected",
		"client_order_id", result.ClientOrderID,
		"symbol", result.Symbol,
		"rule", rule,
		"detail", result.Detail)
}

// Release drops the reservation held for clientOrderID
func (m *Manager) Release(clientOrderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[clientOrderID]; !ok {
		return false
	}
	delete(m.reservations, clientOrderID)
	return true
}

// ApplyFill folds fill into the ledger and shrinks the reservation of its order
// by the filled quantity in the same critical section, so no evaluation sees
// both the fill and the exposure it replaces. commit runs as in Tracker.ApplyWith.
func (m *Manager) ApplyFill(fill core.Fill, commit position.CommitFunc) (position.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.positions.ApplyWith(fill, commit)
	if err != nil || res.Duplicate {
		return res, err
	}
	r, ok := m.reservations[fill.ClientOrderID]
	if !ok || r.symbol != fill.Symbol {
		return res, nil
	}
	left := r.quantity.Abs().Sub(fill.Quantity.Abs())
	if left.IsNegative() {
		left = decimal.Zero
	}
	r.quantity = left.Mul(decimal.NewFromInt(int64(r.quantity.Sign())))
	m.reservations[fill.ClientOrderID] = r
	return res, nil
}

// Settle shrinks the reservation for clientOrderID to the unfilled remainder.
// A remainder of zero drops it.
func (m *Manager) Settle(clientOrderID string, remaining decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[clientOrderID]
	if !ok {
		return
	}
	if !remaining.IsPositive() {
		delete(m.reservations, clientOrderID)
		return
	}
	if remaining.LessThan(r.quantity.Abs()) {
		r.quantity = remaining.Mul(decimal.NewFromInt(int64(r.quantity.Sign())))
		m.reservations[clientOrderID] = r
	}
}

// Hold reinstates a reservation for an order recovered from the audit log
func (m *Manager) Hold(req core.OrderRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[req.ClientOrderID] = reservation{
		symbol:   req.Symbol,
		quantity: req.SignedQuantity(),
		price:    req.Price,
	}
}

// Reserved returns the net reserved quantity for symbol
func (m *Manager) Reserved(symbol string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, r := range m.reservations {
		if r.symbol == symbol {
			total = total.Add(r.quantity)
		}
	}
	return total
}

// Halt moves to HALTED. The state changes even when the audit write fails; the error is still returned.
func (m *Manager) Halt(ctx context.Context, reason, actor string) (bool, error) {
	return m.tighten(ctx, core.StateHalted, reason, actor)
}

// Escalate moves to a stricter state. Requests that would relax are ignored.
func (m *Manager) Escalate(ctx context.Context, to core.TradingState, reason string) (bool, error) {
	return m.tighten(ctx, to, reason, systemActor)
}

func (m *Manager) tighten(ctx context.Context, to core.TradingState, reason, actor string) (bool, error) {
	m.mu.Lock()
	t, err := m.transitionLocked(ctx, to, reason, actor)
	m.mu.Unlock()

	if t == nil {
		return false, err
	}
	m.notify(*t)
	return true, err
}

func (m *Manager) transitionLocked(ctx context.Context, to core.TradingState, reason, actor string) (*core.StateTransition, error) {
	from := m.State()
	if !CanTighten(from, to) {
		return nil, nil
	}
	t := core.StateTransition{From: from, To: to, Reason: reason, Actor: actor}
	_, err := m.audit.Record(ctx, core.AuditStateTransition, t)
	if err != nil {
		m.logger.Error("State transition could not be audited, applying anyway", "to", to.String(), "error", err)
	}
	m.setStateLocked(to)
	m.logger.Warn("Trading state tightened", "from", from.String(), "to", to.String(), "reason", reason, "actor", actor)
	return &t, err
}

func (m *Manager) setStateLocked(s core.TradingState) {
	m.state.Store(int32(s))
	m.metrics.SetTradingState(int64(s))
}

func (m *Manager) notify(t core.StateTransition) {
	m.listenerMu.RLock()
	listeners := append([]func(core.StateTransition){}, m.listeners...)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
}

// Reset returns to ACTIVE. Only ResetOperators may reset, and denials are audited too.
// The daily-loss baseline restarts from the current PnL.
func (m *Manager) Reset(ctx context.Context, actor string) error {
	m.mu.Lock()
	cfg := m.cfg.Load()
	from := m.State()

	if !cfg.CanReset(actor) {
		denied := core.StateTransition{From: from, To: from, Reason: "reset denied: actor not authorized", Actor: actor}
		_, auditErr := m.audit.Record(ctx, core.AuditStateTransition, denied)
		m.mu.Unlock()
		m.logger.Warn("Unauthorized reset attempt", "actor", actor, "state", from.String())
		return errors.Join(fmt.Errorf("%w: actor %q may not reset trading state", apperrors.ErrUnauthorized, actor), auditErr)
	}
	if cfg.KillSwitch {
		m.mu.Unlock()
		return fmt.Errorf("%w: clear it in the risk config before resetting", apperrors.ErrKillSwitchEngaged)
	}
	if from == core.StateActive {
		m.mu.Unlock()
		return nil
	}

	t := core.StateTransition{From: from, To: core.StateActive, Reason: "manual reset", Actor: actor}
	if _, err := m.audit.Record(ctx, core.AuditStateTransition, t); err != nil {
		m.mu.Unlock()
		return err
	}
	m.setStateLocked(core.StateActive)
	m.rebaseLocked(m.now().UTC(), true)
	m.mu.Unlock()

	m.logger.Info("Trading state reset", "from", from.String(), "actor", actor)
	m.notify(t)
	return nil
}

// Restore reinstates a state recovered from the audit log. It only tightens.
func (m *Manager) Restore(state core.TradingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if CanTighten(m.State(), state) {
		m.setStateLocked(state)
		m.logger.Warn("Trading state restored from audit log", "state", state.String())
	}
}

// CheckDailyLoss escalates to REDUCED_RISK or HALTED when today's loss crosses a threshold
func (m *Manager) CheckDailyLoss(ctx context.Context) (core.TradingState, error) {
	m.mu.Lock()
	cfg := m.cfg.Load()
	m.rollDayLocked(m.now().UTC())
	loss := m.dailyPnLLocked().Neg()

	var (
		t   *core.StateTransition
		err error
	)
	switch {
	case cfg.MaxDailyLoss.IsPositive() && loss.GreaterThanOrEqual(cfg.MaxDailyLoss):
		t, err = m.transitionLocked(ctx, core.StateHalted,
			fmt.Sprintf("daily loss %s reached limit %s", loss.StringFixed(2), cfg.MaxDailyLoss), systemActor)
	case cfg.DailyLossWarning.IsPositive() && loss.GreaterThanOrEqual(cfg.DailyLossWarning):
		t, err = m.transitionLocked(ctx, core.StateReducedRisk,
			fmt.Sprintf("daily loss %s reached warning %s", loss.StringFixed(2), cfg.DailyLossWarning), systemActor)
	}
	state := m.State()
	m.mu.Unlock()

	if t != nil {
		m.notify(*t)
	}
	return state, err
}

// DailyPnL is today's PnL: realized since the baseline, minus fees, plus unrealized at marks
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(m.now().UTC())
	return m.dailyPnLLocked()
}

// RebaseDailyLoss restarts today's PnL accounting from the current ledger
func (m *Manager) RebaseDailyLoss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebaseLocked(m.now().UTC(), false)
}

func (m *Manager) totalsLocked() (realized, fees, unrealized decimal.Decimal) {
	for sym, p := range m.positions.Snapshot() {
		realized = realized.Add(p.RealizedPnL)
		fees = fees.Add(p.Fees)
		if mark, ok := m.positions.Mark(sym); ok {
			unrealized = unrealized.Add(p.UnrealizedPnL(mark))
		}
	}
	return realized, fees, unrealized
}

func (m *Manager) dailyPnLLocked() decimal.Decimal {
	realized, fees, unrealized := m.totalsLocked()
	return realized.Sub(m.realizedBase).
		Sub(fees.Sub(m.feesBase)).
		Add(unrealized.Sub(m.unrealizedBase))
}

func (m *Manager) rollDayLocked(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if m.dayStart.IsZero() || !day.Equal(m.dayStart) {
		m.rebaseLocked(now, false)
	}
}

// rebaseLocked snapshots realized PnL and fees. A reset also absorbs the open
// unrealized loss; a new day counts it against the fresh budget.
func (m *Manager) rebaseLocked(now time.Time, includeUnrealized bool) {
	realized, fees, unrealized := m.totalsLocked()
	m.dayStart = now.Truncate(24 * time.Hour)
	m.realizedBase = realized
	m.feesBase = fees
	m.unrealizedBase = decimal.Zero
	if includeUnrealized {
		m.unrealizedBase = unrealized
	}
}

// ReloadConfig audits and installs cfg. A set kill switch halts.
func (m *Manager) ReloadConfig(ctx context.Context, cfg core.RiskConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	old := m.cfg.Load()
	if _, err := m.audit.Record(ctx, core.AuditConfigReloaded, ConfigChange{Old: *old, New: cfg}); err != nil {
		m.mu.Unlock()
		return err
	}
	m.cfg.Store(cloneConfig(cfg))

	var (
		t   *core.StateTransition
		err error
	)
	if cfg.KillSwitch {
		t, err = m.transitionLocked(ctx, core.StateHalted, "kill switch engaged", "config")
	}
	m.mu.Unlock()

	m.logger.Info("Risk config reloaded", "kill_switch", cfg.KillSwitch, "max_position", cfg.MaxPosition.String())
	if t != nil {
		m.notify(*t)
	}
	return err
}

// PendingReservations returns the number of outstanding reservations
func (m *Manager) PendingReservations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reservations)
}

// ValidateConfig checks a RiskConfig before it is installed
func ValidateConfig(cfg core.RiskConfig) error {
	if !cfg.MaxPosition.IsPositive() {
		return apperrors.NewValidationError("risk.max_position", "must be positive")
	}
	for sym, limit := range cfg.PositionLimits {
		if !limit.IsPositive() {
			return apperrors.NewValidationError("risk.position_limits."+sym, "must be positive")
		}
	}
	nonNegative := map[string]decimal.Decimal{
		"risk.max_notional":       cfg.MaxNotional,
		"risk.daily_loss_warning": cfg.DailyLossWarning,
		"risk.max_daily_loss":     cfg.MaxDailyLoss,
		"risk.max_leverage":       cfg.MaxLeverage,
	}
	for field, v := range nonNegative {
		if v.IsNegative() {
			return apperrors.NewValidationError(field, "must not be negative")
		}
	}
	if cfg.MaxOrdersPerWindow < 0 {
		return apperrors.NewValidationError("risk.max_orders_per_window", "must not be negative")
	}
	if cfg.MaxOrdersPerWindow > 0 && cfg.OrderRateWindow <= 0 {
		return apperrors.NewValidationError("risk.order_rate_window", "must be positive when an order rate limit is set")
	}
	if cfg.DailyLossWarning.IsPositive() && cfg.MaxDailyLoss.IsPositive() && cfg.DailyLossWarning.GreaterThan(cfg.MaxDailyLoss) {
		return apperrors.NewValidationError("risk.daily_loss_warning", "must not exceed max_daily_loss")
	}
	return nil
}

func cloneConfig(cfg core.RiskConfig) *core.RiskConfig {
	c := cfg
	if cfg.PositionLimits != nil {
		c.PositionLimits = make(map[string]decimal.Decimal, len(cfg.PositionLimits))
		for k, v := range cfg.PositionLimits {
			c.PositionLimits[k] = v
		}
	}
	c.ResetOperators = append([]string(nil), cfg.ResetOperators...)
	return &c
}
