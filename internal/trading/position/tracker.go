// Package position maintains the per-symbol ledger derived from exchange fills
package position

import (
	"fmt"
	"sync"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"
	"execution_core/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// CommitFunc runs under the tracker lock after the new position is computed and
// before it becomes visible. Returning an error aborts the apply.
type CommitFunc func(event core.FilledEvent) error

// ApplyResult describes the effect of one fill
type ApplyResult struct {
	Position    core.Position
	Transitions []core.Transition
	// Duplicate is set when the fill was already applied; nothing changed.
	Duplicate bool
}

// Tracker is the in-memory ledger. Positions change only through Apply, Restore and Correct.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]core.Position
	marks     map[string]decimal.Decimal
	seen      map[string]struct{}

	precision *Precision
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	now       func() time.Time
}

func NewTracker(precision *Precision, logger core.ILogger) *Tracker {
	if precision == nil {
		precision = NewPrecision(nil)
	}
	return &Tracker{
		positions: make(map[string]core.Position),
		marks:     make(map[string]decimal.Decimal),
		seen:      make(map[string]struct{}),
		precision: precision,
		logger:    logger.WithField("component", "position_tracker"),
		metrics:   telemetry.GetGlobalMetrics(),
		now:       time.Now,
	}
}

// Apply folds a fill into the ledger. Reapplying the same (OrderID, Sequence) is a no-op.
func (t *Tracker) Apply(fill core.Fill) (ApplyResult, error) {
	return t.ApplyWith(fill, nil)
}

// ApplyWith is Apply with a commit hook that can veto the change
func (t *Tracker) ApplyWith(fill core.Fill, commit CommitFunc) (ApplyResult, error) {
	fill, err := t.normalizeFill(fill)
	if err != nil {
		return ApplyResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := fill.DedupKey()
	current := t.getLocked(fill.Symbol)
	if _, dup := t.seen[key]; dup {
		t.logger.Debug("Duplicate fill ignored", "order_id", fill.OrderID, "fill_seq", fill.Sequence)
		return ApplyResult{Position: current, Duplicate: true}, nil
	}

	next, transitions := applyFill(current, fill)
	if err := checkInvariant(next); err != nil {
		return ApplyResult{Position: current}, err
	}

	if commit != nil {
		if err := commit(core.FilledEvent{Fill: fill, Transitions: transitions}); err != nil {
			return ApplyResult{Position: current}, err
		}
	}

	t.positions[fill.Symbol] = next
	t.seen[key] = struct{}{}
	t.publishLocked(next)

	t.logger.Info("Fill applied",
		"symbol", fill.Symbol,
		"order_id", fill.OrderID,
		"fill_seq", fill.Sequence,
		"qty", fill.Quantity.String(),
		"price", fill.Price.String(),
		"position", next.Quantity.String(),
		"avg_entry", next.AvgEntryPrice.String())

	return ApplyResult{Position: next, Transitions: transitions}, nil
}

func (t *Tracker) normalizeFill(fill core.Fill) (core.Fill, error) {
	if fill.OrderID == "" {
		return fill, apperrors.NewValidationError("order_id", "fill without order id")
	}
	if fill.Symbol == "" {
		return fill, apperrors.NewValidationError("symbol", "fill without symbol")
	}
	if _, ok := t.precision.Lookup(fill.Symbol); !ok {
		return fill, unknownSymbol(fill.Symbol)
	}
	fill.Quantity, _ = t.precision.RoundQuantity(fill.Symbol, fill.Quantity)
	fill.Price, _ = t.precision.RoundPrice(fill.Symbol, fill.Price)
	if fill.Quantity.IsZero() {
		return fill, apperrors.NewValidationError("quantity", "fill quantity is zero")
	}
	if !fill.Price.IsPositive() {
		return fill, apperrors.NewValidationError("price", "fill price must be positive")
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = t.now()
	}
	return fill, nil
}

// applyFill is the pure ledger arithmetic. A flip yields close then open.
// Realized PnL comes from the exact cost basis, so a full close realizes
// exactly exit notional minus entry notional.
func applyFill(pos core.Position, fill core.Fill) (core.Position, []core.Transition) {
	next := pos
	next.Symbol = fill.Symbol
	next.Fees = pos.Fees.Add(fill.Fee)
	next.UpdatedAt = fill.Timestamp

	q0, d := pos.Quantity, fill.Quantity
	absQ0, absD := q0.Abs(), d.Abs()
	cost := pos.EntryCost()

	switch {
	case q0.IsZero():
		next.Quantity = d
		next.CostBasis = absD.Mul(fill.Price)
		next.AvgEntryPrice = fill.Price
		next.OpenedAt = fill.Timestamp
		next.Side = core.SideOf(d)
		return next, []core.Transition{{Kind: core.TransitionOpen, Quantity: absD, Price: fill.Price}}

	case q0.Sign() == d.Sign():
		next.Quantity = q0.Add(d)
		next.CostBasis = cost.Add(absD.Mul(fill.Price))
		next.AvgEntryPrice = averageOf(next.CostBasis, next.Quantity)
		next.Side = core.SideOf(next.Quantity)
		return next, []core.Transition{{Kind: core.TransitionIncrease, Quantity: absD, Price: fill.Price}}
	}

	closed := tradingutils.MinDecimal(absQ0, absD)
	closedCost := cost
	if closed.LessThan(absQ0) {
		closedCost = cost.Mul(closed).Div(absQ0)
	}
	direction := decimal.NewFromInt(int64(q0.Sign()))
	realized := closed.Mul(fill.Price).Sub(closedCost).Mul(direction)
	next.RealizedPnL = pos.RealizedPnL.Add(realized)
	next.Quantity = q0.Add(d)
	next.Side = core.SideOf(next.Quantity)

	switch absD.Cmp(absQ0) {
	case -1:
		next.CostBasis = cost.Sub(closedCost)
		return next, []core.Transition{{Kind: core.TransitionReduce, Quantity: closed, Price: fill.Price, RealizedPnL: realized}}
	case 0:
		next.CostBasis = decimal.Zero
		next.AvgEntryPrice = decimal.Zero
		next.OpenedAt = time.Time{}
		return next, []core.Transition{{Kind: core.TransitionClose, Quantity: closed, Price: fill.Price, RealizedPnL: realized}}
	default:
		next.CostBasis = next.Quantity.Abs().Mul(fill.Price)
		next.AvgEntryPrice = fill.Price
		next.OpenedAt = fill.Timestamp
		return next, []core.Transition{
			{Kind: core.TransitionClose, Quantity: closed, Price: fill.Price, RealizedPnL: realized},
			{Kind: core.TransitionOpen, Quantity: next.Quantity.Abs(), Price: fill.Price},
		}
	}
}

// averageOf derives the display entry price from a cost basis
func averageOf(cost, qty decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return decimal.Zero
	}
	return cost.Div(qty.Abs())
}

func checkInvariant(p core.Position) error {
	if p.Quantity.IsZero() != (p.Side == core.PositionFlat) {
		return &apperrors.InvariantViolation{Symbol: p.Symbol, Detail: fmt.Sprintf("quantity %s with side %s", p.Quantity, p.Side)}
	}
	if p.Side != core.SideOf(p.Quantity) {
		return &apperrors.InvariantViolation{Symbol: p.Symbol, Detail: fmt.Sprintf("side %s disagrees with quantity %s", p.Side, p.Quantity)}
	}
	if p.Side == core.PositionFlat && (!p.AvgEntryPrice.IsZero() || !p.CostBasis.IsZero()) {
		return &apperrors.InvariantViolation{Symbol: p.Symbol, Detail: "flat position carries an entry price"}
	}
	if p.CostBasis.IsNegative() {
		return &apperrors.InvariantViolation{Symbol: p.Symbol, Detail: fmt.Sprintf("negative cost basis %s", p.CostBasis)}
	}
	if p.Side != core.PositionFlat && !p.AvgEntryPrice.IsPositive() {
		return &apperrors.InvariantViolation{Symbol: p.Symbol, Detail: fmt.Sprintf("open position with entry price %s", p.AvgEntryPrice)}
	}
	return nil
}

// Get returns the position for symbol, flat when unknown
func (t *Tracker) Get(symbol string) core.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(symbol)
}

func (t *Tracker) getLocked(symbol string) core.Position {
	if p, ok := t.positions[symbol]; ok {
		return p
	}
	return core.FlatPosition(symbol)
}

// Snapshot returns a copy of every known position
func (t *Tracker) Snapshot() map[string]core.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]core.Position, len(t.positions))
	for sym, p := range t.positions {
		out[sym] = p
	}
	return out
}

// SnapshotWith copies every position and runs fn while no fill can be applied.
// Fill audits happen under the same lock, so fn sees a matching audit sequence.
func (t *Tracker) SnapshotWith(fn func()) map[string]core.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]core.Position, len(t.positions))
	for sym, p := range t.positions {
		out[sym] = p
	}
	if fn != nil {
		fn()
	}
	return out
}

// HasSeen reports whether a fill has been applied
func (t *Tracker) HasSeen(fill core.Fill) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.seen[fill.DedupKey()]
	return ok
}

// UpdateMark records the latest mark price used for unrealized PnL
func (t *Tracker) UpdateMark(symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return apperrors.NewValidationError("mark_price", "mark price must be positive")
	}
	if rounded, err := t.precision.RoundPrice(symbol, price); err == nil {
		price = rounded
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks[symbol] = price
	pos := t.getLocked(symbol)
	upnl, _ := pos.UnrealizedPnL(price).Float64()
	t.metrics.SetUnrealizedPnL(symbol, upnl)
	return nil
}

// Mark returns the latest mark price for symbol
func (t *Tracker) Mark(symbol string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.marks[symbol]
	return m, ok
}

// Restore replaces the ledger with a checkpoint. Dedup state is cleared.
func (t *Tracker) Restore(positions map[string]core.Position) error {
	restored := make(map[string]core.Position, len(positions))
	for sym, p := range positions {
		p.Symbol = sym
		p.CostBasis = p.EntryCost()
		if err := checkInvariant(p); err != nil {
			return err
		}
		restored[sym] = p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions = restored
	t.seen = make(map[string]struct{})
	for _, p := range restored {
		t.publishLocked(p)
	}
	t.logger.Info("Ledger restored", "symbols", len(restored))
	return nil
}

// Correct overwrites one symbol's quantity and entry price. The commit hook
// sees the before and after positions and can veto the change.
func (t *Tracker) Correct(symbol string, qty, avgEntry decimal.Decimal, commit func(before, after core.Position) error) (core.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.getLocked(symbol)
	after := before
	after.Quantity = qty
	after.Side = core.SideOf(qty)
	after.UpdatedAt = t.now()
	if qty.IsZero() {
		after.AvgEntryPrice = decimal.Zero
		after.CostBasis = decimal.Zero
		after.OpenedAt = time.Time{}
	} else {
		after.AvgEntryPrice = avgEntry
		after.CostBasis = avgEntry.Mul(qty.Abs())
		if before.IsFlat() || before.Side != after.Side {
			after.OpenedAt = after.UpdatedAt
		}
	}
	if err := checkInvariant(after); err != nil {
		return before, err
	}
	if commit != nil {
		if err := commit(before, after); err != nil {
			return before, err
		}
	}

	t.positions[symbol] = after
	t.publishLocked(after)
	t.logger.Warn("Position corrected",
		"symbol", symbol,
		"from_qty", before.Quantity.String(),
		"to_qty", after.Quantity.String())
	return after, nil
}

func (t *Tracker) publishLocked(p core.Position) {
	size, _ := p.Quantity.Float64()
	realized, _ := p.RealizedPnL.Float64()
	t.metrics.SetPosition(p.Symbol, size, realized)
	if mark, ok := t.marks[p.Symbol]; ok {
		upnl, _ := p.UnrealizedPnL(mark).Float64()
		t.metrics.SetUnrealizedPnL(p.Symbol, upnl)
	}
}
