package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execution_core/internal/audit"
	"execution_core/internal/core"
	"execution_core/internal/trading/position"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	manager *Manager
	tracker *position.Tracker
	audit   *audit.Logger
	sink    *audit.MemorySink
}

func baseConfig() core.RiskConfig {
	return core.RiskConfig{
		MaxPosition:    d("10"),
		ResetOperators: []string{"ops"},
	}
}

func newHarness(t *testing.T, cfg core.RiskConfig) *harness {
	t.Helper()
	precision := position.NewPrecision(map[string]position.SymbolPrecision{
		"BTCUSDT": {PriceDecimals: 2, QtyDecimals: 3},
		"ETHUSDT": {PriceDecimals: 2, QtyDecimals: 3},
	})
	tracker := position.NewTracker(precision, logging.NewNopLogger())
	sink := audit.NewMemorySink()
	auditLog, err := audit.NewLogger(context.Background(), sink, logging.NewNopLogger())
	require.NoError(t, err)
	m, err := NewManager(context.Background(), cfg, tracker, precision, auditLog, logging.NewNopLogger())
	require.NoError(t, err)
	return &harness{manager: m, tracker: tracker, audit: auditLog, sink: sink}
}

func order(symbol string, side core.OrderSide, qty, price string) core.OrderRequest {
	return core.NewOrderRequest(symbol, side, core.KindMarket, d(qty), d(price))
}

func (h *harness) records(t *testing.T, kind core.AuditKind) []core.AuditRecord {
	t.Helper()
	var out []core.AuditRecord
	for rec, err := range h.audit.Replay(context.Background(), 1) {
		require.NoError(t, err)
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

func TestEvaluate_CapsToMaxPositionAndAuditsRule(t *testing.T) {
	h := newHarness(t, baseConfig())

	res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "15", "100"), d("100000"))
	require.NoError(t, err)

	assert.True(t, res.Approved)
	assert.True(t, res.Capped)
	assert.True(t, res.AdjustedQuantity.Equal(d("10")))
	assert.Equal(t, []string{core.RuleMaxPosition}, res.Violations)

	recs := h.records(t, core.AuditRiskDecision)
	require.Len(t, recs, 1)
	var logged core.RiskCheckResult
	require.NoError(t, audit.Decode(recs[0], &logged))
	assert.Equal(t, []string{core.RuleMaxPosition}, logged.Violations)
	assert.True(t, logged.Capped)
}

func TestEvaluate_ConcurrentIntentsNeverExceedLimit(t *testing.T) {
	h := newHarness(t, baseConfig())

	results := make([]core.RiskCheckResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "6", "100"), d("1000000"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := decimal.Zero
	capped := 0
	for _, r := range results {
		require.True(t, r.Approved)
		total = total.Add(r.AdjustedQuantity)
		if r.Capped {
			capped++
		}
	}
	assert.True(t, total.Equal(d("10")), "total approved %s", total)
	assert.Equal(t, 1, capped)
	assert.True(t, h.manager.Reserved("BTCUSDT").Equal(d("10")))
}

func TestEvaluate_NoHeadroomRejects(t *testing.T) {
	h := newHarness(t, baseConfig())
	_, err := h.tracker.Apply(core.Fill{OrderID: "o1", Symbol: "BTCUSDT", Sequence: 1, Quantity: d("10"), Price: d("100")})
	require.NoError(t, err)

	res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "1", "100"), d("100000"))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, []string{core.RuleMaxPosition}, res.Violations)

	// Reducing is always possible, and can go through zero up to the opposite cap.
	res, err = h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideShort, "25", "100"), d("100000"))
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.True(t, res.AdjustedQuantity.Equal(d("20")))
}

func TestEvaluate_HaltedRejectsEverything(t *testing.T) {
	h := newHarness(t, baseConfig())
	changed, err := h.manager.Halt(context.Background(), "test", "ops")
	require.NoError(t, err)
	require.True(t, changed)

	res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "1", "100"), d("100000"))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, []string{core.RuleTradingState}, res.Violations)
	assert.Equal(t, core.StateHalted, res.State)
	assert.Zero(t, h.manager.PendingReservations())
}

func TestEvaluate_ReducedRiskAdmitsOnlyReductions(t *testing.T) {
	h := newHarness(t, baseConfig())
	_, err := h.tracker.Apply(core.Fill{OrderID: "o1", Symbol: "BTCUSDT", Sequence: 1, Quantity: d("4"), Price: d("100")})
	require.NoError(t, err)
	_, err = h.manager.Escalate(context.Background(), core.StateReducedRisk, "test")
	require.NoError(t, err)

	tests := []struct {
		name     string
		side     core.OrderSide
		qty      string
		approved bool
	}{
		{"increase", core.SideLong, "1", false},
		{"partial reduction", core.SideShort, "1", true},
		{"flip", core.SideShort, "6", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", tt.side, tt.qty, "100"), d("100000"))
			require.NoError(t, err)
			assert.Equal(t, tt.approved, res.Approved)
			if !tt.approved {
				assert.Equal(t, []string{core.RuleTradingState}, res.Violations)
			}
		})
	}
}

func TestEvaluate_NotionalAndLeverage(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxNotional = d("500")
	cfg.MaxLeverage = d("2")
	h := newHarness(t, cfg)

	res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "6", "100"), d("10000"))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, []string{core.RuleMaxNotional}, res.Violations)

	res, err = h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "3", "100"), d("100"))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, []string{core.RuleMaxLeverage}, res.Violations)

	res, err = h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "3", "100"), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, []string{core.RuleMaxLeverage}, res.Violations, "missing equity fails closed")

	res, err = h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "3", "100"), d("1000"))
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestEvaluate_NotionalCountsOtherSymbolsAtMark(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxNotional = d("1000")
	h := newHarness(t, cfg)
	_, err := h.tracker.Apply(core.Fill{OrderID: "e1", Symbol: "ETHUSDT", Sequence: 1, Quantity: d("-4"), Price: d("100")})
	require.NoError(t, err)
	require.NoError(t, h.tracker.UpdateMark("ETHUSDT", d("200")))

	res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "3", "100"), d("100000"))
	require.NoError(t, err)
	assert.Equal(t, []string{core.RuleMaxNotional}, res.Violations)

	res, err = h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "2", "100"), d("100000"))
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestEvaluate_OrderRateWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOrdersPerWindow = 2
	cfg.OrderRateWindow = time.Minute
	h := newHarness(t, cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.manager.WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "1", "100"), d("100000"))
		require.NoError(t, err)
		require.True(t, res.Approved)
	}
	res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "1", "100"), d("100000"))
	require.NoError(t, err)
	assert.Equal(t, []string{core.RuleMaxOrderRate}, res.Violations)

	res, err = h.manager.Evaluate(context.Background(), order("ETHUSDT", core.SideLong, "1", "100"), d("100000"))
	require.NoError(t, err)
	assert.True(t, res.Approved, "window is per symbol")

	now = now.Add(61 * time.Second)
	res, err = h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "1", "100"), d("100000"))
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestEvaluate_DuplicateClientOrderID(t *testing.T) {
	h := newHarness(t, baseConfig())
	req := order("BTCUSDT", core.SideLong, "1", "100")
	_, err := h.manager.Evaluate(context.Background(), req, d("100000"))
	require.NoError(t, err)
	res, err := h.manager.Evaluate(context.Background(), req, d("100000"))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOrder)
	assert.False(t, res.Approved)
	assert.True(t, h.manager.Reserved("BTCUSDT").Equal(d("1")), "the original reservation is untouched")

	recs := h.records(t, core.AuditRiskDecision)
	require.Len(t, recs, 2, "the duplicate evaluation is audited too")
	var decision core.RiskCheckResult
	require.NoError(t, audit.Decode(recs[1], &decision))
	assert.Equal(t, req.ClientOrderID, decision.ClientOrderID)
	assert.False(t, decision.Approved)
	assert.Equal(t, []string{core.RuleDuplicate}, decision.Violations)
	assert.Contains(t, decision.Detail, "already reserved")

	assert.True(t, h.manager.Release(req.ClientOrderID))
	assert.False(t, h.manager.Release(req.ClientOrderID))
	assert.True(t, h.manager.Reserved("BTCUSDT").IsZero())
}

func TestSettleAndHold(t *testing.T) {
	h := newHarness(t, baseConfig())
	req := order("BTCUSDT", core.SideShort, "4", "100")
	_, err := h.manager.Evaluate(context.Background(), req, d("100000"))
	require.NoError(t, err)

	h.manager.Settle(req.ClientOrderID, d("1.5"))
	assert.True(t, h.manager.Reserved("BTCUSDT").Equal(d("-1.5")))

	h.manager.Settle(req.ClientOrderID, d("3"))
	assert.True(t, h.manager.Reserved("BTCUSDT").Equal(d("-1.5")), "settle never grows a reservation")

	h.manager.Settle(req.ClientOrderID, decimal.Zero)
	assert.Equal(t, 0, h.manager.PendingReservations())

	h.manager.Hold(order("BTCUSDT", core.SideLong, "9", "100"))
	res, err := h.manager.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "5", "100"), d("100000"))
	require.NoError(t, err)
	assert.True(t, res.AdjustedQuantity.Equal(d("1")), "held exposure counts against the limit")
}

func TestApplyFill_ReplacesReservationAtomically(t *testing.T) {
	h := newHarness(t, baseConfig())
	ctx := context.Background()

	first := order("BTCUSDT", core.SideLong, "6", "100")
	res, err := h.manager.Evaluate(ctx, first, d("100000"))
	require.NoError(t, err)
	require.True(t, res.Approved)

	fill := core.Fill{OrderID: "x-1", ClientOrderID: first.ClientOrderID, Symbol: "BTCUSDT", Sequence: 1, Quantity: d("6"), Price: d("100")}
	applied, err := h.manager.ApplyFill(fill, nil)
	require.NoError(t, err)
	assert.True(t, applied.Position.Quantity.Equal(d("6")))
	assert.True(t, h.manager.Reserved("BTCUSDT").IsZero(), "the fill takes the reservation's place")

	// No settle call in between: the next intent sees 6 held, not 6 held plus 6 reserved.
	res, err = h.manager.Evaluate(ctx, order("BTCUSDT", core.SideLong, "4", "100"), d("100000"))
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.False(t, res.Capped)
	assert.True(t, res.AdjustedQuantity.Equal(d("4")))

	again, err := h.manager.ApplyFill(fill, nil)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.True(t, h.manager.Reserved("BTCUSDT").Equal(d("4")), "a redelivered fill shrinks nothing")
}

func TestApplyFill_PartialAndVetoed(t *testing.T) {
	h := newHarness(t, baseConfig())
	req := order("BTCUSDT", core.SideShort, "5", "100")
	_, err := h.manager.Evaluate(context.Background(), req, d("100000"))
	require.NoError(t, err)

	fill := core.Fill{OrderID: "x-2", ClientOrderID: req.ClientOrderID, Symbol: "BTCUSDT", Sequence: 1, Quantity: d("-2"), Price: d("100")}
	_, err = h.manager.ApplyFill(fill, func(core.FilledEvent) error { return errors.New("audit down") })
	require.Error(t, err)
	assert.True(t, h.manager.Reserved("BTCUSDT").Equal(d("-5")), "a vetoed fill keeps the reservation")
	assert.True(t, h.tracker.Get("BTCUSDT").IsFlat())

	_, err = h.manager.ApplyFill(fill, nil)
	require.NoError(t, err)
	assert.True(t, h.manager.Reserved("BTCUSDT").Equal(d("-3")))
	assert.Equal(t, 1, h.manager.PendingReservations())
}

type failingRecorder struct {
	mu   sync.Mutex
	fail bool
	n    int
}

func (r *failingRecorder) Record(ctx context.Context, kind core.AuditKind, entity interface{}) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return 0, &apperrors.AuditWriteFailure{Kind: string(kind), Err: errors.New("sink down")}
	}
	r.n++
	return uint64(r.n), nil
}

func TestEvaluate_AuditFailureRollsBackReservation(t *testing.T) {
	tracker := position.NewTracker(nil, logging.NewNopLogger())
	rec := &failingRecorder{fail: true}
	m, err := NewManager(context.Background(), baseConfig(), tracker, nil, rec, logging.NewNopLogger())
	require.NoError(t, err)

	res, err := m.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "5", "100"), d("100000"))
	assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailure)
	assert.False(t, res.Approved)
	assert.Zero(t, m.PendingReservations())

	rec.fail = false
	res, err = m.Evaluate(context.Background(), order("BTCUSDT", core.SideLong, "10", "100"), d("100000"))
	require.NoError(t, err)
	assert.True(t, res.AdjustedQuantity.Equal(d("10")), "failed evaluation must not consume headroom")
}

func TestHalt_AppliesEvenWhenAuditFails(t *testing.T) {
	tracker := position.NewTracker(nil, logging.NewNopLogger())
	rec := &failingRecorder{}
	m, err := NewManager(context.Background(), baseConfig(), tracker, nil, rec, logging.NewNopLogger())
	require.NoError(t, err)

	rec.fail = true
	changed, err := m.Halt(context.Background(), "connectivity lost", "exchange")
	assert.True(t, changed)
	assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailure)
	assert.Equal(t, core.StateHalted, m.State())
}

func TestStateMachine_OnlyResetRelaxes(t *testing.T) {
	h := newHarness(t, baseConfig())
	ctx := context.Background()

	var seen []core.StateTransition
	h.manager.OnTransition(func(tr core.StateTransition) { seen = append(seen, tr) })

	_, err := h.manager.Halt(ctx, "test", "ops")
	require.NoError(t, err)
	changed, err := h.manager.Escalate(ctx, core.StateReducedRisk, "should not relax")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, core.StateHalted, h.manager.State())

	err = h.manager.Reset(ctx, "intruder")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Equal(t, core.StateHalted, h.manager.State())

	require.NoError(t, h.manager.Reset(ctx, "ops"))
	assert.Equal(t, core.StateActive, h.manager.State())

	require.Len(t, seen, 2)
	assert.Equal(t, core.StateHalted, seen[0].To)
	assert.Equal(t, core.StateActive, seen[1].To)
	assert.Equal(t, "ops", seen[1].Actor)

	transitions := h.records(t, core.AuditStateTransition)
	require.Len(t, transitions, 3, "halt, denied reset, reset")
	var denied core.StateTransition
	require.NoError(t, audit.Decode(transitions[1], &denied))
	assert.Equal(t, "intruder", denied.Actor)
	assert.Equal(t, core.StateHalted, denied.To)
}

func TestReloadConfig_KillSwitchHaltsAndBlocksReset(t *testing.T) {
	h := newHarness(t, baseConfig())
	ctx := context.Background()

	cfg := baseConfig()
	cfg.KillSwitch = true
	require.NoError(t, h.manager.ReloadConfig(ctx, cfg))
	assert.Equal(t, core.StateHalted, h.manager.State())
	assert.Len(t, h.records(t, core.AuditConfigReloaded), 1)

	assert.ErrorIs(t, h.manager.Reset(ctx, "ops"), apperrors.ErrKillSwitchEngaged)

	res, err := h.manager.Evaluate(ctx, order("BTCUSDT", core.SideShort, "1", "100"), d("100000"))
	require.NoError(t, err)
	assert.Equal(t, []string{core.RuleKillSwitch}, res.Violations)

	bad := baseConfig()
	bad.MaxPosition = decimal.Zero
	assert.ErrorIs(t, h.manager.ReloadConfig(ctx, bad), apperrors.ErrValidation)
}

func TestCheckDailyLoss_Escalates(t *testing.T) {
	cfg := baseConfig()
	cfg.DailyLossWarning = d("50")
	cfg.MaxDailyLoss = d("100")
	h := newHarness(t, cfg)
	ctx := context.Background()

	state, err := h.manager.CheckDailyLoss(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, state)

	_, err = h.tracker.Apply(core.Fill{OrderID: "o1", Symbol: "BTCUSDT", Sequence: 1, Quantity: d("2"), Price: d("100"), Fee: d("1")})
	require.NoError(t, err)
	require.NoError(t, h.tracker.UpdateMark("BTCUSDT", d("75")))

	state, err = h.manager.CheckDailyLoss(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateReducedRisk, state, "unrealized 50 plus fee 1")

	_, err = h.tracker.Apply(core.Fill{OrderID: "o2", Symbol: "BTCUSDT", Sequence: 1, Quantity: d("-2"), Price: d("50")})
	require.NoError(t, err)
	state, err = h.manager.CheckDailyLoss(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateHalted, state)
	assert.True(t, h.manager.DailyPnL().Equal(d("-101")))

	require.NoError(t, h.manager.Reset(ctx, "ops"))
	state, err = h.manager.CheckDailyLoss(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StateActive, state, "reset rebases the daily budget")
}

func TestNewManager_KillSwitchStartsHalted(t *testing.T) {
	cfg := baseConfig()
	cfg.KillSwitch = true
	h := newHarness(t, cfg)
	assert.Equal(t, core.StateHalted, h.manager.State())
}

func TestCanTighten(t *testing.T) {
	assert.True(t, CanTighten(core.StateActive, core.StateReducedRisk))
	assert.True(t, CanTighten(core.StateActive, core.StateHalted))
	assert.True(t, CanTighten(core.StateReducedRisk, core.StateHalted))
	assert.False(t, CanTighten(core.StateHalted, core.StateActive))
	assert.False(t, CanTighten(core.StateReducedRisk, core.StateActive))
	assert.False(t, CanTighten(core.StateHalted, core.StateHalted))
}
