package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execution_core/internal/audit"
	"execution_core/internal/core"
	"execution_core/pkg/concurrency"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExchange struct {
	mu        sync.Mutex
	positions map[string]core.ExchangePosition
	fills     map[string][]core.Fill
	failFor   map[string]error
}

func (s *stubExchange) Submit(ctx context.Context, req core.OrderRequest) ([]core.Fill, error) {
	return nil, errors.New("not used")
}

func (s *stubExchange) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	return nil, apperrors.ErrOrderNotFound
}

func (s *stubExchange) Cancel(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	return nil, apperrors.ErrOrderNotFound
}

func (s *stubExchange) QueryPosition(ctx context.Context, symbol string) (*core.ExchangePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[symbol]; err != nil {
		return nil, err
	}
	p := s.positions[symbol]
	p.Symbol = symbol
	return &p, nil
}

func (s *stubExchange) QueryFills(ctx context.Context, symbol string, since time.Time) ([]core.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills[symbol], nil
}

type countingResolver struct{ calls int }

func (r *countingResolver) ResolvePending(ctx context.Context) (int, error) {
	r.calls++
	return 0, nil
}

func newTestReconciler(t *testing.T, h *harness, ex *stubExchange, symbols ...string) *Reconciler {
	t.Helper()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "reconcile", MaxWorkers: 2}, logging.NewNopLogger())
	t.Cleanup(pool.Stop)
	return NewReconciler(ex, h.tracker, h.audit, pool, ReconcilerConfig{Symbols: symbols}, logging.NewNopLogger())
}

func TestReconciler_ReportsDivergenceWithoutCorrecting(t *testing.T) {
	h := newHarness(t, baseConfig())
	seen := core.Fill{OrderID: "o1", Symbol: "BTCUSDT", Sequence: 1, Quantity: d("1"), Price: d("100")}
	_, err := h.tracker.Apply(seen)
	require.NoError(t, err)

	ex := &stubExchange{
		positions: map[string]core.ExchangePosition{
			"BTCUSDT": {Quantity: d("1.5"), EntryPrice: d("101")},
			"ETHUSDT": {Quantity: decimal.Zero},
		},
		fills: map[string][]core.Fill{
			"BTCUSDT": {seen, {OrderID: "o2", Symbol: "BTCUSDT", Sequence: 1, Quantity: d("0.5"), Price: d("103")}},
		},
	}
	rec := newTestReconciler(t, h, ex, "BTCUSDT", "ETHUSDT")
	resolver := &countingResolver{}
	rec.SetResolver(resolver)

	var reported []Report
	rec.OnReport(func(r Report) { reported = append(reported, r) })

	report, err := rec.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, "completed", report.Status)
	require.Len(t, report.Symbols, 2)
	btc := report.Symbols[0]
	assert.Equal(t, "BTCUSDT", btc.Symbol)
	assert.False(t, btc.Match)
	assert.True(t, btc.Divergence.Equal(d("0.5")))
	assert.Equal(t, 1, btc.UnseenFills)
	assert.True(t, report.Symbols[1].Match)

	require.Len(t, report.Diverged(), 1)
	require.Len(t, reported, 1)
	assert.Equal(t, report.RunID, rec.Status().RunID)

	assert.True(t, h.tracker.Get("BTCUSDT").Quantity.Equal(d("1")), "divergence must not auto-correct")
	assert.Len(t, h.records(t, core.AuditReconciliation), 1)
}

func TestReconciler_PartialWhenExchangeFails(t *testing.T) {
	h := newHarness(t, baseConfig())
	ex := &stubExchange{
		positions: map[string]core.ExchangePosition{"ETHUSDT": {}},
		failFor:   map[string]error{"BTCUSDT": errors.New("connection reset")},
	}
	rec := newTestReconciler(t, h, ex, "BTCUSDT", "ETHUSDT")

	report, err := rec.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, "partial", report.Status)
	assert.Empty(t, report.Diverged())
}

func TestReconciler_ApplyCorrectionIsAudited(t *testing.T) {
	h := newHarness(t, baseConfig())
	ex := &stubExchange{positions: map[string]core.ExchangePosition{
		"BTCUSDT": {Quantity: d("-2"), EntryPrice: d("99")},
	}}
	rec := newTestReconciler(t, h, ex, "BTCUSDT")

	_, err := rec.ApplyCorrection(context.Background(), "BTCUSDT", "", "no actor")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	pos, err := rec.ApplyCorrection(context.Background(), "BTCUSDT", "ops", "exchange is authoritative")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d("-2")))
	assert.Equal(t, core.PositionShort, pos.Side)

	recs := h.records(t, core.AuditPositionCorrected)
	require.Len(t, recs, 1)
	var corr core.PositionCorrection
	require.NoError(t, audit.Decode(recs[0], &corr))
	assert.Equal(t, "ops", corr.Actor)
	assert.True(t, corr.Before.IsFlat())
}
