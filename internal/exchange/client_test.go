package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"execution_core/internal/audit"
	"execution_core/internal/core"
	"execution_core/internal/mock"
	"execution_core/internal/ratelimit"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	ex      *mock.MockExchange
	limiter *ratelimit.Limiter
	audit   *audit.Logger
	client  *Client
}

func testConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Timeouts.Acquire = 10 * time.Millisecond
	cfg.Timeouts.Submit = 50 * time.Millisecond
	cfg.Timeouts.Cancel = 50 * time.Millisecond
	cfg.Timeouts.Query = 50 * time.Millisecond
	cfg.Retry = RetryConfig{MaxRetries: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	return cfg
}

func newHarness(t *testing.T, ex *mock.MockExchange, capacity int) *harness {
	t.Helper()
	logger := logging.NewNopLogger()
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{Capacity: capacity, RefillPerSecond: 0.001}, logger)
	require.NoError(t, err)
	auditLog, err := audit.NewLogger(context.Background(), audit.NewMemorySink(), logger)
	require.NoError(t, err)
	return &harness{
		ex:      ex,
		limiter: limiter,
		audit:   auditLog,
		client:  NewClient(ex, limiter, auditLog, testConfig(), logger),
	}
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

func (h *harness) lastError(t *testing.T) core.OrderErrorEvent {
	t.Helper()
	recs := h.records(t, core.AuditOrderError)
	require.NotEmpty(t, recs)
	var ev core.OrderErrorEvent
	require.NoError(t, audit.Decode(recs[len(recs)-1], &ev))
	return ev
}

func order(id string) core.OrderRequest {
	return core.OrderRequest{
		ClientOrderID: id,
		Symbol:        "BTCUSDT",
		Side:          core.SideLong,
		Kind:          core.KindMarket,
		Quantity:      decimal.RequireFromString("0.5"),
		Price:         decimal.RequireFromString("100"),
	}
}

var throttled = &apperrors.ExchangeError{Kind: apperrors.KindThrottled, Code: -1003, Message: "too many requests"}

func TestSubmit_AuditsBeforeContact(t *testing.T) {
	h := newHarness(t, mock.NewMockExchange("paper"), 100)

	fills, err := h.client.Submit(context.Background(), order("ok-1"))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "ok-1", fills[0].ClientOrderID)
	assert.Equal(t, "BTCUSDT", fills[0].Symbol)

	recs := h.records(t, core.AuditOrderSubmitted)
	require.Len(t, recs, 1)
	var req core.OrderRequest
	require.NoError(t, audit.Decode(recs[0], &req))
	assert.Equal(t, "ok-1", req.ClientOrderID)
	assert.InDelta(t, 95, h.limiter.Available(), 0.5, "submit costs its weight")
}

func TestSubmit_InvalidRequestNeverContactsExchange(t *testing.T) {
	h := newHarness(t, mock.NewMockExchange("paper"), 100)

	req := order("bad-1")
	req.Quantity = decimal.Zero
	_, err := h.client.Submit(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, 0, h.ex.CallCount(mock.OpPlace))
	assert.Empty(t, h.records(t, core.AuditOrderSubmitted))
}

func TestSubmit_LocalThrottleDoesNotContactExchange(t *testing.T) {
	h := newHarness(t, mock.NewMockExchange("paper"), 5)
	require.True(t, h.limiter.TryAcquire(5))

	_, err := h.client.Submit(context.Background(), order("thr-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)

	var exErr *apperrors.ExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, apperrors.KindThrottled, exErr.Kind)
	assert.True(t, exErr.Local)

	assert.Equal(t, 0, h.ex.CallCount(mock.OpPlace))
	assert.Empty(t, h.records(t, core.AuditOrderSubmitted))

	ev := h.lastError(t)
	assert.Equal(t, "thr-1", ev.ClientOrderID)
	assert.Equal(t, string(apperrors.KindThrottled), ev.Kind)
	assert.True(t, ev.Local)
}

func TestSubmit_RetriesThrottledWithDedup(t *testing.T) {
	ex := mock.NewMockExchange("paper")
	ex.InjectFault(mock.OpPlace, mock.Fault{Err: throttled})
	h := newHarness(t, ex, 100)

	fills, err := h.client.Submit(context.Background(), order("retry-1"))
	require.NoError(t, err)
	assert.Len(t, fills, 1)
	assert.Equal(t, 2, ex.CallCount(mock.OpPlace))
	assert.Equal(t, 0, ex.CallCount(mock.OpQuery), "venues with id dedup are not queried")
	assert.Len(t, h.records(t, core.AuditOrderSubmitted), 1)
}

func TestSubmit_RetryFindsOrderAcceptedDespiteThrottle(t *testing.T) {
	ex := mock.NewMockExchange("binance-like", mock.WithoutDedup())
	ex.InjectFault(mock.OpPlace, mock.Fault{Err: throttled, Apply: true})
	h := newHarness(t, ex, 100)

	fills, err := h.client.Submit(context.Background(), order("retry-2"))
	require.NoError(t, err)
	assert.Len(t, fills, 1)
	assert.Equal(t, 1, ex.OrderCount(), "the order must not be placed twice")
	assert.Equal(t, 1, ex.CallCount(mock.OpPlace))
	assert.Equal(t, 1, ex.CallCount(mock.OpQuery))
}

func TestSubmit_ThrottleExhaustionLeavesOrderUnknown(t *testing.T) {
	ex := mock.NewMockExchange("paper")
	ex.InjectFault(mock.OpPlace, mock.Fault{Err: throttled}, mock.Fault{Err: throttled},
		mock.Fault{Err: throttled}, mock.Fault{Err: throttled})
	h := newHarness(t, ex, 100)

	_, err := h.client.Submit(context.Background(), order("retry-3"))
	require.Error(t, err)
	assert.True(t, apperrors.IsExchangeKind(err, apperrors.KindTimeout), "the last throttled attempt reached the exchange")
	assert.Equal(t, 4, ex.CallCount(mock.OpPlace))

	ev := h.lastError(t)
	assert.Equal(t, string(apperrors.KindTimeout), ev.Kind)
	assert.Equal(t, int64(-1003), ev.Code)
	assert.Equal(t, 4, ev.Attempts)
}

func TestSubmit_ThrottledLookupAfterExchangeThrottleIsAmbiguous(t *testing.T) {
	ex := mock.NewMockExchange("binance-like", mock.WithoutDedup())
	ex.InjectFault(mock.OpPlace, mock.Fault{Err: throttled, Apply: true})
	// Enough tokens for one submission and nothing for the lookup.
	h := newHarness(t, ex, 5)

	_, err := h.client.Submit(context.Background(), order("thr-lookup"))
	require.Error(t, err)
	assert.True(t, apperrors.IsExchangeKind(err, apperrors.KindTimeout))
	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	assert.Equal(t, 1, ex.OrderCount(), "the throttled attempt was accepted")
	assert.Equal(t, 0, ex.CallCount(mock.OpQuery))

	ev := h.lastError(t)
	assert.Equal(t, string(apperrors.KindTimeout), ev.Kind)
	assert.False(t, ev.Local)
}

func TestSubmit_ThrottleProvenAbsentStaysThrottled(t *testing.T) {
	ex := mock.NewMockExchange("binance-like", mock.WithoutDedup())
	ex.InjectFault(mock.OpPlace, mock.Fault{Err: throttled})
	// One submission plus one lookup; the resubmission is throttled locally.
	h := newHarness(t, ex, 6)

	_, err := h.client.Submit(context.Background(), order("thr-absent"))
	require.Error(t, err)
	assert.True(t, apperrors.IsExchangeKind(err, apperrors.KindThrottled))
	assert.Equal(t, 0, ex.OrderCount())
	assert.Equal(t, 1, ex.CallCount(mock.OpPlace))
	assert.Equal(t, 1, ex.CallCount(mock.OpQuery))
	assert.Equal(t, string(apperrors.KindThrottled), h.lastError(t).Kind)
}

func TestSubmit_TimeoutIsNotRetried(t *testing.T) {
	ex := mock.NewMockExchange("paper")
	ex.InjectFault(mock.OpPlace, mock.Fault{Apply: true, Block: true})
	h := newHarness(t, ex, 100)

	_, err := h.client.Submit(context.Background(), order("to-1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsExchangeKind(err, apperrors.KindTimeout))
	assert.Equal(t, 1, ex.CallCount(mock.OpPlace))

	// The order exists even though the caller saw a timeout
	res, qErr := h.client.QueryOrder(context.Background(), "BTCUSDT", "to-1")
	require.NoError(t, qErr)
	assert.Equal(t, core.OrderStatusFilled, res.Status)

	assert.Equal(t, string(apperrors.KindTimeout), h.lastError(t).Kind)
}

func TestSubmit_RejectedIsNotRetried(t *testing.T) {
	ex := mock.NewMockExchange("paper")
	ex.InjectFault(mock.OpPlace, mock.Fault{Err: &apperrors.ExchangeError{
		Kind: apperrors.KindRejected, Code: -2019, Err: apperrors.ErrInsufficientFunds,
	}})
	h := newHarness(t, ex, 100)

	_, err := h.client.Submit(context.Background(), order("rej-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Equal(t, 1, ex.CallCount(mock.OpPlace))
}

func TestSubmit_UnclassifiedErrorIsConnectivityLost(t *testing.T) {
	ex := mock.NewMockExchange("paper")
	ex.InjectFault(mock.OpPlace, mock.Fault{Err: errors.New("connection reset by peer")})
	h := newHarness(t, ex, 100)

	_, err := h.client.Submit(context.Background(), order("net-1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsExchangeKind(err, apperrors.KindConnectivityLost))
}

type failingSink struct {
	*audit.MemorySink
}

func (failingSink) Append(context.Context, core.AuditRecord) error {
	return errors.New("disk full")
}

func TestSubmit_AuditFailureRefusesSubmission(t *testing.T) {
	ex := mock.NewMockExchange("paper")
	logger := logging.NewNopLogger()
	limiter, err := ratelimit.NewLimiter(ratelimit.Config{Capacity: 100, RefillPerSecond: 1}, logger)
	require.NoError(t, err)
	auditLog, err := audit.NewLogger(context.Background(), failingSink{audit.NewMemorySink()}, logger)
	require.NoError(t, err)
	client := NewClient(ex, limiter, auditLog, testConfig(), logger)

	_, err = client.Submit(context.Background(), order("aud-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailure)
	assert.Equal(t, 0, ex.CallCount(mock.OpPlace))
}

func TestSubmit_CancelledWhileWaitingForTokens(t *testing.T) {
	h := newHarness(t, mock.NewMockExchange("paper"), 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.client.Submit(ctx, order("cx-1"))
	assert.ErrorIs(t, err, apperrors.ErrCancelled)
	assert.Equal(t, 0, h.ex.CallCount(mock.OpPlace))
	assert.Equal(t, core.ErrorKindCancelled, h.lastError(t).Kind)
}

func TestCancel_FilledOrderReturnsFills(t *testing.T) {
	h := newHarness(t, mock.NewMockExchange("paper"), 100)
	ctx := context.Background()

	_, err := h.client.Submit(ctx, order("cf-1"))
	require.NoError(t, err)

	res, err := h.client.Cancel(ctx, "BTCUSDT", "cf-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, res.Status)
	require.Len(t, res.Fills, 1)

	recs := h.records(t, core.AuditOrderCancelled)
	require.Len(t, recs, 1)
	var ev core.CancelEvent
	require.NoError(t, audit.Decode(recs[0], &ev))
	assert.Equal(t, core.OrderStatusFilled, ev.Status)
}

func TestCancel_RestingOrder(t *testing.T) {
	h := newHarness(t, mock.NewMockExchange("paper"), 100)
	ctx := context.Background()

	req := order("cr-1")
	req.Kind = core.KindStop
	fills, err := h.client.Submit(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, fills)

	res, err := h.client.Cancel(ctx, "BTCUSDT", "cr-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCanceled, res.Status)
}

func TestQueryPositionAndFills(t *testing.T) {
	ex := mock.NewMockExchange("paper")
	h := newHarness(t, ex, 100)
	ctx := context.Background()

	_, err := h.client.Submit(ctx, order("qp-1"))
	require.NoError(t, err)

	pos, err := h.client.QueryPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(decimal.RequireFromString("0.5")))

	fills, err := h.client.QueryFills(ctx, "BTCUSDT", time.Time{})
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	ex.InjectFault(mock.OpFills, mock.Fault{Block: true})
	_, err = h.client.QueryFills(ctx, "BTCUSDT", time.Time{})
	assert.True(t, apperrors.IsExchangeKind(err, apperrors.KindTimeout))
}
