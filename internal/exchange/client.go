// Package exchange is the rate-limited, audited exchange surface and its adapters
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	opSubmit   = "submit"
	opCancel   = "cancel"
	opQuery    = "query_order"
	opPosition = "query_position"
	opFills    = "query_fills"
)

// Weights are the limiter tokens each call type costs
type Weights struct {
	Submit int
	Cancel int
	Query  int
}

// Timeouts bound the limiter wait and each network call
type Timeouts struct {
	Acquire time.Duration
	Submit  time.Duration
	Cancel  time.Duration
	Query   time.Duration
}

// RetryConfig governs retries of Throttled submissions
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// ClientConfig configures a Client
type ClientConfig struct {
	Weights  Weights
	Timeouts Timeouts
	Retry    RetryConfig
}

// DefaultClientConfig mirrors config.DefaultConfig
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Weights:  Weights{Submit: 5, Cancel: 1, Query: 1},
		Timeouts: Timeouts{Acquire: 2 * time.Second, Submit: 5 * time.Second, Cancel: 3 * time.Second, Query: 3 * time.Second},
		Retry:    RetryConfig{MaxRetries: 3, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second},
	}
}

// Client wraps an adapter with rate limiting, timeouts, retries and audit
type Client struct {
	adapter core.IExchangeAdapter
	limiter core.IRateLimiter
	audit   core.IAuditRecorder
	cfg     ClientConfig
	logger  core.ILogger
	retry   retrypolicy.RetryPolicy[*core.OrderResult]

	tracer      trace.Tracer
	callCounter metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates an exchange client around adapter
func NewClient(
	adapter core.IExchangeAdapter,
	limiter core.IRateLimiter,
	audit core.IAuditRecorder,
	cfg ClientConfig,
	logger core.ILogger,
) *Client {
	def := DefaultClientConfig()
	if cfg.Weights.Submit <= 0 || cfg.Weights.Cancel <= 0 || cfg.Weights.Query <= 0 {
		cfg.Weights = def.Weights
	}
	if cfg.Timeouts.Acquire <= 0 {
		cfg.Timeouts.Acquire = def.Timeouts.Acquire
	}
	if cfg.Timeouts.Submit <= 0 {
		cfg.Timeouts.Submit = def.Timeouts.Submit
	}
	if cfg.Timeouts.Cancel <= 0 {
		cfg.Timeouts.Cancel = def.Timeouts.Cancel
	}
	if cfg.Timeouts.Query <= 0 {
		cfg.Timeouts.Query = def.Timeouts.Query
	}
	if cfg.Retry.Backoff <= 0 {
		cfg.Retry.Backoff = def.Retry.Backoff
	}
	if cfg.Retry.MaxBackoff < cfg.Retry.Backoff {
		cfg.Retry.MaxBackoff = cfg.Retry.Backoff
	}

	// Only Throttled is retried. Timeout is ambiguous and goes to reconciliation instead.
	policy := retrypolicy.NewBuilder[*core.OrderResult]().
		HandleIf(func(_ *core.OrderResult, err error) bool {
			return apperrors.IsExchangeKind(err, apperrors.KindThrottled)
		}).
		WithBackoff(cfg.Retry.Backoff, cfg.Retry.MaxBackoff).
		WithMaxRetries(cfg.Retry.MaxRetries).
		ReturnLastFailure().
		Build()

	meter := telemetry.GetMeter("exchange")
	callCounter, _ := meter.Int64Counter(telemetry.MetricExchangeCalls,
		metric.WithDescription("Exchange calls by operation"))
	errCounter, _ := meter.Int64Counter(telemetry.MetricExchangeErrors,
		metric.WithDescription("Exchange call failures by operation and kind"))
	latencyHist, _ := meter.Float64Histogram(telemetry.MetricExchangeLatency,
		metric.WithDescription("Exchange call latency in milliseconds"))

	return &Client{
		adapter:     adapter,
		limiter:     limiter,
		audit:       audit,
		cfg:         cfg,
		logger:      logger.WithField("component", "exchange_client").WithField("exchange", adapter.GetName()),
		retry:       policy,
		tracer:      telemetry.GetTracer("exchange"),
		callCounter: callCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Name returns the adapter name
func (c *Client) Name() string {
	return c.adapter.GetName()
}

// Submit places req and returns the fills the exchange reported for it.
// order-submitted is audited before the exchange is contacted.
func (c *Client) Submit(ctx context.Context, req core.OrderRequest) ([]core.Fill, error) {
	ctx, span := c.tracer.Start(ctx, "exchange.Submit", trace.WithAttributes(
		attribute.String("exchange", c.adapter.GetName()),
		attribute.String("symbol", req.Symbol),
		attribute.String("client_order_id", req.ClientOrderID),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := c.acquire(ctx, opSubmit, c.cfg.Weights.Submit); err != nil {
		return nil, c.fail(ctx, span, req.ClientOrderID, req.Symbol, opSubmit, 0, err)
	}

	if _, err := c.audit.Record(ctx, core.AuditOrderSubmitted, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit failed")
		return nil, err
	}

	// unverified is set while an attempt that reached the exchange may have
	// been accepted and nothing since has proven otherwise.
	attempts, unverified := 0, false
	result, err := failsafe.With[*core.OrderResult](c.retry).WithContext(ctx).Get(func() (*core.OrderResult, error) {
		attempts++
		if attempts > 1 {
			c.logger.Warn("Retrying throttled submission", "client_order_id", req.ClientOrderID, "attempt", attempts)
			// A throttled attempt may still have been accepted on venues without id dedup.
			if !c.adapter.SupportsClientOrderIDDedup() {
				existing, found, err := c.findExisting(ctx, req)
				if err != nil {
					return nil, err
				}
				if found {
					return existing, nil
				}
				unverified = false
			}
			if err := c.acquire(ctx, opSubmit, c.cfg.Weights.Submit); err != nil {
				return nil, err
			}
		}

		res, err := c.place(ctx, req)
		unverified = apperrors.IsExchangeKind(err, apperrors.KindThrottled)
		if errors.Is(err, apperrors.ErrDuplicateOrder) {
			existing, found, qErr := c.findExisting(ctx, req)
			if qErr != nil {
				// the venue already holds this id
				unverified = true
				return nil, qErr
			}
			if found {
				return existing, nil
			}
		}
		return res, err
	})
	if err != nil {
		var exErr *apperrors.ExchangeError
		isExchange := errors.As(err, &exErr)
		switch {
		case !isExchange && !errors.Is(err, apperrors.ErrCancelled) && ctx.Err() != nil:
			// Cancelled between attempts; the order state is unknown to the caller.
			err = &apperrors.ExchangeError{Kind: apperrors.KindTimeout, Op: opSubmit, Err: err}
		case unverified && !(isExchange && (exErr.Kind == apperrors.KindTimeout || exErr.Kind == apperrors.KindConnectivityLost)):
			// An earlier attempt may have been accepted, so no failure after it is definite.
			ambiguous := &apperrors.ExchangeError{
				Kind:    apperrors.KindTimeout,
				Op:      opSubmit,
				Message: "order state unknown after an attempt reached the exchange",
				Err:     err,
			}
			if isExchange {
				ambiguous.Code = exErr.Code
			}
			err = ambiguous
		}
		return nil, c.fail(ctx, span, req.ClientOrderID, req.Symbol, opSubmit, attempts, err)
	}

	fills := normalizeFills(result, req)
	span.SetAttributes(
		attribute.String("order_id", result.OrderID),
		attribute.String("status", string(result.Status)),
		attribute.Int("fills", len(fills)),
	)
	c.logger.Info("Order submitted",
		"client_order_id", req.ClientOrderID,
		"order_id", result.OrderID,
		"status", result.Status,
		"executed_qty", result.ExecutedQty.String(),
		"attempts", attempts)
	return fills, nil
}

func (c *Client) place(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	var res *core.OrderResult
	err := c.invoke(ctx, opSubmit, c.cfg.Timeouts.Submit, func(ctx context.Context) error {
		var err error
		res, err = c.adapter.PlaceOrder(ctx, req)
		return err
	})
	return res, err
}

// findExisting looks the order up by client id. found is false only on a definite not-found.
func (c *Client) findExisting(ctx context.Context, req core.OrderRequest) (*core.OrderResult, bool, error) {
	res, err := c.queryOrder(ctx, req.Symbol, req.ClientOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	c.logger.Info("Order already exists on exchange", "client_order_id", req.ClientOrderID, "order_id", res.OrderID)
	return res, true, nil
}

// QueryOrder fetches the exchange's view of an order by client id
func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	ctx, span := c.tracer.Start(ctx, "exchange.QueryOrder", trace.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("client_order_id", clientOrderID),
	))
	defer span.End()

	res, err := c.queryOrder(ctx, symbol, clientOrderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for i := range res.Fills {
		fillDefaults(&res.Fills[i], res.OrderID, clientOrderID, symbol)
	}
	return res, nil
}

func (c *Client) queryOrder(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	if err := c.acquire(ctx, opQuery, c.cfg.Weights.Query); err != nil {
		return nil, err
	}
	var res *core.OrderResult
	err := c.invoke(ctx, opQuery, c.cfg.Timeouts.Query, func(ctx context.Context) error {
		var err error
		res, err = c.adapter.QueryOrder(ctx, symbol, clientOrderID)
		return err
	})
	return res, err
}

// Cancel cancels an open order. Cancelling an already-filled order is a no-op that returns its fills.
func (c *Client) Cancel(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	ctx, span := c.tracer.Start(ctx, "exchange.Cancel", trace.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("client_order_id", clientOrderID),
	))
	defer span.End()

	if err := c.acquire(ctx, opCancel, c.cfg.Weights.Cancel); err != nil {
		return nil, c.fail(ctx, span, clientOrderID, symbol, opCancel, 0, err)
	}

	var res *core.OrderResult
	err := c.invoke(ctx, opCancel, c.cfg.Timeouts.Cancel, func(ctx context.Context) error {
		var err error
		res, err = c.adapter.CancelOrder(ctx, symbol, clientOrderID)
		return err
	})
	if err != nil {
		return nil, c.fail(ctx, span, clientOrderID, symbol, opCancel, 1, err)
	}
	for i := range res.Fills {
		fillDefaults(&res.Fills[i], res.OrderID, clientOrderID, symbol)
	}

	if res.Status == core.OrderStatusFilled {
		c.logger.Info("Cancel found order already filled", "client_order_id", clientOrderID, "fills", len(res.Fills))
	}
	if _, auditErr := c.audit.Record(context.WithoutCancel(ctx), core.AuditOrderCancelled, core.CancelEvent{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Status:        res.Status,
		ExecutedQty:   res.ExecutedQty.String(),
	}); auditErr != nil {
		return res, auditErr
	}
	return res, nil
}

// QueryPosition fetches the exchange-reported position
func (c *Client) QueryPosition(ctx context.Context, symbol string) (*core.ExchangePosition, error) {
	ctx, span := c.tracer.Start(ctx, "exchange.QueryPosition", trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	if err := c.acquire(ctx, opPosition, c.cfg.Weights.Query); err != nil {
		span.RecordError(err)
		return nil, err
	}
	var pos *core.ExchangePosition
	err := c.invoke(ctx, opPosition, c.cfg.Timeouts.Query, func(ctx context.Context) error {
		var err error
		pos, err = c.adapter.QueryPosition(ctx, symbol)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	pos.Symbol = symbol
	return pos, nil
}

// QueryFills fetches the exchange's fill history for symbol since the given time
func (c *Client) QueryFills(ctx context.Context, symbol string, since time.Time) ([]core.Fill, error) {
	ctx, span := c.tracer.Start(ctx, "exchange.QueryFills", trace.WithAttributes(attribute.String("symbol", symbol)))
	defer span.End()

	if err := c.acquire(ctx, opFills, c.cfg.Weights.Query); err != nil {
		span.RecordError(err)
		return nil, err
	}
	var fills []core.Fill
	err := c.invoke(ctx, opFills, c.cfg.Timeouts.Query, func(ctx context.Context) error {
		var err error
		fills, err = c.adapter.QueryFills(ctx, symbol, since)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return fills, nil
}

// acquire takes limiter tokens. A limiter timeout is a local Throttled error.
func (c *Client) acquire(ctx context.Context, op string, weight int) error {
	err := c.limiter.Acquire(ctx, weight, c.cfg.Timeouts.Acquire)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrCancelled, ctxErr)
	}
	if errors.Is(err, apperrors.ErrRateLimitExceeded) {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", string(apperrors.KindThrottled)),
			attribute.Bool("local", true),
		))
		return &apperrors.ExchangeError{
			Kind:    apperrors.KindThrottled,
			Op:      op,
			Message: "local rate limit",
			Local:   true,
			Err:     err,
		}
	}
	return err
}

// invoke runs fn under the call timeout and classifies its error
func (c *Client) invoke(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("exchange", c.adapter.GetName()))
	c.callCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, elapsed, attrs)

	if err == nil {
		return nil
	}
	err = classify(op, err, callCtx.Err() != nil)
	kind, _ := apperrors.ExchangeKind(err)
	c.errCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("kind", string(kind)),
		attribute.Bool("local", false),
	))
	return err
}

// classify maps any adapter error onto an ExchangeError. An expired call is
// Timeout unless the exchange definitively rejected it.
func classify(op string, err error, expired bool) error {
	var exErr *apperrors.ExchangeError
	if errors.As(err, &exErr) {
		out := *exErr
		if out.Op == "" {
			out.Op = op
		}
		if expired && out.Kind != apperrors.KindRejected {
			out.Kind = apperrors.KindTimeout
		}
		return &out
	}
	if expired || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &apperrors.ExchangeError{Kind: apperrors.KindTimeout, Op: op, Err: err}
	}
	if errors.Is(err, apperrors.ErrOrderNotFound) || errors.Is(err, apperrors.ErrDuplicateOrder) ||
		errors.Is(err, apperrors.ErrInsufficientFunds) {
		return &apperrors.ExchangeError{Kind: apperrors.KindRejected, Op: op, Err: err}
	}
	return &apperrors.ExchangeError{Kind: apperrors.KindConnectivityLost, Op: op, Err: err}
}

// fail audits err as order-error and returns it
func (c *Client) fail(ctx context.Context, span trace.Span, clientOrderID, symbol, op string, attempts int, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	ev := core.OrderErrorEvent{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Op:            op,
		Message:       err.Error(),
		Attempts:      attempts,
	}
	var exErr *apperrors.ExchangeError
	switch {
	case errors.As(err, &exErr):
		ev.Kind = string(exErr.Kind)
		ev.Code = exErr.Code
		ev.Local = exErr.Local
	case errors.Is(err, apperrors.ErrCancelled):
		ev.Kind = core.ErrorKindCancelled
		ev.Local = true
	default:
		ev.Kind = core.ErrorKindInternal
	}

	c.logger.Error("Exchange call failed",
		"op", op,
		"client_order_id", clientOrderID,
		"symbol", symbol,
		"kind", ev.Kind,
		"attempts", attempts,
		"error", err)

	if _, auditErr := c.audit.Record(context.WithoutCancel(ctx), core.AuditOrderError, ev); auditErr != nil {
		return errors.Join(err, auditErr)
	}
	return err
}

func normalizeFills(res *core.OrderResult, req core.OrderRequest) []core.Fill {
	fills := make([]core.Fill, len(res.Fills))
	copy(fills, res.Fills)
	for i := range fills {
		fillDefaults(&fills[i], res.OrderID, req.ClientOrderID, req.Symbol)
	}
	return fills
}

func fillDefaults(f *core.Fill, orderID, clientOrderID, symbol string) {
	if f.OrderID == "" {
		f.OrderID = orderID
	}
	if f.ClientOrderID == "" {
		f.ClientOrderID = clientOrderID
	}
	if f.Symbol == "" {
		f.Symbol = symbol
	}
}
