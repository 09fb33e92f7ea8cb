// Package http provides an outbound HTTP client with retries and a circuit breaker
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"execution_core/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError is a non-2xx response that survived the retry policy
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Options tune the resilience pipeline
type Options struct {
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	BreakerFails  uint
	BreakerWindow uint
	BreakerDelay  time.Duration
}

// DefaultOptions suit webhook delivery
func DefaultOptions() Options {
	return Options{
		Timeout:       5 * time.Second,
		MaxRetries:    3,
		Backoff:       100 * time.Millisecond,
		MaxBackoff:    2 * time.Second,
		BreakerFails:  5,
		BreakerWindow: 10,
		BreakerDelay:  10 * time.Second,
	}
}

// response is a fully read reply; bodies never outlive an attempt
type response struct {
	status int
	body   []byte
}

func retryable(r *response, err error) bool {
	if err != nil {
		return true
	}
	return r.status >= 500 || r.status == http.StatusTooManyRequests
}

// Client sends requests through retry and circuit breaker policies
type Client struct {
	client   *http.Client
	pipeline failsafe.Executor[*response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client. Zero option fields take their defaults.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = opts.Backoff
	}
	if opts.BreakerWindow == 0 {
		opts.BreakerFails, opts.BreakerWindow = def.BreakerFails, def.BreakerWindow
	}
	if opts.BreakerDelay <= 0 {
		opts.BreakerDelay = def.BreakerDelay
	}

	retryPolicy := retrypolicy.NewBuilder[*response]().
		HandleIf(retryable).
		WithBackoff(opts.Backoff, opts.MaxBackoff).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[*response]().
		HandleIf(func(r *response, err error) bool {
			return err != nil || r.status >= 500
		}).
		WithFailureThresholdRatio(opts.BreakerFails, opts.BreakerWindow).
		WithDelay(opts.BreakerDelay).
		Build()

	meter := telemetry.GetMeter("http-client")
	reqCounter, _ := meter.Int64Counter("execution_core_http_requests_total",
		metric.WithDescription("Outbound HTTP requests"))
	errCounter, _ := meter.Int64Counter("execution_core_http_errors_total",
		metric.WithDescription("Outbound HTTP requests that failed"))
	latencyHist, _ := meter.Float64Histogram("execution_core_http_request_duration_seconds",
		metric.WithDescription("Outbound HTTP latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: opts.Timeout},
		pipeline:    failsafe.With[*response](retryPolicy, breaker),
		tracer:      telemetry.GetTracer("http-client"),
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// PostJSON marshals body and posts it to url
func (c *Client) PostJSON(ctx context.Context, url string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	return c.do(ctx, http.MethodPost, url, payload)
}

// Get fetches url
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "HTTP "+method, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", url),
	))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("method", method))

	resp, err := c.pipeline.WithContext(ctx).Get(func() (*response, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		return &response{status: res.StatusCode, body: data}, nil
	})

	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		c.errCounter.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.status))
	if resp.status >= 300 {
		span.SetStatus(codes.Error, http.StatusText(resp.status))
		c.errCounter.Add(ctx, 1, attrs)
		return nil, &APIError{StatusCode: resp.status, Body: resp.body}
	}
	return resp.body, nil
}
