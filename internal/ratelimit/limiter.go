// Package ratelimit guards outbound exchange calls with a weighted token bucket
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Config describes the bucket
type Config struct {
	Name string
	// Capacity is the burst size C
	Capacity int
	// RefillPerSecond is the continuous refill rate R
	RefillPerSecond float64
}

// Limiter is a token bucket with capacity C refilled continuously at R tokens/s.
// Accounting happens inside x/time/rate's short critical section; callers wait
// on their own timer outside of it.
type Limiter struct {
	cfg      Config
	bucket   *rate.Limiter
	now      func() time.Time
	logger   core.ILogger
	rejected metric.Int64Counter
}

// NewLimiter creates a limiter that starts full
func NewLimiter(cfg Config, logger core.ILogger) (*Limiter, error) {
	if cfg.Capacity <= 0 {
		return nil, apperrors.NewValidationError("rate_limit.capacity", "capacity must be positive")
	}
	if cfg.RefillPerSecond <= 0 {
		return nil, apperrors.NewValidationError("rate_limit.refill_per_second", "refill rate must be positive")
	}
	if cfg.Name == "" {
		cfg.Name = "exchange"
	}

	rejected, _ := telemetry.GetMeter("ratelimit").Int64Counter(telemetry.MetricLimiterRejected,
		metric.WithDescription("Acquire calls that timed out before tokens were available"))

	return &Limiter{
		cfg:      cfg,
		bucket:   rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
		now:      time.Now,
		logger:   logger.WithField("component", "rate_limiter").WithField("limiter", cfg.Name),
		rejected: rejected,
	}, nil
}

// WithClock swaps the time source; tests drive refill deterministically with it
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Acquire takes weight tokens, waiting at most timeout (or the context deadline,
// whichever is sooner). A wait that cannot finish in time fails immediately with
// ErrRateLimitExceeded and returns the tokens to the bucket.
func (l *Limiter) Acquire(ctx context.Context, weight int, timeout time.Duration) error {
	if weight <= 0 {
		return apperrors.NewValidationError("weight", "weight must be positive")
	}
	if weight > l.cfg.Capacity {
		return apperrors.NewValidationError("weight", fmt.Sprintf("weight %d exceeds capacity %d", weight, l.cfg.Capacity))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.now()
	reservation := l.bucket.ReserveN(now, weight)
	if !reservation.OK() {
		return apperrors.NewValidationError("weight", "reservation refused")
	}

	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return nil
	}

	budget := timeout
	if deadline, ok := ctx.Deadline(); ok {
		if untilDeadline := deadline.Sub(now); untilDeadline < budget {
			budget = untilDeadline
		}
	}
	if delay > budget {
		reservation.CancelAt(now)
		l.reject(ctx, weight, delay)
		return fmt.Errorf("%w: need %s, budget %s", apperrors.ErrRateLimitExceeded, delay, budget)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.CancelAt(l.now())
		l.reject(ctx, weight, delay)
		return fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, ctx.Err())
	}
}

// TryAcquire takes weight tokens only if they are available right now
func (l *Limiter) TryAcquire(weight int) bool {
	return l.bucket.AllowN(l.now(), weight)
}

// Available reports the current token count (negative while waiters hold debt)
func (l *Limiter) Available() float64 {
	return l.bucket.TokensAt(l.now())
}

// Capacity returns C
func (l *Limiter) Capacity() int {
	return l.cfg.Capacity
}

func (l *Limiter) reject(ctx context.Context, weight int, delay time.Duration) {
	l.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter", l.cfg.Name)))
	l.logger.Debug("Rate limit acquire timed out", "weight", weight, "wait_needed", delay)
}
