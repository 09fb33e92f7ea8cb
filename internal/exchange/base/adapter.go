// Package base provides common functionality for exchange adapters
package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"execution_core/internal/config"
	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"

	"github.com/shopspring/decimal"
)

// MapErrorFunc translates a venue error into an ExchangeError, or returns nil to fall through
type MapErrorFunc func(op string, err error) error

// BaseAdapter provides common functionality for all exchange adapters
type BaseAdapter struct {
	Name   string
	Config *config.ExchangeConfig
	Logger core.ILogger

	// Exchange-specific functions to be set by concrete implementations
	MapError MapErrorFunc
}

// NewBaseAdapter creates a new base adapter with common configuration
func NewBaseAdapter(name string, cfg *config.ExchangeConfig, logger core.ILogger) *BaseAdapter {
	if cfg == nil {
		cfg = &config.ExchangeConfig{}
	}
	return &BaseAdapter{
		Name:   name,
		Config: cfg,
		Logger: logger.WithField("exchange", name),
	}
}

// GetName returns the exchange name
func (b *BaseAdapter) GetName() string {
	return b.Name
}

// SetMapError sets the exchange-specific error mapping function
func (b *BaseAdapter) SetMapError(fn MapErrorFunc) {
	b.MapError = fn
}

// WrapError classifies err for op. Venue mapping runs first; transport failures
// fall back to ConnectivityLost and deadlines to Timeout.
func (b *BaseAdapter) WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var exErr *apperrors.ExchangeError
	if errors.As(err, &exErr) {
		return err
	}
	if b.MapError != nil {
		if mapped := b.MapError(op, err); mapped != nil {
			return mapped
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &apperrors.ExchangeError{Kind: apperrors.KindTimeout, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &apperrors.ExchangeError{Kind: apperrors.KindTimeout, Op: op, Err: err}
	}
	return &apperrors.ExchangeError{
		Kind: apperrors.KindConnectivityLost,
		Op:   op,
		Err:  fmt.Errorf("%w: %v", apperrors.ErrNetwork, err),
	}
}

// ParseDecimal parses a venue decimal string; empty is zero
func (b *BaseAdapter) ParseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: parse %q: %w", b.Name, field, err)
	}
	return d, nil
}

// ParseTimestamp converts a millisecond epoch to UTC time
func (b *BaseAdapter) ParseTimestamp(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// FormatID renders a numeric venue order id
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
