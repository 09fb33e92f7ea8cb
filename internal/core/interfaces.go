// Package core defines the shared types and interfaces of the execution core
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchangeAdapter is the per-venue wire protocol. Adapters classify their own
// failures into apperrors.ExchangeError kinds.
type IExchangeAdapter interface {
	GetName() string
	// SupportsClientOrderIDDedup reports whether the venue rejects a resubmitted
	// client order id for an order that already exists, in every order state.
	SupportsClientOrderIDDedup() bool
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
	QueryPosition(ctx context.Context, symbol string) (*ExchangePosition, error)
	QueryFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error)
}

// IExchangeClient is the rate-limited, audited exchange surface used by the orchestrator
type IExchangeClient interface {
	Submit(ctx context.Context, req OrderRequest) ([]Fill, error)
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
	Cancel(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
	QueryPosition(ctx context.Context, symbol string) (*ExchangePosition, error)
	QueryFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error)
}

// IRateLimiter throttles outbound exchange calls by weight
type IRateLimiter interface {
	Acquire(ctx context.Context, weight int, timeout time.Duration) error
}

// IAuditRecorder appends audit records
type IAuditRecorder interface {
	Record(ctx context.Context, kind AuditKind, entity interface{}) (uint64, error)
}

// IAuditSink is durable storage for audit records
type IAuditSink interface {
	Append(ctx context.Context, rec AuditRecord) error
	// Last returns the high-water mark and its checksum; zero values when empty.
	Last(ctx context.Context) (uint64, string, error)
	Read(ctx context.Context, fromSeq uint64, limit int) ([]AuditRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// IPositionReader is the read side of the ledger used by risk checks
type IPositionReader interface {
	Get(symbol string) Position
	Snapshot() map[string]Position
	Mark(symbol string) (decimal.Decimal, bool)
}

// IHealthMonitor aggregates component health
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
