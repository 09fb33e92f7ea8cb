package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy sentinels. Typed errors below unwrap to one of these.
var (
	ErrValidation         = errors.New("validation error")
	ErrRiskRejected       = errors.New("risk rejected")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrExchange           = errors.New("exchange error")
	ErrAuditWriteFailure  = errors.New("audit write failure")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrKillSwitchEngaged  = errors.New("kill switch engaged")
	ErrCancelled          = errors.New("order intent cancelled")
)

// Standardized exchange-side conditions adapters map wire codes onto
var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNetwork              = errors.New("network error")
)

// ValidationError reports a malformed request or configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// RiskRejected carries the rule identifiers that failed evaluation.
type RiskRejected struct {
	Violations []string
}

func (e *RiskRejected) Error() string {
	return "risk rejected: " + strings.Join(e.Violations, ",")
}

func (e *RiskRejected) Unwrap() error { return ErrRiskRejected }

// ExchangeErrorKind classifies exchange failures by how the caller must react.
type ExchangeErrorKind string

const (
	// KindRejected is an exchange-side validation failure; never retry.
	KindRejected ExchangeErrorKind = "rejected"
	// KindThrottled is a provider or local rate limit; retryable after backoff.
	KindThrottled ExchangeErrorKind = "throttled"
	// KindConnectivityLost is a network or auth failure; halts trading.
	KindConnectivityLost ExchangeErrorKind = "connectivity_lost"
	// KindTimeout is ambiguous: the order may or may not exist. Reconcile before retrying.
	KindTimeout ExchangeErrorKind = "timeout"
)

// ExchangeError is the single error type surfaced by the exchange client.
type ExchangeError struct {
	Kind    ExchangeErrorKind
	Op      string
	Code    int64
	Message string
	// Local is true when the error was produced without contacting the exchange.
	Local bool
	Err   error
}

func (e *ExchangeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "exchange %s failed (%s)", e.Op, e.Kind)
	if e.Code != 0 {
		fmt.Fprintf(&b, " code=%d", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ExchangeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrExchange, e.Err}
	}
	return []error{ErrExchange}
}

// NewExchangeError builds an ExchangeError wrapping err
func NewExchangeError(kind ExchangeErrorKind, op string, err error) *ExchangeError {
	return &ExchangeError{Kind: kind, Op: op, Err: err}
}

// ExchangeKind returns the exchange error kind of err, if any
func ExchangeKind(err error) (ExchangeErrorKind, bool) {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Kind, true
	}
	return "", false
}

// IsExchangeKind reports whether err is an ExchangeError of the given kind
func IsExchangeKind(err error, kind ExchangeErrorKind) bool {
	k, ok := ExchangeKind(err)
	return ok && k == kind
}

// AuditWriteFailure means the trail could not be written; the operation must not proceed.
type AuditWriteFailure struct {
	Kind string
	Err  error
}

func (e *AuditWriteFailure) Error() string {
	return fmt.Sprintf("audit write failed for %s: %v", e.Kind, e.Err)
}

func (e *AuditWriteFailure) Unwrap() []error {
	return []error{ErrAuditWriteFailure, e.Err}
}

// InvariantViolation reports internally inconsistent ledger or risk state.
type InvariantViolation struct {
	Symbol string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Symbol, e.Detail)
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariantViolation }
