package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	apperrors "execution_core/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order intent
type OrderSide string

const (
	SideLong  OrderSide = "long"
	SideShort OrderSide = "short"
)

// Sign returns +1 for long and -1 for short
func (s OrderSide) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderKind is the execution style requested from the exchange
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
	KindStop   OrderKind = "stop"
)

// PositionSide is the derived side of a position
type PositionSide string

const (
	PositionFlat  PositionSide = "flat"
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Binance caps client order ids at 36 characters from this alphabet; other venues are laxer.
var clientOrderIDPattern = regexp.MustCompile(`^[.A-Za-z0-9:/_-]{1,36}$`)

// OrderRequest is an intent to trade. Treat it as an immutable value.
//
// Price is the limit price for limit orders, the trigger price for stop orders and
// the reference price used for notional and leverage checks on market orders.
type OrderRequest struct {
	ClientOrderID string              `json:"client_order_id"`
	Symbol        string              `json:"symbol"`
	Side          OrderSide           `json:"side"`
	Kind          OrderKind           `json:"kind"`
	Quantity      decimal.Decimal     `json:"quantity"`
	Price         decimal.Decimal     `json:"price"`
	StopLoss      decimal.NullDecimal `json:"stop_loss"`
	TakeProfit    decimal.NullDecimal `json:"take_profit"`
	CreatedAt     time.Time           `json:"created_at"`
}

// NewOrderRequest builds a request with a fresh idempotency key
func NewOrderRequest(symbol string, side OrderSide, kind OrderKind, qty, price decimal.Decimal) OrderRequest {
	return OrderRequest{
		ClientOrderID: NewClientOrderID(),
		Symbol:        symbol,
		Side:          side,
		Kind:          kind,
		Quantity:      qty,
		Price:         price,
		CreatedAt:     time.Now(),
	}
}

// NewClientOrderID returns a 32 character id accepted by every supported venue
func NewClientOrderID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// WithQuantity returns a copy carrying a different quantity
func (r OrderRequest) WithQuantity(qty decimal.Decimal) OrderRequest {
	r.Quantity = qty
	return r
}

// SignedQuantity is the quantity signed by side
func (r OrderRequest) SignedQuantity() decimal.Decimal {
	return r.Quantity.Mul(r.Side.Sign())
}

// Notional is quantity times price
func (r OrderRequest) Notional() decimal.Decimal {
	return r.Quantity.Mul(r.Price)
}

// Validate checks the shape of the request. Symbol precision is checked by the ledger.
func (r OrderRequest) Validate() error {
	if r.ClientOrderID == "" {
		return apperrors.NewValidationError("client_order_id", "idempotency key is required")
	}
	if !clientOrderIDPattern.MatchString(r.ClientOrderID) {
		return apperrors.NewValidationError("client_order_id", fmt.Sprintf("invalid idempotency key %q", r.ClientOrderID))
	}
	if r.Symbol == "" {
		return apperrors.NewValidationError("symbol", "symbol is required")
	}
	if r.Side != SideLong && r.Side != SideShort {
		return apperrors.NewValidationError("side", fmt.Sprintf("unknown side %q", r.Side))
	}
	switch r.Kind {
	case KindMarket, KindLimit, KindStop:
	default:
		return apperrors.NewValidationError("kind", fmt.Sprintf("unknown order kind %q", r.Kind))
	}
	if !r.Quantity.IsPositive() {
		return apperrors.NewValidationError("quantity", "quantity must be positive")
	}
	if !r.Price.IsPositive() {
		return apperrors.NewValidationError("price", "price must be positive")
	}
	if r.StopLoss.Valid && !r.StopLoss.Decimal.IsPositive() {
		return apperrors.NewValidationError("stop_loss", "stop loss must be positive")
	}
	if r.TakeProfit.Valid && !r.TakeProfit.Decimal.IsPositive() {
		return apperrors.NewValidationError("take_profit", "take profit must be positive")
	}
	return nil
}

// Fill is an exchange-confirmed execution. Quantity is signed: positive bought, negative sold.
type Fill struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Sequence      int64           `json:"sequence"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DedupKey identifies a fill across redeliveries
func (f Fill) DedupKey() string {
	return fmt.Sprintf("%s-%d", f.OrderID, f.Sequence)
}

// Position is the per-symbol aggregate derived from fills
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	// CostBasis is the unsigned sum of quantity times price still held. It is
	// exact; AvgEntryPrice is derived from it for display.
	CostBasis     decimal.Decimal `json:"cost_basis"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Fees          decimal.Decimal `json:"fees"`
	OpenedAt      time.Time       `json:"opened_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FlatPosition returns the zero position for a symbol
func FlatPosition(symbol string) Position {
	return Position{Symbol: symbol, Side: PositionFlat}
}

// IsFlat reports whether the position holds no quantity
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// UnrealizedPnL is computed on demand from a supplied mark price
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.IsFlat() {
		return decimal.Zero
	}
	sign := decimal.NewFromInt(int64(p.Quantity.Sign()))
	return mark.Mul(p.Quantity).Sub(p.EntryCost().Mul(sign))
}

// EntryCost is the cost basis, falling back to the average for positions
// recorded without one
func (p Position) EntryCost() decimal.Decimal {
	if p.IsFlat() || p.CostBasis.IsPositive() {
		return p.CostBasis
	}
	return p.AvgEntryPrice.Mul(p.Quantity.Abs())
}

// Notional values the absolute quantity at price
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Abs().Mul(price)
}

// SideOf derives the position side from a signed quantity
func SideOf(qty decimal.Decimal) PositionSide {
	switch qty.Sign() {
	case 1:
		return PositionLong
	case -1:
		return PositionShort
	default:
		return PositionFlat
	}
}

// TradingState is the process-wide trading permission level
type TradingState int32

const (
	StateActive TradingState = iota
	StateReducedRisk
	StateHalted
)

func (s TradingState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateReducedRisk:
		return "REDUCED_RISK"
	case StateHalted:
		return "HALTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// MarshalText encodes the state by name
func (s TradingState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *TradingState) UnmarshalText(text []byte) error {
	parsed, err := ParseTradingState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseTradingState parses a state name
func ParseTradingState(name string) (TradingState, error) {
	switch strings.ToUpper(name) {
	case "ACTIVE":
		return StateActive, nil
	case "REDUCED_RISK":
		return StateReducedRisk, nil
	case "HALTED":
		return StateHalted, nil
	default:
		return StateActive, fmt.Errorf("unknown trading state %q", name)
	}
}

// RiskConfig holds the session's limits. Never mutate an installed instance; build a new one.
type RiskConfig struct {
	MaxPosition        decimal.Decimal            `json:"max_position"`
	PositionLimits     map[string]decimal.Decimal `json:"position_limits,omitempty"`
	MaxNotional        decimal.Decimal            `json:"max_notional"`
	DailyLossWarning   decimal.Decimal            `json:"daily_loss_warning"`
	MaxDailyLoss       decimal.Decimal            `json:"max_daily_loss"`
	MaxOrdersPerWindow int                        `json:"max_orders_per_window"`
	OrderRateWindow    time.Duration              `json:"order_rate_window"`
	MaxLeverage        decimal.Decimal            `json:"max_leverage"`
	KillSwitch         bool                       `json:"kill_switch"`
	ResetOperators     []string                   `json:"reset_operators,omitempty"`
}

// PositionLimit returns the cap for a symbol
func (c RiskConfig) PositionLimit(symbol string) decimal.Decimal {
	if limit, ok := c.PositionLimits[symbol]; ok {
		return limit
	}
	return c.MaxPosition
}

// CanReset reports whether actor may reset the trading state
func (c RiskConfig) CanReset(actor string) bool {
	if actor == "" {
		return false
	}
	for _, op := range c.ResetOperators {
		if op == actor {
			return true
		}
	}
	return false
}

// Risk rule identifiers recorded in RiskCheckResult.Violations
const (
	RuleTradingState = "trading_state"
	RuleKillSwitch   = "kill_switch"
	RuleMaxPosition  = "max_position"
	RuleMaxNotional  = "max_notional"
	RuleMaxLeverage  = "max_leverage"
	RuleMaxOrderRate = "max_order_rate"
	RuleDuplicate    = "duplicate_client_order_id"
)

// RiskCheckResult is the outcome of evaluating one OrderRequest
type RiskCheckResult struct {
	ClientOrderID     string          `json:"client_order_id"`
	Symbol            string          `json:"symbol"`
	Approved          bool            `json:"approved"`
	Capped            bool            `json:"capped"`
	Violations        []string        `json:"violations,omitempty"`
	RequestedQuantity decimal.Decimal `json:"requested_quantity"`
	AdjustedQuantity  decimal.Decimal `json:"adjusted_quantity"`
	State             TradingState    `json:"state"`
	Detail            string          `json:"detail,omitempty"`
}

// AuditKind is the event kind of an audit record
type AuditKind string

const (
	AuditRiskDecision      AuditKind = "risk-decision"
	AuditOrderSubmitted    AuditKind = "order-submitted"
	AuditOrderFilled       AuditKind = "order-filled"
	AuditOrderRejected     AuditKind = "order-rejected"
	AuditStateTransition   AuditKind = "state-transition"
	AuditOrderCancelled    AuditKind = "order-cancelled"
	AuditOrderError        AuditKind = "order-error"
	AuditReconciliation    AuditKind = "reconciliation"
	AuditPositionCorrected AuditKind = "position-corrected"
	AuditConfigReloaded    AuditKind = "config-reloaded"
	AuditOrderResolved     AuditKind = "order-resolved"
)

// AuditRecord is an append-only log entry. Never mutated after append.
type AuditRecord struct {
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Kind         AuditKind       `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	PrevChecksum string          `json:"prev_checksum"`
	Checksum     string          `json:"checksum"`
}

// StateTransition is the payload of a state-transition audit record
type StateTransition struct {
	From   TradingState `json:"from"`
	To     TradingState `json:"to"`
	Reason string       `json:"reason"`
	Actor  string       `json:"actor,omitempty"`
}

// FilledEvent is the payload of an order-filled audit record
type FilledEvent struct {
	Fill        Fill         `json:"fill"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// TransitionKind names one step of a position change
type TransitionKind string

const (
	TransitionOpen     TransitionKind = "open"
	TransitionIncrease TransitionKind = "increase"
	TransitionReduce   TransitionKind = "reduce"
	TransitionClose    TransitionKind = "close"
)

// Transition is one auditable step of applying a fill
type Transition struct {
	Kind        TransitionKind  `json:"kind"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// OrderStatus is the exchange-reported lifecycle status of an order
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsFinal reports whether no further fills can arrive
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderResult is an adapter's view of one order
type OrderResult struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Status        OrderStatus     `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	Fills         []Fill          `json:"fills,omitempty"`
}

// ExchangePosition is the exchange-reported position for reconciliation
type ExchangePosition struct {
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
}

// OutcomeStatus is the top-level result of an orchestrated order intent
type OutcomeStatus string

const (
	OutcomeApproved OutcomeStatus = "approved"
	OutcomeCapped   OutcomeStatus = "capped"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeError    OutcomeStatus = "error"
)

// Error kinds reported in OrderOutcome.ErrorKind besides exchange kinds
const (
	ErrorKindValidation   = "validation"
	ErrorKindAuditFailure = "audit_write_failure"
	ErrorKindInvariant    = "invariant_violation"
	ErrorKindCancelled    = "cancelled"
	ErrorKindInternal     = "internal"
)

// OrderOutcome is the structured result handed back to the strategy collaborator
type OrderOutcome struct {
	Status    OutcomeStatus   `json:"status"`
	Request   OrderRequest    `json:"request"`
	Decision  RiskCheckResult `json:"decision"`
	Fills     []Fill          `json:"fills,omitempty"`
	Position  Position        `json:"position"`
	Reasons   []string        `json:"reasons,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Err       error           `json:"-"`
}

// Submitted reports whether fills were obtained from the exchange
func (o OrderOutcome) Submitted() bool {
	return o.Status == OutcomeApproved || o.Status == OutcomeCapped
}

// Checkpoint is a collaborator-persisted ledger snapshot taken at an audit sequence.
// Rebuild replays only records after AuditSequence on top of it.
type Checkpoint struct {
	AuditSequence uint64              `json:"audit_sequence"`
	Positions     map[string]Position `json:"positions"`
	State         TradingState        `json:"state"`
	// Pending holds unresolved orders with Quantity set to the unfilled remainder
	Pending []OrderRequest `json:"pending,omitempty"`
}

// PositionCorrection is the payload of a position-corrected audit record
type PositionCorrection struct {
	Symbol string   `json:"symbol"`
	Before Position `json:"before"`
	After  Position `json:"after"`
	Actor  string   `json:"actor"`
	Reason string   `json:"reason"`
}

// OrderErrorEvent is the payload of an order-error audit record
type OrderErrorEvent struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Op            string `json:"op"`
	Kind          string `json:"kind"`
	Code          int64  `json:"code,omitempty"`
	Message       string `json:"message"`
	Local         bool   `json:"local"`
	Attempts      int    `json:"attempts,omitempty"`
}

// CancelEvent is the payload of an order-cancelled audit record
type CancelEvent struct {
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Status        OrderStatus `json:"status"`
	ExecutedQty   string      `json:"executed_qty"`
}

// OrderRejectedEvent is the payload of an order-rejected audit record: an intent
// refused before it reached the risk gate or the exchange
type OrderRejectedEvent struct {
	ClientOrderID string   `json:"client_order_id"`
	Symbol        string   `json:"symbol"`
	Stage         string   `json:"stage"`
	Reasons       []string `json:"reasons"`
	Detail        string   `json:"detail,omitempty"`
}

// OrderResolvedEvent is the payload of an order-resolved audit record. It closes
// out an order whose outcome was unknown or still open.
type OrderResolvedEvent struct {
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Found         bool        `json:"found"`
	Status        OrderStatus `json:"status,omitempty"`
	ExecutedQty   string      `json:"executed_qty"`
}
