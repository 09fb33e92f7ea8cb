// Package mock provides the paper exchange used in paper mode and tests
package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Operation names for call counters and fault injection
const (
	OpPlace    = "place"
	OpQuery    = "query"
	OpCancel   = "cancel"
	OpPosition = "position"
	OpFills    = "fills"
)

// Fault scripts the outcome of one call
type Fault struct {
	Err error
	// Apply performs the operation before failing, like a response lost in flight
	Apply bool
	// Block holds the call until its context ends
	Block bool
}

// Option configures a MockExchange
type Option func(*MockExchange)

// WithFeeRate charges rate times notional on every fill
func WithFeeRate(rate decimal.Decimal) Option {
	return func(m *MockExchange) { m.feeRate = rate }
}

// WithPartialFills splits each execution into parts fills
func WithPartialFills(parts int) Option {
	return func(m *MockExchange) {
		if parts > 0 {
			m.fillParts = parts
		}
	}
}

// WithoutDedup makes a client order id reusable once its order is final, as on Binance
func WithoutDedup() Option {
	return func(m *MockExchange) { m.dedup = false }
}

// WithClock swaps the fill timestamp source
func WithClock(now func() time.Time) Option {
	return func(m *MockExchange) { m.now = now }
}

// MockExchange implements core.IExchangeAdapter in memory
type MockExchange struct {
	name           string
	mu             sync.Mutex
	orders         map[string]*core.OrderResult // by client order id
	requests       map[string]core.OrderRequest
	placedTotal    int
	orderIDCounter int64
	positions      map[string]*core.ExchangePosition
	fills          map[string][]core.Fill
	prices         map[string]decimal.Decimal
	feeRate        decimal.Decimal
	fillParts      int
	dedup          bool
	faults         map[string][]Fault
	calls          map[string]int
	now            func() time.Time
}

// NewMockExchange creates a paper exchange
func NewMockExchange(name string, opts ...Option) *MockExchange {
	m := &MockExchange{
		name:           name,
		orders:         make(map[string]*core.OrderResult),
		requests:       make(map[string]core.OrderRequest),
		orderIDCounter: 1000,
		positions:      make(map[string]*core.ExchangePosition),
		fills:          make(map[string][]core.Fill),
		prices:         make(map[string]decimal.Decimal),
		fillParts:      1,
		dedup:          true,
		faults:         make(map[string][]Fault),
		calls:          make(map[string]int),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockExchange) GetName() string {
	return m.name
}

func (m *MockExchange) SupportsClientOrderIDDedup() bool {
	return m.dedup
}

// SetPrice sets the price market orders execute at
func (m *MockExchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	if pos, ok := m.positions[symbol]; ok {
		pos.MarkPrice = price
	}
}

// SetPosition overwrites the exchange-side position, e.g. to simulate an external trade
func (m *MockExchange) SetPosition(symbol string, qty, entry decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = &core.ExchangePosition{Symbol: symbol, Quantity: qty, EntryPrice: entry, MarkPrice: m.prices[symbol]}
}

// InjectFault queues faults for the next calls of op
func (m *MockExchange) InjectFault(op string, faults ...Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], faults...)
}

// CallCount returns how many times op was invoked
func (m *MockExchange) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// OrderCount returns how many orders were accepted, including id reuse
func (m *MockExchange) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placedTotal
}

func (m *MockExchange) begin(op string) (Fault, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	queue := m.faults[op]
	if len(queue) == 0 {
		return Fault{}, false
	}
	m.faults[op] = queue[1:]
	return queue[0], true
}

func raise(ctx context.Context, f Fault) error {
	if f.Block {
		<-ctx.Done()
		if f.Err != nil {
			return f.Err
		}
		return ctx.Err()
	}
	return f.Err
}

// PlaceOrder places an order into the paper exchange
func (m *MockExchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	fault, faulted := m.begin(OpPlace)
	if faulted && !fault.Apply {
		return nil, raise(ctx, fault)
	}

	res, err := m.place(req)
	if faulted {
		return nil, raise(ctx, fault)
	}
	return res, err
}

func (m *MockExchange) place(req core.OrderRequest) (*core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotency: if client_order_id already exists, return existing order
	if existing, ok := m.orders[req.ClientOrderID]; ok {
		if m.dedup {
			return cloneResult(existing), nil
		}
		if !existing.Status.IsFinal() {
			return nil, &apperrors.ExchangeError{
				Kind:    apperrors.KindRejected,
				Op:      OpPlace,
				Message: "duplicate client order id",
				Err:     apperrors.ErrDuplicateOrder,
			}
		}
	}

	m.orderIDCounter++
	m.placedTotal++
	res := &core.OrderResult{
		OrderID:       strconv.FormatInt(m.orderIDCounter, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        core.OrderStatusNew,
		ExecutedQty:   decimal.Zero,
	}
	m.orders[req.ClientOrderID] = res
	m.requests[req.ClientOrderID] = req

	market, hasMarket := m.prices[req.Symbol]
	switch req.Kind {
	case core.KindMarket:
		price := req.Price
		if hasMarket {
			price = market
		}
		m.executeLocked(res, req, price)
	case core.KindLimit:
		if hasMarket && marketable(req, market) {
			m.executeLocked(res, req, req.Price)
		}
	}
	return cloneResult(res), nil
}

func marketable(req core.OrderRequest, market decimal.Decimal) bool {
	if req.Side == core.SideLong {
		return market.LessThanOrEqual(req.Price)
	}
	return market.GreaterThanOrEqual(req.Price)
}

// executeLocked fills the order's remaining quantity at price
func (m *MockExchange) executeLocked(res *core.OrderResult, req core.OrderRequest, price decimal.Decimal) {
	remaining := req.Quantity.Sub(res.ExecutedQty)
	if !remaining.IsPositive() {
		return
	}

	parts := splitQuantity(remaining, m.fillParts)
	for _, part := range parts {
		signed := part.Mul(req.Side.Sign())
		fill := core.Fill{
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Symbol:        req.Symbol,
			Sequence:      int64(len(res.Fills) + 1),
			Quantity:      signed,
			Price:         price,
			Fee:           part.Mul(price).Mul(m.feeRate),
			Timestamp:     m.now().UTC(),
		}
		res.Fills = append(res.Fills, fill)
		m.fills[req.Symbol] = append(m.fills[req.Symbol], fill)
		m.applyLocked(req.Symbol, signed, price)
	}
	res.ExecutedQty = req.Quantity
	res.Status = core.OrderStatusFilled
}

// splitQuantity splits qty into n parts at qty's own precision
func splitQuantity(qty decimal.Decimal, n int) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{qty}
	}
	places := int32(0)
	if exp := qty.Exponent(); exp < 0 {
		places = -exp
	}
	part := qty.Div(decimal.NewFromInt(int64(n))).Truncate(places)
	if part.IsZero() {
		return []decimal.Decimal{qty}
	}
	out := make([]decimal.Decimal, 0, n)
	sum := decimal.Zero
	for i := 0; i < n-1; i++ {
		out = append(out, part)
		sum = sum.Add(part)
	}
	return append(out, qty.Sub(sum))
}

func (m *MockExchange) applyLocked(symbol string, signed, price decimal.Decimal) {
	pos, ok := m.positions[symbol]
	if !ok {
		pos = &core.ExchangePosition{Symbol: symbol}
		m.positions[symbol] = pos
	}
	q0 := pos.Quantity
	q1 := q0.Add(signed)
	switch {
	case q1.IsZero():
		pos.EntryPrice = decimal.Zero
	case q0.IsZero() || q0.Sign() != q1.Sign():
		pos.EntryPrice = price
	case q0.Sign() == signed.Sign():
		pos.EntryPrice = tradingutils.WeightedAverage(pos.EntryPrice, q0.Abs(), price, signed.Abs())
	}
	pos.Quantity = q1
	pos.MarkPrice = price
}

// FillOrder executes a resting order at price
func (m *MockExchange) FillOrder(clientOrderID string, price decimal.Decimal) (*core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.orders[clientOrderID]
	if !ok {
		return nil, notFound(OpQuery, clientOrderID)
	}
	if res.Status.IsFinal() {
		return cloneResult(res), nil
	}
	m.executeLocked(res, m.requests[clientOrderID], price)
	return cloneResult(res), nil
}

func (m *MockExchange) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	if fault, faulted := m.begin(OpQuery); faulted {
		return nil, raise(ctx, fault)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.orders[clientOrderID]
	if !ok || res.Symbol != symbol {
		return nil, notFound(OpQuery, clientOrderID)
	}
	return cloneResult(res), nil
}

// CancelOrder cancels a resting order. A final order is returned unchanged.
func (m *MockExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*core.OrderResult, error) {
	fault, faulted := m.begin(OpCancel)
	if faulted && !fault.Apply {
		return nil, raise(ctx, fault)
	}

	m.mu.Lock()
	res, ok := m.orders[clientOrderID]
	if ok && res.Symbol == symbol && !res.Status.IsFinal() {
		res.Status = core.OrderStatusCanceled
	}
	var out *core.OrderResult
	if ok && res.Symbol == symbol {
		out = cloneResult(res)
	}
	m.mu.Unlock()

	if faulted {
		return nil, raise(ctx, fault)
	}
	if out == nil {
		return nil, notFound(OpCancel, clientOrderID)
	}
	return out, nil
}

func (m *MockExchange) QueryPosition(ctx context.Context, symbol string) (*core.ExchangePosition, error) {
	if fault, faulted := m.begin(OpPosition); faulted {
		return nil, raise(ctx, fault)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.positions[symbol]; ok {
		cp := *pos
		return &cp, nil
	}
	return &core.ExchangePosition{Symbol: symbol, MarkPrice: m.prices[symbol]}, nil
}

func (m *MockExchange) QueryFills(ctx context.Context, symbol string, since time.Time) ([]core.Fill, error) {
	if fault, faulted := m.begin(OpFills); faulted {
		return nil, raise(ctx, fault)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Fill
	for _, f := range m.fills[symbol] {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func notFound(op, clientOrderID string) error {
	return &apperrors.ExchangeError{
		Kind:    apperrors.KindRejected,
		Op:      op,
		Message: "unknown client order id " + clientOrderID,
		Err:     apperrors.ErrOrderNotFound,
	}
}

func cloneResult(r *core.OrderResult) *core.OrderResult {
	cp := *r
	cp.Fills = append([]core.Fill(nil), r.Fills...)
	return &cp
}
