package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTradingState    = "execution_core_trading_state"
	MetricPositionSize    = "execution_core_position_size"
	MetricRealizedPnL     = "execution_core_realized_pnl"
	MetricUnrealizedPnL   = "execution_core_unrealized_pnl"
	MetricAuditSequence   = "execution_core_audit_sequence"
	MetricPendingOrders   = "execution_core_pending_orders"
	MetricRiskDecisions   = "execution_core_risk_decisions_total"
	MetricExchangeCalls   = "execution_core_exchange_calls_total"
	MetricExchangeErrors  = "execution_core_exchange_errors_total"
	MetricExchangeLatency = "execution_core_exchange_latency_ms"
	MetricLimiterRejected = "execution_core_rate_limiter_rejected_total"
	MetricAuditRecords    = "execution_core_audit_records_total"
	MetricDivergences     = "execution_core_reconciliation_divergences_total"
	MetricOrderOutcomes   = "execution_core_order_outcomes_total"
)

// MetricsHolder backs observable gauges with plain maps so setters work before Setup
type MetricsHolder struct {
	TradingState  metric.Int64ObservableGauge
	PositionSize  metric.Float64ObservableGauge
	RealizedPnL   metric.Float64ObservableGauge
	UnrealizedPnL metric.Float64ObservableGauge
	AuditSequence metric.Int64ObservableGauge
	PendingOrders metric.Int64ObservableGauge

	mu               sync.RWMutex
	tradingState     int64
	auditSequence    int64
	pendingOrders    int64
	positionSizeMap  map[string]float64
	realizedPnLMap   map[string]float64
	unrealizedPnLMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionSizeMap:  make(map[string]float64),
			realizedPnLMap:   make(map[string]float64),
			unrealizedPnLMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

func (m *MetricsHolder) observeSymbolMap(values map[string]float64) metric.Float64Callback {
	return func(ctx context.Context, obs metric.Float64Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for sym, val := range values {
			obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
		}
		return nil
	}
}

func (m *MetricsHolder) observeScalar(read func() int64) metric.Int64Callback {
	return func(ctx context.Context, obs metric.Int64Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		obs.Observe(read())
		return nil
	}
}

// InitMetrics registers the observable instruments on meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TradingState, err = meter.Int64ObservableGauge(MetricTradingState,
		metric.WithDescription("Trading state (0=ACTIVE, 1=REDUCED_RISK, 2=HALTED)"),
		metric.WithInt64Callback(m.observeScalar(func() int64 { return m.tradingState })))
	if err != nil {
		return err
	}

	m.AuditSequence, err = meter.Int64ObservableGauge(MetricAuditSequence,
		metric.WithDescription("Last committed audit sequence number"),
		metric.WithInt64Callback(m.observeScalar(func() int64 { return m.auditSequence })))
	if err != nil {
		return err
	}

	m.PendingOrders, err = meter.Int64ObservableGauge(MetricPendingOrders,
		metric.WithDescription("Orders awaiting reconciliation after a timeout"),
		metric.WithInt64Callback(m.observeScalar(func() int64 { return m.pendingOrders })))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize,
		metric.WithDescription("Signed net position quantity"),
		metric.WithFloat64Callback(m.observeSymbolMap(m.positionSizeMap)))
	if err != nil {
		return err
	}

	m.RealizedPnL, err = meter.Float64ObservableGauge(MetricRealizedPnL,
		metric.WithDescription("Realized PnL accumulator"),
		metric.WithFloat64Callback(m.observeSymbolMap(m.realizedPnLMap)))
	if err != nil {
		return err
	}

	m.UnrealizedPnL, err = meter.Float64ObservableGauge(MetricUnrealizedPnL,
		metric.WithDescription("Unrealized PnL at the latest mark"),
		metric.WithFloat64Callback(m.observeSymbolMap(m.unrealizedPnLMap)))
	return err
}

func (m *MetricsHolder) SetTradingState(state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradingState = state
}

func (m *MetricsHolder) SetAuditSequence(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSequence = int64(seq)
}

func (m *MetricsHolder) SetPendingOrders(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingOrders = int64(n)
}

// SetPosition records size and PnL for a symbol
func (m *MetricsHolder) SetPosition(symbol string, size, realized float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
	m.realizedPnLMap[symbol] = realized
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) GetTradingState() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tradingState
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.positionSizeMap))
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}
