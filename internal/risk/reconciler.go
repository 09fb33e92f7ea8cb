package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"execution_core/internal/core"
	"execution_core/pkg/concurrency"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ReconcileLedger is the part of the position tracker reconciliation needs
type ReconcileLedger interface {
	Get(symbol string) core.Position
	HasSeen(fill core.Fill) bool
	Correct(symbol string, qty, avgEntry decimal.Decimal, commit func(before, after core.Position) error) (core.Position, error)
}

// PendingResolver settles orders left ambiguous by a timeout
type PendingResolver interface {
	ResolvePending(ctx context.Context) (int, error)
}

// SymbolReport is the reconciliation outcome for one symbol
type SymbolReport struct {
	Symbol           string          `json:"symbol"`
	LocalQuantity    decimal.Decimal `json:"local_quantity"`
	ExchangeQuantity decimal.Decimal `json:"exchange_quantity"`
	Divergence       decimal.Decimal `json:"divergence"`
	UnseenFills      int             `json:"unseen_fills"`
	Match            bool            `json:"match"`
	Error            string          `json:"error,omitempty"`
}

// Report is the payload of a reconciliation audit record
type Report struct {
	RunID       string         `json:"run_id"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Resolved    int            `json:"resolved_pending"`
	Symbols     []SymbolReport `json:"symbols"`
}

// Diverged lists the symbols whose positions disagree
func (r Report) Diverged() []SymbolReport {
	var out []SymbolReport
	for _, s := range r.Symbols {
		if !s.Match && s.Error == "" {
			out = append(out, s)
		}
	}
	return out
}

// ReconcilerConfig controls the reconciliation loop
type ReconcilerConfig struct {
	Symbols      []string
	Interval     time.Duration
	Timeout      time.Duration
	FillLookback time.Duration
}

// Reconciler compares the ledger against exchange-reported positions.
// Divergence is reported, never corrected automatically; see ApplyCorrection.
type Reconciler struct {
	exchange core.IExchangeClient
	ledger   ReconcileLedger
	audit    core.IAuditRecorder
	pool     *concurrency.WorkerPool
	resolver PendingResolver
	cfg      ReconcilerConfig
	logger   core.ILogger

	mu sync.Mutex // one pass at a time

	statusMu   sync.RWMutex
	lastReport Report

	listenerMu sync.RWMutex
	listeners  []func(Report)

	divergences metric.Int64Counter
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReconciler(
	exchange core.IExchangeClient,
	ledger ReconcileLedger,
	audit core.IAuditRecorder,
	pool *concurrency.WorkerPool,
	cfg ReconcilerConfig,
	logger core.ILogger,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FillLookback <= 0 {
		cfg.FillLookback = time.Hour
	}
	divergences, _ := telemetry.GetMeter("risk").Int64Counter(telemetry.MetricDivergences,
		metric.WithDescription("Reconciliation passes that found a position mismatch"))

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		exchange:    exchange,
		ledger:      ledger,
		audit:       audit,
		pool:        pool,
		cfg:         cfg,
		logger:      logger.WithField("component", "reconciler"),
		lastReport:  Report{Status: "never_run"},
		divergences: divergences,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetResolver installs the pending-order resolver run at the start of each pass
func (r *Reconciler) SetResolver(resolver PendingResolver) {
	r.resolver = resolver
}

// OnReport registers fn to run after every completed pass
func (r *Reconciler) OnReport(fn func(Report)) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.cfg.Interval, "symbols", r.cfg.Symbols)
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Stop stops the reconciler
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation failed", "error", err)
			}
			cancel()
		}
	}
}

// Reconcile runs one pass over every configured symbol
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{
		RunID:     uuid.NewString(),
		Status:    "running",
		StartedAt: r.now().UTC(),
	}
	r.setStatus(report)

	var passErrs []error
	if r.resolver != nil {
		resolved, err := r.resolver.ResolvePending(ctx)
		report.Resolved = resolved
		if err != nil {
			passErrs = append(passErrs, fmt.Errorf("resolve pending: %w", err))
		}
	}

	var (
		resultsMu sync.Mutex
		results   = make([]SymbolReport, 0, len(r.cfg.Symbols))
	)
	since := r.now().Add(-r.cfg.FillLookback)
	tasks := make([]func(context.Context) error, 0, len(r.cfg.Symbols))
	for _, symbol := range r.cfg.Symbols {
		symbol := symbol
		tasks = append(tasks, func(ctx context.Context) error {
			sr := r.reconcileSymbol(ctx, symbol, since)
			resultsMu.Lock()
			results = append(results, sr)
			resultsMu.Unlock()
			return nil
		})
	}
	_ = r.pool.Fanout(ctx, tasks...)

	sort.Slice(results, func(i, j int) bool { return results[i].Symbol < results[j].Symbol })
	report.Symbols = results
	report.CompletedAt = r.now().UTC()
	report.Status = "completed"
	for _, sr := range results {
		if sr.Error != "" {
			report.Status = "partial"
			passErrs = append(passErrs, fmt.Errorf("%s: %s", sr.Symbol, sr.Error))
		}
	}

	if _, err := r.audit.Record(ctx, core.AuditReconciliation, report); err != nil {
		passErrs = append(passErrs, err)
	}
	r.setStatus(report)

	diverged := report.Diverged()
	for _, sr := range diverged {
		r.divergences.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", sr.Symbol)))
		r.logger.Error("Position divergence detected",
			"run_id", report.RunID,
			"symbol", sr.Symbol,
			"local", sr.LocalQuantity.String(),
			"exchange", sr.ExchangeQuantity.String(),
			"unseen_fills", sr.UnseenFills)
	}
	r.logger.Info("Reconciliation pass completed", "run_id", report.RunID, "symbols", len(results), "diverged", len(diverged))

	r.listenerMu.RLock()
	listeners := append([]func(Report){}, r.listeners...)
	r.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(report)
	}

	return report, errors.Join(passErrs...)
}

func (r *Reconciler) reconcileSymbol(ctx context.Context, symbol string, since time.Time) SymbolReport {
	sr := SymbolReport{Symbol: symbol}

	exPos, err := r.exchange.QueryPosition(ctx, symbol)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	local := r.ledger.Get(symbol)
	sr.LocalQuantity = local.Quantity
	sr.ExchangeQuantity = exPos.Quantity
	sr.Divergence = exPos.Quantity.Sub(local.Quantity)
	sr.Match = sr.Divergence.IsZero()

	fills, err := r.exchange.QueryFills(ctx, symbol, since)
	if err != nil {
		r.logger.Warn("Fill history unavailable", "symbol", symbol, "error", err)
		return sr
	}
	for _, f := range fills {
		if !r.ledger.HasSeen(f) {
			sr.UnseenFills++
		}
	}
	return sr
}

// ApplyCorrection overwrites the local position with the exchange's view. It is
// an explicit operator action and is audited with the actor before taking effect.
func (r *Reconciler) ApplyCorrection(ctx context.Context, symbol, actor, reason string) (core.Position, error) {
	if actor == "" {
		return core.Position{}, apperrors.NewValidationError("actor", "correction requires an actor")
	}
	exPos, err := r.exchange.QueryPosition(ctx, symbol)
	if err != nil {
		return core.Position{}, fmt.Errorf("query exchange position: %w", err)
	}

	return r.ledger.Correct(symbol, exPos.Quantity, exPos.EntryPrice, func(before, after core.Position) error {
		_, err := r.audit.Record(ctx, core.AuditPositionCorrected, core.PositionCorrection{
			Symbol: symbol,
			Before: before,
			After:  after,
			Actor:  actor,
			Reason: reason,
		})
		return err
	})
}

// Status returns the most recent report
func (r *Reconciler) Status() Report {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastReport
}

func (r *Reconciler) setStatus(report Report) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.lastReport = report
}
