// Package bootstrap wires the execution core from configuration and runs it
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution_core/internal/alert"
	"execution_core/internal/audit"
	"execution_core/internal/config"
	"execution_core/internal/core"
	"execution_core/internal/exchange"
	"execution_core/internal/infrastructure/health"
	"execution_core/internal/infrastructure/metrics"
	"execution_core/internal/infrastructure/server"
	"execution_core/internal/ratelimit"
	"execution_core/internal/risk"
	"execution_core/internal/trading/orchestrator"
	"execution_core/internal/trading/position"
	"execution_core/pkg/concurrency"
	apphttp "execution_core/pkg/http"
	"execution_core/pkg/liveserver"
	"execution_core/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// Runner is a component that runs until its context is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// App holds the wired execution core
type App struct {
	Cfg          *Config
	Logger       core.ILogger
	Audit        *audit.Logger
	Tracker      *position.Tracker
	Risk         *risk.Manager
	Limiter      *ratelimit.Limiter
	Client       *exchange.Client
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *risk.Reconciler
	Alerts       *alert.AlertManager
	Health       *health.HealthManager

	pool       *concurrency.WorkerPool
	grpc       *server.GRPCHealth
	http       *server.HealthServer
	feed       *liveserver.Server
	telemetry  *telemetry.Telemetry
	configPath string
}

// Option customises New
type Option func(*options)

type options struct {
	adapter    core.IExchangeAdapter
	configPath string
	telemetry  *telemetry.Telemetry
}

// WithAdapter replaces the configured exchange adapter
func WithAdapter(adapter core.IExchangeAdapter) Option {
	return func(o *options) { o.adapter = adapter }
}

// WithConfigPath enables SIGHUP reloads from path
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithTelemetry hands ownership of installed providers to the App
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// NewApp loads configPath and wires every component
func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var tel *telemetry.Telemetry
	if cfg.Telemetry.EnableMetrics {
		if tel, err = telemetry.Setup(cfg.Telemetry.ServiceName); err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	app, err := New(ctx, cfg, logger, WithConfigPath(configPath), WithTelemetry(tel))
	if err != nil && tel != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
	}
	return app, err
}

// New wires the execution core around cfg
func New(ctx context.Context, cfg *Config, logger core.ILogger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sink, err := openSink(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit sink: %w", err)
	}
	auditLog, err := audit.NewLogger(ctx, sink, logger)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("audit: %w", err)
	}

	precision := precisionTable(cfg)
	tracker := position.NewTracker(precision, logger)

	riskCfg, err := cfg.Risk.ToCore()
	if err != nil {
		_ = auditLog.Close()
		return nil, err
	}
	manager, err := risk.NewManager(ctx, *riskCfg, tracker, precision, auditLog, logger)
	if err != nil {
		_ = auditLog.Close()
		return nil, fmt.Errorf("risk: %w", err)
	}

	adapter := o.adapter
	if adapter == nil {
		if adapter, err = exchange.NewAdapter(cfg, logger); err != nil {
			_ = auditLog.Close()
			return nil, err
		}
	}
	limiter, err := ratelimit.NewLimiter(limiterConfig(cfg), logger)
	if err != nil {
		_ = auditLog.Close()
		return nil, err
	}
	client := exchange.NewClient(adapter, limiter, auditLog, clientConfig(cfg), logger)
	orch := orchestrator.NewOrchestrator(client, manager, tracker, precision, auditLog, logger)

	symbols := cfg.Symbols()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "reconcile",
		MaxWorkers:  cfg.Reconcile.Workers,
		MaxCapacity: 2 * len(symbols),
	}, logger)
	reconciler := risk.NewReconciler(client, tracker, auditLog, pool, risk.ReconcilerConfig{
		Symbols:      symbols,
		Interval:     cfg.Reconcile.Interval,
		Timeout:      cfg.Reconcile.Timeout,
		FillLookback: cfg.Reconcile.FillLookback,
	}, logger)
	reconciler.SetResolver(orch)

	alerts := alert.NewAlertManager(cfg.Alert.Timeout, logger)
	if url := cfg.Alert.SlackWebhookURL.Reveal(); url != "" {
		httpOpts := apphttp.DefaultOptions()
		httpOpts.Timeout = cfg.Alert.Timeout
		webhook := apphttp.NewClient(httpOpts)
		alerts.AddChannel(alert.NewSlackChannel(url, cfg.Alert.SlackChannel, webhook))
	}

	a := &App{
		Cfg:          cfg,
		Logger:       logger.WithField("component", "app"),
		Audit:        auditLog,
		Tracker:      tracker,
		Risk:         manager,
		Limiter:      limiter,
		Client:       client,
		Orchestrator: orch,
		Reconciler:   reconciler,
		Alerts:       alerts,
		Health:       health.NewHealthManager(logger),
		pool:         pool,
		telemetry:    o.telemetry,
		configPath:   o.configPath,
	}

	a.grpc = server.NewGRPCHealth(fmt.Sprintf(":%d", cfg.Server.GRPCPort), logger)
	a.http = server.NewHealthServer(fmt.Sprintf(":%d", cfg.Server.HTTPPort), a.Health, a.Status, logger)
	a.feed = liveserver.NewServer(liveserver.NewHub(logger), auditLog, liveserver.Options{
		Addr:      fmt.Sprintf(":%d", cfg.Server.FeedPort),
		RateLimit: cfg.Server.FeedRateLimit,
		RateBurst: cfg.Server.FeedBurst,
	}, logger)

	a.wire(ctx)
	return a, nil
}

func openSink(ctx context.Context, cfg *Config) (core.IAuditSink, error) {
	switch cfg.Audit.Sink {
	case "sqlite":
		sink, err := audit.NewSQLiteSink(ctx, cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "memory":
		return audit.NewMemorySink(), nil
	default:
		return nil, fmt.Errorf("unsupported audit sink %q", cfg.Audit.Sink)
	}
}

func (a *App) wire(ctx context.Context) {
	a.Risk.OnTransition(a.Alerts.OnTransition(ctx))
	a.Risk.OnTransition(a.grpc.OnTransition)
	a.Risk.OnTransition(a.feed.PublishTransition)
	a.Audit.Subscribe(a.feed.Publish)
	a.Reconciler.OnReport(a.Alerts.OnReconciliation(ctx))

	a.Health.Register("audit", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return a.Audit.Ping(pingCtx)
	})
	a.Health.Register("trading_state", func() error {
		if state := a.Risk.State(); state == core.StateHalted {
			return fmt.Errorf("trading is %s", state)
		}
		return nil
	})
	a.Health.Register("reconciliation", func() error {
		if diverged := a.Reconciler.Status().Diverged(); len(diverged) > 0 {
			return fmt.Errorf("%d symbols diverge from the exchange", len(diverged))
		}
		return nil
	})
}

// Status snapshots the core for /status
func (a *App) Status() server.Status {
	report := a.Reconciler.Status()
	return server.Status{
		Time:           time.Now().UTC(),
		TradingState:   a.Risk.State().String(),
		AuditSequence:  a.Audit.LastSequence(),
		Positions:      a.Tracker.Snapshot(),
		Pending:        a.Orchestrator.PendingOrders(),
		Reconciliation: &report,
	}
}

// Start rebuilds the ledger from the audit log. Run calls it first.
func (a *App) Start(ctx context.Context) error {
	stats, err := a.Orchestrator.Rebuild(ctx, nil)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	state := a.Risk.State()
	a.grpc.SetTradingState(state)
	if state != core.StateActive {
		a.Alerts.Alert(ctx, "Restarted in "+state.String(), "trading state restored from the audit log", alert.Warning,
			map[string]string{"last_sequence": fmt.Sprint(stats.LastSequence)})
	}
	if stats.Pending > 0 {
		a.Logger.Warn("Unresolved orders recovered; reconciliation will settle them", "pending", stats.Pending)
	}
	return nil
}

// Run starts the ledger and every runner, and blocks until SIGINT, SIGTERM or a runner fails
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting execution core",
		"exchange", a.Cfg.App.CurrentExchange,
		"state", a.Risk.State().String(),
		"audit_sequence", a.Audit.LastSequence())

	for _, r := range a.runners() {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Execution core stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Execution core shut down gracefully")
	return nil
}

func (a *App) runners() []Runner {
	runners := []Runner{
		a.http,
		a.grpc,
		a.feed,
		RunnerFunc(a.watchDailyLoss),
		RunnerFunc(a.watchReload),
	}
	if a.Cfg.Telemetry.EnableMetrics && a.Cfg.Telemetry.MetricsPort > 0 {
		runners = append(runners, metrics.NewServer(a.Cfg.Telemetry.MetricsPort, a.Logger))
	}
	if a.Cfg.Reconcile.Enabled {
		runners = append(runners, RunnerFunc(func(ctx context.Context) error {
			if err := a.Reconciler.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return a.Reconciler.Stop()
		}))
	}
	return runners
}

// watchDailyLoss re-evaluates the daily loss so a day roll or stale marks still escalate
func (a *App) watchDailyLoss(ctx context.Context) error {
	interval := a.Cfg.Risk.CheckInterval
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Risk.CheckDailyLoss(ctx); err != nil {
				a.Logger.Error("Daily loss check failed", "error", err)
			}
		}
	}
}

func (a *App) watchReload(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := a.Reload(ctx); err != nil {
				a.Logger.Error("Risk config reload rejected", "error", err)
				a.Alerts.Alert(ctx, "Risk config reload rejected", err.Error(), alert.Error, nil)
			}
		}
	}
}

// Reload re-reads the config file and installs its risk section.
// Other sections take effect on restart.
func (a *App) Reload(ctx context.Context) error {
	if a.configPath == "" {
		return errors.New("no config file to reload from")
	}
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	riskCfg, err := cfg.Risk.ToCore()
	if err != nil {
		return err
	}
	if err := risk.ValidateConfig(*riskCfg); err != nil {
		return err
	}
	if err := a.Orchestrator.ReloadRiskConfig(ctx, *riskCfg); err != nil {
		return err
	}
	a.Cfg.Risk = cfg.Risk
	return nil
}

// VerifyAudit checks the audit checksum chain and returns the last verified sequence
func (a *App) VerifyAudit(ctx context.Context) (uint64, error) {
	return a.Audit.Verify(ctx)
}

// Close releases the pool, pending alerts, the audit sink and telemetry
func (a *App) Close() error {
	a.pool.Stop()
	a.Alerts.Wait()

	var errs []error
	if err := a.Audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit close: %w", err))
	}
	if a.telemetry != nil {
		timeout := a.Cfg.System.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
