// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"execution_core/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig                 `yaml:"app"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Precision map[string]SymbolConfig   `yaml:"precision"`
	Risk      RiskConfig                `yaml:"risk"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Timeouts  TimeoutConfig             `yaml:"timeouts"`
	Audit     AuditConfig               `yaml:"audit"`
	Reconcile ReconcileConfig           `yaml:"reconcile"`
	System    SystemConfig              `yaml:"system"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Server    ServerConfig              `yaml:"server"`
	Alert     AlertConfig               `yaml:"alert"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name            string `yaml:"name"`
	CurrentExchange string `yaml:"current_exchange"` // binance or paper
}

// ExchangeConfig contains exchange-specific configuration
type ExchangeConfig struct {
	APIKey           Secret  `yaml:"api_key"`
	SecretKey        Secret  `yaml:"secret_key"`
	BaseURL          string  `yaml:"base_url"` // Optional override for API URL
	Testnet          bool    `yaml:"testnet"`
	FeeRate          float64 `yaml:"fee_rate"`
	ProtectiveOrders bool    `yaml:"protective_orders"` // place reduce-only SL/TP after entry fills
}

// SymbolConfig is one row of the static precision table
type SymbolConfig struct {
	PriceDecimals    int32 `yaml:"price_decimals"`
	QuantityDecimals int32 `yaml:"quantity_decimals"`
}

// RiskConfig mirrors core.RiskConfig with decimals kept as strings until ToCore
type RiskConfig struct {
	MaxPosition        string            `yaml:"max_position"`
	PositionLimits     map[string]string `yaml:"position_limits"`
	MaxNotional        string            `yaml:"max_notional"`
	DailyLossWarning   string            `yaml:"daily_loss_warning"`
	MaxDailyLoss       string            `yaml:"max_daily_loss"`
	MaxOrdersPerWindow int               `yaml:"max_orders_per_window"`
	OrderRateWindow    time.Duration     `yaml:"order_rate_window"`
	MaxLeverage        string            `yaml:"max_leverage"`
	KillSwitch         bool              `yaml:"kill_switch"`
	ResetOperators     []string          `yaml:"reset_operators"`
	CheckInterval      time.Duration     `yaml:"check_interval"` // daily-loss evaluation cadence
}

// RateLimitConfig sizes the outbound token bucket and per-call weights
type RateLimitConfig struct {
	Capacity        int           `yaml:"capacity"`
	RefillPerSecond float64       `yaml:"refill_per_second"`
	SubmitWeight    int           `yaml:"submit_weight"`
	CancelWeight    int           `yaml:"cancel_weight"`
	QueryWeight     int           `yaml:"query_weight"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// TimeoutConfig bounds every network call
type TimeoutConfig struct {
	Submit time.Duration `yaml:"submit"`
	Cancel time.Duration `yaml:"cancel"`
	Query  time.Duration `yaml:"query"`
}

// AuditConfig selects the audit sink
type AuditConfig struct {
	Sink string `yaml:"sink"` // sqlite or memory
	Path string `yaml:"path"`
}

// ReconcileConfig drives the reconciliation loop
type ReconcileConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	FillLookback time.Duration `yaml:"fill_lookback"`
	Workers      int           `yaml:"workers"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name"`
	MetricsPort   int    `yaml:"metrics_port"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// ServerConfig exposes the ops surface
type ServerConfig struct {
	HTTPPort      int     `yaml:"http_port"`
	GRPCPort      int     `yaml:"grpc_port"`
	FeedPort      int     `yaml:"feed_port"`
	FeedRateLimit float64 `yaml:"feed_rate_limit"` // connections per second per IP
	FeedBurst     int     `yaml:"feed_burst"`
}

// AlertConfig configures alert channels
type AlertConfig struct {
	SlackWebhookURL Secret        `yaml:"slack_webhook_url"`
	SlackChannel    string        `yaml:"slack_channel"`
	Timeout         time.Duration `yaml:"timeout"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	defaultPrecision := config.Precision
	config.Precision = nil // a file's precision table replaces the defaults instead of merging
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(config.Precision) == 0 {
		config.Precision = defaultPrecision
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string
	add := func(err error) {
		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	add(c.validateAppConfig())
	add(c.validatePrecision())
	if _, err := c.Risk.ToCore(); err != nil {
		add(err)
	}
	add(c.validateRateLimit())
	add(c.validateTimeouts())
	add(c.validateAudit())
	add(c.validateSystemConfig())

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validExchanges := []string{"binance", "paper"}
	if !contains(validExchanges, c.App.CurrentExchange) {
		return ValidationError{
			Field:   "app.current_exchange",
			Value:   c.App.CurrentExchange,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
		}
	}
	if c.App.CurrentExchange == "paper" {
		return nil
	}

	exchange, exists := c.Exchanges[c.App.CurrentExchange]
	if !exists {
		return ValidationError{
			Field:   "app.current_exchange",
			Value:   c.App.CurrentExchange,
			Message: "exchange configuration not found in exchanges section",
		}
	}
	if exchange.APIKey == "" {
		return ValidationError{
			Field:   fmt.Sprintf("exchanges.%s.api_key", c.App.CurrentExchange),
			Message: "API key is required",
		}
	}
	if exchange.SecretKey == "" {
		return ValidationError{
			Field:   fmt.Sprintf("exchanges.%s.secret_key", c.App.CurrentExchange),
			Message: "secret key is required",
		}
	}
	return nil
}

func (c *Config) validatePrecision() error {
	if len(c.Precision) == 0 {
		return ValidationError{Field: "precision", Message: "at least one symbol must be configured"}
	}
	for symbol, p := range c.Precision {
		if p.PriceDecimals < 0 || p.QuantityDecimals < 0 {
			return ValidationError{
				Field:   fmt.Sprintf("precision.%s", symbol),
				Value:   p,
				Message: "decimals must not be negative",
			}
		}
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	rl := c.RateLimit
	if rl.Capacity <= 0 {
		return ValidationError{Field: "rate_limit.capacity", Value: rl.Capacity, Message: "must be positive"}
	}
	if rl.RefillPerSecond <= 0 {
		return ValidationError{Field: "rate_limit.refill_per_second", Value: rl.RefillPerSecond, Message: "must be positive"}
	}
	if rl.QueryWeight <= 0 || rl.CancelWeight < rl.QueryWeight || rl.SubmitWeight <= rl.CancelWeight {
		return ValidationError{
			Field:   "rate_limit.weights",
			Value:   fmt.Sprintf("submit=%d cancel=%d query=%d", rl.SubmitWeight, rl.CancelWeight, rl.QueryWeight),
			Message: "weights must satisfy submit > cancel >= query > 0",
		}
	}
	if rl.SubmitWeight > rl.Capacity {
		return ValidationError{Field: "rate_limit.submit_weight", Value: rl.SubmitWeight, Message: "must not exceed capacity"}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	for field, d := range map[string]time.Duration{
		"timeouts.submit":            c.Timeouts.Submit,
		"timeouts.cancel":            c.Timeouts.Cancel,
		"timeouts.query":             c.Timeouts.Query,
		"rate_limit.acquire_timeout": c.RateLimit.AcquireTimeout,
	} {
		if d <= 0 {
			return ValidationError{Field: field, Value: d, Message: "every network call needs a positive timeout"}
		}
	}
	return nil
}

func (c *Config) validateAudit() error {
	switch c.Audit.Sink {
	case "memory":
		return nil
	case "sqlite":
		if c.Audit.Path == "" {
			return ValidationError{Field: "audit.path", Message: "sqlite sink requires a path"}
		}
		return nil
	default:
		return ValidationError{Field: "audit.sink", Value: c.Audit.Sink, Message: "must be one of: sqlite, memory"}
	}
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// ToCore parses the risk section into the immutable core representation
func (r RiskConfig) ToCore() (*core.RiskConfig, error) {
	parse := func(field, value string, required bool) (decimal.Decimal, error) {
		if value == "" {
			if required {
				return decimal.Zero, ValidationError{Field: field, Message: "is required"}
			}
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, ValidationError{Field: field, Value: value, Message: "not a decimal"}
		}
		return d, nil
	}

	var (
		cfg core.RiskConfig
		err error
	)
	if cfg.MaxPosition, err = parse("risk.max_position", r.MaxPosition, true); err != nil {
		return nil, err
	}
	if cfg.MaxNotional, err = parse("risk.max_notional", r.MaxNotional, false); err != nil {
		return nil, err
	}
	if cfg.DailyLossWarning, err = parse("risk.daily_loss_warning", r.DailyLossWarning, false); err != nil {
		return nil, err
	}
	if cfg.MaxDailyLoss, err = parse("risk.max_daily_loss", r.MaxDailyLoss, false); err != nil {
		return nil, err
	}
	if cfg.MaxLeverage, err = parse("risk.max_leverage", r.MaxLeverage, false); err != nil {
		return nil, err
	}
	if len(r.PositionLimits) > 0 {
		cfg.PositionLimits = make(map[string]decimal.Decimal, len(r.PositionLimits))
		for symbol, value := range r.PositionLimits {
			if cfg.PositionLimits[symbol], err = parse("risk.position_limits."+symbol, value, true); err != nil {
				return nil, err
			}
		}
	}
	cfg.MaxOrdersPerWindow = r.MaxOrdersPerWindow
	cfg.OrderRateWindow = r.OrderRateWindow
	cfg.KillSwitch = r.KillSwitch
	cfg.ResetOperators = append([]string(nil), r.ResetOperators...)
	return &cfg, nil
}

// GetCurrentExchangeConfig returns the configuration for the currently selected exchange
func (c *Config) GetCurrentExchangeConfig() (*ExchangeConfig, error) {
	exchange, exists := c.Exchanges[c.App.CurrentExchange]
	if !exists {
		if c.App.CurrentExchange == "paper" {
			return &ExchangeConfig{}, nil
		}
		return nil, fmt.Errorf("exchange configuration not found for: %s", c.App.CurrentExchange)
	}
	return &exchange, nil
}

// Symbols returns the configured symbols in a stable order
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Precision))
	for symbol := range c.Precision {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// String returns a string representation of the configuration with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a paper-trading configuration usable without a file
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:            "execution_core",
			CurrentExchange: "paper",
		},
		Exchanges: map[string]ExchangeConfig{},
		Precision: map[string]SymbolConfig{
			"BTCUSDT": {PriceDecimals: 1, QuantityDecimals: 3},
			"ETHUSDT": {PriceDecimals: 2, QuantityDecimals: 3},
		},
		Risk: RiskConfig{
			MaxPosition:        "1",
			MaxNotional:        "50000",
			DailyLossWarning:   "500",
			MaxDailyLoss:       "1000",
			MaxOrdersPerWindow: 10,
			OrderRateWindow:    time.Minute,
			MaxLeverage:        "5",
			CheckInterval:      5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity:        1200,
			RefillPerSecond: 20,
			SubmitWeight:    5,
			CancelWeight:    1,
			QueryWeight:     1,
			AcquireTimeout:  2 * time.Second,
			MaxRetries:      3,
			RetryBackoff:    200 * time.Millisecond,
			MaxRetryBackoff: 2 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Submit: 5 * time.Second,
			Cancel: 3 * time.Second,
			Query:  3 * time.Second,
		},
		Audit: AuditConfig{
			Sink: "memory",
		},
		Reconcile: ReconcileConfig{
			Enabled:      true,
			Interval:     time.Minute,
			Timeout:      30 * time.Second,
			FillLookback: time.Hour,
			Workers:      4,
		},
		System: SystemConfig{
			LogLevel:        "INFO",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "execution_core",
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Server: ServerConfig{
			HTTPPort:      8080,
			GRPCPort:      50051,
			FeedPort:      8081,
			FeedRateLimit: 5,
			FeedBurst:     10,
		},
		Alert: AlertConfig{
			Timeout: 5 * time.Second,
		},
	}
}
