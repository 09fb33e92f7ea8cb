package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"execution_core/internal/config"
	"execution_core/internal/exchange"
	"execution_core/internal/ratelimit"
	"execution_core/internal/trading/position"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig loads, validates and pre-flight checks a config file
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Audit.Sink != "sqlite" {
		return nil
	}

	dir := filepath.Dir(cfg.Audit.Path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("audit directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("audit directory %s is not a directory", dir)
	}

	// The audit log is the ledger's source of truth; others must not be able to rewrite it.
	info, err = os.Stat(cfg.Audit.Path)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return err
	}
	if mode := info.Mode().Perm(); mode&0022 != 0 {
		return fmt.Errorf("insecure permissions on audit log %s: %04o (should not be group or world writable)", cfg.Audit.Path, mode)
	}
	return nil
}

func precisionTable(cfg *Config) *position.Precision {
	symbols := make(map[string]position.SymbolPrecision, len(cfg.Precision))
	for symbol, p := range cfg.Precision {
		symbols[symbol] = position.SymbolPrecision{PriceDecimals: p.PriceDecimals, QtyDecimals: p.QuantityDecimals}
	}
	return position.NewPrecision(symbols)
}

func limiterConfig(cfg *Config) ratelimit.Config {
	return ratelimit.Config{
		Name:            cfg.App.CurrentExchange,
		Capacity:        cfg.RateLimit.Capacity,
		RefillPerSecond: cfg.RateLimit.RefillPerSecond,
	}
}

func clientConfig(cfg *Config) exchange.ClientConfig {
	return exchange.ClientConfig{
		Weights: exchange.Weights{
			Submit: cfg.RateLimit.SubmitWeight,
			Cancel: cfg.RateLimit.CancelWeight,
			Query:  cfg.RateLimit.QueryWeight,
		},
		Timeouts: exchange.Timeouts{
			Acquire: cfg.RateLimit.AcquireTimeout,
			Submit:  cfg.Timeouts.Submit,
			Cancel:  cfg.Timeouts.Cancel,
			Query:   cfg.Timeouts.Query,
		},
		Retry: exchange.RetryConfig{
			MaxRetries: cfg.RateLimit.MaxRetries,
			Backoff:    cfg.RateLimit.RetryBackoff,
			MaxBackoff: cfg.RateLimit.MaxRetryBackoff,
		},
	}
}
