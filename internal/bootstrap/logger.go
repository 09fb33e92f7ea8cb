package bootstrap

import (
	"execution_core/pkg/logging"
)

// InitLogger builds the zap logger from configuration and installs it globally
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	logger, err := logging.NewZapLoggerWithOptions(logging.Options{Level: cfg.System.LogLevel})
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
