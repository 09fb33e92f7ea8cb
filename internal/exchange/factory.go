package exchange

import (
	"fmt"
	"strings"

	"execution_core/internal/config"
	"execution_core/internal/core"
	"execution_core/internal/exchange/binance"
	"execution_core/internal/mock"

	"github.com/shopspring/decimal"
)

// NewAdapter creates the adapter selected by app.current_exchange
func NewAdapter(cfg *config.Config, logger core.ILogger) (core.IExchangeAdapter, error) {
	exchangeConfig, err := cfg.GetCurrentExchangeConfig()
	if err != nil {
		return nil, err
	}

	switch name := strings.ToLower(cfg.App.CurrentExchange); name {
	case "binance":
		logger.Info("Creating Binance futures adapter",
			"testnet", exchangeConfig.Testnet,
			"protective_orders", exchangeConfig.ProtectiveOrders)
		return binance.NewBinanceExchange(exchangeConfig, logger), nil
	case "paper":
		logger.Warn("Creating paper exchange; orders never leave the process")
		return mock.NewMockExchange(name, mock.WithFeeRate(decimal.NewFromFloat(exchangeConfig.FeeRate))), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.App.CurrentExchange)
	}
}
