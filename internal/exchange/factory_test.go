package exchange

import (
	"testing"

	"execution_core/internal/config"
	"execution_core/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdapter(t *testing.T) {
	logger := logging.NewNopLogger()

	cfg := config.DefaultConfig()
	adapter, err := NewAdapter(cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, "paper", adapter.GetName())
	assert.True(t, adapter.SupportsClientOrderIDDedup())

	cfg.App.CurrentExchange = "binance"
	cfg.Exchanges = map[string]config.ExchangeConfig{
		"binance": {APIKey: "k", SecretKey: "s", Testnet: true},
	}
	adapter, err = NewAdapter(cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, "binance", adapter.GetName())
	assert.False(t, adapter.SupportsClientOrderIDDedup())

	cfg.App.CurrentExchange = "kraken"
	_, err = NewAdapter(cfg, logger)
	assert.Error(t, err)
}
