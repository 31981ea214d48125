package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alejandrodnm/polycopy/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const traderA = "0xAbCdEf0000000000000000000000000000000001"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "traders:\n  - \""+traderA+"\"\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"0xabcdef0000000000000000000000000000000001"}, cfg.Traders)
	assert.Equal(t, "PERCENTAGE", cfg.Copy.Strategy)
	assert.InDelta(t, 10.0, cfg.Copy.CopySize, 1e-9)
	assert.InDelta(t, 100.0, cfg.Copy.MaxOrderUSD, 1e-9)
	assert.InDelta(t, 1.0, cfg.Copy.MinOrderUSD, 1e-9)
	assert.InDelta(t, 0.99, cfg.Copy.BalanceSafetyBuffer, 1e-9)
	assert.Equal(t, 3, cfg.Execution.RetryLimit)
	assert.Equal(t, 300, cfg.Aggregation.WindowSeconds)
	assert.Equal(t, "polycopy.db", cfg.Storage.DSN)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "traders:\n  - \""+traderA+"\"\n")

	t.Setenv("USER_ADDRESSES", `["0x00000000000000000000000000000000000000aa", "0x00000000000000000000000000000000000000bb"]`)
	t.Setenv("COPY_STRATEGY", "fixed")
	t.Setenv("COPY_SIZE", "25")
	t.Setenv("TRADE_AGGREGATION_ENABLED", "true")
	t.Setenv("TRADE_AGGREGATION_WINDOW_SECONDS", "60")
	t.Setenv("POLY_PRIVATE_KEY", "0xdeadbeef")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Len(t, cfg.Traders, 2)
	assert.Equal(t, "FIXED", cfg.Copy.Strategy)
	assert.InDelta(t, 25.0, cfg.Copy.CopySize, 1e-9)
	assert.True(t, cfg.Aggregation.Enabled)
	assert.Equal(t, 60, cfg.Aggregation.WindowSeconds)
	assert.Equal(t, "deadbeef", cfg.Wallet.PrivateKey)
}

func TestLoad_BadEnvNumber(t *testing.T) {
	path := writeConfig(t, "traders:\n  - \""+traderA+"\"\n")
	t.Setenv("RETRY_LIMIT", "three")

	_, err := config.Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "RETRY_LIMIT")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
traders: ["not-an-address"]
copy:
  strategy: MARTINGALE
  max_order_usd: 5
  min_order_usd: 10
execution:
  retry_limit: -1
`)

	_, err := config.Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)

	msg := err.Error()
	assert.Contains(t, msg, "not-an-address")
	assert.Contains(t, msg, "MARTINGALE")
	assert.Contains(t, msg, "max_order_usd")
	assert.Contains(t, msg, "retry_limit")
}

func TestValidate_NoTraders(t *testing.T) {
	path := writeConfig(t, "log:\n  level: debug\n")

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one counterparty")
}

func TestRequireTrading(t *testing.T) {
	cfg := &config.Config{}
	err := cfg.RequireTrading()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg.Wallet.PrivateKey = "ab"
	cfg.API.RPCURL = "http://localhost:8545"
	assert.NoError(t, cfg.RequireTrading())
}

func TestDurations(t *testing.T) {
	path := writeConfig(t, "traders:\n  - \""+traderA+"\"\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "5m0s", cfg.AggregationWindow().String())
	assert.Equal(t, "1s", cfg.PollInterval().String())
	assert.Equal(t, "24h0m0s", cfg.TooOld().String())
}
