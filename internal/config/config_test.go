package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Withdrawal.LargeThreshold.LessThan(cfg.Withdrawal.HighRiskThreshold))
	assert.Equal(t, 5, cfg.Withdrawal.MaxAttempts)
	assert.Equal(t, 6, cfg.Withdrawal.CodeLength)
	assert.Equal(t, "alpaca", cfg.Quotes.Provider)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("BROKERAGE_LOG_LEVEL", "debug")
	t.Setenv("BROKERAGE_SERVER_PORT", "9090")
	t.Setenv("BROKERAGE_WITHDRAWAL_LARGE_THRESHOLD", "5000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "5000", cfg.Withdrawal.LargeThreshold.String())
}

func TestLoadConfigRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("BROKERAGE_WITHDRAWAL_LARGE_THRESHOLD", "50000")
	t.Setenv("BROKERAGE_WITHDRAWAL_HIGH_RISK_THRESHOLD", "10000")

	_, err := LoadConfig()
	require.Error(t, err)
}
