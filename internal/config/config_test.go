package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
port: "9090"
log_level: debug
referral:
  rate_percent: 7.5
scheduler:
  accrual_interval: 5m
  deposit_poll_interval: 45s
staking:
  defer_activation: true
exposure:
  max_per_plan: 10000
  max_total: 25000
plans:
  - id: gold-60
    name: Gold 60
    daily_roi: 1.2
    total_roi: 72
    duration_days: 60
    min_amount: 500
    max_amount: 50000
    active: true
currencies:
  - id: btc
    symbol: BTC
    network: bitcoin
    gateway_code: btc
    min_deposit_usd: 25
    active: true
`

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte(sampleYAML), &cfg))

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.AccrualInterval)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.DepositPollInterval)
	assert.True(t, cfg.Staking.DeferActivation)
	assert.True(t, cfg.Referral.RatePercent.Equal(decimal.RequireFromString("7.5")))
	assert.True(t, cfg.Exposure.MaxTotal.Equal(decimal.NewFromInt(25000)))

	// Untouched sections keep their defaults.
	assert.Equal(t, 60*time.Minute, cfg.Deposit.Expiry)
	assert.Equal(t, 500, cfg.Scheduler.BatchSize)

	// Catalog lists replace the built-in seed.
	require.Len(t, cfg.Plans, 1)
	plan := cfg.Plans[0]
	assert.Equal(t, "gold-60", plan.ID)
	assert.True(t, plan.DailyROI.Equal(decimal.RequireFromString("1.2")))
	assert.Equal(t, 60, plan.DurationDays)
	assert.True(t, plan.MaxAmount.Equal(decimal.NewFromInt(50000)))
	require.Len(t, cfg.Currencies, 1)
	assert.Equal(t, "btc", cfg.Currencies[0].GatewayCode)

	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7070")
	t.Setenv("ADMIN_ADDR", "10.0.0.5:9000")
	t.Setenv("REFERRAL_RATE_PERCENT", "3")
	t.Setenv("ACCRUAL_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "10.0.0.5:9000", cfg.AdminAddr)
	assert.True(t, cfg.Referral.RatePercent.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 10*time.Second, cfg.Scheduler.AccrualInterval)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.DepositPollInterval)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("DEPOSIT_POLL_INTERVAL", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative referral rate", func(c *Config) { c.Referral.RatePercent = decimal.NewFromInt(-1) }},
		{"zero accrual interval", func(c *Config) { c.Scheduler.AccrualInterval = 0 }},
		{"gateway without key", func(c *Config) { c.Gateway.BaseURL = "https://api.example.com" }},
		{"plan without duration", func(c *Config) { c.Plans[0].DurationDays = 0 }},
		{"plan max below min", func(c *Config) { c.Plans[0].MaxAmount = decimal.NewFromInt(50) }},
		{"duplicate plan", func(c *Config) { c.Plans = append(c.Plans, c.Plans[0]) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
