// Package config loads service configuration from defaults, an optional
// YAML file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/settlement-engine/internal/model"
)

// Config is the full service configuration.
type Config struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	LogLevel    string        `yaml:"log_level"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	// AdminAddr is the listen address for stake lifecycle operations.
	// Keep it on a private interface; empty disables the listener.
	AdminAddr string `yaml:"admin_addr"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Referral  ReferralConfig  `yaml:"referral"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Staking   StakingConfig   `yaml:"staking"`
	Deposit   DepositConfig   `yaml:"deposit"`
	Exposure  ExposureConfig  `yaml:"exposure"`

	Plans      []model.Plan     `yaml:"plans"`
	Currencies []model.Currency `yaml:"currencies"`
}

// GatewayConfig configures the payment gateway client. An empty BaseURL
// selects the in-process sandbox gateway.
type GatewayConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	IPNSecret     string        `yaml:"ipn_secret"`
	CallbackURL   string        `yaml:"callback_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
}

// Sandbox reports whether no real gateway is configured.
func (g GatewayConfig) Sandbox() bool { return g.BaseURL == "" }

type ReferralConfig struct {
	RatePercent decimal.Decimal `yaml:"rate_percent"`
}

type SchedulerConfig struct {
	AccrualInterval     time.Duration `yaml:"accrual_interval"`
	DepositPollInterval time.Duration `yaml:"deposit_poll_interval"`
	BatchSize           int           `yaml:"batch_size"`
	LeaseTTL            time.Duration `yaml:"lease_ttl"`
}

type StakingConfig struct {
	// DeferActivation opens stakes as PENDING; the accrual scheduler's
	// activation sweep moves them to ACTIVE.
	DeferActivation bool `yaml:"defer_activation"`
}

type DepositConfig struct {
	// Expiry applies when the gateway does not report one.
	Expiry time.Duration `yaml:"expiry"`
}

// ExposureConfig sets per-user open principal limits. Zero disables a limit.
type ExposureConfig struct {
	MaxPerPlan decimal.Decimal `yaml:"max_per_plan"`
	MaxTotal   decimal.Decimal `yaml:"max_total"`
}

// Default returns the built-in configuration, including a starter catalog
// so a bare development server has something to stake into.
func Default() Config {
	return Config{
		Port:      "8080",
		AdminAddr: "127.0.0.1:8081",
		LogLevel:  "info",
		CacheTTL:  30 * time.Second,
		Gateway: GatewayConfig{
			Timeout:       10 * time.Second,
			RatePerSecond: 5,
		},
		Referral: ReferralConfig{RatePercent: decimal.NewFromInt(5)},
		Scheduler: SchedulerConfig{
			AccrualInterval:     time.Minute,
			DepositPollInterval: 30 * time.Second,
			BatchSize:           500,
			LeaseTTL:            30 * time.Second,
		},
		Deposit: DepositConfig{Expiry: 60 * time.Minute},
		Plans: []model.Plan{
			{
				ID:           "starter-30",
				Name:         "Starter 30",
				DailyROI:     decimal.RequireFromString("2.5"),
				TotalROI:     decimal.NewFromInt(75),
				DurationDays: 30,
				MinAmount:    decimal.NewFromInt(100),
				Active:       true,
			},
		},
		Currencies: []model.Currency{
			{
				ID:            "usdttrc20",
				Symbol:        "USDT",
				Network:       "TRC20",
				GatewayCode:   "usdttrc20",
				MinDepositUSD: decimal.NewFromInt(10),
				Active:        true,
			},
		},
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then applies
// environment overrides and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "err", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg, keeping fields the document does not set.
// A document that lists plans or currencies replaces the built-in catalog.
func Parse(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) error {
	cfg.Port = getenvDefault("PORT", cfg.Port)
	cfg.AdminAddr = getenvDefault("ADMIN_ADDR", cfg.AdminAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getenvDefault("REDIS_URL", cfg.RedisURL)
	cfg.LogLevel = getenvDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.Gateway.BaseURL = getenvDefault("GATEWAY_BASE_URL", cfg.Gateway.BaseURL)
	cfg.Gateway.APIKey = getenvDefault("GATEWAY_API_KEY", cfg.Gateway.APIKey)
	cfg.Gateway.IPNSecret = getenvDefault("GATEWAY_IPN_SECRET", cfg.Gateway.IPNSecret)
	cfg.Gateway.CallbackURL = getenvDefault("GATEWAY_CALLBACK_URL", cfg.Gateway.CallbackURL)

	if v := os.Getenv("REFERRAL_RATE_PERCENT"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("REFERRAL_RATE_PERCENT: %w", err)
		}
		cfg.Referral.RatePercent = rate
	}

	var err error
	if cfg.Scheduler.AccrualInterval, err = getenvDuration("ACCRUAL_INTERVAL", cfg.Scheduler.AccrualInterval); err != nil {
		return err
	}
	if cfg.Scheduler.DepositPollInterval, err = getenvDuration("DEPOSIT_POLL_INTERVAL", cfg.Scheduler.DepositPollInterval); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port required"))
	}
	if c.Referral.RatePercent.IsNegative() || c.Referral.RatePercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("referral rate %s outside [0, 100]", c.Referral.RatePercent))
	}
	if c.Scheduler.AccrualInterval <= 0 {
		errs = append(errs, errors.New("scheduler.accrual_interval must be positive"))
	}
	if c.Scheduler.DepositPollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.deposit_poll_interval must be positive"))
	}
	if c.Deposit.Expiry <= 0 {
		errs = append(errs, errors.New("deposit.expiry must be positive"))
	}
	if c.Exposure.MaxPerPlan.IsNegative() || c.Exposure.MaxTotal.IsNegative() {
		errs = append(errs, errors.New("exposure limits cannot be negative"))
	}
	if !c.Gateway.Sandbox() && c.Gateway.APIKey == "" {
		errs = append(errs, errors.New("gateway.api_key required when gateway.base_url is set"))
	}

	seen := make(map[string]bool)
	for _, p := range c.Plans {
		switch {
		case p.ID == "":
			errs = append(errs, errors.New("plan id required"))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("plan %s: duplicate id", p.ID))
		case p.DurationDays <= 0:
			errs = append(errs, fmt.Errorf("plan %s: duration_days must be positive", p.ID))
		case !p.DailyROI.IsPositive():
			errs = append(errs, fmt.Errorf("plan %s: daily_roi must be positive", p.ID))
		case p.MinAmount.IsNegative():
			errs = append(errs, fmt.Errorf("plan %s: min_amount cannot be negative", p.ID))
		case p.MaxAmount.IsPositive() && p.MaxAmount.LessThan(p.MinAmount):
			errs = append(errs, fmt.Errorf("plan %s: max_amount below min_amount", p.ID))
		}
		seen[p.ID] = true
	}
	for _, c := range c.Currencies {
		if c.ID == "" || c.GatewayCode == "" {
			errs = append(errs, fmt.Errorf("currency %q: id and gateway_code required", c.ID))
		}
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto a slog level, defaulting to Info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}
