// Package config loads engine configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings. Monetary thresholds are minor units.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"APP_ENV" envDefault:"development"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`

	// DurationScale divides settlement durations so tests and demos do not
	// wait wall-clock minutes. 1 = real time.
	DurationScale int64 `env:"DURATION_SCALE" envDefault:"1"`

	// Risk gate ceilings.
	MaxOpenTrades     int   `env:"MAX_OPEN_TRADES" envDefault:"10"`
	DailyVolumeCap    int64 `env:"DAILY_VOLUME_CAP" envDefault:"10000000"`
	DailyLossCap      int64 `env:"DAILY_LOSS_CAP" envDefault:"2000000"`
	VolatilityMaxMove int64 `env:"VOLATILITY_MAX_MOVE_PCT" envDefault:"5"`

	// Compliance thresholds.
	WithdrawDailyLimit int64 `env:"WITHDRAW_DAILY_LIMIT" envDefault:"1000000"`
	LargeTxnThreshold  int64 `env:"LARGE_TXN_THRESHOLD" envDefault:"500000"`
	MaxWithdrawPerHour int   `env:"MAX_WITHDRAWALS_PER_HOUR" envDefault:"5"`

	// Monitoring stream thresholds.
	LargeStakeThreshold int64 `env:"LARGE_STAKE_THRESHOLD" envDefault:"100000"`

	// Rate limits per fixed window.
	TradeRateMax    int           `env:"TRADE_RATE_MAX" envDefault:"30"`
	WithdrawRateMax int           `env:"WITHDRAW_RATE_MAX" envDefault:"10"`
	RateWindow      time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
}

// Load parses configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.DurationScale < 1 {
		cfg.DurationScale = 1
	}
	return cfg, nil
}

// Development reports whether the engine runs in development mode, which
// bypasses rate limiting and the volatility guard.
func (c *Config) Development() bool {
	return c.Environment == "development" || c.Environment == "test"
}
