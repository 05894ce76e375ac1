package config_test

import (
	"testing"
	"time"

	"github.com/tradeup/trade-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.MaxOpenTrades != 10 {
		t.Errorf("expected default max open trades 10, got %d", cfg.MaxOpenTrades)
	}
	if cfg.RateWindow != time.Minute {
		t.Errorf("expected default rate window 1m, got %s", cfg.RateWindow)
	}
	if !cfg.Development() {
		t.Error("default environment should count as development")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "production")
	t.Setenv("MAX_OPEN_TRADES", "3")
	t.Setenv("RATE_WINDOW", "30s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.MaxOpenTrades != 3 {
		t.Errorf("expected max open trades 3, got %d", cfg.MaxOpenTrades)
	}
	if cfg.RateWindow != 30*time.Second {
		t.Errorf("expected rate window 30s, got %s", cfg.RateWindow)
	}
	if cfg.Development() {
		t.Error("production must not count as development")
	}
}

func TestLoad_DurationScaleFloor(t *testing.T) {
	t.Setenv("DURATION_SCALE", "0")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DurationScale != 1 {
		t.Errorf("duration scale must floor at 1, got %d", cfg.DurationScale)
	}
}
