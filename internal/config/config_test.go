package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PlatformFeePercent != 10 {
		t.Fatalf("expected default platform fee 10, got %f", cfg.PlatformFeePercent)
	}
	if cfg.RefundPercentInProgress != 75 || cfg.RefundPercentSubmitted != 50 {
		t.Fatalf("unexpected refund table defaults: in_progress=%d submitted=%d", cfg.RefundPercentInProgress, cfg.RefundPercentSubmitted)
	}
	if cfg.GracePeriod() != 24*time.Hour {
		t.Fatalf("expected 24h grace period, got %s", cfg.GracePeriod())
	}
	if cfg.SettlementSweepSchedule != "@hourly" {
		t.Fatalf("expected hourly sweep, got %q", cfg.SettlementSweepSchedule)
	}
	if cfg.Currency != "INR" {
		t.Fatalf("expected INR currency, got %q", cfg.Currency)
	}
}

func TestLoadConfig_UsesServiceScopedInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("INTERNAL_API_KEY", "")
	t.Setenv("ESCROW_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_ClampsUnsafeMoneySettings(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("PLATFORM_FEE_PERCENT", "140")
	t.Setenv("REFUND_PERCENT_IN_PROGRESS", "-5")
	t.Setenv("REFUND_PERCENT_SUBMITTED", "250")
	t.Setenv("MIN_ORDER_AMOUNT", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PlatformFeePercent != 100 {
		t.Fatalf("expected fee capped at 100, got %f", cfg.PlatformFeePercent)
	}
	if cfg.RefundPercentInProgress != 0 {
		t.Fatalf("expected in-progress refund coerced to 0, got %d", cfg.RefundPercentInProgress)
	}
	if cfg.RefundPercentSubmitted != 100 {
		t.Fatalf("expected submitted refund capped at 100, got %d", cfg.RefundPercentSubmitted)
	}
	if cfg.MinOrderAmount != 1 {
		t.Fatalf("expected minimum order amount of 1, got %d", cfg.MinOrderAmount)
	}
}

func TestLoadConfig_InvalidScheduleFallsBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("SETTLEMENT_SWEEP_SCHEDULE", "every now and then")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SettlementSweepSchedule != "@hourly" {
		t.Fatalf("expected fallback schedule, got %q", cfg.SettlementSweepSchedule)
	}
}

func TestLoadConfig_PortOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("PORT", "9999")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9999" {
		t.Fatalf("expected PORT override, got %q", cfg.ServerPort)
	}
}
