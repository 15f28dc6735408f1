package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesTransferServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "TRANSFER_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "TRANSFER_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9999")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9999" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"TRANSFER_EVENT_EXCHANGE", "TRANSFER_EVENT_QUEUE", "BROKER_ID",
		"REDIS_IN_PROGRESS_PREFIX", "IN_PROGRESS_CACHE_TTL_HOURS",
		"REQUIRE_VERIFICATION", "SWEEP_PARALLELISM",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TransferEventExchange != "transfer_events" {
		t.Fatalf("expected default exchange, got %q", cfg.TransferEventExchange)
	}
	if cfg.TransferEventQueue != "transfer_service.workflow_events" {
		t.Fatalf("expected default queue, got %q", cfg.TransferEventQueue)
	}
	if !cfg.RequireVerification {
		t.Fatal("expected verification to default on")
	}
	if cfg.InProgressCacheTTLHrs != 24 {
		t.Fatalf("expected 24h cache TTL default, got %d", cfg.InProgressCacheTTLHrs)
	}
	if cfg.SweepParallelism != 4 {
		t.Fatalf("expected default sweep parallelism 4, got %d", cfg.SweepParallelism)
	}
}

func TestProcessing_ReadsLiveValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("PROCESS_INTERVAL_SECONDS", 2)
	viper.Set("MAX_RETRIES", 3)
	viper.Set("TRANSFER_TTL_HOURS", 12)
	viper.Set("SWEEP_BATCH_SIZE", 25)
	viper.Set("WHITELISTED_PHONES", "+15550001111, +15550002222 ,")

	s := Processing()
	if s.Interval != 2*time.Second {
		t.Fatalf("expected 2s interval, got %s", s.Interval)
	}
	if s.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", s.MaxRetries)
	}
	if s.TransferTTL != 12*time.Hour {
		t.Fatalf("expected 12h TTL, got %s", s.TransferTTL)
	}
	if s.SweepBatchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", s.SweepBatchSize)
	}
	if len(s.WhitelistedPhones) != 2 || s.WhitelistedPhones[0] != "+15550001111" || s.WhitelistedPhones[1] != "+15550002222" {
		t.Fatalf("expected two trimmed whitelist entries, got %v", s.WhitelistedPhones)
	}

	// A change between calls is picked up without a reload.
	viper.Set("PROCESS_INTERVAL_SECONDS", 30)
	viper.Set("WHITELISTED_PHONES", "+15550003333")
	s = Processing()
	if s.Interval != 30*time.Second {
		t.Fatalf("expected live interval change to 30s, got %s", s.Interval)
	}
	if len(s.WhitelistedPhones) != 1 || s.WhitelistedPhones[0] != "+15550003333" {
		t.Fatalf("expected live whitelist change, got %v", s.WhitelistedPhones)
	}
}

func TestProcessing_FallsBackOnInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("PROCESS_INTERVAL_SECONDS", 0)
	viper.Set("MAX_RETRIES", -1)
	viper.Set("TRANSFER_TTL_HOURS", 0)
	viper.Set("SWEEP_BATCH_SIZE", 0)

	s := Processing()
	if s.Interval != 5*time.Second || s.MaxRetries != 10 || s.TransferTTL != 48*time.Hour || s.SweepBatchSize != 100 {
		t.Fatalf("expected fallback defaults, got %+v", s)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
