package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OUTBOX_MODE", "")
	t.Setenv("SYNC_INTERVAL", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.OutboxMode != "poll" {
		t.Errorf("OutboxMode = %q, want poll", cfg.OutboxMode)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("SyncInterval = %v, want 30s", cfg.SyncInterval)
	}
	if cfg.OutboxMaxAttempts <= 0 {
		t.Errorf("OutboxMaxAttempts = %d, want positive default", cfg.OutboxMaxAttempts)
	}
	if cfg.DedupWindow != 30*time.Second {
		t.Errorf("DedupWindow = %v, want 30s", cfg.DedupWindow)
	}
}

func TestLoadRejectsBadOutboxMode(t *testing.T) {
	t.Setenv("OUTBOX_MODE", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid OUTBOX_MODE")
	}
}

func TestPerPlatformSyncInterval(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "45s")
	t.Setenv("SYNC_INTERVAL_TROVO", "10s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.SyncIntervalFor("trovo"); got != 10*time.Second {
		t.Errorf("SyncIntervalFor(trovo) = %v, want 10s", got)
	}
	if got := cfg.SyncIntervalFor("twitch"); got != 45*time.Second {
		t.Errorf("SyncIntervalFor(twitch) = %v, want 45s", got)
	}
}

func TestValidateBotReady(t *testing.T) {
	t.Setenv("TWITCH_BOT_LOGIN", "relaybot")
	t.Setenv("TWITCH_BOT_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateBotReady("twitch"); err != nil {
		t.Errorf("expected twitch bot ready, got %v", err)
	}
	if err := cfg.ValidateBotReady("trovo"); err == nil {
		t.Error("expected error for unconfigured trovo bot")
	}
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("OUTBOX_POLL_INTERVAL", "not-a-duration")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.OutboxPollInterval != 2*time.Second {
		t.Errorf("OutboxPollInterval = %v, want default 2s", cfg.OutboxPollInterval)
	}
}
