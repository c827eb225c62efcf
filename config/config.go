// Package config loads environment variables and provides a typed Config used
// across the service. It applies sensible defaults so the binary can run
// locally with minimal setup; required credentials are checked separately via
// ValidateBotReady per platform.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Platforms lists every platform the runtime can serve, in the order their
// sync loops start.
var Platforms = []string{"twitch", "youtube", "trovo", "kick", "vk"}

type Config struct {
	// HTTP
	HTTPAddr        string
	BackendBaseURL  string
	InternalAuthKey string

	// Sync
	SyncInterval time.Duration
	// SyncIntervals holds per-platform overrides (SYNC_INTERVAL_TWITCH etc.).
	SyncIntervals map[string]time.Duration

	// Outbox
	OutboxMode         string // poll | queue
	OutboxPollInterval time.Duration
	OutboxConcurrency  int
	OutboxBatchSize    int
	OutboxMaxAttempts  int

	// Send guards
	RateGlobalMax     int
	RateGlobalWindow  time.Duration
	RateChannelMax    int
	RateChannelWindow time.Duration
	DedupWindow       time.Duration
	LockTTL           time.Duration

	// Sessions
	CommandsCacheTTL time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration

	// Default shared bot identity, per platform. Key is the platform name.
	BotLogins map[string]string
	BotTokens map[string]string

	// Platform app credentials (token refresh endpoints).
	TwitchClientID     string
	TwitchClientSecret string
	TrovoClientID      string
	TrovoClientSecret  string
	KickClientID       string
	KickClientSecret   string
	VKAccessKey        string
	YTClientID         string
	YTClientSecret     string
}

// Load reads environment variables and applies defaults. Missing optional
// variables disable features; only ProcessFatal knobs are validated by main.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:        envOr("HTTP_ADDR", ":8080"),
		BackendBaseURL:  envOr("BACKEND_BASE_URL", "http://localhost:8080"),
		InternalAuthKey: os.Getenv("INTERNAL_AUTH_KEY"),

		SyncInterval:  envDuration("SYNC_INTERVAL", 30*time.Second),
		SyncIntervals: map[string]time.Duration{},

		OutboxMode:         envOr("OUTBOX_MODE", "poll"),
		OutboxPollInterval: envDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxConcurrency:  envInt("OUTBOX_CONCURRENCY", 4),
		OutboxBatchSize:    envInt("OUTBOX_BATCH_SIZE", 10),
		OutboxMaxAttempts:  envInt("OUTBOX_MAX_ATTEMPTS", 5),

		RateGlobalMax:     envInt("RATE_GLOBAL_MAX", 20),
		RateGlobalWindow:  envDuration("RATE_GLOBAL_WINDOW", 30*time.Second),
		RateChannelMax:    envInt("RATE_CHANNEL_MAX", 3),
		RateChannelWindow: envDuration("RATE_CHANNEL_WINDOW", 10*time.Second),
		DedupWindow:       envDuration("DEDUP_WINDOW", 30*time.Second),
		LockTTL:           envDuration("LOCK_TTL", 10*time.Second),

		CommandsCacheTTL: envDuration("COMMANDS_CACHE_TTL", time.Minute),
		ReconnectBase:    envDuration("RECONNECT_BASE", time.Second),
		ReconnectMax:     envDuration("RECONNECT_MAX", 2*time.Minute),

		BotLogins: map[string]string{},
		BotTokens: map[string]string{},

		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		TrovoClientID:      os.Getenv("TROVO_CLIENT_ID"),
		TrovoClientSecret:  os.Getenv("TROVO_CLIENT_SECRET"),
		KickClientID:       os.Getenv("KICK_CLIENT_ID"),
		KickClientSecret:   os.Getenv("KICK_CLIENT_SECRET"),
		VKAccessKey:        os.Getenv("VK_ACCESS_KEY"),
		YTClientID:         os.Getenv("YT_CLIENT_ID"),
		YTClientSecret:     os.Getenv("YT_CLIENT_SECRET"),
	}

	switch cfg.OutboxMode {
	case "poll", "queue":
	default:
		return nil, fmt.Errorf("invalid OUTBOX_MODE %q (want poll or queue)", cfg.OutboxMode)
	}

	for _, p := range Platforms {
		up := strings.ToUpper(p)
		if d := envDuration("SYNC_INTERVAL_"+up, 0); d > 0 {
			cfg.SyncIntervals[p] = d
		}
		if v := os.Getenv(up + "_BOT_LOGIN"); v != "" {
			cfg.BotLogins[p] = v
		}
		if v := os.Getenv(up + "_BOT_TOKEN"); v != "" {
			cfg.BotTokens[p] = v
		}
	}
	return cfg, nil
}

// SyncIntervalFor returns the per-platform sync interval, falling back to the
// shared default.
func (c *Config) SyncIntervalFor(platform string) time.Duration {
	if d, ok := c.SyncIntervals[platform]; ok {
		return d
	}
	return c.SyncInterval
}

// ValidateBotReady checks that a default bot identity exists for the platform
// through env. A missing identity here is not fatal: the runtime can still
// resolve a globally stored credential row from the data store.
func (c *Config) ValidateBotReady(platform string) error {
	if c.BotLogins[platform] == "" || c.BotTokens[platform] == "" {
		return fmt.Errorf("missing %s bot env: require %s_BOT_LOGIN, %s_BOT_TOKEN",
			platform, strings.ToUpper(platform), strings.ToUpper(platform))
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
