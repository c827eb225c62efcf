// Command chatbot is the main entrypoint for the chat bot runtime.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts a subscription synchronizer per platform, the outbox
//     dispatcher, and OAuth token refreshers for the bot accounts.
//   - Exposes a minimal HTTP server with /healthz, /status, /metrics, and
//     the internal message enqueue endpoint.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wirestream/chatbot/bot"
	"github.com/wirestream/chatbot/config"
	"github.com/wirestream/chatbot/db"
	"github.com/wirestream/chatbot/oauth"
	"github.com/wirestream/chatbot/platform"
	"github.com/wirestream/chatbot/platform/kick"
	"github.com/wirestream/chatbot/platform/trovo"
	"github.com/wirestream/chatbot/platform/twitch"
	"github.com/wirestream/chatbot/platform/vk"
	"github.com/wirestream/chatbot/platform/youtube"
	"github.com/wirestream/chatbot/server"
	"github.com/wirestream/chatbot/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chatbot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapters := map[string]platform.Adapter{
		"twitch":  &twitch.Adapter{},
		"youtube": &youtube.Adapter{},
		"trovo":   &trovo.Adapter{ClientID: cfg.TrovoClientID},
		"kick":    &kick.Adapter{},
		"vk":      &vk.Adapter{},
	}
	rt := bot.NewRuntime(database, cfg, adapters)
	refreshers := refreshFuncs(cfg)
	rt.Tokens.Refreshers = refreshers

	for _, p := range config.Platforms {
		if err := cfg.ValidateBotReady(p); err != nil {
			slog.Warn("platform starting without env bot identity", slog.String("platform", p), slog.Any("err", err))
		}
		go bot.NewSynchronizer(rt, p).Run(ctx, cfg.SyncIntervalFor(p))
	}
	go bot.NewDispatcher(rt).Run(ctx)

	// Background token refreshers keep stored bot credentials fresh ahead of
	// expiry; auth failures at connect time force their own refresh.
	for provider, fn := range refreshers {
		oauth.StartRefresher(ctx, database, provider, 5*time.Minute, 15*time.Minute, fn)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		if err := server.Start(ctx, database, cfg, rt.Sessions); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	rt.Shutdown()
}

// refreshFuncs builds the per-platform refresh exchanges from configured app
// credentials. Platforms without credentials (or without refresh grants, like
// vk service keys) are left out.
func refreshFuncs(cfg *config.Config) map[string]oauth.RefreshFunc {
	fns := map[string]oauth.RefreshFunc{}
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		fns["twitch"] = func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := oauth.RefreshTwitch(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, oauth.ComputeExpiry(res.ExpiresIn), res.Scope, nil
		}
	}
	if cfg.TrovoClientID != "" && cfg.TrovoClientSecret != "" {
		fns["trovo"] = func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := oauth.RefreshTrovo(ctx, cfg.TrovoClientID, cfg.TrovoClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, oauth.ComputeExpiry(res.ExpiresIn), res.Scope, nil
		}
	}
	if cfg.KickClientID != "" && cfg.KickClientSecret != "" {
		fns["kick"] = func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := oauth.RefreshKick(ctx, cfg.KickClientID, cfg.KickClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, oauth.ComputeExpiry(res.ExpiresIn), res.Scope, nil
		}
	}
	if cfg.YTClientID != "" && cfg.YTClientSecret != "" {
		fns["youtube"] = func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := oauth.RefreshGoogle(ctx, cfg.YTClientID, cfg.YTClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, oauth.ComputeExpiry(res.ExpiresIn), res.Scope, nil
		}
	}
	return fns
}
