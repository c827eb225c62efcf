// Package bot contains the chat runtime: channel sessions, the subscription
// synchronizer that reconciles them against the data store, the outbox
// dispatcher that delivers outbound messages through platform connections,
// and the guard primitives (rate limiter, deduper, channel locks, backoff)
// those loops share.
package bot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/wirestream/chatbot/config"
	"github.com/wirestream/chatbot/db"
	"github.com/wirestream/chatbot/platform"
	"github.com/wirestream/chatbot/telemetry"
)

// Runtime wires the shared pieces together. One Runtime serves all platforms;
// per-platform behavior lives in the registered adapters.
type Runtime struct {
	DB       *sql.DB
	Cfg      *config.Config
	Sessions *SessionStore
	Adapters map[string]platform.Adapter

	Limiter *RateLimiter
	Deduper *Deduper
	Locks   *ChannelLocks
	Tokens  *TokenResolver
	Credits *CreditsClient

	// Rewards, when set, sees every inbound event before command matching
	// and may claim it (return true) to skip the command path.
	Rewards func(s *Session, ev platform.ChatEvent) bool
}

func NewRuntime(dbx *sql.DB, cfg *config.Config, adapters map[string]platform.Adapter) *Runtime {
	telemetry.Init()
	return &Runtime{
		DB:       dbx,
		Cfg:      cfg,
		Sessions: NewSessionStore(),
		Adapters: adapters,
		Limiter: NewRateLimiter(cfg.RateGlobalMax, cfg.RateGlobalWindow,
			cfg.RateChannelMax, cfg.RateChannelWindow),
		Deduper: NewDeduper(cfg.DedupWindow),
		Locks:   NewChannelLocks(cfg.LockTTL),
		Tokens:  NewTokenResolver(dbx, cfg),
		Credits: NewCreditsClient(cfg.BackendBaseURL, cfg.InternalAuthKey),
	}
}

// Connect starts the session's connect loop unless one is already running or
// the session is connected. Safe to call from every sync pass.
func (rt *Runtime) Connect(ctx context.Context, s *Session) {
	if !s.beginConnect() {
		return
	}
	go rt.connectLoop(ctx, s)
}

// connectLoop dials until it succeeds or the context ends. Auth rejections
// trigger at most one token refresh per failure streak; every retry waits the
// session's backoff regardless.
func (rt *Runtime) connectLoop(ctx context.Context, s *Session) {
	defer s.endConnect()
	adapter := rt.Adapters[s.Platform]
	if adapter == nil {
		slog.Error("no adapter registered", slog.String("platform", s.Platform))
		return
	}
	log := slog.With(slog.String("platform", s.Platform), slog.Int64("channel_id", s.ChannelID))
	for {
		err := rt.dialOnce(ctx, s, adapter)
		if err == nil {
			s.resetBackoff()
			s.clearAuthRefreshed()
			log.Info("channel connected", slog.String("slug", s.Slug))
			return
		}
		if errors.Is(err, platform.ErrAuth) {
			telemetry.AuthFailures.WithLabelValues(s.Platform).Inc()
			rt.Tokens.OnAuthError(ctx, s)
		}
		wait := s.nextBackoff(rt.Cfg.ReconnectBase, rt.Cfg.ReconnectMax)
		log.Warn("connect failed", slog.Any("err", err), slog.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (rt *Runtime) dialOnce(ctx context.Context, s *Session, adapter platform.Adapter) error {
	login, token, err := rt.Tokens.Resolve(ctx, s)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	ev := platform.Events{
		OnChat: func(e platform.ChatEvent) {
			rt.handleChat(ctx, s, e)
		},
		OnLifecycle: func(l platform.Lifecycle) {
			rt.handleLifecycle(ctx, s, l)
		},
		OnClose: func(cause error) {
			rt.handleClose(ctx, s, cause)
		},
	}
	if rt.Rewards != nil {
		ev.OnReward = func(e platform.ChatEvent) bool { return rt.Rewards(s, e) }
	}
	conn, err := adapter.Dial(ctx, s.channelView(login), token, ev)
	if err != nil {
		return err
	}
	s.setConnected(conn)
	// An adapter's read goroutine may see the socket die before Dial
	// returns; that OnClose cannot start its own loop while this one runs,
	// so it leaves a drop marker and the dial counts as failed.
	if s.consumeDrop() {
		s.Disconnect()
		return errors.New("connection closed during dial")
	}
	return nil
}

// handleClose reacts to a dropped connection: clear state, count it, and
// start a fresh connect loop unless the runtime is shutting down.
func (rt *Runtime) handleClose(ctx context.Context, s *Session, cause error) {
	s.Disconnect()
	if ctx.Err() != nil {
		return
	}
	telemetry.Reconnects.WithLabelValues(s.Platform).Inc()
	if cause != nil {
		slog.Warn("connection dropped",
			slog.String("platform", s.Platform), slog.Int64("channel_id", s.ChannelID), slog.Any("err", cause))
		if errors.Is(cause, platform.ErrAuth) {
			telemetry.AuthFailures.WithLabelValues(s.Platform).Inc()
			rt.Tokens.OnAuthError(ctx, s)
		}
	}
	if s.noteDrop() {
		return // the in-flight connect loop retries with backoff
	}
	rt.Connect(ctx, s)
}

// handleLifecycle flips the session live flag and records the stream's
// online-since timestamp so stream duration survives restarts.
func (rt *Runtime) handleLifecycle(ctx context.Context, s *Session, l platform.Lifecycle) {
	key := "stream_online_since:" + s.Platform + ":" + strconv.FormatInt(s.ChannelID, 10)
	switch l {
	case platform.LifecycleOnline:
		if s.Live() {
			return
		}
		s.SetLive(true)
		if err := db.SetKV(ctx, rt.DB, key, time.Now().UTC().Format(time.RFC3339)); err != nil {
			slog.Warn("record stream start failed", slog.Any("err", err))
		}
		slog.Info("stream online", slog.String("platform", s.Platform), slog.Int64("channel_id", s.ChannelID))
	case platform.LifecycleOffline:
		if !s.Live() {
			return
		}
		s.SetLive(false)
		if err := db.SetKV(ctx, rt.DB, key, ""); err != nil {
			slog.Warn("clear stream start failed", slog.Any("err", err))
		}
		slog.Info("stream offline", slog.String("platform", s.Platform), slog.Int64("channel_id", s.ChannelID))
	}
}

// Shutdown disconnects every session. Called after the loops have stopped.
func (rt *Runtime) Shutdown() {
	for _, s := range rt.Sessions.List() {
		s.Disconnect()
	}
}
