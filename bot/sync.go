package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wirestream/chatbot/db"
	"github.com/wirestream/chatbot/telemetry"
)

// Synchronizer reconciles one platform's sessions against the enabled
// subscriptions in the data store. Sync is idempotent: running it twice in a
// row with the same store contents changes nothing.
type Synchronizer struct {
	rt       *Runtime
	Platform string

	running atomic.Bool
}

func NewSynchronizer(rt *Runtime, platform string) *Synchronizer {
	return &Synchronizer{rt: rt, Platform: platform}
}

// Run executes a sync immediately, then on every interval tick until ctx ends.
func (sy *Synchronizer) Run(ctx context.Context, interval time.Duration) {
	if err := sy.Sync(ctx); err != nil {
		slog.Error("subscription sync failed", slog.String("platform", sy.Platform), slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sy.Sync(ctx); err != nil {
				slog.Error("subscription sync failed", slog.String("platform", sy.Platform), slog.Any("err", err))
			}
		}
	}
}

// Sync reconciles sessions: drop stale ones, update survivors in place,
// create new ones, then kick a connect for whatever is disconnected. A sync
// already in flight makes this call a no-op.
func (sy *Synchronizer) Sync(ctx context.Context) error {
	if !sy.running.CompareAndSwap(false, true) {
		return nil
	}
	defer sy.running.Store(false)

	telemetry.SyncRuns.Inc()
	start := time.Now()
	defer func() {
		if telemetry.SyncDuration != nil {
			telemetry.SyncDuration.Observe(time.Since(start).Seconds())
		}
	}()

	subs, err := db.ListEnabledSubscriptions(ctx, sy.rt.DB, sy.Platform)
	if err != nil {
		return fmt.Errorf("sync %s: %w", sy.Platform, err)
	}
	ids := make([]int64, 0, len(subs))
	want := make(map[int64]db.Subscription, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.ChannelID)
		want[sub.ChannelID] = sub
	}
	overrides, err := db.ListBotOverrides(ctx, sy.rt.DB, ids)
	if err != nil {
		// Overrides are advisory: a broken override table must not take
		// every channel down, so degrade to the default bot.
		slog.Warn("bot overrides unavailable", slog.String("platform", sy.Platform), slog.Any("err", err))
		overrides = map[int64]string{}
	}

	for _, s := range sy.rt.Sessions.List() {
		if s.Platform != sy.Platform {
			continue
		}
		if _, ok := want[s.ChannelID]; !ok {
			s.Disconnect()
			sy.rt.Sessions.Remove(s.ChannelID)
			slog.Info("channel unsubscribed", slog.String("platform", sy.Platform), slog.Int64("channel_id", s.ChannelID))
		}
	}

	connected := 0
	for _, sub := range subs {
		s, ok := sy.rt.Sessions.Get(sub.ChannelID)
		if !ok {
			s = &Session{
				ChannelID: sub.ChannelID,
				Platform:  sub.Platform,
			}
			s.updateIdentity(sub.UserID, sub.PlatformChannelID, sub.Slug, overrides[sub.ChannelID])
			sy.rt.Sessions.Put(s)
		} else if s.updateIdentity(sub.UserID, sub.PlatformChannelID, sub.Slug, overrides[sub.ChannelID]) {
			// Identity moved under a live connection; force a redial.
			s.Disconnect()
		}
		if s.Connected() {
			connected++
			continue
		}
		sy.rt.Connect(ctx, s)
	}
	if telemetry.ActiveSessions != nil {
		telemetry.ActiveSessions.WithLabelValues(sy.Platform).Set(float64(connected))
	}
	return nil
}
