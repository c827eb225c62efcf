package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/wirestream/chatbot/db"
)

// RefreshFunc performs provider-specific refresh and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically scans every stored
// bot credential for a provider and refreshes the ones whose remaining
// lifetime falls within the window. Checks are jittered so multiple
// instances do not stampede the identity endpoint.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			refreshDue(ctx, dbx, provider, window, fn)
		}
	}()
}

func refreshDue(ctx context.Context, dbx *sql.DB, provider string, window time.Duration, fn RefreshFunc) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT account_id FROM bot_tokens WHERE provider=$1`, provider)
	if err != nil {
		slog.Warn("token refresh scan failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	var accounts []string
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err == nil {
			accounts = append(accounts, acc)
		}
	}
	_ = rows.Close()
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return
		}
		RefreshAccount(ctx, dbx, provider, acc, window, fn)
	}
}

// RefreshAccount refreshes one stored credential when it is due (or when
// window is zero, unconditionally). It is also the entry point the runtime
// uses for the forced single refresh after an authentication error.
func RefreshAccount(ctx context.Context, dbx *sql.DB, provider, accountID string, window time.Duration, fn RefreshFunc) {
	_, refresh, expiry, scope, err := db.GetBotToken(ctx, dbx, provider, accountID)
	if err != nil || refresh == "" {
		return
	}
	if window > 0 && time.Until(expiry) > window {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := fn(ctx2, refresh)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed",
			slog.String("provider", provider), slog.String("account", accountID), slog.Any("err", err))
		return
	}
	if newRT == "" {
		newRT = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertBotToken(ctx, dbx, provider, accountID, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		slog.Warn("token persist failed",
			slog.String("provider", provider), slog.String("account", accountID), slog.Any("err", err))
		return
	}
	slog.Info("token refreshed", slog.String("provider", provider), slog.String("account", accountID))
}
