package bot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/wirestream/chatbot/config"
	"github.com/wirestream/chatbot/db"
	"github.com/wirestream/chatbot/oauth"
)

// defaultAccountID names the shared bot credential row per platform. Channels
// without an override all resolve to this row.
const defaultAccountID = "default"

// TokenResolver maps a session to the bot identity (login + access token)
// that should speak in its chat. Resolution order for the default identity:
// stored global credential row, then legacy row keyed by the configured bot
// login, then the raw env token.
type TokenResolver struct {
	DB  *sql.DB
	Cfg *config.Config

	// Refreshers holds the per-platform refresh grant exchange. A platform
	// without one cannot recover from an expired token at runtime.
	Refreshers map[string]oauth.RefreshFunc
}

func NewTokenResolver(dbx *sql.DB, cfg *config.Config) *TokenResolver {
	return &TokenResolver{DB: dbx, Cfg: cfg, Refreshers: map[string]oauth.RefreshFunc{}}
}

// Resolve returns the bot login and access token for a session.
func (t *TokenResolver) Resolve(ctx context.Context, s *Session) (login, token string, err error) {
	if s.BotAccountID != "" {
		access, _, _, _, err := db.GetBotToken(ctx, t.DB, s.Platform, s.BotAccountID)
		if err != nil {
			return "", "", fmt.Errorf("resolve override bot %s/%s: %w", s.Platform, s.BotAccountID, err)
		}
		if access == "" {
			return "", "", fmt.Errorf("no stored token for override bot %s/%s", s.Platform, s.BotAccountID)
		}
		// Override accounts use their account id as login; platforms that
		// need a distinct login store it as the account id.
		return s.BotAccountID, access, nil
	}

	login = t.Cfg.BotLogins[s.Platform]
	if access, _, _, _, err := db.GetBotToken(ctx, t.DB, s.Platform, defaultAccountID); err == nil && access != "" {
		return login, access, nil
	}
	if login != "" {
		if access, _, _, _, err := db.GetBotToken(ctx, t.DB, s.Platform, login); err == nil && access != "" {
			return login, access, nil
		}
	}
	if env := t.Cfg.BotTokens[s.Platform]; env != "" {
		return login, env, nil
	}
	return "", "", fmt.Errorf("no bot credentials for platform %s", s.Platform)
}

// OnAuthError runs the single allowed token refresh for the session's current
// auth failure. Repeat failures before a successful connect do not refresh
// again; the reconnect backoff still schedules regardless of the outcome here.
func (t *TokenResolver) OnAuthError(ctx context.Context, s *Session) {
	if !s.markAuthRefreshed() {
		return
	}
	fn := t.Refreshers[s.Platform]
	if fn == nil {
		slog.Warn("auth rejected and no refresher configured",
			slog.String("platform", s.Platform), slog.Int64("channel_id", s.ChannelID))
		return
	}
	account := s.BotAccountID
	if account == "" {
		account = defaultAccountID
	}
	// Window zero forces the refresh even when the stored expiry looks fine:
	// the platform just told us the token is bad.
	oauth.RefreshAccount(ctx, t.DB, s.Platform, account, 0, fn)
}
