package bot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wirestream/chatbot/db"
	"github.com/wirestream/chatbot/testutil"
)

func TestTokenResolverDefaultPrefersStoredRow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	cfg := testConfig()
	tr := NewTokenResolver(dbx, cfg)
	s := &Session{ChannelID: 1, Platform: "trovo"}

	// No stored row: env token is the fallback.
	login, token, err := tr.Resolve(context.Background(), s)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if login != "botty" || token != "env-token" {
		t.Fatalf("env fallback: got %q/%q", login, token)
	}

	// A stored global row wins over env.
	if err := db.UpsertBotToken(context.Background(), dbx, "trovo", "default",
		"stored-access", "stored-refresh", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_, token, err = tr.Resolve(context.Background(), s)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if token != "stored-access" {
		t.Fatalf("stored row should win: got %q", token)
	}
}

func TestTokenResolverLegacyLoginRow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	cfg := testConfig()
	cfg.BotTokens = map[string]string{} // no env fallback
	tr := NewTokenResolver(dbx, cfg)
	s := &Session{ChannelID: 1, Platform: "trovo"}

	// Older deployments stored the default credential under the bot login.
	if err := db.UpsertBotToken(context.Background(), dbx, "trovo", "botty",
		"legacy-access", "legacy-refresh", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_, token, err := tr.Resolve(context.Background(), s)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if token != "legacy-access" {
		t.Fatalf("legacy row: got %q", token)
	}
}

func TestTokenResolverOverride(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	tr := NewTokenResolver(dbx, testConfig())
	if err := db.UpsertBotToken(context.Background(), dbx, "trovo", "backup-bot",
		"override-access", "override-refresh", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	s := &Session{ChannelID: 1, Platform: "trovo", BotAccountID: "backup-bot"}
	login, token, err := tr.Resolve(context.Background(), s)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if login != "backup-bot" || token != "override-access" {
		t.Fatalf("override: got %q/%q", login, token)
	}
}

func TestTokenResolverOverrideMissingRow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	tr := NewTokenResolver(dbx, testConfig())
	s := &Session{ChannelID: 1, Platform: "trovo", BotAccountID: "ghost-bot"}
	if _, _, err := tr.Resolve(context.Background(), s); err == nil {
		t.Fatal("missing override row must not resolve to an empty token")
	}
}

func TestTokenResolverNoCredentials(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	cfg := testConfig()
	cfg.BotTokens = map[string]string{}
	tr := NewTokenResolver(dbx, cfg)
	s := &Session{ChannelID: 1, Platform: "trovo"}
	if _, _, err := tr.Resolve(context.Background(), s); err == nil {
		t.Fatal("expected an error with no credentials anywhere")
	}
}

func TestOnAuthErrorRefreshesExactlyOnce(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	if err := db.UpsertBotToken(context.Background(), dbx, "trovo", "default",
		"old-access", "old-refresh", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var calls atomic.Int32
	tr := NewTokenResolver(dbx, testConfig())
	tr.Refreshers["trovo"] = func(_ context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if calls.Add(1) == 1 && refreshToken != "old-refresh" {
			t.Errorf("refresh token: got %q", refreshToken)
		}
		return "new-access", "new-refresh", time.Now().Add(time.Hour), "", nil
	}

	s := &Session{ChannelID: 1, Platform: "trovo"}
	tr.OnAuthError(context.Background(), s)
	tr.OnAuthError(context.Background(), s)
	tr.OnAuthError(context.Background(), s)
	if got := calls.Load(); got != 1 {
		t.Fatalf("refresh calls: got %d, want exactly 1", got)
	}

	access, refresh, _, _, err := db.GetBotToken(context.Background(), dbx, "trovo", "default")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if access != "new-access" || refresh != "new-refresh" {
		t.Fatalf("stored credential not rotated: %q/%q", access, refresh)
	}

	// A successful connect re-arms the allowance.
	s.clearAuthRefreshed()
	tr.OnAuthError(context.Background(), s)
	if got := calls.Load(); got != 2 {
		t.Fatalf("refresh calls after re-arm: got %d, want 2", got)
	}
}
