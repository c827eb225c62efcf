package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func setup(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(context.Background(), dbx); err != nil {
		dbx.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { dbx.Close() })
	return dbx
}

func reset(t *testing.T, dbx *sql.DB) {
	t.Helper()
	for _, table := range []string{"outbox_messages", "commands", "bot_overrides", "subscriptions", "bot_tokens", "kv"} {
		if _, err := dbx.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("reset %s: %v", table, err)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbx := setup(t)
	// Running again must be a no-op, not an error.
	if err := Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestBotTokenRoundTrip(t *testing.T) {
	dbx := setup(t)
	reset(t, dbx)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := UpsertBotToken(context.Background(), dbx, "trovo", "default", "acc", "ref", exp, "chat:send"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	access, refresh, expiry, scope, err := GetBotToken(context.Background(), dbx, "trovo", "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "acc" || refresh != "ref" || scope != "chat:send" {
		t.Fatalf("round trip: %q %q %q", access, refresh, scope)
	}
	if !expiry.Equal(exp) {
		t.Fatalf("expiry: got %v, want %v", expiry, exp)
	}

	// Upsert replaces, keyed by (provider, account).
	if err := UpsertBotToken(context.Background(), dbx, "trovo", "default", "acc2", "ref2", exp, ""); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	access, _, _, _, err = GetBotToken(context.Background(), dbx, "trovo", "default")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "acc2" {
		t.Fatalf("update: got %q", access)
	}

	if _, _, _, _, err := GetBotToken(context.Background(), dbx, "trovo", "missing"); err == nil {
		t.Fatal("missing account should error")
	}
}

func TestKVRoundTrip(t *testing.T) {
	dbx := setup(t)
	reset(t, dbx)

	if err := SetKV(context.Background(), dbx, "stream_online_since:trovo:1", "2026-08-30T12:00:00Z"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := GetKV(context.Background(), dbx, "stream_online_since:trovo:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "2026-08-30T12:00:00Z" {
		t.Fatalf("value: %q", v)
	}
	// Overwrite.
	if err := SetKV(context.Background(), dbx, "stream_online_since:trovo:1", ""); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _ := GetKV(context.Background(), dbx, "stream_online_since:trovo:1"); v != "" {
		t.Fatalf("overwritten value: %q", v)
	}
}
