package bot

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/wirestream/chatbot/db"
	"github.com/wirestream/chatbot/platform"
	"github.com/wirestream/chatbot/testutil"
)

// connectedSession installs a session with a live fake connection, the way
// the runtime leaves it after a successful dial.
func connectedSession(rt *Runtime, channelID int64, slug string) *fakeConn {
	s := &Session{ChannelID: channelID, Platform: "trovo", Slug: slug}
	conn := &fakeConn{}
	s.setConnected(conn)
	rt.Sessions.Put(s)
	return conn
}

func outboxStatus(t *testing.T, dbx *sql.DB, id int64) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := dbx.QueryRow(`SELECT status, attempts FROM outbox_messages WHERE id=$1`, id).Scan(&status, &attempts); err != nil {
		t.Fatalf("outbox status: %v", err)
	}
	return status, attempts
}

func enqueue(t *testing.T, dbx *sql.DB, channelID int64, text string) int64 {
	t.Helper()
	var id int64
	err := dbx.QueryRow(`INSERT INTO outbox_messages (channel_id, target_login, message) VALUES ($1, '', $2) RETURNING id`,
		channelID, text).Scan(&id)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestDispatcherDeliversAndDedups(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	rt := NewRuntime(dbx, testConfig(), nil)
	conn := connectedSession(rt, 1, "alice")
	d := NewDispatcher(rt)

	first := enqueue(t, dbx, 1, "live for 2h")
	second := enqueue(t, dbx, 1, "Live for 2h ") // same after normalization

	if _, err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("sends: got %d, want 1 (duplicate suppressed)", len(conn.sent))
	}
	for _, id := range []int64{first, second} {
		if status, _ := outboxStatus(t, dbx, id); status != "sent" {
			t.Fatalf("message %d: status %q, want sent", id, status)
		}
	}
}

func TestDispatcherDropsEmptyText(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	rt := NewRuntime(dbx, testConfig(), nil)
	conn := connectedSession(rt, 1, "alice")
	d := NewDispatcher(rt)

	id := enqueue(t, dbx, 1, "   ")
	if _, err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(conn.sent) != 0 {
		t.Fatal("whitespace-only message must not be sent")
	}
	if status, _ := outboxStatus(t, dbx, id); status != "sent" {
		t.Fatalf("status %q, want sent", status)
	}
}

func TestDispatcherRateDeferralKeepsAttempts(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	cfg := testConfig()
	cfg.RateChannelMax = 1
	rt := NewRuntime(dbx, cfg, nil)
	conn := connectedSession(rt, 1, "alice")
	d := NewDispatcher(rt)

	enqueue(t, dbx, 1, "first")
	deferred := enqueue(t, dbx, 1, "second")

	if _, err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("sends: got %d, want 1", len(conn.sent))
	}
	status, attempts := outboxStatus(t, dbx, deferred)
	if status != "pending" {
		t.Fatalf("deferred status %q, want pending", status)
	}
	if attempts != 0 {
		t.Fatalf("rate deferral must not consume an attempt: attempts=%d", attempts)
	}
}

func TestDispatcherLockDeferral(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	rt := NewRuntime(dbx, testConfig(), nil)
	connectedSession(rt, 1, "alice")
	d := NewDispatcher(rt)

	// Another worker holds the channel lock.
	tok, ok := rt.Locks.TryAcquire(1)
	if !ok {
		t.Fatal("setup: lock acquire failed")
	}
	defer rt.Locks.Release(1, tok)

	id := enqueue(t, dbx, 1, "hello")
	if _, err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	status, attempts := outboxStatus(t, dbx, id)
	if status != "pending" || attempts != 0 {
		t.Fatalf("locked channel: status=%q attempts=%d, want pending/0", status, attempts)
	}
}

func TestDispatcherRetryExhaustion(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	cfg := testConfig()
	cfg.OutboxMaxAttempts = 2
	rt := NewRuntime(dbx, cfg, nil)
	connectedSession(rt, 1, "alice")
	d := NewDispatcher(rt)
	d.sendFn = func(context.Context, platform.Conn, string, string) error {
		return errors.New("send exploded")
	}

	id := enqueue(t, dbx, 1, "doomed")

	if _, err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	status, attempts := outboxStatus(t, dbx, id)
	if status != "pending" || attempts != 1 {
		t.Fatalf("after first failure: status=%q attempts=%d, want pending/1", status, attempts)
	}

	if _, err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	status, attempts = outboxStatus(t, dbx, id)
	if status != "failed" || attempts != 2 {
		t.Fatalf("after exhaustion: status=%q attempts=%d, want failed/2", status, attempts)
	}
}

func TestDispatcherDefersUnknownChannel(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	rt := NewRuntime(dbx, testConfig(), nil)
	d := NewDispatcher(rt)

	id := enqueue(t, dbx, 99, "nobody home")
	if _, err := d.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	status, attempts := outboxStatus(t, dbx, id)
	if status != "pending" || attempts != 1 {
		t.Fatalf("unknown channel: status=%q attempts=%d, want pending/1", status, attempts)
	}
}

func TestClaimOutboxBatchSkipsClaimed(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	enqueue(t, dbx, 1, "one")
	enqueue(t, dbx, 1, "two")

	first, err := db.ClaimOutboxBatch(context.Background(), dbx, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	second, err := db.ClaimOutboxBatch(context.Background(), dbx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("claims: got %d and %d, want 1 and 1", len(first), len(second))
	}
	if first[0].ID == second[0].ID {
		t.Fatal("two claims must not return the same message")
	}
}
