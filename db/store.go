package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Subscription is one enabled channel subscription as the synchronizer sees it.
type Subscription struct {
	ChannelID         int64
	UserID            int64
	Platform          string
	PlatformChannelID string
	Slug              string
}

// CommandRow is a chat command as stored.
type CommandRow struct {
	Trigger      string
	Response     string
	OnlyWhenLive bool
	AllowedRoles string // comma separated, empty means everyone
}

// OutboxMessage is one claimed outbound chat message.
type OutboxMessage struct {
	ID          int64
	ChannelID   int64
	TargetLogin string
	Text        string
	Attempts    int
	CreatedAt   time.Time
}

const undefinedTable = "42P01"

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

// ListEnabledSubscriptions returns enabled subscriptions for a platform,
// honoring the optional per-channel integration gate in channel_settings. A
// channel is gated out only when its gate row is explicitly 'off'; when the
// gate table has not been migrated yet this degrades to no gating.
func ListEnabledSubscriptions(ctx context.Context, dbx *sql.DB, platform string) ([]Subscription, error) {
	gated := `SELECT s.channel_id, s.user_id, s.platform_channel_id, s.slug
		FROM subscriptions s
		LEFT JOIN channel_settings cs ON cs.channel_id = s.channel_id AND cs.key = 'chatbot_enabled'
		WHERE s.enabled AND s.platform = $1 AND COALESCE(cs.value, 'on') <> 'off'
		ORDER BY s.channel_id`
	rows, err := dbx.QueryContext(ctx, gated, platform)
	if isUndefinedTable(err) {
		plain := `SELECT channel_id, user_id, platform_channel_id, slug
			FROM subscriptions WHERE enabled AND platform = $1 ORDER BY channel_id`
		rows, err = dbx.QueryContext(ctx, plain, platform)
	}
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		s := Subscription{Platform: platform}
		if err := rows.Scan(&s.ChannelID, &s.UserID, &s.PlatformChannelID, &s.Slug); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListBotOverrides returns channel id -> override bot account id for the
// given channels. Callers treat an error here as "no overrides" so a broken
// or missing override table never fails a whole sync.
func ListBotOverrides(ctx context.Context, dbx *sql.DB, channelIDs []int64) (map[int64]string, error) {
	if len(channelIDs) == 0 {
		return map[int64]string{}, nil
	}
	ids := make([]int32, 0, len(channelIDs))
	for _, id := range channelIDs {
		ids = append(ids, int32(id))
	}
	rows, err := dbx.QueryContext(ctx,
		`SELECT channel_id, bot_account_id FROM bot_overrides WHERE channel_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list bot overrides: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var acc string
		if err := rows.Scan(&id, &acc); err != nil {
			return nil, err
		}
		out[id] = acc
	}
	return out, rows.Err()
}

// ListCommands returns the commands configured for one channel.
func ListCommands(ctx context.Context, dbx *sql.DB, channelID int64) ([]CommandRow, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT trigger, response, only_when_live, COALESCE(allowed_roles, '')
		 FROM commands WHERE channel_id = $1 ORDER BY id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()
	var out []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(&c.Trigger, &c.Response, &c.OnlyWhenLive, &c.AllowedRoles); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EnqueueOutbox inserts a pending outbound message.
func EnqueueOutbox(ctx context.Context, dbx *sql.DB, channelID int64, targetLogin, text string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO outbox_messages (channel_id, target_login, message) VALUES ($1,$2,$3)`,
		channelID, targetLogin, text)
	return err
}

// ClaimOutboxBatch atomically claims up to n pending messages. SKIP LOCKED
// keeps concurrent pollers and queue workers from claiming the same rows.
// Claimed rows move to 'sending'; a delivery pass must settle each one via
// MarkOutboxSent, DeferOutbox, or MarkOutboxFailed.
func ClaimOutboxBatch(ctx context.Context, dbx *sql.DB, n int) ([]OutboxMessage, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := dbx.QueryContext(ctx, `
		UPDATE outbox_messages SET status='sending', updated_at=NOW()
		WHERE id IN (
			SELECT id FROM outbox_messages WHERE status='pending'
			ORDER BY created_at, id LIMIT $1 FOR UPDATE SKIP LOCKED
		)
		RETURNING id, channel_id, target_login, message, attempts, created_at`, n)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()
	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.TargetLogin, &m.Text, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkOutboxSent finalizes a delivered (or dedup-suppressed) message. The
// status transition is one-way: a sent message is never claimed again.
func MarkOutboxSent(ctx context.Context, dbx *sql.DB, id int64) error {
	_, err := dbx.ExecContext(ctx,
		`UPDATE outbox_messages SET status='sent', updated_at=NOW() WHERE id=$1`, id)
	return err
}

// DeferOutbox returns a claimed message to pending. When countAttempt is set
// the attempt counter increments (a real delivery failure); schedule
// contention defers without consuming an attempt.
func DeferOutbox(ctx context.Context, dbx *sql.DB, id int64, countAttempt bool) error {
	if countAttempt {
		_, err := dbx.ExecContext(ctx,
			`UPDATE outbox_messages SET status='pending', attempts=attempts+1, updated_at=NOW() WHERE id=$1`, id)
		return err
	}
	_, err := dbx.ExecContext(ctx,
		`UPDATE outbox_messages SET status='pending', updated_at=NOW() WHERE id=$1`, id)
	return err
}

// MarkOutboxFailed marks a message permanently failed after retry exhaustion.
func MarkOutboxFailed(ctx context.Context, dbx *sql.DB, id int64) error {
	_, err := dbx.ExecContext(ctx,
		`UPDATE outbox_messages SET status='failed', attempts=attempts+1, updated_at=NOW() WHERE id=$1`, id)
	return err
}

// CountPendingOutbox reports queue depth for metrics and /status.
func CountPendingOutbox(ctx context.Context, dbx *sql.DB) (int, error) {
	var n int
	err := dbx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM outbox_messages WHERE status='pending'`).Scan(&n)
	return n, err
}

// RequeueStuckOutbox returns messages stuck in 'sending' (a crashed worker)
// to pending after they have been claimed longer than age.
func RequeueStuckOutbox(ctx context.Context, dbx *sql.DB, age time.Duration) (int64, error) {
	res, err := dbx.ExecContext(ctx, `
		UPDATE outbox_messages SET status='pending', updated_at=NOW()
		WHERE status='sending' AND updated_at < NOW() - make_interval(secs => $1)`,
		age.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
