package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wirestream/chatbot/db"
	"github.com/wirestream/chatbot/platform"
	"github.com/wirestream/chatbot/telemetry"
)

// stuckClaimAge is how long a message may sit in 'sending' before it is
// assumed orphaned by a crashed worker and returned to pending.
const stuckClaimAge = 2 * time.Minute

// Dispatcher drains the outbox and delivers messages through live platform
// connections. Every message passes the same gates in order: dedup peek,
// global and per-channel rate limits, the channel TTL lock, then a connected
// session. Gate contention defers without consuming an attempt; only real
// delivery failures count toward MaxAttempts.
type Dispatcher struct {
	rt *Runtime

	Mode         string
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	MaxAttempts  int

	// sendFn is the delivery seam for tests; nil means conn.Send.
	sendFn func(ctx context.Context, conn platform.Conn, target, text string) error
}

func NewDispatcher(rt *Runtime) *Dispatcher {
	return &Dispatcher{
		rt:           rt,
		Mode:         rt.Cfg.OutboxMode,
		PollInterval: rt.Cfg.OutboxPollInterval,
		BatchSize:    rt.Cfg.OutboxBatchSize,
		Concurrency:  rt.Cfg.OutboxConcurrency,
		MaxAttempts:  rt.Cfg.OutboxMaxAttempts,
	}
}

// Run drains the outbox until ctx ends. Poll mode claims batches on a ticker;
// queue mode keeps a bounded worker pool claiming single messages as fast as
// deliveries complete.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.Mode == "queue" {
		d.runQueue(ctx)
		return
	}
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.ProcessOnce(ctx); err != nil {
				slog.Error("outbox pass failed", slog.Any("err", err))
			}
		}
	}
}

func (d *Dispatcher) runQueue(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Concurrency)
	for ctx.Err() == nil {
		msgs, err := db.ClaimOutboxBatch(ctx, d.rt.DB, 1)
		if err != nil {
			slog.Error("outbox claim failed", slog.Any("err", err))
		}
		if len(msgs) == 0 {
			d.housekeeping(ctx)
			select {
			case <-ctx.Done():
			case <-time.After(d.PollInterval):
			}
			continue
		}
		msg := msgs[0]
		g.Go(func() error {
			d.deliver(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()
}

// ProcessOnce claims and works one batch. It returns how many messages were
// claimed so tests and the queue loop can tell an idle pass from a busy one.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	msgs, err := db.ClaimOutboxBatch(ctx, d.rt.DB, d.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		d.deliver(ctx, m)
	}
	d.housekeeping(ctx)
	return len(msgs), nil
}

func (d *Dispatcher) housekeeping(ctx context.Context) {
	if n, err := db.RequeueStuckOutbox(ctx, d.rt.DB, stuckClaimAge); err == nil && n > 0 {
		slog.Warn("requeued stuck outbox messages", slog.Int64("count", n))
	}
	if depth, err := db.CountPendingOutbox(ctx, d.rt.DB); err == nil {
		telemetry.SetOutboxDepth(depth)
	}
}

// deliver settles one claimed message: sent, deferred back to pending, or
// failed.
func (d *Dispatcher) deliver(ctx context.Context, m db.OutboxMessage) {
	log := slog.With(slog.Int64("outbox_id", m.ID), slog.Int64("channel_id", m.ChannelID))

	text := strings.TrimSpace(m.Text)
	if text == "" {
		d.settle(ctx, log, db.MarkOutboxSent(ctx, d.rt.DB, m.ID))
		return
	}
	key := DedupKey(m.ChannelID, text)
	if d.rt.Deduper.Observed(key) {
		telemetry.DedupSuppressed.Inc()
		d.settle(ctx, log, db.MarkOutboxSent(ctx, d.rt.DB, m.ID))
		return
	}
	if !d.rt.Limiter.Allow(m.ChannelID) {
		telemetry.RateDeferred.Inc()
		d.settle(ctx, log, db.DeferOutbox(ctx, d.rt.DB, m.ID, false))
		return
	}
	lockToken, ok := d.rt.Locks.TryAcquire(m.ChannelID)
	if !ok {
		telemetry.LockDeferred.Inc()
		d.settle(ctx, log, db.DeferOutbox(ctx, d.rt.DB, m.ID, false))
		return
	}
	defer d.rt.Locks.Release(m.ChannelID, lockToken)

	s, ok := d.rt.Sessions.Get(m.ChannelID)
	var conn platform.Conn
	if ok {
		conn = s.Conn()
	}
	if conn == nil {
		// No live connection. Burn an attempt so a permanently unknown
		// channel fails out instead of circulating forever.
		if m.Attempts+1 >= d.MaxAttempts {
			log.Warn("dropping message for unreachable channel", slog.Int("attempts", m.Attempts+1))
			d.settle(ctx, log, db.MarkOutboxFailed(ctx, d.rt.DB, m.ID))
			return
		}
		d.settle(ctx, log, db.DeferOutbox(ctx, d.rt.DB, m.ID, true))
		return
	}

	telemetry.SendsAttempted.Inc()
	target := m.TargetLogin
	if target == "" {
		target = s.Slug
	}
	start := time.Now()
	var err error
	if d.sendFn != nil {
		err = d.sendFn(ctx, conn, target, text)
	} else {
		err = conn.Send(ctx, target, text)
	}
	if telemetry.SendDuration != nil {
		telemetry.SendDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		telemetry.SendsFailed.Inc()
		log.Warn("send failed", slog.Int("attempts", m.Attempts+1), slog.Any("err", err))
		if errors.Is(err, platform.ErrAuth) {
			telemetry.AuthFailures.WithLabelValues(s.Platform).Inc()
			d.rt.Tokens.OnAuthError(ctx, s)
			// Drop the connection; the reconnect picks up the repaired token.
			s.Disconnect()
			d.rt.Connect(ctx, s)
		}
		if m.Attempts+1 >= d.MaxAttempts {
			d.settle(ctx, log, db.MarkOutboxFailed(ctx, d.rt.DB, m.ID))
			return
		}
		d.settle(ctx, log, db.DeferOutbox(ctx, d.rt.DB, m.ID, true))
		return
	}
	telemetry.SendsSucceeded.Inc()
	d.rt.Deduper.Seen(key)
	d.settle(ctx, log, db.MarkOutboxSent(ctx, d.rt.DB, m.ID))
}

// settle logs a failed status write; the stuck-claim sweep recovers the row.
func (d *Dispatcher) settle(ctx context.Context, log *slog.Logger, err error) {
	if err != nil && ctx.Err() == nil {
		log.Error("outbox status update failed", slog.Any("err", err))
	}
}
