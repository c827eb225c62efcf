// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SendsAttempted   prometheus.Counter
	SendsSucceeded   prometheus.Counter
	SendsFailed      prometheus.Counter
	DedupSuppressed  prometheus.Counter
	RateDeferred     prometheus.Counter
	LockDeferred     prometheus.Counter
	Reconnects       *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
	SyncRuns         prometheus.Counter
	CommandsMatched  prometheus.Counter
	CreditsCallbacks prometheus.Counter

	// Histograms (seconds)
	SendDuration prometheus.Observer
	SyncDuration prometheus.Observer

	// Gauges
	ActiveSessions *prometheus.GaugeVec
	OutboxDepth    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SendsAttempted = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_sends_attempted_total", Help: "Outbox delivery attempts"})
		SendsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_sends_succeeded_total", Help: "Messages delivered to a platform"})
		SendsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_sends_failed_total", Help: "Delivery attempts that errored"})
		DedupSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_dedup_suppressed_total", Help: "Messages suppressed as duplicates"})
		RateDeferred = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_rate_deferred_total", Help: "Messages deferred by rate limits"})
		LockDeferred = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_lock_deferred_total", Help: "Messages deferred by channel lock contention"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbot_reconnects_total", Help: "Connection attempts after a drop"}, []string{"platform"})
		AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatbot_auth_failures_total", Help: "Authentication rejections by platform"}, []string{"platform"})
		SyncRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_sync_runs_total", Help: "Subscription sync executions"})
		CommandsMatched = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_commands_matched_total", Help: "Inbound messages matched to a command"})
		CreditsCallbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "chatbot_credits_callbacks_total", Help: "Credit callbacks attempted"})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbot_send_duration_seconds", Help: "Platform send duration seconds", Buckets: prometheus.DefBuckets})
		SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatbot_sync_duration_seconds", Help: "Subscription sync duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chatbot_active_sessions", Help: "Connected channel sessions"}, []string{"platform"})
		OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatbot_outbox_depth", Help: "Pending outbox messages"})
	})
}

// SetOutboxDepth records current pending outbox count.
func SetOutboxDepth(n int) {
	if OutboxDepth != nil {
		OutboxDepth.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
