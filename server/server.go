// Package server exposes the HTTP surface: health and status probes, the
// metrics endpoint, and the internal enqueue API other services use to have
// the bot speak in a channel. It injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wirestream/chatbot/bot"
	"github.com/wirestream/chatbot/config"
	"github.com/wirestream/chatbot/telemetry"
)

// NewMux returns the HTTP handler with all routes.
func NewMux(dbx *sql.DB, cfg *config.Config, sessions *bot.SessionStore) http.Handler {
	h := &Handlers{db: dbx, cfg: cfg, sessions: sessions}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.Handle("/internal/messages", internalAuth(http.HandlerFunc(h.HandleEnqueueMessage), cfg.InternalAuthKey))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.NewString()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)
		mux.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func Start(ctx context.Context, dbx *sql.DB, cfg *config.Config, sessions *bot.SessionStore) error {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewMux(dbx, cfg, sessions),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("http shutdown failed", slog.Any("err", err))
		}
	}()
	slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
