package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wirestream/chatbot/bot"
	"github.com/wirestream/chatbot/config"
	"github.com/wirestream/chatbot/db"
	"github.com/wirestream/chatbot/telemetry"
)

type Handlers struct {
	db       *sql.DB
	cfg      *config.Config
	sessions *bot.SessionStore
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type platformStatus struct {
	Sessions  int `json:"sessions"`
	Connected int `json:"connected"`
	Live      int `json:"live"`
}

type statusResponse struct {
	Platforms   map[string]platformStatus `json:"platforms"`
	OutboxDepth int                       `json:"outboxDepth"`
}

// HandleStatus reports session counts per platform and outbox depth.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Platforms: map[string]platformStatus{}}
	for _, name := range config.Platforms {
		resp.Platforms[name] = platformStatus{}
	}
	for _, s := range h.sessions.List() {
		ps := resp.Platforms[s.Platform]
		ps.Sessions++
		if s.Connected() {
			ps.Connected++
		}
		if s.Live() {
			ps.Live++
		}
		resp.Platforms[s.Platform] = ps
	}
	if depth, err := db.CountPendingOutbox(r.Context(), h.db); err == nil {
		resp.OutboxDepth = depth
		telemetry.SetOutboxDepth(depth)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type enqueueRequest struct {
	ChannelID   int64  `json:"channelId"`
	TargetLogin string `json:"targetLogin"`
	Text        string `json:"text"`
}

// HandleEnqueueMessage accepts a message from another service and queues it
// for delivery. The outbox applies the usual rate, dedup, and lock gates; a
// 202 here means accepted, not sent.
func (h *Handlers) HandleEnqueueMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ChannelID <= 0 || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "channelId and text are required", http.StatusBadRequest)
		return
	}
	if err := db.EnqueueOutbox(r.Context(), h.db, req.ChannelID, req.TargetLogin, req.Text); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}
