package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/wirestream/chatbot/telemetry"
)

// CreditsClient notifies the main product backend that a viewer chatted, so
// watch-credit accrual can count chat participation. Delivery is best effort:
// a failed callback is logged and dropped, never retried, and never blocks
// message handling.
type CreditsClient struct {
	BaseURL    string
	AuthKey    string
	HTTPClient *http.Client
}

func NewCreditsClient(baseURL, authKey string) *CreditsClient {
	return &CreditsClient{
		BaseURL:    baseURL,
		AuthKey:    authKey,
		HTTPClient: &http.Client{Timeout: 3 * time.Second},
	}
}

type chatterPayload struct {
	ChannelSlug string `json:"channelSlug"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Notify fires the callback in a goroutine and returns immediately.
func (c *CreditsClient) Notify(channelSlug, userID, displayName string) {
	if c == nil || c.BaseURL == "" {
		return
	}
	go c.post(chatterPayload{ChannelSlug: channelSlug, UserID: userID, DisplayName: displayName})
}

func (c *CreditsClient) post(p chatterPayload) {
	telemetry.CreditsCallbacks.Inc()
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/internal/credits/chatter", bytes.NewReader(body))
	if err != nil {
		slog.Warn("credits callback build failed", slog.Any("err", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthKey != "" {
		req.Header.Set("X-Internal-Auth", c.AuthKey)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("credits callback failed", slog.String("channel", p.ChannelSlug), slog.Any("err", err))
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode >= 300 {
		slog.Warn("credits callback rejected",
			slog.String("channel", p.ChannelSlug), slog.Int("status", resp.StatusCode))
	}
}
