// Package kick implements the Kick chat adapter. Inbound chat arrives over
// Kick's Pusher-compatible WebSocket feed (subscribe to the chatroom
// channel, events carry double-encoded JSON payloads); outbound sends go
// through the public REST API with the bot's bearer token.
package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wirestream/chatbot/platform"
)

const (
	keepaliveInterval = 60 * time.Second
	writeWait         = 10 * time.Second
)

// Adapter dials the Kick chat feed. Zero value targets production.
type Adapter struct {
	FeedURL    string // default wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7
	SendURL    string // default https://api.kick.com/public/v1/chat
	Dialer     *websocket.Dialer
	HTTPClient *http.Client
}

func (a *Adapter) Name() string { return "kick" }

func (a *Adapter) feedURL() string {
	if a.FeedURL != "" {
		return a.FeedURL
	}
	return "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7"
}

func (a *Adapter) sendURL() string {
	if a.SendURL != "" {
		return a.SendURL
	}
	return "https://api.kick.com/public/v1/chat"
}

func (a *Adapter) dialer() *websocket.Dialer {
	if a.Dialer != nil {
		return a.Dialer
	}
	return websocket.DefaultDialer
}

func (a *Adapter) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// pusherFrame is the outer Pusher envelope. Server-sent application events
// carry data as a double-encoded JSON string; client frames carry a plain
// object, so Data stays raw and eventData unwraps either form.
type pusherFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// eventData returns the inner payload bytes, unwrapping the string form.
func (f pusherFrame) eventData() []byte {
	if len(f.Data) > 0 && f.Data[0] == '"' {
		var inner string
		if err := json.Unmarshal(f.Data, &inner); err != nil {
			return nil
		}
		return []byte(inner)
	}
	return f.Data
}

type chatMessageEvent struct {
	Content string `json:"content"`
	Sender  struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Slug     string `json:"slug"`
	} `json:"sender"`
}

// Dial connects the feed, subscribes to the channel's chatroom, and waits
// for the subscription ack before returning.
func (a *Adapter) Dial(ctx context.Context, ch platform.Channel, token string, ev platform.Events) (platform.Conn, error) {
	ws, _, err := a.dialer().DialContext(ctx, a.feedURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial kick feed: %w", err)
	}
	c := &conn{adapter: a, channel: ch, token: token, ev: ev, ws: ws, done: make(chan struct{})}

	chatroom := "chatrooms." + ch.PlatformChannelID + ".v2"
	deadline := time.Now().Add(15 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	established := false
	for {
		var f pusherFrame
		if err := ws.ReadJSON(&f); err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("kick handshake: %w", err)
		}
		switch f.Event {
		case "pusher:connection_established":
			established = true
			sub := pusherFrame{Event: "pusher:subscribe"}
			sub.Data = mustJSON(map[string]string{"channel": chatroom})
			if err := c.write(sub); err != nil {
				_ = ws.Close()
				return nil, fmt.Errorf("kick subscribe: %w", err)
			}
		case "pusher:error":
			_ = ws.Close()
			return nil, fmt.Errorf("kick feed error: %s", string(f.eventData()))
		case "pusher_internal:subscription_succeeded":
			if !established {
				continue
			}
			_ = ws.SetReadDeadline(time.Time{})
			c.markReady()
			go c.readLoop()
			go c.pingLoop()
			return c, nil
		}
	}
}

type conn struct {
	adapter *Adapter
	channel platform.Channel
	token   string
	ev      platform.Events

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	ready bool

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) markReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
}

func (c *conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Send posts a chat message via the public API. A 401 means the bot token
// is no longer valid and is surfaced as an auth error.
func (c *conn) Send(ctx context.Context, target, text string) error {
	if !c.Ready() {
		return platform.ErrNotConnected
	}
	payload, err := json.Marshal(map[string]any{
		"broadcaster_user_id": c.channel.PlatformChannelID,
		"content":             text,
		"type":                "bot",
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adapter.sendURL(), strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.adapter.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("kick send: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("kick send unauthorized: %w", platform.ErrAuth)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("kick send failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

func (c *conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
		_ = c.ws.Close()
		close(c.done)
		if c.ev.OnClose != nil {
			c.ev.OnClose(err)
		}
	})
}

func (c *conn) readLoop() {
	for {
		var f pusherFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				c.closeWith(err)
			}
			return
		}
		c.handleFrame(f)
	}
}

func (c *conn) handleFrame(f pusherFrame) {
	switch {
	case f.Event == "pusher:ping":
		if err := c.write(pusherFrame{Event: "pusher:pong"}); err != nil {
			slog.Debug("kick pong write failed", slog.Any("err", err))
		}
	case f.Event == "pusher:pong":
		// Our keepalive probe answered; nothing to reschedule, Kick's
		// feed does not advertise interval hints.
	case strings.HasSuffix(f.Event, "ChatMessageEvent"):
		var msg chatMessageEvent
		if err := json.Unmarshal(f.eventData(), &msg); err != nil {
			slog.Debug("kick malformed chat event dropped", slog.Any("err", err), slog.String("channel", c.channel.Slug))
			return
		}
		ev := platform.ChatEvent{
			UserID:      fmt.Sprintf("%d", msg.Sender.ID),
			DisplayName: msg.Sender.Username,
			Login:       msg.Sender.Slug,
			Text:        strings.TrimSpace(msg.Content),
		}
		if c.ev.OnReward != nil && c.ev.OnReward(ev) {
			return
		}
		if msg.Sender.ID == 0 || ev.Text == "" {
			return
		}
		if c.ev.OnChat != nil {
			c.ev.OnChat(ev)
		}
	case strings.HasSuffix(f.Event, "StreamerIsLive"):
		if c.ev.OnLifecycle != nil {
			c.ev.OnLifecycle(platform.LifecycleOnline)
		}
	case strings.HasSuffix(f.Event, "StopStreamBroadcast"):
		if c.ev.OnLifecycle != nil {
			c.ev.OnLifecycle(platform.LifecycleOffline)
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(pusherFrame{Event: "pusher:ping"}); err != nil {
				c.closeWith(err)
				return
			}
		}
	}
}

func (c *conn) write(f pusherFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
