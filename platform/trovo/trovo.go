// Package trovo implements the Trovo chat adapter: a WebSocket connection to
// the open chat gateway with nonce-based AUTH, keepalive renegotiation, and
// batch chat decoding, plus the REST send endpoint. The connection is an
// explicit state machine (idle, connecting, awaiting_auth, ready, closed) so
// authentication failures are distinguishable from plain disconnects: only
// the former should trigger a token refresh upstream.
package trovo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wirestream/chatbot/platform"
)

const (
	// chatTypeLifecycle is the reserved chat item type carrying stream
	// on/off system lines. The payload text is classified heuristically.
	chatTypeLifecycle = 5012
	// chatTypeSpell marks reward/spell redemptions.
	chatTypeSpell = 5

	defaultKeepalive = 30 * time.Second
	minKeepalive     = 10 * time.Second
	writeWait        = 10 * time.Second
)

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateAwaitingAuth
	stateReady
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateAwaitingAuth:
		return "awaiting_auth"
	case stateReady:
		return "ready"
	default:
		return "closed"
	}
}

// frame is the gateway wire format shared by every message type.
type frame struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authData struct {
	Token string `json:"token"`
}

type respData struct {
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

type pongData struct {
	Gap int `json:"gap"` // next keepalive interval hint, seconds
}

type chatData struct {
	Chats []chatItem `json:"chats"`
}

type chatItem struct {
	Type     int    `json:"type"`
	Content  string `json:"content"`
	NickName string `json:"nick_name"`
	UserName string `json:"user_name"`
	SenderID int64  `json:"sender_id"`
}

// Adapter dials the Trovo chat gateway. Zero value works against production
// endpoints; tests point GatewayURL and SendURL at fakes.
type Adapter struct {
	GatewayURL string // default wss://open-chat.trovo.live/chat
	SendURL    string // default https://open-api.trovo.live/openplatform/chat/send
	ClientID   string
	Dialer     *websocket.Dialer
	HTTPClient *http.Client
}

func (a *Adapter) Name() string { return "trovo" }

func (a *Adapter) gatewayURL() string {
	if a.GatewayURL != "" {
		return a.GatewayURL
	}
	return "wss://open-chat.trovo.live/chat"
}

func (a *Adapter) sendURL() string {
	if a.SendURL != "" {
		return a.SendURL
	}
	return "https://open-api.trovo.live/openplatform/chat/send"
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

// Dial opens the socket, performs the AUTH handshake, and starts the read
// and keepalive loops. It returns only after the RESPONSE frame for the auth
// nonce arrives (or the handshake fails).
func (a *Adapter) Dial(ctx context.Context, ch platform.Channel, token string, ev platform.Events) (platform.Conn, error) {
	c := &conn{
		adapter:   a,
		channel:   ch,
		token:     token,
		ev:        ev,
		state:     stateIdle,
		keepalive: defaultKeepalive,
		gapCh:     make(chan time.Duration, 1),
		done:      make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

type conn struct {
	adapter *Adapter
	channel platform.Channel
	token   string
	ev      platform.Events

	ws      *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	state     connState
	authNonce string

	keepalive time.Duration
	gapCh     chan time.Duration

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func (c *conn) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// connect walks idle -> connecting -> awaiting_auth -> ready, returning to
// closed on any transition failure.
func (c *conn) connect(ctx context.Context) error {
	c.setState(stateConnecting)
	ws, _, err := c.adapter.dialer().DialContext(ctx, c.adapter.gatewayURL(), nil)
	if err != nil {
		c.setState(stateClosed)
		return fmt.Errorf("dial trovo gateway: %w", err)
	}
	c.ws = ws

	// Fresh nonce per connection attempt; the RESPONSE must echo it back.
	nonce := uuid.NewString()
	c.mu.Lock()
	c.authNonce = nonce
	c.state = stateAwaitingAuth
	c.mu.Unlock()

	if err := c.writeFrame(frame{Type: "AUTH", Nonce: nonce, Data: mustJSON(authData{Token: c.token})}); err != nil {
		c.teardown()
		return fmt.Errorf("send auth frame: %w", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			c.teardown()
			return fmt.Errorf("read auth response: %w", err)
		}
		if f.Type != "RESPONSE" || f.Nonce != nonce {
			// Unrelated traffic before the auth ack; keep waiting.
			continue
		}
		var rd respData
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &rd); err != nil {
				c.teardown()
				return fmt.Errorf("decode auth response: %w", err)
			}
		}
		if f.Error != "" || rd.Error != "" || (rd.OK != nil && !*rd.OK) {
			c.teardown()
			reason := f.Error
			if reason == "" {
				reason = rd.Error
			}
			return fmt.Errorf("trovo auth rejected (%s): %w", reason, platform.ErrAuth)
		}
		break
	}
	_ = ws.SetReadDeadline(time.Time{})
	c.setState(stateReady)
	slog.Debug("trovo connected", slog.String("channel", c.channel.Slug))
	return nil
}

func (c *conn) Ready() bool { return c.getState() == stateReady }

// Send posts a chat line through the REST send endpoint. The socket must be
// ready: the gateway only attributes sends to joined channels.
func (c *conn) Send(ctx context.Context, target, text string) error {
	if !c.Ready() {
		return platform.ErrNotConnected
	}
	payload, err := json.Marshal(map[string]string{
		"content":    text,
		"channel_id": c.channel.PlatformChannelID,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adapter.sendURL(), strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Client-ID", c.adapter.ClientID)
	req.Header.Set("Authorization", "OAuth "+c.token)
	resp, err := c.adapter.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("trovo send: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("trovo send unauthorized: %w", platform.ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("trovo send failed: %s: %s", resp.Status, string(b))
	}
	return nil
}

func (c *conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.setState(stateClosed)
		c.mu.Lock()
		c.authNonce = ""
		c.mu.Unlock()
		if c.ws != nil {
			_ = c.ws.Close()
		}
		close(c.done)
		if c.ev.OnClose != nil {
			c.ev.OnClose(err)
		}
	})
}

// teardown is closeWith for handshake failures: the OnClose callback must
// not fire because Dial reports the error directly.
func (c *conn) teardown() {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		close(c.done)
	})
}

func (c *conn) readLoop() {
	for {
		var f frame
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

func (c *conn) handleFrame(f frame) {
	switch f.Type {
	case "PING":
		// Unsolicited server probe; answer immediately.
		if err := c.writeFrame(frame{Type: "PONG", Nonce: f.Nonce}); err != nil {
			slog.Debug("trovo pong write failed", slog.Any("err", err))
		}
	case "PONG":
		var pd pongData
		if len(f.Data) > 0 && json.Unmarshal(f.Data, &pd) == nil && pd.Gap > 0 {
			gap := time.Duration(pd.Gap) * time.Second
			if gap < minKeepalive {
				gap = minKeepalive
			}
			select {
			case c.gapCh <- gap:
			default:
			}
		}
	case "CHAT":
		var cd chatData
		if err := json.Unmarshal(f.Data, &cd); err != nil {
			slog.Debug("trovo malformed chat frame dropped", slog.Any("err", err), slog.String("channel", c.channel.Slug))
			return
		}
		for _, item := range cd.Chats {
			c.handleChat(item)
		}
	case "RESPONSE":
		// Late or duplicate ack; nothing to do once ready.
	default:
		slog.Debug("trovo unknown frame type", slog.String("type", f.Type))
	}
}

func (c *conn) handleChat(item chatItem) {
	if item.Type == chatTypeLifecycle {
		if l := platform.ClassifyLifecycle(item.Content); l != platform.LifecycleNone && c.ev.OnLifecycle != nil {
			c.ev.OnLifecycle(l)
		}
		return
	}
	ev := platform.ChatEvent{
		UserID:      strconv.FormatInt(item.SenderID, 10),
		DisplayName: item.NickName,
		Login:       item.UserName,
		Text:        strings.TrimSpace(item.Content),
	}
	if c.ev.OnReward != nil && c.ev.OnReward(ev) {
		return
	}
	if item.Type == chatTypeSpell {
		// Reward redemption, not a conversational message.
		return
	}
	if item.SenderID == 0 || ev.Text == "" {
		return
	}
	if c.ev.OnChat != nil {
		c.ev.OnChat(ev)
	}
}

// pingLoop sends keepalive probes, rescheduling when the server advertises a
// different gap in its PONG.
func (c *conn) pingLoop() {
	timer := time.NewTimer(c.keepalive)
	defer timer.Stop()
	for {
		select {
		case <-c.done:
			return
		case gap := <-c.gapCh:
			c.keepalive = gap
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.keepalive)
		case <-timer.C:
			if err := c.writeFrame(frame{Type: "PING", Nonce: uuid.NewString()}); err != nil {
				c.closeWith(err)
				return
			}
			timer.Reset(c.keepalive)
		}
	}
}

func (c *conn) writeFrame(f frame) error {
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
