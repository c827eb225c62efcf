// Package vk implements the VK Video chat adapter. VK exposes no chat
// socket for third parties, so inbound chat is polled from the API and
// outbound messages are posted as video comments. The poller presents the
// same Conn surface as the socket adapters, so the runtime treats all
// platforms uniformly.
package vk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wirestream/chatbot/platform"
)

const apiVersion = "5.199"

// Adapter polls the VK API. Zero value targets production.
type Adapter struct {
	APIBaseURL   string        // default https://api.vk.com/method
	PollInterval time.Duration // default 3s
	HTTPClient   *http.Client
}

func (a *Adapter) Name() string { return "vk" }

func (a *Adapter) apiBaseURL() string {
	if a.APIBaseURL != "" {
		return a.APIBaseURL
	}
	return "https://api.vk.com/method"
}

func (a *Adapter) pollInterval() time.Duration {
	if a.PollInterval > 0 {
		return a.PollInterval
	}
	return 3 * time.Second
}

func (a *Adapter) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type apiError struct {
	Code int    `json:"error_code"`
	Msg  string `json:"error_msg"`
}

type commentsResponse struct {
	Error    *apiError `json:"error"`
	Response *struct {
		Items []struct {
			ID     int64  `json:"id"`
			FromID int64  `json:"from_id"`
			Text   string `json:"text"`
		} `json:"items"`
		Profiles []struct {
			ID         int64  `json:"id"`
			FirstName  string `json:"first_name"`
			ScreenName string `json:"screen_name"`
		} `json:"profiles"`
		LiveStatus string `json:"live_status"`
	} `json:"response"`
}

// Dial validates the token with one initial poll, then starts the poll loop.
// VK auth errors (5: invalid token, 27/28: key errors) map to ErrAuth.
func (a *Adapter) Dial(ctx context.Context, ch platform.Channel, token string, ev platform.Events) (platform.Conn, error) {
	c := &conn{adapter: a, channel: ch, token: token, ev: ev, done: make(chan struct{})}
	if _, err := c.poll(ctx); err != nil {
		return nil, err
	}
	c.markReady()
	go c.pollLoop()
	return c, nil
}

type conn struct {
	adapter *Adapter
	channel platform.Channel
	token   string
	ev      platform.Events

	mu    sync.Mutex
	ready bool
	live  bool

	// lastID is the newest delivered comment id. Comment ids grow
	// monotonically per video, so everything at or below it is history;
	// a watermark keeps dedup state constant-size across a long stream.
	lastID int64

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

func (c *conn) Send(ctx context.Context, target, text string) error {
	if !c.Ready() {
		return platform.ErrNotConnected
	}
	form := url.Values{}
	form.Set("video_id", c.channel.PlatformChannelID)
	form.Set("message", text)
	var out struct {
		Error *apiError `json:"error"`
	}
	if err := c.call(ctx, "video.createComment", form, &out); err != nil {
		return err
	}
	if out.Error != nil {
		if isAuthCode(out.Error.Code) {
			return fmt.Errorf("vk send unauthorized (%d): %w", out.Error.Code, platform.ErrAuth)
		}
		return fmt.Errorf("vk send failed: %d %s", out.Error.Code, out.Error.Msg)
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
		close(c.done)
		if c.ev.OnClose != nil {
			c.ev.OnClose(err)
		}
	})
}

func (c *conn) pollLoop() {
	ticker := time.NewTicker(c.adapter.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
			events, err := c.poll(ctx)
			cancel()
			if err != nil {
				c.closeWith(err)
				return
			}
			for _, ev := range events {
				if c.ev.OnReward != nil && c.ev.OnReward(ev) {
					continue
				}
				if ev.UserID == "" || ev.Text == "" {
					continue
				}
				if c.ev.OnChat != nil {
					c.ev.OnChat(ev)
				}
			}
		}
	}
}

// poll fetches the newest comments and the stream's live status.
func (c *conn) poll(ctx context.Context) ([]platform.ChatEvent, error) {
	form := url.Values{}
	form.Set("video_id", c.channel.PlatformChannelID)
	form.Set("extended", "1")
	form.Set("sort", "desc")
	form.Set("count", "50")
	var out commentsResponse
	if err := c.call(ctx, "video.getComments", form, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		if isAuthCode(out.Error.Code) {
			return nil, fmt.Errorf("vk poll unauthorized (%d): %w", out.Error.Code, platform.ErrAuth)
		}
		return nil, fmt.Errorf("vk poll failed: %d %s", out.Error.Code, out.Error.Msg)
	}
	if out.Response == nil {
		return nil, nil
	}
	c.updateLive(out.Response.LiveStatus)
	names := make(map[int64]struct{ display, login string }, len(out.Response.Profiles))
	for _, p := range out.Response.Profiles {
		names[p.ID] = struct{ display, login string }{p.FirstName, p.ScreenName}
	}
	var events []platform.ChatEvent
	// Items arrive newest-first; deliver oldest-first, above the watermark.
	c.mu.Lock()
	last := c.lastID
	c.mu.Unlock()
	items := out.Response.Items
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.ID <= last {
			continue
		}
		last = it.ID
		n := names[it.FromID]
		events = append(events, platform.ChatEvent{
			UserID:      strconv.FormatInt(it.FromID, 10),
			DisplayName: n.display,
			Login:       n.login,
			Text:        strings.TrimSpace(it.Text),
		})
	}
	c.mu.Lock()
	if last > c.lastID {
		c.lastID = last
	}
	c.mu.Unlock()
	return events, nil
}

func (c *conn) updateLive(status string) {
	if status == "" || c.ev.OnLifecycle == nil {
		return
	}
	nowLive := status == "started"
	c.mu.Lock()
	changed := nowLive != c.live
	c.live = nowLive
	c.mu.Unlock()
	if !changed {
		return
	}
	if nowLive {
		c.ev.OnLifecycle(platform.LifecycleOnline)
	} else {
		c.ev.OnLifecycle(platform.LifecycleOffline)
	}
}

func (c *conn) call(ctx context.Context, method string, form url.Values, out any) error {
	form.Set("access_token", c.token)
	form.Set("v", apiVersion)
	endpoint := c.adapter.apiBaseURL() + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.adapter.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("vk %s: %w", method, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vk %s: %s: %s", method, resp.Status, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isAuthCode(code int) bool {
	switch code {
	case 5, 27, 28:
		return true
	}
	return false
}
