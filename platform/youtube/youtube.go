// Package youtube implements the YouTube live chat adapter on top of the
// official Data API client. There is no chat socket; messages are polled
// from liveChatMessages honoring the server-suggested interval, and sends
// go through liveChatMessages.insert.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/wirestream/chatbot/platform"
)

// Adapter dials YouTube live chats. Endpoint is overridable for tests.
type Adapter struct {
	BaseURL     string // test override, e.g. an httptest server URL
	MinInterval time.Duration
}

func (a *Adapter) Name() string { return "youtube" }

func (a *Adapter) minInterval() time.Duration {
	if a.MinInterval > 0 {
		return a.MinInterval
	}
	return 2 * time.Second
}

// Dial resolves the channel's active live chat and starts polling it.
// A channel with no live broadcast is a dial failure so the connect loop
// retries with backoff until the stream starts.
func (a *Adapter) Dial(ctx context.Context, ch platform.Channel, token string, ev platform.Events) (platform.Conn, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})),
	}
	if a.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(a.BaseURL))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	chatID, err := resolveLiveChatID(ctx, svc, ch.PlatformChannelID)
	if err != nil {
		return nil, err
	}
	c := &conn{
		adapter: a,
		svc:     svc,
		chatID:  chatID,
		ev:      ev,
		done:    make(chan struct{}),
		ready:   true,
	}
	if ev.OnLifecycle != nil {
		ev.OnLifecycle(platform.LifecycleOnline)
	}
	go c.pollLoop()
	return c, nil
}

// resolveLiveChatID finds the active broadcast for a channel. The id may
// already be a video id, otherwise search for a live video on the channel.
func resolveLiveChatID(ctx context.Context, svc *youtube.Service, id string) (string, error) {
	videoID := id
	if looksLikeChannelID(id) {
		search, err := svc.Search.List([]string{"id"}).
			ChannelId(id).EventType("live").Type("video").MaxResults(1).
			Context(ctx).Do()
		if err != nil {
			return "", wrapAPIError("youtube search", err)
		}
		if len(search.Items) == 0 {
			return "", fmt.Errorf("youtube channel %s: no live broadcast", id)
		}
		videoID = search.Items[0].Id.VideoId
	}
	videos, err := svc.Videos.List([]string{"liveStreamingDetails"}).
		Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", wrapAPIError("youtube videos", err)
	}
	if len(videos.Items) == 0 || videos.Items[0].LiveStreamingDetails == nil {
		return "", fmt.Errorf("youtube video %s: not a live broadcast", videoID)
	}
	chatID := videos.Items[0].LiveStreamingDetails.ActiveLiveChatId
	if chatID == "" {
		return "", fmt.Errorf("youtube video %s: live chat closed", videoID)
	}
	return chatID, nil
}

func looksLikeChannelID(id string) bool {
	return strings.HasPrefix(id, "UC") && len(id) == 24
}

type conn struct {
	adapter *Adapter
	svc     *youtube.Service
	chatID  string
	ev      platform.Events

	mu    sync.Mutex
	ready bool

	closeOnce sync.Once
	done      chan struct{}
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
	_, err := c.svc.LiveChatMessages.Insert([]string{"snippet"}, &youtube.LiveChatMessage{
		Snippet: &youtube.LiveChatMessageSnippet{
			LiveChatId: c.chatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &youtube.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}).Context(ctx).Do()
	if err != nil {
		return wrapAPIError("youtube send", err)
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
	var pageToken string
	first := true
	interval := c.adapter.minInterval()
	for {
		select {
		case <-c.done:
			return
		case <-time.After(interval):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		resp, err := c.svc.LiveChatMessages.List(c.chatID, []string{"snippet", "authorDetails"}).
			PageToken(pageToken).Context(ctx).Do()
		cancel()
		if err != nil {
			c.closeWith(wrapAPIError("youtube poll", err))
			return
		}
		pageToken = resp.NextPageToken
		if suggested := time.Duration(resp.PollingIntervalMillis) * time.Millisecond; suggested > c.adapter.minInterval() {
			interval = suggested
		}
		if resp.OfflineAt != "" {
			if c.ev.OnLifecycle != nil {
				c.ev.OnLifecycle(platform.LifecycleOffline)
			}
			c.closeWith(nil)
			return
		}
		if first {
			// First page is history from before we attached; skip it so
			// old commands are not replayed.
			first = false
			continue
		}
		for _, item := range resp.Items {
			c.deliver(item)
		}
	}
}

func (c *conn) deliver(item *youtube.LiveChatMessage) {
	if item.Snippet == nil || item.AuthorDetails == nil {
		return
	}
	if item.Snippet.Type == "chatEndedEvent" {
		if c.ev.OnLifecycle != nil {
			c.ev.OnLifecycle(platform.LifecycleOffline)
		}
		c.closeWith(nil)
		return
	}
	if item.Snippet.Type != "textMessageEvent" || item.Snippet.TextMessageDetails == nil {
		return
	}
	ev := platform.ChatEvent{
		UserID:      item.AuthorDetails.ChannelId,
		DisplayName: item.AuthorDetails.DisplayName,
		Login:       item.AuthorDetails.DisplayName,
		Text:        strings.TrimSpace(item.Snippet.TextMessageDetails.MessageText),
	}
	if c.ev.OnReward != nil && c.ev.OnReward(ev) {
		return
	}
	if ev.UserID == "" || ev.Text == "" {
		return
	}
	if c.ev.OnChat != nil {
		c.ev.OnChat(ev)
	}
}

func wrapAPIError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 403) {
		return fmt.Errorf("%s unauthorized (%d): %w", op, apiErr.Code, platform.ErrAuth)
	}
	return fmt.Errorf("%s: %w", op, err)
}
