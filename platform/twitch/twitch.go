// Package twitch implements the Twitch chat adapter over IRC using
// gempir/go-twitch-irc. The library owns framing and keepalive (PING/PONG);
// this adapter maps its callbacks onto the normalized runtime events and
// turns the IRC login-failure NOTICE into an auth error so the runtime can
// refresh the bot token instead of blindly reconnecting.
package twitch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	irc "github.com/gempir/go-twitch-irc/v4"

	"github.com/wirestream/chatbot/platform"
)

// Adapter dials Twitch IRC. One client per channel session keeps the
// single-writer invariant trivially true.
type Adapter struct {
	// ConnectTimeout bounds the handshake; default 15s.
	ConnectTimeout time.Duration
	// WithTLSAddr overrides the IRC address for tests (host:port, no TLS).
	WithTLSAddr string
}

func (a *Adapter) Name() string { return "twitch" }

func (a *Adapter) connectTimeout() time.Duration {
	if a.ConnectTimeout > 0 {
		return a.ConnectTimeout
	}
	return 15 * time.Second
}

func (a *Adapter) Dial(ctx context.Context, ch platform.Channel, token string, ev platform.Events) (platform.Conn, error) {
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	client := irc.NewClient(ch.BotLogin, token)
	if a.WithTLSAddr != "" {
		client.IrcAddress = a.WithTLSAddr
		client.TLS = false
	}
	c := &conn{client: client, channel: ch, ev: ev, done: make(chan struct{})}

	ready := make(chan struct{})
	var readyOnce sync.Once
	authErr := make(chan error, 1)

	client.OnConnect(func() {
		c.markReady()
		readyOnce.Do(func() { close(ready) })
	})
	client.OnNoticeMessage(func(msg irc.NoticeMessage) {
		if strings.Contains(strings.ToLower(msg.Message), "authentication failed") {
			select {
			case authErr <- fmt.Errorf("twitch login rejected: %w", platform.ErrAuth):
			default:
			}
			client.Disconnect()
		}
	})
	client.OnPrivateMessage(func(msg irc.PrivateMessage) {
		e := platform.ChatEvent{
			UserID:      msg.User.ID,
			DisplayName: msg.User.DisplayName,
			Login:       msg.User.Name,
			Text:        strings.TrimSpace(msg.Message),
		}
		if ev.OnReward != nil && ev.OnReward(e) {
			return
		}
		// Reward redemptions arrive as PRIVMSG with a custom-reward-id tag.
		if msg.CustomRewardID != "" {
			return
		}
		if e.UserID == "" || e.Text == "" {
			return
		}
		if ev.OnChat != nil {
			ev.OnChat(e)
		}
	})

	client.Join(ch.Slug)
	go func() {
		err := client.Connect()
		select {
		case <-c.done:
		default:
			c.closeWith(err)
		}
	}()

	select {
	case <-ready:
		return c, nil
	case err := <-authErr:
		client.Disconnect()
		return nil, err
	case <-time.After(a.connectTimeout()):
		client.Disconnect()
		return nil, fmt.Errorf("twitch connect timeout for %s", ch.Slug)
	case <-ctx.Done():
		client.Disconnect()
		return nil, ctx.Err()
	}
}

type conn struct {
	client  *irc.Client
	channel platform.Channel
	ev      platform.Events

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

func (c *conn) Send(ctx context.Context, target, text string) error {
	if !c.Ready() {
		return platform.ErrNotConnected
	}
	ch := target
	if ch == "" {
		ch = c.channel.Slug
	}
	c.client.Say(ch, text)
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
		c.client.Disconnect()
		close(c.done)
		if c.ev.OnClose != nil {
			c.ev.OnClose(err)
		}
	})
}
