// Package platform defines the adapter contract shared by every chat
// platform integration (Twitch, YouTube, Trovo, Kick, VK Video) plus the
// normalized event types the runtime consumes. Concrete adapters live in
// subpackages; the runtime never touches protocol framing directly.
package platform

import (
	"context"
	"errors"
	"strings"
)

// ErrAuth marks a connection failure caused by a rejected or expired token.
// The runtime treats it differently from a plain network error: it triggers
// exactly one token refresh before the next reconnect attempt.
var ErrAuth = errors.New("platform: authentication rejected")

// ErrNotConnected is returned by Send when the underlying connection is gone.
var ErrNotConnected = errors.New("platform: not connected")

// Channel identifies one subscribed channel to an adapter.
type Channel struct {
	ID                int64  // internal channel id
	PlatformChannelID string // the platform's own channel identifier
	Slug              string // public slug used in URLs and credit callbacks
	BotLogin          string // login of the bot identity serving this channel
}

// ChatEvent is a normalized inbound chat message.
type ChatEvent struct {
	UserID      string
	DisplayName string
	Login       string
	Text        string
}

// Lifecycle is a stream on/off signal decoded from platform events.
type Lifecycle int

const (
	LifecycleNone Lifecycle = iota
	LifecycleOnline
	LifecycleOffline
)

// Events carries the runtime callbacks an adapter invokes for one channel
// connection. All callbacks may be invoked from the adapter's read goroutine;
// they must not block for long.
type Events struct {
	// OnChat delivers a normalized chat message for command matching.
	OnChat func(ev ChatEvent)
	// OnLifecycle delivers a stream online/offline signal.
	OnLifecycle func(l Lifecycle)
	// OnReward inspects an event before command matching; returning true
	// means the event was consumed (e.g. a point redemption) and must be
	// skipped by command matching.
	OnReward func(ev ChatEvent) bool
	// OnClose fires once when the connection drops for any reason after a
	// successful Dial. The error is nil on a locally requested close.
	OnClose func(err error)
}

// Conn is a live, authenticated connection to one channel's chat.
type Conn interface {
	// Send delivers a chat message. Serialization per channel is the
	// caller's responsibility (the outbox channel lock).
	Send(ctx context.Context, target, text string) error
	// Close tears the connection down. Idempotent.
	Close() error
	// Ready reports whether the connection is authenticated and joined.
	Ready() bool
}

// Adapter owns connectivity for one platform.
type Adapter interface {
	Name() string
	// Dial opens and authenticates a connection for the channel. It blocks
	// until the connection is ready or failed; inbound events are delivered
	// through ev until Close or a drop. Auth rejections are reported with
	// an error wrapping ErrAuth.
	Dial(ctx context.Context, ch Channel, token string, ev Events) (Conn, error)
}

// ClassifyLifecycle applies the shared free-text heuristic for stream
// lifecycle payloads. Platforms that only expose lifecycle changes as system
// chat lines get classified by keyword; anything unrecognized is None.
func ClassifyLifecycle(text string) Lifecycle {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "offline") || strings.Contains(t, "stop") || strings.Contains(t, "ended"):
		return LifecycleOffline
	case strings.Contains(t, "online") || strings.Contains(t, "start") || strings.Contains(t, "live"):
		return LifecycleOnline
	default:
		return LifecycleNone
	}
}
