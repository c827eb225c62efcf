package bot

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelLocks serializes sends per channel with TTL-bounded exclusion. A
// holder that never releases (crashed worker, hung send) loses the lock once
// the TTL passes, so the channel cannot wedge permanently. Safe for
// concurrent acquisition from multiple outbox workers.
type ChannelLocks struct {
	TTL time.Duration

	mu   sync.Mutex
	held map[int64]lockHold
	now  func() time.Time
}

type lockHold struct {
	token   string
	expires time.Time
}

func NewChannelLocks(ttl time.Duration) *ChannelLocks {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &ChannelLocks{TTL: ttl, held: make(map[int64]lockHold), now: time.Now}
}

// TryAcquire attempts to take the lock for channelID without blocking. An
// expired hold is reclaimed. Returns the release token and whether the lock
// was obtained.
func (l *ChannelLocks) TryAcquire(channelID int64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[channelID]; ok && now.Before(h.expires) {
		return "", false
	}
	tok := uuid.NewString()
	l.held[channelID] = lockHold{token: tok, expires: now.Add(l.TTL)}
	return tok, true
}

// Release frees the lock if token still owns it. Releasing after expiry (or
// after a reclaim) is a no-op, so release is always safe to defer.
func (l *ChannelLocks) Release(channelID int64, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[channelID]; ok && h.token == token {
		delete(l.held, channelID)
	}
}
