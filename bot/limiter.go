package bot

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter bounds outbound sends with sliding windows: one global window
// across all channels and one window per channel. Saturation defers the send
// (the message stays pending); nothing is dropped here.
type RateLimiter struct {
	GlobalMax     int
	GlobalWindow  time.Duration
	ChannelMax    int
	ChannelWindow time.Duration

	mu       sync.Mutex
	global   []time.Time
	channels map[int64][]time.Time
	now      func() time.Time
}

func NewRateLimiter(globalMax int, globalWindow time.Duration, channelMax int, channelWindow time.Duration) *RateLimiter {
	return &RateLimiter{
		GlobalMax:     globalMax,
		GlobalWindow:  globalWindow,
		ChannelMax:    channelMax,
		ChannelWindow: channelWindow,
		channels:      make(map[int64][]time.Time),
		now:           time.Now,
	}
}

// Allow reports whether a send to channelID fits in both windows, recording
// the attempt when it does. A false return records nothing, so a deferred
// message does not consume budget.
func (r *RateLimiter) Allow(channelID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	r.global = evictBefore(r.global, now.Add(-r.GlobalWindow))
	perCh := evictBefore(r.channels[channelID], now.Add(-r.ChannelWindow))

	if r.GlobalMax > 0 && len(r.global) >= r.GlobalMax {
		r.channels[channelID] = perCh
		return false
	}
	if r.ChannelMax > 0 && len(perCh) >= r.ChannelMax {
		r.channels[channelID] = perCh
		return false
	}
	r.global = append(r.global, now)
	r.channels[channelID] = append(perCh, now)
	return true
}

func evictBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Deduper suppresses duplicate sends within a time window. The key is the
// channel id plus normalized message text, so retried upstream triggers that
// enqueue the same reply twice produce exactly one platform send.
type Deduper struct {
	Window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{Window: window, seen: make(map[string]time.Time), now: time.Now}
}

// DedupKey builds the suppression key for a message.
func DedupKey(channelID int64, text string) string {
	return strconv.FormatInt(channelID, 10) + "|" + strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Seen reports whether the key was recorded within the window, recording it
// on first sight. Expired entries are evicted opportunistically.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, t := range d.seen {
		if now.Sub(t) > d.Window {
			delete(d.seen, k)
		}
	}
	if t, ok := d.seen[key]; ok && now.Sub(t) <= d.Window {
		return true
	}
	d.seen[key] = now
	return false
}

// Observed is the non-recording check. The dispatcher peeks before the rate
// and lock gates and records with Seen only after a successful send, so a
// deferred message is not suppressed when it comes back around.
func (d *Deduper) Observed(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.seen[key]
	return ok && d.now().Sub(t) <= d.Window
}
