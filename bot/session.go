package bot

import (
	"sync"
	"time"

	"github.com/wirestream/chatbot/platform"
)

// Command is one cached chat command for a channel.
type Command struct {
	Trigger      string
	Response     string
	OnlyWhenLive bool
	AllowedRoles []string
}

// Session holds the live connectivity and identity state for one subscribed
// channel. Identity and command fields are mutated only by the Synchronizer;
// connectivity fields only by the session's own connect loop. That split is
// the locking discipline: no field has two writers.
type Session struct {
	ChannelID         int64
	UserID            int64
	Platform          string
	PlatformChannelID string
	Slug              string

	// BotAccountID is the per-channel override bot; empty means the shared
	// default bot identity.
	BotAccountID string

	mu          sync.Mutex
	conn        platform.Conn
	connected   bool
	connecting  bool
	lastConnect time.Time
	live        bool

	// Command cache with its last-refresh timestamp so inbound messages do
	// not hit the data store on every event.
	commands   []Command
	commandsTS time.Time

	backoff *Backoff
	// refreshedToken flags that the one allowed token refresh for the
	// current auth failure already happened.
	refreshedToken bool
	// dropped flags an OnClose that arrived while a connect loop was
	// mid-dial; the loop consumes it and treats the dial as failed.
	dropped bool
}

func (s *Session) Conn() platform.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	return s.conn
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// setConnected installs conn as the single live connection. The invariant is
// at most one open connection per session: any previous conn is closed first.
func (s *Session) setConnected(conn platform.Conn) {
	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.connected = conn != nil
	s.connecting = false
	if conn != nil {
		s.lastConnect = time.Now()
	}
	s.mu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

// beginConnect marks the session as mid-connect; returns false when already
// connected or another connect loop is running (the guard that makes connect
// attempts no-ops for live sessions).
func (s *Session) beginConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected || s.connecting {
		return false
	}
	s.connecting = true
	s.dropped = false
	return true
}

// noteDrop records a connection drop. When a connect loop is mid-dial the
// drop is left for that loop to consume and true is returned; the caller
// must not schedule its own reconnect.
func (s *Session) noteDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connecting {
		s.dropped = true
		return true
	}
	return false
}

// consumeDrop reports and clears a drop that landed mid-dial.
func (s *Session) consumeDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dropped
	s.dropped = false
	return d
}

func (s *Session) endConnect() {
	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()
}

// Disconnect closes any live connection and clears connectivity state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) SetLive(live bool) {
	s.mu.Lock()
	s.live = live
	s.mu.Unlock()
}

func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Session) cachedCommands(ttl time.Duration) ([]Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.commandsTS) > ttl {
		return nil, false
	}
	return s.commands, true
}

func (s *Session) setCommands(cmds []Command) {
	s.mu.Lock()
	s.commands = cmds
	s.commandsTS = time.Now()
	s.mu.Unlock()
}

// channelView snapshots the identity fields for dialing. The bot login comes
// from the token resolver, not the session, so the caller supplies it.
func (s *Session) channelView(botLogin string) platform.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return platform.Channel{
		ID:                s.ChannelID,
		PlatformChannelID: s.PlatformChannelID,
		Slug:              s.Slug,
		BotLogin:          botLogin,
	}
}

// updateIdentity applies the latest subscription row. It reports whether the
// platform channel id or bot identity changed, which forces a reconnect so
// the next dial targets the right chat with the right credentials.
func (s *Session) updateIdentity(userID int64, platformChannelID, slug, botAccountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	forced := platformChannelID != s.PlatformChannelID || botAccountID != s.BotAccountID
	s.UserID = userID
	s.PlatformChannelID = platformChannelID
	s.Slug = slug
	s.BotAccountID = botAccountID
	return forced
}

// markAuthRefreshed consumes the single token-refresh allowance for the
// current auth failure. It returns false when the allowance is already spent.
func (s *Session) markAuthRefreshed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshedToken {
		return false
	}
	s.refreshedToken = true
	return true
}

func (s *Session) clearAuthRefreshed() {
	s.mu.Lock()
	s.refreshedToken = false
	s.mu.Unlock()
}

func (s *Session) nextBackoff(base, max time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff == nil {
		s.backoff = NewBackoff(base, max)
	}
	return s.backoff.Next()
}

func (s *Session) resetBackoff() {
	s.mu.Lock()
	if s.backoff != nil {
		s.backoff.Reset()
	}
	s.mu.Unlock()
}

// SessionStore maps channel ids to sessions. It is an explicit, injectable
// object rather than a package-level map so components (and tests) share one
// instance by construction.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[int64]*Session)}
}

func (st *SessionStore) Get(channelID int64) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[channelID]
	return s, ok
}

func (st *SessionStore) Put(s *Session) {
	st.mu.Lock()
	st.sessions[s.ChannelID] = s
	st.mu.Unlock()
}

func (st *SessionStore) Remove(channelID int64) {
	st.mu.Lock()
	delete(st.sessions, channelID)
	st.mu.Unlock()
}

// List returns a snapshot of all sessions.
func (st *SessionStore) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
