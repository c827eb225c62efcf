package twitch

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wirestream/chatbot/platform"
)

// ircServer is a scripted IRC endpoint for tests. It accepts one socket,
// records client lines, and greets with 001 unless told to reject login.
type ircServer struct {
	t        *testing.T
	listener net.Listener
	reject   bool

	mu    sync.Mutex
	conn  net.Conn
	lines []string
	gotC  chan struct{}
}

func newIRCServer(t *testing.T, reject bool) *ircServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &ircServer{t: t, listener: l, reject: reject, gotC: make(chan struct{})}
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		close(s.gotC)
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			s.mu.Lock()
			s.lines = append(s.lines, line)
			s.mu.Unlock()
			switch {
			case strings.HasPrefix(line, "NICK "):
				if s.reject {
					s.write(":tmi.twitch.tv NOTICE * :Login authentication failed")
				} else {
					s.write(":tmi.twitch.tv 001 botty :Welcome, GLHF!")
				}
			case strings.HasPrefix(line, "PING"):
				s.write("PONG :tmi.twitch.tv")
			}
		}
	}()
	return s
}

func (s *ircServer) addr() string { return s.listener.Addr().String() }

func (s *ircServer) write(line string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Error("no client connected")
		return
	}
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		s.t.Errorf("write line: %v", err)
	}
}

func (s *ircServer) push(t *testing.T, line string) {
	t.Helper()
	select {
	case <-s.gotC:
	case <-time.After(3 * time.Second):
		t.Fatal("no client connected")
	}
	s.write(line)
}

func (s *ircServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testChannel() platform.Channel {
	return platform.Channel{ID: 1, PlatformChannelID: "tw-1", Slug: "alice", BotLogin: "botty"}
}

func TestDialPrefixesTokenAndJoins(t *testing.T) {
	s := newIRCServer(t, false)
	a := &Adapter{WithTLSAddr: s.addr(), ConnectTimeout: 3 * time.Second}

	conn, err := a.Dial(context.Background(), testChannel(), "tok", platform.Events{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if !conn.Ready() {
		t.Fatal("conn should be ready after welcome")
	}

	waitFor(t, "join line", func() bool {
		for _, line := range s.received() {
			if strings.HasPrefix(line, "JOIN ") && strings.Contains(line, "#alice") {
				return true
			}
		}
		return false
	})
	var pass string
	for _, line := range s.received() {
		if strings.HasPrefix(line, "PASS ") {
			pass = line
		}
	}
	if !strings.Contains(pass, "oauth:tok") {
		t.Fatalf("bare token should gain the oauth: prefix, got %q", pass)
	}
}

func TestDialAuthRejected(t *testing.T) {
	s := newIRCServer(t, true)
	a := &Adapter{WithTLSAddr: s.addr(), ConnectTimeout: 3 * time.Second}

	_, err := a.Dial(context.Background(), testChannel(), "bad", platform.Events{})
	if !errors.Is(err, platform.ErrAuth) {
		t.Fatalf("login NOTICE should surface as auth error, got %v", err)
	}
}

func TestChatDelivery(t *testing.T) {
	s := newIRCServer(t, false)
	a := &Adapter{WithTLSAddr: s.addr(), ConnectTimeout: 3 * time.Second}

	var mu sync.Mutex
	var events []platform.ChatEvent
	conn, err := a.Dial(context.Background(), testChannel(), "tok", platform.Events{
		OnChat: func(ev platform.ChatEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A reward redemption and an empty message are filtered out.
	s.push(t, "@user-id=7;display-name=Bob;custom-reward-id=r-1 :bob!bob@bob.tmi.twitch.tv PRIVMSG #alice :redeemed")
	s.push(t, "@user-id=7;display-name=Bob :bob!bob@bob.tmi.twitch.tv PRIVMSG #alice :   ")
	s.push(t, "@user-id=7;display-name=Bob :bob!bob@bob.tmi.twitch.tv PRIVMSG #alice :  hello  ")

	waitFor(t, "chat event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	})
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("want 1 delivered event, got %d: %+v", len(events), events)
	}
	ev := events[0]
	if ev.UserID != "7" || ev.Login != "bob" || ev.DisplayName != "Bob" || ev.Text != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestRewardHookConsumesMessage(t *testing.T) {
	s := newIRCServer(t, false)
	a := &Adapter{WithTLSAddr: s.addr(), ConnectTimeout: 3 * time.Second}

	var mu sync.Mutex
	var chat, rewards []platform.ChatEvent
	conn, err := a.Dial(context.Background(), testChannel(), "tok", platform.Events{
		OnChat: func(ev platform.ChatEvent) {
			mu.Lock()
			chat = append(chat, ev)
			mu.Unlock()
		},
		OnReward: func(ev platform.ChatEvent) bool {
			mu.Lock()
			rewards = append(rewards, ev)
			mu.Unlock()
			return ev.Text == "claim"
		},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	s.push(t, "@user-id=7;display-name=Bob :bob!bob@bob.tmi.twitch.tv PRIVMSG #alice :claim")
	s.push(t, "@user-id=7;display-name=Bob :bob!bob@bob.tmi.twitch.tv PRIVMSG #alice :hello")

	waitFor(t, "chat event past the hook", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chat) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if len(rewards) != 2 {
		t.Fatalf("hook should see every message, got %d", len(rewards))
	}
	if chat[0].Text != "hello" {
		t.Fatalf("consumed message leaked to chat: %+v", chat)
	}
}

func TestSendNotReady(t *testing.T) {
	c := &conn{done: make(chan struct{})}
	if err := c.Send(context.Background(), "alice", "hi"); !errors.Is(err, platform.ErrNotConnected) {
		t.Fatalf("send before ready: %v", err)
	}
}
