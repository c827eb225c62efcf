package bot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/wirestream/chatbot/platform"
	"github.com/wirestream/chatbot/testutil"
)

// dropOnDialAdapter loses its first connection before Dial returns, the way
// a socket adapter whose read goroutine sees an immediate reset would.
type dropOnDialAdapter struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
}

func (a *dropOnDialAdapter) Name() string { return "trovo" }

func (a *dropOnDialAdapter) Dial(_ context.Context, _ platform.Channel, _ string, ev platform.Events) (platform.Conn, error) {
	a.mu.Lock()
	a.dials++
	n := a.dials
	a.mu.Unlock()
	c := &fakeConn{}
	if n == 1 {
		c.closed = true
		if ev.OnClose != nil {
			ev.OnClose(errors.New("read: connection reset"))
		}
	}
	a.mu.Lock()
	a.conns = append(a.conns, c)
	a.mu.Unlock()
	return c, nil
}

func (a *dropOnDialAdapter) dialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

func TestConnectRetriesWhenConnDropsDuringDial(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	testutil.ResetTables(t, dbx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ad := &dropOnDialAdapter{}
	rt := NewRuntime(dbx, testConfig(), map[string]platform.Adapter{"trovo": ad})
	s := &Session{ChannelID: 1, Platform: "trovo", PlatformChannelID: "ext-1", Slug: "alice"}
	rt.Sessions.Put(s)

	rt.Connect(ctx, s)

	waitFor(t, "redial after mid-dial drop", func() bool {
		return ad.dialCount() >= 2
	})
	waitFor(t, "session connected on a live conn", func() bool {
		conn := s.Conn()
		return s.Connected() && conn != nil && conn.Ready()
	})
}
