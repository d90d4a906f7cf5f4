package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collaborative-mindmap/internal/domain"
	"collaborative-mindmap/internal/hub"
	"collaborative-mindmap/internal/protocol"
	"collaborative-mindmap/internal/replica"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type testServer struct {
	hub    *hub.Hub
	url    string
	reject atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestServer(t *testing.T, roomID string) *testServer {
	t.Helper()
	ts := &testServer{hub: hub.NewHub(hub.Options{})}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ts.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		hub.NewClient(ts.hub, conn, roomID, r.URL.Query().Get("userId"), 64).Run()
	}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = ts.hub.Shutdown(ctx)
	})
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ts
}

// dropAll closes every server-side connection without a close frame.
func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close()
	}
	ts.conns = nil
}

func fastBackoff() *Backoff {
	return &Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}
}

func newSession(t *testing.T, ts *testServer, roomID, user string) *Session {
	t.Helper()
	s := NewSession(Config{
		URL:         ts.url + "?userId=" + user,
		RoomID:      roomID,
		Backoff:     fastBackoff(),
		JoinTimeout: time.Second,
		MaxFailures: 1000,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitJoined(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, s.Joined, waitFor, tick)
}

func labels(v replica.View) []string {
	var out []string
	for _, n := range v.Nodes {
		out = append(out, n.Label)
	}
	return out
}

func TestSession_TwoParticipantsConverge(t *testing.T) {
	ts := newTestServer(t, "room-1")
	alice := newSession(t, ts, "room-1", "alice")
	bob := newSession(t, ts, "room-1", "bob")
	waitJoined(t, alice)
	waitJoined(t, bob)

	a, err := alice.CreateNode("root", domain.Position{X: 1, Y: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, ok := alice.View().Node(replica.ByPending(a))
		return ok && n.State == replica.StateConfirmed
	}, waitFor, tick)

	n, _ := alice.View().Node(replica.ByPending(a))
	require.Eventually(t, func() bool {
		_, ok := bob.View().Node(replica.ByID(n.ID))
		return ok
	}, waitFor, tick)
	b, err := bob.CreateNode("child", domain.Position{X: 3, Y: 4})
	require.NoError(t, err)
	_, err = bob.CreateEdge(replica.ByID(n.ID), replica.ByPending(b))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		av, bv := alice.View(), bob.View()
		return len(av.Edges) == 1 && len(bv.Edges) == 1 &&
			av.Edges[0].State == replica.StateConfirmed &&
			bv.Edges[0].State == replica.StateConfirmed &&
			av.Version == bv.Version
	}, waitFor, tick)
	assert.ElementsMatch(t, labels(alice.View()), labels(bob.View()))
	assert.Equal(t, []string{"alice", "bob"}, alice.View().Participants)
}

func TestSession_ReconnectsAndFlushesOfflineEdits(t *testing.T) {
	ts := newTestServer(t, "room-1")
	alice := newSession(t, ts, "room-1", "alice")
	waitJoined(t, alice)

	var states []State
	var mu sync.Mutex
	alice.Events().OnState(func(_, to State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	})

	ts.reject.Store(true)
	ts.dropAll()
	require.Eventually(t, func() bool { return alice.State() == StateReconnecting }, waitFor, tick)

	_, err := alice.CreateNode("offline", domain.Position{})
	require.NoError(t, err)
	assert.False(t, alice.Joined())

	ts.reject.Store(false)
	require.Eventually(t, func() bool {
		v := alice.View()
		return alice.Joined() && len(v.Nodes) == 1 && v.Nodes[0].State == replica.StateConfirmed
	}, waitFor, tick)

	snap, err := ts.hub.Snapshot(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "offline", snap.Nodes[0].Label)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateReconnecting)
	assert.Equal(t, StateConnected, states[len(states)-1])
}

func TestSession_BreakerGivesUpUntilReconnect(t *testing.T) {
	ts := newTestServer(t, "room-1")
	ts.reject.Store(true)
	s := NewSession(Config{
		URL:         ts.url + "?userId=alice",
		RoomID:      "room-1",
		Backoff:     fastBackoff(),
		MaxFailures: 3,
	})
	t.Cleanup(func() { _ = s.Close() })

	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, s.State())

	ts.reject.Store(false)
	s.Reconnect()
	waitJoined(t, s)
	assert.Equal(t, StateConnected, s.State())
}

func TestSession_ReplacedConnectionStaysDown(t *testing.T) {
	ts := newTestServer(t, "room-1")
	first := newSession(t, ts, "room-1", "alice")
	waitJoined(t, first)

	second := newSession(t, ts, "room-1", "alice")
	waitJoined(t, second)

	require.Eventually(t, func() bool { return first.State() == StateDisconnected }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, first.State())
	assert.True(t, second.Joined())
}

func TestSession_CloseLeavesRoom(t *testing.T) {
	ts := newTestServer(t, "room-1")
	alice := newSession(t, ts, "room-1", "alice")
	bob := newSession(t, ts, "room-1", "bob")
	waitJoined(t, alice)
	waitJoined(t, bob)

	left := make(chan string, 1)
	bob.Events().On(protocol.EventParticipantLeft, func(evt protocol.Event) {
		left <- evt.Payload.(*protocol.ParticipantLeft).UserID
	})
	require.Eventually(t, func() bool { return len(bob.View().Participants) == 2 }, waitFor, tick)

	require.NoError(t, alice.Close())
	select {
	case who := <-left:
		assert.Equal(t, "alice", who)
	case <-time.After(waitFor):
		t.Fatal("no user_left received")
	}
	assert.Equal(t, StateDisconnected, alice.State())

	_, err := alice.CreateNode("late", domain.Position{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_RejectedEditRollsBack(t *testing.T) {
	ts := newTestServer(t, "room-1")
	alice := newSession(t, ts, "room-1", "alice")
	waitJoined(t, alice)

	errs := make(chan protocol.ErrorCode, 1)
	alice.Events().On(protocol.EventError, func(evt protocol.Event) {
		errs <- evt.Payload.(*protocol.Error).Code
	})

	_, err := alice.CreateNode(strings.Repeat("x", protocol.MaxLabelLength+1), domain.Position{})
	require.NoError(t, err)
	select {
	case code := <-errs:
		assert.Equal(t, protocol.CodeBadRequest, code)
	case <-time.After(waitFor):
		t.Fatal("no error received")
	}
	assert.Empty(t, alice.View().Nodes)
}

// scriptServer upgrades every request and hands the connection, with its
// 0-based index, to handle.
type scriptServer struct {
	url   string
	conns atomic.Int32
}

func newScriptServer(t *testing.T, handle func(n int, c *websocket.Conn)) *scriptServer {
	t.Helper()
	ss := &scriptServer{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handle(int(ss.conns.Add(1))-1, c)
	}))
	t.Cleanup(srv.Close)
	ss.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return ss
}

func readIntent(c *websocket.Conn) (protocol.Intent, error) {
	_, raw, err := c.ReadMessage()
	if err != nil {
		return protocol.Intent{}, err
	}
	return protocol.DecodeIntent(raw)
}

func writeEvent(c *websocket.Conn, evt protocol.Event) error {
	raw, err := protocol.EncodeEvent(evt)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, raw)
}

func emptySnapshot(version uint64) protocol.Event {
	return protocol.Event{RoomID: "room-1", Seq: version, Payload: &protocol.StateSnapshot{
		Version:      version,
		Nodes:        []domain.Node{},
		Edges:        []domain.Edge{},
		Participants: []string{"alice"},
	}}
}

func discard(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSession_EditsWhileHandshakeHangs(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu       sync.Mutex
		accepted []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			c.Close()
		}
	})

	s := NewSession(Config{
		URL:         "ws://" + ln.Addr().String() + "/ws/rooms/room-1",
		RoomID:      "room-1",
		Backoff:     fastBackoff(),
		MaxFailures: 1000,
	})
	t.Cleanup(func() { _ = s.Close() })

	// The peer took the TCP connection but never answers the upgrade.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(accepted) > 0
	}, waitFor, tick)

	edited := make(chan error, 1)
	go func() {
		_, err := s.CreateNode("offline", domain.Position{})
		edited <- err
	}()
	select {
	case err := <-edited:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("edit blocked by the pending handshake")
	}

	assert.Equal(t, StateConnecting, s.State())
	v := s.View()
	require.Len(t, v.Nodes, 1)
	assert.Equal(t, replica.StatePendingCreate, v.Nodes[0].State)

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close blocked by the pending handshake")
	}
}

func TestSession_JoinTimeoutReconnects(t *testing.T) {
	// Accepts the join but never sends the snapshot.
	ss := newScriptServer(t, func(_ int, c *websocket.Conn) { discard(c) })

	var (
		mu     sync.Mutex
		states []State
	)
	s := NewSession(Config{
		URL:         ss.url,
		RoomID:      "room-1",
		Backoff:     fastBackoff(),
		JoinTimeout: 100 * time.Millisecond,
		MaxFailures: 1000,
	})
	t.Cleanup(func() { _ = s.Close() })
	s.Events().OnState(func(_, to State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	})

	require.Eventually(t, func() bool { return ss.conns.Load() >= 3 }, waitFor, tick)
	assert.False(t, s.Joined())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateReconnecting)
}

func TestSession_BuffersEventsUntilSnapshot(t *testing.T) {
	created := domain.Node{ID: "n-1", RoomID: "room-1", Label: "early"}
	ss := newScriptServer(t, func(_ int, c *websocket.Conn) {
		if in, err := readIntent(c); err != nil || in.Type() != protocol.IntentJoin {
			return
		}
		// A broadcast that overtakes the snapshot.
		if err := writeEvent(c, protocol.Event{RoomID: "room-1", Seq: 2, Actor: "bob",
			Payload: &protocol.NodeCreated{Node: created}}); err != nil {
			return
		}
		if err := writeEvent(c, emptySnapshot(1)); err != nil {
			return
		}
		discard(c)
	})

	s := NewSession(Config{URL: ss.url, RoomID: "room-1", Backoff: fastBackoff()})
	t.Cleanup(func() { _ = s.Close() })
	waitJoined(t, s)

	require.Eventually(t, func() bool { return s.View().Version == 2 }, waitFor, tick)
	v := s.View()
	require.Len(t, v.Nodes, 1)
	assert.Equal(t, "early", v.Nodes[0].Label)
	assert.Equal(t, replica.StateConfirmed, v.Nodes[0].State)
	assert.Equal(t, int32(1), ss.conns.Load(), "no resync for an event that arrived early")
}

func TestSession_UnconfirmedEditIsDroppedOnDisconnect(t *testing.T) {
	var (
		mu      sync.Mutex
		resent  []protocol.IntentType
		applied = make(chan struct{})
	)
	ss := newScriptServer(t, func(n int, c *websocket.Conn) {
		if in, err := readIntent(c); err != nil || in.Type() != protocol.IntentJoin {
			return
		}
		if err := writeEvent(c, emptySnapshot(0)); err != nil {
			return
		}
		if n == 0 {
			// Take the edit, then drop the connection without answering.
			if in, err := readIntent(c); err == nil && in.Type() == protocol.IntentCreateNode {
				close(applied)
			}
			return
		}
		for {
			in, err := readIntent(c)
			if err != nil {
				return
			}
			mu.Lock()
			resent = append(resent, in.Type())
			mu.Unlock()
		}
	})

	s := NewSession(Config{URL: ss.url, RoomID: "room-1", Backoff: fastBackoff(), MaxFailures: 1000})
	t.Cleanup(func() { _ = s.Close() })
	waitJoined(t, s)

	_, err := s.CreateNode("lost", domain.Position{})
	require.NoError(t, err)
	select {
	case <-applied:
	case <-time.After(waitFor):
		t.Fatal("edit never reached the server")
	}

	require.Eventually(t, func() bool {
		return ss.conns.Load() == 2 && s.Joined()
	}, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s.View().Nodes)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, resent, "an edit sent before the drop is not replayed")
}
