// ABOUTME: Tests for the reconnecting websocket client
// ABOUTME: Uses an httptest websocket server to exercise states, ordering and reconnects

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/protocol"
)

type testServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []protocol.Envelope
	tokens   []string
	onConn   func(conn *websocket.Conn)
}

func newTestServer(t *testing.T, onConn func(conn *websocket.Conn)) *testServer {
	t.Helper()
	ts := &testServer{onConn: onConn}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.tokens = append(ts.tokens, r.URL.Query().Get("token"))
		ts.mu.Unlock()

		if ts.onConn != nil {
			ts.onConn(conn)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if json.Unmarshal(data, &env) == nil {
				ts.mu.Lock()
				ts.received = append(ts.received, env)
				ts.mu.Unlock()
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) connCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

func (ts *testServer) lastConn() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conns[len(ts.conns)-1]
}

func (ts *testServer) envelopes() []protocol.Envelope {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]protocol.Envelope, len(ts.received))
	copy(out, ts.received)
	return out
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) record(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) snapshot() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, len(s.states))
	copy(out, s.states)
	return out
}

func startClient(t *testing.T, c *Client) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Run(ctx)
		close(errCh)
	}()
	t.Cleanup(func() {
		cancelFn()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
		}
	})
	return cancelFn, errCh
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/ws"})

	err := c.Send(protocol.JoinEnvelope("conversation:c1"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ConnectSendAndReceiveInOrder(t *testing.T) {
	ts := newTestServer(t, func(conn *websocket.Conn) {
		for _, room := range []string{"a", "b", "c"} {
			frame := `{"roomId":"conversation:` + room + `","eventType":"CHAT_MESSAGE","data":{}}`
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
	})

	var mu sync.Mutex
	var frames []string
	states := &stateLog{}

	c := New(Options{URL: ts.wsURL(), Token: "secret-token"})
	c.OnFrame(func(raw []byte) {
		mu.Lock()
		frames = append(frames, string(raw))
		mu.Unlock()
	})
	c.OnStateChange(states.record)
	startClient(t, c)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, frames[0], "conversation:a")
	assert.Contains(t, frames[1], "conversation:b")
	assert.Contains(t, frames[2], "conversation:c")
	mu.Unlock()

	require.NoError(t, c.Send(protocol.JoinEnvelope("conversation:c1")))
	require.Eventually(t, func() bool { return len(ts.envelopes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.ActionJoin, ts.envelopes()[0].Action)
	assert.Equal(t, "conversation:c1", ts.envelopes()[0].Room)

	ts.mu.Lock()
	assert.Equal(t, "secret-token", ts.tokens[0])
	ts.mu.Unlock()

	assert.Equal(t, []State{StateConnecting, StateConnected}, states.snapshot())
}

func TestClient_ReconnectsAfterServerDrop(t *testing.T) {
	ts := newTestServer(t, nil)
	states := &stateLog{}

	c := New(Options{URL: ts.wsURL(), MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	c.OnStateChange(states.record)
	startClient(t, c)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	_ = ts.lastConn().Close()

	require.Eventually(t, func() bool { return ts.connCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, states.snapshot(), StateReconnecting)
	assert.NoError(t, c.Send(protocol.JoinEnvelope("conversation:c1")))
}

func TestClient_RetriesUntilServerAvailable(t *testing.T) {
	var mu sync.Mutex
	fail := true
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		f := fail
		mu.Unlock()
		if f {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	startClient(t, c)

	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.Send(protocol.JoinEnvelope("x")), ErrNotConnected)

	mu.Lock()
	fail = false
	mu.Unlock()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	ts := newTestServer(t, nil)
	c := New(Options{URL: ts.wsURL()})
	cancel, done := startClient(t, c)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send(protocol.JoinEnvelope("x")), ErrNotConnected)
}

func TestClient_Backoff(t *testing.T) {
	c := New(Options{URL: "ws://x", MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	assert.Equal(t, 100*time.Millisecond, c.backoff(1))
	assert.Equal(t, 200*time.Millisecond, c.backoff(2))
	assert.Equal(t, 400*time.Millisecond, c.backoff(3))
	assert.Equal(t, 800*time.Millisecond, c.backoff(4))
	assert.Equal(t, time.Second, c.backoff(5))
	assert.Equal(t, time.Second, c.backoff(50))
}
