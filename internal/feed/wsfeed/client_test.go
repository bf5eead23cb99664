package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tokenwatch/internal/bus"
	"github.com/sawpanic/tokenwatch/internal/types"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// mockUpstream is a minimal echo-style feed server: it upgrades the
// connection, records every subscribe/unsubscribe frame it receives, and
// lets the test push frames down to the client on demand.
type mockUpstream struct {
	server *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []map[string]any
	upgraded chan struct{}
}

func newMockUpstream() *mockUpstream {
	m := &mockUpstream{upgraded: make(chan struct{}, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handle)
	m.server = httptest.NewServer(mux)
	return m
}

func (m *mockUpstream) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	select {
	case m.upgraded <- struct{}{}:
	default:
	}

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		m.mu.Lock()
		m.received = append(m.received, frame)
		m.mu.Unlock()
	}
}

func (m *mockUpstream) url() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1) + "/ws"
}

func (m *mockUpstream) send(v any) error {
	<-m.upgraded
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.WriteJSON(v)
}

func (m *mockUpstream) receivedFrames() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.received))
	copy(out, m.received)
	return out
}

func (m *mockUpstream) close() { m.server.Close() }

func testClientConfig(url string) Config {
	return Config{
		URL:                  url,
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Hour, // quiet unless a test exercises it
	}
}

func TestClient_ConnectAndDispatchNewToken(t *testing.T) {
	upstream := newMockUpstream()
	defer upstream.close()

	c := New(testClientConfig(upstream.url()), bus.New(), nil)

	var got types.NewTokenEvent
	done := make(chan struct{})
	c.OnNewToken(func(e types.NewTokenEvent) {
		got = e
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	require.NoError(t, upstream.send(map[string]any{
		"type":     "newToken",
		"newToken": types.NewTokenEvent{Mint: "mint1", Symbol: "TOK"},
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for newToken dispatch")
	}
	assert.Equal(t, "mint1", got.Mint)
}

func TestClient_SubscribeSendsWireFrameWhenConnected(t *testing.T) {
	upstream := newMockUpstream()
	defer upstream.close()

	c := New(testClientConfig(upstream.url()), bus.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()
	<-upstream.upgraded
	upstream.upgraded <- struct{}{} // restore for send() waiters, if any

	require.NoError(t, c.Subscribe([]string{"mint1", "mint2"}))

	require.Eventually(t, func() bool {
		return len(upstream.receivedFrames()) >= 1
	}, time.Second, 5*time.Millisecond)

	frame := upstream.receivedFrames()[0]
	assert.Equal(t, "subscribe", frame["type"])
	assert.ElementsMatch(t, []string{"mint1", "mint2"}, c.SubscribedMints())
}

func TestClient_UnsubscribeBeforeConnectDoesNotError(t *testing.T) {
	c := New(testClientConfig("ws://unused"), bus.New(), nil)
	require.NoError(t, c.Subscribe([]string{"mint1"}))
	require.NoError(t, c.Unsubscribe([]string{"mint1"}))
	assert.Len(t, c.SubscribedMints(), 0)
}

func TestClient_IsConnectedReflectsLifecycle(t *testing.T) {
	upstream := newMockUpstream()
	defer upstream.close()

	c := New(testClientConfig(upstream.url()), bus.New(), nil)
	assert.False(t, c.IsConnected())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	assert.True(t, c.IsConnected())

	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
}

func TestClient_ConnectFailsOnBadURL(t *testing.T) {
	c := New(testClientConfig("ws://127.0.0.1:1/ws"), bus.New(), nil)
	err := c.Connect(context.Background())
	assert.Error(t, err)
}

func TestReconnectDelay_CapsAtSixtySeconds(t *testing.T) {
	cfg := Config{ReconnectDelay: 10 * time.Second, MaxReconnectAttempts: 10}
	for attempt := 1; attempt <= 10; attempt++ {
		delay := cfg.ReconnectDelay * time.Duration(1<<uint(attempt-1))
		if delay > maxReconnectDelay || delay <= 0 {
			delay = maxReconnectDelay
		}
		assert.LessOrEqual(t, delay, maxReconnectDelay)
	}
}

func TestDispatch_MalformedFrameDoesNotPanic(t *testing.T) {
	c := New(testClientConfig("ws://unused"), bus.New(), nil)
	assert.NotPanics(t, func() {
		c.dispatch([]byte("not json"))
	})
}

func TestDispatch_TradeFrameInvokesHandler(t *testing.T) {
	c := New(testClientConfig("ws://unused"), bus.New(), nil)
	var got types.TradeEvent
	done := make(chan struct{})
	c.OnTrade(func(e types.TradeEvent) {
		got = e
		close(done)
	})

	raw, err := json.Marshal(wireMessage{Type: "tokenTrade", Trade: &types.TradeEvent{Mint: "mint1", Amount: 10, Price: 2}})
	require.NoError(t, err)
	c.dispatch(raw)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for trade dispatch")
	}
	assert.Equal(t, "mint1", got.Mint)
}
