// Package wsfeed is a reference feed.Client backed by gorilla/websocket,
// grounded on the teacher's internal/providers/kraken.WebSocketClient: a
// mutex-guarded connection with a dedicated read loop and ping loop, and a
// reconnect path that re-subscribes after a successful redial.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tokenwatch/internal/bus"
	"github.com/sawpanic/tokenwatch/internal/feed"
	"github.com/sawpanic/tokenwatch/internal/telemetry"
	"github.com/sawpanic/tokenwatch/internal/types"
)

// Config holds the reconnect/heartbeat parameters from spec.md section 4.5,
// mirroring config.Config's feed-related fields.
type Config struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
}

const maxReconnectDelay = 60 * time.Second

// wireMessage is the envelope upstream frames are parsed from. Exactly one
// of NewToken/Trade is populated, selected by Type.
type wireMessage struct {
	Type     string               `json:"type"`
	NewToken *types.NewTokenEvent `json:"newToken,omitempty"`
	Trade    *types.TradeEvent    `json:"tokenTrade,omitempty"`
}

type wireSubscription struct {
	Type  string   `json:"type"`
	Mints []string `json:"mints"`
}

// Client is a feed.Client implementation over a single websocket
// connection, with automatic reconnect and subscription re-assertion.
type Client struct {
	cfg     Config
	bus     *bus.Bus
	metrics *telemetry.Registry

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	subscribed map[string]struct{}
	attempt    int

	handlersMu sync.RWMutex
	onNewToken feed.NewTokenHandler
	onTrade    feed.TradeHandler

	stopCh chan struct{}
	doneCh chan struct{}
}

var _ feed.Client = (*Client)(nil)

// New constructs a Client. Connect must be called before traffic flows.
func New(cfg Config, b *bus.Bus, metrics *telemetry.Registry) *Client {
	return &Client{
		cfg:        cfg,
		bus:        b,
		metrics:    metrics,
		subscribed: make(map[string]struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// OnNewToken registers the handler invoked for every parsed newToken frame.
func (c *Client) OnNewToken(h feed.NewTokenHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onNewToken = h
}

// OnTrade registers the handler invoked for every parsed tokenTrade frame.
func (c *Client) OnTrade(h feed.TradeHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onTrade = h
}

// Connect dials the upstream feed and starts the read and heartbeat loops.
// A failed initial dial does not retry; the caller decides whether to
// retry the first Connect. Subsequent disconnects are retried internally.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("wsfeed: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempt = 0
	c.mu.Unlock()

	c.resubscribe()

	go c.readLoop(ctx)
	go c.heartbeatLoop(ctx)

	log.Info().Str("url", c.cfg.URL).Msg("wsfeed: connected")
	return nil
}

// Disconnect closes the connection and stops all loops permanently.
func (c *Client) Disconnect() error {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	return err
}

// Subscribe adds mints to the subscription set and, if connected, asserts
// it to the upstream feed immediately.
func (c *Client) Subscribe(mints []string) error {
	c.mu.Lock()
	for _, m := range mints {
		c.subscribed[m] = struct{}{}
	}
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return sendJSON(conn, wireSubscription{Type: "subscribe", Mints: mints})
}

// Unsubscribe removes mints from the subscription set and, if connected,
// asserts the removal to the upstream feed immediately.
func (c *Client) Unsubscribe(mints []string) error {
	c.mu.Lock()
	for _, m := range mints {
		delete(c.subscribed, m)
	}
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return sendJSON(conn, wireSubscription{Type: "unsubscribe", Mints: mints})
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SubscribedMints returns the full current subscription set.
func (c *Client) SubscribedMints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscribed))
	for m := range c.subscribed {
		out = append(out, m)
	}
	return out
}

// resubscribe re-asserts the full subscription set to the upstream feed,
// per spec.md section 4.5's "after a successful reconnect" requirement.
func (c *Client) resubscribe() {
	c.mu.RLock()
	conn := c.conn
	mints := make([]string, 0, len(c.subscribed))
	for m := range c.subscribed {
		mints = append(mints, m)
	}
	c.mu.RUnlock()

	if conn == nil || len(mints) == 0 {
		return
	}
	if err := sendJSON(conn, wireSubscription{Type: "subscribe", Mints: mints}); err != nil {
		log.Warn().Err(err).Msg("wsfeed: resubscribe failed")
	}
}

func sendJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes frames until the connection breaks or Disconnect is
// called, then hands off to reconnect.
func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Msg("wsfeed: read error, reconnecting")
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("wsfeed: malformed frame")
		return
	}

	c.handlersMu.RLock()
	onNewToken, onTrade := c.onNewToken, c.onTrade
	c.handlersMu.RUnlock()

	switch msg.Type {
	case "newToken":
		if msg.NewToken != nil && onNewToken != nil {
			onNewToken(*msg.NewToken)
		}
	case "tokenTrade":
		if msg.Trade != nil && onTrade != nil {
			onTrade(*msg.Trade)
		}
	default:
		log.Debug().Str("type", msg.Type).Msg("wsfeed: unrecognized frame type")
	}
}

// reconnect implements spec.md section 4.5's backoff: delay =
// min(base*2^(attempt-1), 60s), capped at MaxReconnectAttempts, after which
// a terminal signal is emitted and no further attempts are made. Returns
// false once reconnection is abandoned (permanently or by Disconnect).
func (c *Client) reconnect(ctx context.Context) bool {
	c.mu.Lock()
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	for {
		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if attempt > c.cfg.MaxReconnectAttempts {
			log.Error().Int("attempts", attempt-1).Msg("wsfeed: max reconnect attempts exceeded")
			if c.bus != nil {
				c.bus.Publish(bus.TopicFeedTerminal, bus.FeedTerminalEvent{Attempts: attempt - 1})
			}
			if c.metrics != nil {
				c.metrics.FeedTerminalSignals.Inc()
			}
			return false
		}

		delay := c.cfg.ReconnectDelay * time.Duration(1<<uint(attempt-1))
		if delay > maxReconnectDelay || delay <= 0 {
			delay = maxReconnectDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-c.stopCh:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		if c.metrics != nil {
			c.metrics.FeedReconnectAttempts.Inc()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("wsfeed: reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.attempt = 0
		c.mu.Unlock()

		c.resubscribe()
		go c.heartbeatLoop(ctx)
		log.Info().Int("attempt", attempt).Msg("wsfeed: reconnected")
		return true
	}
}

// heartbeatLoop sends a ping on HeartbeatInterval to keep intermediaries
// from idling the connection, per spec.md section 4.5. It is bound to the
// specific conn it was started with: once that conn is replaced by a
// reconnect (which starts its own heartbeatLoop), this instance exits
// rather than racing the new one over conn.WriteControl.
func (c *Client) heartbeatLoop(ctx context.Context) {
	c.mu.RLock()
	owned := c.conn
	c.mu.RUnlock()
	if owned == nil {
		return
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.RLock()
			current := c.conn
			c.mu.RUnlock()
			if current != owned {
				return
			}
			deadline := time.Now().Add(c.cfg.HeartbeatInterval)
			if err := owned.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Msg("wsfeed: ping failed")
				return
			}
		}
	}
}
