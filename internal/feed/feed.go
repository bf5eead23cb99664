// Package feed defines the FeedClient contract the core consumes (spec.md
// section 4.5): a live upstream market-data stream that emits parsed
// newToken/tokenTrade events and manages its own reconnect/heartbeat
// lifecycle. internal/feed/wsfeed provides a gorilla/websocket-backed
// reference adapter.
package feed

import (
	"context"

	"github.com/sawpanic/tokenwatch/internal/types"
)

// NewTokenHandler receives a parsed token creation/update event.
type NewTokenHandler func(types.NewTokenEvent)

// TradeHandler receives a parsed fill.
type TradeHandler func(types.TradeEvent)

// Client is the interface DataProcessor's composition root consumes.
// Implementations own their connection lifecycle: reconnect/backoff,
// subscription re-assertion, and heartbeat are internal concerns, not the
// caller's.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(mints []string) error
	Unsubscribe(mints []string) error
	IsConnected() bool
	SubscribedMints() []string

	OnNewToken(h NewTokenHandler)
	OnTrade(h TradeHandler)
}
