// Package bus implements the internal event bus described in spec.md
// section 9: Tracker and friends publish events; the composition root
// subscribes and routes them back into external collaborators (e.g.
// FeedClient.unsubscribe on tokenCleanedUp) so that no component holds a
// direct reference to another.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Topic names the channel an event is published on.
type Topic string

const (
	TopicTokenTracked           Topic = "tokenTracked"
	TopicAlertTriggered         Topic = "alertTriggered"
	TopicTrendDetected          Topic = "trendDetected"
	TopicTokenCleanedUp         Topic = "tokenCleanedUp"
	TopicCleanupMetrics         Topic = "cleanupMetrics"
	TopicEmergencyStop          Topic = "emergencyStop"
	TopicEmergencyCleanupDone   Topic = "emergencyCleanupCompleted"
	TopicEmergencyWhitelist     Topic = "emergencyWhitelistUpdated"
	TopicFeedTerminal           Topic = "feedMaxReconnectAttempts"
)

// Handler receives a published event. Handlers run synchronously on the
// publishing goroutine's call to Publish, in registration order; a handler
// that needs to suspend should hand off to its own goroutine.
type Handler func(event any)

// Bus is a simple in-process pub/sub registry. It owns no goroutines of its
// own: Publish dispatches directly to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers handler to run on every future Publish to topic.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = append(b.handlers[topic], handler)
	idx := len(b.handlers[topic]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[topic]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
}

// Publish dispatches event to every handler registered for topic. Panics in
// a handler are recovered and logged so one bad subscriber cannot take down
// the publisher (typically Tracker's single writer loop).
func (b *Bus) Publish(topic Topic, event any) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("topic", string(topic)).Msg("bus: handler panicked")
				}
			}()
			h(event)
		}()
	}
}
