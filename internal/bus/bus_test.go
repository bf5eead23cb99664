package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublish_DispatchesToAllSubscribersInRegistrationOrder(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []int

	b.Subscribe(TopicTokenTracked, func(event any) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	b.Subscribe(TopicTokenTracked, func(event any) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	b.Publish(TopicTokenTracked, TokenTrackedEvent{Mint: "mint1"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestPublish_OnlyNotifiesSubscribersOfTheSameTopic(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe(TopicTokenTracked, func(event any) { calls++ })

	b.Publish(TopicAlertTriggered, AlertTriggeredEvent{})

	assert.Equal(t, 0, calls)
}

func TestUnsubscribe_StopsFutureDelivery(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe(TopicTokenCleanedUp, func(event any) { calls++ })

	b.Publish(TopicTokenCleanedUp, TokenCleanedUpEvent{Mint: "mint1"})
	unsub()
	b.Publish(TopicTokenCleanedUp, TokenCleanedUpEvent{Mint: "mint1"})

	assert.Equal(t, 1, calls)
}

func TestPublish_HandlerPanicDoesNotStopOtherHandlersOrCaller(t *testing.T) {
	b := New()
	secondCalled := false

	b.Subscribe(TopicEmergencyStop, func(event any) { panic("boom") })
	b.Subscribe(TopicEmergencyStop, func(event any) { secondCalled = true })

	assert.NotPanics(t, func() {
		b.Publish(TopicEmergencyStop, EmergencyStopEvent{Reason: "test"})
	})
	assert.True(t, secondCalled)
}

func TestPublish_WithNoSubscribersIsANoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.Publish(TopicFeedTerminal, FeedTerminalEvent{Attempts: 5})
	})
}
