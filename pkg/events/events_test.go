package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/pkg/types"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	event := NewSessionEvent(EventSessionStarted, "s1",
		types.SessionCreating, types.SessionRunning, "")
	broker.Publish(event)

	select {
	case got := <-sub:
		assert.Equal(t, EventSessionStarted, got.Type)
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, types.SessionRunning, got.StatusAfter)
		assert.NotEmpty(t, got.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerSkipsFullSubscriber(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	slow := broker.Subscribe()
	live := broker.Subscribe()
	defer broker.Unsubscribe(live)

	// Fill the slow subscriber's buffer; further deliveries to it are
	// dropped but the live one keeps receiving.
	for i := 0; i < cap(slow)+10; i++ {
		broker.Publish(NewSessionEvent(EventSessionScheduled, "s1",
			types.SessionPending, types.SessionScheduled, ""))
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < cap(slow) {
		select {
		case <-live:
			received++
		case <-deadline:
			t.Fatalf("live subscriber received only %d events", received)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	require.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe must not panic.
	broker.Unsubscribe(sub)
}
