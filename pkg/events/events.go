package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caravelhq/caravel/pkg/types"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventSessionScheduled   EventType = "session.scheduled"
	EventSessionPreparing   EventType = "session.preparing"
	EventSessionStarted     EventType = "session.started"
	EventSessionTerminating EventType = "session.terminating"
	EventSessionTerminated  EventType = "session.terminated"
	EventSessionCancelled   EventType = "session.cancelled"
	EventSessionRetried     EventType = "session.retried"
	EventKernelStarted      EventType = "kernel.started"
	EventKernelTerminated   EventType = "kernel.terminated"
	EventAgentJoined        EventType = "agent.joined"
	EventAgentHeartbeat     EventType = "agent.heartbeat"
	EventAgentLost          EventType = "agent.lost"
)

// Event records one lifecycle transition, published only after the
// transition is committed
type Event struct {
	ID           string              `json:"id"`
	Type         EventType           `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	SessionID    string              `json:"session_id,omitempty"`
	KernelID     string              `json:"kernel_id,omitempty"`
	AgentID      string              `json:"agent_id,omitempty"`
	StatusBefore types.SessionStatus `json:"status_before,omitempty"`
	StatusAfter  types.SessionStatus `json:"status_after,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

// NewSessionEvent builds an event for a session transition
func NewSessionEvent(typ EventType, sessionID string, before, after types.SessionStatus, reason string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		Type:         typ,
		Timestamp:    time.Now().UTC(),
		SessionID:    sessionID,
		StatusBefore: before,
		StatusAfter:  after,
		Reason:       reason,
	}
}

// NewKernelEvent builds an event for a kernel transition
func NewKernelEvent(typ EventType, sessionID, kernelID, agentID, reason string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		KernelID:  kernelID,
		AgentID:   agentID,
		Reason:    reason,
	}
}

// NewAgentEvent builds an event for an agent presence change
func NewAgentEvent(typ EventType, agentID, reason string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Reason:    reason,
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages in-process event subscriptions and distribution.
// Slow subscribers are skipped, never blocked on.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
