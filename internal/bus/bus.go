// Package bus provides a publish/subscribe bus for agent lifecycle
// notifications. Events flow from the registry to subscribers (the
// daemon's lifecycle log, future metrics consumers). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so publishers do
// not need guard checks.
package bus

import (
	"sync"
	"time"
)

// Kind constants describe what happened to an agent.
const (
	// KindRegistered signals an agent entry was created.
	KindRegistered = "registered"
	// KindUnregistered signals an agent entry was removed, either by
	// explicit disconnect or by a dropped connection.
	KindUnregistered = "unregistered"
)

// Event is a single lifecycle notification.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Kind is one of the Kind* constants.
	Kind string `json:"kind"`
	// AgentID is the affected agent.
	AgentID string `json:"agent_id"`
	// Name is the agent's registered name.
	Name string `json:"name"`
	// Privileged marks in-process agents.
	Privileged bool `json:"privileged,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; slow subscribers miss events rather than blocking
// publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: a full
// subscriber channel drops the event for that subscriber. Safe to call
// on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block the registry.
		}
	}
}

// Subscribe returns a channel that receives published events. Callers
// must eventually Unsubscribe. bufSize controls the channel buffer; 16
// is plenty for lifecycle traffic.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling
// it twice with the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
