package registry

import (
	"sync/atomic"
	"time"
)

// EventKind classifies a registry change.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Event is one incremental change, delivered to subscribers in the order the
// registry applied it.
type Event struct {
	Kind    EventKind    `json:"kind"`
	AgentID string       `json:"agent_id"`
	Entry   Entry        `json:"entry"`
	Reason  RemoveReason `json:"reason,omitempty"`
	At      time.Time    `json:"at"`
}

const defaultSubscriberBuffer = 256

// Subscription receives registry events on C until Close is called.
// Delivery never blocks the registry: when C is full the event is dropped
// and counted, and the consumer is expected to resync from a Snapshot.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	id      uint64
	reg     *Registry
	dropped atomic.Uint64
	closed  bool
}

// Subscribe registers a new event consumer.
func (r *Registry) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	sub := &Subscription{C: ch, ch: ch, id: r.nextSub, reg: r}
	r.subs[sub.id] = sub
	return sub
}

// Close unregisters the subscription and closes C. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.reg.subs, s.id)
	close(s.ch)
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// SubscriberCount returns the number of open subscriptions.
func (r *Registry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) publishLocked(ev Event) {
	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}
