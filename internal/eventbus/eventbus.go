// Package eventbus implements the in-process Event Bus: it fans out
// published events to push subscribers and a durable retention log,
// without ever blocking the publisher on a slow subscriber. The Command
// Queue is a separate durable producer/consumer of its own job rows
// (internal/audit-backed), not a subscriber of this bus; see DESIGN.md.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/agent-supervisor/backend/internal/session"
)

// DefaultRetention is the number of completed events kept in the
// retention log.
const DefaultRetention = 100

// subscriberBuffer bounds how many events a push subscriber can lag
// behind before newly published events are dropped for it.
const subscriberBuffer = 256

type subscriber struct {
	id      uint64
	ch      chan session.Event
	dropped atomic.Uint64
}

// Bus is the Event Bus. The zero value is not usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64

	retention int
	logMu     sync.Mutex
	log       []session.Event
}

// New constructs a Bus with the given retention depth (0 uses
// DefaultRetention).
func New(retention int) *Bus {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Bus{
		subscribers: make(map[uint64]*subscriber),
		retention:   retention,
	}
}

// Cancel is returned by Subscribe; call it to stop receiving events and
// release the subscriber's channel.
type Cancel func()

// Subscribe registers a subscriber and returns the channel on which it
// receives each event once, in publish order. A slow subscriber never blocks others: if its
// buffer fills, the bus drops the new event for that subscriber only and
// increments its drop counter.
func (b *Bus) Subscribe() (<-chan session.Event, Cancel) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{id: id, ch: make(chan session.Event, subscriberBuffer)}
	b.subscribers[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish fans an event out to every subscriber and appends it to the
// durable retention log. Never blocks the caller longer than a bounded
// enqueue per subscriber.
func (b *Bus) Publish(evt session.Event) {
	b.mu.RLock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
	b.mu.RUnlock()

	b.logMu.Lock()
	b.log = append(b.log, evt)
	if len(b.log) > b.retention {
		b.log = b.log[len(b.log)-b.retention:]
	}
	b.logMu.Unlock()
}

// RecentLog returns a copy of the retained event log, oldest first.
func (b *Bus) RecentLog() []session.Event {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	return append([]session.Event(nil), b.log...)
}

// DroppedCount reports the number of drops across every current
// subscriber, useful for /api/stats-style observability.
func (b *Bus) DroppedCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total uint64
	for _, sub := range b.subscribers {
		total += sub.dropped.Load()
	}
	return total
}

// SubscriberCount reports the number of active push subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
