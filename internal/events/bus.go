// Package events carries node state transitions from the engine to
// observers such as the socket.io notifier and tests. Delivery is
// best-effort: the bus never blocks the scheduler, dropping events for
// subscribers that fall behind.
package events

import (
	"sync"
	"time"

	"github.com/vk/gridflow/internal/node"
)

// Event describes one node state transition.
type Event struct {
	JobID     string
	NodeID    string
	From      node.Status
	To        node.Status
	Attempt   int
	Err       string
	Timestamp time.Time
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given channel buffer. The
// returned channel is closed when the bus closes.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber without blocking. A
// subscriber whose buffer is full misses the event.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
