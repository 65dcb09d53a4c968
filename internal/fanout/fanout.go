// Package fanout provides a conflated broadcast hub for invalidation sets.
package fanout

import (
	"sync"

	"github.com/jacentio/espalier/graph"
)

// Hub broadcasts root sets to subscribers. Each subscriber channel holds at
// most one pending set: publishing to a lagging subscriber merges the new set
// into the pending one instead of queuing, so a burst of writes collapses
// into a single signal. The sentinel (empty set) absorbs any specific set.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan graph.RootSet
	nextID int
	closed bool
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]chan graph.RootSet)}
}

// Subscribe registers a receiver. The returned func cancels the subscription
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan graph.RootSet, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan graph.RootSet, 1)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the set to every subscriber, conflating with any pending
// undelivered set.
func (h *Hub) Publish(set graph.RootSet) {
	if set == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- set:
		default:
			select {
			case pending := <-ch:
				ch <- pending.Union(set)
			default:
				ch <- set
			}
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
