// Package stream fans persisted audit entries out to live subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"authcore.dev/internal/audit"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Hub fans out audit entries to all active subscribers (SSE clients).
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan audit.Entry
	next    int
	buffer  int
	dropped atomic.Uint64
}

// New initialises an empty hub. buffer <= 0 selects DefaultBuffer.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[int]chan audit.Entry), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive
// entries. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan audit.Entry {
	ch := make(chan audit.Entry, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers e to every subscriber. Slow subscribers miss entries
// instead of blocking the audit write; they can backfill with a query
// starting after the last seq they saw.
func (h *Hub) Publish(e audit.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
