package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// subscription pairs a delivery channel with what the subscriber asked for.
type subscription struct {
	events chan StreamEvent
	want   EventFilter
}

// MemoryHub is the in-process EventHub. Delivery is best-effort: a
// subscriber that stops draining its channel loses events rather than
// stalling the run that publishes them.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish fans the event out to every matching subscriber without blocking.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.want.matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned function
// removes it; events already buffered stay readable on the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscription{
		events: make(chan StreamEvent, defaultChannelBuffer),
		want:   filter,
	}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return sub.events, unsubscribe, nil
}

// Dropped reports how many events were discarded on full subscriber
// channels since the hub was created.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// matches reports whether the event satisfies the filter. An empty filter
// matches everything.
func (f EventFilter) matches(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}
