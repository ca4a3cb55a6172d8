package jobs

import "sync"

// Bus fans job events out to subscribers. Callbacks run on the
// emitting goroutine; subscribers that need isolation should hand off
// to their own channel.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]func(Event)
	next        int
}

// NewBus builds an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]func(Event))}
}

// Subscribe registers a callback and returns its cancel function.
// Cancel is idempotent.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subscribers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *Bus) publish(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
