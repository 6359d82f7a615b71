// Package events provides a small typed publish/subscribe primitive shared
// by the client services. Each component defines its own closed set of event
// kinds and emits values of a single event type through an Emitter.
package events

import "sync"

// Emitter fans out events of type E to any number of subscribers.
// Emit never blocks: a subscriber that falls behind loses the oldest
// events in its buffer rather than stalling the publisher.
type Emitter[E any] struct {
	mu     sync.Mutex
	subs   map[int]chan E
	nextID int
	closed bool
}

// NewEmitter returns an empty emitter.
func NewEmitter[E any]() *Emitter[E] {
	return &Emitter[E]{subs: make(map[int]chan E)}
}

// Subscribe registers a new subscriber and returns its channel together
// with a cancel function. The channel is buffered; it is closed either by
// cancel or by Close.
func (e *Emitter[E]) Subscribe() (<-chan E, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan E, 16)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit delivers ev to all current subscribers without blocking.
// If a subscriber's buffer is full its oldest event is dropped first.
func (e *Emitter[E]) Emit(ev E) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close closes all subscriber channels. Further Emit calls are no-ops.
func (e *Emitter[E]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
