package capture

import (
	"encoding/json"
	"sync"
)

// Handler receives one raw notification payload from a channel.
type Handler func(payload json.RawMessage)

// Channel is a source of raw failure notifications. How delivery is wired
// (browser hook, HTTP ingest, replay file) is hidden behind Subscribe.
type Channel interface {
	// Subscribe registers a handler and returns a function that removes it.
	Subscribe(h Handler) (unsubscribe func())
}

// Feed is an in-process Channel. Emit delivers synchronously to every
// handler in subscription order.
type Feed struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	order    []int
}

// NewFeed creates an empty Feed.
func NewFeed() *Feed {
	return &Feed{handlers: make(map[int]Handler)}
}

// Subscribe implements Channel.
func (f *Feed) Subscribe(h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	f.order = append(f.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.handlers, id)
			for i, v := range f.order {
				if v == id {
					f.order = append(f.order[:i], f.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers a payload to all current handlers.
func (f *Feed) Emit(payload json.RawMessage) {
	f.mu.RLock()
	handlers := make([]Handler, 0, len(f.order))
	for _, id := range f.order {
		handlers = append(handlers, f.handlers[id])
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// Len returns the number of subscribed handlers.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}
