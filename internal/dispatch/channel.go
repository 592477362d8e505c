package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/good-yellow-bee/blazecatch/internal/metrics"
)

// ChannelSubscriber buffers notices in a channel for a consumer running in
// its own goroutine. Delivery never blocks; notices arriving while the
// buffer is full are dropped and counted.
type ChannelSubscriber struct {
	ch        chan Notice
	sessionID string
	dropped   atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewChannelSubscriber creates a subscriber with the given buffer size. When
// sessionID is set, only notices of that session and notices not bound to
// any session are delivered.
func NewChannelSubscriber(size int, sessionID string) *ChannelSubscriber {
	if size <= 0 {
		size = 64
	}
	return &ChannelSubscriber{
		ch:        make(chan Notice, size),
		sessionID: sessionID,
	}
}

// Notify implements Subscriber.
func (c *ChannelSubscriber) Notify(n Notice) {
	if c.sessionID != "" {
		if s := SessionOf(n); s != "" && s != c.sessionID {
			return
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	select {
	case c.ch <- n:
	default:
		c.dropped.Add(1)
		metrics.SubscriberDropped.Inc()
	}
}

// C returns the receive channel. It is closed by Close.
func (c *ChannelSubscriber) C() <-chan Notice {
	return c.ch
}

// Dropped returns how many notices were dropped for a full buffer.
func (c *ChannelSubscriber) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops delivery and closes the channel. Unsubscribe from the bus
// before or after; both orders are safe.
func (c *ChannelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
