package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazecatch/internal/metrics"
)

// Subscriber receives notices. Implementations must not block for long;
// Publish calls subscribers synchronously.
type Subscriber interface {
	Notify(n Notice)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(n Notice)

// Notify calls f(n).
func (f SubscriberFunc) Notify(n Notice) { f(n) }

type subscription struct {
	id  uint64
	sub Subscriber
}

// Bus fans notices out to all current subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64

	seq    atomic.Uint64
	now    func() time.Time
	logger *zap.Logger
}

// NewBus creates a bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		now:    time.Now,
		logger: logger.With(zap.String("component", "dispatch")),
	}
}

// Subscribe registers a subscriber and returns a function that removes it.
func (b *Bus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, sub: s})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			next := make([]subscription, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			b.subs = append(next, b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish stamps the notice with the next sequence number and delivers it to
// every subscriber in subscription order. A panicking subscriber is logged
// and skipped.
func (b *Bus) Publish(n Notice) {
	h := n.header()
	h.Seq = b.seq.Add(1)
	if h.Time.IsZero() {
		h.Time = b.now()
	}

	metrics.NoticesPublished.WithLabelValues(string(n.NoticeType())).Inc()

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.sub, n)
	}
}

func (b *Bus) deliver(s Subscriber, n Notice) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberFailures.Inc()
			b.logger.Error("subscriber panicked",
				zap.String("notice", string(n.NoticeType())),
				zap.Any("panic", r),
			)
		}
	}()
	s.Notify(n)
}
