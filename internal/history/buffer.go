// Package history keeps the bounded, pin-aware event history of a session.
package history

import (
	"errors"

	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// DefaultCapacity is the default number of unpinned entries kept.
const DefaultCapacity = 200

// ErrNotFound is returned when an entry id is not in the buffer.
var ErrNotFound = errors.New("history entry not found")

// Buffer holds unpinned entries in arrival order plus a separate pinned
// list. Only unpinned entries count against the capacity. It is not safe for
// concurrent use; the owning session serializes access.
type Buffer struct {
	capacity int
	unpinned []*models.ErrorEvent
	pinned   []*models.ErrorEvent
}

// New creates a buffer. A non-positive capacity uses DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		unpinned: make([]*models.ErrorEvent, 0, capacity+1),
	}
}

// Capacity returns the unpinned capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// SetCapacity changes the capacity and returns any entries evicted to fit,
// oldest first.
func (b *Buffer) SetCapacity(capacity int) []*models.ErrorEvent {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b.capacity = capacity

	var evicted []*models.ErrorEvent
	for len(b.unpinned) > b.capacity {
		evicted = append(evicted, b.evictOldest())
	}
	return evicted
}

// Append adds a newly created entry. Pinned entries go to the pinned list.
// When the unpinned list exceeds capacity, the oldest unpinned entry is
// evicted and returned.
func (b *Buffer) Append(e *models.ErrorEvent) (evicted *models.ErrorEvent) {
	if e.Pinned {
		b.pinned = append(b.pinned, e)
		return nil
	}
	b.unpinned = append(b.unpinned, e)
	if len(b.unpinned) > b.capacity {
		return b.evictOldest()
	}
	return nil
}

// Pin moves an entry into the pinned list. Pinning a pinned entry is a no-op.
func (b *Buffer) Pin(id string) (*models.ErrorEvent, error) {
	if i := indexOf(b.pinned, id); i >= 0 {
		return b.pinned[i], nil
	}
	i := indexOf(b.unpinned, id)
	if i < 0 {
		return nil, ErrNotFound
	}
	e := b.unpinned[i]
	b.unpinned = remove(b.unpinned, i)
	e.Pinned = true
	b.pinned = append(b.pinned, e)
	return e, nil
}

// Unpin moves an entry back to the unpinned list as its newest member. The
// entry is not deleted, but re-entering may evict the oldest other entry.
func (b *Buffer) Unpin(id string) (e *models.ErrorEvent, evicted *models.ErrorEvent, err error) {
	if i := indexOf(b.unpinned, id); i >= 0 {
		return b.unpinned[i], nil, nil
	}
	i := indexOf(b.pinned, id)
	if i < 0 {
		return nil, nil, ErrNotFound
	}
	e = b.pinned[i]
	b.pinned = remove(b.pinned, i)
	e.Pinned = false
	b.unpinned = append(b.unpinned, e)
	if len(b.unpinned) > b.capacity {
		evicted = b.evictOldest()
	}
	return e, evicted, nil
}

// Remove drops an entry regardless of pin state.
func (b *Buffer) Remove(id string) bool {
	if i := indexOf(b.unpinned, id); i >= 0 {
		b.unpinned = remove(b.unpinned, i)
		return true
	}
	if i := indexOf(b.pinned, id); i >= 0 {
		b.pinned = remove(b.pinned, i)
		return true
	}
	return false
}

// Clear drops all unpinned entries and returns them. Pinned entries stay.
func (b *Buffer) Clear() []*models.ErrorEvent {
	dropped := b.unpinned
	b.unpinned = make([]*models.ErrorEvent, 0, b.capacity+1)
	return dropped
}

// Get returns an entry by id.
func (b *Buffer) Get(id string) (*models.ErrorEvent, bool) {
	if i := indexOf(b.pinned, id); i >= 0 {
		return b.pinned[i], true
	}
	if i := indexOf(b.unpinned, id); i >= 0 {
		return b.unpinned[i], true
	}
	return nil, false
}

// Entries returns pinned entries in pin order followed by unpinned entries
// in arrival order.
func (b *Buffer) Entries() []*models.ErrorEvent {
	out := make([]*models.ErrorEvent, 0, len(b.pinned)+len(b.unpinned))
	out = append(out, b.pinned...)
	return append(out, b.unpinned...)
}

// Unpinned returns the evictable entries, oldest first.
func (b *Buffer) Unpinned() []*models.ErrorEvent {
	return append([]*models.ErrorEvent(nil), b.unpinned...)
}

// Pinned returns the pinned entries in pin order.
func (b *Buffer) Pinned() []*models.ErrorEvent {
	return append([]*models.ErrorEvent(nil), b.pinned...)
}

// Len returns the total number of entries.
func (b *Buffer) Len() int {
	return len(b.pinned) + len(b.unpinned)
}

func (b *Buffer) evictOldest() *models.ErrorEvent {
	e := b.unpinned[0]
	b.unpinned[0] = nil
	b.unpinned = b.unpinned[1:]
	return e
}

func indexOf(list []*models.ErrorEvent, id string) int {
	for i, e := range list {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func remove(list []*models.ErrorEvent, i int) []*models.ErrorEvent {
	copy(list[i:], list[i+1:])
	list[len(list)-1] = nil
	return list[:len(list)-1]
}
