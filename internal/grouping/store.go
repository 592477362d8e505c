// Package grouping collapses repeated occurrences of the same error into a
// single entry keyed by fingerprint.
package grouping

import (
	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// DefaultDeliveryMemory is how many delivery ids MarkSeen remembers.
const DefaultDeliveryMemory = 1024

// Store maps fingerprint to the live event of one session. It is not safe
// for concurrent use; the owning session serializes access.
type Store struct {
	byFingerprint map[string]*models.ErrorEvent
	byID          map[string]*models.ErrorEvent

	deliveries *deliveryRing
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byFingerprint: make(map[string]*models.ErrorEvent),
		byID:          make(map[string]*models.ErrorEvent),
		deliveries:    newDeliveryRing(DefaultDeliveryMemory),
	}
}

// Upsert records one occurrence. For a known fingerprint the stored entry's
// count is incremented and lastSeen advanced; id, firstSeen and pinned are
// kept. Otherwise the event is inserted with count 1. The returned pointer
// is the stored entry.
func (s *Store) Upsert(event *models.ErrorEvent) (stored *models.ErrorEvent, created bool) {
	if existing, ok := s.byFingerprint[event.Fingerprint]; ok {
		existing.OccurrenceCount++
		if event.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = event.LastSeen
		}
		existing.Highlights = mergeHighlights(existing.Highlights, event.Highlights)
		return existing, false
	}

	event.OccurrenceCount = 1
	if event.LastSeen.Before(event.FirstSeen) {
		event.LastSeen = event.FirstSeen
	}
	s.byFingerprint[event.Fingerprint] = event
	s.byID[event.ID] = event
	return event, true
}

// MarkSeen records a delivery id and reports whether it was already seen
// recently. An empty id is never seen.
func (s *Store) MarkSeen(deliveryID string) bool {
	if deliveryID == "" {
		return false
	}
	if s.deliveries.contains(deliveryID) {
		return true
	}
	s.deliveries.add(deliveryID)
	return false
}

// Insert adds an entry as is, keeping its count. Used to rehydrate pinned
// entries. An entry with the same fingerprint is replaced.
func (s *Store) Insert(event *models.ErrorEvent) {
	if old, ok := s.byFingerprint[event.Fingerprint]; ok {
		delete(s.byID, old.ID)
	}
	if event.OccurrenceCount < 1 {
		event.OccurrenceCount = 1
	}
	s.byFingerprint[event.Fingerprint] = event
	s.byID[event.ID] = event
}

// Get returns the entry for a fingerprint.
func (s *Store) Get(fingerprint string) (*models.ErrorEvent, bool) {
	e, ok := s.byFingerprint[fingerprint]
	return e, ok
}

// ByID returns the entry with the given event id.
func (s *Store) ByID(id string) (*models.ErrorEvent, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// Remove drops the mapping for a fingerprint.
func (s *Store) Remove(fingerprint string) {
	if e, ok := s.byFingerprint[fingerprint]; ok {
		delete(s.byID, e.ID)
		delete(s.byFingerprint, fingerprint)
	}
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	return len(s.byFingerprint)
}

// Clear drops every entry for which keep returns false. A nil keep drops all.
func (s *Store) Clear(keep func(*models.ErrorEvent) bool) {
	for fp, e := range s.byFingerprint {
		if keep != nil && keep(e) {
			continue
		}
		delete(s.byID, e.ID)
		delete(s.byFingerprint, fp)
	}
}

func mergeHighlights(have, add []string) []string {
	for _, id := range add {
		found := false
		for _, h := range have {
			if h == id {
				found = true
				break
			}
		}
		if !found {
			have = append(have, id)
		}
	}
	return have
}

// deliveryRing remembers the last N delivery ids in arrival order.
type deliveryRing struct {
	ids  []string
	next int
	seen map[string]struct{}
}

func newDeliveryRing(capacity int) *deliveryRing {
	return &deliveryRing{
		ids:  make([]string, capacity),
		seen: make(map[string]struct{}, capacity),
	}
}

func (r *deliveryRing) contains(id string) bool {
	_, ok := r.seen[id]
	return ok
}

func (r *deliveryRing) add(id string) {
	if old := r.ids[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ids[r.next] = id
	r.seen[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
}
