// Package session runs the capture pipeline for each browsing session and
// owns the per-session state: storm guard, grouping store and history.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/good-yellow-bee/blazecatch/internal/grouping"
	"github.com/good-yellow-bee/blazecatch/internal/history"
	"github.com/good-yellow-bee/blazecatch/internal/stormguard"
)

// Common errors returned by the manager.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrEventNotFound   = errors.New("event not found")
)

// Outcome is the result of running one capture through the pipeline.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeRejected   Outcome = "rejected"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDisabled   Outcome = "disabled"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeInvalid    Outcome = "invalid"
)

// CoreState is the state of one session. mu serializes the pipeline so that
// one capture runs to completion before the next starts.
type CoreState struct {
	mu sync.Mutex

	id        string
	tabID     string
	hostname  string
	startedAt time.Time

	guard  *stormguard.Guard
	store  *grouping.Store
	buffer *history.Buffer
}

func newCoreState(id, tabID, hostname string, startedAt time.Time, guardCfg stormguard.Config, capacity int) *CoreState {
	return &CoreState{
		id:        id,
		tabID:     tabID,
		hostname:  hostname,
		startedAt: startedAt,
		guard:     stormguard.New(guardCfg),
		store:     grouping.NewStore(),
		buffer:    history.New(capacity),
	}
}

// Info is a snapshot of a session for listing.
type Info struct {
	ID         string    `json:"id"`
	TabID      string    `json:"tab_id,omitempty"`
	Hostname   string    `json:"hostname"`
	StartedAt  time.Time `json:"started_at"`
	Entries    int       `json:"entries"`
	Pinned     int       `json:"pinned"`
	Suppressed bool      `json:"suppressed"`
}

// info must be called with s.mu held.
func (s *CoreState) info() Info {
	return Info{
		ID:         s.id,
		TabID:      s.tabID,
		Hostname:   s.hostname,
		StartedAt:  s.startedAt,
		Entries:    s.buffer.Len(),
		Pinned:     len(s.buffer.Pinned()),
		Suppressed: s.guard.Suppressed(),
	}
}
