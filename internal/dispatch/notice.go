// Package dispatch delivers pipeline notices to external consumers.
package dispatch

import (
	"encoding/json"
	"time"

	"github.com/good-yellow-bee/blazecatch/internal/models"
	"github.com/good-yellow-bee/blazecatch/internal/stormguard"
)

// Type discriminates notices.
type Type string

const (
	TypeEventCreated   Type = "event_created"
	TypeEventUpdated   Type = "event_updated"
	TypeEventEvicted   Type = "event_evicted"
	TypeSuppression    Type = "suppression"
	TypeStorageWarning Type = "storage_warning"
)

// Header is carried by every notice.
type Header struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
}

func (h *Header) header() *Header { return h }

// Notice is one message on the bus. The set of implementations is closed.
type Notice interface {
	NoticeType() Type
	header() *Header
}

// EventCreated announces a new history entry.
type EventCreated struct {
	Header
	Event *models.ErrorEvent `json:"event"`
}

// EventUpdated announces another occurrence of a known entry.
type EventUpdated struct {
	Header
	Event *models.ErrorEvent `json:"event"`
}

// EventEvicted announces that an entry left the history.
type EventEvicted struct {
	Header
	ID string `json:"id"`
}

// SuppressionNotice summarizes events held back by the storm guard.
type SuppressionNotice struct {
	Header
	stormguard.Notice
}

// StorageWarning reports a persistence failure. The in-memory pipeline is
// unaffected.
type StorageWarning struct {
	Header
	Op      string `json:"op"`
	Message string `json:"message"`
}

func (*EventCreated) NoticeType() Type      { return TypeEventCreated }
func (*EventUpdated) NoticeType() Type      { return TypeEventUpdated }
func (*EventEvicted) NoticeType() Type      { return TypeEventEvicted }
func (*SuppressionNotice) NoticeType() Type { return TypeSuppression }
func (*StorageWarning) NoticeType() Type    { return TypeStorageWarning }

// SessionOf returns the session a notice belongs to.
func SessionOf(n Notice) string {
	return n.header().SessionID
}

// SeqOf returns the bus sequence number of a published notice.
func SeqOf(n Notice) uint64 {
	return n.header().Seq
}

// Envelope is the wire form of a notice.
type Envelope struct {
	Type    Type   `json:"type"`
	Payload Notice `json:"payload"`
}

// Marshal encodes a notice with its type tag.
func Marshal(n Notice) ([]byte, error) {
	return json.Marshal(Envelope{Type: n.NoticeType(), Payload: n})
}
