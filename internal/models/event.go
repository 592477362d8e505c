// Package models contains the core data structures for BlazeCatch.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies which failure channel produced an event.
type Kind string

const (
	KindLoggedError        Kind = "logged_error"
	KindUncaughtException  Kind = "uncaught_exception"
	KindUnhandledRejection Kind = "unhandled_rejection"
	KindResourceFailure    Kind = "resource_failure"
	KindNetworkFailure     Kind = "network_failure"
)

// Kinds lists every supported failure kind in a stable order.
var Kinds = []Kind{
	KindLoggedError,
	KindUncaughtException,
	KindUnhandledRejection,
	KindResourceFailure,
	KindNetworkFailure,
}

// ParseKind converts a string to a Kind. It accepts the canonical
// snake_case names and a few short aliases used by the browser extension.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "logged_error", "console", "logged":
		return KindLoggedError, true
	case "uncaught_exception", "uncaught", "error":
		return KindUncaughtException, true
	case "unhandled_rejection", "rejection", "unhandledrejection":
		return KindUnhandledRejection, true
	case "resource_failure", "resource":
		return KindResourceFailure, true
	case "network_failure", "network":
		return KindNetworkFailure, true
	default:
		return "", false
	}
}

// StackFrame is a single parsed frame of a stack trace.
type StackFrame struct {
	Function string `json:"function,omitempty"`
	Source   string `json:"source,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

// String renders the frame the way V8 prints it.
func (f StackFrame) String() string {
	loc := fmt.Sprintf("%s:%d:%d", f.Source, f.Line, f.Column)
	if f.Function == "" {
		return loc
	}
	return fmt.Sprintf("%s (%s)", f.Function, loc)
}

// SourceLocation points at the file or URL where a failure originated.
type SourceLocation struct {
	URL    string `json:"url"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// ErrorEvent is the canonical representation of one observed failure.
type ErrorEvent struct {
	// ID is assigned at normalization and never changes.
	ID string `json:"id"`

	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// StackFrames is ordered top (innermost) first. May be empty.
	StackFrames    []StackFrame    `json:"stack_frames,omitempty"`
	SourceLocation *SourceLocation `json:"source_location,omitempty"`

	// Fingerprint identifies "the same error" across occurrences.
	Fingerprint string `json:"fingerprint"`

	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	OccurrenceCount int       `json:"occurrence_count"`

	Pinned bool `json:"pinned"`

	SessionID string `json:"session_id"`
	TabID     string `json:"tab_id,omitempty"`

	// Highlights lists ids of highlight rules that matched this event.
	Highlights []string `json:"highlights,omitempty"`
}

// TopFrame returns the innermost stack frame, if any.
func (e *ErrorEvent) TopFrame() (StackFrame, bool) {
	if len(e.StackFrames) == 0 {
		return StackFrame{}, false
	}
	return e.StackFrames[0], true
}

// StackText renders the parsed frames one per line.
func (e *ErrorEvent) StackText() string {
	if len(e.StackFrames) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range e.StackFrames {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.String())
	}
	return b.String()
}

// SourceURL returns the best known origin of the event: the top frame's
// source, falling back to the recorded source location.
func (e *ErrorEvent) SourceURL() string {
	if top, ok := e.TopFrame(); ok && top.Source != "" {
		return top.Source
	}
	if e.SourceLocation != nil {
		return e.SourceLocation.URL
	}
	return ""
}

// Clone returns a deep copy of the event. Notices carry clones so that
// subscribers never observe later in-place mutation.
func (e *ErrorEvent) Clone() *ErrorEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.StackFrames != nil {
		c.StackFrames = append([]StackFrame(nil), e.StackFrames...)
	}
	if e.SourceLocation != nil {
		loc := *e.SourceLocation
		c.SourceLocation = &loc
	}
	if e.Highlights != nil {
		c.Highlights = append([]string(nil), e.Highlights...)
	}
	return &c
}

// JSON returns the event as JSON bytes.
func (e *ErrorEvent) JSON() ([]byte, error) {
	return json.Marshal(e)
}
