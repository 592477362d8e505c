// Package normalizer converts raw captures from the adapters into canonical
// ErrorEvents and computes their fingerprints.
package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// Common errors returned by the normalizer.
var (
	ErrNilCapture  = errors.New("nil raw capture")
	ErrUnknownKind = errors.New("unknown capture kind")
)

// placeholderMessage replaces an empty message.
const placeholderMessage = "(no message)"

// Scope identifies the session an event belongs to.
type Scope struct {
	SessionID string
	TabID     string
}

// Options configures a Normalizer.
type Options struct {
	// MaxMessageLen caps the message length in runes (default: 2000).
	MaxMessageLen int
	// SourceFallback adds the source URL to message-only fingerprints
	// (default: true via DefaultOptions).
	SourceFallback bool
	// Now returns the current time (default: time.Now).
	Now func() time.Time
	// NewID generates event ids (default: uuid v4).
	NewID func() string
}

// DefaultOptions returns default normalizer options.
func DefaultOptions() *Options {
	return &Options{
		MaxMessageLen:  2000,
		SourceFallback: true,
	}
}

// Normalizer builds ErrorEvents. It holds no mutable state.
type Normalizer struct {
	opts Options
}

// New creates a Normalizer.
func New(opts *Options) *Normalizer {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.MaxMessageLen <= 0 {
		o.MaxMessageLen = 2000
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.New().String() }
	}
	return &Normalizer{opts: o}
}

// Normalize converts a raw capture into an ErrorEvent with count 1 and
// pinned false. Missing or unparsable stack data yields an event with no
// frames rather than an error.
func (n *Normalizer) Normalize(raw *models.RawCapture, scope Scope) (*models.ErrorEvent, error) {
	if raw == nil {
		return nil, ErrNilCapture
	}
	if !raw.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, raw.Kind)
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = n.opts.Now()
	}

	e := &models.ErrorEvent{
		ID:              n.opts.NewID(),
		Kind:            raw.Kind,
		FirstSeen:       ts,
		LastSeen:        ts,
		OccurrenceCount: 1,
		SessionID:       scope.SessionID,
		TabID:           scope.TabID,
	}

	var stack string
	switch raw.Kind {
	case models.KindLoggedError:
		p := raw.Logged
		e.Message = p.Message
		stack = p.Stack
		if p.URL != "" {
			e.SourceLocation = &models.SourceLocation{URL: p.URL}
		}
	case models.KindUncaughtException:
		p := raw.Uncaught
		e.Message = p.Message
		stack = p.Stack
		if p.Filename != "" {
			e.SourceLocation = &models.SourceLocation{URL: p.Filename, Line: p.Line, Column: p.Column}
		}
	case models.KindUnhandledRejection:
		p := raw.Rejection
		e.Message = p.Reason
		stack = p.Stack
	case models.KindResourceFailure:
		p := raw.Resource
		tag := strings.ToLower(p.TagName)
		if tag == "" {
			tag = "resource"
		}
		e.Message = fmt.Sprintf("Failed to load %s: %s", tag, p.URL)
		if p.URL != "" {
			e.SourceLocation = &models.SourceLocation{URL: p.URL}
		}
	case models.KindNetworkFailure:
		p := raw.Network
		e.Message = networkMessage(p)
		if p.URL != "" {
			e.SourceLocation = &models.SourceLocation{URL: p.URL}
		}
	}

	e.Message = n.cleanMessage(e.Message)
	e.StackFrames = ParseStack(stack)
	if e.SourceLocation == nil {
		if top, ok := e.TopFrame(); ok {
			e.SourceLocation = &models.SourceLocation{URL: top.Source, Line: top.Line, Column: top.Column}
		}
	}
	e.Fingerprint = Fingerprint(e, n.opts.SourceFallback)

	return e, nil
}

func (n *Normalizer) cleanMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return placeholderMessage
	}
	if utf8.RuneCountInString(msg) > n.opts.MaxMessageLen {
		runes := []rune(msg)
		msg = string(runes[:n.opts.MaxMessageLen]) + "…"
	}
	return msg
}

func networkMessage(p *models.NetworkPayload) string {
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = "GET"
	}

	var reason string
	switch {
	case p.Status > 0 && p.StatusText != "":
		reason = fmt.Sprintf("%d %s", p.Status, p.StatusText)
	case p.Status > 0:
		reason = fmt.Sprintf("%d", p.Status)
	case p.Error != "":
		reason = p.Error
	default:
		reason = "network error"
	}
	return fmt.Sprintf("%s %s failed: %s", method, p.URL, reason)
}
