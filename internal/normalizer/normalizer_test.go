package normalizer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/good-yellow-bee/blazecatch/internal/models"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return fixedNow }
	n := 0
	opts.NewID = func() string {
		n++
		return "evt-" + string(rune('0'+n))
	}
	return New(opts)
}

const v8Stack = `TypeError: Cannot read properties of undefined (reading 'x')
    at render (https://shop.test/static/app.js:120:17)
    at async loadCart (https://shop.test/static/cart.js:44:3)
    at https://shop.test/static/boot.js:1:9`

const geckoStack = `render@https://shop.test/static/app.js:120:17
loadCart@https://shop.test/static/cart.js:44:3
@https://shop.test/static/boot.js:1:9`

func TestParseStack_V8(t *testing.T) {
	frames := ParseStack(v8Stack)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}

	want := []models.StackFrame{
		{Function: "render", Source: "https://shop.test/static/app.js", Line: 120, Column: 17},
		{Function: "loadCart", Source: "https://shop.test/static/cart.js", Line: 44, Column: 3},
		{Function: "", Source: "https://shop.test/static/boot.js", Line: 1, Column: 9},
	}
	for i, f := range frames {
		if f != want[i] {
			t.Errorf("frame %d = %+v, want %+v", i, f, want[i])
		}
	}
}

func TestParseStack_Gecko(t *testing.T) {
	frames := ParseStack(geckoStack)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if frames[0].Function != "render" || frames[0].Line != 120 {
		t.Errorf("unexpected top frame %+v", frames[0])
	}
	if frames[2].Function != "" {
		t.Errorf("anonymous frame function = %q", frames[2].Function)
	}
}

func TestParseStack_PortInURL(t *testing.T) {
	frames := ParseStack("    at f (http://localhost:3000/main.js:5:2)")
	if len(frames) != 1 {
		t.Fatalf("got %d frames", len(frames))
	}
	if frames[0].Source != "http://localhost:3000/main.js" {
		t.Errorf("source = %q", frames[0].Source)
	}
}

func TestParseStack_Garbage(t *testing.T) {
	for _, s := range []string{"", "   ", "no frames here", "at nowhere"} {
		if frames := ParseStack(s); len(frames) != 0 {
			t.Errorf("ParseStack(%q) = %v, want empty", s, frames)
		}
	}
}

func TestNormalize_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		raw      *models.RawCapture
		wantMsg  string
		wantSrc  string
		wantStck int
	}{
		{
			name:     "logged error",
			raw:      &models.RawCapture{Kind: models.KindLoggedError, Logged: &models.LoggedPayload{Message: "boom", Stack: v8Stack}},
			wantMsg:  "boom",
			wantSrc:  "https://shop.test/static/app.js",
			wantStck: 3,
		},
		{
			name: "uncaught exception",
			raw: &models.RawCapture{Kind: models.KindUncaughtException, Uncaught: &models.UncaughtPayload{
				Message: "Uncaught ReferenceError: x is not defined", Filename: "https://a.test/x.js", Line: 3, Column: 1,
			}},
			wantMsg: "Uncaught ReferenceError: x is not defined",
			wantSrc: "https://a.test/x.js",
		},
		{
			name:    "unhandled rejection",
			raw:     &models.RawCapture{Kind: models.KindUnhandledRejection, Rejection: &models.RejectionPayload{Reason: "timeout"}},
			wantMsg: "timeout",
		},
		{
			name:    "resource failure",
			raw:     &models.RawCapture{Kind: models.KindResourceFailure, Resource: &models.ResourcePayload{TagName: "IMG", URL: "https://cdn.test/a.png"}},
			wantMsg: "Failed to load img: https://cdn.test/a.png",
			wantSrc: "https://cdn.test/a.png",
		},
		{
			name: "network failure",
			raw: &models.RawCapture{Kind: models.KindNetworkFailure, Network: &models.NetworkPayload{
				Method: "post", URL: "https://api.test/cart", Status: 503, StatusText: "Service Unavailable",
			}},
			wantMsg: "POST https://api.test/cart failed: 503 Service Unavailable",
			wantSrc: "https://api.test/cart",
		},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := n.Normalize(tt.raw, Scope{SessionID: "s1", TabID: "t1"})
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if e.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", e.Message, tt.wantMsg)
			}
			if got := e.SourceURL(); got != tt.wantSrc {
				t.Errorf("SourceURL = %q, want %q", got, tt.wantSrc)
			}
			if len(e.StackFrames) != tt.wantStck {
				t.Errorf("frames = %d, want %d", len(e.StackFrames), tt.wantStck)
			}
			if e.OccurrenceCount != 1 || e.Pinned {
				t.Errorf("count=%d pinned=%v, want 1/false", e.OccurrenceCount, e.Pinned)
			}
			if e.SessionID != "s1" || e.TabID != "t1" {
				t.Errorf("scope not applied: %q %q", e.SessionID, e.TabID)
			}
			if !e.FirstSeen.Equal(fixedNow) || !e.LastSeen.Equal(fixedNow) {
				t.Errorf("timestamps not defaulted to clock")
			}
			if e.Fingerprint == "" {
				t.Error("fingerprint is empty")
			}
		})
	}
}

func TestNormalize_Errors(t *testing.T) {
	n := newTestNormalizer()

	if _, err := n.Normalize(nil, Scope{}); !errors.Is(err, ErrNilCapture) {
		t.Errorf("nil capture err = %v", err)
	}
	if _, err := n.Normalize(&models.RawCapture{Kind: "weird"}, Scope{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind err = %v", err)
	}
}

func TestNormalize_UnparsableStackKeepsMessage(t *testing.T) {
	n := newTestNormalizer()
	e, err := n.Normalize(&models.RawCapture{
		Kind:   models.KindLoggedError,
		Logged: &models.LoggedPayload{Message: "kept", Stack: "\x00\x01 garbage"},
	}, Scope{})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if e.Message != "kept" || len(e.StackFrames) != 0 {
		t.Errorf("got message %q frames %d", e.Message, len(e.StackFrames))
	}
}

func TestNormalize_EmptyAndLongMessages(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxMessageLen = 10
	n := New(opts)

	e, _ := n.Normalize(&models.RawCapture{Kind: models.KindLoggedError, Logged: &models.LoggedPayload{Message: "  "}}, Scope{})
	if e.Message != placeholderMessage {
		t.Errorf("empty message = %q", e.Message)
	}

	e, _ = n.Normalize(&models.RawCapture{Kind: models.KindLoggedError, Logged: &models.LoggedPayload{Message: strings.Repeat("x", 50)}}, Scope{})
	if got := []rune(e.Message); len(got) != 11 {
		t.Errorf("truncated message has %d runes, want 11", len(got))
	}
}

func TestNormalize_UsesCaptureTimestamp(t *testing.T) {
	n := newTestNormalizer()
	ts := fixedNow.Add(-time.Minute)
	e, _ := n.Normalize(&models.RawCapture{
		Kind: models.KindLoggedError, Timestamp: ts, Logged: &models.LoggedPayload{Message: "m"},
	}, Scope{})
	if !e.FirstSeen.Equal(ts) {
		t.Errorf("FirstSeen = %v, want %v", e.FirstSeen, ts)
	}
}

func TestFingerprint_SameMessageAndTopFrame(t *testing.T) {
	n := newTestNormalizer()
	mk := func(stack string) *models.ErrorEvent {
		e, err := n.Normalize(&models.RawCapture{
			Kind: models.KindLoggedError, Logged: &models.LoggedPayload{Message: "boom", Stack: stack},
		}, Scope{})
		if err != nil {
			t.Fatal(err)
		}
		return e
	}

	a := mk(v8Stack)
	// Same top frame, different column and deeper frames.
	b := mk("    at render (https://shop.test/static/app.js:120:99)\n    at other (x.js:1:1)")
	c := mk("    at render (https://shop.test/static/app.js:121:17)")

	if a.Fingerprint != b.Fingerprint {
		t.Error("identical message and top frame produced different fingerprints")
	}
	if a.Fingerprint == c.Fingerprint {
		t.Error("different top frame line produced the same fingerprint")
	}
	if a.ID == b.ID {
		t.Error("ids should be unique per normalization")
	}
}

func TestFingerprint_MessageOnlyAndSourceFallback(t *testing.T) {
	e1 := &models.ErrorEvent{Message: "Network error", SourceLocation: &models.SourceLocation{URL: "https://a.test"}}
	e2 := &models.ErrorEvent{Message: "Network error", SourceLocation: &models.SourceLocation{URL: "https://b.test"}}

	if Fingerprint(e1, false) != Fingerprint(e2, false) {
		t.Error("message-only fingerprints should match without fallback")
	}
	if Fingerprint(e1, true) == Fingerprint(e2, true) {
		t.Error("source fallback should separate different URLs")
	}
	if len(Fingerprint(e1, true)) != fingerprintLen*2 {
		t.Errorf("fingerprint length = %d", len(Fingerprint(e1, true)))
	}
}

func TestFingerprint_FrameFieldsDoNotRunTogether(t *testing.T) {
	mk := func(fn, src string, line int) *models.ErrorEvent {
		return &models.ErrorEvent{
			Message:     "boom",
			StackFrames: []models.StackFrame{{Function: fn, Source: src, Line: line, Column: 1}},
		}
	}
	tests := []struct {
		name string
		a, b *models.ErrorEvent
	}{
		{"function and source", mk("ab", "c.js", 1), mk("a", "bc.js", 1)},
		{"source and line", mk("f", "a.js1", 2), mk("f", "a.js", 12)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if Fingerprint(tc.a, false) == Fingerprint(tc.b, false) {
				t.Error("distinct frames produced the same fingerprint")
			}
		})
	}
}
