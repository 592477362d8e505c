package models

import "time"

// RawCapture is what a capture adapter hands to the normalizer.
// Exactly one of the payload pointers is set, matching Kind.
type RawCapture struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Logged    *LoggedPayload    `json:"logged,omitempty"`
	Uncaught  *UncaughtPayload  `json:"uncaught,omitempty"`
	Rejection *RejectionPayload `json:"rejection,omitempty"`
	Resource  *ResourcePayload  `json:"resource,omitempty"`
	Network   *NetworkPayload   `json:"network,omitempty"`
}

// LoggedPayload is a console.error style call.
type LoggedPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	URL     string `json:"url,omitempty"`
}

// UncaughtPayload is a window "error" event.
type UncaughtPayload struct {
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
	Line     int    `json:"lineno,omitempty"`
	Column   int    `json:"colno,omitempty"`
	Stack    string `json:"stack,omitempty"`
}

// RejectionPayload is an "unhandledrejection" event.
type RejectionPayload struct {
	Reason string `json:"reason"`
	Stack  string `json:"stack,omitempty"`
}

// ResourcePayload is a failed <script>, <img>, <link> ... load.
type ResourcePayload struct {
	TagName string `json:"tag_name"`
	URL     string `json:"url"`
}

// NetworkPayload is a failed fetch/XHR request.
type NetworkPayload struct {
	Method     string `json:"method"`
	URL        string `json:"url"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Valid reports whether the payload pointer matching Kind is present.
func (r *RawCapture) Valid() bool {
	if r == nil {
		return false
	}
	switch r.Kind {
	case KindLoggedError:
		return r.Logged != nil
	case KindUncaughtException:
		return r.Uncaught != nil
	case KindUnhandledRejection:
		return r.Rejection != nil
	case KindResourceFailure:
		return r.Resource != nil
	case KindNetworkFailure:
		return r.Network != nil
	default:
		return false
	}
}
