package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/good-yellow-bee/blazecatch/internal/models"
)

// common carries fields every channel may send.
type common struct {
	// Timestamp is epoch milliseconds as reported by the page.
	Timestamp float64 `json:"timestamp"`
}

func (c common) time() time.Time {
	if c.Timestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(c.Timestamp))
}

func unmarshalObject(payload json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: expected JSON object", ErrMalformedPayload)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

type loggedWire struct {
	common
	Args    []json.RawMessage `json:"args"`
	Message string            `json:"message"`
	Stack   string            `json:"stack"`
	URL     string            `json:"url"`
}

func decodeLogged(payload json.RawMessage, raw *models.RawCapture) error {
	var w loggedWire
	if err := unmarshalObject(payload, &w); err != nil {
		return err
	}
	if len(w.Args) == 0 && w.Message == "" {
		return fmt.Errorf("%w: no args or message", ErrMalformedPayload)
	}

	msg := w.Message
	stack := w.Stack
	if len(w.Args) > 0 {
		parts := make([]string, 0, len(w.Args))
		for _, arg := range w.Args {
			text, argStack := describeValue(arg)
			parts = append(parts, text)
			if stack == "" && argStack != "" {
				stack = argStack
			}
		}
		msg = strings.Join(parts, " ")
	}

	raw.Timestamp = w.time()
	raw.Logged = &models.LoggedPayload{Message: msg, Stack: stack, URL: w.URL}
	return nil
}

type errorLike struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

type uncaughtWire struct {
	common
	Message  string     `json:"message"`
	Filename string     `json:"filename"`
	Line     int        `json:"lineno"`
	Column   int        `json:"colno"`
	Stack    string     `json:"stack"`
	Error    *errorLike `json:"error"`
}

func decodeUncaught(payload json.RawMessage, raw *models.RawCapture) error {
	var w uncaughtWire
	if err := unmarshalObject(payload, &w); err != nil {
		return err
	}

	msg, stack := w.Message, w.Stack
	if w.Error != nil {
		if msg == "" {
			msg = w.Error.Message
		}
		if stack == "" {
			stack = w.Error.Stack
		}
	}
	if msg == "" && w.Filename == "" {
		return fmt.Errorf("%w: uncaught exception without message or filename", ErrMalformedPayload)
	}

	raw.Timestamp = w.time()
	raw.Uncaught = &models.UncaughtPayload{
		Message:  msg,
		Filename: w.Filename,
		Line:     w.Line,
		Column:   w.Column,
		Stack:    stack,
	}
	return nil
}

type rejectionWire struct {
	common
	Reason json.RawMessage `json:"reason"`
	Stack  string          `json:"stack"`
}

func decodeRejection(payload json.RawMessage, raw *models.RawCapture) error {
	var w rejectionWire
	if err := unmarshalObject(payload, &w); err != nil {
		return err
	}

	reason, stack := describeValue(w.Reason)
	if w.Stack != "" {
		stack = w.Stack
	}

	raw.Timestamp = w.time()
	raw.Rejection = &models.RejectionPayload{Reason: reason, Stack: stack}
	return nil
}

type resourceWire struct {
	common
	TagName string `json:"tagName"`
	Tag     string `json:"tag_name"`
	URL     string `json:"url"`
	Src     string `json:"src"`
}

func decodeResource(payload json.RawMessage, raw *models.RawCapture) error {
	var w resourceWire
	if err := unmarshalObject(payload, &w); err != nil {
		return err
	}

	tag := firstNonEmpty(w.TagName, w.Tag)
	url := firstNonEmpty(w.URL, w.Src)
	if url == "" {
		return fmt.Errorf("%w: resource failure without url", ErrMalformedPayload)
	}

	raw.Timestamp = w.time()
	raw.Resource = &models.ResourcePayload{TagName: tag, URL: url}
	return nil
}

type networkWire struct {
	common
	Method     string `json:"method"`
	URL        string `json:"url"`
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Error      string `json:"error"`
}

func decodeNetwork(payload json.RawMessage, raw *models.RawCapture) error {
	var w networkWire
	if err := unmarshalObject(payload, &w); err != nil {
		return err
	}
	if w.URL == "" {
		return fmt.Errorf("%w: network failure without url", ErrMalformedPayload)
	}
	if w.Status < 0 || w.Status > 999 {
		return fmt.Errorf("%w: invalid status %d", ErrMalformedPayload, w.Status)
	}

	raw.Timestamp = w.time()
	raw.Network = &models.NetworkPayload{
		Method:     w.Method,
		URL:        w.URL,
		Status:     w.Status,
		StatusText: w.StatusText,
		Error:      w.Error,
	}
	return nil
}

// describeValue renders an arbitrary JSON value the way the console would
// print it. Error-like objects yield their message and stack.
func describeValue(v json.RawMessage) (text, stack string) {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "null", ""
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s, ""
		}
	case '{':
		var e errorLike
		if err := json.Unmarshal(trimmed, &e); err == nil && e.Message != "" {
			return e.Message, e.Stack
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err == nil {
			return compact.String(), ""
		}
	default:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64), ""
		}
	}
	return string(trimmed), ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
