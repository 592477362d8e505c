// Package sessions serves the session, capture, pin and notice stream
// endpoints.
package sessions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazecatch/internal/dispatch"
	"github.com/good-yellow-bee/blazecatch/internal/metrics"
	"github.com/good-yellow-bee/blazecatch/internal/models"
	"github.com/good-yellow-bee/blazecatch/internal/session"
)

// Response helpers (same envelope as the api package)
type errorResponse struct {
	Error errorBody `json:"error"`
}
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
type dataResponse struct {
	Data any `json:"data"`
}

const (
	errCodeBadRequest    = "BAD_REQUEST"
	errCodeNotFound      = "NOT_FOUND"
	errCodeConflict      = "CONFLICT"
	errCodeInternalError = "INTERNAL_ERROR"
)

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Code: code, Message: message}})
}

func jsonStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dataResponse{Data: data})
}

// maxCaptureBytes bounds one capture payload.
const maxCaptureBytes = 1 << 20

// DeliveryHeader carries the optional at-least-once delivery id.
const DeliveryHeader = "X-Delivery-ID"

// StreamConfig bounds notice streams.
type StreamConfig struct {
	MaxDuration time.Duration // Lifetime of one stream (default: 30m)
	Heartbeat   time.Duration // Keepalive interval (default: 15s)
	Buffer      int           // Notices buffered per stream (default: 256)
	Retry       time.Duration // Reconnect delay advertised to clients (default: 3s)
}

func (c *StreamConfig) setDefaults() {
	if c.MaxDuration <= 0 {
		c.MaxDuration = 30 * time.Minute
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Retry <= 0 {
		c.Retry = 3 * time.Second
	}
}

// Handler serves session endpoints.
type Handler struct {
	manager *session.Manager
	stream  StreamConfig
	logger  *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(m *session.Manager, stream StreamConfig, logger *zap.Logger) *Handler {
	stream.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: m, stream: stream, logger: logger.With(zap.String("component", "api"))}
}

// StartRequest is the body of POST /sessions.
type StartRequest struct {
	SessionID string `json:"session_id,omitempty"`
	TabID     string `json:"tab_id"`
	Hostname  string `json:"hostname"`
}

// CaptureResponse reports what the pipeline did with a capture.
type CaptureResponse struct {
	Outcome session.Outcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// writeManagerError maps manager errors to responses.
func (h *Handler) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		jsonError(w, http.StatusNotFound, errCodeNotFound, "session not found")
	case errors.Is(err, session.ErrEventNotFound):
		jsonError(w, http.StatusNotFound, errCodeNotFound, "event not found")
	case errors.Is(err, session.ErrSessionExists):
		jsonError(w, http.StatusConflict, errCodeConflict, "session already exists")
	default:
		h.logger.Error("session request failed", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
	}
}

// Start handles POST /api/v1/sessions.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}
	req.Hostname = strings.TrimSpace(req.Hostname)
	if req.Hostname == "" {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "hostname is required")
		return
	}

	info, err := h.manager.Start(r.Context(), req.SessionID, req.TabID, req.Hostname)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, info)
}

// List handles GET /api/v1/sessions.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	jsonStatus(w, http.StatusOK, h.manager.Sessions())
}

// Get handles GET /api/v1/sessions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.manager.Session(chi.URLParam(r, "id"))
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	jsonStatus(w, http.StatusOK, info)
}

// End handles DELETE /api/v1/sessions/{id}.
func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.End(chi.URLParam(r, "id")); err != nil {
		h.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /api/v1/sessions/{id}/events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.manager.Events(chi.URLParam(r, "id"))
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	jsonStatus(w, http.StatusOK, events)
}

// Capture handles POST /api/v1/sessions/{id}/captures/{kind}. Accepted
// payloads answer 202 whatever the pipeline outcome, including drops.
func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	kind, ok := models.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		jsonError(w, http.StatusNotFound, errCodeNotFound, "unknown capture kind")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCaptureBytes))
	if err != nil {
		jsonError(w, http.StatusRequestEntityTooLarge, errCodeBadRequest, "payload too large")
		return
	}

	outcome, err := h.manager.Capture(chi.URLParam(r, "id"), kind, r.Header.Get(DeliveryHeader), payload)
	if errors.Is(err, session.ErrSessionNotFound) {
		h.writeManagerError(w, err)
		return
	}

	resp := CaptureResponse{Outcome: outcome}
	if err != nil {
		resp.Reason = err.Error()
	}
	jsonStatus(w, http.StatusAccepted, resp)
}

// Clear handles POST /api/v1/sessions/{id}/clear.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.Clear(chi.URLParam(r, "id"))
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	jsonStatus(w, http.StatusOK, map[string]int{"cleared": n})
}

// Pin handles POST /api/v1/events/{id}/pin.
func (h *Handler) Pin(w http.ResponseWriter, r *http.Request) {
	e, err := h.manager.Pin(chi.URLParam(r, "id"))
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	jsonStatus(w, http.StatusOK, e)
}

// Unpin handles DELETE /api/v1/events/{id}/pin.
func (h *Handler) Unpin(w http.ResponseWriter, r *http.Request) {
	e, err := h.manager.Unpin(chi.URLParam(r, "id"))
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	jsonStatus(w, http.StatusOK, e)
}

// Stream handles GET /api/v1/sessions/{id}/stream, relaying the session's
// notices as Server-Sent Events named after the notice type.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.manager.Session(id); err != nil {
		h.writeManagerError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "streaming not supported")
		return
	}

	sub := dispatch.NewChannelSubscriber(h.stream.Buffer, id)
	unsubscribe := h.manager.Bus().Subscribe(sub)
	defer func() {
		unsubscribe()
		sub.Close()
	}()

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := NewSSEWriter(w, flusher)
	if err := sse.SendComment("connected"); err != nil {
		return
	}
	if err := sse.SendRetry(int(h.stream.Retry.Milliseconds())); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.stream.Heartbeat)
	defer heartbeat.Stop()
	deadline := time.NewTimer(h.stream.MaxDuration)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-deadline.C:
			sse.SendEvent("close", []byte(`{"reason":"timeout"}`))
			return

		case <-heartbeat.C:
			if _, err := h.manager.Session(id); err != nil {
				sse.SendEvent("close", []byte(`{"reason":"session_ended"}`))
				return
			}
			if err := sse.SendComment("keepalive"); err != nil {
				return
			}

		case n, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Warn("failed to encode notice", zap.Error(err))
				continue
			}
			if err := sse.SendEvent(string(n.NoticeType()), data); err != nil {
				return
			}
		}
	}
}
