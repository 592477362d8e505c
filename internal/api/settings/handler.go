// Package settings serves the rule and settings endpoints.
package settings

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazecatch/internal/rules"
	"github.com/good-yellow-bee/blazecatch/internal/session"
	appsettings "github.com/good-yellow-bee/blazecatch/internal/settings"
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
	errCodeBadRequest       = "BAD_REQUEST"
	errCodeValidationFailed = "VALIDATION_FAILED"
	errCodeNotFound         = "NOT_FOUND"
	errCodeConflict         = "CONFLICT"
	errCodeInternalError    = "INTERNAL_ERROR"
)

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Code: code, Message: message}})
}

func jsonOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(dataResponse{Data: data})
}

func jsonCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(dataResponse{Data: data})
}

// maxDocumentBytes bounds an imported settings document.
const maxDocumentBytes = 4 << 20

// Handler serves rule and settings endpoints.
type Handler struct {
	manager *session.Manager
	logger  *zap.Logger
}

// NewHandler creates a settings handler.
func NewHandler(m *session.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: m, logger: logger.With(zap.String("component", "api"))}
}

// RuleResponse is a rule with its load-time state.
type RuleResponse struct {
	rules.Rule
	Active         bool   `json:"active"`
	DisabledReason string `json:"disabled_reason,omitempty"`
}

func ruleToResponse(r *rules.Rule) RuleResponse {
	return RuleResponse{Rule: *r, Active: r.Active(), DisabledReason: r.DisabledReason()}
}

// RulesResponse is the body of GET /rules.
type RulesResponse struct {
	Rules []RuleResponse            `json:"rules"`
	Stats rules.EngineStatsSnapshot `json:"stats"`
}

// ListRules handles GET /api/v1/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	list := h.manager.Rules()
	resp := RulesResponse{Rules: make([]RuleResponse, len(list)), Stats: h.manager.Engine().Stats()}
	for i := range list {
		resp.Rules[i] = ruleToResponse(&list[i])
	}
	jsonOK(w, resp)
}

// CreateRule handles POST /api/v1/rules. A rule whose pattern does not
// compile is stored disabled and reported as such.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}

	added, err := h.manager.AddRule(rule)
	switch {
	case errors.Is(err, rules.ErrDuplicateRule):
		jsonError(w, http.StatusConflict, errCodeConflict, err.Error())
		return
	case err != nil:
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	jsonCreated(w, ruleToResponse(added))
}

// DeleteRule handles DELETE /api/v1/rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.RemoveRule(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			jsonError(w, http.StatusNotFound, errCodeNotFound, "rule not found")
			return
		}
		h.logger.Error("remove rule failed", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /api/v1/settings.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, h.manager.Settings())
}

// Update handles PUT /api/v1/settings. The body carries limits and per-site
// toggles; the rule set is left as is.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	next := h.manager.Settings()
	if err := json.NewDecoder(r.Body).Decode(next); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}
	if next.RingBufferCapacity < 0 || next.StormGuard.Threshold < 0 || next.StormGuard.WindowMs < 0 || next.StormGuard.CooldownMs < 0 {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, "limits must not be negative")
		return
	}
	next.Rules = h.manager.Rules()

	if err := h.manager.ApplySettings(next); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	jsonOK(w, h.manager.Settings())
}

// Export handles GET /api/v1/settings/export.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	data, err := appsettings.Export(h.manager.Settings())
	if err != nil {
		h.logger.Error("export settings failed", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="blazecatch-settings.json"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Import handles POST /api/v1/settings/import. Malformed rule entries are
// skipped and listed in the returned report.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		jsonError(w, http.StatusRequestEntityTooLarge, errCodeBadRequest, "document too large")
		return
	}

	s, report, err := appsettings.Import(data)
	if err != nil {
		if errors.Is(err, appsettings.ErrMalformedDocument) {
			jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
			return
		}
		h.logger.Error("import settings failed", zap.Error(err))
		jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
		return
	}
	if err := h.manager.ApplySettings(s); err != nil {
		jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}

	h.logger.Info("settings imported",
		zap.Int("imported", report.Imported),
		zap.Int("skipped", len(report.Skipped)),
	)
	jsonOK(w, report)
}
