package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/peptidehub/be-workflows/internal/errors"
	"github.com/peptidehub/be-workflows/internal/logger"
	"github.com/peptidehub/be-workflows/internal/repository"
	"github.com/peptidehub/be-workflows/internal/service"
)

// HTTPHandler exposes the engine and rule management over HTTP.
type HTTPHandler struct {
	engine *service.WorkflowEngineService
	rules  *service.RuleService
	log    *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(engine *service.WorkflowEngineService, rules *service.RuleService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{engine: engine, rules: rules, log: log}
}

// RegisterRoutes attaches all routes to the router.
func (h *HTTPHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows/evaluate", h.Evaluate).Methods(http.MethodPost)

	api.HandleFunc("/approvals", h.CreateManualRequest).Methods(http.MethodPost)
	api.HandleFunc("/approvals/pending", h.ListPending).Methods(http.MethodGet)
	api.HandleFunc("/approvals/history", h.ListHistory).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}", h.GetRequest).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/respond", h.Respond).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/cancel", h.Cancel).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/audit", h.RequestAudit).Methods(http.MethodGet)
	api.HandleFunc("/audit", h.EntityAudit).Methods(http.MethodGet)

	api.HandleFunc("/rules", h.ListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules", h.CreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}", h.GetRule).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", h.UpdateRule).Methods(http.MethodPut)
	api.HandleFunc("/rules/{id}", h.DeleteRule).Methods(http.MethodDelete)
}

// ── Engine ────────────────────────────────────────────────────────────────────

// EvaluateRequest is the payload entity handlers send before committing
// their own state transition.
type EvaluateRequest struct {
	EntityType   repository.EntityType   `json:"entityType"`
	EntityID     string                  `json:"entityId"`
	TriggerEvent repository.TriggerEvent `json:"triggerEvent"`
	Snapshot     map[string]any          `json:"snapshot"`
	RequestedBy  string                  `json:"requestedBy"`
}

// Evaluate runs the engine for one event and returns the decision.
func (h *HTTPHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	decision, err := h.engine.EvaluateEntity(r.Context(), req.EntityType, req.EntityID, req.TriggerEvent, req.Snapshot, req.RequestedBy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

// ── Approval requests ─────────────────────────────────────────────────────────

// CreateManualRequest raises an approval request without a rule.
func (h *HTTPHandler) CreateManualRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EntityType    repository.EntityType `json:"entityType"`
		EntityID      string                `json:"entityId"`
		EntitySummary string                `json:"entitySummary"`
		Amount        *float64              `json:"amount"`
		RequestedBy   string                `json:"requestedBy"`
		AssignedTo    string                `json:"assignedTo"`
		AssignedRole  string                `json:"assignedRole"`
		ExpiresAt     *time.Time            `json:"expiresAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	req, err := h.engine.CreateManualRequest(r.Context(), service.ManualRequestInput{
		EntityType:    body.EntityType,
		EntityID:      body.EntityID,
		EntitySummary: body.EntitySummary,
		Amount:        body.Amount,
		RequestedBy:   body.RequestedBy,
		AssignedTo:    body.AssignedTo,
		AssignedRole:  body.AssignedRole,
		ExpiresAt:     body.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// GetRequest returns one approval request.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Respond applies a reviewer's approve/reject decision.
func (h *HTTPHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action      string `json:"action"`
		ResponderID string `json:"responderId"`
		Note        string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	req, err := h.engine.Respond(r.Context(), mux.Vars(r)["id"], body.Action, body.ResponderID, body.Note)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Cancel withdraws a pending request.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason      string `json:"reason"`
		PerformedBy string `json:"performedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	req, err := h.engine.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason, body.PerformedBy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListPending returns the reviewer's queue.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, errors.InvalidInput("user_id", "user_id is required"))
		return
	}

	reqs, err := h.engine.PendingForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": emptyIfNil(reqs)})
}

// ListHistory returns resolved requests for the history view.
func (h *HTTPHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	filter := repository.HistoryFilter{}

	if v := r.URL.Query().Get("entity_type"); v != "" {
		et := repository.EntityType(v)
		if !et.Valid() {
			h.writeError(w, errors.InvalidInput("entity_type", "unknown entity type"))
			return
		}
		filter.EntityType = &et
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, errors.InvalidInput("from", "must be RFC3339"))
			return
		}
		filter.From = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, errors.InvalidInput("to", "must be RFC3339"))
			return
		}
		filter.To = &t
	}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	filter.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	reqs, err := h.engine.History(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": emptyIfNil(reqs)})
}

// RequestAudit returns the audit trail of one approval request.
func (h *HTTPHandler) RequestAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.AuditTrail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": emptyIfNil(entries)})
}

// EntityAudit returns every audit entry recorded for a business entity.
func (h *HTTPHandler) EntityAudit(w http.ResponseWriter, r *http.Request) {
	entityType := repository.EntityType(r.URL.Query().Get("entity_type"))
	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		h.writeError(w, errors.InvalidInput("entity_id", "entity_id is required"))
		return
	}

	entries, err := h.engine.EntityAuditTrail(r.Context(), entityType, entityID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": emptyIfNil(entries)})
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// CreateRule stores a new workflow rule.
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.WorkflowRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}

	if err := h.rules.CreateRule(r.Context(), &rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, &rule)
}

// GetRule returns one rule.
func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// ListRules returns all rules; ?active=true filters to active only.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	rules, err := h.rules.ListRules(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"rules": emptyIfNil(rules)})
}

// UpdateRule edits a rule; edits to rules with open requests produce a new
// version, returned in the response.
func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.WorkflowRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, errors.InvalidInput("body", "invalid request body"))
		return
	}
	rule.ID = mux.Vars(r)["id"]

	updated, err := h.rules.UpdateRule(r.Context(), &rule)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// DeleteRule removes a rule with no open requests.
func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	h.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    errors.CodeOf(err),
			"message": err.Error(),
		},
	})
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
