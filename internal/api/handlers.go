package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/foxzi/tplsync/internal/audit"
	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/reconcile"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ReconcileAllRequest is the request for POST /api/v1/reconcile
type ReconcileAllRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// OutcomeResponse is one agent's entry in a multi-agent reconcile
type OutcomeResponse struct {
	AgentID string            `json:"agent_id"`
	Result  *reconcile.Result `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
	Kind    string            `json:"kind,omitempty"`
}

type ReconcileAllResponse struct {
	Outcomes  []OutcomeResponse `json:"outcomes"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

type AuditResponse struct {
	Events []audit.Event `json:"events"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReconcileAll handles POST /api/v1/reconcile
func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	var req ReconcileAllRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	outcomes, err := s.deps.Reconciler.ReconcileAll(r.Context(), req.AgentIDs)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, NewReconcileAllResponse(outcomes))
}

// NewReconcileAllResponse reports each agent's result or error
func NewReconcileAllResponse(outcomes []reconcile.Outcome) ReconcileAllResponse {
	resp := ReconcileAllResponse{Outcomes: make([]OutcomeResponse, len(outcomes))}
	for i, o := range outcomes {
		resp.Outcomes[i] = OutcomeResponse{AgentID: o.AgentID, Result: o.Result}
		if o.Err != nil {
			resp.Outcomes[i].Error = o.Err.Error()
			resp.Outcomes[i].Kind = errors.Kind(o.Err)
			resp.Failed++
			continue
		}
		resp.Succeeded++
	}
	return resp
}

// handleConsistency handles GET /api/v1/credentials/consistency
func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Reconciler.CheckCredentialConsistency(r.Context())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handleAudit handles GET /api/v1/audit
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	filter := audit.ListFilter{
		Type:    r.URL.Query().Get("type"),
		AgentID: r.URL.Query().Get("agent_id"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}

	events, err := s.deps.Audit.List(r.Context(), filter)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, AuditResponse{Events: events})
}

// statusFor maps an error kind to the HTTP status reported to the caller
func statusFor(kind string) int {
	switch kind {
	case "not_found", "remote_not_found":
		return http.StatusNotFound
	case "invalid_input":
		return http.StatusBadRequest
	case "conflict", "not_eligible", "identity_conflict":
		return http.StatusConflict
	case "credentials_invalid":
		return http.StatusPreconditionFailed
	case "auth_invalid":
		return http.StatusBadGateway
	case "transient":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendServiceError reports err with the status of its kind. Internal errors
// are logged and replaced by a generic message.
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	writeServiceError(w, s.logger, err)
}

func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := errors.Kind(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		sendJSON(w, status, ErrorResponse{Error: "internal error", Kind: kind})
		return
	}
	sendJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
