package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/tplsync/internal/models"
)

// AgentServer handles agents, their credentials and per-agent sync runs
type AgentServer struct {
	agents     AgentStore
	reconciler Reconciler
	exporter   Exporter
	logger     *slog.Logger
}

func NewAgentServer(agents AgentStore, reconciler Reconciler, exporter Exporter, logger *slog.Logger) *AgentServer {
	return &AgentServer{
		agents:     agents,
		reconciler: reconciler,
		exporter:   exporter,
		logger:     logger,
	}
}

// RegisterRoutes registers agent API routes
func (s *AgentServer) RegisterRoutes(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}/credentials", s.handleUpdateCredentials)
		r.Post("/{id}/verify", s.handleVerify)
		r.Post("/{id}/reconcile", s.handleReconcile)
		r.Post("/{id}/refresh", s.handleRefresh)
	})
}

// AgentCreateRequest carries the auth token, which agent responses never do
type AgentCreateRequest struct {
	ID             string `json:"id,omitempty"`
	ConsultantID   string `json:"consultant_id"`
	Name           string `json:"name"`
	SubAccountID   string `json:"sub_account_id"`
	AuthToken      string `json:"auth_token"`
	WhatsAppNumber string `json:"whatsapp_number"`

	ConsultantDisplayName string `json:"consultant_display_name,omitempty"`
	BusinessName          string `json:"business_name,omitempty"`
	DefaultGoals          string `json:"default_goals,omitempty"`
	DefaultDesires        string `json:"default_desires,omitempty"`
	DefaultHook           string `json:"default_hook,omitempty"`
	DefaultIdealState     string `json:"default_ideal_state,omitempty"`
}

type AgentListResponse struct {
	Agents []models.Agent `json:"agents"`
	Total  int            `json:"total"`
}

// handleList handles GET /api/v1/agents
func (s *AgentServer) handleList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, AgentListResponse{Agents: agents, Total: len(agents)})
}

// handleCreate handles POST /api/v1/agents
func (s *AgentServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req AgentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	agent := &models.Agent{
		ID:                    req.ID,
		ConsultantID:          req.ConsultantID,
		Name:                  req.Name,
		SubAccountID:          req.SubAccountID,
		AuthToken:             req.AuthToken,
		WhatsAppNumber:        req.WhatsAppNumber,
		ConsultantDisplayName: req.ConsultantDisplayName,
		BusinessName:          req.BusinessName,
		DefaultGoals:          req.DefaultGoals,
		DefaultDesires:        req.DefaultDesires,
		DefaultHook:           req.DefaultHook,
		DefaultIdealState:     req.DefaultIdealState,
	}
	if err := s.agents.Create(r.Context(), agent); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	s.logger.Info("agent created", "agent_id", agent.ID, "sub_account", agent.SubAccountID)
	sendJSON(w, http.StatusCreated, agent)
}

// handleGet handles GET /api/v1/agents/{id}
func (s *AgentServer) handleGet(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, agent)
}

// handleUpdateCredentials handles PUT /api/v1/agents/{id}/credentials
func (s *AgentServer) handleUpdateCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.CredentialsUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.agents.UpdateCredentials(r.Context(), id, req); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	agent, err := s.agents.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	s.logger.Info("agent credentials updated", "agent_id", id, "sub_account", agent.SubAccountID)
	sendJSON(w, http.StatusOK, agent)
}

// handleVerify handles POST /api/v1/agents/{id}/verify
func (s *AgentServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	v, err := s.exporter.VerifyAgentRemote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, v)
}

// handleReconcile handles POST /api/v1/agents/{id}/reconcile
func (s *AgentServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.reconciler.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}

// handleRefresh handles POST /api/v1/agents/{id}/refresh
func (s *AgentServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.exporter.RefreshStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}
