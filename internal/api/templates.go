package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/tplsync/internal/models"
)

// TemplateServer handles template authoring and the export workflow
type TemplateServer struct {
	templates TemplateStore
	exporter  Exporter
	logger    *slog.Logger
}

// NewTemplateServer creates a new template server
func NewTemplateServer(templates TemplateStore, exporter Exporter, logger *slog.Logger) *TemplateServer {
	return &TemplateServer{
		templates: templates,
		exporter:  exporter,
		logger:    logger,
	}
}

// RegisterRoutes registers template API routes
func (s *TemplateServer) RegisterRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDelete)
		r.Get("/{id}/versions", s.handleVersions)
		r.Post("/{id}/versions", s.handleCreateVersion)
		r.Post("/{id}/archive", s.handleArchive)
		r.Post("/{id}/restore", s.handleRestore)
		r.Get("/{id}/preview", s.handlePreview)
		r.Post("/{id}/export", s.handleExport)
		r.Post("/{id}/link", s.handleLink)
	})
}

// TemplateCreateRequest is the request for creating a template
type TemplateCreateRequest struct {
	ConsultantID string          `json:"consultant_id"`
	Name         string          `json:"name"`
	Category     models.Category `json:"category,omitempty"`
	Description  string          `json:"description,omitempty"`
	BodyText     string          `json:"body_text"`
	CreatedBy    string          `json:"created_by,omitempty"`
}

// VersionCreateRequest is the request for adding a template version
type VersionCreateRequest struct {
	BodyText  string `json:"body_text"`
	CreatedBy string `json:"created_by,omitempty"`
}

type ExportRequest struct {
	AgentID string `json:"agent_id"`
}

type LinkRequest struct {
	AgentID  string `json:"agent_id"`
	RemoteID string `json:"remote_id"`
}

// TemplateResponse is a template with its active version and, on GET by id,
// its version history
type TemplateResponse struct {
	*models.TemplateWithVersion
	Versions []models.TemplateVersion `json:"versions,omitempty"`
}

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []models.TemplateWithVersion `json:"templates"`
	Total     int                          `json:"total"`
}

// handleList handles GET /api/v1/templates
func (s *TemplateServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TemplateListFilter{
		ConsultantID:    q.Get("consultant_id"),
		Search:          q.Get("search"),
		IncludeArchived: q.Get("include_archived") == "true",
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset > 0 {
			filter.Offset = offset
		}
	}

	templates, err := s.templates.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	sendJSON(w, http.StatusOK, TemplateListResponse{
		Templates: templates,
		Total:     len(templates),
	})
}

// handleCreate handles POST /api/v1/templates
func (s *TemplateServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req TemplateCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if strings.TrimSpace(req.ConsultantID) == "" {
		sendError(w, http.StatusBadRequest, "consultant_id is required")
		return
	}

	tmpl := &models.Template{
		ConsultantID: req.ConsultantID,
		Name:         req.Name,
		Category:     req.Category,
		Description:  req.Description,
	}
	version, err := s.templates.Create(r.Context(), tmpl, req.BodyText, req.CreatedBy)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	s.logger.Info("template created", "template_id", tmpl.ID, "consultant_id", tmpl.ConsultantID)
	sendJSON(w, http.StatusCreated, models.TemplateWithVersion{Template: *tmpl, Active: version})
}

// handleGet handles GET /api/v1/templates/{id}
func (s *TemplateServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tmpl, err := s.templates.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	versions, err := s.templates.GetVersions(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	sendJSON(w, http.StatusOK, TemplateResponse{TemplateWithVersion: tmpl, Versions: versions})
}

// handleDelete handles DELETE /api/v1/templates/{id}
func (s *TemplateServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.templates.Delete(r.Context(), id); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	s.logger.Info("template deleted", "template_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleVersions handles GET /api/v1/templates/{id}/versions
func (s *TemplateServer) handleVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// resolves the 404 for unknown templates
	if _, err := s.templates.GetByID(r.Context(), id); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	versions, err := s.templates.GetVersions(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, versions)
}

// handleCreateVersion handles POST /api/v1/templates/{id}/versions
func (s *TemplateServer) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req VersionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	version, err := s.templates.CreateVersion(r.Context(), id, req.BodyText, req.CreatedBy)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	s.logger.Info("template version created", "template_id", id, "version", version.VersionNumber)
	sendJSON(w, http.StatusCreated, version)
}

// handleArchive handles POST /api/v1/templates/{id}/archive
func (s *TemplateServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, true)
}

// handleRestore handles POST /api/v1/templates/{id}/restore
func (s *TemplateServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, false)
}

func (s *TemplateServer) setArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	id := chi.URLParam(r, "id")

	op := s.templates.Restore
	if archived {
		op = s.templates.Archive
	}
	if err := op(r.Context(), id); err != nil {
		writeServiceError(w, s.logger, err)
		return
	}

	tmpl, err := s.templates.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, tmpl)
}

// handlePreview handles GET /api/v1/templates/{id}/preview?agent_id=
func (s *TemplateServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		sendError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	preview, err := s.exporter.Preview(r.Context(), chi.URLParam(r, "id"), agentID)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, preview)
}

// handleExport handles POST /api/v1/templates/{id}/export
func (s *TemplateServer) handleExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AgentID == "" {
		sendError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	res, err := s.exporter.Export(r.Context(), chi.URLParam(r, "id"), req.AgentID)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusCreated, res)
}

// handleLink handles POST /api/v1/templates/{id}/link
func (s *TemplateServer) handleLink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.AgentID == "" {
		sendError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	res, err := s.exporter.Link(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.RemoteID)
	if err != nil {
		writeServiceError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}
