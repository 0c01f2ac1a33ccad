// Package api exposes template management, export and reconciliation over
// HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/tplsync/internal/audit"
	"github.com/foxzi/tplsync/internal/config"
	"github.com/foxzi/tplsync/internal/export"
	"github.com/foxzi/tplsync/internal/metrics"
	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/reconcile"
)

// Version is reported by /health
var Version = "dev"

// TemplateStore is the template repository as used by the API
type TemplateStore interface {
	Create(ctx context.Context, t *models.Template, bodyText, createdBy string) (*models.TemplateVersion, error)
	GetByID(ctx context.Context, id string) (*models.TemplateWithVersion, error)
	List(ctx context.Context, filter models.TemplateListFilter) ([]models.TemplateWithVersion, error)
	CreateVersion(ctx context.Context, templateID, bodyText, createdBy string) (*models.TemplateVersion, error)
	GetVersions(ctx context.Context, templateID string) ([]models.TemplateVersion, error)
	Archive(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// AgentStore is the agent repository as used by the API
type AgentStore interface {
	Create(ctx context.Context, a *models.Agent) error
	GetByID(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context) ([]models.Agent, error)
	UpdateCredentials(ctx context.Context, id string, u models.CredentialsUpdate) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, agentID string) (*reconcile.Result, error)
	ReconcileAll(ctx context.Context, agentIDs []string) ([]reconcile.Outcome, error)
	CheckCredentialConsistency(ctx context.Context) (*reconcile.Consistency, error)
}

type Exporter interface {
	Export(ctx context.Context, templateID, agentID string) (*export.Result, error)
	Link(ctx context.Context, templateID, agentID, remoteID string) (*export.Result, error)
	Preview(ctx context.Context, templateID, agentID string) (*export.PreviewResult, error)
	RefreshStatus(ctx context.Context, agentID string) (*export.RefreshResult, error)
	VerifyAgentRemote(ctx context.Context, agentID string) (*export.Verification, error)
}

type AuditLog interface {
	List(ctx context.Context, filter audit.ListFilter) ([]audit.Event, error)
}

// Deps are the services behind the routes
type Deps struct {
	Templates  TemplateStore
	Agents     AgentStore
	Reconciler Reconciler
	Exporter   Exporter
	Audit      AuditLog
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(middleware.AllowContentType("application/json"))

		NewTemplateServer(s.deps.Templates, s.deps.Exporter, s.logger).RegisterRoutes(r)
		NewAgentServer(s.deps.Agents, s.deps.Reconciler, s.deps.Exporter, s.logger).RegisterRoutes(r)

		r.Post("/reconcile", s.handleReconcileAll)
		r.Get("/credentials/consistency", s.handleConsistency)
		r.Get("/audit", s.handleAudit)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	if s.config.TLS.CertFile != "" {
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		return s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	}
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
