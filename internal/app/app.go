// Package app wires configuration, storage, the provider and the services
// into a runnable process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/tplsync/internal/api"
	"github.com/foxzi/tplsync/internal/audit"
	"github.com/foxzi/tplsync/internal/config"
	"github.com/foxzi/tplsync/internal/db"
	"github.com/foxzi/tplsync/internal/export"
	"github.com/foxzi/tplsync/internal/metrics"
	"github.com/foxzi/tplsync/internal/notify"
	"github.com/foxzi/tplsync/internal/provider"
	"github.com/foxzi/tplsync/internal/reconcile"
	"github.com/foxzi/tplsync/internal/repository"
	"github.com/foxzi/tplsync/internal/secret"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *db.DB
	journal       *audit.Journal
	templates     *repository.TemplateRepository
	agents        *repository.AgentRepository
	reconciler    *reconcile.Reconciler
	exporter      *export.Service
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	box, err := secret.NewBox(cfg.Secrets.Key)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create secret box: %w", err)
	}

	var sinks []audit.Sink
	if cfg.Notify.Enabled {
		mailer, err := notify.NewMailer(notifyOptions(cfg.Notify), logger)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to create mailer: %w", err)
		}
		sinks = append(sinks, mailer)
		logger.Info("operator alerts enabled", "host", cfg.Notify.Host, "recipients", len(cfg.Notify.To))
	}

	journal, err := audit.Open(cfg.Audit.Path, cfg.Audit.BufferSize, logger.With("component", "audit"), sinks...)
	if err != nil {
		database.Close()
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	providers := provider.NewManager(provider.Options{
		ContentURL: cfg.Provider.BaseURL,
		AccountURL: cfg.Provider.AccountURL,
		Timeout:    cfg.Provider.Timeout,
		PageSize:   cfg.Provider.PageSize,
	})

	templates := repository.NewTemplateRepository(database.DB)
	agents := repository.NewAgentRepository(database.DB, box)

	a := &App{
		config:    cfg,
		db:        database,
		journal:   journal,
		templates: templates,
		agents:    agents,
		logger:    logger,
	}

	a.reconciler = reconcile.New(templates, agents, providers, journal, reconcile.Config{
		CentralAccountID: cfg.Provider.CentralAccountID,
		Concurrency:      cfg.Reconcile.Concurrency,
	}, logger)
	a.exporter = export.New(templates, agents, providers, journal, export.Config{
		Language: cfg.Provider.Language,
	}, logger)

	a.apiServer = api.NewServer(api.Deps{
		Templates:  templates,
		Agents:     agents,
		Reconciler: a.reconciler,
		Exporter:   a.exporter,
		Audit:      journal,
	}, &cfg.Server, logger)

	if m != nil {
		a.metricsServer, err = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

func notifyOptions(cfg config.NotifyConfig) notify.Options {
	opts := notify.Options{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Username:           cfg.Username,
		Password:           cfg.Password,
		TLS:                cfg.TLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		From:               cfg.From,
		To:                 cfg.To,
		Events:             cfg.Events,
	}
	if cfg.DKIM.Enabled {
		opts.DKIMDomain = cfg.DKIM.Domain
		opts.DKIMSelector = cfg.DKIM.Selector
		opts.DKIMKeyFile = cfg.DKIM.KeyFile
	}
	return opts
}

func (a *App) Reconciler() *reconcile.Reconciler { return a.reconciler }

func (a *App) Exporter() *export.Service { return a.exporter }

func (a *App) Journal() *audit.Journal { return a.journal }

func (a *App) Agents() *repository.AgentRepository { return a.agents }

// Run starts the API and metrics listeners and waits for a shutdown signal
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting tplsync",
		"api_addr", a.config.Server.ListenAddr,
		"central_account", a.config.Provider.CentralAccountID,
		"metrics", a.metricsServer != nil,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown stops the listeners and closes storage
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	err := a.Close()
	a.logger.Info("shutdown complete")
	return err
}

// Close drains the audit journal and closes the databases
func (a *App) Close() error {
	var firstErr error
	if err := a.journal.Close(); err != nil {
		firstErr = err
	}
	if err := a.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// stderr keeps stdout clean for the JSON printed by one-shot commands
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
