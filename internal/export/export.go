// Package export is the write path towards the provider: it registers local
// template versions, refreshes their approval state and links versions to
// templates that already exist remotely.
package export

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/foxzi/tplsync/internal/audit"
	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/metrics"
	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/provider"
)

// TemplateStore is the part of the template store the workflow uses
type TemplateStore interface {
	GetActive(ctx context.Context, templateID string) (*models.LocalTemplate, error)
	ListExportedForAgent(ctx context.Context, agentID string) ([]models.LocalTemplate, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*models.LocalTemplate, error)
	UpdateRemoteState(ctx context.Context, u models.RemoteStateUpdate) error
}

// AgentStore is the part of the agent store the workflow uses
type AgentStore interface {
	GetByID(ctx context.Context, id string) (*models.Agent, error)
	MarkCredentialsInvalid(ctx context.Context, id, reason string) error
}

// Config configures the export service
type Config struct {
	// Language sent with new templates
	Language string
}

// Result describes the remote identity of a version after export or link
type Result struct {
	TemplateID    string               `json:"template_id"`
	VersionID     string               `json:"version_id"`
	AgentID       string               `json:"agent_id"`
	RemoteID      string               `json:"remote_id"`
	RemoteName    string               `json:"remote_name,omitempty"`
	ApprovalState models.ApprovalState `json:"approval_state"`
	Variables     map[string]string    `json:"variables,omitempty"`
}

// Service runs exports, status refreshes and manual links
type Service struct {
	templates TemplateStore
	agents    AgentStore
	providers provider.Source
	audit     audit.Recorder
	cfg       Config
	logger    *slog.Logger
	locks     keyedMutex
	now       func() time.Time
}

// New creates a Service
func New(templates TemplateStore, agents AgentStore, providers provider.Source, recorder audit.Recorder, cfg Config, logger *slog.Logger) *Service {
	if recorder == nil {
		recorder = audit.Discard
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Service{
		templates: templates,
		agents:    agents,
		providers: providers,
		audit:     recorder,
		cfg:       cfg,
		logger:    logger.With("component", "export"),
		now:       time.Now,
	}
}

// Eligible reports whether a version in state s may be submitted. Versions
// already approved, pending or rejected are refused so the same logical
// template is never registered twice.
func Eligible(s models.ApprovalState) bool {
	switch s {
	case models.StateNone, models.StateDraft, models.StateNotSynced:
		return true
	}
	return false
}

// Export submits the active version of a template to the agent's sub-account.
// The body is registered with positional placeholders, never with resolved
// profile data.
func (s *Service) Export(ctx context.Context, templateID, agentID string) (res *Result, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = errors.Kind(err)
		}
		metrics.IncExports(result)
	}()

	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := VerifyAgent(agent); err != nil {
		return nil, &errors.OpError{Op: "export", AgentID: agentID, TemplateID: templateID, Err: err}
	}

	unlock := s.locks.Lock(agentID + "/" + templateID)
	defer unlock()

	tpl, err := s.templates.GetActive(ctx, templateID)
	if err != nil {
		return nil, err
	}
	opErr := func(err error) error {
		return &errors.OpError{Op: "export", AgentID: agentID, TemplateID: tpl.TemplateID, VersionID: tpl.VersionID, RemoteID: tpl.RemoteID, Err: err}
	}
	if tpl.ConsultantID != agent.ConsultantID {
		return nil, opErr(errors.NewValidationError("agent_id", "agent belongs to another consultant"))
	}

	logger := s.logger.With("agent_id", agentID, "template_id", tpl.TemplateID, "version_id", tpl.VersionID)

	api, err := s.providers.ForAgent(agent)
	if err != nil {
		return nil, opErr(err)
	}

	if err := s.checkEligible(ctx, api, agent, tpl); err != nil {
		if stderrors.Is(err, errors.ErrAuthInvalid) {
			s.markInvalid(ctx, agent, err)
		}
		return nil, opErr(err)
	}

	body, keys := Positional(tpl.BodyText)
	samples := sampleValues(agent)
	variables := make(map[string]string, len(keys))
	for i, k := range keys {
		v, ok := samples[k]
		if !ok {
			v = k
		}
		variables[strconv.Itoa(i+1)] = v
	}

	req := provider.CreateRequest{
		Name:      models.RemoteName(tpl.Name, tpl.Version),
		Language:  s.cfg.Language,
		Body:      body,
		Variables: variables,
		Category:  tpl.Category.ProviderCategory(),
	}
	created, err := api.CreateTemplate(ctx, req)
	if err != nil {
		if stderrors.Is(err, errors.ErrAuthInvalid) {
			s.markInvalid(ctx, agent, err)
		}
		logger.Warn("export failed", "error", err)
		return nil, opErr(err)
	}

	state := provider.MapState(created.ApprovalState)
	if state != models.StateApproved && state != models.StateRejected {
		state = models.StatePendingApproval
	}

	err = s.templates.UpdateRemoteState(ctx, models.RemoteStateUpdate{
		VersionID:          tpl.VersionID,
		ExpectedRowVersion: tpl.RowVersion,
		RemoteID:           created.RemoteID,
		State:              state,
		AgentID:            agentID,
		SyncedAt:           s.now().UTC(),
	})
	if err != nil {
		// the remote copy exists; the operator can bind it with a manual link
		logger.Error("template exported but local record not updated", "remote_id", created.RemoteID, "error", err)
		return nil, &errors.OpError{Op: "export", AgentID: agentID, TemplateID: tpl.TemplateID, VersionID: tpl.VersionID, RemoteID: created.RemoteID, Err: err}
	}

	logger.Info("template exported", "remote_id", created.RemoteID, "state", state)
	s.audit.Record(audit.Event{
		Type:         audit.TypeTemplateExported,
		AgentID:      agentID,
		SubAccountID: agent.SubAccountID,
		TemplateID:   tpl.TemplateID,
		VersionID:    tpl.VersionID,
		RemoteID:     created.RemoteID,
		Message:      fmt.Sprintf("template %q exported as %s", tpl.Name, req.Name),
		Data:         map[string]string{"state": string(state), "previous_remote_id": tpl.RemoteID},
	})

	return &Result{
		TemplateID:    tpl.TemplateID,
		VersionID:     tpl.VersionID,
		AgentID:       agentID,
		RemoteID:      created.RemoteID,
		RemoteName:    req.Name,
		ApprovalState: state,
		Variables:     variables,
	}, nil
}

// checkEligible refuses archived templates, rejected versions and versions
// that still have a live remote copy. An approved or pending version whose
// remote copy is gone from the agent's sub-account is orphaned and may be
// exported again.
func (s *Service) checkEligible(ctx context.Context, api provider.API, agent *models.Agent, tpl *models.LocalTemplate) error {
	if tpl.Archived {
		return fmt.Errorf("template is archived: %w", errors.ErrNotEligible)
	}
	if Eligible(tpl.RemoteState) {
		return nil
	}
	if tpl.RemoteState == models.StateRejected {
		return fmt.Errorf("version was rejected, create a new version: %w", errors.ErrNotEligible)
	}
	if tpl.AgentID != "" && tpl.AgentID != agent.ID {
		return fmt.Errorf("version is exported through agent %s: %w", tpl.AgentID, errors.ErrNotEligible)
	}

	_, err := api.GetTemplateStatus(ctx, tpl.RemoteID)
	switch {
	case err == nil:
		return fmt.Errorf("version is already %s as %s: %w", tpl.RemoteState, tpl.RemoteID, errors.ErrNotEligible)
	case stderrors.Is(err, errors.ErrRemoteNotFound):
		s.logger.Info("remote copy missing, exporting again", "template_id", tpl.TemplateID, "remote_id", tpl.RemoteID)
		return nil
	default:
		return err
	}
}

func (s *Service) markInvalid(ctx context.Context, agent *models.Agent, cause error) {
	if err := s.agents.MarkCredentialsInvalid(ctx, agent.ID, "provider rejected credentials"); err != nil {
		s.logger.Error("failed to mark credentials invalid", "agent_id", agent.ID, "error", err)
	}
	s.audit.Record(audit.Event{
		Type:         audit.TypeCredentialsInvalid,
		AgentID:      agent.ID,
		SubAccountID: agent.SubAccountID,
		Message:      cause.Error(),
	})
}
