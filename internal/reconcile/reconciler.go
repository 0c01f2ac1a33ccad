// Package reconcile compares the templates stored locally with the ones
// registered in each agent's provider sub-account and groups the result into
// actionable buckets.
package reconcile

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/tplsync/internal/audit"
	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/metrics"
	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/provider"
)

// TemplateStore is the part of the local template store reconciliation uses
type TemplateStore interface {
	ListForAgent(ctx context.Context, consultantID, agentID string) ([]models.LocalTemplate, error)
	UpdateRemoteState(ctx context.Context, u models.RemoteStateUpdate) error
}

// AgentStore is the part of the agent store reconciliation uses
type AgentStore interface {
	GetByID(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context) ([]models.Agent, error)
	MarkCredentialsInvalid(ctx context.Context, id, reason string) error
}

// Config holds the central sub-account and the fan-out limit of ReconcileAll
type Config struct {
	CentralAccountID string
	Concurrency      int
}

// ItemError is a failure confined to one template
type ItemError struct {
	Op         string `json:"op"`
	TemplateID string `json:"template_id"`
	VersionID  string `json:"version_id"`
	RemoteID   string `json:"remote_id,omitempty"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// Summary holds the bucket counts of one cycle
type Summary struct {
	Approved        int `json:"approved"`
	Pending         int `json:"pending"`
	Rejected        int `json:"rejected"`
	Stale           int `json:"stale"`
	LocalDrafts     int `json:"local_drafts"`
	RemoteOnly      int `json:"remote_only"`
	OrphanedLocal   int `json:"orphaned_local"`
	Total           int `json:"total"`
	HealthyApproved int `json:"healthy_approved"`
	Linked          int `json:"linked"`
	Persisted       int `json:"persisted"`
	PersistFailed   int `json:"persist_failed"`
}

// Result is the grouped outcome of one agent's cycle
type Result struct {
	AgentID        string      `json:"agent_id"`
	SubAccountID   string      `json:"sub_account_id"`
	CentralAccount bool        `json:"central_account"`
	Approved       []Entry     `json:"approved"`
	Pending        []Entry     `json:"pending"`
	Rejected       []Entry     `json:"rejected"`
	Stale          []Entry     `json:"stale"`
	LocalDrafts    []Entry     `json:"local_drafts"`
	RemoteOnly     []Entry     `json:"remote_only"`
	OrphanedLocal  []Entry     `json:"orphaned_local"`
	Summary        Summary     `json:"summary"`
	Errors         []ItemError `json:"errors"`
	ReconciledAt   time.Time   `json:"reconciled_at"`
}

// Outcome is the result or the error of one agent in a multi-agent run
type Outcome struct {
	AgentID string  `json:"agent_id"`
	Result  *Result `json:"result,omitempty"`
	Err     error   `json:"-"`
}

// Reconciler runs reconciliation cycles
type Reconciler struct {
	templates TemplateStore
	agents    AgentStore
	providers provider.Source
	audit     audit.Recorder
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Reconciler
func New(templates TemplateStore, agents AgentStore, providers provider.Source, recorder audit.Recorder, cfg Config, logger *slog.Logger) *Reconciler {
	if recorder == nil {
		recorder = audit.Discard
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Reconciler{
		templates: templates,
		agents:    agents,
		providers: providers,
		audit:     recorder,
		cfg:       cfg,
		logger:    logger.With("component", "reconcile"),
		now:       time.Now,
	}
}

// Reconcile runs one cycle for an agent: fetch the remote inventory, match,
// classify, persist the refreshed state of each pair and group the result.
// A failed write is reported in Result.Errors and does not stop the others.
func (r *Reconciler) Reconcile(ctx context.Context, agentID string) (res *Result, err error) {
	start := r.now()
	defer func() {
		result := "ok"
		if err != nil {
			result = errors.Kind(err)
		}
		metrics.ObserveReconcile(result, time.Since(start))
	}()

	agent, err := r.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With("agent_id", agent.ID, "sub_account", agent.SubAccountID)

	api, err := r.providers.ForAgent(agent)
	if err != nil {
		return nil, &errors.OpError{Op: "reconcile", AgentID: agent.ID, Err: err}
	}

	remotes, err := api.ListTemplates(ctx)
	if err != nil {
		if stderrors.Is(err, errors.ErrAuthInvalid) {
			r.markInvalid(ctx, agent, err)
		}
		logger.Warn("failed to fetch remote templates", "error", err)
		return nil, &errors.OpError{Op: "list_templates", AgentID: agent.ID, Err: err}
	}

	locals, err := r.templates.ListForAgent(ctx, agent.ConsultantID, agent.ID)
	if err != nil {
		return nil, &errors.OpError{Op: "load_templates", AgentID: agent.ID, Err: err}
	}

	match := MatchTemplates(locals, remotes)
	entries := Classify(match)

	central := IsCentral(r.cfg.CentralAccountID, agent)
	if !central {
		AnnotateDrift(entries)
		logger.Warn("agent is not bound to the central sub-account, remote templates flagged for re-export",
			"central_account", r.cfg.CentralAccountID)
	}

	res = &Result{
		AgentID:        agent.ID,
		SubAccountID:   agent.SubAccountID,
		CentralAccount: central,
		Errors:         []ItemError{},
	}

	if err := r.persist(ctx, agent, match, res, logger); err != nil {
		return nil, err
	}

	res.group(entries)
	res.ReconciledAt = r.now().UTC()

	counts := map[string]int{
		string(BucketApproved):   res.Summary.Approved,
		string(BucketPending):    res.Summary.Pending,
		string(BucketRejected):   res.Summary.Rejected,
		string(BucketStale):      res.Summary.Stale,
		string(BucketLocalDraft): res.Summary.LocalDrafts,
		string(BucketRemoteOnly): res.Summary.RemoteOnly,
	}
	metrics.SetBucketCounts(agent.ID, counts, res.Summary.OrphanedLocal)

	logger.Info("reconciled",
		"approved", res.Summary.Approved,
		"pending", res.Summary.Pending,
		"rejected", res.Summary.Rejected,
		"stale", res.Summary.Stale,
		"local_drafts", res.Summary.LocalDrafts,
		"remote_only", res.Summary.RemoteOnly,
		"orphaned", res.Summary.OrphanedLocal,
		"persist_failed", res.Summary.PersistFailed,
	)
	return res, nil
}

// persist writes the refreshed remote state of every pair, one row at a time.
// Drafts and orphans are never written. Cancellation stops at a row boundary:
// rows already written stay written, the rest keep their previous state.
func (r *Reconciler) persist(ctx context.Context, agent *models.Agent, m Match, res *Result, logger *slog.Logger) error {
	syncedAt := r.now().UTC()

	for _, p := range m.Pairs {
		if err := ctx.Err(); err != nil {
			return &errors.OpError{Op: "persist", AgentID: agent.ID, Err: err}
		}

		state := provider.MapState(p.Remote.ApprovalState)
		err := r.templates.UpdateRemoteState(ctx, models.RemoteStateUpdate{
			VersionID:          p.Local.VersionID,
			ExpectedRowVersion: p.Local.RowVersion,
			RemoteID:           p.Remote.ID,
			State:              state,
			AgentID:            agent.ID,
			SyncedAt:           syncedAt,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return &errors.OpError{Op: "persist", AgentID: agent.ID, TemplateID: p.Local.TemplateID, VersionID: p.Local.VersionID, RemoteID: p.Remote.ID, Err: ctxErr}
			}
			res.Summary.PersistFailed++
			res.Errors = append(res.Errors, ItemError{
				Op:         "persist",
				TemplateID: p.Local.TemplateID,
				VersionID:  p.Local.VersionID,
				RemoteID:   p.Remote.ID,
				Kind:       errors.Kind(err),
				Message:    err.Error(),
			})
			logger.Error("failed to persist remote state",
				"template_id", p.Local.TemplateID, "version_id", p.Local.VersionID, "remote_id", p.Remote.ID, "error", err)
			continue
		}
		res.Summary.Persisted++

		if p.MatchedBy == MatchByName {
			res.Summary.Linked++
			logger.Info("linked template by name", "template_id", p.Local.TemplateID, "remote_id", p.Remote.ID)
			r.audit.Record(audit.Event{
				Type:         audit.TypeTemplateLinked,
				AgentID:      agent.ID,
				SubAccountID: agent.SubAccountID,
				TemplateID:   p.Local.TemplateID,
				VersionID:    p.Local.VersionID,
				RemoteID:     p.Remote.ID,
				Message:      fmt.Sprintf("template %q linked to remote %q by name", p.Local.Name, p.Remote.DisplayName),
				Data:         map[string]string{"matched_by": MatchByName, "state": string(state)},
			})
		}
	}
	return nil
}

func (res *Result) group(entries []Entry) {
	res.Approved = []Entry{}
	res.Pending = []Entry{}
	res.Rejected = []Entry{}
	res.Stale = []Entry{}
	res.LocalDrafts = []Entry{}
	res.RemoteOnly = []Entry{}
	res.OrphanedLocal = []Entry{}

	for _, e := range entries {
		switch e.Bucket {
		case BucketApproved:
			res.Approved = append(res.Approved, e)
		case BucketPending:
			res.Pending = append(res.Pending, e)
		case BucketRejected:
			res.Rejected = append(res.Rejected, e)
		case BucketStale:
			res.Stale = append(res.Stale, e)
		case BucketLocalDraft:
			res.LocalDrafts = append(res.LocalDrafts, e)
		case BucketRemoteOnly:
			res.RemoteOnly = append(res.RemoteOnly, e)
		}
		if e.OrphanReason != "" {
			res.OrphanedLocal = append(res.OrphanedLocal, e)
		}
	}

	res.Summary.Approved = len(res.Approved)
	res.Summary.Pending = len(res.Pending)
	res.Summary.Rejected = len(res.Rejected)
	res.Summary.Stale = len(res.Stale)
	res.Summary.LocalDrafts = len(res.LocalDrafts)
	res.Summary.RemoteOnly = len(res.RemoteOnly)
	res.Summary.OrphanedLocal = len(res.OrphanedLocal)
	res.Summary.Total = len(entries)
	if res.CentralAccount {
		res.Summary.HealthyApproved = len(res.Approved)
	}
}

func (r *Reconciler) markInvalid(ctx context.Context, agent *models.Agent, cause error) {
	reason := "provider rejected credentials"
	if err := r.agents.MarkCredentialsInvalid(ctx, agent.ID, reason); err != nil {
		r.logger.Error("failed to mark credentials invalid", "agent_id", agent.ID, "error", err)
	}
	r.audit.Record(audit.Event{
		Type:         audit.TypeCredentialsInvalid,
		AgentID:      agent.ID,
		SubAccountID: agent.SubAccountID,
		Message:      cause.Error(),
	})
}

// ReconcileAll runs the cycles of several agents concurrently. Each agent gets
// its own outcome; one agent failing never affects the others. No ids means
// every agent.
func (r *Reconciler) ReconcileAll(ctx context.Context, agentIDs []string) ([]Outcome, error) {
	if len(agentIDs) == 0 {
		agents, err := r.agents.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			agentIDs = append(agentIDs, a.ID)
		}
	}

	outcomes := make([]Outcome, len(agentIDs))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, id := range agentIDs {
		g.Go(func() error {
			res, err := r.Reconcile(ctx, id)
			outcomes[i] = Outcome{AgentID: id, Result: res, Err: err}
			if err != nil {
				r.logger.Warn("agent reconciliation failed", "agent_id", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	return outcomes, nil
}

// CheckCredentialConsistency partitions all agents by sub-account and reports
// every agent off the central one. Nothing is changed.
func (r *Reconciler) CheckCredentialConsistency(ctx context.Context) (*Consistency, error) {
	agents, err := r.agents.List(ctx)
	if err != nil {
		return nil, err
	}

	c := CheckConsistency(r.cfg.CentralAccountID, agents)
	metrics.SetCredentialDrift(c.DriftedAgents)

	for _, g := range c.Groups {
		if g.IsCentral {
			continue
		}
		for _, a := range g.Agents {
			r.logger.Warn("credential drift", "agent_id", a.ID, "sub_account", g.SubAccountID,
				"central_account", r.cfg.CentralAccountID)
			r.audit.Record(audit.Event{
				Type:         audit.TypeCredentialsMismatch,
				AgentID:      a.ID,
				SubAccountID: g.SubAccountID,
				Message: fmt.Sprintf("agent %s is bound to sub-account %q instead of %q",
					a.ID, g.SubAccountID, r.cfg.CentralAccountID),
			})
		}
	}
	return &c, nil
}
