package export

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/metrics"
	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/provider"
	"github.com/foxzi/tplsync/internal/reconcile"
)

// RefreshResult is the outcome of a status refresh
type RefreshResult struct {
	AgentID     string                `json:"agent_id"`
	Checked     int                   `json:"checked"`
	Updated     int                   `json:"updated"`
	Changed     int                   `json:"changed"`
	Errors      []reconcile.ItemError `json:"errors"`
	RefreshedAt time.Time             `json:"refreshed_at"`
}

// RefreshStatus re-reads the approval state of every version exported through
// the agent and stores it. A template missing remotely is reported and left
// as is. Rejected credentials abort the run.
func (s *Service) RefreshStatus(ctx context.Context, agentID string) (res *RefreshResult, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = errors.Kind(err)
		}
		metrics.IncStatusRefreshes(result)
	}()

	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := VerifyAgent(agent); err != nil {
		return nil, &errors.OpError{Op: "refresh_status", AgentID: agentID, Err: err}
	}
	api, err := s.providers.ForAgent(agent)
	if err != nil {
		return nil, &errors.OpError{Op: "refresh_status", AgentID: agentID, Err: err}
	}

	versions, err := s.templates.ListExportedForAgent(ctx, agentID)
	if err != nil {
		return nil, &errors.OpError{Op: "load_templates", AgentID: agentID, Err: err}
	}

	logger := s.logger.With("agent_id", agentID, "sub_account", agent.SubAccountID)
	res = &RefreshResult{AgentID: agentID, Errors: []reconcile.ItemError{}}

	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			return nil, &errors.OpError{Op: "refresh_status", AgentID: agentID, Err: err}
		}
		res.Checked++

		state, err := s.refreshOne(ctx, api, agentID, v)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, &errors.OpError{Op: "refresh_status", AgentID: agentID, TemplateID: v.TemplateID, VersionID: v.VersionID, RemoteID: v.RemoteID, Err: ctxErr}
			}
			if stderrors.Is(err, errors.ErrAuthInvalid) {
				s.markInvalid(ctx, agent, err)
				return nil, &errors.OpError{Op: "get_status", AgentID: agentID, TemplateID: v.TemplateID, VersionID: v.VersionID, RemoteID: v.RemoteID, Err: err}
			}
			op := "persist"
			var pe *provider.Error
			if stderrors.As(err, &pe) {
				op = "get_status"
			}
			res.Errors = append(res.Errors, reconcile.ItemError{
				Op:         op,
				TemplateID: v.TemplateID,
				VersionID:  v.VersionID,
				RemoteID:   v.RemoteID,
				Kind:       errors.Kind(err),
				Message:    err.Error(),
			})
			logger.Warn("status refresh failed", "template_id", v.TemplateID, "remote_id", v.RemoteID, "op", op, "error", err)
			continue
		}

		res.Updated++
		if state != v.RemoteState {
			res.Changed++
			logger.Info("approval state changed", "template_id", v.TemplateID, "remote_id", v.RemoteID,
				"from", v.RemoteState, "to", state)
		}
	}

	res.RefreshedAt = s.now().UTC()
	logger.Info("status refreshed", "checked", res.Checked, "updated", res.Updated, "changed", res.Changed, "failed", len(res.Errors))
	return res, nil
}

func (s *Service) refreshOne(ctx context.Context, api provider.API, agentID string, v models.LocalTemplate) (models.ApprovalState, error) {
	unlock := s.locks.Lock(agentID + "/" + v.TemplateID)
	defer unlock()

	st, err := api.GetTemplateStatus(ctx, v.RemoteID)
	if err != nil {
		return "", err
	}

	state := provider.MapState(st.ApprovalState)
	err = s.templates.UpdateRemoteState(ctx, models.RemoteStateUpdate{
		VersionID:          v.VersionID,
		ExpectedRowVersion: v.RowVersion,
		RemoteID:           v.RemoteID,
		State:              state,
		AgentID:            agentID,
		SyncedAt:           s.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return state, nil
}
