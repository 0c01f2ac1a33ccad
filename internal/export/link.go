package export

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/foxzi/tplsync/internal/audit"
	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/provider"
)

// Link binds the active version of a template to a template that already
// exists in the agent's sub-account. A remote id held by another version is
// an identity conflict and is never reassigned.
func (s *Service) Link(ctx context.Context, templateID, agentID, remoteID string) (*Result, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return nil, errors.NewValidationError("remote_id", "remote id is required")
	}

	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	opErr := func(versionID string, err error) error {
		return &errors.OpError{Op: "link", AgentID: agentID, TemplateID: templateID, VersionID: versionID, RemoteID: remoteID, Err: err}
	}
	if err := VerifyAgent(agent); err != nil {
		return nil, opErr("", err)
	}

	unlock := s.locks.Lock(agentID + "/" + templateID)
	defer unlock()

	tpl, err := s.templates.GetActive(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.ConsultantID != agent.ConsultantID {
		return nil, opErr(tpl.VersionID, errors.NewValidationError("agent_id", "agent belongs to another consultant"))
	}

	holder, err := s.templates.FindByRemoteID(ctx, remoteID)
	if err != nil {
		return nil, opErr(tpl.VersionID, err)
	}
	if holder != nil && holder.VersionID != tpl.VersionID {
		return nil, opErr(tpl.VersionID, fmt.Errorf("remote id already bound to template %s version %d: %w",
			holder.TemplateID, holder.Version, errors.ErrIdentityConflict))
	}

	api, err := s.providers.ForAgent(agent)
	if err != nil {
		return nil, opErr(tpl.VersionID, err)
	}
	st, err := api.GetTemplateStatus(ctx, remoteID)
	if err != nil {
		if stderrors.Is(err, errors.ErrAuthInvalid) {
			s.markInvalid(ctx, agent, err)
		}
		return nil, opErr(tpl.VersionID, err)
	}

	state := provider.MapState(st.ApprovalState)
	err = s.templates.UpdateRemoteState(ctx, models.RemoteStateUpdate{
		VersionID:          tpl.VersionID,
		ExpectedRowVersion: tpl.RowVersion,
		RemoteID:           remoteID,
		State:              state,
		AgentID:            agentID,
		SyncedAt:           s.now().UTC(),
	})
	if err != nil {
		return nil, opErr(tpl.VersionID, err)
	}

	s.logger.Info("template linked", "agent_id", agentID, "template_id", tpl.TemplateID, "remote_id", remoteID, "state", state)
	s.audit.Record(audit.Event{
		Type:         audit.TypeTemplateLinked,
		AgentID:      agentID,
		SubAccountID: agent.SubAccountID,
		TemplateID:   tpl.TemplateID,
		VersionID:    tpl.VersionID,
		RemoteID:     remoteID,
		Message:      fmt.Sprintf("template %q linked to remote %s by operator", tpl.Name, remoteID),
		Data:         map[string]string{"matched_by": "manual", "state": string(state)},
	})

	return &Result{
		TemplateID:    tpl.TemplateID,
		VersionID:     tpl.VersionID,
		AgentID:       agentID,
		RemoteID:      remoteID,
		ApprovalState: state,
	}, nil
}
