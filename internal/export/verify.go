package export

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/models"
)

// Verification is the outcome of a credential check
type Verification struct {
	AgentID      string    `json:"agent_id"`
	SubAccountID string    `json:"sub_account_id"`
	Valid        bool      `json:"valid"`
	Reason       string    `json:"reason,omitempty"`
	Remote       bool      `json:"remote"`
	CheckedAt    time.Time `json:"checked_at"`
}

// VerifyAgent checks an agent's credentials without any network call. It
// fails for missing fields and for credentials already marked invalid.
func VerifyAgent(agent *models.Agent) error {
	if missing := agent.MissingCredentials(); len(missing) > 0 {
		return &errors.CredentialsError{AgentID: agent.ID, Missing: missing}
	}
	if agent.CredentialsInvalidReason != "" {
		return &errors.CredentialsError{AgentID: agent.ID, Reason: agent.CredentialsInvalidReason}
	}
	return nil
}

// VerifyAgentRemote runs the local check and then asks the provider. A
// rejection is persisted so later exports fail locally.
func (s *Service) VerifyAgentRemote(ctx context.Context, agentID string) (*Verification, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}

	v := &Verification{AgentID: agent.ID, SubAccountID: agent.SubAccountID, CheckedAt: s.now().UTC()}
	if err := VerifyAgent(agent); err != nil {
		v.Reason = err.Error()
		return v, nil
	}

	api, err := s.providers.ForAgent(agent)
	if err != nil {
		return nil, err
	}

	v.Remote = true
	err = api.VerifyCredentials(ctx)
	switch {
	case err == nil:
		v.Valid = true
	case stderrors.Is(err, errors.ErrAuthInvalid):
		s.markInvalid(ctx, agent, err)
		v.Reason = err.Error()
	default:
		return nil, &errors.OpError{Op: "verify_credentials", AgentID: agent.ID, Err: err}
	}

	s.logger.Info("credentials verified", "agent_id", agent.ID, "sub_account", agent.SubAccountID, "valid", v.Valid)
	return v, nil
}
