// Package providertest provides an in-memory provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/provider"
)

// API is an in-memory sub-account. Zero value is ready to use.
type API struct {
	mu sync.Mutex

	SubAccount string
	Templates  []provider.RemoteTemplate

	ListErr   error
	CreateErr error
	VerifyErr error
	// StatusErr overrides GetTemplateStatus per remote id
	StatusErr map[string]error

	// OnCall runs after every successful call with the operation name. It
	// must not call back into the API.
	OnCall func(op string)

	Calls   int
	Created []provider.CreateRequest
	seq     int
}

// begin counts a call and fails it the way the real client does once the
// context is done
func (a *API) begin(ctx context.Context, op, remoteID string) error {
	a.Calls++
	if err := ctx.Err(); err != nil {
		return &provider.Error{Op: op, SubAccount: a.SubAccount, RemoteID: remoteID, Kind: provider.KindTransient, Err: err}
	}
	return nil
}

func (a *API) done(op string) {
	if a.OnCall != nil {
		a.OnCall(op)
	}
}

func (a *API) ListTemplates(ctx context.Context) ([]provider.RemoteTemplate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(ctx, "list_templates", ""); err != nil {
		return nil, err
	}
	if a.ListErr != nil {
		return nil, a.ListErr
	}
	out := make([]provider.RemoteTemplate, len(a.Templates))
	copy(out, a.Templates)
	a.done("list_templates")
	return out, nil
}

func (a *API) CreateTemplate(ctx context.Context, req provider.CreateRequest) (*provider.CreateResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(ctx, "create_template", ""); err != nil {
		return nil, err
	}
	if a.CreateErr != nil {
		return nil, a.CreateErr
	}
	a.seq++
	id := fmt.Sprintf("HX%s%04d", a.SubAccount, a.seq)
	a.Created = append(a.Created, req)
	a.Templates = append(a.Templates, provider.RemoteTemplate{
		ID:            id,
		DisplayName:   req.Name,
		BodyPreview:   req.Body,
		Language:      req.Language,
		ApprovalState: "received",
	})
	a.done("create_template")
	return &provider.CreateResult{RemoteID: id, ApprovalState: "received"}, nil
}

func (a *API) GetTemplateStatus(ctx context.Context, remoteID string) (*provider.TemplateStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(ctx, "get_status", remoteID); err != nil {
		return nil, err
	}
	if err := a.StatusErr[remoteID]; err != nil {
		return nil, err
	}
	for _, t := range a.Templates {
		if t.ID == remoteID {
			a.done("get_status")
			return &provider.TemplateStatus{RemoteID: t.ID, ApprovalState: t.ApprovalState}, nil
		}
	}
	return nil, &provider.Error{Op: "get_status", SubAccount: a.SubAccount, RemoteID: remoteID, Kind: provider.KindNotFound, StatusCode: 404}
}

func (a *API) VerifyCredentials(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.begin(ctx, "verify_credentials", ""); err != nil {
		return err
	}
	if a.VerifyErr != nil {
		return a.VerifyErr
	}
	a.done("verify_credentials")
	return nil
}

// SetState changes the approval state of a remote template
func (a *API) SetState(remoteID, state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.Templates {
		if a.Templates[i].ID == remoteID {
			a.Templates[i].ApprovalState = state
		}
	}
}

// CallCount returns the number of calls made so far
func (a *API) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Calls
}

// AuthError returns the error a sub-account with revoked credentials produces
func AuthError(op, sub string) error {
	return &provider.Error{Op: op, SubAccount: sub, Kind: provider.KindAuth, StatusCode: 401, Message: "Authenticate"}
}

// Source hands out one API per sub-account, creating them on first use
type Source struct {
	mu       sync.Mutex
	accounts map[string]*API
}

// NewSource creates a Source with the given sub-accounts
func NewSource(apis ...*API) *Source {
	s := &Source{accounts: make(map[string]*API)}
	for _, a := range apis {
		s.accounts[a.SubAccount] = a
	}
	return s
}

// ForAgent refuses agents with missing credentials the way the real manager does
func (s *Source) ForAgent(agent *models.Agent) (provider.API, error) {
	if missing := agent.MissingCredentials(); len(missing) > 0 {
		return nil, &errors.CredentialsError{AgentID: agent.ID, Missing: missing}
	}
	return s.Account(agent.SubAccountID), nil
}

// Account returns the API of a sub-account
func (s *Source) Account(sub string) *API {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[sub]
	if !ok {
		a = &API{SubAccount: sub}
		s.accounts[sub] = a
	}
	return a
}
