package provider

import (
	"context"
	"sync"

	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/models"
)

// API is the set of provider calls the engine depends on
type API interface {
	ListTemplates(ctx context.Context) ([]RemoteTemplate, error)
	CreateTemplate(ctx context.Context, req CreateRequest) (*CreateResult, error)
	GetTemplateStatus(ctx context.Context, remoteID string) (*TemplateStatus, error)
	VerifyCredentials(ctx context.Context) error
}

// Source hands out a provider API bound to an agent's sub-account
type Source interface {
	ForAgent(agent *models.Agent) (API, error)
}

// Manager caches one client per sub-account
type Manager struct {
	opts    Options
	clients map[string]*Client
	mu      sync.Mutex
}

// NewManager creates a new provider manager
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// ForAgent returns the client for the agent's sub-account. Agents with
// missing credentials get a CredentialsError and no client.
func (m *Manager) ForAgent(agent *models.Agent) (API, error) {
	if missing := agent.MissingCredentials(); len(missing) > 0 {
		return nil, &errors.CredentialsError{AgentID: agent.ID, Missing: missing}
	}
	return m.Client(Credentials{SubAccountID: agent.SubAccountID, AuthToken: agent.AuthToken}), nil
}

// Client returns the cached client for creds, replacing it when the token
// changed since it was built.
func (m *Manager) Client(creds Credentials) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[creds.SubAccountID]
	if ok && c.creds.AuthToken == creds.AuthToken {
		return c
	}

	c = NewClient(creds, m.opts)
	m.clients[creds.SubAccountID] = c
	return c
}

// Forget drops the cached client of a sub-account
func (m *Manager) Forget(subAccountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, subAccountID)
}
