package reconcile

import (
	"sort"

	"github.com/foxzi/tplsync/internal/models"
)

// AgentRef identifies an agent inside a credential group
type AgentRef struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ConsultantID string `json:"consultant_id"`
}

// CredentialGroup holds the agents bound to one sub-account. An empty
// SubAccountID collects agents with no binding at all.
type CredentialGroup struct {
	SubAccountID string     `json:"sub_account_id"`
	IsCentral    bool       `json:"is_central"`
	Agents       []AgentRef `json:"agents"`
}

// Consistency partitions agents by whether they use the central sub-account
type Consistency struct {
	CentralAccountID string            `json:"central_account_id"`
	Groups           []CredentialGroup `json:"groups"`
	DriftedAgents    int               `json:"drifted_agents"`
}

// CheckConsistency groups agents by bound sub-account. The central group comes
// first and is always present; the other groups follow by sub-account id with
// unbound agents last. Nothing is repaired.
func CheckConsistency(centralAccountID string, agents []models.Agent) Consistency {
	bySub := map[string][]AgentRef{}
	for _, a := range agents {
		bySub[a.SubAccountID] = append(bySub[a.SubAccountID], AgentRef{ID: a.ID, Name: a.Name, ConsultantID: a.ConsultantID})
	}

	central := CredentialGroup{SubAccountID: centralAccountID, IsCentral: true, Agents: bySub[centralAccountID]}
	if central.Agents == nil {
		central.Agents = []AgentRef{}
	}
	delete(bySub, centralAccountID)

	others := make([]string, 0, len(bySub))
	for sub := range bySub {
		others = append(others, sub)
	}
	sort.Slice(others, func(i, j int) bool {
		// unbound sorts last
		if (others[i] == "") != (others[j] == "") {
			return others[j] == ""
		}
		return others[i] < others[j]
	})

	c := Consistency{CentralAccountID: centralAccountID, Groups: []CredentialGroup{central}}
	for _, sub := range others {
		c.Groups = append(c.Groups, CredentialGroup{SubAccountID: sub, Agents: bySub[sub]})
		c.DriftedAgents += len(bySub[sub])
	}

	for _, g := range c.Groups {
		sort.Slice(g.Agents, func(i, j int) bool { return g.Agents[i].ID < g.Agents[j].ID })
	}
	return c
}

// IsCentral reports whether the agent is bound to the central sub-account
func IsCentral(centralAccountID string, agent *models.Agent) bool {
	return centralAccountID != "" && agent.SubAccountID == centralAccountID
}
