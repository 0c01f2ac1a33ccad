package export

import (
	"context"
	"regexp"
	"strconv"

	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/models"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Sample lead used in previews and as provider sample values
const (
	sampleFirstName = "Mario"
	sampleLastName  = "Rossi"
)

// PreviewResult is a template body rendered for one agent
type PreviewResult struct {
	TemplateID   string            `json:"template_id"`
	VersionID    string            `json:"version_id"`
	AgentID      string            `json:"agent_id"`
	Body         string            `json:"body"`
	Resolved     string            `json:"resolved"`
	Placeholders []string          `json:"placeholders"`
	Values       map[string]string `json:"values"`
	Warnings     []string          `json:"warnings"`
}

// Placeholders returns the distinct placeholder keys of body in order of first appearance
func Placeholders(body string) []string {
	keys := []string{}
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

// Positional rewrites named placeholders into the provider's {{n}} form,
// numbering keys by first appearance. A repeated key keeps its number.
func Positional(body string) (string, []string) {
	keys := Placeholders(body)
	index := make(map[string]int, len(keys))
	for i, k := range keys {
		index[k] = i + 1
	}
	out := placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		key := m[1 : len(m)-1]
		return "{{" + strconv.Itoa(index[key]) + "}}"
	})
	return out, keys
}

type profileField struct {
	value    string
	fallback string
}

// sampleValues maps every known placeholder to the value used for agent previews
func sampleValues(agent *models.Agent) map[string]string {
	values, _ := resolveProfile(agent)
	return values
}

func resolveProfile(agent *models.Agent) (map[string]string, []string) {
	fields := map[string]profileField{
		"nome_consulente": {agent.ConsultantDisplayName, "Consulente"},
		"nome_azienda":    {agent.BusinessName, "Business"},
		"business_name":   {agent.BusinessName, "Business"},
		"nome_agente":     {agent.Name, "Agente"},
		"obiettivi":       {agent.DefaultGoals, "Obiettivi predefiniti"},
		"desideri":        {agent.DefaultDesires, "Desideri predefiniti"},
		"uncino":          {agent.DefaultHook, "Uncino predefinito"},
		"stato_ideale":    {agent.DefaultIdealState, "Stato ideale predefinito"},
	}

	values := map[string]string{
		"nome_lead":    sampleFirstName,
		"cognome_lead": sampleLastName,
	}
	var missing []string
	for key, f := range fields {
		if f.value == "" {
			values[key] = f.fallback
			missing = append(missing, key)
			continue
		}
		values[key] = f.value
	}
	return values, missing
}

// Preview renders the active version of a template with the agent's profile
// and a sample lead. Unknown placeholders stay verbatim and are reported.
func (s *Service) Preview(ctx context.Context, templateID, agentID string) (*PreviewResult, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.templates.GetActive(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.ConsultantID != agent.ConsultantID {
		return nil, errors.NewValidationError("agent_id", "agent belongs to another consultant")
	}

	all, missing := resolveProfile(agent)
	missingSet := map[string]bool{}
	for _, k := range missing {
		missingSet[k] = true
	}

	res := &PreviewResult{
		TemplateID:   tpl.TemplateID,
		VersionID:    tpl.VersionID,
		AgentID:      agent.ID,
		Body:         tpl.BodyText,
		Placeholders: Placeholders(tpl.BodyText),
		Values:       map[string]string{},
		Warnings:     []string{},
	}
	for _, k := range res.Placeholders {
		v, ok := all[k]
		if !ok {
			res.Warnings = append(res.Warnings, "unknown placeholder {"+k+"}")
			continue
		}
		res.Values[k] = v
		if missingSet[k] {
			res.Warnings = append(res.Warnings, "agent profile has no value for {"+k+"}, using a sample")
		}
	}

	res.Resolved = placeholderRe.ReplaceAllStringFunc(tpl.BodyText, func(m string) string {
		if v, ok := res.Values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
	return res, nil
}
