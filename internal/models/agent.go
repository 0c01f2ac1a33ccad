package models

import "time"

// Agent is a messaging agent configuration bound to one provider sub-account.
type Agent struct {
	ID             string `json:"id"`
	ConsultantID   string `json:"consultant_id"`
	Name           string `json:"name"`
	SubAccountID   string `json:"sub_account_id"`
	AuthToken      string `json:"-"`
	WhatsAppNumber string `json:"whatsapp_number"`

	// Profile data used to preview templates.
	ConsultantDisplayName string `json:"consultant_display_name,omitempty"`
	BusinessName          string `json:"business_name,omitempty"`
	DefaultGoals          string `json:"default_goals,omitempty"`
	DefaultDesires        string `json:"default_desires,omitempty"`
	DefaultHook           string `json:"default_hook,omitempty"`
	DefaultIdealState     string `json:"default_ideal_state,omitempty"`

	CredentialsInvalidReason string     `json:"credentials_invalid_reason,omitempty"`
	CredentialsCheckedAt     *time.Time `json:"credentials_checked_at,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// MissingCredentials lists the credential fields that are not configured.
func (a *Agent) MissingCredentials() []string {
	var missing []string
	if a.SubAccountID == "" {
		missing = append(missing, "sub-account id")
	}
	if a.AuthToken == "" {
		missing = append(missing, "auth token")
	}
	if a.WhatsAppNumber == "" {
		missing = append(missing, "whatsapp number")
	}
	return missing
}

// CredentialsUpdate is the operator-supplied credential repair.
type CredentialsUpdate struct {
	SubAccountID   string `json:"sub_account_id"`
	AuthToken      string `json:"auth_token"`
	WhatsAppNumber string `json:"whatsapp_number"`
}
