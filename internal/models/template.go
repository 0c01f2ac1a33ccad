package models

import "time"

// ApprovalState is the remote approval state stored on a template version.
// The empty value means the version has no remote counterpart.
type ApprovalState string

const (
	StateNone            ApprovalState = ""
	StateDraft           ApprovalState = "draft"
	StatePendingApproval ApprovalState = "pending_approval"
	StateApproved        ApprovalState = "approved"
	StateRejected        ApprovalState = "rejected"
	StateNotSynced       ApprovalState = "not_synced"
)

// Valid reports whether s is one of the known states.
func (s ApprovalState) Valid() bool {
	switch s {
	case StateNone, StateDraft, StatePendingApproval, StateApproved, StateRejected, StateNotSynced:
		return true
	}
	return false
}

// Category is the content category of a template
type Category string

const (
	CategoryOpening        Category = "opening"
	CategoryFollowupGentle Category = "followup_gentle"
	CategoryFollowupValue  Category = "followup_value"
	CategoryFollowupFinal  Category = "followup_final"
	CategoryCustomerCare   Category = "customer_care"
	CategoryOther          Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryOpening, CategoryFollowupGentle, CategoryFollowupValue,
		CategoryFollowupFinal, CategoryCustomerCare, CategoryOther:
		return true
	}
	return false
}

// ProviderCategory returns the messaging policy category used when a
// template is submitted for approval.
func (c Category) ProviderCategory() string {
	if c == CategoryCustomerCare {
		return "UTILITY"
	}
	return "MARKETING"
}

type Template struct {
	ID           string     `json:"id"`
	ConsultantID string     `json:"consultant_id"`
	Name         string     `json:"name"`
	Category     Category   `json:"category"`
	Description  string     `json:"description,omitempty"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Archived reports whether the template was soft-deleted.
func (t *Template) Archived() bool {
	return t.ArchivedAt != nil
}

type TemplateVersion struct {
	ID            string        `json:"id"`
	TemplateID    string        `json:"template_id"`
	VersionNumber int           `json:"version_number"`
	BodyText      string        `json:"body_text"`
	RemoteID      string        `json:"remote_id,omitempty"`
	RemoteState   ApprovalState `json:"remote_state,omitempty"`
	AgentID       string        `json:"agent_id,omitempty"` // agent whose sub-account holds the remote copy
	IsActive      bool          `json:"is_active"`
	RowVersion    int64         `json:"row_version"`
	LastSyncedAt  *time.Time    `json:"last_synced_at,omitempty"`
	CreatedBy     string        `json:"created_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Exported reports whether the version has a remote counterpart.
func (v *TemplateVersion) Exported() bool {
	return v.RemoteID != ""
}

// TemplateWithVersion is a template joined with its active version.
type TemplateWithVersion struct {
	Template
	Active *TemplateVersion `json:"active_version,omitempty"`
}

// LocalTemplate is the flattened view of a version the reconciliation engine
// works on. Inactive versions only appear while they hold a remote id.
type LocalTemplate struct {
	TemplateID   string
	ConsultantID string
	Name         string
	Category     Category
	Archived     bool
	VersionID    string
	Version      int
	Active       bool
	BodyText     string
	RemoteID     string
	RemoteState  ApprovalState
	AgentID      string
	RowVersion   int64
	LastSyncedAt *time.Time
}

// RemoteStateUpdate is a per-row write of the remote identity and state.
// ExpectedRowVersion guards against clobbering a concurrent writer.
type RemoteStateUpdate struct {
	VersionID          string
	ExpectedRowVersion int64
	RemoteID           string
	State              ApprovalState
	AgentID            string
	SyncedAt           time.Time
}

// TemplateListFilter for filtering template list
type TemplateListFilter struct {
	ConsultantID    string
	Search          string
	IncludeArchived bool
	Limit           int
	Offset          int
}
