package provider

import "github.com/foxzi/tplsync/internal/models"

// RemoteTemplate is a template as registered in one provider sub-account
type RemoteTemplate struct {
	ID            string `json:"remote_id"`
	DisplayName   string `json:"display_name"`
	BodyPreview   string `json:"body_preview"`
	Language      string `json:"language,omitempty"`
	ApprovalState string `json:"approval_state"`
}

// CreateRequest registers a new template and submits it for approval
type CreateRequest struct {
	Name      string
	Language  string
	Body      string // positional {{n}} form
	Variables map[string]string
	Category  string
}

// CreateResult is the identity and initial state of a created template
type CreateResult struct {
	RemoteID      string
	ApprovalState string
}

// TemplateStatus is the approval state of one remote template
type TemplateStatus struct {
	RemoteID        string
	ApprovalState   string
	RejectionReason string
}

// MapState converts a provider approval state into the local state.
func MapState(remote string) models.ApprovalState {
	switch remote {
	case "approved":
		return models.StateApproved
	case "pending", "received":
		return models.StatePendingApproval
	case "rejected", "paused", "disabled":
		return models.StateRejected
	case "unsubmitted", "draft":
		return models.StateDraft
	default:
		return models.StateNotSynced
	}
}

// Wire formats

type textType struct {
	Body string `json:"body"`
}

type contentTypes struct {
	Text *textType `json:"twilio/text,omitempty"`
}

type approvalRequests struct {
	Name            string `json:"name"`
	Category        string `json:"category"`
	Status          string `json:"status"`
	RejectionReason string `json:"rejection_reason"`
}

type contentAndApprovals struct {
	SID              string            `json:"sid"`
	FriendlyName     string            `json:"friendly_name"`
	Language         string            `json:"language"`
	Types            contentTypes      `json:"types"`
	ApprovalRequests *approvalRequests `json:"approval_requests"`
}

type listMeta struct {
	NextPageURL string `json:"next_page_url"`
}

type listResponse struct {
	Contents []contentAndApprovals `json:"contents"`
	Meta     listMeta              `json:"meta"`
}

type createContentRequest struct {
	FriendlyName string            `json:"friendly_name"`
	Language     string            `json:"language"`
	Variables    map[string]string `json:"variables,omitempty"`
	Types        contentTypes      `json:"types"`
}

type contentResponse struct {
	SID string `json:"sid"`
}

type approvalCreateRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

type approvalFetchResponse struct {
	SID      string            `json:"sid"`
	WhatsApp *approvalRequests `json:"whatsapp"`
}

type accountResponse struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	Status       string `json:"status"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}
