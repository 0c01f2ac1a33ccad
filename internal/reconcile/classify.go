package reconcile

import (
	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/provider"
)

// Bucket is the lifecycle group a template is shown in
type Bucket string

const (
	BucketLocalDraft Bucket = "local_draft"
	BucketApproved   Bucket = "approved"
	BucketPending    Bucket = "pending"
	BucketRejected   Bucket = "rejected"
	BucketStale      Bucket = "stale"
	BucketRemoteOnly Bucket = "remote_only"
)

// Buckets lists every bucket in priority order
var Buckets = []Bucket{BucketLocalDraft, BucketApproved, BucketPending, BucketRejected, BucketStale, BucketRemoteOnly}

// Entry is one classified template, local or remote
type Entry struct {
	Bucket Bucket `json:"bucket"`

	TemplateID string          `json:"template_id,omitempty"`
	VersionID  string          `json:"version_id,omitempty"`
	Version    int             `json:"version,omitempty"`
	Name       string          `json:"name,omitempty"`
	Category   models.Category `json:"category,omitempty"`
	Archived   bool            `json:"archived,omitempty"`
	Superseded bool            `json:"superseded,omitempty"`

	RemoteID    string               `json:"remote_id,omitempty"`
	RemoteName  string               `json:"remote_name,omitempty"`
	RemoteState string               `json:"remote_state,omitempty"`
	State       models.ApprovalState `json:"state,omitempty"`
	BodyPreview string               `json:"body_preview,omitempty"`

	MatchedBy    string `json:"matched_by,omitempty"`
	DuplicateOf  string `json:"duplicate_of,omitempty"`
	OrphanReason string `json:"orphan_reason,omitempty"`

	CredentialDrift bool `json:"credential_drift,omitempty"`
	NeedsReexport   bool `json:"needs_reexport,omitempty"`
}

// BucketFor applies the bucket rules to a local version's remote identity.
func BucketFor(remoteID string, state models.ApprovalState) Bucket {
	if remoteID == "" {
		return BucketLocalDraft
	}
	switch state {
	case models.StateApproved:
		return BucketApproved
	case models.StatePendingApproval, "pending", "received":
		return BucketPending
	case models.StateRejected:
		return BucketRejected
	default:
		return BucketStale
	}
}

func localEntry(l models.LocalTemplate) Entry {
	return Entry{
		TemplateID:  l.TemplateID,
		VersionID:   l.VersionID,
		Version:     l.Version,
		Name:        l.Name,
		Category:    l.Category,
		Archived:    l.Archived,
		Superseded:  !l.Active,
		RemoteID:    l.RemoteID,
		State:       l.RemoteState,
		BodyPreview: preview(l.BodyText),
	}
}

func preview(body string) string {
	r := []rune(body)
	if len(r) > 100 {
		return string(r[:100])
	}
	return body
}

// Classify assigns every element of a match to exactly one bucket. Pairs are
// classified by the freshly fetched remote state; orphans are always stale.
func Classify(m Match) []Entry {
	entries := make([]Entry, 0, len(m.Pairs)+len(m.Orphans)+len(m.Drafts)+len(m.RemoteOnly))

	for _, p := range m.Pairs {
		e := localEntry(p.Local)
		e.RemoteID = p.Remote.ID
		e.RemoteName = p.Remote.DisplayName
		e.RemoteState = p.Remote.ApprovalState
		e.State = provider.MapState(p.Remote.ApprovalState)
		e.MatchedBy = p.MatchedBy
		e.Bucket = BucketFor(e.RemoteID, e.State)
		entries = append(entries, e)
	}

	for _, o := range m.Orphans {
		e := localEntry(o.Local)
		e.OrphanReason = o.Reason
		e.Bucket = BucketStale
		e.NeedsReexport = true
		entries = append(entries, e)
	}

	for _, d := range m.Drafts {
		e := localEntry(d.Local)
		e.DuplicateOf = d.DuplicateOf
		e.Bucket = BucketLocalDraft
		entries = append(entries, e)
	}

	for _, r := range m.RemoteOnly {
		entries = append(entries, Entry{
			Bucket:      BucketRemoteOnly,
			RemoteID:    r.Remote.ID,
			RemoteName:  r.Remote.DisplayName,
			RemoteState: r.Remote.ApprovalState,
			State:       provider.MapState(r.Remote.ApprovalState),
			BodyPreview: r.Remote.BodyPreview,
			DuplicateOf: r.DuplicateOf,
		})
	}

	return entries
}

// AnnotateDrift flags every entry with a remote counterpart as unreachable
// through the central sub-account. Buckets are left unchanged.
func AnnotateDrift(entries []Entry) {
	for i := range entries {
		if entries[i].RemoteID == "" {
			continue
		}
		entries[i].CredentialDrift = true
		if entries[i].Bucket != BucketRemoteOnly {
			entries[i].NeedsReexport = true
		}
	}
}
