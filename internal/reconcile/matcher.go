package reconcile

import (
	"sort"

	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/provider"
)

// How a pair was established
const (
	MatchByRemoteID = "remote_id"
	MatchByName     = "name"
)

// Why a local version with a remote id could not be paired
const (
	OrphanRemoteMissing = "remote_missing"
	OrphanRemoteClaimed = "remote_claimed"
)

// Pair binds one local version to one remote template
type Pair struct {
	Local     models.LocalTemplate
	Remote    provider.RemoteTemplate
	MatchedBy string
}

// Orphan is a local version whose stored remote id could not be paired
type Orphan struct {
	Local  models.LocalTemplate
	Reason string
}

// LocalDraft is an active version without a remote counterpart. DuplicateOf
// names the remote id that already claimed the same normalized name.
type LocalDraft struct {
	Local       models.LocalTemplate
	DuplicateOf string
}

// RemoteOnly is a remote template with no local version. DuplicateOf names the
// remote id that claimed the same normalized name first.
type RemoteOnly struct {
	Remote      provider.RemoteTemplate
	DuplicateOf string
}

// Match is the outcome of pairing one agent's local versions with the remote
// templates of its sub-account. Every input appears in exactly one list.
type Match struct {
	Pairs      []Pair
	Orphans    []Orphan
	Drafts     []LocalDraft
	RemoteOnly []RemoteOnly
}

// MatchTemplates pairs local versions with remote templates. The remote id is
// authoritative; the normalized name is only tried for active versions that
// were never exported, against remotes no id claimed. A draft is also found
// under the friendly name its export would use. Every remote and every
// local version ends up in at most one pair. On equal claims the smallest id
// wins and the others are surfaced unpaired.
//
// The result does not depend on input order.
func MatchTemplates(locals []models.LocalTemplate, remotes []provider.RemoteTemplate) Match {
	locals = append([]models.LocalTemplate(nil), locals...)
	sort.SliceStable(locals, func(i, j int) bool {
		if locals[i].TemplateID != locals[j].TemplateID {
			return locals[i].TemplateID < locals[j].TemplateID
		}
		if locals[i].Version != locals[j].Version {
			return locals[i].Version < locals[j].Version
		}
		return locals[i].VersionID < locals[j].VersionID
	})
	remotes = append([]provider.RemoteTemplate(nil), remotes...)
	sort.SliceStable(remotes, func(i, j int) bool {
		if remotes[i].ID != remotes[j].ID {
			return remotes[i].ID < remotes[j].ID
		}
		return remotes[i].DisplayName < remotes[j].DisplayName
	})

	m := Match{
		Pairs:      []Pair{},
		Orphans:    []Orphan{},
		Drafts:     []LocalDraft{},
		RemoteOnly: []RemoteOnly{},
	}

	byID := make(map[string]int, len(remotes))
	for i, r := range remotes {
		if _, seen := byID[r.ID]; !seen {
			byID[r.ID] = i
		}
	}
	claimed := make([]bool, len(remotes))

	// names owned by a paired identity, normalized name -> remote id
	owners := map[string]string{}
	own := func(name, remoteID string) {
		n := Normalize(name)
		if n == "" {
			return
		}
		if cur, ok := owners[n]; !ok || remoteID < cur {
			owners[n] = remoteID
		}
	}

	// 1. remote id
	var drafts []models.LocalTemplate
	for _, l := range locals {
		if l.RemoteID == "" {
			if l.Active {
				drafts = append(drafts, l)
			} else {
				m.Drafts = append(m.Drafts, LocalDraft{Local: l})
			}
			continue
		}
		idx, ok := byID[l.RemoteID]
		switch {
		case !ok:
			m.Orphans = append(m.Orphans, Orphan{Local: l, Reason: OrphanRemoteMissing})
		case claimed[idx]:
			m.Orphans = append(m.Orphans, Orphan{Local: l, Reason: OrphanRemoteClaimed})
		default:
			claimed[idx] = true
			m.Pairs = append(m.Pairs, Pair{Local: l, Remote: remotes[idx], MatchedBy: MatchByRemoteID})
		}
	}
	for _, p := range m.Pairs {
		own(p.Local.Name, p.Remote.ID)
		own(p.Remote.DisplayName, p.Remote.ID)
	}

	// 2. normalized name, only between never-exported drafts and unclaimed remotes
	draftsByName := map[string][]int{}
	for i, d := range drafts {
		for _, n := range draftKeys(d) {
			draftsByName[n] = append(draftsByName[n], i)
		}
	}
	used := make([]bool, len(drafts))

	for i, r := range remotes {
		if claimed[i] {
			continue
		}
		if j, ok := byID[r.ID]; ok && j != i {
			// same id listed twice by the provider
			m.RemoteOnly = append(m.RemoteOnly, RemoteOnly{Remote: r, DuplicateOf: r.ID})
			continue
		}

		n := Normalize(r.DisplayName)
		if n == "" {
			m.RemoteOnly = append(m.RemoteOnly, RemoteOnly{Remote: r})
			continue
		}
		if owner, ok := owners[n]; ok {
			m.RemoteOnly = append(m.RemoteOnly, RemoteOnly{Remote: r, DuplicateOf: owner})
			continue
		}

		owners[n] = r.ID

		// drafts are sorted by template id, the first free one wins
		first := -1
		for _, c := range draftsByName[n] {
			if !used[c] {
				first = c
				break
			}
		}
		if first < 0 {
			m.RemoteOnly = append(m.RemoteOnly, RemoteOnly{Remote: r})
			continue
		}

		used[first] = true
		claimed[i] = true
		m.Pairs = append(m.Pairs, Pair{Local: drafts[first], Remote: r, MatchedBy: MatchByName})
	}

	for i, d := range drafts {
		if used[i] {
			continue
		}
		var dup string
		for _, n := range draftKeys(d) {
			if owner, ok := owners[n]; ok && (dup == "" || owner < dup) {
				dup = owner
			}
		}
		m.Drafts = append(m.Drafts, LocalDraft{Local: d, DuplicateOf: dup})
	}

	sort.SliceStable(m.Pairs, func(i, j int) bool {
		a, b := m.Pairs[i].Local, m.Pairs[j].Local
		if a.TemplateID != b.TemplateID {
			return a.TemplateID < b.TemplateID
		}
		return a.Version < b.Version
	})

	return m
}

// draftKeys are the names a never-exported version may be found under: its
// own and the friendly name an export would have registered.
func draftKeys(l models.LocalTemplate) []string {
	if alnum(l.Name) == "" {
		return nil
	}
	var keys []string
	for _, n := range []string{Normalize(l.Name), Normalize(models.RemoteName(l.Name, l.Version))} {
		if n != "" && (len(keys) == 0 || keys[0] != n) {
			keys = append(keys, n)
		}
	}
	return keys
}
