package reconcile

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/provider"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Welcome Message v2", "welcomemessage"},
		{"Welcome Message 2", "welcomemessage2"},
		{"Follow Up_V2", "followupv2"},
		{"followup", "followup"},
		{"  Follow-Up   Gentle  ", "followupgentle"},
		{"promo_v12", "promo"},
		{"v2 intro", "v2intro"},
		{"Prev2", "pre"},
		{"Welcomev2", "welcome"},
		{"Welcome_V2", "welcomev2"},
		{"Benvenuto all'azienda", "benvenutoallazienda"},
		{"Follow-up (gentle)", "followupgentle"},
		{"Promo: 50%", "promo50"},
		{"Élan Vital", "élanvital"},
		{"İstanbul", "istanbul"},
		{"", ""},
		{" _- ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if Normalize("Follow Up_V2") == Normalize("followup") {
		t.Error("Follow Up_V2 and followup must not collapse")
	}
	if Normalize("Welcome Message v2") == Normalize("Welcome Message 2") {
		t.Error("a bare trailing digit is not a version suffix")
	}
}

func local(templateID, name, remoteID string, state models.ApprovalState) models.LocalTemplate {
	return models.LocalTemplate{
		TemplateID:   templateID,
		ConsultantID: "c1",
		Name:         name,
		Category:     models.CategoryOpening,
		VersionID:    templateID + "-v1",
		Version:      1,
		Active:       true,
		BodyText:     "Hi {name}",
		RemoteID:     remoteID,
		RemoteState:  state,
		RowVersion:   1,
	}
}

func remote(id, name, state string) provider.RemoteTemplate {
	return provider.RemoteTemplate{ID: id, DisplayName: name, ApprovalState: state}
}

func TestMatchTemplates_RemoteIDIsAuthoritative(t *testing.T) {
	locals := []models.LocalTemplate{
		local("t1", "Welcome", "HX1", models.StatePendingApproval),
		local("t2", "Welcome v2", "HX2", models.StatePendingApproval),
	}
	remotes := []provider.RemoteTemplate{
		remote("HX2", "welcome_v2", "rejected"),
		remote("HX1", "welcome", "approved"),
	}

	m := MatchTemplates(locals, remotes)

	want := []Pair{
		{Local: locals[0], Remote: remotes[1], MatchedBy: MatchByRemoteID},
		{Local: locals[1], Remote: remotes[0], MatchedBy: MatchByRemoteID},
	}
	if diff := cmp.Diff(want, m.Pairs); diff != "" {
		t.Errorf("pairs mismatch (-want +got):\n%s", diff)
	}
	if len(m.RemoteOnly) != 0 || len(m.Drafts) != 0 || len(m.Orphans) != 0 {
		t.Errorf("unexpected leftovers: %+v", m)
	}
}

func TestMatchTemplates_NearIdenticalNamesAreNotMerged(t *testing.T) {
	// one draft, two remotes that normalize to the same name
	locals := []models.LocalTemplate{local("t1", "Welcome", "", models.StateNone)}
	remotes := []provider.RemoteTemplate{
		remote("HX9", "Welcome v2", "approved"),
		remote("HX3", "welcome", "approved"),
	}

	m := MatchTemplates(locals, remotes)

	if len(m.Pairs) != 1 || m.Pairs[0].Remote.ID != "HX3" || m.Pairs[0].MatchedBy != MatchByName {
		t.Fatalf("pairs = %+v, want t1 linked to HX3 by name", m.Pairs)
	}
	want := []RemoteOnly{{Remote: remotes[0], DuplicateOf: "HX3"}}
	if diff := cmp.Diff(want, m.RemoteOnly); diff != "" {
		t.Errorf("remote-only mismatch (-want +got):\n%s", diff)
	}
}

func TestMatchTemplates_DuplicateDraftsTieBreak(t *testing.T) {
	locals := []models.LocalTemplate{
		local("t2", "Promo", "", models.StateNone),
		local("t1", "promo", "", models.StateNone),
	}
	remotes := []provider.RemoteTemplate{remote("HX1", "PROMO", "approved")}

	m := MatchTemplates(locals, remotes)

	if len(m.Pairs) != 1 || m.Pairs[0].Local.TemplateID != "t1" {
		t.Fatalf("pairs = %+v, want smallest template id t1", m.Pairs)
	}
	if len(m.Drafts) != 1 || m.Drafts[0].Local.TemplateID != "t2" || m.Drafts[0].DuplicateOf != "HX1" {
		t.Errorf("drafts = %+v, want t2 flagged as duplicate of HX1", m.Drafts)
	}
}

func TestMatchTemplates_NameFallbackOnlyForUnexported(t *testing.T) {
	// t1 holds HX1 which is gone; the same-named HX2 must not be adopted
	locals := []models.LocalTemplate{local("t1", "Welcome", "HX1", models.StateApproved)}
	remotes := []provider.RemoteTemplate{remote("HX2", "Welcome", "approved")}

	m := MatchTemplates(locals, remotes)

	if len(m.Pairs) != 0 {
		t.Errorf("pairs = %+v, want none", m.Pairs)
	}
	if len(m.Orphans) != 1 || m.Orphans[0].Reason != OrphanRemoteMissing {
		t.Errorf("orphans = %+v, want t1 remote_missing", m.Orphans)
	}
	if len(m.RemoteOnly) != 1 || m.RemoteOnly[0].Remote.ID != "HX2" {
		t.Errorf("remote-only = %+v, want HX2", m.RemoteOnly)
	}
}

func TestMatchTemplates_SameRemoteClaimedTwice(t *testing.T) {
	locals := []models.LocalTemplate{
		local("t2", "Second", "HX1", models.StateApproved),
		local("t1", "First", "HX1", models.StateApproved),
	}
	remotes := []provider.RemoteTemplate{remote("HX1", "First", "approved")}

	m := MatchTemplates(locals, remotes)

	if len(m.Pairs) != 1 || m.Pairs[0].Local.TemplateID != "t1" {
		t.Fatalf("pairs = %+v, want t1 only", m.Pairs)
	}
	if len(m.Orphans) != 1 || m.Orphans[0].Local.TemplateID != "t2" || m.Orphans[0].Reason != OrphanRemoteClaimed {
		t.Errorf("orphans = %+v, want t2 remote_claimed", m.Orphans)
	}
}

func TestMatchTemplates_SupersededVersionKeepsItsRemote(t *testing.T) {
	old := local("t1", "Welcome", "HX1", models.StateApproved)
	old.Active = false
	draft := local("t1", "Welcome", "", models.StateNone)
	draft.VersionID = "t1-v2"
	draft.Version = 2

	m := MatchTemplates([]models.LocalTemplate{draft, old}, []provider.RemoteTemplate{remote("HX1", "Welcome", "approved")})

	if len(m.Pairs) != 1 || m.Pairs[0].Local.VersionID != "t1-v1" || m.Pairs[0].MatchedBy != MatchByRemoteID {
		t.Fatalf("pairs = %+v, want the superseded version bound by id", m.Pairs)
	}
	if len(m.Drafts) != 1 || m.Drafts[0].Local.VersionID != "t1-v2" || m.Drafts[0].DuplicateOf != "HX1" {
		t.Errorf("drafts = %+v, want the new version as a draft", m.Drafts)
	}
}

func TestMatchTemplates_ExportedNameFindsDraft(t *testing.T) {
	// a create that succeeded remotely but was never recorded locally
	tests := []struct {
		name    string
		version int
	}{
		{"Welcome Message", 1},
		{"Benvenuto all'azienda", 1},
		{"Follow-up (gentle)", 2},
		{"Promo: 50%", 1},
		{"Welcome v2", 1},
		{"Offerta IPv6", 3},
		{"İstanbul tour", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := local("t1", tt.name, "", models.StateNone)
			l.Version = tt.version
			r := remote("HX1", models.RemoteName(tt.name, tt.version), "received")

			m := MatchTemplates([]models.LocalTemplate{l}, []provider.RemoteTemplate{r})

			want := []Pair{{Local: l, Remote: r, MatchedBy: MatchByName}}
			if diff := cmp.Diff(want, m.Pairs); diff != "" {
				t.Errorf("%q exported as %q not linked (-want +got):\n%s", tt.name, r.DisplayName, diff)
			}
			if len(m.Drafts) != 0 || len(m.RemoteOnly) != 0 {
				t.Errorf("leftovers: drafts=%+v remote-only=%+v", m.Drafts, m.RemoteOnly)
			}
		})
	}
}

func TestMatchTemplates_ExportedNameKeyIsNotReused(t *testing.T) {
	// "Welcome v2" is reachable as "welcome" and as "welcomev2"; once linked
	// the second remote must stay unpaired
	l := local("t1", "Welcome v2", "", models.StateNone)
	remotes := []provider.RemoteTemplate{
		remote("HX1", "welcome", "approved"),
		remote("HX2", "welcome_v2_v1", "approved"),
	}

	m := MatchTemplates([]models.LocalTemplate{l}, remotes)

	if len(m.Pairs) != 1 || m.Pairs[0].Remote.ID != "HX1" {
		t.Fatalf("pairs = %+v, want t1 linked to HX1", m.Pairs)
	}
	if len(m.RemoteOnly) != 1 || m.RemoteOnly[0].Remote.ID != "HX2" {
		t.Errorf("remote-only = %+v, want HX2", m.RemoteOnly)
	}
}

func TestMatchTemplates_EmptyNamesNeverMatch(t *testing.T) {
	m := MatchTemplates(
		[]models.LocalTemplate{local("t1", " - ", "", models.StateNone)},
		[]provider.RemoteTemplate{remote("HX1", "_", "approved"), remote("HX2", "template_v1", "approved")},
	)
	if len(m.Pairs) != 0 || len(m.Drafts) != 1 || len(m.RemoteOnly) != 2 {
		t.Errorf("match = %+v, want no pairing on empty names", m)
	}
}

// randomInput builds a mixed set with id links, stale ids, name collisions and
// drafts so that every branch of the matcher is exercised.
func randomInput(rng *rand.Rand) ([]models.LocalTemplate, []provider.RemoteTemplate) {
	names := []string{"Welcome", "welcome_v2", "Follow Up", "follow-up v3", "Care", "Promo 2", "promo"}
	states := []string{"approved", "pending", "rejected", "received", "draft", "weird"}

	var remotes []provider.RemoteTemplate
	for i := 0; i < 8; i++ {
		remotes = append(remotes, remote(
			string(rune('A'+i)),
			names[rng.Intn(len(names))],
			states[rng.Intn(len(states))],
		))
	}

	var locals []models.LocalTemplate
	for i := 0; i < 10; i++ {
		remoteID := ""
		switch rng.Intn(3) {
		case 0:
			remoteID = remotes[rng.Intn(len(remotes))].ID
		case 1:
			if rng.Intn(2) == 0 {
				remoteID = "GONE"
			}
		}
		l := local(string(rune('a'+i)), names[rng.Intn(len(names))], remoteID, models.StateNone)
		if remoteID != "" {
			l.RemoteState = models.StateApproved
		}
		locals = append(locals, l)
	}
	return locals, remotes
}

func TestMatchTemplates_Injective(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		locals, remotes := randomInput(rng)
		m := MatchTemplates(locals, remotes)

		seenRemote := map[string]bool{}
		seenLocal := map[string]bool{}
		for _, p := range m.Pairs {
			if seenRemote[p.Remote.ID] {
				t.Fatalf("round %d: remote %s paired twice", round, p.Remote.ID)
			}
			if seenLocal[p.Local.VersionID] {
				t.Fatalf("round %d: local %s paired twice", round, p.Local.VersionID)
			}
			seenRemote[p.Remote.ID] = true
			seenLocal[p.Local.VersionID] = true
			if p.MatchedBy == MatchByRemoteID && p.Local.RemoteID != p.Remote.ID {
				t.Fatalf("round %d: id pair disagrees on remote id: %+v", round, p)
			}
		}

		// every input lands in exactly one list
		localCount := len(m.Pairs) + len(m.Orphans) + len(m.Drafts)
		if localCount != len(locals) {
			t.Fatalf("round %d: %d locals accounted for, want %d", round, localCount, len(locals))
		}
		if got := len(m.Pairs) + len(m.RemoteOnly); got != len(remotes) {
			t.Fatalf("round %d: %d remotes accounted for, want %d", round, got, len(remotes))
		}
	}
}

func TestMatchTemplates_IdempotentAndOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 100; round++ {
		locals, remotes := randomInput(rng)
		first := MatchTemplates(locals, remotes)

		if diff := cmp.Diff(first, MatchTemplates(locals, remotes)); diff != "" {
			t.Fatalf("round %d: second run differs (-first +second):\n%s", round, diff)
		}

		rng.Shuffle(len(locals), func(i, j int) { locals[i], locals[j] = locals[j], locals[i] })
		rng.Shuffle(len(remotes), func(i, j int) { remotes[i], remotes[j] = remotes[j], remotes[i] })
		if diff := cmp.Diff(first, MatchTemplates(locals, remotes)); diff != "" {
			t.Fatalf("round %d: shuffled input differs (-first +shuffled):\n%s", round, diff)
		}
	}
}
