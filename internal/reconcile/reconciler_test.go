package reconcile

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/foxzi/tplsync/internal/audit"
	"github.com/foxzi/tplsync/internal/errors"
	"github.com/foxzi/tplsync/internal/models"
	"github.com/foxzi/tplsync/internal/provider"
	"github.com/foxzi/tplsync/internal/provider/providertest"
)

var ctx = context.Background()

type memTemplates struct {
	mu       sync.Mutex
	versions map[string]models.LocalTemplate
	failFor  map[string]error
	loadErr  error
	// afterUpdate runs after each successful write, outside the lock
	afterUpdate func(versionID string)
}

func newMemTemplates(locals ...models.LocalTemplate) *memTemplates {
	s := &memTemplates{versions: map[string]models.LocalTemplate{}, failFor: map[string]error{}}
	for _, l := range locals {
		s.versions[l.VersionID] = l
	}
	return s
}

func (s *memTemplates) ListForAgent(ctx context.Context, consultantID, agentID string) ([]models.LocalTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	var out []models.LocalTemplate
	for _, l := range s.versions {
		if l.ConsultantID != consultantID {
			continue
		}
		if (l.Active && l.RemoteID == "") || (l.RemoteID != "" && l.AgentID == agentID) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionID < out[j].VersionID })
	return out, nil
}

func (s *memTemplates) UpdateRemoteState(ctx context.Context, u models.RemoteStateUpdate) error {
	if err := s.update(ctx, u); err != nil {
		return err
	}
	if s.afterUpdate != nil {
		s.afterUpdate(u.VersionID)
	}
	return nil
}

func (s *memTemplates) update(ctx context.Context, u models.RemoteStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.failFor[u.VersionID]; err != nil {
		return err
	}
	l, ok := s.versions[u.VersionID]
	if !ok {
		return errors.NewNotFoundError("template version", u.VersionID)
	}
	if l.RowVersion != u.ExpectedRowVersion {
		return errors.ErrConflict
	}
	synced := u.SyncedAt
	l.RemoteID, l.RemoteState, l.AgentID, l.LastSyncedAt = u.RemoteID, u.State, u.AgentID, &synced
	l.RowVersion++
	s.versions[u.VersionID] = l
	return nil
}

func (s *memTemplates) get(versionID string) models.LocalTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[versionID]
}

type memAgents struct {
	mu      sync.Mutex
	agents  map[string]*models.Agent
	invalid map[string]string
}

func newMemAgents(agents ...models.Agent) *memAgents {
	s := &memAgents{agents: map[string]*models.Agent{}, invalid: map[string]string{}}
	for i := range agents {
		a := agents[i]
		s.agents[a.ID] = &a
	}
	return s
}

func (s *memAgents) GetByID(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, errors.NewNotFoundError("agent", id)
	}
	cp := *a
	return &cp, nil
}

func (s *memAgents) List(ctx context.Context) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Agent
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memAgents) MarkCredentialsInvalid(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid[id] = reason
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Record(e audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func agent(id, sub string) models.Agent {
	return models.Agent{
		ID:             id,
		ConsultantID:   "c1",
		Name:           "Agent " + id,
		SubAccountID:   sub,
		AuthToken:      "token",
		WhatsAppNumber: "+15550001",
	}
}

func exported(templateID, name, remoteID, agentID string, state models.ApprovalState) models.LocalTemplate {
	l := local(templateID, name, remoteID, state)
	l.AgentID = agentID
	return l
}

func newTestReconciler(t *testing.T, tpl *memTemplates, agents *memAgents, src *providertest.Source, rec audit.Recorder) *Reconciler {
	t.Helper()
	return New(tpl, agents, src, rec, Config{CentralAccountID: "AC_CENTRAL", Concurrency: 2}, testLogger())
}

func bucketIDs(entries []Entry) []string {
	out := []string{}
	for _, e := range entries {
		if e.TemplateID != "" {
			out = append(out, e.TemplateID)
		} else {
			out = append(out, e.RemoteID)
		}
	}
	return out
}

func TestReconcile_GroupsEveryBucket(t *testing.T) {
	tpl := newMemTemplates(
		exported("t1", "Welcome", "HX1", "a1", models.StatePendingApproval),
		exported("t2", "Follow Up", "HX2", "a1", models.StatePendingApproval),
		exported("t3", "Care", "HX3", "a1", models.StatePendingApproval),
		exported("t4", "Gone", "HXGONE", "a1", models.StateApproved),
		local("t5", "Draft Only", "", models.StateNone),
	)
	api := &providertest.API{SubAccount: "AC_CENTRAL", Templates: []provider.RemoteTemplate{
		remote("HX1", "welcome", "approved"),
		remote("HX2", "follow_up", "received"),
		remote("HX3", "care", "rejected"),
		remote("HX9", "Someone Else", "approved"),
	}}
	r := newTestReconciler(t, tpl, newMemAgents(agent("a1", "AC_CENTRAL")), providertest.NewSource(api), nil)

	res, err := r.Reconcile(ctx, "a1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	got := map[string][]string{
		"approved":    bucketIDs(res.Approved),
		"pending":     bucketIDs(res.Pending),
		"rejected":    bucketIDs(res.Rejected),
		"stale":       bucketIDs(res.Stale),
		"local_draft": bucketIDs(res.LocalDrafts),
		"remote_only": bucketIDs(res.RemoteOnly),
		"orphaned":    bucketIDs(res.OrphanedLocal),
	}
	want := map[string][]string{
		"approved":    {"t1"},
		"pending":     {"t2"},
		"rejected":    {"t3"},
		"stale":       {"t4"},
		"local_draft": {"t5"},
		"remote_only": {"HX9"},
		"orphaned":    {"t4"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buckets mismatch (-want +got):\n%s", diff)
	}

	if res.Summary.Total != 6 || res.Summary.HealthyApproved != 1 || !res.CentralAccount {
		t.Errorf("summary = %+v, central = %v", res.Summary, res.CentralAccount)
	}
	if res.Summary.Persisted != 3 || len(res.Errors) != 0 {
		t.Errorf("persisted = %d, errors = %v, want 3 and none", res.Summary.Persisted, res.Errors)
	}

	// refreshed state is written back
	if got := tpl.get("t1-v1"); got.RemoteState != models.StateApproved || got.LastSyncedAt == nil {
		t.Errorf("t1 after reconcile = %+v", got)
	}
	if got := tpl.get("t3-v1"); got.RemoteState != models.StateRejected {
		t.Errorf("t3 state = %q, want rejected", got.RemoteState)
	}
	// orphans are left untouched
	if got := tpl.get("t4-v1"); got.RemoteID != "HXGONE" || got.RowVersion != 1 {
		t.Errorf("orphan was modified: %+v", got)
	}
}

func TestReconcile_OrphanNeverCountsAsApproved(t *testing.T) {
	tpl := newMemTemplates(exported("t1", "Welcome", "HXGONE", "a1", models.StateApproved))
	api := &providertest.API{SubAccount: "AC_CENTRAL"}
	r := newTestReconciler(t, tpl, newMemAgents(agent("a1", "AC_CENTRAL")), providertest.NewSource(api), nil)

	res, err := r.Reconcile(ctx, "a1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(res.Approved) != 0 || len(res.Pending) != 0 || len(res.Rejected) != 0 {
		t.Errorf("orphan shows up in an approval bucket: %+v", res.Summary)
	}
	if len(res.OrphanedLocal) != 1 || !res.OrphanedLocal[0].NeedsReexport || res.OrphanedLocal[0].OrphanReason != OrphanRemoteMissing {
		t.Errorf("orphaned = %+v", res.OrphanedLocal)
	}
}

func TestReconcile_DifferentNameStaysDraft(t *testing.T) {
	tpl := newMemTemplates(local("t1", "Welcome Message", "", models.StateNone))
	api := &providertest.API{SubAccount: "AC_CENTRAL", Templates: []provider.RemoteTemplate{
		remote("HX1", "Greeting", "approved"),
	}}
	r := newTestReconciler(t, tpl, newMemAgents(agent("a1", "AC_CENTRAL")), providertest.NewSource(api), nil)

	res, err := r.Reconcile(ctx, "a1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if diff := cmp.Diff([]string{"t1"}, bucketIDs(res.LocalDrafts)); diff != "" {
		t.Errorf("drafts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"HX1"}, bucketIDs(res.RemoteOnly)); diff != "" {
		t.Errorf("remote only (-want +got):\n%s", diff)
	}
	if got := tpl.get("t1-v1"); got.RemoteID != "" {
		t.Errorf("draft was linked to %q", got.RemoteID)
	}
}

func TestReconcile_SameNameLinksAndPersists(t *testing.T) {
	tpl := newMemTemplates(local("t1", "Welcome Message", "", models.StateNone))
	api := &providertest.API{SubAccount: "AC_CENTRAL", Templates: []provider.RemoteTemplate{
		remote("HX1", "welcome_message_v2", "approved"),
	}}
	events := &eventLog{}
	r := newTestReconciler(t, tpl, newMemAgents(agent("a1", "AC_CENTRAL")), providertest.NewSource(api), events)

	res, err := r.Reconcile(ctx, "a1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(res.Approved) != 1 || res.Approved[0].MatchedBy != MatchByName || res.Summary.Linked != 1 {
		t.Fatalf("approved = %+v, summary = %+v", res.Approved, res.Summary)
	}

	got := tpl.get("t1-v1")
	if got.RemoteID != "HX1" || got.RemoteState != models.StateApproved || got.AgentID != "a1" {
		t.Errorf("link not persisted: %+v", got)
	}
	if diff := cmp.Diff([]string{audit.TypeTemplateLinked}, events.types()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	// the next cycle matches by id and stays stable
	res, err = r.Reconcile(ctx, "a1")
	if err != nil {
		t.Fatalf("second Reconcile() error = %v", err)
	}
	if len(res.Approved) != 1 || res.Approved[0].MatchedBy != MatchByRemoteID || res.Summary.Linked != 0 {
		t.Errorf("second cycle approved = %+v", res.Approved)
	}
}

func TestReconcile_CancelStopsAtRowBoundary(t *testing.T) {
	tpl := newMemTemplates(
		exported("t1", "Welcome", "HX1", "a1", models.StatePendingApproval),
		exported("t2", "Promo", "HX2", "a1", models.StatePendingApproval),
		exported("t3", "Care", "HX3", "a1", models.StatePendingApproval),
	)
	api := &providertest.API{SubAccount: "AC_CENTRAL", Templates: []provider.RemoteTemplate{
		remote("HX1", "welcome", "approved"),
		remote("HX2", "promo", "rejected"),
		remote("HX3", "care", "approved"),
	}}
	r := newTestReconciler(t, tpl, newMemAgents(agent("a1", "AC_CENTRAL")), providertest.NewSource(api), nil)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tpl.afterUpdate = func(string) { cancel() }

	res, err := r.Reconcile(cctx, "a1")
	if res != nil {
		t.Errorf("Reconcile() result = %+v, want nil", res)
	}
	var opErr *errors.OpError
	if !stderrors.As(err, &opErr) || opErr.Op != "persist" || opErr.AgentID != "a1" {
		t.Fatalf("Reconcile() error = %v, want a persist OpError", err)
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("Reconcile() error = %v, want context.Canceled", err)
	}

	first := tpl.get("t1-v1")
	if first.RowVersion != 2 || first.RemoteState != models.StateApproved || first.RemoteID != "HX1" || first.LastSyncedAt == nil {
		t.Errorf("first row not fully written: %+v", first)
	}
	for _, id := range []string{"t2-v1", "t3-v1"} {
		got := tpl.get(id)
		if got.RowVersion != 1 || got.RemoteState != models.StatePendingApproval || got.LastSyncedAt != nil {
			t.Errorf("%s changed after cancellation: %+v", id, got)
		}
	}
	if got := tpl.get("t2-v1").RemoteID; got != "HX2" {
		t.Errorf("t2 remote id = %q, want HX2", got)
	}
}

func TestReconcile_CancelledBeforeFetch(t *testing.T) {
	tpl := newMemTemplates(exported("t1", "Welcome", "HX1", "a1", models.StatePendingApproval))
	api := &providertest.API{SubAccount: "AC_CENTRAL", Templates: []provider.RemoteTemplate{
		remote("HX1", "welcome", "approved"),
	}}
	agents := newMemAgents(agent("a1", "AC_CENTRAL"))
	r := newTestReconciler(t, tpl, agents, providertest.NewSource(api), nil)

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := r.Reconcile(cctx, "a1")
	if !stderrors.Is(err, context.Canceled) || !stderrors.Is(err, errors.ErrTransient) {
		t.Fatalf("Reconcile() error = %v, want a cancelled transient failure", err)
	}
	if got := tpl.get("t1-v1"); got.RowVersion != 1 || got.RemoteState != models.StatePendingApproval {
		t.Errorf("row changed: %+v", got)
	}
}

func TestReconcile_CredentialDrift(t *testing.T) {
	tpl := newMemTemplates(
		exported("t1", "Welcome", "HX1", "a1", models.StateApproved),
		local("t2", "Draft", "", models.StateNone),
	)
	api := &providertest.API{SubAccount: "AC_OTHER", Templates: []provider.RemoteTemplate{
		remote("HX1", "welcome", "approved"),
		remote("HX7", "Stray", "approved"),
	}}
	r := newTestReconciler(t, tpl, newMemAgents(agent("a1", "AC_OTHER")), providertest.NewSource(api), nil)

	res, err := r.Reconcile(ctx, "a1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.CentralAccount || res.Summary.HealthyApproved != 0 {
		t.Errorf("central = %v, healthy = %d, want false and 0", res.CentralAccount, res.Summary.HealthyApproved)
	}
	if len(res.Approved) != 1 || !res.Approved[0].CredentialDrift || !res.Approved[0].NeedsReexport {
		t.Errorf("approved entry not flagged: %+v", res.Approved)
	}
	if len(res.RemoteOnly) != 1 || !res.RemoteOnly[0].CredentialDrift || res.RemoteOnly[0].NeedsReexport {
		t.Errorf("remote-only entry flags: %+v", res.RemoteOnly)
	}
	if len(res.LocalDrafts) != 1 || res.LocalDrafts[0].CredentialDrift {
		t.Errorf("draft should not be flagged: %+v", res.LocalDrafts)
	}
}

func TestReconcile_PersistFailureIsIsolated(t *testing.T) {
	tpl := newMemTemplates(
		exported("t1", "One", "HX1", "a1", models.StatePendingApproval),
		exported("t2", "Two", "HX2", "a1", models.StatePendingApproval),
		exported("t3", "Three", "HX3", "a1", models.StatePendingApproval),
	)
	tpl.failFor["t2-v1"] = errors.ErrConflict
	api := &providertest.API{SubAccount: "AC_CENTRAL", Templates: []provider.RemoteTemplate{
		remote("HX1", "one", "approved"),
		remote("HX2", "two", "approved"),
		remote("HX3", "three", "approved"),
	}}
	r := newTestReconciler(t, tpl, newMemAgents(agent("a1", "AC_CENTRAL")), providertest.NewSource(api), nil)

	res, err := r.Reconcile(ctx, "a1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	want := []ItemError{{
		Op:         "persist",
		TemplateID: "t2",
		VersionID:  "t2-v1",
		RemoteID:   "HX2",
		Kind:       "conflict",
		Message:    errors.ErrConflict.Error(),
	}}
	if diff := cmp.Diff(want, res.Errors); diff != "" {
		t.Errorf("errors (-want +got):\n%s", diff)
	}
	if res.Summary.Persisted != 2 || res.Summary.PersistFailed != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}
	for _, id := range []string{"t1-v1", "t3-v1"} {
		if got := tpl.get(id); got.RemoteState != models.StateApproved {
			t.Errorf("%s state = %q, want approved", id, got.RemoteState)
		}
	}
	if got := tpl.get("t2-v1"); got.RemoteState != models.StatePendingApproval {
		t.Errorf("t2 state = %q, want untouched", got.RemoteState)
	}
}

func TestReconcile_Errors(t *testing.T) {
	tests := []struct {
		name        string
		agent       models.Agent
		listErr     error
		wantIs      error
		wantInvalid bool
	}{
		{
			name:        "auth failure",
			agent:       agent("a1", "AC_CENTRAL"),
			listErr:     providertest.AuthError("list_templates", "AC_CENTRAL"),
			wantIs:      errors.ErrAuthInvalid,
			wantInvalid: true,
		},
		{
			name:    "transient failure",
			agent:   agent("a1", "AC_CENTRAL"),
			listErr: &provider.Error{Op: "list_templates", Kind: provider.KindTransient, StatusCode: 503},
			wantIs:  errors.ErrTransient,
		},
		{
			name:   "missing credentials",
			agent:  models.Agent{ID: "a1", ConsultantID: "c1", SubAccountID: "AC_CENTRAL"},
			wantIs: errors.ErrCredentialsInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &providertest.API{SubAccount: "AC_CENTRAL", ListErr: tt.listErr}
			agents := newMemAgents(tt.agent)
			events := &eventLog{}
			r := newTestReconciler(t, newMemTemplates(), agents, providertest.NewSource(api), events)

			_, err := r.Reconcile(ctx, "a1")
			if !stderrors.Is(err, tt.wantIs) {
				t.Fatalf("Reconcile() error = %v, want %v", err, tt.wantIs)
			}
			if stderrors.Is(err, errors.ErrRemoteNotFound) {
				t.Errorf("error must not read as not found: %v", err)
			}

			_, marked := agents.invalid["a1"]
			if marked != tt.wantInvalid {
				t.Errorf("credentials marked invalid = %v, want %v", marked, tt.wantInvalid)
			}
			if tt.wantInvalid {
				if diff := cmp.Diff([]string{audit.TypeCredentialsInvalid}, events.types()); diff != "" {
					t.Errorf("events (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestReconcile_EmptyRemoteIsNotAnError(t *testing.T) {
	tpl := newMemTemplates(local("t1", "Welcome", "", models.StateNone))
	api := &providertest.API{SubAccount: "AC_CENTRAL"}
	agents := newMemAgents(agent("a1", "AC_CENTRAL"))
	r := newTestReconciler(t, tpl, agents, providertest.NewSource(api), nil)

	res, err := r.Reconcile(ctx, "a1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(res.LocalDrafts) != 1 || res.Summary.Total != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if len(agents.invalid) != 0 {
		t.Error("credentials must not be marked invalid for an empty account")
	}
}

func TestReconcile_UnknownAgent(t *testing.T) {
	r := newTestReconciler(t, newMemTemplates(), newMemAgents(), providertest.NewSource(), nil)

	_, err := r.Reconcile(ctx, "missing")
	if !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("Reconcile() error = %v, want ErrNotFound", err)
	}
}

func TestReconcileAll_IsolatesAgents(t *testing.T) {
	good := &providertest.API{SubAccount: "AC_CENTRAL", Templates: []provider.RemoteTemplate{remote("HX1", "welcome", "approved")}}
	bad := &providertest.API{SubAccount: "AC_BAD", ListErr: providertest.AuthError("list_templates", "AC_BAD")}
	agents := newMemAgents(agent("a1", "AC_CENTRAL"), agent("a2", "AC_BAD"), agent("a3", "AC_CENTRAL"))
	tpl := newMemTemplates(exported("t1", "Welcome", "HX1", "a1", models.StatePendingApproval))
	r := newTestReconciler(t, tpl, agents, providertest.NewSource(good, bad), nil)

	outcomes, err := r.ReconcileAll(ctx, nil)
	if err != nil {
		t.Fatalf("ReconcileAll() error = %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}

	byID := map[string]Outcome{}
	for _, o := range outcomes {
		byID[o.AgentID] = o
	}
	if o := byID["a1"]; o.Err != nil || o.Result == nil || len(o.Result.Approved) != 1 {
		t.Errorf("a1 outcome = %+v", o)
	}
	if o := byID["a2"]; !stderrors.Is(o.Err, errors.ErrAuthInvalid) || o.Result != nil {
		t.Errorf("a2 outcome = %+v", o)
	}
	if o := byID["a3"]; o.Err != nil || o.Result == nil {
		t.Errorf("a3 outcome = %+v", o)
	}
	if _, marked := agents.invalid["a2"]; !marked {
		t.Error("a2 credentials not marked invalid")
	}
}

func TestCheckCredentialConsistency(t *testing.T) {
	unbound := agent("a4", "")
	agents := newMemAgents(
		agent("a2", "AC_CENTRAL"),
		agent("a1", "AC_OTHER"),
		unbound,
		agent("a3", "AC_CENTRAL"),
	)
	events := &eventLog{}
	r := newTestReconciler(t, newMemTemplates(), agents, providertest.NewSource(), events)

	got, err := r.CheckCredentialConsistency(ctx)
	if err != nil {
		t.Fatalf("CheckCredentialConsistency() error = %v", err)
	}

	ref := func(id string) AgentRef { return AgentRef{ID: id, Name: "Agent " + id, ConsultantID: "c1"} }
	want := &Consistency{
		CentralAccountID: "AC_CENTRAL",
		Groups: []CredentialGroup{
			{SubAccountID: "AC_CENTRAL", IsCentral: true, Agents: []AgentRef{ref("a2"), ref("a3")}},
			{SubAccountID: "AC_OTHER", Agents: []AgentRef{ref("a1")}},
			{SubAccountID: "", Agents: []AgentRef{ref("a4")}},
		},
		DriftedAgents: 2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("consistency mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{audit.TypeCredentialsMismatch, audit.TypeCredentialsMismatch}, events.types()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestCheckConsistency_CentralGroupAlwaysPresent(t *testing.T) {
	got := CheckConsistency("AC_CENTRAL", []models.Agent{agent("a1", "AC_X")})

	if len(got.Groups) != 2 || !got.Groups[0].IsCentral || len(got.Groups[0].Agents) != 0 {
		t.Errorf("groups = %+v", got.Groups)
	}
	if got.DriftedAgents != 1 {
		t.Errorf("DriftedAgents = %d, want 1", got.DriftedAgents)
	}
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		remoteID string
		state    models.ApprovalState
		want     Bucket
	}{
		{"", models.StateApproved, BucketLocalDraft},
		{"", models.StateNone, BucketLocalDraft},
		{"HX1", models.StateApproved, BucketApproved},
		{"HX1", models.StatePendingApproval, BucketPending},
		{"HX1", "received", BucketPending},
		{"HX1", models.StateRejected, BucketRejected},
		{"HX1", models.StateNotSynced, BucketStale},
		{"HX1", models.StateDraft, BucketStale},
		{"HX1", models.StateNone, BucketStale},
	}

	for _, tt := range tests {
		if got := BucketFor(tt.remoteID, tt.state); got != tt.want {
			t.Errorf("BucketFor(%q, %q) = %q, want %q", tt.remoteID, tt.state, got, tt.want)
		}
	}
}

func TestClassify_EveryEntryInOneBucket(t *testing.T) {
	m := MatchTemplates(
		[]models.LocalTemplate{
			local("t1", "A", "HX1", models.StateApproved),
			local("t2", "B", "HXGONE", models.StateApproved),
			local("t3", "C", "", models.StateNone),
		},
		[]provider.RemoteTemplate{remote("HX1", "A", "paused"), remote("HX2", "D", "unknown")},
	)
	entries := Classify(m)

	if len(entries) != 4 {
		t.Fatalf("len(entries) = %d, want 4", len(entries))
	}
	valid := map[Bucket]bool{}
	for _, b := range Buckets {
		valid[b] = true
	}
	for _, e := range entries {
		if !valid[e.Bucket] {
			t.Errorf("entry %+v has no bucket", e)
		}
	}
	if entries[0].Bucket != BucketRejected {
		t.Errorf("paused remote bucket = %q, want rejected", entries[0].Bucket)
	}
	if entries[3].Bucket != BucketRemoteOnly || entries[3].State != models.StateNotSynced {
		t.Errorf("remote-only entry = %+v", entries[3])
	}
}
