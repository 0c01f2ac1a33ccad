package audit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Notify(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func TestJournal_RecordAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	j, err := Open(path, 16, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	j.Record(Event{Type: TypeTemplateExported, AgentID: "a1", TemplateID: "t1", RemoteID: "HX1", Message: "exported"})
	j.Record(Event{Type: TypeCredentialsMismatch, AgentID: "a2", Message: "drift"})
	j.Record(Event{Type: TypeTemplateLinked, AgentID: "a1", TemplateID: "t2", RemoteID: "HX2", Message: "linked"})
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	j, err = Open(path, 16, testLogger())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer j.Close()

	events, err := j.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].Type != TypeTemplateLinked || events[2].Type != TypeTemplateExported {
		t.Errorf("events not newest first: %v, %v", events[0].Type, events[2].Type)
	}
	for _, e := range events {
		if e.ID == "" || e.Time.IsZero() {
			t.Errorf("event missing id or time: %+v", e)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"by agent", ListFilter{AgentID: "a1"}, 2},
		{"by type", ListFilter{Type: TypeCredentialsMismatch}, 1},
		{"limit", ListFilter{Limit: 1}, 1},
		{"no match", ListFilter{AgentID: "zz"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.List(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List(%+v) = %d events, want %d", tt.filter, len(got), tt.want)
			}
		})
	}
}

func TestJournal_Sinks(t *testing.T) {
	sink := &collectSink{}
	j, err := Open(filepath.Join(t.TempDir(), "audit.db"), 16, testLogger(), sink)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	j.Record(Event{Type: TypeCredentialsInvalid, AgentID: "a1"})
	j.Record(Event{Type: TypeTemplateExported, AgentID: "a1"})
	j.Close()

	if len(sink.events) != 2 {
		t.Errorf("sink received %d events, want 2", len(sink.events))
	}
}

func TestJournal_RecordAfterClose(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "audit.db"), 1, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	j.Close()

	// must not panic
	j.Record(Event{Type: TypeTemplateExported})
	if err := j.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestRecorderFunc(t *testing.T) {
	var got []Event
	r := RecorderFunc(func(e Event) { got = append(got, e) })
	r.Record(Event{Type: TypeTemplateLinked})
	Discard.Record(Event{Type: TypeTemplateLinked})

	if len(got) != 1 {
		t.Errorf("recorded %d events, want 1", len(got))
	}
}
