// Package audit keeps a local journal of export and credential events and
// forwards them to optional sinks such as operator mail.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/tplsync/internal/metrics"
)

// Event types
const (
	TypeTemplateExported    = "template.exported"
	TypeTemplateLinked      = "template.linked"
	TypeCredentialsMismatch = "credentials.mismatch"
	TypeCredentialsInvalid  = "credentials.invalid"
)

var bucketEvents = []byte("events")

// Event is one journal entry
type Event struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Time         time.Time         `json:"time"`
	AgentID      string            `json:"agent_id,omitempty"`
	SubAccountID string            `json:"sub_account_id,omitempty"`
	TemplateID   string            `json:"template_id,omitempty"`
	VersionID    string            `json:"version_id,omitempty"`
	RemoteID     string            `json:"remote_id,omitempty"`
	Message      string            `json:"message"`
	Data         map[string]string `json:"data,omitempty"`
}

// Recorder accepts events without blocking the caller
type Recorder interface {
	Record(e Event)
}

// RecorderFunc adapts a function to Recorder
type RecorderFunc func(e Event)

func (f RecorderFunc) Record(e Event) { f(e) }

// Discard drops every event
var Discard Recorder = RecorderFunc(func(Event) {})

// Sink receives every persisted event
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// ListFilter narrows List results
type ListFilter struct {
	Type    string
	AgentID string
	Limit   int
}

// Journal persists events to bbolt from a single background writer
type Journal struct {
	db     *bolt.DB
	events chan Event
	sinks  []Sink
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Open opens or creates the journal at path and starts the writer
func Open(path string, bufferSize int, logger *slog.Logger, sinks ...Sink) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit bucket: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = 256
	}

	j := &Journal{
		db:     db,
		events: make(chan Event, bufferSize),
		sinks:  sinks,
		logger: logger,
		done:   make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// Record queues an event. A full buffer drops the event with a warning.
func (j *Journal) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("audit journal closed, event dropped", "type", e.Type, "agent_id", e.AgentID)
		return
	}

	select {
	case j.events <- e:
	default:
		metrics.IncAuditDropped()
		j.logger.Warn("audit buffer full, event dropped", "type", e.Type, "agent_id", e.AgentID)
	}
}

func (j *Journal) run() {
	defer close(j.done)

	for e := range j.events {
		if err := j.store(e); err != nil {
			j.logger.Error("failed to persist audit event", "type", e.Type, "error", err)
		}

		for _, s := range j.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Notify(ctx, e); err != nil {
				j.logger.Warn("audit sink failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

func (j *Journal) store(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// List returns events newest first
func (j *Journal) List(ctx context.Context, filter ListFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	events := []Event{}
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if filter.Type != "" && e.Type != filter.Type {
				continue
			}
			if filter.AgentID != "" && e.AgentID != filter.AgentID {
				continue
			}
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

// Close drains queued events and closes the database
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}
