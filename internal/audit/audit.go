// Package audit records who changed what in the controller and pushes
// best-effort notifications to the user.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/closedloop/pkg/logger"
)

// Actors.
const (
	ActorUser       = "user"
	ActorAutomation = "automation"
	ActorDSTGuard   = "dst-guard"
	ActorPump       = "pump"
	ActorLoop       = "loop"
)

// Entry is one audited action.
type Entry struct {
	ID        uuid.UUID         `json:"id"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	Reasons   []string          `json:"reasons,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// NewEntry stamps a fresh ID.
func NewEntry(actor, action string, at time.Time, reasons ...string) Entry {
	return Entry{ID: uuid.New(), Actor: actor, Action: action, Timestamp: at, Reasons: reasons}
}

// Sink receives audit entries. Record must not block for long.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// LogSink writes entries to the structured log.
type LogSink struct {
	log logger.Logger
}

func NewLogSink(l logger.Logger) *LogSink {
	return &LogSink{log: logger.OrDefault(l)}
}

func (s *LogSink) Record(_ context.Context, e Entry) error {
	args := []any{"id", e.ID, "actor", e.Actor, "action", e.Action, "at", e.Timestamp}
	if len(e.Reasons) > 0 {
		args = append(args, "reasons", e.Reasons)
	}
	for k, v := range e.Fields {
		args = append(args, k, v)
	}
	s.log.Info("Audit", args...)
	return nil
}

// MemorySink keeps entries in memory, newest last.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Multi fans an entry out to several sinks and returns the first error.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Personal.AI order the ending
