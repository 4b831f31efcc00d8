package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/artifact"
	"loom/internal/logging"
)

// Type enumerates the transitions the core reports to progress consumers.
type Type string

const (
	PassStart           Type = "pass_start"
	PassComplete        Type = "pass_complete"
	NodeGenerated       Type = "node_generated"
	NodeInvalidated     Type = "node_invalidated"
	NodeFailed          Type = "node_failed"
	CheckpointCommitted Type = "checkpoint_committed"
)

// Event is a single progress notification.
type Event struct {
	ID        string
	Type      Type
	NodeID    artifact.ID
	Level     int
	RunID     string
	Detail    string
	Timestamp time.Time
}

// Sink receives ordered events. Implementations must be safe for concurrent
// publication.
type Sink interface {
	Publish(Event)
}

// New stamps an event with an identifier and timestamp.
func New(eventType Type, nodeID artifact.ID, level int, runID, detail string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		NodeID:    nodeID,
		Level:     level,
		RunID:     runID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// LogSink forwards events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink wraps logger in a sink. A nil logger yields a no-op logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(event Event) {
	s.logger.Info("pipeline event",
		logging.String(logging.FieldEventType, string(event.Type)),
		logging.String(logging.FieldNodeID, string(event.NodeID)),
		logging.Int(logging.FieldLevel, event.Level),
		logging.String(logging.FieldRunID, event.RunID),
		logging.String("detail", event.Detail),
	)
}

// Recorder retains every published event, in order. Used by tests and by the
// CLI to summarize a run.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// CountByType tallies published events per type.
func (r *Recorder) CountByType() map[Type]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Type]int)
	for _, event := range r.events {
		counts[event.Type]++
	}
	return counts
}

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) Publish(event Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(event)
		}
	}
}
