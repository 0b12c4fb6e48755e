package audit

import (
	"context"
	"log/slog"
	"sync"
)

// LogSink writes every event to a structured logger. Degraded and
// manual-intervention outcomes are logged at warn level.
type LogSink struct {
	Logger *slog.Logger
}

// Record implements Sink.
func (s LogSink) Record(e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	if e.Degraded || e.ManualIntervention {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "state transition",
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"old_state", e.OldState,
		"new_state", e.NewState,
		"reason", e.Reason,
		"degraded", e.Degraded,
		"manual_intervention", e.ManualIntervention,
	)
}

// Appender persists audit events.
type Appender interface {
	AppendAudit(ctx context.Context, e Event) error
}

// StoreSink persists events through an Appender. Write failures are logged,
// never propagated; the audit stream must not fail the operation it reports on.
type StoreSink struct {
	Store  Appender
	Logger *slog.Logger
}

// Record implements Sink.
func (s StoreSink) Record(e Event) {
	if err := s.Store.AppendAudit(context.Background(), e); err != nil {
		l := s.Logger
		if l == nil {
			l = slog.Default()
		}
		l.Error("persist audit event", "entity_id", e.EntityID, "error", err)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Filter returns the recorded events of one entity type.
func (r *Recorder) Filter(t EntityType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EntityType == t {
			out = append(out, e)
		}
	}
	return out
}
