package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Emitter fans events out to sinks and to a buffered subscriber channel.
// Sinks are called synchronously; the channel never blocks the caller for
// longer than the send timeout.
type Emitter struct {
	mu     sync.RWMutex
	sinks  []Sink
	events chan Event
	closed bool

	sendTimeout  time.Duration
	droppedCount atomic.Uint64
	logger       *slog.Logger
}

// NewEmitter creates an Emitter with the given subscriber buffer size.
func NewEmitter(bufferSize int, sinks ...Sink) *Emitter {
	return &Emitter{
		sinks:       sinks,
		events:      make(chan Event, bufferSize),
		sendTimeout: 100 * time.Millisecond,
		logger:      slog.Default(),
	}
}

// SetLogger replaces the logger used for drop warnings.
func (e *Emitter) SetLogger(l *slog.Logger) {
	if l != nil {
		e.logger = l
	}
}

// AddSink registers another sink.
func (e *Emitter) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Emit records the event on every sink, then offers it to subscribers.
// If the channel is full, it waits up to the send timeout before dropping.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, s := range e.sinks {
		s.Record(ev)
	}
	if e.closed {
		return
	}

	select {
	case e.events <- ev:
		return
	default:
	}

	timer := time.NewTimer(e.sendTimeout)
	defer timer.Stop()
	select {
	case e.events <- ev:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Warn("audit channel full, dropped event",
				"dropped_total", count, "entity_type", ev.EntityType, "entity_id", ev.EntityID)
		}
	}
}

// Record makes Emitter usable as a Sink of another emitter.
func (e *Emitter) Record(ev Event) { e.Emit(ev) }

// DroppedCount returns the number of events subscribers missed.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the subscriber channel.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the subscriber channel. Sinks keep receiving events.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
