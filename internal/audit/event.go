// Package audit carries the structured event stream external systems consume:
// phase transitions, breaker state changes, replan decisions and saga
// compensation outcomes.
package audit

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// EntityType names the kind of entity an event is about.
type EntityType string

const (
	EntityTask       EntityType = "task"
	EntityGroup      EntityType = "group"
	EntityPlan       EntityType = "plan"
	EntityBreaker    EntityType = "breaker"
	EntitySaga       EntityType = "saga"
	EntitySagaStep   EntityType = "saga_step"
	EntityBlackboard EntityType = "blackboard"
	EntityEscalation EntityType = "escalation"
	EntityEngine     EntityType = "engine"
)

// Event is one state transition.
type Event struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	EntityID   string     `json:"entity_id"`
	EntityType EntityType `json:"entity_type"`
	OldState   string     `json:"old_state,omitempty"`
	NewState   string     `json:"new_state"`
	Reason     string     `json:"reason,omitempty"`
	// Degraded tags fallback, partial-compensation and low-confidence outcomes.
	Degraded bool `json:"degraded,omitempty"`
	// ManualIntervention tags outcomes an operator has to follow up on.
	ManualIntervention bool `json:"manual_intervention,omitempty"`
}

// NewEvent builds an event stamped with the current time and a ULID.
func NewEvent(entityType EntityType, entityID, oldState, newState, reason string) Event {
	now := time.Now().UTC()
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Timestamp:  now,
		EntityID:   entityID,
		EntityType: entityType,
		OldState:   oldState,
		NewState:   newState,
		Reason:     reason,
	}
}

// Sink receives events synchronously. Implementations must be quick and
// safe for concurrent use.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Record calls f(e).
func (f SinkFunc) Record(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
