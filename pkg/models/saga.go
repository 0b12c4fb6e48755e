package models

import "time"

// SagaStatus represents the lifecycle state of a saga.
type SagaStatus string

const (
	SagaExecuting    SagaStatus = "executing"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaFailed       SagaStatus = "failed"
)

// Terminal returns true once the saga can no longer change.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaFailed
}

// StepStatus represents the state of a single saga step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// FinalState records how a terminal saga left the world.
type FinalState string

const (
	FinalNone       FinalState = ""
	FinalCommitted  FinalState = "committed"
	FinalRolledBack FinalState = "rolled_back"
)

// SagaStepSpec declares a forward action and its compensation.
type SagaStepSpec struct {
	Name               string            `json:"name" yaml:"name"`
	ForwardAction      string            `json:"forward_action" yaml:"forward"`
	ForwardParams      map[string]string `json:"forward_params,omitempty" yaml:"forward_params"`
	CompensatingAction string            `json:"compensating_action" yaml:"compensate"`
	CompensatingParams map[string]string `json:"compensating_params,omitempty" yaml:"compensate_params"`
}

// SagaStep is a step plus its execution record.
type SagaStep struct {
	SagaStepSpec
	Status        StepStatus `json:"status"`
	Result        []byte     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	CompensatedAt *time.Time `json:"compensated_at,omitempty"`
	// CompletedSeq orders successful forward completions; compensation runs
	// in descending order of this value.
	CompletedSeq int `json:"completed_seq,omitempty"`
	// CompensationError is set when the compensating action failed.
	CompensationError string `json:"compensation_error,omitempty"`
	// ManualIntervention flags a step whose compensation needs an operator.
	ManualIntervention bool `json:"manual_intervention,omitempty"`
}

// Saga is a sequence of side-effecting steps with per-step compensations.
type Saga struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id,omitempty"`
	Status     SagaStatus `json:"status"`
	FinalState FinalState `json:"final_state,omitempty"`
	Steps      []SagaStep `json:"steps"`
	// Revision increases on every persisted transition.
	Revision  int       `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsManualIntervention returns true if any compensation failed.
func (s *Saga) NeedsManualIntervention() bool {
	for i := range s.Steps {
		if s.Steps[i].ManualIntervention {
			return true
		}
	}
	return false
}

// Clone returns a deep copy for persistence snapshots.
func (s *Saga) Clone() *Saga {
	c := *s
	c.Steps = make([]SagaStep, len(s.Steps))
	copy(c.Steps, s.Steps)
	return &c
}
