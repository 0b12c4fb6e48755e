package models

import "time"

// MaxLevel is the deepest decomposition level a task may reach.
const MaxLevel = 5

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been scheduled.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates every dependency has completed.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates an executor is working on the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusBlocked indicates the task cannot proceed because a dependency failed.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusBlocked, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transition is expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusBlocked
}

// Task represents a unit of work in a task graph.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id" yaml:"id"`
	// ParentID is the ID of the composite task this task was split from.
	ParentID string `json:"parent_id,omitempty" yaml:"-"`
	// Description is opaque to the engine.
	Description string `json:"description,omitempty" yaml:"description"`
	// Level is the decomposition depth (root = 0).
	Level int `json:"level" yaml:"-"`
	// Complexity is the estimated effort in points.
	Complexity int `json:"complexity" yaml:"complexity"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status" yaml:"-"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
	// Children lists the ordered IDs of subtasks. Empty for atomic tasks.
	Children []string `json:"children,omitempty" yaml:"-"`
	// Result is the opaque output produced by the executor.
	Result []byte `json:"result,omitempty" yaml:"-"`
	// ExecutorRef names the executor capability assigned to an atomic task.
	ExecutorRef string `json:"executor_ref,omitempty" yaml:"executor"`
	// Params are passed through to the executor untouched.
	Params map[string]string `json:"params,omitempty" yaml:"params"`
	// Divisible reports whether a decomposition strategy may split this task.
	Divisible bool `json:"divisible" yaml:"divisible"`
	// Resources names shared resources. Tasks sharing one are never co-scheduled.
	Resources []string `json:"resources,omitempty" yaml:"resources"`
	// Steps turns the task into a transactional segment run as a saga.
	Steps []SagaStepSpec `json:"steps,omitempty" yaml:"steps"`
	// Degraded is set when the result came from a fallback path.
	Degraded bool `json:"degraded,omitempty" yaml:"-"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	// CompletedAt is when the task was completed, if applicable.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"-"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty" yaml:"-"`
}

// IsAtomic returns true if the task has no children.
func (t *Task) IsAtomic() bool {
	return len(t.Children) == 0
}

// IsTransactional returns true if the task runs as a saga.
func (t *Task) IsTransactional() bool {
	return len(t.Steps) > 0
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Children = append([]string(nil), t.Children...)
	c.Resources = append([]string(nil), t.Resources...)
	c.Steps = append([]SagaStepSpec(nil), t.Steps...)
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	if t.Params != nil {
		c.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
