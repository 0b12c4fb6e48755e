package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status TaskStatus
		want   bool
	}{
		{"pending is valid", TaskStatusPending, true},
		{"ready is valid", TaskStatusReady, true},
		{"running is valid", TaskStatusRunning, true},
		{"completed is valid", TaskStatusCompleted, true},
		{"blocked is valid", TaskStatusBlocked, true},
		{"failed is valid", TaskStatusFailed, true},
		{"empty string is invalid", TaskStatus(""), false},
		{"unknown status is invalid", TaskStatus("done"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Valid())
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusBlocked.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
	assert.False(t, TaskStatusPending.Terminal())
}

func TestTask_Clone(t *testing.T) {
	done := time.Now()
	orig := &Task{
		ID:          "t1",
		DependsOn:   []string{"a"},
		Params:      map[string]string{"k": "v"},
		Result:      []byte("out"),
		CompletedAt: &done,
	}

	c := orig.Clone()
	c.DependsOn[0] = "b"
	c.Params["k"] = "changed"
	c.Result[0] = 'X'

	assert.Equal(t, "a", orig.DependsOn[0])
	assert.Equal(t, "v", orig.Params["k"])
	assert.Equal(t, "out", string(orig.Result))
	require.NotNil(t, c.CompletedAt)
	assert.NotSame(t, orig.CompletedAt, c.CompletedAt)
}

func TestTask_Kinds(t *testing.T) {
	atomic := &Task{ID: "a"}
	assert.True(t, atomic.IsAtomic())
	assert.False(t, atomic.IsTransactional())

	composite := &Task{ID: "c", Children: []string{"a"}}
	assert.False(t, composite.IsAtomic())

	tx := &Task{ID: "t", Steps: []SagaStepSpec{{Name: "s"}}}
	assert.True(t, tx.IsTransactional())
}

func TestPlan_NextLeavesPreviousVersionUntouched(t *testing.T) {
	now := time.Now()
	v1 := &Plan{
		ID:             "p",
		Version:        1,
		Status:         PlanStatusReplanning,
		ReplanHistory:  []ReplanRecord{{FromVersion: 0, Trigger: "initial"}},
		CarriedResults: map[string]ResultRef{"x": {Version: 1, TaskID: "x"}},
	}

	v2 := v1.Next("by-phase", ReplanRecord{Trigger: "velocity", Decision: "replan"},
		map[string]ResultRef{"y": {Version: 1, TaskID: "y"}}, now)

	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, PlanStatusExecuting, v2.Status)
	require.Len(t, v2.ReplanHistory, 2)
	assert.Equal(t, 1, v2.ReplanHistory[1].FromVersion)
	assert.Equal(t, 2, v2.ReplanHistory[1].ToVersion)
	assert.Len(t, v2.CarriedResults, 2)

	assert.Len(t, v1.ReplanHistory, 1)
	assert.Len(t, v1.CarriedResults, 1)
	assert.Equal(t, PlanStatusReplanning, v1.Status)
}

func TestSeverity_Weight(t *testing.T) {
	assert.Equal(t, 1.0, SeverityCritical.Weight())
	assert.Less(t, SeverityLow.Weight(), SeverityMedium.Weight())
	assert.Less(t, SeverityMedium.Weight(), SeverityHigh.Weight())
	assert.Equal(t, 0.0, Severity("bogus").Weight())
}

func TestSaga_NeedsManualIntervention(t *testing.T) {
	s := &Saga{Steps: []SagaStep{{Status: StepCompensated}, {Status: StepCompleted}}}
	assert.False(t, s.NeedsManualIntervention())

	s.Steps[1].ManualIntervention = true
	assert.True(t, s.NeedsManualIntervention())

	c := s.Clone()
	c.Steps[1].ManualIntervention = false
	assert.True(t, s.NeedsManualIntervention())
}
