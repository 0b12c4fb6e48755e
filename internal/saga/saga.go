// Package saga runs transactional task segments: side-effecting steps that
// execute strictly in order and are unwound in reverse on failure.
package saga

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	// ErrInvalidSaga is returned for a saga definition that cannot run.
	ErrInvalidSaga = errors.New("invalid saga")
	// ErrRolledBack is returned by Run when a step failed and the saga was
	// compensated.
	ErrRolledBack = errors.New("saga rolled back")
	// ErrPersist is returned when a transition could not be made durable.
	ErrPersist = errors.New("saga state not persisted")
)

// New validates steps and returns a fresh saga. Every step needs a name,
// a forward action and a compensating action; names must be unique.
func New(id, taskID string, steps []models.SagaStepSpec, now time.Time) (*models.Saga, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidSaga)
	}
	if id == "" {
		id = uuid.New().String()[:8]
	}

	seen := make(map[string]bool, len(steps))
	sg := &models.Saga{
		ID:        id,
		TaskID:    taskID,
		Status:    models.SagaExecuting,
		Steps:     make([]models.SagaStep, 0, len(steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, step := range steps {
		switch {
		case step.Name == "":
			return nil, fmt.Errorf("%w: step %d has no name", ErrInvalidSaga, i+1)
		case seen[step.Name]:
			return nil, fmt.Errorf("%w: duplicate step %q", ErrInvalidSaga, step.Name)
		case step.ForwardAction == "":
			return nil, fmt.Errorf("%w: step %q has no forward action", ErrInvalidSaga, step.Name)
		case step.CompensatingAction == "":
			return nil, fmt.Errorf("%w: step %q has no compensating action", ErrInvalidSaga, step.Name)
		}
		seen[step.Name] = true
		sg.Steps = append(sg.Steps, models.SagaStep{SagaStepSpec: step, Status: models.StepPending})
	}
	return sg, nil
}

// compensationOrder returns the indexes of completed steps, most recently
// completed first.
func compensationOrder(sg *models.Saga) []int {
	var idx []int
	for i := range sg.Steps {
		if sg.Steps[i].Status == models.StepCompleted && !sg.Steps[i].ManualIntervention {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return sg.Steps[idx[a]].CompletedSeq > sg.Steps[idx[b]].CompletedSeq
	})
	return idx
}

func nextSeq(sg *models.Saga) int {
	max := 0
	for i := range sg.Steps {
		if sg.Steps[i].CompletedSeq > max {
			max = sg.Steps[i].CompletedSeq
		}
	}
	return max + 1
}

// Summary is a short human-readable account of a saga's outcome.
func Summary(sg *models.Saga) string {
	counts := map[models.StepStatus]int{}
	manual := 0
	for i := range sg.Steps {
		counts[sg.Steps[i].Status]++
		if sg.Steps[i].ManualIntervention {
			manual++
		}
	}
	s := fmt.Sprintf("%s %s: %d completed, %d failed, %d compensated",
		sg.Status, sg.FinalState, counts[models.StepCompleted], counts[models.StepFailed], counts[models.StepCompensated])
	if manual > 0 {
		s += fmt.Sprintf(", %d need manual intervention", manual)
	}
	return s
}
