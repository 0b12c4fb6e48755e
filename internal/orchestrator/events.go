package orchestrator

import (
	"fmt"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Phase is the engine's current stage of work.
type Phase string

const (
	// PhaseIdle indicates no plan is running.
	PhaseIdle Phase = "idle"
	// PhaseFraming indicates a blackboard is converging on the problem.
	PhaseFraming Phase = "framing"
	// PhaseDecomposing indicates the root task is being split into a graph.
	PhaseDecomposing Phase = "decomposing"
	// PhaseExecuting indicates parallel groups are being dispatched.
	PhaseExecuting Phase = "executing"
	// PhaseReplanning indicates the plan is switching to a new version.
	PhaseReplanning Phase = "replanning"
	// PhaseEscalated indicates dispatch is paused until an operator answers.
	PhaseEscalated Phase = "escalated"
	// PhaseCompleted indicates the last plan completed.
	PhaseCompleted Phase = "completed"
	// PhaseAbandoned indicates the last plan was abandoned.
	PhaseAbandoned Phase = "abandoned"
)

// setPhase records a phase transition and emits it.
func (e *Engine) setPhase(to Phase, reason string, degraded bool) {
	e.mu.Lock()
	from := e.phase
	e.phase = to
	e.mu.Unlock()
	if from == to {
		return
	}
	ev := audit.NewEvent(audit.EntityEngine, e.id, string(from), string(to), reason)
	ev.Degraded = degraded
	e.emitter.Emit(ev)
	e.logger.Debug("engine phase", "engine", e.id, "from", from, "to", to, "reason", reason)
}

func (e *Engine) taskEvent(plan *models.Plan, id string, from, to models.TaskStatus, reason string, degraded bool) {
	ev := audit.NewEvent(audit.EntityTask, fmt.Sprintf("%s@v%d/%s", plan.ID, plan.Version, id), string(from), string(to), reason)
	ev.Degraded = degraded
	e.emitter.Emit(ev)
}

func groupEntity(plan *models.Plan, index int) string {
	return fmt.Sprintf("%s@v%d/g%d", plan.ID, plan.Version, index)
}

func planEntity(plan *models.Plan) string {
	return fmt.Sprintf("%s@v%d", plan.ID, plan.Version)
}
