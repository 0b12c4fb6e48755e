package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/loom/internal/replan"
	"github.com/ShayCichocki/loom/pkg/models"
)

const defaultCadence = 10 * time.Second

// monitor evaluates the executing plan on the replanner's cadence until
// ctx ends.
func (e *Engine) monitor(ctx context.Context) {
	cadence := e.replanner.Policy().Cadence
	if cadence <= 0 {
		cadence = defaultCadence
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluate(ctx)
		}
	}
}

// evaluate runs one evaluation cycle and acts on the verdict.
func (e *Engine) evaluate(ctx context.Context) {
	e.mu.RLock()
	plan, g := e.plan, e.graph
	pending := e.run.pending != nil
	blockers := append([]models.Blocker(nil), e.run.blockers...)
	e.mu.RUnlock()
	if plan == nil || pending {
		return
	}

	a, err := e.replanner.Evaluate(ctx, plan, g, blockers)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("plan evaluation failed", "plan", plan.ID, "error", err)
		}
		return
	}
	e.mu.Lock()
	e.live = a.Metrics
	handled := e.run.acknowledged[handledKey(plan.Version, a.Triggers)]
	e.mu.Unlock()
	if handled {
		return
	}

	switch a.Verdict.Action {
	case replan.ActionReplan:
		e.requestSwitch(a, a.Verdict.Chosen.Alternative, "", "")
	case replan.ActionEscalate:
		e.escalate(ctx, plan, a)
	}
}

// requestSwitch schedules a switch to alt for the next group boundary and
// cancels in-flight tasks the new graph no longer contains.
func (e *Engine) requestSwitch(a replan.Assessment, alt replan.Alternative, name, reason string) {
	if alt.Graph == nil {
		e.logger.Warn("alternative has no task graph, continuing current plan", "alternative", alt.Name)
		return
	}
	_, g := e.current()
	cancel := replan.Obsolete(g, alt.Graph)

	e.mu.Lock()
	e.run.pending = &pendingSwitch{assessment: a, name: name, reason: reason}
	var canceled []string
	for _, id := range cancel {
		e.run.obsolete[id] = true
		if c, ok := e.run.inflight[id]; ok {
			c()
			canceled = append(canceled, id)
		}
	}
	e.mu.Unlock()

	e.logger.Info("replan scheduled",
		"alternative", alt.Name,
		"obsolete", len(cancel),
		"canceled", canceled,
	)
}

// applyPending switches to the scheduled plan version, if any. It reports
// whether the loop must recompute its groups: after a switch, and after a
// failed switch whose canceled tasks are runnable again.
func (e *Engine) applyPending(ctx context.Context) (bool, error) {
	e.mu.Lock()
	p := e.run.pending
	e.run.pending = nil
	plan, g := e.plan, e.graph
	e.mu.Unlock()
	if p == nil {
		return false, nil
	}

	e.setPhase(PhaseReplanning, planEntity(plan), false)
	var (
		sw  *replan.Switch
		err error
	)
	if p.name == "" {
		sw, err = e.replanner.Apply(ctx, plan, g, p.assessment)
	} else {
		sw, err = e.replanner.ApplyNamed(ctx, plan, g, p.assessment, p.name, p.reason)
	}
	if err != nil {
		// Stay on the current version; canceled tasks become runnable again
		// and the same triggers do not request this version's switch twice.
		e.logger.Error("replan failed, continuing current plan", "plan", plan.ID, "error", err)
		e.mu.Lock()
		e.run.obsolete = make(map[string]bool)
		e.run.acknowledged[handledKey(plan.Version, p.assessment.Triggers)] = true
		e.mu.Unlock()
		e.setPhase(PhaseExecuting, err.Error(), true)
		return true, nil
	}

	sw.Graph.SetDebugLog(e.graphDebug)
	e.mu.Lock()
	e.plan = sw.Plan
	e.graph = sw.Graph
	e.run.obsolete = make(map[string]bool)
	e.run.aggregated = make(map[string]bool)
	e.run.replans++
	// Blockers against tasks the new strategy dropped no longer apply.
	kept := e.run.blockers[:0]
	for _, b := range e.run.blockers {
		if sw.Graph.GetTask(b.TaskID) != nil {
			kept = append(kept, b)
		}
	}
	e.run.blockers = kept
	e.mu.Unlock()

	e.setPhase(PhaseExecuting, planEntity(sw.Plan), false)
	return true, nil
}

// escalate pauses dispatch and waits for the escalator's answer.
func (e *Engine) escalate(ctx context.Context, plan *models.Plan, a replan.Assessment) {
	key := handledKey(plan.Version, a.Triggers)
	e.pause.Pause()
	defer e.pause.Resume()
	e.setPhase(PhaseEscalated, a.Verdict.Rationale, true)

	resp, err := e.escalator.Escalate(ctx, replan.EscalationRequest{
		PlanID:   plan.ID,
		Version:  plan.Version,
		Triggers: a.Triggers,
		Verdict:  a.Verdict,
		RaisedAt: e.now(),
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn("escalation failed", "plan", plan.ID, "error", err)
		}
		return
	}

	switch resp.Resolution {
	case replan.ResolveContinue:
		e.mu.Lock()
		e.run.acknowledged[key] = true
		e.mu.Unlock()
	case replan.ResolveReplan:
		for _, s := range a.Verdict.Scored {
			if s.Name == resp.Alternative {
				e.requestSwitch(a, s.Alternative, s.Name, resp.Reason)
				break
			}
		}
	case replan.ResolveAbandon:
		e.abandonRun(ctx, resp.Reason)
		return
	}
	e.setPhase(PhaseExecuting, string(resp.Resolution), false)
}

// abandonRun gives the plan up and cancels everything in flight.
func (e *Engine) abandonRun(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.run.abandoned != "" {
		e.mu.Unlock()
		return
	}
	e.run.abandoned = reason
	cancel := e.run.cancel
	e.mu.Unlock()

	e.abandon(context.WithoutCancel(ctx), reason)
	if cancel != nil {
		cancel(fmt.Errorf("%w: %s", ErrAbandoned, reason))
	}
}

// handledKey identifies a set of triggers on one plan version. Once an
// operator answered continue, or a switch for them failed, the monitor stops
// acting on them until the version or the triggers change.
func handledKey(version int, triggers []replan.Trigger) string {
	return fmt.Sprintf("v%d:%s", version, triggerKey(triggers))
}

func triggerKey(triggers []replan.Trigger) string {
	kinds := make([]string, 0, len(triggers))
	for _, t := range triggers {
		kinds = append(kinds, string(t.Kind))
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ",")
}
