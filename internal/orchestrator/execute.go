package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/decompose"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/replan"
	"github.com/ShayCichocki/loom/internal/saga"
	"github.com/ShayCichocki/loom/pkg/models"
)

// taskOutcome is what one task invocation produced.
type taskOutcome struct {
	result     []byte
	degraded   bool
	confidence float64
	source     breaker.Source
	missing    []string
	err        error
}

// execute drives plan to a terminal state while the monitor evaluates it.
func (e *Engine) execute(ctx context.Context, plan *models.Plan, g *graph.TaskGraph) (*Report, error) {
	start := e.now()
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g.SetDebugLog(e.graphDebug)
	e.mu.Lock()
	e.plan = plan
	e.graph = g
	e.run.cancel = cancel
	e.mu.Unlock()
	e.setPhase(PhaseExecuting, planEntity(plan), false)

	monCtx, stopMonitor := context.WithCancel(runCtx)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		e.monitor(monCtx)
	}()

	err := e.loop(runCtx)
	stopMonitor()
	<-monDone
	return e.finish(ctx, start, err)
}

// loop runs the groups of the current plan version. A pending replan is
// applied at the next group boundary, after which the groups are computed
// again and the loop starts over.
func (e *Engine) loop(ctx context.Context) error {
	for {
		_, g := e.current()
		limit, _ := e.limits()
		groups, err := g.ParallelGroups(limit)
		if err != nil {
			return err
		}

		regroup := false
		for _, grp := range groups {
			if err := e.pause.WaitIfPaused(ctx); err != nil {
				return stopCause(ctx, err)
			}
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if regroup, err = e.applyPending(ctx); err != nil {
				return err
			}
			if regroup {
				break
			}
			e.runGroup(ctx, grp)
		}
		if regroup {
			continue
		}

		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		// A switch requested while the last group ran still matters if
		// the current plan left work unfinished.
		if e.unfinished() {
			if regroup, err = e.applyPending(ctx); err != nil {
				return err
			}
			if regroup {
				continue
			}
		}
		e.dropPending()
		return nil
	}
}

func stopCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

func (e *Engine) unfinished() bool {
	_, g := e.current()
	for _, id := range g.Atomic() {
		if !g.IsComplete(id) {
			return true
		}
	}
	return false
}

func (e *Engine) dropPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run.pending != nil {
		e.logger.Debug("discarding replan requested after the last group")
		e.run.pending = nil
	}
}

// runGroup dispatches the runnable tasks of grp and waits for all of them.
func (e *Engine) runGroup(ctx context.Context, grp graph.Group) {
	plan, g := e.current()

	var ids []string
	for _, id := range grp.TaskIDs {
		t := g.GetTask(id)
		if t == nil {
			continue
		}
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusReady {
			continue
		}
		if waiting := unresolved(g, id); len(waiting) > 0 {
			e.logger.Warn("task held back, dependencies not complete", "task", id, "waiting_on", waiting)
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}

	entity := groupEntity(plan, grp.Index)
	e.emitter.Emit(audit.NewEvent(audit.EntityGroup, entity, "pending", "running", fmt.Sprintf("%d tasks", len(ids))))
	e.logger.Debug("dispatching group", "plan", plan.ID, "version", plan.Version, "group", grp.Index, "tasks", ids)
	start := e.now()

	limit, _ := e.limits()
	var eg errgroup.Group
	eg.SetLimit(limit)
	for _, id := range ids {
		id := id
		eg.Go(func() error {
			e.runTask(ctx, plan, g, id)
			return nil
		})
	}
	_ = eg.Wait()

	failed := e.settle(plan, g, ids)
	e.metrics.GroupResolved(e.now().Sub(start))

	degraded := len(failed) > 0
	for _, id := range ids {
		if t := g.GetTask(id); t != nil && t.Degraded {
			degraded = true
		}
	}
	ev := audit.NewEvent(audit.EntityGroup, entity, "running", "resolved", fmt.Sprintf("%d tasks, %d failed", len(ids), len(failed)))
	ev.Degraded = degraded
	e.emitter.Emit(ev)
}

// unresolved returns the dependencies of id that have not completed.
func unresolved(g *graph.TaskGraph, id string) []string {
	var out []string
	for _, dep := range g.GetDependencies(id) {
		if !g.IsComplete(dep) {
			out = append(out, dep)
		}
	}
	return out
}

// settle blocks the dependents of failed tasks, rolls composite statuses up
// and aggregates composites whose children all completed. It returns the
// failed tasks of ids.
func (e *Engine) settle(plan *models.Plan, g *graph.TaskGraph, ids []string) []string {
	var failed []string
	for _, id := range ids {
		t := g.GetTask(id)
		if t == nil || t.Status != models.TaskStatusFailed {
			continue
		}
		failed = append(failed, id)
		for _, dep := range g.Transitive(id) {
			d := g.GetTask(dep)
			if d == nil || d.Status.Terminal() {
				continue
			}
			from := d.Status
			reason := "dependency " + id + " failed"
			g.SetStatus(dep, models.TaskStatusBlocked, reason)
			e.metrics.TaskFinished(models.TaskStatusBlocked)
			e.taskEvent(plan, dep, from, models.TaskStatusBlocked, reason, true)
		}
	}
	g.RollUp()
	e.aggregate(plan, g)
	return failed
}

// runTask invokes one atomic task and records its outcome in g.
func (e *Engine) runTask(ctx context.Context, plan *models.Plan, g *graph.TaskGraph, id string) {
	t := g.GetTask(id)
	if t == nil {
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !e.track(id, cancel) {
		return
	}
	defer e.untrack(id)

	g.SetStatus(id, models.TaskStatusRunning, "")
	e.taskEvent(plan, id, t.Status, models.TaskStatusRunning, "", false)
	e.metrics.InFlight(1)
	defer e.metrics.InFlight(-1)

	var out taskOutcome
	if t.IsTransactional() {
		out = e.runSaga(taskCtx, t)
	} else {
		out = e.runAtomic(taskCtx, g, t)
	}

	if out.err != nil && e.isObsolete(id) {
		g.SetStatus(id, models.TaskStatusPending, "")
		e.taskEvent(plan, id, models.TaskStatusRunning, models.TaskStatusPending, "obsolete under the next plan version", false)
		return
	}

	if out.err != nil {
		g.SetStatus(id, models.TaskStatusFailed, out.err.Error())
		e.metrics.TaskFinished(models.TaskStatusFailed)
		severity := models.SeverityHigh
		if executor.IsPermanent(out.err) && !errors.Is(out.err, context.Canceled) {
			severity = models.SeverityCritical
		}
		e.raise(id, severity, out.err.Error())
		e.taskEvent(plan, id, models.TaskStatusRunning, models.TaskStatusFailed, out.err.Error(), true)
		e.logger.Warn("task failed", "task", id, "error", out.err)
		return
	}

	g.MarkComplete(id, out.result, out.degraded, e.now())
	e.setConfidence(id, out.confidence)
	e.metrics.TaskFinished(models.TaskStatusCompleted)
	reason := ""
	if out.degraded {
		reason = string(out.source)
		severity := models.SeverityLow
		if out.source == breaker.SourceDegraded {
			severity = models.SeverityHigh
			reason = fmt.Sprintf("degraded, missing %v", out.missing)
		}
		e.raise(id, severity, reason)
	}
	e.taskEvent(plan, id, models.TaskStatusRunning, models.TaskStatusCompleted, reason, out.degraded)
}

// runAtomic calls the task's executor through its breaker.
func (e *Engine) runAtomic(ctx context.Context, g *graph.TaskGraph, t *models.Task) taskOutcome {
	exec, err := e.execs.Lookup(t.ExecutorRef)
	if err != nil {
		return taskOutcome{err: err}
	}
	req := executor.Request{
		TaskID:  t.ID,
		Params:  t.Params,
		Payload: payload(g, t.ID),
	}
	if _, timeout := e.limits(); timeout > 0 {
		req.Deadline = e.now().Add(timeout)
	}

	out, err := e.breakers.Invoke(ctx, t.ExecutorRef, exec, req)
	if err != nil {
		return taskOutcome{err: err}
	}
	o := taskOutcome{
		result:     out.Result.Output,
		degraded:   out.Degraded,
		confidence: out.Result.EffectiveConfidence(),
		source:     out.Source,
		missing:    out.Missing,
	}
	switch out.Source {
	case breaker.SourceDegraded:
		o.confidence = 0
	case breaker.SourceCache, breaker.SourceFallback:
		o.confidence /= 2
	}
	return o
}

// runSaga executes a transactional task as a saga. A rolled-back saga fails
// the task.
func (e *Engine) runSaga(ctx context.Context, t *models.Task) taskOutcome {
	sg, err := saga.New(uuid.New().String()[:8], t.ID, t.Steps, e.now())
	if err != nil {
		return taskOutcome{err: executor.Validationf("saga", "task %s: %v", t.ID, err)}
	}
	e.mu.Lock()
	e.run.sagas = append(e.run.sagas, sg.ID)
	e.mu.Unlock()

	done, err := e.sagas.Run(ctx, sg)
	if done != nil && done.NeedsManualIntervention() {
		e.mu.Lock()
		e.run.manual = append(e.run.manual, done.ID)
		e.mu.Unlock()
	}
	if err != nil {
		return taskOutcome{err: err}
	}
	var result []byte
	if n := len(done.Steps); n > 0 {
		result = done.Steps[n-1].Result
	}
	return taskOutcome{result: result, confidence: 1, source: breaker.SourceLive}
}

// payload joins the results of the task's direct dependencies in
// dependency order.
func payload(g *graph.TaskGraph, id string) []byte {
	deps := g.GetDependencies(id)
	if len(deps) == 0 {
		return nil
	}
	var parts [][]byte
	for _, d := range deps {
		if t := g.GetTask(d); t != nil && len(t.Result) > 0 {
			parts = append(parts, t.Result)
		}
	}
	return bytes.Join(parts, []byte("\n"))
}

// aggregate combines the results of completed composites, children first.
func (e *Engine) aggregate(plan *models.Plan, g *graph.TaskGraph) {
	tasks := g.Tasks()
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		if t.IsAtomic() || t.Status != models.TaskStatusCompleted || e.isAggregated(t.ID) {
			continue
		}

		children := make([]decompose.ChildResult, 0, len(t.Children))
		for _, cid := range t.Children {
			c := g.GetTask(cid)
			if c == nil {
				continue
			}
			children = append(children, decompose.ChildResult{
				TaskID:     cid,
				Result:     c.Result,
				Effort:     g.Effort(cid),
				Degraded:   c.Degraded,
				Confidence: e.confidenceOf(cid),
			})
		}

		policy := decompose.Policy(t.Params[decompose.ParamAggregate])
		agg, err := decompose.Aggregate(policy, children, e.aggregateOpts)
		if err != nil {
			e.logger.Warn("aggregation failed, concatenating", "task", t.ID, "error", err)
			agg, _ = decompose.Aggregate(decompose.PolicySequential, children, e.aggregateOpts)
			agg.Conflicts = append(agg.Conflicts, err.Error())
		}

		degraded := agg.Degraded || len(agg.Conflicts) > 0
		at := e.now()
		if t.CompletedAt != nil {
			at = *t.CompletedAt
		}
		g.MarkComplete(t.ID, agg.Result, degraded, at)

		e.mu.Lock()
		e.run.aggregated[t.ID] = true
		e.run.confidence[t.ID] = agg.Confidence
		if len(agg.Conflicts) > 0 {
			e.run.conflicts[t.ID] = agg.Conflicts
		}
		e.mu.Unlock()

		if len(agg.Conflicts) > 0 {
			e.taskEvent(plan, t.ID, models.TaskStatusCompleted, models.TaskStatusCompleted,
				fmt.Sprintf("aggregated with %d conflicts", len(agg.Conflicts)), true)
		}
	}
}

// finish decides the plan's terminal status and builds the report.
func (e *Engine) finish(ctx context.Context, start time.Time, loopErr error) (*Report, error) {
	persistCtx := context.WithoutCancel(ctx)
	plan, g := e.current()
	g.RollUp()
	e.aggregate(plan, g)

	e.mu.RLock()
	abandoned := e.run.abandoned
	e.mu.RUnlock()

	var err error
	switch {
	case abandoned != "":
		err = fmt.Errorf("%w: %s", ErrAbandoned, abandoned)
	case loopErr != nil:
		err = loopErr
		e.abandon(persistCtx, loopErr.Error())
	case e.unfinished():
		err = fmt.Errorf("%w: %s", ErrIncomplete, e.unresolved(g))
		e.abandon(persistCtx, err.Error())
	default:
		plan = replan.WithStatus(plan, models.PlanStatusCompleted)
		if e.store != nil {
			if serr := e.store.SavePlan(persistCtx, plan); serr != nil {
				e.logger.Error("save completed plan", "plan", plan.ID, "error", serr)
			}
		}
		e.mu.Lock()
		e.plan = plan
		e.mu.Unlock()
	}
	plan, _ = e.current()
	if e.store != nil {
		if serr := e.store.SaveGraph(persistCtx, plan.ID, plan.Version, g.Tasks()); serr != nil {
			e.logger.Error("save final graph", "plan", plan.ID, "error", serr)
		}
	}

	report := e.report(plan, g, start)
	if report.Status == models.PlanStatusCompleted {
		reason := "all tasks completed"
		if !report.FullSuccess() {
			reason = fmt.Sprintf("completed with %d degraded tasks, %d conflicts, %d sagas needing manual intervention",
				len(report.Degraded), len(report.Conflicts), len(report.ManualIntervention))
		}
		ev := audit.NewEvent(audit.EntityPlan, planEntity(plan), string(models.PlanStatusExecuting), string(models.PlanStatusCompleted), reason)
		ev.Degraded = !report.FullSuccess()
		ev.ManualIntervention = len(report.ManualIntervention) > 0
		e.emitter.Emit(ev)
		e.setPhase(PhaseCompleted, reason, ev.Degraded)
		e.logger.Info("plan completed",
			"plan", plan.ID,
			"version", plan.Version,
			"degraded", len(report.Degraded),
			"duration", report.Duration,
		)
	} else {
		e.setPhase(PhaseAbandoned, err.Error(), true)
	}
	return report, err
}

// abandon marks the current plan abandoned and returns it.
func (e *Engine) abandon(ctx context.Context, reason string) *models.Plan {
	plan, _ := e.current()
	p, err := e.replanner.Abandon(ctx, plan, reason)
	if err != nil {
		e.logger.Error("abandon plan", "plan", plan.ID, "error", err)
		p = replan.WithStatus(plan, models.PlanStatusAbandoned)
	}
	e.mu.Lock()
	e.plan = p
	e.mu.Unlock()
	return p
}

func (e *Engine) unresolved(g *graph.TaskGraph) string {
	counts := map[models.TaskStatus]int{}
	for _, id := range g.Atomic() {
		if t := g.GetTask(id); t != nil && t.Status != models.TaskStatusCompleted {
			counts[t.Status]++
		}
	}
	return fmt.Sprintf("%d failed, %d blocked, %d pending",
		counts[models.TaskStatusFailed], counts[models.TaskStatusBlocked],
		counts[models.TaskStatusPending]+counts[models.TaskStatusReady]+counts[models.TaskStatusRunning])
}

func (e *Engine) report(plan *models.Plan, g *graph.TaskGraph, start time.Time) *Report {
	r := &Report{
		EngineID:  e.id,
		PlanID:    plan.ID,
		Version:   plan.Version,
		Status:    plan.Status,
		Conflicts: map[string][]string{},
		Duration:  e.now().Sub(start),
	}
	if root := g.GetTask(g.Root()); root != nil {
		r.Result = root.Result
	}
	r.CriticalPath, r.CriticalEffort = g.CriticalPath()
	for _, id := range g.Atomic() {
		t := g.GetTask(id)
		switch t.Status {
		case models.TaskStatusCompleted:
			r.Completed = append(r.Completed, id)
			if t.Degraded {
				r.Degraded = append(r.Degraded, id)
			}
		case models.TaskStatusFailed:
			r.Failed = append(r.Failed, id)
		case models.TaskStatusBlocked:
			r.Blocked = append(r.Blocked, id)
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, c := range e.run.conflicts {
		r.Conflicts[id] = append([]string(nil), c...)
	}
	r.Sagas = append(r.Sagas, e.run.sagas...)
	r.ManualIntervention = append(r.ManualIntervention, e.run.manual...)
	r.Replans = e.run.replans
	r.Metrics = e.live
	return r
}

func (e *Engine) track(id string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run.obsolete[id] {
		return false
	}
	e.run.inflight[id] = cancel
	return true
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.run.inflight, id)
}

func (e *Engine) isObsolete(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.obsolete[id]
}

func (e *Engine) isAggregated(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.run.aggregated[id]
}

func (e *Engine) setConfidence(id string, c float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.run.confidence[id] = c
}

func (e *Engine) confidenceOf(id string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.run.confidence[id]; ok {
		return c
	}
	return 1
}

// raise records a blocker against a task for the replanner's risk score.
func (e *Engine) raise(taskID string, severity models.Severity, reason string) {
	b := models.Blocker{
		ID:       uuid.New().String()[:8],
		TaskID:   taskID,
		Severity: severity,
		Reason:   reason,
		RaisedAt: e.now(),
	}
	e.mu.Lock()
	e.run.blockers = append(e.run.blockers, b)
	e.mu.Unlock()
}
