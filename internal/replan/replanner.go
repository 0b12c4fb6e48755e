package replan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/metrics"
	"github.com/ShayCichocki/loom/pkg/models"
)

// ErrNotReplan is returned by Apply for a verdict without a chosen alternative.
var ErrNotReplan = errors.New("verdict did not choose an alternative")

// Persister stores plan versions and their task arenas.
type Persister interface {
	SavePlan(ctx context.Context, p *models.Plan) error
	SaveGraph(ctx context.Context, planID string, version int, tasks []*models.Task) error
}

// Assessment is the result of one evaluation cycle.
type Assessment struct {
	Metrics  models.PlanMetrics
	Triggers []Trigger
	Verdict  Verdict
}

// Switch is an applied replan.
type Switch struct {
	Plan  *models.Plan
	Graph *graph.TaskGraph
	// Cancel lists in-flight or pending tasks of the old graph that the new
	// strategy no longer needs.
	Cancel []string
	// Carried maps task IDs to the results migrated into the new graph.
	Carried map[string]models.ResultRef
}

// Replanner evaluates executing plans and switches them to better
// alternatives.
type Replanner struct {
	policy    Policy
	generator Generator
	now       func() time.Time
	logger    *slog.Logger
	emitter   *audit.Emitter
	metrics   *metrics.Collector
	persist   Persister
}

// Option configures a Replanner.
type Option func(*Replanner)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(r *Replanner) { r.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Replanner) { r.logger = logging.OrNop(l) } }

// WithEmitter sets the audit emitter.
func WithEmitter(e *audit.Emitter) Option { return func(r *Replanner) { r.emitter = e } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(r *Replanner) { r.metrics = m } }

// WithPersister saves every plan version and its graph.
func WithPersister(p Persister) Option { return func(r *Replanner) { r.persist = p } }

// New creates a replanner. A nil generator never offers alternatives, so
// every triggered evaluation escalates.
func New(policy Policy, gen Generator, opts ...Option) *Replanner {
	if gen == nil {
		gen = GeneratorFunc(func(context.Context, Situation) ([]Alternative, error) { return nil, nil })
	}
	r := &Replanner{
		policy:    policy,
		generator: gen,
		now:       time.Now,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the replanner's policy.
func (r *Replanner) Policy() Policy { return r.policy }

// Progress reads the execution state of g for plan.
func (r *Replanner) Progress(plan *models.Plan, g *graph.TaskGraph, blockers []models.Blocker) Progress {
	return Progress{
		TotalEffort:     g.TotalEffort(),
		CompletedEffort: g.CompletedEffort(),
		StartedAt:       plan.CreatedAt,
		Deadline:        plan.Deadline,
		Blockers:        blockers,
		Now:             r.now(),
	}
}

// Evaluate runs one evaluation cycle. Without triggers the verdict is to
// continue and the generator is not consulted.
func (r *Replanner) Evaluate(ctx context.Context, plan *models.Plan, g *graph.TaskGraph, blockers []models.Blocker) (Assessment, error) {
	pr := r.Progress(plan, g, blockers)
	a := Assessment{Metrics: r.policy.Evaluate(pr)}
	a.Triggers = r.policy.Triggers(a.Metrics, pr)

	if len(a.Triggers) == 0 {
		a.Verdict = Verdict{Action: ActionContinue, CurrentValue: CurrentValue(a.Metrics), Rationale: "no trigger fired"}
		return a, nil
	}

	alts, err := r.generator.Alternatives(ctx, Situation{
		Plan:     plan,
		Graph:    g,
		Metrics:  a.Metrics,
		Triggers: a.Triggers,
		Blockers: blockers,
	})
	if err != nil {
		return a, fmt.Errorf("generate alternatives: %w", err)
	}
	a.Verdict = r.policy.Decide(g, a.Metrics, alts)

	r.metrics.ReplanDecision(string(a.Verdict.Action))
	r.logger.Info("replan evaluated",
		"plan", plan.ID,
		"version", plan.Version,
		"triggers", describe(a.Triggers),
		"velocity", a.Metrics.Velocity,
		"risk", a.Metrics.RiskScore,
		"health", a.Metrics.Health,
		"decision", a.Verdict.Action,
		"alternatives", len(a.Verdict.Scored),
	)
	ev := audit.NewEvent(audit.EntityPlan, planEntity(plan), string(plan.Status), string(a.Verdict.Action), a.Verdict.Rationale)
	ev.Degraded = a.Metrics.Health == models.HealthCritical
	r.emitter.Emit(ev)
	return a, nil
}

// Apply switches plan to the chosen alternative of a. The returned plan is
// version v+1; plan itself is left untouched. Completed atomic tasks of the
// current graph that also exist in the new graph and are not undone keep
// their results, referenced back to the version that produced them.
func (r *Replanner) Apply(ctx context.Context, plan *models.Plan, current *graph.TaskGraph, a Assessment) (*Switch, error) {
	chosen := a.Verdict.Chosen
	if chosen == nil || chosen.Graph == nil {
		return nil, ErrNotReplan
	}
	return r.switchTo(ctx, plan, current, chosen.Alternative, describe(a.Triggers), string(ActionReplan), a.Verdict.Rationale)
}

// ApplyNamed switches to the alternative called name, as chosen by an
// operator answering an escalation.
func (r *Replanner) ApplyNamed(ctx context.Context, plan *models.Plan, current *graph.TaskGraph, a Assessment, name, reason string) (*Switch, error) {
	for _, s := range a.Verdict.Scored {
		if s.Name == name && s.Graph != nil {
			return r.switchTo(ctx, plan, current, s.Alternative, describe(a.Triggers), string(ActionEscalate), reason)
		}
	}
	return nil, fmt.Errorf("unknown alternative %q", name)
}

func (r *Replanner) switchTo(ctx context.Context, plan *models.Plan, current *graph.TaskGraph, alt Alternative, trigger, decision, rationale string) (*Switch, error) {
	now := r.now()
	undo := make(map[string]bool, len(alt.Undo))
	for _, id := range alt.Undo {
		undo[id] = true
	}

	next := alt.Graph
	carried := make(map[string]models.ResultRef)
	for _, id := range current.GetCompletedIDs() {
		t := current.GetTask(id)
		if !t.IsAtomic() || undo[id] || next.GetTask(id) == nil {
			continue
		}
		at := now
		if t.CompletedAt != nil {
			at = *t.CompletedAt
		}
		next.MarkComplete(id, t.Result, t.Degraded, at)
		if _, already := plan.CarriedResults[id]; already {
			continue
		}
		carried[id] = models.ResultRef{Version: plan.Version, TaskID: id, Degraded: t.Degraded}
	}
	next.RollUp()

	rec := models.ReplanRecord{
		Trigger:   trigger,
		Decision:  decision,
		Chosen:    alt.Name,
		Rationale: rationale,
		At:        now,
	}
	nv := plan.Next(alt.Name, rec, carried, now)
	nv.RootID = next.Root()

	sw := &Switch{
		Plan:    nv,
		Graph:   next,
		Cancel:  Obsolete(current, next),
		Carried: carried,
	}

	if r.persist != nil {
		if err := r.persist.SaveGraph(ctx, nv.ID, nv.Version, next.Tasks()); err != nil {
			return nil, fmt.Errorf("save graph v%d: %w", nv.Version, err)
		}
		if err := r.persist.SavePlan(ctx, nv); err != nil {
			return nil, fmt.Errorf("save plan v%d: %w", nv.Version, err)
		}
	}

	r.metrics.PlanVersion(nv.ID, nv.Version)
	r.emitter.Emit(audit.NewEvent(audit.EntityPlan, planEntity(plan), string(models.PlanStatusExecuting), string(models.PlanStatusReplanning), trigger))
	r.emitter.Emit(audit.NewEvent(audit.EntityPlan, planEntity(nv), string(models.PlanStatusReplanning), string(models.PlanStatusExecuting), rationale))
	r.logger.Info("plan replaced",
		"plan", nv.ID,
		"from", plan.Version,
		"to", nv.Version,
		"strategy", alt.Name,
		"carried", len(carried),
		"cancel", len(sw.Cancel),
	)
	return sw, nil
}

// Abandon returns a copy of plan marked abandoned and persists it under the
// same version.
func (r *Replanner) Abandon(ctx context.Context, plan *models.Plan, reason string) (*models.Plan, error) {
	p := WithStatus(plan, models.PlanStatusAbandoned)
	if r.persist != nil {
		if err := r.persist.SavePlan(ctx, p); err != nil {
			return nil, fmt.Errorf("save abandoned plan: %w", err)
		}
	}
	r.metrics.ReplanDecision("abandon")
	ev := audit.NewEvent(audit.EntityPlan, planEntity(plan), string(plan.Status), string(models.PlanStatusAbandoned), reason)
	ev.Degraded = true
	r.emitter.Emit(ev)
	r.logger.Warn("plan abandoned", "plan", plan.ID, "version", plan.Version, "reason", reason)
	return p, nil
}

// WithStatus returns a shallow copy of plan with a new status. History and
// carried results are copied so the two values share nothing mutable.
func WithStatus(plan *models.Plan, status models.PlanStatus) *models.Plan {
	p := *plan
	p.Status = status
	p.ReplanHistory = append([]models.ReplanRecord(nil), plan.ReplanHistory...)
	if plan.CarriedResults != nil {
		p.CarriedResults = make(map[string]models.ResultRef, len(plan.CarriedResults))
		for k, v := range plan.CarriedResults {
			p.CarriedResults[k] = v
		}
	}
	return &p
}

func planEntity(p *models.Plan) string {
	return fmt.Sprintf("%s@v%d", p.ID, p.Version)
}
