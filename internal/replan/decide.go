package replan

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Situation is what a Generator sees when asked for alternatives.
type Situation struct {
	Plan     *models.Plan
	Graph    *graph.TaskGraph
	Metrics  models.PlanMetrics
	Triggers []Trigger
	Blockers []models.Blocker
}

// Alternative is one candidate strategy.
type Alternative struct {
	Name string
	// Benefit is the expected value of the alternative in [0,1].
	Benefit float64
	// Confidence is the generator's belief in Benefit, in [0,1].
	Confidence float64
	// Graph is the task graph the alternative would execute.
	Graph *graph.TaskGraph
	// Undo lists tasks of the current graph whose effects the alternative
	// has to reverse.
	Undo []string
}

// Generator produces alternative strategies for a struggling plan.
type Generator interface {
	Alternatives(ctx context.Context, s Situation) ([]Alternative, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, s Situation) ([]Alternative, error)

// Alternatives calls f.
func (f GeneratorFunc) Alternatives(ctx context.Context, s Situation) ([]Alternative, error) {
	return f(ctx, s)
}

// SwitchCost is the share of total effort that switching to alt throws away.
// Only completed tasks named in Undo count: completed work that carries over
// is sunk and pending work has nothing to reverse.
func SwitchCost(current *graph.TaskGraph, alt Alternative) float64 {
	total := current.TotalEffort()
	if total <= 0 {
		return 0
	}
	seen := make(map[string]bool, len(alt.Undo))
	lost := 0
	for _, id := range alt.Undo {
		if seen[id] {
			continue
		}
		seen[id] = true
		t := current.GetTask(id)
		if t == nil || !t.IsAtomic() || t.Status != models.TaskStatusCompleted {
			continue
		}
		lost += current.Effort(id)
	}
	return math.Min(1, float64(lost)/float64(total))
}

// CurrentValue is the projected net value of staying on the current plan.
func CurrentValue(m models.PlanMetrics) float64 {
	return math.Min(1, m.Velocity) * (1 - m.RiskScore)
}

// Action is the outcome of a decision.
type Action string

const (
	ActionContinue Action = "continue"
	ActionReplan   Action = "replan"
	ActionEscalate Action = "escalate"
)

// Scored is an alternative with its switching economics.
type Scored struct {
	Alternative
	SwitchCost float64
	NetValue   float64
}

// Verdict is a decision and the numbers behind it.
type Verdict struct {
	Action       Action
	Chosen       *Scored
	Scored       []Scored
	CurrentValue float64
	Rationale    string
}

// Decide scores alts against the current plan. Alternatives below
// MinConfidence are not eligible; if none is eligible the verdict is to
// escalate. Otherwise the best eligible alternative replaces the plan only
// when its net value is strictly higher than the current plan's.
func (p Policy) Decide(current *graph.TaskGraph, m models.PlanMetrics, alts []Alternative) Verdict {
	if p.MaxCandidates > 0 && len(alts) > p.MaxCandidates {
		alts = alts[:p.MaxCandidates]
	}

	v := Verdict{CurrentValue: CurrentValue(m)}
	for _, a := range alts {
		cost := SwitchCost(current, a)
		v.Scored = append(v.Scored, Scored{
			Alternative: a,
			SwitchCost:  cost,
			NetValue:    a.Benefit*a.Confidence - cost,
		})
	}
	sort.SliceStable(v.Scored, func(i, j int) bool { return v.Scored[i].NetValue > v.Scored[j].NetValue })

	var best *Scored
	for i := range v.Scored {
		if v.Scored[i].Confidence >= p.MinConfidence && v.Scored[i].Graph != nil {
			best = &v.Scored[i]
			break
		}
	}

	switch {
	case best == nil:
		v.Action = ActionEscalate
		v.Rationale = fmt.Sprintf("no alternative of %d reaches confidence %.2f", len(v.Scored), p.MinConfidence)
	case best.NetValue > v.CurrentValue:
		v.Action = ActionReplan
		v.Chosen = best
		v.Rationale = fmt.Sprintf("%s net %.3f (benefit %.2f x confidence %.2f - switch %.3f) beats current %.3f",
			best.Name, best.NetValue, best.Benefit, best.Confidence, best.SwitchCost, v.CurrentValue)
	default:
		v.Action = ActionContinue
		v.Rationale = fmt.Sprintf("best alternative %s net %.3f does not beat current %.3f",
			best.Name, best.NetValue, v.CurrentValue)
	}
	return v
}

// Obsolete returns the tasks of current that are running or pending and do
// not appear in next. These are the invocations a switch must cancel.
func Obsolete(current, next *graph.TaskGraph) []string {
	var out []string
	for _, id := range current.Atomic() {
		if current.GetTask(id).Status.Terminal() {
			continue
		}
		if next.GetTask(id) == nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func describe(triggers []Trigger) string {
	parts := make([]string, len(triggers))
	for i, t := range triggers {
		parts[i] = string(t.Kind)
	}
	return strings.Join(parts, ",")
}
