// Package replan monitors an executing plan and decides whether to keep it,
// swap it for an alternative strategy, or escalate to an operator.
package replan

import (
	"fmt"
	"math"
	"time"

	"github.com/ShayCichocki/loom/pkg/models"
)

// Policy holds the trigger thresholds.
type Policy struct {
	// MinVelocity triggers when velocity falls below it.
	MinVelocity float64
	// MaxRisk triggers when the risk score exceeds it.
	MaxRisk float64
	// MinConfidence is the bar an alternative must clear to be chosen.
	MinConfidence float64
	// Cadence is how often an executing plan is evaluated.
	Cadence time.Duration
	// MaxCandidates bounds the alternatives considered per evaluation.
	MaxCandidates int
	// RiskHorizon is the blocker age at which its risk weight is full.
	RiskHorizon time.Duration
	// PlannedRate is the planned throughput in effort points per second,
	// used when the plan has no deadline. Zero disables velocity tracking
	// for plans without a deadline.
	PlannedRate float64
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinVelocity:   0.5,
		MaxRisk:       0.75,
		MinConfidence: 0.6,
		Cadence:       10 * time.Second,
		MaxCandidates: 5,
		RiskHorizon:   time.Hour,
	}
}

// Progress is the raw execution state the evaluator turns into metrics.
type Progress struct {
	TotalEffort     int
	CompletedEffort int
	StartedAt       time.Time
	Deadline        *time.Time
	Blockers        []models.Blocker
	Now             time.Time
}

// Evaluate computes plan metrics from progress.
//
// Velocity is actual throughput over planned throughput. Planned throughput
// comes from the deadline when there is one, otherwise from PlannedRate;
// with neither, or before one cadence has elapsed, velocity is 1.
//
// Risk combines blockers as independent hazards: each contributes its
// severity weight scaled by an age factor rising from 0.5 to 1 over
// RiskHorizon, and the score is 1 - Π(1 - contribution).
func (p Policy) Evaluate(pr Progress) models.PlanMetrics {
	m := models.PlanMetrics{
		Velocity:     1,
		BlockerCount: len(pr.Blockers),
		EvaluatedAt:  pr.Now,
	}
	if pr.TotalEffort > 0 {
		m.Progress = math.Min(1, float64(pr.CompletedEffort)/float64(pr.TotalEffort))
	}

	elapsed := pr.Now.Sub(pr.StartedAt)
	if planned := p.plannedRate(pr); planned > 0 && elapsed >= p.Cadence && elapsed > 0 {
		actual := float64(pr.CompletedEffort) / elapsed.Seconds()
		m.Velocity = actual / planned
	}

	m.RiskScore = p.risk(pr.Blockers, pr.Now)
	m.Health = p.health(m, pr.Blockers)
	return m
}

func (p Policy) plannedRate(pr Progress) float64 {
	if pr.Deadline != nil {
		window := pr.Deadline.Sub(pr.StartedAt).Seconds()
		if window > 0 && pr.TotalEffort > 0 {
			return float64(pr.TotalEffort) / window
		}
		return 0
	}
	return p.PlannedRate
}

func (p Policy) risk(blockers []models.Blocker, now time.Time) float64 {
	keep := 1.0
	for _, b := range blockers {
		age := 1.0
		if p.RiskHorizon > 0 {
			age = 0.5 + 0.5*math.Min(1, math.Max(0, now.Sub(b.RaisedAt).Seconds())/p.RiskHorizon.Seconds())
		}
		keep *= 1 - b.Severity.Weight()*age
	}
	return math.Min(1, math.Max(0, 1-keep))
}

func (p Policy) health(m models.PlanMetrics, blockers []models.Blocker) models.PlanHealth {
	if hasCritical(blockers) || m.RiskScore > p.MaxRisk || m.Velocity < p.MinVelocity/2 {
		return models.HealthCritical
	}
	if m.RiskScore > 0.8*p.MaxRisk || m.Velocity < 1.2*p.MinVelocity || m.BlockerCount > 0 {
		return models.HealthAtRisk
	}
	return models.HealthHealthy
}

func hasCritical(blockers []models.Blocker) bool {
	for _, b := range blockers {
		if b.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}

// TriggerKind names the condition that made a plan a replan candidate.
type TriggerKind string

const (
	TriggerCriticalBlocker TriggerKind = "critical_blocker"
	TriggerLowVelocity     TriggerKind = "low_velocity"
	TriggerHighRisk        TriggerKind = "high_risk"
	TriggerCriticalHealth  TriggerKind = "critical_health"
	TriggerDeadline        TriggerKind = "deadline"
)

// Trigger is one fired condition.
type Trigger struct {
	Kind   TriggerKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (t Trigger) String() string { return string(t.Kind) + ": " + t.Detail }

// Triggers returns the conditions that warrant considering a replan.
// A projected deadline overrun is reported only alongside another trigger:
// under healthy velocity, risk and blocker conditions nothing fires.
func (p Policy) Triggers(m models.PlanMetrics, pr Progress) []Trigger {
	var out []Trigger
	for _, b := range pr.Blockers {
		if b.Severity == models.SeverityCritical {
			out = append(out, Trigger{Kind: TriggerCriticalBlocker, Detail: fmt.Sprintf("task %s: %s", b.TaskID, b.Reason)})
			break
		}
	}
	if m.Velocity < p.MinVelocity {
		out = append(out, Trigger{Kind: TriggerLowVelocity, Detail: fmt.Sprintf("velocity %.2f < %.2f", m.Velocity, p.MinVelocity)})
	}
	if m.RiskScore > p.MaxRisk {
		out = append(out, Trigger{Kind: TriggerHighRisk, Detail: fmt.Sprintf("risk %.2f > %.2f", m.RiskScore, p.MaxRisk)})
	}
	if m.Health == models.HealthCritical && len(out) == 0 {
		out = append(out, Trigger{Kind: TriggerCriticalHealth, Detail: "plan health critical"})
	}
	if len(out) > 0 {
		if eta, ok := projectedCompletion(m, pr); ok && pr.Deadline != nil && eta.After(*pr.Deadline) {
			out = append(out, Trigger{Kind: TriggerDeadline, Detail: fmt.Sprintf("projected %s after deadline %s",
				eta.Format(time.RFC3339), pr.Deadline.Format(time.RFC3339))})
		}
	}
	return out
}

// projectedCompletion extrapolates the finish time from actual throughput.
func projectedCompletion(m models.PlanMetrics, pr Progress) (time.Time, bool) {
	elapsed := pr.Now.Sub(pr.StartedAt)
	if pr.CompletedEffort <= 0 || elapsed <= 0 {
		return time.Time{}, false
	}
	rate := float64(pr.CompletedEffort) / elapsed.Seconds()
	remaining := float64(pr.TotalEffort - pr.CompletedEffort)
	return pr.Now.Add(time.Duration(remaining / rate * float64(time.Second))), true
}
