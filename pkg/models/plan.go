package models

import "time"

// PlanStatus represents the lifecycle state of a plan version.
type PlanStatus string

const (
	// PlanStatusExecuting indicates the plan is driving execution.
	PlanStatusExecuting PlanStatus = "executing"
	// PlanStatusReplanning indicates an alternative strategy is being chosen.
	PlanStatusReplanning PlanStatus = "replanning"
	// PlanStatusCompleted indicates every task of the plan resolved.
	PlanStatusCompleted PlanStatus = "completed"
	// PlanStatusAbandoned indicates the plan was given up.
	PlanStatusAbandoned PlanStatus = "abandoned"
)

// Terminal returns true for completed and abandoned plans.
func (s PlanStatus) Terminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusAbandoned
}

// PlanHealth summarises the plan's evaluation metrics.
type PlanHealth string

const (
	HealthHealthy  PlanHealth = "healthy"
	HealthAtRisk   PlanHealth = "at_risk"
	HealthCritical PlanHealth = "critical"
)

// Severity grades a blocker.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight maps a severity onto [0,1] for risk scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.1
	case SeverityMedium:
		return 0.3
	case SeverityHigh:
		return 0.6
	case SeverityCritical:
		return 1.0
	default:
		return 0
	}
}

// Blocker is an impediment raised against a task.
type Blocker struct {
	ID       string    `json:"id"`
	TaskID   string    `json:"task_id"`
	Severity Severity  `json:"severity"`
	Reason   string    `json:"reason,omitempty"`
	RaisedAt time.Time `json:"raised_at"`
}

// PlanMetrics are the live health figures of an executing plan.
type PlanMetrics struct {
	// Progress is the share of effort completed, in [0,1].
	Progress float64 `json:"progress"`
	// RiskScore is the weighted blocker severity times age, in [0,1].
	RiskScore float64 `json:"risk_score"`
	// Velocity is actual throughput divided by planned throughput.
	Velocity float64 `json:"velocity"`
	// BlockerCount is the number of open blockers.
	BlockerCount int `json:"blocker_count"`
	// Health is derived from the figures above.
	Health PlanHealth `json:"health"`
	// EvaluatedAt is when the figures were computed.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// ReplanRecord is one immutable entry of a plan's replan history.
type ReplanRecord struct {
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version,omitempty"`
	Trigger     string    `json:"trigger"`
	Decision    string    `json:"decision"`
	Chosen      string    `json:"chosen_alternative,omitempty"`
	Rationale   string    `json:"rationale,omitempty"`
	At          time.Time `json:"at"`
}

// ResultRef points at a completed task result owned by an earlier plan version.
type ResultRef struct {
	Version  int    `json:"version"`
	TaskID   string `json:"task_id"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Plan wraps a task graph with live metrics. A new value is created for
// every version; earlier versions are never modified.
type Plan struct {
	ID      string     `json:"id"`
	Version int        `json:"version"`
	Status  PlanStatus `json:"status"`
	// RootID is the root task of the active task graph.
	RootID string `json:"root_id"`
	// Strategy names the decomposition or alternative that produced the graph.
	Strategy string      `json:"strategy,omitempty"`
	Metrics  PlanMetrics `json:"metrics"`
	// ReplanHistory is append-only across versions.
	ReplanHistory []ReplanRecord `json:"replan_history,omitempty"`
	// CarriedResults maps task IDs to results completed under earlier versions.
	CarriedResults map[string]ResultRef `json:"carried_results,omitempty"`
	Deadline       *time.Time           `json:"deadline,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Next returns version v+1 of the plan with the given record appended to the
// history. The receiver is left untouched.
func (p *Plan) Next(strategy string, rec ReplanRecord, carried map[string]ResultRef, now time.Time) *Plan {
	rec.FromVersion = p.Version
	rec.ToVersion = p.Version + 1

	history := make([]ReplanRecord, 0, len(p.ReplanHistory)+1)
	history = append(history, p.ReplanHistory...)
	history = append(history, rec)

	merged := make(map[string]ResultRef, len(p.CarriedResults)+len(carried))
	for k, v := range p.CarriedResults {
		merged[k] = v
	}
	for k, v := range carried {
		merged[k] = v
	}

	var deadline *time.Time
	if p.Deadline != nil {
		d := *p.Deadline
		deadline = &d
	}

	return &Plan{
		ID:             p.ID,
		Version:        p.Version + 1,
		Status:         PlanStatusExecuting,
		RootID:         p.RootID,
		Strategy:       strategy,
		ReplanHistory:  history,
		CarriedResults: merged,
		Deadline:       deadline,
		CreatedAt:      now,
	}
}
