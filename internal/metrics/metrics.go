// Package metrics exposes engine health as Prometheus metrics: breaker
// states, fallbacks, group latency, replan decisions and saga outcomes.
//
// Every method is safe to call on a nil *Collector so components can treat
// metrics as optional.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/loom/pkg/models"
)

// Collector holds the engine's metrics.
type Collector struct {
	registry *prometheus.Registry

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	invocations        *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec

	tasks         *prometheus.CounterVec
	groupLatency  prometheus.Histogram
	tasksInFlight prometheus.Gauge

	replanDecisions *prometheus.CounterVec
	planVersion     *prometheus.GaugeVec

	sagaOutcomes  *prometheus.CounterVec
	compensations *prometheus.CounterVec

	boardEntries   prometheus.Counter
	boardSynthesis prometheus.Counter
}

// NewCollector creates a Collector registered on its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_breaker_state",
			Help: "Circuit breaker state per executor (0=closed, 1=half_open, 2=open)",
		}, []string{"executor"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"executor", "to"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_executor_invocations_total",
			Help: "Executor invocations by outcome",
		}, []string{"executor", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_breaker_fallbacks_total",
			Help: "Results served from the fallback chain",
		}, []string{"executor", "source"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tasks_total",
			Help: "Tasks reaching a terminal status",
		}, []string{"status"}),
		groupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_group_duration_seconds",
			Help:    "Time for a parallel group to fully resolve",
			Buckets: prometheus.DefBuckets,
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_tasks_in_flight",
			Help: "Tasks currently dispatched to executors",
		}),
		replanDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_replan_decisions_total",
			Help: "Replanning decisions",
		}, []string{"decision"}),
		planVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_plan_version",
			Help: "Active version per plan",
		}, []string{"plan"}),
		sagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_saga_outcomes_total",
			Help: "Terminal saga outcomes",
		}, []string{"final_state"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_saga_compensations_total",
			Help: "Compensation attempts by result",
		}, []string{"result"}),
		boardEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_blackboard_entries_total",
			Help: "Knowledge entries contributed",
		}),
		boardSynthesis: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_blackboard_synthesis_total",
			Help: "Synthesis passes computed",
		}),
	}

	reg.MustRegister(
		c.breakerState, c.breakerTransitions, c.invocations, c.fallbacks,
		c.tasks, c.groupLatency, c.tasksInFlight,
		c.replanDecisions, c.planVersion,
		c.sagaOutcomes, c.compensations,
		c.boardEntries, c.boardSynthesis,
	)
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func breakerValue(s models.BreakerState) float64 {
	switch s {
	case models.BreakerHalfOpen:
		return 1
	case models.BreakerOpen:
		return 2
	default:
		return 0
	}
}

// BreakerTransition records a breaker moving to state to.
func (c *Collector) BreakerTransition(executor string, to models.BreakerState) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(executor).Set(breakerValue(to))
	c.breakerTransitions.WithLabelValues(executor, string(to)).Inc()
}

// Invocation records a live executor call outcome ("success", "failure", "rejected").
func (c *Collector) Invocation(executor, outcome string) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(executor, outcome).Inc()
}

// Fallback records a result served from source ("cache", "fallback", "degraded").
func (c *Collector) Fallback(executor, source string) {
	if c == nil {
		return
	}
	c.fallbacks.WithLabelValues(executor, source).Inc()
}

// TaskFinished counts a task reaching a terminal status.
func (c *Collector) TaskFinished(status models.TaskStatus) {
	if c == nil {
		return
	}
	c.tasks.WithLabelValues(string(status)).Inc()
}

// GroupResolved observes how long a parallel group took.
func (c *Collector) GroupResolved(d time.Duration) {
	if c == nil {
		return
	}
	c.groupLatency.Observe(d.Seconds())
}

// InFlight adjusts the in-flight gauge by delta.
func (c *Collector) InFlight(delta int) {
	if c == nil {
		return
	}
	c.tasksInFlight.Add(float64(delta))
}

// ReplanDecision counts a replanning decision.
func (c *Collector) ReplanDecision(decision string) {
	if c == nil {
		return
	}
	c.replanDecisions.WithLabelValues(decision).Inc()
}

// PlanVersion sets the active version of a plan.
func (c *Collector) PlanVersion(planID string, version int) {
	if c == nil {
		return
	}
	c.planVersion.WithLabelValues(planID).Set(float64(version))
}

// SagaFinished counts a terminal saga.
func (c *Collector) SagaFinished(final models.FinalState) {
	if c == nil {
		return
	}
	c.sagaOutcomes.WithLabelValues(string(final)).Inc()
}

// Compensation counts a compensation attempt.
func (c *Collector) Compensation(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.compensations.WithLabelValues(result).Inc()
}

// EntryContributed counts a blackboard contribution.
func (c *Collector) EntryContributed() {
	if c == nil {
		return
	}
	c.boardEntries.Inc()
}

// SynthesisComputed counts a recomputed synthesis.
func (c *Collector) SynthesisComputed() {
	if c == nil {
		return
	}
	c.boardSynthesis.Inc()
}

// Handler returns the HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is canceled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
