package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/blackboard"
	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/config"
	"github.com/ShayCichocki/loom/internal/decompose"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/metrics"
	"github.com/ShayCichocki/loom/internal/replan"
	"github.com/ShayCichocki/loom/internal/saga"
	"github.com/ShayCichocki/loom/internal/state"
	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	// ErrRunning is returned when Run is called while a plan is executing.
	ErrRunning = errors.New("engine is already running a plan")
	// ErrIncomplete is returned when execution ended with unresolved tasks.
	ErrIncomplete = errors.New("plan finished with unresolved tasks")
	// ErrAbandoned is returned when the plan was abandoned.
	ErrAbandoned = errors.New("plan abandoned")
)

// Engine executes task graphs. It owns its breaker registry, blackboard
// store, saga coordinator, replanner and escalator; nothing is shared
// between engines unless passed in explicitly.
type Engine struct {
	id         string
	execs      *executor.Registry
	decomposer *decompose.Decomposer
	breakers   *breaker.Registry
	boards     *blackboard.Store
	sagas      *saga.Coordinator
	replanner  *replan.Replanner
	escalator  *replan.Escalator
	store      *state.Store
	emitter    *audit.Emitter
	logger     *slog.Logger
	metrics    *metrics.Collector
	now        func() time.Time

	maxConcurrency int
	taskTimeout    time.Duration
	deadline       *time.Time
	aggregateOpts  decompose.AggregateOptions
	boardCfg       blackboard.Config

	mu      sync.RWMutex
	running bool
	phase   Phase
	plan    *models.Plan
	graph   *graph.TaskGraph
	live    models.PlanMetrics
	pause   *PauseController
	run     *execution
}

// execution is the mutable state of one Run, guarded by Engine.mu.
type execution struct {
	cancel     context.CancelCauseFunc
	blockers   []models.Blocker
	confidence map[string]float64
	conflicts  map[string][]string
	aggregated map[string]bool
	inflight   map[string]context.CancelFunc
	obsolete   map[string]bool
	pending    *pendingSwitch
	// acknowledged holds trigger sets the monitor no longer acts on: an
	// operator chose to continue through them, or their switch failed.
	acknowledged map[string]bool
	abandoned    string
	sagas        []string
	manual       []string
	replans      int
}

type pendingSwitch struct {
	assessment replan.Assessment
	// name is set when an operator picked the alternative.
	name   string
	reason string
}

func newExecution() *execution {
	return &execution{
		confidence:   make(map[string]float64),
		conflicts:    make(map[string][]string),
		aggregated:   make(map[string]bool),
		inflight:     make(map[string]context.CancelFunc),
		obsolete:     make(map[string]bool),
		acknowledged: make(map[string]bool),
	}
}

// Report summarises a finished run.
type Report struct {
	EngineID string
	PlanID   string
	Version  int
	Status   models.PlanStatus
	// Result is the root task's aggregated result.
	Result    []byte
	Completed []string
	Failed    []string
	Blocked   []string
	// Degraded lists completed tasks whose result came from a fallback path.
	Degraded []string
	// Conflicts lists disagreements found while aggregating composites.
	Conflicts map[string][]string
	Sagas     []string
	// ManualIntervention lists sagas with a failed compensation.
	ManualIntervention []string
	Replans            int
	// CriticalPath is the longest dependency chain of the final plan
	// version by effort; CriticalEffort is its summed complexity.
	CriticalPath   []string
	CriticalEffort int
	Metrics        models.PlanMetrics
	Duration       time.Duration
}

// FullSuccess reports whether the plan completed without any fallback,
// conflict or manual follow-up.
func (r *Report) FullSuccess() bool {
	return r.Status == models.PlanStatusCompleted &&
		len(r.Degraded) == 0 && len(r.Conflicts) == 0 && len(r.ManualIntervention) == 0
}

// New creates an Engine.
func New(req RequiredConfig, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxConcurrency <= 0 {
		o.maxConcurrency = 1
	}

	e := &Engine{
		id:             uuid.New().String()[:8],
		execs:          req.Executors,
		store:          o.store,
		emitter:        o.emitter,
		logger:         o.logger,
		metrics:        o.metrics,
		now:            o.now,
		maxConcurrency: o.maxConcurrency,
		taskTimeout:    o.taskTimeout,
		deadline:       o.deadline,
		aggregateOpts:  o.aggregateOpts,
		boardCfg:       o.boardCfg,
		phase:          PhaseIdle,
		pause:          NewPauseController(o.logger),
	}
	if e.execs == nil {
		e.execs = executor.NewRegistry()
	}
	e.logger = e.logger.With("engine", e.id)

	if e.aggregateOpts.Now == nil {
		e.aggregateOpts.Now = e.now
	}

	e.decomposer = o.decomposer
	if e.decomposer == nil {
		strategy, err := decompose.Builtin(o.strategy)
		if err != nil {
			e.logger.Warn("unknown decomposition strategy, using default", "strategy", o.strategy)
			strategy, _ = decompose.Builtin(decompose.ByLayer)
		}
		e.decomposer = decompose.New(strategy,
			decompose.WithThreshold(o.threshold),
			decompose.WithMaxDepth(o.maxDepth),
			decompose.WithClock(e.now),
			decompose.WithLogger(e.logger),
		)
	}

	e.breakers = o.breakers
	if e.breakers == nil {
		bopts := []breaker.Option{
			breaker.WithClock(e.now),
			breaker.WithLogger(e.logger),
			breaker.WithEmitter(e.emitter),
			breaker.WithMetrics(e.metrics),
		}
		if e.store != nil {
			bopts = append(bopts, breaker.WithPersister(e.store))
		}
		e.breakers = breaker.NewRegistry(o.breakerCfg, bopts...)
	}
	for id, fb := range o.fallbacks {
		exec, ok := e.execs.Get(fb)
		if !ok {
			e.logger.Warn("fallback executor not registered", "executor", id, "fallback", fb)
			continue
		}
		e.breakers.SetFallback(id, fb, exec)
	}

	e.boards = o.boards
	if e.boards == nil {
		bopts := []blackboard.Option{
			blackboard.WithClock(e.now),
			blackboard.WithLogger(e.logger),
			blackboard.WithEmitter(e.emitter),
			blackboard.WithMetrics(e.metrics),
		}
		if e.store != nil {
			bopts = append(bopts, blackboard.WithPersister(e.store))
		}
		e.boards = blackboard.NewStore(o.boardCfg, bopts...)
	}

	var sagaStore saga.Persister
	if e.store != nil {
		sagaStore = e.store
	}
	e.sagas = saga.NewCoordinator(e.execs, sagaStore,
		saga.WithBreakers(e.breakers),
		saga.WithClock(e.now),
		saga.WithLogger(e.logger),
		saga.WithEmitter(e.emitter),
		saga.WithMetrics(e.metrics),
		saga.WithStepTimeout(e.taskTimeout),
	)

	ropts := []replan.Option{
		replan.WithClock(e.now),
		replan.WithLogger(e.logger),
		replan.WithEmitter(e.emitter),
		replan.WithMetrics(e.metrics),
	}
	if e.store != nil {
		ropts = append(ropts, replan.WithPersister(e.store))
	}
	e.replanner = replan.New(o.policy, o.generator, ropts...)

	e.escalator = o.escalator
	if e.escalator == nil {
		e.escalator = replan.NewEscalator(o.escalationMode, o.escalationTimeout, e.logger, e.emitter)
	}
	return e
}

// ID returns the engine's identifier.
func (e *Engine) ID() string { return e.id }

// Breakers returns the engine's breaker registry.
func (e *Engine) Breakers() *breaker.Registry { return e.breakers }

// Blackboards returns the engine's blackboard store.
func (e *Engine) Blackboards() *blackboard.Store { return e.boards }

// Sagas returns the engine's saga coordinator.
func (e *Engine) Sagas() *saga.Coordinator { return e.sagas }

// Escalator returns the engine's escalator. Operators answer escalations
// through it.
func (e *Engine) Escalator() *replan.Escalator { return e.escalator }

// Run expands the declared hierarchy rooted at rootID, builds plan v1 and
// executes it. Groups run strictly in order; the tasks of one group run
// concurrently. The report is returned even when err is non-nil, unless
// the plan could not be built.
func (e *Engine) Run(ctx context.Context, tasks []*models.Task, rootID string) (*Report, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	e.setPhase(PhaseDecomposing, rootID, false)
	expanded, err := e.decomposer.ExpandAll(ctx, tasks, rootID)
	if err != nil {
		e.setPhase(PhaseIdle, err.Error(), true)
		return nil, fmt.Errorf("decompose %s: %w", rootID, err)
	}
	g, err := e.decomposer.Build(ctx, expanded, rootID)
	if err != nil {
		e.setPhase(PhaseIdle, err.Error(), true)
		return nil, err
	}

	plan := &models.Plan{
		ID:        uuid.New().String()[:8],
		Version:   1,
		Status:    models.PlanStatusExecuting,
		RootID:    g.Root(),
		Strategy:  e.decomposer.Strategy().Name(),
		CreatedAt: e.now(),
	}
	if e.deadline != nil {
		d := *e.deadline
		plan.Deadline = &d
	}
	if e.store != nil {
		if err := e.store.SaveGraph(ctx, plan.ID, plan.Version, g.Tasks()); err != nil {
			return nil, fmt.Errorf("save graph: %w", err)
		}
		if err := e.store.SavePlan(ctx, plan); err != nil {
			return nil, fmt.Errorf("save plan: %w", err)
		}
	}
	e.metrics.PlanVersion(plan.ID, plan.Version)
	e.emitter.Emit(audit.NewEvent(audit.EntityPlan, planEntity(plan), "", string(plan.Status), plan.Strategy))
	e.logger.Info("plan created",
		"plan", plan.ID,
		"strategy", plan.Strategy,
		"tasks", g.Size(),
		"atomic", len(g.Atomic()),
		"effort", g.TotalEffort(),
	)
	return e.execute(ctx, plan, g)
}

// RunTask decomposes a single root task and executes it.
func (e *Engine) RunTask(ctx context.Context, root *models.Task) (*Report, error) {
	if root == nil {
		return nil, errors.New("nil root task")
	}
	return e.Run(ctx, []*models.Task{root}, root.ID)
}

func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunning
	}
	e.running = true
	e.run = newExecution()
	e.pause = NewPauseController(e.logger)
	e.plan = nil
	e.graph = nil
	e.live = models.PlanMetrics{}
	return nil
}

func (e *Engine) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}

// Stop cancels the running plan. In-flight tasks are canceled and the plan
// is abandoned.
func (e *Engine) Stop() {
	e.mu.RLock()
	run, pause := e.run, e.pause
	e.mu.RUnlock()
	pause.Stop()
	if run != nil && run.cancel != nil {
		run.cancel(ErrStopped)
	}
}

// Reconfigure applies the scheduler settings of cfg. Groups and
// invocations started afterwards use the new values.
func (e *Engine) Reconfigure(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Scheduler.MaxConcurrency > 0 {
		e.maxConcurrency = cfg.Scheduler.MaxConcurrency
	}
	e.taskTimeout = cfg.Scheduler.TaskTimeout
	e.logger.Info("engine reconfigured",
		"max_concurrency", e.maxConcurrency,
		"task_timeout", e.taskTimeout,
	)
}

func (e *Engine) graphDebug(format string, args ...interface{}) {
	e.logger.Debug(fmt.Sprintf(format, args...))
}

func (e *Engine) limits() (int, time.Duration) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxConcurrency, e.taskTimeout
}

// Pause holds dispatch before the next group. In-flight tasks finish.
func (e *Engine) Pause() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.pause.Pause()
}

// Resume resumes dispatch after Pause.
func (e *Engine) Resume() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.pause.Resume()
}

// Status is a point-in-time view of the engine.
type Status struct {
	EngineID string
	Phase    Phase
	Paused   bool
	PlanID   string
	Version  int
	Strategy string
	Metrics  models.PlanMetrics
	// Tasks counts atomic tasks by status.
	Tasks      map[models.TaskStatus]int
	InFlight   []string
	Blockers   []models.Blocker
	Escalation *replan.EscalationRequest
}

// Status returns the engine's current state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	s := Status{
		EngineID: e.id,
		Phase:    e.phase,
		Paused:   e.pause.IsPaused(),
		Metrics:  e.live,
		Tasks:    map[models.TaskStatus]int{},
	}
	plan, g, run := e.plan, e.graph, e.run
	if run != nil {
		for id := range run.inflight {
			s.InFlight = append(s.InFlight, id)
		}
		s.Blockers = append(s.Blockers, run.blockers...)
	}
	e.mu.RUnlock()

	sort.Strings(s.InFlight)
	if plan != nil {
		s.PlanID = plan.ID
		s.Version = plan.Version
		s.Strategy = plan.Strategy
	}
	if g != nil {
		for _, id := range g.Atomic() {
			if t := g.GetTask(id); t != nil {
				s.Tasks[t.Status]++
			}
		}
	}
	if req, ok := e.escalator.Pending(); ok {
		s.Escalation = &req
	}
	return s
}

// Plan returns a copy of the current plan version with its live metrics,
// or nil before the first Run.
func (e *Engine) Plan() *models.Plan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.plan == nil {
		return nil
	}
	p := replan.WithStatus(e.plan, e.plan.Status)
	if !e.live.EvaluatedAt.IsZero() {
		p.Metrics = e.live
	}
	return p
}

// Graph returns the task graph of the current plan version.
func (e *Engine) Graph() *graph.TaskGraph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph
}

func (e *Engine) current() (*models.Plan, *graph.TaskGraph) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.plan, e.graph
}
