package orchestrator

import (
	"log/slog"
	"time"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/blackboard"
	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/config"
	"github.com/ShayCichocki/loom/internal/decompose"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/metrics"
	"github.com/ShayCichocki/loom/internal/replan"
	"github.com/ShayCichocki/loom/internal/state"
)

// RequiredConfig contains the minimal required configuration for an Engine.
type RequiredConfig struct {
	// Executors resolves the executor named by each atomic task and saga step.
	Executors *executor.Registry
}

// Option configures an Engine. Use With* functions to create Options.
type Option func(*engineOptions)

// engineOptions holds all optional configuration. It is only used during
// construction.
type engineOptions struct {
	maxConcurrency int
	taskTimeout    time.Duration
	deadline       *time.Time

	strategy      string
	threshold     int
	maxDepth      int
	decomposer    *decompose.Decomposer
	aggregateOpts decompose.AggregateOptions

	breakerCfg breaker.Config
	fallbacks  map[string]string
	breakers   *breaker.Registry

	boardCfg blackboard.Config
	boards   *blackboard.Store

	policy            replan.Policy
	generator         replan.Generator
	escalationMode    replan.EscalationMode
	escalationTimeout time.Duration
	escalator         *replan.Escalator

	store   *state.Store
	emitter *audit.Emitter
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func defaultOptions() engineOptions {
	return engineOptions{
		maxConcurrency:    4,
		strategy:          decompose.ByLayer,
		breakerCfg:        breaker.DefaultConfig(),
		boardCfg:          blackboard.DefaultConfig(),
		policy:            replan.DefaultPolicy(),
		escalationMode:    replan.ModeTimeout,
		escalationTimeout: replan.DefaultEscalationTimeout,
		logger:            logging.Nop(),
		now:               time.Now,
	}
}

// WithConfig applies every engine-relevant setting of cfg. Options given
// after it override individual values.
func WithConfig(cfg *config.Config) Option {
	return func(o *engineOptions) {
		if cfg == nil {
			return
		}
		o.maxConcurrency = cfg.Scheduler.MaxConcurrency
		o.taskTimeout = cfg.Scheduler.TaskTimeout

		o.strategy = cfg.Decompose.Strategy
		o.threshold = cfg.Decompose.Threshold
		o.maxDepth = cfg.Decompose.MaxDepth

		o.breakerCfg = breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          cfg.Breaker.Timeout,
			MaxTimeout:       cfg.Breaker.MaxTimeout,
			CacheTTL:         cfg.Breaker.CacheTTL,
		}
		o.fallbacks = cfg.Breaker.Fallbacks

		o.boardCfg.SolveConfidence = cfg.Blackboard.SolveConfidence
		o.boardCfg.Saturation = cfg.Blackboard.Saturation
		o.boardCfg.ConflictDelta = cfg.Blackboard.ConflictDelta
		o.boardCfg.Window = cfg.Blackboard.Window
		o.boardCfg.HalfLife = cfg.Blackboard.HalfLife
		o.boardCfg.MinInterval = cfg.Blackboard.MinInterval
		o.boardCfg.MaxIterations = cfg.Blackboard.MaxIterations
		o.boardCfg.Budget = cfg.Blackboard.Budget
		o.aggregateOpts.ConflictDelta = cfg.Blackboard.ConflictDelta

		o.policy.Cadence = cfg.Replan.Cadence
		o.policy.MinVelocity = cfg.Replan.MinVelocity
		o.policy.MaxRisk = cfg.Replan.MaxRisk
		o.policy.MinConfidence = cfg.Replan.MinConfidence
		if cfg.Replan.MaxCandidates > 0 {
			o.policy.MaxCandidates = cfg.Replan.MaxCandidates
		}

		o.escalationMode = replan.EscalationMode(cfg.Escalation.Mode)
		o.escalationTimeout = cfg.Escalation.Timeout
	}
}

// WithMaxConcurrency bounds how many tasks of one group run at once.
func WithMaxConcurrency(n int) Option {
	return func(o *engineOptions) { o.maxConcurrency = n }
}

// WithTaskTimeout bounds every executor invocation.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *engineOptions) { o.taskTimeout = d }
}

// WithDeadline sets the deadline plans are measured against.
func WithDeadline(t time.Time) Option {
	return func(o *engineOptions) { o.deadline = &t }
}

// WithStrategy selects a built-in decomposition strategy by name.
func WithStrategy(name string) Option {
	return func(o *engineOptions) { o.strategy = name }
}

// WithDecomposer sets a custom decomposer. It takes precedence over
// WithStrategy.
func WithDecomposer(d *decompose.Decomposer) Option {
	return func(o *engineOptions) { o.decomposer = d }
}

// WithAggregateOptions tunes how composite results are synthesised.
func WithAggregateOptions(a decompose.AggregateOptions) Option {
	return func(o *engineOptions) { o.aggregateOpts = a }
}

// WithBreakerConfig sets the thresholds of the engine's own breaker registry.
func WithBreakerConfig(c breaker.Config) Option {
	return func(o *engineOptions) { o.breakerCfg = c }
}

// WithFallbacks maps executors to their designated fallback executors.
func WithFallbacks(m map[string]string) Option {
	return func(o *engineOptions) { o.fallbacks = m }
}

// WithBreakers shares an existing breaker registry instead of creating one.
func WithBreakers(r *breaker.Registry) Option {
	return func(o *engineOptions) { o.breakers = r }
}

// WithBlackboardConfig sets the convergence settings used by Frame.
func WithBlackboardConfig(c blackboard.Config) Option {
	return func(o *engineOptions) { o.boardCfg = c }
}

// WithBlackboard shares an existing blackboard store.
func WithBlackboard(s *blackboard.Store) Option {
	return func(o *engineOptions) { o.boards = s }
}

// WithPolicy sets the replanning policy.
func WithPolicy(p replan.Policy) Option {
	return func(o *engineOptions) { o.policy = p }
}

// WithGenerator sets the source of alternative strategies.
func WithGenerator(g replan.Generator) Option {
	return func(o *engineOptions) { o.generator = g }
}

// WithEscalation sets how escalations wait for an operator.
func WithEscalation(mode replan.EscalationMode, timeout time.Duration) Option {
	return func(o *engineOptions) {
		o.escalationMode = mode
		o.escalationTimeout = timeout
	}
}

// WithEscalator sets a custom escalator.
func WithEscalator(e *replan.Escalator) Option {
	return func(o *engineOptions) { o.escalator = e }
}

// WithStore persists plans, graphs, sagas, breakers and boards.
func WithStore(s *state.Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithEmitter sets the audit emitter.
func WithEmitter(e *audit.Emitter) Option {
	return func(o *engineOptions) { o.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// WithClock injects the time source (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) {
		if now != nil {
			o.now = now
		}
	}
}
