package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/metrics"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Resolver finds the executor for an action name.
type Resolver interface {
	Lookup(ref string) (executor.Executor, error)
}

// Persister stores saga revisions.
type Persister interface {
	SaveSaga(ctx context.Context, sg *models.Saga) error
	LoadSaga(ctx context.Context, id string) (*models.Saga, error)
}

// Coordinator executes sagas. Steps of one saga never run concurrently;
// different sagas proceed independently.
type Coordinator struct {
	execs    Resolver
	persist  Persister
	breakers *breaker.Registry
	now      func() time.Time
	logger   *slog.Logger
	emitter  *audit.Emitter
	metrics  *metrics.Collector
	stepTTL  time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBreakers routes forward steps through the breaker registry. Only a
// live result counts as success; cached, fallback and degraded outcomes fail
// the step.
func WithBreakers(r *breaker.Registry) Option { return func(c *Coordinator) { c.breakers = r } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = logging.OrNop(l) } }

// WithEmitter sets the audit emitter.
func WithEmitter(e *audit.Emitter) Option { return func(c *Coordinator) { c.emitter = e } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(c *Coordinator) { c.metrics = m } }

// WithStepTimeout bounds every forward and compensating call.
func WithStepTimeout(d time.Duration) Option { return func(c *Coordinator) { c.stepTTL = d } }

// NewCoordinator creates a coordinator. persist may be nil for ephemeral
// runs, in which case a crash loses saga state.
func NewCoordinator(execs Resolver, persist Persister, opts ...Option) *Coordinator {
	c := &Coordinator{
		execs:   execs,
		persist: persist,
		now:     time.Now,
		logger:  logging.Nop(),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) lock(id string) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Run drives sg to a terminal state and returns it. The result is nil for a
// committed saga and wraps ErrRolledBack when a step failed; in both cases
// the returned saga carries the full step record. Compensation runs to the
// end even if ctx is canceled.
func (c *Coordinator) Run(ctx context.Context, sg *models.Saga) (*models.Saga, error) {
	unlock := c.lock(sg.ID)
	defer unlock()

	sg = sg.Clone()
	if sg.Revision == 0 {
		if err := c.save(ctx, sg); err != nil {
			return sg, err
		}
		c.event(sg, "", string(sg.Status), "started")
	}
	return c.drive(ctx, sg)
}

// Recover reloads saga id and resumes it from the last persisted step.
// Forward execution continues from the first pending step; an interrupted
// unwind continues compensating. A step that was in flight when the process
// stopped is executed again.
func (c *Coordinator) Recover(ctx context.Context, id string) (*models.Saga, error) {
	if c.persist == nil {
		return nil, errors.New("recover requires a persister")
	}
	unlock := c.lock(id)
	defer unlock()

	sg, err := c.persist.LoadSaga(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load saga %s: %w", id, err)
	}
	if sg.Status.Terminal() {
		return sg, nil
	}
	c.logger.Info("recovering saga", "saga", id, "status", sg.Status, "revision", sg.Revision)
	return c.drive(ctx, sg)
}

func (c *Coordinator) drive(ctx context.Context, sg *models.Saga) (*models.Saga, error) {
	var cause error
	if sg.Status == models.SagaExecuting {
		var err error
		cause, err = c.forward(ctx, sg)
		if err != nil {
			return sg, err
		}
	}

	if sg.Status == models.SagaCompensating {
		// The unwind must finish even when the caller has given up.
		if err := c.compensate(context.WithoutCancel(ctx), sg); err != nil {
			return sg, err
		}
		if cause == nil {
			cause = lastFailure(sg)
		}
		return sg, fmt.Errorf("%w: %s: %w", ErrRolledBack, sg.ID, cause)
	}
	if sg.FinalState == models.FinalRolledBack {
		return sg, fmt.Errorf("%w: %s", ErrRolledBack, sg.ID)
	}
	return sg, nil
}

// forward executes pending steps in order until one fails. It returns the
// step failure, if any, and a non-nil error only when persisting failed.
func (c *Coordinator) forward(ctx context.Context, sg *models.Saga) (error, error) {
	for i := range sg.Steps {
		step := &sg.Steps[i]
		switch step.Status {
		case models.StepCompleted, models.StepCompensated:
			continue
		case models.StepFailed:
			return c.halt(ctx, sg, i, errors.New(step.Error))
		}

		var (
			res executor.Result
			err = ctx.Err()
		)
		if err == nil {
			res, err = c.call(ctx, step.ForwardAction, executor.Request{
				TaskID: sg.ID + "/" + step.Name,
				Params: step.ForwardParams,
			}, true)
		}
		at := c.now()
		if err != nil {
			step.Status = models.StepFailed
			step.Error = err.Error()
			step.ExecutedAt = &at
			return c.halt(ctx, sg, i, err)
		}

		step.Status = models.StepCompleted
		step.Result = res.Output
		step.ExecutedAt = &at
		step.CompletedSeq = nextSeq(sg)
		if err := c.save(ctx, sg); err != nil {
			return nil, err
		}
		c.stepEvent(sg, step, string(models.StepPending), "")
		c.logger.Debug("saga step completed", "saga", sg.ID, "step", step.Name)
	}

	sg.Status = models.SagaCompleted
	sg.FinalState = models.FinalCommitted
	if err := c.save(ctx, sg); err != nil {
		return nil, err
	}
	c.metrics.SagaFinished(sg.FinalState)
	c.event(sg, string(models.SagaExecuting), string(sg.Status), Summary(sg))
	c.logger.Info("saga committed", "saga", sg.ID, "steps", len(sg.Steps))
	return nil, nil
}

// halt stops forward execution at step i and switches to compensating.
func (c *Coordinator) halt(ctx context.Context, sg *models.Saga, i int, cause error) (error, error) {
	step := &sg.Steps[i]
	sg.Status = models.SagaCompensating
	if err := c.save(context.WithoutCancel(ctx), sg); err != nil {
		return cause, err
	}
	c.stepEvent(sg, step, string(models.StepPending), cause.Error())
	c.event(sg, string(models.SagaExecuting), string(sg.Status), fmt.Sprintf("step %s failed: %v", step.Name, cause))
	c.logger.Warn("saga step failed, compensating", "saga", sg.ID, "step", step.Name, "error", cause)
	return cause, nil
}

// compensate undoes completed steps, most recent first. A failed
// compensation flags its step for manual intervention and the unwind goes
// on with the earlier steps.
func (c *Coordinator) compensate(ctx context.Context, sg *models.Saga) error {
	for _, i := range compensationOrder(sg) {
		step := &sg.Steps[i]
		_, err := c.call(ctx, step.CompensatingAction, executor.Request{
			TaskID:       sg.ID + "/" + step.Name,
			Params:       step.CompensatingParams,
			Payload:      step.Result,
			Compensation: true,
		}, false)
		at := c.now()
		c.metrics.Compensation(err == nil)
		if err != nil {
			step.CompensationError = err.Error()
			step.ManualIntervention = true
			c.logger.Error("compensation failed", "saga", sg.ID, "step", step.Name, "error", err)
		} else {
			step.Status = models.StepCompensated
			step.CompensatedAt = &at
		}
		if err := c.save(ctx, sg); err != nil {
			return err
		}
		c.stepEvent(sg, step, string(models.StepCompleted), step.CompensationError)
	}

	sg.Status = models.SagaFailed
	sg.FinalState = models.FinalRolledBack
	if err := c.save(ctx, sg); err != nil {
		return err
	}
	c.metrics.SagaFinished(sg.FinalState)
	ev := c.newEvent(sg, string(models.SagaCompensating), string(sg.Status), Summary(sg))
	ev.Degraded = true
	ev.ManualIntervention = sg.NeedsManualIntervention()
	c.emitter.Emit(ev)
	c.logger.Warn("saga rolled back", "saga", sg.ID, "manual_intervention", sg.NeedsManualIntervention())
	return nil
}

func (c *Coordinator) call(ctx context.Context, ref string, req executor.Request, forward bool) (executor.Result, error) {
	exec, err := c.execs.Lookup(ref)
	if err != nil {
		return executor.Result{}, err
	}
	req.Ref = ref
	if c.stepTTL > 0 {
		req.Deadline = c.now().Add(c.stepTTL)
	}

	if forward && c.breakers != nil {
		// A forward step commits only on a live call: a fallback executor
		// would leave a side effect no compensation knows about.
		out, err := c.breakers.InvokeDirect(ctx, ref, exec, req)
		if err != nil {
			return executor.Result{}, err
		}
		return out.Result, nil
	}

	callCtx, cancel := executor.WithDeadline(ctx, req)
	defer cancel()
	return exec.Execute(callCtx, req)
}

// save persists a new revision. Every step transition goes through here.
func (c *Coordinator) save(ctx context.Context, sg *models.Saga) error {
	sg.Revision++
	sg.UpdatedAt = c.now()
	if c.persist == nil {
		return nil
	}
	if err := c.persist.SaveSaga(ctx, sg.Clone()); err != nil {
		return fmt.Errorf("%w: %s revision %d: %w", ErrPersist, sg.ID, sg.Revision, err)
	}
	return nil
}

func (c *Coordinator) newEvent(sg *models.Saga, from, to, reason string) audit.Event {
	return audit.NewEvent(audit.EntitySaga, sg.ID, from, to, reason)
}

func (c *Coordinator) event(sg *models.Saga, from, to, reason string) {
	c.emitter.Emit(c.newEvent(sg, from, to, reason))
}

func (c *Coordinator) stepEvent(sg *models.Saga, step *models.SagaStep, from, reason string) {
	ev := audit.NewEvent(audit.EntitySagaStep, sg.ID+"/"+step.Name, from, string(step.Status), reason)
	ev.ManualIntervention = step.ManualIntervention
	ev.Degraded = step.ManualIntervention
	c.emitter.Emit(ev)
}

func lastFailure(sg *models.Saga) error {
	for i := len(sg.Steps) - 1; i >= 0; i-- {
		if sg.Steps[i].Status == models.StepFailed {
			return fmt.Errorf("step %s: %s", sg.Steps[i].Name, sg.Steps[i].Error)
		}
	}
	return errors.New("interrupted")
}
