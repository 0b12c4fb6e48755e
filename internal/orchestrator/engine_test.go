package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/config"
	"github.com/ShayCichocki/loom/internal/decompose"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/replan"
	"github.com/ShayCichocki/loom/internal/state"
	"github.com/ShayCichocki/loom/pkg/models"
)

type harness struct {
	execs   *executor.Registry
	rec     *audit.Recorder
	emitter *audit.Emitter
	store   *state.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &audit.Recorder{}
	emitter := audit.NewEmitter(256, rec)
	t.Cleanup(emitter.Close)
	return &harness{
		execs:   executor.NewRegistry(),
		rec:     rec,
		emitter: emitter,
		store:   state.NewStore(state.NewMemory()),
	}
}

// engine builds an engine that never evaluates its plan unless the test
// passes a policy with a short cadence.
func (h *harness) engine(opts ...Option) *Engine {
	quiet := replan.DefaultPolicy()
	quiet.Cadence = time.Hour
	base := []Option{
		WithEmitter(h.emitter),
		WithStore(h.store),
		WithPolicy(quiet),
		WithMaxConcurrency(4),
	}
	return New(RequiredConfig{Executors: h.execs}, append(base, opts...)...)
}

func fastPolicy() replan.Policy {
	p := replan.DefaultPolicy()
	p.Cadence = 10 * time.Millisecond
	return p
}

func echo(out string) executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		return executor.Result{Output: []byte(out)}, nil
	})
}

func refuse(msg string) executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		return executor.Result{}, executor.Permanent(errors.New(msg))
	})
}

// waiter blocks until release is closed or its context ends.
type waiter struct {
	release  chan struct{}
	started  chan struct{}
	canceled atomic.Bool
	once     sync.Once
}

func newWaiter() *waiter {
	return &waiter{release: make(chan struct{}), started: make(chan struct{})}
}

func (w *waiter) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	w.once.Do(func() { close(w.started) })
	select {
	case <-w.release:
		return executor.Result{Output: []byte("slow-done")}, nil
	case <-ctx.Done():
		w.canceled.Store(true)
		return executor.Result{}, ctx.Err()
	}
}

func task(id, ref string, deps ...string) *models.Task {
	return &models.Task{ID: id, ExecutorRef: ref, Complexity: 1, DependsOn: deps}
}

// declared wraps children in a composite root.
func declared(rootID string, children ...*models.Task) []*models.Task {
	root := &models.Task{ID: rootID}
	for _, c := range children {
		root.Children = append(root.Children, c.ID)
	}
	return append([]*models.Task{root}, children...)
}

func newStates(events []audit.Event) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.NewState)
	}
	return out
}

func TestRun_ByLayerScenario(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.execs.Register("work", executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		calls.Add(1)
		return executor.Result{Output: []byte(req.Params["slice"])}, nil
	}))
	eng := h.engine(WithStrategy(decompose.ByLayer))

	report, err := eng.RunTask(context.Background(), &models.Task{
		ID: "feature", Complexity: 34, Divisible: true, ExecutorRef: "work",
	})
	require.NoError(t, err)

	assert.Equal(t, models.PlanStatusCompleted, report.Status)
	assert.True(t, report.FullSuccess())
	assert.ElementsMatch(t, []string{"feature/data", "feature/logic", "feature/interface"}, report.Completed)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, "data\nlogic\ninterface", string(report.Result))
	assert.Equal(t, []string{"decomposing", "executing", "completed"}, newStates(h.rec.Filter(audit.EntityEngine)))

	plan, err := h.store.LoadPlan(context.Background(), report.PlanID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusCompleted, plan.Status)
	assert.Equal(t, decompose.ByLayer, plan.Strategy)
	assert.Equal(t, PhaseCompleted, eng.Status().Phase)
}

func TestRun_GroupsRunStrictlyInOrder(t *testing.T) {
	h := newHarness(t)
	var (
		mu       sync.Mutex
		order    []string
		inflight int
		peak     int
	)
	h.execs.Register("track", executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		order = append(order, "start:"+req.TaskID)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inflight--
		order = append(order, "end:"+req.TaskID)
		mu.Unlock()
		return executor.Result{Output: []byte(req.TaskID)}, nil
	}))
	eng := h.engine(WithMaxConcurrency(2))

	tasks := declared("root",
		task("a", "track"),
		task("b", "track", "a"),
		task("c", "track", "a"),
		task("d", "track", "a"),
		task("e", "track", "b", "c", "d"),
	)
	report, err := eng.Run(context.Background(), tasks, "root")
	require.NoError(t, err)
	assert.Len(t, report.Completed, 5)

	pos := map[string]int{}
	for i, ev := range order {
		pos[ev] = i
	}
	for _, mid := range []string{"b", "c", "d"} {
		assert.Less(t, pos["end:a"], pos["start:"+mid])
		assert.Less(t, pos["end:"+mid], pos["start:e"])
	}
	assert.LessOrEqual(t, peak, 2)

	groups := h.rec.Filter(audit.EntityGroup)
	require.NotEmpty(t, groups)
	for i := 0; i+1 < len(groups); i += 2 {
		assert.Equal(t, "running", groups[i].NewState)
		assert.Equal(t, "resolved", groups[i+1].NewState)
		assert.Equal(t, groups[i].EntityID, groups[i+1].EntityID)
	}
}

func TestRun_FailureBlocksDependents(t *testing.T) {
	h := newHarness(t)
	h.execs.Register("ok", echo("fine"))
	h.execs.Register("bad", refuse("permission denied"))
	eng := h.engine()

	tasks := declared("root",
		task("a", "bad"),
		task("b", "ok", "a"),
		task("c", "ok"),
	)
	report, err := eng.Run(context.Background(), tasks, "root")
	require.ErrorIs(t, err, ErrIncomplete)

	assert.Equal(t, models.PlanStatusAbandoned, report.Status)
	assert.Equal(t, []string{"a"}, report.Failed)
	assert.Equal(t, []string{"b"}, report.Blocked)
	assert.Equal(t, []string{"c"}, report.Completed)

	assert.Equal(t, []string{"a", "b"}, report.CriticalPath)
	assert.Equal(t, 2, report.CriticalEffort)

	blockers := eng.Status().Blockers
	require.Len(t, blockers, 1)
	assert.Equal(t, "a", blockers[0].TaskID)
	assert.Equal(t, models.SeverityCritical, blockers[0].Severity)

	var blocked []audit.Event
	for _, ev := range h.rec.Filter(audit.EntityTask) {
		if ev.NewState == string(models.TaskStatusBlocked) {
			blocked = append(blocked, ev)
		}
	}
	require.Len(t, blocked, 1)
	assert.True(t, blocked[0].Degraded)
	assert.Contains(t, blocked[0].Reason, "dependency a failed")
}

func TestRun_FallbackResultIsNeverFullSuccess(t *testing.T) {
	h := newHarness(t)
	h.execs.Register("flaky", executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		return executor.Result{}, executor.Transient(errors.New("503"))
	}))
	h.execs.Register("backup", echo("from backup"))
	eng := h.engine(WithFallbacks(map[string]string{"flaky": "backup"}))

	report, err := eng.Run(context.Background(), declared("root", task("a", "flaky")), "root")
	require.NoError(t, err)

	assert.Equal(t, models.PlanStatusCompleted, report.Status)
	assert.Equal(t, []string{"a"}, report.Degraded)
	assert.False(t, report.FullSuccess())
	assert.Equal(t, "from backup", string(report.Result))

	plans := h.rec.Filter(audit.EntityPlan)
	require.NotEmpty(t, plans)
	last := plans[len(plans)-1]
	assert.Equal(t, string(models.PlanStatusCompleted), last.NewState)
	assert.True(t, last.Degraded)
}

func TestRun_TransactionalTaskRunsAsSaga(t *testing.T) {
	h := newHarness(t)
	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(name string, fail bool) executor.Executor {
		return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			if fail {
				return executor.Result{}, executor.Permanent(errors.New("card declined"))
			}
			return executor.Result{Output: []byte(name)}, nil
		})
	}
	h.execs.Register("reserve", record("reserve", false))
	h.execs.Register("release", record("release", false))
	h.execs.Register("charge", record("charge", true))
	h.execs.Register("refund", record("refund", false))
	eng := h.engine()

	order := &models.Task{ID: "order", Complexity: 3, Steps: []models.SagaStepSpec{
		{Name: "reserve", ForwardAction: "reserve", CompensatingAction: "release"},
		{Name: "charge", ForwardAction: "charge", CompensatingAction: "refund"},
	}}
	report, err := eng.Run(context.Background(), declared("root", order), "root")
	require.ErrorIs(t, err, ErrIncomplete)

	assert.Equal(t, []string{"order"}, report.Failed)
	assert.Equal(t, []string{"reserve", "charge", "release"}, calls)
	require.Len(t, report.Sagas, 1)

	sg, err := h.store.LoadSaga(context.Background(), report.Sagas[0])
	require.NoError(t, err)
	assert.Equal(t, models.FinalRolledBack, sg.FinalState)
	assert.Equal(t, "order", sg.TaskID)
}

// switchGenerator offers one alternative that drops every task of the
// current plan and runs "fresh" instead.
func switchGenerator(calls *atomic.Int32) replan.Generator {
	return replan.GeneratorFunc(func(ctx context.Context, s replan.Situation) ([]replan.Alternative, error) {
		calls.Add(1)
		strategy, err := decompose.Builtin(decompose.ByLayer)
		if err != nil {
			return nil, err
		}
		d := decompose.New(strategy)
		tasks, err := d.ExpandAll(ctx, declared("alt", task("fresh", "ok")), "alt")
		if err != nil {
			return nil, err
		}
		g, err := d.Build(ctx, tasks, "alt")
		if err != nil {
			return nil, err
		}
		return []replan.Alternative{{Name: "route-around", Benefit: 1, Confidence: 0.9, Graph: g}}, nil
	})
}

func TestRun_ReplanSwitchesAndCancelsObsoleteWork(t *testing.T) {
	h := newHarness(t)
	slow := newWaiter()
	h.execs.Register("ok", echo("fresh-done"))
	h.execs.Register("bad", refuse("gone"))
	h.execs.Register("slow", slow)

	var generated atomic.Int32
	eng := h.engine(WithPolicy(fastPolicy()), WithGenerator(switchGenerator(&generated)))

	tasks := declared("root",
		task("a", "bad"),
		task("s", "slow"),
		task("b", "ok", "a"),
	)
	report, err := eng.Run(context.Background(), tasks, "root")
	require.NoError(t, err)

	assert.True(t, slow.canceled.Load(), "obsolete in-flight task must be canceled")
	assert.Equal(t, 2, report.Version)
	assert.Equal(t, 1, report.Replans)
	assert.Equal(t, models.PlanStatusCompleted, report.Status)
	assert.Equal(t, []string{"fresh"}, report.Completed)
	assert.EqualValues(t, 1, generated.Load())

	plan, err := h.store.LoadPlan(context.Background(), report.PlanID)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Version)
	require.Len(t, plan.ReplanHistory, 1)
	assert.Equal(t, "route-around", plan.ReplanHistory[0].Chosen)
	assert.Contains(t, plan.ReplanHistory[0].Trigger, string(replan.TriggerCriticalBlocker))

	v1, err := h.store.LoadPlanVersion(context.Background(), report.PlanID, 1)
	require.NoError(t, err)
	assert.Empty(t, v1.ReplanHistory)
}

// graphFault fails every graph write for one plan version.
type graphFault struct {
	state.Backend
	version int
}

func (f graphFault) Put(ctx context.Context, doc state.Document) error {
	if doc.Kind == state.KindGraph && doc.Version == f.version {
		return errors.New("disk full")
	}
	return f.Backend.Put(ctx, doc)
}

func TestRun_FailedSwitchRedispatchesCanceledWork(t *testing.T) {
	h := newHarness(t)
	h.store = state.NewStore(graphFault{Backend: state.NewMemory(), version: 2})

	var (
		generated atomic.Int32
		mu        sync.Mutex
		order     []string
	)
	record := func(id string) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}
	h.execs.Register("bad", refuse("gone"))
	h.execs.Register("slow", executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		// Holds until the switch is requested, then completes on redispatch.
		if generated.Load() == 0 {
			<-ctx.Done()
			return executor.Result{}, ctx.Err()
		}
		record(req.TaskID)
		return executor.Result{Output: []byte("slow-done")}, nil
	}))
	h.execs.Register("ok", executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		record(req.TaskID)
		return executor.Result{Output: []byte("ok")}, nil
	}))
	eng := h.engine(WithPolicy(fastPolicy()), WithGenerator(switchGenerator(&generated)))

	tasks := declared("root",
		task("a", "bad"),
		task("s", "slow"),
		task("c", "ok", "s"),
	)
	report, err := eng.Run(context.Background(), tasks, "root")
	require.ErrorIs(t, err, ErrIncomplete)

	assert.Equal(t, 1, report.Version)
	assert.Zero(t, report.Replans)
	assert.ElementsMatch(t, []string{"s", "c"}, report.Completed)
	assert.Equal(t, []string{"a"}, report.Failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"s", "c"}, order, "a dependent never runs before its dependency completes")

	_, err = h.store.LoadPlanVersion(context.Background(), report.PlanID, 2)
	assert.True(t, state.IsNotFound(err))
}

func TestRun_EscalationTimeoutAbandons(t *testing.T) {
	h := newHarness(t)
	slow := newWaiter()
	h.execs.Register("bad", refuse("gone"))
	h.execs.Register("slow", slow)
	eng := h.engine(
		WithPolicy(fastPolicy()),
		WithEscalation(replan.ModeTimeout, 30*time.Millisecond),
	)

	report, err := eng.Run(context.Background(), declared("root", task("a", "bad"), task("s", "slow")), "root")
	require.ErrorIs(t, err, ErrAbandoned)

	assert.True(t, slow.canceled.Load())
	assert.Equal(t, models.PlanStatusAbandoned, report.Status)
	plan, err := h.store.LoadPlan(context.Background(), report.PlanID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusAbandoned, plan.Status)

	esc := h.rec.Filter(audit.EntityEscalation)
	require.Len(t, esc, 2)
	assert.Equal(t, string(replan.ResolveAbandon), esc[1].NewState)
	assert.True(t, esc[1].Degraded)
	assert.Equal(t, PhaseAbandoned, eng.Status().Phase)
}

func TestRun_EscalationContinueResumesDispatch(t *testing.T) {
	h := newHarness(t)
	slow := newWaiter()
	h.execs.Register("ok", echo("done"))
	h.execs.Register("bad", refuse("gone"))
	h.execs.Register("slow", slow)
	eng := h.engine(
		WithPolicy(fastPolicy()),
		WithEscalation(replan.ModeBlock, 0),
	)

	done := make(chan error, 1)
	var report *Report
	go func() {
		var err error
		report, err = eng.Run(context.Background(), declared("root",
			task("a", "bad"),
			task("s", "slow"),
			task("after", "ok", "s"),
		), "root")
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := eng.Escalator().Pending()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, eng.Status().Paused)
	assert.Equal(t, PhaseEscalated, eng.Status().Phase)

	require.NoError(t, eng.Escalator().Respond(replan.EscalationResponse{
		Resolution: replan.ResolveContinue,
		Reason:     "known outage",
	}))
	require.Eventually(t, func() bool { return !eng.Status().Paused }, 2*time.Second, 5*time.Millisecond)
	close(slow.release)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrIncomplete)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.ElementsMatch(t, []string{"s", "after"}, report.Completed)
	assert.Equal(t, []string{"a"}, report.Failed)

	pending := 0
	for _, ev := range h.rec.Filter(audit.EntityEscalation) {
		if ev.NewState == "pending" {
			pending++
		}
	}
	assert.Equal(t, 1, pending, "an acknowledged trigger set is not escalated again")
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	h := newHarness(t)
	slow := newWaiter()
	h.execs.Register("slow", slow)
	eng := h.engine()

	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(context.Background(), declared("root", task("s", "slow")), "root")
		done <- err
	}()
	<-slow.started

	st := eng.Status()
	assert.Equal(t, PhaseExecuting, st.Phase)
	assert.Equal(t, []string{"s"}, st.InFlight)
	assert.Equal(t, 1, st.Tasks[models.TaskStatusRunning])

	_, err := eng.Run(context.Background(), declared("root", task("s", "slow")), "root")
	assert.ErrorIs(t, err, ErrRunning)

	close(slow.release)
	require.NoError(t, <-done)
}

func TestRun_StopAbandonsPlan(t *testing.T) {
	h := newHarness(t)
	slow := newWaiter()
	h.execs.Register("slow", slow)
	eng := h.engine()

	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(context.Background(), declared("root", task("s", "slow")), "root")
		done <- err
	}()
	<-slow.started
	eng.Stop()

	err := <-done
	require.ErrorIs(t, err, ErrStopped)
	assert.True(t, slow.canceled.Load())
	assert.Equal(t, models.PlanStatusAbandoned, eng.Plan().Status)
}

func TestRun_InvalidHierarchyFailsBeforePlanning(t *testing.T) {
	h := newHarness(t)
	eng := h.engine()

	_, err := eng.Run(context.Background(), declared("root", &models.Task{ID: "a", Complexity: 1}), "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no executor")
	assert.Nil(t, eng.Plan())

	plans, err := h.store.ListPlans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestRun_ParallelAggregationFlagsConflicts(t *testing.T) {
	h := newHarness(t)
	h.execs.Register("left", echo(`{"region":"eu","owner":"a"}`))
	h.execs.Register("right", echo(`{"region":"us"}`))
	eng := h.engine()

	tasks := declared("root", task("l", "left"), task("r", "right"))
	tasks[0].Params = map[string]string{decompose.ParamAggregate: string(decompose.PolicyParallel)}

	report, err := eng.Run(context.Background(), tasks, "root")
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusCompleted, report.Status)
	require.Contains(t, report.Conflicts, "root")
	assert.False(t, report.FullSuccess())
	assert.Contains(t, string(report.Result), `"owner":"a"`)
}

func TestPayloadJoinsDependencyResults(t *testing.T) {
	tasks := []*models.Task{
		{ID: "root", Children: []string{"a", "b", "c"}, Status: models.TaskStatusPending},
		{ID: "a", ParentID: "root", Level: 1, ExecutorRef: "x", Status: models.TaskStatusPending},
		{ID: "b", ParentID: "root", Level: 1, ExecutorRef: "x", Status: models.TaskStatusPending},
		{ID: "c", ParentID: "root", Level: 1, ExecutorRef: "x", DependsOn: []string{"a", "b"}, Status: models.TaskStatusPending},
	}
	g, err := graph.Build(tasks, "root", nil, graph.Options{MaxDepth: 5})
	require.NoError(t, err)

	assert.Nil(t, payload(g, "a"))
	g.MarkComplete("a", []byte("one"), false, time.Now())
	g.MarkComplete("b", []byte("two"), false, time.Now())
	assert.Equal(t, "one\ntwo", string(payload(g, "c")))
}

func TestReconfigure_AppliesToNextRun(t *testing.T) {
	h := newHarness(t)
	var (
		mu       sync.Mutex
		inflight int
		peak     int
	)
	h.execs.Register("track", executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return executor.Result{}, nil
	}))
	eng := h.engine(WithMaxConcurrency(4))

	cfg := config.Default()
	cfg.Scheduler.MaxConcurrency = 1
	eng.Reconfigure(cfg)

	_, err := eng.Run(context.Background(), declared("root",
		task("a", "track"), task("b", "track"), task("c", "track"),
	), "root")
	require.NoError(t, err)
	assert.Equal(t, 1, peak)
}
