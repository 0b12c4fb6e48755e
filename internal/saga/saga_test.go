package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/state"
	"github.com/ShayCichocki/loom/pkg/models"
)

// journal records every call in order and fails the actions listed in fail.
type journal struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (j *journal) executor(action string) executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		j.mu.Lock()
		j.calls = append(j.calls, action)
		failing := j.fail[action]
		j.mu.Unlock()
		if failing {
			return executor.Result{}, fmt.Errorf("%s refused", action)
		}
		return executor.Result{Output: []byte(action + "-done")}, nil
	})
}

func (j *journal) Calls() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func steps(n int) []models.SagaStepSpec {
	out := make([]models.SagaStepSpec, n)
	for i := range out {
		out[i] = models.SagaStepSpec{
			Name:               fmt.Sprintf("s%d", i+1),
			ForwardAction:      fmt.Sprintf("do%d", i+1),
			CompensatingAction: fmt.Sprintf("undo%d", i+1),
		}
	}
	return out
}

func setup(n int, fail ...string) (*journal, *executor.Registry) {
	j := &journal{fail: map[string]bool{}}
	for _, f := range fail {
		j.fail[f] = true
	}
	reg := executor.NewRegistry()
	for i := 1; i <= n; i++ {
		reg.Register(fmt.Sprintf("do%d", i), j.executor(fmt.Sprintf("do%d", i)))
		reg.Register(fmt.Sprintf("undo%d", i), j.executor(fmt.Sprintf("undo%d", i)))
	}
	return j, reg
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name  string
		steps []models.SagaStepSpec
	}{
		{"no steps", nil},
		{"missing name", []models.SagaStepSpec{{ForwardAction: "a", CompensatingAction: "b"}}},
		{"missing forward", []models.SagaStepSpec{{Name: "x", CompensatingAction: "b"}}},
		{"missing compensation", []models.SagaStepSpec{{Name: "x", ForwardAction: "a"}}},
		{"duplicate", append(steps(1), steps(1)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("s", "", tt.steps, time.Now())
			assert.ErrorIs(t, err, ErrInvalidSaga)
		})
	}

	sg, err := New("", "task", steps(2), time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, sg.ID)
	assert.Equal(t, models.SagaExecuting, sg.Status)
	assert.Equal(t, models.StepPending, sg.Steps[1].Status)
}

func TestFailureAtStepThreeCompensatesTwoThenOne(t *testing.T) {
	j, reg := setup(4, "do3")
	store := state.NewStore(state.NewMemory())
	c := NewCoordinator(reg, store)

	sg, err := New("order", "", steps(4), time.Now())
	require.NoError(t, err)

	out, err := c.Run(context.Background(), sg)
	require.ErrorIs(t, err, ErrRolledBack)
	assert.Contains(t, err.Error(), "do3 refused")

	assert.Equal(t, []string{"do1", "do2", "do3", "undo2", "undo1"}, j.Calls())
	assert.Equal(t, models.SagaFailed, out.Status)
	assert.Equal(t, models.FinalRolledBack, out.FinalState)
	assert.Equal(t, models.StepCompensated, out.Steps[0].Status)
	assert.Equal(t, models.StepCompensated, out.Steps[1].Status)
	assert.Equal(t, models.StepFailed, out.Steps[2].Status)
	assert.Equal(t, models.StepPending, out.Steps[3].Status)
	assert.False(t, out.NeedsManualIntervention())

	// Every transition is its own persisted revision.
	history, err := store.SagaHistory(context.Background(), "order")
	require.NoError(t, err)
	statuses := make([]models.SagaStatus, len(history))
	for i, h := range history {
		assert.Equal(t, i+1, h.Revision)
		statuses[i] = h.Status
	}
	assert.Equal(t, []models.SagaStatus{
		models.SagaExecuting,    // started
		models.SagaExecuting,    // s1 completed
		models.SagaExecuting,    // s2 completed
		models.SagaCompensating, // s3 failed
		models.SagaCompensating, // s2 compensated
		models.SagaCompensating, // s1 compensated
		models.SagaFailed,
	}, statuses)

	// The caller's value is untouched.
	assert.Equal(t, models.SagaExecuting, sg.Status)
}

func TestCommit(t *testing.T) {
	j, reg := setup(3)
	rec := &audit.Recorder{}
	emitter := audit.NewEmitter(32, rec)
	c := NewCoordinator(reg, state.NewStore(state.NewMemory()), WithEmitter(emitter))

	sg, err := New("ok", "", steps(3), time.Now())
	require.NoError(t, err)
	out, err := c.Run(context.Background(), sg)
	require.NoError(t, err)

	assert.Equal(t, []string{"do1", "do2", "do3"}, j.Calls())
	assert.Equal(t, models.SagaCompleted, out.Status)
	assert.Equal(t, models.FinalCommitted, out.FinalState)
	for i, st := range out.Steps {
		assert.Equal(t, models.StepCompleted, st.Status)
		assert.Equal(t, i+1, st.CompletedSeq)
	}
	assert.Equal(t, "do2-done", string(out.Steps[1].Result))

	emitter.Close()
	assert.Len(t, rec.Filter(audit.EntitySagaStep), 3)
	sagaEvents := rec.Filter(audit.EntitySaga)
	require.Len(t, sagaEvents, 2)
	assert.Equal(t, "completed", sagaEvents[1].NewState)
}

func TestCompensationIsBestEffort(t *testing.T) {
	j, reg := setup(3, "do3", "undo2")
	rec := &audit.Recorder{}
	emitter := audit.NewEmitter(32, rec)
	c := NewCoordinator(reg, state.NewStore(state.NewMemory()), WithEmitter(emitter))

	sg, err := New("partial", "", steps(3), time.Now())
	require.NoError(t, err)
	out, err := c.Run(context.Background(), sg)
	require.ErrorIs(t, err, ErrRolledBack)

	assert.Equal(t, []string{"do1", "do2", "do3", "undo2", "undo1"}, j.Calls())
	assert.Equal(t, models.FinalRolledBack, out.FinalState)
	assert.True(t, out.Steps[1].ManualIntervention)
	assert.Contains(t, out.Steps[1].CompensationError, "undo2 refused")
	assert.Equal(t, models.StepCompensated, out.Steps[0].Status)
	assert.True(t, out.NeedsManualIntervention())

	emitter.Close()
	final := rec.Filter(audit.EntitySaga)
	require.NotEmpty(t, final)
	last := final[len(final)-1]
	assert.Equal(t, "failed", last.NewState)
	assert.True(t, last.Degraded)
	assert.True(t, last.ManualIntervention)
}

func TestCanceledContextStillUnwinds(t *testing.T) {
	j, reg := setup(3)
	ctx, cancel := context.WithCancel(context.Background())
	reg.Register("do2", executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		cancel()
		return executor.Result{}, ctx.Err()
	}))
	c := NewCoordinator(reg, nil)

	sg, err := New("cancel", "", steps(3), time.Now())
	require.NoError(t, err)
	out, err := c.Run(ctx, sg)
	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, []string{"do1", "undo1"}, j.Calls())
	assert.Equal(t, models.StepCompensated, out.Steps[0].Status)
}

func TestRecoverContinuesForward(t *testing.T) {
	ctx := context.Background()
	j, reg := setup(4)
	store := state.NewStore(state.NewMemory())

	sg, err := New("resume", "", steps(4), time.Now())
	require.NoError(t, err)
	at := time.Now()
	sg.Steps[0].Status = models.StepCompleted
	sg.Steps[0].CompletedSeq = 1
	sg.Steps[0].ExecutedAt = &at
	sg.Revision = 2
	require.NoError(t, store.SaveSaga(ctx, sg))

	out, err := NewCoordinator(reg, store).Recover(ctx, "resume")
	require.NoError(t, err)
	assert.Equal(t, []string{"do2", "do3", "do4"}, j.Calls())
	assert.Equal(t, models.FinalCommitted, out.FinalState)
	assert.Greater(t, out.Revision, 2)
}

func TestRecoverContinuesUnwind(t *testing.T) {
	ctx := context.Background()
	j, reg := setup(4)
	store := state.NewStore(state.NewMemory())

	sg, err := New("unwind", "", steps(4), time.Now())
	require.NoError(t, err)
	sg.Status = models.SagaCompensating
	sg.Steps[0].Status, sg.Steps[0].CompletedSeq = models.StepCompleted, 1
	sg.Steps[1].Status, sg.Steps[1].CompletedSeq = models.StepCompleted, 2
	sg.Steps[2].Status, sg.Steps[2].Error = models.StepFailed, "boom"
	sg.Revision = 4
	require.NoError(t, store.SaveSaga(ctx, sg))

	out, err := NewCoordinator(reg, store).Recover(ctx, "unwind")
	require.ErrorIs(t, err, ErrRolledBack)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"undo2", "undo1"}, j.Calls())
	assert.Equal(t, models.SagaFailed, out.Status)

	// Terminal sagas are returned as stored.
	again, err := NewCoordinator(reg, store).Recover(ctx, "unwind")
	require.NoError(t, err)
	assert.Equal(t, out.Revision, again.Revision)
	assert.Len(t, j.Calls(), 2)
}

func TestOpenBreakerFailsTheStep(t *testing.T) {
	j, reg := setup(2)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Hour})
	// Trip the breaker for do2.
	_, _ = breakers.Invoke(context.Background(), "do2", executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{}, errors.New("down")
	}), executor.Request{TaskID: "warmup"})
	require.Equal(t, models.BreakerOpen, breakers.Breaker("do2").State())

	c := NewCoordinator(reg, nil, WithBreakers(breakers))
	sg, err := New("guarded", "", steps(2), time.Now())
	require.NoError(t, err)
	out, err := c.Run(context.Background(), sg)
	require.ErrorIs(t, err, ErrRolledBack)
	assert.Contains(t, out.Steps[1].Error, breaker.ErrOpen.Error())
	assert.Equal(t, []string{"do1", "undo1"}, j.Calls())
}

func TestForwardStepsSkipTheFallbackExecutor(t *testing.T) {
	j, reg := setup(2, "do2")
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Hour})
	breakers.SetFallback("do2", "alt2", j.executor("alt2"))

	c := NewCoordinator(reg, nil, WithBreakers(breakers))
	sg, err := New("fallback", "", steps(2), time.Now())
	require.NoError(t, err)
	out, err := c.Run(context.Background(), sg)
	require.ErrorIs(t, err, ErrRolledBack)

	assert.Equal(t, []string{"do1", "do2", "undo1"}, j.Calls())
	assert.Equal(t, models.StepCompensated, out.Steps[0].Status)
	assert.Equal(t, models.StepFailed, out.Steps[1].Status)
	assert.Equal(t, 1, breakers.Breaker("do2").Snapshot().FailureCount)
}

func TestStepsOfOneSagaNeverOverlap(t *testing.T) {
	var running, peak atomic.Int32
	reg := executor.NewRegistry()
	slow := executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return executor.Result{}, nil
	})
	for _, s := range steps(3) {
		reg.Register(s.ForwardAction, slow)
		reg.Register(s.CompensatingAction, slow)
	}
	c := NewCoordinator(reg, nil)
	sg, err := New("serial", "", steps(3), time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Run(context.Background(), sg)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
}

func TestSummary(t *testing.T) {
	sg := &models.Saga{Status: models.SagaFailed, FinalState: models.FinalRolledBack, Steps: []models.SagaStep{
		{Status: models.StepCompensated},
		{Status: models.StepCompleted, ManualIntervention: true},
		{Status: models.StepFailed},
	}}
	assert.Equal(t, "failed rolled_back: 1 completed, 1 failed, 1 compensated, 1 need manual intervention", Summary(sg))
}
