package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/executor"
)

func TestPool_RunsPlansConcurrently(t *testing.T) {
	execs := executor.NewRegistry()
	execs.Register("ok", echo("done"))
	shared := breaker.NewRegistry(breaker.DefaultConfig())

	pool := NewPool(PoolConfig{Executors: execs, Breakers: shared})

	first, err := pool.Submit(declared("root", task("a", "ok")), "root")
	require.NoError(t, err)
	second, err := pool.Submit(declared("root", task("b", "ok")), "root")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case res := <-pool.Results():
			require.NoError(t, res.Err)
			require.NotNil(t, res.Report)
			assert.True(t, res.Report.FullSuccess())
			seen[res.EngineID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("pool result not delivered")
		}
	}
	assert.True(t, seen[first])
	assert.True(t, seen[second])
	assert.Equal(t, 0, pool.Count())
	assert.NotNil(t, shared.Breaker("ok"))

	require.NoError(t, pool.Stop())
	_, open := <-pool.Results()
	assert.False(t, open)

	_, err = pool.Submit(declared("root", task("c", "ok")), "root")
	assert.Error(t, err)
}

func TestPool_StopCancelsRunningEngines(t *testing.T) {
	execs := executor.NewRegistry()
	slow := newWaiter()
	execs.Register("slow", slow)
	pool := NewPool(PoolConfig{Executors: execs})

	id, err := pool.Submit(declared("root", task("s", "slow")), "root")
	require.NoError(t, err)
	<-slow.started

	eng, ok := pool.Engine(id)
	require.True(t, ok)
	assert.Equal(t, PhaseExecuting, eng.Status().Phase)

	require.NoError(t, pool.Stop())
	res, ok := <-pool.Results()
	require.True(t, ok)
	assert.True(t, errors.Is(res.Err, ErrStopped) || errors.Is(res.Err, context.Canceled))
	assert.True(t, slow.canceled.Load())
}
