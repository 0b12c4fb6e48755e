package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/pkg/models"
)

func rootTask(complexity int) *models.Task {
	return &models.Task{
		ID:          "root",
		Complexity:  complexity,
		Divisible:   true,
		ExecutorRef: "echo",
	}
}

func TestByLayerScenario(t *testing.T) {
	strategy, err := Builtin(ByLayer)
	require.NoError(t, err)

	g, err := New(strategy).Decompose(context.Background(), rootTask(34))
	require.NoError(t, err)

	atomic := g.Atomic()
	require.Len(t, atomic, 3)
	var sizes []int
	for _, id := range atomic {
		tk := g.GetTask(id)
		assert.Equal(t, 1, tk.Level)
		assert.Equal(t, "root", tk.ParentID)
		sizes = append(sizes, tk.Complexity)
	}
	assert.ElementsMatch(t, []int{8, 13, 13}, sizes)

	groups, err := g.ParallelGroups(4)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, atomic, groups[0].TaskIDs)
	assert.Equal(t, 34, g.TotalEffort())
}

func TestDecomposerClockStampsChildren(t *testing.T) {
	strategy, err := Builtin(ByLayer)
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	g, err := New(strategy, WithClock(func() time.Time { return at })).Decompose(context.Background(), rootTask(34))
	require.NoError(t, err)
	for _, id := range g.Atomic() {
		assert.Equal(t, at, g.GetTask(id).CreatedAt)
	}

	// The shared built-in keeps its own clock.
	children, err := strategy.Split(context.Background(), rootTask(34))
	require.NoError(t, err)
	assert.NotEqual(t, at, children[0].CreatedAt)
}

func TestDecomposeStopsAtThreshold(t *testing.T) {
	strategy, err := Builtin(ByComponent)
	require.NoError(t, err)

	g, err := New(strategy).Decompose(context.Background(), rootTask(13))
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, g.Atomic())
}

func TestDecomposeRespectsDivisible(t *testing.T) {
	strategy, err := Builtin(ByComponent)
	require.NoError(t, err)

	root := rootTask(100)
	root.Divisible = false
	g, err := New(strategy).Decompose(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Size())
}

func TestDecomposeRecursesToMaxDepth(t *testing.T) {
	strategy := NewWeighted("halves", Slice{Name: "a", Weight: 1}, Slice{Name: "b", Weight: 1})

	g, err := New(strategy, WithThreshold(1), WithMaxDepth(3)).Decompose(context.Background(), rootTask(64))
	require.NoError(t, err)

	require.NoError(t, g.Validate())
	for _, tk := range g.Tasks() {
		assert.LessOrEqual(t, tk.Level, 3)
	}
	assert.Len(t, g.Atomic(), 8)
	assert.Equal(t, 64, g.TotalEffort())
}

func TestByPhaseIsSequential(t *testing.T) {
	strategy, err := Builtin(ByPhase)
	require.NoError(t, err)

	g, err := New(strategy).Decompose(context.Background(), rootTask(20))
	require.NoError(t, err)

	groups, err := g.ParallelGroups(4)
	require.NoError(t, err)
	assert.Len(t, groups, 3)
	assert.Equal(t, 20, g.TotalEffort())
}

type brokenStrategy struct{}

func (brokenStrategy) Name() string { return "broken" }

func (brokenStrategy) Split(_ context.Context, t *models.Task) ([]*models.Task, error) {
	return []*models.Task{{ID: t.ID + "/x", Complexity: t.Complexity - 1, ExecutorRef: "echo"}}, nil
}

func TestDecomposeRejectsInconsistentEffort(t *testing.T) {
	_, err := New(brokenStrategy{}).Decompose(context.Background(), rootTask(20))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "children effort")
}

func TestExpandAllKeepsDeclaredHierarchy(t *testing.T) {
	strategy, err := Builtin(ByLayer)
	require.NoError(t, err)

	declared := []*models.Task{
		{ID: "root", Children: []string{"small", "big"}},
		{ID: "small", Complexity: 3, ExecutorRef: "echo"},
		{ID: "big", Complexity: 34, ExecutorRef: "echo", Divisible: true, DependsOn: []string{"small"}},
	}
	d := New(strategy)
	tasks, err := d.ExpandAll(context.Background(), declared, "root")
	require.NoError(t, err)

	g, err := d.Build(context.Background(), tasks, "root")
	require.NoError(t, err)
	assert.Equal(t, 37, g.TotalEffort())
	assert.Len(t, g.Leaves("big"), 3)

	groups, err := g.ParallelGroups(4)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"small"}, groups[0].TaskIDs)
}

func TestDeclaredClassifier(t *testing.T) {
	tasks := []*models.Task{
		{ID: "root", Children: []string{"a", "b", "c"}},
		{ID: "a", ParentID: "root", Level: 1, ExecutorRef: "x", Params: map[string]string{ParamProduces: "schema"}},
		{ID: "b", ParentID: "root", Level: 1, ExecutorRef: "x", Params: map[string]string{ParamConsumes: "schema, other"}},
		{ID: "c", ParentID: "root", Level: 1, ExecutorRef: "x", Resources: []string{"db"}},
	}
	tasks[1].Resources = []string{"db"}

	edges, err := DeclaredClassifier{}.Classify(context.Background(), tasks)
	require.NoError(t, err)
	assert.Contains(t, edges, graph.Edge{From: "a", To: "b", Relation: graph.RelationDataDependency})
	assert.Contains(t, edges, graph.Edge{From: "a", To: "c", Relation: graph.RelationResourceMutex})
}

func TestDecomposeCycleFromClassifier(t *testing.T) {
	strategy, err := Builtin(ByComponent)
	require.NoError(t, err)

	cyclic := ClassifierFunc(func(_ context.Context, tasks []*models.Task) ([]graph.Edge, error) {
		return []graph.Edge{
			{From: "root/api", To: "root/service", Relation: graph.RelationSequential},
			{From: "root/service", To: "root/api", Relation: graph.RelationDataDependency},
		}, nil
	})
	_, err = New(strategy, WithClassifier(cyclic)).Decompose(context.Background(), rootTask(30))
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrCycleDetected))
}

func TestApportionSumsToTotal(t *testing.T) {
	for total := 0; total < 60; total++ {
		sizes := apportion(total, []Slice{{Weight: 1}, {Weight: 3}, {Weight: 1}})
		sum := 0
		for _, s := range sizes {
			sum += s
		}
		assert.Equal(t, total, sum, "total %d", total)
	}
}

func TestAggregateSequential(t *testing.T) {
	agg, err := Aggregate(PolicySequential, []ChildResult{
		{TaskID: "a", Result: []byte("one"), Effort: 3},
		{TaskID: "b", Result: []byte("two"), Effort: 5, Degraded: true},
	}, AggregateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", string(agg.Result))
	assert.Equal(t, 8, agg.Effort)
	assert.True(t, agg.Degraded)
}

func TestAggregateParallelFlagsConflicts(t *testing.T) {
	agg, err := Aggregate(PolicyParallel, []ChildResult{
		{TaskID: "a", Result: []byte(`{"x":1,"y":2}`), Effort: 3},
		{TaskID: "b", Result: []byte(`{"x":1,"y":3}`), Effort: 5},
		{TaskID: "c", Result: []byte("plain"), Effort: 2},
	}, AggregateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, agg.Effort)
	require.Len(t, agg.Conflicts, 1)
	assert.Contains(t, agg.Conflicts[0], `"y"`)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(agg.Result, &merged))
	assert.Equal(t, "plain", merged["c"])
	assert.EqualValues(t, 2, merged["y"])
}

func TestAggregateSynthesisVotes(t *testing.T) {
	agg, err := Aggregate(PolicySynthesis, []ChildResult{
		{TaskID: "a", Result: []byte("use postgres for storage"), Confidence: 0.9, Effort: 1},
		{TaskID: "b", Result: []byte("use postgres for storage"), Confidence: 0.8, Effort: 1},
		{TaskID: "c", Result: []byte("keep everything in memory"), Confidence: 0.6, Effort: 1},
	}, AggregateOptions{ConflictDelta: 0.1})
	require.NoError(t, err)
	assert.Equal(t, "use postgres for storage", string(agg.Result))
	assert.Equal(t, 3, agg.Effort)
	assert.Empty(t, agg.Conflicts)
}

func TestAggregateUnknownPolicy(t *testing.T) {
	_, err := Aggregate("vote-by-dice", nil, AggregateOptions{})
	assert.Error(t, err)
}
