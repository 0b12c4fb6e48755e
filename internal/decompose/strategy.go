package decompose

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ShayCichocki/loom/pkg/models"
)

// Strategy splits a composite task into children whose combined effort is
// consistent with the parent's. Strategies never look at task content; they
// only shape the hierarchy.
type Strategy interface {
	// Name identifies the strategy in plans and replan history.
	Name() string
	// Split returns the children of task. Children must be new tasks with
	// Level and ParentID left for the caller to set or set consistently.
	Split(ctx context.Context, task *models.Task) ([]*models.Task, error)
}

// Slice is one named share of a WeightedStrategy.
type Slice struct {
	Name string
	// Weight is the relative share of the parent's effort.
	Weight float64
	// AfterPrevious makes the slice depend on the slice before it.
	AfterPrevious bool
	// Resources are added to the child's mutex resources.
	Resources []string
}

// WeightedStrategy splits a task into fixed named slices, distributing the
// parent's complexity proportionally to the slice weights. The rounded
// shares always sum to the parent's complexity.
type WeightedStrategy struct {
	name   string
	slices []Slice
	now    func() time.Time
}

// NewWeighted creates a strategy from named slices.
func NewWeighted(name string, slices ...Slice) *WeightedStrategy {
	return &WeightedStrategy{name: name, slices: slices, now: time.Now}
}

// WithClock returns a copy of s that stamps children with now.
func (s *WeightedStrategy) WithClock(now func() time.Time) *WeightedStrategy {
	c := *s
	if now != nil {
		c.now = now
	}
	return &c
}

// Name returns the strategy name.
func (s *WeightedStrategy) Name() string { return s.name }

// Split divides task into one child per non-empty slice.
func (s *WeightedStrategy) Split(ctx context.Context, task *models.Task) ([]*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.slices) == 0 {
		return nil, fmt.Errorf("strategy %s has no slices", s.name)
	}

	sizes := apportion(task.Complexity, s.slices)
	now := s.now()

	var children []*models.Task
	prev := ""
	for i, sl := range s.slices {
		if sizes[i] <= 0 {
			continue
		}
		child := &models.Task{
			ID:          task.ID + "/" + sl.Name,
			ParentID:    task.ID,
			Description: sl.Name,
			Level:       task.Level + 1,
			Complexity:  sizes[i],
			Status:      models.TaskStatusPending,
			ExecutorRef: task.ExecutorRef,
			Params:      childParams(task.Params, sl.Name),
			Divisible:   task.Divisible,
			Resources:   append(append([]string(nil), task.Resources...), sl.Resources...),
			CreatedAt:   now,
		}
		if sl.AfterPrevious && prev != "" {
			child.DependsOn = []string{prev}
		}
		children = append(children, child)
		prev = child.ID
	}
	return children, nil
}

// apportion splits total by weight using the largest-remainder method.
func apportion(total int, slices []Slice) []int {
	sum := 0.0
	for _, sl := range slices {
		if sl.Weight > 0 {
			sum += sl.Weight
		}
	}
	sizes := make([]int, len(slices))
	if sum == 0 || total <= 0 {
		return sizes
	}

	type rem struct {
		idx  int
		frac float64
	}
	rems := make([]rem, 0, len(slices))
	assigned := 0
	for i, sl := range slices {
		if sl.Weight <= 0 {
			continue
		}
		exact := float64(total) * sl.Weight / sum
		sizes[i] = int(math.Floor(exact))
		assigned += sizes[i]
		rems = append(rems, rem{idx: i, frac: exact - float64(sizes[i])})
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for i := 0; assigned < total; i++ {
		sizes[rems[i%len(rems)].idx]++
		assigned++
	}
	return sizes
}

func childParams(parent map[string]string, slice string) map[string]string {
	out := make(map[string]string, len(parent)+1)
	for k, v := range parent {
		// Relation hints stay on the composite and are lifted by the graph.
		if k == ParamProduces || k == ParamConsumes {
			continue
		}
		out[k] = v
	}
	out["slice"] = slice
	return out
}

// Built-in strategy names.
const (
	ByLayer     = "by-layer"
	ByJourney   = "by-journey"
	ByComponent = "by-component"
	ByPhase     = "by-phase"
)

// Builtin returns the named built-in strategy.
func Builtin(name string) (Strategy, error) {
	switch name {
	case ByLayer:
		return NewWeighted(ByLayer,
			Slice{Name: "data", Weight: 8},
			Slice{Name: "logic", Weight: 13},
			Slice{Name: "interface", Weight: 13},
		), nil
	case ByJourney:
		return NewWeighted(ByJourney,
			Slice{Name: "entry", Weight: 1},
			Slice{Name: "core", Weight: 2},
			Slice{Name: "exit", Weight: 1},
		), nil
	case ByComponent:
		return NewWeighted(ByComponent,
			Slice{Name: "api", Weight: 1},
			Slice{Name: "service", Weight: 1},
			Slice{Name: "storage", Weight: 1},
		), nil
	case ByPhase:
		return NewWeighted(ByPhase,
			Slice{Name: "prepare", Weight: 1},
			Slice{Name: "build", Weight: 3, AfterPrevious: true},
			Slice{Name: "verify", Weight: 1, AfterPrevious: true},
		), nil
	default:
		return nil, fmt.Errorf("unknown decomposition strategy %q", name)
	}
}

// BuiltinNames lists the built-in strategies.
func BuiltinNames() []string {
	return []string{ByLayer, ByJourney, ByComponent, ByPhase}
}
