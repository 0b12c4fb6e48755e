// Package decompose provides hierarchical task decomposition: it splits a
// root task recursively with a caller-supplied strategy, infers relations
// between the resulting tasks, and builds the task graph.
package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Defaults for the decomposition bounds.
const (
	DefaultThreshold = 13
	DefaultMaxDepth  = models.MaxLevel
)

// Decomposer breaks a root task down into a task graph.
type Decomposer struct {
	threshold  int
	maxDepth   int
	strategy   Strategy
	classifier Classifier
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithThreshold sets the complexity above which a divisible task is split.
func WithThreshold(n int) Option {
	return func(d *Decomposer) {
		if n > 0 {
			d.threshold = n
		}
	}
}

// WithMaxDepth sets the deepest level children may reach.
func WithMaxDepth(n int) Option {
	return func(d *Decomposer) {
		if n > 0 && n <= models.MaxLevel {
			d.maxDepth = n
		}
	}
}

// WithClassifier replaces the DeclaredClassifier.
func WithClassifier(c Classifier) Option {
	return func(d *Decomposer) {
		if c != nil {
			d.classifier = c
		}
	}
}

// WithClock sets the clock built-in strategies stamp children with.
func WithClock(now func() time.Time) Option {
	return func(d *Decomposer) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decomposer) { d.logger = logging.OrNop(l) }
}

// New creates a new Decomposer using strategy to split tasks.
func New(strategy Strategy, opts ...Option) *Decomposer {
	d := &Decomposer{
		threshold:  DefaultThreshold,
		maxDepth:   DefaultMaxDepth,
		strategy:   strategy,
		classifier: DeclaredClassifier{},
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if ws, ok := d.strategy.(*WeightedStrategy); ok && d.now != nil {
		d.strategy = ws.WithClock(d.now)
	}
	return d
}

// Strategy returns the strategy in use.
func (d *Decomposer) Strategy() Strategy { return d.strategy }

// Decompose expands root and builds its task graph. A task is split while
// its complexity exceeds the threshold, its level is below the max depth,
// and it is divisible; otherwise it stays atomic.
func (d *Decomposer) Decompose(ctx context.Context, root *models.Task) (*graph.TaskGraph, error) {
	tasks, err := d.Expand(ctx, root)
	if err != nil {
		return nil, err
	}
	return d.Build(ctx, tasks, root.ID)
}

// Expand returns root and all of its descendants, without building a graph.
func (d *Decomposer) Expand(ctx context.Context, root *models.Task) ([]*models.Task, error) {
	if root == nil {
		return nil, fmt.Errorf("decompose: nil root task")
	}
	return d.ExpandAll(ctx, []*models.Task{root}, root.ID)
}

// ExpandAll expands a declared hierarchy. Declared composites keep their
// children; every declared atomic task is split further when it qualifies.
func (d *Decomposer) ExpandAll(ctx context.Context, declared []*models.Task, rootID string) ([]*models.Task, error) {
	byID := make(map[string]*models.Task, len(declared))
	for _, t := range declared {
		c := t.Clone()
		if c.Status == "" {
			c.Status = models.TaskStatusPending
		}
		byID[c.ID] = c
	}
	root, ok := byID[rootID]
	if !ok {
		return nil, fmt.Errorf("decompose: root task %s not declared", rootID)
	}

	var tasks []*models.Task
	if err := d.expand(ctx, root, byID, &tasks); err != nil {
		return nil, err
	}

	result := Validate(tasks, rootID)
	if !result.Valid {
		return nil, fmt.Errorf("decompose: %v", result.Errors)
	}
	for _, w := range result.Warnings {
		d.logger.Warn("decomposition warning", "root", rootID, "warning", w)
	}
	return tasks, nil
}

// Build classifies relations between tasks and builds the graph.
func (d *Decomposer) Build(ctx context.Context, tasks []*models.Task, rootID string) (*graph.TaskGraph, error) {
	edges, err := d.classifier.Classify(ctx, tasks)
	if err != nil {
		return nil, fmt.Errorf("classify relations: %w", err)
	}
	g, err := graph.Build(tasks, rootID, edges, graph.Options{MaxDepth: d.maxDepth})
	if err != nil {
		return nil, fmt.Errorf("build task graph: %w", err)
	}
	d.logger.Debug("task graph built",
		"root", rootID,
		"tasks", g.Size(),
		"effort", g.TotalEffort(),
	)
	return g, nil
}

func (d *Decomposer) expand(ctx context.Context, t *models.Task, declared map[string]*models.Task, out *[]*models.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	*out = append(*out, t)

	// Declared composites keep their hierarchy.
	if len(t.Children) > 0 {
		for _, cid := range t.Children {
			child, ok := declared[cid]
			if !ok {
				return fmt.Errorf("task %s has undeclared child %s", t.ID, cid)
			}
			if child.ParentID == "" {
				child.ParentID = t.ID
			}
			child.Level = t.Level + 1
			if err := d.expand(ctx, child, declared, out); err != nil {
				return err
			}
		}
		return nil
	}
	if !d.shouldSplit(t) {
		return nil
	}

	children, err := d.strategy.Split(ctx, t)
	if err != nil {
		return fmt.Errorf("split task %s with %s: %w", t.ID, d.strategy.Name(), err)
	}
	if len(children) == 0 {
		return nil
	}

	sum := 0
	for _, c := range children {
		c.ParentID = t.ID
		c.Level = t.Level + 1
		sum += c.Complexity
	}
	if sum != t.Complexity {
		return fmt.Errorf("split task %s with %s: children effort %d, parent effort %d",
			t.ID, d.strategy.Name(), sum, t.Complexity)
	}

	d.logger.Debug("split task",
		"task", t.ID,
		"strategy", d.strategy.Name(),
		"level", t.Level,
		"children", len(children),
	)

	t.Children = t.Children[:0]
	for _, c := range children {
		t.Children = append(t.Children, c.ID)
	}
	for _, c := range children {
		if err := d.expand(ctx, c, declared, out); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decomposer) shouldSplit(t *models.Task) bool {
	return t.Complexity > d.threshold && t.Level < d.maxDepth && t.Divisible && !t.IsTransactional()
}
