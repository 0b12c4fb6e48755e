// Package graph provides the task graph: a flat arena of tasks referenced by
// id, the dependency DAG between them, and the parallel groups derived from it.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the task graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrDeadlock indicates tasks remain but none can ever become ready.
	ErrDeadlock = errors.New("scheduling deadlock")
	// ErrInvalidTask indicates a task violates a structural invariant.
	ErrInvalidTask = errors.New("invalid task")
)

// CycleError reports which tasks form a cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// Relation classifies how two tasks interact.
type Relation string

const (
	// RelationDataDependency means the source produces data the target consumes.
	RelationDataDependency Relation = "data_dependency"
	// RelationSequential means the target must run after the source.
	RelationSequential Relation = "sequential"
	// RelationResourceMutex means the two tasks cannot be co-scheduled.
	RelationResourceMutex Relation = "resource_mutex"
)

// Edge is a classified relation between two tasks. For dependency relations
// To depends on From; mutex relations are symmetric.
type Edge struct {
	From     string
	To       string
	Relation Relation
}

// Options controls graph construction.
type Options struct {
	// MaxDepth is the deepest level a task may have.
	MaxDepth int
}

// TaskGraph is an arena of tasks with a dependency DAG over its atomic tasks.
// Composite tasks group their children; dependencies declared on or against
// a composite apply to every atomic leaf beneath it.
type TaskGraph struct {
	mu sync.RWMutex
	// tasks maps task ID to the task itself.
	tasks map[string]*models.Task
	// order is the insertion order, used for deterministic iteration.
	order []string
	// rootID is the task every other task descends from.
	rootID string
	// deps maps atomic task IDs to the atomic tasks they depend on.
	deps map[string][]string
	// mutex holds symmetric cannot-co-schedule pairs.
	mutex map[string]map[string]bool
	// completed tracks which tasks have been marked complete.
	completed map[string]bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// Build constructs a task graph from tasks rooted at rootID. Tasks are
// copied into the arena. Returns an error if an invariant is violated, a
// dependency is unknown, or a cycle is detected.
func Build(tasks []*models.Task, rootID string, relations []Edge, opts Options) (*TaskGraph, error) {
	if opts.MaxDepth <= 0 || opts.MaxDepth > models.MaxLevel {
		opts.MaxDepth = models.MaxLevel
	}

	g := &TaskGraph{
		tasks:     make(map[string]*models.Task, len(tasks)),
		rootID:    rootID,
		deps:      make(map[string][]string),
		mutex:     make(map[string]map[string]bool),
		completed: make(map[string]bool),
		debugLog:  func(format string, args ...interface{}) {},
	}

	// First pass: register all tasks as nodes.
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: task with empty id", ErrInvalidTask)
		}
		if _, dup := g.tasks[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %s", ErrInvalidTask, t.ID)
		}
		c := t.Clone()
		if c.Status == "" {
			c.Status = models.TaskStatusPending
		}
		g.tasks[c.ID] = c
		g.order = append(g.order, c.ID)
		if c.Status == models.TaskStatusCompleted {
			g.completed[c.ID] = true
		}
	}
	if _, ok := g.tasks[rootID]; !ok {
		return nil, fmt.Errorf("%w: root task %s not in graph", ErrInvalidTask, rootID)
	}

	if err := g.validateHierarchy(opts.MaxDepth); err != nil {
		return nil, err
	}

	// Second pass: collect declared and classified dependencies.
	declared := make(map[string][]string)
	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on unknown task %s", ErrInvalidTask, id, dep)
			}
			declared[id] = appendUnique(declared[id], dep)
		}
	}
	for _, e := range relations {
		if _, ok := g.tasks[e.From]; !ok {
			return nil, fmt.Errorf("%w: relation references unknown task %s", ErrInvalidTask, e.From)
		}
		if _, ok := g.tasks[e.To]; !ok {
			return nil, fmt.Errorf("%w: relation references unknown task %s", ErrInvalidTask, e.To)
		}
		switch e.Relation {
		case RelationDataDependency, RelationSequential:
			declared[e.To] = appendUnique(declared[e.To], e.From)
		case RelationResourceMutex:
			g.addMutexLifted(e.From, e.To)
		default:
			return nil, fmt.Errorf("%w: unknown relation %q", ErrInvalidTask, e.Relation)
		}
	}

	// Lift dependencies onto atomic leaves: a dependency of (or on) a
	// composite applies to each of its leaves, including inherited ones.
	for _, id := range g.order {
		if !g.tasks[id].IsAtomic() {
			continue
		}
		for _, anc := range g.selfAndAncestors(id) {
			for _, dep := range declared[anc] {
				for _, leaf := range g.leavesLocked(dep) {
					g.deps[id] = appendUnique(g.deps[id], leaf)
				}
			}
		}
	}

	g.addResourceMutexes()

	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	if _, err := g.groupsLocked(len(g.tasks)+1, nil); err != nil {
		return nil, err
	}
	return g, nil
}

// validateHierarchy checks parent/child links, levels and executor assignment.
func (g *TaskGraph) validateHierarchy(maxDepth int) error {
	root := g.tasks[g.rootID]
	if root.ParentID != "" {
		if _, ok := g.tasks[root.ParentID]; ok {
			return fmt.Errorf("%w: root %s has a parent in the graph", ErrInvalidTask, root.ID)
		}
	}

	seen := map[string]bool{root.ID: true}
	queue := []string{root.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t := g.tasks[id]

		if t.Level > maxDepth {
			return fmt.Errorf("%w: task %s at level %d exceeds max depth %d", ErrInvalidTask, id, t.Level, maxDepth)
		}
		if t.IsAtomic() && t.ExecutorRef == "" && !t.IsTransactional() {
			return fmt.Errorf("%w: atomic task %s has no executor", ErrInvalidTask, id)
		}
		for _, cid := range t.Children {
			child, ok := g.tasks[cid]
			if !ok {
				return fmt.Errorf("%w: task %s has unknown child %s", ErrInvalidTask, id, cid)
			}
			if seen[cid] {
				return fmt.Errorf("%w: task %s reachable twice in hierarchy", ErrInvalidTask, cid)
			}
			if child.ParentID == "" {
				child.ParentID = id
			}
			if child.ParentID != id {
				return fmt.Errorf("%w: child %s names parent %s, expected %s", ErrInvalidTask, cid, child.ParentID, id)
			}
			if child.Level != t.Level+1 {
				return fmt.Errorf("%w: child %s level %d, expected %d", ErrInvalidTask, cid, child.Level, t.Level+1)
			}
			seen[cid] = true
			queue = append(queue, cid)
		}
	}
	if len(seen) != len(g.tasks) {
		for _, id := range g.order {
			if !seen[id] {
				return fmt.Errorf("%w: task %s is not reachable from root %s", ErrInvalidTask, id, g.rootID)
			}
		}
	}
	return nil
}

func (g *TaskGraph) selfAndAncestors(id string) []string {
	var out []string
	for cur := id; cur != ""; cur = g.tasks[cur].ParentID {
		out = append(out, cur)
		if cur == g.rootID {
			break
		}
	}
	return out
}

func (g *TaskGraph) leavesLocked(id string) []string {
	t := g.tasks[id]
	if t.IsAtomic() {
		return []string{id}
	}
	var out []string
	for _, c := range t.Children {
		out = append(out, g.leavesLocked(c)...)
	}
	return out
}

func (g *TaskGraph) addMutexLifted(a, b string) {
	for _, la := range g.leavesLocked(a) {
		for _, lb := range g.leavesLocked(b) {
			g.addMutex(la, lb)
		}
	}
}

func (g *TaskGraph) addMutex(a, b string) {
	if a == b {
		return
	}
	if g.mutex[a] == nil {
		g.mutex[a] = make(map[string]bool)
	}
	if g.mutex[b] == nil {
		g.mutex[b] = make(map[string]bool)
	}
	g.mutex[a][b] = true
	g.mutex[b][a] = true
}

// addResourceMutexes makes atomic tasks that share a resource mutually exclusive.
func (g *TaskGraph) addResourceMutexes() {
	holders := make(map[string][]string)
	for _, id := range g.order {
		t := g.tasks[id]
		if !t.IsAtomic() {
			continue
		}
		for _, r := range t.Resources {
			holders[r] = append(holders[r], id)
		}
	}
	for _, ids := range holders {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				g.addMutex(ids[i], ids[j])
			}
		}
	}
}

// findCycleLocked returns the members of one cycle, or nil.
// Uses depth-first search with coloring to detect back edges.
func (g *TaskGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			switch colors[dep] {
			case 1:
				// Back edge: the cycle is the stack suffix starting at dep.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle = append([]string(nil), stack[i:]...)
						cycle = append(cycle, dep)
						break
					}
				}
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Always false for a graph returned by Build.
func (g *TaskGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked() != nil
}

// Root returns the root task ID.
func (g *TaskGraph) Root() string {
	return g.rootID
}

// GetTask returns a copy of the task for a given ID, or nil if not found.
func (g *TaskGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return nil
	}
	return t.Clone()
}

// Size returns the number of tasks in the arena.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// IDs returns every task ID in insertion order.
func (g *TaskGraph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Atomic returns the IDs of all atomic tasks in insertion order.
func (g *TaskGraph) Atomic() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, id := range g.order {
		if g.tasks[id].IsAtomic() {
			out = append(out, id)
		}
	}
	return out
}

// Leaves returns the atomic tasks beneath id (id itself if atomic).
func (g *TaskGraph) Leaves(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.tasks[id]; !ok {
		return nil
	}
	return g.leavesLocked(id)
}

// GetDependencies returns the atomic tasks the given atomic task depends on.
func (g *TaskGraph) GetDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.deps[taskID]...)
}

// GetDependents returns the IDs of tasks that depend on the given task.
func (g *TaskGraph) GetDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for _, id := range g.order {
		for _, dep := range g.deps[id] {
			if dep == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Transitive returns every task that directly or indirectly depends on taskID.
func (g *TaskGraph) Transitive(taskID string) []string {
	seen := map[string]bool{}
	queue := []string{taskID}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.GetDependents(cur) {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
				queue = append(queue, d)
			}
		}
	}
	return out
}

// Mutex reports whether two tasks may not be co-scheduled.
func (g *TaskGraph) Mutex(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mutex[a][b]
}

// GetReady returns atomic task IDs that have no unmet dependencies and have
// not started. These tasks can be executed in parallel.
func (g *TaskGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		t := g.tasks[id]
		if !t.IsAtomic() || g.completed[id] {
			continue
		}
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusReady {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			if !g.completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	g.debugLog("[graph.GetReady] returning %d ready tasks: %v", len(ready), ready)
	return ready
}

// MarkComplete marks a task as completed with its result.
func (g *TaskGraph) MarkComplete(taskID string, result []byte, degraded bool, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return
	}
	t.Status = models.TaskStatusCompleted
	t.Result = append([]byte(nil), result...)
	t.Degraded = degraded
	t.Error = ""
	ts := at
	t.CompletedAt = &ts
	g.completed[taskID] = true
	g.debugLog("[graph.MarkComplete] marking task %s as complete", taskID)
}

// SetStatus sets the status of a task, recording reason as its error for
// failed and blocked tasks.
func (g *TaskGraph) SetStatus(taskID string, status models.TaskStatus, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return
	}
	t.Status = status
	if status == models.TaskStatusFailed || status == models.TaskStatusBlocked {
		t.Error = reason
	}
}

// IsComplete reports whether the task has completed.
func (g *TaskGraph) IsComplete(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.completed[taskID]
}

// GetCompletedIDs returns the IDs of all completed tasks in insertion order.
func (g *TaskGraph) GetCompletedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ids []string
	for _, id := range g.order {
		if g.completed[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a copy of the arena. Tasks are cloned, so the snapshot
// stays valid while execution continues.
func (g *TaskGraph) Snapshot() map[string]*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]*models.Task, len(g.tasks))
	for id, t := range g.tasks {
		out[id] = t.Clone()
	}
	return out
}

// Tasks returns cloned tasks in insertion order.
func (g *TaskGraph) Tasks() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].Clone())
	}
	return out
}

// Validate re-checks the structural invariants: every child sits one level
// below its parent and the dependency graph is acyclic.
func (g *TaskGraph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.order {
		t := g.tasks[id]
		for _, c := range t.Children {
			if g.tasks[c].Level != t.Level+1 {
				return fmt.Errorf("%w: child %s of %s has level %d", ErrInvalidTask, c, id, g.tasks[c].Level)
			}
		}
	}
	if cycle := g.findCycleLocked(); cycle != nil {
		return &CycleError{Cycle: cycle}
	}
	return nil
}

// RollUp derives composite task statuses from their children, bottom-up.
// A composite is completed when every child completed, failed when any
// child failed, blocked when any child is blocked, running when any child
// started, and pending otherwise.
func (g *TaskGraph) RollUp() {
	g.mu.Lock()
	defer g.mu.Unlock()
	var visit func(id string) models.TaskStatus
	visit = func(id string) models.TaskStatus {
		t := g.tasks[id]
		if t.IsAtomic() {
			return t.Status
		}
		counts := map[models.TaskStatus]int{}
		for _, c := range t.Children {
			counts[visit(c)]++
		}
		switch {
		case counts[models.TaskStatusCompleted] == len(t.Children):
			t.Status = models.TaskStatusCompleted
			g.completed[id] = true
		case counts[models.TaskStatusFailed] > 0:
			t.Status = models.TaskStatusFailed
		case counts[models.TaskStatusBlocked] > 0:
			t.Status = models.TaskStatusBlocked
		case counts[models.TaskStatusRunning] > 0 || counts[models.TaskStatusCompleted] > 0:
			t.Status = models.TaskStatusRunning
		default:
			t.Status = models.TaskStatusPending
		}
		return t.Status
	}
	visit(g.rootID)
}

// SetDebugLog sets the debug logging function.
func (g *TaskGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
