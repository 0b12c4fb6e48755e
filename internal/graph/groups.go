package graph

import (
	"fmt"
)

// Group is a set of atomic tasks with no dependency or mutex relation
// between them. Groups run strictly in order.
type Group struct {
	Index   int      `json:"index"`
	TaskIDs []string `json:"task_ids"`
}

// ParallelGroups partitions the not-yet-completed atomic tasks into an
// ordered sequence of groups. Each layer of ready tasks is split so that
// no group holds two mutually exclusive tasks or more than maxConcurrency
// members. Completed tasks are treated as already satisfied.
func (g *TaskGraph) ParallelGroups(maxConcurrency int) ([]Group, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.groupsLocked(maxConcurrency, g.completed)
}

func (g *TaskGraph) groupsLocked(maxConcurrency int, done map[string]bool) ([]Group, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	scheduled := make(map[string]bool, len(g.tasks))
	var remaining []string
	for _, id := range g.order {
		if !g.tasks[id].IsAtomic() {
			continue
		}
		if done[id] {
			scheduled[id] = true
			continue
		}
		remaining = append(remaining, id)
	}

	var groups []Group
	for len(remaining) > 0 {
		var ready, rest []string
		for _, id := range remaining {
			ok := true
			for _, dep := range g.deps[id] {
				if !scheduled[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, id)
			} else {
				rest = append(rest, id)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("%w: %d tasks can never become ready: %v", ErrDeadlock, len(rest), rest)
		}

		for _, sub := range g.splitLocked(ready, maxConcurrency) {
			groups = append(groups, Group{Index: len(groups), TaskIDs: sub})
		}
		for _, id := range ready {
			scheduled[id] = true
		}
		remaining = rest
	}
	return groups, nil
}

// splitLocked packs ready tasks first-fit into sub-groups that respect the
// mutex relation and the size bound.
func (g *TaskGraph) splitLocked(ready []string, limit int) [][]string {
	var subs [][]string
	for _, id := range ready {
		placed := false
		for i := range subs {
			if len(subs[i]) >= limit || g.conflictsLocked(id, subs[i]) {
				continue
			}
			subs[i] = append(subs[i], id)
			placed = true
			break
		}
		if !placed {
			subs = append(subs, []string{id})
		}
	}
	return subs
}

func (g *TaskGraph) conflictsLocked(id string, members []string) bool {
	for _, m := range members {
		if g.mutex[id][m] {
			return true
		}
	}
	return false
}

// Effort returns the effort of a task: its own complexity when atomic,
// otherwise the sum over its leaves.
func (g *TaskGraph) Effort(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.tasks[id]; !ok {
		return 0
	}
	total := 0
	for _, leaf := range g.leavesLocked(id) {
		total += g.tasks[leaf].Complexity
	}
	return total
}

// TotalEffort returns the summed complexity of all atomic tasks.
func (g *TaskGraph) TotalEffort() int {
	return g.Effort(g.rootID)
}

// CompletedEffort returns the summed complexity of completed atomic tasks.
func (g *TaskGraph) CompletedEffort() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0
	for _, id := range g.order {
		if t := g.tasks[id]; t.IsAtomic() && g.completed[id] {
			total += t.Complexity
		}
	}
	return total
}

// CriticalPath returns the dependency chain of atomic tasks with the
// greatest summed complexity, in execution order, and that sum.
func (g *TaskGraph) CriticalPath() ([]string, int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	best := make(map[string]int, len(g.tasks))
	prev := make(map[string]string, len(g.tasks))
	var visit func(id string) int
	visit = func(id string) int {
		if v, ok := best[id]; ok {
			return v
		}
		top, via := 0, ""
		for _, dep := range g.deps[id] {
			if v := visit(dep); v > top {
				top, via = v, dep
			}
		}
		best[id] = top + g.tasks[id].Complexity
		prev[id] = via
		return best[id]
	}

	end, total := "", -1
	for _, id := range g.order {
		if !g.tasks[id].IsAtomic() {
			continue
		}
		if v := visit(id); v > total {
			end, total = id, v
		}
	}
	if end == "" {
		return nil, 0
	}

	var path []string
	for cur := end; cur != ""; cur = prev[cur] {
		path = append([]string{cur}, path...)
	}
	return path, total
}

// MutexPairs returns the mutually exclusive pairs, each listed once with the
// lexically smaller ID first.
func (g *TaskGraph) MutexPairs() [][2]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out [][2]string
	for _, a := range sortedKeys(boolKeys(g.mutex)) {
		for _, b := range sortedKeys(g.mutex[a]) {
			if a < b {
				out = append(out, [2]string{a, b})
			}
		}
	}
	return out
}

func boolKeys(m map[string]map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}
