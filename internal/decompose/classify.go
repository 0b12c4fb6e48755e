package decompose

import (
	"context"
	"strings"

	"github.com/ShayCichocki/loom/internal/graph"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Classifier infers relations between tasks of one decomposition.
type Classifier interface {
	Classify(ctx context.Context, tasks []*models.Task) ([]graph.Edge, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, tasks []*models.Task) ([]graph.Edge, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, tasks []*models.Task) ([]graph.Edge, error) {
	return f(ctx, tasks)
}

// Param keys read by DeclaredClassifier. Values are comma-separated names.
const (
	ParamProduces = "produces"
	ParamConsumes = "consumes"
)

// DeclaredClassifier derives relations from declared hints only:
// a task consuming a name another task produces gets a data dependency on
// it, and tasks sharing a resource are mutually exclusive. Explicit
// DependsOn entries are handled by the graph itself.
type DeclaredClassifier struct{}

// Classify returns the relations implied by params and resources.
func (DeclaredClassifier) Classify(ctx context.Context, tasks []*models.Task) ([]graph.Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	producers := make(map[string][]string)
	for _, t := range tasks {
		for _, name := range splitList(t.Params[ParamProduces]) {
			producers[name] = append(producers[name], t.ID)
		}
	}

	var edges []graph.Edge
	for _, t := range tasks {
		for _, name := range splitList(t.Params[ParamConsumes]) {
			for _, p := range producers[name] {
				if p == t.ID || related(tasks, p, t.ID) {
					continue
				}
				edges = append(edges, graph.Edge{From: p, To: t.ID, Relation: graph.RelationDataDependency})
			}
		}
	}

	holders := make(map[string][]string)
	for _, t := range tasks {
		if !t.IsAtomic() {
			continue
		}
		for _, r := range t.Resources {
			holders[r] = append(holders[r], t.ID)
		}
	}
	for _, ids := range holders {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				edges = append(edges, graph.Edge{From: ids[i], To: ids[j], Relation: graph.RelationResourceMutex})
			}
		}
	}
	return edges, nil
}

// related reports whether one task is an ancestor of the other. A hint
// between a composite and its own descendant would always form a cycle.
func related(tasks []*models.Task, a, b string) bool {
	parent := make(map[string]string, len(tasks))
	for _, t := range tasks {
		parent[t.ID] = t.ParentID
	}
	isAncestor := func(anc, id string) bool {
		for cur := parent[id]; cur != ""; cur = parent[cur] {
			if cur == anc {
				return true
			}
		}
		return false
	}
	return isAncestor(a, b) || isAncestor(b, a)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
