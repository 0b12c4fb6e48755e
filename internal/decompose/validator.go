package decompose

import (
	"fmt"

	"github.com/ShayCichocki/loom/pkg/models"
)

// ValidationResult contains the results of validating a decomposition.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validate checks a decomposition before it is turned into a graph.
// Errors make the decomposition unusable; warnings are advisory.
func Validate(tasks []*models.Task, rootID string) ValidationResult {
	result := ValidationResult{
		Valid:    true,
		Errors:   []string{},
		Warnings: []string{},
	}

	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	// 1. Validate task references (all dependencies exist)
	validateReferences(tasks, byID, &result)

	// 2. Validate effort consistency of every split
	validateEffort(tasks, byID, &result)

	// 3. Validate atomic tasks have something to run
	validateTaskStructure(tasks, &result)

	// 4. Check for common anti-patterns
	checkAntiPatterns(tasks, rootID, &result)

	return result
}

func validateReferences(tasks []*models.Task, byID map[string]*models.Task, result *ValidationResult) {
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, ok := byID[depID]; !ok {
				result.Valid = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("task %s: references non-existent dependency %s", task.ID, depID))
			}
		}
		for _, c := range task.Children {
			if _, ok := byID[c]; !ok {
				result.Valid = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("task %s: references non-existent child %s", task.ID, c))
			}
		}
	}
}

func validateEffort(tasks []*models.Task, byID map[string]*models.Task, result *ValidationResult) {
	for _, task := range tasks {
		if task.IsAtomic() {
			continue
		}
		sum := 0
		for _, c := range task.Children {
			if child, ok := byID[c]; ok {
				sum += child.Complexity
			}
		}
		// Declared hierarchies may leave the parent estimate at zero.
		if task.Complexity != 0 && sum != task.Complexity {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("task %s: children effort %d differs from estimate %d", task.ID, sum, task.Complexity))
		}
	}
}

func validateTaskStructure(tasks []*models.Task, result *ValidationResult) {
	for _, task := range tasks {
		if task.Level > models.MaxLevel {
			result.Valid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("task %s: level %d exceeds %d", task.ID, task.Level, models.MaxLevel))
		}
		if task.IsAtomic() && task.ExecutorRef == "" && !task.IsTransactional() {
			result.Valid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("task %s: atomic task has no executor", task.ID))
		}
		for i, step := range task.Steps {
			if step.CompensatingAction == "" {
				result.Valid = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("task %s: saga step %d (%s) has no compensating action", task.ID, i, step.Name))
			}
		}
	}
}

func checkAntiPatterns(tasks []*models.Task, rootID string, result *ValidationResult) {
	// Anti-pattern 1: Atomic siblings form a chain (no parallelism)
	siblings := make(map[string][]*models.Task)
	for _, t := range tasks {
		if t.ID != rootID && t.IsAtomic() {
			siblings[t.ParentID] = append(siblings[t.ParentID], t)
		}
	}
	for parent, group := range siblings {
		if len(group) <= 3 {
			continue
		}
		independent := 0
		for _, t := range group {
			if len(t.DependsOn) == 0 {
				independent++
			}
		}
		if independent <= 1 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("task %s: children form a dependency chain with minimal parallelism", parent))
		}
	}

	// Anti-pattern 2: Atomic task with no effort estimate
	for _, t := range tasks {
		if t.IsAtomic() && t.Complexity <= 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("task %s: no complexity estimate", t.ID))
		}
	}
}
