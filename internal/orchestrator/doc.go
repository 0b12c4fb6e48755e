// Package orchestrator is the engine that composes the coordination
// patterns into one execution core.
//
// A run proceeds in phases:
//   - Framing (optional): contributors converge on the problem through a
//     blackboard.
//   - Decomposing: the declared hierarchy is expanded into a task graph and
//     wrapped in plan version 1.
//   - Executing: the graph's parallel groups run strictly in order. Tasks of
//     one group run concurrently, atomic tasks through their executor's
//     circuit breaker and transactional tasks as sagas.
//   - Replanning: a monitor evaluates the plan on a fixed cadence. A better
//     alternative replaces the plan at the next group boundary; completed
//     results carry over and obsolete in-flight tasks are canceled.
//
// Failed tasks block their dependents and raise blockers that feed the
// replanner's risk score. Every degraded outcome is tagged in the audit
// stream, and a plan finishing with fallback results is never reported as
// a full success.
//
// Example usage:
//
//	execs := executor.NewRegistry()
//	execs.Register("build", executor.NewCommandExecutor("."))
//	eng := orchestrator.New(orchestrator.RequiredConfig{Executors: execs},
//		orchestrator.WithConfig(cfg),
//		orchestrator.WithStore(store),
//	)
//	report, err := eng.RunTask(ctx, root)
package orchestrator
