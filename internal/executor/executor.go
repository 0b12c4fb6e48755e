// Package executor defines the capability the engine calls to perform a unit
// of work. The engine never interprets task content; everything it knows
// about a task travels opaquely through Request and Result.
package executor

import (
	"context"
	"time"
)

// Request describes one invocation of an executor.
type Request struct {
	// TaskID is the task or saga step being executed.
	TaskID string
	// Ref is the executor identity the request was routed to.
	Ref string
	// Params are passed through from the task definition.
	Params map[string]string
	// Payload carries upstream results, if any.
	Payload []byte
	// Deadline is the latest time the invocation may finish. Zero means none.
	Deadline time.Time
	// Compensation is true when the request undoes an earlier forward step.
	// Compensations are always a fresh call, never a retry of the forward call.
	Compensation bool
}

// Result is the opaque outcome of an invocation.
type Result struct {
	Output []byte
	// Confidence in [0,1]. Zero is treated as full confidence.
	Confidence float64
}

// EffectiveConfidence returns the confidence with the zero default applied.
func (r Result) EffectiveConfidence() float64 {
	if r.Confidence <= 0 || r.Confidence > 1 {
		return 1
	}
	return r.Confidence
}

// Executor performs a unit of work. Implementations should be safe to call
// again for the same request where possible; the engine does not assume it.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts an ordinary function to the Executor interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute calls f(ctx, req).
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// WithDeadline derives a context bounded by the request deadline.
func WithDeadline(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, req.Deadline)
}
