package replan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/logging"
)

// EscalationMode decides how long an escalation may wait for an answer.
type EscalationMode string

const (
	// ModeBlock waits until a response arrives or the context ends.
	ModeBlock EscalationMode = "block"
	// ModeTimeout gives up after the configured duration and abandons the plan.
	ModeTimeout EscalationMode = "timeout"
)

// DefaultEscalationTimeout bounds an unanswered escalation in timeout mode.
const DefaultEscalationTimeout = 30 * time.Minute

// Resolution is the operator's answer to an escalation.
type Resolution string

const (
	// ResolveContinue keeps executing the current plan.
	ResolveContinue Resolution = "continue"
	// ResolveReplan switches to the named alternative.
	ResolveReplan Resolution = "replan"
	// ResolveAbandon gives the plan up.
	ResolveAbandon Resolution = "abandon"
)

var (
	// ErrEscalationInProgress is returned when a second escalation is raised
	// before the first one is answered.
	ErrEscalationInProgress = errors.New("escalation already in progress")
	// ErrNoEscalation is returned when responding with nothing pending.
	ErrNoEscalation = errors.New("no escalation in progress")
)

// EscalationRequest describes a plan the replanner could not decide on.
type EscalationRequest struct {
	PlanID   string
	Version  int
	Triggers []Trigger
	Verdict  Verdict
	RaisedAt time.Time
}

// EscalationResponse carries the operator's decision.
type EscalationResponse struct {
	Resolution Resolution
	// Alternative names the chosen alternative for ResolveReplan.
	Alternative string
	Reason      string
	At          time.Time
	// TimedOut is set when the response was produced by the timeout.
	TimedOut bool
}

// Escalator hands control to an external decision-maker. One escalation can
// be pending at a time.
type Escalator struct {
	mode    EscalationMode
	timeout time.Duration
	logger  *slog.Logger
	emitter *audit.Emitter

	mu         sync.RWMutex
	pending    *EscalationRequest
	responseCh chan EscalationResponse
}

// NewEscalator creates an escalator. An unknown mode falls back to timeout.
func NewEscalator(mode EscalationMode, timeout time.Duration, logger *slog.Logger, emitter *audit.Emitter) *Escalator {
	if mode != ModeBlock {
		mode = ModeTimeout
	}
	if timeout <= 0 {
		timeout = DefaultEscalationTimeout
	}
	return &Escalator{
		mode:       mode,
		timeout:    timeout,
		logger:     logging.OrNop(logger),
		emitter:    emitter,
		responseCh: make(chan EscalationResponse, 1),
	}
}

// Mode returns the escalation mode.
func (e *Escalator) Mode() EscalationMode { return e.mode }

// Escalate waits for a response to req. In timeout mode an unanswered
// escalation resolves to ResolveAbandon.
func (e *Escalator) Escalate(ctx context.Context, req EscalationRequest) (EscalationResponse, error) {
	e.mu.Lock()
	if e.pending != nil {
		e.mu.Unlock()
		return EscalationResponse{}, ErrEscalationInProgress
	}
	e.pending = &req
	// Drop a stale answer left over from an earlier escalation.
	select {
	case <-e.responseCh:
	default:
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.pending = nil
		e.mu.Unlock()
	}()

	e.logger.Warn("plan escalated",
		"plan", req.PlanID,
		"version", req.Version,
		"triggers", describe(req.Triggers),
		"rationale", req.Verdict.Rationale,
	)
	e.emitter.Emit(e.event(req, "", "pending", req.Verdict.Rationale))

	var expired <-chan time.Time
	if e.mode == ModeTimeout {
		t := time.NewTimer(e.timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-ctx.Done():
		return EscalationResponse{}, ctx.Err()
	case resp := <-e.responseCh:
		if resp.At.IsZero() {
			resp.At = time.Now()
		}
		e.logger.Info("escalation answered", "plan", req.PlanID, "resolution", resp.Resolution, "reason", resp.Reason)
		e.emitter.Emit(e.event(req, "pending", string(resp.Resolution), resp.Reason))
		return resp, nil
	case <-expired:
		resp := EscalationResponse{
			Resolution: ResolveAbandon,
			Reason:     fmt.Sprintf("escalation timed out after %s", e.timeout),
			At:         time.Now(),
			TimedOut:   true,
		}
		e.logger.Warn("escalation timed out", "plan", req.PlanID, "timeout", e.timeout)
		ev := e.event(req, "pending", string(resp.Resolution), resp.Reason)
		ev.Degraded = true
		e.emitter.Emit(ev)
		return resp, nil
	}
}

// Respond answers the pending escalation.
func (e *Escalator) Respond(resp EscalationResponse) error {
	e.mu.RLock()
	pending := e.pending
	e.mu.RUnlock()
	if pending == nil {
		return ErrNoEscalation
	}
	switch resp.Resolution {
	case ResolveContinue, ResolveAbandon:
	case ResolveReplan:
		if !hasAlternative(pending.Verdict, resp.Alternative) {
			return fmt.Errorf("unknown alternative %q", resp.Alternative)
		}
	default:
		return fmt.Errorf("unknown resolution %q", resp.Resolution)
	}

	select {
	case e.responseCh <- resp:
		return nil
	default:
		return errors.New("escalation already answered")
	}
}

// Pending returns the escalation awaiting an answer, if any.
func (e *Escalator) Pending() (EscalationRequest, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pending == nil {
		return EscalationRequest{}, false
	}
	return *e.pending, true
}

func (e *Escalator) event(req EscalationRequest, from, to, reason string) audit.Event {
	ev := audit.NewEvent(audit.EntityEscalation, fmt.Sprintf("%s@v%d", req.PlanID, req.Version), from, to, reason)
	ev.ManualIntervention = to == "pending"
	return ev
}

func hasAlternative(v Verdict, name string) bool {
	for _, s := range v.Scored {
		if s.Name == name && s.Graph != nil {
			return true
		}
	}
	return false
}
