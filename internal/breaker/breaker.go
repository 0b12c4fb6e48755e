// Package breaker implements per-executor circuit breakers with a fallback
// chain: fresh cached result, then a designated fallback executor, then an
// explicit degraded result naming the missing capability.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/pkg/models"
)

// ErrOpen is the cause recorded when a call is skipped by an open breaker.
var ErrOpen = errors.New("circuit open")

// Config holds the breaker thresholds. One Config applies to every breaker
// of a Registry.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a trial call.
	Timeout time.Duration
	// MaxTimeout caps the doubled timeout after failed trials.
	MaxTimeout time.Duration
	// CacheTTL is how long a successful result may serve as a fallback.
	CacheTTL time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxTimeout:       10 * time.Minute,
		CacheTTL:         5 * time.Minute,
	}
}

// transition describes one state change.
type transition struct {
	from, to models.BreakerState
	reason   string
}

// Breaker is the state machine for one executor identity. All methods lock
// the breaker, so updates for one id are serialized while different ids
// proceed independently.
type Breaker struct {
	mu sync.Mutex

	id        string
	cfg       Config
	state     models.BreakerState
	failures  int
	successes int
	openedAt  time.Time
	timeout   time.Duration
	probing   bool
	lastKind  executor.FailureKind
	updatedAt time.Time
}

func newBreaker(id string, cfg Config, now time.Time) *Breaker {
	return &Breaker{
		id:        id,
		cfg:       cfg,
		state:     models.BreakerClosed,
		timeout:   cfg.Timeout,
		updatedAt: now,
	}
}

// State returns the current state.
func (b *Breaker) State() models.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow decides whether a call may go through. An open breaker whose
// timeout has elapsed moves to half_open and admits one trial call at a time.
// probe is true when the admitted call is a half-open trial.
func (b *Breaker) allow(now time.Time) (ok, probe bool, tr *transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.BreakerClosed:
		return true, false, nil
	case models.BreakerOpen:
		if now.Sub(b.openedAt) < b.timeout {
			return false, false, nil
		}
		tr = b.moveLocked(models.BreakerHalfOpen, "timeout elapsed", now)
		b.successes = 0
	}

	// half_open
	if b.probing {
		return false, false, tr
	}
	b.probing = true
	return true, true, tr
}

// release returns an unused half-open trial slot.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// success records a successful call.
func (b *Breaker) success(probe bool, now time.Time) *transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}

	switch b.state {
	case models.BreakerClosed:
		b.failures = 0
	case models.BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.timeout = b.cfg.Timeout
			return b.moveLocked(models.BreakerClosed, "trial calls succeeded", now)
		}
	}
	b.updatedAt = now
	return nil
}

// failure records a failed call of the given kind.
func (b *Breaker) failure(probe bool, kind executor.FailureKind, now time.Time) *transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	b.lastKind = kind

	switch b.state {
	case models.BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			return b.moveLocked(models.BreakerOpen, string(kind)+" failures reached threshold", now)
		}
	case models.BreakerHalfOpen:
		b.successes = 0
		b.timeout *= 2
		if b.cfg.MaxTimeout > 0 && b.timeout > b.cfg.MaxTimeout {
			b.timeout = b.cfg.MaxTimeout
		}
		b.openedAt = now
		return b.moveLocked(models.BreakerOpen, "trial call failed: "+string(kind), now)
	}
	b.updatedAt = now
	return nil
}

func (b *Breaker) moveLocked(to models.BreakerState, reason string, now time.Time) *transition {
	tr := &transition{from: b.state, to: to, reason: reason}
	b.state = to
	b.updatedAt = now
	return tr
}

// Snapshot returns the persisted form of the breaker.
func (b *Breaker) Snapshot() models.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() models.BreakerSnapshot {
	snap := models.BreakerSnapshot{
		ExecutorID:       b.id,
		State:            b.state,
		FailureCount:     b.failures,
		SuccessCount:     b.successes,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		Timeout:          b.timeout,
		UpdatedAt:        b.updatedAt,
	}
	if b.state != models.BreakerClosed {
		at := b.openedAt
		snap.OpenedAt = &at
	}
	return snap
}

func (b *Breaker) restore(snap models.BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = snap.State
	b.failures = snap.FailureCount
	b.successes = snap.SuccessCount
	if snap.Timeout > 0 {
		b.timeout = snap.Timeout
	}
	if snap.OpenedAt != nil {
		b.openedAt = *snap.OpenedAt
	}
	b.updatedAt = snap.UpdatedAt
	b.probing = false
}
