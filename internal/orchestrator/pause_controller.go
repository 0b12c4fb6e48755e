package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ShayCichocki/loom/internal/logging"
)

// ErrStopped is returned by WaitIfPaused once the controller was stopped.
var ErrStopped = errors.New("engine stopped")

// PauseController gates group dispatch. A pause holds the loop at the next
// group boundary; tasks already dispatched keep running.
type PauseController struct {
	mu sync.Mutex
	// gate is closed while dispatch may proceed.
	gate chan struct{}
	// stop is closed once, by Stop.
	stop   chan struct{}
	logger *slog.Logger
}

// NewPauseController returns an open controller.
func NewPauseController(logger *slog.Logger) *PauseController {
	gate := make(chan struct{})
	close(gate)
	return &PauseController{
		gate:   gate,
		stop:   make(chan struct{}),
		logger: logging.OrNop(logger),
	}
}

// Pause holds dispatch until Resume.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if isClosed(p.gate) {
		p.gate = make(chan struct{})
		p.logger.Info("dispatch paused")
	}
}

// Resume releases every waiter held by Pause.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !isClosed(p.gate) {
		close(p.gate)
		p.logger.Info("dispatch resumed")
	}
}

// Stop releases every waiter with ErrStopped. It is idempotent.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !isClosed(p.stop) {
		close(p.stop)
	}
}

func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !isClosed(p.gate)
}

func (p *PauseController) IsStopped() bool {
	return isClosed(p.stop)
}

// WaitIfPaused returns nil once dispatch may proceed, ErrStopped after Stop,
// or the context's error. Stop wins over an open gate.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()

	if isClosed(p.stop) {
		return ErrStopped
	}
	select {
	case <-gate:
		if isClosed(p.stop) {
			return ErrStopped
		}
		return nil
	case <-p.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
