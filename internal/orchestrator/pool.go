package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ShayCichocki/loom/internal/breaker"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/pkg/models"
)

// PoolConfig contains configuration options for the Pool.
type PoolConfig struct {
	Executors *executor.Registry
	// Options are applied to every engine the pool creates.
	Options []Option
	// Breakers, when set, is shared by every engine so that an executor
	// failing for one plan fails fast for all of them.
	Breakers *breaker.Registry
	Logger   *slog.Logger
}

// PoolResult is the outcome of one submitted plan.
type PoolResult struct {
	EngineID string
	Report   *Report
	Err      error
}

// Pool runs several plans concurrently, one engine each. Engines share
// nothing except an optional breaker registry.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	// engines tracks running engines by ID
	engines map[string]*Engine
	mu      sync.RWMutex

	// results aggregates the outcome of every engine
	results chan PoolResult

	// ctx and cancel for pool lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks running engines
	wg sync.WaitGroup
}

// NewPool creates a new Pool.
func NewPool(cfg PoolConfig) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger),
		engines: make(map[string]*Engine),
		results: make(chan PoolResult, 100),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit starts a new engine for the declared hierarchy rooted at rootID
// and returns the engine ID.
func (p *Pool) Submit(tasks []*models.Task, rootID string) (string, error) {
	if p.ctx.Err() != nil {
		return "", fmt.Errorf("pool stopped")
	}

	opts := append([]Option(nil), p.cfg.Options...)
	if p.cfg.Breakers != nil {
		opts = append(opts, WithBreakers(p.cfg.Breakers))
	}
	eng := New(RequiredConfig{Executors: p.cfg.Executors}, opts...)
	id := eng.ID()

	p.mu.Lock()
	p.engines[id] = eng
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		report, err := eng.Run(p.ctx, tasks, rootID)
		if err != nil {
			p.logger.Warn("plan failed", "engine", id, "error", err)
		}

		p.mu.Lock()
		delete(p.engines, id)
		p.mu.Unlock()

		select {
		case p.results <- PoolResult{EngineID: id, Report: report, Err: err}:
		default:
			p.logger.Warn("pool result dropped", "engine", id)
		}
	}()

	return id, nil
}

// Results returns the channel receiving the outcome of every engine.
func (p *Pool) Results() <-chan PoolResult {
	return p.results
}

// Engine returns a running engine by ID.
func (p *Pool) Engine(id string) (*Engine, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.engines[id]
	return e, ok
}

// Stop stops all engines and waits for them to complete.
func (p *Pool) Stop() error {
	p.cancel()

	p.mu.RLock()
	for _, eng := range p.engines {
		eng.Stop()
	}
	p.mu.RUnlock()

	p.wg.Wait()
	close(p.results)
	return nil
}

// Count returns the number of running engines.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.engines)
}
