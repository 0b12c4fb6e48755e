package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/metrics"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Source says where an Outcome's result came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceDegraded Source = "degraded"
)

// Outcome is the result of Invoke. Anything but a live result is Degraded
// and must be treated as lower-confidence by callers.
type Outcome struct {
	Result   executor.Result
	Degraded bool
	Source   Source
	// Missing lists the capabilities that could not be served.
	Missing []string
	// Cause is the failure that triggered the fallback chain, if any.
	Cause error
}

// Persister stores breaker snapshots.
type Persister interface {
	SaveBreaker(ctx context.Context, snap models.BreakerSnapshot) error
}

// Loader reads breaker snapshots back.
type Loader interface {
	LoadBreakers(ctx context.Context) ([]models.BreakerSnapshot, error)
}

type fallback struct {
	id   string
	exec executor.Executor
}

type cached struct {
	result executor.Result
	at     time.Time
}

// Registry owns exactly one breaker per executor identity, created lazily.
type Registry struct {
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	emitter *audit.Emitter
	metrics *metrics.Collector
	persist Persister

	mu        sync.Mutex
	breakers  map[string]*Breaker
	fallbacks map[string]fallback

	cacheMu sync.Mutex
	cache   map[string]cached
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = logging.OrNop(l) } }

// WithEmitter sets the audit emitter.
func WithEmitter(e *audit.Emitter) Option { return func(r *Registry) { r.emitter = e } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(r *Registry) { r.metrics = m } }

// WithPersister saves a snapshot on every state change.
func WithPersister(p Persister) Option { return func(r *Registry) { r.persist = p } }

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	r := &Registry{
		cfg:       cfg,
		now:       time.Now,
		logger:    logging.Nop(),
		breakers:  make(map[string]*Breaker),
		fallbacks: make(map[string]fallback),
		cache:     make(map[string]cached),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns the breaker for id, creating it on first use.
func (r *Registry) Breaker(id string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[id]
	if !ok {
		b = newBreaker(id, r.cfg, r.now())
		r.breakers[id] = b
	}
	return b
}

// SetFallback designates exec, known as fallbackID, as the fallback for id.
// The fallback is itself breaker-wrapped under fallbackID.
func (r *Registry) SetFallback(id, fallbackID string, exec executor.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[id] = fallback{id: fallbackID, exec: exec}
}

// Invoke calls exec through the breaker for id. Open breakers skip the call
// and serve the fallback chain; so do transient failures. Permanent and
// validation failures are returned as errors without fallback.
func (r *Registry) Invoke(ctx context.Context, id string, exec executor.Executor, req executor.Request) (Outcome, error) {
	return r.invoke(ctx, id, exec, req, true)
}

// InvokeDirect calls exec through the breaker for id without the fallback
// chain. The breaker still counts the outcome, and an open breaker fails
// fast with ErrOpen. A successful outcome is always SourceLive.
func (r *Registry) InvokeDirect(ctx context.Context, id string, exec executor.Executor, req executor.Request) (Outcome, error) {
	return r.invoke(ctx, id, exec, req, false)
}

func (r *Registry) invoke(ctx context.Context, id string, exec executor.Executor, req executor.Request, chain bool) (Outcome, error) {
	b := r.Breaker(id)
	ok, probe, tr := b.allow(r.now())
	r.report(b, tr)

	if !ok {
		r.metrics.Invocation(id, "rejected")
		r.logger.Debug("call skipped by open breaker", "executor", id, "task", req.TaskID)
		if !chain {
			return Outcome{}, ErrOpen
		}
		return r.fallback(ctx, id, req, ErrOpen)
	}

	req.Ref = id
	callCtx, cancel := executor.WithDeadline(ctx, req)
	res, err := exec.Execute(callCtx, req)
	cancel()

	if err == nil {
		r.report(b, b.success(probe, r.now()))
		r.store(id, req.TaskID, res)
		r.metrics.Invocation(id, "success")
		return Outcome{Result: res, Source: SourceLive}, nil
	}

	// The caller gave up; that says nothing about the executor.
	if ctx.Err() != nil {
		b.release(probe)
		r.metrics.Invocation(id, "canceled")
		return Outcome{}, ctx.Err()
	}

	kind := executor.KindOf(err)
	if kind == executor.KindValidation {
		b.release(probe)
		r.metrics.Invocation(id, "invalid")
		return Outcome{}, err
	}

	r.report(b, b.failure(probe, executor.Classify(err), r.now()))
	r.metrics.Invocation(id, "failure")
	r.logger.Debug("executor call failed",
		"executor", id,
		"task", req.TaskID,
		"kind", kind,
		"error", err,
	)

	if kind == executor.KindPermanent || !chain {
		return Outcome{}, err
	}
	return r.fallback(ctx, id, req, err)
}

// fallback serves the chain: cache, fallback executor, degraded result.
func (r *Registry) fallback(ctx context.Context, id string, req executor.Request, cause error) (Outcome, error) {
	if res, ok := r.lookup(id, req.TaskID); ok {
		r.metrics.Fallback(id, string(SourceCache))
		return Outcome{Result: res, Degraded: true, Source: SourceCache, Cause: cause}, nil
	}

	r.mu.Lock()
	fb, ok := r.fallbacks[id]
	r.mu.Unlock()
	if ok && fb.id != id {
		out, err := r.invoke(ctx, fb.id, fb.exec, req, false)
		if err == nil {
			r.metrics.Fallback(id, string(SourceFallback))
			return Outcome{Result: out.Result, Degraded: true, Source: SourceFallback, Cause: cause}, nil
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		r.logger.Debug("fallback executor failed", "executor", id, "fallback", fb.id, "error", err)
	}

	r.metrics.Fallback(id, string(SourceDegraded))
	return Outcome{
		Degraded: true,
		Source:   SourceDegraded,
		Missing:  []string{id},
		Cause:    cause,
	}, nil
}

func cacheKey(id, taskID string) string { return id + "\x00" + taskID }

func (r *Registry) store(id, taskID string, res executor.Result) {
	if r.cfg.CacheTTL <= 0 {
		return
	}
	r.cacheMu.Lock()
	r.cache[cacheKey(id, taskID)] = cached{result: res, at: r.now()}
	r.cacheMu.Unlock()
}

func (r *Registry) lookup(id, taskID string) (executor.Result, bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	c, ok := r.cache[cacheKey(id, taskID)]
	if !ok {
		return executor.Result{}, false
	}
	if r.now().Sub(c.at) > r.cfg.CacheTTL {
		delete(r.cache, cacheKey(id, taskID))
		return executor.Result{}, false
	}
	return c.result, true
}

// report publishes a transition: audit event, metrics, log and snapshot.
func (r *Registry) report(b *Breaker, tr *transition) {
	if tr == nil {
		return
	}
	ev := audit.NewEvent(audit.EntityBreaker, b.id, string(tr.from), string(tr.to), tr.reason)
	ev.Degraded = tr.to == models.BreakerOpen
	r.emitter.Emit(ev)
	r.metrics.BreakerTransition(b.id, tr.to)
	r.logger.Info("breaker state changed",
		"executor", b.id,
		"from", tr.from,
		"to", tr.to,
		"reason", tr.reason,
	)
	if r.persist != nil {
		if err := r.persist.SaveBreaker(context.Background(), b.Snapshot()); err != nil {
			r.logger.Error("persist breaker", "executor", b.id, "error", err)
		}
	}
}

// Snapshot returns the state of every breaker, sorted by executor id.
func (r *Registry) Snapshot() []models.BreakerSnapshot {
	r.mu.Lock()
	bs := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		bs = append(bs, b)
	}
	r.mu.Unlock()

	out := make([]models.BreakerSnapshot, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutorID < out[j].ExecutorID })
	return out
}

// Restore loads snapshots into the registry, replacing the state of any
// breaker with the same id.
func (r *Registry) Restore(snaps []models.BreakerSnapshot) {
	for _, s := range snaps {
		r.Breaker(s.ExecutorID).restore(s)
		r.metrics.BreakerTransition(s.ExecutorID, s.State)
	}
}

// Load restores persisted breakers.
func (r *Registry) Load(ctx context.Context, l Loader) error {
	snaps, err := l.LoadBreakers(ctx)
	if err != nil {
		return fmt.Errorf("load breakers: %w", err)
	}
	r.Restore(snaps)
	return nil
}

// Save persists every breaker.
func (r *Registry) Save(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	for _, s := range r.Snapshot() {
		if err := r.persist.SaveBreaker(ctx, s); err != nil {
			return fmt.Errorf("save breaker %s: %w", s.ExecutorID, err)
		}
	}
	return nil
}
