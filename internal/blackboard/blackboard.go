// Package blackboard implements the shared knowledge space contributors
// write to concurrently while a synthesis pass converges on a solution.
//
// Entries are append-only. The entries path takes no lock: each board keeps
// an immutable snapshot behind an atomic pointer and contributors publish a
// copy with their entry appended via compare-and-swap. Synthesis reads one
// snapshot, so it never observes a half-written entry.
package blackboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/metrics"
	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	// ErrArchived is returned when contributing to a solved or abandoned board.
	ErrArchived = errors.New("blackboard archived")
	// ErrNotFound is returned for an unknown board id.
	ErrNotFound = errors.New("blackboard not found")
	// ErrInvalidEntry is returned for a malformed contribution.
	ErrInvalidEntry = errors.New("invalid knowledge entry")
)

// Config tunes synthesis and convergence.
type Config struct {
	// SolveConfidence is the candidate confidence required to solve.
	SolveConfidence float64
	// Saturation is the saturation required to solve.
	Saturation float64
	// ConflictDelta is the confidence distance within which two
	// incompatible claims count as a conflict.
	ConflictDelta float64
	// ClusterThreshold is the similarity at which two entries agree.
	ClusterThreshold float64
	// Window is the recent-activity window used for saturation.
	Window time.Duration
	// HalfLife is the recency decay half-life.
	HalfLife time.Duration
	// MinInterval bounds how often synthesis is recomputed.
	MinInterval time.Duration
	// MaxIterations bounds recomputations before the board is abandoned.
	// Zero means unbounded.
	MaxIterations int
	// Budget bounds the board's wall-clock lifetime. Zero means unbounded.
	Budget time.Duration
}

// DefaultConfig returns the standard convergence settings.
func DefaultConfig() Config {
	return Config{
		SolveConfidence:  0.75,
		Saturation:       0.8,
		ConflictDelta:    0.15,
		ClusterThreshold: 0.5,
		Window:           time.Minute,
		HalfLife:         10 * time.Minute,
		MinInterval:      time.Second,
	}
}

// Persister stores boards and entries durably.
type Persister interface {
	SaveBoard(ctx context.Context, b *models.Blackboard) error
	AppendEntry(ctx context.Context, boardID string, seq int, e models.KnowledgeEntry) error
	LoadBoard(ctx context.Context, id string) (*models.Blackboard, error)
}

// snapshot is the immutable state published through the atomic pointer.
type snapshot struct {
	entries  []models.KnowledgeEntry
	index    map[string]int
	archived bool
}

type board struct {
	id        string
	problem   string
	createdAt time.Time

	state atomic.Pointer[snapshot]

	// mu guards the fields below. It is never held on the contribute path.
	mu         sync.Mutex
	status     models.BoardStatus
	closedAt   *time.Time
	cache      *Synthesis
	cachedAt   time.Time
	cachedLen  int
	iterations int
}

// Store holds every board of the process.
type Store struct {
	cfg     Config
	sim     Similarity
	now     func() time.Time
	logger  *slog.Logger
	emitter *audit.Emitter
	metrics *metrics.Collector
	persist Persister

	mu     sync.RWMutex
	boards map[string]*board
}

// Option configures a Store.
type Option func(*Store)

// WithSimilarity replaces TokenJaccard.
func WithSimilarity(s Similarity) Option { return func(st *Store) { st.sim = s } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(st *Store) { st.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(st *Store) { st.logger = logging.OrNop(l) } }

// WithEmitter sets the audit emitter.
func WithEmitter(e *audit.Emitter) Option { return func(st *Store) { st.emitter = e } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(st *Store) { st.metrics = m } }

// WithPersister stores boards and entries durably.
func WithPersister(p Persister) Option { return func(st *Store) { st.persist = p } }

// NewStore creates an empty store.
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:    cfg,
		sim:    TokenJaccard{},
		now:    time.Now,
		logger: logging.Nop(),
		boards: make(map[string]*board),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a board for problem and returns its id.
func (s *Store) Open(ctx context.Context, problem string) (string, error) {
	b := &board{
		id:        ulid.Make().String(),
		problem:   problem,
		createdAt: s.now(),
		status:    models.BoardActive,
	}
	b.state.Store(&snapshot{index: map[string]int{}})

	s.mu.Lock()
	s.boards[b.id] = b
	s.mu.Unlock()

	if err := s.saveMeta(ctx, b); err != nil {
		return b.id, err
	}
	s.emitter.Emit(audit.NewEvent(audit.EntityBlackboard, b.id, "", string(models.BoardActive), "opened"))
	s.logger.Debug("blackboard opened", "board", b.id)
	return b.id, nil
}

// Load restores a persisted board into the store.
func (s *Store) Load(ctx context.Context, id string) error {
	if s.persist == nil {
		return fmt.Errorf("load board %s: no persister configured", id)
	}
	m, err := s.persist.LoadBoard(ctx, id)
	if err != nil {
		return fmt.Errorf("load board %s: %w", id, err)
	}
	b := &board{
		id:        m.ID,
		problem:   m.ProblemStatement,
		createdAt: m.CreatedAt,
		status:    m.Status,
		closedAt:  m.ClosedAt,
	}
	snap := &snapshot{
		entries:  append([]models.KnowledgeEntry(nil), m.Entries...),
		index:    make(map[string]int, len(m.Entries)),
		archived: m.Status != models.BoardActive,
	}
	for i, e := range snap.entries {
		snap.index[e.ID] = i
	}
	b.state.Store(snap)

	s.mu.Lock()
	s.boards[b.id] = b
	s.mu.Unlock()
	return nil
}

func (s *Store) get(id string) (*board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boards[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return b, nil
}

// Contribute appends entry to the board and returns it with its assigned id
// and timestamp. Safe for concurrent use without locking: a contributor that
// loses a compare-and-swap race retries against the newer snapshot.
func (s *Store) Contribute(ctx context.Context, id string, entry models.KnowledgeEntry) (models.KnowledgeEntry, error) {
	b, err := s.get(id)
	if err != nil {
		return models.KnowledgeEntry{}, err
	}
	if err := validateEntry(entry); err != nil {
		return models.KnowledgeEntry{}, err
	}

	entry.ID = ulid.Make().String()
	entry.CreatedAt = s.now()
	entry.DependsOn = append([]string(nil), entry.DependsOn...)
	entry.Supersedes = append([]string(nil), entry.Supersedes...)

	var seq int
	for {
		cur := b.state.Load()
		if cur.archived {
			return models.KnowledgeEntry{}, fmt.Errorf("%w: %s", ErrArchived, id)
		}
		for _, ref := range append(entry.DependsOn, entry.Supersedes...) {
			if _, ok := cur.index[ref]; !ok {
				return models.KnowledgeEntry{}, fmt.Errorf("%w: unknown entry reference %s", ErrInvalidEntry, ref)
			}
		}

		next := &snapshot{
			entries: make([]models.KnowledgeEntry, len(cur.entries), len(cur.entries)+1),
			index:   make(map[string]int, len(cur.index)+1),
		}
		copy(next.entries, cur.entries)
		for k, v := range cur.index {
			next.index[k] = v
		}
		seq = len(next.entries)
		next.entries = append(next.entries, entry)
		next.index[entry.ID] = seq

		if b.state.CompareAndSwap(cur, next) {
			break
		}
	}

	s.metrics.EntryContributed()
	if s.persist != nil {
		if err := s.persist.AppendEntry(ctx, id, seq, entry); err != nil {
			return entry, fmt.Errorf("persist entry %s: %w", entry.ID, err)
		}
	}
	return entry, nil
}

func validateEntry(e models.KnowledgeEntry) error {
	switch {
	case e.ContributorID == "":
		return fmt.Errorf("%w: missing contributor", ErrInvalidEntry)
	case !e.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	case e.Confidence < 0 || e.Confidence > 1:
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidEntry, e.Confidence)
	}
	return nil
}

// Entries returns the board's entries in append order.
func (s *Store) Entries(id string) ([]models.KnowledgeEntry, error) {
	b, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return append([]models.KnowledgeEntry(nil), b.state.Load().entries...), nil
}

// Get returns a copy of the board including its latest candidates.
func (s *Store) Get(id string) (*models.Blackboard, error) {
	b, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return s.model(b), nil
}

func (s *Store) model(b *board) *models.Blackboard {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := &models.Blackboard{
		ID:               b.id,
		ProblemStatement: b.problem,
		Status:           b.status,
		Entries:          append([]models.KnowledgeEntry(nil), b.state.Load().entries...),
		CreatedAt:        b.createdAt,
		ClosedAt:         b.closedAt,
	}
	if b.cache != nil {
		m.Candidates = append([]models.SolutionCandidate(nil), b.cache.Candidates...)
	}
	return m
}

// Abandon archives an active board as abandoned.
func (s *Store) Abandon(ctx context.Context, id, reason string) error {
	b, err := s.get(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	changed := s.closeLocked(b, models.BoardAbandoned)
	b.mu.Unlock()
	if !changed {
		return nil
	}
	s.emitter.Emit(withDegraded(audit.NewEvent(audit.EntityBlackboard, id,
		string(models.BoardActive), string(models.BoardAbandoned), reason)))
	return s.saveMeta(ctx, b)
}

// closeLocked archives the board. Returns false if it was already closed.
func (s *Store) closeLocked(b *board, status models.BoardStatus) bool {
	if b.status != models.BoardActive {
		return false
	}
	for {
		cur := b.state.Load()
		next := &snapshot{entries: cur.entries, index: cur.index, archived: true}
		if b.state.CompareAndSwap(cur, next) {
			break
		}
	}
	now := s.now()
	b.status = status
	b.closedAt = &now
	return true
}

func (s *Store) saveMeta(ctx context.Context, b *board) error {
	if s.persist == nil {
		return nil
	}
	m := s.model(b)
	m.Entries = nil
	if err := s.persist.SaveBoard(ctx, m); err != nil {
		return fmt.Errorf("persist board %s: %w", b.id, err)
	}
	return nil
}

func withDegraded(e audit.Event) audit.Event {
	e.Degraded = true
	return e
}
