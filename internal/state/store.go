package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Store layers typed JSON documents over a Backend.
type Store struct {
	backend Backend
}

// NewStore wraps a backend.
func NewStore(b Backend) *Store {
	return &Store{backend: b}
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend { return s.backend }

// Close closes the underlying backend.
func (s *Store) Close() error { return s.backend.Close() }

func (s *Store) put(ctx context.Context, kind Kind, id string, version int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", kind, id, err)
	}
	return s.backend.Put(ctx, Document{Kind: kind, ID: id, Version: version, Data: data})
}

func decode(doc *Document, v interface{}) error {
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s@%d: %w", doc.Kind, doc.ID, doc.Version, err)
	}
	return nil
}

// SavePlan stores a plan under its version. Earlier versions are kept.
func (s *Store) SavePlan(ctx context.Context, p *models.Plan) error {
	return s.put(ctx, KindPlan, p.ID, p.Version, p)
}

// LoadPlan returns the latest version of a plan.
func (s *Store) LoadPlan(ctx context.Context, id string) (*models.Plan, error) {
	doc, err := s.backend.Latest(ctx, KindPlan, id)
	if err != nil {
		return nil, err
	}
	var p models.Plan
	return &p, decode(doc, &p)
}

// LoadPlanVersion returns one specific version of a plan.
func (s *Store) LoadPlanVersion(ctx context.Context, id string, version int) (*models.Plan, error) {
	doc, err := s.backend.Get(ctx, KindPlan, id, version)
	if err != nil {
		return nil, err
	}
	var p models.Plan
	return &p, decode(doc, &p)
}

// ListPlans returns the latest version of every plan.
func (s *Store) ListPlans(ctx context.Context) ([]models.Plan, error) {
	docs, err := s.backend.List(ctx, KindPlan)
	if err != nil {
		return nil, err
	}
	plans := make([]models.Plan, 0, len(docs))
	for i := range docs {
		var p models.Plan
		if err := decode(&docs[i], &p); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// SaveGraph snapshots the task arena of a plan version.
func (s *Store) SaveGraph(ctx context.Context, planID string, version int, tasks []*models.Task) error {
	return s.put(ctx, KindGraph, planID, version, tasks)
}

// LoadGraph returns the task arena snapshot of a plan version.
func (s *Store) LoadGraph(ctx context.Context, planID string, version int) ([]*models.Task, error) {
	doc, err := s.backend.Get(ctx, KindGraph, planID, version)
	if err != nil {
		return nil, err
	}
	var tasks []*models.Task
	return tasks, decode(doc, &tasks)
}

// SaveSaga stores a saga under its revision. Each transition is its own row.
func (s *Store) SaveSaga(ctx context.Context, sg *models.Saga) error {
	return s.put(ctx, KindSaga, sg.ID, sg.Revision, sg)
}

// LoadSaga returns the most recently persisted revision of a saga.
func (s *Store) LoadSaga(ctx context.Context, id string) (*models.Saga, error) {
	doc, err := s.backend.Latest(ctx, KindSaga, id)
	if err != nil {
		return nil, err
	}
	var sg models.Saga
	return &sg, decode(doc, &sg)
}

// SagaHistory returns every persisted revision of a saga.
func (s *Store) SagaHistory(ctx context.Context, id string) ([]models.Saga, error) {
	docs, err := s.backend.Versions(ctx, KindSaga, id)
	if err != nil {
		return nil, err
	}
	out := make([]models.Saga, 0, len(docs))
	for i := range docs {
		var sg models.Saga
		if err := decode(&docs[i], &sg); err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, nil
}

// ListSagas returns the latest revision of every saga.
func (s *Store) ListSagas(ctx context.Context) ([]models.Saga, error) {
	docs, err := s.backend.List(ctx, KindSaga)
	if err != nil {
		return nil, err
	}
	out := make([]models.Saga, 0, len(docs))
	for i := range docs {
		var sg models.Saga
		if err := decode(&docs[i], &sg); err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, nil
}

// SaveBreaker overwrites the persisted state of one breaker.
func (s *Store) SaveBreaker(ctx context.Context, snap models.BreakerSnapshot) error {
	return s.put(ctx, KindBreaker, snap.ExecutorID, 0, snap)
}

// LoadBreakers returns every persisted breaker.
func (s *Store) LoadBreakers(ctx context.Context) ([]models.BreakerSnapshot, error) {
	docs, err := s.backend.List(ctx, KindBreaker)
	if err != nil {
		return nil, err
	}
	out := make([]models.BreakerSnapshot, 0, len(docs))
	for i := range docs {
		var snap models.BreakerSnapshot
		if err := decode(&docs[i], &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// SaveBoard stores blackboard metadata. Entries are stored separately.
func (s *Store) SaveBoard(ctx context.Context, b *models.Blackboard) error {
	meta := *b
	meta.Entries = nil
	return s.put(ctx, KindBlackboard, b.ID, 0, &meta)
}

// AppendEntry stores one knowledge entry at position seq of its board.
func (s *Store) AppendEntry(ctx context.Context, boardID string, seq int, e models.KnowledgeEntry) error {
	return s.put(ctx, KindEntry, boardID, seq, e)
}

// LoadBoard returns a blackboard with its entries in append order.
func (s *Store) LoadBoard(ctx context.Context, id string) (*models.Blackboard, error) {
	doc, err := s.backend.Latest(ctx, KindBlackboard, id)
	if err != nil {
		return nil, err
	}
	var b models.Blackboard
	if err := decode(doc, &b); err != nil {
		return nil, err
	}
	docs, err := s.backend.Versions(ctx, KindEntry, id)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		var e models.KnowledgeEntry
		if err := decode(&docs[i], &e); err != nil {
			return nil, err
		}
		b.Entries = append(b.Entries, e)
	}
	return &b, nil
}

// AppendAudit implements audit.Appender.
func (s *Store) AppendAudit(ctx context.Context, e audit.Event) error {
	return s.put(ctx, KindAudit, e.ID, 0, e)
}

// ListAudit returns persisted audit events, oldest first.
func (s *Store) ListAudit(ctx context.Context) ([]audit.Event, error) {
	docs, err := s.backend.List(ctx, KindAudit)
	if err != nil {
		return nil, err
	}
	out := make([]audit.Event, 0, len(docs))
	for i := range docs {
		var e audit.Event
		if err := decode(&docs[i], &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// IsNotFound reports whether err means a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

var _ audit.Appender = (*Store)(nil)
