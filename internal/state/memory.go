package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memKey struct {
	kind Kind
	id   string
}

// Memory is an in-process Backend for tests and ephemeral runs.
type Memory struct {
	mu   sync.RWMutex
	docs map[memKey]map[int]Document
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{docs: make(map[memKey]map[int]Document)}
}

// Close implements io.Closer.
func (m *Memory) Close() error { return nil }

// Put implements Backend.
func (m *Memory) Put(ctx context.Context, doc Document) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	doc.Data = append([]byte(nil), doc.Data...)

	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{doc.Kind, doc.ID}
	if m.docs[k] == nil {
		m.docs[k] = make(map[int]Document)
	}
	m.docs[k][doc.Version] = doc
	return nil
}

// Get implements Backend.
func (m *Memory) Get(ctx context.Context, kind Kind, id string, version int) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[memKey{kind, id}][version]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// Latest implements Backend.
func (m *Memory) Latest(ctx context.Context, kind Kind, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latestLocked(m.docs[memKey{kind, id}])
}

func latestLocked(versions map[int]Document) (*Document, error) {
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	best := -1 << 31
	for v := range versions {
		if v > best {
			best = v
		}
	}
	d := versions[best]
	return &d, nil
}

// Versions implements Backend.
func (m *Memory) Versions(ctx context.Context, kind Kind, id string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.docs[memKey{kind, id}]
	out := make([]Document, 0, len(versions))
	for _, d := range versions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// List implements Backend.
func (m *Memory) List(ctx context.Context, kind Kind) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for k, versions := range m.docs {
		if k.kind != kind {
			continue
		}
		d, err := latestLocked(versions)
		if err != nil {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
