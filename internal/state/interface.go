// Package state provides durable key-value persistence for plans, sagas,
// circuit breakers, blackboard entries and the audit stream.
package state

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when no document exists for a key.
var ErrNotFound = errors.New("document not found")

// Kind partitions the document space.
type Kind string

const (
	KindPlan       Kind = "plan"
	KindGraph      Kind = "graph"
	KindSaga       Kind = "saga"
	KindBreaker    Kind = "breaker"
	KindBlackboard Kind = "blackboard"
	KindEntry      Kind = "entry"
	KindAudit      Kind = "audit"
)

// Document is one stored value keyed by kind, id and version.
type Document struct {
	Kind      Kind
	ID        string
	Version   int
	Data      []byte
	UpdatedAt time.Time
}

// Backend is a durable key-value store keyed by id + version.
// Put on an existing key replaces it.
type Backend interface {
	io.Closer
	Put(ctx context.Context, doc Document) error
	Get(ctx context.Context, kind Kind, id string, version int) (*Document, error)
	// Latest returns the highest version stored for id.
	Latest(ctx context.Context, kind Kind, id string) (*Document, error)
	// Versions returns every version of id in ascending order.
	Versions(ctx context.Context, kind Kind, id string) ([]Document, error)
	// List returns the latest version of every id of kind.
	List(ctx context.Context, kind Kind) ([]Document, error)
}

// Compile-time verification that both backends implement Backend.
var (
	_ Backend = (*DB)(nil)
	_ Backend = (*Memory)(nil)
)
