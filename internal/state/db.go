package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// ProjectDBPath returns the default project-local database path.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".loom", "state.db")
}

// Open opens an SQLite database at the given path and applies migrations.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	// Every saga transition is a durability point.
	if _, err := conn.Exec("PRAGMA synchronous=FULL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Documents},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Documents = `
CREATE TABLE IF NOT EXISTS documents (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	version INTEGER NOT NULL,
	data BLOB NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (kind, id, version)
);

CREATE INDEX IF NOT EXISTS idx_documents_kind ON documents(kind);
`

// Put implements Backend.
func (db *DB) Put(ctx context.Context, doc Document) error {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO documents (kind, id, version, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, id, version) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(doc.Kind), doc.ID, doc.Version, doc.Data, formatTime(doc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put %s/%s@%d: %w", doc.Kind, doc.ID, doc.Version, err)
	}
	return nil
}

// Get implements Backend.
func (db *DB) Get(ctx context.Context, kind Kind, id string, version int) (*Document, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `
		SELECT kind, id, version, data, updated_at FROM documents
		WHERE kind = ? AND id = ? AND version = ?
	`, string(kind), id, version)
	return scanDocument(row)
}

// Latest implements Backend.
func (db *DB) Latest(ctx context.Context, kind Kind, id string) (*Document, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `
		SELECT kind, id, version, data, updated_at FROM documents
		WHERE kind = ? AND id = ?
		ORDER BY version DESC LIMIT 1
	`, string(kind), id)
	return scanDocument(row)
}

// Versions implements Backend.
func (db *DB) Versions(ctx context.Context, kind Kind, id string) ([]Document, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT kind, id, version, data, updated_at FROM documents
		WHERE kind = ? AND id = ?
		ORDER BY version ASC
	`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("list versions %s/%s: %w", kind, id, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// List implements Backend.
func (db *DB) List(ctx context.Context, kind Kind) ([]Document, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT d.kind, d.id, d.version, d.data, d.updated_at FROM documents d
		JOIN (
			SELECT id, MAX(version) AS version FROM documents WHERE kind = ? GROUP BY id
		) latest ON d.id = latest.id AND d.version = latest.version
		WHERE d.kind = ?
		ORDER BY d.id ASC
	`, string(kind), string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var kind, updatedAt string
	err := row.Scan(&kind, &d.ID, &d.Version, &d.Data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	d.Kind = Kind(kind)
	d.UpdatedAt, _ = parseTime(updatedAt)
	return &d, nil
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
