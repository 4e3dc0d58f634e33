// Package storage is the local fallback persistence: the whole ledger
// document is kept as one JSON value in a SQLite key-value table.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"cashbook/internal/core"
	applog "cashbook/internal/log"
	"cashbook/internal/replica"

	_ "modernc.org/sqlite"
)

// LocalKey is the key the local variant stores its single document under.
const LocalKey = "salaryManagementData"

// SQLiteRepository implements replica.DocumentStore on SQLite. Writes made
// through it are echoed to its own subscribers.
type SQLiteRepository struct {
	db  *sql.DB
	hub *replica.Hub
	// mu orders write+publish so subscribers see revisions in order.
	mu sync.Mutex
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db, hub: replica.NewHub()}, nil
}

func (r *SQLiteRepository) Close() error {
	r.hub.Close()
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Get implements replica.DocumentStore.
func (r *SQLiteRepository) Get(ctx context.Context, key string) (replica.Snapshot, error) {
	return r.get(ctx, key)
}

func (r *SQLiteRepository) get(ctx context.Context, key string) (replica.Snapshot, error) {
	var (
		body     sql.NullString
		revision int64
		origin   string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT body, revision, origin FROM documents WHERE doc_key = ?`, key,
	).Scan(&body, &revision, &origin)
	if errors.Is(err, sql.ErrNoRows) {
		return replica.Snapshot{}, nil
	}
	if err != nil {
		return replica.Snapshot{}, fmt.Errorf("load document %s: %w", key, err)
	}
	snap := replica.Snapshot{Revision: revision}
	if !body.Valid {
		return snap, nil
	}
	doc, err := core.DecodeDocument([]byte(body.String))
	if err != nil {
		return replica.Snapshot{}, fmt.Errorf("load document %s: %w", key, err)
	}
	snap.Document = doc
	snap.Exists = true
	snap.Origin = origin
	return snap, nil
}

// Write implements replica.DocumentStore. The document is stored whole.
func (r *SQLiteRepository) Write(ctx context.Context, key string, doc core.Document, origin string) (int64, error) {
	data, err := core.EncodeDocument(doc)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var revision int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO documents (doc_key, body, revision, origin, updated_at)
		VALUES (?, ?, 1, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT (doc_key) DO UPDATE SET
			body = excluded.body,
			revision = documents.revision + 1,
			origin = excluded.origin,
			updated_at = excluded.updated_at
		RETURNING revision`,
		key, string(data), origin,
	).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("save document %s: %w", key, err)
	}

	slog.DebugContext(ctx, "Document saved to SQLite",
		applog.FieldKey, key,
		applog.FieldRevision, revision,
		"bytes", len(data))

	r.hub.Publish(key, replica.Snapshot{Document: doc.Clone(), Exists: true, Revision: revision, Origin: origin})
	return revision, nil
}

// Delete clears the document under key. The revision keeps counting so
// subscribers can order the deletion after earlier writes.
func (r *SQLiteRepository) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var revision int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE documents
		SET body = NULL, origin = '', revision = revision + 1,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE doc_key = ? AND body IS NOT NULL
		RETURNING revision`, key,
	).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete document %s: %w", key, err)
	}
	r.hub.Publish(key, replica.Snapshot{Revision: revision})
	return nil
}

// Subscribe implements replica.DocumentStore.
func (r *SQLiteRepository) Subscribe(ctx context.Context, key string) (<-chan replica.Update, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, err := r.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.hub.Subscribe(ctx, key, replica.Update{Snapshot: snap}), nil
}
