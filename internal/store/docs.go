package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteDocStore implements DocStore on SQLite. The vector index only
// keeps embeddings; this table keeps the content and metadata that
// search results are assembled from.
type SQLiteDocStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ DocStore = (*SQLiteDocStore)(nil)

// NewSQLiteDocStore opens (or creates) the document store at path.
// An empty path creates an in-memory store for testing.
func NewSQLiteDocStore(path string) (*SQLiteDocStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create doc store directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open doc store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	d := &SQLiteDocStore{db: db, path: path}
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id      TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		meta    TEXT NOT NULL DEFAULT '{}'
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize doc schema: %w", err)
	}
	return d, nil
}

// Put inserts or replaces documents.
func (d *SQLiteDocStore) Put(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("doc store is closed")
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO documents(id, content, meta) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare doc insert: %w", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document has no ID")
		}
		metaJSON, err := json.Marshal(doc.Meta)
		if err != nil {
			return fmt.Errorf("encode meta for document %s: %w", doc.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Content, string(metaJSON)); err != nil {
			return fmt.Errorf("store document %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// Get returns a document by ID, or nil if absent.
func (d *SQLiteDocStore) Get(ctx context.Context, id string) (*Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, fmt.Errorf("doc store is closed")
	}

	row := d.db.QueryRowContext(ctx, `SELECT id, content, meta FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// GetBatch returns the documents for ids that exist, keyed by ID.
// Missing ids are simply absent from the map.
func (d *SQLiteDocStore) GetBatch(ctx context.Context, ids []string) (map[string]*Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, fmt.Errorf("doc store is closed")
	}
	if len(ids) == 0 {
		return map[string]*Document{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(`SELECT id, content, meta FROM documents WHERE id IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("batch get documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Document, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, rows.Err()
}

// Count returns the number of stored documents.
func (d *SQLiteDocStore) Count(ctx context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, fmt.Errorf("doc store is closed")
	}

	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// Close closes the store. Idempotent.
func (d *SQLiteDocStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.db != nil {
		_, _ = d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return d.db.Close()
	}
	return nil
}

func scanDocument(scan func(...any) error) (*Document, error) {
	var doc Document
	var metaJSON string
	if err := scan(&doc.ID, &doc.Content, &metaJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &doc.Meta); err != nil {
		return nil, fmt.Errorf("decode meta for document %s: %w", doc.ID, err)
	}
	return &doc, nil
}
