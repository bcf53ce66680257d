package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteMemoryStore implements MemoryStore on SQLite FTS5. Episodes
// live in a plain table keyed by ID; a companion FTS5 table carries
// the searchable content. WAL mode allows concurrent readers while
// the loader writes.
type SQLiteMemoryStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MemoryStore = (*SQLiteMemoryStore)(nil)

// validateMemoryIntegrity checks a memory database before opening.
// Returns nil if valid or absent, an error describing the corruption
// otherwise.
func validateMemoryIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name='fts_episodes'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_episodes' missing")
	}

	return nil
}

// NewSQLiteMemoryStore opens (or creates) the episode store at path.
// An empty path creates an in-memory store for testing.
func NewSQLiteMemoryStore(path string) (*SQLiteMemoryStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create memory store directory: %w", err)
		}

		if validErr := validateMemoryIntegrity(path); validErr != nil {
			slog.Warn("memory_store_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			// Auto-clear a corrupted store; episodes come back on the
			// next load.
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("memory store corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("memory_store_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please reload"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	// Single connection; SQLite serializes writers anyway and this
	// prevents in-process lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores some DSN params, so set pragmas
	// explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	m := &SQLiteMemoryStore{db: db, path: path}
	if err := m.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize memory schema: %w", err)
	}
	return m, nil
}

func (m *SQLiteMemoryStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Episode rows. Tags are a JSON array; created_at is unix nanos.
	CREATE TABLE IF NOT EXISTS episodes (
		id         TEXT PRIMARY KEY,
		namespace  TEXT NOT NULL,
		content    TEXT NOT NULL,
		tags       TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_namespace ON episodes(namespace);

	-- FTS5 companion table; episode_id is stored but not searchable.
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_episodes USING fts5(
		episode_id UNINDEXED,
		content,
		tokenize='unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := m.db.Exec(schema)
	return err
}

// Add inserts episodes. An episode without an ID gets a UUID; a zero
// CreatedAt gets the current time. Existing IDs are replaced.
func (m *SQLiteMemoryStore) Add(ctx context.Context, episodes []*Episode) error {
	if len(episodes) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory store is closed")
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 virtual tables do not support REPLACE, delete first.
	delStmt, err := tx.PrepareContext(ctx,
		`DELETE FROM fts_episodes WHERE episode_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare fts delete: %w", err)
	}
	defer delStmt.Close()

	ftsStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_episodes(episode_id, content) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare fts insert: %w", err)
	}
	defer ftsStmt.Close()

	rowStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO episodes(id, namespace, content, tags, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare episode insert: %w", err)
	}
	defer rowStmt.Close()

	for _, ep := range episodes {
		if ep.ID == "" {
			ep.ID = uuid.NewString()
		}
		if ep.CreatedAt.IsZero() {
			ep.CreatedAt = time.Now()
		}
		tagsJSON, err := json.Marshal(ep.Tags)
		if err != nil {
			return fmt.Errorf("encode tags for episode %s: %w", ep.ID, err)
		}

		if _, err := delStmt.ExecContext(ctx, ep.ID); err != nil {
			return fmt.Errorf("delete existing episode %s: %w", ep.ID, err)
		}
		if _, err := ftsStmt.ExecContext(ctx, ep.ID, ep.Content); err != nil {
			return fmt.Errorf("index episode %s: %w", ep.ID, err)
		}
		if _, err := rowStmt.ExecContext(ctx, ep.ID, ep.Namespace, ep.Content, string(tagsJSON), ep.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("store episode %s: %w", ep.ID, err)
		}
	}

	return tx.Commit()
}

// Search returns episodes in the namespace matching the query, best
// first. Relevance comes from FTS5 bm25(); raw scores are negative
// (lower is better), so they are negated before returning.
func (m *SQLiteMemoryStore) Search(ctx context.Context, namespace, query string, limit int) ([]*EpisodeHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return []*EpisodeHit{}, nil
	}
	matchQuery := strings.Join(tokens, " ")

	q := `
		SELECT e.id, e.namespace, e.content, e.tags, e.created_at, bm25(fts_episodes) AS score
		FROM fts_episodes
		JOIN episodes e ON e.id = fts_episodes.episode_id
		WHERE fts_episodes MATCH ? AND e.namespace = ?
		ORDER BY score
		LIMIT ?
	`
	rows, err := m.db.QueryContext(ctx, q, matchQuery, namespace, limit)
	if err != nil {
		// FTS5 errors on unparseable match expressions; treat as no
		// results, same as an empty query.
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*EpisodeHit{}, nil
		}
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	defer rows.Close()

	var hits []*EpisodeHit
	for rows.Next() {
		ep, score, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, &EpisodeHit{Episode: ep, Score: -score})
	}
	return hits, rows.Err()
}

// Get returns an episode by ID, or nil if absent.
func (m *SQLiteMemoryStore) Get(ctx context.Context, id string) (*Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	row := m.db.QueryRowContext(ctx,
		`SELECT id, namespace, content, tags, created_at FROM episodes WHERE id = ?`, id)

	var ep Episode
	var tagsJSON string
	var createdAt int64
	err := row.Scan(&ep.ID, &ep.Namespace, &ep.Content, &tagsJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &ep.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for episode %s: %w", id, err)
	}
	ep.CreatedAt = time.Unix(0, createdAt)
	return &ep, nil
}

// Count returns the number of episodes in a namespace; empty
// namespace counts all.
func (m *SQLiteMemoryStore) Count(ctx context.Context, namespace string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, fmt.Errorf("memory store is closed")
	}

	var count int
	var err error
	if namespace == "" {
		err = m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes`).Scan(&count)
	} else {
		err = m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes WHERE namespace = ?`, namespace).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count episodes: %w", err)
	}
	return count, nil
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (m *SQLiteMemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.db != nil {
		_, _ = m.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return m.db.Close()
	}
	return nil
}

func scanEpisode(rows *sql.Rows) (*Episode, float64, error) {
	var ep Episode
	var tagsJSON string
	var createdAt int64
	var score float64
	if err := rows.Scan(&ep.ID, &ep.Namespace, &ep.Content, &tagsJSON, &createdAt, &score); err != nil {
		return nil, 0, fmt.Errorf("scan episode: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &ep.Tags); err != nil {
		return nil, 0, fmt.Errorf("decode tags for episode %s: %w", ep.ID, err)
	}
	ep.CreatedAt = time.Unix(0, createdAt)
	return &ep, score, nil
}
