// Package store provides the SQLite-backed archival store behind the
// memory manager. It is a plain key-value table with substring search;
// WAL mode and a single connection keep per-key operations atomic.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"deskpilot/internal/logging"
	"deskpilot/internal/memory"
)

// ArchivalStore persists paged-out memory items in SQLite.
type ArchivalStore struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

var _ memory.ArchivalStore = (*ArchivalStore)(nil)

// OpenArchival opens (or creates) the archival database at path.
func OpenArchival(path string) (*ArchivalStore, error) {
	lg := logging.Get(logging.CategoryStore)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		lg.Debugw("failed to set busy_timeout", "err", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		lg.Debugw("failed to set journal_mode=WAL", "err", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		lg.Debugw("failed to set synchronous=NORMAL", "err", err)
	}

	s := &ArchivalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	lg.Infow("archival store ready", "path", path)
	return s, nil
}

func (s *ArchivalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archival (
		id TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		search_text TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_archival_updated ON archival(updated_at);
	CREATE INDEX IF NOT EXISTS idx_archival_search ON archival(search_text);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Put stores content under id, replacing any previous value. The upsert
// is a single statement, so the write is atomic per key. A plaintext
// projection of the value is stored alongside it for Search.
func (s *ArchivalStore) Put(id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO archival (id, content, search_text, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		 content = excluded.content,
		 search_text = excluded.search_text,
		 updated_at = CURRENT_TIMESTAMP`,
		id, data, searchText(data),
	)
	if err != nil {
		return fmt.Errorf("archival put %q: %w", id, err)
	}
	return nil
}

// searchText projects a stored value to the text Search matches
// against. Memory items arrive as JSON with plaintext content and
// tags; those fields are what a relevance query is about. Anything
// else is indexed verbatim.
func searchText(data []byte) string {
	var probe struct {
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(data, &probe); err == nil &&
		(probe.Content != "" || len(probe.Tags) > 0) {
		return probe.Content + " " + strings.Join(probe.Tags, " ")
	}
	return string(data)
}

// Get returns the content stored under id, or memory.ErrNotFound.
func (s *ArchivalStore) Get(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow("SELECT content FROM archival WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archival get %q: %w", id, err)
	}
	return data, nil
}

// Search returns up to k ids whose plaintext projection contains the
// query as a substring, most recently updated first. Deterministic
// given fixed contents: ties on updated_at order by id.
func (s *ArchivalStore) Search(query string, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k <= 0 {
		k = 10
	}
	rows, err := s.db.Query(
		`SELECT id FROM archival
		 WHERE instr(search_text, ?) > 0
		 ORDER BY updated_at DESC, id ASC LIMIT ?`,
		query, k,
	)
	if err != nil {
		return nil, fmt.Errorf("archival search %q: %w", query, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes id. Deleting a missing id is a no-op.
func (s *ArchivalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM archival WHERE id = ?", id); err != nil {
		return fmt.Errorf("archival delete %q: %w", id, err)
	}
	return nil
}

// Count returns the number of stored items.
func (s *ArchivalStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM archival").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the underlying database.
func (s *ArchivalStore) Close() error {
	return s.db.Close()
}
