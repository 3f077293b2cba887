// Package store provides SQLite-backed persistence of the last
// server-confirmed tasks and lists, so the client can render
// instantly on startup and degrade gracefully offline.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snappyhq/snappy-go/internal/models"
)

// Store provides access to the snapshot database.
type Store struct {
	db *sql.DB
}

// New creates a Store at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations. Entities are stored as
// JSON payloads: the server owns the schema, the snapshot just echoes
// the last confirmed state.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS todos (
		id TEXT PRIMARY KEY,
		list_id TEXT,
		status TEXT NOT NULL,
		payload TEXT NOT NULL,
		saved_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lists (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		saved_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_todos_list_id ON todos(list_id);
	CREATE INDEX IF NOT EXISTS idx_todos_status ON todos(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveTasks replaces the task snapshot with tasks. Pending creates
// (temp- ids) are never persisted; only server-confirmed state is.
func (s *Store) SaveTasks(tasks []models.Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM todos`); err != nil {
		return fmt.Errorf("clear todos: %w", err)
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Pending() {
			continue
		}
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		_, err = tx.Exec(
			`INSERT INTO todos (id, list_id, status, payload, saved_at) VALUES (?, ?, ?, ?, ?)`,
			t.ID, t.ListID, string(t.Status), string(payload), now,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// LoadTasks returns the snapshotted tasks.
func (s *Store) LoadTasks() ([]models.Task, error) {
	rows, err := s.db.Query(`SELECT payload FROM todos ORDER BY saved_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t models.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("decode task payload: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveLists replaces the list snapshot with lists.
func (s *Store) SaveLists(lists []models.List) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM lists`); err != nil {
		return fmt.Errorf("clear lists: %w", err)
	}

	now := time.Now().UTC()
	for _, l := range lists {
		if models.IsTempID(l.ID) {
			continue
		}
		payload, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode list %s: %w", l.ID, err)
		}
		_, err = tx.Exec(
			`INSERT INTO lists (id, payload, saved_at) VALUES (?, ?, ?)`,
			l.ID, string(payload), now,
		)
		if err != nil {
			return fmt.Errorf("insert list %s: %w", l.ID, err)
		}
	}

	return tx.Commit()
}

// LoadLists returns the snapshotted lists.
func (s *Store) LoadLists() ([]models.List, error) {
	rows, err := s.db.Query(`SELECT payload FROM lists ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query lists: %w", err)
	}
	defer rows.Close()

	var lists []models.List
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var l models.List
		if err := json.Unmarshal([]byte(payload), &l); err != nil {
			return nil, fmt.Errorf("decode list payload: %w", err)
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}
