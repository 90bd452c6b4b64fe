// Package store persists session checkpoints and exported timelines in
// SQLite. Checkpoints are append-only: one row per successful lifecycle
// transition, so a session's history can be replayed or inspected after
// the fact.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"parley/internal/logging"
	"parley/internal/types"
)

// Checkpoint is one persisted session state.
type Checkpoint struct {
	ID        int64
	SessionID string
	ScreenID  string
	Model     string
	Session   *types.Session
	CreatedAt time.Time
}

// SessionStore is a SQLite-backed history of sessions and timelines.
type SessionStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open initializes the database at path, creating the directory and
// schema as needed.
func Open(path string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SessionStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("session store ready at %s", path)
	return s, nil
}

func (s *SessionStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		screen_id TEXT NOT NULL,
		model TEXT,
		session_json TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session
		ON checkpoints(session_id, created_at);

	CREATE TABLE IF NOT EXISTS timelines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_timelines_session
		ON timelines(session_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveCheckpoint appends the session's current state to its history.
func (s *SessionStore) SaveCheckpoint(sess *types.Session) error {
	if sess == nil {
		return fmt.Errorf("nil session")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO checkpoints (session_id, screen_id, model, session_json) VALUES (?, ?, ?, ?)`,
		sess.SessionID, sess.Screen.ID, sess.Model, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	logging.StoreDebug("checkpoint saved for %s (screen %s)", sess.SessionID, sess.Screen.ID)
	return nil
}

// History returns a session's checkpoints, oldest first.
func (s *SessionStore) History(sessionID string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, screen_id, model, session_json, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp   Checkpoint
			blob string
		)
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.ScreenID, &cp.Model, &blob, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		var sess types.Session
		if err := json.Unmarshal([]byte(blob), &sess); err != nil {
			// A corrupt row should not hide the rest of the history.
			logging.Get(logging.CategoryStore).Warn("skipping undecodable checkpoint %d: %v", cp.ID, err)
			continue
		}
		cp.Session = &sess
		out = append(out, cp)
	}
	return out, rows.Err()
}

// SaveTimeline stores an exported timeline payload for a session.
func (s *SessionStore) SaveTimeline(sessionID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO timelines (session_id, payload) VALUES (?, ?)`,
		sessionID, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to save timeline: %w", err)
	}
	return nil
}

// LatestTimeline returns the most recently exported timeline for a
// session, or sql.ErrNoRows when none exists.
func (s *SessionStore) LatestTimeline(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload string
	err := s.db.QueryRow(
		`SELECT payload FROM timelines WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID,
	).Scan(&payload)
	if err != nil {
		return "", err
	}
	return payload, nil
}

// Close releases the database handle.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
