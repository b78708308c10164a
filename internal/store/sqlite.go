package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	path TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NOT NULL,
	chunks INTEGER NOT NULL,
	bytes_extracted INTEGER NOT NULL,
	bytes_delivered INTEGER NOT NULL,
	forced_flushes INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	name TEXT NOT NULL,
	arguments TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

// SQLiteStore is the SQLite-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes) the capture database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc sqlite is happiest with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveSession persists a completed session summary.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, host, path, started_at, ended_at, chunks, bytes_extracted, bytes_delivered, forced_flushes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Host, rec.Path,
		rec.StartedAt.UnixNano(), rec.EndedAt.UnixNano(),
		rec.Chunks, rec.BytesExtracted, rec.BytesDelivered, rec.ForcedFlushes,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// SaveToolCall persists one reconstructed invocation.
func (s *SQLiteStore) SaveToolCall(ctx context.Context, rec *ToolCallRecord) error {
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("marshaling arguments: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, session_id, name, arguments, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Name, string(args), rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving tool call: %w", err)
	}
	return nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host, path, started_at, ended_at, chunks, bytes_extracted, bytes_delivered, forced_flushes
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var started, ended int64
		if err := rows.Scan(&rec.ID, &rec.Host, &rec.Path, &started, &ended,
			&rec.Chunks, &rec.BytesExtracted, &rec.BytesDelivered, &rec.ForcedFlushes); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		rec.StartedAt = time.Unix(0, started)
		rec.EndedAt = time.Unix(0, ended)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ListToolCalls returns a session's invocations in emission order.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, sessionID string) ([]*ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, arguments, timestamp
		FROM tool_calls WHERE session_id = ? ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing tool calls: %w", err)
	}
	defer rows.Close()

	var out []*ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		var args string
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Name, &args, &ts); err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}
		if args != "" {
			_ = json.Unmarshal([]byte(args), &rec.Arguments)
		}
		rec.Timestamp = time.Unix(0, ts)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
