package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements TranscriptStore using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
}

// NewSQLite opens (creating if needed) the transcript database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the API read transcripts while a turn is being recorded.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		user_content TEXT NOT NULL,
		assistant_content TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		chunks INTEGER NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_turns_ended ON turns(ended_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTurn inserts a finished turn.
func (s *SQLiteStore) RecordTurn(ctx context.Context, turn *domain.Turn) error {
	query := `
	INSERT INTO turns (
		turn_id, session_id, user_id, client_id, user_content, assistant_content,
		status, error, chunks, prompt_tokens, completion_tokens, total_tokens,
		started_at, ended_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(turn_id) DO NOTHING`

	var errText interface{}
	if turn.Error != "" {
		errText = turn.Error
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, "record turn", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			turn.ID, turn.SessionID, turn.UserID, turn.ClientID,
			turn.UserContent, turn.AssistantContent,
			string(turn.Status), errText, turn.Chunks,
			turn.Usage.PromptTokens, turn.Usage.CompletionTokens, turn.Usage.TotalTokens,
			turn.StartedAt.UnixMilli(), turn.EndedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert turn %s: %w", turn.ID, err)
		}
		return nil
	})
}

// ListTurns returns up to limit turns of a session, newest first.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
		SELECT turn_id, session_id, user_id, client_id, user_content, assistant_content,
		       status, error, chunks, prompt_tokens, completion_tokens, total_tokens,
		       started_at, ended_at
		FROM turns WHERE session_id = ?
		ORDER BY started_at DESC, turn_id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := []domain.Turn{}
	for rows.Next() {
		var (
			t                  domain.Turn
			status             string
			errText            sql.NullString
			startedAt, endedAt int64
		)
		if err := rows.Scan(
			&t.ID, &t.SessionID, &t.UserID, &t.ClientID, &t.UserContent, &t.AssistantContent,
			&status, &errText, &t.Chunks,
			&t.Usage.PromptTokens, &t.Usage.CompletionTokens, &t.Usage.TotalTokens,
			&startedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Status = domain.TurnStatus(status)
		t.Error = errText.String
		t.StartedAt = time.UnixMilli(startedAt)
		t.EndedAt = time.UnixMilli(endedAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// DeleteBefore removes turns that ended before cutoff.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var n int64
	err := shared.RetryOnConflict(ctx, "delete turns", writeAttempts, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE ended_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

var _ TranscriptStore = (*SQLiteStore)(nil)
