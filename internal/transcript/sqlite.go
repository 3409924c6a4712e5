// Package transcript persists one record per top-level gateway request:
// either the accumulated assistant text or the error code that ended it.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"canvascraft/internal/domain"
)

// Entry is one persisted transcript row.
type Entry struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Model     string           `json:"model"`
	Messages  []domain.Message `json:"messages"`
	Response  string           `json:"response,omitempty"`
	ErrorCode string           `json:"error_code,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Store is a SQLite-backed transcript log.
type Store struct {
	db *sql.DB

	idMu    sync.Mutex // MonotonicEntropy is not safe for concurrent use
	entropy *ulid.MonotonicEntropy
}

// Open opens (or creates) the transcript database at dbPath and runs the
// schema migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			model      TEXT NOT NULL,
			messages   TEXT NOT NULL,
			response   TEXT,
			error_code TEXT,
			created_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}

	t := time.Now()
	return &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0),
	}, nil
}

// LogSuccess writes the transcript row for a completed stream.
func (s *Store) LogSuccess(ctx context.Context, userID, model string, messages []domain.Message, response string) error {
	return s.insert(ctx, userID, model, messages, response, "")
}

// LogFailure writes the transcript row for a request that ended in an
// error before a full response was relayed.
func (s *Store) LogFailure(ctx context.Context, userID, model string, messages []domain.Message, code domain.ErrorCode) error {
	return s.insert(ctx, userID, model, messages, "", string(code))
}

func (s *Store) insert(ctx context.Context, userID, model string, messages []domain.Message, response, errorCode string) error {
	msgJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal transcript messages: %w", err)
	}
	now := time.Now().UTC()
	s.idMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	s.idMu.Unlock()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO transcripts (id, user_id, model, messages, response, error_code, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, userID, model, string(msgJSON), nullable(response), nullable(errorCode),
		now.Format(time.RFC3339Nano),
	)
	return domain.WrapOp("Transcript.insert", err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Recent returns up to limit transcript rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, model, messages, response, error_code, created_at FROM transcripts ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, domain.WrapOp("Transcript.Recent", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			msgJSON   string
			response  sql.NullString
			errorCode sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Model, &msgJSON, &response, &errorCode, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		if err := json.Unmarshal([]byte(msgJSON), &e.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal transcript messages: %w", err)
		}
		e.Response = response.String
		e.ErrorCode = errorCode.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }
