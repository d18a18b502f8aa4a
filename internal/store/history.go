package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/oklog/ulid/v2"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/llm"
)

// HistoryStore keeps chat messages and run outcomes in sqlite.
type HistoryStore struct {
	DB *sql.DB
}

func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_chat ON messages (chat_id, id);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			chat_id TEXT,
			query TEXT,
			status TEXT NOT NULL,
			output TEXT,
			iterations INTEGER,
			exhausted INTEGER,
			failed_step TEXT,
			started_at INTEGER,
			finished_at INTEGER
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &HistoryStore{DB: db}, nil
}

func (h *HistoryStore) Close() error { return h.DB.Close() }

func (h *HistoryStore) AddMessage(chatID string, msg llm.Message) error {
	query := `INSERT INTO messages (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := h.DB.Exec(query, ulid.Make().String(), chatID, string(msg.Role), msg.Content, time.Now().UnixMilli())
	return err
}

// History returns up to limit of the newest messages of a chat, oldest first.
func (h *HistoryStore) History(chatID string, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT role, content FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := h.DB.Query(query, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []llm.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		history = append(history, llm.Message{Role: parseRole(role), Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

func parseRole(s string) llm.Role {
	switch s {
	case "system":
		return llm.RoleSystem
	case "assistant", "ai":
		return llm.RoleAssistant
	default:
		return llm.RoleUser
	}
}

// ClearHistory removes every message of a chat.
func (h *HistoryStore) ClearHistory(chatID string) error {
	_, err := h.DB.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}

// SaveRun records a run outcome. Saving the same id again replaces it.
func (h *HistoryStore) SaveRun(rec agent.RunRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	query := `INSERT OR REPLACE INTO runs
		(id, chat_id, query, status, output, iterations, exhausted, failed_step, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := h.DB.Exec(query, rec.ID, rec.Session, rec.Query, rec.Status, rec.Output,
		rec.Iterations, rec.Exhausted, rec.FailedStep, unixMilli(rec.StartedAt), unixMilli(rec.FinishedAt))
	return err
}

// Runs returns up to limit of the most recently started runs, newest first.
func (h *HistoryStore) Runs(limit int) ([]agent.RunRecord, error) {
	query := `SELECT id, chat_id, query, status, output, iterations, exhausted, failed_step, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`
	rows, err := h.DB.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []agent.RunRecord
	for rows.Next() {
		var rec agent.RunRecord
		var chatID, q, output, failed sql.NullString
		var iterations sql.NullInt64
		var exhausted sql.NullBool
		var started, finished sql.NullInt64
		if err := rows.Scan(&rec.ID, &chatID, &q, &rec.Status, &output, &iterations, &exhausted, &failed, &started, &finished); err != nil {
			return nil, err
		}
		rec.Session = chatID.String
		rec.Query = q.String
		rec.Output = output.String
		rec.Iterations = int(iterations.Int64)
		rec.Exhausted = exhausted.Bool
		rec.FailedStep = failed.String
		rec.StartedAt = fromUnixMilli(started)
		rec.FinishedAt = fromUnixMilli(finished)
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// Times are stored as unix milliseconds; the zero time is stored as NULL.
func unixMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromUnixMilli(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
