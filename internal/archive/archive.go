// Package archive persists completed turns to SQLite so history
// survives restarts and session compression.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id   TEXT NOT NULL,
	user_text  TEXT NOT NULL,
	final_text TEXT NOT NULL,
	truncated  INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_agent ON turns(agent_id, created_at);
`

// Turn is one archived user/assistant exchange.
type Turn struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	UserText  string    `json:"user_text"`
	FinalText string    `json:"final_text"`
	Truncated bool      `json:"truncated"`
	CreatedAt time.Time `json:"created_at"`
}

// Archive wraps the turns database. Safe for concurrent use; the
// sql.DB pool serializes writers.
type Archive struct {
	db *sql.DB
}

// Open creates or opens the archive at path and ensures the schema.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// RecordTurn stores one finished exchange.
func (a *Archive) RecordTurn(ctx context.Context, agentID, userText, finalText string, truncated bool) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO turns (agent_id, user_text, final_text, truncated, created_at) VALUES (?, ?, ?, ?, ?)`,
		agentID, userText, finalText, truncated, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// History returns the most recent turns for an agent, oldest first.
// limit <= 0 means everything.
func (a *Archive) History(ctx context.Context, agentID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, agent_id, user_text, final_text, truncated, created_at
		 FROM turns WHERE agent_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.AgentID, &t.UserText, &t.FinalText, &t.Truncated, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
