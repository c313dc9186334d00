// persistence_sqlite.go implements SessionPersister on a local SQLite file.
// Only text conversations are persisted; voice sessions never touch disk.
package copilot

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	last_activity TEXT NOT NULL,
	active        INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content_json    TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, id);
`

// SQLitePersister stores session history in a SQLite database.
type SQLitePersister struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePersister opens (or creates) the database and ensures the
// schema. An unreachable store here is fatal for the daemon; runtime write
// failures later are logged and scoped to the failing operation.
func NewSQLitePersister(path string, logger *slog.Logger) (*SQLitePersister, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session database unreachable: %w", err)
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating session schema: %w", err)
	}
	return &SQLitePersister{db: db, logger: logger.With("component", "persistence")}, nil
}

// SaveMessage appends one message to a conversation, creating the
// conversation row on first write.
func (p *SQLitePersister) SaveMessage(sessionID string, msg Message) error {
	now := time.Now().UTC().Format(time.RFC3339)

	contentJSON, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encoding message content: %w", err)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, kind, created_at, last_activity, active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET last_activity = excluded.last_activity, active = 1`,
		sessionID, string(KindText), now, now,
	); err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, role, content_json, created_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, msg.Role, string(contentJSON), now,
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	return tx.Commit()
}

// LoadSession reads a conversation's messages in insertion order.
func (p *SQLitePersister) LoadSession(sessionID string) ([]Message, error) {
	rows, err := p.db.Query(`
		SELECT role, content_json FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var (
			role        string
			contentJSON string
		)
		if err := rows.Scan(&role, &contentJSON); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		var content []ContentBlock
		if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
			p.logger.Warn("skipping undecodable message", "session", sessionID, "err", err)
			continue
		}
		history = append(history, Message{Role: role, Content: content})
	}
	return history, rows.Err()
}

// DeleteSession drops a conversation and its messages (used by /reset).
func (p *SQLitePersister) DeleteSession(sessionID string) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", sessionID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.Exec("UPDATE conversations SET active = 0 WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("deactivating conversation: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
