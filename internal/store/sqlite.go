// ABOUTME: SQLite-backed local transcript cache using modernc.org/sqlite.
// ABOUTME: Stores messages per session with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/purl-chat/purl-client/internal/wire"
)

// TranscriptCache is the local, per-session message cache.
type TranscriptCache struct {
	db     *sql.DB
	logger *slog.Logger
}

// GetParams narrows a transcript read. Zero values mean "no bound".
type GetParams struct {
	SessionID string
	Limit     int
	Before    *time.Time
	After     *time.Time
}

// GetResult is one page of cached messages in ascending creation order.
type GetResult struct {
	Messages []wire.Message
	HasMore  bool
}

const defaultGetLimit = 50

// Open creates or opens the transcript cache at path. Parent directories
// are created if needed.
func Open(path string) (*TranscriptCache, error) {
	logger := slog.Default().With("component", "transcript-cache")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	// WAL keeps reads cheap while the chat loop writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	c := &TranscriptCache{db: db, logger: logger}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("transcript cache opened", "path", path)
	return c, nil
}

func (c *TranscriptCache) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			author_id TEXT NOT NULL,
			from_agent INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			status TEXT NOT NULL,
			thought TEXT,
			actions TEXT,
			PRIMARY KEY (session_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Save upserts a message into the session's transcript. Status transitions
// (pending -> delivered/error) re-save the same ID.
func (c *TranscriptCache) Save(ctx context.Context, sessionID string, m *wire.Message) error {
	var actions []byte
	if len(m.Actions) > 0 {
		var err error
		actions, err = json.Marshal(m.Actions)
		if err != nil {
			return fmt.Errorf("encoding actions: %w", err)
		}
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, content, author_id, from_agent, created_at, status, thought, actions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status,
			thought = excluded.thought,
			actions = excluded.actions`,
		m.ID, sessionID, m.Content, m.AuthorID, boolToInt(m.FromAgent),
		m.CreatedAt.UTC().Format(time.RFC3339Nano), string(m.Status), m.Thought, nullable(actions),
	)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// Get returns a page of the session transcript in ascending creation order.
func (c *TranscriptCache) Get(ctx context.Context, params GetParams) (*GetResult, error) {
	if params.SessionID == "" {
		return nil, fmt.Errorf("session_id required")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultGetLimit
	}

	query := `SELECT id, content, author_id, from_agent, created_at, status, thought, actions
		FROM messages WHERE session_id = ?`
	args := []any{params.SessionID}

	if params.After != nil {
		query += ` AND created_at > ?`
		args = append(args, params.After.UTC().Format(time.RFC3339Nano))
	}
	if params.Before != nil {
		query += ` AND created_at < ?`
		args = append(args, params.Before.UTC().Format(time.RFC3339Nano))
	}

	// Fetch one extra row to detect whether more pages exist
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []wire.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}

	result := &GetResult{Messages: messages}
	if len(messages) > limit {
		result.Messages = messages[:limit]
		result.HasMore = true
	}
	return result, nil
}

// ClearSession deletes every cached message for a session.
func (c *TranscriptCache) ClearSession(ctx context.Context, sessionID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (c *TranscriptCache) Close() error {
	return c.db.Close()
}

func scanMessage(rows *sql.Rows) (*wire.Message, error) {
	var (
		m         wire.Message
		fromAgent int
		createdAt string
		status    string
		thought   sql.NullString
		actions   sql.NullString
	)
	if err := rows.Scan(&m.ID, &m.Content, &m.AuthorID, &fromAgent, &createdAt, &status, &thought, &actions); err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	m.FromAgent = fromAgent != 0
	m.Status = wire.Status(status)
	m.Thought = thought.String

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	m.CreatedAt = t

	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &m.Actions); err != nil {
			return nil, fmt.Errorf("decoding actions: %w", err)
		}
	}

	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
