package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/conduithq/conduit/tool"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	assistant_id TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT '',
	tool_calls      TEXT NOT NULL DEFAULT '[]',
	is_compression  INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS assistants (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	name            TEXT NOT NULL,
	system_prompt   TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL,
	provider_id     TEXT NOT NULL,
	tool_server_ids TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS providers (
	id          TEXT PRIMARY KEY,
	format      TEXT NOT NULL,
	base_url    TEXT NOT NULL,
	api_key_env TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	provider          TEXT NOT NULL,
	remote_id         TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	estimated_seconds INTEGER NOT NULL DEFAULT 0,
	payload           TEXT NOT NULL DEFAULT '',
	result            TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	last_polled_at    TIMESTAMP,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// SQLite is the reference durable Store, backed by a cgo-free sqlite driver.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Conversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, assistant_id, title, created_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.UserID, &c.AssistantID, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// PutConversation inserts or replaces a conversation.
func (s *SQLite) PutConversation(ctx context.Context, c Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversations (id, user_id, assistant_id, title, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.AssistantID, c.Title, c.CreatedAt)
	return err
}

func (s *SQLite) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, status, tool_calls, is_compression, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLite) Message(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, status, tool_calls, is_compression, created_at
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return msg, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMessage(row scannable) (Message, error) {
	var (
		msg      Message
		calls    string
		compress int
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Status, &calls, &compress, &msg.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	msg.IsCompression = compress != 0
	if err := json.Unmarshal([]byte(calls), &msg.ToolCalls); err != nil {
		return Message{}, fmt.Errorf("decode tool calls for message %s: %w", msg.ID, err)
	}
	return msg, nil
}

func (s *SQLite) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	calls, err := json.Marshal(messageCalls(msg.ToolCalls))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, status, tool_calls, is_compression, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Status, string(calls), boolInt(msg.IsCompression), msg.CreatedAt)
	return err
}

func (s *SQLite) UpdateMessage(ctx context.Context, id, content, status string, toolCalls []tool.CallRecord) error {
	calls, err := json.Marshal(messageCalls(toolCalls))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, status = ?, tool_calls = ? WHERE id = ?`,
		content, status, string(calls), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Assistant(ctx context.Context, id string) (Assistant, error) {
	var (
		a       Assistant
		servers string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, system_prompt, model, provider_id, tool_server_ids FROM assistants WHERE id = ?`, id).
		Scan(&a.ID, &a.UserID, &a.Name, &a.SystemPrompt, &a.Model, &a.ProviderID, &servers)
	if errors.Is(err, sql.ErrNoRows) {
		return Assistant{}, ErrNotFound
	}
	if err != nil {
		return Assistant{}, err
	}
	if err := json.Unmarshal([]byte(servers), &a.ToolServerIDs); err != nil {
		return Assistant{}, fmt.Errorf("decode tool servers for assistant %s: %w", id, err)
	}
	return a, nil
}

// PutAssistant inserts or replaces an assistant.
func (s *SQLite) PutAssistant(ctx context.Context, a Assistant) error {
	servers, err := json.Marshal(a.ToolServerIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO assistants (id, user_id, name, system_prompt, model, provider_id, tool_server_ids)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.SystemPrompt, a.Model, a.ProviderID, string(servers))
	return err
}

func (s *SQLite) Provider(ctx context.Context, id string) (ProviderConfig, error) {
	var p ProviderConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT id, format, base_url, api_key_env FROM providers WHERE id = ?`, id).
		Scan(&p.ID, &p.Format, &p.BaseURL, &p.APIKeyEnv)
	if errors.Is(err, sql.ErrNoRows) {
		return ProviderConfig{}, ErrNotFound
	}
	return p, err
}

// PutProvider inserts or replaces a provider configuration.
func (s *SQLite) PutProvider(ctx context.Context, p ProviderConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO providers (id, format, base_url, api_key_env) VALUES (?, ?, ?, ?)`,
		p.ID, p.Format, p.BaseURL, p.APIKeyEnv)
	return err
}

func (s *SQLite) Task(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, remote_id, status, estimated_seconds, payload, result, error, last_polled_at, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *SQLite) TasksByStatus(ctx context.Context, status string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, provider, remote_id, status, estimated_seconds, payload, result, error, last_polled_at, created_at, updated_at
		 FROM tasks WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scannable) (Task, error) {
	var (
		t      Task
		polled sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Provider, &t.RemoteID, &t.Status, &t.EstimatedSeconds,
		&t.Payload, &t.Result, &t.Error, &polled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	if polled.Valid {
		t.LastPolledAt = polled.Time
	}
	return t, nil
}

// PutTask inserts or replaces a task.
func (s *SQLite) PutTask(ctx context.Context, t Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks (id, user_id, provider, remote_id, status, estimated_seconds, payload, result, error, last_polled_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Provider, t.RemoteID, t.Status, t.EstimatedSeconds,
		t.Payload, t.Result, t.Error, nullTime(t.LastPolledAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *SQLite) UpdateTask(ctx context.Context, task Task) error {
	task.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET remote_id = ?, status = ?, result = ?, error = ?, last_polled_at = ?, updated_at = ? WHERE id = ?`,
		task.RemoteID, task.Status, task.Result, task.Error, nullTime(task.LastPolledAt), task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func messageCalls(calls []tool.CallRecord) []tool.CallRecord {
	if calls == nil {
		return []tool.CallRecord{}
	}
	return calls
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
