// Package store defines the narrow persistence contracts the orchestration
// core consumes. The core never issues raw storage queries; everything goes
// through these interfaces. Two implementations ship with the repository: an
// in-memory store for tests and embedding, and a SQLite store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/conduithq/conduit/tool"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Conversation groups an ordered message history under one assistant.
type Conversation struct {
	ID          string
	UserID      string
	AssistantID string
	Title       string
	CreatedAt   time.Time
}

// Message statuses persisted alongside content.
const (
	MessageStatusPending   = "pending"
	MessageStatusStreaming = "streaming"
	MessageStatusCompleted = "completed"
	MessageStatusStopped   = "stopped"
	MessageStatusFailed    = "failed"
)

// Message is one persisted conversation entry. Tool calls are stored with
// the assistant message they belong to. IsCompression marks control messages
// (history compression markers) that are excluded from provider history.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Status         string
	ToolCalls      []tool.CallRecord
	IsCompression  bool
	CreatedAt      time.Time
}

// Assistant is the configuration a turn runs under.
type Assistant struct {
	ID            string
	UserID        string
	Name          string
	SystemPrompt  string
	Model         string
	ProviderID    string
	ToolServerIDs []string
}

// ProviderConfig identifies a remote endpoint and its wire format. The API
// key itself lives in the named environment variable, never in storage.
type ProviderConfig struct {
	ID        string
	Format    string
	BaseURL   string
	APIKeyEnv string
}

// Task statuses for asynchronous submit-then-poll providers.
const (
	TaskStatusSubmitting = "submitting"
	TaskStatusProcessing = "processing"
	TaskStatusSucceeded  = "succeeded"
	TaskStatusFailed     = "failed"
)

// Task is one locally recorded asynchronous generation job.
type Task struct {
	ID               string
	UserID           string
	Provider         string
	RemoteID         string
	Status           string
	EstimatedSeconds int
	Payload          string
	Result           string
	Error            string
	LastPolledAt     time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Conversations reads and writes conversation history.
type Conversations interface {
	Conversation(ctx context.Context, id string) (Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	Message(ctx context.Context, id string) (Message, error)
	AppendMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, id, content, status string, calls []tool.CallRecord) error
}

// Assistants reads assistant and provider configuration.
type Assistants interface {
	Assistant(ctx context.Context, id string) (Assistant, error)
	Provider(ctx context.Context, id string) (ProviderConfig, error)
}

// Tasks reads and writes asynchronous task state.
type Tasks interface {
	Task(ctx context.Context, id string) (Task, error)
	TasksByStatus(ctx context.Context, status string) ([]Task, error)
	UpdateTask(ctx context.Context, task Task) error
}

// Store is the full persistence surface the core wires against.
type Store interface {
	Conversations
	Assistants
	Tasks
}
