package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/conduithq/conduit/tool"
)

// Role tags a history message with its dialect-neutral origin.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the dialect-neutral turn history. An assistant
// message may carry tool calls; a tool message carries the result for exactly
// one call, identified by ToolCallID.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCallData
	ToolCallID string
	ToolName   string
	IsError    bool
}

// Attachment is a user-provided file sent along with the next message.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Request carries everything an adapter needs for one round with a provider.
// Adapters must never mutate History.
type Request struct {
	Model        string
	SystemPrompt string
	History      []Message
	Tools        []tool.Definition
	Attachments  []Attachment

	// Prevents unkeyed literals
	_ struct{}
}

// Result is the assembled outcome of a non-streaming chat call.
type Result struct {
	Text         string
	ThinkingText string
	ToolCalls    []ToolCallData
	StopReason   StopReason
}

// Provider is implemented once per wire dialect. ChatStream returns a lazy,
// non-restartable chunk sequence that ends with the single final chunk.
// Cancelling ctx terminates the stream promptly and silently: the adapter
// emits a final chunk and closes the channel, it does not surface the
// cancellation as an error.
type Provider interface {
	Chat(ctx context.Context, req Request) (Result, error)
	ChatStream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Config is the per-provider connection configuration an adapter factory
// receives. HTTPClient is optional; adapters fall back to a client with
// ConnectTimeout applied to dialing only, since streams have no overall
// deadline.
type Config struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	ConnectTimeout time.Duration
}

// DefaultConnectTimeout bounds connection establishment when Config does not.
const DefaultConnectTimeout = 30 * time.Second

// Factory builds an adapter from connection configuration.
type Factory func(Config) Provider
