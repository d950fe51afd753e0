package provider

import (
	"github.com/go-openapi/strfmt"
)

// StopReason explains why a provider stopped emitting output.
type StopReason string

const (
	StopReasonNone    StopReason = ""
	StopReasonEndTurn StopReason = "end_turn"
	StopReasonToolUse StopReason = "tool_use"
)

// ToolCallData is a complete tool invocation request emitted by a provider.
// Arguments is the raw JSON argument string as the provider produced it.
type ToolCallData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// SearchPhase tracks the lifecycle of a provider-native web search.
type SearchPhase string

const (
	SearchPhaseSearching SearchPhase = "searching"
	SearchPhaseDone      SearchPhase = "done"
)

// SearchEvent is a provider-native web-search status or result.
type SearchEvent struct {
	Phase   SearchPhase    `json:"phase"`
	Query   string         `json:"query,omitempty"`
	Results []SearchResult `json:"results,omitempty"`
}

// SearchResult is one hit surfaced by a provider-native web search.
type SearchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Chunk is the canonical unit an adapter emits while streaming. A chunk
// carries at most one kind of payload; the zero chunk is valid but useless.
// Exactly one chunk per stream has IsFinal set, and it ends the underlying
// network read.
type Chunk struct {
	Text         string          `json:"text,omitempty"`
	ThinkingText string          `json:"thinkingText,omitempty"`
	ToolCall     *ToolCallData   `json:"toolCall,omitempty"`
	Search       *SearchEvent    `json:"search,omitempty"`
	StopReason   StopReason      `json:"stopReason,omitempty"`
	IsFinal      bool            `json:"isFinal,omitempty"`
	Timestamp    strfmt.DateTime `json:"timestamp,omitempty"`

	// Err is set on the final chunk when the stream broke mid-flight.
	// Caller-initiated cancellation never sets it.
	Err error `json:"-"`
}
