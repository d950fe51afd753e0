package hub

import (
	json "github.com/goccy/go-json"
	"github.com/go-openapi/strfmt"
)

// Event types delivered through the hub.
const (
	EventTurnCreated     = "turn-created"
	EventTurnDone        = "turn-done"
	EventToolCallUpdated = "tool-call-updated"
	EventTaskUpdated     = "task-updated"
)

// Envelope wraps every broadcast payload with a per-hub monotonic id and a
// timestamp, so clients can detect gaps and order events across types.
type Envelope struct {
	ID   int64           `json:"id"`
	TS   strfmt.DateTime `json:"ts"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
