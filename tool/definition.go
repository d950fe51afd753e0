package tool

import (
	"github.com/invopop/jsonschema"
)

// Definition describes one callable tool exposed by a tool server. The
// DisplayName is the only identifier providers ever see; ServerID and Name
// identify the tool on our side.
type Definition struct {
	ServerID    string             `json:"serverId"`
	ServerName  string             `json:"serverName"`
	Name        string             `json:"name"`
	DisplayName string             `json:"displayName"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
	Enabled     bool               `json:"enabled"`
	AutoApprove bool               `json:"autoApprove"`
}

// Status is the lifecycle state of a tool invocation.
// pending -> invoking -> {done | error | cancelled}; terminal states are
// immutable once set.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInvoking  Status = "invoking"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// CallRecord is the persisted state of one tool invocation within a turn.
// Records are created when a tool-call chunk arrives, mutated by the
// confirmation/execution pipeline, and become part of the permanent message
// once the turn finalizes.
type CallRecord struct {
	ID          string `json:"id"`
	ServerID    string `json:"serverId"`
	ServerName  string `json:"serverName"`
	ToolName    string `json:"toolName"`
	DisplayName string `json:"displayName"`
	Arguments   string `json:"arguments"`
	Status      Status `json:"status"`
	Response    string `json:"response,omitempty"`
	IsError     bool   `json:"isError,omitempty"`
}
