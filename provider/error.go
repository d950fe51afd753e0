package provider

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// APIError is a typed upstream protocol error: a non-2xx response or a
// malformed stream from a provider. It carries the upstream status and
// message so the failure can be surfaced as the assistant message's failed
// content. Upstream errors are not retried automatically.
type APIError struct {
	Dialect    string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Dialect, e.Message)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Dialect, e.StatusCode, e.Message)
}

// NewAPIError extracts a human-readable message from a provider error body.
// All three dialects nest the message under an "error" object, with slightly
// different shapes; the raw body is used as a fallback.
func NewAPIError(dialect string, status int, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	for _, path := range []string{"error.message", "error", "message"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			msg = v.String()
			break
		}
	}
	return &APIError{Dialect: dialect, StatusCode: status, Message: msg}
}
