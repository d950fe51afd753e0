package hub

import (
	"fmt"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
)

// SSEConn adapts an http.ResponseWriter into a hub Conn, writing envelopes
// as server-sent events and pings as comment frames.
type SSEConn struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	fl     http.Flusher
	closed bool
	done   chan struct{}
}

// NewSSE prepares a response writer for server-sent events. It fails when the
// writer cannot flush, since buffered push frames defeat the purpose.
func NewSSE(w http.ResponseWriter) (*SSEConn, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return &SSEConn{w: w, fl: fl, done: make(chan struct{})}, nil
}

// Done is closed when the connection is closed, releasing the handler that
// holds the response open.
func (c *SSEConn) Done() <-chan struct{} {
	return c.done
}

// Send writes one envelope as an SSE frame.
func (c *SSEConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.w, "id: %d\nevent: %s\ndata: %s\n\n", env.ID, env.Type, data); err != nil {
		return err
	}
	c.fl.Flush()
	return nil
}

// Ping writes a comment frame to keep intermediaries from timing out the
// connection.
func (c *SSEConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := fmt.Fprint(c.w, ": ping\n\n"); err != nil {
		return err
	}
	c.fl.Flush()
	return nil
}

// Close marks the connection dead. The underlying response terminates when
// its handler returns.
func (c *SSEConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}
