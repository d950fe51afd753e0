// Package toolserver is a JSON-RPC 2.0 over HTTP client for MCP-style tool
// servers: initialize handshake, tool catalog listing, and tool invocation.
package toolserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

const protocolVersion = "2025-03-26"

// Server is the connection configuration for one tool server.
type Server struct {
	ID          string
	Name        string
	BaseURL     string
	Token       string
	Enabled     bool
	AutoApprove bool
}

// ToolInfo is one catalog entry as the server reports it.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Client holds one logical connection to a tool server. Connections are
// pooled by the gateway; a Client itself is safe for concurrent use.
type Client struct {
	server Server
	hc     *http.Client
	nextID atomic.Int64
}

// Dial creates a client and performs the initialize handshake.
func Dial(ctx context.Context, server Server, hc *http.Client) (*Client, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{server: server, hc: hc}
	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "conduit", "version": "1"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", server.Name, err)
	}
	return c, nil
}

// Server returns the connection configuration this client was dialed with.
func (c *Client) Server() Server {
	return c.server
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var tools []ToolInfo
	for _, t := range gjson.GetBytes(result, "tools").Array() {
		tools = append(tools, ToolInfo{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			InputSchema: json.RawMessage(t.Get("inputSchema").Raw),
		})
	}
	return tools, nil
}

// CallTool invokes a named tool. A tool-level failure comes back as
// (content, isError=true, nil); only transport and protocol failures return
// a non-nil error.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, bool, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return "", false, err
	}

	var content strings.Builder
	for _, part := range gjson.GetBytes(result, "content").Array() {
		if part.Get("type").String() == "text" {
			content.WriteString(part.Get("text").String())
		}
	}
	return content.String(), gjson.GetBytes(result, "isError").Bool(), nil
}

// Close releases the connection. The HTTP transport is shared, so this only
// marks intent; it exists so pooled entries have a uniform lifecycle.
func (c *Client) Close() error {
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.server.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.server.Token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return nil, fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if rpcErr := gjson.GetBytes(payload, "error"); rpcErr.Exists() {
		return nil, fmt.Errorf("%s: rpc error %d: %s",
			method, rpcErr.Get("code").Int(), rpcErr.Get("message").String())
	}
	return json.RawMessage(gjson.GetBytes(payload, "result").Raw), nil
}
