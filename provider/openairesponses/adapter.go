// Package openairesponses implements the input-array + typed-SSE-events wire
// dialect (the OpenAI Responses API). Tool calls arrive as one complete
// output item; reasoning arrives as a separate delta event type; web-search
// activity arrives as its own item lifecycle events.
package openairesponses

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/conduithq/conduit/internal/sse"
	"github.com/conduithq/conduit/provider"
)

// Format is the registry id for this dialect.
const Format = "openai-responses"

func init() {
	provider.Register(Format, New)
}

// Adapter talks to a single responses endpoint. No state beyond a request.
type Adapter struct {
	cfg    provider.Config
	client *http.Client
}

// New builds an adapter for the configured endpoint.
func New(cfg provider.Config) provider.Provider {
	return &Adapter{cfg: cfg, client: cfg.Client()}
}

func (a *Adapter) endpoint() string {
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + "/responses"
}

func (a *Adapter) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, provider.NewAPIError(Format, resp.StatusCode, payload)
	}
	return resp, nil
}

// Chat performs a non-streaming request and assembles the output items.
func (a *Adapter) Chat(ctx context.Context, req provider.Request) (provider.Result, error) {
	body, err := buildBody(req, false)
	if err != nil {
		return provider.Result{}, err
	}
	resp, err := a.post(ctx, body)
	if err != nil {
		return provider.Result{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Result{}, fmt.Errorf("read response body: %w", err)
	}

	var result provider.Result
	for _, item := range gjson.GetBytes(payload, "output").Array() {
		switch item.Get("type").String() {
		case "message":
			for _, part := range item.Get("content").Array() {
				if part.Get("type").String() == "output_text" {
					result.Text += part.Get("text").String()
				}
			}
		case "reasoning":
			for _, part := range item.Get("summary").Array() {
				result.ThinkingText += part.Get("text").String()
			}
		case "function_call":
			result.ToolCalls = append(result.ToolCalls, toolCallFromItem(item))
		}
	}
	if len(result.ToolCalls) > 0 {
		result.StopReason = provider.StopReasonToolUse
	} else {
		result.StopReason = provider.StopReasonEndTurn
	}
	return result, nil
}

// ChatStream performs a streaming request. HTTP-level failures surface as a
// typed error here; everything after that arrives on the chunk stream.
func (a *Adapter) ChatStream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	body, err := buildBody(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, body)
	if err != nil {
		return nil, err
	}

	chunks := make(chan provider.Chunk, 10)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()
		a.runStream(ctx, resp.Body, chunks)
	}()
	return chunks, nil
}

func (a *Adapter) runStream(ctx context.Context, body io.Reader, chunks chan<- provider.Chunk) {
	var (
		scanner     = sse.NewScanner(body)
		sawToolCall bool
	)

	for {
		if ctx.Err() != nil {
			chunks <- finalChunk(provider.StopReasonNone, nil)
			return
		}

		event, err := scanner.Next()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				chunks <- finalChunk(provider.StopReasonNone, fmt.Errorf("%s: stream read: %w", Format, err))
				return
			}
			// The dialect closes with response.completed; plain EOF after
			// that is normal, before it the terminal handling below already
			// returned.
			chunks <- finalChunk(provider.StopReasonNone, nil)
			return
		}

		frame := gjson.Parse(event.Data)
		kind := event.Name
		if kind == "" {
			kind = frame.Get("type").String()
		}

		switch kind {
		case "response.output_text.delta":
			chunks <- provider.Chunk{Text: frame.Get("delta").String(), Timestamp: now()}
		case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
			chunks <- provider.Chunk{ThinkingText: frame.Get("delta").String(), Timestamp: now()}
		case "response.output_item.added":
			if frame.Get("item.type").String() == "web_search_call" {
				chunks <- provider.Chunk{
					Search:    &provider.SearchEvent{Phase: provider.SearchPhaseSearching},
					Timestamp: now(),
				}
			}
		case "response.output_item.done":
			item := frame.Get("item")
			switch item.Get("type").String() {
			case "function_call":
				sawToolCall = true
				call := toolCallFromItem(item)
				chunks <- provider.Chunk{ToolCall: &call, Timestamp: now()}
			case "web_search_call":
				chunks <- provider.Chunk{Search: searchDone(item), Timestamp: now()}
			}
		case "response.completed", "response.incomplete":
			stop := provider.StopReasonEndTurn
			if sawToolCall {
				stop = provider.StopReasonToolUse
			}
			chunks <- finalChunk(stop, nil)
			return
		case "response.failed", "error":
			msg := frame.Get("response.error.message").String()
			if msg == "" {
				msg = frame.Get("message").String()
			}
			chunks <- finalChunk(provider.StopReasonNone, &provider.APIError{Dialect: Format, Message: msg})
			return
		}
	}
}

func toolCallFromItem(item gjson.Result) provider.ToolCallData {
	return provider.ToolCallData{
		ID:        item.Get("call_id").String(),
		Name:      item.Get("name").String(),
		Arguments: item.Get("arguments").String(),
	}
}

func searchDone(item gjson.Result) *provider.SearchEvent {
	ev := &provider.SearchEvent{
		Phase: provider.SearchPhaseDone,
		Query: item.Get("action.query").String(),
	}
	for _, src := range item.Get("action.sources").Array() {
		ev.Results = append(ev.Results, provider.SearchResult{
			Title: src.Get("title").String(),
			URL:   src.Get("url").String(),
		})
	}
	return ev
}

func finalChunk(stop provider.StopReason, err error) provider.Chunk {
	return provider.Chunk{StopReason: stop, IsFinal: true, Err: err, Timestamp: now()}
}

func now() strfmt.DateTime {
	return strfmt.DateTime(time.Now())
}

// wire request types

type wireItem struct {
	Type string `json:"type"`

	// message
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"`

	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output string `json:"output,omitempty"`
}

func buildBody(req provider.Request, stream bool) ([]byte, error) {
	var input []wireItem

	history := req.History
	for i, msg := range history {
		switch msg.Role {
		case provider.RoleUser:
			input = append(input, wireItem{
				Type:    "message",
				Role:    "user",
				Content: userContent(msg.Content, attachmentsFor(req, i, len(history))),
			})
		case provider.RoleAssistant:
			if msg.Content != "" {
				input = append(input, wireItem{Type: "message", Role: "assistant", Content: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input = append(input, wireItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				})
			}
		case provider.RoleTool:
			input = append(input, wireItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: msg.Content,
			})
		}
	}

	payload := map[string]any{
		"model":        req.Model,
		"instructions": req.SystemPrompt,
		"input":        input,
		"stream":       stream,
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, def := range req.Tools {
			tools[i] = map[string]any{
				"type": "function",
				"name": def.DisplayName,
			}
			if def.Description != "" {
				tools[i]["description"] = def.Description
			}
			if def.InputSchema != nil {
				tools[i]["parameters"] = def.InputSchema
			}
		}
		payload["tools"] = tools
	}

	return json.Marshal(payload)
}

func userContent(text string, attachments []provider.Attachment) any {
	if len(attachments) == 0 {
		return text
	}
	parts := []map[string]any{{"type": "input_text", "text": text}}
	for _, att := range attachments {
		if !strings.HasPrefix(att.MimeType, "image/") {
			continue
		}
		parts = append(parts, map[string]any{
			"type":      "input_image",
			"image_url": "data:" + att.MimeType + ";base64," + base64.StdEncoding.EncodeToString(att.Data),
		})
	}
	return parts
}

func attachmentsFor(req provider.Request, idx, total int) []provider.Attachment {
	if idx != total-1 {
		return nil
	}
	return req.Attachments
}
