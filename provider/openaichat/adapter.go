// Package openaichat implements the message-array + delta-events wire dialect
// (OpenAI chat completions and its many lookalikes). Tool calls arrive as
// fragments keyed by index and are assembled before a complete tool-call
// chunk is yielded.
package openaichat

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/conduithq/conduit/internal/sse"
	"github.com/conduithq/conduit/provider"
)

// Format is the registry id for this dialect.
const Format = "openai-chat"

func init() {
	provider.Register(Format, New)
}

// Adapter talks to a single chat-completions endpoint. It holds no state
// beyond the connection configuration.
type Adapter struct {
	cfg    provider.Config
	client *http.Client
}

// New builds an adapter for the configured endpoint.
func New(cfg provider.Config) provider.Provider {
	return &Adapter{cfg: cfg, client: cfg.Client()}
}

func (a *Adapter) endpoint() string {
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + "/chat/completions"
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

// Chat performs a non-streaming completion.
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
		return provider.Result{}, fmt.Errorf("read completion body: %w", err)
	}

	msg := gjson.GetBytes(payload, "choices.0.message")
	result := provider.Result{
		Text:         msg.Get("content").String(),
		ThinkingText: msg.Get("reasoning_content").String(),
		StopReason:   stopReason(gjson.GetBytes(payload, "choices.0.finish_reason").String()),
	}
	for _, tc := range msg.Get("tool_calls").Array() {
		result.ToolCalls = append(result.ToolCalls, provider.ToolCallData{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
		})
	}
	return result, nil
}

// ChatStream performs a streaming completion. The request is issued before
// the channel is returned, so HTTP-level failures surface as a typed error
// here rather than on the stream.
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

// toolCallAccum assembles one tool call from delta fragments.
type toolCallAccum struct {
	id   string
	name string
	args strings.Builder
}

func (a *Adapter) runStream(ctx context.Context, body io.Reader, chunks chan<- provider.Chunk) {
	var (
		scanner = sse.NewScanner(body)
		pending = map[int]*toolCallAccum{}
		finish  string
	)

	for {
		if ctx.Err() != nil {
			// Caller-initiated cancellation is a normal termination.
			chunks <- finalChunk(provider.StopReasonNone, nil)
			return
		}

		event, err := scanner.Next()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				chunks <- finalChunk(provider.StopReasonNone, fmt.Errorf("%s: stream read: %w", Format, err))
				return
			}
			break
		}
		if event.IsDone() {
			break
		}

		frame := gjson.Parse(event.Data)
		delta := frame.Get("choices.0.delta")

		if text := delta.Get("content"); text.Exists() && text.String() != "" {
			chunks <- provider.Chunk{Text: text.String(), Timestamp: now()}
		}
		if thinking := delta.Get("reasoning_content"); thinking.Exists() && thinking.String() != "" {
			chunks <- provider.Chunk{ThinkingText: thinking.String(), Timestamp: now()}
		}
		for _, tc := range delta.Get("tool_calls").Array() {
			idx := int(tc.Get("index").Int())
			acc, ok := pending[idx]
			if !ok {
				acc = &toolCallAccum{}
				pending[idx] = acc
			}
			if id := tc.Get("id").String(); id != "" {
				acc.id = id
			}
			if name := tc.Get("function.name").String(); name != "" {
				acc.name = name
			}
			acc.args.WriteString(tc.Get("function.arguments").String())
		}
		if fr := frame.Get("choices.0.finish_reason"); fr.Exists() && fr.String() != "" {
			finish = fr.String()
		}
	}

	// Some lookalike backends omit finish_reason entirely; a non-empty
	// accumulator is treated as tool use regardless.
	if len(pending) > 0 {
		for _, idx := range sortedKeys(pending) {
			acc := pending[idx]
			chunks <- provider.Chunk{
				ToolCall: &provider.ToolCallData{
					ID:        acc.id,
					Name:      acc.name,
					Arguments: acc.args.String(),
				},
				Timestamp: now(),
			}
		}
		chunks <- finalChunk(provider.StopReasonToolUse, nil)
		return
	}
	if ctx.Err() != nil {
		chunks <- finalChunk(provider.StopReasonNone, nil)
		return
	}
	stop := stopReason(finish)
	if stop == provider.StopReasonNone {
		stop = provider.StopReasonEndTurn
	}
	chunks <- finalChunk(stop, nil)
}

func stopReason(finish string) provider.StopReason {
	switch finish {
	case "tool_calls", "function_call":
		return provider.StopReasonToolUse
	case "":
		return provider.StopReasonNone
	default:
		return provider.StopReasonEndTurn
	}
}

func sortedKeys(m map[int]*toolCallAccum) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func finalChunk(stop provider.StopReason, err error) provider.Chunk {
	return provider.Chunk{StopReason: stop, IsFinal: true, Err: err, Timestamp: now()}
}

func now() strfmt.DateTime {
	return strfmt.DateTime(time.Now())
}

// wire request types

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters,omitempty"`
	} `json:"function"`
}

func buildBody(req provider.Request, stream bool) ([]byte, error) {
	messages := []wireMessage{{Role: "system", Content: req.SystemPrompt}}

	history := req.History
	for i, msg := range history {
		switch msg.Role {
		case provider.RoleUser:
			parts := userParts(msg.Content, attachmentsFor(req, i, len(history)))
			messages = append(messages, wireMessage{Role: "user", Content: parts})
		case provider.RoleAssistant:
			wm := wireMessage{Role: "assistant"}
			if msg.Content != "" {
				wm.Content = msg.Content
			}
			for _, tc := range msg.ToolCalls {
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: wireFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			messages = append(messages, wm)
		case provider.RoleTool:
			messages = append(messages, wireMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		tools := make([]wireTool, len(req.Tools))
		for i, def := range req.Tools {
			tools[i].Type = "function"
			tools[i].Function.Name = def.DisplayName
			tools[i].Function.Description = def.Description
			if def.InputSchema != nil {
				tools[i].Function.Parameters = def.InputSchema
			}
		}
		payload["tools"] = tools
		payload["parallel_tool_calls"] = true
	}

	return json.Marshal(payload)
}

// userParts renders a user message as content parts when attachments are
// present, or as a plain string otherwise.
func userParts(text string, attachments []provider.Attachment) any {
	if len(attachments) == 0 {
		return text
	}
	parts := []map[string]any{{"type": "text", "text": text}}
	for _, att := range attachments {
		if !strings.HasPrefix(att.MimeType, "image/") {
			continue
		}
		parts = append(parts, map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url": "data:" + att.MimeType + ";base64," + base64.StdEncoding.EncodeToString(att.Data),
			},
		})
	}
	return parts
}

// attachmentsFor attaches request attachments to the last user message only.
func attachmentsFor(req provider.Request, idx, total int) []provider.Attachment {
	if idx != total-1 {
		return nil
	}
	return req.Attachments
}
