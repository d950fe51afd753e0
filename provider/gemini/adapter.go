// Package gemini implements the content-array wire dialect with a native
// "thought" flag (the Gemini generateContent API). There is no system role:
// the system prompt is a top-level field; assistant turns use the "model"
// role and tool results travel as functionResponse parts inside a user turn.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/conduithq/conduit/internal/sse"
	"github.com/conduithq/conduit/pkg/uuidx"
	"github.com/conduithq/conduit/provider"
)

// Format is the registry id for this dialect.
const Format = "gemini"

func init() {
	provider.Register(Format, New)
}

// Adapter talks to a single generateContent endpoint family.
type Adapter struct {
	cfg    provider.Config
	client *http.Client
}

// New builds an adapter for the configured endpoint.
func New(cfg provider.Config) provider.Provider {
	return &Adapter{cfg: cfg, client: cfg.Client()}
}

func (a *Adapter) endpoint(model string, stream bool) string {
	verb := "generateContent"
	query := ""
	if stream {
		verb = "streamGenerateContent"
		query = "?alt=sse"
	}
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + "/models/" + url.PathEscape(model) + ":" + verb + query
}

func (a *Adapter) post(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", a.cfg.APIKey)

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

// Chat performs a non-streaming generation.
func (a *Adapter) Chat(ctx context.Context, req provider.Request) (provider.Result, error) {
	body, err := buildBody(req)
	if err != nil {
		return provider.Result{}, err
	}
	resp, err := a.post(ctx, a.endpoint(req.Model, false), body)
	if err != nil {
		return provider.Result{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Result{}, fmt.Errorf("read generation body: %w", err)
	}

	var result provider.Result
	for _, part := range gjson.GetBytes(payload, "candidates.0.content.parts").Array() {
		collectPart(part, &result)
	}
	if len(result.ToolCalls) > 0 {
		result.StopReason = provider.StopReasonToolUse
	} else {
		result.StopReason = provider.StopReasonEndTurn
	}
	return result, nil
}

func collectPart(part gjson.Result, result *provider.Result) {
	switch {
	case part.Get("functionCall").Exists():
		result.ToolCalls = append(result.ToolCalls, toolCallFromPart(part))
	case part.Get("thought").Bool():
		result.ThinkingText += part.Get("text").String()
	default:
		result.Text += part.Get("text").String()
	}
}

// ChatStream performs a streaming generation.
func (a *Adapter) ChatStream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	body, err := buildBody(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.post(ctx, a.endpoint(req.Model, true), body)
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
		scanner = sse.NewScanner(body)
		sawTool bool
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
			break
		}

		frame := gjson.Parse(event.Data)
		for _, part := range frame.Get("candidates.0.content.parts").Array() {
			switch {
			case part.Get("functionCall").Exists():
				sawTool = true
				call := toolCallFromPart(part)
				chunks <- provider.Chunk{ToolCall: &call, Timestamp: now()}
			case part.Get("thought").Bool():
				if text := part.Get("text").String(); text != "" {
					chunks <- provider.Chunk{ThinkingText: text, Timestamp: now()}
				}
			default:
				if text := part.Get("text").String(); text != "" {
					chunks <- provider.Chunk{Text: text, Timestamp: now()}
				}
			}
		}
		if queries := frame.Get("candidates.0.groundingMetadata.webSearchQueries"); queries.Exists() {
			for _, q := range queries.Array() {
				chunks <- provider.Chunk{
					Search:    &provider.SearchEvent{Phase: provider.SearchPhaseDone, Query: q.String()},
					Timestamp: now(),
				}
			}
		}
	}

	if ctx.Err() != nil {
		chunks <- finalChunk(provider.StopReasonNone, nil)
		return
	}
	if sawTool {
		chunks <- finalChunk(provider.StopReasonToolUse, nil)
		return
	}
	chunks <- finalChunk(provider.StopReasonEndTurn, nil)
}

// toolCallFromPart synthesizes a call id: this dialect does not assign ids
// to function calls, but call records and confirmations are keyed by one.
func toolCallFromPart(part gjson.Result) provider.ToolCallData {
	args := part.Get("functionCall.args").Raw
	if args == "" {
		args = "{}"
	}
	return provider.ToolCallData{
		ID:        "call_" + uuidx.NewString(),
		Name:      part.Get("functionCall.name").String(),
		Arguments: args,
	}
}

func finalChunk(stop provider.StopReason, err error) provider.Chunk {
	return provider.Chunk{StopReason: stop, IsFinal: true, Err: err, Timestamp: now()}
}

func now() strfmt.DateTime {
	return strfmt.DateTime(time.Now())
}

// wire request types

type wirePart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *wireBlob       `json:"inlineData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse map[string]any  `json:"functionResponse,omitempty"`
}

type wireBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireContent struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

func buildBody(req provider.Request) ([]byte, error) {
	var contents []wireContent

	history := req.History
	for i, msg := range history {
		switch msg.Role {
		case provider.RoleUser:
			content := wireContent{Role: "user", Parts: []wirePart{{Text: msg.Content}}}
			if i == len(history)-1 {
				for _, att := range req.Attachments {
					content.Parts = append(content.Parts, wirePart{InlineData: &wireBlob{
						MimeType: att.MimeType,
						Data:     base64.StdEncoding.EncodeToString(att.Data),
					}})
				}
			}
			contents = append(contents, content)
		case provider.RoleAssistant:
			content := wireContent{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, wirePart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				// Keep the argument JSON exactly as the model produced it.
				args := tc.Arguments
				if !gjson.Valid(args) {
					args = "{}"
				}
				call, _ := sjson.Set("", "name", tc.Name)
				call, _ = sjson.SetRaw(call, "args", args)
				content.Parts = append(content.Parts, wirePart{FunctionCall: json.RawMessage(call)})
			}
			contents = append(contents, content)
		case provider.RoleTool:
			contents = append(contents, wireContent{Role: "user", Parts: []wirePart{{
				FunctionResponse: map[string]any{
					"name":     msg.ToolName,
					"response": map[string]any{"output": msg.Content},
				},
			}}})
		}
	}

	payload := map[string]any{
		"contents": contents,
	}
	if req.SystemPrompt != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []wirePart{{Text: req.SystemPrompt}},
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, len(req.Tools))
		for i, def := range req.Tools {
			decls[i] = map[string]any{"name": def.DisplayName}
			if def.Description != "" {
				decls[i]["description"] = def.Description
			}
			if def.InputSchema != nil {
				decls[i]["parameters"] = def.InputSchema
			}
		}
		payload["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	return json.Marshal(payload)
}
