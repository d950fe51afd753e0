package openairesponses

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/conduithq/conduit/provider"
)

type frame struct {
	event string
	data  string
}

func streamServer(t *testing.T, frames []frame, capture *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			*capture = body
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, f := range frames {
			if f.event != "" {
				_, _ = w.Write([]byte("event: " + f.event + "\n"))
			}
			_, _ = w.Write([]byte("data: " + f.data + "\n\n"))
			fl.Flush()
		}
	}))
}

func collect(t *testing.T, stream <-chan provider.Chunk) []provider.Chunk {
	t.Helper()
	var out []provider.Chunk
	for chunk := range stream {
		out = append(out, chunk)
	}
	return out
}

func TestChatStreamAssemblesText(t *testing.T) {
	srv := streamServer(t, []frame{
		{"response.output_text.delta", `{"delta":"Hel"}`},
		{"response.output_text.delta", `{"delta":"lo"}`},
		{"response.completed", `{"response":{"status":"completed"}}`},
	}, nil)
	defer srv.Close()

	p := New(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	stream, err := p.ChatStream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)

	var text string
	finals := 0
	for _, c := range collect(t, stream) {
		text += c.Text
		if c.IsFinal {
			finals++
			assert.Equal(t, provider.StopReasonEndTurn, c.StopReason)
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, 1, finals)
}

func TestChatStreamUsesDataTypeWhenEventNameMissing(t *testing.T) {
	srv := streamServer(t, []frame{
		{"", `{"type":"response.output_text.delta","delta":"hi"}`},
		{"", `{"type":"response.completed"}`},
	}, nil)
	defer srv.Close()

	p := New(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	stream, err := p.ChatStream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)

	var text string
	for _, c := range collect(t, stream) {
		text += c.Text
	}
	assert.Equal(t, "hi", text)
}

func TestChatStreamReasoningDeltas(t *testing.T) {
	srv := streamServer(t, []frame{
		{"response.reasoning_summary_text.delta", `{"delta":"let me "}`},
		{"response.reasoning_summary_text.delta", `{"delta":"think"}`},
		{"response.output_text.delta", `{"delta":"done"}`},
		{"response.completed", `{}`},
	}, nil)
	defer srv.Close()

	p := New(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	stream, err := p.ChatStream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)

	var text, thinking string
	for _, c := range collect(t, stream) {
		text += c.Text
		thinking += c.ThinkingText
	}
	assert.Equal(t, "done", text)
	assert.Equal(t, "let me think", thinking)
}

func TestChatStreamFunctionCallItem(t *testing.T) {
	srv := streamServer(t, []frame{
		{"response.output_item.done", `{"item":{"type":"function_call","call_id":"call_9","name":"mcp__srv__lookup","arguments":"{\"q\":\"x\"}"}}`},
		{"response.completed", `{}`},
	}, nil)
	defer srv.Close()

	p := New(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	stream, err := p.ChatStream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 2)
	require.NotNil(t, chunks[0].ToolCall)
	assert.Equal(t, "call_9", chunks[0].ToolCall.ID)
	assert.Equal(t, "mcp__srv__lookup", chunks[0].ToolCall.Name)
	assert.Equal(t, provider.StopReasonToolUse, chunks[1].StopReason)
}

func TestChatStreamWebSearchLifecycle(t *testing.T) {
	srv := streamServer(t, []frame{
		{"response.output_item.added", `{"item":{"type":"web_search_call"}}`},
		{"response.output_item.done", `{"item":{"type":"web_search_call","action":{"query":"go generics","sources":[{"title":"Go Blog","url":"https://go.dev/blog"}]}}}`},
		{"response.completed", `{}`},
	}, nil)
	defer srv.Close()

	p := New(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	stream, err := p.ChatStream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 3)
	require.NotNil(t, chunks[0].Search)
	assert.Equal(t, provider.SearchPhaseSearching, chunks[0].Search.Phase)
	require.NotNil(t, chunks[1].Search)
	assert.Equal(t, provider.SearchPhaseDone, chunks[1].Search.Phase)
	assert.Equal(t, "go generics", chunks[1].Search.Query)
	require.Len(t, chunks[1].Search.Results, 1)
	assert.Equal(t, "Go Blog", chunks[1].Search.Results[0].Title)
	assert.Equal(t, provider.StopReasonEndTurn, chunks[2].StopReason)
}

func TestChatStreamFailureEvent(t *testing.T) {
	srv := streamServer(t, []frame{
		{"response.output_text.delta", `{"delta":"partial"}`},
		{"response.failed", `{"response":{"error":{"message":"quota exceeded"}}}`},
	}, nil)
	defer srv.Close()

	p := New(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	stream, err := p.ChatStream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)

	chunks := collect(t, stream)
	final := chunks[len(chunks)-1]
	require.True(t, final.IsFinal)
	require.Error(t, final.Err)
	assert.Contains(t, final.Err.Error(), "quota exceeded")
}

func TestBuildBodyWireShape(t *testing.T) {
	var captured []byte
	srv := streamServer(t, []frame{{"response.completed", `{}`}}, &captured)
	defer srv.Close()

	p := New(provider.Config{BaseURL: srv.URL, APIKey: "k"})
	stream, err := p.ChatStream(context.Background(), provider.Request{
		Model:        "m",
		SystemPrompt: "be terse",
		History: []provider.Message{
			{Role: provider.RoleUser, Content: "hi"},
			{Role: provider.RoleAssistant, Content: "checking", ToolCalls: []provider.ToolCallData{{ID: "c1", Name: "mcp__s__t", Arguments: "{}"}}},
			{Role: provider.RoleTool, ToolCallID: "c1", Content: "result"},
		},
	})
	require.NoError(t, err)
	collect(t, stream)

	body := gjson.ParseBytes(captured)
	assert.Equal(t, "be terse", body.Get("instructions").String())
	assert.Equal(t, "message", body.Get("input.0.type").String())
	assert.Equal(t, "hi", body.Get("input.0.content").String())
	assert.Equal(t, "message", body.Get("input.1.type").String())
	assert.Equal(t, "function_call", body.Get("input.2.type").String())
	assert.Equal(t, "c1", body.Get("input.2.call_id").String())
	assert.Equal(t, "function_call_output", body.Get("input.3.type").String())
	assert.Equal(t, "result", body.Get("input.3.output").String())
}
