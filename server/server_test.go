package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/conduithq/conduit/confirm"
	"github.com/conduithq/conduit/gateway"
	"github.com/conduithq/conduit/hub"
	"github.com/conduithq/conduit/provider"
	"github.com/conduithq/conduit/store"
	"github.com/conduithq/conduit/streamcache"
	"github.com/conduithq/conduit/toolserver"
	"github.com/conduithq/conduit/turn"
)

type scriptedProvider struct {
	chunks []provider.Chunk
}

func (s *scriptedProvider) Chat(context.Context, provider.Request) (provider.Result, error) {
	return provider.Result{}, nil
}

func (s *scriptedProvider) ChatStream(context.Context, provider.Request) (<-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, chunks []provider.Chunk) (*httptest.Server, *hub.Hub) {
	t.Helper()

	mem := store.NewMemory()
	mem.PutAssistant(store.Assistant{ID: "a1", UserID: "u1", Model: "m", ProviderID: "p1"})
	mem.PutProvider(store.ProviderConfig{ID: "p1", Format: "scripted", BaseURL: "http://unused"})

	gw, err := gateway.New(gateway.WithDialer(func(context.Context, toolserver.Server) (gateway.Conn, error) {
		return nil, nil
	}))
	require.NoError(t, err)
	t.Cleanup(gw.Close)

	gate, err := confirm.New()
	require.NoError(t, err)
	cache, err := streamcache.New(streamcache.WithLinger(time.Second))
	require.NoError(t, err)
	h, err := hub.New()
	require.NoError(t, err)
	t.Cleanup(h.Close)

	orch, err := turn.New(mem, gw, gate, cache, h,
		func([]string) []toolserver.Server { return nil },
		turn.WithProviderFactory(func(store.ProviderConfig) (provider.Provider, error) {
			return &scriptedProvider{chunks: chunks}, nil
		}))
	require.NoError(t, err)

	s := New(":0", orch, cache, h)
	hs := httptest.NewServer(s.http.Handler)
	t.Cleanup(hs.Close)
	return hs, h
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	hs, _ := newTestServer(t, nil)
	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestStartTurnValidation(t *testing.T) {
	hs, _ := newTestServer(t, nil)

	resp := postJSON(t, hs.URL+"/api/turns", `{"assistant_id":"a1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, hs.URL+"/api/turns", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartTurnUnknownAssistant(t *testing.T) {
	hs, _ := newTestServer(t, nil)
	resp := postJSON(t, hs.URL+"/api/turns",
		`{"assistant_id":"nope","conversation_id":"c1","user_id":"u1","message":"hi"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "nope")
}

func TestStartTurnAndStream(t *testing.T) {
	hs, _ := newTestServer(t, []provider.Chunk{
		{Text: "Hel"},
		{Text: "lo"},
		{StopReason: provider.StopReasonEndTurn, IsFinal: true},
	})

	resp := postJSON(t, hs.URL+"/api/turns",
		`{"assistant_id":"a1","conversation_id":"c1","user_id":"u1","message":"hi"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	messageID := decodeBody(t, resp)["message_id"]
	require.NotEmpty(t, messageID)

	stream, err := http.Get(hs.URL + "/api/turns/" + messageID + "/stream")
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	var content strings.Builder
	var sawDone bool
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame streamcache.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		switch frame.Type {
		case streamcache.FrameCatchUp, streamcache.FrameDelta:
			content.WriteString(frame.Content)
		case streamcache.FrameDone:
			sawDone = true
			assert.Equal(t, streamcache.StatusCompleted, frame.Status)
		}
		if sawDone {
			break
		}
	}
	assert.True(t, sawDone)
	assert.Equal(t, "Hello", content.String())
}

func TestStreamUnknownMessage(t *testing.T) {
	hs, _ := newTestServer(t, nil)
	resp, err := http.Get(hs.URL + "/api/turns/nope/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopUnknownTurn(t *testing.T) {
	hs, _ := newTestServer(t, nil)
	resp := postJSON(t, hs.URL+"/api/turns/nope/stop", ``)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfirmNotPending(t *testing.T) {
	hs, _ := newTestServer(t, nil)
	resp := postJSON(t, hs.URL+"/api/turns/m1/confirm", `{"call_id":"c1","approve":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsRequiresUserID(t *testing.T) {
	hs, _ := newTestServer(t, nil)
	resp, err := http.Get(hs.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsDeliversBroadcasts(t *testing.T) {
	hs, h := newTestServer(t, nil)

	resp, err := http.Get(hs.URL + "/api/events?user_id=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return h.ConnCount("u1") == 1
	}, 2*time.Second, 10*time.Millisecond)
	h.Broadcast("u1", hub.EventTaskUpdated, map[string]string{"task_id": "t1"})

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		assert.Equal(t, hub.EventTaskUpdated, gjson.Get(payload, "type").String())
		assert.Equal(t, "t1", gjson.Get(payload, "data.task_id").String())
		return
	}
	t.Fatal("no event received")
}
