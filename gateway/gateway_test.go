package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduithq/conduit/toolserver"
)

type fakeConn struct {
	tools    []toolserver.ToolInfo
	listErr  error
	callFn   func(name string, args json.RawMessage) (string, bool, error)
	closed   atomic.Bool
	listHits atomic.Int64
}

func (f *fakeConn) ListTools(context.Context) ([]toolserver.ToolInfo, error) {
	f.listHits.Add(1)
	return f.tools, f.listErr
}

func (f *fakeConn) CallTool(_ context.Context, name string, args json.RawMessage) (string, bool, error) {
	if f.callFn != nil {
		return f.callFn(name, args)
	}
	return "ok", false, nil
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

func newGateway(t *testing.T, dial Dialer, options ...Option) *Gateway {
	t.Helper()
	g, err := New(append([]Option{WithDialer(dial)}, options...)...)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func server(id string) toolserver.Server {
	return toolserver.Server{ID: id, Name: id, BaseURL: "http://" + id, Enabled: true}
}

func TestListToolsBuildsDefinitions(t *testing.T) {
	conn := &fakeConn{tools: []toolserver.ToolInfo{
		{Name: "lookup", Description: "find things", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}}
	g := newGateway(t, func(context.Context, toolserver.Server) (Conn, error) { return conn, nil })

	defs := g.ListTools(context.Background(), "u1", []toolserver.Server{server("srv")})
	require.Len(t, defs, 1)
	assert.Equal(t, "srv", defs[0].ServerID)
	assert.Equal(t, "lookup", defs[0].Name)
	assert.Equal(t, "mcp__srv__lookup", defs[0].DisplayName)
	assert.NotNil(t, defs[0].InputSchema)
}

func TestListToolsSynthesizesEmptySchema(t *testing.T) {
	conn := &fakeConn{tools: []toolserver.ToolInfo{{Name: "ping"}}}
	g := newGateway(t, func(context.Context, toolserver.Server) (Conn, error) { return conn, nil })

	defs := g.ListTools(context.Background(), "u1", []toolserver.Server{server("srv")})
	require.Len(t, defs, 1)
	require.NotNil(t, defs[0].InputSchema)
	assert.Equal(t, "object", defs[0].InputSchema.Type)
}

func TestListToolsOmitsFailedServer(t *testing.T) {
	good := &fakeConn{tools: []toolserver.ToolInfo{{Name: "a"}}}
	g := newGateway(t, func(_ context.Context, s toolserver.Server) (Conn, error) {
		if s.ID == "bad" {
			return nil, errors.New("connection refused")
		}
		return good, nil
	})

	defs := g.ListTools(context.Background(), "u1", []toolserver.Server{server("bad"), server("good")})
	require.Len(t, defs, 1)
	assert.Equal(t, "good", defs[0].ServerID)
}

func TestListToolsSkipsDisabledServer(t *testing.T) {
	var dials atomic.Int64
	g := newGateway(t, func(context.Context, toolserver.Server) (Conn, error) {
		dials.Add(1)
		return &fakeConn{}, nil
	})

	disabled := server("srv")
	disabled.Enabled = false
	defs := g.ListTools(context.Background(), "u1", []toolserver.Server{disabled})
	assert.Empty(t, defs)
	assert.Zero(t, dials.Load())
}

func TestCatalogCachedWithinTTL(t *testing.T) {
	conn := &fakeConn{tools: []toolserver.ToolInfo{{Name: "a"}}}
	g := newGateway(t,
		func(context.Context, toolserver.Server) (Conn, error) { return conn, nil },
		WithCatalogTTL(time.Hour),
	)

	srv := server("srv")
	g.ListTools(context.Background(), "u1", []toolserver.Server{srv})
	g.ListTools(context.Background(), "u1", []toolserver.Server{srv})
	assert.Equal(t, int64(1), conn.listHits.Load())

	g.Invalidate("srv")
	g.ListTools(context.Background(), "u1", []toolserver.Server{srv})
	assert.Equal(t, int64(2), conn.listHits.Load())
}

func TestExecuteSuccess(t *testing.T) {
	conn := &fakeConn{callFn: func(name string, args json.RawMessage) (string, bool, error) {
		assert.Equal(t, "lookup", name)
		return "42", false, nil
	}}
	g := newGateway(t, func(context.Context, toolserver.Server) (Conn, error) { return conn, nil })

	res := g.Execute(context.Background(), "u1", server("srv"), "lookup", `{"q":"x"}`)
	assert.True(t, res.Success)
	assert.Equal(t, "42", res.Content)
	assert.Empty(t, res.Error)
}

func TestExecuteToolLevelError(t *testing.T) {
	conn := &fakeConn{callFn: func(string, json.RawMessage) (string, bool, error) {
		return "file not found", true, nil
	}}
	g := newGateway(t, func(context.Context, toolserver.Server) (Conn, error) { return conn, nil })

	res := g.Execute(context.Background(), "u1", server("srv"), "read", `{}`)
	assert.False(t, res.Success)
	assert.Equal(t, "file not found", res.Content)
}

func TestExecuteReconnectsOnDeadConnection(t *testing.T) {
	attempts := 0
	dead := &fakeConn{callFn: func(string, json.RawMessage) (string, bool, error) {
		return "", false, errors.New("broken pipe")
	}}
	fresh := &fakeConn{}
	g := newGateway(t, func(context.Context, toolserver.Server) (Conn, error) {
		attempts++
		if attempts == 1 {
			return dead, nil
		}
		return fresh, nil
	})

	res := g.Execute(context.Background(), "u1", server("srv"), "t", `{}`)
	assert.True(t, res.Success)
	assert.True(t, dead.closed.Load())
	assert.Equal(t, 2, attempts)
}

func TestExecuteNoRetryAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	conn := &fakeConn{callFn: func(string, json.RawMessage) (string, bool, error) {
		cancel()
		return "", false, context.Canceled
	}}
	g := newGateway(t, func(context.Context, toolserver.Server) (Conn, error) {
		attempts++
		return conn, nil
	})

	res := g.Execute(ctx, "u1", server("srv"), "t", `{}`)
	assert.False(t, res.Success)
	assert.Equal(t, 1, attempts)
}

func TestPoolsArePerUserAndServer(t *testing.T) {
	var dials atomic.Int64
	g := newGateway(t, func(context.Context, toolserver.Server) (Conn, error) {
		dials.Add(1)
		return &fakeConn{}, nil
	})

	srv := server("srv")
	g.Execute(context.Background(), "u1", srv, "t", `{}`)
	g.Execute(context.Background(), "u1", srv, "t", `{}`)
	assert.Equal(t, int64(1), dials.Load())

	g.Execute(context.Background(), "u2", srv, "t", `{}`)
	assert.Equal(t, int64(2), dials.Load())
}
