// Package gateway owns tool-server access for the orchestrator: per
// (user, server) connection pooling with transparent reconnect, a TTL-bounded
// tool catalog cache, and normalization of tool-call outcomes.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/conduithq/conduit/pkg/slogx"
	"github.com/conduithq/conduit/tool"
	"github.com/conduithq/conduit/toolserver"
)

// Conn is the slice of toolserver.Client the gateway needs; tests substitute
// their own implementations through WithDialer.
type Conn interface {
	ListTools(ctx context.Context) ([]toolserver.ToolInfo, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, bool, error)
	Close() error
}

// Dialer opens a connection to one tool server.
type Dialer func(ctx context.Context, server toolserver.Server) (Conn, error)

// Result is a normalized tool invocation outcome. Execution failures land in
// Error with Success=false; a tool-level error reported by the server itself
// lands in Content with Success=false so the model can react to it.
type Result struct {
	Success bool
	Content string
	Error   string
}

type pooled struct {
	mu       sync.Mutex
	conn     Conn
	server   toolserver.Server
	lastUsed time.Time
}

type catalogEntry struct {
	defs      []tool.Definition
	fetchedAt time.Time
}

// Gateway pools tool-server connections and caches catalogs. Pool entries are
// keyed (user, server) and mutated only under their own lock; independent
// keys never contend.
type Gateway struct {
	CatalogTTL    time.Duration
	MaxIdle       time.Duration
	SweepInterval time.Duration

	dial     Dialer
	pools    *haxmap.Map[string, *pooled]
	catalogs *haxmap.Map[string, *catalogEntry]

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Gateway.
type Option = opts.Option[Gateway]

var (
	// WithCatalogTTL bounds how long a server's tool catalog is reused.
	WithCatalogTTL = opts.ForName[Gateway, time.Duration]("CatalogTTL")
	// WithMaxIdle is the idle window after which a pooled connection is reaped.
	WithMaxIdle = opts.ForName[Gateway, time.Duration]("MaxIdle")
	// WithSweepInterval sets how often the idle reaper runs.
	WithSweepInterval = opts.ForName[Gateway, time.Duration]("SweepInterval")
)

// WithDialer replaces the connection factory, mainly for tests.
func WithDialer(d Dialer) Option {
	return opts.Type[Gateway](func(g *Gateway) error {
		g.dial = d
		return nil
	})
}

// WithHTTPClient sets the HTTP client used by the default dialer.
func WithHTTPClient(hc *http.Client) Option {
	return opts.Type[Gateway](func(g *Gateway) error {
		g.dial = func(ctx context.Context, server toolserver.Server) (Conn, error) {
			return toolserver.Dial(ctx, server, hc)
		}
		return nil
	})
}

// New builds a gateway and starts its idle-connection reaper.
func New(options ...Option) (*Gateway, error) {
	g := &Gateway{
		CatalogTTL:    5 * time.Minute,
		MaxIdle:       10 * time.Minute,
		SweepInterval: time.Minute,
		pools:         haxmap.New[string, *pooled](),
		catalogs:      haxmap.New[string, *catalogEntry](),
		done:          make(chan struct{}),
	}
	g.dial = func(ctx context.Context, server toolserver.Server) (Conn, error) {
		return toolserver.Dial(ctx, server, nil)
	}
	if err := opts.Apply(g, options); err != nil {
		return nil, err
	}
	go g.reap()
	return g, nil
}

// Close stops the reaper and closes every pooled connection.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.pools.ForEach(func(key string, p *pooled) bool {
			p.mu.Lock()
			if p.conn != nil {
				_ = p.conn.Close()
				p.conn = nil
			}
			p.mu.Unlock()
			g.pools.Del(key)
			return true
		})
	})
}

func poolKey(userID, serverID string) string {
	return userID + "\x00" + serverID
}

// ListTools enumerates the enabled servers and returns their combined tool
// definitions. A server that fails discovery is logged and omitted; partial
// degradation, not failure.
func (g *Gateway) ListTools(ctx context.Context, userID string, servers []toolserver.Server) []tool.Definition {
	var defs []tool.Definition
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		serverDefs, err := g.catalog(ctx, userID, server)
		if err != nil {
			slog.Warn("tool discovery failed, omitting server",
				slog.String("server", server.Name), slogx.Error(err))
			continue
		}
		defs = append(defs, serverDefs...)
	}
	return defs
}

// Invalidate drops the cached catalog for a server.
func (g *Gateway) Invalidate(serverID string) {
	g.catalogs.Del(serverID)
}

func (g *Gateway) catalog(ctx context.Context, userID string, server toolserver.Server) ([]tool.Definition, error) {
	if entry, ok := g.catalogs.Get(server.ID); ok && time.Since(entry.fetchedAt) < g.CatalogTTL {
		return entry.defs, nil
	}

	infos, err := withConn(g, ctx, userID, server, func(conn Conn) ([]toolserver.ToolInfo, error) {
		return conn.ListTools(ctx)
	})
	if err != nil {
		return nil, err
	}

	defs := make([]tool.Definition, 0, len(infos))
	for _, info := range infos {
		def := tool.Definition{
			ServerID:    server.ID,
			ServerName:  server.Name,
			Name:        info.Name,
			DisplayName: tool.DisplayName(server.Name, info.Name),
			Description: info.Description,
			Enabled:     true,
			AutoApprove: server.AutoApprove,
		}
		if len(info.InputSchema) > 0 {
			var schema jsonschema.Schema
			if err := json.Unmarshal(info.InputSchema, &schema); err == nil {
				def.InputSchema = &schema
			} else {
				slog.Warn("unparseable tool input schema",
					slog.String("server", server.Name), slog.String("tool", info.Name), slogx.Error(err))
			}
		}
		if def.InputSchema == nil {
			// Dialects require a parameters object even for zero-argument
			// tools.
			def.InputSchema = &jsonschema.Schema{
				Type:       "object",
				Properties: orderedmap.New[string, *jsonschema.Schema](),
			}
		}
		defs = append(defs, def)
	}
	g.catalogs.Set(server.ID, &catalogEntry{defs: defs, fetchedAt: time.Now()})
	return defs, nil
}

// Execute runs a single named tool call against one server and normalizes the
// outcome. A call against a dead pooled connection reconnects transparently
// and retries once.
func (g *Gateway) Execute(ctx context.Context, userID string, server toolserver.Server, toolName, argsJSON string) Result {
	type callOut struct {
		content string
		isErr   bool
	}
	out, err := withConn(g, ctx, userID, server, func(conn Conn) (callOut, error) {
		content, isErr, err := conn.CallTool(ctx, toolName, json.RawMessage(argsJSON))
		return callOut{content: content, isErr: isErr}, err
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	if out.isErr {
		return Result{Success: false, Content: out.content, Error: out.content}
	}
	return Result{Success: true, Content: out.content}
}

func (g *Gateway) entry(userID string, server toolserver.Server) *pooled {
	p, _ := g.pools.GetOrCompute(poolKey(userID, server.ID), func() *pooled {
		return &pooled{server: server}
	})
	return p
}

// withConn runs fn against the pooled connection for (user, server),
// establishing or re-establishing it as needed. The pool entry's lock makes
// connect/disconnect/reap mutually exclusive per key. A failed call against
// an existing connection reconnects and retries exactly once.
func withConn[T any](g *Gateway, ctx context.Context, userID string, server toolserver.Server, fn func(Conn) (T, error)) (T, error) {
	var zero T
	p := g.entry(userID, server)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := g.ensure(ctx, p); err != nil {
		return zero, err
	}
	p.lastUsed = time.Now()

	out, err := fn(p.conn)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return zero, err
	}
	if rerr := g.reconnect(ctx, p); rerr != nil {
		return zero, rerr
	}
	return fn(p.conn)
}

func (g *Gateway) ensure(ctx context.Context, p *pooled) error {
	if p.conn != nil {
		return nil
	}
	conn, err := g.dial(ctx, p.server)
	if err != nil {
		return err
	}
	p.conn = conn
	return nil
}

func (g *Gateway) reconnect(ctx context.Context, p *pooled) error {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	return g.ensure(ctx, p)
}

// reap closes pool entries idle beyond MaxIdle on a fixed sweep.
func (g *Gateway) reap() {
	ticker := time.NewTicker(g.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-g.MaxIdle)
			g.pools.ForEach(func(key string, p *pooled) bool {
				p.mu.Lock()
				if p.conn != nil && p.lastUsed.Before(cutoff) {
					_ = p.conn.Close()
					p.conn = nil
					g.pools.Del(key)
					slog.Debug("reaped idle tool connection", slog.String("server", p.server.Name))
				}
				p.mu.Unlock()
				return true
			})
		}
	}
}
