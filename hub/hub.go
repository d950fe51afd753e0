// Package hub is the per-user fan-out broadcaster over long-lived push
// connections. It delivers turn-boundary and tool-status events to all of a
// user's tabs and is independent of any single turn; byte-level in-progress
// content travels through the streaming cache's own subscribers instead.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"

	"github.com/conduithq/conduit/pkg/slogx"
	"github.com/conduithq/conduit/pkg/uuidx"
)

// Conn is one long-lived push connection. Send and Ping errors mean the
// connection is dead; the hub drops it silently.
type Conn interface {
	Send(Envelope) error
	Ping() error
	Close() error
}

type connEntry struct {
	conn       Conn
	attachedAt time.Time
}

type userConns struct {
	mu    sync.Mutex
	conns map[string]*connEntry
}

// Relay replicates envelopes beyond this process (see the NATS bridge).
type Relay func(userID string, env Envelope)

// Hub is the keyed registry of per-user connection sets.
type Hub struct {
	// MaxConnAge is the age past which a sweep force-closes a connection.
	MaxConnAge time.Duration
	// PingInterval is how often idle connections receive keep-alive pings.
	PingInterval time.Duration

	users  *haxmap.Map[string, *userConns]
	nextID atomic.Int64
	relay  Relay

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Hub.
type Option = opts.Option[Hub]

var (
	// WithMaxConnAge overrides the forced-close age.
	WithMaxConnAge = opts.ForName[Hub, time.Duration]("MaxConnAge")
	// WithPingInterval overrides the keep-alive cadence.
	WithPingInterval = opts.ForName[Hub, time.Duration]("PingInterval")
)

// WithRelay installs a cross-process replication hook.
func WithRelay(r Relay) Option {
	return opts.Type[Hub](func(h *Hub) error {
		h.relay = r
		return nil
	})
}

// New builds a hub and starts its sweep/ping loop.
func New(options ...Option) (*Hub, error) {
	h := &Hub{
		MaxConnAge:   6 * time.Hour,
		PingInterval: 25 * time.Second,
		users:        haxmap.New[string, *userConns](),
		done:         make(chan struct{}),
	}
	if err := opts.Apply(h, options); err != nil {
		return nil, err
	}
	go h.loop()
	return h, nil
}

// Close stops the sweep loop and closes every connection.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.users.ForEach(func(userID string, uc *userConns) bool {
			uc.mu.Lock()
			for id, entry := range uc.conns {
				_ = entry.conn.Close()
				delete(uc.conns, id)
			}
			uc.mu.Unlock()
			h.users.Del(userID)
			return true
		})
	})
}

// Subscribe attaches a connection for a user and returns its id.
func (h *Hub) Subscribe(userID string, conn Conn) string {
	uc, _ := h.users.GetOrCompute(userID, func() *userConns {
		return &userConns{conns: map[string]*connEntry{}}
	})
	subID := uuidx.NewString()
	uc.mu.Lock()
	uc.conns[subID] = &connEntry{conn: conn, attachedAt: time.Now()}
	uc.mu.Unlock()
	slog.Debug("hub connection attached", slogx.User(userID), slog.String("conn_id", subID))
	return subID
}

// Unsubscribe detaches and closes a connection.
func (h *Hub) Unsubscribe(userID, subID string) {
	uc, ok := h.users.Get(userID)
	if !ok {
		return
	}
	uc.mu.Lock()
	if entry, exists := uc.conns[subID]; exists {
		delete(uc.conns, subID)
		_ = entry.conn.Close()
	}
	uc.mu.Unlock()
}

// Broadcast wraps payload in an envelope and writes it to every live
// connection for the user. Dead connections are dropped silently. The
// envelope is also handed to the relay when one is installed.
func (h *Hub) Broadcast(userID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("unmarshalable hub payload", slog.String("type", eventType), slogx.Error(err))
		return
	}
	env := Envelope{
		ID:   h.nextID.Add(1),
		TS:   strfmt.DateTime(time.Now()),
		Type: eventType,
		Data: data,
	}
	h.deliver(userID, env)
	if h.relay != nil {
		h.relay(userID, env)
	}
}

// DeliverLocal writes an envelope that originated elsewhere (a relay peer)
// to this process's connections only, without re-relaying it.
func (h *Hub) DeliverLocal(userID string, env Envelope) {
	h.deliver(userID, env)
}

func (h *Hub) deliver(userID string, env Envelope) {
	uc, ok := h.users.Get(userID)
	if !ok {
		return
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	for id, entry := range uc.conns {
		if err := entry.conn.Send(env); err != nil {
			// A write to a dead connection is treated as removal.
			delete(uc.conns, id)
			_ = entry.conn.Close()
			slog.Debug("dropped dead hub connection", slogx.User(userID), slog.String("conn_id", id))
		}
	}
}

func (h *Hub) loop() {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep pings every connection and force-closes those older than MaxConnAge.
func (h *Hub) sweep() {
	cutoff := time.Now().Add(-h.MaxConnAge)
	h.users.ForEach(func(userID string, uc *userConns) bool {
		uc.mu.Lock()
		for id, entry := range uc.conns {
			if entry.attachedAt.Before(cutoff) {
				delete(uc.conns, id)
				_ = entry.conn.Close()
				slog.Debug("force-closed aged hub connection", slogx.User(userID), slog.String("conn_id", id))
				continue
			}
			if err := entry.conn.Ping(); err != nil {
				delete(uc.conns, id)
				_ = entry.conn.Close()
			}
		}
		uc.mu.Unlock()
		return true
	})
}

// ConnCount reports the number of live connections for a user.
func (h *Hub) ConnCount(userID string) int {
	uc, ok := h.users.Get(userID)
	if !ok {
		return 0
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.conns)
}
