package hub

import (
	"log/slog"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/conduithq/conduit/pkg/slogx"
	"github.com/conduithq/conduit/pkg/uuidx"
)

const subjectPrefix = "hub.user."

// peerMessage wraps an envelope with its origin so a bridge can ignore its
// own publications (NATS echoes them back to every subscriber, self included).
type peerMessage struct {
	Origin   string   `json:"origin"`
	Envelope Envelope `json:"envelope"`
}

// NATSBridge replicates hub envelopes across processes. Each broadcast is
// published on hub.user.<id>; envelopes received from peers are delivered to
// this process's local connections only, so nothing loops.
type NATSBridge struct {
	id  string
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewNATSBridge subscribes the hub to peer traffic and returns the bridge.
// Install its Relay on the hub with WithRelay.
func NewNATSBridge(nc *nats.Conn, h *Hub) (*NATSBridge, error) {
	id := uuidx.NewString()
	sub, err := nc.Subscribe(subjectPrefix+"*", func(msg *nats.Msg) {
		var pm peerMessage
		if err := json.Unmarshal(msg.Data, &pm); err != nil {
			slog.Error("undecodable hub envelope from peer", slogx.Error(err))
			return
		}
		if pm.Origin == id {
			return
		}
		h.DeliverLocal(msg.Subject[len(subjectPrefix):], pm.Envelope)
	})
	if err != nil {
		return nil, err
	}
	return &NATSBridge{id: id, nc: nc, sub: sub}, nil
}

// Relay publishes an envelope for peer processes.
func (b *NATSBridge) Relay(userID string, env Envelope) {
	data, err := json.Marshal(peerMessage{Origin: b.id, Envelope: env})
	if err != nil {
		slog.Error("unmarshalable hub envelope", slogx.Error(err))
		return
	}
	if err := b.nc.Publish(subjectPrefix+userID, data); err != nil {
		slog.Error("failed to relay hub envelope", slogx.User(userID), slogx.Error(err))
	}
}

// Close unsubscribes from peer traffic.
func (b *NATSBridge) Close() {
	if err := b.sub.Unsubscribe(); err != nil {
		slog.Error("failed to unsubscribe hub bridge", slogx.Error(err))
	}
}
