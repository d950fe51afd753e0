// Package confirm holds pending "does the user approve this tool call"
// requests and resolves each exactly once: from an external approve/reject
// action, from a bulk cancel when the turn is stopped, or from the expiry
// window (an implicit rejection).
package confirm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"
)

// DefaultTimeout is the window after which an unresolved confirmation is
// treated as rejected.
const DefaultTimeout = 5 * time.Minute

type entry struct {
	messageID string
	callID    string
	decision  chan bool
	once      sync.Once
}

// resolve delivers the decision exactly once. Subsequent calls are no-ops.
func (e *entry) resolve(approved bool) {
	e.once.Do(func() {
		e.decision <- approved
		close(e.decision)
	})
}

// Gate is the pending-approval registry. Keys are scoped to one
// (message, tool call) pair, so concurrent turns never interfere.
type Gate struct {
	Timeout time.Duration

	pending *haxmap.Map[string, *entry]
}

// Option configures a Gate.
type Option = opts.Option[Gate]

// WithTimeout overrides the confirmation expiry window.
var WithTimeout = opts.ForName[Gate, time.Duration]("Timeout")

// New builds a confirmation gate.
func New(options ...Option) (*Gate, error) {
	g := &Gate{
		Timeout: DefaultTimeout,
		pending: haxmap.New[string, *entry](),
	}
	if err := opts.Apply(g, options); err != nil {
		return nil, err
	}
	return g, nil
}

func key(messageID, callID string) string {
	return messageID + "\x00" + callID
}

// Await registers a pending confirmation and blocks until it is resolved,
// expires, or ctx is cancelled. Expiry and cancellation both come back as a
// rejection, not an error; the entry is always removed before returning.
func (g *Gate) Await(ctx context.Context, messageID, callID string) bool {
	k := key(messageID, callID)
	e, _ := g.pending.GetOrCompute(k, func() *entry {
		return &entry{messageID: messageID, callID: callID, decision: make(chan bool, 1)}
	})
	defer g.pending.Del(k)

	timer := time.NewTimer(g.Timeout)
	defer timer.Stop()

	select {
	case approved := <-e.decision:
		return approved
	case <-timer.C:
		e.resolve(false)
		return false
	case <-ctx.Done():
		e.resolve(false)
		return false
	}
}

// Resolve delivers an external approve/reject decision. It reports whether a
// pending entry was found; resolving an already-resolved or unknown key is a
// no-op, not an error.
func (g *Gate) Resolve(messageID, callID string, approved bool) bool {
	e, ok := g.pending.Get(key(messageID, callID))
	if !ok {
		return false
	}
	e.resolve(approved)
	return true
}

// CancelAll rejects every pending confirmation for a message. Used by the
// turn cancellation path so no Await is left orphaned.
func (g *Gate) CancelAll(messageID string) {
	prefix := messageID + "\x00"
	g.pending.ForEach(func(k string, e *entry) bool {
		if strings.HasPrefix(k, prefix) {
			e.resolve(false)
		}
		return true
	})
}

// PendingCount reports the number of unresolved entries, for tests and
// diagnostics.
func (g *Gate) PendingCount() int {
	return int(g.pending.Len())
}
