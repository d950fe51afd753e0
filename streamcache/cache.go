// Package streamcache holds the ephemeral per-message streaming sessions:
// the accumulated content buffer, the lifecycle status, the cancellation
// handle, and the set of live subscribers. Its atomic Finalize is the single
// synchronization point that lets the stop path and the normal completion
// path race safely.
package streamcache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"

	"github.com/conduithq/conduit/pkg/uuidx"
)

// Status mirrors the owning message's lifecycle.
// created -> pending -> streaming -> {completed | stopped | failed}.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final. Once a session reaches a
// terminal status its content is frozen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// FrameType distinguishes the frames a subscriber receives.
type FrameType string

const (
	// FrameCatchUp carries the full accumulated buffer; always the first
	// frame a subscriber sees.
	FrameCatchUp FrameType = "catch-up"
	// FrameDelta carries one content append.
	FrameDelta FrameType = "delta"
	// FrameDone carries the terminal status.
	FrameDone FrameType = "done"
)

// Frame is one push to a live subscriber.
type Frame struct {
	Type    FrameType `json:"type"`
	Content string    `json:"content,omitempty"`
	Status  Status    `json:"status,omitempty"`
}

// Thinking output is wrapped so it is visually separated without a priori
// knowledge of whether thinking precedes content. The region opens lazily on
// the first thinking append and closes on the first non-thinking append or
// at finalize.
const (
	thinkingOpenMarker  = "<thinking>\n"
	thinkingCloseMarker = "\n</thinking>\n\n"
)

type session struct {
	id        string
	startedAt time.Time

	mu            sync.Mutex
	buf           strings.Builder
	thinkingOpen  bool
	status        Status
	subs          map[string]chan Frame
	cancel        context.CancelFunc
	removeStarted bool
}

// Cache is the keyed registry of live sessions.
type Cache struct {
	// Linger is how long a finalized session is retained so slow
	// subscribers still see the terminal frame.
	Linger time.Duration
	// SubscriberBuffer is the channel depth per subscriber.
	SubscriberBuffer int

	sessions *haxmap.Map[string, *session]
}

// Option configures a Cache.
type Option = opts.Option[Cache]

var (
	// WithLinger overrides the post-finalize retention window.
	WithLinger = opts.ForName[Cache, time.Duration]("Linger")
	// WithSubscriberBuffer overrides the per-subscriber channel depth.
	WithSubscriberBuffer = opts.ForName[Cache, int]("SubscriberBuffer")
)

// New builds a streaming cache.
func New(options ...Option) (*Cache, error) {
	c := &Cache{
		Linger:           30 * time.Second,
		SubscriberBuffer: 64,
		sessions:         haxmap.New[string, *session](),
	}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	return c, nil
}

// Create registers a session for a message at turn start. The cancel handle
// is triggered by Cancel and propagates to the in-flight provider call.
func (c *Cache) Create(messageID string, cancel context.CancelFunc) error {
	s := &session{
		id:        messageID,
		startedAt: time.Now(),
		status:    StatusCreated,
		subs:      map[string]chan Frame{},
		cancel:    cancel,
	}
	if _, loaded := c.sessions.GetOrCompute(messageID, func() *session { return s }); loaded {
		return fmt.Errorf("streaming session already exists for message %s", messageID)
	}
	return nil
}

func (c *Cache) get(messageID string) (*session, bool) {
	return c.sessions.Get(messageID)
}

// SetStatus advances a non-terminal lifecycle status (pending, streaming).
// Terminal transitions must go through Finalize; they are ignored here.
func (c *Cache) SetStatus(messageID string, status Status) {
	s, ok := c.get(messageID)
	if !ok || status.Terminal() {
		return
	}
	s.mu.Lock()
	if !s.status.Terminal() {
		s.status = status
	}
	s.mu.Unlock()
}

// AppendText appends assistant content, closing an open thinking region
// first. No-op after finalize.
func (c *Cache) AppendText(messageID, text string) {
	c.append(messageID, text, false)
}

// AppendThinking appends thinking content, opening the wrapped thinking
// region lazily on first use.
func (c *Cache) AppendThinking(messageID, text string) {
	c.append(messageID, text, true)
}

// AppendMarker appends an inline marker (web-search status or results).
// Markers behave like content with respect to the thinking region.
func (c *Cache) AppendMarker(messageID, marker string) {
	c.append(messageID, marker, false)
}

func (c *Cache) append(messageID, text string, thinking bool) {
	if text == "" {
		return
	}
	s, ok := c.get(messageID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}

	var delta strings.Builder
	if thinking && !s.thinkingOpen {
		delta.WriteString(thinkingOpenMarker)
		s.thinkingOpen = true
	}
	if !thinking && s.thinkingOpen {
		delta.WriteString(thinkingCloseMarker)
		s.thinkingOpen = false
	}
	delta.WriteString(text)

	s.buf.WriteString(delta.String())
	s.fanout(Frame{Type: FrameDelta, Content: delta.String()})
}

// Content returns the accumulated buffer. Used by HTTP polling collaborators
// and by snapshot persistence during tool rounds.
func (c *Cache) Content(messageID string) (string, bool) {
	s, ok := c.get(messageID)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String(), true
}

// Status returns the session's lifecycle status.
func (c *Cache) Status(messageID string) (Status, bool) {
	s, ok := c.get(messageID)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, true
}

// StartedAt returns when the session was created.
func (c *Cache) StartedAt(messageID string) (time.Time, bool) {
	s, ok := c.get(messageID)
	if !ok {
		return time.Time{}, false
	}
	return s.startedAt, true
}

// Subscribe attaches a live subscriber. The first frame is a synthetic
// catch-up carrying the full accumulated buffer and current status; live
// deltas follow. The returned id is used to Unsubscribe.
func (c *Cache) Subscribe(messageID string) (<-chan Frame, string, error) {
	s, ok := c.get(messageID)
	if !ok {
		return nil, "", fmt.Errorf("no streaming session for message %s", messageID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	subID := uuidx.NewString()
	ch := make(chan Frame, c.SubscriberBuffer)
	ch <- Frame{Type: FrameCatchUp, Content: s.buf.String(), Status: s.status}
	if s.status.Terminal() {
		ch <- Frame{Type: FrameDone, Status: s.status}
	}
	s.subs[subID] = ch
	return ch, subID, nil
}

// Unsubscribe detaches a subscriber and closes its channel.
func (c *Cache) Unsubscribe(messageID, subID string) {
	s, ok := c.get(messageID)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, exists := s.subs[subID]; exists {
		delete(s.subs, subID)
		close(ch)
	}
}

// Cancel triggers the session's cancellation handle. The turn loop observes
// the cancellation cooperatively between chunks and tool-call completions.
func (c *Cache) Cancel(messageID string) bool {
	s, ok := c.get(messageID)
	if !ok {
		return false
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Finalize transitions the session to a terminal status and returns the
// frozen content. It is the atomic claim between racing finalize paths:
// exactly one caller wins; losers observe won=false and must not persist.
// The session lingers briefly after finalize, then is removed.
func (c *Cache) Finalize(messageID string, status Status) (content string, won bool) {
	if !status.Terminal() {
		return "", false
	}
	s, ok := c.get(messageID)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return s.buf.String(), false
	}
	if s.thinkingOpen {
		s.buf.WriteString(thinkingCloseMarker)
		s.fanout(Frame{Type: FrameDelta, Content: thinkingCloseMarker})
		s.thinkingOpen = false
	}
	s.status = status
	s.fanout(Frame{Type: FrameDone, Status: status})

	if !s.removeStarted {
		s.removeStarted = true
		time.AfterFunc(c.Linger, func() { c.remove(messageID) })
	}
	return s.buf.String(), true
}

func (c *Cache) remove(messageID string) {
	s, ok := c.get(messageID)
	if !ok {
		return
	}
	c.sessions.Del(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// fanout pushes a frame to every live subscriber. Callers hold s.mu. A full
// subscriber channel drops the frame: delivery to live subscribers is
// best-effort, late joiners recover through the catch-up frame.
func (s *session) fanout(frame Frame) {
	for id, ch := range s.subs {
		select {
		case ch <- frame:
		default:
			slog.Debug("dropped frame for slow subscriber",
				slog.String("message_id", s.id), slog.String("subscriber", id))
		}
	}
}

// Len reports the number of live sessions, for diagnostics.
func (c *Cache) Len() int {
	return int(c.sessions.Len())
}
