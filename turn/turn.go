// Package turn runs the assistant turn state machine: it opens provider
// streams, routes chunks into the streaming cache, drives tool rounds through
// the confirmation gate and the tool gateway, and finalizes exactly once no
// matter which path (completion, stop request, or failure) gets there first.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"

	"github.com/conduithq/conduit/confirm"
	"github.com/conduithq/conduit/gateway"
	"github.com/conduithq/conduit/hub"
	"github.com/conduithq/conduit/pkg/slogx"
	"github.com/conduithq/conduit/pkg/uuidx"
	"github.com/conduithq/conduit/provider"
	"github.com/conduithq/conduit/store"
	"github.com/conduithq/conduit/streamcache"
	"github.com/conduithq/conduit/tool"
	"github.com/conduithq/conduit/toolserver"
)

// Request triggers one turn. Start returns as soon as the turn is admitted;
// progress is observed through the streaming cache and the event hub.
type Request struct {
	AssistantID    string
	ConversationID string
	UserID         string
	MessageText    string
	Attachments    []provider.Attachment

	// IsCompression marks the triggering message as a control message,
	// excluded from provider history in later turns.
	IsCompression bool

	// ResponseMarker, when set, is prepended to the assistant content at
	// finalization. Callers use it to tag special responses such as
	// compression summaries.
	ResponseMarker string

	_ struct{}
}

// ServerDirectory resolves the tool servers an assistant is wired to.
type ServerDirectory func(ids []string) []toolserver.Server

// ProviderFactory builds an adapter from stored provider configuration. The
// default resolves the API key from the configured environment variable and
// goes through the format registry.
type ProviderFactory func(cfg store.ProviderConfig) (provider.Provider, error)

const declineResponse = "The user declined this tool invocation."

const truncationNotice = "\n\n[response truncated: tool round limit reached]\n"

type liveTurn struct {
	messageID      string
	triggerID      string
	conversationID string
	userID         string
	responseMarker string
	startedAt      time.Time
	cancel         context.CancelFunc

	mu      sync.Mutex
	records []tool.CallRecord
}

func (t *liveTurn) snapshot() []tool.CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]tool.CallRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Orchestrator owns all in-flight turns. One instance serves every user;
// state is keyed per message id and turns never share mutable state.
type Orchestrator struct {
	MaxRounds int
	StopGrace time.Duration

	store   store.Store
	gateway *gateway.Gateway
	gate    *confirm.Gate
	cache   *streamcache.Cache
	hub     *hub.Hub

	servers  ServerDirectory
	provider ProviderFactory

	turns *haxmap.Map[string, *liveTurn]
}

// Option configures an Orchestrator.
type Option = opts.Option[Orchestrator]

var (
	// WithMaxRounds bounds provider rounds per turn.
	WithMaxRounds = opts.ForName[Orchestrator, int]("MaxRounds")
	// WithStopGrace is how long a stop request waits before forcing
	// finalization, biasing the finalize race toward the turn loop.
	WithStopGrace = opts.ForName[Orchestrator, time.Duration]("StopGrace")
)

// WithProviderFactory replaces adapter construction, mainly for tests.
func WithProviderFactory(f ProviderFactory) Option {
	return opts.Type[Orchestrator](func(o *Orchestrator) error {
		o.provider = f
		return nil
	})
}

// New builds an Orchestrator over its collaborators. servers resolves an
// assistant's tool server ids to connection configuration.
func New(
	st store.Store,
	gw *gateway.Gateway,
	gate *confirm.Gate,
	cache *streamcache.Cache,
	h *hub.Hub,
	servers ServerDirectory,
	options ...Option,
) (*Orchestrator, error) {
	o := &Orchestrator{
		MaxRounds: 25,
		StopGrace: 2 * time.Second,
		store:     st,
		gateway:   gw,
		gate:      gate,
		cache:     cache,
		hub:       h,
		servers:   servers,
		turns:     haxmap.New[string, *liveTurn](),
	}
	o.provider = func(cfg store.ProviderConfig) (provider.Provider, error) {
		return provider.New(cfg.Format, provider.Config{
			BaseURL: cfg.BaseURL,
			APIKey:  os.Getenv(cfg.APIKeyEnv),
		})
	}
	if err := opts.Apply(o, options); err != nil {
		return nil, err
	}
	return o, nil
}

type turnCreatedEvent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type turnDoneEvent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	DurationMS     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

type toolCallEvent struct {
	MessageID string          `json:"message_id"`
	Record    tool.CallRecord `json:"record"`
}

// Start admits a turn: it persists the user message and an empty assistant
// message, opens a streaming session, and runs the turn detached from the
// caller's context. The returned id is the assistant message id.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	asst, err := o.store.Assistant(ctx, req.AssistantID)
	if err != nil {
		return "", fmt.Errorf("load assistant %s: %w", req.AssistantID, err)
	}
	provCfg, err := o.store.Provider(ctx, asst.ProviderID)
	if err != nil {
		return "", fmt.Errorf("load provider %s: %w", asst.ProviderID, err)
	}
	prov, err := o.provider(provCfg)
	if err != nil {
		return "", err
	}

	userMsg := store.Message{
		ID:             uuidx.NewString(),
		ConversationID: req.ConversationID,
		Role:           string(provider.RoleUser),
		Content:        req.MessageText,
		Status:         store.MessageStatusCompleted,
		IsCompression:  req.IsCompression,
	}
	if err := o.store.AppendMessage(ctx, &userMsg); err != nil {
		return "", fmt.Errorf("append user message: %w", err)
	}
	asstMsg := store.Message{
		ID:             uuidx.NewString(),
		ConversationID: req.ConversationID,
		Role:           string(provider.RoleAssistant),
		Status:         store.MessageStatusPending,
	}
	if err := o.store.AppendMessage(ctx, &asstMsg); err != nil {
		return "", fmt.Errorf("append assistant message: %w", err)
	}

	// The turn outlives the triggering HTTP request; only an explicit stop
	// cancels it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := o.cache.Create(asstMsg.ID, cancel); err != nil {
		cancel()
		return "", err
	}

	o.cache.SetStatus(asstMsg.ID, streamcache.StatusPending)

	t := &liveTurn{
		messageID:      asstMsg.ID,
		triggerID:      userMsg.ID,
		conversationID: req.ConversationID,
		userID:         req.UserID,
		responseMarker: req.ResponseMarker,
		startedAt:      time.Now(),
		cancel:         cancel,
	}
	o.turns.Set(asstMsg.ID, t)
	o.hub.Broadcast(req.UserID, hub.EventTurnCreated, turnCreatedEvent{
		MessageID:      asstMsg.ID,
		ConversationID: req.ConversationID,
	})

	go o.run(runCtx, t, asst, prov, req.Attachments)
	return asstMsg.ID, nil
}

// Stop requests cancellation of an in-flight turn. It returns immediately;
// after a short grace period the turn is force-finalized as stopped if its
// loop has not finalized it first.
func (o *Orchestrator) Stop(messageID string) bool {
	t, ok := o.turns.Get(messageID)
	if !ok {
		return false
	}
	o.cache.Cancel(messageID)
	o.gate.CancelAll(messageID)
	go func() {
		time.Sleep(o.StopGrace)
		// Cancel any record the turn loop has not settled, so the snapshot
		// this path persists never carries a non-terminal status.
		o.cancelUnsettled(t)
		o.finalize(context.Background(), t, streamcache.StatusStopped, "")
	}()
	return true
}

// Confirm resolves a pending tool confirmation. It reports whether the
// confirmation was still pending.
func (o *Orchestrator) Confirm(messageID, callID string, approve bool) bool {
	return o.gate.Resolve(messageID, callID, approve)
}

func (o *Orchestrator) run(ctx context.Context, t *liveTurn, asst store.Assistant, prov provider.Provider, attachments []provider.Attachment) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("turn panicked", slogx.Message(t.messageID), slog.Any("panic", r))
			o.finalize(ctx, t, streamcache.StatusFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	base, err := o.history(ctx, t)
	if err != nil {
		o.finalize(ctx, t, streamcache.StatusFailed, err.Error())
		return
	}
	servers := enabledServers(o.servers(asst.ToolServerIDs))

	// Assistant output and tool results accumulated across this turn's
	// rounds; persisted on the single assistant message, never as new
	// history rows.
	var extra []provider.Message

	for round := 0; ; round++ {
		if round >= o.MaxRounds {
			o.cache.AppendText(t.messageID, truncationNotice)
			slog.Warn("turn hit round limit", slogx.Message(t.messageID), slog.Int("rounds", round))
			o.finalize(ctx, t, streamcache.StatusCompleted, "")
			return
		}

		defs := o.gateway.ListTools(ctx, t.userID, servers)
		stream, err := prov.ChatStream(ctx, provider.Request{
			Model:        asst.Model,
			SystemPrompt: asst.SystemPrompt,
			History:      append(base, extra...),
			Tools:        defs,
			Attachments:  attachments,
		})
		if err != nil {
			if ctx.Err() != nil {
				o.finalize(ctx, t, streamcache.StatusStopped, "")
				return
			}
			o.finalize(ctx, t, streamcache.StatusFailed, err.Error())
			return
		}
		if round == 0 {
			// The session stays pending until the first stream is open.
			o.cache.SetStatus(t.messageID, streamcache.StatusStreaming)
			_ = o.store.UpdateMessage(ctx, t.messageID, "", store.MessageStatusStreaming, nil)
		}

		roundText, pending, stop, streamErr := o.consume(t, defs, stream)
		if streamErr != nil {
			o.finalize(ctx, t, streamcache.StatusFailed, streamErr.Error())
			return
		}
		if ctx.Err() != nil {
			o.finalize(ctx, t, streamcache.StatusStopped, "")
			return
		}

		// Some dialects end a tool-call stream without a stop reason, so a
		// non-empty pending list alone triggers the round.
		if stop != provider.StopReasonToolUse && len(pending) == 0 {
			o.finalize(ctx, t, streamcache.StatusCompleted, "")
			return
		}

		settled := o.toolRound(ctx, t, defs, servers, pending)
		if ctx.Err() != nil {
			o.cancelUnsettled(t)
			o.finalize(ctx, t, streamcache.StatusStopped, "")
			return
		}
		extra = append(extra, assistantRound(roundText, settled)...)
	}
}

// history builds the provider view of the conversation: control messages and
// the in-progress assistant message are excluded; persisted tool calls are
// replayed as an assistant message followed by their tool results. The turn's
// own trigger is exempt from the control-message skip, so a compression
// prompt still reaches the provider in the turn it starts.
func (o *Orchestrator) history(ctx context.Context, t *liveTurn) ([]provider.Message, error) {
	msgs, err := o.store.Messages(ctx, t.conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var out []provider.Message
	for _, m := range msgs {
		if m.IsCompression && m.ID != t.triggerID {
			continue
		}
		if m.ID == t.messageID {
			continue
		}
		switch m.Role {
		case string(provider.RoleUser):
			out = append(out, provider.Message{Role: provider.RoleUser, Content: m.Content})
		case string(provider.RoleAssistant):
			out = append(out, assistantHistory(m)...)
		}
	}
	return out, nil
}

func assistantHistory(m store.Message) []provider.Message {
	am := provider.Message{Role: provider.RoleAssistant, Content: m.Content}
	for _, c := range m.ToolCalls {
		am.ToolCalls = append(am.ToolCalls, provider.ToolCallData{
			ID:        c.ID,
			Name:      c.DisplayName,
			Arguments: c.Arguments,
		})
	}
	out := []provider.Message{am}
	for _, c := range m.ToolCalls {
		out = append(out, provider.Message{
			Role:       provider.RoleTool,
			ToolCallID: c.ID,
			ToolName:   c.DisplayName,
			Content:    c.Response,
			IsError:    c.IsError,
		})
	}
	return out
}

// assistantRound converts one settled round into in-memory history for the
// next provider call.
func assistantRound(text string, settled []tool.CallRecord) []provider.Message {
	am := provider.Message{Role: provider.RoleAssistant, Content: text}
	for _, c := range settled {
		am.ToolCalls = append(am.ToolCalls, provider.ToolCallData{
			ID:        c.ID,
			Name:      c.DisplayName,
			Arguments: c.Arguments,
		})
	}
	out := []provider.Message{am}
	for _, c := range settled {
		out = append(out, provider.Message{
			Role:       provider.RoleTool,
			ToolCallID: c.ID,
			ToolName:   c.DisplayName,
			Content:    c.Response,
			IsError:    c.IsError,
		})
	}
	return out
}

// consume drains one provider stream, routing content into the cache and
// collecting tool calls without invoking them.
func (o *Orchestrator) consume(t *liveTurn, defs []tool.Definition, stream <-chan provider.Chunk) (text string, pending []tool.CallRecord, stop provider.StopReason, err error) {
	for chunk := range stream {
		switch {
		case chunk.Text != "":
			text += chunk.Text
			o.cache.AppendText(t.messageID, chunk.Text)
		case chunk.ThinkingText != "":
			o.cache.AppendThinking(t.messageID, chunk.ThinkingText)
		case chunk.Search != nil:
			o.cache.AppendMarker(t.messageID, searchMarker(chunk.Search))
		case chunk.ToolCall != nil:
			pending = append(pending, o.record(t, defs, chunk.ToolCall))
		}
		if chunk.IsFinal {
			stop = chunk.StopReason
			err = chunk.Err
		}
	}
	return text, pending, stop, err
}

// record resolves a streamed tool call against this round's catalog. An
// unresolvable name becomes an immediate error record so the model can see
// the failure next round.
func (o *Orchestrator) record(t *liveTurn, defs []tool.Definition, call *provider.ToolCallData) tool.CallRecord {
	rec := tool.CallRecord{
		ID:          call.ID,
		DisplayName: call.Name,
		Arguments:   call.Arguments,
		Status:      tool.StatusPending,
	}
	if def, ok := tool.Resolve(call.Name, defs); ok {
		rec.ServerID = def.ServerID
		rec.ServerName = def.ServerName
		rec.ToolName = def.Name
	} else {
		rec.Status = tool.StatusError
		rec.Response = fmt.Sprintf("unknown tool %q", call.Name)
		rec.IsError = true
	}
	t.mu.Lock()
	t.records = append(t.records, rec)
	t.mu.Unlock()
	return rec
}

// toolRound persists the mid-turn snapshot, then settles every pending call
// concurrently: confirmation (unless auto-approved), execution, terminal
// record. Each state change is broadcast as it happens.
func (o *Orchestrator) toolRound(ctx context.Context, t *liveTurn, defs []tool.Definition, servers []toolserver.Server, pending []tool.CallRecord) []tool.CallRecord {
	content, _ := o.cache.Content(t.messageID)
	if err := o.store.UpdateMessage(ctx, t.messageID, content, store.MessageStatusStreaming, t.snapshot()); err != nil {
		slog.Warn("snapshot persist failed", slogx.Message(t.messageID), slogx.Error(err))
	}
	for _, rec := range pending {
		o.broadcastRecord(t, rec)
	}

	settled := make([]tool.CallRecord, len(pending))
	var wg sync.WaitGroup
	for i, rec := range pending {
		if rec.Status.Terminal() {
			settled[i] = rec
			continue
		}
		wg.Add(1)
		go func(i int, rec tool.CallRecord) {
			defer wg.Done()
			settled[i] = o.settle(ctx, t, defs, servers, rec)
		}(i, rec)
	}
	wg.Wait()
	return settled
}

func (o *Orchestrator) settle(ctx context.Context, t *liveTurn, defs []tool.Definition, servers []toolserver.Server, rec tool.CallRecord) tool.CallRecord {
	def, _ := tool.Resolve(rec.DisplayName, defs)
	if !def.AutoApprove {
		if approved := o.gate.Await(ctx, t.messageID, rec.ID); !approved {
			rec.Status = tool.StatusCancelled
			rec.Response = declineResponse
			rec.IsError = true
			o.updateRecord(t, rec)
			return rec
		}
	}

	rec.Status = tool.StatusInvoking
	o.updateRecord(t, rec)

	srv, ok := serverByID(servers, rec.ServerID)
	if !ok {
		rec.Status = tool.StatusError
		rec.Response = fmt.Sprintf("tool server %s is not available", rec.ServerID)
		rec.IsError = true
		o.updateRecord(t, rec)
		return rec
	}

	res := o.gateway.Execute(ctx, t.userID, srv, rec.ToolName, rec.Arguments)
	switch {
	case res.Success:
		rec.Status = tool.StatusDone
		rec.Response = res.Content
	case ctx.Err() != nil:
		// A stop request interrupted the execution; that's a cancellation,
		// not a tool failure.
		rec.Status = tool.StatusCancelled
		rec.Response = "tool execution interrupted"
		rec.IsError = true
	case res.Error != "":
		rec.Status = tool.StatusError
		rec.Response = res.Error
		rec.IsError = true
	default:
		// The server executed the tool and reported a tool-level error.
		rec.Status = tool.StatusError
		rec.Response = res.Content
		rec.IsError = true
	}
	o.updateRecord(t, rec)
	return rec
}

// updateRecord writes the record back into the turn's accumulated list and
// broadcasts the change.
func (o *Orchestrator) updateRecord(t *liveTurn, rec tool.CallRecord) {
	t.mu.Lock()
	for i := range t.records {
		if t.records[i].ID == rec.ID {
			t.records[i] = rec
			break
		}
	}
	t.mu.Unlock()
	o.broadcastRecord(t, rec)
}

func (o *Orchestrator) broadcastRecord(t *liveTurn, rec tool.CallRecord) {
	o.hub.Broadcast(t.userID, hub.EventToolCallUpdated, toolCallEvent{
		MessageID: t.messageID,
		Record:    rec,
	})
}

// cancelUnsettled marks every non-terminal record cancelled after a mid-round
// stop.
func (o *Orchestrator) cancelUnsettled(t *liveTurn) {
	t.mu.Lock()
	var changed []tool.CallRecord
	for i := range t.records {
		if !t.records[i].Status.Terminal() {
			t.records[i].Status = tool.StatusCancelled
			changed = append(changed, t.records[i])
		}
	}
	t.mu.Unlock()
	for _, rec := range changed {
		o.broadcastRecord(t, rec)
	}
}

// finalize is the single exit path for every turn outcome. The cache's
// check-and-set picks exactly one winner; losers perform no persistence
// write and no broadcast.
func (o *Orchestrator) finalize(ctx context.Context, t *liveTurn, status streamcache.Status, errText string) {
	if errText != "" {
		o.cache.AppendMarker(t.messageID, "\n\n[error: "+errText+"]\n")
	}
	content, won := o.cache.Finalize(t.messageID, status)
	if !won {
		return
	}
	if t.responseMarker != "" {
		content = t.responseMarker + content
	}
	// The run context may already be cancelled on the stop path; the final
	// write must still land.
	persistCtx := context.WithoutCancel(ctx)
	if err := o.store.UpdateMessage(persistCtx, t.messageID, content, string(status), t.snapshot()); err != nil {
		slog.Error("final persist failed", slogx.Message(t.messageID), slogx.Error(err))
	}
	o.turns.Del(t.messageID)
	t.cancel()

	o.hub.Broadcast(t.userID, hub.EventTurnDone, turnDoneEvent{
		MessageID:      t.messageID,
		ConversationID: t.conversationID,
		Status:         string(status),
		DurationMS:     time.Since(t.startedAt).Milliseconds(),
		Error:          errText,
	})
	slog.Info("turn finalized",
		slogx.Message(t.messageID),
		slogx.User(t.userID),
		slog.String("status", string(status)),
		slog.Duration("duration", time.Since(t.startedAt)))
}

func searchMarker(ev *provider.SearchEvent) string {
	switch ev.Phase {
	case provider.SearchPhaseSearching:
		if ev.Query != "" {
			return fmt.Sprintf("\n\n[searching: %s]\n\n", ev.Query)
		}
		return "\n\n[searching]\n\n"
	case provider.SearchPhaseDone:
		if len(ev.Results) == 0 {
			return "\n\n[search finished]\n\n"
		}
		out := "\n\n[search results]\n"
		for _, r := range ev.Results {
			out += fmt.Sprintf("- %s (%s)\n", r.Title, r.URL)
		}
		return out + "\n"
	default:
		return ""
	}
}

func enabledServers(servers []toolserver.Server) []toolserver.Server {
	out := servers[:0:0]
	for _, s := range servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func serverByID(servers []toolserver.Server, id string) (toolserver.Server, bool) {
	for _, s := range servers {
		if s.ID == id {
			return s, true
		}
	}
	return toolserver.Server{}, false
}
