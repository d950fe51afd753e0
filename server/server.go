// Package server exposes the orchestration core over HTTP: turn triggers,
// stop and confirmation actions, per-message content streams, and the
// per-user event feed.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/conduithq/conduit/hub"
	"github.com/conduithq/conduit/pkg/slogx"
	"github.com/conduithq/conduit/provider"
	"github.com/conduithq/conduit/streamcache"
	"github.com/conduithq/conduit/turn"
)

// Server routes HTTP requests into the orchestrator, cache, and hub.
type Server struct {
	orch  *turn.Orchestrator
	cache *streamcache.Cache
	hub   *hub.Hub

	http *http.Server
}

// New builds the server listening on addr.
func New(addr string, orch *turn.Orchestrator, cache *streamcache.Cache, h *hub.Hub) *Server {
	s := &Server{orch: orch, cache: cache, hub: h}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/turns", s.handleStartTurn)
	mux.HandleFunc("POST /api/turns/{id}/stop", s.handleStopTurn)
	mux.HandleFunc("POST /api/turns/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("GET /api/turns/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", slog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startTurnRequest struct {
	AssistantID    string           `json:"assistant_id"`
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user_id"`
	Message        string           `json:"message"`
	Attachments    []attachmentJSON `json:"attachments,omitempty"`
	IsCompression  bool             `json:"is_compression,omitempty"`
	ResponseMarker string           `json:"response_marker,omitempty"`
}

type attachmentJSON struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var req startTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AssistantID == "" || req.ConversationID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "assistant_id, conversation_id, and user_id are required")
		return
	}

	attachments := make([]provider.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, provider.Attachment{
			Name:     a.Name,
			MimeType: a.MimeType,
			Data:     a.Data,
		})
	}

	messageID, err := s.orch.Start(r.Context(), turn.Request{
		AssistantID:    req.AssistantID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		MessageText:    req.Message,
		Attachments:    attachments,
		IsCompression:  req.IsCompression,
		ResponseMarker: req.ResponseMarker,
	})
	if err != nil {
		slog.Warn("turn start rejected", slogx.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}

func (s *Server) handleStopTurn(w http.ResponseWriter, r *http.Request) {
	if !s.orch.Stop(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "no in-flight turn for message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

type confirmRequest struct {
	CallID  string `json:"call_id"`
	Approve bool   `json:"approve"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.orch.Confirm(r.PathValue("id"), req.CallID, req.Approve) {
		writeError(w, http.StatusNotFound, "confirmation not pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// handleStream pushes streamcache frames for one message as SSE. The first
// frame is always the catch-up with the full accumulated buffer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	frames, subID, err := s.cache.Subscribe(messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no active stream for message")
		return
	}
	defer s.cache.Unsubscribe(messageID, subID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
			if frame.Type == streamcache.FrameDone {
				return
			}
		}
	}
}

// handleEvents attaches the connection to the event hub for the given user
// and holds it open until the client goes away or the hub force-closes it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	conn, err := hub.NewSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	subID := s.hub.Subscribe(userID, conn)
	defer s.hub.Unsubscribe(userID, subID)
	select {
	case <-r.Context().Done():
	case <-conn.Done():
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
