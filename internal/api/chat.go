package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gridsage/gridsage/internal/agent"
	"github.com/gridsage/gridsage/internal/orchestrator"
	"github.com/gridsage/gridsage/internal/relay"
)

// chatHandler serves turn submission and the event stream.
type chatHandler struct {
	orch   *orchestrator.Orchestrator
	relay  *relay.Broadcaster
	logger *slog.Logger
}

func newChatHandler(orch *orchestrator.Orchestrator, broadcaster *relay.Broadcaster, logger *slog.Logger) *chatHandler {
	return &chatHandler{orch: orch, relay: broadcaster, logger: logger}
}

func (h *chatHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.handleChat)
	mux.HandleFunc("POST /api/chat-sync", h.handleChatSync)
	mux.HandleFunc("GET /api/chat/stream", h.handleStream)
}

// ChatRequest is the body for both chat endpoints.
type ChatRequest struct {
	Prompt string `json:"prompt"`
}

// ChatStartedResponse acknowledges an asynchronous turn.
type ChatStartedResponse struct {
	Message       string `json:"message"`
	InteractionID string `json:"interactionId"`
}

// ChatSyncResponse carries the inline answer and the passage texts that
// grounded it.
type ChatSyncResponse struct {
	Response string   `json:"response"`
	Contexts []string `json:"contexts"`
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return req, false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "missing_prompt", "prompt is required")
		return req, false
	}
	return req, true
}

// handleChat starts an asynchronous turn; the answer arrives on the
// stream. Responds 202 with the interaction id, or 409 when a turn is
// already running for the caller.
func (h *chatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	interactionID, err := h.orch.StartTurn(r.Context(), userID(r), req.Prompt)
	if err != nil {
		h.writeTurnError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, ChatStartedResponse{
		Message:       "started",
		InteractionID: interactionID.String(),
	})
}

// handleChatSync runs the turn inline and returns the final answer.
func (h *chatHandler) handleChatSync(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	res, err := h.orch.RunTurnSync(r.Context(), userID(r), req.Prompt)
	if err != nil {
		h.writeTurnError(w, r, err)
		return
	}

	if res.Contexts == nil {
		res.Contexts = []string{}
	}
	writeJSON(w, http.StatusOK, ChatSyncResponse{Response: res.Response, Contexts: res.Contexts})
}

func (h *chatHandler) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, agent.ErrThreadBusy):
		writeError(w, http.StatusConflict, "turn_in_progress", "a turn is already running for this conversation")
	default:
		h.logger.Error("turn failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "turn_failed", "the turn could not be completed")
	}
}

// streamEvent is the SSE data payload.
type streamEvent struct {
	InteractionID string `json:"interactionId"`
	Payload       string `json:"payload,omitempty"`
}

// handleStream subscribes the caller to their relay events and forwards
// them as SSE until the client disconnects. There is no backlog replay;
// events published before the subscription are gone, and the durable
// conversation log covers reconnect backfill.
func (h *chatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id := userID(r)
	ctx := r.Context()
	events, subID := h.relay.Subscribe(ctx, id)
	h.logger.Debug("stream opened", "user_id", id, "sub_id", subID)

	// Subscribe before the headers go out: a client that sees 200 is
	// already receiving events.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("stream client disconnected", "user_id", id)
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				h.logger.Debug("stream write failed", "user_id", id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev relay.Event) error {
	data, err := json.Marshal(streamEvent{
		InteractionID: ev.InteractionID.String(),
		Payload:       ev.Payload,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}
