package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gridsage/gridsage/internal/orchestrator"
)

// defaultConversationLimit bounds GET /api/conversation when the client
// does not ask for a specific window.
const defaultConversationLimit = 50

// conversationHandler serves conversation history reads and clears.
type conversationHandler struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func newConversationHandler(orch *orchestrator.Orchestrator, logger *slog.Logger) *conversationHandler {
	return &conversationHandler{orch: orch, logger: logger}
}

func (h *conversationHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversation", h.handleGet)
	mux.HandleFunc("DELETE /api/conversation", h.handleClear)
}

// TurnResponse is one logged turn.
type TurnResponse struct {
	ID        string    `json:"id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationResponse lists recent turns, oldest first.
type ConversationResponse struct {
	Turns []TurnResponse `json:"turns"`
}

func (h *conversationHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	limit := int32(defaultConversationLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = int32(n)
	}

	turns, err := h.orch.Recent(r.Context(), userID(r), limit)
	if err != nil {
		h.logger.Error("loading conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "could not load conversation")
		return
	}

	resp := ConversationResponse{Turns: make([]TurnResponse, 0, len(turns))}
	for _, t := range turns {
		resp.Turns = append(resp.Turns, TurnResponse{
			ID:        t.ID.String(),
			Speaker:   string(t.Speaker),
			Text:      t.Text,
			Final:     t.Final,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *conversationHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Clear(r.Context(), userID(r)); err != nil {
		h.logger.Error("clearing conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "could not clear conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "cleared"})
}
