package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/chat"
	"github.com/koopa0/relay/internal/log"
)

// maxChatBodyBytes caps the request body (64 KB).
const maxChatBodyBytes = 64 * 1024

// ChatHandler serves POST /api/chat.
type ChatHandler struct {
	svc    *chat.Service
	logger log.Logger
}

// NewChatHandler creates the chat handler.
func NewChatHandler(svc *chat.Service, logger log.Logger) *ChatHandler {
	return &ChatHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the chat routes on mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", h.handleChat)
}

// chatRequest is the POST /api/chat body.
type chatRequest struct {
	OwnerID        string `json:"owner_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// chatResponse is the POST /api/chat reply.
type chatResponse struct {
	Content          string   `json:"content"`
	Provider         string   `json:"provider,omitempty"`
	Model            string   `json:"model,omitempty"`
	TokensUsed       int      `json:"tokens_used,omitempty"`
	LatencyMs        int64    `json:"latency_ms"`
	Cached           bool     `json:"cached"`
	Degraded         bool     `json:"degraded"`
	Fallbacks        int      `json:"fallbacks,omitempty"`
	Classification   string   `json:"classification"`
	MemoryCount      int      `json:"memory_count,omitempty"`
	MemoryReferences []string `json:"memory_references,omitempty"`
}

func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit")
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.OwnerID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "owner_id and message are required")
		return
	}

	var convID uuid.UUID
	if req.ConversationID != "" {
		convID, err = uuid.Parse(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_conversation_id", err.Error())
			return
		}
	}

	resp, err := h.svc.Send(r.Context(), chat.Request{
		OwnerID:        req.OwnerID,
		Message:        req.Message,
		ConversationID: convID,
	})
	if err != nil {
		h.logger.Error("chat request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "chat_failed", "")
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Content:          resp.Content,
		Provider:         resp.Provider,
		Model:            resp.Model,
		TokensUsed:       resp.TokensUsed,
		LatencyMs:        resp.LatencyMs,
		Cached:           resp.Cached,
		Degraded:         resp.Degraded,
		Fallbacks:        resp.Fallbacks,
		Classification:   string(resp.Classification),
		MemoryCount:      resp.MemoryCount,
		MemoryReferences: resp.MemoryReferences,
	})
}
