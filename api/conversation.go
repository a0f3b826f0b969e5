package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/session"
)

// ConversationHandler serves the conversation CRUD endpoints.
type ConversationHandler struct {
	sessions *session.Store // nil disables the endpoints
	logger   log.Logger
}

// NewConversationHandler creates the conversation handler.
func NewConversationHandler(sessions *session.Store, logger log.Logger) *ConversationHandler {
	return &ConversationHandler{sessions: sessions, logger: logger}
}

// RegisterRoutes registers the conversation routes on mux.
func (h *ConversationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversations", h.handleList)
	mux.HandleFunc("POST /api/conversations", h.handleCreate)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.handleMessages)
}

type conversationJSON struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageJSON struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// available guards against a nil store when persistence is disabled.
func (h *ConversationHandler) available(w http.ResponseWriter) bool {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence_disabled", "")
		return false
	}
	return true
}

// ownerID extracts the owner from the query string. Requests without one are
// rejected; there is no anonymous conversation listing.
func ownerID(r *http.Request) string {
	return r.URL.Query().Get("owner_id")
}

func (h *ConversationHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "owner_id is required")
		return
	}

	convs, err := h.sessions.Recent(r.Context(), owner, 50)
	if err != nil {
		h.logger.Error("listing conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "")
		return
	}

	out := make([]conversationJSON, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationJSON{
			ID:        c.ID.String(),
			Title:     c.Title,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createConversationRequest struct {
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
}

func (h *ConversationHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "owner_id is required")
		return
	}

	conv, err := h.sessions.Create(r.Context(), req.OwnerID, req.Title)
	if err != nil {
		h.logger.Error("creating conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create_failed", "")
		return
	}
	writeJSON(w, http.StatusCreated, conversationJSON{
		ID:        conv.ID.String(),
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	})
}

func (h *ConversationHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "owner_id is required")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	}

	msgs, err := h.sessions.Messages(r.Context(), id, owner, 0)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation_not_found", "")
			return
		}
		h.logger.Error("listing messages failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "")
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:         m.ID.String(),
			Role:       string(m.Role),
			Content:    m.Content,
			Provider:   m.Provider,
			Model:      m.Model,
			TokensUsed: m.TokensUsed,
			CreatedAt:  m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
