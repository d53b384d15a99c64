package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"coinchat/backend/internal/apperr"
	"coinchat/backend/internal/chatstore"

	"github.com/go-chi/chi/v5"
)

func (h Handler) conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := validateConversationID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeAppError(w, r, err)
		return "", false
	}
	return id, true
}

func (h Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	conversations, err := h.chats.ListConversations(r.Context(), identity.AccountID, queryInt(r, "limit"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (h Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	conversation, err := h.chats.ReadableConversation(r.Context(), id, identity.AccountID)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conversation})
}

func (h Handler) ListConversationMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	if _, err := h.chats.ReadableConversation(r.Context(), id, identity.AccountID); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	messages, err := h.chats.CollectMessages(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type appendMessageRequest struct {
	Message messagePayload `json:"message"`
}

// AppendConversationMessage is the follow-up persistence call. Re-sending a
// stored message id is accepted and changes nothing.
func (h Handler) AppendConversationMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	var req appendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeAppError(w, r, apperr.InvalidInput("Некорректный запрос."))
		return
	}
	message, err := validateMessage(req.Message, chatstore.RoleUser, chatstore.RoleAssistant)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if _, err := h.chats.OwnedConversation(r.Context(), id, identity.AccountID); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if err := h.chats.AppendMessage(r.Context(), id, message); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"messageId": message.ID})
}

type visibilityRequest struct {
	Visibility string `json:"visibility"`
}

func (h Handler) UpdateVisibility(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	var req visibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeAppError(w, r, apperr.InvalidInput("Некорректный запрос."))
		return
	}
	conversation, err := h.chats.SetVisibility(r.Context(), id, identity.AccountID, chatstore.Visibility(req.Visibility))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conversation})
}

func (h Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	if err := h.chats.DeleteConversation(r.Context(), id, identity.AccountID); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) ListVotes(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	tallies, err := h.chats.VoteTally(r.Context(), id, identity.AccountID)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"votes": tallies})
}

type voteRequest struct {
	MessageID string `json:"messageId"`
	IsUpvoted *bool  `json:"isUpvoted"`
}

func (h Handler) Vote(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := h.conversationID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.MessageID) == "" || req.IsUpvoted == nil {
		h.writeAppError(w, r, apperr.InvalidInput("Укажите сообщение и оценку."))
		return
	}
	if err := h.chats.Vote(r.Context(), id, strings.TrimSpace(req.MessageID), identity.AccountID, *req.IsUpvoted); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// PublicFeed lists public conversations. It needs no identity.
func (h Handler) PublicFeed(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("before")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeAppError(w, r, apperr.InvalidInput("Некорректный параметр before."))
			return
		}
		before = parsed
	}
	items, err := h.chats.PublicFeed(r.Context(), before, queryInt(r, "limit"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil {
		return 0
	}
	return value
}
