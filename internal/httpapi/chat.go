package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coinchat/backend/internal/apperr"
	"coinchat/backend/internal/chatstore"
	"coinchat/backend/internal/session"
	"coinchat/backend/internal/stream"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const persistReplyTimeout = 10 * time.Second

type chatRequest struct {
	ConversationID string         `json:"conversationId"`
	Message        messagePayload `json:"message"`
	ModelID        string         `json:"modelId"`
	Visibility     string         `json:"visibility"`
}

// Chat runs one generation. The steps are strictly ordered: validate,
// check ownership, charge, persist the user message, dispatch, deliver.
func (h Handler) Chat(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeAppError(w, r, apperr.InvalidInput("Некорректный запрос."))
		return
	}
	conversationID, err := validateConversationID(req.ConversationID)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	message, err := validateMessage(req.Message, chatstore.RoleUser)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	visibility := chatstore.Visibility(req.Visibility)
	if req.Visibility == "" {
		visibility = chatstore.VisibilityPrivate
	}
	if !visibility.Valid() {
		h.writeAppError(w, r, apperr.InvalidInput("Недопустимое значение видимости."))
		return
	}
	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" {
		modelID = h.cfg.DefaultModelID
	}

	out, err := stream.NewWriter(w)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	// A foreign conversation or a reused message id must be refused before
	// any coins move.
	if err := h.checkConversationOwner(r.Context(), conversationID, identity); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if err := h.chats.CheckMessageID(r.Context(), conversationID, message.ID); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	if err := h.gate.Authorize(r.Context(), identity, modelID); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	if _, err := h.chats.EnsureConversation(r.Context(), conversationID, identity.AccountID, chatstore.TitleFromParts(message.Parts), visibility); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if err := h.chats.AppendMessage(r.Context(), conversationID, message); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	history, err := h.chats.CollectMessages(r.Context(), conversationID)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	gen := stream.Generation{
		OwnerID:        identity.AccountID,
		ConversationID: conversationID,
		MessageID:      uuid.NewString(),
		ModelID:        modelID,
	}
	if h.streams != nil {
		h.deliverResumable(w, r, out, gen, history)
		return
	}
	h.deliverDirect(w, r, out, gen, history)
}

func (h Handler) checkConversationOwner(ctx context.Context, conversationID string, identity session.Identity) error {
	_, err := h.chats.OwnedConversation(ctx, conversationID, identity.AccountID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

func (h Handler) deliverDirect(w http.ResponseWriter, r *http.Request, out *stream.Writer, gen stream.Generation, history []chatstore.Message) {
	genCtx, cancel := context.WithTimeout(r.Context(), h.cfg.GenerationTimeout)
	defer cancel()

	src, err := h.dispatcher.Dispatch(genCtx, gen.ModelID, history, h.cfg.SystemPrompt)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	state, err := stream.Direct(r.Context(), out, gen, src, h.persistReply)
	h.logGeneration(r, gen, state, err)
}

// deliverResumable registers the stream handle before dispatch and runs the
// generation detached from the request, so a reconnecting client can pick
// up the buffered tail.
func (h Handler) deliverResumable(w http.ResponseWriter, r *http.Request, out *stream.Writer, gen stream.Generation, history []chatstore.Message) {
	buf := h.streams.Register(gen)
	gen = buf.Generation()

	genCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.GenerationTimeout)
	src, err := h.dispatcher.Dispatch(genCtx, gen.ModelID, history, h.cfg.SystemPrompt)
	if err != nil {
		cancel()
		h.streams.Fail(buf, err)
		h.writeAppError(w, r, err)
		return
	}
	go func() {
		defer cancel()
		h.streams.Pump(buf, src, h.persistReply)
	}()

	state, err := stream.Follow(r.Context(), out, buf, 0)
	h.logGeneration(r, gen, state, err)
}

// persistReply stores the finished assistant reply under the message id
// announced in the start event.
func (h Handler) persistReply(ctx context.Context, gen stream.Generation, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistReplyTimeout)
	defer cancel()

	err := h.chats.AppendMessage(ctx, gen.ConversationID, chatstore.Message{
		ID:    gen.MessageID,
		Role:  chatstore.RoleAssistant,
		Parts: []chatstore.Part{{Type: "text", Text: text}},
	})
	if err != nil {
		h.logger.Warn("persist assistant reply failed",
			zap.String("conversation_id", gen.ConversationID),
			zap.String("message_id", gen.MessageID),
			zap.Error(err),
		)
	}
}

func (h Handler) logGeneration(r *http.Request, gen stream.Generation, state stream.State, err error) {
	fields := []zap.Field{
		zap.String("request_id", chimw.GetReqID(r.Context())),
		zap.String("conversation_id", gen.ConversationID),
		zap.String("stream_id", gen.StreamID),
		zap.String("model_id", gen.ModelID),
		zap.Stringer("state", state),
	}
	if err != nil && state == stream.StateFailed {
		h.logger.Warn("generation failed", append(fields, zap.Error(err))...)
		return
	}
	h.logger.Debug("generation delivered", fields...)
}

// ResumeChat continues delivery of a resumable generation from the client's
// last seen event. 204 means there is nothing to resume.
func (h Handler) ResumeChat(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	conversationID, err := validateConversationID(chi.URLParam(r, "conversationId"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	after, err := resumeOffset(r)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if h.streams == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var buf *stream.Buffer
	if streamID := strings.TrimSpace(r.URL.Query().Get("streamId")); streamID != "" {
		buf, ok = h.streams.Lookup(streamID)
	} else {
		buf, ok = h.streams.Latest(conversationID)
	}
	if !ok || buf.Generation().ConversationID != conversationID {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if buf.Generation().OwnerID != identity.AccountID {
		h.writeAppError(w, r, apperr.Forbidden(""))
		return
	}
	if buf.State().Terminal() && after >= buf.Len() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	out, err := stream.NewWriter(w)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	state, err := stream.Follow(r.Context(), out, buf, after)
	h.logGeneration(r, buf.Generation(), state, err)
}

func resumeOffset(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("from"))
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.Atoi(raw)
	if err != nil || after < 0 {
		return 0, apperr.InvalidInput("Некорректная позиция потока.")
	}
	return after, nil
}
