// Package chatstore persists conversations, their ordered messages and the
// votes cast on them.
package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"coinchat/backend/internal/apperr"
)

// Fixed-width UTC timestamps sort lexically in creation order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const defaultPageSize = 100

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

type Part struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"parts"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Conversation struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type Store struct {
	db       *sql.DB
	pageSize int
	now      func() time.Time
}

func NewStore(db *sql.DB) Store {
	return Store{db: db, pageSize: defaultPageSize, now: time.Now}
}

// EnsureConversation creates the conversation if it does not exist and
// returns the stored row. An existing conversation owned by someone else is
// Forbidden.
func (s Store) EnsureConversation(ctx context.Context, id, ownerID, title string, visibility Visibility) (Conversation, error) {
	if !visibility.Valid() {
		visibility = VisibilityPrivate
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO conversations (id, owner_id, title, visibility, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, id, ownerID, normalizeTitle(title), string(visibility), formatTime(s.now())); err != nil {
		return Conversation{}, apperr.StorageUnavailable(fmt.Errorf("insert conversation: %w", err))
	}

	conversation, err := s.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if conversation.OwnerID != ownerID {
		return Conversation{}, apperr.Forbidden("")
	}
	return conversation, nil
}

func (s Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	conversation, err := scanConversation(s.db.QueryRowContext(ctx, `
SELECT id, owner_id, title, visibility, created_at
FROM conversations
WHERE id = ?;
`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, apperr.NotFound("Чат не найден.")
	}
	if err != nil {
		return Conversation{}, apperr.StorageUnavailable(fmt.Errorf("read conversation: %w", err))
	}
	return conversation, nil
}

// OwnedConversation returns the conversation if ownerID owns it.
func (s Store) OwnedConversation(ctx context.Context, id, ownerID string) (Conversation, error) {
	conversation, err := s.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if conversation.OwnerID != ownerID {
		return Conversation{}, apperr.Forbidden("")
	}
	return conversation, nil
}

// ReadableConversation returns the conversation if viewerID owns it or it is
// public.
func (s Store) ReadableConversation(ctx context.Context, id, viewerID string) (Conversation, error) {
	conversation, err := s.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if conversation.OwnerID != viewerID && conversation.Visibility != VisibilityPublic {
		return Conversation{}, apperr.Forbidden("")
	}
	return conversation, nil
}

func (s Store) ListConversations(ctx context.Context, ownerID string, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, title, visibility, created_at
FROM conversations
WHERE owner_id = ?
ORDER BY created_at DESC
LIMIT ?;
`, ownerID, limit)
	if err != nil {
		return nil, apperr.StorageUnavailable(fmt.Errorf("list conversations: %w", err))
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, apperr.StorageUnavailable(fmt.Errorf("scan conversation: %w", err))
		}
		out = append(out, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StorageUnavailable(fmt.Errorf("iterate conversations: %w", err))
	}
	return out, nil
}

func (s Store) SetVisibility(ctx context.Context, id, ownerID string, visibility Visibility) (Conversation, error) {
	if !visibility.Valid() {
		return Conversation{}, apperr.InvalidInput("Недопустимое значение видимости.")
	}
	conversation, err := s.OwnedConversation(ctx, id, ownerID)
	if err != nil {
		return Conversation{}, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET visibility = ? WHERE id = ? AND owner_id = ?;`, string(visibility), id, ownerID); err != nil {
		return Conversation{}, apperr.StorageUnavailable(fmt.Errorf("update visibility: %w", err))
	}
	conversation.Visibility = visibility
	return conversation, nil
}

func (s Store) DeleteConversation(ctx context.Context, id, ownerID string) error {
	if _, err := s.OwnedConversation(ctx, id, ownerID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.StorageUnavailable(fmt.Errorf("begin delete conversation: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM votes WHERE conversation_id = ?;`,
		`DELETE FROM messages WHERE conversation_id = ?;`,
		`DELETE FROM conversations WHERE id = ?;`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return apperr.StorageUnavailable(fmt.Errorf("delete conversation: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.StorageUnavailable(fmt.Errorf("commit delete conversation: %w", err))
	}
	return nil
}

// AppendMessage stores msg in the conversation. Re-sending a message id that
// is already stored in the same conversation is a no-op.
func (s Store) AppendMessage(ctx context.Context, conversationID string, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO messages (id, conversation_id, role, parts, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, msg.ID, conversationID, string(msg.Role), string(parts), formatTime(msg.CreatedAt))
	if err != nil {
		return apperr.StorageUnavailable(fmt.Errorf("insert message: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.StorageUnavailable(fmt.Errorf("insert message rows: %w", err))
	}
	if affected == 1 {
		return nil
	}

	return s.CheckMessageID(ctx, conversationID, msg.ID)
}

// MessageConversation returns the id of the conversation holding message id.
func (s Store) MessageConversation(ctx context.Context, id string) (string, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?;`, id).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("Сообщение не найдено.")
	}
	if err != nil {
		return "", apperr.StorageUnavailable(fmt.Errorf("read message conversation: %w", err))
	}
	return conversationID, nil
}

// CheckMessageID fails with InvalidInput when id is already stored in a
// conversation other than conversationID. Unused ids pass.
func (s Store) CheckMessageID(ctx context.Context, conversationID, id string) error {
	existing, err := s.MessageConversation(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing != conversationID {
		return apperr.InvalidInput("Идентификатор сообщения уже используется.")
	}
	return nil
}

// ListMessages yields the conversation's messages in creation order. Rows are
// fetched a page at a time and no connection is held while yielding; the
// sequence can be ranged over again to restart from the beginning.
func (s Store) ListMessages(ctx context.Context, conversationID string) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		lastCreated := ""
		lastSeq := int64(-1)
		for {
			page, err := s.messagePage(ctx, conversationID, lastCreated, lastSeq)
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, row := range page {
				if !yield(row.message, nil) {
					return
				}
				lastCreated, lastSeq = row.createdRaw, row.seq
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

type messageRow struct {
	message    Message
	createdRaw string
	seq        int64
}

func (s Store) messagePage(ctx context.Context, conversationID, afterCreated string, afterSeq int64) ([]messageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, id, conversation_id, role, parts, created_at
FROM messages
WHERE conversation_id = ? AND (created_at > ? OR (created_at = ? AND seq > ?))
ORDER BY created_at ASC, seq ASC
LIMIT ?;
`, conversationID, afterCreated, afterCreated, afterSeq, s.pageSize)
	if err != nil {
		return nil, apperr.StorageUnavailable(fmt.Errorf("list messages: %w", err))
	}
	defer rows.Close()

	page := make([]messageRow, 0, s.pageSize)
	for rows.Next() {
		var row messageRow
		var role, parts string
		if err := rows.Scan(&row.seq, &row.message.ID, &row.message.ConversationID, &role, &parts, &row.createdRaw); err != nil {
			return nil, apperr.StorageUnavailable(fmt.Errorf("scan message: %w", err))
		}
		row.message.Role = Role(role)
		if err := json.Unmarshal([]byte(parts), &row.message.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of message %s: %w", row.message.ID, err)
		}
		row.message.CreatedAt = parseTime(row.createdRaw)
		page = append(page, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StorageUnavailable(fmt.Errorf("iterate messages: %w", err))
	}
	return page, nil
}

// CollectMessages drains ListMessages into a slice.
func (s Store) CollectMessages(ctx context.Context, conversationID string) ([]Message, error) {
	out := make([]Message, 0, 16)
	for msg, err := range s.ListMessages(ctx, conversationID) {
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var out Conversation
	var visibility, created string
	if err := row.Scan(&out.ID, &out.OwnerID, &out.Title, &visibility, &created); err != nil {
		return Conversation{}, err
	}
	out.Visibility = Visibility(visibility)
	out.CreatedAt = parseTime(created)
	return out, nil
}

func normalizeTitle(raw string) string {
	title := strings.Join(strings.Fields(raw), " ")
	if title == "" {
		return "Новый чат"
	}
	runes := []rune(title)
	if len(runes) > 80 {
		title = string(runes[:80])
	}
	return title
}

// TitleFromParts derives a conversation title from the first text part.
func TitleFromParts(parts []Part) string {
	for _, part := range parts {
		if part.Type == "text" && strings.TrimSpace(part.Text) != "" {
			return normalizeTitle(part.Text)
		}
	}
	return normalizeTitle("")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
