package chatstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coinchat/backend/internal/apperr"
)

type Tally struct {
	MessageID string `json:"messageId"`
	Up        int    `json:"up"`
	Down      int    `json:"down"`
}

type FeedItem struct {
	Conversation Conversation `json:"conversation"`
	Upvotes      int          `json:"upvotes"`
	MessageCount int          `json:"messageCount"`
}

// Vote records voterID's verdict on an assistant message. Voting again
// replaces the earlier vote.
func (s Store) Vote(ctx context.Context, conversationID, messageID, voterID string, up bool) error {
	if _, err := s.ReadableConversation(ctx, conversationID, voterID); err != nil {
		return err
	}

	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM messages WHERE id = ? AND conversation_id = ?;`, messageID, conversationID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("Сообщение не найдено.")
	}
	if err != nil {
		return apperr.StorageUnavailable(fmt.Errorf("read voted message: %w", err))
	}
	if Role(role) != RoleAssistant {
		return apperr.InvalidInput("Голосовать можно только за ответы ассистента.")
	}

	upvoted := 0
	if up {
		upvoted = 1
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO votes (conversation_id, message_id, voter_id, is_upvoted)
VALUES (?, ?, ?, ?)
ON CONFLICT(message_id, voter_id) DO UPDATE SET is_upvoted = excluded.is_upvoted;
`, conversationID, messageID, voterID, upvoted); err != nil {
		return apperr.StorageUnavailable(fmt.Errorf("upsert vote: %w", err))
	}
	return nil
}

func (s Store) VoteTally(ctx context.Context, conversationID, viewerID string) ([]Tally, error) {
	if _, err := s.ReadableConversation(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, SUM(is_upvoted), SUM(1 - is_upvoted)
FROM votes
WHERE conversation_id = ?
GROUP BY message_id
ORDER BY message_id;
`, conversationID)
	if err != nil {
		return nil, apperr.StorageUnavailable(fmt.Errorf("tally votes: %w", err))
	}
	defer rows.Close()

	out := make([]Tally, 0, 8)
	for rows.Next() {
		var tally Tally
		if err := rows.Scan(&tally.MessageID, &tally.Up, &tally.Down); err != nil {
			return nil, apperr.StorageUnavailable(fmt.Errorf("scan tally: %w", err))
		}
		out = append(out, tally)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StorageUnavailable(fmt.Errorf("iterate tallies: %w", err))
	}
	return out, nil
}

// PublicFeed lists public conversations newest first. A non-zero before
// continues a previous page.
func (s Store) PublicFeed(ctx context.Context, before time.Time, limit int) ([]FeedItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	cursor := "9999"
	if !before.IsZero() {
		cursor = formatTime(before)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.owner_id, c.title, c.visibility, c.created_at,
  (SELECT COUNT(*) FROM votes v WHERE v.conversation_id = c.id AND v.is_upvoted = 1),
  (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
FROM conversations c
WHERE c.visibility = 'public' AND c.created_at < ?
ORDER BY c.created_at DESC
LIMIT ?;
`, cursor, limit)
	if err != nil {
		return nil, apperr.StorageUnavailable(fmt.Errorf("read feed: %w", err))
	}
	defer rows.Close()

	out := make([]FeedItem, 0, limit)
	for rows.Next() {
		var item FeedItem
		var visibility, created string
		if err := rows.Scan(&item.Conversation.ID, &item.Conversation.OwnerID, &item.Conversation.Title, &visibility, &created, &item.Upvotes, &item.MessageCount); err != nil {
			return nil, apperr.StorageUnavailable(fmt.Errorf("scan feed item: %w", err))
		}
		item.Conversation.Visibility = Visibility(visibility)
		item.Conversation.CreatedAt = parseTime(created)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StorageUnavailable(fmt.Errorf("iterate feed: %w", err))
	}
	return out, nil
}
