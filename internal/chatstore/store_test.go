package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"coinchat/backend/internal/apperr"
	"coinchat/backend/internal/db/dbtest"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (Store, *sql.DB) {
	t.Helper()
	database := dbtest.Open(t)
	return NewStore(database), database
}

func seedAccount(t *testing.T, database *sql.DB, id string) {
	t.Helper()
	_, err := database.Exec(`INSERT INTO accounts (id, account_type, email) VALUES (?, 'regular', ?);`, id, id+"@example.com")
	require.NoError(t, err)
}

func textMessage(id string, role Role, text string) Message {
	return Message{ID: id, Role: role, Parts: []Part{{Type: "text", Text: text}}}
}

func TestEnsureConversationIsIdempotentForOwner(t *testing.T) {
	store, database := newTestStore(t)
	seedAccount(t, database, "owner")
	ctx := context.Background()

	first, err := store.EnsureConversation(ctx, "c1", "owner", "  Первый   чат ", VisibilityPrivate)
	require.NoError(t, err)
	require.Equal(t, "Первый чат", first.Title)

	second, err := store.EnsureConversation(ctx, "c1", "owner", "other title", VisibilityPublic)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEnsureConversationRejectsOtherOwner(t *testing.T) {
	store, database := newTestStore(t)
	seedAccount(t, database, "owner")
	seedAccount(t, database, "intruder")
	ctx := context.Background()

	_, err := store.EnsureConversation(ctx, "c1", "owner", "t", VisibilityPrivate)
	require.NoError(t, err)

	_, err = store.EnsureConversation(ctx, "c1", "intruder", "t", VisibilityPrivate)
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestAppendMessageTwiceStoresOneRow(t *testing.T) {
	store, database := newTestStore(t)
	seedAccount(t, database, "owner")
	ctx := context.Background()
	_, err := store.EnsureConversation(ctx, "c1", "owner", "t", VisibilityPrivate)
	require.NoError(t, err)

	msg := textMessage("m1", RoleUser, "привет")
	require.NoError(t, store.AppendMessage(ctx, "c1", msg))
	require.NoError(t, store.AppendMessage(ctx, "c1", msg))

	var count int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM messages WHERE id = 'm1';`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestAppendMessageIDReusedAcrossConversationsIsRejected(t *testing.T) {
	store, database := newTestStore(t)
	seedAccount(t, database, "owner")
	ctx := context.Background()
	for _, id := range []string{"c1", "c2"} {
		_, err := store.EnsureConversation(ctx, id, "owner", "t", VisibilityPrivate)
		require.NoError(t, err)
	}

	require.NoError(t, store.AppendMessage(ctx, "c1", textMessage("m1", RoleUser, "a")))
	err := store.AppendMessage(ctx, "c2", textMessage("m1", RoleUser, "a"))
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestCheckMessageID(t *testing.T) {
	store, database := newTestStore(t)
	seedAccount(t, database, "owner")
	ctx := context.Background()
	for _, id := range []string{"c1", "c2"} {
		_, err := store.EnsureConversation(ctx, id, "owner", "t", VisibilityPrivate)
		require.NoError(t, err)
	}
	require.NoError(t, store.AppendMessage(ctx, "c1", textMessage("m1", RoleUser, "a")))

	conversationID, err := store.MessageConversation(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "c1", conversationID)

	_, err = store.MessageConversation(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, store.CheckMessageID(ctx, "c1", "m1"))
	require.NoError(t, store.CheckMessageID(ctx, "c2", "fresh"))
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(store.CheckMessageID(ctx, "c2", "m1")))
}

func TestListMessagesRoundTripsInCreationOrder(t *testing.T) {
	store, database := newTestStore(t)
	store.pageSize = 2
	seedAccount(t, database, "owner")
	ctx := context.Background()
	_, err := store.EnsureConversation(ctx, "c1", "owner", "t", VisibilityPrivate)
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	image := Message{
		ID:   "m2",
		Role: RoleUser,
		Parts: []Part{
			{Type: "text", Text: "что на фото?"},
			{Type: "file", MediaType: "image/png", URL: "https://cdn.example/cat.png", Name: "cat.png"},
		},
		CreatedAt: base.Add(time.Second),
	}
	// Inserted out of order; same timestamp for m3/m4 falls back to insert order.
	require.NoError(t, store.AppendMessage(ctx, "c1", image))
	first := textMessage("m1", RoleUser, "первое")
	first.CreatedAt = base
	require.NoError(t, store.AppendMessage(ctx, "c1", first))
	for _, id := range []string{"m3", "m4", "m5"} {
		msg := textMessage(id, RoleAssistant, id)
		msg.CreatedAt = base.Add(2 * time.Second)
		require.NoError(t, store.AppendMessage(ctx, "c1", msg))
	}

	listed, err := store.CollectMessages(ctx, "c1")
	require.NoError(t, err)

	ids := make([]string, 0, len(listed))
	for _, msg := range listed {
		ids = append(ids, msg.ID)
	}
	require.Equal(t, []string{"m1", "m2", "m3", "m4", "m5"}, ids)
	require.Equal(t, image.Parts, listed[1].Parts)
	require.True(t, listed[1].CreatedAt.Equal(image.CreatedAt))

	again, err := store.CollectMessages(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, listed, again)
}

func TestListMessagesStopsEarly(t *testing.T) {
	store, database := newTestStore(t)
	store.pageSize = 2
	seedAccount(t, database, "owner")
	ctx := context.Background()
	_, err := store.EnsureConversation(ctx, "c1", "owner", "t", VisibilityPrivate)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendMessage(ctx, "c1", textMessage(fmt.Sprintf("m%d", i), RoleUser, "x")))
	}

	seen := 0
	for _, err := range store.ListMessages(ctx, "c1") {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	require.Equal(t, 3, seen)
}

func TestListMessagesSurfacesStorageUnavailable(t *testing.T) {
	store, database := newTestStore(t)
	require.NoError(t, database.Close())

	_, err := store.CollectMessages(context.Background(), "c1")
	require.ErrorIs(t, err, apperr.ErrStorageUnavailable)
}

func TestSetVisibilityOwnerOnly(t *testing.T) {
	store, database := newTestStore(t)
	seedAccount(t, database, "owner")
	seedAccount(t, database, "other")
	ctx := context.Background()
	_, err := store.EnsureConversation(ctx, "c1", "owner", "t", VisibilityPrivate)
	require.NoError(t, err)

	_, err = store.SetVisibility(ctx, "c1", "other", VisibilityPublic)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	updated, err := store.SetVisibility(ctx, "c1", "owner", VisibilityPublic)
	require.NoError(t, err)
	require.Equal(t, VisibilityPublic, updated.Visibility)

	_, err = store.SetVisibility(ctx, "c1", "owner", Visibility("friends"))
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestDeleteConversation(t *testing.T) {
	store, database := newTestStore(t)
	seedAccount(t, database, "owner")
	seedAccount(t, database, "other")
	ctx := context.Background()
	_, err := store.EnsureConversation(ctx, "c1", "owner", "t", VisibilityPrivate)
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, "c1", textMessage("m1", RoleUser, "x")))

	require.ErrorIs(t, store.DeleteConversation(ctx, "missing", "owner"), apperr.ErrNotFound)
	require.ErrorIs(t, store.DeleteConversation(ctx, "c1", "other"), apperr.ErrForbidden)
	require.NoError(t, store.DeleteConversation(ctx, "c1", "owner"))

	_, err = store.GetConversation(ctx, "c1")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	var count int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM messages;`).Scan(&count))
	require.Zero(t, count)
}

func TestVotesAndFeed(t *testing.T) {
	store, database := newTestStore(t)
	seedAccount(t, database, "owner")
	seedAccount(t, database, "fan")
	ctx := context.Background()

	_, err := store.EnsureConversation(ctx, "c1", "owner", "Публичный", VisibilityPrivate)
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, "c1", textMessage("u1", RoleUser, "q")))
	require.NoError(t, store.AppendMessage(ctx, "c1", textMessage("a1", RoleAssistant, "a")))

	require.ErrorIs(t, store.Vote(ctx, "c1", "a1", "fan", true), apperr.ErrForbidden)
	require.ErrorIs(t, store.Vote(ctx, "missing", "a1", "owner", true), apperr.ErrNotFound)
	require.ErrorIs(t, store.Vote(ctx, "c1", "nope", "owner", true), apperr.ErrNotFound)
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(store.Vote(ctx, "c1", "u1", "owner", true)))

	_, err = store.SetVisibility(ctx, "c1", "owner", VisibilityPublic)
	require.NoError(t, err)

	require.NoError(t, store.Vote(ctx, "c1", "a1", "owner", false))
	require.NoError(t, store.Vote(ctx, "c1", "a1", "owner", true))
	require.NoError(t, store.Vote(ctx, "c1", "a1", "fan", true))

	tallies, err := store.VoteTally(ctx, "c1", "fan")
	require.NoError(t, err)
	require.Equal(t, []Tally{{MessageID: "a1", Up: 2, Down: 0}}, tallies)

	feed, err := store.PublicFeed(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	require.Equal(t, "c1", feed[0].Conversation.ID)
	require.Equal(t, 2, feed[0].Upvotes)
	require.Equal(t, 2, feed[0].MessageCount)

	older, err := store.PublicFeed(ctx, feed[0].Conversation.CreatedAt, 10)
	require.NoError(t, err)
	require.Empty(t, older)
}

func TestTitleFromParts(t *testing.T) {
	require.Equal(t, "Новый чат", TitleFromParts([]Part{{Type: "file", URL: "x"}}))
	require.Equal(t, "hello world", TitleFromParts([]Part{{Type: "text", Text: " hello\n world "}}))
}
