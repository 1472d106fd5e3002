package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosession/models"
)

func TestMessageCRUD(t *testing.T) {
	store := newTestStore(t)
	mustSaveConversation(t, store, "alice", models.KindPrivate)

	id, err := store.SaveMessage(models.Message{
		ConversationID: "alice",
		Direction:      models.DirectionOutgoing,
		Source:         "me",
		Body:           "hello",
		SentAt:         1000,
		ReceivedAt:     1000,
		Recipients:     []string{"alice"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id, "id is assigned")

	got, err := store.GetMessageByID(id)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)
	assert.Equal(t, []string{"alice"}, got.Recipients)

	got.SentTo = []string{"alice"}
	_, err = store.SaveMessage(*got)
	require.NoError(t, err)

	updated, err := store.GetMessageByID(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, updated.SentTo)

	require.NoError(t, store.RemoveMessage(id))
	assert.ErrorIs(t, store.RemoveMessage(id), ErrNotFound)
}

func TestSaveMessageValidates(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SaveMessage(models.Message{Direction: models.DirectionIncoming, SentAt: 1})
	assert.Error(t, err, "conversation id required")

	_, err = store.SaveMessage(models.Message{ConversationID: "x", Direction: "sideways", SentAt: 1})
	assert.Error(t, err, "direction validated")

	_, err = store.SaveMessage(models.Message{ConversationID: "missing", Direction: models.DirectionIncoming, SentAt: 1})
	assert.Error(t, err, "foreign key enforced")
}

func TestMessageQueries(t *testing.T) {
	store := newTestStore(t)
	mustSaveConversation(t, store, "alice", models.KindPrivate)
	mustSaveConversation(t, store, "bob", models.KindPrivate)

	save := func(m models.Message) string {
		t.Helper()
		id, err := store.SaveMessage(m)
		require.NoError(t, err)
		return id
	}

	first := save(models.Message{ConversationID: "alice", Direction: models.DirectionIncoming, Source: "alice", SentAt: 10, ReceivedAt: 11, Unread: true})
	second := save(models.Message{ConversationID: "alice", Direction: models.DirectionIncoming, Source: "alice", SentAt: 20, ReceivedAt: 21, Unread: true})
	save(models.Message{ConversationID: "alice", Direction: models.DirectionIncoming, Source: "alice", SentAt: 30, ReceivedAt: 31})
	outgoing := save(models.Message{ConversationID: "alice", Direction: models.DirectionOutgoing, Source: "me", SentAt: 40, ReceivedAt: 41, ExpiresAt: 500})
	save(models.Message{ConversationID: "bob", Direction: models.DirectionOutgoing, Source: "me", SentAt: 40, ReceivedAt: 42, ExpiresAt: 5000})

	page, err := store.GetMessagesByConversation("alice", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, outgoing, page[0].ID, "newest first")

	unread, err := store.GetUnreadByConversation("alice")
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, first, unread[0].ID)
	assert.Equal(t, second, unread[1].ID)

	found, err := store.FindMessageBySender("alice", "alice", 20)
	require.NoError(t, err)
	assert.Equal(t, second, found.ID)

	_, err = store.FindMessageBySender("alice", "bob", 20)
	assert.ErrorIs(t, err, ErrNotFound)

	sent, err := store.FindOutgoingBySentAt(40)
	require.NoError(t, err)
	assert.Len(t, sent, 2)

	expired, err := store.GetExpiredMessages(1000)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, outgoing, expired[0].ID)

	require.NoError(t, store.RemoveAllMessagesInConversation("alice"))
	remaining, err := store.GetMessagesByConversation("alice", 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
