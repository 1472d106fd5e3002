package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosession/models"
)

func TestConversationCRUD(t *testing.T) {
	store := newTestStore(t)

	conversation := mustSaveConversation(t, store, "alice", models.KindPrivate)
	conversation.ProfileKey = []byte("profile")
	conversation.ActiveAt = 100
	conversation.SealedSender = models.SealedSenderEnabled
	require.NoError(t, store.UpdateConversation(conversation))

	group := models.NewConversation("group-1", models.KindClosedGroup)
	group.Members = []string{"alice", "bob"}
	group.ActiveAt = 200
	require.NoError(t, store.SaveConversation(group))

	got, err := store.GetConversation("alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("profile"), got.ProfileKey)
	assert.Equal(t, models.SealedSenderEnabled, got.SealedSender)

	list, err := store.ListConversations()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "group-1", list[0].ID, "most recently active first")

	require.NoError(t, store.RemoveConversation("alice"))
	_, err = store.GetConversation("alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationKindIsImmutable(t *testing.T) {
	store := newTestStore(t)
	mustSaveConversation(t, store, "alice", models.KindPrivate)

	err := store.SaveConversation(models.NewConversation("alice", models.KindOpenGroup))
	require.Error(t, err)

	changed := models.NewConversation("alice", models.KindClosedGroup)
	assert.ErrorIs(t, store.UpdateConversation(changed), ErrNotFound)

	got, err := store.GetConversation("alice")
	require.NoError(t, err)
	assert.Equal(t, models.KindPrivate, got.Kind)
}

func TestUpdateMissingConversation(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateConversation(models.NewConversation("ghost", models.KindPrivate))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveConversationCascadesMessages(t *testing.T) {
	store := newTestStore(t)
	mustSaveConversation(t, store, "alice", models.KindPrivate)

	id, err := store.SaveMessage(models.Message{
		ConversationID: "alice",
		Direction:      models.DirectionIncoming,
		Source:         "alice",
		SentAt:         10,
	})
	require.NoError(t, err)

	require.NoError(t, store.RemoveConversation("alice"))
	_, err = store.GetMessageByID(id)
	assert.ErrorIs(t, err, ErrNotFound)
}
