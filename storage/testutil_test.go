package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gosession/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustSaveConversation(t *testing.T, store *Store, id string, kind models.ConversationKind) models.Conversation {
	t.Helper()

	conversation := models.NewConversation(id, kind)
	require.NoError(t, store.SaveConversation(conversation), "save conversation %q", id)
	return conversation
}
