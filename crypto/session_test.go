package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosession/models"
)

func newTestManager(t *testing.T) (*SessionManager, *Identity) {
	t.Helper()
	identity, err := GenerateIdentity()
	require.NoError(t, err)
	manager, err := NewSessionManager(identity, nil)
	require.NoError(t, err)
	return manager, identity
}

func TestSessionHandshakeAndAdoption(t *testing.T) {
	alice, aliceID := newTestManager(t)
	bob, bobID := newTestManager(t)

	assert.False(t, alice.HasSession(bobID.ID()))

	request, err := alice.Encrypt(bobID.ID(), []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeSessionRequest, request.Type)

	plaintext, info, err := bob.Decrypt(aliceID.ID(), request.Type, request.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), plaintext)
	assert.True(t, info.HandshakeReply)
	assert.False(t, info.SessionAdopted)

	reply, ok := bob.PendingReply(aliceID.ID())
	require.True(t, ok)
	_, ok = bob.PendingReply(aliceID.ID())
	assert.False(t, ok, "reply is handed out once")

	_, info, err = alice.Decrypt(bobID.ID(), models.EnvelopeHandshakeReply, reply)
	require.NoError(t, err)
	assert.True(t, info.SessionAdopted)
	assert.True(t, alice.HasSession(bobID.ID()))

	msg, err := alice.Encrypt(bobID.ID(), []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeSessionMessage, msg.Type)

	plaintext, info, err = bob.Decrypt(aliceID.ID(), msg.Type, msg.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), plaintext)
	assert.True(t, info.SessionAdopted, "responder adopts on first session message")

	back, err := bob.Encrypt(aliceID.ID(), []byte("third"))
	require.NoError(t, err)
	plaintext, info, err = alice.Decrypt(bobID.ID(), back.Type, back.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("third"), plaintext)
	assert.False(t, info.SessionAdopted)
}

func TestSessionRequestsBeforeReply(t *testing.T) {
	alice, aliceID := newTestManager(t)
	bob, bobID := newTestManager(t)

	first, err := alice.Encrypt(bobID.ID(), []byte("one"))
	require.NoError(t, err)
	second, err := alice.Encrypt(bobID.ID(), []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeSessionRequest, second.Type)

	_, _, err = bob.Decrypt(aliceID.ID(), first.Type, first.Body)
	require.NoError(t, err)
	firstReply, ok := bob.PendingReply(aliceID.ID())
	require.True(t, ok)
	_, _, err = bob.Decrypt(aliceID.ID(), second.Type, second.Body)
	require.NoError(t, err)
	secondReply, ok := bob.PendingReply(aliceID.ID())
	require.True(t, ok)

	_, info, err := alice.Decrypt(bobID.ID(), models.EnvelopeHandshakeReply, firstReply)
	require.NoError(t, err)
	assert.True(t, info.SessionAdopted)
	_, info, err = alice.Decrypt(bobID.ID(), models.EnvelopeHandshakeReply, secondReply)
	require.NoError(t, err)
	assert.True(t, info.SessionAdopted)

	msg, err := alice.Encrypt(bobID.ID(), []byte("three"))
	require.NoError(t, err)
	plaintext, _, err := bob.Decrypt(aliceID.ID(), msg.Type, msg.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), plaintext)
}

func TestSessionRequestFromWrongSender(t *testing.T) {
	alice, _ := newTestManager(t)
	bob, bobID := newTestManager(t)
	_, mallory := newTestManager(t)

	request, err := alice.Encrypt(bobID.ID(), []byte("hi"))
	require.NoError(t, err)

	_, _, err = bob.Decrypt(mallory.ID(), request.Type, request.Body)
	assert.ErrorIs(t, err, ErrPeerKeyMismatch)
}

func TestDropSessionForcesNewHandshake(t *testing.T) {
	alice, aliceID := newTestManager(t)
	bob, bobID := newTestManager(t)

	request, err := alice.Encrypt(bobID.ID(), []byte("hi"))
	require.NoError(t, err)
	_, _, err = bob.Decrypt(aliceID.ID(), request.Type, request.Body)
	require.NoError(t, err)
	reply, _ := bob.PendingReply(aliceID.ID())
	_, _, err = alice.Decrypt(bobID.ID(), models.EnvelopeHandshakeReply, reply)
	require.NoError(t, err)

	alice.DropSession(bobID.ID())
	assert.False(t, alice.HasSession(bobID.ID()))

	again, err := alice.Encrypt(bobID.ID(), []byte("reset"))
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeSessionRequest, again.Type)

	_, _, err = bob.Decrypt(aliceID.ID(), models.EnvelopeSessionMessage, []byte("junk-junk-junk-junk-junk-junk-junk"))
	assert.Error(t, err)
}

func TestSyncToSelf(t *testing.T) {
	manager, identity := newTestManager(t)
	other, err := NewSessionManager(identity, nil)
	require.NoError(t, err)

	ciphertext, err := manager.Encrypt(identity.ID(), []byte("transcript"))
	require.NoError(t, err)
	assert.Equal(t, models.EnvelopeSync, ciphertext.Type)

	plaintext, _, err := other.Decrypt(identity.ID(), ciphertext.Type, ciphertext.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("transcript"), plaintext)

	_, _, err = other.Decrypt("someone-else", ciphertext.Type, ciphertext.Body)
	assert.Error(t, err)
}

func TestSealSenderThroughManager(t *testing.T) {
	alice, aliceID := newTestManager(t)
	_, bobID := newTestManager(t)

	box, err := alice.SealSender(bobID.ID())
	require.NoError(t, err)
	sender, err := bobID.OpenSealedSender(box)
	require.NoError(t, err)
	assert.Equal(t, aliceID.ID(), sender)
}
