package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosession/crypto"
	"gosession/models"
	"gosession/storage"
)

func TestNewTransportValidation(t *testing.T) {
	_, err := NewTransport(TransportOptions{Identity: testIdentity(t, "device-a")})
	assert.Error(t, err, "store is required")

	_, err = NewTransport(TransportOptions{Store: testStore(t), Identity: LocalIdentity{DeviceID: "device-a"}})
	assert.Error(t, err, "identity keys are required")
}

func TestSendToDeviceDelivers(t *testing.T) {
	alice := newNode(t, "alice-laptop")
	bob := newNode(t, "bob-laptop")
	introduce(t, alice, bob)

	ctx := context.Background()
	require.True(t, alice.transport.Reachable(bob.id()))

	env := envelopeFrom(alice, bob, "hello")
	result, err := alice.transport.SendToDevice(ctx, bob.id(), env)
	require.NoError(t, err)
	assert.Equal(t, bob.id(), result.Destination)
	assert.Equal(t, "bob-laptop", result.Device)
	assert.Equal(t, models.EncryptionSession, result.Encryption)
	assert.False(t, result.Unidentified)

	received := receiveEnvelope(t, bob)
	assert.Equal(t, env.ID, received.ID)
	assert.Equal(t, alice.id(), received.Source)
	assert.Equal(t, "alice-laptop", received.SourceDevice)
	assert.Equal(t, []byte("hello"), received.Body)

	// The inbound link taught bob's directory who alice is.
	device, err := bob.store.GetDevice("alice-laptop")
	require.NoError(t, err)
	assert.Equal(t, alice.id(), device.IdentityID)
	assert.Equal(t, crypto.KeyFingerprint(alice.identity.Keys.SigningPublic), device.KeyFingerprint)
	assert.True(t, bob.transport.Reachable(alice.id()))
}

func TestDuplicateEnvelopeAckedOnce(t *testing.T) {
	alice := newNode(t, "alice-laptop")
	bob := newNode(t, "bob-laptop")
	introduce(t, alice, bob)

	ctx := context.Background()
	env := envelopeFrom(alice, bob, "once")
	_, err := alice.transport.SendToDevice(ctx, bob.id(), env)
	require.NoError(t, err)
	_, err = alice.transport.SendToDevice(ctx, bob.id(), env)
	require.NoError(t, err, "a duplicate counts as delivered")

	receiveEnvelope(t, bob)
	assertNoEnvelope(t, bob)
}

func TestSendWithoutRoute(t *testing.T) {
	alice := newNode(t, "alice-laptop")

	_, err := alice.transport.SendToDevice(context.Background(), "stranger", models.Envelope{ID: "env-1"})
	var netErr *models.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "stranger", netErr.Recipient)
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.False(t, alice.transport.Reachable("stranger"))
}

func TestSendToStoppedPeerFailsAfterRetries(t *testing.T) {
	alice := newNode(t, "alice-laptop", func(o *TransportOptions) {
		o.ConnectionTimeout = 200 * time.Millisecond
	})
	bob := newNode(t, "bob-laptop")
	introduce(t, alice, bob)
	bob.transport.Stop()

	_, err := alice.transport.SendToDevice(context.Background(), bob.id(), envelopeFrom(alice, bob, "late"))
	var netErr *models.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, bob.id(), netErr.Recipient)
	assert.Equal(t, models.ErrorKindNetwork, models.ClassifyError(err))
}

func TestSealedEnvelopeWithAccessKey(t *testing.T) {
	profileKey := []byte("bob profile key material 32bytes")
	alice := newNode(t, "alice-laptop")
	bob := newNode(t, "bob-laptop", func(o *TransportOptions) { o.ProfileKey = profileKey })
	introduce(t, alice, bob)

	env := sealedEnvelope(t, alice, bob, profileKey)
	result, err := alice.transport.SendToDevice(context.Background(), bob.id(), env)
	require.NoError(t, err)
	assert.True(t, result.Unidentified)
	assert.False(t, result.Failover)

	received := receiveEnvelope(t, bob)
	assert.True(t, received.Unidentified)
	assert.Equal(t, alice.id(), received.Source)
	assert.Empty(t, received.SealedSender)
	assert.Empty(t, received.AccessKey)
}

func TestSealedEnvelopeWithWrongAccessKeyFailsOver(t *testing.T) {
	alice := newNode(t, "alice-laptop")
	bob := newNode(t, "bob-laptop", func(o *TransportOptions) { o.ProfileKey = []byte("bob's real profile key") })
	introduce(t, alice, bob)

	env := sealedEnvelope(t, alice, bob, []byte("a stale profile key"))
	result, err := alice.transport.SendToDevice(context.Background(), bob.id(), env)
	require.NoError(t, err)
	assert.True(t, result.Failover)
	assert.False(t, result.Unidentified)

	received := receiveEnvelope(t, bob)
	assert.False(t, received.Unidentified)
	assert.Equal(t, alice.id(), received.Source)

	events, err := bob.store.SecurityEvents(storage.SecurityEventQuery{Types: []string{storage.SecurityEventUnidentifiedRejected}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAllowUnrestrictedAcceptsAnyAccessKey(t *testing.T) {
	alice := newNode(t, "alice-laptop")
	bob := newNode(t, "bob-laptop", func(o *TransportOptions) { o.AllowUnrestricted = true })
	introduce(t, alice, bob)

	result, err := alice.transport.SendToDevice(context.Background(), bob.id(), sealedEnvelope(t, alice, bob, []byte("anything")))
	require.NoError(t, err)
	assert.True(t, result.Unidentified)
	assert.True(t, receiveEnvelope(t, bob).Unidentified)
}

func TestForgedSourceRejected(t *testing.T) {
	alice := newNode(t, "alice-laptop")
	bob := newNode(t, "bob-laptop")
	introduce(t, alice, bob)

	env := envelopeFrom(alice, bob, "pretending")
	env.Source = "carol"
	_, err := alice.transport.SendToDevice(context.Background(), bob.id(), env)
	assert.ErrorIs(t, err, ErrRejected)
	assertNoEnvelope(t, bob)
}

func TestSendToGroupFansOut(t *testing.T) {
	alice := newNode(t, "alice-laptop")
	bob := newNode(t, "bob-laptop")
	carol := newNode(t, "carol-laptop")
	introduce(t, alice, bob)
	introduce(t, alice, carol)

	envs := []models.Envelope{
		envelopeFrom(alice, bob, "group"),
		envelopeFrom(alice, carol, "group"),
		{ID: "env-dave", Type: models.EnvelopeSessionMessage, Source: alice.id(), Destination: "dave"},
	}
	outcomes := alice.transport.SendToGroup(context.Background(), envs)
	require.Len(t, outcomes, 3)

	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, bob.id(), outcomes[0].Destination)
	assert.Equal(t, models.EncryptionClosedGroup, outcomes[0].Result.Encryption)
	assert.NoError(t, outcomes[1].Err)
	assert.Equal(t, "dave", outcomes[2].Destination)
	assert.ErrorIs(t, outcomes[2].Err, ErrNoRoute)

	receiveEnvelope(t, bob)
	receiveEnvelope(t, carol)
}

func TestSendUsingMultiDevice(t *testing.T) {
	laptop := newNode(t, "alice-laptop")

	// With no other device, sync is a no-op success.
	result, err := laptop.transport.SendUsingMultiDevice(context.Background(), laptop.id(), models.Envelope{ID: "sync-0"})
	require.NoError(t, err)
	assert.Equal(t, models.EncryptionSync, result.Encryption)

	phoneIdentity := testIdentity(t, "alice-phone")
	phoneIdentity.Keys = laptop.identity.Keys
	phone := newNodeWithIdentity(t, phoneIdentity)
	introduce(t, laptop, phone)

	env := models.Envelope{
		ID:          "sync-1",
		Type:        models.EnvelopeSync,
		Source:      laptop.id(),
		Destination: laptop.id(),
		Timestamp:   time.Now().UnixMilli(),
		Body:        []byte("transcript"),
	}
	result, err = laptop.transport.SendUsingMultiDevice(context.Background(), laptop.id(), env)
	require.NoError(t, err)
	assert.Equal(t, models.EncryptionSync, result.Encryption)

	received := receiveEnvelope(t, phone)
	assert.Equal(t, models.EnvelopeSync, received.Type)
	assert.Equal(t, "alice-laptop", received.SourceDevice)
}

func TestSendToOpenGroup(t *testing.T) {
	alice := newNode(t, "alice-laptop")
	host := newNode(t, "host-server", func(o *TransportOptions) { o.OpenGroupHost = true })
	plain := newNode(t, "bob-laptop")
	introduce(t, alice, host)
	introduce(t, alice, plain)

	post := envelopeFrom(alice, host, "public post")
	post.Type = models.EnvelopeOpenGroup
	post.GroupID = "lobby"

	first, err := alice.transport.SendToOpenGroup(context.Background(), host.id(), post)
	require.NoError(t, err)
	assert.Equal(t, models.EncryptionOpenGroup, first.Encryption)
	assert.NotZero(t, first.ServerID)

	second := post
	second.ID = "another-post"
	next, err := alice.transport.SendToOpenGroup(context.Background(), host.id(), second)
	require.NoError(t, err)
	assert.Greater(t, next.ServerID, first.ServerID)

	notHost := envelopeFrom(alice, plain, "public post")
	notHost.Type = models.EnvelopeOpenGroup
	_, err = alice.transport.SendToOpenGroup(context.Background(), plain.id(), notHost)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestChangedKeyUntilRefresh(t *testing.T) {
	alice := newNode(t, "alice-laptop")
	bob := newNode(t, "bob-laptop")
	introduce(t, alice, bob)

	ctx := context.Background()
	_, err := alice.transport.SendToDevice(ctx, bob.id(), envelopeFrom(alice, bob, "first"))
	require.NoError(t, err)
	receiveEnvelope(t, bob)

	// Bob reinstalls the same device with a new signing key.
	reinstalled := bob.identity
	keys, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	keys.Static = bob.identity.Keys.Static
	reinstalled.Keys = keys
	bob.transport.Stop()
	bob = newNodeWithIdentity(t, reinstalled)
	introduce(t, alice, bob)

	_, err = alice.transport.SendToDevice(ctx, bob.id(), envelopeFrom(alice, bob, "second"))
	var keyErr *models.IdentityKeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, bob.id(), keyErr.Recipient)
	assert.Equal(t, models.ErrorKindIdentityKey, models.ClassifyError(err))

	require.NoError(t, alice.transport.Directory().RefreshIdentity(ctx, bob.id()))
	_, err = alice.transport.SendToDevice(ctx, bob.id(), envelopeFrom(alice, bob, "third"))
	require.NoError(t, err)
	assert.Equal(t, []byte("third"), receiveEnvelope(t, bob).Body)
}

func TestStopClosesLinks(t *testing.T) {
	alice := newNode(t, "alice-laptop")
	bob := newNode(t, "bob-laptop")
	introduce(t, alice, bob)

	_, err := alice.transport.SendToDevice(context.Background(), bob.id(), envelopeFrom(alice, bob, "hi"))
	require.NoError(t, err)
	receiveEnvelope(t, bob)

	alice.transport.Stop()
	assert.False(t, alice.transport.Online())
	_, err = alice.transport.SendToDevice(context.Background(), bob.id(), envelopeFrom(alice, bob, "bye"))
	assert.True(t, errors.Is(err, ErrNotStarted))

	require.Eventually(t, func() bool {
		device, err := bob.store.GetDevice("alice-laptop")
		return err == nil && device.Status == models.DeviceOffline
	}, 3*time.Second, 20*time.Millisecond)
}

func sealedEnvelope(t *testing.T, from, to *node, recipientProfileKey []byte) models.Envelope {
	t.Helper()

	box, err := crypto.SealSenderFor(to.identity.Keys.Static.PublicKey(), from.id())
	require.NoError(t, err)
	accessKey, err := crypto.DeriveAccessKey(recipientProfileKey)
	require.NoError(t, err)

	env := envelopeFrom(from, to, "sealed")
	env.Source = ""
	env.SealedSender = box
	env.AccessKey = accessKey
	return env
}
