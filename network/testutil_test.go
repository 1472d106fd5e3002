package network

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"gosession/crypto"
	"gosession/models"
	"gosession/storage"
)

func testIdentity(t *testing.T, deviceID string) LocalIdentity {
	t.Helper()

	keys, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return LocalIdentity{DeviceID: deviceID, DeviceName: deviceID + " laptop", Keys: keys}
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

// node is one running transport with a recording handler.
type node struct {
	identity  LocalIdentity
	store     *storage.Store
	transport *Transport
	inbox     chan models.Envelope
}

func (n *node) HandleEnvelope(_ context.Context, env models.Envelope) error {
	n.inbox <- env
	return nil
}

func (n *node) id() string { return n.identity.IdentityID() }

func newNode(t *testing.T, deviceID string, configure ...func(*TransportOptions)) *node {
	t.Helper()
	return newNodeWithIdentity(t, testIdentity(t, deviceID), configure...)
}

func newNodeWithIdentity(t *testing.T, identity LocalIdentity, configure ...func(*TransportOptions)) *node {
	t.Helper()

	n := &node{
		identity: identity,
		store:    testStore(t),
		inbox:    make(chan models.Envelope, 16),
	}
	options := TransportOptions{
		Identity:          identity,
		Store:             n.store,
		ListenAddress:     "127.0.0.1:0",
		ConnectionTimeout: 2 * time.Second,
		RequestTimeout:    2 * time.Second,
		RetryInterval:     10 * time.Millisecond,
	}
	for _, fn := range configure {
		fn(&options)
	}

	transport, err := NewTransport(options)
	require.NoError(t, err)
	transport.SetHandler(n)
	require.NoError(t, transport.Start())
	t.Cleanup(transport.Stop)

	n.transport = transport
	return n
}

// introduce tells from where to find to, as discovery would.
func introduce(t *testing.T, from, to *node) {
	t.Helper()

	require.NoError(t, from.transport.Directory().Observe(models.Device{
		DeviceID:   to.identity.DeviceID,
		IdentityID: to.id(),
		DeviceName: to.identity.DeviceName,
		Address:    "127.0.0.1",
		Port:       to.transport.Port(),
	}))
}

func envelopeFrom(from, to *node, body string) models.Envelope {
	return models.Envelope{
		ID:          uuid.NewString(),
		Type:        models.EnvelopeSessionMessage,
		Source:      from.id(),
		Destination: to.id(),
		Timestamp:   time.Now().UnixMilli(),
		Body:        []byte(body),
	}
}

func receiveEnvelope(t *testing.T, n *node) models.Envelope {
	t.Helper()

	select {
	case env := <-n.inbox:
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("no envelope delivered to %s", n.identity.DeviceID)
		return models.Envelope{}
	}
}

func assertNoEnvelope(t *testing.T, n *node) {
	t.Helper()

	select {
	case env := <-n.inbox:
		t.Fatalf("unexpected envelope %q delivered to %s", env.ID, n.identity.DeviceID)
	case <-time.After(100 * time.Millisecond):
	}
}
