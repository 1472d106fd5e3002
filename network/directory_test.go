package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosession/models"
)

func TestDirectoryObserveTracksEndpoints(t *testing.T) {
	store := testStore(t)
	directory, err := NewDirectory(store, "self-device", nil)
	require.NoError(t, err)

	announce := models.Device{DeviceID: "bob-phone", IdentityID: "bob", DeviceName: "Bob phone", Address: "10.0.0.5", Port: 4000}
	require.NoError(t, directory.Observe(announce))
	require.NoError(t, directory.Observe(models.Device{DeviceID: "self-device", IdentityID: "me", Address: "10.0.0.1", Port: 1}))

	_, err = store.GetDevice("self-device")
	assert.Error(t, err, "our own device is never recorded")

	// The device pinned a key over a handshake, then moved.
	require.NoError(t, store.UpdateDeviceIdentityKey("bob-phone", "pub-bob", "fp-bob"))
	require.NoError(t, directory.MarkOffline("bob-phone"))
	announce.Address, announce.Port = "10.0.0.9", 4100
	require.NoError(t, directory.Observe(announce))

	device, err := store.GetDevice("bob-phone")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", device.Address)
	assert.Equal(t, 4100, device.Port)
	assert.Equal(t, models.DeviceOnline, device.Status)
	assert.Equal(t, "pub-bob", device.Ed25519PublicKey)
	assert.True(t, directory.Reachable("bob"))

	// A pinned device cannot be claimed by another identity.
	require.NoError(t, directory.Observe(models.Device{DeviceID: "bob-phone", IdentityID: "mallory", Address: "10.6.6.6", Port: 6666}))
	device, err = store.GetDevice("bob-phone")
	require.NoError(t, err)
	assert.Equal(t, "bob", device.IdentityID)
	assert.Equal(t, "10.0.0.9", device.Address)
}

func TestDirectoryRefreshIdentityUnpinsKeys(t *testing.T) {
	store := testStore(t)
	directory, err := NewDirectory(store, "self-device", nil)
	require.NoError(t, err)

	require.NoError(t, directory.Observe(models.Device{DeviceID: "bob-phone", IdentityID: "bob", Address: "10.0.0.5", Port: 4000}))
	require.NoError(t, directory.Observe(models.Device{DeviceID: "bob-laptop", IdentityID: "bob", Address: "10.0.0.6", Port: 4000}))
	require.NoError(t, store.UpdateDeviceIdentityKey("bob-phone", "pub-bob", "fp-bob"))

	require.NoError(t, directory.RefreshIdentity(context.Background(), "bob"))

	devices, err := directory.DevicesFor("bob")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	for _, device := range devices {
		assert.Empty(t, device.Ed25519PublicKey, device.DeviceID)
		assert.NotEmpty(t, device.Address, "endpoints survive a refresh")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, directory.RefreshIdentity(ctx, "bob"), context.Canceled)
}
