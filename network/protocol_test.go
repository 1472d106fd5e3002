package network

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosession/crypto"
	"gosession/models"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":"ping"}`)))
	require.NoError(t, WriteFrame(&buf, nil))

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	msgType, err := DecodeMessageType(payload)
	require.NoError(t, err)
	assert.Equal(t, "ping", msgType)

	empty, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buf, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)

	header := []byte{0xff, 0xff, 0xff, 0xff}
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	_, err := DecodeMessageType([]byte(`{"nonce":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestSealedFrameBindsSender(t *testing.T) {
	key := bytes.Repeat([]byte{7}, crypto.KeySize)
	frame := LinkFrame{
		Type:     TypeEnvelope,
		ID:       "frame-1",
		Sequence: 4,
		Envelope: &models.Envelope{ID: "env-1", Type: models.EnvelopeSessionMessage, Destination: "bob"},
	}

	sealed, err := sealFrame(key, "device-a", frame)
	require.NoError(t, err)

	opened, err := openFrame(key, "device-a", sealed)
	require.NoError(t, err)
	assert.Equal(t, frame, opened)

	_, err = openFrame(key, "device-b", sealed)
	assert.Error(t, err, "a frame reflected back to its sender must not open")
}
