package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealedSender(t *testing.T) {
	alice, err := GenerateIdentity()
	require.NoError(t, err)
	bob, err := GenerateIdentity()
	require.NoError(t, err)
	eve, err := GenerateIdentity()
	require.NoError(t, err)

	box, err := SealSenderFor(bob.Static.PublicKey(), alice.ID())
	require.NoError(t, err)

	sender, err := bob.OpenSealedSender(box)
	require.NoError(t, err)
	assert.Equal(t, alice.ID(), sender)

	_, err = eve.OpenSealedSender(box)
	assert.ErrorIs(t, err, ErrInvalidSealedSender)

	_, err = bob.OpenSealedSender(box[:10])
	assert.ErrorIs(t, err, ErrInvalidSealedSender)
}
