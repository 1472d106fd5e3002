package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureIdentityPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureIdentity(dir)
	require.NoError(t, err)
	second, err := EnsureIdentity(dir)
	require.NoError(t, err)

	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
	assert.Len(t, first.ID(), 64)

	info, err := os.Stat(filepath.Join(dir, IdentityKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureIdentityRejectsCorruptKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, IdentityKeyFile), []byte("garbage"), 0o600))

	_, err := EnsureIdentity(dir)
	assert.Error(t, err)
}

func TestIdentityIDRoundTrip(t *testing.T) {
	identity, err := GenerateIdentity()
	require.NoError(t, err)

	publicKey, err := StaticKeyFromIdentityID(identity.ID())
	require.NoError(t, err)
	assert.Equal(t, identity.Static.PublicKey().Bytes(), publicKey.Bytes())

	_, err = StaticKeyFromIdentityID("not-hex")
	assert.Error(t, err)
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(""))
}
