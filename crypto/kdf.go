package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
)

const (
	// AccessKeySize is the length of a sealed-sender access key.
	AccessKeySize = 16

	accessKeyInfo = "gosession access key v1"
	linkKeyInfo   = "gosession link key v1"
	selfKeyInfo   = "gosession self sync v1"
)

// DeriveKey expands secret into size bytes of key material with HKDF-SHA256.
func DeriveKey(secret, salt []byte, info string, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive %q: %w", info, err)
	}
	return out, nil
}

// DeriveAccessKey turns a profile key into the access key a contact must
// present to deliver sealed envelopes to us.
func DeriveAccessKey(profileKey []byte) ([]byte, error) {
	return DeriveKey(profileKey, nil, accessKeyInfo, AccessKeySize)
}

// DeriveLinkKey derives the symmetric key protecting a device-to-device link.
// Both ends derive the same key regardless of who dialed.
func DeriveLinkKey(sharedSecret []byte, localDeviceID, peerDeviceID string) ([]byte, error) {
	ids := []string{localDeviceID, peerDeviceID}
	sort.Strings(ids)
	return DeriveKey(sharedSecret, []byte(ids[0]+"|"+ids[1]), linkKeyInfo, KeySize)
}

// DeriveSelfKey derives the key our own devices use for sync transcripts.
func (id *Identity) DeriveSelfKey() ([]byte, error) {
	return DeriveKey(id.Static.Bytes(), nil, selfKeyInfo, KeySize)
}
