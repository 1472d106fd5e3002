package crypto

import (
	"crypto/ecdh"
	"errors"
	"fmt"
)

const sealedSenderInfo = "gosession sealed sender v1"

// ErrInvalidSealedSender is returned when a sealed sender box cannot be opened.
var ErrInvalidSealedSender = errors.New("invalid sealed sender")

// SealSenderFor hides senderID from everyone but the holder of recipient's
// static key. The box is an ephemeral public key followed by an AEAD
// ciphertext keyed from ECDH(ephemeral, recipient).
func SealSenderFor(recipient *ecdh.PublicKey, senderID string) ([]byte, error) {
	ephemeral, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("sealed sender ECDH: %w", err)
	}

	ephemeralPublic := ephemeral.PublicKey().Bytes()
	key, err := DeriveKey(shared, ephemeralPublic, sealedSenderInfo, KeySize)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(key, []byte(senderID), recipient.Bytes())
	if err != nil {
		return nil, err
	}

	return append(ephemeralPublic, sealed...), nil
}

// OpenSealedSender recovers the sender id from a box addressed to us.
func (id *Identity) OpenSealedSender(box []byte) (string, error) {
	if len(box) <= 32 {
		return "", ErrInvalidSealedSender
	}
	ephemeral, err := ParseX25519PublicKey(box[:32])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSealedSender, err)
	}
	shared, err := id.Static.ECDH(ephemeral)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSealedSender, err)
	}
	key, err := DeriveKey(shared, box[:32], sealedSenderInfo, KeySize)
	if err != nil {
		return "", err
	}
	sender, err := Open(key, box[32:], id.Static.PublicKey().Bytes())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSealedSender, err)
	}
	return string(sender), nil
}
