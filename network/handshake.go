package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gosession/crypto"
	"gosession/models"
)

const challengeNonceSize = 32

var (
	// ErrKeyChanged indicates a known device presented a different signing key or identity.
	ErrKeyChanged = errors.New("network: peer public key changed")
)

// KnownKeyLookup returns the identity and pinned signing key recorded for a device.
type KnownKeyLookup func(deviceID string) (identityID, publicKeyBase64 string, ok bool)

// HandshakeOptions configures handshake verification and link behavior.
type HandshakeOptions struct {
	Identity  LocalIdentity
	KnownKeys KnownKeyLookup

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	// Accept screens inbound envelopes on the link's read loop. Nil acks everything.
	Accept AcceptFunc
	// OnKeyChanged is told about inbound hellos rejected by the key check.
	OnKeyChanged func(hello HandshakeMessage)
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) linkOptions(hello HandshakeMessage) LinkOptions {
	return LinkOptions{
		LocalDeviceID:     o.Identity.DeviceID,
		PeerDeviceID:      hello.DeviceID,
		PeerDeviceName:    hello.DeviceName,
		PeerIdentityID:    hello.IdentityID,
		PeerPublicKey:     hello.Ed25519PublicKey,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
		Accept:            o.Accept,
	}
}

// BuildHandshakeMessage builds and signs a hello of the given type.
func BuildHandshakeMessage(identity LocalIdentity, ephemeralPublicKey []byte, challengeNonce, msgType string) (HandshakeMessage, error) {
	if err := identity.validate(); err != nil {
		return HandshakeMessage{}, err
	}

	msg := HandshakeMessage{
		Type:             msgType,
		DeviceID:         identity.DeviceID,
		DeviceName:       identity.DeviceName,
		IdentityID:       identity.IdentityID(),
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Keys.SigningPublic),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		ChallengeNonce:   challengeNonce,
		ProtocolVersion:  ProtocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signable, err := handshakeSignable(msg)
	if err != nil {
		return HandshakeMessage{}, err
	}
	signature, err := crypto.Sign(identity.Keys.SigningPrivate, signable)
	if err != nil {
		return HandshakeMessage{}, fmt.Errorf("sign handshake payload: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// VerifyHandshakeMessage verifies the version and signature of a hello.
func VerifyHandshakeMessage(msg HandshakeMessage) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	if msg.DeviceID == "" || msg.IdentityID == "" {
		return nil, errors.New("handshake without device or identity")
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode handshake signature: %w", err)
	}
	signable, err := handshakeSignable(msg)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return nil, ErrInvalidSignature
	}

	return publicKey, nil
}

func handshakeSignable(msg HandshakeMessage) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	return signable, nil
}

func decodeHandshake(payload []byte) (HandshakeMessage, error) {
	var msg HandshakeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return HandshakeMessage{}, fmt.Errorf("decode handshake: %w", err)
	}
	return msg, nil
}

// evaluatePeerKey compares a hello against what we pinned for that device.
// A device that changes identity or signing key fails with an IdentityKeyError.
func evaluatePeerKey(hello HandshakeMessage, lookup KnownKeyLookup) error {
	if lookup == nil {
		return nil
	}
	identityID, existing, ok := lookup(hello.DeviceID)
	if !ok {
		return nil
	}
	if identityID != hello.IdentityID || (existing != "" && existing != hello.Ed25519PublicKey) {
		return &models.IdentityKeyError{Recipient: hello.IdentityID, Err: ErrKeyChanged}
	}
	return nil
}

// deriveLinkKey mixes the ephemeral exchange with the static identity
// exchange, so only the holder of the claimed identity key derives the
// same key.
func deriveLinkKey(identity LocalIdentity, localEphemeral *ecdh.PrivateKey, hello HandshakeMessage, challengeNonce string) ([]byte, error) {
	peerEphemeralRaw, err := base64.StdEncoding.DecodeString(hello.X25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode peer ephemeral public key: %w", err)
	}
	peerEphemeral, err := crypto.ParseX25519PublicKey(peerEphemeralRaw)
	if err != nil {
		return nil, err
	}
	peerStatic, err := crypto.StaticKeyFromIdentityID(hello.IdentityID)
	if err != nil {
		return nil, err
	}

	ephemeralShared, err := localEphemeral.ECDH(peerEphemeral)
	if err != nil {
		return nil, fmt.Errorf("ephemeral ECDH: %w", err)
	}
	staticShared, err := identity.static().ECDH(peerStatic)
	if err != nil {
		return nil, fmt.Errorf("static ECDH: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(challengeNonce)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(nonce) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(nonce), challengeNonceSize)
	}

	secret := make([]byte, 0, len(ephemeralShared)+len(staticShared)+len(nonce))
	secret = append(secret, ephemeralShared...)
	secret = append(secret, staticShared...)
	secret = append(secret, nonce...)
	return crypto.DeriveLinkKey(secret, identity.DeviceID, hello.DeviceID)
}

func generateChallengeNonce() (string, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

func makeVersionMismatchError(got int) ErrorMessage {
	return ErrorMessage{
		Type:              TypeError,
		Code:              CodeVersionMismatch,
		Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	}
}

func makeError(code, message string) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}
