package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"gosession/crypto"
	"gosession/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle links.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultRequestTimeout bounds the wait for an envelope ack.
	DefaultRequestTimeout = 15 * time.Second
)

// Control frames are exchanged in the clear during the handshake.
const (
	TypeHandshakeChallenge = "handshake_challenge"
	TypeHandshake          = "handshake"
	TypeHandshakeResponse  = "handshake_response"
	TypeError              = "error"
)

// Link frames are sealed with the link key once the handshake completes.
const (
	TypeEnvelope   = "envelope"
	TypeAck        = "ack"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeDisconnect = "disconnect"
)

// Ack statuses.
const (
	AckDelivered            = "delivered"
	AckDuplicate            = "duplicate"
	AckUnidentifiedRejected = "unidentified_rejected"
	AckRejected             = "rejected"
)

// Error codes carried by error frames and rejected acks.
const (
	CodeVersionMismatch  = "version_mismatch"
	CodeInvalidChallenge = "invalid_handshake_challenge"
	CodeUnknownType      = "unknown_type"
	CodeKeyChanged       = "key_changed"
	CodeSenderMismatch   = "sender_mismatch"
	CodeNotOpenGroupHost = "not_open_group_host"
	CodeMalformed        = "malformed"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// LocalIdentity contains the local device values required to build handshake messages.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	Keys       *crypto.Identity
}

// IdentityID returns the identity every device of this installation shares.
func (id LocalIdentity) IdentityID() string {
	if id.Keys == nil || id.Keys.Static == nil {
		return ""
	}
	return id.Keys.ID()
}

func (id LocalIdentity) validate() error {
	if id.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if id.DeviceName == "" {
		return errors.New("local device name is required")
	}
	if id.Keys == nil || id.Keys.Static == nil {
		return errors.New("local identity key is required")
	}
	if len(id.Keys.SigningPrivate) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is invalid")
	}
	if len(id.Keys.SigningPublic) != ed25519.PublicKeySize {
		return errors.New("local Ed25519 public key is invalid")
	}
	return nil
}

func (id LocalIdentity) static() *ecdh.PrivateKey {
	return id.Keys.Static
}

// controlHeader identifies the control message type.
type controlHeader struct {
	Type string `json:"type"`
}

// HandshakeChallenge is sent by the accepting side before anything else.
type HandshakeChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// HandshakeMessage is the signed hello both sides send. The response reuses
// the same shape with Type set to handshake_response.
type HandshakeMessage struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	IdentityID       string `json:"identity_id"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	ChallengeNonce   string `json:"challenge_nonce"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// LinkFrame is the unit exchanged over an established link.
type LinkFrame struct {
	Type     string           `json:"type"`
	ID       string           `json:"id,omitempty"`
	Sequence uint64           `json:"sequence"`
	Envelope *models.Envelope `json:"envelope,omitempty"`
	Status   string           `json:"status,omitempty"`
	Code     string           `json:"code,omitempty"`
	ServerID int64            `json:"server_id,omitempty"`
	// Timestamp is unix millis at the sender.
	Timestamp int64 `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var header controlHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return "", fmt.Errorf("decode message type: %w", err)
	}
	if header.Type == "" {
		return "", ErrInvalidMessageType
	}
	return header.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

func writeControl(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

// sealFrame encrypts a link frame. The sender's device id is bound as
// additional data so a reflected frame never opens on its origin.
func sealFrame(key []byte, senderDeviceID string, frame LinkFrame) ([]byte, error) {
	payload, err := EncodeJSON(frame)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(key, payload, []byte(senderDeviceID))
	if err != nil {
		return nil, fmt.Errorf("seal link frame: %w", err)
	}
	return sealed, nil
}

func openFrame(key []byte, senderDeviceID string, sealed []byte) (LinkFrame, error) {
	payload, err := crypto.Open(key, sealed, []byte(senderDeviceID))
	if err != nil {
		return LinkFrame{}, fmt.Errorf("open link frame: %w", err)
	}
	var frame LinkFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return LinkFrame{}, fmt.Errorf("decode link frame: %w", err)
	}
	if frame.Type == "" {
		return LinkFrame{}, ErrInvalidMessageType
	}
	return frame, nil
}
