package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"gosession/crypto"
)

// RemoteError is an error frame sent by the peer during the handshake.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Dial connects to a device, performs the handshake and returns a ready link.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Link, error) {
	opts := options.withDefaults()
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	link, err := clientHandshake(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return link, nil
}

func clientHandshake(conn net.Conn, opts HandshakeOptions) (*Link, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	payload, err := readControl(conn, opts.ConnectionTimeout, TypeHandshakeChallenge)
	if err != nil {
		return nil, fmt.Errorf("read handshake challenge: %w", err)
	}
	var challenge HandshakeChallenge
	if err := json.Unmarshal(payload, &challenge); err != nil {
		return nil, fmt.Errorf("decode handshake challenge: %w", err)
	}

	ephemeral, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	hello, err := BuildHandshakeMessage(opts.Identity, ephemeral.PublicKey().Bytes(), challenge.Nonce, TypeHandshake)
	if err != nil {
		return nil, err
	}
	if err := writeControl(conn, hello); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	payload, err = readControl(conn, opts.ConnectionTimeout, TypeHandshakeResponse)
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	response, err := decodeHandshake(payload)
	if err != nil {
		return nil, err
	}
	if _, err := VerifyHandshakeMessage(response); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, err
		}
		return nil, fmt.Errorf("verify handshake response: %w", err)
	}
	if response.ChallengeNonce != challenge.Nonce {
		return nil, errors.New("handshake response for another challenge")
	}
	if err := evaluatePeerKey(response, opts.KnownKeys); err != nil {
		return nil, err
	}

	key, err := deriveLinkKey(opts.Identity, ephemeral, response, challenge.Nonce)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newLink(conn, key, opts.linkOptions(response)), nil
}

// readControl reads one control frame, turning error frames into RemoteError.
func readControl(conn net.Conn, timeout time.Duration, want string) ([]byte, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return nil, err
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType == TypeError {
		var remote ErrorMessage
		if err := json.Unmarshal(payload, &remote); err != nil {
			return nil, fmt.Errorf("decode remote error response: %w", err)
		}
		return nil, &RemoteError{Code: remote.Code, Message: remote.Message}
	}
	if msgType != want {
		return nil, fmt.Errorf("expected %q, got %q", want, msgType)
	}
	return payload, nil
}
