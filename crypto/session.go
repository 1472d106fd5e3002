package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"gosession/models"
)

const (
	sessionInitiatorInfo = "gosession session initiator->responder v1"
	sessionResponderInfo = "gosession session responder->initiator v1"

	// maxPendingHandshakes bounds how many unanswered session requests we keep per peer.
	maxPendingHandshakes = 8

	dhLen = 32
)

var (
	// ErrNoSession is returned when a session message arrives for a peer we share no session with.
	ErrNoSession = errors.New("no session with peer")
	// ErrPeerKeyMismatch is returned when a handshake is authenticated by a key other than the claimed sender's.
	ErrPeerKeyMismatch = errors.New("handshake static key does not match sender")
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

type session struct {
	sendKey   []byte
	recvKey   []byte
	confirmed bool
}

type pendingHandshake struct {
	ephemeral []byte
	state     *noise.HandshakeState
}

type peerState struct {
	current  *session
	previous *session
	pending  []pendingHandshake
	reply    []byte
}

// SessionManager negotiates per-identity sessions with the Noise IK pattern
// and encrypts message bodies under keys bound to the handshake transcript.
//
// A send without a session carries the first handshake message; the
// receiver answers with a handshake reply prefixed by the request's
// ephemeral key, so the initiator can pair it with the right request. The initiator adopts the session
// when the reply arrives, the responder when the first message under the new
// session arrives.
type SessionManager struct {
	identity *Identity
	selfKey  []byte
	log      *logrus.Entry

	mu    sync.Mutex
	peers map[string]*peerState
}

// NewSessionManager returns a manager for identity.
func NewSessionManager(identity *Identity, log *logrus.Entry) (*SessionManager, error) {
	if identity == nil {
		return nil, errors.New("identity is required")
	}
	selfKey, err := identity.DeriveSelfKey()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.WithField("component", "session")
	}
	return &SessionManager{
		identity: identity,
		selfKey:  selfKey,
		log:      log,
		peers:    make(map[string]*peerState),
	}, nil
}

// Encrypt encrypts plaintext for recipient. Our own identity gets a sync body.
func (m *SessionManager) Encrypt(recipient string, plaintext []byte) (models.Ciphertext, error) {
	if recipient == m.identity.ID() {
		body, err := Seal(m.selfKey, plaintext, []byte(models.EnvelopeSync))
		if err != nil {
			return models.Ciphertext{}, err
		}
		return models.Ciphertext{Type: models.EnvelopeSync, Body: body}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	peer := m.peer(recipient)
	if peer.current != nil {
		body, err := Seal(peer.current.sendKey, plaintext, []byte(models.EnvelopeSessionMessage))
		if err != nil {
			return models.Ciphertext{}, err
		}
		return models.Ciphertext{Type: models.EnvelopeSessionMessage, Body: body}, nil
	}

	remote, err := StaticKeyFromIdentityID(recipient)
	if err != nil {
		return models.Ciphertext{}, err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: m.staticKeypair(),
		PeerStatic:    remote.Bytes(),
	})
	if err != nil {
		return models.Ciphertext{}, fmt.Errorf("create handshake state: %w", err)
	}
	msg, _, _, err := hs.WriteMessage(nil, plaintext)
	if err != nil {
		return models.Ciphertext{}, fmt.Errorf("write session request: %w", err)
	}

	peer.pending = append(peer.pending, pendingHandshake{ephemeral: msg[:dhLen], state: hs})
	if len(peer.pending) > maxPendingHandshakes {
		peer.pending = peer.pending[len(peer.pending)-maxPendingHandshakes:]
	}
	return models.Ciphertext{Type: models.EnvelopeSessionRequest, Body: msg}, nil
}

// Decrypt opens a body received from sender.
func (m *SessionManager) Decrypt(sender string, envelopeType models.EnvelopeType, body []byte) ([]byte, models.DecryptInfo, error) {
	switch envelopeType {
	case models.EnvelopeSync:
		if sender != m.identity.ID() {
			return nil, models.DecryptInfo{}, fmt.Errorf("sync envelope from %s", sender)
		}
		plaintext, err := Open(m.selfKey, body, []byte(models.EnvelopeSync))
		return plaintext, models.DecryptInfo{}, err
	case models.EnvelopeSessionRequest:
		return m.acceptSessionRequest(sender, body)
	case models.EnvelopeHandshakeReply:
		return m.completeHandshake(sender, body)
	case models.EnvelopeSessionMessage:
		return m.openSessionMessage(sender, body)
	case models.EnvelopeOpenGroup:
		return body, models.DecryptInfo{}, nil
	default:
		return nil, models.DecryptInfo{}, fmt.Errorf("unknown envelope type %q", envelopeType)
	}
}

func (m *SessionManager) acceptSessionRequest(sender string, body []byte) ([]byte, models.DecryptInfo, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: m.staticKeypair(),
	})
	if err != nil {
		return nil, models.DecryptInfo{}, fmt.Errorf("create handshake state: %w", err)
	}
	plaintext, _, _, err := hs.ReadMessage(nil, body)
	if err != nil {
		return nil, models.DecryptInfo{}, fmt.Errorf("read session request: %w", err)
	}
	if IdentityIDFromKey(hs.PeerStatic()) != sender {
		return nil, models.DecryptInfo{}, ErrPeerKeyMismatch
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, models.DecryptInfo{}, fmt.Errorf("write handshake reply: %w", err)
	}
	reply := make([]byte, 0, dhLen+len(msg))
	reply = append(reply, body[:dhLen]...)
	reply = append(reply, msg...)
	next, err := deriveSession(hs.ChannelBinding(), false)
	if err != nil {
		return nil, models.DecryptInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	peer := m.peer(sender)
	peer.install(next)
	peer.reply = reply
	m.log.WithField("peer", sender).Debug("accepted session request")

	return plaintext, models.DecryptInfo{HandshakeReply: true}, nil
}

func (m *SessionManager) completeHandshake(sender string, body []byte) ([]byte, models.DecryptInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer := m.peer(sender)
	if len(body) <= dhLen {
		return nil, models.DecryptInfo{}, errors.New("handshake reply too short")
	}
	ephemeral, msg := body[:dhLen], body[dhLen:]

	match := -1
	for i, p := range peer.pending {
		if bytes.Equal(p.ephemeral, ephemeral) {
			match = i
			break
		}
	}
	if match < 0 {
		if peer.current != nil {
			// A late reply to a request we already settled.
			return nil, models.DecryptInfo{}, nil
		}
		return nil, models.DecryptInfo{}, ErrNoSession
	}

	hs := peer.pending[match].state
	// Older requests are superseded; newer ones may still be answered.
	peer.pending = peer.pending[match+1:]

	payload, _, _, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, models.DecryptInfo{}, fmt.Errorf("read handshake reply: %w", err)
	}
	next, err := deriveSession(hs.ChannelBinding(), true)
	if err != nil {
		return nil, models.DecryptInfo{}, err
	}
	next.confirmed = true
	peer.install(next)
	m.log.WithField("peer", sender).Debug("session adopted as initiator")
	return payload, models.DecryptInfo{SessionAdopted: true}, nil
}

func (m *SessionManager) openSessionMessage(sender string, body []byte) ([]byte, models.DecryptInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer := m.peer(sender)
	if peer.current == nil && peer.previous == nil {
		return nil, models.DecryptInfo{}, ErrNoSession
	}

	if peer.current != nil {
		plaintext, err := Open(peer.current.recvKey, body, []byte(models.EnvelopeSessionMessage))
		if err == nil {
			info := models.DecryptInfo{}
			if !peer.current.confirmed {
				peer.current.confirmed = true
				peer.pending = nil
				info.SessionAdopted = true
				m.log.WithField("peer", sender).Debug("session adopted as responder")
			}
			return plaintext, info, nil
		}
	}
	if peer.previous != nil {
		if plaintext, err := Open(peer.previous.recvKey, body, []byte(models.EnvelopeSessionMessage)); err == nil {
			return plaintext, models.DecryptInfo{}, nil
		}
	}
	return nil, models.DecryptInfo{}, errors.New("session message does not decrypt under any session")
}

// HasSession reports whether we can encrypt to peer without a handshake.
func (m *SessionManager) HasSession(peer string) bool {
	if peer == m.identity.ID() {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.peers[peer]
	return ok && state.current != nil
}

// DropSession forgets every session and pending handshake with peer.
func (m *SessionManager) DropSession(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peer)
}

// PendingReply returns and clears the handshake reply owed to peer.
func (m *SessionManager) PendingReply(peer string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.peers[peer]
	if !ok || state.reply == nil {
		return nil, false
	}
	reply := state.reply
	state.reply = nil
	return reply, true
}

// SealSender seals our identity id for recipient.
func (m *SessionManager) SealSender(recipient string) ([]byte, error) {
	remote, err := StaticKeyFromIdentityID(recipient)
	if err != nil {
		return nil, err
	}
	return SealSenderFor(remote, m.identity.ID())
}

// DeriveAccessKey derives the sealed-sender access key for a profile key.
func (m *SessionManager) DeriveAccessKey(profileKey []byte) ([]byte, error) {
	return DeriveAccessKey(profileKey)
}

func (m *SessionManager) peer(id string) *peerState {
	state, ok := m.peers[id]
	if !ok {
		state = &peerState{}
		m.peers[id] = state
	}
	return state
}

func (m *SessionManager) staticKeypair() noise.DHKey {
	return noise.DHKey{
		Private: m.identity.Static.Bytes(),
		Public:  m.identity.Static.PublicKey().Bytes(),
	}
}

func (p *peerState) install(next *session) {
	if p.current != nil {
		p.previous = p.current
	}
	p.current = next
}

func deriveSession(channelBinding []byte, initiator bool) (*session, error) {
	forward, err := DeriveKey(channelBinding, nil, sessionInitiatorInfo, KeySize)
	if err != nil {
		return nil, err
	}
	backward, err := DeriveKey(channelBinding, nil, sessionResponderInfo, KeySize)
	if err != nil {
		return nil, err
	}
	if initiator {
		return &session{sendKey: forward, recvKey: backward}, nil
	}
	return &session{sendKey: backward, recvKey: forward}, nil
}
