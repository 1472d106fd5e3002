package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gosession/models"
)

const inboundBuffer = 256

var (
	// ErrSequenceReplay indicates a non-monotonic sequence value.
	ErrSequenceReplay = errors.New("network: sequence replay detected")
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
	// ErrLinkClosed is returned by operations on a closed link.
	ErrLinkClosed = errors.New("network: link closed")
)

// LinkState represents the lifecycle state of one link.
type LinkState string

const (
	StateReady         LinkState = "READY"
	StateIdle          LinkState = "IDLE"
	StateDisconnecting LinkState = "DISCONNECTING"
	StateDisconnected  LinkState = "DISCONNECTED"
)

// Acceptance is the transport's verdict on one inbound envelope. Envelope is
// handed to the receiver when non-nil.
type Acceptance struct {
	Status   string
	Code     string
	ServerID int64
	Envelope *models.Envelope
}

// AcceptFunc screens an inbound envelope. It runs on the link's read loop,
// before the envelope is acked, and must not block on the network.
type AcceptFunc func(link *Link, env models.Envelope) Acceptance

// LinkOptions controls runtime behavior of a Link.
type LinkOptions struct {
	LocalDeviceID     string
	PeerDeviceID      string
	PeerDeviceName    string
	PeerIdentityID    string
	PeerPublicKey     string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	Accept            AcceptFunc
}

// Link is an authenticated, encrypted framed session with one device.
// Envelopes are acked from the read loop; accepted envelopes are queued for
// Receive.
type Link struct {
	conn net.Conn
	key  []byte

	localDeviceID  string
	peerDeviceID   string
	peerDeviceName string
	peerIdentityID string
	peerPublicKey  string

	accept AcceptFunc

	sendMu       sync.Mutex
	sendSequence uint64
	lastSeenSeq  uint64

	stateMu sync.RWMutex
	state   LinkState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan LinkFrame

	inbound chan models.Envelope

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newLink(conn net.Conn, key []byte, options LinkOptions) *Link {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}
	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	l := &Link{
		conn:              conn,
		key:               append([]byte(nil), key...),
		localDeviceID:     options.LocalDeviceID,
		peerDeviceID:      options.PeerDeviceID,
		peerDeviceName:    options.PeerDeviceName,
		peerIdentityID:    options.PeerIdentityID,
		peerPublicKey:     options.PeerPublicKey,
		accept:            options.Accept,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		pending:           make(map[string]chan LinkFrame),
		inbound:           make(chan models.Envelope, inboundBuffer),
		closed:            make(chan struct{}),
		state:             StateReady,
	}

	l.touchActivity()
	go l.readLoop()
	go l.keepAliveLoop()

	return l
}

func (l *Link) PeerDeviceID() string   { return l.peerDeviceID }
func (l *Link) PeerDeviceName() string { return l.peerDeviceName }
func (l *Link) PeerIdentityID() string { return l.peerIdentityID }
func (l *Link) PeerPublicKey() string  { return l.peerPublicKey }
func (l *Link) RemoteAddr() net.Addr   { return l.conn.RemoteAddr() }

// State returns the current link state.
func (l *Link) State() LinkState {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// Done is closed when the link is fully disconnected.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// LastError returns the terminal link error, if any.
func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// Send seals and writes one frame, stamping the next sequence number.
func (l *Link) Send(frame LinkFrame) error {
	if l.State() == StateDisconnected {
		return l.terminalError()
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.sendSequence++
	frame.Sequence = l.sendSequence
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().UnixMilli()
	}
	sealed, err := sealFrame(l.key, l.localDeviceID, frame)
	if err != nil {
		return err
	}
	if err := WriteFrame(l.conn, sealed); err != nil {
		l.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	l.touchActivity()
	if frame.Type != TypePing && frame.Type != TypePong {
		l.setState(StateReady)
	}
	return nil
}

// SendEnvelope writes env and waits for the peer's ack.
func (l *Link) SendEnvelope(ctx context.Context, env models.Envelope) (LinkFrame, error) {
	id := uuid.NewString()
	wait := make(chan LinkFrame, 1)

	l.pendingMu.Lock()
	l.pending[id] = wait
	l.pendingMu.Unlock()
	defer func() {
		l.pendingMu.Lock()
		delete(l.pending, id)
		l.pendingMu.Unlock()
	}()

	if err := l.Send(LinkFrame{Type: TypeEnvelope, ID: id, Envelope: &env}); err != nil {
		return LinkFrame{}, err
	}

	select {
	case ack := <-wait:
		return ack, nil
	case <-l.closed:
		return LinkFrame{}, l.terminalError()
	case <-ctx.Done():
		return LinkFrame{}, ctx.Err()
	}
}

// Receive waits for the next accepted inbound envelope.
func (l *Link) Receive(ctx context.Context) (models.Envelope, error) {
	select {
	case env := <-l.inbound:
		return env, nil
	case <-l.closed:
		return models.Envelope{}, l.terminalError()
	case <-ctx.Done():
		return models.Envelope{}, ctx.Err()
	}
}

// Disconnect tells the peer we are leaving and closes the link.
func (l *Link) Disconnect() error {
	l.setState(StateDisconnecting)
	_ = l.Send(LinkFrame{Type: TypeDisconnect})
	return l.Close()
}

// Close terminates the link.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) readLoop() {
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(l.conn, l.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				l.closeWithError(nil)
				return
			}
			l.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		l.touchActivity()
		if len(payload) == 0 {
			continue
		}

		frame, err := openFrame(l.key, l.peerDeviceID, payload)
		if err != nil {
			l.closeWithError(err)
			return
		}
		if err := l.validateSequence(frame.Sequence); err != nil {
			l.closeWithError(err)
			return
		}

		switch frame.Type {
		case TypePing:
			l.setState(StateIdle)
			_ = l.Send(LinkFrame{Type: TypePong})
		case TypePong:
			l.ackPong()
			l.setState(StateIdle)
		case TypeDisconnect:
			l.setState(StateDisconnecting)
			l.closeWithError(nil)
			return
		case TypeAck:
			l.resolve(frame)
		case TypeEnvelope:
			l.setState(StateReady)
			if !l.handleEnvelope(frame) {
				return
			}
		}
	}
}

func (l *Link) handleEnvelope(frame LinkFrame) bool {
	var verdict Acceptance
	switch {
	case frame.Envelope == nil:
		verdict = Acceptance{Status: AckRejected, Code: CodeMalformed}
	case l.accept == nil:
		verdict = Acceptance{Status: AckDelivered, Envelope: frame.Envelope}
	default:
		verdict = l.accept(l, *frame.Envelope)
	}

	_ = l.Send(LinkFrame{
		Type:     TypeAck,
		ID:       frame.ID,
		Status:   verdict.Status,
		Code:     verdict.Code,
		ServerID: verdict.ServerID,
	})
	if verdict.Envelope == nil {
		return true
	}

	select {
	case l.inbound <- *verdict.Envelope:
		return true
	case <-l.closed:
		return false
	}
}

func (l *Link) resolve(ack LinkFrame) {
	l.pendingMu.Lock()
	wait, ok := l.pending[ack.ID]
	l.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case wait <- ack:
	default:
	}
}

func (l *Link) keepAliveLoop() {
	checkEvery := l.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = l.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if l.State() == StateDisconnected {
				return
			}
			if l.waitingPongExpired() {
				l.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, l.lastActivity.Load()))
			if idleFor < l.keepAliveInterval || l.isWaitingPong() {
				continue
			}

			if err := l.Send(LinkFrame{Type: TypePing}); err != nil {
				return
			}
			l.setWaitingPong(time.Now().Add(l.keepAliveTimeout))
			l.setState(StateIdle)
		case <-l.closed:
			return
		}
	}
}

// validateSequence rejects replayed or non-monotonic sequences. Only the
// read loop calls it.
func (l *Link) validateSequence(sequence uint64) error {
	if sequence <= l.lastSeenSeq {
		return ErrSequenceReplay
	}
	l.lastSeenSeq = sequence
	return nil
}

func (l *Link) terminalError() error {
	if err := l.LastError(); err != nil {
		return err
	}
	return ErrLinkClosed
}

func (l *Link) setState(state LinkState) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state == StateDisconnected {
		return
	}
	l.state = state
}

func (l *Link) touchActivity() {
	l.lastActivity.Store(time.Now().UnixNano())
}

func (l *Link) setWaitingPong(deadline time.Time) {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = true
	l.pongDeadline = deadline
}

func (l *Link) ackPong() {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	l.waitingPong = false
	l.pongDeadline = time.Time{}
}

func (l *Link) isWaitingPong() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong
}

func (l *Link) waitingPongExpired() bool {
	l.waitMu.Lock()
	defer l.waitMu.Unlock()
	return l.waitingPong && time.Now().After(l.pongDeadline)
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		l.stateMu.Lock()
		l.state = StateDisconnected
		l.stateMu.Unlock()

		_ = l.conn.Close()
		close(l.closed)
	})
}
