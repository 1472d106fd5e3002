package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gosession/crypto"
)

// Server accepts inbound TCP sessions and upgrades them to links.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *Link
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.Identity.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *Link, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted and handshaked links.
func (s *Server) Incoming() <-chan *Link {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	link, err := s.handshake(conn)
	if err != nil {
		_ = conn.Close()
		s.reportError(err)
		return
	}

	select {
	case s.incoming <- link:
	case <-s.closed:
		_ = link.Close()
	}
}

func (s *Server) handshake(conn net.Conn) (*Link, error) {
	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	nonce, err := generateChallengeNonce()
	if err != nil {
		return nil, fmt.Errorf("generate handshake challenge nonce: %w", err)
	}
	if err := writeControl(conn, HandshakeChallenge{Type: TypeHandshakeChallenge, Nonce: nonce}); err != nil {
		return nil, fmt.Errorf("write handshake challenge: %w", err)
	}

	payload, err := ReadFrameWithTimeout(conn, s.options.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType != TypeHandshake {
		_ = writeControl(conn, makeError(CodeUnknownType, fmt.Sprintf("Expected %q, got %q", TypeHandshake, msgType)))
		return nil, fmt.Errorf("expected %q, got %q", TypeHandshake, msgType)
	}

	hello, err := decodeHandshake(payload)
	if err != nil {
		return nil, err
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = writeControl(conn, makeVersionMismatchError(hello.ProtocolVersion))
		return nil, ErrUnsupportedVersion
	}
	if hello.ChallengeNonce != nonce {
		_ = writeControl(conn, makeError(CodeInvalidChallenge, "Handshake challenge nonce mismatch."))
		return nil, errors.New("handshake challenge nonce mismatch")
	}
	if _, err := VerifyHandshakeMessage(hello); err != nil {
		return nil, fmt.Errorf("verify handshake: %w", err)
	}
	if err := evaluatePeerKey(hello, s.options.KnownKeys); err != nil {
		_ = writeControl(conn, makeError(CodeKeyChanged, err.Error()))
		if s.options.OnKeyChanged != nil {
			s.options.OnKeyChanged(hello)
		}
		return nil, err
	}

	ephemeral, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	key, err := deriveLinkKey(s.options.Identity, ephemeral, hello, nonce)
	if err != nil {
		return nil, err
	}

	response, err := BuildHandshakeMessage(s.options.Identity, ephemeral.PublicKey().Bytes(), nonce, TypeHandshakeResponse)
	if err != nil {
		return nil, err
	}
	if err := writeControl(conn, response); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newLink(conn, key, s.options.linkOptions(hello)), nil
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
