package network

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"gosession/crypto"
	"gosession/models"
	"gosession/storage"
)

const (
	// DefaultSendAttempts is how many times one device send is tried.
	DefaultSendAttempts = 3
	// DefaultGroupConcurrency bounds parallel sends of one fan-out.
	DefaultGroupConcurrency = 8
	// DefaultRetryInterval is the first backoff between send attempts.
	DefaultRetryInterval = 250 * time.Millisecond

	seenEnvelopeRetention = 7 * 24 * time.Hour
)

var (
	// ErrNoRoute means no device of the destination can be reached.
	ErrNoRoute = errors.New("network: no route to destination")
	// ErrRejected means the peer refused the envelope; retrying will not help.
	ErrRejected = errors.New("network: envelope rejected")
	// ErrNotStarted is returned by sends before Start or after Stop.
	ErrNotStarted = errors.New("network: transport not running")
)

// EnvelopeHandler receives envelopes accepted by the transport.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env models.Envelope) error
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	Identity  LocalIdentity
	Store     *storage.Store
	Directory *Directory

	ListenAddress string

	// ProfileKey derives the access key contacts must present with sealed envelopes.
	ProfileKey        []byte
	AllowUnrestricted bool
	// OpenGroupHost accepts open group posts and numbers them.
	OpenGroupHost bool

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	RequestTimeout    time.Duration

	SendAttempts     int
	RetryInterval    time.Duration
	GroupConcurrency int

	Log *logrus.Entry
}

// Transport delivers envelopes to the devices of an identity over
// authenticated links, and hands inbound envelopes to the handler.
type Transport struct {
	options   TransportOptions
	directory *Directory
	accessKey []byte
	log       *logrus.Entry

	handlerMu sync.RWMutex
	handler   EnvelopeHandler

	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	linkMu sync.RWMutex
	links  map[string]*Link

	dials singleflight.Group

	serverIDs atomic.Int64
}

// NewTransport creates a transport with validated configuration.
func NewTransport(options TransportOptions) (*Transport, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if err := options.Identity.validate(); err != nil {
		return nil, err
	}
	if options.Log == nil {
		options.Log = logrus.WithField("component", "transport")
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = DefaultRequestTimeout
	}
	if options.SendAttempts <= 0 {
		options.SendAttempts = DefaultSendAttempts
	}
	if options.RetryInterval <= 0 {
		options.RetryInterval = DefaultRetryInterval
	}
	if options.GroupConcurrency <= 0 {
		options.GroupConcurrency = DefaultGroupConcurrency
	}

	directory := options.Directory
	if directory == nil {
		var err error
		directory, err = NewDirectory(options.Store, options.Identity.DeviceID, options.Log.WithField("component", "directory"))
		if err != nil {
			return nil, err
		}
	}

	var accessKey []byte
	if len(options.ProfileKey) > 0 {
		key, err := crypto.DeriveAccessKey(options.ProfileKey)
		if err != nil {
			return nil, fmt.Errorf("derive access key: %w", err)
		}
		accessKey = key
	}

	transport := &Transport{
		options:   options,
		directory: directory,
		accessKey: accessKey,
		log:       options.Log,
		links:     make(map[string]*Link),
	}
	// Open group numbers stay increasing across restarts.
	transport.serverIDs.Store(time.Now().UnixMilli())
	return transport, nil
}

// SetHandler installs the receiver of inbound envelopes. Call before Start.
func (t *Transport) SetHandler(handler EnvelopeHandler) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

// Directory returns the device directory backing this transport.
func (t *Transport) Directory() *Directory {
	return t.directory
}

// Start begins listening for inbound links.
func (t *Transport) Start() error {
	if t.ctx != nil {
		return nil
	}

	cutoff := time.Now().Add(-seenEnvelopeRetention).UnixMilli()
	if pruned, err := t.options.Store.PruneSeenEnvelopes(cutoff); err != nil {
		t.log.WithError(err).Warn("prune seen envelopes failed")
	} else if pruned > 0 {
		t.log.WithField("count", pruned).Debug("seen envelopes pruned")
	}

	server, err := Listen(t.options.ListenAddress, t.handshakeOptions())
	if err != nil {
		return err
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.server = server

	t.wg.Add(1)
	go t.serverLoop()

	t.log.WithFields(logrus.Fields{
		"address":   server.Addr().String(),
		"device_id": t.options.Identity.DeviceID,
	}).Info("transport listening")
	return nil
}

// Stop closes the listener and every link.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel == nil {
			return
		}

		t.cancel()
		if t.server != nil {
			_ = t.server.Close()
		}

		t.linkMu.Lock()
		for _, link := range t.links {
			_ = link.Disconnect()
		}
		t.links = make(map[string]*Link)
		t.linkMu.Unlock()

		t.wg.Wait()
	})
}

// Addr returns the listening address.
func (t *Transport) Addr() net.Addr {
	if t.server == nil {
		return nil
	}
	return t.server.Addr()
}

// Port returns the listening TCP port, or 0 before Start.
func (t *Transport) Port() int {
	addr, ok := t.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// Online reports whether the transport is running.
func (t *Transport) Online() bool {
	return t.ctx != nil && t.ctx.Err() == nil
}

// Reachable reports whether identity has a live link or a known endpoint.
func (t *Transport) Reachable(identity string) bool {
	t.linkMu.RLock()
	for _, link := range t.links {
		if link.PeerIdentityID() == identity && link.State() != StateDisconnected {
			t.linkMu.RUnlock()
			return true
		}
	}
	t.linkMu.RUnlock()
	return t.directory.Reachable(identity)
}

// SendToDevice delivers env to one device of destination, trying devices in
// directory order until one acks.
func (t *Transport) SendToDevice(ctx context.Context, destination string, env models.Envelope) (models.SendResult, error) {
	if destination == "" {
		return models.SendResult{}, &models.ValidationError{Field: "destination", Reason: "required"}
	}
	if !t.Online() {
		return models.SendResult{}, &models.NetworkError{Recipient: destination, Err: ErrNotStarted}
	}

	devices, err := t.directory.DevicesFor(destination)
	if err != nil {
		return models.SendResult{}, &models.NetworkError{Recipient: destination, Err: err}
	}
	if len(devices) == 0 {
		return models.SendResult{}, &models.NetworkError{Recipient: destination, Err: ErrNoRoute}
	}

	var lastErr error
	for _, device := range devices {
		result, err := t.deliverWithRetry(ctx, destination, device, env)
		if err == nil {
			return result, nil
		}
		lastErr = err
		var keyErr *models.IdentityKeyError
		if errors.As(err, &keyErr) || ctx.Err() != nil {
			break
		}
	}
	return models.SendResult{}, lastErr
}

// SendToGroup fans envelopes out to their destinations in parallel.
func (t *Transport) SendToGroup(ctx context.Context, envs []models.Envelope) []models.SendOutcome {
	outcomes := make([]models.SendOutcome, len(envs))

	var group errgroup.Group
	group.SetLimit(t.options.GroupConcurrency)
	for i, env := range envs {
		group.Go(func() error {
			result, err := t.SendToDevice(ctx, env.Destination, env)
			if err == nil {
				result.Encryption = models.EncryptionClosedGroup
			}
			outcomes[i] = models.SendOutcome{Destination: env.Destination, Result: result, Err: err}
			return nil
		})
	}
	_ = group.Wait()

	return outcomes
}

// SendUsingMultiDevice delivers env to every other device of identity.
// Devices without a route are skipped; having none is a success.
func (t *Transport) SendUsingMultiDevice(ctx context.Context, identity string, env models.Envelope) (models.SendResult, error) {
	result := models.SendResult{Destination: identity, Encryption: models.EncryptionSync}
	if !t.Online() {
		return result, &models.NetworkError{Recipient: identity, Err: ErrNotStarted}
	}

	devices, err := t.directory.DevicesFor(identity)
	if err != nil {
		return result, &models.NetworkError{Recipient: identity, Err: err}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(t.options.GroupConcurrency)
	for _, device := range devices {
		if !t.routable(device) {
			continue
		}
		group.Go(func() error {
			_, err := t.deliverWithRetry(groupCtx, identity, device, env)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

// SendToOpenGroup posts env to the open group host and returns the number
// the host assigned.
func (t *Transport) SendToOpenGroup(ctx context.Context, host string, env models.Envelope) (models.SendResult, error) {
	result, err := t.SendToDevice(ctx, host, env)
	if err != nil {
		return result, err
	}
	result.Encryption = models.EncryptionOpenGroup
	return result, nil
}

func (t *Transport) routable(device models.Device) bool {
	if t.liveLink(device.DeviceID) != nil {
		return true
	}
	return device.Address != "" && device.Port > 0
}

func (t *Transport) deliverWithRetry(ctx context.Context, destination string, device models.Device, env models.Envelope) (models.SendResult, error) {
	var result models.SendResult
	operation := func() error {
		r, err := t.deliver(ctx, destination, device, env)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.options.RetryInterval
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(t.options.SendAttempts-1)), ctx)

	err := backoff.RetryNotify(operation, retries, func(err error, wait time.Duration) {
		t.log.WithError(err).WithFields(logrus.Fields{
			"recipient": destination,
			"device_id": device.DeviceID,
			"wait":      wait,
		}).Debug("send attempt failed")
	})
	if err != nil {
		return models.SendResult{}, err
	}
	return result, nil
}

func (t *Transport) deliver(ctx context.Context, destination string, device models.Device, env models.Envelope) (models.SendResult, error) {
	link, err := t.linkTo(ctx, device)
	if err != nil {
		var keyErr *models.IdentityKeyError
		if errors.As(err, &keyErr) {
			return models.SendResult{}, &models.IdentityKeyError{Recipient: destination, Err: keyErr.Err}
		}
		return models.SendResult{}, &models.NetworkError{Recipient: destination, Err: err}
	}

	requestCtx, cancel := context.WithTimeout(ctx, t.options.RequestTimeout)
	defer cancel()

	ack, err := link.SendEnvelope(requestCtx, env)
	if err != nil {
		return models.SendResult{}, t.requestError(ctx, destination, err)
	}

	result := models.SendResult{
		Destination: destination,
		Device:      device.DeviceID,
		Encryption:  encryptionOf(env),
		ServerID:    ack.ServerID,
	}
	switch ack.Status {
	case AckDelivered, AckDuplicate:
		result.Unidentified = env.Sealed()
		return result, nil
	case AckUnidentifiedRejected:
		if !env.Sealed() {
			break
		}
		t.log.WithFields(logrus.Fields{"recipient": destination, "device_id": device.DeviceID}).
			Info("sealed envelope refused, resending identified")
		identified := env.Identified(t.options.Identity.IdentityID(), t.options.Identity.DeviceID)
		ack, err = link.SendEnvelope(requestCtx, identified)
		if err != nil {
			return models.SendResult{}, t.requestError(ctx, destination, err)
		}
		if ack.Status == AckDelivered || ack.Status == AckDuplicate {
			result.Failover = true
			result.ServerID = ack.ServerID
			return result, nil
		}
	}

	return models.SendResult{}, &models.NetworkError{
		Recipient: destination,
		Err:       fmt.Errorf("%w: %s %s", ErrRejected, ack.Status, ack.Code),
	}
}

func (t *Transport) requestError(ctx context.Context, destination string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &models.TimeoutError{Operation: "deliver envelope to " + destination}
	}
	return &models.NetworkError{Recipient: destination, Err: err}
}

func permanent(err error) bool {
	var keyErr *models.IdentityKeyError
	var validationErr *models.ValidationError
	return errors.As(err, &keyErr) || errors.As(err, &validationErr) ||
		errors.Is(err, ErrRejected) || errors.Is(err, ErrNoRoute) || errors.Is(err, ErrNotStarted)
}

func encryptionOf(env models.Envelope) models.EncryptionKind {
	switch env.Type {
	case models.EnvelopeSync:
		return models.EncryptionSync
	case models.EnvelopeOpenGroup:
		return models.EncryptionOpenGroup
	default:
		return models.EncryptionSession
	}
}

// linkTo returns the live link to device, dialing it when needed.
// Concurrent callers share one dial per device.
func (t *Transport) linkTo(ctx context.Context, device models.Device) (*Link, error) {
	if link := t.liveLink(device.DeviceID); link != nil {
		return link, nil
	}
	if device.Address == "" || device.Port <= 0 {
		return nil, ErrNoRoute
	}
	address := net.JoinHostPort(device.Address, strconv.Itoa(device.Port))

	value, err, _ := t.dials.Do(device.DeviceID, func() (any, error) {
		if link := t.liveLink(device.DeviceID); link != nil {
			return link, nil
		}
		link, err := Dial(ctx, address, t.handshakeOptions())
		if err != nil {
			return nil, err
		}
		if link.PeerDeviceID() != device.DeviceID || link.PeerIdentityID() != device.IdentityID {
			_ = link.Close()
			return nil, fmt.Errorf("dialed device %q at %s but reached %q", device.DeviceID, address, link.PeerDeviceID())
		}
		t.registerLink(link, address)
		return link, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Link), nil
}

func (t *Transport) liveLink(deviceID string) *Link {
	t.linkMu.RLock()
	defer t.linkMu.RUnlock()
	link := t.links[deviceID]
	if link == nil || link.State() == StateDisconnected {
		return nil
	}
	return link
}

func (t *Transport) handshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Identity:          t.options.Identity,
		KnownKeys:         t.directory.KnownKey,
		ConnectionTimeout: t.options.ConnectionTimeout,
		KeepAliveInterval: t.options.KeepAliveInterval,
		KeepAliveTimeout:  t.options.KeepAliveTimeout,
		FrameReadTimeout:  t.options.FrameReadTimeout,
		Accept:            t.acceptEnvelope,
		OnKeyChanged:      t.onInboundKeyChanged,
	}
}

func (t *Transport) serverLoop() {
	defer t.wg.Done()
	for {
		select {
		case link, ok := <-t.server.Incoming():
			if !ok {
				return
			}
			t.registerLink(link, "")
		case err, ok := <-t.server.Errors():
			if !ok {
				return
			}
			t.log.WithError(err).Debug("inbound link failed")
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) registerLink(link *Link, address string) {
	peerID := link.PeerDeviceID()

	t.linkMu.Lock()
	if t.ctx.Err() != nil {
		t.linkMu.Unlock()
		_ = link.Close()
		return
	}
	if existing, ok := t.links[peerID]; ok && existing != link {
		_ = existing.Close()
	}
	t.links[peerID] = link
	t.wg.Add(1)
	t.linkMu.Unlock()

	if err := t.directory.RecordLink(link, address); err != nil {
		t.log.WithError(err).WithField("device_id", peerID).Warn("record link failed")
	}
	t.log.WithFields(logrus.Fields{
		"device_id": peerID,
		"identity":  link.PeerIdentityID(),
		"outbound":  address != "",
	}).Debug("link established")

	go t.linkLoop(link)
}

// linkLoop hands accepted envelopes to the handler one at a time.
func (t *Transport) linkLoop(link *Link) {
	defer t.wg.Done()

	peerID := link.PeerDeviceID()
	for {
		env, err := link.Receive(t.ctx)
		if err != nil {
			break
		}
		t.dispatch(env)
	}
	_ = link.Close()

	t.linkMu.Lock()
	current := t.links[peerID] == link
	if current {
		delete(t.links, peerID)
	}
	t.linkMu.Unlock()

	if current {
		if err := t.directory.MarkOffline(peerID); err != nil {
			t.log.WithError(err).WithField("device_id", peerID).Warn("mark device offline failed")
		}
	}
}

func (t *Transport) dispatch(env models.Envelope) {
	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()

	logger := t.log.WithFields(logrus.Fields{
		"envelope_id": env.ID,
		"sender":      env.Source,
		"device_id":   env.SourceDevice,
	})
	if handler == nil {
		logger.Warn("envelope dropped: no handler")
		return
	}
	if err := handler.HandleEnvelope(t.ctx, env); err != nil {
		logger.WithError(err).Warn("envelope handling failed")
	}
}

// acceptEnvelope runs on a link's read loop and decides the ack. Checks
// that can fail run before the replay record is written, so a refused
// envelope may be resent under the same id.
func (t *Transport) acceptEnvelope(link *Link, env models.Envelope) Acceptance {
	logger := t.log.WithFields(logrus.Fields{"envelope_id": env.ID, "device_id": link.PeerDeviceID()})

	if env.ID == "" {
		return Acceptance{Status: AckRejected, Code: CodeMalformed}
	}
	if env.Type == models.EnvelopeOpenGroup && !t.options.OpenGroupHost {
		return Acceptance{Status: AckRejected, Code: CodeNotOpenGroupHost}
	}

	if env.Sealed() {
		if !t.options.AllowUnrestricted && (len(t.accessKey) == 0 || !hmac.Equal(env.AccessKey, t.accessKey)) {
			t.logSecurityEvent(storage.SecurityEventUnidentifiedRejected, link.PeerIdentityID(), storage.SecuritySeverityWarning,
				fmt.Sprintf(`{"envelope_id":%q,"device_id":%q,"reason":"access_key"}`, env.ID, link.PeerDeviceID()))
			return Acceptance{Status: AckUnidentifiedRejected}
		}
		sender, err := t.options.Identity.Keys.OpenSealedSender(env.SealedSender)
		if err != nil {
			t.logSecurityEvent(storage.SecurityEventUnidentifiedRejected, link.PeerIdentityID(), storage.SecuritySeverityWarning,
				fmt.Sprintf(`{"envelope_id":%q,"device_id":%q,"reason":"sealed_sender"}`, env.ID, link.PeerDeviceID()))
			return Acceptance{Status: AckUnidentifiedRejected}
		}
		if sender != link.PeerIdentityID() {
			logger.WithField("sender", sender).Warn("sealed sender does not match link identity")
			return Acceptance{Status: AckRejected, Code: CodeSenderMismatch}
		}
		env = env.Identified(sender, link.PeerDeviceID())
		env.Unidentified = true
	} else {
		if env.Source != link.PeerIdentityID() {
			logger.WithField("sender", env.Source).Warn("envelope source does not match link identity")
			return Acceptance{Status: AckRejected, Code: CodeSenderMismatch}
		}
		env.SourceDevice = link.PeerDeviceID()
	}

	fresh, err := t.options.Store.InsertSeenEnvelope(env.ID, time.Now().UnixMilli())
	if err != nil {
		logger.WithError(err).Warn("replay record failed, delivering anyway")
	} else if !fresh {
		logger.Debug("duplicate envelope acked")
		return Acceptance{Status: AckDuplicate}
	}

	verdict := Acceptance{Status: AckDelivered, Envelope: &env}
	if env.Type == models.EnvelopeOpenGroup {
		verdict.ServerID = t.serverIDs.Add(1)
	}
	return verdict
}

func (t *Transport) onInboundKeyChanged(hello HandshakeMessage) {
	t.log.WithFields(logrus.Fields{
		"device_id": hello.DeviceID,
		"identity":  hello.IdentityID,
	}).Warn("device presented a different key")
	t.logSecurityEvent(storage.SecurityEventIdentityKeyChanged, hello.IdentityID, storage.SecuritySeverityCritical,
		fmt.Sprintf(`{"device_id":%q,"direction":"inbound"}`, hello.DeviceID))
}

func (t *Transport) logSecurityEvent(eventType, identity, severity, details string) {
	var identityID *string
	if identity != "" {
		identityID = &identity
	}
	if err := t.options.Store.LogSecurityEvent(storage.SecurityEvent{
		EventType:  eventType,
		IdentityID: identityID,
		Severity:   severity,
		Details:    details,
	}); err != nil {
		t.log.WithError(err).WithField("event_type", eventType).Warn("security event not recorded")
	}
}
