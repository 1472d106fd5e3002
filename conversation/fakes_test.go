package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gosession/models"
	"gosession/storage"
)

const (
	selfID     = "self"
	selfDevice = "device-self"
)

// memStore is an in-memory Store with the same query semantics as storage.Store.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	messages      map[string]models.Message
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]models.Message),
	}
}

func (s *memStore) SaveConversation(conversation models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversation.ID] = cloneConversation(conversation)
	return nil
}

func (s *memStore) UpdateConversation(conversation models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversation.ID]; !ok {
		return storage.ErrNotFound
	}
	s.conversations[conversation.ID] = cloneConversation(conversation)
	return nil
}

func (s *memStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cloneConversation(conv)
	return &out, nil
}

func (s *memStore) ListConversations() ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, cloneConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActiveAt != out[j].ActiveAt {
			return out[i].ActiveAt > out[j].ActiveAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) RemoveConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

func (s *memStore) SaveMessage(message models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	s.messages[message.ID] = cloneMessage(message)
	return message.ID, nil
}

func (s *memStore) GetMessageByID(id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cloneMessage(message)
	return &out, nil
}

func (s *memStore) RemoveMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *memStore) filter(keep func(models.Message) bool, less func(a, b models.Message) bool) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0)
	for _, message := range s.messages {
		if keep(message) {
			out = append(out, cloneMessage(message))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (s *memStore) GetMessagesByConversation(conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	out := s.filter(
		func(m models.Message) bool { return m.ConversationID == conversationID },
		func(a, b models.Message) bool {
			if a.ReceivedAt != b.ReceivedAt {
				return a.ReceivedAt > b.ReceivedAt
			}
			return a.ID > b.ID
		},
	)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetUnreadByConversation(conversationID string) ([]models.Message, error) {
	return s.filter(
		func(m models.Message) bool {
			return m.ConversationID == conversationID && m.Unread && m.IsIncoming()
		},
		func(a, b models.Message) bool { return a.ReceivedAt < b.ReceivedAt },
	), nil
}

func (s *memStore) RemoveAllMessagesInConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, message := range s.messages {
		if message.ConversationID == conversationID {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *memStore) FindMessageBySender(conversationID, source string, sentAt int64) (*models.Message, error) {
	found := s.filter(
		func(m models.Message) bool {
			return m.ConversationID == conversationID && m.Source == source && m.SentAt == sentAt
		},
		func(a, b models.Message) bool { return a.ReceivedAt < b.ReceivedAt },
	)
	if len(found) == 0 {
		return nil, storage.ErrNotFound
	}
	return &found[0], nil
}

func (s *memStore) FindOutgoingBySentAt(sentAt int64) ([]models.Message, error) {
	return s.filter(
		func(m models.Message) bool { return m.SentAt == sentAt && m.IsOutgoing() },
		func(a, b models.Message) bool { return a.ReceivedAt < b.ReceivedAt },
	), nil
}

func (s *memStore) GetExpiredMessages(now int64) ([]models.Message, error) {
	return s.filter(
		func(m models.Message) bool { return m.ExpiresAt > 0 && m.ExpiresAt <= now },
		func(a, b models.Message) bool { return a.ExpiresAt < b.ExpiresAt },
	), nil
}

func (s *memStore) messagesIn(conversationID string) []models.Message {
	out, _ := s.GetMessagesByConversation(conversationID, 1000)
	return out
}

func cloneConversation(conv models.Conversation) models.Conversation {
	conv.Members = append([]string(nil), conv.Members...)
	conv.ProfileKey = append([]byte(nil), conv.ProfileKey...)
	conv.AccessKey = append([]byte(nil), conv.AccessKey...)
	if len(conv.ProfileKey) == 0 {
		conv.ProfileKey = nil
	}
	if len(conv.AccessKey) == 0 {
		conv.AccessKey = nil
	}
	return conv
}

func cloneMessage(message models.Message) models.Message {
	message.Recipients = append([]string(nil), message.Recipients...)
	message.SentTo = append([]string(nil), message.SentTo...)
	message.DeliveredTo = append([]string(nil), message.DeliveredTo...)
	message.ReadBy = append([]string(nil), message.ReadBy...)
	message.Errors = append([]models.MessageError(nil), message.Errors...)
	message.Attachments = append([]models.Attachment(nil), message.Attachments...)
	return message
}

// sentEnvelope is one envelope handed to fakeTransport.
type sentEnvelope struct {
	via         string
	destination string
	env         models.Envelope
}

// fakeTransport records every send and fails per recipient on demand.
type fakeTransport struct {
	mu          sync.Mutex
	offline     bool
	unreachable map[string]bool
	failures    map[string]error
	results     map[string]models.SendResult
	sends       []sentEnvelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		unreachable: make(map[string]bool),
		failures:    make(map[string]error),
		results:     make(map[string]models.SendResult),
	}
}

func (t *fakeTransport) deliver(via, destination string, env models.Envelope) (models.SendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, sentEnvelope{via: via, destination: destination, env: env})
	if err := t.failures[destination]; err != nil {
		return models.SendResult{}, err
	}
	result, ok := t.results[destination]
	if !ok {
		result = models.SendResult{Encryption: models.EncryptionSession, Unidentified: env.Sealed()}
	}
	result.Destination = destination
	return result, nil
}

func (t *fakeTransport) SendToDevice(ctx context.Context, destination string, env models.Envelope) (models.SendResult, error) {
	return t.deliver("device", destination, env)
}

func (t *fakeTransport) SendToGroup(ctx context.Context, envs []models.Envelope) []models.SendOutcome {
	outcomes := make([]models.SendOutcome, 0, len(envs))
	for _, env := range envs {
		result, err := t.deliver("group", env.Destination, env)
		outcomes = append(outcomes, models.SendOutcome{Destination: env.Destination, Result: result, Err: err})
	}
	return outcomes
}

func (t *fakeTransport) SendUsingMultiDevice(ctx context.Context, identity string, env models.Envelope) (models.SendResult, error) {
	result, err := t.deliver("multi", identity, env)
	result.Encryption = models.EncryptionSync
	return result, err
}

func (t *fakeTransport) SendToOpenGroup(ctx context.Context, host string, env models.Envelope) (models.SendResult, error) {
	return t.deliver("open", host, env)
}

func (t *fakeTransport) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.offline
}

func (t *fakeTransport) Reachable(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.unreachable[identity]
}

func (t *fakeTransport) sent(via string) []sentEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentEnvelope, 0)
	for _, s := range t.sends {
		if via == "" || s.via == via {
			out = append(out, s)
		}
	}
	return out
}

// contents decodes every envelope sent via the given path. The fake crypto
// leaves plaintext untouched.
func (t *fakeTransport) contents(tb testing.TB, via string) []models.Content {
	tb.Helper()
	out := make([]models.Content, 0)
	for _, s := range t.sent(via) {
		content, err := models.DecodeContent(s.env.Body)
		require.NoError(tb, err)
		out = append(out, content)
	}
	return out
}

// fakeCrypto passes plaintext through and tracks sessions.
type fakeCrypto struct {
	mu         sync.Mutex
	sessions   map[string]bool
	pending    map[string][]byte
	dropped    []string
	info       map[string]models.DecryptInfo
	decryptErr error
	noSealed   bool
}

func newFakeCrypto() *fakeCrypto {
	return &fakeCrypto{
		sessions: make(map[string]bool),
		pending:  make(map[string][]byte),
		info:     make(map[string]models.DecryptInfo),
	}
}

func (c *fakeCrypto) Encrypt(recipient string, plaintext []byte) (models.Ciphertext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind := models.EnvelopeSessionMessage
	switch {
	case recipient == selfID:
		kind = models.EnvelopeSync
	case !c.sessions[recipient]:
		kind = models.EnvelopeSessionRequest
	}
	return models.Ciphertext{Type: kind, Body: append([]byte(nil), plaintext...)}, nil
}

func (c *fakeCrypto) Decrypt(sender string, envelopeType models.EnvelopeType, body []byte) ([]byte, models.DecryptInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decryptErr != nil {
		return nil, models.DecryptInfo{}, c.decryptErr
	}
	info := c.info[sender]
	delete(c.info, sender)
	if envelopeType == models.EnvelopeHandshakeReply {
		return nil, info, nil
	}
	return body, info, nil
}

func (c *fakeCrypto) SealSender(recipient string) ([]byte, error) {
	if c.noSealed {
		return nil, errors.New("sealed sender unavailable")
	}
	return []byte("sealed:" + recipient), nil
}

func (c *fakeCrypto) HasSession(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return peer == selfID || c.sessions[peer]
}

func (c *fakeCrypto) DropSession(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, peer)
	c.dropped = append(c.dropped, peer)
}

func (c *fakeCrypto) PendingReply(peer string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, ok := c.pending[peer]
	delete(c.pending, peer)
	return reply, ok
}

func (c *fakeCrypto) DeriveAccessKey(profileKey []byte) ([]byte, error) {
	key := append([]byte("ak:"), profileKey...)
	return key, nil
}

func (c *fakeCrypto) setSession(peer string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[peer] = ok
}

// fakeClock runs timer callbacks synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward by d, firing due timers in deadline order.
// Callbacks run without the clock lock held.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, timer := range c.timers {
			if timer.stopped || timer.fired || timer.when.After(target) {
				continue
			}
			if next == nil || timer.when.Before(next.when) {
				next = timer
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.when
		c.mu.Unlock()

		next.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}

// recordingSecurityLog collects security events.
type recordingSecurityLog struct {
	mu     sync.Mutex
	events []storage.SecurityEvent
}

func (l *recordingSecurityLog) LogSecurityEvent(event storage.SecurityEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *recordingSecurityLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, event := range l.events {
		out = append(out, event.EventType)
	}
	return out
}

type recordingFetcher struct {
	mu        sync.Mutex
	refreshed []string
}

func (f *recordingFetcher) RefreshIdentity(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, identity)
	return nil
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads int
	err     error
}

func (u *fakeUploader) Upload(ctx context.Context, attachment models.Attachment) (models.AttachmentPointer, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return models.AttachmentPointer{}, u.err
	}
	u.uploads++
	return models.AttachmentPointer{
		ID:          attachment.ID,
		ContentType: attachment.ContentType,
		FileName:    attachment.FileName,
		Size:        attachment.Size,
		URL:         "/attachments/" + attachment.ID,
		Digest:      "digest-" + attachment.ID,
		Key:         []byte("key"),
	}, nil
}

type harness struct {
	manager   *Manager
	store     *memStore
	transport *fakeTransport
	crypto    *fakeCrypto
	clock     *fakeClock
	security  *recordingSecurityLog
	fetcher   *recordingFetcher
	uploader  *fakeUploader
}

func newHarness(t *testing.T, configure ...func(*ManagerOptions)) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	h := &harness{
		store:     newMemStore(),
		transport: newFakeTransport(),
		crypto:    newFakeCrypto(),
		clock:     newFakeClock(),
		security:  &recordingSecurityLog{},
		fetcher:   &recordingFetcher{},
		uploader:  &fakeUploader{},
	}
	options := ManagerOptions{
		Self:             selfID,
		SelfDevice:       selfDevice,
		ProfileKey:       []byte("self-profile-key"),
		Store:            h.store,
		Transport:        h.transport,
		Crypto:           h.crypto,
		Uploader:         h.uploader,
		ProfileFetcher:   h.fetcher,
		SecurityLog:      h.security,
		Clock:            h.clock,
		JobTimeout:       5 * time.Second,
		ReadReceipts:     true,
		TypingIndicators: true,
		Log:              logrus.NewEntry(logger),
	}
	for _, fn := range configure {
		fn(&options)
	}

	manager, err := NewManager(options)
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	h.manager = manager
	return h
}

func (h *harness) conversation(t *testing.T, id string, kind models.ConversationKind) *models.Conversation {
	t.Helper()
	conv, err := h.manager.GetOrCreateConversation(context.Background(), id, kind)
	require.NoError(t, err)
	return conv
}

func (h *harness) reload(t *testing.T, id string) *models.Conversation {
	t.Helper()
	conv, err := h.store.GetConversation(id)
	require.NoError(t, err)
	return conv
}

func (h *harness) message(t *testing.T, id string) *models.Message {
	t.Helper()
	message, err := h.store.GetMessageByID(id)
	require.NoError(t, err)
	return message
}

// drain waits until every queued job on conversationID has run.
func (h *harness) drain(t *testing.T, conversationID string) {
	t.Helper()
	_, err := h.manager.Queue().Enqueue(conversationID, func(ctx context.Context) (any, error) {
		return nil, nil
	}).Wait(context.Background())
	require.NoError(t, err)
}

func incomingEnvelope(sender string, content models.Content) models.Envelope {
	body, err := models.EncodeContent(content)
	if err != nil {
		panic(err)
	}
	return models.Envelope{
		ID:           uuid.NewString(),
		Type:         models.EnvelopeSessionMessage,
		Source:       sender,
		SourceDevice: sender + "-device",
		Destination:  selfID,
		Timestamp:    1_700_000_000_000,
		Body:         body,
	}
}
