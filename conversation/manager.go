package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gosession/models"
	"gosession/storage"
)

// DefaultExpirySweepInterval is how often disappearing messages are collected.
const DefaultExpirySweepInterval = 30 * time.Second

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Self is our identity id; SelfDevice our device id.
	Self       string
	SelfDevice string
	ProfileKey []byte

	Store          Store
	Transport      Transport
	Crypto         Crypto
	Uploader       Uploader
	ProfileFetcher ProfileFetcher
	SecurityLog    SecurityLog

	Clock               Clock
	JobTimeout          time.Duration
	ExpirySweepInterval time.Duration

	ReadReceipts     bool
	TypingIndicators bool

	Log *logrus.Entry
}

// Manager owns conversation state: the job queue, typing timers, settings
// and the event bus. All mutations of a conversation and its messages run
// as jobs on that conversation's queue.
type Manager struct {
	self       string
	selfDevice string
	profileKey []byte

	store          Store
	transport      Transport
	crypto         Crypto
	uploader       Uploader
	profileFetcher ProfileFetcher
	securityLog    SecurityLog

	clock         Clock
	sweepInterval time.Duration
	log           *logrus.Entry

	queue  *JobQueue
	bus    *EventBus
	typing *typingRegistry

	settingsMu       sync.RWMutex
	readReceipts     bool
	typingIndicators bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewManager validates options and returns a Manager. Call Start to run
// background sweeps and Close to stop.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Self == "" {
		return nil, errors.New("self identity is required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if options.Crypto == nil {
		return nil, errors.New("crypto is required")
	}
	if options.Clock == nil {
		options.Clock = RealClock()
	}
	if options.ExpirySweepInterval <= 0 {
		options.ExpirySweepInterval = DefaultExpirySweepInterval
	}
	if options.Log == nil {
		options.Log = logrus.WithField("component", "conversation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:             options.Self,
		selfDevice:       options.SelfDevice,
		profileKey:       options.ProfileKey,
		store:            options.Store,
		transport:        options.Transport,
		crypto:           options.Crypto,
		uploader:         options.Uploader,
		profileFetcher:   options.ProfileFetcher,
		securityLog:      options.SecurityLog,
		clock:            options.Clock,
		sweepInterval:    options.ExpirySweepInterval,
		log:              options.Log,
		queue:            NewJobQueue(ctx, options.JobTimeout, options.Log.WithField("component", "jobqueue")),
		bus:              NewEventBus(options.Log.WithField("component", "events")),
		typing:           newTypingRegistry(),
		readReceipts:     options.ReadReceipts,
		typingIndicators: options.TypingIndicators,
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// Start launches the expiry sweeper.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.expiryLoop()
	})
}

// Close drains queued jobs and stops background work.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.typing.stopAll()
		m.queue.Close()
		m.cancel()
		m.wg.Wait()
	})
}

// Self returns our identity id.
func (m *Manager) Self() string { return m.self }

// Events returns the bus notifications are published on.
func (m *Manager) Events() *EventBus { return m.bus }

// Queue returns the per-conversation job queue.
func (m *Manager) Queue() *JobQueue { return m.queue }

// ReadReceiptsEnabled reports the read receipt setting.
func (m *Manager) ReadReceiptsEnabled() bool {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.readReceipts
}

// SetReadReceipts toggles sending read receipts and showing the read status.
func (m *Manager) SetReadReceipts(enabled bool) {
	m.settingsMu.Lock()
	m.readReceipts = enabled
	m.settingsMu.Unlock()
}

// TypingIndicatorsEnabled reports the typing indicator setting.
func (m *Manager) TypingIndicatorsEnabled() bool {
	m.settingsMu.RLock()
	defer m.settingsMu.RUnlock()
	return m.typingIndicators
}

// SetTypingIndicators toggles sending typing signals.
func (m *Manager) SetTypingIndicators(enabled bool) {
	m.settingsMu.Lock()
	m.typingIndicators = enabled
	m.settingsMu.Unlock()
}

// Status derives the displayed status of message under the current settings.
func (m *Manager) Status(message *models.Message) models.MessageStatus {
	return DeriveStatus(message, m.ReadReceiptsEnabled())
}

func (m *Manager) now() int64 {
	return m.clock.Now().UnixMilli()
}

// run enqueues task on conversationID and waits for its result.
func (m *Manager) run(ctx context.Context, conversationID string, task Task) (any, error) {
	return m.queue.Enqueue(conversationID, task).Wait(ctx)
}

// GetOrCreateConversation returns the conversation, creating it with kind if missing.
func (m *Manager) GetOrCreateConversation(ctx context.Context, id string, kind models.ConversationKind) (*models.Conversation, error) {
	if id == "" {
		return nil, &models.ValidationError{Field: "conversation_id", Reason: "required"}
	}
	value, err := m.run(ctx, id, func(ctx context.Context) (any, error) {
		return m.getOrCreate(id, kind)
	})
	if err != nil {
		return nil, err
	}
	return value.(*models.Conversation), nil
}

func (m *Manager) getOrCreate(id string, kind models.ConversationKind) (*models.Conversation, error) {
	conv, err := m.store.GetConversation(id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	created := models.NewConversation(id, kind)
	created.ActiveAt = m.now()
	if err := m.store.SaveConversation(created); err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"conversation_id": id, "kind": kind}).Info("conversation created")
	return &created, nil
}

// CreateClosedGroup creates a closed group with members. Our own identity is always a member.
func (m *Manager) CreateClosedGroup(ctx context.Context, groupID, name string, members []string) (*models.Conversation, error) {
	if groupID == "" {
		return nil, &models.ValidationError{Field: "group_id", Reason: "required"}
	}
	value, err := m.run(ctx, groupID, func(ctx context.Context) (any, error) {
		conv, err := m.getOrCreate(groupID, models.KindClosedGroup)
		if err != nil {
			return nil, err
		}
		conv.Name = name
		conv.Members, _ = models.Union(conv.Members, append([]string{m.self}, members...)...)
		conv.Left = false
		if err := m.store.UpdateConversation(*conv); err != nil {
			return nil, err
		}
		m.publishConversation(EventChange, conv)
		return conv, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*models.Conversation), nil
}

// JoinOpenGroup creates an open group conversation hosted at server.
func (m *Manager) JoinOpenGroup(ctx context.Context, id, server string, channel int64) (*models.Conversation, error) {
	if id == "" || server == "" {
		return nil, &models.ValidationError{Field: "open_group", Reason: "id and server are required"}
	}
	value, err := m.run(ctx, id, func(ctx context.Context) (any, error) {
		conv, err := m.getOrCreate(id, models.KindOpenGroup)
		if err != nil {
			return nil, err
		}
		conv.OpenGroupServer = server
		conv.OpenGroupChannel = channel
		conv.Left = false
		if err := m.store.UpdateConversation(*conv); err != nil {
			return nil, err
		}
		m.publishConversation(EventChange, conv)
		return conv, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*models.Conversation), nil
}

// Conversation loads one conversation.
func (m *Manager) Conversation(id string) (*models.Conversation, error) {
	conv, err := m.store.GetConversation(id)
	if err != nil {
		return nil, conversationLookupError(id, err)
	}
	return conv, nil
}

// Conversations lists all conversations, most recently active first.
func (m *Manager) Conversations() ([]models.Conversation, error) {
	return m.store.ListConversations()
}

// Messages returns the newest limit messages of a conversation.
func (m *Manager) Messages(conversationID string, limit int) ([]models.Message, error) {
	return m.store.GetMessagesByConversation(conversationID, limit)
}

// LeaveGroup marks a group conversation as left. History is kept.
func (m *Manager) LeaveGroup(ctx context.Context, conversationID string) error {
	_, err := m.run(ctx, conversationID, func(ctx context.Context) (any, error) {
		conv, err := m.loadConversation(conversationID)
		if err != nil {
			return nil, err
		}
		if conv.IsPrivate() {
			return nil, &models.ValidationError{Field: "conversation_id", Reason: "not a group"}
		}
		conv.Left = true
		m.clearOutgoingTyping(conversationID)
		if err := m.store.UpdateConversation(*conv); err != nil {
			return nil, err
		}
		m.publishConversation(EventChange, conv)
		return nil, nil
	})
	return err
}

// SetBlocked blocks or unblocks a conversation.
func (m *Manager) SetBlocked(ctx context.Context, conversationID string, blocked bool) error {
	_, err := m.run(ctx, conversationID, func(ctx context.Context) (any, error) {
		conv, err := m.loadConversation(conversationID)
		if err != nil {
			return nil, err
		}
		conv.Blocked = blocked
		if err := m.store.UpdateConversation(*conv); err != nil {
			return nil, err
		}
		m.publishConversation(EventChange, conv)
		return nil, nil
	})
	return err
}

// SetExpireTimer sets the disappearing message timer, in seconds, for future messages.
func (m *Manager) SetExpireTimer(ctx context.Context, conversationID string, seconds int64) error {
	if seconds < 0 {
		return &models.ValidationError{Field: "expire_timer", Reason: "must not be negative"}
	}
	_, err := m.run(ctx, conversationID, func(ctx context.Context) (any, error) {
		conv, err := m.loadConversation(conversationID)
		if err != nil {
			return nil, err
		}
		conv.ExpireTimer = seconds
		if err := m.store.UpdateConversation(*conv); err != nil {
			return nil, err
		}
		m.publishConversation(EventChange, conv)
		return nil, nil
	})
	return err
}

// DeleteConversation removes a conversation and all of its messages.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := m.run(ctx, conversationID, func(ctx context.Context) (any, error) {
		if _, err := m.loadConversation(conversationID); err != nil {
			return nil, err
		}
		m.clearOutgoingTyping(conversationID)
		if err := m.store.RemoveAllMessagesInConversation(conversationID); err != nil {
			return nil, err
		}
		if err := m.store.RemoveConversation(conversationID); err != nil {
			return nil, err
		}
		m.bus.Publish(Event{Kind: EventConversationRemoved, ConversationID: conversationID})
		return nil, nil
	})
	return err
}

// MarkRead marks incoming messages received at or before newestUnreadAt as
// read. Local state always updates; read receipts go out only when enabled.
func (m *Manager) MarkRead(ctx context.Context, conversationID string, newestUnreadAt int64) error {
	_, err := m.run(ctx, conversationID, func(ctx context.Context) (any, error) {
		conv, err := m.loadConversation(conversationID)
		if err != nil {
			return nil, err
		}
		unread, err := m.store.GetUnreadByConversation(conversationID)
		if err != nil {
			return nil, err
		}

		now := m.now()
		receipts := make(map[string][]int64)
		for i := range unread {
			message := &unread[i]
			if message.ReceivedAt > newestUnreadAt {
				continue
			}
			message.Unread = false
			if message.ExpirationStartTimestamp == 0 {
				message.ExpirationStartTimestamp = now
			}
			message.SetToExpire()
			if _, err := m.store.SaveMessage(*message); err != nil {
				return nil, err
			}
			m.publishMessage(EventMessageChanged, message)
			if message.Source != "" && !message.HasErrors() {
				receipts[message.Source] = append(receipts[message.Source], message.SentAt)
			}
		}

		if err := m.refreshUnreadCount(conv); err != nil {
			return nil, err
		}
		if err := m.store.UpdateConversation(*conv); err != nil {
			return nil, err
		}
		m.publishConversation(EventChange, conv)

		if m.ReadReceiptsEnabled() && conv.IsPrivate() && m.crypto.HasSession(conv.ID) {
			for sender, timestamps := range receipts {
				m.sendReceipt(ctx, conv, sender, models.ReceiptRead, timestamps)
			}
		}
		return nil, nil
	})
	return err
}

func (m *Manager) refreshUnreadCount(conv *models.Conversation) error {
	unread, err := m.store.GetUnreadByConversation(conv.ID)
	if err != nil {
		return err
	}
	conv.UnreadCount = len(unread)
	return nil
}

// updateLastMessage recomputes the conversation summary from its newest message.
func (m *Manager) updateLastMessage(conv *models.Conversation) error {
	latest, err := m.store.GetMessagesByConversation(conv.ID, 1)
	if err != nil {
		return err
	}

	if len(latest) == 0 {
		conv.LastMessage = ""
		conv.LastMessageStatus = models.StatusNone
	} else {
		conv.LastMessage = latest[0].NotificationText()
		conv.LastMessageStatus = m.Status(&latest[0])
		if latest[0].SentAt > conv.Timestamp {
			conv.Timestamp = latest[0].SentAt
		}
	}
	if err := m.store.UpdateConversation(*conv); err != nil {
		return err
	}
	m.publishConversation(EventChange, conv)
	return nil
}

func (m *Manager) refreshLastMessage(conversationID string) {
	conv, err := m.store.GetConversation(conversationID)
	if err != nil {
		return
	}
	if err := m.updateLastMessage(conv); err != nil {
		m.log.WithError(err).WithField("conversation_id", conversationID).Warn("update last message failed")
	}
}

func (m *Manager) loadConversation(id string) (*models.Conversation, error) {
	conv, err := m.store.GetConversation(id)
	if err != nil {
		return nil, conversationLookupError(id, err)
	}
	return conv, nil
}

func conversationLookupError(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &models.ValidationError{Field: "conversation_id", Reason: fmt.Sprintf("unknown conversation %q", id)}
	}
	return fmt.Errorf("load conversation %q: %w", id, err)
}

func (m *Manager) publishMessage(kind EventKind, message *models.Message) {
	m.bus.Publish(Event{Kind: kind, ConversationID: message.ConversationID, Message: message.Clone()})
}

func (m *Manager) publishConversation(kind EventKind, conv *models.Conversation) {
	m.bus.Publish(Event{Kind: kind, ConversationID: conv.ID, Conversation: conv.Clone()})
}

func (m *Manager) logSecurityEvent(eventType, identity, severity, details string) {
	if m.securityLog == nil {
		return
	}
	err := m.securityLog.LogSecurityEvent(storage.SecurityEvent{
		EventType:  eventType,
		IdentityID: &identity,
		Severity:   severity,
		Details:    details,
	})
	if err != nil {
		m.log.WithError(err).WithField("event_type", eventType).Warn("security event not recorded")
	}
}
