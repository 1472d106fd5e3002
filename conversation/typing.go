package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gosession/models"
)

const (
	TypingRefreshInterval = 10 * time.Second
	TypingPauseInterval   = 3 * time.Second
	TypingRemoteTimeout   = 15 * time.Second
)

type outgoingTyping struct {
	refresh Timer
	pause   Timer
}

type remoteTypist struct {
	sender string
	device string
	timer  Timer
}

// typingRegistry holds the transient typing state of every conversation.
type typingRegistry struct {
	mu       sync.Mutex
	outgoing map[string]*outgoingTyping
	incoming map[string]map[string]*remoteTypist
}

func newTypingRegistry() *typingRegistry {
	return &typingRegistry{
		outgoing: make(map[string]*outgoingTyping),
		incoming: make(map[string]map[string]*remoteTypist),
	}
}

// stopAll cancels every pending typing timer.
func (r *typingRegistry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, state := range r.outgoing {
		r.stopOutgoing(id, state)
	}
	for id, typists := range r.incoming {
		for _, typist := range typists {
			typist.timer.Stop()
		}
		delete(r.incoming, id)
	}
}

// stopOutgoing cancels both timers of state. r.mu must be held.
func (r *typingRegistry) stopOutgoing(conversationID string, state *outgoingTyping) {
	if state.refresh != nil {
		state.refresh.Stop()
	}
	if state.pause != nil {
		state.pause.Stop()
	}
	delete(r.outgoing, conversationID)
}

// BumpTyping records a local keystroke in conversationID.
func (m *Manager) BumpTyping(ctx context.Context, conversationID string) error {
	conv, err := m.store.GetConversation(conversationID)
	if err != nil {
		return conversationLookupError(conversationID, err)
	}
	if !m.typingAllowed(conv) {
		return nil
	}

	m.typing.mu.Lock()
	state, ok := m.typing.outgoing[conversationID]
	if !ok {
		state = &outgoingTyping{}
		m.typing.outgoing[conversationID] = state
	}
	startRefresh := state.refresh == nil
	if startRefresh {
		state.refresh = m.armTypingRefresh(conversationID)
	}
	if state.pause != nil {
		state.pause.Stop()
	}
	state.pause = m.armTypingPause(conversationID)
	m.typing.mu.Unlock()

	if startRefresh {
		m.sendTyping(ctx, conv, true)
	}
	return nil
}

// The arm helpers must be called with m.typing.mu held. A callback whose
// timer was replaced or stopped while it waited for the lock does nothing.
func (m *Manager) armTypingRefresh(conversationID string) Timer {
	armed := new(Timer)
	*armed = m.clock.AfterFunc(TypingRefreshInterval, func() { m.onTypingRefresh(conversationID, armed) })
	return *armed
}

func (m *Manager) armTypingPause(conversationID string) Timer {
	armed := new(Timer)
	*armed = m.clock.AfterFunc(TypingPauseInterval, func() { m.onTypingPause(conversationID, armed) })
	return *armed
}

func (m *Manager) onTypingRefresh(conversationID string, armed *Timer) {
	m.typing.mu.Lock()
	state, ok := m.typing.outgoing[conversationID]
	if !ok || state.refresh == nil || state.refresh != *armed {
		m.typing.mu.Unlock()
		return
	}
	state.refresh = m.armTypingRefresh(conversationID)
	m.typing.mu.Unlock()

	if conv, err := m.store.GetConversation(conversationID); err == nil {
		m.sendTyping(m.ctx, conv, true)
	}
}

func (m *Manager) onTypingPause(conversationID string, armed *Timer) {
	m.typing.mu.Lock()
	state, ok := m.typing.outgoing[conversationID]
	current := ok && state.pause != nil && state.pause == *armed
	if current {
		m.typing.stopOutgoing(conversationID, state)
	}
	m.typing.mu.Unlock()

	if !current {
		return
	}
	if conv, err := m.store.GetConversation(conversationID); err == nil {
		m.sendTyping(m.ctx, conv, false)
	}
}

// clearOutgoingTyping stops both timers and reports whether any were running.
func (m *Manager) clearOutgoingTyping(conversationID string) bool {
	m.typing.mu.Lock()
	defer m.typing.mu.Unlock()

	state, ok := m.typing.outgoing[conversationID]
	if !ok {
		return false
	}
	m.typing.stopOutgoing(conversationID, state)
	return true
}

func (m *Manager) typingAllowed(conv *models.Conversation) bool {
	switch {
	case !m.TypingIndicatorsEnabled():
		return false
	case conv.IsPublic(), conv.ID == m.self, conv.Blocked, conv.Left:
		return false
	case conv.IsPrivate():
		return m.crypto.HasSession(conv.ID)
	default:
		return true
	}
}

func (m *Manager) sendTyping(ctx context.Context, conv *models.Conversation, started bool) {
	now := m.now()
	content := models.Content{
		Kind:   models.ContentTyping,
		Typing: &models.TypingMessage{Started: started, Timestamp: now},
	}
	if conv.IsClosedGroup() {
		content.Typing.GroupID = conv.ID
	}

	logger := m.log.WithFields(logrus.Fields{"conversation_id": conv.ID, "started": started})
	if conv.IsPrivate() {
		env, err := m.buildEnvelope(conv, conv.ID, content, now)
		if err != nil {
			logger.WithError(err).Debug("typing envelope not built")
			return
		}
		if _, err := m.transport.SendToDevice(ctx, conv.ID, env); err != nil {
			logger.WithError(err).Debug("typing send failed")
		}
		return
	}

	envs := make([]models.Envelope, 0, len(conv.Members))
	for _, member := range conv.Recipients(m.self) {
		env, err := m.buildEnvelope(conv, member, content, now)
		if err != nil {
			continue
		}
		envs = append(envs, env)
	}
	for _, outcome := range m.transport.SendToGroup(ctx, envs) {
		if outcome.Err != nil {
			logger.WithError(outcome.Err).WithField("recipient", outcome.Destination).Debug("typing send failed")
		}
	}
}

// NotifyTyping applies a remote typing signal from sender's device.
func (m *Manager) NotifyTyping(conversationID, sender, device string, isTyping bool) {
	if sender == m.self {
		return
	}
	conv, err := m.store.GetConversation(conversationID)
	if err != nil {
		return
	}
	if conv.IsClosedGroup() && !conv.IsMember(sender) {
		m.log.WithFields(logrus.Fields{"conversation_id": conversationID, "sender": sender}).
			Warn("typing from non-member ignored")
		return
	}

	key := sender + "." + device
	m.typing.mu.Lock()
	typists := m.typing.incoming[conversationID]
	existing, wasTyping := typists[key]
	if wasTyping {
		existing.timer.Stop()
	}
	if isTyping {
		if typists == nil {
			typists = make(map[string]*remoteTypist)
			m.typing.incoming[conversationID] = typists
		}
		typist := &remoteTypist{sender: sender, device: device}
		typist.timer = m.clock.AfterFunc(TypingRemoteTimeout, func() {
			m.expireRemoteTyping(conversationID, key, typist)
		})
		typists[key] = typist
	} else if wasTyping {
		delete(typists, key)
	}
	m.typing.mu.Unlock()

	if wasTyping != isTyping {
		m.publishTyping(conv, sender, device, isTyping)
	}
}

func (m *Manager) expireRemoteTyping(conversationID, key string, typist *remoteTypist) {
	m.typing.mu.Lock()
	current, ok := m.typing.incoming[conversationID][key]
	if !ok || current != typist {
		m.typing.mu.Unlock()
		return
	}
	delete(m.typing.incoming[conversationID], key)
	m.typing.mu.Unlock()

	if conv, err := m.store.GetConversation(conversationID); err == nil {
		m.publishTyping(conv, typist.sender, typist.device, false)
	}
}

// clearRemoteTyping drops the typing state of one sender device, as when its message arrives.
func (m *Manager) clearRemoteTyping(conv *models.Conversation, sender, device string) {
	key := sender + "." + device
	m.typing.mu.Lock()
	typist, ok := m.typing.incoming[conv.ID][key]
	if ok {
		typist.timer.Stop()
		delete(m.typing.incoming[conv.ID], key)
	}
	m.typing.mu.Unlock()

	if ok {
		m.publishTyping(conv, sender, device, false)
	}
}

// Typists lists the sender devices currently typing in conversationID.
func (m *Manager) Typists(conversationID string) []TypingUpdate {
	m.typing.mu.Lock()
	defer m.typing.mu.Unlock()

	out := make([]TypingUpdate, 0, len(m.typing.incoming[conversationID]))
	for _, typist := range m.typing.incoming[conversationID] {
		out = append(out, TypingUpdate{Sender: typist.sender, Device: typist.device, IsTyping: true})
	}
	return out
}

func (m *Manager) publishTyping(conv *models.Conversation, sender, device string, isTyping bool) {
	update := &TypingUpdate{Sender: sender, Device: device, IsTyping: isTyping}
	m.bus.Publish(Event{Kind: EventTypingUpdate, ConversationID: conv.ID, Typing: update})
	m.bus.Publish(Event{Kind: EventChange, ConversationID: conv.ID, Conversation: conv.Clone()})
}

func newEnvelopeID() string {
	return uuid.NewString()
}
