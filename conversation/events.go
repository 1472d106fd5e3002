package conversation

import (
	"sync"

	"github.com/sirupsen/logrus"

	"gosession/models"
)

// EventKind names a notification published on the bus.
type EventKind string

const (
	EventMessageChanged      EventKind = "messageChanged"
	EventTypingUpdate        EventKind = "typing-update"
	EventChange              EventKind = "change"
	EventSent                EventKind = "sent"
	EventDone                EventKind = "done"
	EventNewMessage          EventKind = "newmessage"
	EventMessageExpired      EventKind = "messageExpired"
	EventConversationRemoved EventKind = "conversationRemoved"
)

// Event is one notification for the command layer.
type Event struct {
	Kind           EventKind            `json:"kind"`
	ConversationID string               `json:"conversation_id"`
	Message        *models.Message      `json:"message,omitempty"`
	Conversation   *models.Conversation `json:"conversation,omitempty"`
	Typing         *TypingUpdate        `json:"typing,omitempty"`
}

// TypingUpdate describes a remote typing state change.
type TypingUpdate struct {
	Sender   string `json:"sender"`
	Device   string `json:"device"`
	IsTyping bool   `json:"is_typing"`
}

// EventBus fans events out to subscribers. Publishing never blocks; a
// subscriber whose buffer is full misses the event.
type EventBus struct {
	log *logrus.Entry

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewEventBus returns an empty bus.
func NewEventBus(log *logrus.Entry) *EventBus {
	if log == nil {
		log = logrus.WithField("component", "events")
	}
	return &EventBus{log: log, subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The returned func unsubscribes and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers event to every subscriber with room for it.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.log.WithFields(logrus.Fields{
				"subscriber": id,
				"event":      event.Kind,
			}).Warn("subscriber buffer full, dropping event")
		}
	}
}
