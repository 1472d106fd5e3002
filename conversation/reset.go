package conversation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gosession/models"
	"gosession/storage"
)

// EndSession starts a session reset with a private contact.
func (m *Manager) EndSession(ctx context.Context, conversationID string) error {
	_, err := m.run(ctx, conversationID, func(ctx context.Context) (any, error) {
		conv, err := m.loadConversation(conversationID)
		if err != nil {
			return nil, err
		}
		if !conv.IsPrivate() {
			return nil, &models.ValidationError{Field: "conversation_id", Reason: "session reset needs a private conversation"}
		}
		return nil, m.applyResetEvent(ctx, conv, ResetInitiate)
	})
	return err
}

// OnSessionResetReceived handles an END_SESSION message from identity.
func (m *Manager) OnSessionResetReceived(ctx context.Context, identity string) {
	m.applyInJob(ctx, identity, func(ctx context.Context) (any, error) {
		conv, err := m.getOrCreate(identity, models.KindPrivate)
		if err != nil {
			return nil, err
		}
		return nil, m.applyResetEvent(ctx, conv, ResetReceived)
	})
}

// OnNewSessionAdopted handles the crypto layer confirming a new session with identity.
func (m *Manager) OnNewSessionAdopted(ctx context.Context, identity string) {
	m.applyInJob(ctx, identity, func(ctx context.Context) (any, error) {
		conv, err := m.getOrCreate(identity, models.KindPrivate)
		if err != nil {
			return nil, err
		}
		return nil, m.applyResetEvent(ctx, conv, ResetSessionAdopted)
	})
}

// applyResetEvent runs the reset state machine and executes its intents in order.
func (m *Manager) applyResetEvent(ctx context.Context, conv *models.Conversation, event ResetEvent) error {
	if !conv.IsPrivate() {
		return nil
	}

	before := conv.SessionReset
	next, intents := Transition(conv.SessionReset, event)
	if next != before {
		conv.SessionReset = next
		if err := m.store.UpdateConversation(*conv); err != nil {
			return err
		}
		m.log.WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"event":           event,
			"from":            before,
			"to":              next,
		}).Info("session reset state changed")
		m.logSecurityEvent(
			storage.SecurityEventSessionReset,
			conv.ID,
			storage.SecuritySeverityInfo,
			fmt.Sprintf(`{"event":%q,"from":%q,"to":%q}`, event, before, next),
		)
		m.publishConversation(EventChange, conv)
	}

	var notice *models.Message
	for _, intent := range intents {
		switch intent := intent.(type) {
		case StoreResetMessage:
			stored, err := m.storeResetMessage(conv, intent)
			if err != nil {
				return err
			}
			notice = stored
		case DropSession:
			m.crypto.DropSession(conv.ID)
		case SendEndSession:
			if notice == nil {
				return fmt.Errorf("end session for %s without a reset notice", conv.ID)
			}
			if err := m.dispatch(ctx, conv, notice, []string{conv.ID}); err != nil {
				return err
			}
			if notice.HasErrors() {
				return m.applyResetEvent(ctx, conv, ResetDispatchFailed)
			}
		case SendSessionEstablished:
			m.sendSessionEstablished(ctx, conv)
		}
	}
	return nil
}

func (m *Manager) storeResetMessage(conv *models.Conversation, intent StoreResetMessage) (*models.Message, error) {
	now := m.now()
	notice := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      intent.Direction,
		Destination:    conv.ID,
		SentAt:         now,
		ReceivedAt:     now,
		EndSession:     intent.Type,
	}
	if intent.Direction == models.DirectionOutgoing {
		notice.Source = m.self
		notice.SourceDevice = m.selfDevice
		notice.Recipients = []string{conv.ID}
	} else {
		notice.Source = conv.ID
	}

	if _, err := m.store.SaveMessage(*notice); err != nil {
		return nil, err
	}
	m.publishMessage(EventNewMessage, notice)
	if err := m.updateLastMessage(conv); err != nil {
		return nil, err
	}
	return notice, nil
}

// sendSessionEstablished answers the peer's handshake if a reply is owed,
// and otherwise sends an empty control message over the current session.
func (m *Manager) sendSessionEstablished(ctx context.Context, conv *models.Conversation) {
	logger := m.log.WithField("conversation_id", conv.ID)

	if reply, ok := m.crypto.PendingReply(conv.ID); ok {
		env := models.Envelope{
			ID:           newEnvelopeID(),
			Type:         models.EnvelopeHandshakeReply,
			Source:       m.self,
			SourceDevice: m.selfDevice,
			Destination:  conv.ID,
			Timestamp:    m.now(),
			Body:         reply,
		}
		if _, err := m.transport.SendToDevice(ctx, conv.ID, env); err != nil {
			logger.WithError(err).Warn("handshake reply not delivered")
		}
		return
	}

	env, err := m.buildEnvelope(conv, conv.ID, models.Content{Kind: models.ContentSessionEstablished}, m.now())
	if err != nil {
		logger.WithError(err).Warn("session established not built")
		return
	}
	if _, err := m.transport.SendToDevice(ctx, conv.ID, env); err != nil {
		logger.WithError(err).Warn("session established not delivered")
	}
}

// sendPendingReply sends an owed handshake reply outside of a reset.
func (m *Manager) sendPendingReply(ctx context.Context, peer string) {
	reply, ok := m.crypto.PendingReply(peer)
	if !ok {
		return
	}
	env := models.Envelope{
		ID:           newEnvelopeID(),
		Type:         models.EnvelopeHandshakeReply,
		Source:       m.self,
		SourceDevice: m.selfDevice,
		Destination:  peer,
		Timestamp:    m.now(),
		Body:         reply,
	}
	if _, err := m.transport.SendToDevice(ctx, peer, env); err != nil {
		m.log.WithError(err).WithField("recipient", peer).Warn("handshake reply not delivered")
	}
}
