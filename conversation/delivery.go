package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"gosession/models"
	"gosession/storage"
)

type sendFailure struct {
	recipient string
	err       error
}

// handleSentSuccess applies one acknowledgement to message.
func (m *Manager) handleSentSuccess(ctx context.Context, conv *models.Conversation, message *models.Message, result models.SendResult) {
	isOurDevice := result.Destination == m.self
	decision := Decide(isOurDevice, conv.IsClosedGroup(), message.SyncStateOrNone())
	if conv.IsPublic() {
		// Every device pulls open group posts from the host.
		decision = SyncNothing
	}
	switch decision {
	case SyncTrigger:
		message.Sync = models.SyncRequested
	case SyncMarkSynced:
		message.Sync = models.SyncSynced
	}

	if !isOurDevice {
		message.SentTo, _ = models.Union(message.SentTo, result.Destination)
	}
	if result.ServerID != 0 {
		message.ServerID = result.ServerID
	}
	if message.ExpirationStartTimestamp == 0 {
		message.ExpirationStartTimestamp = m.now()
	}
	message.SetToExpire()

	logger := m.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"message_id":      message.ID,
		"recipient":       result.Destination,
		"device_id":       result.Device,
	})
	if _, err := m.store.SaveMessage(*message); err != nil {
		logger.WithError(err).Error("persist sent message failed")
		return
	}
	logger.WithField("sync", decision).Debug("message acknowledged")

	m.noteSendResult(ctx, conv, result)
	if err := m.updateLastMessage(conv); err != nil {
		logger.WithError(err).Warn("update last message failed")
	}
	m.publishMessage(EventSent, message)
	m.publishMessage(EventMessageChanged, message)

	if decision == SyncTrigger {
		m.sendSyncTranscript(ctx, conv, message)
	}
}

// handleSentFailure records failures on message. A failed sync to our own
// devices records no error; it only allows the sync to be tried again.
func (m *Manager) handleSentFailure(ctx context.Context, conv *models.Conversation, message *models.Message, failures ...sendFailure) {
	now := m.now()
	for _, failure := range failures {
		logger := m.log.WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"message_id":      message.ID,
			"recipient":       failure.recipient,
		})

		if failure.recipient == m.self {
			if message.SyncStateOrNone() != models.SyncSynced {
				message.Sync = models.SyncNone
			}
			logger.WithError(failure.err).Debug("sync to own devices failed")
			continue
		}

		message.Errors = recordError(message.Errors, models.NewMessageError(failure.err, failure.recipient, now))
		logger.WithError(failure.err).Warn("message send failed")

		var identityErr *models.IdentityKeyError
		if errors.As(failure.err, &identityErr) {
			m.onIdentityKeyChanged(ctx, failure.recipient)
		}
	}

	if message.ExpirationStartTimestamp == 0 {
		message.ExpirationStartTimestamp = now
	}
	message.SetToExpire()

	if _, err := m.store.SaveMessage(*message); err != nil {
		m.log.WithError(err).WithField("message_id", message.ID).Error("persist failed message failed")
		return
	}
	if err := m.updateLastMessage(conv); err != nil {
		m.log.WithError(err).WithField("conversation_id", conv.ID).Warn("update last message failed")
	}
	m.publishMessage(EventDone, message)
	m.publishMessage(EventMessageChanged, message)
}

// recordError keeps at most one error per recipient and kind; the newest wins.
func recordError(errs []models.MessageError, entry models.MessageError) []models.MessageError {
	errs = slices.DeleteFunc(errs, func(e models.MessageError) bool {
		return e.Recipient == entry.Recipient && e.Kind == entry.Kind
	})
	return append(errs, entry)
}

func (m *Manager) onIdentityKeyChanged(ctx context.Context, identity string) {
	m.logSecurityEvent(
		storage.SecurityEventIdentityKeyChanged,
		identity,
		storage.SecuritySeverityWarning,
		fmt.Sprintf(`{"identity":%q}`, identity),
	)
	if m.profileFetcher == nil {
		return
	}
	if err := m.profileFetcher.RefreshIdentity(ctx, identity); err != nil {
		m.log.WithError(err).WithField("recipient", identity).Warn("identity refresh failed")
	}
}

// HandleReceipt applies a delivery or read receipt from sender to our
// messages sent at the given timestamps.
func (m *Manager) HandleReceipt(ctx context.Context, sender string, kind models.ReceiptKind, timestamps []int64) error {
	if sender == "" {
		return &models.ValidationError{Field: "sender", Reason: "required"}
	}
	for _, sentAt := range timestamps {
		candidates, err := m.store.FindOutgoingBySentAt(sentAt)
		if err != nil {
			return err
		}
		for _, candidate := range candidates {
			if !models.Contains(candidate.Recipients, sender) && candidate.ConversationID != sender {
				continue
			}
			messageID := candidate.ID
			m.applyInJob(ctx, candidate.ConversationID, func(ctx context.Context) (any, error) {
				return nil, m.applyReceipt(messageID, sender, kind)
			})
		}
	}
	return nil
}

func (m *Manager) applyReceipt(messageID, sender string, kind models.ReceiptKind) error {
	message, err := m.store.GetMessageByID(messageID)
	if err != nil {
		return err
	}

	var grew bool
	switch kind {
	case models.ReceiptRead:
		message.ReadBy, grew = models.Union(message.ReadBy, sender)
	default:
		message.DeliveredTo, grew = models.Union(message.DeliveredTo, sender)
	}
	if !grew {
		return nil
	}
	if _, err := m.store.SaveMessage(*message); err != nil {
		return err
	}
	m.publishMessage(EventMessageChanged, message)
	m.refreshLastMessage(message.ConversationID)
	return nil
}

// applyInJob runs task on conversationID's queue. Inside that conversation's
// job it runs inline; inside another conversation's job it is queued without
// waiting, so jobs never block on each other.
func (m *Manager) applyInJob(ctx context.Context, conversationID string, task Task) {
	current, inJob := CurrentJob(ctx)
	var err error
	switch {
	case inJob && current == conversationID:
		_, err = task(ctx)
	case inJob:
		m.queue.Enqueue(conversationID, task)
	default:
		_, err = m.run(ctx, conversationID, task)
	}
	if err != nil {
		m.log.WithError(err).WithField("conversation_id", conversationID).Warn("conversation job failed")
	}
}

func (m *Manager) sendReceipt(ctx context.Context, conv *models.Conversation, recipient string, kind models.ReceiptKind, timestamps []int64) {
	content := models.Content{
		Kind:    models.ContentReceipt,
		Receipt: &models.ReceiptMessage{Kind: kind, Timestamps: timestamps},
	}
	logger := m.log.WithFields(logrus.Fields{"recipient": recipient, "kind": kind, "count": len(timestamps)})

	env, err := m.buildEnvelope(conv, recipient, content, m.now())
	if err != nil {
		logger.WithError(err).Warn("receipt not built")
		return
	}
	result, err := m.transport.SendToDevice(ctx, recipient, env)
	if err != nil {
		logger.WithError(err).Debug("receipt send failed")
		return
	}
	m.noteSendResult(ctx, conv, result)
}

func messageLookupError(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &models.ValidationError{Field: "message_id", Reason: fmt.Sprintf("unknown message %q", id)}
	}
	return fmt.Errorf("load message %q: %w", id, err)
}
