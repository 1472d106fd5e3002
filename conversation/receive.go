package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gosession/models"
	"gosession/storage"
)

// HandleEnvelope ingests one envelope delivered by the transport. The
// transport has already opened any sealed sender, so Source is set.
func (m *Manager) HandleEnvelope(ctx context.Context, env models.Envelope) error {
	if env.Source == "" {
		return &models.ValidationError{Field: "source", Reason: "envelope without sender"}
	}
	logger := m.log.WithFields(logrus.Fields{
		"envelope_id": env.ID,
		"sender":      env.Source,
		"device_id":   env.SourceDevice,
		"type":        env.Type,
	})

	plaintext := env.Body
	var info models.DecryptInfo
	if env.Type != models.EnvelopeOpenGroup {
		var err error
		plaintext, info, err = m.crypto.Decrypt(env.Source, env.Type, env.Body)
		if err != nil {
			m.logSecurityEvent(
				storage.SecurityEventDecryptFailed,
				env.Source,
				storage.SecuritySeverityWarning,
				fmt.Sprintf(`{"envelope_id":%q,"type":%q}`, env.ID, env.Type),
			)
			return &models.EncryptionError{Recipient: env.Source, Err: err}
		}
	}

	content, err := models.DecodeContent(plaintext)
	if err != nil {
		logger.WithError(err).Warn("undecodable content dropped")
		return err
	}
	logger.WithField("kind", content.Kind).Debug("envelope received")

	// An END_SESSION request is answered by the reset handshake itself.
	if info.HandshakeReply && !(content.Kind == models.ContentData && content.Data.IsEndSession()) {
		m.sendPendingReply(ctx, env.Source)
	}
	if info.SessionAdopted {
		m.OnNewSessionAdopted(ctx, env.Source)
	}

	switch content.Kind {
	case models.ContentData:
		return m.receiveData(ctx, env, content.Data)
	case models.ContentSync:
		return m.receiveSync(ctx, env, content.Sync)
	case models.ContentReceipt:
		return m.HandleReceipt(ctx, env.Source, content.Receipt.Kind, content.Receipt.Timestamps)
	case models.ContentTyping:
		conversationID := env.Source
		if content.Typing.GroupID != "" {
			conversationID = content.Typing.GroupID
		}
		m.NotifyTyping(conversationID, env.Source, env.SourceDevice, content.Typing.Started)
	}
	return nil
}

func (m *Manager) receiveData(ctx context.Context, env models.Envelope, data *models.DataMessage) error {
	conversationID, kind := env.Source, models.KindPrivate
	switch {
	case env.Type == models.EnvelopeOpenGroup:
		conversationID, kind = env.GroupID, models.KindOpenGroup
	case data.GroupID != "":
		conversationID, kind = data.GroupID, models.KindClosedGroup
	}
	if conversationID == "" {
		return &models.ValidationError{Field: "group_id", Reason: "open group post without group"}
	}

	_, err := m.run(ctx, conversationID, func(ctx context.Context) (any, error) {
		return nil, m.ingestData(ctx, conversationID, kind, env, data)
	})
	return err
}

func (m *Manager) ingestData(ctx context.Context, conversationID string, kind models.ConversationKind, env models.Envelope, data *models.DataMessage) error {
	sender := env.Source
	logger := m.log.WithFields(logrus.Fields{"conversation_id": conversationID, "sender": sender})

	conv, err := m.getOrCreate(conversationID, kind)
	if err != nil {
		return err
	}
	if conv.IsClosedGroup() && len(conv.Members) == 0 {
		conv.Members = []string{m.self, sender}
		if err := m.store.UpdateConversation(*conv); err != nil {
			return err
		}
	}
	switch {
	case conv.Kind != kind:
		logger.WithField("kind", kind).Warn("message addressed to a conversation of another kind dropped")
		return nil
	case conv.IsClosedGroup() && !conv.IsMember(sender):
		logger.Warn("group message from non-member dropped")
		return nil
	case conv.Blocked:
		logger.Debug("message from blocked conversation dropped")
		return nil
	}

	m.clearRemoteTyping(conv, sender, env.SourceDevice)

	if data.IsEndSession() {
		if !conv.IsPrivate() {
			return nil
		}
		return m.applyResetEvent(ctx, conv, ResetReceived)
	}

	sentAt := data.Timestamp
	if sentAt == 0 {
		sentAt = env.Timestamp
	}

	existing, err := m.store.FindMessageBySender(conv.ID, sender, sentAt)
	switch {
	case err == nil:
		if mergeIncoming(existing, data) {
			if _, err := m.store.SaveMessage(*existing); err != nil {
				return err
			}
			m.publishMessage(EventMessageChanged, existing)
		}
		logger.WithField("message_id", existing.ID).Debug("duplicate message merged")
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	now := m.now()
	message := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      models.DirectionIncoming,
		Source:         sender,
		SourceDevice:   env.SourceDevice,
		Destination:    m.self,
		Body:           data.Body,
		Attachments:    attachmentsFromPointers(data.Attachments),
		Quote:          data.Quote,
		Previews:       data.Previews,
		ExpireTimer:    data.ExpireTimer,
		SentAt:         sentAt,
		ReceivedAt:     now,
		Unread:         true,
	}
	if _, err := m.store.SaveMessage(*message); err != nil {
		return err
	}

	if !conv.IsPublic() && data.ExpireTimer != conv.ExpireTimer {
		conv.ExpireTimer = data.ExpireTimer
	}
	conv.ActiveAt = now
	conv.Archived = false
	if err := m.refreshUnreadCount(conv); err != nil {
		return err
	}
	if err := m.updateLastMessage(conv); err != nil {
		return err
	}
	m.publishMessage(EventNewMessage, message)
	logger.WithField("message_id", message.ID).Debug("message stored")

	if conv.IsPrivate() {
		m.sendReceipt(ctx, conv, sender, models.ReceiptDelivery, []int64{sentAt})
	}
	if len(data.ProfileKey) > 0 && !conv.IsPublic() {
		live := conv
		if !conv.IsPrivate() {
			live = nil
		}
		m.setProfileKey(ctx, live, sender, data.ProfileKey)
	}
	return nil
}

// mergeIncoming fills in what an earlier copy of the same message lacked.
func mergeIncoming(existing *models.Message, data *models.DataMessage) bool {
	changed := false
	if existing.Body == "" && data.Body != "" {
		existing.Body = data.Body
		changed = true
	}
	if len(existing.Attachments) == 0 && len(data.Attachments) > 0 {
		existing.Attachments = attachmentsFromPointers(data.Attachments)
		changed = true
	}
	if existing.Quote == nil && data.Quote != nil {
		existing.Quote = data.Quote
		changed = true
	}
	if len(existing.Previews) == 0 && len(data.Previews) > 0 {
		existing.Previews = data.Previews
		changed = true
	}
	return changed
}

func attachmentsFromPointers(pointers []models.AttachmentPointer) []models.Attachment {
	if len(pointers) == 0 {
		return nil
	}
	out := make([]models.Attachment, 0, len(pointers))
	for i := range pointers {
		pointer := pointers[i]
		out = append(out, models.Attachment{
			ID:          pointer.ID,
			ContentType: pointer.ContentType,
			FileName:    pointer.FileName,
			Size:        pointer.Size,
			Pointer:     &pointer,
		})
	}
	return out
}

// receiveSync records a message one of our other devices sent.
func (m *Manager) receiveSync(ctx context.Context, env models.Envelope, sync *models.SyncMessage) error {
	if env.Source != m.self {
		m.log.WithField("sender", env.Source).Warn("sync message from another identity dropped")
		return &models.ValidationError{Field: "source", Reason: "sync from another identity"}
	}

	conversationID, kind := sync.Destination, models.KindPrivate
	if sync.Data.GroupID != "" {
		conversationID, kind = sync.Data.GroupID, models.KindClosedGroup
	}
	if conversationID == "" {
		return &models.ValidationError{Field: "destination", Reason: "required"}
	}

	_, err := m.run(ctx, conversationID, func(ctx context.Context) (any, error) {
		return nil, m.ingestSync(conversationID, kind, env, sync)
	})
	return err
}

func (m *Manager) ingestSync(conversationID string, kind models.ConversationKind, env models.Envelope, sync *models.SyncMessage) error {
	conv, err := m.getOrCreate(conversationID, kind)
	if err != nil {
		return err
	}
	data := sync.Data
	sentAt := sync.Timestamp
	if sentAt == 0 {
		sentAt = data.Timestamp
	}

	message, err := m.store.FindMessageBySender(conv.ID, m.self, sentAt)
	switch {
	case err == nil:
		mergeIncoming(message, data)
	case errors.Is(err, storage.ErrNotFound):
		now := m.now()
		recipients := conv.Recipients(m.self)
		message = &models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Direction:      models.DirectionOutgoing,
			Source:         m.self,
			SourceDevice:   env.SourceDevice,
			Destination:    conv.ID,
			Body:           data.Body,
			Attachments:    attachmentsFromPointers(data.Attachments),
			Quote:          data.Quote,
			Previews:       data.Previews,
			ExpireTimer:    data.ExpireTimer,
			SentAt:         sentAt,
			ReceivedAt:     now,
			Recipients:     recipients,
			SentTo:         append([]string(nil), recipients...),
		}
	default:
		return err
	}

	message.Sync = models.SyncSynced
	if message.ExpirationStartTimestamp == 0 {
		message.ExpirationStartTimestamp = sync.ExpirationStartTimestamp
	}
	message.SetToExpire()
	if _, err := m.store.SaveMessage(*message); err != nil {
		return err
	}

	conv.ActiveAt = m.now()
	if err := m.updateLastMessage(conv); err != nil {
		return err
	}
	m.publishMessage(EventMessageChanged, message)
	m.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"message_id":      message.ID,
	}).Debug("sync transcript stored")
	return nil
}
