package conversation

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gosession/models"
)

const (
	// LongMessageLimit is the longest body sent inline, in characters.
	LongMessageLimit = 2048
	// LongTextContentType marks the attachment carrying a full long body.
	LongTextContentType = "text/x-gosession-long-text"
)

// Draft is what the user asked to send.
type Draft struct {
	Body               string              `json:"body"`
	Attachments        []models.Attachment `json:"attachments,omitempty"`
	Quote              *models.Quote       `json:"quote,omitempty"`
	Previews           []models.Preview    `json:"previews,omitempty"`
	SessionRestoration bool                `json:"session_restoration,omitempty"`
}

func (d Draft) empty() bool {
	return d.Body == "" && len(d.Attachments) == 0 && d.Quote == nil && len(d.Previews) == 0
}

// Send queues a message on the conversation and waits for the pipeline to
// finish with it. Delivery failures are recorded on the returned message,
// not returned as errors.
func (m *Manager) Send(ctx context.Context, conversationID string, draft Draft) (*models.Message, error) {
	value, err := m.QueueSend(conversationID, draft).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return value.(*models.Message), nil
}

// QueueSend admits a send job and returns its future.
func (m *Manager) QueueSend(conversationID string, draft Draft) *Future {
	if conversationID == "" || draft.empty() {
		future := newFuture()
		field := "conversation_id"
		if conversationID != "" {
			field = "draft"
		}
		future.resolve(nil, &models.ValidationError{Field: field, Reason: "required"})
		return future
	}
	return m.queue.Enqueue(conversationID, func(ctx context.Context) (any, error) {
		return m.sendInJob(ctx, conversationID, draft)
	})
}

func (m *Manager) sendInJob(ctx context.Context, conversationID string, draft Draft) (*models.Message, error) {
	conv, err := m.loadConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Left {
		return nil, &models.ValidationError{Field: "conversation_id", Reason: "left group"}
	}
	m.clearOutgoingTyping(conversationID)

	now := m.now()
	// Uploads fill in pointers on the message; the caller's draft stays untouched.
	message := (&models.Message{
		ID:                 uuid.NewString(),
		ConversationID:     conv.ID,
		Direction:          models.DirectionOutgoing,
		Source:             m.self,
		SourceDevice:       m.selfDevice,
		Destination:        conv.ID,
		Body:               draft.Body,
		Attachments:        draft.Attachments,
		Quote:              draft.Quote,
		Previews:           draft.Previews,
		ExpireTimer:        conv.ExpireTimer,
		SentAt:             now,
		ReceivedAt:         now,
		Recipients:         conv.Recipients(m.self),
		SessionRestoration: draft.SessionRestoration,
	}).Clone()
	convertLongBody(message)

	if _, err := m.store.SaveMessage(*message); err != nil {
		return nil, err
	}
	conv.ActiveAt = now
	conv.Timestamp = now
	conv.Archived = false
	conv.LastMessage = message.NotificationText()
	conv.LastMessageStatus = models.StatusSending
	if err := m.store.UpdateConversation(*conv); err != nil {
		return nil, err
	}
	m.publishMessage(EventNewMessage, message)
	m.publishConversation(EventChange, conv)

	m.log.WithFields(logrus.Fields{
		"conversation_id": conv.ID,
		"message_id":      message.ID,
		"recipients":      len(message.Recipients),
	}).Debug("sending message")

	if conv.IsClosedGroup() && len(message.Recipients) == 0 {
		return message, m.sendSyncOnly(ctx, conv, message)
	}
	if err := m.dispatch(ctx, conv, message, message.Recipients); err != nil {
		return nil, err
	}
	return message, nil
}

// convertLongBody truncates an oversized body and attaches the full text.
func convertLongBody(message *models.Message) {
	if utf8.RuneCountInString(message.Body) <= LongMessageLimit {
		return
	}
	full := message.Body
	runes := []rune(full)
	message.Body = string(runes[:LongMessageLimit])
	message.Attachments = append(message.Attachments, models.Attachment{
		ID:          uuid.NewString(),
		ContentType: LongTextContentType,
		FileName:    "message.txt",
		Size:        int64(len(full)),
		Data:        []byte(full),
	})
}

// RetrySend re-dispatches a message to intended recipients that have not acknowledged it.
func (m *Manager) RetrySend(ctx context.Context, messageID string) (*models.Message, error) {
	message, err := m.lookupMessage(messageID)
	if err != nil {
		return nil, err
	}
	value, err := m.run(ctx, message.ConversationID, func(ctx context.Context) (any, error) {
		message, err := m.lookupMessage(messageID)
		if err != nil {
			return nil, err
		}
		conv, err := m.loadConversation(message.ConversationID)
		if err != nil {
			return nil, err
		}

		message.Errors = nil
		intended := message.Recipients
		if len(intended) == 0 {
			intended = conv.Recipients(m.self)
		}
		recipients := models.Difference(models.Intersect(intended, conv.Recipients(m.self)), message.SentTo)

		switch {
		case conv.ID == m.self:
			return message, m.sendSyncOnly(ctx, conv, message)
		case len(recipients) == 0:
			if _, err := m.store.SaveMessage(*message); err != nil {
				return nil, err
			}
			m.publishMessage(EventMessageChanged, message)
			return message, m.updateLastMessage(conv)
		case len(recipients) == 1 && recipients[0] == m.self:
			return message, m.sendSyncOnly(ctx, conv, message)
		}

		if _, err := m.store.SaveMessage(*message); err != nil {
			return nil, err
		}
		return message, m.dispatch(ctx, conv, message, recipients)
	})
	if err != nil {
		return nil, err
	}
	return value.(*models.Message), nil
}

// Resend retries one recipient whose earlier attempt failed with a retryable error.
func (m *Manager) Resend(ctx context.Context, messageID, recipient string) (*models.Message, error) {
	if recipient == "" {
		return nil, &models.ValidationError{Field: "recipient", Reason: "required"}
	}
	message, err := m.lookupMessage(messageID)
	if err != nil {
		return nil, err
	}
	value, err := m.run(ctx, message.ConversationID, func(ctx context.Context) (any, error) {
		message, err := m.lookupMessage(messageID)
		if err != nil {
			return nil, err
		}
		conv, err := m.loadConversation(message.ConversationID)
		if err != nil {
			return nil, err
		}

		kept := make([]models.MessageError, 0, len(message.Errors))
		for _, e := range message.Errors {
			if e.Recipient == recipient && e.Retryable() {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == len(message.Errors) {
			m.log.WithFields(logrus.Fields{
				"message_id": messageID,
				"recipient":  recipient,
			}).Warn("resend requested without a matching error")
			return message, nil
		}
		message.Errors = kept
		if len(kept) == 0 {
			message.Errors = nil
		}

		if recipient == m.self {
			return message, m.sendSyncOnly(ctx, conv, message)
		}
		if _, err := m.store.SaveMessage(*message); err != nil {
			return nil, err
		}
		return message, m.dispatch(ctx, conv, message, []string{recipient})
	})
	if err != nil {
		return nil, err
	}
	return value.(*models.Message), nil
}

// SendSyncOnly marks a message sent to ourselves and syncs it to our other devices.
func (m *Manager) SendSyncOnly(ctx context.Context, messageID string) (*models.Message, error) {
	message, err := m.lookupMessage(messageID)
	if err != nil {
		return nil, err
	}
	value, err := m.run(ctx, message.ConversationID, func(ctx context.Context) (any, error) {
		message, err := m.lookupMessage(messageID)
		if err != nil {
			return nil, err
		}
		conv, err := m.loadConversation(message.ConversationID)
		if err != nil {
			return nil, err
		}
		return message, m.sendSyncOnly(ctx, conv, message)
	})
	if err != nil {
		return nil, err
	}
	return value.(*models.Message), nil
}

func (m *Manager) sendSyncOnly(ctx context.Context, conv *models.Conversation, message *models.Message) error {
	message.SentTo = []string{m.self}
	if message.ExpirationStartTimestamp == 0 {
		message.ExpirationStartTimestamp = m.now()
	}
	message.SetToExpire()
	if message.SyncStateOrNone() != models.SyncSynced {
		message.Sync = models.SyncRequested
	}
	if _, err := m.store.SaveMessage(*message); err != nil {
		return err
	}
	m.sendSyncTranscript(ctx, conv, message)
	return nil
}

// sendSyncTranscript tells our other devices about message.
func (m *Manager) sendSyncTranscript(ctx context.Context, conv *models.Conversation, message *models.Message) {
	data := m.dataMessage(conv, message)
	content := models.Content{
		Kind: models.ContentSync,
		Sync: &models.SyncMessage{
			Destination:              conv.ID,
			Data:                     data,
			Timestamp:                message.SentAt,
			ExpirationStartTimestamp: message.ExpirationStartTimestamp,
		},
	}

	env, err := m.buildEnvelope(conv, m.self, content, message.SentAt)
	if err != nil {
		m.handleSentFailure(ctx, conv, message, sendFailure{recipient: m.self, err: err})
		return
	}
	result, err := m.transport.SendUsingMultiDevice(ctx, m.self, env)
	if err != nil {
		m.handleSentFailure(ctx, conv, message, sendFailure{recipient: m.self, err: err})
		return
	}
	if result.Destination == "" {
		result.Destination = m.self
	}
	m.handleSentSuccess(ctx, conv, message, result)
}

// dispatch uploads what is missing and sends message to recipients.
func (m *Manager) dispatch(ctx context.Context, conv *models.Conversation, message *models.Message, recipients []string) error {
	if conv.ID == m.self {
		return m.sendSyncOnly(ctx, conv, message)
	}

	if failures := m.unreachable(conv, recipients); len(failures) > 0 {
		m.handleSentFailure(ctx, conv, message, failures...)
		return nil
	}

	if err := m.uploadAttachments(ctx, message); err != nil {
		failures := make([]sendFailure, 0, len(recipients))
		for _, recipient := range recipients {
			failures = append(failures, sendFailure{recipient: recipient, err: err})
		}
		m.handleSentFailure(ctx, conv, message, failures...)
		return nil
	}

	content := models.Content{Kind: models.ContentData, Data: m.dataMessage(conv, message)}

	switch conv.Kind {
	case models.KindOpenGroup:
		m.sendToOpenGroup(ctx, conv, message, content)
	case models.KindClosedGroup:
		m.sendToGroup(ctx, conv, message, recipients, content)
	default:
		for _, recipient := range recipients {
			m.sendToRecipient(ctx, conv, message, recipient, content)
		}
	}
	return nil
}

// unreachable returns one network failure per recipient when the send
// cannot start: we are offline, or none of the recipients is reachable.
func (m *Manager) unreachable(conv *models.Conversation, recipients []string) []sendFailure {
	online := m.transport.Online()
	failures := make([]sendFailure, 0, len(recipients))
	for _, recipient := range recipients {
		if online && (conv.IsPublic() || m.transport.Reachable(recipient)) {
			continue
		}
		failures = append(failures, sendFailure{
			recipient: recipient,
			err:       &models.NetworkError{Recipient: recipient},
		})
	}
	if len(failures) < len(recipients) {
		return nil
	}
	return failures
}

func (m *Manager) sendToRecipient(ctx context.Context, conv *models.Conversation, message *models.Message, recipient string, content models.Content) {
	env, err := m.buildEnvelope(conv, recipient, content, message.SentAt)
	if err != nil {
		m.handleSentFailure(ctx, conv, message, sendFailure{recipient: recipient, err: err})
		return
	}
	result, err := m.transport.SendToDevice(ctx, recipient, env)
	if err != nil {
		m.handleSentFailure(ctx, conv, message, sendFailure{recipient: recipient, err: err})
		return
	}
	if result.Destination == "" {
		result.Destination = recipient
	}
	m.handleSentSuccess(ctx, conv, message, result)
}

func (m *Manager) sendToGroup(ctx context.Context, conv *models.Conversation, message *models.Message, recipients []string, content models.Content) {
	envs := make([]models.Envelope, 0, len(recipients))
	for _, recipient := range recipients {
		if recipient == m.self {
			continue
		}
		env, err := m.buildEnvelope(conv, recipient, content, message.SentAt)
		if err != nil {
			m.handleSentFailure(ctx, conv, message, sendFailure{recipient: recipient, err: err})
			continue
		}
		envs = append(envs, env)
	}
	if len(envs) == 0 {
		return
	}

	for _, outcome := range m.transport.SendToGroup(ctx, envs) {
		if outcome.Err != nil {
			m.handleSentFailure(ctx, conv, message, sendFailure{recipient: outcome.Destination, err: outcome.Err})
			continue
		}
		result := outcome.Result
		if result.Destination == "" {
			result.Destination = outcome.Destination
		}
		result.Group = conv.ID
		m.handleSentSuccess(ctx, conv, message, result)
	}
}

func (m *Manager) sendToOpenGroup(ctx context.Context, conv *models.Conversation, message *models.Message, content models.Content) {
	host := conv.OpenGroupServer
	plaintext, err := models.EncodeContent(content)
	if err != nil {
		m.handleSentFailure(ctx, conv, message, sendFailure{recipient: host, err: &models.EncryptionError{Recipient: host, Err: err}})
		return
	}
	env := models.Envelope{
		ID:           newEnvelopeID(),
		Type:         models.EnvelopeOpenGroup,
		Source:       m.self,
		SourceDevice: m.selfDevice,
		Destination:  host,
		GroupID:      conv.ID,
		Timestamp:    message.SentAt,
		Body:         plaintext,
	}
	result, err := m.transport.SendToOpenGroup(ctx, host, env)
	if err != nil {
		m.handleSentFailure(ctx, conv, message, sendFailure{recipient: host, err: err})
		return
	}
	result.Destination = host
	result.Encryption = models.EncryptionOpenGroup
	m.handleSentSuccess(ctx, conv, message, result)
}

// buildEnvelope encrypts content for recipient, sealing our identity unless
// sealed sender has been disabled for that recipient.
func (m *Manager) buildEnvelope(conv *models.Conversation, recipient string, content models.Content, timestamp int64) (models.Envelope, error) {
	plaintext, err := models.EncodeContent(content)
	if err != nil {
		return models.Envelope{}, &models.EncryptionError{Recipient: recipient, Err: err}
	}
	ciphertext, err := m.crypto.Encrypt(recipient, plaintext)
	if err != nil {
		return models.Envelope{}, &models.EncryptionError{Recipient: recipient, Err: err}
	}

	env := models.Envelope{
		ID:           newEnvelopeID(),
		Type:         ciphertext.Type,
		Source:       m.self,
		SourceDevice: m.selfDevice,
		Destination:  recipient,
		Timestamp:    timestamp,
		Body:         ciphertext.Body,
	}
	if conv.IsClosedGroup() {
		env.GroupID = conv.ID
	}
	if recipient == m.self {
		return env, nil
	}

	state, accessKey := m.sealedSenderFor(conv, recipient)
	if state == models.SealedSenderDisabled {
		return env, nil
	}
	box, err := m.crypto.SealSender(recipient)
	if err != nil {
		m.log.WithError(err).WithField("recipient", recipient).Debug("sealed sender unavailable, sending identified")
		return env, nil
	}
	env.SealedSender = box
	env.AccessKey = accessKey
	env.Source = ""
	env.SourceDevice = ""
	return env, nil
}

func (m *Manager) sealedSenderFor(conv *models.Conversation, recipient string) (models.SealedSenderState, []byte) {
	if conv.IsPrivate() && conv.ID == recipient {
		return conv.SealedSender, conv.AccessKey
	}
	contact, err := m.store.GetConversation(recipient)
	if err != nil || !contact.IsPrivate() {
		return models.SealedSenderUnknown, nil
	}
	return contact.SealedSender, contact.AccessKey
}

func (m *Manager) dataMessage(conv *models.Conversation, message *models.Message) *models.DataMessage {
	data := &models.DataMessage{
		Body:        message.Body,
		Quote:       message.Quote,
		Previews:    message.Previews,
		ExpireTimer: message.ExpireTimer,
		Timestamp:   message.SentAt,
		ProfileKey:  m.profileKey,
	}
	for _, attachment := range message.Attachments {
		if attachment.Pointer != nil {
			data.Attachments = append(data.Attachments, *attachment.Pointer)
		}
	}
	if conv.IsClosedGroup() {
		data.GroupID = conv.ID
	}
	if message.EndSession == models.EndSessionOngoing {
		data.Flags |= models.FlagEndSession
	}
	return data
}

// uploadAttachments uploads every attachment, preview image and quote
// thumbnail that has no pointer yet and persists the pointers.
func (m *Manager) uploadAttachments(ctx context.Context, message *models.Message) error {
	pending := make([]*models.Attachment, 0)
	for i := range message.Attachments {
		pending = append(pending, &message.Attachments[i])
	}
	for i := range message.Previews {
		if message.Previews[i].Image != nil {
			pending = append(pending, message.Previews[i].Image)
		}
	}
	if message.Quote != nil {
		for i := range message.Quote.Attachments {
			if message.Quote.Attachments[i].Thumbnail != nil {
				pending = append(pending, message.Quote.Attachments[i].Thumbnail)
			}
		}
	}

	uploaded := false
	for _, attachment := range pending {
		if attachment.Pointer != nil {
			continue
		}
		if m.uploader == nil {
			return errors.New("no attachment uploader configured")
		}
		pointer, err := m.uploader.Upload(ctx, *attachment)
		if err != nil {
			return err
		}
		attachment.Pointer = &pointer
		uploaded = true
	}
	if !uploaded {
		return nil
	}
	_, err := m.store.SaveMessage(*message)
	return err
}

func (m *Manager) lookupMessage(id string) (*models.Message, error) {
	if id == "" {
		return nil, &models.ValidationError{Field: "message_id", Reason: "required"}
	}
	message, err := m.store.GetMessageByID(id)
	if err != nil {
		return nil, messageLookupError(id, err)
	}
	return message, nil
}
