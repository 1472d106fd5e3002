package conversation

import (
	"bytes"
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"gosession/models"
	"gosession/storage"
)

// OnFailover is the transition taken when delivery fell back to an identified envelope.
func OnFailover(state models.SealedSenderState) (models.SealedSenderState, bool) {
	if state == models.SealedSenderDisabled {
		return state, false
	}
	return models.SealedSenderDisabled, true
}

// OnUnidentifiedDelivery is the transition taken after a sealed envelope was accepted.
func OnUnidentifiedDelivery(state models.SealedSenderState, hasAccessKey bool) (models.SealedSenderState, bool) {
	if state != models.SealedSenderUnknown && state != "" {
		return state, false
	}
	if hasAccessKey {
		return models.SealedSenderEnabled, true
	}
	return models.SealedSenderUnrestricted, true
}

// OnProfileKeyChange resets trust: a new profile key invalidates what we knew.
func OnProfileKeyChange() models.SealedSenderState {
	return models.SealedSenderUnknown
}

type sealedSenderTransition func(conv *models.Conversation) bool

// applySealedSender runs transition against recipient's private conversation.
// Inside the recipient's own job it applies inline, to live when that is the
// recipient's conversation so the caller's copy stays current. Otherwise it
// is queued on the recipient's conversation without waiting.
func (m *Manager) applySealedSender(ctx context.Context, live *models.Conversation, recipient string, transition sealedSenderTransition) {
	apply := func(ctx context.Context, conv *models.Conversation) (any, error) {
		if conv == nil {
			loaded, err := m.store.GetConversation(recipient)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil, nil
				}
				return nil, err
			}
			conv = loaded
		}
		if !conv.IsPrivate() {
			return nil, nil
		}
		before := conv.SealedSender
		if !transition(conv) {
			return nil, nil
		}
		if err := m.store.UpdateConversation(*conv); err != nil {
			return nil, err
		}
		m.log.WithFields(logrus.Fields{
			"conversation_id": recipient,
			"from":            before,
			"to":              conv.SealedSender,
		}).Debug("sealed sender state changed")
		m.publishConversation(EventChange, conv)
		return nil, nil
	}

	if current, ok := CurrentJob(ctx); ok && current == recipient {
		if live != nil && live.ID != recipient {
			live = nil
		}
		if _, err := apply(ctx, live); err != nil {
			m.log.WithError(err).WithField("conversation_id", recipient).Warn("sealed sender update failed")
		}
		return
	}
	m.queue.Enqueue(recipient, func(ctx context.Context) (any, error) {
		return apply(ctx, nil)
	})
}

// noteSendResult feeds a transport outcome into the recipient's sealed sender state.
func (m *Manager) noteSendResult(ctx context.Context, conv *models.Conversation, result models.SendResult) {
	if result.Destination == "" || result.Destination == m.self {
		return
	}
	if result.Encryption == models.EncryptionOpenGroup || result.Encryption == models.EncryptionSync {
		return
	}
	switch {
	case result.Failover:
		m.applySealedSender(ctx, conv, result.Destination, func(conv *models.Conversation) bool {
			next, changed := OnFailover(conv.SealedSender)
			conv.SealedSender = next
			return changed
		})
	case result.Unidentified:
		m.applySealedSender(ctx, conv, result.Destination, func(conv *models.Conversation) bool {
			next, changed := OnUnidentifiedDelivery(conv.SealedSender, len(conv.AccessKey) > 0)
			conv.SealedSender = next
			return changed
		})
	}
}

// SetProfileKey stores a contact's profile key. A changed key resets the
// sealed sender state and re-derives the access key.
func (m *Manager) SetProfileKey(ctx context.Context, identity string, profileKey []byte) error {
	if identity == "" {
		return &models.ValidationError{Field: "identity", Reason: "required"}
	}
	m.setProfileKey(ctx, nil, identity, profileKey)
	return nil
}

func (m *Manager) setProfileKey(ctx context.Context, live *models.Conversation, identity string, profileKey []byte) {
	m.applySealedSender(ctx, live, identity, func(conv *models.Conversation) bool {
		if bytes.Equal(conv.ProfileKey, profileKey) {
			return false
		}
		conv.ProfileKey = append([]byte(nil), profileKey...)
		conv.AccessKey = nil
		if len(profileKey) > 0 {
			accessKey, err := m.crypto.DeriveAccessKey(profileKey)
			if err != nil {
				m.log.WithError(err).WithField("conversation_id", identity).Warn("derive access key failed")
			} else {
				conv.AccessKey = accessKey
			}
		}
		conv.SealedSender = OnProfileKeyChange()
		return true
	})
}
