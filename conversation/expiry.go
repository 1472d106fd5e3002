package conversation

import (
	"context"
	"errors"
	"time"

	"gosession/storage"
)

func (m *Manager) expiryLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(m.ctx); err != nil && m.ctx.Err() == nil {
				m.log.WithError(err).Warn("expiry sweep failed")
			}
		}
	}
}

// SweepExpired removes disappearing messages whose time is up and returns
// how many were removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.store.GetExpiredMessages(m.now())
	if err != nil {
		return 0, err
	}

	byConversation := make(map[string][]string)
	order := make([]string, 0)
	for _, message := range expired {
		if _, ok := byConversation[message.ConversationID]; !ok {
			order = append(order, message.ConversationID)
		}
		byConversation[message.ConversationID] = append(byConversation[message.ConversationID], message.ID)
	}

	removed := 0
	for _, conversationID := range order {
		ids := byConversation[conversationID]
		value, err := m.run(ctx, conversationID, func(ctx context.Context) (any, error) {
			return m.removeExpired(conversationID, ids)
		})
		if err != nil {
			return removed, err
		}
		removed += value.(int)
	}
	return removed, nil
}

func (m *Manager) removeExpired(conversationID string, ids []string) (int, error) {
	removed := 0
	for _, id := range ids {
		message, err := m.store.GetMessageByID(id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if err := m.store.RemoveMessage(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return removed, err
		}
		removed++
		m.publishMessage(EventMessageExpired, message)
	}
	if removed == 0 {
		return 0, nil
	}

	conv, err := m.store.GetConversation(conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return removed, nil
	}
	if err != nil {
		return removed, err
	}
	if err := m.refreshUnreadCount(conv); err != nil {
		return removed, err
	}
	if err := m.updateLastMessage(conv); err != nil {
		return removed, err
	}
	m.log.WithField("conversation_id", conversationID).WithField("count", removed).Debug("expired messages removed")
	return removed, nil
}
