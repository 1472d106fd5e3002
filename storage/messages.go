package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gosession/models"
)

const messageColumns = `json`

// SaveMessage inserts a message or replaces an existing one with the same id.
// A missing id is assigned; the stored id is returned.
func (s *Store) SaveMessage(message models.Message) (string, error) {
	if message.ConversationID == "" {
		return "", errors.New("conversation_id is required")
	}
	if err := validateDirection(message.Direction); err != nil {
		return "", err
	}
	if message.SentAt == 0 {
		return "", errors.New("sent_at is required")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.ReceivedAt == 0 {
		message.ReceivedAt = nowUnixMilli()
	}

	raw, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal message %q: %w", message.ID, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (
			id,
			conversation_id,
			direction,
			source,
			sent_at,
			received_at,
			unread,
			expires_at,
			json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			sent_at = excluded.sent_at,
			received_at = excluded.received_at,
			unread = excluded.unread,
			expires_at = excluded.expires_at,
			json = excluded.json`,
		message.ID,
		message.ConversationID,
		string(message.Direction),
		message.Source,
		message.SentAt,
		message.ReceivedAt,
		boolToInt(message.Unread),
		message.ExpiresAt,
		string(raw),
	)
	if err != nil {
		return "", fmt.Errorf("save message %q: %w", message.ID, err)
	}

	return message.ID, nil
}

// GetMessageByID fetches one message.
func (s *Store) GetMessageByID(id string) (*models.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", id, err)
	}
	return message, nil
}

// RemoveMessage deletes one message.
func (s *Store) RemoveMessage(id string) error {
	if id == "" {
		return errors.New("message id is required")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove message %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove message %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetMessagesByConversation returns up to limit messages, newest first.
func (s *Store) GetMessagesByConversation(conversationID string, limit int) ([]models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	return s.queryMessages(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY received_at DESC, sent_at DESC, id DESC
		LIMIT ?`,
		conversationID,
		limit,
	)
}

// GetUnreadByConversation returns unread incoming messages, oldest first.
func (s *Store) GetUnreadByConversation(conversationID string) ([]models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	return s.queryMessages(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND unread = 1 AND direction = 'incoming'
		ORDER BY received_at ASC, id ASC`,
		conversationID,
	)
}

// RemoveAllMessagesInConversation deletes every message of a conversation.
func (s *Store) RemoveAllMessagesInConversation(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}

	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("remove messages in conversation %q: %w", conversationID, err)
	}
	return nil
}

// FindMessageBySender looks up the logical message identified by conversation, sender and sent timestamp.
func (s *Store) FindMessageBySender(conversationID, source string, sentAt int64) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND source = ? AND sent_at = ?
		ORDER BY received_at ASC
		LIMIT 1`,
		conversationID,
		source,
		sentAt,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find message %q/%q/%d: %w", conversationID, source, sentAt, err)
	}
	return message, nil
}

// FindOutgoingBySentAt returns our messages sent at the given timestamp, for receipt matching.
func (s *Store) FindOutgoingBySentAt(sentAt int64) ([]models.Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE sent_at = ? AND direction = 'outgoing'
		ORDER BY received_at ASC`,
		sentAt,
	)
}

// GetExpiredMessages returns messages whose disappearing timer elapsed at or before now.
func (s *Store) GetExpiredMessages(now int64) ([]models.Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE expires_at > 0 AND expires_at <= ?
		ORDER BY expires_at ASC`,
		now,
	)
}

func (s *Store) queryMessages(query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		return nil, err
	}

	var message models.Message
	if err := json.Unmarshal([]byte(raw), &message); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &message, nil
}
