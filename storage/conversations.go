package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"gosession/models"
)

// SaveConversation inserts a conversation or replaces its stored attributes.
// The kind of an existing conversation never changes.
func (s *Store) SaveConversation(conversation models.Conversation) error {
	if conversation.ID == "" {
		return errors.New("conversation id is required")
	}
	if err := validateConversationKind(conversation.Kind); err != nil {
		return err
	}
	if conversation.UnreadCount < 0 {
		conversation.UnreadCount = 0
	}

	raw, err := json.Marshal(conversation)
	if err != nil {
		return fmt.Errorf("marshal conversation %q: %w", conversation.ID, err)
	}

	res, err := s.db.Exec(
		`INSERT INTO conversations (id, kind, active_at, json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active_at = excluded.active_at,
			json = excluded.json
		WHERE conversations.kind = excluded.kind`,
		conversation.ID,
		string(conversation.Kind),
		conversation.ActiveAt,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("save conversation %q: %w", conversation.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for save conversation %q: %w", conversation.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("save conversation %q: kind cannot change to %q", conversation.ID, conversation.Kind)
	}

	return nil
}

// UpdateConversation rewrites the attributes of an existing conversation.
func (s *Store) UpdateConversation(conversation models.Conversation) error {
	if conversation.ID == "" {
		return errors.New("conversation id is required")
	}
	if conversation.UnreadCount < 0 {
		conversation.UnreadCount = 0
	}

	raw, err := json.Marshal(conversation)
	if err != nil {
		return fmt.Errorf("marshal conversation %q: %w", conversation.ID, err)
	}

	res, err := s.db.Exec(
		`UPDATE conversations
		SET active_at = ?, json = ?
		WHERE id = ? AND kind = ?`,
		conversation.ActiveAt,
		string(raw),
		conversation.ID,
		string(conversation.Kind),
	)
	if err != nil {
		return fmt.Errorf("update conversation %q: %w", conversation.ID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update conversation %q: %w", conversation.ID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT json FROM conversations WHERE id = ?`, id)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %q: %w", id, err)
	}
	return conversation, nil
}

// ListConversations returns all conversations, most recently active first.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT json FROM conversations ORDER BY active_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, *conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	return conversations, nil
}

// RemoveConversation deletes a conversation and, through the foreign key, its messages.
func (s *Store) RemoveConversation(id string) error {
	if id == "" {
		return errors.New("conversation id is required")
	}

	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove conversation %q: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove conversation %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		return nil, err
	}

	var conversation models.Conversation
	if err := json.Unmarshal([]byte(raw), &conversation); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conversation, nil
}
