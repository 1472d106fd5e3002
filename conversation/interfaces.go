package conversation

import (
	"context"

	"gosession/models"
	"gosession/storage"
)

// Store is the persistence surface the conversation layer needs.
// storage.Store implements it.
type Store interface {
	SaveConversation(conversation models.Conversation) error
	UpdateConversation(conversation models.Conversation) error
	GetConversation(id string) (*models.Conversation, error)
	ListConversations() ([]models.Conversation, error)
	RemoveConversation(id string) error

	SaveMessage(message models.Message) (string, error)
	GetMessageByID(id string) (*models.Message, error)
	RemoveMessage(id string) error
	GetMessagesByConversation(conversationID string, limit int) ([]models.Message, error)
	GetUnreadByConversation(conversationID string) ([]models.Message, error)
	RemoveAllMessagesInConversation(conversationID string) error
	FindMessageBySender(conversationID, source string, sentAt int64) (*models.Message, error)
	FindOutgoingBySentAt(sentAt int64) ([]models.Message, error)
	GetExpiredMessages(now int64) ([]models.Message, error)
}

// Transport moves envelopes. Errors are typed per the models error taxonomy.
type Transport interface {
	SendToDevice(ctx context.Context, destination string, env models.Envelope) (models.SendResult, error)
	SendToGroup(ctx context.Context, envs []models.Envelope) []models.SendOutcome
	SendUsingMultiDevice(ctx context.Context, identity string, env models.Envelope) (models.SendResult, error)
	SendToOpenGroup(ctx context.Context, host string, env models.Envelope) (models.SendResult, error)
	Online() bool
	Reachable(identity string) bool
}

// Crypto encrypts content per recipient and tracks sessions.
type Crypto interface {
	Encrypt(recipient string, plaintext []byte) (models.Ciphertext, error)
	Decrypt(sender string, envelopeType models.EnvelopeType, body []byte) ([]byte, models.DecryptInfo, error)
	SealSender(recipient string) ([]byte, error)
	HasSession(peer string) bool
	DropSession(peer string)
	PendingReply(peer string) ([]byte, bool)
	DeriveAccessKey(profileKey []byte) ([]byte, error)
}

// Uploader stores an attachment body and returns a pointer recipients can fetch.
type Uploader interface {
	Upload(ctx context.Context, attachment models.Attachment) (models.AttachmentPointer, error)
}

// ProfileFetcher refreshes what we know about a contact after its key changed.
type ProfileFetcher interface {
	RefreshIdentity(ctx context.Context, identity string) error
}

// SecurityLog records security-relevant events.
type SecurityLog interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}
