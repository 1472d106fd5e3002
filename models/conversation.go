package models

import "slices"

// ConversationKind is the immutable addressing mode of a conversation.
type ConversationKind string

const (
	KindPrivate     ConversationKind = "private"
	KindClosedGroup ConversationKind = "closed_group"
	KindOpenGroup   ConversationKind = "open_group"
)

// SealedSenderState tracks whether outgoing envelopes to a contact hide our identity.
type SealedSenderState string

const (
	SealedSenderUnknown      SealedSenderState = "unknown"
	SealedSenderEnabled      SealedSenderState = "enabled"
	SealedSenderDisabled     SealedSenderState = "disabled"
	SealedSenderUnrestricted SealedSenderState = "unrestricted"
)

// SessionResetState is the local view of a two-party session reset.
type SessionResetState string

const (
	SessionResetNone            SessionResetState = "none"
	SessionResetInitiated       SessionResetState = "initiated"
	SessionResetRequestReceived SessionResetState = "request_received"
)

// Conversation is one private chat, closed group or open group.
type Conversation struct {
	ID                string            `json:"id"`
	Kind              ConversationKind  `json:"kind"`
	Name              string            `json:"name,omitempty"`
	Members           []string          `json:"members,omitempty"`
	ExpireTimer       int64             `json:"expire_timer,omitempty"`
	SealedSender      SealedSenderState `json:"sealed_sender"`
	SessionReset      SessionResetState `json:"session_reset"`
	ProfileKey        []byte            `json:"profile_key,omitempty"`
	AccessKey         []byte            `json:"access_key,omitempty"`
	UnreadCount       int               `json:"unread_count"`
	LastMessage       string            `json:"last_message,omitempty"`
	LastMessageStatus MessageStatus     `json:"last_message_status,omitempty"`
	ActiveAt          int64             `json:"active_at,omitempty"`
	Timestamp         int64             `json:"timestamp,omitempty"`
	OpenGroupServer   string            `json:"open_group_server,omitempty"`
	OpenGroupChannel  int64             `json:"open_group_channel,omitempty"`
	Left              bool              `json:"left,omitempty"`
	Archived          bool              `json:"archived,omitempty"`
	Blocked           bool              `json:"blocked,omitempty"`
}

// NewConversation returns a conversation with all state machines at their initial state.
func NewConversation(id string, kind ConversationKind) Conversation {
	return Conversation{
		ID:           id,
		Kind:         kind,
		SealedSender: SealedSenderUnknown,
		SessionReset: SessionResetNone,
	}
}

func (c *Conversation) IsPrivate() bool     { return c.Kind == KindPrivate }
func (c *Conversation) IsClosedGroup() bool { return c.Kind == KindClosedGroup }
func (c *Conversation) IsPublic() bool      { return c.Kind == KindOpenGroup }

// IsMember reports whether identity is listed in a closed group's members.
func (c *Conversation) IsMember(identity string) bool {
	return Contains(c.Members, identity)
}

// Recipients returns the identities a send in this conversation is addressed to.
// Open groups have no per-recipient addressing and return the host instead.
func (c *Conversation) Recipients(self string) []string {
	switch c.Kind {
	case KindPrivate:
		return []string{c.ID}
	case KindOpenGroup:
		return []string{c.OpenGroupServer}
	default:
		out := make([]string, 0, len(c.Members))
		for _, member := range c.Members {
			if member != self {
				out = append(out, member)
			}
		}
		return out
	}
}

// Clone returns a deep copy of c.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Members = slices.Clone(c.Members)
	out.ProfileKey = slices.Clone(c.ProfileKey)
	out.AccessKey = slices.Clone(c.AccessKey)
	return &out
}
