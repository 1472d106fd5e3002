package models

import "slices"

// Direction says whether we authored a message.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MessageStatus is the displayed delivery status. It is always derived, never stored on a Message.
type MessageStatus string

const (
	StatusNone      MessageStatus = ""
	StatusSending   MessageStatus = "sending"
	StatusPoW       MessageStatus = "pow"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

// SyncState records how far a message got in reaching our own other devices.
type SyncState string

const (
	SyncNone      SyncState = "none"
	SyncRequested SyncState = "requested"
	SyncSynced    SyncState = "synced"
)

// EndSessionType marks local session-reset notices.
type EndSessionType string

const (
	EndSessionNone    EndSessionType = ""
	EndSessionOngoing EndSessionType = "ongoing"
	EndSessionDone    EndSessionType = "done"
)

// Message is a single conversation entry, incoming or outgoing.
type Message struct {
	ID                       string         `json:"id"`
	ConversationID           string         `json:"conversation_id"`
	Direction                Direction      `json:"direction"`
	Source                   string         `json:"source,omitempty"`
	SourceDevice             string         `json:"source_device,omitempty"`
	Destination              string         `json:"destination,omitempty"`
	Body                     string         `json:"body,omitempty"`
	Attachments              []Attachment   `json:"attachments,omitempty"`
	Quote                    *Quote         `json:"quote,omitempty"`
	Previews                 []Preview      `json:"previews,omitempty"`
	ExpireTimer              int64          `json:"expire_timer,omitempty"`
	SentAt                   int64          `json:"sent_at"`
	ReceivedAt               int64          `json:"received_at"`
	ServerID                 int64          `json:"server_id,omitempty"`
	Recipients               []string       `json:"recipients,omitempty"`
	SentTo                   []string       `json:"sent_to,omitempty"`
	DeliveredTo              []string       `json:"delivered_to,omitempty"`
	ReadBy                   []string       `json:"read_by,omitempty"`
	Errors                   []MessageError `json:"errors,omitempty"`
	Sync                     SyncState      `json:"sync,omitempty"`
	CalculatingPoW           bool           `json:"calculating_pow,omitempty"`
	Unread                   bool           `json:"unread,omitempty"`
	ExpirationStartTimestamp int64          `json:"expiration_start_timestamp,omitempty"`
	ExpiresAt                int64          `json:"expires_at,omitempty"`
	EndSession               EndSessionType `json:"end_session,omitempty"`
	SessionRestoration       bool           `json:"session_restoration,omitempty"`
}

func (m *Message) IsOutgoing() bool { return m.Direction == DirectionOutgoing }
func (m *Message) IsIncoming() bool { return m.Direction == DirectionIncoming }
func (m *Message) HasErrors() bool  { return len(m.Errors) > 0 }

// SyncStateOrNone normalizes the zero value of Sync.
func (m *Message) SyncStateOrNone() SyncState {
	if m.Sync == "" {
		return SyncNone
	}
	return m.Sync
}

// SetToExpire fills ExpiresAt once both the timer and its start are known.
func (m *Message) SetToExpire() bool {
	if m.ExpireTimer <= 0 || m.ExpirationStartTimestamp <= 0 {
		return false
	}
	expiresAt := m.ExpirationStartTimestamp + m.ExpireTimer*1000
	if m.ExpiresAt == expiresAt {
		return false
	}
	m.ExpiresAt = expiresAt
	return true
}

// NotificationText is the short text used for conversation summaries.
func (m *Message) NotificationText() string {
	switch {
	case m.EndSession == EndSessionOngoing:
		return "Secure session reset in progress"
	case m.EndSession == EndSessionDone:
		return "Secure session reset"
	case m.Body != "":
		return m.Body
	case len(m.Attachments) > 0:
		return "Attachment"
	default:
		return ""
	}
}

// Contains reports whether value is present in set.
func Contains(set []string, value string) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

// Union adds values to set, keeping order and skipping duplicates.
// The second return value reports whether set grew.
func Union(set []string, values ...string) ([]string, bool) {
	grew := false
	for _, v := range values {
		if v == "" || Contains(set, v) {
			continue
		}
		set = append(set, v)
		grew = true
	}
	return set, grew
}

// Difference returns the members of set not present in exclude.
func Difference(set, exclude []string) []string {
	out := make([]string, 0, len(set))
	for _, v := range set {
		if !Contains(exclude, v) {
			out = append(out, v)
		}
	}
	return out
}

// Intersect returns the members of a also present in b.
func Intersect(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, v := range a {
		if Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}

// Clone returns a deep copy of m. Attachment bodies are shared; they are
// never written after the attachment is created.
func (m *Message) Clone() *Message {
	out := *m
	out.Attachments = cloneAttachments(m.Attachments)
	out.Previews = clonePreviews(m.Previews)
	out.Quote = m.Quote.clone()
	out.Recipients = slices.Clone(m.Recipients)
	out.SentTo = slices.Clone(m.SentTo)
	out.DeliveredTo = slices.Clone(m.DeliveredTo)
	out.ReadBy = slices.Clone(m.ReadBy)
	out.Errors = slices.Clone(m.Errors)
	return &out
}
