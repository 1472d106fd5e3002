package models

import (
	"encoding/json"
	"fmt"
)

// ContentKind selects which Content field is populated.
type ContentKind string

const (
	ContentData               ContentKind = "data"
	ContentSync               ContentKind = "sync"
	ContentReceipt            ContentKind = "receipt"
	ContentTyping             ContentKind = "typing"
	ContentSessionEstablished ContentKind = "session_established"
)

// DataMessage flags.
const (
	FlagEndSession uint32 = 1 << 0
)

// ReceiptKind distinguishes delivery from read receipts.
type ReceiptKind string

const (
	ReceiptDelivery ReceiptKind = "delivery"
	ReceiptRead     ReceiptKind = "read"
)

// Content is the plaintext carried inside an envelope body.
type Content struct {
	Kind    ContentKind     `json:"kind"`
	Data    *DataMessage    `json:"data,omitempty"`
	Sync    *SyncMessage    `json:"sync,omitempty"`
	Receipt *ReceiptMessage `json:"receipt,omitempty"`
	Typing  *TypingMessage  `json:"typing,omitempty"`
}

// DataMessage is a chat message as seen on the wire.
type DataMessage struct {
	Body        string              `json:"body,omitempty"`
	Attachments []AttachmentPointer `json:"attachments,omitempty"`
	Quote       *Quote              `json:"quote,omitempty"`
	Previews    []Preview           `json:"previews,omitempty"`
	ExpireTimer int64               `json:"expire_timer,omitempty"`
	Timestamp   int64               `json:"timestamp"`
	GroupID     string              `json:"group_id,omitempty"`
	ProfileKey  []byte              `json:"profile_key,omitempty"`
	Flags       uint32              `json:"flags,omitempty"`
}

// IsEndSession reports whether the END_SESSION flag is set.
func (d *DataMessage) IsEndSession() bool {
	return d != nil && d.Flags&FlagEndSession != 0
}

// SyncMessage tells our other devices about a message we sent.
type SyncMessage struct {
	Destination              string       `json:"destination"`
	Data                     *DataMessage `json:"data"`
	Timestamp                int64        `json:"timestamp"`
	ExpirationStartTimestamp int64        `json:"expiration_start_timestamp,omitempty"`
}

// ReceiptMessage acknowledges messages by their sent timestamps.
type ReceiptMessage struct {
	Kind       ReceiptKind `json:"kind"`
	Timestamps []int64     `json:"timestamps"`
}

// TypingMessage signals typing started or stopped.
type TypingMessage struct {
	Started   bool   `json:"started"`
	Timestamp int64  `json:"timestamp"`
	GroupID   string `json:"group_id,omitempty"`
}

// EncodeContent serializes content for encryption.
func EncodeContent(content Content) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode %s content: %w", content.Kind, err)
	}
	return raw, nil
}

// DecodeContent parses decrypted content and checks that its kind matches its payload.
func DecodeContent(raw []byte) (Content, error) {
	var content Content
	if len(raw) == 0 {
		return Content{Kind: ContentSessionEstablished}, nil
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode content: %w", err)
	}

	switch content.Kind {
	case ContentData:
		if content.Data == nil {
			return Content{}, &ValidationError{Field: "data", Reason: "data content without payload"}
		}
	case ContentSync:
		if content.Sync == nil || content.Sync.Data == nil {
			return Content{}, &ValidationError{Field: "sync", Reason: "sync content without payload"}
		}
	case ContentReceipt:
		if content.Receipt == nil {
			return Content{}, &ValidationError{Field: "receipt", Reason: "receipt content without payload"}
		}
	case ContentTyping:
		if content.Typing == nil {
			return Content{}, &ValidationError{Field: "typing", Reason: "typing content without payload"}
		}
	case ContentSessionEstablished:
	default:
		return Content{}, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown content kind %q", content.Kind)}
	}
	return content, nil
}
