package models

// EnvelopeType tells the receiver how to open an envelope body.
type EnvelopeType string

const (
	// EnvelopeSessionRequest carries the first handshake message plus an encrypted payload.
	EnvelopeSessionRequest EnvelopeType = "session_request"
	// EnvelopeSessionMessage is encrypted under an established session.
	EnvelopeSessionMessage EnvelopeType = "session_message"
	// EnvelopeHandshakeReply completes a handshake and doubles as "session established".
	EnvelopeHandshakeReply EnvelopeType = "handshake_reply"
	// EnvelopeSync is encrypted to our own identity for our other devices.
	EnvelopeSync EnvelopeType = "sync"
	// EnvelopeOpenGroup is a public open-group post.
	EnvelopeOpenGroup EnvelopeType = "open_group"
)

// Envelope is the unit the transport moves between devices.
type Envelope struct {
	ID           string       `json:"id"`
	Type         EnvelopeType `json:"type"`
	Source       string       `json:"source,omitempty"`
	SourceDevice string       `json:"source_device,omitempty"`
	SealedSender []byte       `json:"sealed_sender,omitempty"`
	AccessKey    []byte       `json:"access_key,omitempty"`
	Destination  string       `json:"destination"`
	GroupID      string       `json:"group_id,omitempty"`
	Timestamp    int64        `json:"timestamp"`
	Body         []byte       `json:"body,omitempty"`

	// Unidentified is set by the receiving transport when the sender was sealed.
	Unidentified bool `json:"-"`
}

// Sealed reports whether the envelope hides its sender from the transport.
func (e Envelope) Sealed() bool {
	return len(e.SealedSender) > 0
}

// Identified returns a copy of the envelope that names its sender in the clear.
func (e Envelope) Identified(source, sourceDevice string) Envelope {
	out := e
	out.Source = source
	out.SourceDevice = sourceDevice
	out.SealedSender = nil
	out.AccessKey = nil
	return out
}

// EncryptionKind is the encryption path a successful send used.
type EncryptionKind string

const (
	EncryptionSession     EncryptionKind = "session"
	EncryptionClosedGroup EncryptionKind = "closed_group"
	EncryptionOpenGroup   EncryptionKind = "open_group"
	EncryptionSync        EncryptionKind = "sync"
)

// SendResult describes one acknowledged dispatch.
type SendResult struct {
	Destination  string         `json:"destination"`
	Device       string         `json:"device,omitempty"`
	Encryption   EncryptionKind `json:"encryption"`
	Group        string         `json:"group,omitempty"`
	Unidentified bool           `json:"unidentified,omitempty"`
	Failover     bool           `json:"failover,omitempty"`
	ServerID     int64          `json:"server_id,omitempty"`
}

// SendOutcome pairs a destination with the result or error of sending to it.
type SendOutcome struct {
	Destination string
	Result      SendResult
	Err         error
}

// Ciphertext is an encrypted body together with the envelope type needed to open it.
type Ciphertext struct {
	Type EnvelopeType
	Body []byte
}

// DecryptInfo reports session side effects of opening an envelope.
type DecryptInfo struct {
	// HandshakeReply is set when a reply to the sender's handshake is waiting to be sent.
	HandshakeReply bool
	// SessionAdopted is set the first time a newly negotiated session is confirmed.
	SessionAdopted bool
}
