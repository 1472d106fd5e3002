package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gosession/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	// SecurityEventIdentityKeyChanged is logged when a contact presents a new identity key.
	SecurityEventIdentityKeyChanged = "identity_key_changed"
	// SecurityEventSessionReset is logged for every session reset transition.
	SecurityEventSessionReset = "session_reset"
	// SecurityEventDecryptFailed is logged when an inbound envelope cannot be opened.
	SecurityEventDecryptFailed = "decrypt_failed"
	// SecurityEventUnidentifiedRejected is logged when a sealed envelope fails access checks.
	SecurityEventUnidentifiedRejected = "unidentified_rejected"
)

// AttachmentUpload records one uploaded attachment blob, keyed by plaintext digest.
type AttachmentUpload struct {
	Digest     string
	URL        string
	Key        []byte
	Size       int64
	StoredPath string
	UploadedAt int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID         int64
	EventType  string
	IdentityID *string
	Details    string
	Severity   string
	Timestamp  int64
}

// SecurityEventQuery selects security events, newest first. Zero fields
// do not filter. BeforeID pages backwards from an earlier result.
type SecurityEventQuery struct {
	Types       []string
	IdentityID  string
	MinSeverity string
	Since       int64
	Until       int64
	BeforeID    int64
	Limit       int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateConversationKind(kind models.ConversationKind) error {
	switch kind {
	case models.KindPrivate, models.KindClosedGroup, models.KindOpenGroup:
		return nil
	default:
		return fmt.Errorf("invalid conversation kind %q", kind)
	}
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionIncoming, models.DirectionOutgoing:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func validateDeviceStatus(status models.DeviceStatus) error {
	switch status {
	case models.DeviceOnline, models.DeviceOffline:
		return nil
	default:
		return fmt.Errorf("invalid device status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullStringFromValue(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullInt64FromValue(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
