package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the persisted class of a send failure.
type ErrorKind string

const (
	ErrorKindNetwork     ErrorKind = "network"
	ErrorKindIdentityKey ErrorKind = "identity_key"
	ErrorKindEncryption  ErrorKind = "encryption"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindValidation  ErrorKind = "validation"
)

// MessageError is a failure recorded on a message, optionally tied to one recipient.
type MessageError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Recipient string    `json:"recipient,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Retryable reports whether a user resend can clear this error.
func (e MessageError) Retryable() bool {
	switch e.Kind {
	case ErrorKindNetwork, ErrorKindIdentityKey, ErrorKindEncryption, ErrorKindTimeout:
		return true
	default:
		return false
	}
}

// NetworkError means the destination could not be reached.
type NetworkError struct {
	Recipient string
	Err       error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network unavailable for %s", e.Recipient)
	}
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IdentityKeyError means the recipient presented a key different from the one on file.
type IdentityKeyError struct {
	Recipient string
	Err       error
}

func (e *IdentityKeyError) Error() string {
	return fmt.Sprintf("identity key changed for %s", e.Recipient)
}

func (e *IdentityKeyError) Unwrap() error { return e.Err }

// EncryptionError is a local crypto failure.
type EncryptionError struct {
	Recipient string
	Err       error
}

func (e *EncryptionError) Error() string {
	if e.Recipient == "" {
		return fmt.Sprintf("encryption failed: %v", e.Err)
	}
	return fmt.Sprintf("encrypt for %s: %v", e.Recipient, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// TimeoutError means a job exceeded its time bound.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Operation)
}

// ValidationError is malformed caller input. It is never persisted onto a message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ClassifyError maps an error onto the persisted taxonomy. Unknown errors count as network failures.
func ClassifyError(err error) ErrorKind {
	var (
		identityErr   *IdentityKeyError
		encryptionErr *EncryptionError
		timeoutErr    *TimeoutError
		validationErr *ValidationError
	)
	switch {
	case errors.As(err, &identityErr):
		return ErrorKindIdentityKey
	case errors.As(err, &encryptionErr):
		return ErrorKindEncryption
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.As(err, &validationErr):
		return ErrorKindValidation
	default:
		return ErrorKindNetwork
	}
}

// RecipientOf extracts the recipient carried by a typed error, if any.
func RecipientOf(err error) string {
	var (
		networkErr    *NetworkError
		identityErr   *IdentityKeyError
		encryptionErr *EncryptionError
	)
	switch {
	case errors.As(err, &identityErr):
		return identityErr.Recipient
	case errors.As(err, &encryptionErr):
		return encryptionErr.Recipient
	case errors.As(err, &networkErr):
		return networkErr.Recipient
	default:
		return ""
	}
}

// NewMessageError converts err into a persisted error entry.
func NewMessageError(err error, recipient string, timestamp int64) MessageError {
	if recipient == "" {
		recipient = RecipientOf(err)
	}
	return MessageError{
		Kind:      ClassifyError(err),
		Message:   err.Error(),
		Recipient: recipient,
		Timestamp: timestamp,
	}
}
