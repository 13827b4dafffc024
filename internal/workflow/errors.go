// Package workflow defines the error taxonomy and message envelope shared by
// the intake stages and the dispatcher.
package workflow

import (
	"errors"
	"fmt"
)

// ValidationError indicates a payload that will never process successfully.
// It is never retried; the record is routed straight to the error path.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("workflow: validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("workflow: validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// Credential errors resolve themselves once the refresh worker produces a
// fresh token, so both are retryable.
var (
	ErrCredentialUnavailable = errors.New("workflow: no credential available")
	ErrCredentialExpired     = errors.New("workflow: credential expired")
)

// RemoteErrorKind classifies failures from the scheduling API.
type RemoteErrorKind string

const (
	// RemoteNotFound covers invalid identifiers (patient/appointment). Not retryable.
	RemoteNotFound RemoteErrorKind = "not_found"
	// RemoteAuth covers 401/403 responses. Retryable after the next token refresh.
	RemoteAuth RemoteErrorKind = "auth"
	// RemoteTransient covers network errors and 5xx responses.
	RemoteTransient RemoteErrorKind = "transient"
)

// RemoteError wraps a failure from the external scheduling API.
type RemoteError struct {
	Kind       RemoteErrorKind
	Operation  string
	StatusCode int
	Detail     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("workflow: remote %s failed (%s, status %d): %s", e.Operation, e.Kind, e.StatusCode, e.Detail)
}

// DeliveryError indicates the dispatcher could not publish a message. It must
// propagate to the caller; a dropped message stalls the workflow.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("workflow: publish to %s failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether re-delivering the same message may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	if errors.Is(err, ErrCredentialUnavailable) || errors.Is(err, ErrCredentialExpired) {
		return true
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Kind != RemoteNotFound
	}

	// Unclassified errors are retried up to the dispatcher's attempt cap.
	return true
}
