// Package intake owns the durable queue of patient-intake records: the
// system of record for workflow progress.
package intake

import (
	"context"
	"errors"
	"time"
)

// Status is the workflow state of an intake record. Transitions only move
// forward, or back to pending via reconciliation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

var (
	// ErrRecordNotFound indicates the requested record id does not exist.
	ErrRecordNotFound = errors.New("intake: record not found")
	// ErrNotClaimable indicates the record was not in pending state when a
	// claim was attempted (another worker got there first, or it already
	// finished).
	ErrNotClaimable = errors.New("intake: record not claimable")
	// ErrInvalidTransition indicates a terminal transition was attempted from
	// an incompatible state with a different outcome.
	ErrInvalidTransition = errors.New("intake: invalid status transition")
)

// Payload holds the call-derived demographic and appointment fields after
// normalization. Partial payloads are allowed at enqueue time; stage handlers
// validate what they need.
type Payload struct {
	FirstName   string `dynamodbav:"firstName" json:"firstName"`
	LastName    string `dynamodbav:"lastName" json:"lastName"`
	DateOfBirth string `dynamodbav:"dateOfBirth" json:"dateOfBirth"` // MM/DD/YYYY
	Phone       string `dynamodbav:"phone,omitempty" json:"phone,omitempty"`
	Email       string `dynamodbav:"email,omitempty" json:"email,omitempty"`
	Sex         string `dynamodbav:"sex,omitempty" json:"sex,omitempty"`
	Address     string `dynamodbav:"address,omitempty" json:"address,omitempty"`
	City        string `dynamodbav:"city,omitempty" json:"city,omitempty"`
	State       string `dynamodbav:"state,omitempty" json:"state,omitempty"`
	Zip         string `dynamodbav:"zip,omitempty" json:"zip,omitempty"`

	AppointmentID     string `dynamodbav:"appointmentId,omitempty" json:"appointmentId,omitempty"`
	AppointmentTypeID string `dynamodbav:"appointmentTypeId,omitempty" json:"appointmentTypeId,omitempty"`
	PreferredDate     string `dynamodbav:"preferredDate,omitempty" json:"preferredDate,omitempty"`
	PreferredTime     string `dynamodbav:"preferredTime,omitempty" json:"preferredTime,omitempty"`

	CallID        string `dynamodbav:"callId,omitempty" json:"callId,omitempty"`
	SourceChannel string `dynamodbav:"sourceChannel,omitempty" json:"sourceChannel,omitempty"`
}

// HasAppointmentSelection reports whether the caller picked a slot during the
// call. Records without a selection complete at patient creation.
func (p Payload) HasAppointmentSelection() bool {
	return p.AppointmentID != "" && p.AppointmentTypeID != ""
}

// RemoteIDs carries the external identifiers produced by the workflow.
type RemoteIDs struct {
	PatientID        string `dynamodbav:"patientId,omitempty" json:"patientId,omitempty"`
	BookingReference string `dynamodbav:"bookingReference,omitempty" json:"bookingReference,omitempty"`
}

// Record is one patient-intake attempt. Records are never deleted; the
// collection doubles as the audit trail.
type Record struct {
	ID      string  `dynamodbav:"recordId" json:"recordId"`
	Status  Status  `dynamodbav:"status" json:"status"`
	Payload Payload `dynamodbav:"payload" json:"payload"`

	RemotePatientID  string `dynamodbav:"remotePatientId,omitempty" json:"remotePatientId,omitempty"`
	BookingReference string `dynamodbav:"bookingReference,omitempty" json:"bookingReference,omitempty"`

	RetryCount int    `dynamodbav:"retryCount" json:"retryCount"`
	LastError  string `dynamodbav:"lastError,omitempty" json:"lastError,omitempty"`

	CreatedAt           string `dynamodbav:"createdAt" json:"createdAt"`
	ProcessingStartedAt string `dynamodbav:"processingStartedAt,omitempty" json:"processingStartedAt,omitempty"`
	CompletedAt         string `dynamodbav:"completedAt,omitempty" json:"completedAt,omitempty"`
	ErroredAt           string `dynamodbav:"erroredAt,omitempty" json:"erroredAt,omitempty"`
}

// Store is the durable intake queue contract. Claim and the terminal
// transitions must be atomic conditional writes so concurrent stage instances
// never double-process a record.
type Store interface {
	Enqueue(ctx context.Context, payload Payload) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	Claim(ctx context.Context, id string) (*Record, error)
	ClaimBatch(ctx context.Context, limit int) ([]*Record, error)
	SetRemotePatientID(ctx context.Context, id, remotePatientID string) error
	MarkCompleted(ctx context.Context, id string, remote RemoteIDs) error
	MarkError(ctx context.Context, id string, errInfo string) error
	FindStuck(ctx context.Context, olderThan time.Duration) ([]*Record, error)
	FindErrored(ctx context.Context, maxRetries int) ([]*Record, error)
	ResetToPending(ctx context.Context, id string) error
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
