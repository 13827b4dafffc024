// Package audit persists the append-only trail of the intake workflow:
// stage errors, completed activity, and webhook calls that never became
// intake records.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrorRecord is one stage failure. Rows are never updated or deleted.
type ErrorRecord struct {
	ID            uuid.UUID
	RecordID      string
	CorrelationID string
	Stage         string
	Reason        string
	Retryable     bool
	Context       string
	CreatedAt     time.Time
}

// ActivityEntry is one completed workflow step for a record.
type ActivityEntry struct {
	ID            uuid.UUID
	RecordID      string
	CorrelationID string
	Stage         string
	Detail        string
	OccurredAt    time.Time
	CreatedAt     time.Time
}

// FailedCall is a webhook delivery that never produced an intake record,
// kept for manual staff follow-up.
type FailedCall struct {
	ID        uuid.UUID
	CallID    string
	Status    string
	Reason    string
	Payload   string
	CreatedAt time.Time
}
