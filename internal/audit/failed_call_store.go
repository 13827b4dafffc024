package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FailedCallStore records webhook calls that could not become intake records.
type FailedCallStore struct {
	pool querier
}

func NewFailedCallStore(pool *pgxpool.Pool) *FailedCallStore {
	if pool == nil {
		panic("audit: pgx pool required")
	}
	return &FailedCallStore{pool: pool}
}

func newFailedCallStoreWithExec(exec querier) *FailedCallStore {
	if exec == nil {
		panic("audit: exec required")
	}
	return &FailedCallStore{pool: exec}
}

// Insert appends one failed call. The raw payload is kept so staff can
// recover whatever the caller managed to provide.
func (s *FailedCallStore) Insert(ctx context.Context, call FailedCall) (uuid.UUID, error) {
	id := uuid.New()
	query := `
		INSERT INTO failed_calls (id, call_id, status, reason, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, id, call.CallID, call.Status, call.Reason, call.Payload); err != nil {
		return uuid.Nil, fmt.Errorf("audit: insert failed call: %w", err)
	}
	return id, nil
}

// List returns the most recent failed calls, newest first.
func (s *FailedCallStore) List(ctx context.Context, limit int32) ([]FailedCall, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, call_id, status, reason, payload, created_at
		FROM failed_calls
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list failed calls: %w", err)
	}
	defer rows.Close()

	var calls []FailedCall
	for rows.Next() {
		var call FailedCall
		if err := rows.Scan(&call.ID, &call.CallID, &call.Status, &call.Reason, &call.Payload, &call.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan failed call: %w", err)
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}
