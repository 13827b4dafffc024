package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrorStore writes and lists stage failures.
type ErrorStore struct {
	pool querier
}

func NewErrorStore(pool *pgxpool.Pool) *ErrorStore {
	if pool == nil {
		panic("audit: pgx pool required")
	}
	return &ErrorStore{pool: pool}
}

func newErrorStoreWithExec(exec querier) *ErrorStore {
	if exec == nil {
		panic("audit: exec required")
	}
	return &ErrorStore{pool: exec}
}

// Insert appends a stage failure.
func (s *ErrorStore) Insert(ctx context.Context, rec ErrorRecord) (uuid.UUID, error) {
	id := uuid.New()
	query := `
		INSERT INTO error_records (id, record_id, correlation_id, stage, reason, retryable, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.pool.Exec(ctx, query, id, rec.RecordID, rec.CorrelationID, rec.Stage, rec.Reason, rec.Retryable, rec.Context); err != nil {
		return uuid.Nil, fmt.Errorf("audit: insert error record: %w", err)
	}
	return id, nil
}

// List returns the most recent failures, newest first.
func (s *ErrorStore) List(ctx context.Context, limit int32) ([]ErrorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, record_id, correlation_id, stage, reason, retryable, context, created_at
		FROM error_records
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list error records: %w", err)
	}
	defer rows.Close()

	var records []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		if err := rows.Scan(&rec.ID, &rec.RecordID, &rec.CorrelationID, &rec.Stage, &rec.Reason, &rec.Retryable, &rec.Context, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan error record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListForRecord returns every failure logged against one intake record.
func (s *ErrorStore) ListForRecord(ctx context.Context, recordID string) ([]ErrorRecord, error) {
	query := `
		SELECT id, record_id, correlation_id, stage, reason, retryable, context, created_at
		FROM error_records
		WHERE record_id = $1
		ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("audit: list error records for %s: %w", recordID, err)
	}
	defer rows.Close()

	var records []ErrorRecord
	for rows.Next() {
		var rec ErrorRecord
		if err := rows.Scan(&rec.ID, &rec.RecordID, &rec.CorrelationID, &rec.Stage, &rec.Reason, &rec.Retryable, &rec.Context, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan error record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
