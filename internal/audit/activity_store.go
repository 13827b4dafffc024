package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActivityStore writes and lists completed workflow steps.
type ActivityStore struct {
	pool querier
}

func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	if pool == nil {
		panic("audit: pgx pool required")
	}
	return &ActivityStore{pool: pool}
}

func newActivityStoreWithExec(exec querier) *ActivityStore {
	if exec == nil {
		panic("audit: exec required")
	}
	return &ActivityStore{pool: exec}
}

// Insert appends one activity entry.
func (s *ActivityStore) Insert(ctx context.Context, entry ActivityEntry) (uuid.UUID, error) {
	id := uuid.New()
	query := `
		INSERT INTO activity_log (id, record_id, correlation_id, stage, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.pool.Exec(ctx, query, id, entry.RecordID, entry.CorrelationID, entry.Stage, entry.Detail, entry.OccurredAt); err != nil {
		return uuid.Nil, fmt.Errorf("audit: insert activity entry: %w", err)
	}
	return id, nil
}

// ListForRecord returns the activity trail for one intake record in order.
func (s *ActivityStore) ListForRecord(ctx context.Context, recordID string) ([]ActivityEntry, error) {
	query := `
		SELECT id, record_id, correlation_id, stage, detail, occurred_at, created_at
		FROM activity_log
		WHERE record_id = $1
		ORDER BY occurred_at
	`
	rows, err := s.pool.Query(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("audit: list activity for %s: %w", recordID, err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var entry ActivityEntry
		if err := rows.Scan(&entry.ID, &entry.RecordID, &entry.CorrelationID, &entry.Stage, &entry.Detail, &entry.OccurredAt, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan activity entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
