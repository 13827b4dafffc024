package intake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for local development and tests. It
// mirrors the DynamoDB store's transition rules, including claim exclusivity
// and idempotent terminal transitions.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Enqueue(_ context.Context, payload Payload) (*Record, error) {
	if err := ValidateForEnqueue(payload); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := &Record{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: timestamp(time.Now()),
	}
	s.records[record.ID] = record
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) Claim(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimLocked(id)
}

func (s *MemoryStore) claimLocked(id string) (*Record, error) {
	record, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if record.Status != StatusPending {
		return nil, ErrNotClaimable
	}
	record.Status = StatusProcessing
	record.ProcessingStartedAt = timestamp(time.Now())
	copied := *record
	return &copied, nil
}

func (s *MemoryStore) ClaimBatch(_ context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 10
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.records))
	for id, record := range s.records {
		if record.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	claimed := make([]*Record, 0, limit)
	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}
		record, err := s.claimLocked(id)
		if err != nil {
			continue
		}
		claimed = append(claimed, record)
	}
	return claimed, nil
}

func (s *MemoryStore) SetRemotePatientID(_ context.Context, id, remotePatientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	record.RemotePatientID = remotePatientID
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string, remote RemoteIDs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	switch record.Status {
	case StatusCompleted:
		return nil
	case StatusProcessing:
	default:
		return fmt.Errorf("%w: record %s is %s, wanted %s", ErrInvalidTransition, id, record.Status, StatusCompleted)
	}

	record.Status = StatusCompleted
	record.CompletedAt = timestamp(time.Now())
	record.ErroredAt = ""
	record.LastError = ""
	if remote.PatientID != "" {
		record.RemotePatientID = remote.PatientID
	}
	if remote.BookingReference != "" {
		record.BookingReference = remote.BookingReference
	}
	return nil
}

func (s *MemoryStore) MarkError(_ context.Context, id string, errInfo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	switch record.Status {
	case StatusError:
		return nil
	case StatusProcessing, StatusPending:
	default:
		return fmt.Errorf("%w: record %s is %s, wanted %s", ErrInvalidTransition, id, record.Status, StatusError)
	}

	record.Status = StatusError
	record.ErroredAt = timestamp(time.Now())
	record.LastError = errInfo
	return nil
}

func (s *MemoryStore) FindStuck(_ context.Context, olderThan time.Duration) ([]*Record, error) {
	cutoff := timestamp(time.Now().Add(-olderThan))

	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []*Record
	for _, record := range s.records {
		if record.Status == StatusProcessing && record.ProcessingStartedAt != "" && record.ProcessingStartedAt < cutoff {
			copied := *record
			stuck = append(stuck, &copied)
		}
	}
	sortByID(stuck)
	return stuck, nil
}

func (s *MemoryStore) FindErrored(_ context.Context, maxRetries int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errored []*Record
	for _, record := range s.records {
		if record.Status == StatusError && record.RetryCount < maxRetries {
			copied := *record
			errored = append(errored, &copied)
		}
	}
	sortByID(errored)
	return errored, nil
}

func (s *MemoryStore) ResetToPending(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Status != StatusProcessing && record.Status != StatusError {
		return ErrInvalidTransition
	}

	record.Status = StatusPending
	record.ProcessingStartedAt = ""
	record.ErroredAt = ""
	record.LastError = ""
	record.RetryCount++
	return nil
}

func sortByID(records []*Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}
