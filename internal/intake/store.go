package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/carebridge-health/intake-engine/pkg/logging"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore persists intake records to DynamoDB. Claim and terminal
// transitions use condition expressions, never read-then-write.
type DynamoStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore builds a store backed by the provided DynamoDB client.
func NewDynamoStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoStore {
	if client == nil {
		panic("intake: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("intake: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &DynamoStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// Enqueue inserts a new pending record and returns it. Minimal producer-side
// validation only: a name pair and a parseable birth date.
func (s *DynamoStore) Enqueue(ctx context.Context, payload Payload) (*Record, error) {
	if err := ValidateForEnqueue(payload); err != nil {
		return nil, err
	}

	record := &Record{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: timestamp(time.Now()),
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return nil, fmt.Errorf("intake: failed to marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(recordId)"),
	})
	if err != nil {
		return nil, fmt.Errorf("intake: failed to persist record: %w", err)
	}
	return record, nil
}

// Get fetches a record by id.
func (s *DynamoStore) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, errors.New("intake: record id required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       recordKey(id),
	})
	if err != nil {
		return nil, fmt.Errorf("intake: failed to fetch record: %w", err)
	}
	if out.Item == nil {
		return nil, ErrRecordNotFound
	}

	var record Record
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, fmt.Errorf("intake: failed to decode record: %w", err)
	}
	return &record, nil
}

// Claim transitions a single record pending -> processing. The condition
// expression guarantees at most one concurrent claimer wins.
func (s *DynamoStore) Claim(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, errors.New("intake: record id required")
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 recordKey(id),
		UpdateExpression:    aws.String("SET #status = :processing, processingStartedAt = :now"),
		ConditionExpression: aws.String("#status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
			":pending":    &types.AttributeValueMemberS{Value: string(StatusPending)},
			":now":        &types.AttributeValueMemberS{Value: timestamp(time.Now())},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil, ErrNotClaimable
		}
		return nil, fmt.Errorf("intake: failed to claim record %s: %w", id, err)
	}

	var record Record
	if err := attributevalue.UnmarshalMap(out.Attributes, &record); err != nil {
		return nil, fmt.Errorf("intake: failed to decode claimed record: %w", err)
	}
	return &record, nil
}

// ClaimBatch claims up to limit pending records. Records that lose the
// conditional write to a concurrent claimer are skipped, so no record is ever
// returned to two callers.
func (s *DynamoStore) ClaimBatch(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 10
	}

	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("#status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("intake: failed to scan pending records: %w", err)
	}

	claimed := make([]*Record, 0, limit)
	for _, item := range out.Items {
		if len(claimed) >= limit {
			break
		}
		var candidate Record
		if err := attributevalue.UnmarshalMap(item, &candidate); err != nil {
			s.logger.Warn("skipping undecodable intake record", "error", err)
			continue
		}
		record, err := s.Claim(ctx, candidate.ID)
		if err != nil {
			if errors.Is(err, ErrNotClaimable) {
				continue
			}
			return claimed, err
		}
		claimed = append(claimed, record)
	}
	return claimed, nil
}

// SetRemotePatientID stamps the external patient identifier once creation
// succeeds. The record must still be processing.
func (s *DynamoStore) SetRemotePatientID(ctx context.Context, id, remotePatientID string) error {
	if id == "" || remotePatientID == "" {
		return errors.New("intake: record id and remote patient id required")
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 recordKey(id),
		UpdateExpression:    aws.String("SET remotePatientId = :remote"),
		ConditionExpression: aws.String("#status = :processing"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":remote":     &types.AttributeValueMemberS{Value: remotePatientID},
			":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrInvalidTransition
		}
		return fmt.Errorf("intake: failed to set remote patient id on %s: %w", id, err)
	}
	return nil
}

// MarkCompleted finalizes a record. Repeating the call on an
// already-completed record is a no-op.
func (s *DynamoStore) MarkCompleted(ctx context.Context, id string, remote RemoteIDs) error {
	if id == "" {
		return errors.New("intake: record id required")
	}

	values := map[string]types.AttributeValue{
		":completed":  &types.AttributeValueMemberS{Value: string(StatusCompleted)},
		":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
		":now":        &types.AttributeValueMemberS{Value: timestamp(time.Now())},
		":empty":      &types.AttributeValueMemberS{Value: ""},
	}
	expr := "SET #status = :completed, completedAt = :now, lastError = :empty REMOVE erroredAt"
	if remote.PatientID != "" {
		expr = "SET #status = :completed, completedAt = :now, lastError = :empty, remotePatientId = :patient"
		values[":patient"] = &types.AttributeValueMemberS{Value: remote.PatientID}
		if remote.BookingReference != "" {
			expr += ", bookingReference = :booking"
			values[":booking"] = &types.AttributeValueMemberS{Value: remote.BookingReference}
		}
		expr += " REMOVE erroredAt"
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 recordKey(id),
		UpdateExpression:    aws.String(expr),
		ConditionExpression: aws.String("#status = :processing"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailure(err) {
			return s.terminalNoop(ctx, id, StatusCompleted)
		}
		return fmt.Errorf("intake: failed to complete record %s: %w", id, err)
	}
	return nil
}

// MarkError moves a record to the error state. Repeating the call on an
// already-errored record is a no-op.
func (s *DynamoStore) MarkError(ctx context.Context, id string, errInfo string) error {
	if id == "" {
		return errors.New("intake: record id required")
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 recordKey(id),
		UpdateExpression:    aws.String("SET #status = :error, erroredAt = :now, lastError = :info"),
		ConditionExpression: aws.String("#status = :processing OR #status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":error":      &types.AttributeValueMemberS{Value: string(StatusError)},
			":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
			":pending":    &types.AttributeValueMemberS{Value: string(StatusPending)},
			":now":        &types.AttributeValueMemberS{Value: timestamp(time.Now())},
			":info":       &types.AttributeValueMemberS{Value: errInfo},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return s.terminalNoop(ctx, id, StatusError)
		}
		return fmt.Errorf("intake: failed to mark record %s errored: %w", id, err)
	}
	return nil
}

// terminalNoop resolves a failed terminal transition: same outcome twice is
// idempotent, a different outcome is an invalid transition.
func (s *DynamoStore) terminalNoop(ctx context.Context, id string, want Status) error {
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.Status == want {
		return nil
	}
	return fmt.Errorf("%w: record %s is %s, wanted %s", ErrInvalidTransition, id, record.Status, want)
}

// FindStuck returns processing records whose claim is older than the
// threshold. RFC3339 timestamps in UTC compare lexicographically.
func (s *DynamoStore) FindStuck(ctx context.Context, olderThan time.Duration) ([]*Record, error) {
	cutoff := timestamp(time.Now().Add(-olderThan))

	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("#status = :processing AND processingStartedAt < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
			":cutoff":     &types.AttributeValueMemberS{Value: cutoff},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("intake: failed to scan stuck records: %w", err)
	}
	return decodeRecords(out.Items)
}

// FindErrored returns errored records still under the reconciliation retry cap.
func (s *DynamoStore) FindErrored(ctx context.Context, maxRetries int) ([]*Record, error) {
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("#status = :error AND retryCount < :max"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":error": &types.AttributeValueMemberS{Value: string(StatusError)},
			":max":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", maxRetries)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("intake: failed to scan errored records: %w", err)
	}
	return decodeRecords(out.Items)
}

// ResetToPending requeues a stuck or errored record, clearing the
// processing/error fields and bumping the retry counter.
func (s *DynamoStore) ResetToPending(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("intake: record id required")
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       recordKey(id),
		UpdateExpression: aws.String(
			"SET #status = :pending, retryCount = if_not_exists(retryCount, :zero) + :one " +
				"REMOVE processingStartedAt, erroredAt, lastError"),
		ConditionExpression: aws.String("#status = :processing OR #status = :error"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":    &types.AttributeValueMemberS{Value: string(StatusPending)},
			":processing": &types.AttributeValueMemberS{Value: string(StatusProcessing)},
			":error":      &types.AttributeValueMemberS{Value: string(StatusError)},
			":zero":       &types.AttributeValueMemberN{Value: "0"},
			":one":        &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrInvalidTransition
		}
		return fmt.Errorf("intake: failed to reset record %s: %w", id, err)
	}
	return nil
}

func recordKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"recordId": &types.AttributeValueMemberS{Value: id},
	}
}

func decodeRecords(items []map[string]types.AttributeValue) ([]*Record, error) {
	records := make([]*Record, 0, len(items))
	for _, item := range items {
		var record Record
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, fmt.Errorf("intake: failed to decode record: %w", err)
		}
		records = append(records, &record)
	}
	return records, nil
}

func isConditionFailure(err error) bool {
	var conditionErr *types.ConditionalCheckFailedException
	return errors.As(err, &conditionErr)
}
