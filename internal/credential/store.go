// Package credential manages the single OAuth access token shared by every
// outbound call to the scheduling API. One refresher writes it; many workers
// read it.
package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

// singletonKey is the fixed partition key for the one credential item.
const singletonKey = "scheduling-api"

// Credential is the stored OAuth token with its bookkeeping fields.
type Credential struct {
	Key          string `dynamodbav:"credentialKey" json:"credentialKey"`
	AccessToken  string `dynamodbav:"accessToken"   json:"accessToken"`
	TokenType    string `dynamodbav:"tokenType"     json:"tokenType"`
	Scope        string `dynamodbav:"scope"         json:"scope"`
	CreatedAt    string `dynamodbav:"createdAt"     json:"createdAt"`
	ExpiresAt    string `dynamodbav:"expiresAt"     json:"expiresAt"`
	RefreshCount int    `dynamodbav:"refreshCount"  json:"refreshCount"`
}

// ExpiresAtTime parses the stored expiry. A zero time means the field is
// unusable and the credential must be treated as expired.
func (c Credential) ExpiresAtTime() time.Time {
	t, err := time.Parse(time.RFC3339Nano, c.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UsableAt reports whether the token is still valid at the given instant,
// leaving the safety buffer before the real expiry.
func (c Credential) UsableAt(now time.Time, buffer time.Duration) bool {
	expiry := c.ExpiresAtTime()
	if expiry.IsZero() {
		return false
	}
	return now.Before(expiry.Add(-buffer))
}

// Source yields a usable access token for outbound API calls.
type Source interface {
	// Token returns the current access token, or ErrCredentialUnavailable /
	// ErrCredentialExpired when no usable token exists.
	Token(ctx context.Context) (string, error)
}

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Store persists the credential singleton in DynamoDB. Writes replace the
// whole item so readers always see a complete token.
type Store struct {
	client       dynamoAPI
	table        string
	expiryBuffer time.Duration
	logger       *logging.Logger
	now          func() time.Time
}

// NewStore creates a DynamoDB-backed credential store.
func NewStore(client dynamoAPI, table string, expiryBuffer time.Duration, logger *logging.Logger) *Store {
	if client == nil {
		panic("credential: dynamo client cannot be nil")
	}
	if table == "" {
		panic("credential: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if expiryBuffer <= 0 {
		expiryBuffer = 10 * time.Minute
	}
	return &Store{
		client:       client,
		table:        table,
		expiryBuffer: expiryBuffer,
		logger:       logger,
		now:          time.Now,
	}
}

// Put replaces the stored credential atomically.
func (s *Store) Put(ctx context.Context, cred Credential) error {
	cred.Key = singletonKey
	item, err := attributevalue.MarshalMap(cred)
	if err != nil {
		return fmt.Errorf("credential: failed to marshal credential: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("credential: failed to store credential: %w", err)
	}

	s.logger.Info("stored refreshed credential",
		"expires_at", cred.ExpiresAt,
		"refresh_count", cred.RefreshCount,
	)
	return nil
}

// Get returns the stored credential regardless of expiry. Used by the
// refresher to carry the refresh counter forward.
func (s *Store) Get(ctx context.Context) (Credential, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"credentialKey": &types.AttributeValueMemberS{Value: singletonKey},
		},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("credential: failed to load credential: %w", err)
	}
	if len(out.Item) == 0 {
		return Credential{}, workflow.ErrCredentialUnavailable
	}

	var cred Credential
	if err := attributevalue.UnmarshalMap(out.Item, &cred); err != nil {
		return Credential{}, fmt.Errorf("credential: failed to unmarshal credential: %w", err)
	}
	return cred, nil
}

// Token implements Source against the store directly.
func (s *Store) Token(ctx context.Context) (string, error) {
	cred, err := s.Get(ctx)
	if err != nil {
		return "", err
	}
	if !cred.UsableAt(s.now(), s.expiryBuffer) {
		return "", workflow.ErrCredentialExpired
	}
	return cred.AccessToken, nil
}
