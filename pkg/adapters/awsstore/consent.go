package awsstore

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sethvargo/go-retry"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// ConsentStore keeps one item per (orgId, feature) pair.
type ConsentStore struct {
	client *dynamodb.Client
	table  string
}

func (s *ConsentStore) CheckResourceConsent(ctx context.Context, orgID, feature string) (bool, error) {
	c, err := s.get(ctx, orgID, feature)
	if errors.Is(err, adapters.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Holds(time.Now(), feature), nil
}

func (s *ConsentStore) GrantConsent(ctx context.Context, orgID, feature, grantedBy string, expiresAt *time.Time) error {
	item, err := marshalItem(adapters.Consent{
		OrgID:     orgID,
		Feature:   feature,
		Granted:   true,
		GrantedAt: time.Now().UTC(),
		GrantedBy: grantedBy,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return adapters.NewStoreError("dynamodb-consent", "MarshalFailed", err, "orgId", orgID)
	}
	err = withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return adapters.NewStoreError("dynamodb-consent", "PutFailed", err, "orgId", orgID, "feature", feature)
	}
	return nil
}

func (s *ConsentStore) RevokeConsent(ctx context.Context, orgID, feature, revokedBy string) error {
	err := withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]ddbtypes.AttributeValue{
				"orgId":   &ddbtypes.AttributeValueMemberS{Value: orgID},
				"feature": &ddbtypes.AttributeValueMemberS{Value: feature},
			},
			ConditionExpression: aws.String("attribute_exists(orgId)"),
			UpdateExpression:    aws.String("SET revokedAt = :at, revokedBy = :by"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":at": &ddbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
				":by": &ddbtypes.AttributeValueMemberS{Value: revokedBy},
			},
		})
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return adapters.ErrNotFound
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if errors.Is(err, adapters.ErrNotFound) {
		return err
	}
	if err != nil {
		return adapters.NewStoreError("dynamodb-consent", "UpdateFailed", err, "orgId", orgID, "feature", feature)
	}
	return nil
}

func (s *ConsentStore) ConsentSummary(ctx context.Context, orgID string) ([]adapters.Consent, error) {
	var out *dynamodb.QueryOutput
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    aws.String("orgId = :o"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":o": &ddbtypes.AttributeValueMemberS{Value: orgID}},
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, adapters.NewStoreError("dynamodb-consent", "QueryFailed", err, "orgId", orgID)
	}
	consents := make([]adapters.Consent, 0, len(out.Items))
	for _, item := range out.Items {
		var c adapters.Consent
		if err := unmarshalItem(item, &c); err != nil {
			return nil, adapters.NewStoreError("dynamodb-consent", "UnmarshalFailed", err, "orgId", orgID)
		}
		consents = append(consents, c)
	}
	return consents, nil
}

func (s *ConsentStore) CheckMultipleResources(ctx context.Context, orgID string, features []string) (map[string]bool, error) {
	out := make(map[string]bool, len(features))
	for _, f := range features {
		ok, err := s.CheckResourceConsent(ctx, orgID, f)
		if err != nil {
			return nil, err
		}
		out[f] = ok
	}
	return out, nil
}

func (s *ConsentStore) get(ctx context.Context, orgID, feature string) (*adapters.Consent, error) {
	var out *dynamodb.GetItemOutput
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key: map[string]ddbtypes.AttributeValue{
				"orgId":   &ddbtypes.AttributeValueMemberS{Value: orgID},
				"feature": &ddbtypes.AttributeValueMemberS{Value: feature},
			},
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, adapters.NewStoreError("dynamodb-consent", "GetFailed", err, "orgId", orgID, "feature", feature)
	}
	if out.Item == nil {
		return nil, adapters.ErrNotFound
	}
	var c adapters.Consent
	if err := unmarshalItem(out.Item, &c); err != nil {
		return nil, adapters.NewStoreError("dynamodb-consent", "UnmarshalFailed", err, "orgId", orgID)
	}
	return &c, nil
}
