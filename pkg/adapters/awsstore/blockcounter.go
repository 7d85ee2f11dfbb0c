package awsstore

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sethvargo/go-retry"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// BlockCounter keeps hourly (rule, org) buckets in DynamoDB. ADD gives the
// atomic increment; expiresAt doubles as the table's TTL attribute so
// stale buckets clean themselves up.
type BlockCounter struct {
	client *dynamodb.Client
	table  string
}

func (b *BlockCounter) Increment(ctx context.Context, ruleID, orgID string) (int64, error) {
	now := time.Now()
	expires := now.Add(adapters.BucketTTL).Unix()
	var out *dynamodb.UpdateItemOutput
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(b.table),
			Key: map[string]ddbtypes.AttributeValue{
				"bucketKey": &ddbtypes.AttributeValueMemberS{Value: adapters.BucketKey(ruleID, orgID, now)},
			},
			UpdateExpression: aws.String("ADD cnt :one SET expiresAt = if_not_exists(expiresAt, :exp)"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":one": &ddbtypes.AttributeValueMemberN{Value: "1"},
				":exp": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)},
			},
			ReturnValues: ddbtypes.ReturnValueUpdatedNew,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return 0, adapters.NewStoreError("dynamodb-block-counter", "IncrementFailed", err,
			"ruleId", ruleID, "orgId", orgID)
	}
	return attrInt(out.Attributes["cnt"]), nil
}

func (b *BlockCounter) Count(ctx context.Context, ruleID, orgID string) (int64, error) {
	now := time.Now()
	var out *dynamodb.GetItemOutput
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(b.table),
			Key: map[string]ddbtypes.AttributeValue{
				"bucketKey": &ddbtypes.AttributeValueMemberS{Value: adapters.BucketKey(ruleID, orgID, now)},
			},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return 0, adapters.NewStoreError("dynamodb-block-counter", "GetFailed", err,
			"ruleId", ruleID, "orgId", orgID)
	}
	if out.Item == nil {
		return 0, nil
	}
	// TTL deletion lags; an expired bucket reads as zero regardless.
	if exp := attrInt(out.Item["expiresAt"]); exp > 0 && exp <= now.Unix() {
		return 0, nil
	}
	return attrInt(out.Item["cnt"]), nil
}

func (b *BlockCounter) IsCircuitBroken(ctx context.Context, ruleID, orgID string, threshold int64) (bool, error) {
	n, err := b.Count(ctx, ruleID, orgID)
	if err != nil {
		return false, err
	}
	return n >= threshold, nil
}

func attrInt(av ddbtypes.AttributeValue) int64 {
	n, ok := av.(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
