package awsstore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sethvargo/go-retry"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// CalibrationStore keeps the latest consensus result per rule.
type CalibrationStore struct {
	client *dynamodb.Client
	table  string
}

func (s *CalibrationStore) StoreCalibrationResult(ctx context.Context, result adapters.CalibrationResult) error {
	item, err := marshalItem(result)
	if err != nil {
		return adapters.NewStoreError("dynamodb-calibration", "MarshalFailed", err, "ruleId", result.RuleID)
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
		return adapters.NewStoreError("dynamodb-calibration", "PutFailed", err, "ruleId", result.RuleID)
	}
	return nil
}

func (s *CalibrationStore) GetCalibrationResult(ctx context.Context, ruleID string) (*adapters.CalibrationResult, error) {
	var out *dynamodb.GetItemOutput
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key: map[string]ddbtypes.AttributeValue{
				"ruleId": &ddbtypes.AttributeValueMemberS{Value: ruleID},
			},
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, adapters.NewStoreError("dynamodb-calibration", "GetFailed", err, "ruleId", ruleID)
	}
	if out.Item == nil {
		return nil, adapters.ErrNotFound
	}
	var result adapters.CalibrationResult
	if err := unmarshalItem(out.Item, &result); err != nil {
		return nil, adapters.NewStoreError("dynamodb-calibration", "UnmarshalFailed", err, "ruleId", ruleID)
	}
	return &result, nil
}

func (s *CalibrationStore) AllCalibrationResults(ctx context.Context) ([]adapters.CalibrationResult, error) {
	var results []adapters.CalibrationResult
	var startKey map[string]ddbtypes.AttributeValue
	for {
		var out *dynamodb.ScanOutput
		err := withRetry(ctx, func(ctx context.Context) error {
			var err error
			out, err = s.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:         aws.String(s.table),
				ExclusiveStartKey: startKey,
			})
			if err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return nil, adapters.NewStoreError("dynamodb-calibration", "ScanFailed", err)
		}
		for _, item := range out.Items {
			var r adapters.CalibrationResult
			if err := unmarshalItem(item, &r); err != nil {
				return nil, adapters.NewStoreError("dynamodb-calibration", "UnmarshalFailed", err)
			}
			results = append(results, r)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return results, nil
}
