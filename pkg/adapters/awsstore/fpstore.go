package awsstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sethvargo/go-retry"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

// findingIndex is the GSI keyed by findingId; one finding maps to exactly
// one event.
const findingIndex = "findingId-index"

// windowScanCap bounds how many events one window query will page through.
const windowScanCap = 1000

// FPStore persists review events in a DynamoDB table keyed by
// (ruleId, eventId), with findingId as a GSI.
type FPStore struct {
	client *dynamodb.Client
	table  string
}

func (s *FPStore) RecordEvent(ctx context.Context, event adapters.FPEvent) error {
	item, err := marshalItem(event)
	if err != nil {
		return adapters.NewStoreError("dynamodb-fp", "MarshalFailed", err, "ruleId", event.RuleID)
	}
	err = withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(eventId)"),
		})
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return adapters.ErrDuplicateEvent
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if errors.Is(err, adapters.ErrDuplicateEvent) {
		return err
	}
	if err != nil {
		return adapters.NewStoreError("dynamodb-fp", "PutFailed", err,
			"ruleId", event.RuleID, "eventId", event.EventID)
	}
	return nil
}

func (s *FPStore) MarkFalsePositive(ctx context.Context, findingID, reviewedBy, ticket string) error {
	ev, err := s.byFinding(ctx, "", findingID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]ddbtypes.AttributeValue{
				"ruleId":  &ddbtypes.AttributeValueMemberS{Value: ev.RuleID},
				"eventId": &ddbtypes.AttributeValueMemberS{Value: ev.EventID},
			},
			UpdateExpression: aws.String("SET isFalsePositive = :fp, reviewedBy = :by, suppressionTicket = :ticket, reviewedAt = :at"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":fp":     &ddbtypes.AttributeValueMemberBOOL{Value: true},
				":by":     &ddbtypes.AttributeValueMemberS{Value: reviewedBy},
				":ticket": &ddbtypes.AttributeValueMemberS{Value: ticket},
				":at":     &ddbtypes.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			},
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return adapters.NewStoreError("dynamodb-fp", "UpdateFailed", err, "findingId", findingID)
	}
	return nil
}

func (s *FPStore) WindowByCount(ctx context.Context, ruleID string, n int) (*adapters.FPWindow, error) {
	events, err := s.ruleEvents(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if len(events) > n {
		events = events[:n]
	}
	return adapters.ComputeWindow(ruleID, events), nil
}

func (s *FPStore) WindowSince(ctx context.Context, ruleID string, since time.Time) (*adapters.FPWindow, error) {
	events, err := s.ruleEvents(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	kept := events[:0]
	for _, ev := range events {
		if !ev.Timestamp.Before(since) {
			kept = append(kept, ev)
		}
	}
	return adapters.ComputeWindow(ruleID, kept), nil
}

func (s *FPStore) IsFalsePositive(ctx context.Context, ruleID, findingID string) (bool, error) {
	ev, err := s.byFinding(ctx, ruleID, findingID)
	if errors.Is(err, adapters.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ev.IsFalsePositive, nil
}

// ruleEvents pages the rule's partition and returns events newest first.
// The sort key is eventId, so time ordering happens client-side under the
// page cap.
func (s *FPStore) ruleEvents(ctx context.Context, ruleID string) ([]adapters.FPEvent, error) {
	var events []adapters.FPEvent
	var startKey map[string]ddbtypes.AttributeValue
	for len(events) < windowScanCap {
		var out *dynamodb.QueryOutput
		err := withRetry(ctx, func(ctx context.Context) error {
			var err error
			out, err = s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:                 aws.String(s.table),
				KeyConditionExpression:    aws.String("ruleId = :r"),
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":r": &ddbtypes.AttributeValueMemberS{Value: ruleID}},
				ExclusiveStartKey:         startKey,
			})
			if err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return nil, adapters.NewStoreError("dynamodb-fp", "QueryFailed", err, "ruleId", ruleID)
		}
		for _, item := range out.Items {
			var ev adapters.FPEvent
			if err := unmarshalItem(item, &ev); err != nil {
				return nil, adapters.NewStoreError("dynamodb-fp", "UnmarshalFailed", err, "ruleId", ruleID)
			}
			events = append(events, ev)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.After(events[j].Timestamp) })
	return events, nil
}

func (s *FPStore) byFinding(ctx context.Context, ruleID, findingID string) (*adapters.FPEvent, error) {
	var out *dynamodb.QueryOutput
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(findingIndex),
			KeyConditionExpression:    aws.String("findingId = :f"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":f": &ddbtypes.AttributeValueMemberS{Value: findingID}},
			Limit:                     aws.Int32(2),
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, adapters.NewStoreError("dynamodb-fp", "QueryFailed", err, "findingId", findingID)
	}
	for _, item := range out.Items {
		var ev adapters.FPEvent
		if err := unmarshalItem(item, &ev); err != nil {
			return nil, adapters.NewStoreError("dynamodb-fp", "UnmarshalFailed", err, "findingId", findingID)
		}
		if ruleID == "" || ev.RuleID == ruleID {
			return &ev, nil
		}
	}
	return nil, adapters.ErrNotFound
}
