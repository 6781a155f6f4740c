package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"lambda-publish/internal/faults"
)

// DynamoAPI is the slice of the DynamoDB client this store uses.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore is the production subscription store. Heterogeneous item
// attributes cross the AttributeValue boundary only here; everything above
// works with typed Records.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

// NewDynamoStore creates a store over the given table.
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// Query returns all subscription records under one partition key.
func (s *DynamoStore) Query(ctx context.Context, registryID, repository, tag string) ([]Record, error) {
	pk := PartitionKey(registryID, repository, tag)

	var records []Record
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, faults.Store(fmt.Errorf("query %s: %w", pk, err))
		}

		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, faults.Store(fmt.Errorf("unmarshal %s: %w", pk, err))
		}
		records = append(records, page...)

		if out.LastEvaluatedKey == nil {
			return records, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// MarkProcessed is the idempotency gate: a conditional write that succeeds
// for exactly one caller per (target, digest).
func (s *DynamoStore) MarkProcessed(ctx context.Context, key Key, digest string) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyAttributes(key),
		UpdateExpression:    aws.String("SET lastProcessedDigest = :d"),
		ConditionExpression: aws.String("attribute_not_exists(lastProcessedDigest) OR lastProcessedDigest <> :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberS{Value: digest},
		},
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return false, nil
		}
		return false, faults.Store(fmt.Errorf("mark processed %s/%s: %w", key.PK, key.SK, err))
	}
	return true, nil
}

// ClearProcessed reverts a gate this invocation won but could not act on.
func (s *DynamoStore) ClearProcessed(ctx context.Context, key Key, digest string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyAttributes(key),
		UpdateExpression:    aws.String("REMOVE lastProcessedDigest"),
		ConditionExpression: aws.String("lastProcessedDigest = :d"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberS{Value: digest},
		},
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			// Someone else advanced the digest already; nothing to revert.
			return nil
		}
		return faults.Store(fmt.Errorf("clear processed %s/%s: %w", key.PK, key.SK, err))
	}
	return nil
}

// RecordOutcome overwrites the status fields. Only one writer exists per
// (target, digest) past the gate, so last-writer-wins is sufficient.
func (s *DynamoStore) RecordOutcome(ctx context.Context, key Key, status, executionID string) error {
	update := "SET lastStatus = :s"
	values := map[string]types.AttributeValue{
		":s": &types.AttributeValueMemberS{Value: status},
	}
	if executionID != "" {
		update += ", lastExecutionId = :e"
		values[":e"] = &types.AttributeValueMemberS{Value: executionID}
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAttributes(key),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return faults.Store(fmt.Errorf("record outcome %s/%s: %w", key.PK, key.SK, err))
	}
	return nil
}

// PendingExecutions scans for pipeline-mode records still awaiting a
// terminal execution status. The table holds one small item per
// subscription, so a filtered scan off the hot path is acceptable.
func (s *DynamoStore) PendingExecutions(ctx context.Context) ([]Record, error) {
	filter := "#mode = :pipeline AND attribute_exists(lastExecutionId)" +
		" AND NOT (#status IN (:succeeded, :failed, :stopped))"

	var records []Record
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String(filter),
			ExpressionAttributeNames: map[string]string{
				"#mode":   "mode",
				"#status": "lastStatus",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pipeline":  &types.AttributeValueMemberS{Value: "pipeline"},
				":succeeded": &types.AttributeValueMemberS{Value: ExecSucceeded},
				":failed":    &types.AttributeValueMemberS{Value: ExecFailed},
				":stopped":   &types.AttributeValueMemberS{Value: ExecStopped},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, faults.Store(fmt.Errorf("scan pending executions: %w", err))
		}

		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, faults.Store(fmt.Errorf("unmarshal pending executions: %w", err))
		}
		records = append(records, page...)

		if out.LastEvaluatedKey == nil {
			return records, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func keyAttributes(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key.PK},
		"SK": &types.AttributeValueMemberS{Value: key.SK},
	}
}
