package store

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monorise/core/internal/keys"
)

// ReplicateEntityModify fans a canonical entity change out to every copy
// that still carries an older updatedAt. Copies that already moved ahead
// fail their condition and are left alone.
func (s *Store) ReplicateEntityModify(ctx context.Context, image map[string]types.AttributeValue) error {
	pk, ok := image["PK"]
	if !ok {
		return nil
	}
	updatedAt, ok := image["updatedAt"]
	if !ok {
		return nil
	}

	stale, err := s.queryIndexAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		IndexName:              aws.String(s.config.EntityReplicationIndex),
		KeyConditionExpression: aws.String("#R1PK = :R1PK"),
		FilterExpression:       aws.String("#updatedAt < :updatedAt"),
		ExpressionAttributeNames: map[string]string{
			"#R1PK":      "R1PK",
			"#updatedAt": "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":R1PK":      pk,
			":updatedAt": updatedAt,
		},
	})
	if err != nil {
		return err
	}

	return s.updateCopies(ctx, stale, updatedAt, image["data"])
}

// ReplicateMutualModify propagates mutualData to entities materialized
// from the mutual. The forward and reverse adjacency copies are excluded:
// those are rewritten transactionally at the source of every mutual write.
func (s *Store) ReplicateMutualModify(ctx context.Context, image map[string]types.AttributeValue) error {
	pk, ok := image["PK"]
	if !ok {
		return nil
	}
	mutualUpdatedAt, ok := image["mutualUpdatedAt"]
	if !ok {
		return nil
	}

	stale, err := s.queryIndexAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		IndexName:              aws.String(s.config.MutualReplicationIndex),
		KeyConditionExpression: aws.String("#R2PK = :R2PK"),
		FilterExpression:       aws.String("#updatedAt < :updatedAt AND #SK = :metadata"),
		ExpressionAttributeNames: map[string]string{
			"#R2PK":      "R2PK",
			"#SK":        "SK",
			"#updatedAt": "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":R2PK":      pk,
			":metadata":  &types.AttributeValueMemberS{Value: keys.MetadataSK},
			":updatedAt": mutualUpdatedAt,
		},
	})
	if err != nil {
		return err
	}

	return s.updateCopies(ctx, stale, mutualUpdatedAt, image["mutualData"])
}

// updateCopies rewrites data and updatedAt on each copy, conditioned on
// the copy still being older. Lost conditions are concurrent newer writes
// and are fine; anything else fails the replication.
func (s *Store) updateCopies(ctx context.Context, copies []map[string]types.AttributeValue, updatedAt, data types.AttributeValue) error {
	for _, item := range copies {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.config.Table),
			Key: map[string]types.AttributeValue{
				"PK": item["PK"],
				"SK": item["SK"],
			},
			UpdateExpression:    aws.String("SET #updatedAt = :updatedAt, #data = :data"),
			ConditionExpression: aws.String("#updatedAt < :updatedAt"),
			ExpressionAttributeNames: map[string]string{
				"#updatedAt": "updatedAt",
				"#data":      "data",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":updatedAt": updatedAt,
				":data":      data,
			},
		})
		if err != nil && !isConditionalCheckFailed(err) {
			return NewError(CodeReplicationError, "replication error", err, nil)
		}
	}
	return nil
}

// CascadeRemove deletes every copy pointing at a removed canonical row.
// Copies that belong to a mutual drag the mutual's own canonical row with
// them, so deleting an entity also dissolves its relationships.
func (s *Store) CascadeRemove(ctx context.Context, removedPK string, isMutual bool) error {
	index := s.config.EntityReplicationIndex
	rpk := "R1PK"
	if isMutual {
		index = s.config.MutualReplicationIndex
		rpk = "R2PK"
	}

	copies, err := s.queryIndexAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String("#RPK = :RPK"),
		ExpressionAttributeNames: map[string]string{
			"#RPK": rpk,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":RPK": &types.AttributeValueMemberS{Value: removedPK},
		},
	})
	if err != nil {
		return err
	}

	toDelete := make([]map[string]types.AttributeValue, 0, len(copies))
	seenMutuals := make(map[string]bool)
	for _, item := range copies {
		toDelete = append(toDelete, map[string]types.AttributeValue{
			"PK": item["PK"],
			"SK": item["SK"],
		})
		if r2pk := stringAttr(item, "R2PK"); strings.HasPrefix(r2pk, "MUTUAL#") && !seenMutuals[r2pk] {
			seenMutuals[r2pk] = true
			toDelete = append(toDelete, map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: r2pk},
				"SK": &types.AttributeValueMemberS{Value: keys.MetadataSK},
			})
		}
	}

	for _, key := range toDelete {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.config.Table),
			Key:       key,
		})
		if err != nil && !isConditionalCheckFailed(err) {
			return NewError(CodeReplicationError, "replication error", err, nil)
		}
	}
	return nil
}

func (s *Store) queryIndexAll(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
		if resp.LastEvaluatedKey == nil {
			return items, nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}
