package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monorise/core/internal/keys"
)

// TaggedEntity is an entity snapshot filed under a named tag, optionally
// bucketed into a group and ordered by a sort value.
type TaggedEntity struct {
	TagName   string
	Group     string
	SortValue string

	EntityType string
	EntityID   string
	Data       map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (t *TaggedEntity) forwardKeys() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: keys.TagPK(t.EntityType, t.TagName, t.Group)},
		"SK": &types.AttributeValueMemberS{Value: keys.TagSK(t.SortValue, t.EntityType, t.EntityID)},
	}
}

// reversedKeys file the tag under the entity, so every tag an entity holds
// can be enumerated from its own partition.
func (t *TaggedEntity) reversedKeys() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: keys.FullEntityID(t.EntityType, t.EntityID)},
		"SK": &types.AttributeValueMemberS{Value: keys.TagPK(t.EntityType, t.TagName, t.Group)},
	}
}

// replicationKeys point both tag rows at the entity's canonical record so
// entity updates propagate into the tag copies.
func (t *TaggedEntity) replicationKeys() map[string]types.AttributeValue {
	reversed := t.reversedKeys()
	return map[string]types.AttributeValue{
		"R1PK": reversed["PK"],
		"R1SK": reversed["SK"],
	}
}

func (t *TaggedEntity) toItem() (map[string]types.AttributeValue, error) {
	data := t.Data
	if data == nil {
		data = map[string]any{}
	}
	dataAttr, err := attributevalue.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal tag data: %w", err)
	}

	item := map[string]types.AttributeValue{
		"tagName":    &types.AttributeValueMemberS{Value: t.TagName},
		"entityType": &types.AttributeValueMemberS{Value: t.EntityType},
		"entityId":   &types.AttributeValueMemberS{Value: t.EntityID},
		"data":       dataAttr,
	}
	if t.Group != "" {
		item["group"] = &types.AttributeValueMemberS{Value: t.Group}
	}
	if t.SortValue != "" {
		item["sortValue"] = &types.AttributeValueMemberS{Value: t.SortValue}
	}
	if !t.CreatedAt.IsZero() {
		item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(t.CreatedAt)}
	}
	if !t.UpdatedAt.IsZero() {
		item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(t.UpdatedAt)}
	}
	for k, v := range t.forwardKeys() {
		item[k] = v
	}
	return item, nil
}

func taggedEntityFromItem(item map[string]types.AttributeValue) (*TaggedEntity, error) {
	if item == nil {
		return nil, NewError(CodeTagIsUndefined, "tag item empty", nil, nil)
	}

	t := &TaggedEntity{
		TagName:    stringAttr(item, "tagName"),
		Group:      stringAttr(item, "group"),
		SortValue:  stringAttr(item, "sortValue"),
		EntityType: stringAttr(item, "entityType"),
		EntityID:   stringAttr(item, "entityId"),
	}
	if attr, ok := item["data"]; ok {
		if err := attributevalue.Unmarshal(attr, &t.Data); err != nil {
			return nil, fmt.Errorf("unmarshal tag data: %w", err)
		}
	}
	if v := stringAttr(item, "createdAt"); v != "" {
		if ts, err := ParseTime(v); err == nil {
			t.CreatedAt = ts
		}
	}
	if v := stringAttr(item, "updatedAt"); v != "" {
		if ts, err := ParseTime(v); err == nil {
			t.UpdatedAt = ts
		}
	}
	return t, nil
}

// ExistingTags lists the tag rows an entity currently holds under one tag
// name, via the reverse pointers in the entity's own partition.
func (s *Store) ExistingTags(ctx context.Context, entityType, entityID, tagName string) ([]*TaggedEntity, error) {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		KeyConditionExpression: aws.String("#PK = :PK and begins_with(#SK, :SK)"),
		ExpressionAttributeNames: map[string]string{
			"#PK": "PK",
			"#SK": "SK",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":PK": &types.AttributeValueMemberS{Value: keys.FullEntityID(entityType, entityID)},
			":SK": &types.AttributeValueMemberS{Value: keys.TagPK(entityType, tagName, "")},
		},
	})
	if err != nil {
		return nil, err
	}

	var tags []*TaggedEntity
	for _, item := range resp.Items {
		t, err := taggedEntityFromItem(item)
		if err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, nil
}

// CreateTag writes the forward listing row and the reverse pointer row.
// The writes are not transactional; the tag processor reconciles on replay.
func (s *Store) CreateTag(ctx context.Context, tagName, group, sortValue string, entity *Entity) (*TaggedEntity, error) {
	if entity.EntityID == "" {
		return nil, NewError(CodeEntityIDIsUndefined, "entityId is undefined", nil, nil)
	}

	now := s.now()
	t := &TaggedEntity{
		TagName:    tagName,
		Group:      group,
		SortValue:  sortValue,
		EntityType: entity.EntityType,
		EntityID:   entity.EntityID,
		Data:       entity.Data,
		CreatedAt:  entity.CreatedAt,
		UpdatedAt:  entity.UpdatedAt,
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	forward, err := t.toItem()
	if err != nil {
		return nil, err
	}
	for k, v := range t.replicationKeys() {
		forward[k] = v
	}

	reverse := map[string]types.AttributeValue{
		"tagName": &types.AttributeValueMemberS{Value: tagName},
	}
	if group != "" {
		reverse["group"] = &types.AttributeValueMemberS{Value: group}
	}
	if sortValue != "" {
		reverse["sortValue"] = &types.AttributeValueMemberS{Value: sortValue}
	}
	for k, v := range t.reversedKeys() {
		reverse[k] = v
	}
	for k, v := range t.replicationKeys() {
		reverse[k] = v
	}

	for _, item := range []map[string]types.AttributeValue{forward, reverse} {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.config.Table),
			Item:      item,
		})
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// DeleteTag removes both rows of a tag entry.
func (s *Store) DeleteTag(ctx context.Context, tagName, group, sortValue, entityType, entityID string) error {
	t := &TaggedEntity{
		TagName:    tagName,
		Group:      group,
		SortValue:  sortValue,
		EntityType: entityType,
		EntityID:   entityID,
	}
	for _, key := range []map[string]types.AttributeValue{t.forwardKeys(), t.reversedKeys()} {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.config.Table),
			Key:       key,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ListTagsOptions selects one slice of a tag partition. Exactly one shape
// must hold: a sort-value prefix query, a start/end range (either side may
// stand alone), or a plain group listing.
type ListTagsOptions struct {
	Query   string
	Group   string
	Start   string
	End     string
	Limit   int
	LastKey string
}

// ListTagsResult is one page of a tag listing.
type ListTagsResult struct {
	Items      []*Entity
	TotalCount int
	LastKey    string
}

// ListTags pages a tag partition in descending sort order and returns the
// entity snapshots filed there.
func (s *Store) ListTags(ctx context.Context, entityType, tagName string, opts ListTagsOptions) (*ListTagsResult, error) {
	pk := keys.TagPK(entityType, tagName, opts.Group)

	// the appended "#" keeps a bound from matching rows whose sort value
	// merely starts with it
	partition := expression.Key("PK").Equal(expression.Value(pk))
	var keyCond expression.KeyConditionBuilder
	switch {
	case opts.Query != "" && opts.Start == "" && opts.End == "":
		keyCond = partition.And(expression.Key("SK").BeginsWith(opts.Query + "#"))
	case opts.Start != "" && opts.End != "":
		keyCond = partition.And(expression.Key("SK").Between(
			expression.Value(opts.Start+"#"), expression.Value(opts.End+"#")))
	case opts.Start != "":
		keyCond = partition.And(expression.Key("SK").GreaterThanEqual(expression.Value(opts.Start + "#")))
	case opts.End != "":
		keyCond = partition.And(expression.Key("SK").LessThanEqual(expression.Value(opts.End + "#")))
	case opts.Group != "":
		keyCond = partition
	default:
		return nil, NewError(CodeInvalidQuery, "invalid query. please provide a valid query", nil,
			map[string]any{"entityType": entityType, "tagName": tagName})
	}

	built, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, NewError(CodeInvalidQuery, "invalid query. please provide a valid query", err,
			map[string]any{"entityType": entityType, "tagName": tagName})
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.Table),
		ScanIndexForward:          aws.Bool(false),
		KeyConditionExpression:    built.KeyCondition(),
		ExpressionAttributeNames:  built.Names(),
		ExpressionAttributeValues: built.Values(),
	}

	items, lastKey, err := s.queryAll(ctx, input, opts.Limit, opts.LastKey)
	if err != nil {
		return nil, err
	}

	result := &ListTagsResult{TotalCount: len(items), LastKey: lastKey}
	for _, item := range items {
		e, err := entityFromItem(item)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, e)
	}
	return result, nil
}

// CreateTagLock serializes tag recomputation for one entity. The lock is
// not versioned; a holder simply wins until its TTL lapses.
func (s *Store) CreateTagLock(ctx context.Context, entityType, entityID string) error {
	expiresAt := s.now().Add(s.config.TagLockTTL).Unix()
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.Table),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: keys.TagLockPK(entityType, entityID)},
			"SK":        &types.AttributeValueMemberS{Value: keys.LockSK},
			"expiresAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	return err
}

// DeleteTagLock releases the tag lock. Failures are ignored.
func (s *Store) DeleteTagLock(ctx context.Context, entityType, entityID string) {
	_, _ = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.Table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: keys.TagLockPK(entityType, entityID)},
			"SK": &types.AttributeValueMemberS{Value: keys.LockSK},
		},
	})
}
