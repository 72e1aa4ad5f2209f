package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/monorise/core/internal/keys"
)

// Entity is a typed, uniquely-identified record. Data holds the
// schema-validated payload supplied by the request layer.
type Entity struct {
	EntityType string
	EntityID   string
	Data       map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FullID returns the type-qualified id, which doubles as the canonical
// partition key.
func (e *Entity) FullID() string {
	return keys.FullEntityID(e.EntityType, e.EntityID)
}

func (e *Entity) keyAttrs() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: keys.EntityPK(e.EntityType, e.EntityID)},
		"SK": &types.AttributeValueMemberS{Value: keys.MetadataSK},
	}
}

// toItem renders the canonical metadata item. Copies start from this and
// override keys.
func (e *Entity) toItem() (map[string]types.AttributeValue, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	dataAttr, err := attributevalue.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal entity data: %w", err)
	}

	item := map[string]types.AttributeValue{
		"entityType": &types.AttributeValueMemberS{Value: e.EntityType},
		"entityId":   &types.AttributeValueMemberS{Value: e.EntityID},
		"data":       dataAttr,
	}
	if !e.CreatedAt.IsZero() {
		item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(e.CreatedAt)}
	}
	if !e.UpdatedAt.IsZero() {
		item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(e.UpdatedAt)}
	}
	for k, v := range e.keyAttrs() {
		item[k] = v
	}
	return item, nil
}

// entityFromItem parses a stored item. A nil item means the read missed.
func entityFromItem(item map[string]types.AttributeValue) (*Entity, error) {
	if item == nil {
		return nil, NewError(CodeEntityIsUndefined, "entity item empty", nil, nil)
	}

	e := &Entity{
		EntityType: stringAttr(item, "entityType"),
		EntityID:   stringAttr(item, "entityId"),
	}
	if dataAttr, ok := item["data"]; ok {
		if err := attributevalue.Unmarshal(dataAttr, &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshal entity data: %w", err)
		}
	}
	if v := stringAttr(item, "createdAt"); v != "" {
		if t, err := ParseTime(v); err == nil {
			e.CreatedAt = t
		}
	}
	if v := stringAttr(item, "updatedAt"); v != "" {
		if t, err := ParseTime(v); err == nil {
			e.UpdatedAt = t
		}
	}
	return e, nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewULID generates a lexicographically sortable id. Ids minted for the
// same instant share the timestamp part but stay unique and ordered, so
// callers may pin t to an event time for a whole batch.
func NewULID(t time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), ulidEntropy).String()
}

// CreateEntityOptions tunes entity creation.
type CreateEntityOptions struct {
	// CreatedAt overrides the create/update timestamps; used by event-driven
	// creation so replays keep their original time.
	CreatedAt time.Time

	// MutualID links the entity back to the mutual it materializes.
	MutualID string
}

type uniqueFieldValue struct {
	field string
	value string
}

// CreateEntity writes the canonical record plus its listing, email and
// unique-field copies in one all-or-nothing transaction conditioned on the
// record not existing yet.
func (s *Store) CreateEntity(ctx context.Context, entityType string, payload map[string]any, entityID string, opts *CreateEntityOptions) (*Entity, error) {
	cfg, ok := s.registry.Config(entityType)
	if !ok {
		return nil, NewError(CodeInvalidEntityType, "invalid entity type", nil, map[string]any{"entityType": entityType})
	}

	now := s.now()
	if opts != nil && !opts.CreatedAt.IsZero() {
		now = opts.CreatedAt
	}
	if entityID == "" {
		entityID = NewULID(now)
	}

	entity := &Entity{
		EntityType: entityType,
		EntityID:   entityID,
		Data:       payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	uniqueValues, err := collectUniqueValues(cfg.UniqueFields, payload)
	if err != nil {
		return nil, err
	}

	mutualID := ""
	if opts != nil {
		mutualID = opts.MutualID
	}
	items, err := s.createEntityTransactItems(entity, cfg, mutualID, uniqueValues)
	if err != nil {
		return nil, err
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return nil, s.mapCreateEntityError(err, cfg, uniqueValues)
	}

	return entity, nil
}

// collectUniqueValues validates and snapshots the unique-field values when
// the payload touches any. Non-string values are rejected before any write.
func collectUniqueValues(uniqueFields []string, payload map[string]any) ([]uniqueFieldValue, error) {
	touches := false
	for _, field := range uniqueFields {
		if _, ok := payload[field]; ok {
			touches = true
			break
		}
	}
	if !touches {
		return nil, nil
	}

	values := make([]uniqueFieldValue, 0, len(uniqueFields))
	for _, field := range uniqueFields {
		v, ok := payload[field].(string)
		if !ok {
			return nil, NewError(CodeInvalidUniqueValueType,
				fmt.Sprintf("invalid type. %s is not a 'string'", field), nil, nil)
		}
		values = append(values, uniqueFieldValue{field: field, value: v})
	}
	return values, nil
}

// createEntityTransactItems builds, in fixed order, the metadata put, the
// listing put, the optional email put and one put per unique field. The
// order matters: cancellation reasons are mapped back to it.
func (s *Store) createEntityTransactItems(entity *Entity, cfg EntityTypeConfig, mutualID string, uniqueValues []uniqueFieldValue) ([]types.TransactWriteItem, error) {
	base, err := entity.toItem()
	if err != nil {
		return nil, err
	}

	canonical := copyItem(base)
	if mutualID != "" {
		canonical["R2PK"] = &types.AttributeValueMemberS{Value: mutualID}
		canonical["R2SK"] = &types.AttributeValueMemberS{Value: entity.FullID()}
	}

	listing := copyItem(base)
	listing["PK"] = &types.AttributeValueMemberS{Value: keys.EntityListPK(entity.EntityType)}
	listing["SK"] = &types.AttributeValueMemberS{Value: entity.FullID()}
	listing["R1PK"] = &types.AttributeValueMemberS{Value: entity.FullID()}
	listing["R1SK"] = &types.AttributeValueMemberS{Value: keys.EntityListPK(entity.EntityType)}

	items := []types.TransactWriteItem{
		putNotExists(s.config.Table, canonical),
		putNotExists(s.config.Table, listing),
	}

	if cfg.EmailAuth {
		email, _ := entity.Data["email"].(string)
		emailCopy := copyItem(base)
		emailCopy["PK"] = &types.AttributeValueMemberS{Value: keys.EntityEmailPK(email)}
		emailCopy["SK"] = &types.AttributeValueMemberS{Value: entity.FullID()}
		emailCopy["R1PK"] = &types.AttributeValueMemberS{Value: entity.FullID()}
		emailCopy["R1SK"] = &types.AttributeValueMemberS{Value: keys.EntityEmailPK(email)}
		items = append(items, putNotExists(s.config.Table, emailCopy))
	}

	for _, uv := range uniqueValues {
		unique := copyItem(base)
		unique["PK"] = &types.AttributeValueMemberS{Value: keys.EntityUniquePK(uv.field, uv.value)}
		unique["SK"] = &types.AttributeValueMemberS{Value: entity.EntityType}
		unique["R1PK"] = &types.AttributeValueMemberS{Value: entity.FullID()}
		unique["R1SK"] = &types.AttributeValueMemberS{Value: keys.MetadataSK}
		items = append(items, putNotExists(s.config.Table, unique))
	}

	return items, nil
}

// mapCreateEntityError walks the cancellation reasons to name the unique
// field that collided. Positions 0 and 1 are metadata and listing; the
// email copy, when present, shifts the unique puts by one.
func (s *Store) mapCreateEntityError(err error, cfg EntityTypeConfig, uniqueValues []uniqueFieldValue) error {
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		uniqueBase := 2
		if cfg.EmailAuth {
			uniqueBase++
		}
		conditional := false
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil || *reason.Code != conditionalCheckFailed {
				continue
			}
			conditional = true
			if i >= uniqueBase && i-uniqueBase < len(uniqueValues) {
				uv := uniqueValues[i-uniqueBase]
				return NewError(CodeUniqueValueExists,
					fmt.Sprintf("%s '%s' already exists", uv.field, uv.value), err, nil)
			}
		}
		if conditional {
			return NewError(CodeConditionalCheckFailed, "entity already exists", err, nil)
		}
	}
	return NewError(CodeTransactionFailed, "create entity failed", err, nil)
}

// GetEntity reads the canonical record.
func (s *Store) GetEntity(ctx context.Context, entityType, entityID string) (*Entity, error) {
	e := &Entity{EntityType: entityType, EntityID: entityID}
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.Table),
		Key:       e.keyAttrs(),
	})
	if err != nil {
		return nil, err
	}
	return entityFromItem(resp.Item)
}

// Between restricts a listing to an inclusive lexical id range.
type Between struct {
	Start string
	End   string
}

// ListEntitiesOptions tunes ListEntities.
type ListEntitiesOptions struct {
	// Limit caps the number of items; zero retrieves everything.
	Limit int
	// Between restricts the id range.
	Between *Between
	// LastKey resumes a previous page.
	LastKey string
}

// ListEntitiesResult is one page of a listing.
type ListEntitiesResult struct {
	Items      []*Entity
	TotalCount int
	LastKey    string
}

// ListEntities paginates the listing copy in reverse-chronological order
// (ids are ULIDs, so descending key order is descending creation time).
func (s *Store) ListEntities(ctx context.Context, entityType string, opts ListEntitiesOptions) (*ListEntitiesResult, error) {
	input := &dynamodb.QueryInput{
		TableName:        aws.String(s.config.Table),
		ScanIndexForward: aws.Bool(false),
	}

	if opts.Between != nil {
		input.KeyConditionExpression = aws.String("#PK = :PK AND #SK BETWEEN :SKStart AND :SKEnd")
		input.ExpressionAttributeNames = map[string]string{"#PK": "PK", "#SK": "SK"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":PK":      &types.AttributeValueMemberS{Value: keys.EntityListPK(entityType)},
			":SKStart": &types.AttributeValueMemberS{Value: entityType + "#" + opts.Between.Start},
			":SKEnd":   &types.AttributeValueMemberS{Value: entityType + "#" + opts.Between.End},
		}
	} else {
		input.KeyConditionExpression = aws.String("#PK = :PK")
		input.ExpressionAttributeNames = map[string]string{"#PK": "PK"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":PK": &types.AttributeValueMemberS{Value: keys.EntityListPK(entityType)},
		}
	}

	items, lastKey, err := s.queryAll(ctx, input, opts.Limit, opts.LastKey)
	if err != nil {
		return nil, err
	}

	result := &ListEntitiesResult{TotalCount: len(items), LastKey: lastKey}
	for _, item := range items {
		e, err := entityFromItem(item)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, e)
	}
	return result, nil
}

// queryAll pages through a query until limit is satisfied or the results
// run out, returning the raw items and the encoded resume cursor.
func (s *Store) queryAll(ctx context.Context, input *dynamodb.QueryInput, limit int, lastKey string) ([]map[string]types.AttributeValue, string, error) {
	startKey, err := decodeLastKey(lastKey)
	if err != nil {
		return nil, "", err
	}

	var items []map[string]types.AttributeValue
	remaining := limit
	for {
		page := *input
		if remaining > 0 {
			page.Limit = aws.Int32(int32(remaining))
		}
		if startKey != nil {
			page.ExclusiveStartKey = startKey
		}

		resp, err := s.client.Query(ctx, &page)
		if err != nil {
			return nil, "", err
		}
		items = append(items, resp.Items...)
		startKey = resp.LastEvaluatedKey
		if limit > 0 {
			remaining -= len(resp.Items)
		}

		if startKey == nil {
			break
		}
		if limit > 0 && remaining <= 0 {
			break
		}
	}

	cursor, err := encodeLastKey(startKey)
	if err != nil {
		return nil, "", err
	}
	return items, cursor, nil
}

// QueryEntitiesResult carries the filtered listing for a substring search.
type QueryEntitiesResult struct {
	Items         []*Entity
	TotalCount    int
	FilteredCount int
}

// QueryEntities lists every entity of the type and filters client-side by
// a case-insensitive regex over the type's searchable fields. An invalid
// pattern degrades to an empty match set.
func (s *Store) QueryEntities(ctx context.Context, entityType, query string) (*QueryEntitiesResult, error) {
	result := &QueryEntitiesResult{}

	re, err := regexp.Compile("(?i)" + query)
	if err != nil {
		return result, nil
	}

	listing, err := s.ListEntities(ctx, entityType, ListEntitiesOptions{})
	if err != nil {
		return nil, err
	}
	result.TotalCount = listing.TotalCount

	cfg, _ := s.registry.Config(entityType)
	for _, item := range listing.Items {
		var terms []string
		for _, field := range cfg.SearchableFields {
			if v, ok := item.Data[field].(string); ok {
				terms = append(terms, v)
			}
		}
		if re.MatchString(strings.Join(terms, " ")) {
			result.Items = append(result.Items, item)
		}
	}
	result.FilteredCount = len(result.Items)
	return result, nil
}

// getByPointer queries a pointer partition for the first row belonging to
// the entity type.
func (s *Store) getByPointer(ctx context.Context, pk, entityType string) (map[string]types.AttributeValue, error) {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		KeyConditionExpression: aws.String("#PK = :PK AND begins_with(#SK, :SK)"),
		ExpressionAttributeNames: map[string]string{
			"#PK": "PK",
			"#SK": "SK",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":PK": &types.AttributeValueMemberS{Value: pk},
			":SK": &types.AttributeValueMemberS{Value: entityType},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, nil
	}
	return resp.Items[0], nil
}

// GetEntityByEmail resolves an entity through its email pointer copy.
func (s *Store) GetEntityByEmail(ctx context.Context, entityType, email string) (*Entity, error) {
	item, err := s.getByPointer(ctx, keys.EntityEmailPK(email), entityType)
	if err != nil {
		return nil, err
	}
	return entityFromItem(item)
}

// GetEmailAvailability raises EMAIL_EXISTS when the email pointer is taken.
func (s *Store) GetEmailAvailability(ctx context.Context, entityType, email string) error {
	item, err := s.getByPointer(ctx, keys.EntityEmailPK(email), entityType)
	if err != nil {
		return err
	}
	if item != nil {
		return NewError(CodeEmailExists, "email already exists", nil, nil)
	}
	return nil
}

// GetEntityByUniqueField resolves an entity through a unique-field pointer.
func (s *Store) GetEntityByUniqueField(ctx context.Context, entityType, field, value string) (*Entity, error) {
	item, err := s.getByPointer(ctx, keys.EntityUniquePK(field, value), entityType)
	if err != nil {
		return nil, err
	}
	return entityFromItem(item)
}

// GetUniqueFieldValueAvailability raises UNIQUE_VALUE_EXISTS when the value
// is taken.
func (s *Store) GetUniqueFieldValueAvailability(ctx context.Context, entityType, field, value string) error {
	item, err := s.getByPointer(ctx, keys.EntityUniquePK(field, value), entityType)
	if err != nil {
		return err
	}
	if item != nil {
		return NewError(CodeUniqueValueExists,
			fmt.Sprintf("%s '%s' already exists", field, value), nil, nil)
	}
	return nil
}

// UpsertEntity merges the payload into the metadata row, creating it if
// absent. Copies converge through the replication processor.
func (s *Store) UpsertEntity(ctx context.Context, entityType, entityID string, payload map[string]any) (*Entity, error) {
	expr, err := buildUpdate(map[string]any{
		"entityType": entityType,
		"entityId":   entityID,
		"data":       payload,
		"updatedAt":  formatTime(s.now()),
	}, 0)
	if err != nil {
		return nil, err
	}

	e := &Entity{EntityType: entityType, EntityID: entityID}
	resp, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.Table),
		Key:                       e.keyAttrs(),
		ReturnValues:              types.ReturnValueAllNew,
		UpdateExpression:          aws.String(expr.Expression),
		ExpressionAttributeNames:  expr.Names,
		ExpressionAttributeValues: expr.Values,
	})
	if err != nil {
		return nil, err
	}
	return entityFromItem(resp.Attributes)
}

// UpdateEntity applies a partial update to the canonical record. When a
// unique field's value actually changes, the old pointer row is deleted and
// a new one written in the same transaction, so uniqueness never has a
// window where both values are free.
func (s *Store) UpdateEntity(ctx context.Context, entityType, entityID string, payload map[string]any) (*Entity, error) {
	cfg, _ := s.registry.Config(entityType)

	expr, err := buildUpdate(map[string]any{
		"data":      payload,
		"updatedAt": formatTime(s.now()),
	}, 0)
	if err != nil {
		return nil, err
	}

	e := &Entity{EntityType: entityType, EntityID: entityID}
	updateInput := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.Table),
		Key:                       e.keyAttrs(),
		ReturnValues:              types.ReturnValueAllNew,
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		UpdateExpression:          aws.String(expr.Expression),
		ExpressionAttributeNames:  expr.Names,
		ExpressionAttributeValues: expr.Values,
	}

	touchesUnique := false
	for _, field := range cfg.UniqueFields {
		if _, ok := payload[field]; ok {
			touchesUnique = true
			break
		}
	}

	if touchesUnique {
		previous, err := s.GetEntity(ctx, entityType, entityID)
		if err != nil {
			if IsCode(err, CodeEntityIsUndefined) {
				return nil, NewError(CodeEntityNotFound, "entity not found", err,
					map[string]any{"entityId": entityID})
			}
			return nil, err
		}

		var changed []uniqueFieldValue
		var previousValues []string
		for _, field := range cfg.UniqueFields {
			raw, ok := payload[field]
			if !ok {
				continue
			}
			prev, _ := previous.Data[field].(string)
			next, ok := raw.(string)
			if !ok {
				return nil, NewError(CodeInvalidUniqueValueType,
					fmt.Sprintf("invalid type. %s is not a 'string'", field), nil, nil)
			}
			if next != prev {
				changed = append(changed, uniqueFieldValue{field: field, value: next})
				previousValues = append(previousValues, prev)
			}
		}

		if len(changed) > 0 {
			if err := s.updateEntityWithUniques(ctx, previous, payload, updateInput, changed, previousValues); err != nil {
				return nil, err
			}
			return s.GetEntity(ctx, entityType, entityID)
		}
	}

	resp, err := s.client.UpdateItem(ctx, updateInput)
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, NewError(CodeEntityNotFound, "entity not found", err,
				map[string]any{"entityId": entityID})
		}
		return nil, err
	}
	return entityFromItem(resp.Attributes)
}

// updateEntityWithUniques swaps the changed unique-pointer rows and applies
// the metadata update in one transaction. The pointer copies are written
// with the merged current+incoming data blob so partial updates never erase
// untouched attributes.
func (s *Store) updateEntityWithUniques(ctx context.Context, previous *Entity, payload map[string]any, updateInput *dynamodb.UpdateItemInput, changed []uniqueFieldValue, previousValues []string) error {
	merged := make(map[string]any, len(previous.Data)+len(payload))
	for k, v := range previous.Data {
		merged[k] = v
	}
	for k, v := range payload {
		merged[k] = v
	}

	snapshot := &Entity{
		EntityType: previous.EntityType,
		EntityID:   previous.EntityID,
		Data:       merged,
		CreatedAt:  previous.CreatedAt,
		UpdatedAt:  s.now(),
	}
	base, err := snapshot.toItem()
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:                 updateInput.TableName,
			Key:                       updateInput.Key,
			ConditionExpression:       updateInput.ConditionExpression,
			UpdateExpression:          updateInput.UpdateExpression,
			ExpressionAttributeNames:  updateInput.ExpressionAttributeNames,
			ExpressionAttributeValues: updateInput.ExpressionAttributeValues,
		},
	}}

	putPositions := make(map[int]uniqueFieldValue)
	for i, uv := range changed {
		if prev := previousValues[i]; prev != "" {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(s.config.Table),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: keys.EntityUniquePK(uv.field, prev)},
						"SK": &types.AttributeValueMemberS{Value: previous.EntityType},
					},
				},
			})
		}

		pointer := copyItem(base)
		pointer["PK"] = &types.AttributeValueMemberS{Value: keys.EntityUniquePK(uv.field, uv.value)}
		pointer["SK"] = &types.AttributeValueMemberS{Value: previous.EntityType}
		pointer["R1PK"] = &types.AttributeValueMemberS{Value: previous.FullID()}
		pointer["R1SK"] = &types.AttributeValueMemberS{Value: keys.MetadataSK}
		putPositions[len(items)] = uv
		items = append(items, putNotExists(s.config.Table, pointer))
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil || *reason.Code != conditionalCheckFailed {
				continue
			}
			if i == 0 {
				return NewError(CodeEntityNotFound, "entity not found", err,
					map[string]any{"entityId": previous.EntityID})
			}
			if uv, ok := putPositions[i]; ok {
				return NewError(CodeUniqueValueExists,
					fmt.Sprintf("%s '%s' already exists", uv.field, uv.value), err, nil)
			}
		}
	}
	return NewError(CodeTransactionFailed, "update entity failed", err, nil)
}

// DeleteEntity removes the canonical record. The replication processor
// unwinds every denormalized copy and any mutuals referencing it.
func (s *Store) DeleteEntity(ctx context.Context, entityType, entityID string) error {
	e := &Entity{EntityType: entityType, EntityID: entityID}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.config.Table),
		Key:                 e.keyAttrs(),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return NewError(CodeEntityNotFound, "entity not found", err,
				map[string]any{"entityId": entityID})
		}
		return err
	}
	return nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item)+4)
	for k, v := range item {
		out[k] = v
	}
	return out
}

func putNotExists(table string, item map[string]types.AttributeValue) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	}
}
