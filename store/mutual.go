package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monorise/core/internal/keys"
)

// Mutual is a relationship between two entities, stored as a canonical
// metadata row plus a forward and a reverse adjacency copy. Data carries a
// snapshot of the target entity, ByData of the owning entity; MutualData is
// the relationship's own payload.
type Mutual struct {
	ByEntityType string
	ByEntityID   string
	ByData       map[string]any
	EntityType   string
	EntityID     string
	Data         map[string]any
	MutualData   map[string]any
	MutualID     string

	CreatedAt       time.Time
	UpdatedAt       time.Time
	MutualUpdatedAt time.Time

	// ExpiresAt is the tombstone epoch; zero means the mutual is live.
	ExpiresAt int64
}

func (m *Mutual) ByFullID() string {
	return keys.FullEntityID(m.ByEntityType, m.ByEntityID)
}

func (m *Mutual) FullID() string {
	return keys.FullEntityID(m.EntityType, m.EntityID)
}

func (m *Mutual) mainKeys() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: keys.MutualPK(m.MutualID)},
		"SK": &types.AttributeValueMemberS{Value: keys.MetadataSK},
	}
}

func (m *Mutual) forwardKeys() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: m.ByFullID()},
		"SK": &types.AttributeValueMemberS{Value: m.FullID()},
	}
}

func (m *Mutual) reverseKeys() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: m.FullID()},
		"SK": &types.AttributeValueMemberS{Value: m.ByFullID()},
	}
}

func (m *Mutual) attrs(data map[string]any, byType, byID, entityType, entityID string) (map[string]types.AttributeValue, error) {
	if data == nil {
		data = map[string]any{}
	}
	mutualData := m.MutualData
	if mutualData == nil {
		mutualData = map[string]any{}
	}
	dataAttr, err := attributevalue.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal mutual data: %w", err)
	}
	mutualDataAttr, err := attributevalue.Marshal(mutualData)
	if err != nil {
		return nil, fmt.Errorf("marshal mutual data: %w", err)
	}

	item := map[string]types.AttributeValue{
		"byEntityType": &types.AttributeValueMemberS{Value: byType},
		"byEntityId":   &types.AttributeValueMemberS{Value: byID},
		"entityType":   &types.AttributeValueMemberS{Value: entityType},
		"entityId":     &types.AttributeValueMemberS{Value: entityID},
		"mutualId":     &types.AttributeValueMemberS{Value: m.MutualID},
		"data":         dataAttr,
		"mutualData":   mutualDataAttr,
	}
	if !m.CreatedAt.IsZero() {
		item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(m.CreatedAt)}
	}
	if !m.UpdatedAt.IsZero() {
		item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(m.UpdatedAt)}
	}
	if !m.MutualUpdatedAt.IsZero() {
		item["mutualUpdatedAt"] = &types.AttributeValueMemberS{Value: formatTime(m.MutualUpdatedAt)}
	}
	if m.ExpiresAt != 0 {
		item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(m.ExpiresAt, 10)}
	}
	return item, nil
}

// toItem renders the canonical orientation under the canonical keys.
func (m *Mutual) toItem() (map[string]types.AttributeValue, error) {
	item, err := m.attrs(m.Data, m.ByEntityType, m.ByEntityID, m.EntityType, m.EntityID)
	if err != nil {
		return nil, err
	}
	for k, v := range m.mainKeys() {
		item[k] = v
	}
	return item, nil
}

// toReversedItem renders the swapped orientation, carrying the owning
// entity's data so either side of the link reads like an adjacency row.
func (m *Mutual) toReversedItem() (map[string]types.AttributeValue, error) {
	item, err := m.attrs(m.ByData, m.EntityType, m.EntityID, m.ByEntityType, m.ByEntityID)
	if err != nil {
		return nil, err
	}
	for k, v := range m.mainKeys() {
		item[k] = v
	}
	return item, nil
}

func mutualFromItem(item map[string]types.AttributeValue) (*Mutual, error) {
	if item == nil {
		return nil, NewError(CodeMutualIsUndefined, "mutual item empty", nil, nil)
	}

	m := &Mutual{
		ByEntityType: stringAttr(item, "byEntityType"),
		ByEntityID:   stringAttr(item, "byEntityId"),
		EntityType:   stringAttr(item, "entityType"),
		EntityID:     stringAttr(item, "entityId"),
		MutualID:     stringAttr(item, "mutualId"),
	}
	if attr, ok := item["data"]; ok {
		if err := attributevalue.Unmarshal(attr, &m.Data); err != nil {
			return nil, fmt.Errorf("unmarshal mutual data: %w", err)
		}
	}
	if attr, ok := item["mutualData"]; ok {
		if err := attributevalue.Unmarshal(attr, &m.MutualData); err != nil {
			return nil, fmt.Errorf("unmarshal mutual data: %w", err)
		}
	}
	if v := stringAttr(item, "createdAt"); v != "" {
		if t, err := ParseTime(v); err == nil {
			m.CreatedAt = t
		}
	}
	if v := stringAttr(item, "updatedAt"); v != "" {
		if t, err := ParseTime(v); err == nil {
			m.UpdatedAt = t
		}
	}
	if v := stringAttr(item, "mutualUpdatedAt"); v != "" {
		if t, err := ParseTime(v); err == nil {
			m.MutualUpdatedAt = t
		}
	}
	if attr, ok := item["expiresAt"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
			m.ExpiresAt = n
		}
	}
	return m, nil
}

// Condition overrides a write's default condition expression.
type Condition struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

// NotStaleCondition guards a mutual write against out-of-order replays: it
// passes only while the stored mutualUpdatedAt predates publishedAt.
func NotStaleCondition(publishedAt string, requireExists bool) *Condition {
	expr := "attribute_not_exists(#mutualUpdatedAt) OR #mutualUpdatedAt < :publishedAt"
	if requireExists {
		expr = "attribute_exists(PK) AND #mutualUpdatedAt < :publishedAt"
	}
	return &Condition{
		Expression: expr,
		Names:      map[string]string{"#mutualUpdatedAt": "mutualUpdatedAt"},
		Values: map[string]types.AttributeValue{
			":publishedAt": &types.AttributeValueMemberS{Value: publishedAt},
		},
	}
}

const tombstoneFilter = "attribute_not_exists(#expiresAt) or attribute_type(#expiresAt, :nullType)"

// CheckMutualExists raises MUTUAL_EXISTS when a live link is present.
// Tombstoned links do not count.
func (s *Store) CheckMutualExists(ctx context.Context, byEntityType, byEntityID, entityType, entityID string) error {
	m := &Mutual{ByEntityType: byEntityType, ByEntityID: byEntityID, EntityType: entityType, EntityID: entityID}
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.Table),
		Key:       m.forwardKeys(),
	})
	if err != nil {
		return err
	}
	if resp.Item != nil {
		if _, tombstoned := resp.Item["expiresAt"]; !tombstoned {
			return NewError(CodeMutualExists, "entities are already linked", nil, nil)
		}
	}
	return nil
}

// CreateMutualOptions tunes mutual creation.
type CreateMutualOptions struct {
	// Condition replaces the default put condition on all three copies.
	Condition *Condition
	// CreatedAt pins the timestamps; event replays keep their publish time.
	CreatedAt time.Time
}

// CreateMutual writes the canonical row and both adjacency copies in one
// transaction. The default condition lets a tombstoned link be recreated
// under a fresh mutual id.
func (s *Store) CreateMutual(ctx context.Context, byEntityType, byEntityID string, byData map[string]any, entityType, entityID string, data, mutualData map[string]any, opts *CreateMutualOptions) (*Mutual, error) {
	now := s.now()
	if opts != nil && !opts.CreatedAt.IsZero() {
		now = opts.CreatedAt
	}

	m := &Mutual{
		ByEntityType:    byEntityType,
		ByEntityID:      byEntityID,
		ByData:          byData,
		EntityType:      entityType,
		EntityID:        entityID,
		Data:            data,
		MutualData:      mutualData,
		MutualID:        NewULID(now),
		CreatedAt:       now,
		UpdatedAt:       now,
		MutualUpdatedAt: now,
	}

	var cond *Condition
	if opts != nil {
		cond = opts.Condition
	}
	items, err := s.createMutualTransactItems(m, cond)
	if err != nil {
		return nil, err
	}
	if err := s.executeTransactWrite(ctx, items); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) createMutualTransactItems(m *Mutual, cond *Condition) ([]types.TransactWriteItem, error) {
	expr := "attribute_not_exists(PK) OR attribute_exists(expiresAt)"
	var names map[string]string
	var values map[string]types.AttributeValue
	if cond != nil {
		expr = cond.Expression
		names = cond.Names
		values = cond.Values
	}

	canonical, err := m.toItem()
	if err != nil {
		return nil, err
	}

	forward := copyItem(canonical)
	forward["PK"] = &types.AttributeValueMemberS{Value: m.ByFullID()}
	forward["SK"] = &types.AttributeValueMemberS{Value: m.FullID()}
	forward["R1PK"] = &types.AttributeValueMemberS{Value: m.FullID()}
	forward["R1SK"] = &types.AttributeValueMemberS{Value: m.ByFullID()}
	forward["R2PK"] = &types.AttributeValueMemberS{Value: keys.MutualPK(m.MutualID)}
	forward["R2SK"] = &types.AttributeValueMemberS{Value: m.ByFullID()}

	reversedBase, err := m.toReversedItem()
	if err != nil {
		return nil, err
	}
	reverse := copyItem(reversedBase)
	reverse["PK"] = &types.AttributeValueMemberS{Value: m.FullID()}
	reverse["SK"] = &types.AttributeValueMemberS{Value: m.ByFullID()}
	reverse["R1PK"] = &types.AttributeValueMemberS{Value: m.ByFullID()}
	reverse["R1SK"] = &types.AttributeValueMemberS{Value: m.FullID()}
	reverse["R2PK"] = &types.AttributeValueMemberS{Value: keys.MutualPK(m.MutualID)}
	reverse["R2SK"] = &types.AttributeValueMemberS{Value: m.FullID()}

	items := make([]types.TransactWriteItem, 0, 3)
	for _, item := range []map[string]types.AttributeValue{canonical, forward, reverse} {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:                 aws.String(s.config.Table),
				Item:                      item,
				ConditionExpression:       aws.String(expr),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		})
	}
	return items, nil
}

// GetMutualOptions tunes GetMutual.
type GetMutualOptions struct {
	// Strong re-reads the canonical row after resolving the link, trading a
	// second read for freedom from replication lag on the adjacency copy.
	Strong bool
}

// GetMutual resolves a live link between two entities.
func (s *Store) GetMutual(ctx context.Context, byEntityType, byEntityID, entityType, entityID string, opts *GetMutualOptions) (*Mutual, error) {
	m := &Mutual{ByEntityType: byEntityType, ByEntityID: byEntityID, EntityType: entityType, EntityID: entityID}
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		KeyConditionExpression: aws.String("#PK = :PK and begins_with(#SK, :SK)"),
		FilterExpression:       aws.String(tombstoneFilter),
		ExpressionAttributeNames: map[string]string{
			"#PK":        "PK",
			"#SK":        "SK",
			"#expiresAt": "expiresAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":PK":       &types.AttributeValueMemberS{Value: m.ByFullID()},
			":SK":       &types.AttributeValueMemberS{Value: m.FullID()},
			":nullType": &types.AttributeValueMemberS{Value: "NULL"},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, NewError(CodeMutualIsUndefined, "mutual item empty", nil, nil)
	}

	found, err := mutualFromItem(resp.Items[0])
	if err != nil {
		return nil, err
	}
	if opts == nil || !opts.Strong {
		return found, nil
	}

	canonical, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.Table),
		Key:       found.mainKeys(),
	})
	if err != nil {
		return nil, err
	}
	return mutualFromItem(canonical.Item)
}

// ListMutualsOptions tunes ListMutualsByEntity.
type ListMutualsOptions struct {
	Limit   int
	LastKey string
}

// ListMutualsResult is one page of an adjacency listing.
type ListMutualsResult struct {
	Items   []*Mutual
	LastKey string
}

// ListMutualsByEntity lists the live links an entity holds toward a given
// entity type, paging through its adjacency partition.
func (s *Store) ListMutualsByEntity(ctx context.Context, byEntityType, byEntityID, entityType string, opts ListMutualsOptions) (*ListMutualsResult, error) {
	m := &Mutual{ByEntityType: byEntityType, ByEntityID: byEntityID, EntityType: entityType}
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		KeyConditionExpression: aws.String("#PK = :PK and begins_with(#SK, :SK)"),
		FilterExpression:       aws.String(tombstoneFilter),
		ExpressionAttributeNames: map[string]string{
			"#PK":        "PK",
			"#SK":        "SK",
			"#expiresAt": "expiresAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":PK":       &types.AttributeValueMemberS{Value: m.ByFullID()},
			":SK":       &types.AttributeValueMemberS{Value: entityType + "#"},
			":nullType": &types.AttributeValueMemberS{Value: "NULL"},
		},
	}

	items, lastKey, err := s.queryAll(ctx, input, opts.Limit, opts.LastKey)
	if err != nil {
		return nil, err
	}

	result := &ListMutualsResult{LastKey: lastKey}
	for _, item := range items {
		parsed, err := mutualFromItem(item)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, parsed)
	}
	return result, nil
}

// UpdateMutualOptions tunes UpdateMutual.
type UpdateMutualOptions struct {
	// Condition replaces the default attribute_exists(PK) check.
	Condition *Condition
	// MutualUpdatedAt pins the relationship clock instead of wall time.
	MutualUpdatedAt string
	// UpdatedAt additionally touches the row clock.
	UpdatedAt string
	// ReturnUpdated re-reads the mutual after the write.
	ReturnUpdated bool
}

// UpdateMutual rewrites the relationship payload on the canonical row and
// both adjacency copies in one transaction.
func (s *Store) UpdateMutual(ctx context.Context, byEntityType, byEntityID, entityType, entityID string, mutualData map[string]any, opts *UpdateMutualOptions) (*Mutual, error) {
	m, err := s.GetMutual(ctx, byEntityType, byEntityID, entityType, entityID, nil)
	if err != nil {
		return nil, err
	}

	toUpdate := map[string]any{
		"mutualData":      mutualData,
		"mutualUpdatedAt": formatTime(s.now()),
	}
	if opts != nil && opts.MutualUpdatedAt != "" {
		toUpdate["mutualUpdatedAt"] = opts.MutualUpdatedAt
	}
	if opts != nil && opts.UpdatedAt != "" {
		toUpdate["updatedAt"] = opts.UpdatedAt
	}
	expr, err := buildUpdate(toUpdate, 0)
	if err != nil {
		return nil, err
	}

	condition := "attribute_exists(PK)"
	names := expr.Names
	values := expr.Values
	if opts != nil && opts.Condition != nil {
		condition = opts.Condition.Expression
		names = mergeNames(expr.Names, opts.Condition.Names)
		values = mergeValues(expr.Values, opts.Condition.Values)
	}

	items := make([]types.TransactWriteItem, 0, 3)
	for _, key := range []map[string]types.AttributeValue{m.mainKeys(), m.forwardKeys(), m.reverseKeys()} {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(s.config.Table),
				Key:                       key,
				ConditionExpression:       aws.String(condition),
				UpdateExpression:          aws.String(expr.Expression),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		})
	}

	if err := s.executeTransactWrite(ctx, items); err != nil {
		if IsCode(err, CodeConditionalCheckFailed) {
			return nil, NewError(CodeMutualNotFound, "mutual not found", err, nil)
		}
		return nil, err
	}

	if opts == nil || !opts.ReturnUpdated {
		return nil, nil
	}
	return s.GetMutual(ctx, byEntityType, byEntityID, entityType, entityID, nil)
}

// DeleteMutual tombstones all three copies instead of deleting them, so a
// late out-of-order create cannot resurrect a removed link unnoticed. The
// TTL sweep removes the rows for good.
func (s *Store) DeleteMutual(ctx context.Context, byEntityType, byEntityID, entityType, entityID string, cond *Condition) (*Mutual, error) {
	m, err := s.GetMutual(ctx, byEntityType, byEntityID, entityType, entityID, nil)
	if err != nil {
		if IsCode(err, CodeMutualIsUndefined) {
			return nil, NewError(CodeMutualNotFound, "mutual not found", err, nil)
		}
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.config.TombstoneTTL).Unix()

	condition := "attribute_exists(PK) AND attribute_not_exists(#expiresAt)"
	names := map[string]string{
		"#expiresAt":       "expiresAt",
		"#mutualUpdatedAt": "mutualUpdatedAt",
		"#updatedAt":       "updatedAt",
	}
	values := map[string]types.AttributeValue{
		":expiresAt":       &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
		":mutualUpdatedAt": &types.AttributeValueMemberS{Value: formatTime(now)},
	}
	if cond != nil {
		condition = cond.Expression
		names = mergeNames(names, cond.Names)
		values = mergeValues(values, cond.Values)
	}

	items := make([]types.TransactWriteItem, 0, 3)
	for _, key := range []map[string]types.AttributeValue{m.mainKeys(), m.forwardKeys(), m.reverseKeys()} {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(s.config.Table),
				Key:                       key,
				UpdateExpression:          aws.String("SET #expiresAt = :expiresAt, #mutualUpdatedAt = :mutualUpdatedAt, #updatedAt = :mutualUpdatedAt"),
				ConditionExpression:       aws.String(condition),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		})
	}

	if err := s.executeTransactWrite(ctx, items); err != nil {
		if IsCode(err, CodeConditionalCheckFailed) {
			return nil, NewError(CodeMutualNotFound, "mutual not found", err, nil)
		}
		return nil, err
	}
	return m, nil
}

// CreateMutualLock acquires the reconciliation lock for one (owner, target
// type) pair. The version is the event's publish time, so the highest
// version wins; a conflicting equal-or-newer holder fails the acquisition
// outright, while an older or vanished holder is retried after a backoff.
func (s *Store) CreateMutualLock(ctx context.Context, byEntityType, byEntityID, entityType, version string) error {
	key := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: keys.MutualLockPK(byEntityType, byEntityID, entityType)},
		"SK": &types.AttributeValueMemberS{Value: keys.LockSK},
	}

	for attempt := 0; ; attempt++ {
		expiresAt := s.now().Add(s.config.MutualLockTTL).Unix()
		item := copyItem(key)
		item["version"] = &types.AttributeValueMemberS{Value: version}
		item["status"] = &types.AttributeValueMemberS{Value: "LOCK"}
		// expiresAt auto-releases the lock if processing dies mid-way
		item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)}

		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.config.Table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK) OR (attribute_not_exists(#status) AND version < :version)"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":version": &types.AttributeValueMemberS{Value: version},
			},
		})
		if err == nil {
			return nil
		}
		if !isConditionalCheckFailed(err) {
			return err
		}

		lock, getErr := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.config.Table),
			Key:       key,
		})
		if getErr == nil && lock.Item != nil {
			if existing := stringAttr(lock.Item, "version"); existing >= version {
				return NewError(CodeMutualLockConflict, "lock conflict", err, nil)
			}
		}

		if attempt >= s.config.LockRetries {
			break
		}
		if err := sleepCtx(ctx, s.config.LockBackoff); err != nil {
			return err
		}
	}

	return NewError(CodeRetryableMutualLockConflict, "retryable lock conflict", nil, nil)
}

// DeleteMutualLock releases the lock but keeps the row, so the version
// fence survives for later, staler events. Failures are ignored.
func (s *Store) DeleteMutualLock(ctx context.Context, byEntityType, byEntityID, entityType string) {
	_, _ = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.config.Table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: keys.MutualLockPK(byEntityType, byEntityID, entityType)},
			"SK": &types.AttributeValueMemberS{Value: keys.LockSK},
		},
		UpdateExpression:         aws.String("REMOVE #status"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
	})
}

func mergeNames(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func mergeValues(base, extra map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
