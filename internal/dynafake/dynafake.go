// Package dynafake is an in-memory stand-in for the DynamoDB operations
// the data layer uses, faithful enough to exercise condition expressions,
// transactions, GSI queries and pagination in unit tests.
package dynafake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DB is a single-table store with the PK/SK key schema and the two
// replication indexes the data layer expects.
type DB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

// New creates an empty table.
func New() *DB {
	return &DB{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) (string, error) {
	pk, okPK := item["PK"].(*types.AttributeValueMemberS)
	sk, okSK := item["SK"].(*types.AttributeValueMemberS)
	if !okPK || !okSK {
		return "", fmt.Errorf("item is missing string PK/SK")
	}
	return pk.Value + "\x00" + sk.Value, nil
}

// Len returns the number of stored items.
func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.items)
}

// RawItem returns a stored item by its keys, for test assertions.
func (db *DB) RawItem(pk, sk string) map[string]types.AttributeValue {
	db.mu.Lock()
	defer db.mu.Unlock()
	item, ok := db.items[pk+"\x00"+sk]
	if !ok {
		return nil
	}
	return cloneItem(item)
}

func (db *DB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	key, err := itemKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := db.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: cloneItem(item)}, nil
}

func (db *DB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.putLocked(params.Item, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (db *DB) putLocked(item map[string]types.AttributeValue, condition *string, names map[string]string, values map[string]types.AttributeValue) error {
	key, err := itemKey(item)
	if err != nil {
		return err
	}
	if condition != nil {
		ok, err := evalCondition(*condition, db.items[key], names, values)
		if err != nil {
			return err
		}
		if !ok {
			return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	db.items[key] = cloneItem(item)
	return nil
}

func (db *DB) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	updated, err := db.updateLocked(params.Key, params.UpdateExpression, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	out := &dynamodb.UpdateItemOutput{}
	if params.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = cloneItem(updated)
	}
	return out, nil
}

func (db *DB) updateLocked(key map[string]types.AttributeValue, update, condition *string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	k, err := itemKey(key)
	if err != nil {
		return nil, err
	}
	existing := db.items[k]

	if condition != nil {
		ok, err := evalCondition(*condition, existing, names, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}

	if update == nil {
		return existing, nil
	}
	updated, err := applyUpdate(*update, existing, names, values)
	if err != nil {
		return nil, err
	}
	// updates upsert: a missing item is created from its key
	updated["PK"] = key["PK"]
	updated["SK"] = key["SK"]
	db.items[k] = updated
	return updated, nil
}

func (db *DB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.deleteLocked(params.Key, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (db *DB) deleteLocked(key map[string]types.AttributeValue, condition *string, names map[string]string, values map[string]types.AttributeValue) error {
	k, err := itemKey(key)
	if err != nil {
		return err
	}
	if condition != nil {
		ok, err := evalCondition(*condition, db.items[k], names, values)
		if err != nil {
			return err
		}
		if !ok {
			return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	delete(db.items, k)
	return nil
}

// TransactWriteItems evaluates every condition against the current state
// first; if any fails, nothing is applied and the cancellation reasons
// name the failing positions.
func (db *DB) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, item := range params.TransactItems {
		var condition *string
		var names map[string]string
		var values map[string]types.AttributeValue
		var target map[string]types.AttributeValue

		switch {
		case item.Put != nil:
			condition = item.Put.ConditionExpression
			names = item.Put.ExpressionAttributeNames
			values = item.Put.ExpressionAttributeValues
			k, err := itemKey(item.Put.Item)
			if err != nil {
				return nil, err
			}
			target = db.items[k]
		case item.Update != nil:
			condition = item.Update.ConditionExpression
			names = item.Update.ExpressionAttributeNames
			values = item.Update.ExpressionAttributeValues
			k, err := itemKey(item.Update.Key)
			if err != nil {
				return nil, err
			}
			target = db.items[k]
		case item.Delete != nil:
			condition = item.Delete.ConditionExpression
			names = item.Delete.ExpressionAttributeNames
			values = item.Delete.ExpressionAttributeValues
			k, err := itemKey(item.Delete.Key)
			if err != nil {
				return nil, err
			}
			target = db.items[k]
		default:
			return nil, fmt.Errorf("unsupported transact item at position %d", i)
		}

		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if condition == nil {
			continue
		}
		ok, err := evalCondition(*condition, target, names, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			reasons[i] = types.CancellationReason{
				Code:    aws.String("ConditionalCheckFailed"),
				Message: aws.String("The conditional request failed"),
			}
			failed = true
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range params.TransactItems {
		switch {
		case item.Put != nil:
			if err := db.putLocked(item.Put.Item, nil, nil, nil); err != nil {
				return nil, err
			}
		case item.Update != nil:
			if _, err := db.updateLocked(item.Update.Key, item.Update.UpdateExpression, nil, item.Update.ExpressionAttributeNames, item.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		case item.Delete != nil:
			if err := db.deleteLocked(item.Delete.Key, nil, nil, nil); err != nil {
				return nil, err
			}
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// index key schemas, matching the table definition the store targets.
var indexSchemas = map[string][2]string{
	"entity-replication-index": {"R1PK", "R1SK"},
	"mutual-replication-index": {"R2PK", "R2SK"},
}

func (db *DB) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	skAttr := "SK"
	indexed := false
	if params.IndexName != nil {
		schema, ok := indexSchemas[*params.IndexName]
		if !ok {
			return nil, fmt.Errorf("unknown index %s", *params.IndexName)
		}
		skAttr = schema[1]
		indexed = true
	}

	cond, err := parseKeyCondition(aws.ToString(params.KeyConditionExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	var matched []map[string]types.AttributeValue
	for _, item := range db.items {
		pkVal, ok := item[cond.pkAttr]
		if !ok || !attrsEqual(pkVal, cond.pkValue) {
			continue
		}
		skVal, hasSort := item[skAttr]
		if indexed && !hasSort {
			continue // not projected into a sparse index
		}
		if !cond.matchSort(skVal, hasSort) {
			continue
		}
		matched = append(matched, item)
	}

	sort.Slice(matched, func(i, j int) bool {
		return stringOf(matched[i][skAttr]) < stringOf(matched[j][skAttr])
	})
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	start := 0
	if params.ExclusiveStartKey != nil {
		for i, item := range matched {
			if attrsEqual(item["PK"], params.ExclusiveStartKey["PK"]) && attrsEqual(item["SK"], params.ExclusiveStartKey["SK"]) {
				start = i + 1
				break
			}
		}
	}
	matched = matched[start:]

	// Limit bounds the scan window before filtering, like the real thing
	var lastKey map[string]types.AttributeValue
	if params.Limit != nil && int(*params.Limit) < len(matched) {
		matched = matched[:int(*params.Limit)]
		last := matched[len(matched)-1]
		lastKey = map[string]types.AttributeValue{
			"PK": last["PK"],
			"SK": last["SK"],
		}
	}

	out := &dynamodb.QueryOutput{LastEvaluatedKey: lastKey}
	for _, item := range matched {
		if params.FilterExpression != nil {
			ok, err := evalCondition(*params.FilterExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out.Items = append(out.Items, cloneItem(item))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func stringOf(attr types.AttributeValue) string {
	if s, ok := attr.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

// keyCondition is a parsed key condition: an equality on the partition
// attribute plus an optional sort-key restriction.
type keyCondition struct {
	pkAttr  string
	pkValue types.AttributeValue

	sortOp string // "", "begins_with", "between", "=", "<", "<=", ">", ">="
	sortA  types.AttributeValue
	sortB  types.AttributeValue
}

func (c *keyCondition) matchSort(attr types.AttributeValue, exists bool) bool {
	if c.sortOp == "" {
		return true
	}
	if !exists {
		return false
	}
	switch c.sortOp {
	case "begins_with":
		s, okS := attr.(*types.AttributeValueMemberS)
		p, okP := c.sortA.(*types.AttributeValueMemberS)
		return okS && okP && len(s.Value) >= len(p.Value) && s.Value[:len(p.Value)] == p.Value
	case "between":
		low, okL := compareAttrs(attr, c.sortA)
		high, okH := compareAttrs(attr, c.sortB)
		return okL && okH && low >= 0 && high <= 0
	case "=":
		return attrsEqual(attr, c.sortA)
	default:
		cmp, ok := compareAttrs(attr, c.sortA)
		if !ok {
			return false
		}
		switch c.sortOp {
		case "<":
			return cmp < 0
		case "<=":
			return cmp <= 0
		case ">":
			return cmp > 0
		case ">=":
			return cmp >= 0
		}
		return false
	}
}

func parseKeyCondition(expr string, names map[string]string, values map[string]types.AttributeValue) (*keyCondition, error) {
	all, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	// key conditions never nest, so the grouping parens the expression
	// builder emits carry no meaning here
	tokens := all[:0:0]
	for _, t := range all {
		if t.kind == "lparen" || t.kind == "rparen" || t.kind == "comma" {
			continue
		}
		tokens = append(tokens, t)
	}

	resolveName := func(t token) (string, error) {
		if t.kind == "name" {
			resolved, ok := names[t.text]
			if !ok {
				return "", fmt.Errorf("unresolved attribute name %s", t.text)
			}
			return resolved, nil
		}
		return t.text, nil
	}
	resolveValue := func(t token) (types.AttributeValue, error) {
		if t.kind != "value" {
			return nil, fmt.Errorf("expected value placeholder, got %q", t.text)
		}
		v, ok := values[t.text]
		if !ok {
			return nil, fmt.Errorf("unresolved value %s", t.text)
		}
		return v, nil
	}

	pos := 0
	need := func() (token, error) {
		if pos >= len(tokens) {
			return token{}, fmt.Errorf("truncated key condition %q", expr)
		}
		t := tokens[pos]
		pos++
		return t, nil
	}

	cond := &keyCondition{}

	// partition clause: attr = :value
	nameTok, err := need()
	if err != nil {
		return nil, err
	}
	if cond.pkAttr, err = resolveName(nameTok); err != nil {
		return nil, err
	}
	if eq, err := need(); err != nil || eq.kind != "op" || eq.text != "=" {
		return nil, fmt.Errorf("key condition %q must start with an equality", expr)
	}
	valTok, err := need()
	if err != nil {
		return nil, err
	}
	if cond.pkValue, err = resolveValue(valTok); err != nil {
		return nil, err
	}

	if pos == len(tokens) {
		return cond, nil
	}

	andTok, err := need()
	if err != nil || andTok.kind != "ident" || !strings.EqualFold(andTok.text, "AND") {
		return nil, fmt.Errorf("expected AND in key condition %q", expr)
	}

	next, err := need()
	if err != nil {
		return nil, err
	}
	if next.kind == "ident" && strings.EqualFold(next.text, "begins_with") {
		if _, err := need(); err != nil { // sort attribute name
			return nil, err
		}
		v, err := need()
		if err != nil {
			return nil, err
		}
		if cond.sortA, err = resolveValue(v); err != nil {
			return nil, err
		}
		cond.sortOp = "begins_with"
		return cond, nil
	}

	// sort attribute already consumed in next; expect operator or BETWEEN
	opTok, err := need()
	if err != nil {
		return nil, err
	}
	if opTok.kind == "ident" && strings.EqualFold(opTok.text, "BETWEEN") {
		a, err := need()
		if err != nil {
			return nil, err
		}
		if cond.sortA, err = resolveValue(a); err != nil {
			return nil, err
		}
		if t, err := need(); err != nil || t.kind != "ident" || !strings.EqualFold(t.text, "AND") {
			return nil, fmt.Errorf("malformed BETWEEN in %q", expr)
		}
		b, err := need()
		if err != nil {
			return nil, err
		}
		if cond.sortB, err = resolveValue(b); err != nil {
			return nil, err
		}
		cond.sortOp = "between"
		return cond, nil
	}
	if opTok.kind != "op" {
		return nil, fmt.Errorf("unexpected token in key condition %q", expr)
	}
	v, err := need()
	if err != nil {
		return nil, err
	}
	if cond.sortA, err = resolveValue(v); err != nil {
		return nil, err
	}
	cond.sortOp = opTok.text
	return cond, nil
}
