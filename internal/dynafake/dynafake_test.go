package dynafake

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func s(v string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: v}
}

func put(t *testing.T, db *DB, item map[string]types.AttributeValue) {
	t.Helper()
	_, err := db.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String("core"),
		Item:      item,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
}

func TestPutItemCondition(t *testing.T) {
	db := New()
	item := map[string]types.AttributeValue{"PK": s("a"), "SK": s("b")}

	cond := aws.String("attribute_not_exists(PK)")
	if _, err := db.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String("core"), Item: item, ConditionExpression: cond,
	}); err != nil {
		t.Fatalf("first put: %v", err)
	}

	_, err := db.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String("core"), Item: item, ConditionExpression: cond,
	})
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		t.Fatalf("second put: want ConditionalCheckFailedException, got %v", err)
	}
}

func TestQuerySortAndPagination(t *testing.T) {
	db := New()
	for _, sk := range []string{"user#1", "user#2", "user#3", "other#1"} {
		put(t, db, map[string]types.AttributeValue{"PK": s("LIST#user"), "SK": s(sk)})
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String("core"),
		KeyConditionExpression: aws.String("#PK = :PK AND begins_with(#SK, :SK)"),
		ExpressionAttributeNames: map[string]string{
			"#PK": "PK", "#SK": "SK",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":PK": s("LIST#user"), ":SK": s("user#"),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(2),
	}
	out, err := db.Query(context.Background(), input)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("first page size = %d, want 2", len(out.Items))
	}
	if got := stringOf(out.Items[0]["SK"]); got != "user#3" {
		t.Errorf("descending order broken: first SK = %s", got)
	}
	if out.LastEvaluatedKey == nil {
		t.Fatal("want LastEvaluatedKey on a cut-short page")
	}

	input.ExclusiveStartKey = out.LastEvaluatedKey
	out, err = db.Query(context.Background(), input)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if len(out.Items) != 1 || stringOf(out.Items[0]["SK"]) != "user#1" {
		t.Fatalf("second page = %v", out.Items)
	}
	if out.LastEvaluatedKey != nil {
		t.Error("exhausted query should not carry a LastEvaluatedKey")
	}
}

func TestQuerySparseIndex(t *testing.T) {
	db := New()
	put(t, db, map[string]types.AttributeValue{
		"PK": s("user#1"), "SK": s("#METADATA#"),
	})
	put(t, db, map[string]types.AttributeValue{
		"PK": s("team#9"), "SK": s("user#1"),
		"R1PK": s("user#1"), "R1SK": s("team#9"),
	})

	out, err := db.Query(context.Background(), &dynamodb.QueryInput{
		TableName:              aws.String("core"),
		IndexName:              aws.String("entity-replication-index"),
		KeyConditionExpression: aws.String("#R1PK = :R1PK"),
		ExpressionAttributeNames: map[string]string{
			"#R1PK": "R1PK",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":R1PK": s("user#1"),
		},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out.Items) != 1 {
		t.Fatalf("items without the index keys must stay out, got %d", len(out.Items))
	}
}

func TestQueryGroupedKeyCondition(t *testing.T) {
	db := New()
	put(t, db, map[string]types.AttributeValue{
		"PK": s("TAG#course#ranked"), "SK": s("10#course#c1"),
	})
	put(t, db, map[string]types.AttributeValue{
		"PK": s("TAG#course#ranked"), "SK": s("20#course#c2"),
	})

	// the expression builder wraps each clause in parens
	out, err := db.Query(context.Background(), &dynamodb.QueryInput{
		TableName:              aws.String("core"),
		KeyConditionExpression: aws.String("(#0 = :0) AND (begins_with (#1, :1))"),
		ExpressionAttributeNames: map[string]string{
			"#0": "PK",
			"#1": "SK",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":0": s("TAG#course#ranked"),
			":1": s("10#"),
		},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(out.Items))
	}
}

func TestUpdateItemNestedSet(t *testing.T) {
	db := New()
	put(t, db, map[string]types.AttributeValue{
		"PK": s("user#1"), "SK": s("#METADATA#"),
		"data": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"name": s("old"),
		}},
	})

	out, err := db.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName: aws.String("core"),
		Key: map[string]types.AttributeValue{
			"PK": s("user#1"), "SK": s("#METADATA#"),
		},
		UpdateExpression: aws.String("SET #data.#name = :data_name"),
		ExpressionAttributeNames: map[string]string{
			"#data": "data", "#name": "name",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":data_name": s("new"),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	data, ok := out.Attributes["data"].(*types.AttributeValueMemberM)
	if !ok || stringOf(data.Value["name"]) != "new" {
		t.Fatalf("nested SET did not apply: %v", out.Attributes)
	}
}

func TestUpdateItemConditionFailure(t *testing.T) {
	db := New()
	_, err := db.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName: aws.String("core"),
		Key: map[string]types.AttributeValue{
			"PK": s("user#1"), "SK": s("#METADATA#"),
		},
		UpdateExpression:    aws.String("SET #v = :v"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{
			"#v": "v",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": s("x"),
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		t.Fatalf("want conditional failure on a missing item, got %v", err)
	}
}

func TestTransactWriteAllOrNothing(t *testing.T) {
	db := New()
	put(t, db, map[string]types.AttributeValue{"PK": s("taken"), "SK": s("#METADATA#")})

	notExists := aws.String("attribute_not_exists(PK)")
	_, err := db.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String("core"),
				Item:                map[string]types.AttributeValue{"PK": s("fresh"), "SK": s("#METADATA#")},
				ConditionExpression: notExists,
			}},
			{Put: &types.Put{
				TableName:           aws.String("core"),
				Item:                map[string]types.AttributeValue{"PK": s("taken"), "SK": s("#METADATA#")},
				ConditionExpression: notExists,
			}},
		},
	})
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		t.Fatalf("want TransactionCanceledException, got %v", err)
	}
	if len(txErr.CancellationReasons) != 2 {
		t.Fatalf("reasons = %d, want 2", len(txErr.CancellationReasons))
	}
	if got := aws.ToString(txErr.CancellationReasons[0].Code); got != "None" {
		t.Errorf("reason[0] = %s, want None", got)
	}
	if got := aws.ToString(txErr.CancellationReasons[1].Code); got != "ConditionalCheckFailed" {
		t.Errorf("reason[1] = %s, want ConditionalCheckFailed", got)
	}
	if db.RawItem("fresh", "#METADATA#") != nil {
		t.Error("a cancelled transaction must not apply any write")
	}
}

func TestTransactWriteApplies(t *testing.T) {
	db := New()
	put(t, db, map[string]types.AttributeValue{"PK": s("gone"), "SK": s("#METADATA#")})

	_, err := db.TransactWriteItems(context.Background(), &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String("core"),
				Item:      map[string]types.AttributeValue{"PK": s("a"), "SK": s("b"), "v": s("1")},
			}},
			{Delete: &types.Delete{
				TableName: aws.String("core"),
				Key:       map[string]types.AttributeValue{"PK": s("gone"), "SK": s("#METADATA#")},
			}},
		},
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}
	if db.RawItem("a", "b") == nil {
		t.Error("put inside transaction not applied")
	}
	if db.RawItem("gone", "#METADATA#") != nil {
		t.Error("delete inside transaction not applied")
	}
}

func TestEvalConditionShapes(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":        s("x"),
		"updatedAt": s("2026-01-02T00:00:00.000Z"),
		"version":   s("01A"),
	}

	tests := []struct {
		name   string
		expr   string
		values map[string]types.AttributeValue
		want   bool
	}{
		{
			name:   "stale guard passes",
			expr:   "#updatedAt < :updatedAt",
			values: map[string]types.AttributeValue{":updatedAt": s("2026-01-03T00:00:00.000Z")},
			want:   true,
		},
		{
			name:   "stale guard rejects older",
			expr:   "#updatedAt < :updatedAt",
			values: map[string]types.AttributeValue{":updatedAt": s("2026-01-01T00:00:00.000Z")},
			want:   false,
		},
		{
			name: "lock fencing",
			expr: "attribute_not_exists(PK) OR (attribute_not_exists(#status) AND version < :version)",
			values: map[string]types.AttributeValue{
				":version": s("01B"),
			},
			want: true,
		},
		{
			name: "tombstone filter on a live row",
			expr: "attribute_not_exists(#expiresAt) or attribute_type(#expiresAt, :nullType)",
			values: map[string]types.AttributeValue{
				":nullType": s("NULL"),
			},
			want: true,
		},
	}

	names := map[string]string{
		"#updatedAt": "updatedAt",
		"#status":    "status",
		"#expiresAt": "expiresAt",
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalCondition(tt.expr, item, names, tt.values)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tt.want {
				t.Errorf("eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}
