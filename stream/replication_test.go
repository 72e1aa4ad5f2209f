package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monorise/core/internal/dynafake"
	"github.com/monorise/core/store"
)

func testRegistry() *store.Registry {
	r := store.NewRegistry()
	r.Register("user", store.EntityTypeConfig{
		UniqueFields: []string{"username"},
	})
	r.Register("team", store.EntityTypeConfig{})
	return r
}

func newTestHandler(t *testing.T) (*Handler, *store.Store, *dynafake.DB) {
	t.Helper()
	db := dynafake.New()
	s := store.New(db, store.DefaultConfig("core-test"), testRegistry())
	return NewHandler(s, nil), s, db
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if sv, ok := item[name].(*types.AttributeValueMemberS); ok {
		return sv.Value
	}
	return ""
}

func mapAttribute(kv map[string]string) events.DynamoDBAttributeValue {
	m := make(map[string]events.DynamoDBAttributeValue, len(kv))
	for k, v := range kv {
		m[k] = events.NewStringAttribute(v)
	}
	return events.NewMapAttribute(m)
}

func modifyRecord(seq string, image map[string]events.DynamoDBAttributeValue) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:   "ev-" + seq,
		EventName: "MODIFY",
		Change: events.DynamoDBStreamRecord{
			SequenceNumber: seq,
			NewImage:       image,
		},
	}
}

func removeRecord(seq, pk, sk string) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:   "ev-" + seq,
		EventName: "REMOVE",
		Change: events.DynamoDBStreamRecord{
			SequenceNumber: seq,
			Keys: map[string]events.DynamoDBAttributeValue{
				"PK": events.NewStringAttribute(pk),
				"SK": events.NewStringAttribute(sk),
			},
		},
	}
}

func TestHandleReplicationEntityModify(t *testing.T) {
	h, s, db := newTestHandler(t)
	ctx := context.Background()

	if _, err := s.CreateEntity(ctx, "user", map[string]any{"username": "alice", "name": "Alice"}, "u1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	later := store.FormatTime(time.Now().Add(time.Hour))
	resp, err := h.HandleReplication(ctx, events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{
			modifyRecord("seq-1", map[string]events.DynamoDBAttributeValue{
				"PK":        events.NewStringAttribute("user#u1"),
				"SK":        events.NewStringAttribute("#METADATA#"),
				"updatedAt": events.NewStringAttribute(later),
				"data":      mapAttribute(map[string]string{"username": "alice", "name": "Alice Tan"}),
			}),
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %v", resp.BatchItemFailures)
	}

	for _, key := range [][2]string{
		{"LIST#user", "user#u1"},
		{"UNIQUE#username#alice", "user"},
	} {
		item := db.RawItem(key[0], key[1])
		if item == nil {
			t.Fatalf("copy %v missing", key)
		}
		if got := stringAttr(item, "updatedAt"); got != later {
			t.Errorf("copy %v updatedAt = %s, want %s", key, got, later)
		}
		data, _ := item["data"].(*types.AttributeValueMemberM)
		if data == nil || stringAttr(data.Value, "name") != "Alice Tan" {
			t.Errorf("copy %v data not propagated", key)
		}
	}
}

func TestHandleReplicationMutualModify(t *testing.T) {
	h, s, db := newTestHandler(t)
	ctx := context.Background()

	if _, err := s.CreateEntity(ctx, "user", map[string]any{"username": "alice"}, "u1", nil); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.CreateEntity(ctx, "team", map[string]any{"name": "core"}, "t1", nil); err != nil {
		t.Fatalf("create team: %v", err)
	}
	m, err := s.CreateMutual(ctx, "user", "u1", nil, "team", "t1", nil, map[string]any{"role": "member"}, nil)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := s.CreateEntity(ctx, "team", map[string]any{"name": "mat"}, "mat1",
		&store.CreateEntityOptions{MutualID: "MUTUAL#" + m.MutualID}); err != nil {
		t.Fatalf("create materialized: %v", err)
	}

	later := store.FormatTime(time.Now().Add(time.Hour))
	resp, err := h.HandleReplication(ctx, events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{
			modifyRecord("seq-1", map[string]events.DynamoDBAttributeValue{
				"PK":              events.NewStringAttribute("MUTUAL#" + m.MutualID),
				"SK":              events.NewStringAttribute("#METADATA#"),
				"mutualUpdatedAt": events.NewStringAttribute(later),
				"mutualData":      mapAttribute(map[string]string{"role": "admin"}),
			}),
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %v", resp.BatchItemFailures)
	}

	materialized := db.RawItem("team#mat1", "#METADATA#")
	data, _ := materialized["data"].(*types.AttributeValueMemberM)
	if data == nil || stringAttr(data.Value, "role") != "admin" {
		t.Errorf("materialized entity not updated: %v", materialized["data"])
	}
}

func TestHandleReplicationRemoveCascades(t *testing.T) {
	h, s, db := newTestHandler(t)
	ctx := context.Background()

	if _, err := s.CreateEntity(ctx, "user", map[string]any{"username": "alice"}, "u1", nil); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.CreateEntity(ctx, "team", map[string]any{"name": "core"}, "t1", nil); err != nil {
		t.Fatalf("create team: %v", err)
	}
	m, err := s.CreateMutual(ctx, "user", "u1", nil, "team", "t1", nil, nil, nil)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.DeleteEntity(ctx, "user", "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// the entity removal drains its own copies; removing the mutual
	// canonical row then drains the remaining adjacency copy
	resp, err := h.HandleReplication(ctx, events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{
			removeRecord("seq-1", "user#u1", "#METADATA#"),
			removeRecord("seq-2", "MUTUAL#"+m.MutualID, "#METADATA#"),
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %v", resp.BatchItemFailures)
	}

	for _, key := range [][2]string{
		{"LIST#user", "user#u1"},
		{"UNIQUE#username#alice", "user"},
		{"team#t1", "user#u1"},
		{"user#u1", "team#t1"},
		{"MUTUAL#" + m.MutualID, "#METADATA#"},
	} {
		if db.RawItem(key[0], key[1]) != nil {
			t.Errorf("row %v should be gone", key)
		}
	}
}

func TestHandleReplicationSkipsNonCanonicalRows(t *testing.T) {
	h, s, db := newTestHandler(t)
	ctx := context.Background()

	if _, err := s.CreateEntity(ctx, "user", map[string]any{"username": "alice"}, "u1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	before := db.Len()

	later := store.FormatTime(time.Now().Add(time.Hour))
	resp, err := h.HandleReplication(ctx, events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{
			// a listing copy echoing back through the stream
			modifyRecord("seq-1", map[string]events.DynamoDBAttributeValue{
				"PK":        events.NewStringAttribute("LIST#user"),
				"SK":        events.NewStringAttribute("user#u1"),
				"updatedAt": events.NewStringAttribute(later),
			}),
			// a lock row
			modifyRecord("seq-2", map[string]events.DynamoDBAttributeValue{
				"PK": events.NewStringAttribute("TAG#user#u1"),
				"SK": events.NewStringAttribute("#LOCK#"),
			}),
			// a TTL removal of a copy must not cascade
			removeRecord("seq-3", "LIST#user", "user#u1"),
			// records without an image carry nothing to converge
			{EventName: "MODIFY", Change: events.DynamoDBStreamRecord{SequenceNumber: "seq-4"}},
			{EventName: "INSERT", Change: events.DynamoDBStreamRecord{SequenceNumber: "seq-5"}},
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %v", resp.BatchItemFailures)
	}
	if got := db.Len(); got != before {
		t.Errorf("table size changed from %d to %d", before, got)
	}
	if got := stringAttr(db.RawItem("LIST#user", "user#u1"), "updatedAt"); got == later {
		t.Error("copy row must not trigger replication")
	}
}

func TestHandleReplicationToleratesKeylessRecords(t *testing.T) {
	h, _, db := newTestHandler(t)
	before := db.Len()

	resp, err := h.HandleReplication(context.Background(), events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{
			// image without keys at all
			modifyRecord("seq-1", map[string]events.DynamoDBAttributeValue{
				"data": mapAttribute(map[string]string{"name": "orphan"}),
			}),
			// keys of the wrong type
			modifyRecord("seq-2", map[string]events.DynamoDBAttributeValue{
				"PK": events.NewNumberAttribute("7"),
				"SK": events.NewStringAttribute("#METADATA#"),
			}),
			{
				EventName: "REMOVE",
				Change: events.DynamoDBStreamRecord{
					SequenceNumber: "seq-3",
					Keys: map[string]events.DynamoDBAttributeValue{
						"SK": events.NewStringAttribute("#METADATA#"),
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %v", resp.BatchItemFailures)
	}
	if got := db.Len(); got != before {
		t.Errorf("table size changed from %d to %d", before, got)
	}
}

// failAfter passes through to the fake until n calls have gone by, then
// errors every write.
type failAfter struct {
	*dynafake.DB
	n int
}

func (f *failAfter) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.n <= 0 {
		return nil, errors.New("throughput exceeded")
	}
	f.n--
	return f.DB.UpdateItem(ctx, params, optFns...)
}

func TestHandleReplicationHaltsOnFirstFailure(t *testing.T) {
	db := dynafake.New()
	client := &failAfter{DB: db}
	s := store.New(client, store.DefaultConfig("core-test"), testRegistry())
	h := NewHandler(s, nil)
	ctx := context.Background()

	if _, err := s.CreateEntity(ctx, "user", map[string]any{"username": "alice"}, "u1", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	later := store.FormatTime(time.Now().Add(time.Hour))
	image := map[string]events.DynamoDBAttributeValue{
		"PK":        events.NewStringAttribute("user#u1"),
		"SK":        events.NewStringAttribute("#METADATA#"),
		"updatedAt": events.NewStringAttribute(later),
		"data":      mapAttribute(map[string]string{"username": "alice"}),
	}
	resp, err := h.HandleReplication(ctx, events.DynamoDBEvent{
		Records: []events.DynamoDBEventRecord{
			modifyRecord("seq-1", image),
			modifyRecord("seq-2", image),
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "seq-1" {
		t.Fatalf("failures = %v, want the first sequence number", resp.BatchItemFailures)
	}
}

func TestConvertImage(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"name":  events.NewStringAttribute("alice"),
		"count": events.NewNumberAttribute("3"),
		"live":  events.NewBooleanAttribute(true),
		"none":  events.NewNullAttribute(),
		"tags": events.NewListAttribute([]events.DynamoDBAttributeValue{
			events.NewStringAttribute("a"),
		}),
		"data": events.NewMapAttribute(map[string]events.DynamoDBAttributeValue{
			"nested": events.NewStringAttribute("x"),
		}),
	}

	got := convertImage(image)

	if v, _ := got["name"].(*types.AttributeValueMemberS); v == nil || v.Value != "alice" {
		t.Errorf("name = %v", got["name"])
	}
	if v, _ := got["count"].(*types.AttributeValueMemberN); v == nil || v.Value != "3" {
		t.Errorf("count = %v", got["count"])
	}
	if v, _ := got["live"].(*types.AttributeValueMemberBOOL); v == nil || !v.Value {
		t.Errorf("live = %v", got["live"])
	}
	if v, _ := got["none"].(*types.AttributeValueMemberNULL); v == nil || !v.Value {
		t.Errorf("none = %v", got["none"])
	}
	if v, _ := got["tags"].(*types.AttributeValueMemberL); v == nil || len(v.Value) != 1 {
		t.Errorf("tags = %v", got["tags"])
	} else if s, _ := v.Value[0].(*types.AttributeValueMemberS); s == nil || s.Value != "a" {
		t.Errorf("tags[0] = %v", v.Value[0])
	}
	if v, _ := got["data"].(*types.AttributeValueMemberM); v == nil {
		t.Errorf("data = %v", got["data"])
	} else if s, _ := v.Value["nested"].(*types.AttributeValueMemberS); s == nil || s.Value != "x" {
		t.Errorf("data.nested = %v", v.Value["nested"])
	}
}
