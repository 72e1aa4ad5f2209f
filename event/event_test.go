package event

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

func TestMutualPairDetailTypes(t *testing.T) {
	tests := []struct {
		name string
		got  Detail
		want string
	}{
		{"created", MutualCreated("user", "team"), "mutual-created:user:team"},
		{"updated", MutualUpdated("user", "team"), "mutual-updated:user:team"},
		{"deleted", MutualDeleted("team", "user"), "mutual-deleted:team:user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got.DetailType != tt.want {
				t.Errorf("DetailType = %s, want %s", tt.got.DetailType, tt.want)
			}
			if tt.got.Source != SourceCore {
				t.Errorf("Source = %s, want %s", tt.got.Source, SourceCore)
			}
		})
	}
}

func TestParseSQSBusEvent(t *testing.T) {
	body := `{"source":"core-service","detail-type":"entity-mutual-to-create","detail":{"byEntityType":"user","byEntityId":"u1","entityType":"team","field":"teams","mutualIds":["t1","t2"],"publishedAt":"2026-01-02T03:04:05.000Z"}}`

	ev, err := ParseSQSBusEvent(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Detail != EntityMutualToCreate {
		t.Errorf("detail = %+v", ev.Detail)
	}

	var payload MutualReconcilePayload
	if err := ev.DecodeDetail(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ByEntityID != "u1" || payload.Field != "teams" {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.MutualIDs) != 2 || payload.MutualIDs[1] != "t2" {
		t.Errorf("mutualIds = %v", payload.MutualIDs)
	}
	if payload.PublishedAt != "2026-01-02T03:04:05.000Z" {
		t.Errorf("publishedAt = %s", payload.PublishedAt)
	}
}

func TestParseSQSBusEventMalformed(t *testing.T) {
	if _, err := ParseSQSBusEvent("{not json"); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

func TestDecodeDetailRejectsShape(t *testing.T) {
	ev, err := ParseSQSBusEvent(`{"source":"core-service","detail-type":"entity-created","detail":"not-an-object"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var payload EntityPayload
	if err := ev.DecodeDetail(&payload); err == nil {
		t.Fatal("expected decode error for scalar detail")
	}
}

// fakeBusAPI records put entries and replays a scripted response.
type fakeBusAPI struct {
	inputs []*eventbridge.PutEventsInput
	out    *eventbridge.PutEventsOutput
	err    error
}

func (f *fakeBusAPI) PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func TestBusPublisherPublish(t *testing.T) {
	api := &fakeBusAPI{}
	pub := NewBusPublisher(api, "core-bus")

	err := pub.Publish(context.Background(), EntityCreated, EntityPayload{
		EntityType: "user",
		EntityID:   "u1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(api.inputs) != 1 || len(api.inputs[0].Entries) != 1 {
		t.Fatalf("inputs = %+v", api.inputs)
	}
	entry := api.inputs[0].Entries[0]
	if aws.ToString(entry.Source) != "core-service" {
		t.Errorf("source = %s", aws.ToString(entry.Source))
	}
	if aws.ToString(entry.DetailType) != "entity-created" {
		t.Errorf("detail-type = %s", aws.ToString(entry.DetailType))
	}
	if aws.ToString(entry.EventBusName) != "core-bus" {
		t.Errorf("bus = %s", aws.ToString(entry.EventBusName))
	}
	want := `{"entityType":"user","entityId":"u1"}`
	if aws.ToString(entry.Detail) != want {
		t.Errorf("detail = %s, want %s", aws.ToString(entry.Detail), want)
	}
}

func TestBusPublisherRejectedEntry(t *testing.T) {
	api := &fakeBusAPI{out: &eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries: []types.PutEventsResultEntry{{
			ErrorCode:    aws.String("ThrottlingException"),
			ErrorMessage: aws.String("slow down"),
		}},
	}}
	pub := NewBusPublisher(api, "core-bus")

	err := pub.Publish(context.Background(), EntityCreated, EntityPayload{EntityType: "user"})
	if err == nil {
		t.Fatal("expected error for rejected entry")
	}
}

func TestBusPublisherTransportError(t *testing.T) {
	api := &fakeBusAPI{err: errors.New("connection reset")}
	pub := NewBusPublisher(api, "core-bus")

	if err := pub.Publish(context.Background(), EntityCreated, nil); err == nil {
		t.Fatal("expected transport error")
	}
}

// capturePublisher keeps published payloads for inspection.
type capturePublisher struct {
	details  []Detail
	payloads []any
}

func (c *capturePublisher) Publish(ctx context.Context, detail Detail, payload any) error {
	c.details = append(c.details, detail)
	c.payloads = append(c.payloads, payload)
	return nil
}

func TestPublishError(t *testing.T) {
	pub := &capturePublisher{}
	cause := errors.New("table missing")

	id, err := PublishError(context.Background(), pub, "core", "POST", "/entity/user",
		map[string]any{"name": "Alice"}, cause)
	if err != nil {
		t.Fatalf("publish error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a correlation id")
	}
	if len(pub.details) != 1 || pub.details[0] != EndpointError {
		t.Fatalf("details = %+v", pub.details)
	}

	payload, ok := pub.payloads[0].(ErrorPayload)
	if !ok {
		t.Fatalf("payload type %T", pub.payloads[0])
	}
	if payload.ID != id {
		t.Errorf("payload id %s, event id %s", payload.ID, id)
	}
	if payload.Method != "POST" || payload.Path != "/entity/user" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Error.Message != "table missing" {
		t.Errorf("error message = %s", payload.Error.Message)
	}
}

func TestPublishErrorUnwrapsCause(t *testing.T) {
	pub := &capturePublisher{}
	wrapped := errors.New("condition failed")

	_, err := PublishError(context.Background(), pub, "core", "PUT", "/entity/user/u1", nil,
		wrapErr{msg: "update rejected", inner: wrapped})
	if err != nil {
		t.Fatalf("publish error: %v", err)
	}
	payload := pub.payloads[0].(ErrorPayload)
	if payload.Error.Cause != "condition failed" {
		t.Errorf("cause = %s", payload.Error.Cause)
	}
}

type wrapErr struct {
	msg   string
	inner error
}

func (w wrapErr) Error() string { return w.msg }
func (w wrapErr) Unwrap() error { return w.inner }
