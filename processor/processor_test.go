package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/monorise/core/event"
	"github.com/monorise/core/internal/dynafake"
	"github.com/monorise/core/store"
)

// capturePublisher records every published event for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	detail  event.Detail
	payload any
}

func (c *capturePublisher) Publish(ctx context.Context, detail event.Detail, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, publishedEvent{detail: detail, payload: payload})
	return nil
}

func (c *capturePublisher) byType(detailType string) []publishedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []publishedEvent
	for _, e := range c.events {
		if e.detail.DetailType == detailType {
			out = append(out, e)
		}
	}
	return out
}

func newTestProcessor(t *testing.T, registry *store.Registry) (*Processor, *store.Store, *capturePublisher) {
	t.Helper()
	cfg := store.DefaultConfig("core-test")
	cfg.LockBackoff = time.Millisecond
	s := store.New(dynafake.New(), cfg, registry)
	pub := &capturePublisher{}
	return New(s, pub, nil), s, pub
}

// sqsEvent wraps payloads into SQS records carrying the bus envelope.
func sqsEvent(t *testing.T, detail event.Detail, payloads ...any) events.SQSEvent {
	t.Helper()
	var ev events.SQSEvent
	for i, payload := range payloads {
		body, err := json.Marshal(map[string]any{
			"source":      detail.Source,
			"detail-type": detail.DetailType,
			"detail":      payload,
		})
		if err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		ev.Records = append(ev.Records, events.SQSMessage{
			MessageId: fmt.Sprintf("msg-%d", i),
			Body:      string(body),
		})
	}
	return ev
}

func mustCreateEntity(t *testing.T, s *store.Store, entityType, entityID string, data map[string]any) {
	t.Helper()
	if _, err := s.CreateEntity(context.Background(), entityType, data, entityID, nil); err != nil {
		t.Fatalf("create %s#%s: %v", entityType, entityID, err)
	}
}

func mustCreateMutual(t *testing.T, s *store.Store, byType, byID, entityType, entityID string) {
	t.Helper()
	_, err := s.CreateMutual(context.Background(), byType, byID, nil, entityType, entityID, nil, nil, nil)
	if err != nil {
		t.Fatalf("link %s#%s -> %s#%s: %v", byType, byID, entityType, entityID, err)
	}
}

// replicationImage is a canonical mutual row as it appears in a change
// stream record.
func replicationImage(pk, mutualUpdatedAt string, mutualData map[string]string) map[string]types.AttributeValue {
	data := make(map[string]types.AttributeValue, len(mutualData))
	for k, v := range mutualData {
		data[k] = &types.AttributeValueMemberS{Value: v}
	}
	return map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: pk},
		"SK":              &types.AttributeValueMemberS{Value: "#METADATA#"},
		"mutualUpdatedAt": &types.AttributeValueMemberS{Value: mutualUpdatedAt},
		"mutualData":      &types.AttributeValueMemberM{Value: data},
	}
}
