package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/google/uuid"
)

// NewBusClient builds an EventBridge client from the ambient AWS
// configuration.
func NewBusClient(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (*eventbridge.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return eventbridge.NewFromConfig(cfg), nil
}

// Publisher puts an event and its JSON-serializable payload on the bus.
type Publisher interface {
	Publish(ctx context.Context, detail Detail, payload any) error
}

// EventBridgeAPI is the EventBridge surface the publisher needs.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// BusPublisher publishes to a named EventBridge bus.
type BusPublisher struct {
	client  EventBridgeAPI
	busName string
}

// NewBusPublisher returns a publisher targeting the given bus.
func NewBusPublisher(client EventBridgeAPI, busName string) *BusPublisher {
	return &BusPublisher{client: client, busName: busName}
}

func (p *BusPublisher) Publish(ctx context.Context, detail Detail, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	resp, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			Source:       aws.String(detail.Source),
			DetailType:   aws.String(detail.DetailType),
			Detail:       aws.String(string(body)),
			EventBusName: aws.String(p.busName),
		}},
	})
	if err != nil {
		return fmt.Errorf("put events: %w", err)
	}
	if resp.FailedEntryCount > 0 {
		for _, entry := range resp.Entries {
			if entry.ErrorCode != nil {
				return fmt.Errorf("put events entry rejected: %s", aws.ToString(entry.ErrorMessage))
			}
		}
	}
	return nil
}

// ErrorPayload describes a failed request for the endpoint-error event.
type ErrorPayload struct {
	ID          string         `json:"id"`
	ServiceName string         `json:"serviceName"`
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	RequestBody map[string]any `json:"requestBody,omitempty"`
	Error       ErrorDetail    `json:"error"`
}

// ErrorDetail is the serialized error inside an ErrorPayload.
type ErrorDetail struct {
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// PublishError reports a request failure on the bus for offline triage.
// The generated id correlates the event with the response sent to the
// caller.
func PublishError(ctx context.Context, p Publisher, serviceName, method, path string, body map[string]any, cause error) (string, error) {
	payload := ErrorPayload{
		ID:          uuid.NewString(),
		ServiceName: serviceName,
		Method:      method,
		Path:        path,
		RequestBody: body,
		Error:       ErrorDetail{Message: cause.Error()},
	}
	if inner := unwrapCause(cause); inner != nil {
		payload.Error.Cause = inner.Error()
	}
	return payload.ID, p.Publish(ctx, EndpointError, payload)
}

func unwrapCause(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}
