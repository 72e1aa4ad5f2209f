package event

import (
	"encoding/json"
	"fmt"
)

// BusEvent is an event as delivered through an SQS subscription: the bus
// envelope flattened into the record body.
type BusEvent struct {
	Detail Detail
	// Body is the raw detail, decoded on demand into a typed payload.
	Body json.RawMessage
}

type busEnvelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// ParseSQSBusEvent decodes an SQS record body carrying a bus envelope.
func ParseSQSBusEvent(body string) (*BusEvent, error) {
	var env busEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("parse bus event: %w", err)
	}
	return &BusEvent{
		Detail: Detail{Source: env.Source, DetailType: env.DetailType},
		Body:   env.Detail,
	}, nil
}

// DecodeDetail unpacks the event detail into out.
func (e *BusEvent) DecodeDetail(out any) error {
	if err := json.Unmarshal(e.Body, out); err != nil {
		return fmt.Errorf("decode event detail: %w", err)
	}
	return nil
}
