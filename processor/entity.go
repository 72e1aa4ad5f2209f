package processor

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/monorise/core/event"
	"github.com/monorise/core/internal/keys"
	"github.com/monorise/core/store"
)

// HandleCreateEntity consumes create-entity events and materializes the
// requested entities. An unknown entity type is dropped without retry;
// everything else that fails is redelivered.
func (p *Processor) HandleCreateEntity(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		if err := p.createEntityRecord(ctx, record.Body); err != nil {
			if store.IsCode(err, store.CodeInvalidEntityType) {
				p.logger.Warn("dropping create for unknown entity type", "messageId", record.MessageId)
				continue
			}
			p.logger.Error("create entity failed", "messageId", record.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) createEntityRecord(ctx context.Context, body string) error {
	busEvent, err := event.ParseSQSBusEvent(body)
	if err != nil {
		return err
	}
	var detail event.CreateEntityPayload
	if err := busEvent.DecodeDetail(&detail); err != nil {
		return err
	}
	if detail.EntityType == "" {
		return nil
	}

	opts := &store.CreateEntityOptions{}
	if detail.Options.CreateAndUpdateDatetime != "" {
		if t, err := store.ParseTime(detail.Options.CreateAndUpdateDatetime); err == nil {
			opts.CreatedAt = t
		}
	}
	if detail.Options.MutualID != "" {
		opts.MutualID = keys.MutualPK(detail.Options.MutualID)
	}

	entity, err := p.store.CreateEntity(ctx, detail.EntityType, detail.EntityPayload, detail.EntityID, opts)
	if err != nil {
		if store.IsCode(err, store.CodeUniqueValueExists) || store.IsCode(err, store.CodeConditionalCheckFailed) {
			// already materialized by an earlier delivery
			return nil
		}
		return err
	}

	if err := p.publisher.Publish(ctx, event.EntityCreated, event.EntityPayload{
		EntityType:  entity.EntityType,
		EntityID:    entity.EntityID,
		Data:        entity.Data,
		PublishedAt: formatPublishedAt(entity.UpdatedAt),
	}); err != nil {
		return err
	}

	return p.publishCreateMutuals(ctx, entity, detail.EntityPayload)
}

// publishCreateMutuals emits one entity-mutual-to-create per mutual field
// present in the payload, so the reconciler materializes the links the new
// entity declares.
func (p *Processor) publishCreateMutuals(ctx context.Context, entity *store.Entity, payload map[string]any) error {
	cfg, _ := p.registry.Config(entity.EntityType)
	for field, mutualField := range cfg.MutualFields {
		value, ok := payload[field]
		if !ok || value == nil {
			continue
		}

		mutualIDs, customContext := resolveMutualIDs(mutualField, value)
		if mutualIDs == nil {
			continue
		}

		err := p.publisher.Publish(ctx, event.EntityMutualToCreate, event.MutualReconcilePayload{
			ByEntityType:  entity.EntityType,
			ByEntityID:    entity.EntityID,
			EntityType:    mutualField.EntityType,
			Field:         field,
			MutualIDs:     mutualIDs,
			CustomContext: customContext,
			PublishedAt:   formatPublishedAt(entity.UpdatedAt),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// resolveMutualIDs extracts the related ids from a mutual field's payload
// value. With a ToMutualIDs hook the raw value rides along as context for
// the mutual data processor; without one the value must already be a list
// of ids.
func resolveMutualIDs(field store.MutualField, value any) ([]string, map[string]any) {
	if field.ToMutualIDs != nil {
		context, _ := value.(map[string]any)
		return field.ToMutualIDs(value), context
	}

	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, nil
			}
			ids = append(ids, s)
		}
		return ids, nil
	default:
		return nil, nil
	}
}

func formatPublishedAt(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return store.FormatTime(t)
}
