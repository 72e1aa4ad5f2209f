package processor

import (
	"context"

	"github.com/aws/aws-lambda-go/events"

	"github.com/monorise/core/event"
	"github.com/monorise/core/store"
)

// HandleTagSync consumes entity lifecycle events for types with tag
// configurations. For each configured tag it recomputes the entity's slots
// from current state, diffs them against the stored tag rows and applies
// only the difference, under a short per-entity lock.
func (p *Processor) HandleTagSync(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		if err := p.tagRecord(ctx, record.Body); err != nil {
			p.logger.Error("tag sync failed", "messageId", record.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) tagRecord(ctx context.Context, body string) error {
	busEvent, err := event.ParseSQSBusEvent(body)
	if err != nil {
		return err
	}
	var detail event.EntityPayload
	if err := busEvent.DecodeDetail(&detail); err != nil {
		return err
	}

	cfg, _ := p.registry.Config(detail.EntityType)
	if len(cfg.Tags) == 0 {
		return nil
	}

	if err := p.store.CreateTagLock(ctx, detail.EntityType, detail.EntityID); err != nil {
		return err
	}
	defer p.store.DeleteTagLock(ctx, detail.EntityType, detail.EntityID)

	for _, tagConfig := range cfg.Tags {
		if err := p.syncTag(ctx, detail.EntityType, detail.EntityID, tagConfig); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) syncTag(ctx context.Context, entityType, entityID string, tagConfig store.TagConfig) error {
	existing, err := p.store.ExistingTags(ctx, entityType, entityID, tagConfig.Name)
	if err != nil {
		return err
	}

	entity, err := p.store.GetEntity(ctx, entityType, entityID)
	if err != nil {
		return err
	}

	desired, err := tagConfig.Processor(entity)
	if err != nil {
		return err
	}

	toRemove, toAdd := diffTags(existing, desired)

	for _, tag := range toRemove {
		if err := p.store.DeleteTag(ctx, tagConfig.Name, tag.Group, tag.SortValue, entityType, entityID); err != nil {
			return err
		}
	}
	for _, tag := range toAdd {
		if _, err := p.store.CreateTag(ctx, tagConfig.Name, tag.Group, tag.SortValue, entity); err != nil {
			return err
		}
	}
	return nil
}

// diffTags keys slots by group plus sort value: a slot present on both
// sides stays untouched, everything else is removed or added.
func diffTags(existing []*store.TaggedEntity, desired []store.TagValue) (toRemove, toAdd []store.TagValue) {
	existingSet := make(map[store.TagValue]bool, len(existing))
	for _, t := range existing {
		existingSet[store.TagValue{Group: t.Group, SortValue: t.SortValue}] = true
	}
	desiredSet := make(map[store.TagValue]bool, len(desired))
	for _, t := range desired {
		desiredSet[t] = true
	}

	for _, t := range existing {
		slot := store.TagValue{Group: t.Group, SortValue: t.SortValue}
		if !desiredSet[slot] {
			toRemove = append(toRemove, slot)
		}
	}
	for _, t := range desired {
		if !existingSet[t] {
			toAdd = append(toAdd, t)
		}
	}
	return toRemove, toAdd
}
