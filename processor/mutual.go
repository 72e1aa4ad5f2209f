package processor

import (
	"context"

	"github.com/aws/aws-lambda-go/events"

	"github.com/monorise/core/event"
	"github.com/monorise/core/store"
)

// HandleMutualReconcile consumes entity-mutual-to-create and
// entity-mutual-to-update events. Each record carries the full desired set
// of related ids for one mutual field; the handler serializes on the
// fencing lock, diffs the desired set against the stored links and fans
// out the creates, updates and deletes. Races lost against newer events
// are expected and swallowed.
func (p *Processor) HandleMutualReconcile(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		if err := p.reconcileRecord(ctx, record.Body); err != nil {
			if store.IsCode(err, store.CodeInvalidMutual) || store.IsCode(err, store.CodeMutualLockConflict) {
				// stale or misconfigured event; retrying cannot help
				continue
			}
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) reconcileRecord(ctx context.Context, body string) error {
	busEvent, err := event.ParseSQSBusEvent(body)
	if err != nil {
		return err
	}
	var detail event.MutualReconcilePayload
	if err := busEvent.DecodeDetail(&detail); err != nil {
		return err
	}

	logger := p.logger.With(
		"byEntityType", detail.ByEntityType,
		"byEntityId", detail.ByEntityID,
		"entityType", detail.EntityType,
		"field", detail.Field,
		"publishedAt", detail.PublishedAt,
	)

	config, ok := p.registry.MutualField(detail.ByEntityType, detail.Field)
	if !ok {
		logger.Warn("dropping event for unconfigured mutual field")
		return store.NewError(store.CodeInvalidMutual, "invalid mutual", nil, nil)
	}
	dataProcessor := config.MutualDataProcessor
	if dataProcessor == nil {
		dataProcessor = func([]string, *store.Mutual, map[string]any) map[string]any {
			return map[string]any{}
		}
	}

	if err := p.store.CreateMutualLock(ctx, detail.ByEntityType, detail.ByEntityID, detail.EntityType, detail.PublishedAt); err != nil {
		// the lock belongs to a competing event; leave it for its holder
		logger.Warn("lock not acquired", "error", err)
		return err
	}

	err = p.reconcileLinks(ctx, detail, dataProcessor)

	// always release, also on failure, to avoid deadlocking later events
	p.store.DeleteMutualLock(ctx, detail.ByEntityType, detail.ByEntityID, detail.EntityType)

	if err != nil {
		logger.Error("reconcile failed", "error", err)
		return err
	}

	return p.publisher.Publish(ctx, event.EntityMutualProcessed, event.MutualReconcilePayload{
		ByEntityType: detail.ByEntityType,
		ByEntityID:   detail.ByEntityID,
		EntityType:   detail.EntityType,
		Field:        detail.Field,
		MutualIDs:    detail.MutualIDs,
		PublishedAt:  detail.PublishedAt,
	})
}

func (p *Processor) reconcileLinks(ctx context.Context, detail event.MutualReconcilePayload, dataProcessor store.MutualDataProcessor) error {
	type fetched struct {
		byEntity *store.Entity
		mutuals  *store.ListMutualsResult
	}
	var current fetched
	fetchErrs := allSettled([]string{"byEntity", "mutuals"}, func(which string) error {
		var err error
		if which == "byEntity" {
			current.byEntity, err = p.store.GetEntity(ctx, detail.ByEntityType, detail.ByEntityID)
		} else {
			current.mutuals, err = p.store.ListMutualsByEntity(ctx, detail.ByEntityType, detail.ByEntityID, detail.EntityType, store.ListMutualsOptions{})
		}
		return err
	})
	for _, err := range fetchErrs {
		if err != nil {
			return err
		}
	}

	existing := make(map[string]bool, len(current.mutuals.Items))
	for _, m := range current.mutuals.Items {
		existing[m.EntityID] = true
	}
	desired := make(map[string]bool, len(detail.MutualIDs))
	for _, id := range detail.MutualIDs {
		desired[id] = true
	}

	var added, removed, kept []string
	for _, id := range detail.MutualIDs {
		if !existing[id] {
			added = append(added, id)
		}
	}
	for _, m := range current.mutuals.Items {
		if desired[m.EntityID] {
			kept = append(kept, m.EntityID)
		} else {
			removed = append(removed, m.EntityID)
		}
	}

	publishedAtTime, err := store.ParseTime(detail.PublishedAt)
	if err != nil {
		return err
	}
	guardNew := store.NotStaleCondition(detail.PublishedAt, false)
	guardExisting := store.NotStaleCondition(detail.PublishedAt, true)

	addErrs := allSettled(added, func(id string) error {
		target, err := p.store.GetEntity(ctx, detail.EntityType, id)
		if err != nil {
			return err
		}
		mutualData := dataProcessor(detail.MutualIDs, &store.Mutual{
			ByEntityType: detail.ByEntityType,
			ByEntityID:   detail.ByEntityID,
			ByData:       current.byEntity.Data,
			EntityType:   detail.EntityType,
			EntityID:     id,
			Data:         target.Data,
		}, detail.CustomContext)
		_, err = p.store.CreateMutual(ctx, detail.ByEntityType, detail.ByEntityID, current.byEntity.Data,
			detail.EntityType, id, target.Data, mutualData, &store.CreateMutualOptions{
				Condition: guardNew,
				CreatedAt: publishedAtTime,
			})
		return err
	})

	removeErrs := allSettled(removed, func(id string) error {
		_, err := p.store.DeleteMutual(ctx, detail.ByEntityType, detail.ByEntityID, detail.EntityType, id, guardExisting)
		return err
	})

	updateErrs := allSettled(kept, func(id string) error {
		mutualData := dataProcessor(detail.MutualIDs, &store.Mutual{
			ByEntityType: detail.ByEntityType,
			ByEntityID:   detail.ByEntityID,
			ByData:       current.byEntity.Data,
			EntityType:   detail.EntityType,
			EntityID:     id,
		}, detail.CustomContext)
		_, err := p.store.UpdateMutual(ctx, detail.ByEntityType, detail.ByEntityID, detail.EntityType, id, mutualData, &store.UpdateMutualOptions{
			Condition:       guardExisting,
			MutualUpdatedAt: detail.PublishedAt,
		})
		return err
	})

	for _, errs := range [][]error{addErrs, removeErrs, updateErrs} {
		for _, err := range errs {
			if err == nil || store.IsExpectedRace(err) {
				continue
			}
			return store.NewError(store.CodeMutualProcessorError, "mutual processor error", err, nil)
		}
	}
	return nil
}
