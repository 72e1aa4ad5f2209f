package processor

import (
	"context"

	"github.com/aws/aws-lambda-go/events"

	"github.com/monorise/core/event"
	"github.com/monorise/core/store"
)

// HandlePrejoinSync consumes entity-mutual-processed events. When the
// owning type declared prejoins over the changed relationship, each chain
// is walked hop by hop to recompute the transitive target set, and the
// result is fed back to the reconciler as an entity-mutual-to-update.
// Independently, every subscriber holding a link to the owning entity gets
// a prejoin-relationship-sync so its own denormalized views refresh.
func (p *Processor) HandlePrejoinSync(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		if err := p.prejoinRecord(ctx, record.Body); err != nil {
			p.logger.Error("prejoin sync failed", "messageId", record.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) prejoinRecord(ctx context.Context, body string) error {
	busEvent, err := event.ParseSQSBusEvent(body)
	if err != nil {
		return err
	}
	var detail event.RelationshipSyncPayload
	if err := busEvent.DecodeDetail(&detail); err != nil {
		return err
	}

	cfg, _ := p.registry.Config(detail.ByEntityType)
	if p.registry.SubscribesTo(detail.ByEntityType, detail.EntityType) && len(cfg.Prejoins) > 0 {
		if err := p.processPrejoins(ctx, detail, cfg.Prejoins); err != nil {
			return err
		}
	}

	return p.publishToSubscribers(ctx, detail)
}

// cachedRef is one resolved entity at a hop.
type cachedRef struct {
	entityType string
	entityID   string
}

func (p *Processor) processPrejoins(ctx context.Context, detail event.RelationshipSyncPayload, prejoins []store.Prejoin) error {
	// hop results are shared across chains unless a hop opts out
	mutualCache := map[string][]cachedRef{
		detail.ByEntityType: {{entityType: detail.ByEntityType, entityID: detail.ByEntityID}},
	}

	for _, prejoin := range prejoins {
		chainContext := map[string]any{}

		for i, hop := range prejoin.EntityPaths {
			if i == 0 {
				// the first hop is the triggering entity itself
				continue
			}
			if _, cached := mutualCache[hop.EntityType]; cached && !hop.SkipCache {
				continue
			}
			mutualCache[hop.EntityType] = []cachedRef{}

			parents := mutualCache[prejoin.EntityPaths[i-1].EntityType]
			for _, parent := range parents {
				listing, err := p.store.ListMutualsByEntity(ctx, parent.entityType, parent.entityID, hop.EntityType, store.ListMutualsOptions{})
				if err != nil {
					return err
				}

				items := listing.Items
				if hop.Processor != nil {
					processed, processedContext := hop.Processor(items, chainContext)
					if processed != nil {
						items = processed
					}
					if processedContext != nil {
						chainContext = processedContext
					}
				}

				for _, m := range items {
					mutualCache[hop.EntityType] = append(mutualCache[hop.EntityType], cachedRef{
						entityType: m.EntityType,
						entityID:   m.EntityID,
					})
				}
			}
		}

		mutualIDs := []string{}
		for _, ref := range mutualCache[prejoin.TargetEntityType] {
			mutualIDs = append(mutualIDs, ref.entityID)
		}

		err := p.publisher.Publish(ctx, event.EntityMutualToUpdate, event.MutualReconcilePayload{
			ByEntityType:  detail.ByEntityType,
			ByEntityID:    detail.ByEntityID,
			EntityType:    prejoin.TargetEntityType,
			Field:         prejoin.MutualField,
			MutualIDs:     mutualIDs,
			CustomContext: chainContext,
			PublishedAt:   detail.PublishedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// publishToSubscribers fans a sync event out to every entity that both
// subscribes to the changed type and is currently linked to the changed
// entity.
func (p *Processor) publishToSubscribers(ctx context.Context, detail event.RelationshipSyncPayload) error {
	for _, subscriberType := range p.registry.Subscribers(detail.ByEntityType) {
		listing, err := p.store.ListMutualsByEntity(ctx, detail.ByEntityType, detail.ByEntityID, subscriberType, store.ListMutualsOptions{})
		if err != nil {
			return err
		}

		for _, m := range listing.Items {
			err := p.publisher.Publish(ctx, event.PrejoinRelationshipSync, event.RelationshipSyncPayload{
				ByEntityType: m.EntityType,
				ByEntityID:   m.EntityID,
				EntityType:   m.ByEntityType,
				PublishedAt:  detail.PublishedAt,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
