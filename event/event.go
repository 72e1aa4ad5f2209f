// Package event defines the bus vocabulary: who emits what, and the
// payloads that ride along. Producers publish through a Publisher;
// consumers unpack SQS-delivered bus events with ParseSQSBusEvent.
package event

import "fmt"

// Event sources.
const (
	SourceCore    = "core-service"
	SourceGeneral = "general"
)

// Detail identifies an event on the bus.
type Detail struct {
	Source     string
	DetailType string
}

// Core events.
var (
	LoginEmailRequested = Detail{Source: SourceCore, DetailType: "login-email-requested"}

	EntityCreated  = Detail{Source: SourceCore, DetailType: "entity-created"}
	EntityUpserted = Detail{Source: SourceCore, DetailType: "entity-upserted"}
	EntityUpdated  = Detail{Source: SourceCore, DetailType: "entity-updated"}
	EntityDeleted  = Detail{Source: SourceCore, DetailType: "entity-deleted"}

	EntityMutualToCreate  = Detail{Source: SourceCore, DetailType: "entity-mutual-to-create"}
	EntityMutualToUpdate  = Detail{Source: SourceCore, DetailType: "entity-mutual-to-update"}
	EntityMutualProcessed = Detail{Source: SourceCore, DetailType: "entity-mutual-processed"}

	CreateEntity = Detail{Source: SourceCore, DetailType: "create-entity"}

	PrejoinRelationshipSync = Detail{Source: SourceCore, DetailType: "prejoin-relationship-sync"}

	EndpointError = Detail{Source: SourceGeneral, DetailType: "endpoint-error"}
)

// MutualCreated names the per-pair event emitted when a link between the
// two types appears.
func MutualCreated(byEntityType, entityType string) Detail {
	return Detail{Source: SourceCore, DetailType: fmt.Sprintf("mutual-created:%s:%s", byEntityType, entityType)}
}

// MutualUpdated names the per-pair event for a relationship payload change.
func MutualUpdated(byEntityType, entityType string) Detail {
	return Detail{Source: SourceCore, DetailType: fmt.Sprintf("mutual-updated:%s:%s", byEntityType, entityType)}
}

// MutualDeleted names the per-pair event for a removed link.
func MutualDeleted(byEntityType, entityType string) Detail {
	return Detail{Source: SourceCore, DetailType: fmt.Sprintf("mutual-deleted:%s:%s", byEntityType, entityType)}
}

// MutualReconcilePayload is the detail of entity-mutual-to-create,
// entity-mutual-to-update and entity-mutual-processed: the desired related
// ids for one mutual field of one owning entity as of PublishedAt.
type MutualReconcilePayload struct {
	ByEntityType  string         `json:"byEntityType"`
	ByEntityID    string         `json:"byEntityId"`
	EntityType    string         `json:"entityType"`
	Field         string         `json:"field"`
	MutualIDs     []string       `json:"mutualIds"`
	CustomContext map[string]any `json:"customContext,omitempty"`
	PublishedAt   string         `json:"publishedAt"`
}

// EntityPayload is the detail of the entity lifecycle events.
type EntityPayload struct {
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	Data        map[string]any `json:"data,omitempty"`
	PublishedAt string         `json:"publishedAt,omitempty"`
}

// CreateEntityPayload is the detail of create-entity, consumed by the
// entity processor to materialize an entity asynchronously.
type CreateEntityPayload struct {
	EntityType    string              `json:"entityType"`
	EntityID      string              `json:"entityId,omitempty"`
	EntityPayload map[string]any      `json:"entityPayload"`
	AccountID     string              `json:"accountId,omitempty"`
	Options       CreateEntityOptions `json:"options"`
}

// CreateEntityOptions pins creation time and the mutual the entity
// materializes from.
type CreateEntityOptions struct {
	CreateAndUpdateDatetime string `json:"createAndUpdateDatetime,omitempty"`
	MutualID                string `json:"mutualId,omitempty"`
}

// RelationshipSyncPayload is the detail of prejoin-relationship-sync: one
// subscriber link whose denormalized view must be refreshed.
type RelationshipSyncPayload struct {
	ByEntityType string `json:"byEntityType"`
	ByEntityID   string `json:"byEntityId"`
	EntityType   string `json:"entityType"`
	PublishedAt  string `json:"publishedAt"`
}
