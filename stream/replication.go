// Package stream provides the DynamoDB Streams handler that converges
// denormalized copies after canonical rows change.
package stream

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/monorise/core/internal/keys"
	"github.com/monorise/core/store"
)

// Handler processes table stream events for replication and cascade
// removal.
type Handler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewHandler creates a stream handler. A nil logger falls back to
// slog.Default.
func NewHandler(s *store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:  s,
		logger: logger,
	}
}

// HandleReplication processes stream records strictly in order. On the
// first failure it reports that record and stops: the shard restarts from
// there, and copies further down the stream must not be converged out of
// order. This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleReplication(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("replication failed",
				"eventID", record.EventID,
				"sequenceNumber", record.Change.SequenceNumber,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
			return resp, nil
		}
	}
	return resp, nil
}

func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	switch record.EventName {
	case "MODIFY":
		return h.processModify(ctx, record)
	case "REMOVE":
		return h.processRemove(ctx, record)
	default:
		return nil
	}
}

// classify reports whether the record touches a canonical row, and which
// kind. Copies also flow through the stream; converging them again would
// loop forever.
func classify(pk, sk string) (isEntity, isMutual bool) {
	if pk == "" || !strings.HasPrefix(sk, keys.MetadataSK) {
		return false, false
	}
	if strings.HasPrefix(pk, "MUTUAL#") {
		return false, true
	}
	return true, false
}

func (h *Handler) processModify(ctx context.Context, record events.DynamoDBEventRecord) error {
	image := record.Change.NewImage
	if image == nil {
		return nil
	}

	isEntity, isMutual := classify(imageString(image, "PK"), imageString(image, "SK"))
	if !isEntity && !isMutual {
		return nil
	}

	converted := convertImage(image)
	if isMutual {
		return h.store.ReplicateMutualModify(ctx, converted)
	}
	return h.store.ReplicateEntityModify(ctx, converted)
}

func (h *Handler) processRemove(ctx context.Context, record events.DynamoDBEventRecord) error {
	removedKeys := record.Change.Keys
	if removedKeys == nil {
		return nil
	}

	pk := imageString(removedKeys, "PK")
	isEntity, isMutual := classify(pk, imageString(removedKeys, "SK"))
	if !isEntity && !isMutual {
		return nil
	}

	return h.store.CascadeRemove(ctx, pk, isMutual)
}

// imageString reads a string attribute from a stream image, tolerating
// records that lack the attribute or carry it with another type.
func imageString(image map[string]events.DynamoDBAttributeValue, name string) string {
	av, ok := image[name]
	if !ok || av.DataType() != events.DataTypeString {
		return ""
	}
	return av.String()
}
