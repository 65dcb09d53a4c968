// Package stream bridges DynamoDB Streams into the invalidation protocol, so
// writes made by other processes sharing the entity table still invalidate
// this process's composed views.
package stream

import (
	"context"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/espalier/graph"
)

// Invalidator receives changed entity keys observed outside the local apply
// path. An empty key set means unknown impact: every active view recomposes.
// The dynamo, sqlite, and memory backends all satisfy this.
type Invalidator interface {
	Invalidate(ctx context.Context, entities []graph.EntityKey) error
}

// Handler processes DynamoDB stream events for cross-process invalidation.
type Handler struct {
	inv    Invalidator
	logger *slog.Logger
}

// NewHandler creates a new stream handler. A nil logger falls back to
// slog.Default().
func NewHandler(inv Invalidator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		inv:    inv,
		logger: logger,
	}
}

// HandleInvalidation extracts the changed entity keys from a stream event
// and feeds them to the invalidator. This function is designed to be used as
// an AWS Lambda handler.
func (h *Handler) HandleInvalidation(ctx context.Context, event events.DynamoDBEvent) error {
	keys, unknown := changedKeys(event)

	if unknown {
		h.logger.Warn("stream record without parsable entity ref, invalidating everything",
			"records", len(event.Records),
		)
		return h.inv.Invalidate(ctx, nil)
	}
	if len(keys) == 0 {
		return nil
	}

	h.logger.Info("propagating stream invalidation",
		"records", len(event.Records),
		"entities", len(keys),
	)
	if err := h.inv.Invalidate(ctx, keys); err != nil {
		h.logger.Error("failed to propagate invalidation",
			"entities", len(keys),
			"error", err,
		)
		return err // Will retry, eventually DLQ
	}
	return nil
}

// changedKeys collects the distinct entity keys an event touches. The second
// result reports that a record carried no parsable ref, in which case the
// caller must fall back to the recompose-everything sentinel.
func changedKeys(event events.DynamoDBEvent) ([]graph.EntityKey, bool) {
	seen := make(map[graph.EntityKey]struct{})
	var keys []graph.EntityKey
	unknown := false

	for _, record := range event.Records {
		switch record.EventName {
		case "INSERT", "MODIFY", "REMOVE":
		default:
			continue
		}
		ref := recordRef(record)
		if ref == "" {
			unknown = true
			continue
		}
		key, err := graph.ParseRef(ref)
		if err != nil {
			unknown = true
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, unknown
}

// recordRef extracts the entity ref from a stream record, preferring the key
// image (present on every event type).
func recordRef(record events.DynamoDBEventRecord) string {
	if ref := getStringAttr(record.Change.Keys, "ref"); ref != "" {
		return ref
	}
	if ref := getStringAttr(record.Change.NewImage, "ref"); ref != "" {
		return ref
	}
	return getStringAttr(record.Change.OldImage, "ref")
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
