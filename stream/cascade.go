// Package stream provides DynamoDB Streams handlers for post-delete cleanup.
package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jacentio/pizzeria/store"
)

// RemovalHook runs after a record of a given entity type has been removed.
type RemovalHook func(ctx context.Context, id string) error

// Handler processes DynamoDB stream events for records that were deleted.
type Handler struct {
	store    store.Adapter
	registry *store.Registry
	hooks    map[string]RemovalHook
	logger   *zerolog.Logger
}

// NewHandler creates a new stream handler. A nil registry means no entity
// owns another; a nil logger means the global logger.
func NewHandler(s store.Adapter, registry *store.Registry, logger *zerolog.Logger) *Handler {
	if registry == nil {
		registry = store.NewRegistry()
	}
	if logger == nil {
		logger = &log.Logger
	}
	return &Handler{
		store:    s,
		registry: registry,
		hooks:    make(map[string]RemovalHook),
		logger:   logger,
	}
}

// OnRemove registers fn to run whenever a record of entityType is removed.
func (h *Handler) OnRemove(entityType string, fn RemovalHook) {
	h.hooks[entityType] = fn
}

// HandleRemovals processes DynamoDB stream events. This function is designed
// to be used as an AWS Lambda handler; an error makes Lambda retry the batch,
// so every step is idempotent.
func (h *Handler) HandleRemovals(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error().
				Str("eventID", record.EventID).
				Err(err).
				Msg("failed to process record")
			return err
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != string(events.DynamoDBOperationTypeRemove) {
		return nil
	}

	// Constraint and relationship rows carry no entity_ref
	entityRef := getStringAttr(record.Change.OldImage, store.AttrEntityRef)
	if entityRef == "" {
		return nil
	}
	entityType, refID := store.SplitRef(entityRef)
	id := store.KeyID(ConvertStreamKey(record.Change.Keys))
	if id == "" {
		id = refID
	}

	h.logger.Info().
		Str("entityRef", entityRef).
		Str("parentRef", getStringAttr(record.Change.OldImage, store.AttrParentRef)).
		Msg("processing removal")

	// 1. Owned records the delete missed
	if h.registry.HasChildren(entityType) {
		if err := h.removeChildren(ctx, entityType, entityRef); err != nil {
			return err
		}
	}

	// 2. Entity specific follow-up
	if hook, ok := h.hooks[entityType]; ok {
		if err := hook(ctx, id); err != nil {
			return fmt.Errorf("%s removal hook: %w", entityType, err)
		}
	}

	return nil
}

// removeChildren deletes every record still linked to entityRef. A link
// whose record is already gone is dropped on its own. Links into tables the
// entity type does not own are left alone.
func (h *Handler) removeChildren(ctx context.Context, entityType, entityRef string) error {
	has, err := h.store.HasActiveChildren(ctx, entityRef)
	if err != nil {
		return fmt.Errorf("check children: %w", err)
	}
	if !has {
		return nil
	}

	children, err := h.store.QueryAllChildren(ctx, entityRef)
	if err != nil {
		return fmt.Errorf("query children: %w", err)
	}

	for _, child := range children {
		if !h.registry.Owns(entityType, child.TableName) {
			h.logger.Warn().
				Str("entityRef", entityRef).
				Str("childRef", child.Ref).
				Str("table", child.TableName).
				Msg("skipping link into unregistered table")
			continue
		}
		err := h.store.Delete(ctx, store.RefEntity(child.TableName, child.Key, child.Ref), store.DeleteOptions{Cascade: true})
		if errors.Is(err, store.ErrNotFound) {
			if err := h.store.Unlink(ctx, entityRef, child.Ref); err != nil {
				return fmt.Errorf("unlink %s: %w", child.Ref, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("delete child %s: %w", child.Ref, err)
		}
	}

	if len(children) > 0 {
		h.logger.Info().
			Str("entityRef", entityRef).
			Int("childCount", len(children)).
			Msg("removed leftover children")
	}
	return nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// ConvertStreamKey converts a DynamoDB stream key to a store.PK.
func ConvertStreamKey(streamKey map[string]events.DynamoDBAttributeValue) store.PK {
	result := make(store.PK)
	for k, v := range streamKey {
		switch v.DataType() {
		case events.DataTypeString:
			result[k] = &types.AttributeValueMemberS{Value: v.String()}
		case events.DataTypeNumber:
			result[k] = &types.AttributeValueMemberN{Value: v.Number()}
		case events.DataTypeBinary:
			result[k] = &types.AttributeValueMemberB{Value: v.Binary()}
		}
	}
	return result
}
