package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// NewBaseEvent stamps a fresh event envelope.
func NewBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// EventPublisher handles publishing domain events. Publishing is
// best-effort everywhere: callers log failures and move on.
type EventPublisher struct {
	orderProducer    *Producer
	syncProducer     *Producer
	deliveryProducer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orderProducer, syncProducer, deliveryProducer *Producer) *EventPublisher {
	return &EventPublisher{
		orderProducer:    orderProducer,
		syncProducer:     syncProducer,
		deliveryProducer: deliveryProducer,
	}
}

// PublishOrderCompleted publishes OrderCompleted event
func (ep *EventPublisher) PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.orderProducer.PublishEvent(ctx, key, event)
}

// PublishOrderFailed publishes OrderFailed event
func (ep *EventPublisher) PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.orderProducer.PublishEvent(ctx, key, event)
}

// PublishKeyDelivered publishes the delivery-email payload
func (ep *EventPublisher) PublishKeyDelivered(ctx context.Context, event *models.KeyDeliveredEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.deliveryProducer.PublishEvent(ctx, key, event)
}

// PublishSyncRequested publishes SyncRequested event
func (ep *EventPublisher) PublishSyncRequested(ctx context.Context, event *models.SyncRequestedEvent) error {
	return ep.syncProducer.PublishEvent(ctx, "catalog-sync", event)
}

// PublishSyncCompleted publishes SyncCompleted event
func (ep *EventPublisher) PublishSyncCompleted(ctx context.Context, event *models.SyncCompletedEvent) error {
	return ep.syncProducer.PublishEvent(ctx, "catalog-sync", event)
}

// EventHandler routes incoming events to registered handlers
type EventHandler struct {
	onSyncRequested func(context.Context, *models.SyncRequestedEvent) error
	onKeyDelivered  func(context.Context, *models.KeyDeliveredEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnSyncRequested registers a handler for SyncRequested events
func (eh *EventHandler) OnSyncRequested(handler func(context.Context, *models.SyncRequestedEvent) error) {
	eh.onSyncRequested = handler
}

// OnKeyDelivered registers a handler for KeyDelivered events
func (eh *EventHandler) OnKeyDelivered(handler func(context.Context, *models.KeyDeliveredEvent) error) {
	eh.onKeyDelivered = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	log.Printf("Handling event: type=%s, id=%s", baseEvent.EventType, baseEvent.EventID)

	switch baseEvent.EventType {
	case models.EventTypeSyncRequested:
		if eh.onSyncRequested != nil {
			var event models.SyncRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal SyncRequested event: %w", err)
			}
			return eh.onSyncRequested(ctx, &event)
		}

	case models.EventTypeKeyDelivered:
		if eh.onKeyDelivered != nil {
			var event models.KeyDeliveredEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal KeyDelivered event: %w", err)
			}
			return eh.onKeyDelivered(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
