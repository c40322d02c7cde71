package worker

import (
	"context"
	"errors"
	"log"

	"github.com/deffgod/gkeys-store-sub002/internal/broker"
	"github.com/deffgod/gkeys-store-sub002/internal/models"
	catalogsync "github.com/deffgod/gkeys-store-sub002/internal/sync"
)

// SyncWorker runs catalog sync requests arriving over the broker
type SyncWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	engine       *catalogsync.Engine
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(consumer *broker.Consumer, engine *catalogsync.Engine) *SyncWorker {
	eventHandler := broker.NewEventHandler()

	w := &SyncWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		engine:       engine,
	}
	eventHandler.OnSyncRequested(w.handleSyncRequested)

	return w
}

func (w *SyncWorker) handleSyncRequested(ctx context.Context, event *models.SyncRequestedEvent) error {
	log.Printf("Processing sync request: %s", event.EventID)

	_, err := w.engine.Run(ctx, catalogsync.Options{
		ProductIDs:           event.ProductIDs,
		Categories:           event.Categories,
		FullSync:             event.FullSync,
		IncludeRelationships: event.IncludeRelationships,
	})
	if errors.Is(err, catalogsync.ErrSyncInProgress) {
		// Another run holds the lock; this request is dropped, not
		// retried, so the message must still be committed.
		log.Printf("Sync already running, dropping request %s", event.EventID)
		return nil
	}
	return err
}

// Start starts the worker
func (w *SyncWorker) Start(ctx context.Context) error {
	log.Println("Starting sync worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *SyncWorker) Stop() error {
	log.Println("Stopping sync worker...")
	return w.consumer.Close()
}

// Sender delivers a purchased key to a customer
type Sender interface {
	SendKey(ctx context.Context, recipient, gameTitle, platform, key string) error
}

// EmailWorker delivers purchased keys by email. Delivery failures are
// logged and the message committed anyway: the key is already persisted
// and visible in the customer's order history.
type EmailWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	sender       Sender
}

// NewEmailWorker creates a new email worker
func NewEmailWorker(consumer *broker.Consumer, sender Sender) *EmailWorker {
	eventHandler := broker.NewEventHandler()

	w := &EmailWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		sender:       sender,
	}
	eventHandler.OnKeyDelivered(w.handleKeyDelivered)

	return w
}

func (w *EmailWorker) handleKeyDelivered(ctx context.Context, event *models.KeyDeliveredEvent) error {
	err := w.sender.SendKey(ctx, event.Recipient, event.GameTitle, event.Platform, event.KeyValue)
	if err != nil {
		log.Printf("Failed to deliver key for order %d to %s: %v", event.OrderID, event.Recipient, err)
	}
	return nil
}

// Start starts the email worker
func (w *EmailWorker) Start(ctx context.Context) error {
	log.Println("Starting email worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the email worker
func (w *EmailWorker) Stop() error {
	log.Println("Stopping email worker...")
	return w.consumer.Close()
}

// LogSender is a Sender that only logs, for environments without an
// SMTP relay.
type LogSender struct{}

func (LogSender) SendKey(_ context.Context, recipient, gameTitle, _ string, key string) error {
	log.Printf("Key delivery to %s: %s -> %s", recipient, gameTitle, mask(key))
	return nil
}

func mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
