package models

import "time"

// Event types
const (
	EventTypeOrderCompleted = "ORDER_COMPLETED"
	EventTypeOrderFailed    = "ORDER_FAILED"
	EventTypeKeyDelivered   = "KEY_DELIVERED"
	EventTypeSyncRequested  = "SYNC_REQUESTED"
	EventTypeSyncCompleted  = "SYNC_COMPLETED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCompletedEvent published when fulfillment finishes with at least
// one issued key. KeysIssued may be less than the requested quantity;
// UnitErrors carries the per-unit failures for admin tooling.
type OrderCompletedEvent struct {
	BaseEvent
	OrderID    int64    `json:"order_id"`
	UserID     int64    `json:"user_id"`
	Total      float64  `json:"total"`
	KeysIssued int      `json:"keys_issued"`
	UnitErrors []string `json:"unit_errors,omitempty"`
}

// OrderFailedEvent published when an order ends FAILED, including after
// refund compensation.
type OrderFailedEvent struct {
	BaseEvent
	OrderID  int64  `json:"order_id"`
	UserID   int64  `json:"user_id"`
	Reason   string `json:"reason"`
	Refunded bool   `json:"refunded"`
}

// KeyDeliveredEvent carries the delivery-email payload consumed by the
// email worker. Delivery is fire-and-forget: the key is already stored
// by the time this event is published.
type KeyDeliveredEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	GameID    int64  `json:"game_id"`
	Recipient string `json:"recipient"`
	GameTitle string `json:"game_title"`
	Platform  string `json:"platform"`
	KeyValue  string `json:"key_value"`
}

// SyncRequestedEvent triggers a catalog sync run in the sync worker.
type SyncRequestedEvent struct {
	BaseEvent
	ProductIDs           []string `json:"product_ids,omitempty"`
	Categories           []string `json:"categories,omitempty"`
	FullSync             bool     `json:"full_sync"`
	IncludeRelationships bool     `json:"include_relationships"`
}

// SyncCompletedEvent published after a sync run finishes.
type SyncCompletedEvent struct {
	BaseEvent
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Removed  int `json:"removed"`
	ErrCount int `json:"err_count"`
}
