package models

import (
	"database/sql"
	"time"
)

// User owns a store balance that fulfillment debits and credits.
type User struct {
	ID        int64     `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Balance   float64   `db:"balance" json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Game is a catalog product. A null G2AID means the game is not
// reseller-backed and is fulfilled manually.
type Game struct {
	ID            int64          `db:"id" json:"id"`
	G2AID         sql.NullString `db:"g2a_id" json:"g2a_id,omitempty"`
	Title         string         `db:"title" json:"title"`
	Slug          string         `db:"slug" json:"slug"`
	Price         float64        `db:"price" json:"price"`
	OriginalPrice float64        `db:"original_price" json:"original_price"`
	Currency      string         `db:"currency" json:"currency"`
	InStock       bool           `db:"in_stock" json:"in_stock"`
	G2AStock      bool           `db:"g2a_stock" json:"g2a_stock"`
	Description   string         `db:"description" json:"description"`
	Images        string         `db:"images" json:"images"`
	LastSyncedAt  sql.NullTime   `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// ResellerBacked reports whether the game is fulfilled through the
// reseller API.
func (g *Game) ResellerBacked() bool {
	return g.G2AID.Valid && g.G2AID.String != ""
}

// Taxonomy entities linked to games via join tables.
type Category struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
	Slug string `db:"slug" json:"slug"`
}

type Genre struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

type Platform struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Order is a customer order. Status only moves forward:
// PENDING -> PROCESSING -> COMPLETED or FAILED. PENDING is also terminal
// for orders with no reseller-backed items (manual fulfillment).
type Order struct {
	ID               int64          `db:"id" json:"id"`
	UserID           int64          `db:"user_id" json:"user_id"`
	Subtotal         float64        `db:"subtotal" json:"subtotal"`
	Discount         float64        `db:"discount" json:"discount"`
	Total            float64        `db:"total" json:"total"`
	Status           string         `db:"status" json:"status"`
	PaymentStatus    string         `db:"payment_status" json:"payment_status"`
	PromoCode        sql.NullString `db:"promo_code" json:"promo_code,omitempty"`
	ExternalOrderIDs sql.NullString `db:"external_order_ids" json:"external_order_ids,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	CompletedAt      sql.NullTime   `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// OrderItem is one line item of an order.
type OrderItem struct {
	ID        int64   `db:"id" json:"id"`
	OrderID   int64   `db:"order_id" json:"order_id"`
	GameID    int64   `db:"game_id" json:"game_id"`
	Quantity  int     `db:"quantity" json:"quantity"`
	UnitPrice float64 `db:"unit_price" json:"unit_price"`
	Discount  float64 `db:"discount" json:"discount"`
}

// GameKey is a redeemable activation code, issued exactly once per
// fulfilled unit. Immutable after creation except the activated flag.
type GameKey struct {
	ID        int64     `db:"id" json:"id"`
	GameID    int64     `db:"game_id" json:"game_id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	KeyValue  string    `db:"key_value" json:"key_value"`
	Activated bool      `db:"activated" json:"activated"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PromoCode applies a percentage discount. used_count never exceeds
// max_uses; the store enforces this with a guarded UPDATE.
type PromoCode struct {
	ID              int64     `db:"id" json:"id"`
	Code            string    `db:"code" json:"code"`
	DiscountPercent float64   `db:"discount_percent" json:"discount_percent"`
	Active          bool      `db:"active" json:"active"`
	ValidFrom       time.Time `db:"valid_from" json:"valid_from"`
	ValidUntil      time.Time `db:"valid_until" json:"valid_until"`
	UsedCount       int       `db:"used_count" json:"used_count"`
	MaxUses         int       `db:"max_uses" json:"max_uses"`
}

// Transaction is the audit record for every balance mutation.
type Transaction struct {
	ID        int64         `db:"id" json:"id"`
	UserID    int64         `db:"user_id" json:"user_id"`
	OrderID   sql.NullInt64 `db:"order_id" json:"order_id,omitempty"`
	Type      string        `db:"type" json:"type"`
	Amount    float64       `db:"amount" json:"amount"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// Order statuses
const (
	OrderStatusPending    = "PENDING"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusCompleted  = "COMPLETED"
	OrderStatusFailed     = "FAILED"
)

// Payment statuses
const (
	PaymentStatusPending = "PENDING"
	PaymentStatusPaid    = "PAID"
	PaymentStatusFailed  = "FAILED"
)

// Transaction types
const (
	TransactionTypePurchase = "PURCHASE"
	TransactionTypeRefund   = "REFUND"
	TransactionTypeTopup    = "TOPUP"
)

// SyncProgress is the ephemeral, cache-resident state of a catalog sync
// run. It lives only for the duration of the run and is acceptable to
// lose on a cache restart.
type SyncProgress struct {
	InProgress bool      `json:"in_progress"`
	Page       int       `json:"page"`
	TotalPages int       `json:"total_pages"`
	Processed  int       `json:"processed"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Linked     int       `json:"linked"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
