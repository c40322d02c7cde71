package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/models"
)

// CreateOrderAtomic runs the one transaction in which balance and order
// state change together: order + items inserted, balance debited,
// PURCHASE recorded, promo usage incremented. A failure at any step
// rolls everything back; balance is never debited without its order.
func (s *Store) CreateOrderAtomic(ctx context.Context, order *models.Order, items []models.OrderItem, promoCode string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (user_id, subtotal, discount, total, status, payment_status, promo_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	if err := tx.GetContext(ctx, order, query,
		order.UserID, order.Subtotal, order.Discount, order.Total,
		order.Status, order.PaymentStatus, order.PromoCode); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		if err := tx.GetContext(ctx, &items[i].ID,
			"INSERT INTO order_items (order_id, game_id, quantity, unit_price, discount) VALUES ($1, $2, $3, $4, $5) RETURNING id",
			items[i].OrderID, items[i].GameID, items[i].Quantity, items[i].UnitPrice, items[i].Discount); err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = balance - $1 WHERE id = $2 AND balance >= $1",
		order.Total, order.UserID)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO transactions (user_id, order_id, type, amount) VALUES ($1, $2, $3, $4)",
		order.UserID, order.ID, models.TransactionTypePurchase, order.Total); err != nil {
		return fmt.Errorf("failed to record purchase transaction: %w", err)
	}

	if promoCode != "" {
		// max_uses = 0 means unlimited, mirroring the pre-commit check.
		res, err := tx.ExecContext(ctx,
			"UPDATE promo_codes SET used_count = used_count + 1 WHERE code = $1 AND active = true AND (max_uses = 0 OR used_count < max_uses)",
			promoCode)
		if err != nil {
			return fmt.Errorf("failed to increment promo usage: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("promo code exhausted: %s", promoCode)
		}
	}

	return tx.Commit()
}

// RefundOrderAtomic is the compensation transaction: the order is
// marked FAILED, the full total is credited back, and a REFUND row
// records the restoration. Paired with CreateOrderAtomic these keep
// balance and order state consistent under any failure.
func (s *Store) RefundOrderAtomic(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, payment_status = $2, updated_at = NOW() WHERE id = $3",
		models.OrderStatusFailed, models.PaymentStatusFailed, order.ID); err != nil {
		return fmt.Errorf("failed to mark order failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET balance = balance + $1 WHERE id = $2",
		order.Total, order.UserID); err != nil {
		return fmt.Errorf("failed to credit refund: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO transactions (user_id, order_id, type, amount) VALUES ($1, $2, $3, $4)",
		order.UserID, order.ID, models.TransactionTypeRefund, order.Total); err != nil {
		return fmt.Errorf("failed to record refund transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	order.Status = models.OrderStatusFailed
	order.PaymentStatus = models.PaymentStatusFailed
	return nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// FindRecentOpenOrders returns PENDING/PROCESSING orders a user created
// inside the idempotency window. The caller compares item sets; this is
// a duplicate-submission heuristic, not a strong guarantee.
func (s *Store) FindRecentOpenOrders(ctx context.Context, userID int64, window time.Duration) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 AND status IN ($2, $3) AND created_at > $4 ORDER BY created_at DESC",
		userID, models.OrderStatusPending, models.OrderStatusProcessing, time.Now().Add(-window))
	return orders, err
}

// FinalizeOrder persists the terminal status, payment status, external
// order ids, and, on COMPLETED only, the completion timestamp.
func (s *Store) FinalizeOrder(ctx context.Context, orderID int64, status, paymentStatus, externalOrderIDs string) error {
	var completedAt interface{}
	if status == models.OrderStatusCompleted {
		completedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, payment_status = $2, external_order_ids = NULLIF($3, ''),
			completed_at = COALESCE($4, completed_at), updated_at = NOW()
		WHERE id = $5`,
		status, paymentStatus, externalOrderIDs, completedAt, orderID)
	return err
}

// CreateGameKey persists one issued key. Exactly one row per
// successfully fulfilled unit.
func (s *Store) CreateGameKey(ctx context.Context, key *models.GameKey) error {
	query := `
		INSERT INTO game_keys (game_id, order_id, key_value)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	return s.db.GetContext(ctx, key, query, key.GameID, key.OrderID, key.KeyValue)
}

// GetKeysByOrderID retrieves all keys issued for an order
func (s *Store) GetKeysByOrderID(ctx context.Context, orderID int64) ([]models.GameKey, error) {
	var keys []models.GameKey
	err := s.db.SelectContext(ctx, &keys,
		"SELECT * FROM game_keys WHERE order_id = $1 ORDER BY id", orderID)
	return keys, err
}
