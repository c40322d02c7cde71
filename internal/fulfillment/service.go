// Package fulfillment implements the order workflow: validate, price,
// commit atomically, then drive one create→pay→get-key cycle per
// purchased unit against the reseller, compensating on critical errors.
package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/catalog"
	"github.com/deffgod/gkeys-store-sub002/internal/g2a"
	"github.com/deffgod/gkeys-store-sub002/internal/models"
	"github.com/deffgod/gkeys-store-sub002/internal/store"
	"github.com/deffgod/gkeys-store-sub002/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Validation errors surface to the caller as 4xx; none of them is ever
// retried and none occurs after balance has been touched.
var (
	ErrUserNotFound        = store.ErrUserNotFound
	ErrGameNotFound        = errors.New("game not found")
	ErrOutOfStock          = errors.New("game out of stock")
	ErrPromoInvalid        = errors.New("promo code invalid")
	ErrInsufficientBalance = store.ErrInsufficientBalance
)

// IsValidationError reports whether an error belongs to the caller, as
// opposed to an upstream or internal failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrGameNotFound) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrPromoInvalid) ||
		errors.Is(err, ErrInsufficientBalance)
}

// OrderStore is the persistence surface the workflow drives.
type OrderStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetGamesByIDs(ctx context.Context, ids []int64) ([]models.Game, error)
	GetPromoByCode(ctx context.Context, code string) (*models.PromoCode, error)
	CreateOrderAtomic(ctx context.Context, order *models.Order, items []models.OrderItem, promoCode string) error
	RefundOrderAtomic(ctx context.Context, order *models.Order) error
	FindRecentOpenOrders(ctx context.Context, userID int64, window time.Duration) ([]models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	FinalizeOrder(ctx context.Context, orderID int64, status, paymentStatus, externalOrderIDs string) error
	CreateGameKey(ctx context.Context, key *models.GameKey) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetKeysByOrderID(ctx context.Context, orderID int64) ([]models.GameKey, error)
}

// ResellerClient is the order-lifecycle surface of the reseller API.
type ResellerClient interface {
	ValidateStock(ctx context.Context, id string) (bool, error)
	CreateOrder(ctx context.Context, productID string, maxPrice float64, currency string) (string, error)
	PayOrder(ctx context.Context, orderID string) (string, error)
	GetOrderKey(ctx context.Context, orderID string) (string, error)
}

// EventSink publishes order lifecycle and key delivery events; all
// publishing is best-effort.
type EventSink interface {
	PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishKeyDelivered(ctx context.Context, event *models.KeyDeliveredEvent) error
}

// Cache invalidates user-scoped listings after checkout; best-effort.
type Cache interface {
	InvalidateByPrefix(ctx context.Context, prefix string) (int, error)
}

// Config tunes the workflow.
type Config struct {
	IdempotencyWindow time.Duration
	KeyRetrievalDelay time.Duration
	CheckoutTimeout   time.Duration
}

// Service orchestrates checkout and fulfillment.
type Service struct {
	store  OrderStore
	client ResellerClient
	events EventSink
	cache  Cache
	cfg    Config
	logger *zap.Logger
}

// NewService creates a fulfillment service. events and cache may be nil.
func NewService(store OrderStore, client ResellerClient, events EventSink, cache Cache, cfg Config) *Service {
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 5 * time.Minute
	}
	if cfg.KeyRetrievalDelay <= 0 {
		cfg.KeyRetrievalDelay = 2 * time.Second
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 2 * time.Minute
	}
	return &Service{
		store:  store,
		client: client,
		events: events,
		cache:  cache,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// Request is a checkout submission.
type Request struct {
	UserID    int64         `json:"user_id" binding:"required"`
	Items     []ItemRequest `json:"items" binding:"required,min=1"`
	PromoCode string        `json:"promo_code,omitempty"`
}

// ItemRequest is one requested line item.
type ItemRequest struct {
	GameID   int64 `json:"game_id" binding:"required"`
	Quantity int   `json:"quantity" binding:"required,min=1"`
}

// Result is the checkout outcome. UnitErrors carries non-critical
// per-unit failures on a partially fulfilled order; it is meant for
// admin tooling, not for silent dropping.
type Result struct {
	Order      *models.Order    `json:"order"`
	Keys       []models.GameKey `json:"keys,omitempty"`
	UnitErrors []string         `json:"unit_errors,omitempty"`
	Duplicate  bool             `json:"duplicate,omitempty"`
}

// resellerRef marks a line item as reseller-backed. A nil ref means the
// item is local-only and fulfilled manually.
type resellerRef struct {
	externalID string
}

type lineItem struct {
	game      *models.Game
	quantity  int
	unitPrice float64
	reseller  *resellerRef
}

// Checkout runs the full workflow. It returns either a persisted order
// (PENDING, PROCESSING, COMPLETED, or FAILED) or an error; partial
// fulfillment is a COMPLETED order with fewer keys than units.
func (s *Service) Checkout(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := util.StartSpan(ctx, "Fulfillment.Checkout")
	defer span.End()

	// The deadline bounds everything up to the unit loop; the loop
	// itself detaches once external money is in flight.
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		util.FulfillmentLatency.Observe(time.Since(start).Seconds())
	}()

	user, items, err := s.validate(ctx, req)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failReason(err)).Inc()
		return nil, err
	}

	subtotal, discount, total, err := s.price(ctx, req, items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failReason(err)).Inc()
		return nil, err
	}

	if user.Balance < total {
		util.OrdersFailedTotal.WithLabelValues("balance").Inc()
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, total, user.Balance)
	}

	if existing, err := s.findDuplicate(ctx, req); err != nil {
		s.logger.Warn("Idempotency check failed", zap.Error(err))
	} else if existing != nil {
		s.logger.Info("Duplicate checkout detected, returning existing order",
			zap.Int64("user_id", req.UserID),
			zap.Int64("order_id", existing.ID))
		keys, _ := s.store.GetKeysByOrderID(ctx, existing.ID)
		return &Result{Order: existing, Keys: keys, Duplicate: true}, nil
	}

	hasReseller := false
	for _, item := range items {
		if item.reseller != nil {
			hasReseller = true
			break
		}
	}

	order := &models.Order{
		UserID:        user.ID,
		Subtotal:      subtotal,
		Discount:      discount,
		Total:         total,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusPaid,
	}
	if hasReseller {
		order.Status = models.OrderStatusProcessing
	}
	if req.PromoCode != "" {
		order.PromoCode = sql.NullString{String: req.PromoCode, Valid: true}
	}

	orderItems := make([]models.OrderItem, len(items))
	for i, item := range items {
		orderItems[i] = models.OrderItem{
			GameID:    item.game.ID,
			Quantity:  item.quantity,
			UnitPrice: item.unitPrice,
		}
	}

	if err := s.store.CreateOrderAtomic(ctx, order, orderItems, req.PromoCode); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			util.OrdersFailedTotal.WithLabelValues("balance").Inc()
			return nil, ErrInsufficientBalance
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", user.ID),
		zap.Float64("total", total),
		zap.String("status", order.Status))

	s.invalidateUserCaches(ctx, user.ID)

	if !hasReseller {
		// Manual fulfillment path: PENDING is terminal here.
		return &Result{Order: order}, nil
	}

	// Cancellation is honored up to this point only. Once an external
	// order exists the reseller holds real money, so the unit loop runs
	// on a detached context.
	if err := ctx.Err(); err != nil {
		s.logger.Warn("Checkout cancelled before fulfillment, leaving order PROCESSING",
			zap.Int64("order_id", order.ID))
		return nil, err
	}

	return s.fulfill(context.WithoutCancel(ctx), user, order, items)
}

// validate loads the user and the requested games, classifies each line
// item as local-only or reseller-backed, and checks stock.
func (s *Service) validate(ctx context.Context, req *Request) (*models.User, []lineItem, error) {
	user, err := s.store.GetUserByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil, err
		}
		// A lookup failure is not a missing user.
		return nil, nil, fmt.Errorf("failed to load user %d: %w", req.UserID, err)
	}

	ids := make([]int64, len(req.Items))
	for i, item := range req.Items {
		ids[i] = item.GameID
	}

	games, err := s.store.GetGamesByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load games: %w", err)
	}
	byID := make(map[int64]*models.Game, len(games))
	for i := range games {
		byID[games[i].ID] = &games[i]
	}

	items := make([]lineItem, 0, len(req.Items))
	for _, reqItem := range req.Items {
		game, ok := byID[reqItem.GameID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %d", ErrGameNotFound, reqItem.GameID)
		}
		if !game.InStock {
			return nil, nil, fmt.Errorf("%w: %s", ErrOutOfStock, game.Title)
		}

		item := lineItem{
			game:      game,
			quantity:  reqItem.Quantity,
			unitPrice: game.Price,
		}
		if game.ResellerBacked() {
			item.reseller = &resellerRef{externalID: game.G2AID.String}

			// Best-effort live re-check; an upstream failure degrades
			// to trusting the local stock flag.
			available, err := s.client.ValidateStock(ctx, game.G2AID.String)
			if err != nil {
				s.logger.Warn("Live stock check failed, trusting local stock",
					zap.Int64("game_id", game.ID),
					zap.Error(err))
			} else if !available {
				return nil, nil, fmt.Errorf("%w: %s", ErrOutOfStock, game.Title)
			}
		}

		items = append(items, item)
	}

	return user, items, nil
}

// price computes subtotal, promo discount, and total, all rounded to 2
// decimal places. Promo validation happens before any balance mutation.
func (s *Service) price(ctx context.Context, req *Request, items []lineItem) (subtotal, discount, total float64, err error) {
	for _, item := range items {
		subtotal += item.unitPrice * float64(item.quantity)
	}
	subtotal = catalog.Round2(subtotal)

	if req.PromoCode != "" {
		promo, err := s.store.GetPromoByCode(ctx, req.PromoCode)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("failed to load promo code: %w", err)
		}
		if promo == nil {
			return 0, 0, 0, fmt.Errorf("%w: unknown code", ErrPromoInvalid)
		}
		now := time.Now()
		switch {
		case !promo.Active:
			return 0, 0, 0, fmt.Errorf("%w: code inactive", ErrPromoInvalid)
		case now.Before(promo.ValidFrom) || now.After(promo.ValidUntil):
			return 0, 0, 0, fmt.Errorf("%w: code expired", ErrPromoInvalid)
		case promo.MaxUses > 0 && promo.UsedCount >= promo.MaxUses:
			return 0, 0, 0, fmt.Errorf("%w: code exhausted", ErrPromoInvalid)
		}
		discount = catalog.PercentOf(subtotal, promo.DiscountPercent)
	}

	total = catalog.Round2(subtotal - discount)
	return subtotal, discount, total, nil
}

// findDuplicate implements the same-items idempotency window: an open
// order from the same user with the identical game-id set, created in
// the last few minutes, is returned instead of a new one. This is a
// heuristic against double submission, not a strong guarantee.
func (s *Service) findDuplicate(ctx context.Context, req *Request) (*models.Order, error) {
	recent, err := s.store.FindRecentOpenOrders(ctx, req.UserID, s.cfg.IdempotencyWindow)
	if err != nil {
		return nil, err
	}

	want := make(map[int64]bool, len(req.Items))
	for _, item := range req.Items {
		want[item.GameID] = true
	}

	for i := range recent {
		items, err := s.store.GetOrderItemsByOrderID(ctx, recent[i].ID)
		if err != nil {
			return nil, err
		}
		if len(items) != len(want) {
			continue
		}
		match := true
		for _, item := range items {
			if !want[item.GameID] {
				match = false
				break
			}
		}
		if match {
			return &recent[i], nil
		}
	}

	return nil, nil
}

// fulfill drives one create→pay→get-key cycle per purchased unit,
// strictly in submitted line-item order. Critical errors compensate the
// whole order; anything else is recorded and the next unit proceeds.
func (s *Service) fulfill(ctx context.Context, user *models.User, order *models.Order, items []lineItem) (*Result, error) {
	var (
		keys        []models.GameKey
		unitErrors  []string
		externalIDs []string
	)

	for _, item := range items {
		if item.reseller == nil {
			continue
		}
		for unit := 0; unit < item.quantity; unit++ {
			key, externalID, err := s.fulfillUnit(ctx, user, order, item, unit)
			if externalID != "" {
				externalIDs = append(externalIDs, externalID)
			}
			if err != nil {
				category := string(g2a.CategoryOf(err))
				if category == "" {
					category = "internal"
				}
				util.FulfillmentUnitErrors.WithLabelValues(category).Inc()
				s.logger.Error("Unit fulfillment failed",
					zap.Int64("order_id", order.ID),
					zap.Int64("game_id", item.game.ID),
					zap.Int("unit", unit),
					zap.String("external_order_id", externalID),
					zap.Error(err))

				if g2a.IsCritical(err) {
					return nil, s.compensate(ctx, user, order, externalIDs, err)
				}
				unitErrors = append(unitErrors, fmt.Sprintf("game %d unit %d: %v", item.game.ID, unit, err))
				continue
			}
			keys = append(keys, *key)
			util.KeysIssuedTotal.Inc()
		}
	}

	status := models.OrderStatusCompleted
	if len(keys) == 0 {
		status = models.OrderStatusFailed
	}
	joined := strings.Join(externalIDs, ",")
	if err := s.store.FinalizeOrder(ctx, order.ID, status, order.PaymentStatus, joined); err != nil {
		s.logger.Error("Failed to finalize order", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	order.Status = status
	if joined != "" {
		order.ExternalOrderIDs = sql.NullString{String: joined, Valid: true}
	}
	if status == models.OrderStatusCompleted {
		order.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}
	}

	if status == models.OrderStatusFailed {
		util.OrdersFailedTotal.WithLabelValues("all_units_failed").Inc()
		s.publishFailed(ctx, order, "all units failed", false)
		return &Result{Order: order, UnitErrors: unitErrors}, nil
	}

	util.OrdersCompletedTotal.Inc()
	if len(unitErrors) > 0 {
		s.logger.Warn("Order completed partially",
			zap.Int64("order_id", order.ID),
			zap.Int("keys_issued", len(keys)),
			zap.Int("unit_errors", len(unitErrors)))
	}

	if s.events != nil {
		event := &models.OrderCompletedEvent{
			BaseEvent:  baseEvent(models.EventTypeOrderCompleted),
			OrderID:    order.ID,
			UserID:     order.UserID,
			Total:      order.Total,
			KeysIssued: len(keys),
			UnitErrors: unitErrors,
		}
		if err := s.events.PublishOrderCompleted(ctx, event); err != nil {
			s.logger.Warn("Failed to publish order completed event", zap.Error(err))
		}
	}

	return &Result{Order: order, Keys: keys, UnitErrors: unitErrors}, nil
}

// fulfillUnit runs one unit's external lifecycle. The create→pay→key
// triplet is at-most-once: only the documented payment-not-ready case
// retries, inside PayOrder itself.
func (s *Service) fulfillUnit(ctx context.Context, user *models.User, order *models.Order, item lineItem, unit int) (*models.GameKey, string, error) {
	ref := item.reseller

	externalID, err := s.client.CreateOrder(ctx, ref.externalID, item.game.OriginalPrice, item.game.Currency)
	if err != nil {
		return nil, "", fmt.Errorf("create: %w", err)
	}

	if _, err := s.client.PayOrder(ctx, externalID); err != nil {
		return nil, externalID, fmt.Errorf("pay: %w", err)
	}

	// The key is not always immediately retrievable after payment.
	select {
	case <-ctx.Done():
		return nil, externalID, ctx.Err()
	case <-time.After(s.cfg.KeyRetrievalDelay):
	}

	keyValue, err := s.client.GetOrderKey(ctx, externalID)
	if err != nil {
		return nil, externalID, fmt.Errorf("key: %w", err)
	}

	key := &models.GameKey{
		GameID:   item.game.ID,
		OrderID:  order.ID,
		KeyValue: keyValue,
	}
	if err := s.store.CreateGameKey(ctx, key); err != nil {
		// The upstream already released the key; losing the row would
		// lose it for good, so this is loud but non-compensable.
		return nil, externalID, fmt.Errorf("persist key: %w", err)
	}

	s.publishKeyDelivered(ctx, user, order, item, keyValue)
	return key, externalID, nil
}

// compensate rolls the whole order back after a critical error: FAILED
// status, full refund, REFUND transaction, all in one DB transaction.
func (s *Service) compensate(ctx context.Context, user *models.User, order *models.Order, externalIDs []string, cause error) error {
	s.logger.Error("Critical fulfillment error, compensating order",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", user.ID),
		zap.Float64("refund", order.Total),
		zap.Strings("external_order_ids", externalIDs),
		zap.Error(cause))

	if err := s.store.RefundOrderAtomic(ctx, order); err != nil {
		s.logger.Error("Refund compensation failed",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return fmt.Errorf("fulfillment failed and refund did not apply (order %d): %w", order.ID, cause)
	}

	if joined := strings.Join(externalIDs, ","); joined != "" {
		if err := s.store.FinalizeOrder(ctx, order.ID, models.OrderStatusFailed, models.PaymentStatusFailed, joined); err != nil {
			s.logger.Warn("Failed to store external order ids on failed order", zap.Error(err))
		}
	}

	util.OrdersRefundedTotal.Inc()
	util.OrdersFailedTotal.WithLabelValues("critical_upstream").Inc()
	s.publishFailed(ctx, order, cause.Error(), true)

	return fmt.Errorf("order %d failed and was refunded: %w", order.ID, cause)
}

func (s *Service) publishKeyDelivered(ctx context.Context, user *models.User, order *models.Order, item lineItem, keyValue string) {
	if s.events == nil {
		return
	}
	event := &models.KeyDeliveredEvent{
		BaseEvent: baseEvent(models.EventTypeKeyDelivered),
		OrderID:   order.ID,
		GameID:    item.game.ID,
		Recipient: user.Email,
		GameTitle: item.game.Title,
		Platform:  catalog.DefaultPlatform,
		KeyValue:  keyValue,
	}
	// Delivery is fire-and-forget: the key is already persisted.
	if err := s.events.PublishKeyDelivered(ctx, event); err != nil {
		s.logger.Warn("Failed to publish key delivery event",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

func (s *Service) publishFailed(ctx context.Context, order *models.Order, reason string, refunded bool) {
	if s.events == nil {
		return
	}
	event := &models.OrderFailedEvent{
		BaseEvent: baseEvent(models.EventTypeOrderFailed),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Reason:    reason,
		Refunded:  refunded,
	}
	if err := s.events.PublishOrderFailed(ctx, event); err != nil {
		s.logger.Warn("Failed to publish order failed event", zap.Error(err))
	}
}

func (s *Service) invalidateUserCaches(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	for _, prefix := range []string{
		fmt.Sprintf("cart:%d", userID),
		fmt.Sprintf("orders:%d", userID),
	} {
		if _, err := s.cache.InvalidateByPrefix(ctx, prefix); err != nil {
			s.logger.Warn("Failed to invalidate user cache",
				zap.String("prefix", prefix),
				zap.Error(err))
		}
	}
}

// GetOrder retrieves an order with its items and issued keys.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, []models.GameKey, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	keys, err := s.store.GetKeysByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	return order, items, keys, nil
}

func failReason(err error) string {
	if IsValidationError(err) {
		return "validation"
	}
	return "db_error"
}

func baseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
