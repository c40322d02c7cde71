// Package api exposes the storefront over HTTP.
package api

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/broker"
	"github.com/deffgod/gkeys-store-sub002/internal/fulfillment"
	"github.com/deffgod/gkeys-store-sub002/internal/models"
	"github.com/deffgod/gkeys-store-sub002/internal/payment"
	"github.com/deffgod/gkeys-store-sub002/internal/redisclient"
	"github.com/deffgod/gkeys-store-sub002/internal/store"
	catalogsync "github.com/deffgod/gkeys-store-sub002/internal/sync"
	"github.com/deffgod/gkeys-store-sub002/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	gamesCacheTTL  = 5 * time.Minute
	defaultPerPage = 20
	maxPerPage     = 100
)

// Handler contains HTTP handlers
type Handler struct {
	orders    *fulfillment.Service
	store     *store.Store
	gateway   payment.Gateway
	cache     *redisclient.Client
	publisher *broker.EventPublisher
	jwtSecret string
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *fulfillment.Service, st *store.Store, gateway payment.Gateway, cache *redisclient.Client, publisher *broker.EventPublisher, jwtSecret string) *Handler {
	return &Handler{
		orders:    orders,
		store:     st,
		gateway:   gateway,
		cache:     cache,
		publisher: publisher,
		jwtSecret: jwtSecret,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/games", h.listGames)
		v1.GET("/games/:slug", h.getGame)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/users/:id/orders", h.listUserOrders)

		v1.GET("/wallet/methods", h.listPaymentMethods)
		v1.POST("/wallet/topup", h.createTopup)
		v1.POST("/wallet/topup/:id/confirm", h.confirmTopup)
	}

	admin := v1.Group("/admin")
	admin.Use(adminAuthMiddleware(h.jwtSecret))
	{
		admin.POST("/sync", h.requestSync)
		admin.GET("/sync/status", h.syncStatus)
		admin.POST("/promos", h.createPromo)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type gamesPage struct {
	Games  []models.Game `json:"games"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// listGames serves the paged catalog, cached briefly in redis. Sync
// runs invalidate the "games:" prefix so stale pages never outlive a
// catalog refresh by more than the TTL.
func (h *Handler) listGames(c *gin.Context) {
	limit := intQuery(c, "limit", defaultPerPage)
	if limit > maxPerPage {
		limit = maxPerPage
	}
	offset := intQuery(c, "offset", 0)

	cacheKey := "games:list:" + strconv.Itoa(limit) + ":" + strconv.Itoa(offset)
	var page gamesPage
	if found, err := h.cache.GetJSON(c.Request.Context(), cacheKey, &page); err != nil {
		h.logger.Warn("Cache read failed", zap.String("key", cacheKey), zap.Error(err))
	} else if found {
		c.JSON(http.StatusOK, page)
		return
	}

	games, err := h.store.ListGames(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list games",
			"details": err.Error(),
		})
		return
	}

	page = gamesPage{Games: games, Limit: limit, Offset: offset}
	if err := h.cache.SetJSON(c.Request.Context(), cacheKey, page, gamesCacheTTL); err != nil {
		h.logger.Warn("Cache write failed", zap.String("key", cacheKey), zap.Error(err))
	}
	c.JSON(http.StatusOK, page)
}

// getGame serves one game by slug
func (h *Handler) getGame(c *gin.Context) {
	slug := c.Param("slug")

	game, err := h.store.GetGameBySlug(c.Request.Context(), slug)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Game not found",
		})
		return
	}

	c.JSON(http.StatusOK, game)
}

// createOrder handles checkout
func (h *Handler) createOrder(c *gin.Context) {
	var req fulfillment.Request

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.orders.Checkout(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		message := "Failed to process order"
		if fulfillment.IsValidationError(err) {
			status = http.StatusUnprocessableEntity
			message = "Order rejected"
		}
		c.JSON(status, gin.H{
			"error":   message,
			"details": err.Error(),
		})
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// getOrder handles get order by ID, with its items and keys
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	order, items, keys, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Order not found",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
		"keys":  keys,
	})
}

// listUserOrders serves a user's order history
func (h *Handler) listUserOrders(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid user ID",
		})
		return
	}

	orders, err := h.store.GetOrdersByUserID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list orders",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) listPaymentMethods(c *gin.Context) {
	methods, err := h.gateway.ListMethods(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Payment provider unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": methods})
}

type topupRequest struct {
	UserID   int64   `json:"user_id" binding:"required"`
	Amount   float64 `json:"amount" binding:"required,gt=0"`
	Currency string  `json:"currency"`
}

// createTopup starts a wallet top-up at the payment provider
func (h *Handler) createTopup(c *gin.Context) {
	var req topupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if _, err := h.store.GetUserByID(c.Request.Context(), req.UserID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "User not found",
		})
		return
	}

	p, err := h.gateway.CreatePayment(c.Request.Context(), req.UserID, req.Amount, req.Currency)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "Failed to create payment",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, p)
}

// confirmTopup checks the provider payment status and credits the
// wallet once the payment reports paid. Crediting is idempotent per
// payment through the unique transaction row.
func (h *Handler) confirmTopup(c *gin.Context) {
	paymentID := c.Param("id")

	p, err := h.gateway.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, payment.ErrPaymentNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "Failed to fetch payment",
			"details": err.Error(),
		})
		return
	}

	if p.Status != payment.StatusPaid {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Payment not completed",
			"status": p.Status,
		})
		return
	}

	if err := h.store.CreditBalance(c.Request.Context(), p.UserID, p.Amount, models.TransactionTypeTopup, sql.NullInt64{}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to credit balance",
			"details": err.Error(),
		})
		return
	}

	h.logger.Info("Wallet topped up",
		zap.Int64("user_id", p.UserID),
		zap.Float64("amount", p.Amount),
		zap.String("payment_id", p.ID))

	c.JSON(http.StatusOK, gin.H{
		"status": "credited",
		"amount": p.Amount,
	})
}

type syncRequest struct {
	ProductIDs           []string `json:"product_ids"`
	Categories           []string `json:"categories"`
	FullSync             bool     `json:"full_sync"`
	IncludeRelationships bool     `json:"include_relationships"`
}

// requestSync queues a catalog sync run via the broker. The sync worker
// rejects overlapping runs, so queuing twice is harmless.
func (h *Handler) requestSync(c *gin.Context) {
	// An empty body means a default incremental run.
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	event := &models.SyncRequestedEvent{
		BaseEvent:            broker.NewBaseEvent(models.EventTypeSyncRequested),
		ProductIDs:           req.ProductIDs,
		Categories:           req.Categories,
		FullSync:             req.FullSync,
		IncludeRelationships: req.IncludeRelationships,
	}
	if err := h.publisher.PublishSyncRequested(c.Request.Context(), event); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to queue sync",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "queued",
		"event_id": event.EventID,
	})
}

// syncStatus reports live progress of the current (or last) sync run
func (h *Handler) syncStatus(c *gin.Context) {
	progress, err := catalogsync.Status(c.Request.Context(), h.cache)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to read sync status",
			"details": err.Error(),
		})
		return
	}
	if progress == nil {
		c.JSON(http.StatusOK, gin.H{"status": "idle"})
		return
	}
	c.JSON(http.StatusOK, progress)
}

type promoRequest struct {
	Code            string    `json:"code" binding:"required"`
	DiscountPercent float64   `json:"discount_percent" binding:"required,gt=0,lte=100"`
	ValidFrom       time.Time `json:"valid_from" binding:"required"`
	ValidUntil      time.Time `json:"valid_until" binding:"required"`
	MaxUses         int       `json:"max_uses"`
}

// createPromo registers a promo code
func (h *Handler) createPromo(c *gin.Context) {
	var req promoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	promo := &models.PromoCode{
		Code:            req.Code,
		DiscountPercent: req.DiscountPercent,
		Active:          true,
		ValidFrom:       req.ValidFrom,
		ValidUntil:      req.ValidUntil,
		MaxUses:         req.MaxUses,
	}
	if err := h.store.CreatePromo(c.Request.Context(), promo); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create promo",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, promo)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
