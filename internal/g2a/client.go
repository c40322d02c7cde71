package g2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/util"

	"go.uber.org/zap"
)

// Config configures the reseller client. Env "sandbox" selects the
// static hash header of the export API; anything else goes through
// OAuth2 against the import/order API.
type Config struct {
	Env           string
	BaseURL       string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	Email         string
	Timeout       time.Duration
	PayRetryDelay time.Duration

	// MockFallback serves a fixed set of fake products when the catalog
	// listing fails. Offline/demo operation only; never enable this in
	// production, the prices and stock are fabricated.
	MockFallback bool
}

// Client calls the reseller product, order, and key endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
	auth       authProvider
	logger     *zap.Logger
}

// NewClient creates a reseller client. cache may be nil; the OAuth
// token is then held in process memory only.
func NewClient(cfg Config, cache TokenCache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PayRetryDelay <= 0 {
		cfg.PayRetryDelay = 3 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	logger := util.GetLogger()

	var auth authProvider
	if cfg.Env == "sandbox" {
		auth = newHashAuth(cfg.ClientID, cfg.Email, cfg.ClientSecret)
	} else {
		auth = newOAuthAuth(httpClient, cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cache, logger)
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		auth:       auth,
		logger:     logger,
	}
}

// ProductPage is one page of the reseller catalog listing.
type ProductPage struct {
	Products   []Product
	Page       int
	TotalPages int
	Total      int

	// Mock marks pages produced by the offline fallback, so callers can
	// refuse to persist fabricated data.
	Mock bool
}

// FetchProducts lists a catalog page. With MockFallback enabled, any
// failure degrades to the fixed mock set instead of an error.
func (c *Client) FetchProducts(ctx context.Context, page, perPage int, category string, filters map[string]string) (*ProductPage, error) {
	query := url.Values{}
	query.Set("page", fmt.Sprint(page))
	query.Set("perPage", fmt.Sprint(perPage))
	if category != "" {
		query.Set("category", category)
	}
	for k, v := range filters {
		query.Set(k, v)
	}

	body, err := c.doJSON(ctx, "fetch_products", http.MethodGet, "/products?"+query.Encode(), nil)
	if err != nil {
		if c.cfg.MockFallback {
			c.logger.Warn("Catalog fetch failed, serving mock products (demo mode)",
				zap.Int("page", page),
				zap.Error(err))
			return mockProductPage(page), nil
		}
		return nil, err
	}

	var raw rawProductPage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode product listing: %w", err)
	}

	return raw.normalize(page), nil
}

// GetProduct fetches a single product's detail payload.
func (c *Client) GetProduct(ctx context.Context, id string) (*Product, error) {
	body, err := c.doJSON(ctx, "get_product", http.MethodGet, "/products/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var raw rawProduct
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode product %s: %w", id, err)
	}

	product := raw.normalize()
	return &product, nil
}

// ValidateStock reports whether the product currently has stock. There
// is no separate stock endpoint; stock is read off the detail payload.
func (c *Client) ValidateStock(ctx context.Context, id string) (bool, error) {
	product, err := c.GetProduct(ctx, id)
	if err != nil {
		return false, err
	}
	return product.Qty > 0, nil
}

type createOrderRequest struct {
	ProductID string  `json:"product_id"`
	MaxPrice  float64 `json:"max_price"`
	Currency  string  `json:"currency"`
}

type createOrderResponse struct {
	OrderID string `json:"order_id"`
	ID      string `json:"id"`
}

// CreateOrder places an order for one unit of a product. At-most-once:
// never retried.
func (c *Client) CreateOrder(ctx context.Context, productID string, maxPrice float64, currency string) (string, error) {
	body, err := c.doJSON(ctx, "create_order", http.MethodPost, "/order", createOrderRequest{
		ProductID: productID,
		MaxPrice:  maxPrice,
		Currency:  currency,
	})
	if err != nil {
		return "", err
	}

	var resp createOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode create order response: %w", err)
	}

	orderID := resp.OrderID
	if orderID == "" {
		orderID = resp.ID
	}
	if orderID == "" {
		return "", &APIError{Op: "create_order", Category: CategoryUpstream, Body: "missing order id in response"}
	}
	return orderID, nil
}

type payOrderResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// PayOrder pays an external order. The one tolerated retry is the
// documented "payment not ready yet" response, after a fixed delay.
// Everything else is at-most-once.
func (c *Client) PayOrder(ctx context.Context, orderID string) (string, error) {
	txID, err := c.payOnce(ctx, orderID)
	if err == nil {
		return txID, nil
	}
	if !isPaymentNotReady(err) {
		return "", err
	}

	c.logger.Info("Payment not ready yet, retrying once",
		zap.String("external_order_id", orderID),
		zap.Duration("delay", c.cfg.PayRetryDelay))

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(c.cfg.PayRetryDelay):
	}

	return c.payOnce(ctx, orderID)
}

func (c *Client) payOnce(ctx context.Context, orderID string) (string, error) {
	body, err := c.doJSON(ctx, "pay_order", http.MethodPut, "/order/pay/"+url.PathEscape(orderID), nil)
	if err != nil {
		return "", err
	}

	var resp payOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode pay response: %w", err)
	}
	if resp.TransactionID == "" {
		return "", &APIError{Op: "pay_order", Category: CategoryUpstream, Body: "missing transaction id in response"}
	}
	return resp.TransactionID, nil
}

// isPaymentNotReady detects the upstream's "payment not ready yet"
// condition, the only retryable state in the order lifecycle.
func isPaymentNotReady(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Body), "not ready")
}

type orderKeyResponse struct {
	Key  string `json:"key"`
	Code string `json:"code"`
}

// GetOrderKey retrieves the purchased key. The upstream releases each
// key exactly once, so a failure here is final and never retried.
func (c *Client) GetOrderKey(ctx context.Context, orderID string) (string, error) {
	body, err := c.doJSON(ctx, "get_order_key", http.MethodGet, "/order/key/"+url.PathEscape(orderID), nil)
	if err != nil {
		return "", err
	}

	var resp orderKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode key response: %w", err)
	}

	key := resp.Key
	if key == "" {
		key = resp.Code
	}
	if key == "" {
		return "", &APIError{Op: "get_order_key", Category: CategoryUpstream, Body: "missing key in response"}
	}
	return key, nil
}

// doJSON performs one authenticated request and returns the raw body.
// Every call is audited with credentials redacted and recorded in the
// latency/outcome metrics.
func (c *Client) doJSON(ctx context.Context, op, method, path string, payload interface{}) ([]byte, error) {
	start := time.Now()
	defer func() {
		util.G2ARequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	authHeader, err := c.auth.authorize(ctx)
	if err != nil {
		util.G2ARequestsTotal.WithLabelValues(op, "auth_error").Inc()
		return nil, fmt.Errorf("authorization failed for %s: %w", op, err)
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr := classifyTransport(op, err)
		util.G2ARequestsTotal.WithLabelValues(op, string(apiErr.Category)).Inc()
		c.logRequest(op, method, path, 0, start, apiErr)
		return nil, apiErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		apiErr := classifyTransport(op, err)
		util.G2ARequestsTotal.WithLabelValues(op, string(apiErr.Category)).Inc()
		return nil, apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := classifyStatus(op, resp.StatusCode, string(body), resp.Header)
		util.G2ARequestsTotal.WithLabelValues(op, string(apiErr.Category)).Inc()
		c.logRequest(op, method, path, resp.StatusCode, start, apiErr)
		return nil, apiErr
	}

	util.G2ARequestsTotal.WithLabelValues(op, "success").Inc()
	c.logRequest(op, method, path, resp.StatusCode, start, nil)
	return body, nil
}

func (c *Client) logRequest(op, method, path string, status int, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("method", method),
		zap.String("path", redactPath(path)),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		c.logger.Warn("Reseller API call failed", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Debug("Reseller API call", fields...)
}

// redactPath strips query values that could carry credentials.
func redactPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i] + "?..."
	}
	return path
}
