package g2a

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(Config{
		Env:           "sandbox",
		BaseURL:       srv.URL,
		ClientID:      "client-1",
		ClientSecret:  "secret",
		Email:         "dev@example.com",
		Timeout:       2 * time.Second,
		PayRetryDelay: time.Millisecond,
	}, nil)
}

func TestSandboxAuthHeader(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"docs":[]}`))
	})

	_, err := client.FetchProducts(context.Background(), 1, 10, "", nil)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("client-1" + "dev@example.com" + "secret"))
	assert.Equal(t, "client-1, "+hex.EncodeToString(sum[:]), gotAuth)
}

func TestFetchProductsAliasPayloads(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"docs": [
				{"id": 10000027, "name": "Quest", "minPrice": 12.5, "retailPrice": 15.0, "qty": "3"},
				{"id": "abc-1", "name": "Racer", "price": 9.99, "stock": 0}
			],
			"pages": 5,
			"total": 42
		}`))
	})

	page, err := client.FetchProducts(context.Background(), 1, 10, "games", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, page.TotalPages)
	assert.Equal(t, 42, page.Total)
	assert.False(t, page.Mock)
	require.Len(t, page.Products, 2)

	first := page.Products[0]
	assert.Equal(t, "10000027", first.ID)
	assert.Equal(t, 12.5, first.Price)
	assert.Equal(t, 15.0, first.RetailPrice)
	assert.Equal(t, "EUR", first.Currency)
	assert.Equal(t, 3, first.Qty)
	assert.True(t, first.Available())

	second := page.Products[1]
	assert.Equal(t, "abc-1", second.ID)
	assert.Equal(t, 9.99, second.Price)
	assert.Equal(t, 9.99, second.RetailPrice)
	assert.False(t, second.Available())
}

func TestGetProductErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		header   http.Header
		category Category
	}{
		{"unauthorized", 401, `{"error":"bad credentials"}`, nil, CategoryAuthFailed},
		{"forbidden", 403, `{}`, nil, CategoryAuthFailed},
		{"missing product", 404, `{"error":"not found"}`, nil, CategoryNotFound},
		{"html error page", 404, "<!DOCTYPE html><html><body>nope</body></html>", nil, CategoryBadEndpoint},
		{"rate limited", 429, `{}`, http.Header{"Retry-After": []string{"7"}}, CategoryRateLimited},
		{"payment required", 402, `{}`, nil, CategoryOutOfStock},
		{"server error", 500, `{}`, nil, CategoryUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, vs := range tt.header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.GetProduct(context.Background(), "p1")
			require.Error(t, err)
			assert.Equal(t, tt.category, CategoryOf(err))

			if tt.category == CategoryRateLimited {
				apiErr := err.(*APIError)
				assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
			}
		})
	}
}

func TestValidateStock(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"p1","name":"X","price":5,"qty":0}`))
	})

	available, err := client.ValidateStock(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestCreateOrderIDAlias(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)
		w.Write([]byte(`{"id":"ord-9"}`))
	})

	id, err := client.CreateOrder(context.Background(), "p1", 10.0, "EUR")
	require.NoError(t, err)
	assert.Equal(t, "ord-9", id)
}

func TestCreateOrderMissingID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	_, err := client.CreateOrder(context.Background(), "p1", 10.0, "EUR")
	require.Error(t, err)
	assert.Equal(t, CategoryUpstream, CategoryOf(err))
}

func TestPayOrderNotReadyRetriesOnce(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"payment not ready yet"}`))
			return
		}
		w.Write([]byte(`{"transaction_id":"tx-1"}`))
	})

	txID, err := client.PayOrder(context.Background(), "ord-9")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txID)
	assert.Equal(t, 2, calls)
}

func TestPayOrderNotReadyTwiceFails(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"payment not ready yet"}`))
	})

	_, err := client.PayOrder(context.Background(), "ord-9")
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestPayOrderHardFailureNoRetry(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":"no stock"}`))
	})

	_, err := client.PayOrder(context.Background(), "ord-9")
	require.Error(t, err)
	assert.Equal(t, CategoryOutOfStock, CategoryOf(err))
	assert.Equal(t, 1, calls)
}

func TestGetOrderKeyCodeAlias(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/order/key/ord-9", r.URL.Path)
		w.Write([]byte(`{"code":"AAAA-BBBB-CCCC"}`))
	})

	key, err := client.GetOrderKey(context.Background(), "ord-9")
	require.NoError(t, err)
	assert.Equal(t, "AAAA-BBBB-CCCC", key)
	assert.Equal(t, 1, calls)
}

func TestGetOrderKeyFailureNeverRetried(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.GetOrderKey(context.Background(), "ord-9")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestFetchProductsMockFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := Config{
		Env:      "sandbox",
		BaseURL:  srv.URL,
		ClientID: "c",
		Timeout:  time.Second,
	}

	t.Run("disabled surfaces the error", func(t *testing.T) {
		client := NewClient(cfg, nil)
		_, err := client.FetchProducts(context.Background(), 1, 10, "", nil)
		assert.Error(t, err)
	})

	t.Run("enabled serves marked mock pages", func(t *testing.T) {
		mockCfg := cfg
		mockCfg.MockFallback = true
		client := NewClient(mockCfg, nil)

		page, err := client.FetchProducts(context.Background(), 1, 10, "", nil)
		require.NoError(t, err)
		assert.True(t, page.Mock)
		assert.Len(t, page.Products, 3)

		later, err := client.FetchProducts(context.Background(), 2, 10, "", nil)
		require.NoError(t, err)
		assert.True(t, later.Mock)
		assert.Empty(t, later.Products)
	})
}
