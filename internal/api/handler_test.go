package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/deffgod/gkeys-store-sub002/internal/fulfillment"
	"github.com/deffgod/gkeys-store-sub002/internal/payment"
	"github.com/deffgod/gkeys-store-sub002/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret"

func newTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, *payment.StubGateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.NewStoreWithDB(sqlx.NewDb(db, "sqlmock"))
	gateway := payment.NewStubGateway()
	orders := fulfillment.NewService(st, nil, nil, nil, fulfillment.Config{
		KeyRetrievalDelay: time.Millisecond,
	})

	handler := NewHandler(orders, st, gateway, nil, nil, testJWTSecret)

	router := gin.New()
	handler.SetupRoutes(router)
	return router, mock, gateway
}

func doJSON(router *gin.Engine, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T, role string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "ops",
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func TestHealthEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t)

	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/ready", nil, nil).Code)
}

func TestGetGameBySlug(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	rows := sqlmock.NewRows([]string{"id", "title", "slug", "price", "in_stock"}).
		AddRow(int64(10), "The Witcher 3", "the-witcher-3", 29.99, true)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM games WHERE slug = $1")).
		WithArgs("the-witcher-3").
		WillReturnRows(rows)

	w := doJSON(router, http.MethodGet, "/api/v1/games/the-witcher-3", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "The Witcher 3")
}

func TestGetGameBySlugNotFound(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM games WHERE slug = $1")).
		WillReturnError(sql.ErrNoRows)

	w := doJSON(router, http.MethodGet, "/api/v1/games/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateOrderRejectsBadBody(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"user_id": 1,
		"items":   []interface{}{},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateOrderUnknownUserIsUnprocessable(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM users WHERE id = $1")).
		WillReturnError(sql.ErrNoRows)

	w := doJSON(router, http.MethodPost, "/api/v1/orders", fulfillment.Request{
		UserID: 404,
		Items:  []fulfillment.ItemRequest{{GameID: 1, Quantity: 1}},
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetOrderInvalidID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/api/v1/orders/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWalletTopupFlow(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM users WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "balance"}).AddRow(int64(1), "u@example.com", 0.0))

	w := doJSON(router, http.MethodPost, "/api/v1/wallet/topup", topupRequest{UserID: 1, Amount: 50}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var p payment.Payment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, payment.StatusOpen, p.Status)
	assert.NotEmpty(t, p.CheckoutURL)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET balance = balance + $1")).
		WithArgs(50.0, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transactions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	w = doJSON(router, http.MethodPost, "/api/v1/wallet/topup/"+p.ID+"/confirm", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmTopupUnknownPayment(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/v1/wallet/topup/tr_missing/confirm", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := doJSON(router, http.MethodGet, "/api/v1/admin/sync/status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	header := http.Header{"Authorization": []string{"Bearer " + adminToken(t, "viewer")}}
	w = doJSON(router, http.MethodGet, "/api/v1/admin/sync/status", nil, header)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminCreatePromo(t *testing.T) {
	router, mock, _ := newTestRouter(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO promo_codes")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "used_count"}).AddRow(int64(5), 0))

	header := http.Header{"Authorization": []string{"Bearer " + adminToken(t, "admin")}}
	w := doJSON(router, http.MethodPost, "/api/v1/admin/promos", promoRequest{
		Code:            "SAVE10",
		DiscountPercent: 10,
		ValidFrom:       time.Now(),
		ValidUntil:      time.Now().Add(24 * time.Hour),
		MaxUses:         100,
	}, header)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
