package handler_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/walletsync-go/internal/domain"
	"github.com/boddenberg/walletsync-go/internal/export"
	"github.com/boddenberg/walletsync-go/internal/handler"
	"github.com/boddenberg/walletsync-go/internal/infra/cache"
	"github.com/boddenberg/walletsync-go/internal/infra/docstore"
	"github.com/boddenberg/walletsync-go/internal/infra/observability"
	"github.com/boddenberg/walletsync-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const gatewayToken = "gateway-secret"

func TestHealthz(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, handler.Options{}, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	ready := false
	router := handler.NewRouter(handler.Services{}, handler.Options{Ready: func() bool { return ready }}, observability.NewMetrics(), zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before open, got %d", rec.Code)
	}

	ready = true
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, handler.Options{}, observability.NewMetrics(), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestAPIUnavailableWithoutServices(t *testing.T) {
	router := handler.NewRouter(handler.Services{}, handler.Options{}, observability.NewMetrics(), zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/wallets", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

// ============================================================
// End-to-end over an in-memory store
// ============================================================

type api struct {
	t      *testing.T
	router http.Handler
	token  string
}

func newAPI(t *testing.T) *api {
	t.Helper()

	logger := zap.NewNop()
	store := docstore.New(docstore.Options{PollAttempts: 1, PollInterval: time.Millisecond}, logger)
	require.NoError(t, store.Open(docstore.MemoryDSN))
	t.Cleanup(func() { store.Close() })

	metrics := observability.NewMetrics()
	writer := service.NewWriter(store, service.WriterOptions{ConflictRetries: 3, ConflictBackoff: time.Millisecond}, metrics, logger)
	queries := service.NewQueries(store, cache.New[[]*domain.Category](time.Minute), metrics, logger)
	t.Cleanup(queries.Close)
	agg := service.NewAggregator(store, writer, queries, metrics, logger)
	t.Cleanup(agg.Stop)

	users := service.NewUserService(writer, queries, agg, logger)
	categories := service.NewCategoryService(writer, queries, users, logger)
	wallets := service.NewWalletService(writer, queries, logger)
	txs := service.NewTransactionService(writer, queries, agg, users, nil, logger)
	bootstrap := service.NewBootstrap(writer, queries, categories, agg, logger)

	svc := handler.Services{
		Auth:         service.NewAuthService(writer, queries, bootstrap, nil, "router-secret", time.Hour, logger),
		Users:        users,
		Wallets:      wallets,
		Categories:   categories,
		Transactions: txs,
		Budgets:      service.NewBudgetService(writer, queries, agg, users, logger),
		Export:       export.New(txs, wallets, categories, logger),
	}
	opts := handler.Options{GatewayToken: gatewayToken, Ready: store.Ready}
	return &api{t: t, router: handler.NewRouter(svc, opts, metrics, logger)}
}

func (a *api) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	a.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPasswordAccountEndToEnd(t *testing.T) {
	a := newAPI(t)

	// Register, verify, login.
	rec := a.do(http.MethodPost, "/v1/auth/register", domain.RegisterRequest{Email: "Ana@Example.com", Password: "correct horse", Name: "Ana"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decode[domain.RegisterResponse](t, rec)

	rec = a.do(http.MethodPost, "/v1/auth/login", domain.LoginRequest{Email: "ana@example.com", Password: "correct horse"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPost, "/v1/auth/verify", map[string]string{"token": reg.VerificationToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/v1/auth/login", domain.LoginRequest{Email: "ana@example.com", Password: "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/v1/auth/login", domain.LoginRequest{Email: "ana@example.com", Password: "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decode[domain.Session](t, rec)
	require.NotEmpty(t, session.AccessToken)
	a.token = session.AccessToken

	// The profile never carries the password hash.
	rec = a.do(http.MethodGet, "/v1/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "$2a$")
	me := decode[domain.User](t, rec)
	assert.Equal(t, reg.UserID, me.ID)
	require.NotEmpty(t, me.WalletID)

	// Provisioned defaults are visible.
	rec = a.do(http.MethodGet, "/v1/categories?kind=expense", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	expense := decode[[]domain.Category](t, rec)
	require.NotEmpty(t, expense)
	for _, c := range expense {
		assert.Equal(t, domain.KindExpense, c.Kind)
	}

	rec = a.do(http.MethodGet, "/v1/categories?kind=gift", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A transaction moves the wallet balance.
	rec = a.do(http.MethodPost, "/v1/transactions", map[string]any{
		"walletId":   me.WalletID,
		"categoryId": expense[0].ID,
		"kind":       domain.KindExpense,
		"amount":     "120.50",
		"notes":      "weekly shop",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[domain.Transaction](t, rec)

	rec = a.do(http.MethodGet, "/v1/wallets/"+me.WalletID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wallet := decode[domain.Wallet](t, rec)
	assert.Equal(t, "-120.5", wallet.Balance.String())

	rec = a.do(http.MethodGet, "/v1/wallets/"+me.WalletID+"/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Transaction](t, rec), 1)

	rec = a.do(http.MethodGet, "/v1/transactions/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[domain.FinancialSummary](t, rec)
	assert.Equal(t, "120.5", sum.Expenses.String())

	// Derived fields cannot be written through the API.
	rec = a.do(http.MethodPatch, "/v1/wallets/"+me.WalletID, map[string]any{"balance": "1000000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "-120.5", decode[domain.Wallet](t, rec).Balance.String())

	// CSV export.
	rec = a.do(http.MethodGet, "/v1/export/transactions.csv", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Row-Count"))
	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, export.Header, rows[0])
	assert.Equal(t, tx.ID, rows[1][0])
	assert.Equal(t, "120.50", rows[1][6])

	// Delete without sync configured carries no warning.
	rec = a.do(http.MethodDelete, "/v1/transactions/"+tx.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[domain.DeleteResult](t, rec)
	assert.True(t, res.Deleted)
	assert.Empty(t, res.Warning)

	rec = a.do(http.MethodGet, "/v1/wallets/"+me.WalletID, nil)
	assert.Equal(t, "0", decode[domain.Wallet](t, rec).Balance.String())

	// Sync is disabled in this router.
	rec = a.do(http.MethodGet, "/v1/sync/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(http.MethodPost, "/v1/sync/flush", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/v1/auth/identity", domain.VerifiedIdentity{Email: "bo@example.com", DisplayName: "Bo"}, handler.GatewayHeader, gatewayToken)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a.token = decode[domain.Session](t, rec).AccessToken

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown wallet", http.MethodGet, "/v1/wallets/wallet_missing", nil, http.StatusNotFound},
		{"invalid category kind", http.MethodPost, "/v1/categories", map[string]any{"name": "Gifts", "kind": "gift"}, http.StatusBadRequest},
		{"duplicate category name", http.MethodPost, "/v1/categories", map[string]any{"name": "groceries", "kind": "expense"}, http.StatusConflict},
		{"unknown patch field", http.MethodPatch, "/v1/me", map[string]any{"favouriteColour": "red"}, http.StatusBadRequest},
		{"malformed range", http.MethodGet, "/v1/transactions/summary?from=yesterday", nil, http.StatusBadRequest},
		{"unknown transaction", http.MethodDelete, "/v1/transactions/transaction_missing", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	t.Run("validation lists violations", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/v1/categories", map[string]any{"name": "Gifts", "kind": "gift"})
		body := decode[map[string]any](t, rec)
		assert.NotEmpty(t, body["violations"])
	})
}

func TestJWTAuthMiddleware(t *testing.T) {
	a := newAPI(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/wallets", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			a.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestGatewayAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name       string
		configured string
		sent       string
		want       int
	}{
		{"accepted", "s3cret", "s3cret", http.StatusNoContent},
		{"wrong token", "s3cret", "guess", http.StatusUnauthorized},
		{"missing token", "s3cret", "", http.StatusUnauthorized},
		{"not configured", "", "anything", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handler.GatewayAuthMiddleware(tt.configured, zap.NewNop())(next)
			req := httptest.NewRequest(http.MethodPost, "/v1/auth/identity", nil)
			if tt.sent != "" {
				req.Header.Set(handler.GatewayHeader, tt.sent)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	assert.Empty(t, handler.UserIDFromContext(context.Background()))
}
