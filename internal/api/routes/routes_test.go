package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_service/internal/api/middleware"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/internal/infrastructure/config"
	"github.com/rail-service/settlement_service/internal/infrastructure/di"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/webhook"
)

const (
	testSecret = "whsec_test"
	testAPIKey = "internal-key"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	return newTestServerIn(t, "test")
}

func newTestServerIn(t *testing.T, environment string) http.Handler {
	t.Helper()
	cfg := &config.Config{
		Environment: environment,
		Server: config.ServerConfig{
			MaxBodyBytes:   1 << 16,
			RateLimitRPS:   1000,
			RateLimitBurst: 1000,
			APIKeys:        []string{testAPIKey},
		},
		Database:       config.DatabaseConfig{Driver: "memory"},
		Payment:        config.PaymentConfig{WebhookSecret: testSecret, BaseURL: "http://processor.invalid"},
		CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: 30},
		Recovery:       config.RecoveryConfig{MaxConcurrency: 1},
	}
	container, err := di.NewContainer(context.Background(), cfg, nil, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)
	return SetupRoutes(container)
}

func do(router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhookRoute(t *testing.T) {
	router := newTestServer(t)
	body := `{"event":"charge.success","data":{"reference":"never_initiated","status":"success","metadata":{"crypto_type":"ETH","crypto_amount":"0.1","wallet_address":"0x742d35Cc6634C0532925a3b844Bc454e4438f44e"}}}`

	w := do(router, http.MethodPost, "/api/v1/webhooks/payments", body,
		map[string]string{"X-Payment-Signature": webhook.Sign([]byte(body), testSecret)})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tampered := strings.Replace(body, "0.1", "9.1", 1)
	w = do(router, http.MethodPost, "/api/v1/webhooks/payments", tampered,
		map[string]string{"X-Payment-Signature": webhook.Sign([]byte(body), testSecret)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSettlementRoutes_RequireAPIKey(t *testing.T) {
	router := newTestServer(t)

	w := do(router, http.MethodGet, "/api/v1/settlements/ref_1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodGet, "/api/v1/settlements/ref_1", "", map[string]string{middleware.HeaderAPIKey: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSettlementRoutes_InitiateAndRead(t *testing.T) {
	router := newTestServer(t)
	auth := map[string]string{middleware.HeaderAPIKey: testAPIKey}

	payload := `{
		"user_id": "6f1c2f5e-8d5a-4b6e-9a43-0c1f2b7d9e11",
		"direction": "sell",
		"crypto_type": "eth",
		"crypto_amount": "0.25",
		"fiat_amount": "800",
		"fiat_currency": "ngn",
		"payment_reference": "sell_ref_1",
		"source_tx_hash": "0xdeposit"
	}`

	w := do(router, http.MethodPost, "/api/v1/settlements", payload, auth)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(router, http.MethodPost, "/api/v1/settlements", payload, auth)
	assert.Equal(t, http.StatusConflict, w.Code)

	// A second sell citing the same deposit under a fresh reference.
	recited := strings.Replace(payload, "sell_ref_1", "sell_ref_2", 1)
	w = do(router, http.MethodPost, "/api/v1/settlements", recited, auth)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "DUPLICATE_DEPOSIT")

	w = do(router, http.MethodGet, "/api/v1/settlements/sell_ref_1", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	var view entities.SettlementView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, entities.TransactionStatusPending, view.Status)
	assert.Equal(t, entities.CryptoETH, view.CryptoType)
	assert.Equal(t, "NGN", view.FiatCurrency)

	w = do(router, http.MethodGet, "/api/v1/settlements/unknown", "", auth)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	router := newTestServer(t)

	w := do(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))

	w = do(router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "settlement_http_requests_total")
}

func TestSwaggerRoute(t *testing.T) {
	tests := []struct {
		environment string
		want        int
	}{
		{"development", http.StatusOK},
		{"test", http.StatusOK},
		{"production", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.environment, func(t *testing.T) {
			router := newTestServerIn(t, tt.environment)
			w := do(router, http.MethodGet, "/swagger/index.html", "", nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
