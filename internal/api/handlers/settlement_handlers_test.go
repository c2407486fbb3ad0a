package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/logger"
)

type mockSettlementService struct {
	mock.Mock
}

func (m *mockSettlementService) HandleWebhook(ctx context.Context, rawBody []byte, signature string) error {
	return m.Called(string(rawBody), signature).Error(0)
}

func (m *mockSettlementService) InitiateSettlement(ctx context.Context, req *entities.InitiateSettlementRequest) (*entities.Transaction, error) {
	args := m.Called(req)
	tx, _ := args.Get(0).(*entities.Transaction)
	return tx, args.Error(1)
}

func (m *mockSettlementService) GetTransactionStatus(ctx context.Context, reference string) (*entities.SettlementView, error) {
	args := m.Called(reference)
	view, _ := args.Get(0).(*entities.SettlementView)
	return view, args.Error(1)
}

func setupRouter(svc SettlementService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewSettlementHandlers(svc, logger.Nop())
	router := gin.New()
	router.POST("/api/v1/webhooks/payments", h.PaymentWebhook)
	router.GET("/api/v1/settlements/:reference", h.GetSettlement)
	router.POST("/api/v1/settlements", h.InitiateSettlement)
	return router
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) entities.ErrorResponse {
	t.Helper()
	var resp entities.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestPaymentWebhook_StatusMapping(t *testing.T) {
	body := `{"event":"charge.success","data":{"reference":"ref_1"}}`

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"processed", nil, http.StatusOK, ""},
		{"bad signature", domainerrors.ErrInvalidSignature, http.StatusUnauthorized, ErrCodeInvalidSignature},
		{"missing metadata", fmt.Errorf("%w: wallet_address", domainerrors.ErrMissingMetadata), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"metadata mismatch", domainerrors.ErrMetadataMismatch, http.StatusBadRequest, "METADATA_MISMATCH"},
		{"bare invalid input", fmt.Errorf("decode: %w", domainerrors.ErrInvalidInput), http.StatusBadRequest, ErrCodeValidationError},
		{"ledger down", errors.New("connection refused"), http.StatusInternalServerError, ErrCodeWebhookFailed},
		{"circuit open", domainerrors.ErrCircuitOpen, http.StatusInternalServerError, ErrCodeWebhookFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mockSettlementService)
			svc.On("HandleWebhook", body, "sig").Return(tt.err)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", strings.NewReader(body))
			req.Header.Set(HeaderPaymentSignature, "sig")
			w := httptest.NewRecorder()
			setupRouter(svc).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, decodeError(t, w).Code)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestPaymentWebhook_PassesRawBytes(t *testing.T) {
	// Whitespace and key order must reach the verifier untouched.
	body := "{ \"event\" : \"charge.success\",\n  \"data\":{} }"
	svc := new(mockSettlementService)
	svc.On("HandleWebhook", body, "").Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", strings.NewReader(body))
	w := httptest.NewRecorder()
	setupRouter(svc).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestGetSettlement(t *testing.T) {
	hash := "0xabc"
	view := &entities.SettlementView{
		ID:               uuid.New(),
		Reference:        "ref_1",
		Status:           entities.TransactionStatusCompleted,
		BlockchainTxHash: &hash,
	}

	t.Run("found", func(t *testing.T) {
		svc := new(mockSettlementService)
		svc.On("GetTransactionStatus", "ref_1").Return(view, nil)

		w := httptest.NewRecorder()
		setupRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/settlements/ref_1", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var got entities.SettlementView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, entities.TransactionStatusCompleted, got.Status)
		assert.Equal(t, "0xabc", *got.BlockchainTxHash)
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(mockSettlementService)
		svc.On("GetTransactionStatus", "missing").Return(nil, domainerrors.ErrTransactionNotFound)

		w := httptest.NewRecorder()
		setupRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/settlements/missing", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "TRANSACTION_NOT_FOUND", decodeError(t, w).Code)
	})

	t.Run("store error hides detail", func(t *testing.T) {
		svc := new(mockSettlementService)
		svc.On("GetTransactionStatus", "ref_1").Return(nil, errors.New("pq: password authentication failed"))

		w := httptest.NewRecorder()
		setupRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/settlements/ref_1", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "password")
	})
}

func TestInitiateSettlement(t *testing.T) {
	payload := `{
		"user_id": "6f1c2f5e-8d5a-4b6e-9a43-0c1f2b7d9e11",
		"direction": "buy",
		"wallet_address": "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		"crypto_type": "ETH",
		"crypto_amount": "0.5",
		"fiat_amount": "1500.00",
		"fiat_currency": "NGN",
		"payment_reference": "ref_new"
	}`

	t.Run("created", func(t *testing.T) {
		svc := new(mockSettlementService)
		svc.On("InitiateSettlement", mock.MatchedBy(func(req *entities.InitiateSettlementRequest) bool {
			return req.PaymentReference == "ref_new" && req.CryptoAmount.Equal(decimal.RequireFromString("0.5"))
		})).Return(&entities.Transaction{
			ID:               uuid.New(),
			PaymentReference: "ref_new",
			Direction:        entities.DirectionBuy,
			Status:           entities.TransactionStatusPending,
			CryptoAmount:     decimal.RequireFromString("0.5"),
			FiatAmount:       decimal.RequireFromString("1500"),
		}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		setupRouter(svc).ServeHTTP(w, req)

		require.Equal(t, http.StatusCreated, w.Code)
		var got entities.SettlementView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "ref_new", got.Reference)
		assert.Equal(t, entities.TransactionStatusPending, got.Status)
		assert.Equal(t, "1500.00", got.FiatAmount)
	})

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"validation", domainerrors.ValidationError("crypto_type", "unsupported crypto type"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"duplicate reference", domainerrors.ErrDuplicateReference, http.StatusConflict, "DUPLICATE_REFERENCE"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mockSettlementService)
			svc.On("InitiateSettlement", mock.Anything).Return(nil, tt.err)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", strings.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			setupRouter(svc).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, w).Code)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		svc := new(mockSettlementService)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", strings.NewReader(`{"user_id":`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		setupRouter(svc).ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "InitiateSettlement", mock.Anything)
	})
}
