package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/logger"
)

// HeaderPaymentSignature carries the processor's HMAC-SHA256 of the raw body.
const HeaderPaymentSignature = "X-Payment-Signature"

// SettlementService is the controller surface the handlers need.
type SettlementService interface {
	HandleWebhook(ctx context.Context, rawBody []byte, signature string) error
	InitiateSettlement(ctx context.Context, req *entities.InitiateSettlementRequest) (*entities.Transaction, error)
	GetTransactionStatus(ctx context.Context, reference string) (*entities.SettlementView, error)
}

// SettlementHandlers serves the webhook and the internal settlement API.
type SettlementHandlers struct {
	service SettlementService
	logger  *logger.Logger
}

// NewSettlementHandlers creates a new SettlementHandlers instance
func NewSettlementHandlers(service SettlementService, logger *logger.Logger) *SettlementHandlers {
	return &SettlementHandlers{service: service, logger: logger}
}

// PaymentWebhook handles POST /api/v1/webhooks/payments
// @Summary Payment processor webhook
// @Description Verifies the signature over the raw body and advances the settlement
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Payment-Signature header string true "HMAC-SHA256 of the body, hex"
// @Success 200 {object} map[string]string
// @Failure 400 {object} entities.ErrorResponse
// @Failure 401 {object} entities.ErrorResponse
// @Failure 500 {object} entities.ErrorResponse
// @Router /api/v1/webhooks/payments [post]
func (h *SettlementHandlers) PaymentWebhook(c *gin.Context) {
	// The signature covers the exact bytes received, so the body must not be
	// decoded and re-encoded before verification.
	rawBody, err := c.GetRawData()
	if err != nil {
		SendBadRequest(c, ErrCodeInvalidRequest, "Failed to read request body")
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), rawBody, c.GetHeader(HeaderPaymentSignature))
	switch {
	case err == nil:
		SendSuccess(c, gin.H{"status": "ok"})
	case errors.Is(err, domainerrors.ErrUnauthorized):
		h.logger.Warn("Webhook signature verification failed",
			"request_id", c.GetString("request_id"),
			"client_ip", c.ClientIP())
		SendUnauthorized(c, ErrCodeInvalidSignature, "Webhook signature verification failed")
	case domainerrors.IsInvalidInput(err):
		code := domainerrors.GetErrorCode(err)
		if code == "UNKNOWN_ERROR" {
			code = ErrCodeValidationError
		}
		SendBadRequest(c, code, err.Error())
	default:
		// A 5xx asks the processor to redeliver; the settlement is safe to
		// re-drive because every step is gated.
		h.logger.Error("Failed to process payment webhook",
			"request_id", c.GetString("request_id"),
			"error", err)
		SendInternalError(c, ErrCodeWebhookFailed, "Failed to process webhook")
	}
}

// GetSettlement handles GET /api/v1/settlements/:reference
// @Summary Settlement status
// @Tags settlements
// @Produce json
// @Param reference path string true "Payment reference"
// @Success 200 {object} entities.SettlementView
// @Failure 404 {object} entities.ErrorResponse
// @Router /api/v1/settlements/{reference} [get]
func (h *SettlementHandlers) GetSettlement(c *gin.Context) {
	reference := strings.TrimSpace(c.Param("reference"))
	if reference == "" {
		SendBadRequest(c, ErrCodeInvalidRequest, "reference is required")
		return
	}

	view, err := h.service.GetTransactionStatus(c.Request.Context(), reference)
	if err != nil {
		if !domainerrors.IsNotFound(err) {
			h.logger.Error("Failed to load settlement", "reference", reference, "error", err)
		}
		SendDomainError(c, err, ErrCodeInternalError)
		return
	}
	SendSuccess(c, view)
}

// InitiateSettlement handles POST /api/v1/settlements
// @Summary Open a settlement
// @Description Records a pending settlement before the user pays
// @Tags settlements
// @Accept json
// @Produce json
// @Param request body entities.InitiateSettlementRequest true "Settlement"
// @Success 201 {object} entities.SettlementView
// @Failure 400 {object} entities.ErrorResponse
// @Failure 409 {object} entities.ErrorResponse
// @Router /api/v1/settlements [post]
func (h *SettlementHandlers) InitiateSettlement(c *gin.Context) {
	var req entities.InitiateSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		NewError(http.StatusBadRequest, ErrCodeInvalidRequest).
			Message(MsgInvalidRequest).
			Details(map[string]interface{}{"error": err.Error()}).
			Send(c)
		return
	}

	tx, err := h.service.InitiateSettlement(c.Request.Context(), &req)
	if err != nil {
		if !domainerrors.IsInvalidInput(err) && !errors.Is(err, domainerrors.ErrConflict) {
			h.logger.Error("Failed to initiate settlement",
				"reference", req.PaymentReference,
				"error", err)
		}
		SendDomainError(c, err, ErrCodeInternalError)
		return
	}

	SendCreated(c, tx.View())
}
