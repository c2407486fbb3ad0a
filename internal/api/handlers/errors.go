package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
)

// Error codes as constants for consistent error responses across handlers
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	ErrCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrCodeWebhookFailed    = "WEBHOOK_PROCESSING_ERROR"
)

// Error messages as constants for consistency
const (
	MsgInvalidRequest     = "Invalid request payload"
	MsgInternalError      = "Internal server error"
	MsgServiceUnavailable = "Service temporarily unavailable"
)

// ErrorResponseBuilder provides a fluent interface for building error responses
type ErrorResponseBuilder struct {
	status  int
	code    string
	message string
	details map[string]interface{}
}

// NewError creates a new ErrorResponseBuilder
func NewError(status int, code string) *ErrorResponseBuilder {
	return &ErrorResponseBuilder{
		status: status,
		code:   code,
	}
}

// Message sets the error message
func (e *ErrorResponseBuilder) Message(msg string) *ErrorResponseBuilder {
	e.message = msg
	return e
}

// Details sets all details at once
func (e *ErrorResponseBuilder) Details(details map[string]interface{}) *ErrorResponseBuilder {
	e.details = details
	return e
}

// Send sends the error response
func (e *ErrorResponseBuilder) Send(c *gin.Context) {
	c.JSON(e.status, entities.ErrorResponse{
		Code:      e.code,
		Message:   e.message,
		Details:   e.details,
		RequestID: c.GetString("request_id"),
	})
}

// SendBadRequest sends a 400 Bad Request error
func SendBadRequest(c *gin.Context, code, message string) {
	NewError(http.StatusBadRequest, code).Message(message).Send(c)
}

// SendUnauthorized sends a 401 Unauthorized error
func SendUnauthorized(c *gin.Context, code, message string) {
	NewError(http.StatusUnauthorized, code).Message(message).Send(c)
}

// SendNotFound sends a 404 Not Found error
func SendNotFound(c *gin.Context, code, message string) {
	NewError(http.StatusNotFound, code).Message(message).Send(c)
}

// SendInternalError sends a 500 Internal Server Error
func SendInternalError(c *gin.Context, code, message string) {
	NewError(http.StatusInternalServerError, code).Message(message).Send(c)
}

// SendSuccess sends a 200 OK response with data
func SendSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// SendCreated sends a 201 Created response with data
func SendCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// SendDomainError maps a domain error onto a status code. Unknown errors
// become a 500 carrying fallbackCode and no internal detail.
func SendDomainError(c *gin.Context, err error, fallbackCode string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domainerrors.ErrUnauthorized):
		status = http.StatusUnauthorized
	case domainerrors.IsInvalidInput(err):
		status = http.StatusBadRequest
	case domainerrors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, domainerrors.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domainerrors.ErrCircuitOpen), errors.Is(err, domainerrors.ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		NewError(status, fallbackCode).Message(MsgInternalError).Send(c)
		return
	}
	if status == http.StatusServiceUnavailable {
		NewError(status, ErrCodeServiceUnavailable).Message(MsgServiceUnavailable).Send(c)
		return
	}

	var domainErr *domainerrors.DomainError
	if !errors.As(err, &domainErr) {
		NewError(status, statusCodes[status]).Message(err.Error()).Send(c)
		return
	}
	NewError(status, domainErr.Code).Message(err.Error()).Details(domainErr.Details).Send(c)
}

var statusCodes = map[int]string{
	http.StatusBadRequest:   ErrCodeInvalidRequest,
	http.StatusUnauthorized: ErrCodeUnauthorized,
	http.StatusNotFound:     ErrCodeNotFound,
	http.StatusConflict:     ErrCodeConflict,
}
