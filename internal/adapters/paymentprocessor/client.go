// Package paymentprocessor talks to the fiat payment processor: verifying
// charges and paying fiat out for sells.
package paymentprocessor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/circuitbreaker"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/retry"
	"github.com/rail-service/settlement_service/pkg/security"
	"github.com/shopspring/decimal"
)

const breakerNetwork = "processor"

// Config represents payment processor API configuration
type Config struct {
	SecretKey  string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// Client represents a payment processor API client
type Client struct {
	config   Config
	http     *resty.Client
	breakers *circuitbreaker.Registry
	retrier  *retry.Retrier
	logger   *logger.Logger
}

// NewClient creates a new payment processor client
func NewClient(config Config, breakers *circuitbreaker.Registry, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.paystack.co"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = config.MaxRetries

	return &Client{
		config: config,
		http: resty.New().
			SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
			SetTimeout(config.Timeout).
			SetAuthToken(config.SecretKey).
			SetHeader("Content-Type", "application/json"),
		breakers: breakers,
		retrier:  retry.NewRetrier(policy, log.Zap()),
		logger:   log,
	}
}

// envelope is the processor's standard response wrapper.
type envelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type verifyData struct {
	Reference string     `json:"reference"`
	Status    string     `json:"status"`
	Amount    int64      `json:"amount"`
	Currency  string     `json:"currency"`
	PaidAt    *time.Time `json:"paid_at"`
}

type transferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

type transferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
}

// APIError is a non-2xx answer from the processor.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment processor returned %d: %s", e.StatusCode, e.Message)
}

// IsRetryable treats throttling and server errors as transient.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NotDependencyFailure keeps client errors from tripping the breaker.
func (e *APIError) NotDependencyFailure() bool {
	return e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// VerifyPayment asks the processor for the authoritative status of a charge.
// An unknown reference is reported as pending so callers leave it alone.
func (c *Client) VerifyPayment(ctx context.Context, reference string) (*entities.PaymentVerification, error) {
	var out envelope[verifyData]
	err := c.get(ctx, "verify", "/transaction/verify/{reference}", reference, &out)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		c.logger.Debug("Payment reference unknown to processor", "reference", reference)
		return &entities.PaymentVerification{Reference: reference, Status: entities.PaymentStatusPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify payment failed: %w", err)
	}

	return &entities.PaymentVerification{
		Reference: out.Data.Reference,
		Status:    normalizeStatus(out.Data.Status),
		Amount:    decimal.New(out.Data.Amount, -2),
		Currency:  out.Data.Currency,
		PaidAt:    out.Data.PaidAt,
	}, nil
}

// InitiatePayout pays fiat out to the user. The payout reference makes the
// call idempotent on the processor side, so it is sent exactly once here and
// never retried blindly.
func (c *Client) InitiatePayout(ctx context.Context, req *entities.PayoutRequest) (*entities.PayoutResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: payout amount %s", domainerrors.ErrInvalidAmount, req.Amount)
	}
	body := transferRequest{
		Source:   "balance",
		Amount:   req.Amount.Shift(2).Round(0).IntPart(),
		Currency: req.Currency,
		// recipients are registered with the processor under the user id
		Recipient: req.UserID.String(),
		Reference: req.Reference,
		Reason:    req.Description,
	}

	c.logger.Info("Initiating payout", "reference", req.Reference, "amount", req.Amount.String(), "currency", req.Currency)

	var out envelope[transferData]
	err := c.breakers.Get(breakerNetwork, "payout").Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, c.http.R().SetBody(body).SetResult(&out), http.MethodPost, "/transfer")
	})
	if err != nil {
		c.logger.Error("Payout failed", "reference", req.Reference, "error", err)
		return nil, fmt.Errorf("initiate payout failed: %w", err)
	}

	ref := out.Data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return &entities.PayoutResult{Reference: ref, Status: normalizeStatus(out.Data.Status)}, nil
}

// VerifyTransfer reports the status of a payout.
func (c *Client) VerifyTransfer(ctx context.Context, reference string) (*entities.PayoutResult, error) {
	var out envelope[transferData]
	if err := c.get(ctx, "transfer_verify", "/transfer/verify/{reference}", reference, &out); err != nil {
		return nil, fmt.Errorf("verify transfer failed: %w", err)
	}
	return &entities.PayoutResult{Reference: reference, Status: normalizeStatus(out.Data.Status)}, nil
}

// get runs an idempotent read through the retrier and the breaker. The
// reference is escaped into the path as a single segment.
func (c *Client) get(ctx context.Context, operation, path, reference string, result interface{}) error {
	breaker := c.breakers.Get(breakerNetwork, operation)
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			req := c.http.R().SetPathParam("reference", reference).SetResult(result)
			return c.do(ctx, req, http.MethodGet, path)
		})
	})
}

func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) error {
	resp, err := req.SetContext(ctx).ForceContentType("application/json").Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		msg := security.MaskString(strings.TrimSpace(resp.String()))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}

func normalizeStatus(s string) entities.PaymentStatus {
	switch strings.ToLower(s) {
	case "success", "successful":
		return entities.PaymentStatusSuccess
	case "failed":
		return entities.PaymentStatusFailed
	case "abandoned":
		return entities.PaymentStatusAbandoned
	case "reversed":
		return entities.PaymentStatusReversed
	default:
		// ongoing, queued, processing, otp and friends
		return entities.PaymentStatusPending
	}
}
