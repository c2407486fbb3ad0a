package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/metrics"
	"github.com/rail-service/settlement_service/pkg/tracing"
	"github.com/rail-service/settlement_service/pkg/webhook"
	"go.opentelemetry.io/otel/attribute"
)

// Webhook outcomes as counted in settlement_webhook_events_total.
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)

// HandleWebhook authenticates a processor notification and applies it.
//
// A nil return means "acknowledge": that includes duplicates, unknown
// references and events the pipeline does not act on. Errors wrapping
// ErrUnauthorized or ErrInvalidInput are caller problems; anything else is
// an internal failure the processor should retry.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) error {
	if !webhook.VerifySignature(rawBody, signature, s.cfg.WebhookSecret) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", outcomeRejected).Inc()
		s.logger.Warn("Webhook signature rejected", "body_size", len(rawBody))
		return domainerrors.ErrInvalidSignature
	}

	var n entities.PaymentNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", outcomeRejected).Inc()
		return domainerrors.ValidationError("body", "notification is not valid JSON")
	}

	ctx, span := tracing.StartSpan(ctx, "settlement.webhook",
		attribute.String("event", n.Event),
		attribute.String("reference", n.Data.Reference))
	outcome, err := s.dispatch(ctx, &n)
	tracing.EndSpan(span, err)

	if err != nil {
		if domainerrors.IsInvalidInput(err) {
			outcome = outcomeRejected
		} else {
			outcome = outcomeError
		}
	}
	metrics.WebhookEventsTotal.WithLabelValues(eventLabel(n.Event), outcome).Inc()
	return err
}

func (s *Service) dispatch(ctx context.Context, n *entities.PaymentNotification) (string, error) {
	switch {
	case n.Event == entities.EventChargeSuccess && n.Data.Status == entities.PaymentStatusSuccess:
		return s.handleChargeSuccess(ctx, &n.Data)
	case n.Event == entities.EventChargeFailed,
		strings.HasPrefix(n.Event, "charge.") && n.Data.Status.IsFailure():
		return s.handleChargeFailed(ctx, &n.Data)
	case n.Event == entities.EventTransferSuccess:
		return s.handlePayoutOutcome(ctx, n.Data.Reference, true, string(n.Data.Status))
	case n.Event == entities.EventTransferFailed, n.Event == entities.EventTransferReverse:
		return s.handlePayoutOutcome(ctx, n.Data.Reference, false, n.Event)
	}

	s.logger.Debug("Webhook event ignored",
		"event", n.Event,
		"status", string(n.Data.Status),
		"reference", n.Data.Reference)
	return outcomeIgnored, nil
}

func (s *Service) handleChargeSuccess(ctx context.Context, data *entities.PaymentEventData) (string, error) {
	if data.Metadata == nil {
		return "", domainerrors.ErrMissingMetadata
	}
	if err := s.validate.Struct(data.Metadata); err != nil {
		return "", fmt.Errorf("%w: %v", domainerrors.ErrMissingMetadata, err)
	}

	tx, err := s.repo.GetByReference(ctx, data.Reference)
	if err != nil {
		if domainerrors.IsNotFound(err) {
			s.logger.Warn("Payment for unknown reference acknowledged", "reference", data.Reference)
			return outcomeIgnored, nil
		}
		return "", err
	}
	if tx.Direction != entities.DirectionBuy {
		s.logger.Warn("Charge notification for a sell ignored",
			"transaction_id", tx.ID.String(),
			"reference", tx.PaymentReference)
		return outcomeIgnored, nil
	}
	if err := matchMetadata(tx, data.Metadata); err != nil {
		s.logger.Warn("Webhook metadata mismatch",
			"transaction_id", tx.ID.String(),
			"reference", tx.PaymentReference,
			"error", err)
		return "", err
	}

	switch tx.Status {
	case entities.TransactionStatusPending:
		return s.processPaymentSuccess(ctx, tx)
	case entities.TransactionStatusFailed:
		s.alert(ctx, "Payment received for failed settlement", tx,
			"The processor reported a successful charge for a settlement already marked failed. Refund or re-settle manually.")
		return outcomeIgnored, nil
	default:
		// processing, completed and confirmed have already been claimed.
		s.logger.Debug("Duplicate payment notification",
			"transaction_id", tx.ID.String(),
			"status", string(tx.Status))
		return outcomeDuplicate, nil
	}
}

func (s *Service) handleChargeFailed(ctx context.Context, data *entities.PaymentEventData) (string, error) {
	tx, err := s.repo.GetByReference(ctx, data.Reference)
	if err != nil {
		if domainerrors.IsNotFound(err) {
			return outcomeIgnored, nil
		}
		return "", err
	}
	if tx.Status.IsTerminal() {
		return outcomeDuplicate, nil
	}

	prior := tx.Status
	reason := fmt.Sprintf("payment %s", statusOrDefault(data.Status, entities.PaymentStatusFailed))
	if _, err := s.fail(ctx, tx, entities.NonTerminalStatuses, reason); err != nil {
		return "", err
	}
	if prior != entities.TransactionStatusPending {
		s.alert(ctx, "Payment failed after release started", tx,
			fmt.Sprintf("The processor reported %s while the settlement was %s. Check whether crypto left custody.", reason, prior))
	}
	return outcomeProcessed, nil
}

// handlePayoutOutcome applies a payout notification to the sell it belongs to.
func (s *Service) handlePayoutOutcome(ctx context.Context, payoutRef string, success bool, detail string) (string, error) {
	tx, err := s.repo.GetByPayoutReference(ctx, payoutRef)
	if err != nil {
		if domainerrors.IsNotFound(err) {
			return outcomeIgnored, nil
		}
		return "", err
	}
	if tx.Status != entities.TransactionStatusCompleted {
		return outcomeDuplicate, nil
	}

	if success {
		_, err := s.machine.Transition(ctx, tx.ID,
			[]entities.TransactionStatus{entities.TransactionStatusCompleted},
			entities.TransactionStatusConfirmed, entities.TransitionFields{})
		if domainerrors.IsIllegalTransition(err) {
			return outcomeDuplicate, nil
		}
		if err != nil {
			return "", err
		}
		return outcomeProcessed, nil
	}

	action, err := s.fail(ctx, tx, []entities.TransactionStatus{entities.TransactionStatusCompleted}, "payout "+detail)
	if err != nil {
		return "", err
	}
	if action == ActionFailed {
		s.alert(ctx, "Payout failed", tx,
			fmt.Sprintf("Payout %s reported %s after the deposit was received.", payoutRef, detail))
	}
	return outcomeProcessed, nil
}

// matchMetadata checks the charge metadata against the ledger record the
// settlement was opened with.
func matchMetadata(tx *entities.Transaction, meta *entities.SettlementMetadata) error {
	cryptoType, ok := entities.ParseCryptoType(meta.CryptoType)
	if !ok || cryptoType != tx.CryptoType {
		return fmt.Errorf("%w: crypto_type %q", domainerrors.ErrMetadataMismatch, meta.CryptoType)
	}
	if !sameAddress(meta.WalletAddress, tx.WalletAddress) {
		return fmt.Errorf("%w: wallet_address", domainerrors.ErrMetadataMismatch)
	}
	if !meta.CryptoAmount.Equal(tx.CryptoAmount) {
		return fmt.Errorf("%w: crypto_amount %s", domainerrors.ErrMetadataMismatch, meta.CryptoAmount)
	}
	return nil
}

// sameAddress compares hex addresses case-insensitively (EIP-55 checksums
// only change case) and everything else exactly.
func sameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func statusOrDefault(s, def entities.PaymentStatus) entities.PaymentStatus {
	if s == "" {
		return def
	}
	return s
}

// eventLabel keeps the metric's label set bounded.
func eventLabel(event string) string {
	switch event {
	case entities.EventChargeSuccess, entities.EventChargeFailed,
		entities.EventTransferSuccess, entities.EventTransferFailed, entities.EventTransferReverse:
		return event
	}
	return "other"
}
