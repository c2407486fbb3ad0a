package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/tracing"
	"go.openly.dev/pointy"
	"go.opentelemetry.io/otel/attribute"
)

// ProcessPaymentSuccess releases crypto for a paid buy. It is the one path
// into delivery for both the webhook and recovery: the pending -> processing
// transition decides which of them acts, and the loser returns nil.
func (s *Service) ProcessPaymentSuccess(ctx context.Context, tx *entities.Transaction) error {
	_, err := s.processPaymentSuccess(ctx, tx)
	return err
}

func (s *Service) processPaymentSuccess(ctx context.Context, tx *entities.Transaction) (string, error) {
	action, err := s.claimAndDeliver(ctx, tx)
	if err != nil {
		return "", err
	}
	if action == ActionLostRace {
		return outcomeDuplicate, nil
	}
	return outcomeProcessed, nil
}

func (s *Service) claimAndDeliver(ctx context.Context, tx *entities.Transaction) (string, error) {
	claimed, err := s.machine.Transition(ctx, tx.ID,
		[]entities.TransactionStatus{entities.TransactionStatusPending},
		entities.TransactionStatusProcessing, entities.TransitionFields{})
	if domainerrors.IsIllegalTransition(err) {
		return ActionLostRace, nil
	}
	if err != nil {
		return ActionDeferred, err
	}

	// The row is ours now. Finish even if the caller goes away; a half-done
	// delivery is only picked up again after the grace window.
	return s.deliver(context.WithoutCancel(ctx), claimed, false)
}

// deliver submits the on-chain transfer for a buy the caller has claimed.
// final marks the recovery path, which may fail the transaction for
// rejections the webhook path leaves in processing.
func (s *Service) deliver(ctx context.Context, tx *entities.Transaction, final bool) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "settlement.deliver",
		attribute.String("reference", tx.PaymentReference),
		attribute.String("crypto_type", string(tx.CryptoType)),
		attribute.Int("attempt", tx.SubmissionAttempts))

	hash, err := s.executor.Transfer(ctx, tx.WalletAddress, tx.CryptoAmount, tx.CryptoType)
	if err != nil {
		tracing.EndSpan(span, err)
		return s.transferFailed(ctx, tx, err, final)
	}

	err = s.recordCompletion(ctx, tx, hash, nil)
	tracing.EndSpan(span, err)
	if err != nil {
		return ActionDeferred, err
	}
	return ActionDelivered, nil
}

func (s *Service) transferFailed(ctx context.Context, tx *entities.Transaction, err error, final bool) (string, error) {
	processing := []entities.TransactionStatus{entities.TransactionStatusProcessing}

	if errors.Is(err, domainerrors.ErrInsufficientFunds) {
		action, ferr := s.fail(ctx, tx, processing, "insufficient custodial balance")
		if ferr != nil {
			return ActionDeferred, ferr
		}
		if action == ActionFailed {
			s.alert(ctx, "Custodial balance too low", tx, err.Error())
		}
		return action, nil
	}

	if final && isPermanentRejection(err) {
		return s.fail(ctx, tx, processing, "transfer rejected: "+err.Error())
	}

	s.logger.Warn("Transfer not submitted, left for recovery",
		"transaction_id", tx.ID.String(),
		"reference", tx.PaymentReference,
		"attempts", tx.SubmissionAttempts,
		"error", err)
	return ActionDeferred, nil
}

func isPermanentRejection(err error) bool {
	return errors.Is(err, domainerrors.ErrInvalidAddress) ||
		errors.Is(err, domainerrors.ErrInvalidAmount) ||
		errors.Is(err, domainerrors.ErrUnsupportedCrypto)
}

// recordCompletion writes processing -> completed with the submitted hash.
// Funds have already moved, so the write is retried and an unrecoverable
// failure pages operators: without the hash recovery would send again.
func (s *Service) recordCompletion(ctx context.Context, tx *entities.Transaction, hash string, payoutRef *string) error {
	ctx = context.WithoutCancel(ctx)
	fields := entities.TransitionFields{
		BlockchainTxHash: pointy.String(hash),
		PayoutReference:  payoutRef,
	}

	err := s.recorder.Do(ctx, func(ctx context.Context) error {
		_, err := s.machine.Transition(ctx, tx.ID,
			[]entities.TransactionStatus{entities.TransactionStatusProcessing},
			entities.TransactionStatusCompleted, fields)
		return err
	})
	if err != nil && domainerrors.IsIllegalTransition(err) {
		// An earlier attempt may have committed before its reply was lost.
		if current, gerr := s.repo.GetByID(ctx, tx.ID); gerr == nil &&
			current.BlockchainTxHash != nil && *current.BlockchainTxHash == hash {
			return nil
		}
	}
	if err != nil {
		s.logger.Error("Submitted transfer could not be recorded",
			"transaction_id", tx.ID.String(),
			"reference", tx.PaymentReference,
			"tx_hash", hash,
			"error", err)
		s.alert(ctx, "Settlement submitted but not recorded", tx,
			fmt.Sprintf("Hash %s was submitted but the ledger write failed: %v\nRecord it before the next recovery sweep.", hash, err))
		return err
	}

	s.logger.Info("Settlement submitted",
		"transaction_id", tx.ID.String(),
		"reference", tx.PaymentReference,
		"tx_hash", hash)
	return nil
}

// fail moves tx to failed from any of from. Losing the race is not an error.
func (s *Service) fail(ctx context.Context, tx *entities.Transaction, from []entities.TransactionStatus, reason string) (string, error) {
	_, err := s.machine.Transition(ctx, tx.ID, from, entities.TransactionStatusFailed,
		entities.TransitionFields{FailureReason: pointy.String(reason)})
	if domainerrors.IsIllegalTransition(err) {
		return ActionLostRace, nil
	}
	if err != nil {
		return ActionDeferred, err
	}
	s.logger.Warn("Settlement failed",
		"transaction_id", tx.ID.String(),
		"reference", tx.PaymentReference,
		"reason", reason)
	return ActionFailed, nil
}

// payoutReference is deterministic so a repeated initiation after a crash is
// deduplicated by the processor.
func payoutReference(tx *entities.Transaction) string {
	return "PO-" + tx.ID.String()
}

// payout sends fiat for a sell whose deposit is confirmed and which the
// caller has claimed (processing).
func (s *Service) payout(ctx context.Context, tx *entities.Transaction) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "settlement.payout",
		attribute.String("reference", tx.PaymentReference))

	req := &entities.PayoutRequest{
		Reference:   payoutReference(tx),
		UserID:      tx.UserID,
		Amount:      tx.FiatAmount,
		Currency:    tx.FiatCurrency,
		Description: fmt.Sprintf("Sale of %s %s", tx.CryptoAmount, tx.CryptoType),
	}
	res, err := s.processor.InitiatePayout(ctx, req)
	tracing.EndSpan(span, err)
	if err != nil {
		if domainerrors.IsInvalidInput(err) {
			action, ferr := s.fail(ctx, tx, []entities.TransactionStatus{entities.TransactionStatusProcessing},
				"payout rejected: "+err.Error())
			if action == ActionFailed {
				s.alert(ctx, "Payout rejected", tx, err.Error())
			}
			return action, ferr
		}
		s.logger.Warn("Payout not initiated, left for recovery",
			"transaction_id", tx.ID.String(),
			"reference", tx.PaymentReference,
			"error", err)
		return ActionDeferred, nil
	}

	if res.Status.IsFailure() {
		action, ferr := s.fail(ctx, tx, []entities.TransactionStatus{entities.TransactionStatusProcessing},
			"payout "+string(res.Status))
		if action == ActionFailed {
			s.alert(ctx, "Payout failed", tx, fmt.Sprintf("Processor returned %s for payout %s.", res.Status, res.Reference))
		}
		return action, ferr
	}

	if err := s.recordCompletion(ctx, tx, *tx.SourceTxHash, pointy.String(res.Reference)); err != nil {
		return ActionDeferred, err
	}
	return ActionDelivered, nil
}
