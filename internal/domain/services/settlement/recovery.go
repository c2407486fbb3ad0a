package settlement

import (
	"context"
	"fmt"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"go.openly.dev/pointy"
)

// Recovery actions, reported per transaction to the sweep.
const (
	ActionSkipped   = "skipped"   // terminal, nothing to do
	ActionWaiting   = "waiting"   // an external party has not moved yet
	ActionDelivered = "delivered" // transfer or payout submitted
	ActionConfirmed = "confirmed"
	ActionFailed    = "failed"
	ActionLostRace  = "lost_race"
	ActionDeferred  = "deferred" // transient failure, next sweep retries
)

// RecoverTransaction re-drives one stuck transaction using the same
// transitions the webhook path uses. It never acts on a failed transaction.
func (s *Service) RecoverTransaction(ctx context.Context, tx *entities.Transaction) (string, error) {
	if tx.Status.IsTerminal() {
		return ActionSkipped, nil
	}

	switch tx.Status {
	case entities.TransactionStatusCompleted:
		return s.confirm(ctx, tx)
	case entities.TransactionStatusPending:
		if tx.Direction == entities.DirectionSell {
			return s.recoverPendingSell(ctx, tx)
		}
		return s.recoverPendingBuy(ctx, tx)
	case entities.TransactionStatusProcessing:
		if tx.Direction == entities.DirectionSell {
			return s.recoverProcessingSell(ctx, tx)
		}
		return s.recoverProcessingBuy(ctx, tx)
	}
	return ActionSkipped, nil
}

// ConfirmSettlement advances a completed transaction once its outcome is
// final: chain depth for buys, payout status for sells.
func (s *Service) ConfirmSettlement(ctx context.Context, tx *entities.Transaction) error {
	_, err := s.confirm(ctx, tx)
	return err
}

func (s *Service) confirm(ctx context.Context, tx *entities.Transaction) (string, error) {
	if tx.Status != entities.TransactionStatusCompleted {
		return ActionSkipped, nil
	}
	if tx.Direction == entities.DirectionSell {
		return s.confirmPayout(ctx, tx)
	}
	if tx.BlockchainTxHash == nil {
		s.logger.Error("Completed settlement has no hash", "transaction_id", tx.ID.String())
		return ActionSkipped, nil
	}

	hash := *tx.BlockchainTxHash
	status, err := s.verifier.IsConfirmed(ctx, hash, tx.CryptoType)
	if err != nil {
		return ActionDeferred, err
	}

	switch status {
	case entities.ConfirmationConfirmed:
		return s.markConfirmed(ctx, tx)
	case entities.ConfirmationFailed:
		action, err := s.fail(ctx, tx, []entities.TransactionStatus{entities.TransactionStatusCompleted},
			fmt.Sprintf("transaction %s reverted on-chain", hash))
		if action == ActionFailed {
			s.alert(ctx, "Settlement reverted on-chain", tx,
				fmt.Sprintf("Transaction %s was mined but reverted. The user has paid and received nothing.", hash))
		}
		return action, err
	case entities.ConfirmationNotFound:
		// A dropped transaction needs a human: resubmitting could double pay
		// if the original reappears.
		s.logger.Warn("Submitted transaction not known to the node",
			"transaction_id", tx.ID.String(),
			"tx_hash", hash,
			"since", tx.UpdatedAt)
	}
	return ActionWaiting, nil
}

func (s *Service) confirmPayout(ctx context.Context, tx *entities.Transaction) (string, error) {
	if tx.PayoutReference == nil {
		s.logger.Error("Completed sell has no payout reference", "transaction_id", tx.ID.String())
		return ActionSkipped, nil
	}
	res, err := s.processor.VerifyTransfer(ctx, *tx.PayoutReference)
	if err != nil {
		return ActionDeferred, err
	}
	switch {
	case res.Status == entities.PaymentStatusSuccess:
		return s.markConfirmed(ctx, tx)
	case res.Status.IsFailure():
		action, err := s.fail(ctx, tx, []entities.TransactionStatus{entities.TransactionStatusCompleted},
			"payout "+string(res.Status))
		if action == ActionFailed {
			s.alert(ctx, "Payout failed", tx,
				fmt.Sprintf("Payout %s reported %s after the deposit was received.", *tx.PayoutReference, res.Status))
		}
		return action, err
	}
	return ActionWaiting, nil
}

func (s *Service) markConfirmed(ctx context.Context, tx *entities.Transaction) (string, error) {
	_, err := s.machine.Transition(ctx, tx.ID,
		[]entities.TransactionStatus{entities.TransactionStatusCompleted},
		entities.TransactionStatusConfirmed, entities.TransitionFields{})
	if domainerrors.IsIllegalTransition(err) {
		return ActionLostRace, nil
	}
	if err != nil {
		return ActionDeferred, err
	}
	return ActionConfirmed, nil
}

func (s *Service) recoverPendingBuy(ctx context.Context, tx *entities.Transaction) (string, error) {
	v, err := s.processor.VerifyPayment(ctx, tx.PaymentReference)
	if err != nil {
		return ActionDeferred, err
	}
	switch {
	case v.Status.IsFailure():
		return s.fail(ctx, tx, []entities.TransactionStatus{entities.TransactionStatusPending},
			"payment "+string(v.Status))
	case v.Status != entities.PaymentStatusSuccess:
		return ActionWaiting, nil
	}

	return s.claimAndDeliver(ctx, tx)
}

// recoverProcessingBuy handles a buy whose transfer was never recorded: the
// driver crashed or the submission failed. Each retry claims the row by
// bumping submission_attempts, so concurrent sweeps cannot both resubmit.
func (s *Service) recoverProcessingBuy(ctx context.Context, tx *entities.Transaction) (string, error) {
	v, err := s.processor.VerifyPayment(ctx, tx.PaymentReference)
	if err != nil {
		return ActionDeferred, err
	}
	switch {
	case v.Status.IsFailure():
		return s.fail(ctx, tx, []entities.TransactionStatus{entities.TransactionStatusProcessing},
			"payment "+string(v.Status))
	case v.Status != entities.PaymentStatusSuccess:
		return ActionWaiting, nil
	}

	claimed, action, err := s.claimSubmission(ctx, tx)
	if claimed == nil {
		return action, err
	}
	return s.deliver(context.WithoutCancel(ctx), claimed, true)
}

func (s *Service) recoverProcessingSell(ctx context.Context, tx *entities.Transaction) (string, error) {
	claimed, action, err := s.claimSubmission(ctx, tx)
	if claimed == nil {
		return action, err
	}
	return s.payout(context.WithoutCancel(ctx), claimed)
}

// claimSubmission takes the right to resubmit, or fails the transaction once
// the attempt budget is spent. A nil transaction means the caller stops.
func (s *Service) claimSubmission(ctx context.Context, tx *entities.Transaction) (*entities.Transaction, string, error) {
	if tx.SubmissionAttempts >= s.cfg.MaxSubmissionAttempts {
		action, err := s.fail(ctx, tx, []entities.TransactionStatus{entities.TransactionStatusProcessing},
			fmt.Sprintf("gave up after %d submission attempts", tx.SubmissionAttempts))
		if action == ActionFailed {
			s.alert(ctx, "Settlement submission attempts exhausted", tx,
				fmt.Sprintf("Recovery gave up after %d attempts. Check custody and the destination, then settle manually.", tx.SubmissionAttempts))
		}
		return nil, action, err
	}

	claimed, err := s.machine.Transition(ctx, tx.ID,
		[]entities.TransactionStatus{entities.TransactionStatusProcessing},
		entities.TransactionStatusProcessing,
		entities.TransitionFields{ExpectedAttempts: pointy.Int(tx.SubmissionAttempts)})
	if domainerrors.IsIllegalTransition(err) {
		return nil, ActionLostRace, nil
	}
	if err != nil {
		return nil, ActionDeferred, err
	}
	return claimed, "", nil
}

// recoverPendingSell waits for the user's deposit to reach confirmation
// depth and checks that it paid the custodial wallet at least the sell
// amount, then claims the sell and initiates the payout.
func (s *Service) recoverPendingSell(ctx context.Context, tx *entities.Transaction) (string, error) {
	pending := []entities.TransactionStatus{entities.TransactionStatusPending}
	if tx.SourceTxHash == nil {
		return s.fail(ctx, tx, pending, "sell has no deposit hash")
	}

	status, err := s.verifier.IsConfirmed(ctx, *tx.SourceTxHash, tx.CryptoType)
	if err != nil {
		return ActionDeferred, err
	}
	switch status {
	case entities.ConfirmationFailed:
		return s.fail(ctx, tx, pending, fmt.Sprintf("deposit %s reverted on-chain", *tx.SourceTxHash))
	case entities.ConfirmationNotFound:
		if s.now().Sub(tx.CreatedAt) > s.cfg.AbandonAfter {
			return s.fail(ctx, tx, pending, fmt.Sprintf("deposit %s never appeared on-chain", *tx.SourceTxHash))
		}
		return ActionWaiting, nil
	case entities.ConfirmationPending:
		return ActionWaiting, nil
	}

	received, err := s.verifier.Received(ctx, *tx.SourceTxHash, tx.CryptoType)
	if err != nil {
		return ActionDeferred, err
	}
	if received.LessThan(tx.CryptoAmount) {
		reason := fmt.Sprintf("deposit %s credited %s %s to custody, expected %s",
			*tx.SourceTxHash, received, tx.CryptoType, tx.CryptoAmount)
		action, err := s.fail(ctx, tx, pending, reason)
		if action == ActionFailed {
			s.alert(ctx, "Sell deposit does not match", tx,
				fmt.Sprintf("The cited deposit %s does not pay the custodial wallet the agreed amount. No payout was made.", *tx.SourceTxHash))
		}
		return action, err
	}

	claimed, err := s.machine.Transition(ctx, tx.ID, pending,
		entities.TransactionStatusProcessing, entities.TransitionFields{})
	if domainerrors.IsIllegalTransition(err) {
		return ActionLostRace, nil
	}
	if err != nil {
		return ActionDeferred, err
	}
	return s.payout(context.WithoutCancel(ctx), claimed)
}
