package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/domain/repositories"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

// StateMachine owns the status of settlement transactions. Every status
// change in the service goes through Transition.
type StateMachine struct {
	repo   repositories.TransactionRepository
	logger *logger.Logger
}

func NewStateMachine(repo repositories.TransactionRepository, log *logger.Logger) *StateMachine {
	return &StateMachine{repo: repo, logger: log}
}

// Transition moves the transaction to `to` if and only if its stored status
// is one of fromExpected. The compare and the write are a single repository
// call, so two drivers racing on the same row cannot both win. The loser gets
// an IllegalTransitionError and must not act further.
func (m *StateMachine) Transition(
	ctx context.Context,
	id uuid.UUID,
	fromExpected []entities.TransactionStatus,
	to entities.TransactionStatus,
	fields entities.TransitionFields,
) (*entities.Transaction, error) {
	if err := checkTransition(fromExpected, to, fields); err != nil {
		return nil, err
	}

	updated, err := m.repo.UpdateStatus(ctx, id, fromExpected, to, fields)
	if err != nil {
		if domainerrors.IsIllegalTransition(err) {
			metrics.SettlementTransitionConflicts.WithLabelValues(string(to)).Inc()
			m.logger.Debug("Transition lost",
				"transaction_id", id.String(),
				"to", string(to),
				"reason", err.Error())
		}
		return nil, err
	}

	from := joinStatuses(fromExpected)
	metrics.RecordTransition(from, string(to), string(updated.Direction))
	m.logger.Info("Settlement transitioned",
		"transaction_id", id.String(),
		"reference", updated.PaymentReference,
		"from", from,
		"to", string(to))
	return updated, nil
}

// checkTransition rejects requests the transition table or the hash rule
// forbid before touching storage.
func checkTransition(fromExpected []entities.TransactionStatus, to entities.TransactionStatus, fields entities.TransitionFields) error {
	if len(fromExpected) == 0 {
		return fmt.Errorf("%w: no expected status given", domainerrors.ErrInvalidInput)
	}
	for _, from := range fromExpected {
		if err := from.ValidateTransition(to); err != nil {
			return fmt.Errorf("%w: %v", domainerrors.ErrIllegalTransition, err)
		}
	}

	hasHash := fields.BlockchainTxHash != nil && *fields.BlockchainTxHash != ""
	switch {
	case to == entities.TransactionStatusCompleted && !hasHash:
		return fmt.Errorf("%w: completed requires a blockchain hash", domainerrors.ErrInvalidInput)
	case to != entities.TransactionStatusCompleted && fields.BlockchainTxHash != nil:
		return fmt.Errorf("%w: a blockchain hash is only recorded on completion", domainerrors.ErrInvalidInput)
	}
	if fields.ExpectedAttempts != nil && to != entities.TransactionStatusProcessing {
		return fmt.Errorf("%w: attempt claims only apply to processing", domainerrors.ErrInvalidInput)
	}
	return nil
}

func joinStatuses(statuses []entities.TransactionStatus) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, "|")
}
