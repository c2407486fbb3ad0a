package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rail-service/settlement_service/internal/domain/entities"
)

// StuckTransactionFilter selects non-terminal transactions for recovery.
type StuckTransactionFilter struct {
	Statuses      []entities.TransactionStatus
	UpdatedBefore time.Time
	Limit         int
}

// TransactionRepository is the settlement ledger.
type TransactionRepository interface {
	Create(ctx context.Context, tx *entities.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Transaction, error)
	GetByReference(ctx context.Context, reference string) (*entities.Transaction, error)
	GetByPayoutReference(ctx context.Context, reference string) (*entities.Transaction, error)
	// UpdateStatus atomically moves the transaction to `to` only if its stored
	// status is one of fromExpected, writing fields in the same statement.
	// A lost race returns an *errors.IllegalTransitionError.
	UpdateStatus(ctx context.Context, id uuid.UUID, fromExpected []entities.TransactionStatus,
		to entities.TransactionStatus, fields entities.TransitionFields) (*entities.Transaction, error)
	ListStuck(ctx context.Context, filter StuckTransactionFilter) ([]*entities.Transaction, error)
}
