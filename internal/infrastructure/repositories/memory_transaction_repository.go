package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/domain/repositories"
)

// MemoryTransactionRepository keeps settlements in process memory. It backs
// local runs without Postgres and the service tests; UpdateStatus holds the
// lock across compare and write so it is as atomic as the SQL version.
type MemoryTransactionRepository struct {
	mu          sync.Mutex
	byID        map[uuid.UUID]*entities.Transaction
	byReference map[string]uuid.UUID
	bySource    map[string]uuid.UUID
	now         func() time.Time
}

func NewMemoryTransactionRepository() *MemoryTransactionRepository {
	return &MemoryTransactionRepository{
		byID:        make(map[uuid.UUID]*entities.Transaction),
		byReference: make(map[string]uuid.UUID),
		bySource:    make(map[string]uuid.UUID),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var _ repositories.TransactionRepository = (*MemoryTransactionRepository)(nil)

func (r *MemoryTransactionRepository) Create(_ context.Context, tx *entities.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byReference[tx.PaymentReference]; exists {
		return domainerrors.ErrDuplicateReference
	}
	if tx.SourceTxHash != nil {
		if _, exists := r.bySource[*tx.SourceTxHash]; exists {
			return domainerrors.ErrDuplicateDeposit
		}
		r.bySource[*tx.SourceTxHash] = tx.ID
	}
	stored := cloneTransaction(tx)
	r.byID[tx.ID] = stored
	r.byReference[tx.PaymentReference] = tx.ID
	return nil
}

func (r *MemoryTransactionRepository) GetByID(_ context.Context, id uuid.UUID) (*entities.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.byID[id]
	if !ok {
		return nil, domainerrors.ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (r *MemoryTransactionRepository) GetByReference(_ context.Context, reference string) (*entities.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byReference[reference]
	if !ok {
		return nil, domainerrors.ErrTransactionNotFound
	}
	return cloneTransaction(r.byID[id]), nil
}

func (r *MemoryTransactionRepository) GetByPayoutReference(_ context.Context, reference string) (*entities.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tx := range r.byID {
		if tx.PayoutReference != nil && *tx.PayoutReference == reference {
			return cloneTransaction(tx), nil
		}
	}
	return nil, domainerrors.ErrTransactionNotFound
}

func (r *MemoryTransactionRepository) UpdateStatus(
	_ context.Context,
	id uuid.UUID,
	fromExpected []entities.TransactionStatus,
	to entities.TransactionStatus,
	fields entities.TransitionFields,
) (*entities.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.byID[id]
	if !ok {
		return nil, domainerrors.ErrTransactionNotFound
	}

	matched := false
	for _, s := range fromExpected {
		if tx.Status == s {
			matched = true
			break
		}
	}
	if matched && fields.ExpectedAttempts != nil && tx.SubmissionAttempts != *fields.ExpectedAttempts {
		matched = false
	}
	if !matched {
		expected := make([]string, len(fromExpected))
		for i, s := range fromExpected {
			expected[i] = string(s)
		}
		return nil, &domainerrors.IllegalTransitionError{
			TransactionID: id.String(),
			Current:       string(tx.Status),
			Expected:      expected,
			Target:        string(to),
		}
	}

	tx.Status = to
	tx.UpdatedAt = r.now()
	if fields.BlockchainTxHash != nil {
		tx.BlockchainTxHash = copyString(fields.BlockchainTxHash)
	} else if to == entities.TransactionStatusFailed {
		tx.BlockchainTxHash = nil
	}
	if fields.PayoutReference != nil {
		tx.PayoutReference = copyString(fields.PayoutReference)
	}
	if fields.FailureReason != nil {
		tx.FailureReason = copyString(fields.FailureReason)
	}
	if fields.ExpectedAttempts != nil {
		tx.SubmissionAttempts++
	}
	return cloneTransaction(tx), nil
}

func (r *MemoryTransactionRepository) ListStuck(_ context.Context, filter repositories.StuckTransactionFilter) ([]*entities.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[entities.TransactionStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		wanted[s] = true
	}

	var out []*entities.Transaction
	for _, tx := range r.byID {
		if wanted[tx.Status] && tx.UpdatedAt.Before(filter.UpdatedBefore) {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneTransaction(tx *entities.Transaction) *entities.Transaction {
	c := *tx
	c.BlockchainTxHash = copyString(tx.BlockchainTxHash)
	c.SourceTxHash = copyString(tx.SourceTxHash)
	c.PayoutReference = copyString(tx.PayoutReference)
	c.FailureReason = copyString(tx.FailureReason)
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
