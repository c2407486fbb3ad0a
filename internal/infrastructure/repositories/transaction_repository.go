package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/domain/repositories"
)

var transactionColumnList = []string{
	"id", "user_id", "direction", "wallet_address", "crypto_type", "crypto_amount",
	"fiat_amount", "fiat_currency", "payment_reference", "blockchain_tx_hash", "source_tx_hash",
	"payout_reference", "status", "submission_attempts", "failure_reason", "created_at", "updated_at",
}

var transactionColumns = strings.Join(transactionColumnList, ", ")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sourceTxHashIndex keeps one deposit from backing two sells.
const sourceTxHashIndex = "idx_settlement_transactions_source_tx_hash"

// TransactionRepository persists settlements in Postgres.
type TransactionRepository struct {
	db *sqlx.DB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *sqlx.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

var _ repositories.TransactionRepository = (*TransactionRepository)(nil)

func (r *TransactionRepository) Create(ctx context.Context, tx *entities.Transaction) error {
	query := `
		INSERT INTO settlement_transactions (
			id, user_id, direction, wallet_address, crypto_type, crypto_amount,
			fiat_amount, fiat_currency, payment_reference, source_tx_hash, status,
			submission_attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.UserID, tx.Direction, tx.WalletAddress, tx.CryptoType, tx.CryptoAmount,
		tx.FiatAmount, tx.FiatCurrency, tx.PaymentReference, tx.SourceTxHash, tx.Status,
		tx.SubmissionAttempts, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if pqErr.Constraint == sourceTxHashIndex {
				return domainerrors.ErrDuplicateDeposit
			}
			return domainerrors.ErrDuplicateReference
		}
		return fmt.Errorf("failed to create settlement transaction: %w", err)
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Transaction, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*entities.Transaction, error) {
	return r.getOne(ctx, "payment_reference = $1", reference)
}

func (r *TransactionRepository) GetByPayoutReference(ctx context.Context, reference string) (*entities.Transaction, error) {
	return r.getOne(ctx, "payout_reference = $1", reference)
}

func (r *TransactionRepository) getOne(ctx context.Context, where string, arg interface{}) (*entities.Transaction, error) {
	var tx entities.Transaction
	query := `SELECT ` + transactionColumns + ` FROM settlement_transactions WHERE ` + where
	if err := r.db.GetContext(ctx, &tx, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get settlement transaction: %w", err)
	}
	return &tx, nil
}

// UpdateStatus is a single conditional UPDATE; the WHERE clause on status is
// what makes concurrent drivers mutually exclusive.
func (r *TransactionRepository) UpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	fromExpected []entities.TransactionStatus,
	to entities.TransactionStatus,
	fields entities.TransitionFields,
) (*entities.Transaction, error) {
	if len(fromExpected) == 0 {
		return nil, fmt.Errorf("update status: no expected statuses given")
	}

	from := make([]string, len(fromExpected))
	for i, s := range fromExpected {
		from[i] = string(s)
	}

	b := psql.Update("settlement_transactions").
		Set("status", string(to)).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id.String()}).
		Where(sq.Eq{"status": from})

	if fields.BlockchainTxHash != nil {
		b = b.Set("blockchain_tx_hash", *fields.BlockchainTxHash)
	} else if to == entities.TransactionStatusFailed {
		// a failed row never carries a settlement hash
		b = b.Set("blockchain_tx_hash", nil)
	}
	if fields.PayoutReference != nil {
		b = b.Set("payout_reference", *fields.PayoutReference)
	}
	if fields.FailureReason != nil {
		b = b.Set("failure_reason", *fields.FailureReason)
	}
	if fields.ExpectedAttempts != nil {
		b = b.Set("submission_attempts", sq.Expr("submission_attempts + 1")).
			Where(sq.Eq{"submission_attempts": *fields.ExpectedAttempts})
	}

	query, args, err := b.Suffix("RETURNING " + transactionColumns).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build status update: %w", err)
	}

	var updated entities.Transaction
	if err := r.db.GetContext(ctx, &updated, query, args...); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to update settlement status: %w", err)
		}
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &domainerrors.IllegalTransitionError{
			TransactionID: id.String(),
			Current:       string(current.Status),
			Expected:      from,
			Target:        string(to),
		}
	}
	return &updated, nil
}

func (r *TransactionRepository) ListStuck(ctx context.Context, filter repositories.StuckTransactionFilter) ([]*entities.Transaction, error) {
	statuses := make([]string, len(filter.Statuses))
	for i, s := range filter.Statuses {
		statuses[i] = string(s)
	}
	if len(statuses) == 0 {
		return nil, nil
	}

	b := psql.Select(transactionColumnList...).
		From("settlement_transactions").
		Where(sq.Eq{"status": statuses}).
		Where(sq.Lt{"updated_at": filter.UpdatedBefore}).
		OrderBy("updated_at ASC")
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build stuck query: %w", err)
	}

	var txs []*entities.Transaction
	if err := r.db.SelectContext(ctx, &txs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list stuck transactions: %w", err)
	}
	return txs, nil
}
