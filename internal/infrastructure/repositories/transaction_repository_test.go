package repositories

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/domain/repositories"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.openly.dev/pointy"
)

func newMockRepo(t *testing.T) (*TransactionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTransactionRepository(sqlx.NewDb(db, "postgres")), mock
}

func transactionRow(id uuid.UUID, status entities.TransactionStatus, hash *string) *sqlmock.Rows {
	now := time.Now().UTC()
	var hashVal interface{}
	if hash != nil {
		hashVal = *hash
	}
	return sqlmock.NewRows(transactionColumnList).AddRow(
		id.String(), uuid.NewString(), "buy", "0xabc", "ETH", "0.5",
		"1000.00", "NGN", "ref_1", hashVal, nil,
		nil, string(status), 0, nil, now, now,
	)
}

func TestTransactionRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)
	tx := &entities.Transaction{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		Direction:        entities.DirectionBuy,
		WalletAddress:    "0xabc",
		CryptoType:       entities.CryptoETH,
		CryptoAmount:     decimal.RequireFromString("0.5"),
		FiatAmount:       decimal.RequireFromString("1000"),
		FiatCurrency:     "NGN",
		PaymentReference: "ref_1",
		Status:           entities.TransactionStatusPending,
	}

	mock.ExpectExec("INSERT INTO settlement_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.Create(context.Background(), tx))

	mock.ExpectExec("INSERT INTO settlement_transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_settlement_transactions_reference"})
	assert.ErrorIs(t, repo.Create(context.Background(), tx), domainerrors.ErrDuplicateReference)

	mock.ExpectExec("INSERT INTO settlement_transactions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_settlement_transactions_source_tx_hash"})
	assert.ErrorIs(t, repo.Create(context.Background(), tx), domainerrors.ErrDuplicateDeposit)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_GetByReference_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT .* FROM settlement_transactions WHERE payment_reference = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByReference(context.Background(), "missing")
	assert.ErrorIs(t, err, domainerrors.ErrTransactionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_UpdateStatus_Wins(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	hash := "0xfeed"

	mock.ExpectQuery(`UPDATE settlement_transactions SET status = \$1, updated_at = \$2, blockchain_tx_hash = \$3 WHERE id = \$4 AND status IN \(\$5\) RETURNING`).
		WithArgs("completed", sqlmock.AnyArg(), hash, id.String(), "processing").
		WillReturnRows(transactionRow(id, entities.TransactionStatusCompleted, &hash))

	tx, err := repo.UpdateStatus(context.Background(), id,
		[]entities.TransactionStatus{entities.TransactionStatusProcessing},
		entities.TransactionStatusCompleted,
		entities.TransitionFields{BlockchainTxHash: &hash})

	require.NoError(t, err)
	assert.Equal(t, entities.TransactionStatusCompleted, tx.Status)
	require.NotNil(t, tx.BlockchainTxHash)
	assert.Equal(t, hash, *tx.BlockchainTxHash)
	assert.True(t, tx.CryptoAmount.Equal(decimal.RequireFromString("0.5")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_UpdateStatus_LosesRace(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE settlement_transactions SET status").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM settlement_transactions WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(transactionRow(id, entities.TransactionStatusProcessing, nil))

	_, err := repo.UpdateStatus(context.Background(), id,
		[]entities.TransactionStatus{entities.TransactionStatusPending},
		entities.TransactionStatusProcessing,
		entities.TransitionFields{})

	require.Error(t, err)
	assert.True(t, domainerrors.IsIllegalTransition(err))
	var ite *domainerrors.IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "processing", ite.Current)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_UpdateStatus_FailedClearsHash(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE settlement_transactions SET status = \$1, updated_at = \$2, blockchain_tx_hash = \$3, failure_reason = \$4 WHERE id = \$5 AND status IN \(\$6\) RETURNING`).
		WithArgs("failed", sqlmock.AnyArg(), nil, "reverted on-chain", id.String(), "completed").
		WillReturnRows(transactionRow(id, entities.TransactionStatusFailed, nil))

	_, err := repo.UpdateStatus(context.Background(), id,
		[]entities.TransactionStatus{entities.TransactionStatusCompleted},
		entities.TransactionStatusFailed,
		entities.TransitionFields{FailureReason: pointy.String("reverted on-chain")})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_UpdateStatus_SubmissionClaim(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE settlement_transactions SET status = \$1, updated_at = \$2, submission_attempts = submission_attempts \+ 1 WHERE id = \$3 AND status IN \(\$4\) AND submission_attempts = \$5`).
		WithArgs("processing", sqlmock.AnyArg(), id.String(), "processing", 1).
		WillReturnRows(transactionRow(id, entities.TransactionStatusProcessing, nil))

	_, err := repo.UpdateStatus(context.Background(), id,
		[]entities.TransactionStatus{entities.TransactionStatusProcessing},
		entities.TransactionStatusProcessing,
		entities.TransitionFields{ExpectedAttempts: pointy.Int(1)})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_ListStuck(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Now().Add(-5 * time.Minute)

	rows := transactionRow(uuid.New(), entities.TransactionStatusPending, nil)
	mock.ExpectQuery(`SELECT .* FROM settlement_transactions WHERE status IN \(\$1,\$2,\$3\) AND updated_at < \$4 ORDER BY updated_at ASC LIMIT 50`).
		WithArgs("pending", "processing", "completed", cutoff).
		WillReturnRows(rows)

	txs, err := repo.ListStuck(context.Background(), repositories.StuckTransactionFilter{
		Statuses:      entities.NonTerminalStatuses,
		UpdatedBefore: cutoff,
		Limit:         50,
	})

	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, entities.TransactionStatusPending, txs[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
