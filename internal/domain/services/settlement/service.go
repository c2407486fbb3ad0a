// Package settlement is the settlement pipeline: the state machine that
// moves a transaction from paid to delivered, webhook ingestion, transfer
// execution, confirmation tracking and the recovery logic the sweep drives.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/internal/domain/repositories"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/retry"
	"github.com/shopspring/decimal"
)

// PaymentProcessor is the fiat side of a settlement.
type PaymentProcessor interface {
	VerifyPayment(ctx context.Context, reference string) (*entities.PaymentVerification, error)
	InitiatePayout(ctx context.Context, req *entities.PayoutRequest) (*entities.PayoutResult, error)
	VerifyTransfer(ctx context.Context, reference string) (*entities.PayoutResult, error)
}

// TransferExecutor moves custodial funds on-chain.
type TransferExecutor interface {
	ValidateDestination(cryptoType entities.CryptoType, address string) error
	ValidateAmount(cryptoType entities.CryptoType, amount decimal.Decimal) error
	Transfer(ctx context.Context, to string, amount decimal.Decimal, cryptoType entities.CryptoType) (string, error)
	Swap(ctx context.Context, req entities.SwapRequest) (*entities.SwapResult, error)
}

// ConfirmationVerifier reports how deep a submitted hash is and what a user
// deposit actually paid the custodial wallet.
type ConfirmationVerifier interface {
	IsConfirmed(ctx context.Context, txHash string, cryptoType entities.CryptoType) (entities.ConfirmationStatus, error)
	Received(ctx context.Context, txHash string, cryptoType entities.CryptoType) (decimal.Decimal, error)
}

// Alerter notifies operators of conditions that need a human.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Config holds service tunables.
type Config struct {
	WebhookSecret string
	// MaxSubmissionAttempts bounds recovery re-submissions of a transfer.
	MaxSubmissionAttempts int
	// AbandonAfter fails sells whose deposit the chain never saw.
	AbandonAfter time.Duration
}

// Service handles settlement operations
type Service struct {
	cfg       Config
	repo      repositories.TransactionRepository
	machine   *StateMachine
	executor  TransferExecutor
	verifier  ConfirmationVerifier
	processor PaymentProcessor
	alerter   Alerter
	validate  *validator.Validate
	recorder  *retry.Retrier
	logger    *logger.Logger
	now       func() time.Time
}

// NewService creates the settlement service. alerter may be nil.
func NewService(
	cfg Config,
	repo repositories.TransactionRepository,
	executor TransferExecutor,
	verifier ConfirmationVerifier,
	processor PaymentProcessor,
	alerter Alerter,
	log *logger.Logger,
) *Service {
	if cfg.MaxSubmissionAttempts <= 0 {
		cfg.MaxSubmissionAttempts = 3
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = 24 * time.Hour
	}

	// Recording a submitted hash must survive brief database blips; losing
	// it would let recovery submit the transfer again.
	recordPolicy := retry.Policy{
		MaxRetries:     4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		RetryableFunc: func(err error) bool {
			return !domainerrors.IsIllegalTransition(err) &&
				!domainerrors.IsInvalidInput(err) &&
				!errors.Is(err, context.Canceled)
		},
	}

	return &Service{
		cfg:       cfg,
		repo:      repo,
		machine:   NewStateMachine(repo, log),
		executor:  executor,
		verifier:  verifier,
		processor: processor,
		alerter:   alerter,
		validate:  validator.New(),
		recorder:  retry.NewRetrier(recordPolicy, log.Zap()),
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// StateMachine exposes the transition gate for callers outside the service.
func (s *Service) StateMachine() *StateMachine {
	return s.machine
}

// InitiateSettlement opens a pending settlement before the user pays (buy)
// or after they report their deposit (sell).
func (s *Service) InitiateSettlement(ctx context.Context, req *entities.InitiateSettlementRequest) (*entities.Transaction, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, domainerrors.ValidationError("request", err.Error())
	}
	cryptoType, ok := entities.ParseCryptoType(req.CryptoType)
	if !ok {
		return nil, domainerrors.ValidationError("crypto_type", fmt.Sprintf("unsupported crypto type %q", req.CryptoType))
	}
	if !req.CryptoAmount.IsPositive() {
		return nil, domainerrors.ValidationError("crypto_amount", "crypto amount must be positive")
	}
	if !req.FiatAmount.IsPositive() {
		return nil, domainerrors.ValidationError("fiat_amount", "fiat amount must be positive")
	}

	tx := &entities.Transaction{
		ID:               uuid.New(),
		UserID:           req.UserID,
		Direction:        req.Direction,
		WalletAddress:    strings.TrimSpace(req.WalletAddress),
		CryptoType:       cryptoType,
		CryptoAmount:     req.CryptoAmount,
		FiatAmount:       req.FiatAmount,
		FiatCurrency:     strings.ToUpper(req.FiatCurrency),
		PaymentReference: req.PaymentReference,
		Status:           entities.TransactionStatusPending,
	}

	switch req.Direction {
	case entities.DirectionBuy:
		if tx.WalletAddress == "" {
			return nil, domainerrors.ValidationError("wallet_address", "wallet address is required for buys")
		}
		if err := s.executor.ValidateDestination(cryptoType, tx.WalletAddress); err != nil {
			return nil, domainerrors.ValidationError("wallet_address", err.Error())
		}
		if err := s.executor.ValidateAmount(cryptoType, tx.CryptoAmount); err != nil {
			return nil, domainerrors.ValidationError("crypto_amount", err.Error())
		}
	case entities.DirectionSell:
		hash := normalizeTxHash(req.SourceTxHash)
		if hash == "" {
			return nil, domainerrors.ValidationError("source_tx_hash", "deposit hash is required for sells")
		}
		tx.SourceTxHash = &hash
	}

	now := s.now()
	tx.CreatedAt, tx.UpdatedAt = now, now
	if err := s.repo.Create(ctx, tx); err != nil {
		return nil, err
	}

	s.logger.Info("Settlement initiated",
		"transaction_id", tx.ID.String(),
		"reference", tx.PaymentReference,
		"direction", string(tx.Direction),
		"crypto_type", string(tx.CryptoType),
		"crypto_amount", tx.CryptoAmount.String())
	return tx, nil
}

// normalizeTxHash lowercases hex hashes so one deposit cannot be cited twice
// under different casings. Base58 signatures are case-sensitive and kept.
func normalizeTxHash(hash string) string {
	hash = strings.TrimSpace(hash)
	digits := strings.TrimPrefix(strings.TrimPrefix(hash, "0x"), "0X")
	if digits == "" {
		return hash
	}
	for _, r := range digits {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return hash
		}
	}
	return strings.ToLower(hash)
}

// GetTransactionStatus returns the read model for a payment reference.
func (s *Service) GetTransactionStatus(ctx context.Context, reference string) (*entities.SettlementView, error) {
	tx, err := s.repo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return tx.View(), nil
}

// RebalanceCustody swaps between custodial assets with a slippage bound.
func (s *Service) RebalanceCustody(ctx context.Context, req entities.SwapRequest) (*entities.SwapResult, error) {
	res, err := s.executor.Swap(ctx, req)
	if err != nil {
		s.logger.Warn("Custody rebalance failed",
			"from", string(req.FromCrypto),
			"to", string(req.ToCrypto),
			"amount", req.Amount.String(),
			"error", err)
		return nil, err
	}
	return res, nil
}

func (s *Service) alert(ctx context.Context, subject string, tx *entities.Transaction, detail string) {
	if s.alerter == nil {
		return
	}
	body := fmt.Sprintf("%s\n\ntransaction: %s\nreference: %s\ndirection: %s\nasset: %s %s\n",
		detail, tx.ID, tx.PaymentReference, tx.Direction, tx.CryptoAmount, tx.CryptoType)
	if err := s.alerter.Alert(context.WithoutCancel(ctx), subject, body); err != nil {
		s.logger.Warn("Operator alert failed", "subject", subject, "error", err)
	}
}
