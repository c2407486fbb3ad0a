package entities

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction of a settlement relative to the user.
type Direction string

const (
	DirectionBuy  Direction = "buy"  // fiat in, crypto out
	DirectionSell Direction = "sell" // crypto in, fiat out
)

func (d Direction) IsValid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// CryptoType identifies the asset being settled.
type CryptoType string

const (
	CryptoETH  CryptoType = "ETH"
	CryptoUSDC CryptoType = "USDC"
	CryptoUSDT CryptoType = "USDT"
	CryptoBTC  CryptoType = "BTC"
	CryptoSOL  CryptoType = "SOL"
)

// SupportedCryptoTypes lists every asset the pipeline knows about. Whether
// one is actually usable depends on which chain clients are configured.
var SupportedCryptoTypes = []CryptoType{CryptoETH, CryptoUSDC, CryptoUSDT, CryptoBTC, CryptoSOL}

// ParseCryptoType normalizes user or processor input.
func ParseCryptoType(s string) (CryptoType, bool) {
	c := CryptoType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range SupportedCryptoTypes {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// Transaction is the ledger record for one settlement.
type Transaction struct {
	ID                 uuid.UUID         `json:"id" db:"id"`
	UserID             uuid.UUID         `json:"user_id" db:"user_id"`
	Direction          Direction         `json:"direction" db:"direction"`
	WalletAddress      string            `json:"wallet_address" db:"wallet_address"`
	CryptoType         CryptoType        `json:"crypto_type" db:"crypto_type"`
	CryptoAmount       decimal.Decimal   `json:"crypto_amount" db:"crypto_amount"`
	FiatAmount         decimal.Decimal   `json:"fiat_amount" db:"fiat_amount"`
	FiatCurrency       string            `json:"fiat_currency" db:"fiat_currency"`
	PaymentReference   string            `json:"payment_reference" db:"payment_reference"`
	BlockchainTxHash   *string           `json:"blockchain_tx_hash,omitempty" db:"blockchain_tx_hash"`
	SourceTxHash       *string           `json:"source_tx_hash,omitempty" db:"source_tx_hash"`
	PayoutReference    *string           `json:"payout_reference,omitempty" db:"payout_reference"`
	Status             TransactionStatus `json:"status" db:"status"`
	SubmissionAttempts int               `json:"submission_attempts" db:"submission_attempts"`
	FailureReason      *string           `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// TransitionFields carries the columns written together with a status change.
type TransitionFields struct {
	BlockchainTxHash *string
	PayoutReference  *string
	FailureReason    *string
	// ExpectedAttempts makes a processing -> processing claim conditional on
	// the attempt counter not having moved; the counter is incremented.
	ExpectedAttempts *int
}

// ConfirmationStatus is what the verifier reports for a submitted hash.
type ConfirmationStatus string

const (
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationNotFound  ConfirmationStatus = "not_found"
	ConfirmationFailed    ConfirmationStatus = "failed"
)

// Payment processor event names.
const (
	EventChargeSuccess   = "charge.success"
	EventChargeFailed    = "charge.failed"
	EventTransferSuccess = "transfer.success"
	EventTransferFailed  = "transfer.failed"
	EventTransferReverse = "transfer.reversed"
)

// PaymentStatus as reported by the processor.
type PaymentStatus string

const (
	PaymentStatusSuccess   PaymentStatus = "success"
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusAbandoned PaymentStatus = "abandoned"
	PaymentStatusReversed  PaymentStatus = "reversed"
)

// IsFailure reports whether the processor considers the payment dead.
func (s PaymentStatus) IsFailure() bool {
	return s == PaymentStatusFailed || s == PaymentStatusAbandoned || s == PaymentStatusReversed
}

// PaymentNotification is the inbound webhook body.
type PaymentNotification struct {
	Event string           `json:"event"`
	Data  PaymentEventData `json:"data"`
}

type PaymentEventData struct {
	Reference string              `json:"reference"`
	Status    PaymentStatus       `json:"status"`
	Amount    int64               `json:"amount"`
	Currency  string              `json:"currency"`
	Metadata  *SettlementMetadata `json:"metadata,omitempty"`
}

// SettlementMetadata is attached to a charge when it is created and echoed
// back by the processor on success.
type SettlementMetadata struct {
	CryptoType    string           `json:"crypto_type" validate:"required"`
	WalletAddress string           `json:"wallet_address" validate:"required"`
	CryptoAmount  *decimal.Decimal `json:"crypto_amount" validate:"required"`
}

// PaymentVerification is the processor's answer to a status query.
type PaymentVerification struct {
	Reference string
	Status    PaymentStatus
	Amount    decimal.Decimal
	Currency  string
	PaidAt    *time.Time
}

// PayoutRequest asks the processor to pay fiat out to a user.
type PayoutRequest struct {
	Reference   string
	UserID      uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// PayoutResult is the processor's view of a payout.
type PayoutResult struct {
	Reference string
	Status    PaymentStatus
}

// InitiateSettlementRequest is what the controller passes in to open a
// settlement before the user pays.
type InitiateSettlementRequest struct {
	UserID           uuid.UUID       `json:"user_id" validate:"required"`
	Direction        Direction       `json:"direction" validate:"required,oneof=buy sell"`
	WalletAddress    string          `json:"wallet_address"`
	CryptoType       string          `json:"crypto_type" validate:"required"`
	CryptoAmount     decimal.Decimal `json:"crypto_amount"`
	FiatAmount       decimal.Decimal `json:"fiat_amount"`
	FiatCurrency     string          `json:"fiat_currency" validate:"required,len=3"`
	PaymentReference string          `json:"payment_reference" validate:"required,max=128,printascii,excludesall=/?#%"`
	SourceTxHash     string          `json:"source_tx_hash"`
}

// SettlementView is the read model returned to callers.
type SettlementView struct {
	ID               uuid.UUID         `json:"id"`
	Reference        string            `json:"reference"`
	Direction        Direction         `json:"direction"`
	Status           TransactionStatus `json:"status"`
	CryptoType       CryptoType        `json:"crypto_type"`
	CryptoAmount     string            `json:"crypto_amount"`
	FiatAmount       string            `json:"fiat_amount"`
	FiatCurrency     string            `json:"fiat_currency"`
	WalletAddress    string            `json:"wallet_address"`
	BlockchainTxHash *string           `json:"blockchain_tx_hash,omitempty"`
	PayoutReference  *string           `json:"payout_reference,omitempty"`
	FailureReason    *string           `json:"failure_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// View builds the read model for a transaction.
func (t *Transaction) View() *SettlementView {
	return &SettlementView{
		ID:               t.ID,
		Reference:        t.PaymentReference,
		Direction:        t.Direction,
		Status:           t.Status,
		CryptoType:       t.CryptoType,
		CryptoAmount:     t.CryptoAmount.String(),
		FiatAmount:       t.FiatAmount.StringFixed(2),
		FiatCurrency:     t.FiatCurrency,
		WalletAddress:    t.WalletAddress,
		BlockchainTxHash: t.BlockchainTxHash,
		PayoutReference:  t.PayoutReference,
		FailureReason:    t.FailureReason,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// SwapRequest asks the executor to rebalance custody between two assets.
type SwapRequest struct {
	Amount         decimal.Decimal
	FromCrypto     CryptoType
	ToCrypto       CryptoType
	MaxSlippagePct decimal.Decimal
}

// SwapResult describes a submitted swap.
type SwapResult struct {
	TxHash         string
	ExpectedOutput decimal.Decimal
	MinOutput      decimal.Decimal
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}
