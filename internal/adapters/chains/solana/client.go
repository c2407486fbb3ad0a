// Package solana implements the chain client for native SOL transfers.
package solana

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rail-service/settlement_service/internal/adapters/chains"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/security"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	lamportDecimals = 9
	// base fee per signature; transfers carry one
	lamportsPerSignature = 5000
	defaultRateLimit     = 10
)

// newest transaction version Received decodes
var maxTransactionVersion uint64

// RPC is the subset of the JSON-RPC API the client uses. *rpc.Client
// satisfies it.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *sol.Transaction, opts rpc.TransactionOpts) (sol.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTransaction(ctx context.Context, sig sol.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

type Config struct {
	Network   string
	RateLimit float64
}

type Client struct {
	cfg     Config
	rpc     RPC
	key     sol.PrivateKey
	from    sol.PublicKey
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewClient(cfg Config, client RPC, privateKeyBase58 string, logger *zap.Logger) (*Client, error) {
	key, err := sol.PrivateKeyFromBase58(strings.TrimSpace(privateKeyBase58))
	if err != nil {
		return nil, fmt.Errorf("invalid solana private key: %w", err)
	}
	if cfg.Network == "" {
		cfg.Network = "solana"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	return &Client{
		cfg:     cfg,
		rpc:     client,
		key:     key,
		from:    key.PublicKey(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1),
		logger:  logger,
	}, nil
}

func (c *Client) Network() string                  { return c.cfg.Network }
func (c *Client) NativeAsset() entities.CryptoType { return entities.CryptoSOL }
func (c *Client) Address() string                  { return c.from.String() }

func (c *Client) Supports(asset entities.CryptoType) bool {
	return asset == entities.CryptoSOL
}

func (c *Client) Decimals(asset entities.CryptoType) (int32, bool) {
	return lamportDecimals, c.Supports(asset)
}

func (c *Client) ValidateAddress(address string) error {
	_, err := parseAddress(address)
	return err
}

func parseAddress(address string) (sol.PublicKey, error) {
	pk, err := sol.PublicKeyFromBase58(strings.TrimSpace(address))
	if err != nil {
		return sol.PublicKey{}, fmt.Errorf("%w: %v", domainerrors.ErrInvalidAddress, err)
	}
	if pk.IsZero() {
		return sol.PublicKey{}, fmt.Errorf("%w: zero public key", domainerrors.ErrInvalidAddress)
	}
	return pk, nil
}

func (c *Client) checkAsset(asset entities.CryptoType) error {
	if !c.Supports(asset) {
		return fmt.Errorf("%w: %s on %s", domainerrors.ErrUnsupportedCrypto, asset, c.cfg.Network)
	}
	return nil
}

func (c *Client) Balance(ctx context.Context, asset entities.CryptoType) (decimal.Decimal, error) {
	if err := c.checkAsset(asset); err != nil {
		return decimal.Zero, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	res, err := c.rpc.GetBalance(ctx, c.from, rpc.CommitmentConfirmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return chains.FromBaseUnits(new(big.Int).SetUint64(res.Value), lamportDecimals), nil
}

func (c *Client) EstimateFee(ctx context.Context, asset entities.CryptoType, to string, amount decimal.Decimal) (chains.Fee, error) {
	if err := c.checkAsset(asset); err != nil {
		return chains.Fee{}, err
	}
	return chains.Fee{
		Amount: decimal.New(lamportsPerSignature, -lamportDecimals),
		Asset:  entities.CryptoSOL,
	}, nil
}

func (c *Client) Transfer(ctx context.Context, asset entities.CryptoType, to string, amount decimal.Decimal) (string, error) {
	if err := c.checkAsset(asset); err != nil {
		return "", err
	}
	dest, err := parseAddress(to)
	if err != nil {
		return "", err
	}
	lamports, err := chains.ExactBaseUnits(amount, lamportDecimals)
	if err != nil {
		return "", err
	}
	if !lamports.IsUint64() {
		return "", fmt.Errorf("%w: %s SOL", domainerrors.ErrInvalidAmount, amount)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get blockhash: %w", err)
	}

	tx, err := sol.NewTransaction(
		[]sol.Instruction{
			system.NewTransferInstruction(lamports.Uint64(), c.from, dest).Build(),
		},
		recent.Value.Blockhash,
		sol.TransactionPayer(c.from),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key.Equals(c.from) {
			return &c.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Solana transfer submitted",
		zap.String("network", c.cfg.Network),
		zap.String("to", security.MaskAddress(to)),
		zap.Uint64("lamports", lamports.Uint64()),
		zap.String("tx_hash", sig.String()))
	return sig.String(), nil
}

// Inclusion reports the slot the transaction landed in. Slot depth stands in
// for block depth when the verifier applies its threshold.
func (c *Client) Inclusion(ctx context.Context, txHash string) (chains.Inclusion, error) {
	sig, err := sol.SignatureFromBase58(txHash)
	if err != nil {
		return chains.Inclusion{}, fmt.Errorf("invalid signature %q: %w", txHash, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return chains.Inclusion{}, err
	}
	res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return chains.Inclusion{}, fmt.Errorf("failed to get signature status: %w", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return chains.Inclusion{}, nil
	}
	status := res.Value[0]
	if status.ConfirmationStatus == rpc.ConfirmationStatusProcessed {
		return chains.Inclusion{Known: true}, nil
	}
	return chains.Inclusion{
		Known:    true,
		Included: true,
		Height:   status.Slot,
		Reverted: status.Err != nil,
	}, nil
}

func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.rpc.GetSlot(ctx, rpc.CommitmentConfirmed)
}

// Received is the custodial account's balance increase across txHash. Only
// static account keys are searched; the custodial account is never loaded
// through a lookup table.
func (c *Client) Received(ctx context.Context, asset entities.CryptoType, txHash string) (decimal.Decimal, error) {
	if err := c.checkAsset(asset); err != nil {
		return decimal.Zero, err
	}
	sig, err := sol.SignatureFromBase58(txHash)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid signature %q: %w", txHash, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       sol.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxTransactionVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("transaction %s not found", txHash)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get transaction: %w", err)
	}
	if res.Meta == nil || res.Transaction == nil {
		return decimal.Zero, fmt.Errorf("transaction %s has no metadata", txHash)
	}
	if res.Meta.Err != nil {
		return decimal.Zero, nil
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode transaction: %w", err)
	}

	for i, key := range tx.Message.AccountKeys {
		if !key.Equals(c.from) {
			continue
		}
		if i >= len(res.Meta.PreBalances) || i >= len(res.Meta.PostBalances) {
			return decimal.Zero, fmt.Errorf("transaction %s: balances missing for account %d", txHash, i)
		}
		pre, post := res.Meta.PreBalances[i], res.Meta.PostBalances[i]
		if post <= pre {
			return decimal.Zero, nil
		}
		return chains.FromBaseUnits(new(big.Int).SetUint64(post-pre), lamportDecimals), nil
	}
	return decimal.Zero, nil
}
