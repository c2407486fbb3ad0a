package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rail-service/settlement_service/internal/adapters/chains"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/security"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	nativeDecimals   = 18
	gasBufferNum     = 12 // gas limit = estimate * 12 / 10
	gasBufferDenom   = 10
	defaultRateLimit = 10
)

// Backend is the slice of the JSON-RPC API the client uses. *ethclient.Client
// satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Token is an ERC-20 asset on this network.
type Token struct {
	Address  common.Address
	Decimals int32
}

// Config configures one EVM network.
type Config struct {
	Network     string
	ChainID     *big.Int
	NativeAsset entities.CryptoType
	Tokens      map[entities.CryptoType]Token
	RateLimit   float64
}

// Client is the account-model chain client: native coin plus ERC-20 tokens.
type Client struct {
	cfg     Config
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	limiter *rate.Limiter
	logger  *zap.Logger

	// nonce acquisition and broadcast are serialized per custodial wallet
	nonceMu   sync.Mutex
	nextNonce uint64
	nonceOK   bool
}

func NewClient(cfg Config, backend Backend, key *ecdsa.PrivateKey, logger *zap.Logger) *Client {
	if cfg.NativeAsset == "" {
		cfg.NativeAsset = entities.CryptoETH
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1)
	}
	return &Client{
		cfg:     cfg,
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(cfg.ChainID),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1),
		logger:  logger,
	}
}

func (c *Client) Network() string                  { return c.cfg.Network }
func (c *Client) NativeAsset() entities.CryptoType { return c.cfg.NativeAsset }

// Address returns the custodial wallet address.
func (c *Client) Address() common.Address { return c.from }

func (c *Client) Supports(asset entities.CryptoType) bool {
	if asset == c.cfg.NativeAsset {
		return true
	}
	_, ok := c.cfg.Tokens[asset]
	return ok
}

func (c *Client) Decimals(asset entities.CryptoType) (int32, bool) {
	if asset == c.cfg.NativeAsset {
		return nativeDecimals, true
	}
	t, ok := c.cfg.Tokens[asset]
	return t.Decimals, ok
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

func (c *Client) ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %q is not a hex address", domainerrors.ErrInvalidAddress, address)
	}
	if common.HexToAddress(address) == (common.Address{}) {
		return fmt.Errorf("%w: zero address", domainerrors.ErrInvalidAddress)
	}
	return nil
}

func (c *Client) Balance(ctx context.Context, asset entities.CryptoType) (decimal.Decimal, error) {
	if err := c.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	if asset == c.cfg.NativeAsset {
		wei, err := c.backend.BalanceAt(ctx, c.from, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to get native balance: %w", err)
		}
		return chains.FromBaseUnits(wei, nativeDecimals), nil
	}

	token, ok := c.cfg.Tokens[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s on %s", domainerrors.ErrUnsupportedCrypto, asset, c.cfg.Network)
	}
	raw, err := c.callToken(ctx, token.Address, "balanceOf", c.from)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get %s balance: %w", asset, err)
	}
	return chains.FromBaseUnits(raw, token.Decimals), nil
}

func (c *Client) callToken(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, values[0])
	}
	return v, nil
}

// call builds the destination, value and calldata for moving amount of asset.
// Amounts finer than the asset's precision, or under one base unit, are
// rejected rather than rounded.
func (c *Client) call(asset entities.CryptoType, to string, amount decimal.Decimal) (common.Address, *big.Int, []byte, error) {
	dest := common.HexToAddress(to)
	if asset == c.cfg.NativeAsset {
		wei, err := chains.ExactBaseUnits(amount, nativeDecimals)
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		return dest, wei, nil, nil
	}
	token, ok := c.cfg.Tokens[asset]
	if !ok {
		return common.Address{}, nil, nil, fmt.Errorf("%w: %s on %s", domainerrors.ErrUnsupportedCrypto, asset, c.cfg.Network)
	}
	units, err := chains.ExactBaseUnits(amount, token.Decimals)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	data, err := erc20ABI.Pack("transfer", dest, units)
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	return token.Address, big.NewInt(0), data, nil
}

// EstimateFee prices the transfer in the native coin, which is what the
// custodial wallet pays gas in even for token transfers.
func (c *Client) EstimateFee(ctx context.Context, asset entities.CryptoType, to string, amount decimal.Decimal) (chains.Fee, error) {
	target, value, data, err := c.call(asset, to, amount)
	if err != nil {
		return chains.Fee{}, err
	}
	gasPrice, gasLimit, err := c.gas(ctx, target, value, data)
	if err != nil {
		return chains.Fee{}, err
	}
	wei := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	return chains.Fee{Amount: chains.FromBaseUnits(wei, nativeDecimals), Asset: c.cfg.NativeAsset}, nil
}

func (c *Client) gas(ctx context.Context, to common.Address, value *big.Int, data []byte) (*big.Int, uint64, error) {
	if err := c.wait(ctx); err != nil {
		return nil, 0, err
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	estimate, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to estimate gas: %w", err)
	}
	return gasPrice, estimate * gasBufferNum / gasBufferDenom, nil
}

func (c *Client) Transfer(ctx context.Context, asset entities.CryptoType, to string, amount decimal.Decimal) (string, error) {
	if err := c.ValidateAddress(to); err != nil {
		return "", err
	}
	target, value, data, err := c.call(asset, to, amount)
	if err != nil {
		return "", err
	}
	hash, err := c.send(ctx, target, value, data)
	if err != nil {
		return "", err
	}
	c.logger.Info("EVM transfer submitted",
		zap.String("network", c.cfg.Network),
		zap.String("asset", string(asset)),
		zap.String("to", security.MaskAddress(to)),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", hash))
	return hash, nil
}

// send signs and broadcasts one transaction under the wallet's nonce lock.
func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error) {
	gasPrice, gasLimit, err := c.gas(ctx, to, value, data)
	if err != nil {
		return "", err
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	pending, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	nonce := pending
	if c.nonceOK && c.nextNonce > nonce {
		nonce = c.nextNonce
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		// A timed-out send may still have reached the mempool.
		if known, _, lookupErr := c.backend.TransactionByHash(context.WithoutCancel(ctx), signed.Hash()); lookupErr == nil && known != nil {
			c.nextNonce, c.nonceOK = nonce+1, true
			return signed.Hash().Hex(), nil
		}
		c.nonceOK = false
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	c.nextNonce, c.nonceOK = nonce+1, true
	return signed.Hash().Hex(), nil
}

func (c *Client) Inclusion(ctx context.Context, txHash string) (chains.Inclusion, error) {
	if err := c.wait(ctx); err != nil {
		return chains.Inclusion{}, err
	}
	hash := common.HexToHash(txHash)
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return chains.Inclusion{}, fmt.Errorf("failed to get receipt: %w", err)
		}
		_, _, err = c.backend.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return chains.Inclusion{}, nil
		}
		if err != nil {
			return chains.Inclusion{}, fmt.Errorf("failed to look up transaction: %w", err)
		}
		return chains.Inclusion{Known: true}, nil
	}
	if receipt.BlockNumber == nil {
		return chains.Inclusion{Known: true}, nil
	}
	return chains.Inclusion{
		Known:    true,
		Included: true,
		Height:   receipt.BlockNumber.Uint64(),
		Reverted: receipt.Status == types.ReceiptStatusFailed,
	}, nil
}

func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return c.backend.BlockNumber(ctx)
}

// Received sums what txHash paid the custodial wallet: the transaction value
// for the native coin, the token contract's Transfer logs for ERC-20 assets.
func (c *Client) Received(ctx context.Context, asset entities.CryptoType, txHash string) (decimal.Decimal, error) {
	decimals, ok := c.Decimals(asset)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s on %s", domainerrors.ErrUnsupportedCrypto, asset, c.cfg.Network)
	}
	if err := c.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	hash := common.HexToHash(txHash)
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return decimal.Zero, nil
	}

	if asset == c.cfg.NativeAsset {
		if err := c.wait(ctx); err != nil {
			return decimal.Zero, err
		}
		tx, _, err := c.backend.TransactionByHash(ctx, hash)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to look up transaction: %w", err)
		}
		if tx.To() == nil || *tx.To() != c.from {
			return decimal.Zero, nil
		}
		return chains.FromBaseUnits(tx.Value(), decimals), nil
	}

	token := c.cfg.Tokens[asset].Address
	total := new(big.Int)
	for _, log := range receipt.Logs {
		if log.Address != token || len(log.Topics) != 3 || log.Topics[0] != transferEventID {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != c.from {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(log.Data))
	}
	return chains.FromBaseUnits(total, decimals), nil
}

// parseAddress validates configured contract addresses.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(strings.TrimSpace(s)) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(strings.TrimSpace(s)), nil
}
