package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rail-service/settlement_service/internal/adapters/chains"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// UniswapV2Venue swaps custodial assets through a Uniswap-V2 style router.
// It signs with the client's key and shares its nonce lock.
type UniswapV2Venue struct {
	client   *Client
	router   common.Address
	weth     common.Address
	deadline time.Duration
	logger   *zap.Logger
}

func NewUniswapV2Venue(client *Client, router, wrappedNative string, deadline time.Duration, logger *zap.Logger) (*UniswapV2Venue, error) {
	routerAddr, err := parseAddress(router)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	wethAddr, err := parseAddress(wrappedNative)
	if err != nil {
		return nil, fmt.Errorf("wrapped native: %w", err)
	}
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	return &UniswapV2Venue{
		client:   client,
		router:   routerAddr,
		weth:     wethAddr,
		deadline: deadline,
		logger:   logger,
	}, nil
}

func (v *UniswapV2Venue) Network() string { return v.client.Network() }

func (v *UniswapV2Venue) Supports(from, to entities.CryptoType) bool {
	return from != to && v.client.Supports(from) && v.client.Supports(to)
}

// SupportsMinOutput is true: every swapExact* call takes amountOutMin.
func (v *UniswapV2Venue) SupportsMinOutput() bool { return true }

func (v *UniswapV2Venue) AssetDecimals(asset entities.CryptoType) (int32, bool) {
	return v.client.Decimals(asset)
}

func (v *UniswapV2Venue) tokenAddress(asset entities.CryptoType) common.Address {
	if asset == v.client.cfg.NativeAsset {
		return v.weth
	}
	return v.client.cfg.Tokens[asset].Address
}

func (v *UniswapV2Venue) path(from, to entities.CryptoType) []common.Address {
	return []common.Address{v.tokenAddress(from), v.tokenAddress(to)}
}

func (v *UniswapV2Venue) Quote(ctx context.Context, from, to entities.CryptoType, amountIn decimal.Decimal) (decimal.Decimal, error) {
	if !v.Supports(from, to) {
		return decimal.Zero, fmt.Errorf("%w: %s -> %s", domainerrors.ErrUnsupportedCrypto, from, to)
	}
	inDecimals, _ := v.client.Decimals(from)
	outDecimals, _ := v.client.Decimals(to)

	data, err := routerV2ABI.Pack("getAmountsOut", chains.ToBaseUnits(amountIn, inDecimals), v.path(from, to))
	if err != nil {
		return decimal.Zero, err
	}
	if err := v.client.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	out, err := v.client.backend.CallContract(ctx, ethereum.CallMsg{From: v.client.from, To: &v.router, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to quote swap: %w", err)
	}
	values, err := routerV2ABI.Unpack("getAmountsOut", out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode quote: %w", err)
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return decimal.Zero, fmt.Errorf("unexpected quote result %v", values)
	}
	return chains.FromBaseUnits(amounts[len(amounts)-1], outDecimals), nil
}

// Swap submits the swap with minOut enforced by the router. Token inputs get
// an exact approval first when the current allowance is short.
func (v *UniswapV2Venue) Swap(ctx context.Context, from, to entities.CryptoType, amountIn, minOut decimal.Decimal) (string, error) {
	if !v.Supports(from, to) {
		return "", fmt.Errorf("%w: %s -> %s", domainerrors.ErrUnsupportedCrypto, from, to)
	}
	inDecimals, _ := v.client.Decimals(from)
	outDecimals, _ := v.client.Decimals(to)
	in, err := chains.ExactBaseUnits(amountIn, inDecimals)
	if err != nil {
		return "", err
	}
	min := chains.ToBaseUnits(minOut, outDecimals)
	if min.Sign() <= 0 {
		return "", fmt.Errorf("%w: minimum output rounds to zero", domainerrors.ErrSlippageBoundUnsupported)
	}

	deadline := big.NewInt(time.Now().Add(v.deadline).Unix())
	path := v.path(from, to)
	native := v.client.cfg.NativeAsset

	var (
		data  []byte
		value = big.NewInt(0)
	)
	switch {
	case from == native:
		data, err = routerV2ABI.Pack("swapExactETHForTokens", min, path, v.client.from, deadline)
		value = in
	case to == native:
		if err = v.ensureAllowance(ctx, path[0], in); err != nil {
			return "", err
		}
		data, err = routerV2ABI.Pack("swapExactTokensForETH", in, min, path, v.client.from, deadline)
	default:
		if err = v.ensureAllowance(ctx, path[0], in); err != nil {
			return "", err
		}
		data, err = routerV2ABI.Pack("swapExactTokensForTokens", in, min, path, v.client.from, deadline)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode swap: %w", err)
	}

	hash, err := v.client.send(ctx, v.router, value, data)
	if err != nil {
		return "", err
	}
	v.logger.Info("Swap submitted",
		zap.String("network", v.Network()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("amount_in", amountIn.String()),
		zap.String("min_out", minOut.String()),
		zap.String("tx_hash", hash))
	return hash, nil
}

func (v *UniswapV2Venue) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) error {
	if err := v.client.wait(ctx); err != nil {
		return err
	}
	current, err := v.client.callToken(ctx, token, "allowance", v.client.from, v.router)
	if err != nil {
		return fmt.Errorf("failed to read allowance: %w", err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	data, err := erc20ABI.Pack("approve", v.router, amount)
	if err != nil {
		return err
	}
	hash, err := v.client.send(ctx, token, big.NewInt(0), data)
	if err != nil {
		return fmt.Errorf("failed to approve router: %w", err)
	}
	v.logger.Info("Router allowance approved", zap.String("token", token.Hex()), zap.String("tx_hash", hash))
	return nil
}
