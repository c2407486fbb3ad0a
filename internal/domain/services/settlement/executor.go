package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rail-service/settlement_service/internal/adapters/chains"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/circuitbreaker"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Executor moves funds out of the custodial wallets. Every chain call it
// makes goes through the breaker for (network, operation).
type Executor struct {
	chains      *chains.Registry
	breakers    *circuitbreaker.Registry
	callTimeout time.Duration
	logger      *logger.Logger
}

func NewExecutor(registry *chains.Registry, breakers *circuitbreaker.Registry, callTimeout time.Duration, log *logger.Logger) *Executor {
	return &Executor{
		chains:      registry,
		breakers:    breakers,
		callTimeout: callTimeout,
		logger:      log,
	}
}

// ValidateDestination checks that address can receive cryptoType.
func (e *Executor) ValidateDestination(cryptoType entities.CryptoType, address string) error {
	client, err := e.chains.Resolve(cryptoType)
	if err != nil {
		return err
	}
	return client.ValidateAddress(address)
}

// ValidateAmount checks that amount is a whole, positive number of the
// asset's base units, so the chain moves exactly what was asked.
func (e *Executor) ValidateAmount(cryptoType entities.CryptoType, amount decimal.Decimal) error {
	client, err := e.chains.Resolve(cryptoType)
	if err != nil {
		return err
	}
	return checkPrecision(client, cryptoType, amount)
}

func checkPrecision(client chains.Client, asset entities.CryptoType, amount decimal.Decimal) error {
	decimals, ok := client.Decimals(asset)
	if !ok {
		return fmt.Errorf("%w: %s on %s", domainerrors.ErrUnsupportedCrypto, asset, client.Network())
	}
	_, err := chains.ExactBaseUnits(amount, decimals)
	return err
}

// Transfer sends amount of cryptoType to the destination and returns the
// submitted transaction hash. It does not wait for confirmation.
func (e *Executor) Transfer(ctx context.Context, to string, amount decimal.Decimal, cryptoType entities.CryptoType) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: %s", domainerrors.ErrInvalidAmount, amount)
	}
	client, err := e.chains.Resolve(cryptoType)
	if err != nil {
		return "", err
	}
	if err := checkPrecision(client, cryptoType, amount); err != nil {
		return "", err
	}
	if err := client.ValidateAddress(to); err != nil {
		return "", err
	}
	if err := e.ensureFunds(ctx, client, cryptoType, to, amount); err != nil {
		return "", err
	}

	network := client.Network()
	hash, err := guardedCall(ctx, e.breakers, e.callTimeout, network, "submit", func(ctx context.Context) (string, error) {
		return client.Transfer(ctx, cryptoType, to, amount)
	})
	err = classifySubmission(network, err)
	metrics.RecordChainSubmission(network, string(cryptoType), err)
	if err != nil {
		e.logger.Warn("Transfer submission failed",
			"network", network,
			"asset", string(cryptoType),
			"error", err)
		return "", err
	}
	return hash, nil
}

// ensureFunds fails fast with ErrInsufficientFunds instead of wasting a
// broadcast. When the fee is paid in another asset (ERC-20 gas) both
// balances are checked.
func (e *Executor) ensureFunds(ctx context.Context, client chains.Client, asset entities.CryptoType, to string, amount decimal.Decimal) error {
	network := client.Network()

	balance, err := guardedCall(ctx, e.breakers, e.callTimeout, network, "balance", func(ctx context.Context) (decimal.Decimal, error) {
		return client.Balance(ctx, asset)
	})
	if err != nil {
		return err
	}
	fee, err := guardedCall(ctx, e.breakers, e.callTimeout, network, "fee", func(ctx context.Context) (chains.Fee, error) {
		return client.EstimateFee(ctx, asset, to, amount)
	})
	if err != nil {
		return err
	}

	if fee.Asset == "" || fee.Asset == asset {
		if need := amount.Add(fee.Amount); balance.LessThan(need) {
			return fmt.Errorf("%w: %s %s available, %s needed including fee", domainerrors.ErrInsufficientFunds, balance, asset, need)
		}
		return nil
	}

	if balance.LessThan(amount) {
		return fmt.Errorf("%w: %s %s available, %s needed", domainerrors.ErrInsufficientFunds, balance, asset, amount)
	}
	native, err := guardedCall(ctx, e.breakers, e.callTimeout, network, "balance", func(ctx context.Context) (decimal.Decimal, error) {
		return client.Balance(ctx, fee.Asset)
	})
	if err != nil {
		return err
	}
	if native.LessThan(fee.Amount) {
		return fmt.Errorf("%w: %s %s available for a %s fee", domainerrors.ErrInsufficientFunds, native, fee.Asset, fee.Amount)
	}
	return nil
}

// MinOutput is the lowest acceptable swap output for a slippage tolerance
// given in percent: expected * (1 - pct/100).
func MinOutput(expected, maxSlippagePct decimal.Decimal) decimal.Decimal {
	return expected.Mul(decimal.NewFromInt(1).Sub(maxSlippagePct.Div(hundred)))
}

// Swap exchanges custodial assets through the configured venue. The minimum
// output is enforced by the venue on-chain; a bound the venue cannot express
// is rejected rather than submitted unprotected.
func (e *Executor) Swap(ctx context.Context, req entities.SwapRequest) (*entities.SwapResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", domainerrors.ErrInvalidAmount, req.Amount)
	}
	if req.MaxSlippagePct.IsNegative() || req.MaxSlippagePct.GreaterThanOrEqual(hundred) {
		return nil, fmt.Errorf("%w: slippage must be within [0, 100), got %s", domainerrors.ErrInvalidInput, req.MaxSlippagePct)
	}

	venue := e.chains.SwapVenue()
	if venue == nil || !venue.Supports(req.FromCrypto, req.ToCrypto) {
		return nil, fmt.Errorf("%w: no venue swaps %s to %s", domainerrors.ErrUnsupportedCrypto, req.FromCrypto, req.ToCrypto)
	}
	if !venue.SupportsMinOutput() {
		return nil, fmt.Errorf("%w: %s has no minimum-output support", domainerrors.ErrSlippageBoundUnsupported, venue.Network())
	}
	outDecimals, ok := venue.AssetDecimals(req.ToCrypto)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainerrors.ErrUnsupportedCrypto, req.ToCrypto)
	}

	network := venue.Network()
	if source, err := e.chains.Resolve(req.FromCrypto); err == nil {
		balance, err := guardedCall(ctx, e.breakers, e.callTimeout, source.Network(), "balance", func(ctx context.Context) (decimal.Decimal, error) {
			return source.Balance(ctx, req.FromCrypto)
		})
		if err != nil {
			return nil, err
		}
		if balance.LessThan(req.Amount) {
			return nil, fmt.Errorf("%w: %s %s available, %s needed", domainerrors.ErrInsufficientFunds, balance, req.FromCrypto, req.Amount)
		}
	}

	expected, err := guardedCall(ctx, e.breakers, e.callTimeout, network, "quote", func(ctx context.Context) (decimal.Decimal, error) {
		return venue.Quote(ctx, req.FromCrypto, req.ToCrypto, req.Amount)
	})
	if err != nil {
		return nil, err
	}

	minOut := MinOutput(expected, req.MaxSlippagePct).Truncate(outDecimals)
	if chains.ToBaseUnits(minOut, outDecimals).Sign() <= 0 {
		return nil, fmt.Errorf("%w: minimum output %s rounds to zero", domainerrors.ErrSlippageBoundUnsupported, minOut)
	}

	hash, err := guardedCall(ctx, e.breakers, e.callTimeout, network, "swap", func(ctx context.Context) (string, error) {
		return venue.Swap(ctx, req.FromCrypto, req.ToCrypto, req.Amount, minOut)
	})
	err = classifySubmission(network, err)
	metrics.RecordChainSubmission(network, string(req.FromCrypto), err)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Swap submitted",
		"network", network,
		"from", string(req.FromCrypto),
		"to", string(req.ToCrypto),
		"amount", req.Amount.String(),
		"expected_output", expected.String(),
		"min_output", minOut.String(),
		"tx_hash", hash)
	return &entities.SwapResult{TxHash: hash, ExpectedOutput: expected, MinOutput: minOut}, nil
}

// classifySubmission wraps dependency failures of a submit call so callers
// can tell "the broadcast failed" from domain rejections and open circuits.
func classifySubmission(network string, err error) error {
	if err == nil ||
		errors.Is(err, domainerrors.ErrCircuitOpen) ||
		errors.Is(err, domainerrors.ErrChainSubmission) ||
		!domainerrors.IsDependencyFailure(err) {
		return err
	}
	return &domainerrors.ChainSubmissionError{Network: network, Err: err}
}
