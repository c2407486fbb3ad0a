// Package chains defines the network-agnostic view of a blockchain that the
// settlement pipeline works against, and the registry that picks a client
// for a given asset.
package chains

import (
	"context"
	"fmt"
	"math/big"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/shopspring/decimal"
)

// Client moves funds out of the custodial wallet on one network.
//
// Implementations return raw node errors; the executor decides what counts
// as a submission failure. Domain rejections come back wrapped in the
// sentinels of the domain errors package (ErrInvalidAddress and friends).
type Client interface {
	Network() string
	NativeAsset() entities.CryptoType
	Supports(asset entities.CryptoType) bool
	// Decimals is the on-chain precision of asset.
	Decimals(asset entities.CryptoType) (int32, bool)
	ValidateAddress(address string) error
	Balance(ctx context.Context, asset entities.CryptoType) (decimal.Decimal, error)
	EstimateFee(ctx context.Context, asset entities.CryptoType, to string, amount decimal.Decimal) (Fee, error)
	Transfer(ctx context.Context, asset entities.CryptoType, to string, amount decimal.Decimal) (string, error)
	Inclusion(ctx context.Context, txHash string) (Inclusion, error)
	CurrentHeight(ctx context.Context) (uint64, error)
	// Received reports how much of asset txHash credited to the custodial
	// wallet. A transaction paying someone else, or reverted, credits zero.
	Received(ctx context.Context, asset entities.CryptoType, txHash string) (decimal.Decimal, error)
}

// Fee is a network fee estimate expressed in the asset it is paid in.
type Fee struct {
	Amount decimal.Decimal
	Asset  entities.CryptoType
}

// Inclusion describes where (if anywhere) a transaction landed.
type Inclusion struct {
	Known    bool // the node has seen the hash at all
	Included bool
	Height   uint64
	Reverted bool
}

// SwapVenue exchanges one custodial asset for another.
type SwapVenue interface {
	Network() string
	Supports(from, to entities.CryptoType) bool
	// SupportsMinOutput reports whether the venue can enforce a minimum
	// output on-chain.
	SupportsMinOutput() bool
	AssetDecimals(asset entities.CryptoType) (int32, bool)
	Quote(ctx context.Context, from, to entities.CryptoType, amountIn decimal.Decimal) (decimal.Decimal, error)
	Swap(ctx context.Context, from, to entities.CryptoType, amountIn, minOut decimal.Decimal) (string, error)
}

// ToBaseUnits converts a decimal amount into integer base units, dropping
// precision beyond the asset's decimals.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Floor().BigInt()
}

// ExactBaseUnits converts a decimal amount into integer base units and
// rejects amounts that are not a positive whole number of base units.
func ExactBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	shifted := amount.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %s has more than %d decimal places", domainerrors.ErrInvalidAmount, amount, decimals)
	}
	units := shifted.BigInt()
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", domainerrors.ErrInvalidAmount, amount)
	}
	return units, nil
}

// FromBaseUnits converts integer base units into a decimal amount.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
