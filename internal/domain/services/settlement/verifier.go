package settlement

import (
	"context"
	"time"

	"github.com/rail-service/settlement_service/internal/adapters/chains"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/pkg/circuitbreaker"
	"github.com/shopspring/decimal"
)

// DefaultConfirmationThreshold is the reorg margin used when a network has
// no explicit setting.
const DefaultConfirmationThreshold uint64 = 3

// Verifier decides whether a submitted hash is deep enough to count.
type Verifier struct {
	chains      *chains.Registry
	breakers    *circuitbreaker.Registry
	thresholds  map[string]uint64
	callTimeout time.Duration
}

// NewVerifier takes per-network confirmation thresholds; networks missing
// from the map use DefaultConfirmationThreshold.
func NewVerifier(registry *chains.Registry, breakers *circuitbreaker.Registry, thresholds map[string]uint64, callTimeout time.Duration) *Verifier {
	if thresholds == nil {
		thresholds = map[string]uint64{}
	}
	return &Verifier{
		chains:      registry,
		breakers:    breakers,
		thresholds:  thresholds,
		callTimeout: callTimeout,
	}
}

func (v *Verifier) threshold(network string) uint64 {
	if t, ok := v.thresholds[network]; ok && t > 0 {
		return t
	}
	return DefaultConfirmationThreshold
}

// IsConfirmed reports the confirmation state of txHash. "Not yet included"
// is a pending result, not an error; errors mean the chain could not be asked.
func (v *Verifier) IsConfirmed(ctx context.Context, txHash string, cryptoType entities.CryptoType) (entities.ConfirmationStatus, error) {
	client, err := v.chains.Resolve(cryptoType)
	if err != nil {
		return "", err
	}
	network := client.Network()

	inc, err := guardedCall(ctx, v.breakers, v.callTimeout, network, "inclusion", func(ctx context.Context) (chains.Inclusion, error) {
		return client.Inclusion(ctx, txHash)
	})
	if err != nil {
		return "", err
	}
	switch {
	case !inc.Known:
		return entities.ConfirmationNotFound, nil
	case !inc.Included:
		return entities.ConfirmationPending, nil
	case inc.Reverted:
		return entities.ConfirmationFailed, nil
	}

	height, err := guardedCall(ctx, v.breakers, v.callTimeout, network, "height", func(ctx context.Context) (uint64, error) {
		return client.CurrentHeight(ctx)
	})
	if err != nil {
		return "", err
	}
	if height >= inc.Height && height-inc.Height >= v.threshold(network) {
		return entities.ConfirmationConfirmed, nil
	}
	return entities.ConfirmationPending, nil
}

// Received reports how much of cryptoType txHash credited to the custodial
// wallet. Callers check confirmation depth first.
func (v *Verifier) Received(ctx context.Context, txHash string, cryptoType entities.CryptoType) (decimal.Decimal, error) {
	client, err := v.chains.Resolve(cryptoType)
	if err != nil {
		return decimal.Zero, err
	}
	return guardedCall(ctx, v.breakers, v.callTimeout, client.Network(), "deposit", func(ctx context.Context) (decimal.Decimal, error) {
		return client.Received(ctx, cryptoType, txHash)
	})
}
