package chains

import (
	"fmt"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
)

// Registry resolves the chain client responsible for an asset. It is built
// once at startup and read-only afterwards.
type Registry struct {
	byAsset map[entities.CryptoType]Client
	clients []Client
	venue   SwapVenue
}

// NewRegistry registers every asset each client supports. The first client
// claiming an asset wins.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{byAsset: make(map[entities.CryptoType]Client)}
	for _, c := range clients {
		if c == nil {
			continue
		}
		r.clients = append(r.clients, c)
		for _, asset := range entities.SupportedCryptoTypes {
			if _, taken := r.byAsset[asset]; !taken && c.Supports(asset) {
				r.byAsset[asset] = c
			}
		}
	}
	return r
}

// WithSwapVenue attaches the liquidity venue used for rebalancing.
func (r *Registry) WithSwapVenue(v SwapVenue) *Registry {
	r.venue = v
	return r
}

// Resolve returns the client for asset.
func (r *Registry) Resolve(asset entities.CryptoType) (Client, error) {
	c, ok := r.byAsset[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainerrors.ErrUnsupportedCrypto, asset)
	}
	return c, nil
}

// SwapVenue returns the configured venue, or nil.
func (r *Registry) SwapVenue() SwapVenue {
	return r.venue
}

// Assets lists the assets that have a client.
func (r *Registry) Assets() []entities.CryptoType {
	out := make([]entities.CryptoType, 0, len(r.byAsset))
	for _, a := range entities.SupportedCryptoTypes {
		if _, ok := r.byAsset[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Clients returns every registered client.
func (r *Registry) Clients() []Client {
	return r.clients
}
