package di

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/adapters/chains"
	"github.com/rail-service/settlement_service/internal/adapters/chains/evm"
	"github.com/rail-service/settlement_service/internal/adapters/chains/solana"
	"github.com/rail-service/settlement_service/internal/adapters/chains/utxo"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/internal/infrastructure/config"
)

// ChainsBuilder builds the chain client registry from configuration
type ChainsBuilder struct {
	cfg    config.ChainsConfig
	swap   config.SwapConfig
	logger *zap.Logger

	// dialers are swapped out in tests
	dialEVM func(ctx context.Context, url string) (evm.Backend, func(), error)
}

// NewChainsBuilder creates a new chains builder
func NewChainsBuilder(cfg config.ChainsConfig, swap config.SwapConfig, logger *zap.Logger) *ChainsBuilder {
	return &ChainsBuilder{
		cfg:    cfg,
		swap:   swap,
		logger: logger,
		dialEVM: func(ctx context.Context, url string) (evm.Backend, func(), error) {
			client, err := ethclient.DialContext(ctx, url)
			if err != nil {
				return nil, nil, err
			}
			return client, client.Close, nil
		},
	}
}

// ChainServices holds the built registry and what must be closed on shutdown.
type ChainServices struct {
	Registry   *chains.Registry
	Thresholds map[string]uint64
	closers    []func()
}

// Close releases node connections.
func (s *ChainServices) Close() {
	for _, c := range s.closers {
		c()
	}
}

// Build dials every enabled network.
func (b *ChainsBuilder) Build(ctx context.Context) (*ChainServices, error) {
	out := &ChainServices{Thresholds: make(map[string]uint64)}
	var clients []chains.Client
	var venue chains.SwapVenue

	if b.cfg.EVM.Enabled {
		client, closeFn, err := b.buildEVM(ctx)
		if err != nil {
			return nil, err
		}
		out.closers = append(out.closers, closeFn)
		clients = append(clients, client)
		out.Thresholds[client.Network()] = b.cfg.EVM.ConfirmationThreshold

		if b.swap.Enabled {
			venue, err = evm.NewUniswapV2Venue(client, b.swap.RouterAddress, b.swap.WrappedNative,
				config.Seconds(b.swap.DeadlineSeconds), b.logger)
			if err != nil {
				out.Close()
				return nil, fmt.Errorf("swap venue: %w", err)
			}
		}
	}

	if b.cfg.UTXO.Enabled {
		params, err := utxo.ParamsFor(b.cfg.UTXO.Params)
		if err != nil {
			out.Close()
			return nil, err
		}
		client, err := utxo.NewClient(utxo.Config{
			Network:   b.cfg.UTXO.Network,
			Params:    params,
			RateLimit: b.cfg.UTXO.RateLimitPerSec,
		}, utxo.NewEsplora(b.cfg.UTXO.ExplorerURL, 15*time.Second), b.cfg.UTXO.WIF, b.logger)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("utxo client: %w", err)
		}
		clients = append(clients, client)
		out.Thresholds[client.Network()] = b.cfg.UTXO.ConfirmationThreshold
	}

	if b.cfg.Solana.Enabled {
		client, err := solana.NewClient(solana.Config{
			Network:   b.cfg.Solana.Network,
			RateLimit: b.cfg.Solana.RateLimitPerSec,
		}, solrpc.New(b.cfg.Solana.RPC), b.cfg.Solana.PrivateKey, b.logger)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("solana client: %w", err)
		}
		clients = append(clients, client)
		out.Thresholds[client.Network()] = b.cfg.Solana.ConfirmationThreshold
	}

	out.Registry = chains.NewRegistry(clients...)
	if venue != nil {
		out.Registry.WithSwapVenue(venue)
	}

	b.logger.Info("Chain clients ready",
		zap.Int("networks", len(clients)),
		zap.Any("assets", out.Registry.Assets()),
		zap.Bool("swap_venue", venue != nil))
	return out, nil
}

func (b *ChainsBuilder) buildEVM(ctx context.Context) (*evm.Client, func(), error) {
	key, err := evm.LoadKey(b.cfg.EVM.PrivateKey, b.cfg.EVM.Mnemonic, b.cfg.EVM.AccountIndex)
	if err != nil {
		return nil, nil, err
	}

	tokens := make(map[entities.CryptoType]evm.Token, len(b.cfg.EVM.Tokens))
	for symbol, token := range b.cfg.EVM.Tokens {
		asset, ok := entities.ParseCryptoType(symbol)
		if !ok {
			return nil, nil, fmt.Errorf("evm token %q is not a supported crypto type", symbol)
		}
		if !common.IsHexAddress(token.Address) {
			return nil, nil, fmt.Errorf("evm token %s: invalid contract address", symbol)
		}
		tokens[asset] = evm.Token{Address: common.HexToAddress(token.Address), Decimals: int32(token.Decimals)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	backend, closeFn, err := b.dialEVM(dialCtx, b.cfg.EVM.RPC)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial evm rpc: %w", err)
	}

	client := evm.NewClient(evm.Config{
		Network:   b.cfg.EVM.Network,
		ChainID:   big.NewInt(b.cfg.EVM.ChainID),
		Tokens:    tokens,
		RateLimit: b.cfg.EVM.RateLimitPerSec,
	}, backend, key, b.logger)

	b.logger.Info("EVM custodial wallet loaded",
		zap.String("network", b.cfg.EVM.Network),
		zap.String("address", client.Address().Hex()))
	return client, closeFn, nil
}
