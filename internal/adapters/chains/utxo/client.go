// Package utxo implements the chain client for Bitcoin-style UTXO networks.
// The custodial wallet is a single P2WPKH address; chain data comes from an
// Esplora explorer.
package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rail-service/settlement_service/internal/adapters/chains"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/security"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	satDecimals = 8
	dustLimit   = 546
	// vsize of a P2WPKH spend: overhead + per input + per output
	txOverheadVBytes = 11
	inputVBytes      = 68
	outputVBytes     = 31
	feeTarget        = 3
	minFeeRate       = 1.0
	defaultRateLimit = 5
)

// Explorer is the chain data source. *Esplora satisfies it.
type Explorer interface {
	UTXOs(ctx context.Context, address string) ([]Output, error)
	FeeRate(ctx context.Context, target int) (float64, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
	TxStatus(ctx context.Context, txid string) (OutputStatus, bool, error)
	Tx(ctx context.Context, txid string) (*Tx, bool, error)
	TipHeight(ctx context.Context) (uint64, error)
}

type Config struct {
	Network   string
	Params    *chaincfg.Params
	RateLimit float64
}

type Client struct {
	cfg      Config
	explorer Explorer
	wif      *btcutil.WIF
	address  btcutil.Address
	pkScript []byte
	limiter  *rate.Limiter
	logger   *zap.Logger

	// coin selection through broadcast is serialized so two transfers never
	// spend the same outputs
	sendMu sync.Mutex
}

// ParamsFor maps a configured network name to chain parameters.
func ParamsFor(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "", "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", name)
}

func NewClient(cfg Config, explorer Explorer, wifKey string, logger *zap.Logger) (*Client, error) {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	if cfg.Network == "" {
		cfg.Network = "bitcoin"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	wif, err := btcutil.DecodeWIF(wifKey)
	if err != nil {
		return nil, fmt.Errorf("invalid WIF: %w", err)
	}
	if !wif.IsForNet(cfg.Params) {
		return nil, fmt.Errorf("WIF is not for network %s", cfg.Params.Name)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(wif.SerializePubKey()), cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		explorer: explorer,
		wif:      wif,
		address:  addr,
		pkScript: pkScript,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1),
		logger:   logger,
	}, nil
}

func (c *Client) Network() string                  { return c.cfg.Network }
func (c *Client) NativeAsset() entities.CryptoType { return entities.CryptoBTC }

// Address returns the custodial P2WPKH address.
func (c *Client) Address() string { return c.address.EncodeAddress() }

func (c *Client) Supports(asset entities.CryptoType) bool {
	return asset == entities.CryptoBTC
}

func (c *Client) Decimals(asset entities.CryptoType) (int32, bool) {
	return satDecimals, c.Supports(asset)
}

func (c *Client) ValidateAddress(address string) error {
	_, err := c.decodeAddress(address)
	return err
}

func (c *Client) decodeAddress(address string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(strings.TrimSpace(address), c.cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domainerrors.ErrInvalidAddress, err)
	}
	if !addr.IsForNet(c.cfg.Params) {
		return nil, fmt.Errorf("%w: %s is not a %s address", domainerrors.ErrInvalidAddress, address, c.cfg.Params.Name)
	}
	return addr, nil
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
	utxos, err := c.explorer.UTXOs(ctx, c.Address())
	if err != nil {
		return decimal.Zero, err
	}
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return decimal.New(total, -satDecimals), nil
}

// EstimateFee prices a two-output spend of the inputs the transfer would select.
func (c *Client) EstimateFee(ctx context.Context, asset entities.CryptoType, to string, amount decimal.Decimal) (chains.Fee, error) {
	if err := c.checkAsset(asset); err != nil {
		return chains.Fee{}, err
	}
	utxos, feeRate, err := c.load(ctx)
	if err != nil {
		return chains.Fee{}, err
	}
	target := chains.ToBaseUnits(amount, satDecimals).Int64()
	_, fee, _ := selectCoins(utxos, target, feeRate)
	return chains.Fee{Amount: decimal.New(fee, -satDecimals), Asset: entities.CryptoBTC}, nil
}

func (c *Client) load(ctx context.Context) ([]Output, float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	utxos, err := c.explorer.UTXOs(ctx, c.Address())
	if err != nil {
		return nil, 0, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	feeRate, err := c.explorer.FeeRate(ctx, feeTarget)
	if err != nil {
		return nil, 0, err
	}
	if feeRate < minFeeRate {
		feeRate = minFeeRate
	}
	return utxos, feeRate, nil
}

// selectCoins picks outputs largest first until amount plus the fee for a
// transaction with change is covered. ok is false when funds are short.
func selectCoins(utxos []Output, amount int64, feeRate float64) ([]Output, int64, bool) {
	sorted := make([]Output, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var (
		picked []Output
		total  int64
		fee    = estimateFee(1, 2, feeRate)
	)
	for _, u := range sorted {
		picked = append(picked, u)
		total += u.Value
		fee = estimateFee(len(picked), 2, feeRate)
		if total >= amount+fee {
			return picked, fee, true
		}
	}
	return picked, fee, false
}

func estimateFee(inputs, outputs int, feeRate float64) int64 {
	vsize := txOverheadVBytes + inputVBytes*inputs + outputVBytes*outputs
	return int64(math.Ceil(float64(vsize) * feeRate))
}

func (c *Client) Transfer(ctx context.Context, asset entities.CryptoType, to string, amount decimal.Decimal) (string, error) {
	if err := c.checkAsset(asset); err != nil {
		return "", err
	}
	dest, err := c.decodeAddress(to)
	if err != nil {
		return "", err
	}
	units, err := chains.ExactBaseUnits(amount, satDecimals)
	if err != nil {
		return "", err
	}
	if !units.IsInt64() || units.Int64() < dustLimit {
		return "", fmt.Errorf("%w: %s sats is below dust", domainerrors.ErrInvalidAmount, units)
	}
	value := units.Int64()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	utxos, feeRate, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	picked, fee, ok := selectCoins(utxos, value, feeRate)
	if !ok {
		return "", fmt.Errorf("%w: need %d sats plus %d fee", domainerrors.ErrInsufficientFunds, value, fee)
	}

	tx, err := c.buildTx(picked, dest, value, fee)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	want := tx.TxHash().String()
	txid, err := c.explorer.Broadcast(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		// A lost reply does not mean a lost broadcast; the txid is fixed
		// before sending, so ask the explorer whether it has it.
		if _, known, lookupErr := c.explorer.TxStatus(context.WithoutCancel(ctx), want); lookupErr != nil || !known {
			return "", err
		}
		c.logger.Warn("Broadcast reply failed but the explorer knows the transaction",
			zap.String("tx_hash", want),
			zap.Error(err))
		txid = want
	}
	if txid != want {
		c.logger.Warn("Explorer returned unexpected txid", zap.String("got", txid), zap.String("want", want))
		txid = want
	}

	c.logger.Info("UTXO transfer submitted",
		zap.String("network", c.cfg.Network),
		zap.String("to", security.MaskAddress(to)),
		zap.Int64("sats", value),
		zap.Int64("fee", fee),
		zap.Int("inputs", len(picked)),
		zap.String("tx_hash", txid))
	return txid, nil
}

// buildTx assembles and signs a P2WPKH spend paying value to dest, with change
// back to the custodial address when it is above dust.
func (c *Client) buildTx(inputs []Output, dest btcutil.Address, value, fee int64) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))

	var total int64
	for _, in := range inputs {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("bad utxo txid %q: %w", in.TxID, err)
		}
		op := wire.NewOutPoint(hash, in.Vout)
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
		prevOuts[*op] = wire.NewTxOut(in.Value, c.pkScript)
		total += in.Value
	}

	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(value, destScript))
	if change := total - value - fee; change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, c.pkScript))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, prev.Value, c.pkScript,
			txscript.SigHashAll, c.wif.PrivKey, true)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		in.Witness = witness
	}
	return tx, nil
}

func (c *Client) Inclusion(ctx context.Context, txHash string) (chains.Inclusion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return chains.Inclusion{}, err
	}
	status, known, err := c.explorer.TxStatus(ctx, txHash)
	if err != nil || !known {
		return chains.Inclusion{}, err
	}
	if !status.Confirmed {
		return chains.Inclusion{Known: true}, nil
	}
	return chains.Inclusion{Known: true, Included: true, Height: status.BlockHeight}, nil
}

func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.explorer.TipHeight(ctx)
}

// Received sums the outputs of txHash locked to the custodial script.
func (c *Client) Received(ctx context.Context, asset entities.CryptoType, txHash string) (decimal.Decimal, error) {
	if err := c.checkAsset(asset); err != nil {
		return decimal.Zero, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	tx, known, err := c.explorer.Tx(ctx, txHash)
	if err != nil {
		return decimal.Zero, err
	}
	if !known {
		return decimal.Zero, fmt.Errorf("transaction %s not found", txHash)
	}

	script := hex.EncodeToString(c.pkScript)
	var sats int64
	for _, out := range tx.Vout {
		if strings.EqualFold(out.ScriptPubKey, script) {
			sats += out.Value
		}
	}
	return decimal.New(sats, -satDecimals), nil
}
