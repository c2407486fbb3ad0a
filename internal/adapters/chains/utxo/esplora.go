package utxo

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Esplora is a client for the Esplora REST API (blockstream.info, mempool.space).
type Esplora struct {
	client *resty.Client
}

// Output is an unspent output owned by an address.
type Output struct {
	TxID   string       `json:"txid"`
	Vout   uint32       `json:"vout"`
	Value  int64        `json:"value"`
	Status OutputStatus `json:"status"`
}

type OutputStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
}

// Tx is the part of an explorer transaction the client reads.
type Tx struct {
	TxID   string       `json:"txid"`
	Vout   []TxOutput   `json:"vout"`
	Status OutputStatus `json:"status"`
}

type TxOutput struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Address      string `json:"scriptpubkey_address"`
	Value        int64  `json:"value"`
}

func NewEsplora(baseURL string, timeout time.Duration) *Esplora {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Esplora{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

func (e *Esplora) UTXOs(ctx context.Context, address string) ([]Output, error) {
	var out []Output
	resp, err := e.client.R().SetContext(ctx).SetResult(&out).SetPathParam("address", address).Get("/address/{address}/utxo")
	if err != nil {
		return nil, fmt.Errorf("failed to list utxos: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list utxos: explorer returned %d: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}

// FeeRate returns the sat/vB estimate for confirmation within target blocks.
// The nearest target the explorer knows at or above target is used.
func (e *Esplora) FeeRate(ctx context.Context, target int) (float64, error) {
	estimates := map[string]float64{}
	resp, err := e.client.R().SetContext(ctx).SetResult(&estimates).Get("/fee-estimates")
	if err != nil {
		return 0, fmt.Errorf("failed to get fee estimates: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("fee estimates: explorer returned %d", resp.StatusCode())
	}

	best, bestTarget := 0.0, -1
	for k, rate := range estimates {
		t, err := strconv.Atoi(k)
		if err != nil || t < target {
			continue
		}
		if bestTarget == -1 || t < bestTarget {
			best, bestTarget = rate, t
		}
	}
	if bestTarget == -1 {
		return 0, fmt.Errorf("no fee estimate for target %d", target)
	}
	return best, nil
}

// Broadcast posts a raw transaction and returns its txid.
func (e *Esplora) Broadcast(ctx context.Context, rawHex string) (string, error) {
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetBody(rawHex).
		Post("/tx")
	if err != nil {
		return "", fmt.Errorf("failed to broadcast: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("broadcast rejected (%d): %s", resp.StatusCode(), resp.String())
	}
	return strings.TrimSpace(resp.String()), nil
}

// TxStatus reports whether txid is known and where it was mined.
func (e *Esplora) TxStatus(ctx context.Context, txid string) (OutputStatus, bool, error) {
	var status OutputStatus
	resp, err := e.client.R().SetContext(ctx).SetResult(&status).SetPathParam("txid", txid).Get("/tx/{txid}/status")
	if err != nil {
		return OutputStatus{}, false, fmt.Errorf("failed to get tx status: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusBadRequest {
		return OutputStatus{}, false, nil
	}
	if resp.IsError() {
		return OutputStatus{}, false, fmt.Errorf("tx status: explorer returned %d", resp.StatusCode())
	}
	return status, true, nil
}

// Tx fetches a transaction with its outputs.
func (e *Esplora) Tx(ctx context.Context, txid string) (*Tx, bool, error) {
	var tx Tx
	resp, err := e.client.R().SetContext(ctx).SetResult(&tx).SetPathParam("txid", txid).Get("/tx/{txid}")
	if err != nil {
		return nil, false, fmt.Errorf("failed to get tx: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusBadRequest {
		return nil, false, nil
	}
	if resp.IsError() {
		return nil, false, fmt.Errorf("tx: explorer returned %d", resp.StatusCode())
	}
	return &tx, true, nil
}

func (e *Esplora) TipHeight(ctx context.Context) (uint64, error) {
	resp, err := e.client.R().SetContext(ctx).Get("/blocks/tip/height")
	if err != nil {
		return 0, fmt.Errorf("failed to get tip height: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("tip height: explorer returned %d", resp.StatusCode())
	}
	return strconv.ParseUint(strings.TrimSpace(resp.String()), 10, 64)
}
