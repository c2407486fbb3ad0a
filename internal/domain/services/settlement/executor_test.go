package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rail-service/settlement_service/internal/adapters/chains"
	"github.com/rail-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/rail-service/settlement_service/internal/domain/errors"
	"github.com/rail-service/settlement_service/pkg/circuitbreaker"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNodeDown = errors.New("dial tcp: connection refused")

// fakeChain is an in-memory chains.Client.
type fakeChain struct {
	mu          sync.Mutex
	network     string
	native      entities.CryptoType
	assets      map[entities.CryptoType]decimal.Decimal
	fee         chains.Fee
	transferErr error
	transfers   int
	inclusions  map[string]chains.Inclusion
	deposits    map[string]decimal.Decimal
	height      uint64
	heightErr   error
}

func newFakeEVM() *fakeChain {
	return &fakeChain{
		network: "ethereum",
		native:  entities.CryptoETH,
		assets: map[entities.CryptoType]decimal.Decimal{
			entities.CryptoETH:  decimal.RequireFromString("1"),
			entities.CryptoUSDC: decimal.RequireFromString("1000"),
		},
		fee:        chains.Fee{Amount: decimal.RequireFromString("0.001"), Asset: entities.CryptoETH},
		inclusions: map[string]chains.Inclusion{},
		deposits:   map[string]decimal.Decimal{},
	}
}

func (c *fakeChain) Network() string                  { return c.network }
func (c *fakeChain) NativeAsset() entities.CryptoType { return c.native }

func (c *fakeChain) Supports(asset entities.CryptoType) bool {
	_, ok := c.assets[asset]
	return ok
}

func (c *fakeChain) Decimals(asset entities.CryptoType) (int32, bool) {
	if !c.Supports(asset) {
		return 0, false
	}
	if asset == c.native {
		return 18, true
	}
	return 6, true
}

func (c *fakeChain) ValidateAddress(address string) error {
	if len(address) < 4 {
		return domainerrors.ErrInvalidAddress
	}
	return nil
}

func (c *fakeChain) Balance(_ context.Context, asset entities.CryptoType) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assets[asset], nil
}

func (c *fakeChain) EstimateFee(context.Context, entities.CryptoType, string, decimal.Decimal) (chains.Fee, error) {
	return c.fee, nil
}

func (c *fakeChain) Transfer(_ context.Context, _ entities.CryptoType, _ string, _ decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers++
	if c.transferErr != nil {
		return "", c.transferErr
	}
	return "0xsent", nil
}

func (c *fakeChain) Inclusion(_ context.Context, txHash string) (chains.Inclusion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inclusions[txHash], nil
}

func (c *fakeChain) CurrentHeight(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, c.heightErr
}

func (c *fakeChain) Received(_ context.Context, _ entities.CryptoType, txHash string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	amount, ok := c.deposits[txHash]
	if !ok {
		return decimal.Zero, errNodeDown
	}
	return amount, nil
}

type fakeVenue struct {
	minOutput bool
	expected  decimal.Decimal
	decimals  int32
	gotMin    decimal.Decimal
	swaps     int
}

func (v *fakeVenue) Network() string { return "ethereum" }
func (v *fakeVenue) Supports(from, to entities.CryptoType) bool {
	return from != to
}
func (v *fakeVenue) SupportsMinOutput() bool { return v.minOutput }
func (v *fakeVenue) AssetDecimals(entities.CryptoType) (int32, bool) {
	return v.decimals, true
}
func (v *fakeVenue) Quote(context.Context, entities.CryptoType, entities.CryptoType, decimal.Decimal) (decimal.Decimal, error) {
	return v.expected, nil
}
func (v *fakeVenue) Swap(_ context.Context, _, _ entities.CryptoType, _, minOut decimal.Decimal) (string, error) {
	v.swaps++
	v.gotMin = minOut
	return "0xswap", nil
}

func testBreakers() *circuitbreaker.Registry {
	return circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
		IsFailure:        domainerrors.IsDependencyFailure,
	})
}

func newTestExecutor(chain *fakeChain, venue chains.SwapVenue) *Executor {
	registry := chains.NewRegistry(chain)
	if venue != nil {
		registry.WithSwapVenue(venue)
	}
	return NewExecutor(registry, testBreakers(), time.Second, logger.Nop())
}

func TestExecutor_Transfer(t *testing.T) {
	chain := newFakeEVM()
	exec := newTestExecutor(chain, nil)

	hash, err := exec.Transfer(context.Background(), "0xabcdef", decimal.RequireFromString("0.5"), entities.CryptoETH)
	require.NoError(t, err)
	assert.Equal(t, "0xsent", hash)
	assert.Equal(t, 1, chain.transfers)
}

func TestExecutor_TransferRejections(t *testing.T) {
	tests := []struct {
		name   string
		to     string
		amount string
		asset  entities.CryptoType
		want   error
	}{
		{"balance below amount plus fee", "0xabcdef", "0.9995", entities.CryptoETH, domainerrors.ErrInsufficientFunds},
		{"token balance short", "0xabcdef", "1000.01", entities.CryptoUSDC, domainerrors.ErrInsufficientFunds},
		{"zero amount", "0xabcdef", "0", entities.CryptoETH, domainerrors.ErrInvalidAmount},
		{"token precision exceeded", "0xabcdef", "1.0000009", entities.CryptoUSDC, domainerrors.ErrInvalidAmount},
		{"token amount below one unit", "0xabcdef", "0.0000004", entities.CryptoUSDC, domainerrors.ErrInvalidAmount},
		{"bad address", "0x", "0.1", entities.CryptoETH, domainerrors.ErrInvalidAddress},
		{"unknown asset", "0xabcdef", "0.1", entities.CryptoBTC, domainerrors.ErrUnsupportedCrypto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeEVM()
			exec := newTestExecutor(chain, nil)

			_, err := exec.Transfer(context.Background(), tt.to, decimal.RequireFromString(tt.amount), tt.asset)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, chain.transfers, "nothing may be broadcast")
		})
	}
}

func TestExecutor_ValidateAmount(t *testing.T) {
	exec := newTestExecutor(newFakeEVM(), nil)

	assert.NoError(t, exec.ValidateAmount(entities.CryptoUSDC, decimal.RequireFromString("1.000001")))
	assert.NoError(t, exec.ValidateAmount(entities.CryptoETH, decimal.RequireFromString("0.000000000000000001")))
	assert.ErrorIs(t, exec.ValidateAmount(entities.CryptoUSDC, decimal.RequireFromString("1.0000009")), domainerrors.ErrInvalidAmount)
	assert.ErrorIs(t, exec.ValidateAmount(entities.CryptoUSDC, decimal.RequireFromString("0.0000004")), domainerrors.ErrInvalidAmount)
	assert.ErrorIs(t, exec.ValidateAmount(entities.CryptoBTC, decimal.NewFromInt(1)), domainerrors.ErrUnsupportedCrypto)
}

func TestExecutor_TokenTransferNeedsGas(t *testing.T) {
	chain := newFakeEVM()
	chain.assets[entities.CryptoETH] = decimal.RequireFromString("0.0001")
	exec := newTestExecutor(chain, nil)

	_, err := exec.Transfer(context.Background(), "0xabcdef", decimal.RequireFromString("10"), entities.CryptoUSDC)
	assert.ErrorIs(t, err, domainerrors.ErrInsufficientFunds)
}

func TestExecutor_SubmissionFailureOpensBreaker(t *testing.T) {
	chain := newFakeEVM()
	chain.transferErr = errNodeDown
	exec := newTestExecutor(chain, nil)
	amount := decimal.RequireFromString("0.1")

	for i := 0; i < 3; i++ {
		_, err := exec.Transfer(context.Background(), "0xabcdef", amount, entities.CryptoETH)
		assert.ErrorIs(t, err, domainerrors.ErrChainSubmission)
		var subErr *domainerrors.ChainSubmissionError
		require.ErrorAs(t, err, &subErr)
		assert.Equal(t, "ethereum", subErr.Network)
	}

	_, err := exec.Transfer(context.Background(), "0xabcdef", amount, entities.CryptoETH)
	assert.ErrorIs(t, err, domainerrors.ErrCircuitOpen)
	assert.Equal(t, 3, chain.transfers, "open breaker must not reach the node")
}

func TestExecutor_InsufficientFundsDoesNotTrip(t *testing.T) {
	chain := newFakeEVM()
	exec := newTestExecutor(chain, nil)

	for i := 0; i < 5; i++ {
		_, err := exec.Transfer(context.Background(), "0xabcdef", decimal.RequireFromString("50"), entities.CryptoETH)
		assert.ErrorIs(t, err, domainerrors.ErrInsufficientFunds)
	}
	_, err := exec.Transfer(context.Background(), "0xabcdef", decimal.RequireFromString("0.1"), entities.CryptoETH)
	assert.NoError(t, err)
}

func TestMinOutput(t *testing.T) {
	got := MinOutput(decimal.NewFromInt(100), decimal.RequireFromString("0.5"))
	assert.True(t, got.Equal(decimal.RequireFromString("99.5")), "got %s", got)

	got = MinOutput(decimal.NewFromInt(100), decimal.Zero)
	assert.True(t, got.Equal(decimal.NewFromInt(100)))
}

func TestExecutor_SwapEnforcesMinimumOutput(t *testing.T) {
	chain := newFakeEVM()
	venue := &fakeVenue{minOutput: true, expected: decimal.NewFromInt(100), decimals: 6}
	exec := newTestExecutor(chain, venue)

	res, err := exec.Swap(context.Background(), entities.SwapRequest{
		Amount:         decimal.RequireFromString("0.5"),
		FromCrypto:     entities.CryptoETH,
		ToCrypto:       entities.CryptoUSDC,
		MaxSlippagePct: decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "0xswap", res.TxHash)
	assert.True(t, res.MinOutput.Equal(decimal.RequireFromString("99.5")), "got %s", res.MinOutput)
	assert.True(t, venue.gotMin.Equal(decimal.RequireFromString("99.5")))
}

func TestExecutor_SwapRejectsInexpressibleBound(t *testing.T) {
	req := entities.SwapRequest{
		Amount:         decimal.RequireFromString("0.5"),
		FromCrypto:     entities.CryptoETH,
		ToCrypto:       entities.CryptoUSDC,
		MaxSlippagePct: decimal.RequireFromString("0.5"),
	}

	t.Run("venue without minimum output", func(t *testing.T) {
		venue := &fakeVenue{minOutput: false, expected: decimal.NewFromInt(100), decimals: 6}
		_, err := newTestExecutor(newFakeEVM(), venue).Swap(context.Background(), req)
		assert.ErrorIs(t, err, domainerrors.ErrSlippageBoundUnsupported)
		assert.Zero(t, venue.swaps)
	})

	t.Run("bound rounds to zero", func(t *testing.T) {
		venue := &fakeVenue{minOutput: true, expected: decimal.RequireFromString("0.0000001"), decimals: 6}
		_, err := newTestExecutor(newFakeEVM(), venue).Swap(context.Background(), req)
		assert.ErrorIs(t, err, domainerrors.ErrSlippageBoundUnsupported)
		assert.Zero(t, venue.swaps)
	})

	t.Run("no venue", func(t *testing.T) {
		_, err := newTestExecutor(newFakeEVM(), nil).Swap(context.Background(), req)
		assert.ErrorIs(t, err, domainerrors.ErrUnsupportedCrypto)
	})

	t.Run("slippage out of range", func(t *testing.T) {
		bad := req
		bad.MaxSlippagePct = decimal.NewFromInt(100)
		venue := &fakeVenue{minOutput: true, expected: decimal.NewFromInt(100), decimals: 6}
		_, err := newTestExecutor(newFakeEVM(), venue).Swap(context.Background(), bad)
		assert.True(t, domainerrors.IsInvalidInput(err))
	})

	t.Run("source balance short", func(t *testing.T) {
		large := req
		large.Amount = decimal.NewFromInt(5)
		venue := &fakeVenue{minOutput: true, expected: decimal.NewFromInt(100), decimals: 6}
		_, err := newTestExecutor(newFakeEVM(), venue).Swap(context.Background(), large)
		assert.ErrorIs(t, err, domainerrors.ErrInsufficientFunds)
		assert.Zero(t, venue.swaps)
	})
}

func TestVerifier_ConfirmationThreshold(t *testing.T) {
	chain := newFakeEVM()
	chain.inclusions["0xmined"] = chains.Inclusion{Known: true, Included: true, Height: 100}
	chain.inclusions["0xmempool"] = chains.Inclusion{Known: true}
	chain.inclusions["0xreverted"] = chains.Inclusion{Known: true, Included: true, Height: 90, Reverted: true}
	verifier := NewVerifier(chains.NewRegistry(chain), testBreakers(), nil, time.Second)
	ctx := context.Background()

	for height, want := range map[uint64]entities.ConfirmationStatus{
		100: entities.ConfirmationPending,
		102: entities.ConfirmationPending,
		103: entities.ConfirmationConfirmed,
		150: entities.ConfirmationConfirmed,
	} {
		chain.height = height
		got, err := verifier.IsConfirmed(ctx, "0xmined", entities.CryptoETH)
		require.NoError(t, err)
		assert.Equal(t, want, got, "height %d", height)
	}

	got, err := verifier.IsConfirmed(ctx, "0xmempool", entities.CryptoETH)
	require.NoError(t, err)
	assert.Equal(t, entities.ConfirmationPending, got)

	got, err = verifier.IsConfirmed(ctx, "0xnever", entities.CryptoETH)
	require.NoError(t, err)
	assert.Equal(t, entities.ConfirmationNotFound, got)

	got, err = verifier.IsConfirmed(ctx, "0xreverted", entities.CryptoETH)
	require.NoError(t, err)
	assert.Equal(t, entities.ConfirmationFailed, got)
}

func TestVerifier_PerNetworkThreshold(t *testing.T) {
	chain := newFakeEVM()
	chain.inclusions["0xmined"] = chains.Inclusion{Known: true, Included: true, Height: 100}
	chain.height = 105
	verifier := NewVerifier(chains.NewRegistry(chain), testBreakers(), map[string]uint64{"ethereum": 12}, time.Second)

	got, err := verifier.IsConfirmed(context.Background(), "0xmined", entities.CryptoETH)
	require.NoError(t, err)
	assert.Equal(t, entities.ConfirmationPending, got)

	chain.height = 112
	got, err = verifier.IsConfirmed(context.Background(), "0xmined", entities.CryptoETH)
	require.NoError(t, err)
	assert.Equal(t, entities.ConfirmationConfirmed, got)
}

func TestVerifier_NodeErrorIsReported(t *testing.T) {
	chain := newFakeEVM()
	chain.inclusions["0xmined"] = chains.Inclusion{Known: true, Included: true, Height: 100}
	chain.heightErr = errNodeDown
	verifier := NewVerifier(chains.NewRegistry(chain), testBreakers(), nil, time.Second)

	_, err := verifier.IsConfirmed(context.Background(), "0xmined", entities.CryptoETH)
	assert.ErrorIs(t, err, errNodeDown)
}

func TestVerifier_Received(t *testing.T) {
	chain := newFakeEVM()
	chain.deposits["0xdeposit"] = decimal.RequireFromString("100")
	verifier := NewVerifier(chains.NewRegistry(chain), testBreakers(), nil, time.Second)

	got, err := verifier.Received(context.Background(), "0xdeposit", entities.CryptoUSDC)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(got))

	_, err = verifier.Received(context.Background(), "0xunknown", entities.CryptoUSDC)
	assert.ErrorIs(t, err, errNodeDown)

	_, err = verifier.Received(context.Background(), "0xdeposit", entities.CryptoBTC)
	assert.ErrorIs(t, err, domainerrors.ErrUnsupportedCrypto)
}
