package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNodeDown = errors.New("node down")

func failing(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return errNodeDown
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{Name: "test:open", FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()
	var calls int32

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, failing(&calls))
		assert.ErrorIs(t, err, errNodeDown)
	}
	assert.Equal(t, StateOpen, b.State())

	// Fourth call fails fast without reaching the dependency.
	err := b.Execute(ctx, failing(&calls))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	b := New(Config{Name: "test:reset", FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()
	var calls int32

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	require.Equal(t, uint32(2), b.ConsecutiveFailures())

	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, uint32(0), b.ConsecutiveFailures())

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := New(Config{Name: "test:probe", FailureThreshold: 3, ResetTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	var calls int32

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	release := make(chan struct{})
	var probes int32
	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Execute(ctx, func(context.Context) error {
				atomic.AddInt32(&probes, 1)
				<-release
				return nil
			})
		}(i)
	}

	// Let the probe get in before releasing it.
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&probes))
	var rejected int
	for _, err := range results {
		if errors.Is(err, ErrCircuitOpen) {
			rejected++
		}
	}
	assert.Equal(t, 4, rejected)
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	b := New(Config{Name: "test:reopen", FailureThreshold: 3, ResetTimeout: 40 * time.Millisecond})
	ctx := context.Background()
	var calls int32

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	time.Sleep(60 * time.Millisecond)

	err := b.Execute(ctx, failing(&calls))
	assert.ErrorIs(t, err, errNodeDown)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestCircuitBreaker_NeutralErrorsDoNotTrip(t *testing.T) {
	b := New(Config{Name: "test:neutral", FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()
	rejection := errors.New("insufficient funds")

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(context.Context) error { return Neutral(rejection) })
		assert.ErrorIs(t, err, rejection)
	}
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestDo_ReturnsResult(t *testing.T) {
	b := New(Config{Name: "test:do"})
	n, err := Do(context.Background(), b, func(context.Context) (uint64, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
}

func TestRegistry_KeyedByNetworkAndOperation(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 3, ResetTimeout: time.Minute})

	a := r.Get("ethereum", "submit")
	assert.Same(t, a, r.Get("ethereum", "submit"))
	assert.NotSame(t, a, r.Get("ethereum", "balance"))
	assert.Equal(t, "ethereum:submit", a.Name())
	assert.Equal(t, []string{"ethereum:balance", "ethereum:submit"}, r.Names())

	var calls int32
	for i := 0; i < 3; i++ {
		_ = a.Execute(context.Background(), failing(&calls))
	}
	snap := r.Snapshot()
	assert.Equal(t, StateOpen, snap["ethereum:submit"])
	assert.Equal(t, StateClosed, snap["ethereum:balance"])
}

func TestRedisStore_SharesOpenState(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	ctx := context.Background()

	tripped := New(Config{Name: "solana:submit", FailureThreshold: 1, ResetTimeout: time.Minute}, WithStateStore(store))
	peer := New(Config{Name: "solana:submit", FailureThreshold: 1, ResetTimeout: time.Minute}, WithStateStore(store))

	var calls int32
	_ = tripped.Execute(ctx, failing(&calls))
	require.Equal(t, StateOpen, tripped.State())

	require.Eventually(t, func() bool {
		open, err := store.IsOpen(ctx, "solana:submit")
		return err == nil && open
	}, time.Second, 10*time.Millisecond)

	err := peer.Execute(ctx, func(context.Context) error {
		t.Fatal("peer should not reach the dependency")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	mr.FastForward(2 * time.Minute)
	assert.NoError(t, peer.Execute(ctx, func(context.Context) error { return nil }))
}
