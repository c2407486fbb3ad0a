package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/internal/infrastructure/cache"
	"github.com/rail-service/settlement_service/internal/infrastructure/repositories"
	"github.com/rail-service/settlement_service/pkg/logger"
)

type recordingRecoverer struct {
	mu       sync.Mutex
	seen     map[string]int
	inFlight int32
	peak     int32
	delay    time.Duration
	panicOn  string
	blockOn  string
}

func newRecordingRecoverer() *recordingRecoverer {
	return &recordingRecoverer{seen: make(map[string]int)}
}

func (r *recordingRecoverer) RecoverTransaction(ctx context.Context, tx *entities.Transaction) (string, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}

	r.mu.Lock()
	r.seen[tx.PaymentReference]++
	r.mu.Unlock()

	if tx.PaymentReference == r.panicOn {
		panic("boom")
	}
	if tx.PaymentReference == r.blockOn {
		<-ctx.Done()
		return "deferred", ctx.Err()
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return "waiting", nil
}

func (r *recordingRecoverer) count(ref string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[ref]
}

func seed(t *testing.T, repo *repositories.MemoryTransactionRepository, ref string, status entities.TransactionStatus, age time.Duration) {
	t.Helper()
	at := time.Now().UTC().Add(-age)
	tx := &entities.Transaction{
		ID:               uuid.New(),
		PaymentReference: ref,
		Direction:        entities.DirectionBuy,
		CryptoType:       entities.CryptoETH,
		Status:           status,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	if status.HasSettlementHash() {
		hash := "0x" + ref
		tx.BlockchainTxHash = &hash
	}
	require.NoError(t, repo.Create(context.Background(), tx))
}

func testConfig() Config {
	return Config{
		Enabled:        true,
		Interval:       time.Hour,
		GracePeriod:    time.Minute,
		BatchSize:      50,
		MaxConcurrency: 2,
		AttemptTimeout: time.Second,
		LockTTL:        time.Minute,
	}
}

func TestRunOnce_SelectsStuckNonTerminal(t *testing.T) {
	repo := repositories.NewMemoryTransactionRepository()
	seed(t, repo, "old_pending", entities.TransactionStatusPending, time.Hour)
	seed(t, repo, "old_processing", entities.TransactionStatusProcessing, time.Hour)
	seed(t, repo, "old_completed", entities.TransactionStatusCompleted, time.Hour)
	seed(t, repo, "old_failed", entities.TransactionStatusFailed, time.Hour)
	seed(t, repo, "old_confirmed", entities.TransactionStatusConfirmed, time.Hour)
	seed(t, repo, "fresh_pending", entities.TransactionStatusPending, time.Second)

	rec := newRecordingRecoverer()
	w, err := NewWorker(testConfig(), repo, rec, nil, logger.Nop())
	require.NoError(t, err)

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Candidates)
	assert.Equal(t, 3, res.Actions["waiting"])

	for _, ref := range []string{"old_pending", "old_processing", "old_completed"} {
		assert.Equal(t, 1, rec.count(ref), ref)
	}
	for _, ref := range []string{"old_failed", "old_confirmed", "fresh_pending"} {
		assert.Zero(t, rec.count(ref), ref)
	}
}

func TestRunOnce_PanicDoesNotAbortSweep(t *testing.T) {
	repo := repositories.NewMemoryTransactionRepository()
	seed(t, repo, "bad", entities.TransactionStatusPending, time.Hour)
	seed(t, repo, "good_1", entities.TransactionStatusPending, time.Hour)
	seed(t, repo, "good_2", entities.TransactionStatusPending, time.Hour)

	rec := newRecordingRecoverer()
	rec.panicOn = "bad"
	w, err := NewWorker(testConfig(), repo, rec, nil, logger.Nop())
	require.NoError(t, err)

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Actions["panic"])
	assert.Equal(t, 2, res.Actions["waiting"])
	assert.Equal(t, 1, res.Errors)
}

func TestRunOnce_AttemptTimeoutBoundsSlowTransaction(t *testing.T) {
	repo := repositories.NewMemoryTransactionRepository()
	seed(t, repo, "hung", entities.TransactionStatusCompleted, time.Hour)
	seed(t, repo, "fine", entities.TransactionStatusCompleted, time.Hour)

	rec := newRecordingRecoverer()
	rec.blockOn = "hung"
	cfg := testConfig()
	cfg.AttemptTimeout = 50 * time.Millisecond
	w, err := NewWorker(cfg, repo, rec, nil, logger.Nop())
	require.NoError(t, err)

	start := time.Now()
	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Actions["deferred"])
	assert.Equal(t, 1, res.Actions["waiting"])
	assert.Equal(t, 1, res.Errors)
}

func TestRunOnce_ConcurrencyIsBounded(t *testing.T) {
	repo := repositories.NewMemoryTransactionRepository()
	for i := 0; i < 10; i++ {
		seed(t, repo, uuid.NewString(), entities.TransactionStatusPending, time.Hour)
	}

	rec := newRecordingRecoverer()
	rec.delay = 20 * time.Millisecond
	w, err := NewWorker(testConfig(), repo, rec, nil, logger.Nop())
	require.NoError(t, err)

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Candidates)
	assert.LessOrEqual(t, atomic.LoadInt32(&rec.peak), int32(2))
}

func TestRunOnce_SweepLock(t *testing.T) {
	mr := miniredis.RunT(t)
	locker := cache.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())

	repo := repositories.NewMemoryTransactionRepository()
	seed(t, repo, "stuck", entities.TransactionStatusPending, time.Hour)
	rec := newRecordingRecoverer()
	w, err := NewWorker(testConfig(), repo, rec, locker, logger.Nop())
	require.NoError(t, err)

	// Another instance is sweeping.
	_, ok, err := locker.AcquireLock(context.Background(), sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, rec.count("stuck"))

	mr.Del(sweepLockKey)
	res, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, rec.count("stuck"))
	assert.False(t, mr.Exists(sweepLockKey), "lock released after the sweep")
}

func TestWorker_StartAndShutdown(t *testing.T) {
	repo := repositories.NewMemoryTransactionRepository()
	seed(t, repo, "stuck", entities.TransactionStatusPending, time.Hour)
	rec := newRecordingRecoverer()

	w, err := NewWorker(testConfig(), repo, rec, nil, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool { return rec.count("stuck") == 1 }, time.Second, 10*time.Millisecond)
	assert.NoError(t, w.Shutdown(time.Second))
}

func TestWorker_InvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = "every now and then"
	w, err := NewWorker(cfg, repositories.NewMemoryTransactionRepository(), newRecordingRecoverer(), nil, logger.Nop())
	require.NoError(t, err)

	assert.Error(t, w.Start(context.Background()))
}
