// Package recovery runs the periodic sweep that re-drives settlements a
// webhook never finished: missed notifications, crashed drivers, failed
// submissions and transfers waiting for confirmation depth.
package recovery

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rail-service/settlement_service/internal/domain/entities"
	"github.com/rail-service/settlement_service/internal/domain/repositories"
	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

const sweepLockKey = "settlement:recovery:sweep"

// Config holds configuration for the recovery worker
type Config struct {
	Enabled bool
	// Interval between sweeps. Ignored when Schedule is set.
	Interval time.Duration
	// Schedule is an optional cron expression.
	Schedule string
	// GracePeriod is how long a transaction must sit untouched before the
	// sweep looks at it. It must exceed the longest in-flight transfer.
	GracePeriod    time.Duration
	BatchSize      int
	MaxConcurrency int
	AttemptTimeout time.Duration
	// LockTTL bounds how long a crashed instance can hold the sweep lock.
	LockTTL time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Interval:       time.Minute,
		GracePeriod:    5 * time.Minute,
		BatchSize:      100,
		MaxConcurrency: 8,
		AttemptTimeout: 2 * time.Minute,
		LockTTL:        10 * time.Minute,
	}
}

// Recoverer re-drives a single transaction and names what it did.
type Recoverer interface {
	RecoverTransaction(ctx context.Context, tx *entities.Transaction) (string, error)
}

// Locker keeps concurrent instances from sweeping at the same time. The
// compare-and-transition already makes overlapping sweeps safe; the lock only
// saves the duplicate processor and node calls.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// SweepResult summarises one pass.
type SweepResult struct {
	Candidates int
	Actions    map[string]int
	Errors     int
	Skipped    bool // another instance held the lock
	Duration   time.Duration
}

// Worker runs recovery sweeps on a schedule.
type Worker struct {
	config    Config
	repo      repositories.TransactionRepository
	recoverer Recoverer
	locker    Locker
	logger    *logger.Logger
	now       func() time.Time

	sweepsCounter     metric.Int64Counter
	actionsCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram

	cron           *cron.Cron
	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewWorker creates the recovery worker. locker may be nil.
func NewWorker(
	config Config,
	repo repositories.TransactionRepository,
	recoverer Recoverer,
	locker Locker,
	logger *logger.Logger,
) (*Worker, error) {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}

	meter := otel.Meter("settlement-recovery")

	sweepsCounter, err := meter.Int64Counter(
		"recovery.sweeps.total",
		metric.WithDescription("Total number of recovery sweeps"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeps counter: %w", err)
	}

	actionsCounter, err := meter.Int64Counter(
		"recovery.actions.total",
		metric.WithDescription("Per-transaction recovery actions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create actions counter: %w", err)
	}

	durationHistogram, err := meter.Float64Histogram(
		"recovery.duration.seconds",
		metric.WithDescription("Recovery sweep duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		config:            config,
		repo:              repo,
		recoverer:         recoverer,
		locker:            locker,
		logger:            logger,
		now:               func() time.Time { return time.Now().UTC() },
		sweepsCounter:     sweepsCounter,
		actionsCounter:    actionsCounter,
		durationHistogram: durationHistogram,
		shutdownCtx:       ctx,
		shutdownCancel:    cancel,
	}, nil
}

// Start begins sweeping in the background.
func (w *Worker) Start(ctx context.Context) error {
	if !w.config.Enabled {
		w.logger.Info("Recovery worker is disabled")
		return nil
	}

	w.logger.Info("Starting recovery worker",
		"interval", w.config.Interval,
		"schedule", w.config.Schedule,
		"grace_period", w.config.GracePeriod,
		"batch_size", w.config.BatchSize)

	if w.config.Schedule != "" {
		w.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := w.cron.AddFunc(w.config.Schedule, func() { w.sweep(ctx) }); err != nil {
			return fmt.Errorf("invalid recovery schedule %q: %w", w.config.Schedule, err)
		}
		w.cron.Start()
		return nil
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Shutdown stops scheduling and waits for the running sweep to finish.
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.logger.Info("Shutting down recovery worker", "timeout", timeout)
	w.shutdownCancel()

	done := make(chan struct{})
	go func() {
		if w.cron != nil {
			<-w.cron.Stop().Done()
		}
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Recovery worker shutdown complete")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	w.sweep(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Recovery worker stopping")
			return
		case <-w.shutdownCtx.Done():
			w.logger.Info("Recovery worker stopping due to shutdown")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	ctx, cancel := mergeCancel(ctx, w.shutdownCtx)
	defer cancel()
	if _, err := w.RunOnce(ctx); err != nil {
		w.logger.Error("Recovery sweep failed", "error", err)
	}
}

// RunOnce performs a single sweep. Per-transaction failures are counted in
// the result, never returned; the error is for failures of the sweep itself.
func (w *Worker) RunOnce(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	result := &SweepResult{Actions: make(map[string]int)}

	if w.locker != nil {
		token, ok, err := w.locker.AcquireLock(ctx, sweepLockKey, w.config.LockTTL)
		if err != nil {
			// Without the lock we still sweep: correctness does not depend on it.
			w.logger.Warn("Sweep lock unavailable, sweeping anyway", "error", err)
		} else if !ok {
			w.logger.Debug("Another instance holds the sweep lock")
			result.Skipped = true
			metrics.RecoverySweepsTotal.WithLabelValues("skipped").Inc()
			return result, nil
		} else {
			defer func() {
				if err := w.locker.ReleaseLock(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
					w.logger.Warn("Failed to release sweep lock", "error", err)
				}
			}()
		}
	}

	candidates, err := w.repo.ListStuck(ctx, repositories.StuckTransactionFilter{
		Statuses:      entities.NonTerminalStatuses,
		UpdatedBefore: w.now().Add(-w.config.GracePeriod),
		Limit:         w.config.BatchSize,
	})
	if err != nil {
		metrics.RecoverySweepsTotal.WithLabelValues("error").Inc()
		w.sweepsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return nil, fmt.Errorf("list stuck transactions: %w", err)
	}
	result.Candidates = len(candidates)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, w.config.MaxConcurrency)

	for _, tx := range candidates {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return result, ctx.Err()
		}

		wg.Add(1)
		go func(tx *entities.Transaction) {
			defer wg.Done()
			defer func() { <-sem }()

			action, err := w.recoverOne(ctx, tx)

			mu.Lock()
			result.Actions[action]++
			if err != nil {
				result.Errors++
			}
			mu.Unlock()
		}(tx)
	}
	wg.Wait()

	result.Duration = time.Since(start)
	metrics.RecoverySweepsTotal.WithLabelValues("ok").Inc()
	w.sweepsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	w.durationHistogram.Record(ctx, result.Duration.Seconds())

	if result.Candidates > 0 {
		w.logger.Info("Recovery sweep completed",
			"duration", result.Duration,
			"candidates", result.Candidates,
			"actions", result.Actions,
			"errors", result.Errors)
	}
	return result, nil
}

// recoverOne isolates a single transaction: its own deadline, and a panic
// is logged instead of taking the sweep down.
func (w *Worker) recoverOne(ctx context.Context, tx *entities.Transaction) (action string, err error) {
	if tx.Status == entities.TransactionStatusFailed {
		return "skipped", nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.AttemptTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovery panicked",
				"transaction_id", tx.ID.String(),
				"panic", r,
				"stack", string(debug.Stack()))
			action, err = "panic", fmt.Errorf("recovery panicked: %v", r)
		}
		metrics.RecoveryActionsTotal.WithLabelValues(string(tx.Status), action).Inc()
		w.actionsCounter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
			attribute.String("status", string(tx.Status)),
			attribute.String("action", action)))
	}()

	action, err = w.recoverer.RecoverTransaction(ctx, tx)
	if err != nil {
		w.logger.Warn("Recovery attempt failed",
			"transaction_id", tx.ID.String(),
			"reference", tx.PaymentReference,
			"status", string(tx.Status),
			"action", action,
			"error", err)
		if action == "" {
			action = "error"
		}
	}
	return action, err
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
