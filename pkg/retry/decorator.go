package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Retrier runs operations under a Policy.
type Retrier struct {
	policy  Policy
	backoff *Backoff
	logger  *zap.Logger
}

// NewRetrier creates a retrier. It panics on an invalid policy since that is
// a programming error caught at startup.
func NewRetrier(policy Policy, logger *zap.Logger) *Retrier {
	if err := policy.Validate(); err != nil {
		panic(fmt.Sprintf("invalid retry policy: %v", err))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		policy:  policy,
		backoff: NewBackoff(policy),
		logger:  logger,
	}
}

// Do executes operation with retries.
func (r *Retrier) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// DoWithResult executes operation with retries and returns its result.
func DoWithResult[T any](ctx context.Context, r *Retrier, operation func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retries",
					zap.Int("attempt", attempt),
					zap.Int("max_retries", r.policy.MaxRetries))
			}
			return result, nil
		}
		lastErr = err

		if !r.isRetryable(err) {
			r.logger.Debug("Error is not retryable",
				zap.Error(err),
				zap.Int("attempt", attempt))
			return zero, err
		}

		if attempt >= r.policy.MaxRetries {
			break
		}

		wait := r.backoff.Calculate(attempt + 1)
		r.logger.Debug("Retrying operation",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	r.logger.Warn("Max retries exceeded",
		zap.Error(lastErr),
		zap.Int("max_retries", r.policy.MaxRetries))
	return zero, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

func (r *Retrier) isRetryable(err error) bool {
	if r.policy.RetryableFunc != nil {
		return r.policy.RetryableFunc(err)
	}
	return ShouldRetry(err)
}
