package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"
)

// ErrMaxRetriesExceeded wraps the last error once a policy is exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// Policy describes how often and how patiently to retry.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the fraction (0..1) of each delay that is randomized.
	Jitter float64
	// RetryableFunc overrides the default error classification.
	RetryableFunc func(error) bool
}

// DefaultPolicy suits idempotent reads against a payment processor.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// Validate rejects nonsensical policies.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return errors.New("backoff durations must be >= 0")
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		return errors.New("initial backoff exceeds max backoff")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0,1], got %v", p.Jitter)
	}
	return nil
}

// Backoff computes exponential delays for a policy.
type Backoff struct {
	policy Policy
	rnd    *rand.Rand
}

func NewBackoff(policy Policy) *Backoff {
	return &Backoff{policy: policy, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Calculate returns the delay before the given attempt (1-based).
func (b *Backoff) Calculate(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.policy.Multiplier
	if mult == 0 {
		mult = 2
	}
	delay := float64(b.policy.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if b.policy.MaxBackoff > 0 && delay > float64(b.policy.MaxBackoff) {
		delay = float64(b.policy.MaxBackoff)
	}
	if b.policy.Jitter > 0 {
		spread := delay * b.policy.Jitter
		delay = delay - spread + b.rnd.Float64()*2*spread
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Retryable lets errors declare whether retrying them makes sense.
type Retryable interface {
	IsRetryable() bool
}

// ShouldRetry is the default classification: explicit Retryable errors decide
// for themselves, network errors and deadlines retry, everything else stops.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
