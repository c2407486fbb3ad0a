package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rail-service/settlement_service/pkg/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without touching the dependency while a breaker
// is open, or while a half-open breaker already has its probe in flight.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State mirrors the three breaker states.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 30 * time.Second
)

// Config configures a single breaker.
type Config struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
	// IsFailure decides whether an error returned by the wrapped call counts
	// against the dependency. Nil means DefaultIsFailure.
	IsFailure func(err error) bool
}

// CircuitBreaker wraps calls to one external dependency.
type CircuitBreaker struct {
	name   string
	cfg    Config
	cb     *gobreaker.CircuitBreaker
	store  StateStore
	logger *zap.Logger
}

// Option customizes a breaker at construction.
type Option func(*CircuitBreaker)

// WithStateStore mirrors OPEN transitions into a store shared by every instance.
func WithStateStore(store StateStore) Option {
	return func(b *CircuitBreaker) { b.store = store }
}

// WithLogger sets the logger used for state change events.
func WithLogger(logger *zap.Logger) Option {
	return func(b *CircuitBreaker) { b.logger = logger }
}

// New creates a breaker. Zero values in cfg fall back to the package defaults.
func New(cfg Config, opts ...Option) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}

	b := &CircuitBreaker{
		name:   cfg.Name,
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	threshold := cfg.FailureThreshold
	isFailure := cfg.IsFailure
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isFailure(err)
		},
		OnStateChange: b.onStateChange,
	})
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)
	return b
}

func (b *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", name),
		zap.String("from", string(fromGobreaker(from))),
		zap.String("to", string(fromGobreaker(to))))

	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))

	if to == gobreaker.StateOpen && b.store != nil {
		// Runs outside the caller's goroutine since gobreaker holds its lock here.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := b.store.MarkOpen(ctx, name, b.cfg.ResetTimeout); err != nil {
				b.logger.Warn("Failed to publish open circuit", zap.String("name", name), zap.Error(err))
			}
		}()
	}
}

// Name returns the dependency key.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State reports the local breaker state.
func (b *CircuitBreaker) State() State {
	return fromGobreaker(b.cb.State())
}

// ConsecutiveFailures reports the current failure streak.
func (b *CircuitBreaker) ConsecutiveFailures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

// Execute runs fn through the breaker.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn through the breaker and returns its result.
func Do[T any](ctx context.Context, b *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if b.store != nil && b.cb.State() == gobreaker.StateClosed {
		open, err := b.store.IsOpen(ctx, b.name)
		if err != nil {
			b.logger.Debug("Shared circuit state unavailable", zap.String("name", b.name), zap.Error(err))
		} else if open {
			return zero, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
	}

	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		return zero, err
	}
	return result.(T), nil
}

// DefaultIsFailure treats caller cancellation as neutral and everything else
// as a dependency failure. A deadline expiry is a failure: the dependency hung.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var neutral interface{ NotDependencyFailure() bool }
	if errors.As(err, &neutral) && neutral.NotDependencyFailure() {
		return false
	}
	return true
}

// Neutral marks err so the breaker does not count it as a dependency failure.
// Use it for domain rejections such as insufficient funds or bad input.
func Neutral(err error) error {
	if err == nil {
		return nil
	}
	return neutralError{err}
}

type neutralError struct{ err error }

func (e neutralError) Error() string              { return e.err.Error() }
func (e neutralError) Unwrap() error              { return e.err }
func (e neutralError) NotDependencyFailure() bool { return true }

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
