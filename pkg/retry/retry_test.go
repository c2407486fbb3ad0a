package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flaky struct{ retryable bool }

func (f flaky) Error() string     { return "flaky" }
func (f flaky) IsRetryable() bool { return f.retryable }

func fastPolicy() Policy {
	return Policy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func TestRetrier_SucceedsAfterTransientErrors(t *testing.T) {
	r := NewRetrier(fastPolicy(), nil)
	attempts := 0

	got, err := DoWithResult(context.Background(), r, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", flaky{retryable: true}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_StopsOnPermanentError(t *testing.T) {
	r := NewRetrier(fastPolicy(), nil)
	attempts := 0

	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		return flaky{retryable: false}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.False(t, errors.Is(err, ErrMaxRetriesExceeded))
}

func TestRetrier_ExhaustsPolicy(t *testing.T) {
	r := NewRetrier(fastPolicy(), nil)
	attempts := 0

	err := r.Do(context.Background(), func(context.Context) error {
		attempts++
		return flaky{retryable: true}
	})

	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 4, attempts)
}

func TestRetrier_HonoursCancellation(t *testing.T) {
	r := NewRetrier(Policy{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Do(ctx, func(context.Context) error { return flaky{retryable: true} })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoff_CappedAtMax(t *testing.T) {
	b := NewBackoff(Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2})

	assert.Equal(t, 100*time.Millisecond, b.Calculate(1))
	assert.Equal(t, 200*time.Millisecond, b.Calculate(2))
	assert.Equal(t, 300*time.Millisecond, b.Calculate(3))
	assert.Equal(t, 300*time.Millisecond, b.Calculate(10))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxRetries: -1}.Validate())
	assert.Error(t, Policy{InitialBackoff: time.Second, MaxBackoff: time.Millisecond}.Validate())
	assert.Error(t, Policy{Jitter: 2}.Validate())
}
