package settlement

import (
	"context"
	"time"

	"github.com/rail-service/settlement_service/pkg/circuitbreaker"
	"github.com/rail-service/settlement_service/pkg/metrics"
)

const defaultCallTimeout = 20 * time.Second

// guardedCall runs one dependency call behind the breaker for
// (network, operation) with its own deadline.
func guardedCall[T any](
	ctx context.Context,
	breakers *circuitbreaker.Registry,
	timeout time.Duration,
	network, operation string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.ChainCallDuration.WithLabelValues(network, operation).Observe(time.Since(start).Seconds())
	}()

	return circuitbreaker.Do(ctx, breakers.Get(network, operation), fn)
}
