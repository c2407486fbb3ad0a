package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// StateStore shares OPEN circuits between service instances.
type StateStore interface {
	MarkOpen(ctx context.Context, name string, ttl time.Duration) error
	IsOpen(ctx context.Context, name string) (bool, error)
}

// RedisStore keeps one key per open circuit; the key expires after the
// reset timeout so every instance probes again on its own schedule.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store under the "circuit:" key prefix.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "circuit:"}
}

func (s *RedisStore) MarkOpen(ctx context.Context, name string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+name, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (s *RedisStore) IsOpen(ctx context.Context, name string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+name).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
