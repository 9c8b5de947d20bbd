// Package lease provides a best-effort cross-instance mutex for scheduler ticks.
//
// Correctness of follow-up notification never depends on the lease; the persisted
// notified flag does that. The lease only keeps two replicas from evaluating the
// same tick at the same moment and racing the push gateway.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReleaseFunc gives the lease back. It is safe to call after the lease expired.
type ReleaseFunc func(ctx context.Context) error

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a SET NX PX lease keyed by name.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLease creates a lease; ttl bounds how long a crashed holder blocks others.
func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLease{client: client, key: key, ttl: ttl}
}

// TryAcquire attempts to take the lease without waiting.
// acquired is false when another holder owns it.
func (l *RedisLease) TryAcquire(ctx context.Context) (ReleaseFunc, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lease: redis client not configured")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease: acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("lease: release %s: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}
