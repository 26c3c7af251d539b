// Package lease lets several engine replicas agree that only one of them
// runs a background pass at a time. Passes stay correct without it; the
// lease only avoids duplicated work and conflict noise.
package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease grants short exclusive holds on named keys.
type Lease interface {
	// TryAcquire returns true when the caller now holds key for ttl.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops the hold if the caller still owns it.
	Release(ctx context.Context, key string) error
}

// Local always grants the lease. Used for single-process deployments.
type Local struct{}

func (Local) TryAcquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Local) Release(context.Context, string) error                           { return nil }

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX.
type RedisLease struct {
	rdb   redis.Cmdable
	token string
}

// NewRedisLease creates a lease owned by a fresh random token.
func NewRedisLease(rdb redis.Cmdable) *RedisLease {
	return &RedisLease{rdb: rdb, token: uuid.NewString()}
}

func (l *RedisLease) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, leaseKey(key), l.token, ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.rdb, []string{leaseKey(key)}, l.token).Err()
}

func leaseKey(key string) string { return "lease:" + key }
