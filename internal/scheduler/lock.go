package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock guards RunOnce across processes. The registry run flag already
// serializes runs inside one process.
type RunLock interface {
	// Acquire takes the lock for accountID. ok is false when another holder
	// has it. release must be called once the run ends.
	Acquire(ctx context.Context, accountID string, ttl time.Duration) (release func(), ok bool, err error)
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRunLock is a RunLock backed by SET NX with expiry.
type RedisRunLock struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRunLock creates a lock using keys prefix+accountID.
func NewRedisRunLock(client redis.UniversalClient, prefix string) *RedisRunLock {
	return &RedisRunLock{client: client, prefix: prefix}
}

func (l *RedisRunLock) Acquire(ctx context.Context, accountID string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + accountID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring run lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// The run context may be gone; release on a short detached one.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// Ping checks the Redis connection, for readiness probes.
func (l *RedisRunLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
